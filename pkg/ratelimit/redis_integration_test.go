//go:build integration

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisLimiter_Integration_BudgetSharedAcrossClients(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	cfg := Config{Limit: 5, Window: time.Hour}

	// Two limiter instances simulating two worker processes of the same run.
	l1, err := NewRedisLimiter(redisClient, "itest", cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisLimiter failed: %v", err)
	}
	l2, err := NewRedisLimiter(redisClient, "itest", cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisLimiter failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		l := l1
		if i%2 == 1 {
			l = l2
		}
		wg.Add(1)
		go func(l *RedisLimiter) {
			defer wg.Done()
			wait, err := l.AcquireSlot(ctx, 1)
			if err != nil {
				t.Errorf("AcquireSlot failed: %v", err)
				return
			}
			if wait == 0 {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()

	if admitted != 5 {
		t.Errorf("admitted = %d of 50 acquisitions across two clients, want exactly 5", admitted)
	}
}

func TestRedisLimiter_Integration_WindowReset(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	l, err := NewRedisLimiter(redisClient, "itest", Config{Limit: 1, Window: 200 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisLimiter failed: %v", err)
	}

	if wait, err := l.AcquireSlot(ctx, 1); err != nil || wait != 0 {
		t.Fatalf("first acquire = (%s, %v), want (0, nil)", wait, err)
	}

	wait, err := l.AcquireSlot(ctx, 1)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if wait <= 0 || wait > 250*time.Millisecond {
		t.Errorf("deferred wait = %s, want a positive value within the window", wait)
	}

	// Sleep out the window; the next acquisition opens a fresh one.
	time.Sleep(wait)
	if wait, err := l.AcquireSlot(ctx, 1); err != nil || wait != 0 {
		t.Errorf("acquire after reset = (%s, %v), want (0, nil)", wait, err)
	}
}

func TestRedisLimiter_Integration_SafetyFactor(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	l, err := NewRedisLimiter(redisClient, "itest",
		Config{Limit: 10, Window: time.Hour, SafetyFactor: 0.9}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisLimiter failed: %v", err)
	}

	admitted := 0
	for i := 0; i < 10; i++ {
		wait, err := l.AcquireSlot(ctx, 1)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		if wait == 0 {
			admitted++
		}
	}
	if admitted != 9 {
		t.Errorf("admitted = %d with limit 10 and safety factor 0.9, want 9", admitted)
	}
}
