package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLimiter enforces the window budget in-process. It backs unit tests
// and single-machine runs; multi-process runs use RedisLimiter so every
// worker draws from the same budget.
type MemoryLimiter struct {
	mu     sync.Mutex
	window Window

	// Now returns the current time. Overridable in tests.
	Now func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	return &MemoryLimiter{
		window: Window{Limit: cfg.EffectiveLimit(), Duration: cfg.Window},
		Now:    time.Now,
	}, nil
}

// AcquireSlot admits n requests or returns the time until the window resets.
func (l *MemoryLimiter) AcquireSlot(ctx context.Context, n int) (time.Duration, error) {
	if n <= 0 {
		n = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n > l.window.Limit {
		return 0, fmt.Errorf("acquire %d slots with limit %d: %w", n, l.window.Limit, ErrSlotTooLarge)
	}

	now := l.Now()
	if l.window.Start.IsZero() || l.window.Closed(now) {
		l.window.Start = now
		l.window.Count = 0
	}

	if l.window.Count+n <= l.window.Limit {
		l.window.Count += n
		observe(0, l.window.Remaining())
		return 0, nil
	}

	wait := l.window.TimeUntilReset(now)
	observe(wait, l.window.Remaining())
	return wait, nil
}
