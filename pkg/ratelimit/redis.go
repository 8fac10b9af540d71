package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// acquireSlotScript implements the whole admit-or-defer decision as one
// atomic step. Redis server time is the clock, so skewed worker clocks cannot
// shift the window, and the reset is a compare-and-swap inside the script:
// the window closes only when elapsed time strictly exceeds the duration, so
// two workers racing the boundary can never both reset it.
//
// KEYS[1]=window start (unix ms), KEYS[2]=count
// ARGV[1]=limit, ARGV[2]=window ms, ARGV[3]=n
// Returns {wait_ms, remaining}; wait_ms of 0 means admitted.
var acquireSlotScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local n = tonumber(ARGV[3])

local start = tonumber(redis.call('GET', KEYS[1]))
if not start or (now - start) > window then
  start = now
  redis.call('SET', KEYS[1], start)
  redis.call('SET', KEYS[2], 0)
end

local count = tonumber(redis.call('GET', KEYS[2]) or '0')
if count + n <= limit then
  redis.call('INCRBY', KEYS[2], n)
  return {0, limit - count - n}
end
return {(start + window) - now + 1, limit - count}
`)

// RedisLimiter enforces the global budget through the shared store. Every
// worker process points at the same pair of keys, so the ceiling holds across
// machines.
type RedisLimiter struct {
	client   *redis.Client
	cfg      Config
	startKey string
	countKey string
	logger   zerolog.Logger
}

// NewRedisLimiter creates a limiter scoped to the given run.
func NewRedisLimiter(client *redis.Client, run string, cfg Config, logger zerolog.Logger) (*RedisLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	prefix := "backfill:" + run + ":ratelimit:"
	return &RedisLimiter{
		client:   client,
		cfg:      cfg,
		startKey: prefix + "window_start",
		countKey: prefix + "count",
		logger:   logger.With().Str("component", "ratelimit").Str("run", run).Logger(),
	}, nil
}

// AcquireSlot admits n requests or returns the time until the window resets.
func (l *RedisLimiter) AcquireSlot(ctx context.Context, n int) (time.Duration, error) {
	if n <= 0 {
		n = 1
	}
	limit := l.cfg.EffectiveLimit()
	if n > limit {
		return 0, fmt.Errorf("acquire %d slots with limit %d: %w", n, limit, ErrSlotTooLarge)
	}

	res, err := acquireSlotScript.Run(ctx, l.client,
		[]string{l.startKey, l.countKey},
		limit, l.cfg.Window.Milliseconds(), n).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("redis acquire slot: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("redis acquire slot: unexpected reply length %d", len(res))
	}

	wait := time.Duration(res[0]) * time.Millisecond
	if wait > 0 {
		l.logger.Debug().
			Dur("wait", wait).
			Int("slots", n).
			Msg("Global budget exhausted")
	}
	observe(wait, int(res[1]))
	return wait, nil
}
