// Package ratelimit implements the global fixed-window request budget shared
// by all backfill workers. The window lives in the shared store, so the
// ceiling holds across processes; backpressure is expressed purely as a wait
// duration returned to the caller — the limiter never queues or drops.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Window is a snapshot of the shared budget window.
type Window struct {
	// Start is when the current window opened. The store, not worker-local
	// clocks, is authoritative for this value.
	Start time.Time `json:"start"`

	// Count is the number of requests admitted in the current window.
	Count int `json:"count"`

	// Limit is the effective request budget per window.
	Limit int `json:"limit"`

	// Duration is the window length.
	Duration time.Duration `json:"duration"`
}

// Remaining returns the budget left in the current window.
func (w *Window) Remaining() int {
	r := w.Limit - w.Count
	if r < 0 {
		return 0
	}
	return r
}

// Closed reports whether the window has ended at the given instant. The
// window closes only when elapsed time strictly exceeds the duration; at the
// exact boundary it is still open, so two workers racing the boundary cannot
// both reset it and double the effective budget.
func (w *Window) Closed(now time.Time) bool {
	return now.Sub(w.Start) > w.Duration
}

// TimeUntilReset returns how long until the window closes, plus one
// millisecond so a sleeper wakes strictly past the boundary. Returns 0 if
// already closed.
func (w *Window) TimeUntilReset(now time.Time) time.Duration {
	d := w.Start.Add(w.Duration).Sub(now)
	if d < 0 {
		return 0
	}
	return d + time.Millisecond
}

// Config holds the limiter parameters.
type Config struct {
	// Limit is the maximum number of requests per window across all workers.
	Limit int

	// Window is the window duration.
	Window time.Duration

	// SafetyFactor scales the limit down to stay under the provider's real
	// budget (e.g. 0.9 keeps 10% headroom). 0 means 1.0.
	SafetyFactor float64
}

// Validate checks the limiter parameters. Invalid parameters are fatal at
// startup.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive (got %d)", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate window must be positive (got %s)", c.Window)
	}
	if c.SafetyFactor < 0 || c.SafetyFactor > 1 {
		return fmt.Errorf("safety factor must be in (0, 1] (got %g)", c.SafetyFactor)
	}
	return nil
}

// EffectiveLimit returns the limit after applying the safety factor, never
// below 1.
func (c Config) EffectiveLimit() int {
	if c.SafetyFactor == 0 || c.SafetyFactor == 1 {
		return c.Limit
	}
	limit := int(float64(c.Limit) * c.SafetyFactor)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// ErrSlotTooLarge is returned when a single acquisition exceeds the whole
// window budget and could therefore never be admitted.
var ErrSlotTooLarge = errors.New("requested slots exceed window limit")
