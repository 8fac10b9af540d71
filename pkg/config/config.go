// Package config holds the run configuration shared by the coordinator,
// worker, and monitor binaries. Invalid configuration is fatal at startup;
// Validate returns a ConfigError naming the offending field.
package config

import (
	"fmt"
	"time"
)

// ConfigError describes an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the full parameter set for one backfill run.
type Config struct {
	// Run identifies this backfill run; all store keys carry it.
	Run string

	// BatchSize is the number of identifiers per batch.
	BatchSize int

	// LeaseTTL is the exclusive claim duration on a batch. Must be well
	// above the expected time to process a full batch under normal
	// rate-limiting delay.
	LeaseTTL time.Duration

	// RenewInterval is how often a worker extends its lease. Must be
	// comfortably below LeaseTTL.
	RenewInterval time.Duration

	// SweepInterval is how often the coordinator reclaims expired leases.
	// Must be below LeaseTTL to bound how long a crashed worker's batch
	// sits idle.
	SweepInterval time.Duration

	// IdleBackoff is how long a worker sleeps when the queue is empty.
	IdleBackoff time.Duration

	// MaxItemRetries caps transient-error retries per item before it is
	// marked failed.
	MaxItemRetries int

	// InitialBackoff, MaxBackoff, and BackoffMultiplier shape the
	// exponential retry backoff for transient fetch errors.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// RateLimit and RateWindow define the global request budget.
	RateLimit  int
	RateWindow time.Duration

	// RateSafetyFactor scales the budget down to keep headroom under the
	// provider's real limit. 0 means 1.0 (no headroom).
	RateSafetyFactor float64

	// ProgressEvery controls how often a worker logs per-batch progress,
	// in items. 0 disables.
	ProgressEvery int
}

// DefaultConfig returns a conservative configuration sized for a
// 3000-requests-per-5-minutes upstream budget.
func DefaultConfig() Config {
	return Config{
		Run:               "default",
		BatchSize:         100,
		LeaseTTL:          30 * time.Minute,
		RenewInterval:     1 * time.Minute,
		SweepInterval:     5 * time.Minute,
		IdleBackoff:       5 * time.Second,
		MaxItemRetries:    3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		RateLimit:         3000,
		RateWindow:        5 * time.Minute,
		RateSafetyFactor:  0.9,
		ProgressEvery:     50,
	}
}

// Validate checks all fields and returns the first violation found.
func (c Config) Validate() error {
	if c.Run == "" {
		return &ConfigError{Field: "run", Reason: "must not be empty"}
	}
	if c.BatchSize <= 0 {
		return &ConfigError{Field: "batch_size", Reason: fmt.Sprintf("must be positive (got %d)", c.BatchSize)}
	}
	if c.LeaseTTL <= 0 {
		return &ConfigError{Field: "lease_ttl", Reason: "must be positive"}
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.LeaseTTL {
		return &ConfigError{Field: "renew_interval", Reason: "must be positive and below lease_ttl"}
	}
	if c.SweepInterval <= 0 || c.SweepInterval >= c.LeaseTTL {
		return &ConfigError{Field: "sweep_interval", Reason: "must be positive and below lease_ttl"}
	}
	if c.MaxItemRetries < 0 {
		return &ConfigError{Field: "max_item_retries", Reason: "must not be negative"}
	}
	if c.InitialBackoff <= 0 {
		return &ConfigError{Field: "initial_backoff", Reason: "must be positive"}
	}
	if c.MaxBackoff < c.InitialBackoff {
		return &ConfigError{Field: "max_backoff", Reason: "must not be below initial_backoff"}
	}
	if c.BackoffMultiplier < 1 {
		return &ConfigError{Field: "backoff_multiplier", Reason: "must be at least 1"}
	}
	if c.RateLimit <= 0 {
		return &ConfigError{Field: "rate_limit", Reason: fmt.Sprintf("must be positive (got %d)", c.RateLimit)}
	}
	if c.RateWindow <= 0 {
		return &ConfigError{Field: "rate_window", Reason: "must be positive"}
	}
	if c.RateSafetyFactor < 0 || c.RateSafetyFactor > 1 {
		return &ConfigError{Field: "rate_safety_factor", Reason: "must be in (0, 1]"}
	}
	return nil
}
