// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// FromEnv builds a configuration from LOG_LEVEL and LOG_PRETTY. Unset or
// unparsable values fall back to the defaults.
func FromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = LogLevel(v)
	}
	if v := os.Getenv("LOG_PRETTY"); v == "true" || v == "1" {
		cfg.Pretty = true
	}
	return cfg
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Store operations (dequeue, checkpoint writes, cursor advances)
//   - Lease renewals
//   - Rate-limit waits and window state
//
// Info: Normal operation events
//   - Seeding (batches created, items counted)
//   - Batch transitions (leased, done, partially_failed)
//   - Progress and monitor summaries
//   - Worker startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Transient fetch errors and retry attempts
//   - Lease conflicts and reclaimed batches
//   - Store unavailability (operation will be retried)
//
// Error: Error conditions requiring attention
//   - Items that exhausted their retry budget
//   - Lost leases mid-batch
//   - Sweep or finalize failures
//
// Context Fields:
//   - run: backfill run id
//   - batch_id: batch identifier
//   - id: work item identifier
//   - worker_id: lease owner identity
//   - cursor: next unprocessed index within a batch
//   - attempt: item attempt count
//   - backoff / wait: sleep durations
