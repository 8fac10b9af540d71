package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skylens/backfill/pkg/fetch"
	"github.com/skylens/backfill/pkg/ratelimit"
	"github.com/skylens/backfill/pkg/state"
)

// Prometheus metrics for item retry behavior.
var (
	fetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_fetch_retries_total",
		Help: "Total fetch retry attempts after transient errors",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backfill_retry_backoff_seconds",
		Help:    "Backoff durations slept before fetch retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	retriesExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_retries_exhausted_total",
		Help: "Total items that exhausted their transient retry budget",
	})
)

// ErrRetriesExhausted is returned when an item's transient retry budget runs
// out; the item is then marked failed but the batch continues.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// fetchWithRetry fetches one identifier, retrying transient errors with
// exponential backoff and jitter. Permanent errors return immediately without
// consuming retries. Every attempt bumps the item's persisted attempt count,
// so the counter is monotone across lease handovers too. Every attempt,
// retries included, is one upstream request and must be admitted against the
// shared window; a retry storm cannot push the run past the global budget.
func (w *Worker) fetchWithRetry(ctx context.Context, itemID string) (*fetch.RawRecord, error) {
	maxAttempts := w.cfg.MaxItemRetries + 1
	backoff := w.cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ratelimit.Wait(ctx, w.limiter, 1); err != nil {
			return nil, fmt.Errorf("acquire rate slot: %w", err)
		}

		if err := w.withStoreRetry(ctx, "increment attempt", func() error {
			_, err := w.store.IncrementAttempt(ctx, itemID)
			return err
		}); err != nil {
			return nil, err
		}

		record, err := w.fetcher.Fetch(ctx, itemID)
		if err == nil {
			if attempt > 1 {
				w.logger.Info().
					Str("id", itemID).
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			return record, nil
		}
		lastErr = err

		if fetch.IsPermanent(err) {
			return nil, err
		}
		if attempt >= maxAttempts {
			break
		}

		fetchRetriesTotal.Inc()

		// ±20% jitter so parallel workers do not retry in lockstep.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.Observe(jitter.Seconds())

		w.logger.Debug().
			Str("id", itemID).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying fetch after backoff")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * w.cfg.BackoffMultiplier)
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}

	retriesExhaustedTotal.Inc()
	w.logger.Warn().
		Str("id", itemID).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, maxAttempts, lastErr)
}

// withStoreRetry runs a store operation, retrying with backoff while the
// store is unreachable. Durable progress must never be skipped just because
// the store blinked: the worker blocks here rather than advancing past an
// un-checkpointed item. Sentinel conditions (lease conflict, not found) are
// returned to the caller immediately.
func (w *Worker) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	backoff := w.cfg.InitialBackoff
	for {
		err := fn()
		if err == nil || !state.IsUnavailable(err) {
			return err
		}

		w.logger.Warn().
			Err(err).
			Str("op", op).
			Dur("backoff", backoff).
			Msg("Store unavailable, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * w.cfg.BackoffMultiplier)
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}
