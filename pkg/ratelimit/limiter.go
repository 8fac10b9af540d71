package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for the shared request budget.
var (
	slotsAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_ratelimit_admitted_total",
		Help: "Total request slots admitted by the global rate limiter",
	})

	slotsDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_ratelimit_deferred_total",
		Help: "Total acquisitions deferred because the window budget was exhausted",
	})

	slotWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backfill_ratelimit_wait_seconds",
		Help:    "Wait durations returned when the window budget was exhausted",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	windowRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_ratelimit_window_remaining",
		Help: "Request slots remaining in the current window",
	})
)

// Limiter grants request slots against the shared fixed-window budget.
type Limiter interface {
	// AcquireSlot tries to admit n requests in the current window. A zero
	// wait means the slots were admitted and the caller may proceed. A
	// positive wait means the budget is exhausted; the caller must sleep
	// that long and try again. The limiter never admits partially.
	AcquireSlot(ctx context.Context, n int) (time.Duration, error)
}

// Wait blocks until n slots are admitted, sleeping as instructed by the
// limiter. It returns early if the context is cancelled.
func Wait(ctx context.Context, l Limiter, n int) error {
	for {
		wait, err := l.AcquireSlot(ctx, n)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		log.Debug().
			Dur("wait", wait).
			Int("slots", n).
			Msg("Rate limit window exhausted, sleeping")

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func observe(wait time.Duration, remaining int) {
	if wait > 0 {
		slotsDeferredTotal.Inc()
		slotWaitSeconds.Observe(wait.Seconds())
	} else {
		slotsAdmittedTotal.Inc()
	}
	windowRemaining.Set(float64(remaining))
}
