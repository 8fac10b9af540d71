// Package monitor implements the read-only observer: it polls the aggregate
// summary and renders throughput, ETA, and failure rate. It never mutates
// state, and a transiently unavailable store only costs it one tick.
package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/skylens/backfill/pkg/coordinator"
)

// Prometheus metrics exported by the monitor.
var (
	completedItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_completed_items",
		Help: "Items completed so far",
	})

	failedItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_failed_items",
		Help: "Items failed so far",
	})

	pendingItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_pending_items",
		Help: "Items still pending",
	})

	inProgressItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_in_progress_items",
		Help: "Items in currently leased batches",
	})

	throughputGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_throughput_items_per_second",
		Help: "Completed items per second since the monitor started",
	})

	etaGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_eta_seconds",
		Help: "Estimated seconds until all items are terminal",
	})

	failureRateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_failure_rate",
		Help: "Failed fraction of all terminal items",
	})
)

// SummarySource is the read-side surface the monitor polls. The coordinator
// satisfies it.
type SummarySource interface {
	Summary(ctx context.Context, failedLimit int) (*coordinator.Summary, error)
}

// Stats are the derived figures rendered each tick.
type Stats struct {
	Throughput  float64 // completed items per second
	ETA         time.Duration
	FailureRate float64
}

// ComputeStats derives throughput, ETA, and failure rate from a summary.
// baseline is the completed count when observation started; elapsed is the
// observation span. ETA is -1 when throughput is zero and work remains.
func ComputeStats(s *coordinator.Summary, baseline int, elapsed time.Duration) Stats {
	var st Stats

	if elapsed > 0 && s.Completed > baseline {
		st.Throughput = float64(s.Completed-baseline) / elapsed.Seconds()
	}

	remaining := s.Total - s.Completed - s.Failed
	switch {
	case remaining <= 0:
		st.ETA = 0
	case st.Throughput > 0:
		st.ETA = time.Duration(float64(remaining)/st.Throughput) * time.Second
	default:
		st.ETA = -1
	}

	if terminal := s.Completed + s.Failed; terminal > 0 {
		st.FailureRate = float64(s.Failed) / float64(terminal)
	}
	return st
}

// Monitor polls and renders run progress.
type Monitor struct {
	source   SummarySource
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a monitor polling on the given interval.
func New(source SummarySource, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		source:   source,
		interval: interval,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Run polls until the context is cancelled or the run finishes. Summary
// errors are logged and retried next tick.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	start := time.Now()
	baseline := -1

	m.logger.Info().Dur("interval", m.interval).Msg("Monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		summary, err := m.source.Summary(ctx, 0)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Summary unavailable, retrying next tick")
			continue
		}
		if baseline < 0 {
			// First successful poll anchors the throughput window so a
			// resumed run's prior progress does not inflate the rate.
			baseline = summary.Completed
			start = time.Now()
		}

		stats := ComputeStats(summary, baseline, time.Since(start))
		m.render(summary, stats)

		if summary.Done {
			m.logger.Info().Msg("Run complete, monitor exiting")
			return nil
		}
	}
}

func (m *Monitor) render(s *coordinator.Summary, stats Stats) {
	completedItems.Set(float64(s.Completed))
	failedItems.Set(float64(s.Failed))
	pendingItems.Set(float64(s.Pending))
	inProgressItems.Set(float64(s.InProgress))
	throughputGauge.Set(stats.Throughput)
	failureRateGauge.Set(stats.FailureRate)
	if stats.ETA >= 0 {
		etaGauge.Set(stats.ETA.Seconds())
	}

	event := m.logger.Info().
		Int("total", s.Total).
		Int("completed", s.Completed).
		Int("failed", s.Failed).
		Int("in_progress", s.InProgress).
		Int("pending", s.Pending).
		Float64("throughput_per_s", stats.Throughput).
		Float64("failure_rate", stats.FailureRate)
	if stats.ETA >= 0 {
		event = event.Dur("eta", stats.ETA)
	}
	event.Msg("Backfill progress")
}
