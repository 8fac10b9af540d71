// Package sink provides the append-only destinations for fetched records.
// The recovery path delivers at-least-once, so every sink must tolerate a
// second Append for the same identifier; both implementations dedupe on id.
package sink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skylens/backfill/pkg/fetch"
)

// Prometheus metrics shared by the sink implementations.
var (
	recordsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_sink_records_total",
		Help: "Records handed to the sink by outcome (written, duplicate)",
	}, []string{"outcome"})

	appendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_sink_errors_total",
		Help: "Total sink append errors",
	})
)

// Sink accepts fetched records. Append must be safe to call more than once
// for the same id.
type Sink interface {
	Append(ctx context.Context, id string, record *fetch.RawRecord) error
}
