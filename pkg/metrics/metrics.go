// Package metrics provides the centralized Prometheus metrics reference for
// the backfill system. All metrics are defined in their respective packages
// (coordinator, worker, ratelimit, sink, fetch, monitor) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by all backfill binaries.
// All metrics are automatically registered via promauto in their respective
// packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Coordinator Metrics (pkg/coordinator):
//   - backfill_batches_seeded_total (Counter): Batches seeded onto the pending queue
//   - backfill_items_seeded_total (Counter): Work items seeded
//   - backfill_lease_sweeps_total (Counter): Expired-lease sweep passes
//   - backfill_batches_reclaimed_total (Counter): Batches requeued after lease expiry
//
// Worker Metrics (pkg/worker):
//   - backfill_items_processed_total{status} (Counter): Items by final status (completed, failed, skipped)
//   - backfill_batches_finished_total{status} (Counter): Batches by final status
//   - backfill_leases_acquired_total (Counter): Successful lease acquisitions
//   - backfill_lease_conflicts_total (Counter): Acquisitions lost to another worker
//   - backfill_leases_lost_total (Counter): Leases lost mid-batch
//   - backfill_item_duration_seconds (Histogram): Wall time per item including rate waits
//   - backfill_fetch_retries_total (Counter): Fetch retries after transient errors
//   - backfill_retry_backoff_seconds (Histogram): Backoff slept before retries
//   - backfill_retries_exhausted_total (Counter): Items that ran out of retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - backfill_ratelimit_admitted_total (Counter): Slots admitted
//   - backfill_ratelimit_deferred_total (Counter): Acquisitions deferred to the next window
//   - backfill_ratelimit_wait_seconds (Histogram): Waits returned on exhaustion
//   - backfill_ratelimit_window_remaining (Gauge): Slots left in the current window
//
// Fetch Metrics (pkg/fetch):
//   - backfill_fetch_requests_total{outcome} (Counter): Requests by outcome (ok, transient, permanent, network)
//   - backfill_fetch_duration_seconds (Histogram): Fetch request duration
//
// Sink Metrics (pkg/sink):
//   - backfill_sink_records_total{outcome} (Counter): Records written vs. duplicate skips
//   - backfill_sink_errors_total (Counter): Append errors
//
// Monitor Metrics (pkg/monitor):
//   - backfill_completed_items (Gauge)
//   - backfill_failed_items (Gauge)
//   - backfill_pending_items (Gauge)
//   - backfill_in_progress_items (Gauge)
//   - backfill_throughput_items_per_second (Gauge)
//   - backfill_eta_seconds (Gauge)
//   - backfill_failure_rate (Gauge)
//
// Example Prometheus Queries:
//
//   # Effective request rate against the provider budget
//   rate(backfill_ratelimit_admitted_total[5m])
//
//   # Item failure rate
//   rate(backfill_items_processed_total{status="failed"}[5m]) /
//   rate(backfill_items_processed_total[5m])
//
//   # Lease churn (a high value means the TTL is too tight)
//   rate(backfill_batches_reclaimed_total[15m])
//
//   # P95 per-item latency
//   histogram_quantile(0.95, rate(backfill_item_duration_seconds_bucket[5m]))
