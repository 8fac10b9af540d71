// Package worker implements the backfill worker loop: pull one pending
// batch, acquire its lease, process identifiers sequentially under the
// global rate budget, checkpoint after every item, and report per-item
// completion or failure. Workers run as independent processes and know
// nothing about each other beyond the shared store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/skylens/backfill/pkg/config"
	"github.com/skylens/backfill/pkg/fetch"
	"github.com/skylens/backfill/pkg/ratelimit"
	"github.com/skylens/backfill/pkg/sink"
	"github.com/skylens/backfill/pkg/state"
)

// Prometheus metrics for worker operations.
var (
	itemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_items_processed_total",
		Help: "Items processed by final status (completed, failed, skipped)",
	}, []string{"status"})

	batchesFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_batches_finished_total",
		Help: "Batches finished by final status",
	}, []string{"status"})

	leaseAcquiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_leases_acquired_total",
		Help: "Total successful lease acquisitions",
	})

	leaseConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_lease_conflicts_total",
		Help: "Total lease acquisitions lost to another worker",
	})

	leaseLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_leases_lost_total",
		Help: "Total leases lost mid-batch (renewal rejected)",
	})

	itemDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backfill_item_duration_seconds",
		Help:    "Wall time per processed item including rate-limit waits",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)

// Worker processes batches one at a time.
type Worker struct {
	store   state.Store
	limiter ratelimit.Limiter
	fetcher fetch.Fetcher
	sink    sink.Sink
	cfg     config.Config
	id      string
	logger  zerolog.Logger
}

// New creates a worker. An empty workerID gets a generated identity; ids
// must be stable per process so lease ownership is attributable.
func New(store state.Store, limiter ratelimit.Limiter, fetcher fetch.Fetcher, snk sink.Sink, cfg config.Config, workerID string, logger zerolog.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	return &Worker{
		store:   store,
		limiter: limiter,
		fetcher: fetcher,
		sink:    snk,
		cfg:     cfg,
		id:      workerID,
		logger:  logger.With().Str("component", "worker").Str("worker_id", workerID).Str("run", cfg.Run).Logger(),
	}, nil
}

// ID returns the worker identity used for lease ownership.
func (w *Worker) ID() string { return w.id }

// Run pulls and processes batches until the run is drained or the context is
// cancelled. An empty queue is cooperative idle: the worker backs off and
// retries, since the coordinator may still requeue expired leases.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("Worker started")

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info().Msg("Worker stopping")
			return err
		}

		batch, err := w.store.DequeuePending(ctx)
		if errors.Is(err, state.ErrNoPending) {
			progress, perr := w.store.ReadProgress(ctx)
			if perr == nil && progress.Done() {
				w.logger.Info().Msg("Run drained, worker exiting")
				return nil
			}
			select {
			case <-ctx.Done():
				continue
			case <-time.After(w.cfg.IdleBackoff):
			}
			continue
		}
		if err != nil {
			w.logger.Warn().Err(err).Msg("Dequeue failed, backing off")
			select {
			case <-ctx.Done():
				continue
			case <-time.After(w.cfg.IdleBackoff):
			}
			continue
		}

		if err := w.processBatch(ctx, batch.ID); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("Batch processing failed")
		}
	}
}

// processBatch runs one batch to completion (or until the lease is lost or
// shutdown is requested). All item mutations happen under the lease.
func (w *Worker) processBatch(ctx context.Context, batchID string) error {
	ok, err := w.store.TryAcquireLease(ctx, batchID, w.id, w.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		// Another worker raced us; go back to the queue.
		leaseConflictsTotal.Inc()
		w.logger.Debug().Str("batch_id", batchID).Msg("Lost lease race")
		return nil
	}
	leaseAcquiredTotal.Inc()

	// Re-read under the lease so the cursor reflects any prior owner's
	// checkpoint.
	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	w.logger.Info().
		Str("batch_id", batchID).
		Int("items", len(batch.Items)).
		Int("cursor", batch.Cursor).
		Msg("Processing batch")

	// The renewal loop cancels procCtx if the lease is lost, which stops
	// the item loop at the next iteration boundary.
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewDone := make(chan struct{})
	go w.renewLoop(procCtx, batchID, cancel, renewDone)
	defer func() { cancel(); <-renewDone }()

	processed := 0
	for i := batch.Cursor; i < len(batch.Items); i++ {
		// Shutdown and lease loss are only honored here, between items;
		// the current item always finishes, never stopping mid-fetch.
		if procCtx.Err() != nil {
			w.logger.Info().
				Str("batch_id", batchID).
				Int("cursor", i).
				Msg("Stopping mid-batch, releasing lease")
			w.releaseLease(batchID)
			return procCtx.Err()
		}

		if err := w.processItem(procCtx, batch, i); err != nil {
			w.releaseLease(batchID)
			return err
		}

		processed++
		if w.cfg.ProgressEvery > 0 && processed%w.cfg.ProgressEvery == 0 {
			w.logProgress(procCtx, batchID, len(batch.Items), processed)
		}
	}

	var status state.BatchStatus
	err = w.withStoreRetry(ctx, "finalize batch", func() error {
		var ferr error
		status, ferr = w.store.FinalizeBatch(ctx, batchID, w.id)
		return ferr
	})
	if errors.Is(err, state.ErrLeaseConflict) {
		leaseLostTotal.Inc()
		w.logger.Warn().Str("batch_id", batchID).Msg("Lease lost before finalize")
		return nil
	}
	if err != nil {
		w.releaseLease(batchID)
		return fmt.Errorf("finalize batch: %w", err)
	}

	batchesFinishedTotal.WithLabelValues(string(status)).Inc()
	w.logger.Info().
		Str("batch_id", batchID).
		Str("status", string(status)).
		Msg("Batch finished")

	w.releaseLease(batchID)
	return nil
}

// processItem handles one identifier: fetch under the shared rate budget,
// append to the sink, record the item transition, and checkpoint. Items already
// terminal (a previous lease holder finished them before crashing) are
// skipped — re-processing tolerance is what makes at-least-once recovery
// safe.
func (w *Worker) processItem(ctx context.Context, batch *state.Batch, idx int) error {
	itemID := batch.Items[idx]
	start := time.Now()
	defer func() { itemDuration.Observe(time.Since(start).Seconds()) }()

	var item *state.WorkItem
	err := w.withStoreRetry(ctx, "get item", func() error {
		var gerr error
		item, gerr = w.store.GetItem(ctx, itemID)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("get item %s: %w", itemID, err)
	}

	if item.Status.Terminal() {
		itemsProcessedTotal.WithLabelValues("skipped").Inc()
		return w.checkpoint(ctx, batch.ID, idx+1)
	}

	record, fetchErr := w.fetchWithRetry(ctx, itemID)
	if fetchErr != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the retry wait; leave the item
			// untouched for the next lease holder.
			return fmt.Errorf("fetch %s: %w", itemID, fetchErr)
		}
		if err := w.withStoreRetry(ctx, "mark item failed", func() error {
			return w.store.UpdateItem(ctx, batch.ID, itemID, state.ItemFailed, fetchErr.Error())
		}); err != nil {
			return fmt.Errorf("mark item %s failed: %w", itemID, err)
		}
		itemsProcessedTotal.WithLabelValues("failed").Inc()
		return w.checkpoint(ctx, batch.ID, idx+1)
	}

	if err := w.withStoreRetry(ctx, "sink append", func() error {
		return w.sink.Append(ctx, itemID, record)
	}); err != nil {
		return fmt.Errorf("append record %s: %w", itemID, err)
	}

	if err := w.withStoreRetry(ctx, "mark item completed", func() error {
		return w.store.UpdateItem(ctx, batch.ID, itemID, state.ItemCompleted, "")
	}); err != nil {
		return fmt.Errorf("mark item %s completed: %w", itemID, err)
	}
	itemsProcessedTotal.WithLabelValues("completed").Inc()

	return w.checkpoint(ctx, batch.ID, idx+1)
}

// checkpoint persists the cursor. A checkpoint failure after a completed
// item must not fail the item: the item transition is already durable, and
// the worst case on crash is re-observing a terminal item and skipping it.
func (w *Worker) checkpoint(ctx context.Context, batchID string, cursor int) error {
	err := w.withStoreRetry(ctx, "write checkpoint", func() error {
		return w.store.WriteCheckpoint(ctx, batchID, cursor)
	})
	if err != nil {
		return fmt.Errorf("checkpoint %s@%d: %w", batchID, cursor, err)
	}
	return nil
}

// renewLoop extends the lease on a fixed interval while the batch is being
// worked. A rejected renewal means the lease expired and may already belong
// to someone else: processing must stop rather than double-process.
func (w *Worker) renewLoop(ctx context.Context, batchID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.store.RenewLease(ctx, batchID, w.id, w.cfg.LeaseTTL)
			if err != nil {
				// Transient store trouble; the lease has slack until TTL.
				w.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Lease renewal failed, will retry")
				continue
			}
			if !ok {
				leaseLostTotal.Inc()
				w.logger.Error().Str("batch_id", batchID).Msg("Lease lost, aborting batch")
				cancel()
				return
			}
			w.logger.Debug().Str("batch_id", batchID).Msg("Lease renewed")
		}
	}
}

// releaseLease clears the lease, tolerating the expected conflict when the
// lease already moved on.
func (w *Worker) releaseLease(batchID string) {
	// Release must run even when the worker context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := w.store.ReleaseLease(ctx, batchID, w.id)
	if err != nil && !errors.Is(err, state.ErrLeaseConflict) {
		w.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Lease release failed")
	}
}

// logProgress emits the per-batch progress line.
func (w *Worker) logProgress(ctx context.Context, batchID string, total, processed int) {
	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return
	}
	w.logger.Info().
		Str("batch_id", batchID).
		Int("total", total).
		Int("processed_this_session", processed).
		Int("completed", batch.Completed).
		Int("failed", batch.Failed).
		Int("cursor", batch.Cursor).
		Msg("Batch progress")
}
