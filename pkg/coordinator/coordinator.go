// Package coordinator partitions the input identifier set into batches,
// seeds the pending queue, reclaims batches whose lease has expired, and
// reports aggregate progress. It never processes items itself.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/skylens/backfill/pkg/config"
	"github.com/skylens/backfill/pkg/state"
)

// Prometheus metrics for coordinator operations.
var (
	batchesSeededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_batches_seeded_total",
		Help: "Total batches seeded onto the pending queue",
	})

	itemsSeededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_items_seeded_total",
		Help: "Total work items seeded",
	})

	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_lease_sweeps_total",
		Help: "Total expired-lease sweep passes",
	})

	batchesReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_batches_reclaimed_total",
		Help: "Total batches requeued after lease expiry",
	})
)

// Coordinator owns batch creation and lease reclamation for one run.
type Coordinator struct {
	store  state.Store
	cfg    config.Config
	logger zerolog.Logger
}

// New creates a coordinator. The configuration is validated here, so an
// invalid batch size or limiter setup fails before any state is touched.
func New(store state.Store, cfg config.Config, logger zerolog.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "coordinator").Str("run", cfg.Run).Logger(),
	}, nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "bf-" + uuid.NewString()[:8]
}

// Partition splits ids into batches of size batchSize, preserving input
// order. The split is deterministic: the same input always produces the same
// batches.
func Partition(ids []string, batchSize int) ([][]string, error) {
	if batchSize <= 0 {
		return nil, &config.ConfigError{
			Field:  "batch_size",
			Reason: fmt.Sprintf("must be positive (got %d)", batchSize),
		}
	}
	var out [][]string
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out, nil
}

// PartitionAndSeed partitions ids and enqueues every batch. Batch ids are
// deterministic ("<run>-batch-000042"), so seeding the same input against a
// store that already holds the run's state is a no-op per existing batch and
// the run resumes where it left off.
func (c *Coordinator) PartitionAndSeed(ctx context.Context, ids []string) (int, error) {
	parts, err := Partition(ids, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for i, part := range parts {
		batch := &state.Batch{
			ID:    fmt.Sprintf("%s-batch-%06d", c.cfg.Run, i),
			Items: part,
		}
		if err := c.store.Enqueue(ctx, batch); err != nil {
			return i, fmt.Errorf("seed batch %s: %w", batch.ID, err)
		}
		batchesSeededTotal.Inc()
		itemsSeededTotal.Add(float64(len(part)))
	}

	c.logger.Info().
		Int("items", len(ids)).
		Int("batches", len(parts)).
		Int("batch_size", c.cfg.BatchSize).
		Msg("Seeded pending queue")
	return len(parts), nil
}

// SweepExpiredLeases runs every non-terminal batch through the store's
// atomic requeue decision and reports how many were reclaimed. The store's
// clock, not the coordinator's, judges lease expiry; a batch with a valid
// lease or a seat in the queue is left untouched, so a racing renewal wins
// and the sweep is idempotent. This also recovers a batch dequeued by a
// worker that died before acquiring the lease.
func (c *Coordinator) SweepExpiredLeases(ctx context.Context) (int, error) {
	sweepsTotal.Inc()

	batches, err := c.store.ListBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: list batches: %w", err)
	}

	reclaimed := 0
	for _, batch := range batches {
		if batch.Status.Terminal() {
			continue
		}
		requeued, err := c.store.Requeue(ctx, batch.ID)
		if err != nil {
			return reclaimed, fmt.Errorf("sweep: requeue %s: %w", batch.ID, err)
		}
		if !requeued {
			continue
		}
		reclaimed++
		batchesReclaimedTotal.Inc()
		c.logger.Warn().
			Str("batch_id", batch.ID).
			Str("lease_owner", batch.LeaseOwner).
			Int("cursor", batch.Cursor).
			Msg("Reclaimed abandoned batch")
	}
	return reclaimed, nil
}

// RunSweeper runs SweepExpiredLeases on the configured interval until the
// context is cancelled. Store errors are logged and retried on the next
// tick rather than aborting the loop.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.logger.Info().
		Dur("interval", c.cfg.SweepInterval).
		Msg("Lease sweeper started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Lease sweeper stopped")
			return
		case <-ticker.C:
			if _, err := c.SweepExpiredLeases(ctx); err != nil {
				c.logger.Error().Err(err).Msg("Lease sweep failed")
			}
		}
	}
}

// RedriveFailed re-opens partially_failed batches so their failed items get
// another pass. Items whose attempt count already reached maxAttempts are
// marked dead instead and excluded from the re-drive. Returns the number of
// items put back in play.
func (c *Coordinator) RedriveFailed(ctx context.Context, maxAttempts int) (int, error) {
	batches, err := c.store.ListBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("redrive: list batches: %w", err)
	}

	redriven := 0
	for _, batch := range batches {
		if batch.Status != state.BatchPartiallyFailed {
			continue
		}
		if maxAttempts > 0 {
			for _, id := range batch.Items {
				item, err := c.store.GetItem(ctx, id)
				if err != nil {
					return redriven, fmt.Errorf("redrive: get item %s: %w", id, err)
				}
				if item.Status == state.ItemFailed && item.AttemptCount >= maxAttempts {
					if err := c.store.MarkDead(ctx, batch.ID, id); err != nil {
						return redriven, fmt.Errorf("redrive: mark dead %s: %w", id, err)
					}
					c.logger.Warn().
						Str("id", id).
						Int("attempts", item.AttemptCount).
						Msg("Item exhausted re-drive budget, marked dead")
				}
			}
		}
		n, err := c.store.Redrive(ctx, batch.ID)
		if err != nil {
			return redriven, fmt.Errorf("redrive: batch %s: %w", batch.ID, err)
		}
		redriven += n
		if n > 0 {
			c.logger.Info().
				Str("batch_id", batch.ID).
				Int("items", n).
				Msg("Re-drove failed items")
		}
	}
	return redriven, nil
}
