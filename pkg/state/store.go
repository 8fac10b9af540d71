package state

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNoPending indicates the pending queue is empty. Workers treat this
	// as cooperative idle, not a failure.
	ErrNoPending = errors.New("no pending batch")

	// ErrNotFound indicates the requested batch or item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseConflict indicates a lease operation lost a race with another
	// worker or the caller no longer holds the lease. Expected and non-fatal.
	ErrLeaseConflict = errors.New("lease conflict")
)

// IsUnavailable reports whether err indicates the store itself is unreachable
// (as opposed to one of the expected sentinel conditions above). Callers
// retry with backoff on unavailability instead of failing items.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNoPending) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrLeaseConflict)
}

// Store is the single source of truth for one backfill run. Every mutation is
// atomic and immediately visible to all readers; lease operations are
// compare-and-swap so at most one valid lease exists per batch at any time.
//
// Two implementations exist: RedisStore for multi-process runs and
// MemoryStore for unit tests and single-machine runs.
type Store interface {
	// Enqueue registers a batch and its items and pushes the batch onto the
	// pending queue. Enqueueing an already-known batch id is a no-op, which
	// makes re-seeding the same input on resume safe.
	Enqueue(ctx context.Context, batch *Batch) error

	// DequeuePending pops one batch id off the pending queue and returns the
	// batch. Returns ErrNoPending when the queue is empty. Dequeueing does
	// not grant any claim on the batch; the caller must still acquire the
	// lease.
	DequeuePending(ctx context.Context) (*Batch, error)

	// TryAcquireLease attempts a CAS lease acquisition: it succeeds only if
	// the batch carries no unexpired lease and is not terminal. On success
	// the batch transitions to leased and its items to leased.
	TryAcquireLease(ctx context.Context, batchID, owner string, ttl time.Duration) (bool, error)

	// RenewLease extends the lease iff owner still holds it.
	RenewLease(ctx context.Context, batchID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease clears the lease iff owner holds it. Releasing a lease
	// you no longer hold returns ErrLeaseConflict.
	ReleaseLease(ctx context.Context, batchID, owner string) error

	// UpdateItem transitions an item and records the error message for
	// failures. Batch counters are updated in the same atomic step.
	UpdateItem(ctx context.Context, batchID, itemID string, status ItemStatus, errMsg string) error

	// GetItem returns the current state of one item.
	GetItem(ctx context.Context, itemID string) (*WorkItem, error)

	// IncrementAttempt bumps an item's attempt counter and returns the new
	// value. Attempt counts never decrease.
	IncrementAttempt(ctx context.Context, itemID string) (int, error)

	// WriteCheckpoint persists the batch cursor. Cursors only move forward;
	// a stale cursor write is silently ignored.
	WriteCheckpoint(ctx context.Context, batchID string, cursor int) error

	// GetBatch returns the current state of one batch.
	GetBatch(ctx context.Context, batchID string) (*Batch, error)

	// ListBatches returns all batches of the run in seed order.
	ListBatches(ctx context.Context) ([]*Batch, error)

	// FinalizeBatch marks a fully-traversed batch done or partially_failed
	// depending on its counters, iff owner still holds the lease.
	FinalizeBatch(ctx context.Context, batchID, owner string) (BatchStatus, error)

	// Requeue returns an abandoned batch to the pending queue: clears the
	// lease, sets the batch and its unfinished items back to pending, and
	// increments attempt counts on unfinished items. The decision is made
	// entirely against the store's clock: a batch with a valid lease, a
	// terminal status, or a seat in the queue already is left untouched.
	// Returns whether the batch was actually requeued.
	Requeue(ctx context.Context, batchID string) (bool, error)

	// ReadProgress returns the aggregate item counts across all batches.
	ReadProgress(ctx context.Context) (*Progress, error)

	// FailedItems returns up to limit ids of failed items for re-drive
	// reporting. limit <= 0 means no cap.
	FailedItems(ctx context.Context, limit int) ([]string, error)

	// MarkDead transitions a failed item to dead, excluding it from further
	// re-drives.
	MarkDead(ctx context.Context, batchID, itemID string) error

	// Redrive resets the failed (not dead) items of a partially_failed
	// batch to pending, bumps their attempt counts, rewinds the cursor, and
	// returns the batch to the queue. Returns the number of items redriven;
	// zero when the batch has nothing left to re-drive.
	Redrive(ctx context.Context, batchID string) (int, error)
}
