// Package state defines the shared coordination state for a backfill run and
// the Store interface every component coordinates through. All queues, item
// and batch statuses, leases, and checkpoints live behind Store; workers never
// talk to each other directly.
package state

import (
	"encoding/json"
	"time"
)

// ItemStatus represents the lifecycle state of a single work item.
type ItemStatus string

const (
	// ItemPending indicates the item has been seeded but not yet processed.
	ItemPending ItemStatus = "pending"

	// ItemLeased indicates the item belongs to a batch currently held under lease.
	ItemLeased ItemStatus = "leased"

	// ItemCompleted indicates the item was fetched and written to the sink.
	ItemCompleted ItemStatus = "completed"

	// ItemFailed indicates the item failed after retries (or immediately on a
	// permanent error). Failed items remain visible for re-drive.
	ItemFailed ItemStatus = "failed"

	// ItemDead indicates the item exhausted its re-drive budget and will not
	// be picked up again without operator intervention.
	ItemDead ItemStatus = "dead"
)

// Terminal reports whether the status is final for the current run.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemDead
}

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	// BatchPending indicates the batch is queued and waiting for a worker.
	BatchPending BatchStatus = "pending"

	// BatchLeased indicates a worker holds an exclusive lease on the batch.
	BatchLeased BatchStatus = "leased"

	// BatchDone indicates every item in the batch completed.
	BatchDone BatchStatus = "done"

	// BatchPartiallyFailed indicates the batch finished with at least one
	// failed item. Partially failed batches stay visible for re-drive and are
	// never promoted to done.
	BatchPartiallyFailed BatchStatus = "partially_failed"
)

// Terminal reports whether the batch has finished processing.
func (s BatchStatus) Terminal() bool {
	return s == BatchDone || s == BatchPartiallyFailed
}

// WorkItem is the unit of work: one opaque identifier to backfill.
type WorkItem struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batch_id"`
	Status       ItemStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler so items can be stored
// directly as Redis values.
func (w WorkItem) MarshalBinary() ([]byte, error) {
	return json.Marshal(w)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (w *WorkItem) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, w)
}

// Batch is an ordered, immutable list of item ids created once at partition
// time. Cursor is the index of the next unprocessed item and only moves
// forward; Completed and Failed count terminal items so progress aggregation
// never has to scan items.
type Batch struct {
	ID             string      `json:"id"`
	Items          []string    `json:"items"`
	Status         BatchStatus `json:"status"`
	LeaseOwner     string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time   `json:"lease_expires_at,omitempty"`
	Cursor         int         `json:"cursor"`
	Completed      int         `json:"completed"`
	Failed         int         `json:"failed"`
	CreatedAt      time.Time   `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b Batch) MarshalBinary() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *Batch) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, b)
}

// LeaseValid reports whether the batch carries an unexpired lease at the
// given instant. Expiry is a wall-clock comparison; there is no worker
// liveness signal.
func (b *Batch) LeaseValid(now time.Time) bool {
	return b.LeaseOwner != "" && now.Before(b.LeaseExpiresAt)
}

// Remaining returns the number of items without a terminal status.
func (b *Batch) Remaining() int {
	return len(b.Items) - b.Completed - b.Failed
}

// Progress is the aggregate view over all batches of a run. The conservation
// invariant Completed+Failed+InProgress+Pending == Total holds at all times.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
}

// Done reports whether every item reached a terminal status.
func (p *Progress) Done() bool {
	return p.Total > 0 && p.Completed+p.Failed == p.Total
}
