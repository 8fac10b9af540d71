package state

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for unit tests and single-machine runs.
// It mirrors RedisStore operation-for-operation; every method takes the mutex
// for its whole duration, which gives the same atomicity the Redis scripts do.
type MemoryStore struct {
	mu      sync.Mutex
	batches map[string]*Batch
	items   map[string]*WorkItem
	queue   []string // pending batch ids, FIFO
	order   []string // all batch ids in seed order

	// Now returns the current time. Overridable in tests to drive lease
	// expiry without sleeping.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*Batch),
		items:   make(map[string]*WorkItem),
		Now:     time.Now,
	}
}

// Enqueue registers the batch and its items and pushes it onto the pending
// queue. Already-known batch ids are skipped.
func (m *MemoryStore) Enqueue(ctx context.Context, batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batches[batch.ID]; exists {
		return nil
	}

	stored := *batch
	stored.Items = append([]string(nil), batch.Items...)
	stored.Status = BatchPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.Now()
	}
	m.batches[batch.ID] = &stored
	m.order = append(m.order, batch.ID)

	for _, id := range stored.Items {
		if _, exists := m.items[id]; !exists {
			m.items[id] = &WorkItem{ID: id, BatchID: batch.ID, Status: ItemPending}
		}
	}

	m.queue = append(m.queue, batch.ID)
	return nil
}

// DequeuePending pops the oldest pending batch id and returns the batch.
func (m *MemoryStore) DequeuePending(ctx context.Context) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, ErrNoPending
	}
	id := m.queue[0]
	m.queue = m.queue[1:]

	batch, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("dequeued unknown batch %s: %w", id, ErrNotFound)
	}
	return m.copyBatch(batch), nil
}

// TryAcquireLease performs the CAS lease acquisition.
func (m *MemoryStore) TryAcquireLease(ctx context.Context, batchID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if batch.Status.Terminal() {
		return false, nil
	}
	now := m.Now()
	if batch.LeaseValid(now) {
		return false, nil
	}

	batch.Status = BatchLeased
	batch.LeaseOwner = owner
	batch.LeaseExpiresAt = now.Add(ttl)
	for _, id := range batch.Items {
		if item := m.items[id]; item != nil && !item.Status.Terminal() {
			item.Status = ItemLeased
		}
	}
	return true, nil
}

// RenewLease extends the lease iff owner still holds it.
func (m *MemoryStore) RenewLease(ctx context.Context, batchID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	now := m.Now()
	if batch.LeaseOwner != owner || !batch.LeaseValid(now) {
		return false, nil
	}
	batch.LeaseExpiresAt = now.Add(ttl)
	return true, nil
}

// ReleaseLease clears the lease iff owner holds it.
func (m *MemoryStore) ReleaseLease(ctx context.Context, batchID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if batch.LeaseOwner != owner {
		return ErrLeaseConflict
	}
	batch.LeaseOwner = ""
	batch.LeaseExpiresAt = time.Time{}
	return nil
}

// UpdateItem transitions an item and keeps the batch counters in step.
func (m *MemoryStore) UpdateItem(ctx context.Context, batchID, itemID string, status ItemStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateItemLocked(batchID, itemID, status, errMsg)
}

func (m *MemoryStore) updateItemLocked(batchID, itemID string, status ItemStatus, errMsg string) error {
	item, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	batch, ok := m.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	old := item.Status
	item.Status = status
	item.LastError = errMsg

	if status == ItemCompleted && old != ItemCompleted {
		batch.Completed++
	}
	failedNow := status == ItemFailed || status == ItemDead
	failedBefore := old == ItemFailed || old == ItemDead
	if failedNow && !failedBefore {
		batch.Failed++
	}
	if !failedNow && failedBefore {
		batch.Failed--
	}
	return nil
}

// GetItem returns a copy of the item.
func (m *MemoryStore) GetItem(ctx context.Context, itemID string) (*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	cp := *item
	return &cp, nil
}

// IncrementAttempt bumps the attempt counter and returns the new value.
func (m *MemoryStore) IncrementAttempt(ctx context.Context, itemID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return 0, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	item.AttemptCount++
	return item.AttemptCount, nil
}

// WriteCheckpoint advances the batch cursor. Stale cursors are ignored so the
// cursor never moves backwards.
func (m *MemoryStore) WriteCheckpoint(ctx context.Context, batchID string, cursor int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if cursor > batch.Cursor {
		batch.Cursor = cursor
	}
	return nil
}

// GetBatch returns a copy of the batch.
func (m *MemoryStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return m.copyBatch(batch), nil
}

// ListBatches returns copies of all batches in seed order.
func (m *MemoryStore) ListBatches(ctx context.Context) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Batch, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.copyBatch(m.batches[id]))
	}
	return out, nil
}

// FinalizeBatch marks the batch done or partially_failed based on its
// counters, iff owner still holds the lease.
func (m *MemoryStore) FinalizeBatch(ctx context.Context, batchID, owner string) (BatchStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return "", fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if batch.LeaseOwner != owner {
		return "", ErrLeaseConflict
	}

	if batch.Completed == len(batch.Items) {
		batch.Status = BatchDone
	} else {
		batch.Status = BatchPartiallyFailed
	}
	return batch.Status, nil
}

// Requeue returns an expired-leased (or orphaned pending) batch to the queue.
func (m *MemoryStore) Requeue(ctx context.Context, batchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if batch.Status.Terminal() {
		return false, nil
	}
	// A still-valid lease wins over the sweep; the Redis store makes the
	// same check against the lease key.
	if batch.LeaseValid(m.Now()) {
		return false, nil
	}
	// A batch already waiting in the queue is not abandoned. Checking this
	// before the attempt bumps keeps repeated sweeps from inflating counts.
	for _, queued := range m.queue {
		if queued == batchID {
			return false, nil
		}
	}

	batch.Status = BatchPending
	batch.LeaseOwner = ""
	batch.LeaseExpiresAt = time.Time{}

	for _, id := range batch.Items {
		item := m.items[id]
		if item == nil || item.Status.Terminal() {
			continue
		}
		item.Status = ItemPending
		item.AttemptCount++
	}

	m.queue = append(m.queue, batchID)
	return true, nil
}

// ReadProgress folds batch counters into the aggregate view.
func (m *MemoryStore) ReadProgress(ctx context.Context) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &Progress{}
	for _, id := range m.order {
		batch := m.batches[id]
		p.Total += len(batch.Items)
		p.Completed += batch.Completed
		p.Failed += batch.Failed
		if batch.Status == BatchLeased {
			p.InProgress += batch.Remaining()
		} else {
			p.Pending += batch.Remaining()
		}
	}
	return p, nil
}

// FailedItems lists ids of failed (not dead) items in seed order.
func (m *MemoryStore) FailedItems(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, batchID := range m.order {
		for _, id := range m.batches[batchID].Items {
			if item := m.items[id]; item != nil && item.Status == ItemFailed {
				out = append(out, id)
				if limit > 0 && len(out) == limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

// MarkDead transitions a failed item to dead.
func (m *MemoryStore) MarkDead(ctx context.Context, batchID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateItemLocked(batchID, itemID, ItemDead, "")
}

// Redrive re-opens a partially_failed batch for its failed items.
func (m *MemoryStore) Redrive(ctx context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return 0, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if batch.Status != BatchPartiallyFailed {
		return 0, nil
	}

	redriven := 0
	for _, id := range batch.Items {
		item := m.items[id]
		if item == nil || item.Status != ItemFailed {
			continue
		}
		item.Status = ItemPending
		item.AttemptCount++
		item.LastError = ""
		batch.Failed--
		redriven++
	}
	if redriven == 0 {
		return 0, nil
	}

	batch.Status = BatchPending
	batch.Cursor = 0
	batch.LeaseOwner = ""
	batch.LeaseExpiresAt = time.Time{}
	for _, queued := range m.queue {
		if queued == batchID {
			return redriven, nil
		}
	}
	m.queue = append(m.queue, batchID)
	return redriven, nil
}

func (m *MemoryStore) copyBatch(batch *Batch) *Batch {
	cp := *batch
	cp.Items = append([]string(nil), batch.Items...)
	return &cp
}
