package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore implements Store on a single Redis instance. All multi-key
// transitions run as Lua scripts, so every operation other components observe
// is atomic; the lease key's native TTL makes Redis the authority for lease
// expiry regardless of worker clock skew.
//
// Key layout, all under "backfill:<run>:":
//
//	queue          LIST of pending batch ids
//	index          LIST of all batch ids in seed order
//	batch:<id>     JSON Batch document
//	item:<id>      JSON WorkItem document
//	lease:<id>     lease owner, PX = remaining lease time
//	failed         SET of failed item ids
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore creates a store for the given run id. Batches of different
// runs never collide because every key carries the run prefix.
func NewRedisStore(client *redis.Client, run string, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "backfill:" + run + ":",
		logger: logger.With().Str("component", "state").Str("run", run).Logger(),
	}
}

func (s *RedisStore) queueKey() string          { return s.prefix + "queue" }
func (s *RedisStore) indexKey() string          { return s.prefix + "index" }
func (s *RedisStore) failedKey() string         { return s.prefix + "failed" }
func (s *RedisStore) itemPrefix() string        { return s.prefix + "item:" }
func (s *RedisStore) batchKey(id string) string { return s.prefix + "batch:" + id }
func (s *RedisStore) itemKey(id string) string  { return s.prefix + "item:" + id }
func (s *RedisStore) leaseKey(id string) string { return s.prefix + "lease:" + id }

// Enqueue registers the batch and its items and pushes it onto the pending
// queue. SETNX on the batch document makes re-seeding on resume a no-op.
func (s *RedisStore) Enqueue(ctx context.Context, batch *Batch) error {
	stored := *batch
	stored.Status = BatchPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	created, err := s.client.SetNX(ctx, s.batchKey(batch.ID), stored, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx batch: %w", err)
	}
	if !created {
		s.logger.Debug().Str("batch_id", batch.ID).Msg("Batch already seeded, skipping")
		return nil
	}

	pipe := s.client.Pipeline()
	for _, id := range stored.Items {
		pipe.SetNX(ctx, s.itemKey(id), WorkItem{ID: id, BatchID: batch.ID, Status: ItemPending}, 0)
	}
	pipe.RPush(ctx, s.indexKey(), batch.ID)
	pipe.RPush(ctx, s.queueKey(), batch.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis enqueue batch %s: %w", batch.ID, err)
	}
	return nil
}

// DequeuePending pops one batch id off the queue.
func (s *RedisStore) DequeuePending(ctx context.Context) (*Batch, error) {
	id, err := s.client.LPop(ctx, s.queueKey()).Result()
	if err == redis.Nil {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("redis lpop queue: %w", err)
	}
	return s.GetBatch(ctx, id)
}

// TryAcquireLease runs the CAS acquisition script.
func (s *RedisStore) TryAcquireLease(ctx context.Context, batchID, owner string, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.leaseKey(batchID), s.batchKey(batchID)},
		owner, ttl.Milliseconds(), s.itemPrefix()).Int()
	if err != nil {
		return false, fmt.Errorf("redis acquire lease %s: %w", batchID, err)
	}
	return res == 1, nil
}

// RenewLease extends the lease iff owner still holds it.
func (s *RedisStore) RenewLease(ctx context.Context, batchID, owner string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.client,
		[]string{s.leaseKey(batchID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis renew lease %s: %w", batchID, err)
	}
	return res == 1, nil
}

// ReleaseLease clears the lease iff owner holds it.
func (s *RedisStore) ReleaseLease(ctx context.Context, batchID, owner string) error {
	res, err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(batchID)}, owner).Int()
	if err != nil {
		return fmt.Errorf("redis release lease %s: %w", batchID, err)
	}
	if res != 1 {
		return ErrLeaseConflict
	}
	return nil
}

// UpdateItem transitions the item and the batch counters atomically.
func (s *RedisStore) UpdateItem(ctx context.Context, batchID, itemID string, status ItemStatus, errMsg string) error {
	err := updateItemScript.Run(ctx, s.client,
		[]string{s.itemKey(itemID), s.batchKey(batchID), s.failedKey()},
		string(status), errMsg, itemID).Err()
	if err != nil {
		return fmt.Errorf("redis update item %s: %w", itemID, err)
	}
	return nil
}

// GetItem fetches one item document.
func (s *RedisStore) GetItem(ctx context.Context, itemID string) (*WorkItem, error) {
	data, err := s.client.Get(ctx, s.itemKey(itemID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get item %s: %w", itemID, err)
	}
	var item WorkItem
	if err := item.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", itemID, err)
	}
	return &item, nil
}

// IncrementAttempt bumps the attempt counter and returns the new value.
func (s *RedisStore) IncrementAttempt(ctx context.Context, itemID string) (int, error) {
	n, err := incrAttemptScript.Run(ctx, s.client, []string{s.itemKey(itemID)}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis increment attempt %s: %w", itemID, err)
	}
	return n, nil
}

// WriteCheckpoint advances the batch cursor (forward-only).
func (s *RedisStore) WriteCheckpoint(ctx context.Context, batchID string, cursor int) error {
	err := checkpointScript.Run(ctx, s.client, []string{s.batchKey(batchID)}, cursor).Err()
	if err != nil {
		return fmt.Errorf("redis checkpoint batch %s: %w", batchID, err)
	}
	return nil
}

// GetBatch fetches one batch document and fills in the live lease view from
// the lease key's owner and remaining TTL.
func (s *RedisStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	data, err := s.client.Get(ctx, s.batchKey(batchID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get batch %s: %w", batchID, err)
	}
	var batch Batch
	if err := batch.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", batchID, err)
	}

	ttl, err := s.client.PTTL(ctx, s.leaseKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis pttl lease %s: %w", batchID, err)
	}
	if ttl > 0 {
		batch.LeaseExpiresAt = time.Now().Add(ttl)
	} else {
		batch.LeaseExpiresAt = time.Time{}
		if batch.Status == BatchLeased {
			// Lease key expired; the sweeper will requeue this batch.
			batch.LeaseOwner = ""
		}
	}
	return &batch, nil
}

// ListBatches returns all batches in seed order.
func (s *RedisStore) ListBatches(ctx context.Context) ([]*Batch, error) {
	ids, err := s.client.LRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange index: %w", err)
	}
	out := make([]*Batch, 0, len(ids))
	for _, id := range ids {
		batch, err := s.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, nil
}

// FinalizeBatch marks the batch done or partially_failed under the lease.
func (s *RedisStore) FinalizeBatch(ctx context.Context, batchID, owner string) (BatchStatus, error) {
	res, err := finalizeScript.Run(ctx, s.client,
		[]string{s.leaseKey(batchID), s.batchKey(batchID)}, owner).Text()
	if err != nil {
		return "", fmt.Errorf("redis finalize batch %s: %w", batchID, err)
	}
	if res == "" {
		return "", ErrLeaseConflict
	}
	return BatchStatus(res), nil
}

// Requeue returns a batch with an expired (or missing) lease to the queue.
func (s *RedisStore) Requeue(ctx context.Context, batchID string) (bool, error) {
	res, err := requeueScript.Run(ctx, s.client,
		[]string{s.leaseKey(batchID), s.batchKey(batchID), s.queueKey()},
		s.itemPrefix(), batchID).Int()
	if err != nil {
		return false, fmt.Errorf("redis requeue batch %s: %w", batchID, err)
	}
	return res == 1, nil
}

// ReadProgress folds the per-batch counters into the aggregate view.
func (s *RedisStore) ReadProgress(ctx context.Context) (*Progress, error) {
	batches, err := s.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	p := &Progress{}
	for _, batch := range batches {
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

// FailedItems lists up to limit failed item ids.
func (s *RedisStore) FailedItems(ctx context.Context, limit int) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.failedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// MarkDead transitions a failed item to dead.
func (s *RedisStore) MarkDead(ctx context.Context, batchID, itemID string) error {
	return s.UpdateItem(ctx, batchID, itemID, ItemDead, "")
}

// Redrive re-opens a partially_failed batch for its failed items.
func (s *RedisStore) Redrive(ctx context.Context, batchID string) (int, error) {
	n, err := redriveScript.Run(ctx, s.client,
		[]string{s.batchKey(batchID), s.queueKey(), s.failedKey()},
		s.itemPrefix(), batchID).Int()
	if err != nil {
		return 0, fmt.Errorf("redis redrive batch %s: %w", batchID, err)
	}
	return n, nil
}
