package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skylens/backfill/internal/testutil"
	"github.com/skylens/backfill/pkg/config"
	"github.com/skylens/backfill/pkg/fetch"
	"github.com/skylens/backfill/pkg/ratelimit"
	"github.com/skylens/backfill/pkg/state"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Run = "test"
	cfg.BatchSize = 10
	cfg.LeaseTTL = time.Minute
	cfg.RenewInterval = 30 * time.Second
	cfg.SweepInterval = 30 * time.Second
	cfg.IdleBackoff = 5 * time.Millisecond
	cfg.MaxItemRetries = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.ProgressEvery = 0
	return cfg
}

func testLimiter(t *testing.T) ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: 100000, Window: time.Hour})
	if err != nil {
		t.Fatalf("NewMemoryLimiter failed: %v", err)
	}
	return l
}

func newTestWorker(t *testing.T, store state.Store, fetcher fetch.Fetcher, snk *testutil.MemorySink, cfg config.Config, id string) *Worker {
	t.Helper()
	w, err := New(store, testLimiter(t), fetcher, snk, cfg, id, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w
}

func seedBatch(t *testing.T, store state.Store, id string, items ...string) {
	t.Helper()
	if err := store.Enqueue(context.Background(), &state.Batch{ID: id, Items: items}); err != nil {
		t.Fatalf("Enqueue(%s) failed: %v", id, err)
	}
}

func runToCompletion(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRunDrainsAllBatches(t *testing.T) {
	store := state.NewMemoryStore()
	fetcher := testutil.NewScriptedFetcher()
	snk := testutil.NewMemorySink()
	ctx := context.Background()

	seedBatch(t, store, "b1", "a", "b", "c")
	seedBatch(t, store, "b2", "d", "e")
	fetcher.AlwaysFail("b", &fetch.PermanentError{Status: 404, Err: errors.New("fetch b: 404 Not Found")})

	w := newTestWorker(t, store, fetcher, snk, testConfig(), "w1")
	runToCompletion(t, w)

	// Every fetchable identifier landed in the sink exactly once.
	for _, id := range []string{"a", "c", "d", "e"} {
		if !snk.Has(id) {
			t.Errorf("sink missing record for %s", id)
		}
	}
	if snk.Has("b") {
		t.Error("permanently failing item reached the sink")
	}
	if snk.Len() != 4 {
		t.Errorf("sink has %d records, want 4", snk.Len())
	}

	failed, err := store.GetItem(ctx, "b")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if failed.Status != state.ItemFailed {
		t.Errorf("item b status = %s, want failed", failed.Status)
	}
	if failed.LastError == "" {
		t.Error("failed item carries no error message")
	}
	// Permanent errors fail immediately without consuming retries.
	if fetcher.Calls("b") != 1 {
		t.Errorf("permanent failure fetched %d times, want 1", fetcher.Calls("b"))
	}

	b1, _ := store.GetBatch(ctx, "b1")
	if b1.Status != state.BatchPartiallyFailed {
		t.Errorf("b1 status = %s, want partially_failed", b1.Status)
	}
	b2, _ := store.GetBatch(ctx, "b2")
	if b2.Status != state.BatchDone {
		t.Errorf("b2 status = %s, want done", b2.Status)
	}
	if b1.Cursor != 3 || b2.Cursor != 2 {
		t.Errorf("cursors = %d/%d, want 3/2", b1.Cursor, b2.Cursor)
	}

	p, _ := store.ReadProgress(ctx)
	if p.Total != 5 || p.Completed != 4 || p.Failed != 1 {
		t.Errorf("progress = %+v, want total=5 completed=4 failed=1", p)
	}
	if !p.Done() {
		t.Error("run not done after both batches finished")
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	store := state.NewMemoryStore()
	fetcher := testutil.NewScriptedFetcher()
	snk := testutil.NewMemorySink()
	ctx := context.Background()

	seedBatch(t, store, "b1", "a")
	fetcher.Script("a",
		&fetch.TransientError{Status: 503, Err: errors.New("fetch a: 503 Service Unavailable")},
		&fetch.TransientError{Err: errors.New("connection reset")},
	)

	w := newTestWorker(t, store, fetcher, snk, testConfig(), "w1")
	runToCompletion(t, w)

	if fetcher.Calls("a") != 3 {
		t.Errorf("fetched %d times, want 3 (two failures, one success)", fetcher.Calls("a"))
	}
	item, _ := store.GetItem(ctx, "a")
	if item.Status != state.ItemCompleted {
		t.Errorf("item status = %s, want completed", item.Status)
	}
	if item.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", item.AttemptCount)
	}
	if !snk.Has("a") {
		t.Error("retried item never reached the sink")
	}
}

func TestRetryExhaustionMarksItemFailed(t *testing.T) {
	store := state.NewMemoryStore()
	fetcher := testutil.NewScriptedFetcher()
	snk := testutil.NewMemorySink()
	ctx := context.Background()

	seedBatch(t, store, "b1", "a", "b")
	fetcher.AlwaysFail("a", &fetch.TransientError{Status: 502, Err: errors.New("fetch a: 502 Bad Gateway")})

	cfg := testConfig()
	w := newTestWorker(t, store, fetcher, snk, cfg, "w1")
	runToCompletion(t, w)

	maxAttempts := cfg.MaxItemRetries + 1
	if fetcher.Calls("a") != maxAttempts {
		t.Errorf("fetched %d times, want %d", fetcher.Calls("a"), maxAttempts)
	}

	item, _ := store.GetItem(ctx, "a")
	if item.Status != state.ItemFailed {
		t.Errorf("item status = %s, want failed", item.Status)
	}
	if !strings.Contains(item.LastError, "exhausted") {
		t.Errorf("last error = %q, want it to mention exhaustion", item.LastError)
	}

	// The failure must not block the rest of the batch.
	if !snk.Has("b") {
		t.Error("item after the failing one was not processed")
	}
	batch, _ := store.GetBatch(ctx, "b1")
	if batch.Status != state.BatchPartiallyFailed {
		t.Errorf("batch status = %s, want partially_failed", batch.Status)
	}
}

func TestProcessBatchYieldsOnLeaseRace(t *testing.T) {
	store := state.NewMemoryStore()
	fetcher := testutil.NewScriptedFetcher()
	snk := testutil.NewMemorySink()
	ctx := context.Background()

	seedBatch(t, store, "b1", "a")
	if ok, _ := store.TryAcquireLease(ctx, "b1", "other", time.Minute); !ok {
		t.Fatal("pre-acquire failed")
	}

	w := newTestWorker(t, store, fetcher, snk, testConfig(), "w1")
	if err := w.processBatch(ctx, "b1"); err != nil {
		t.Fatalf("processBatch on held lease = %v, want nil (yield, not error)", err)
	}

	if fetcher.TotalCalls() != 0 {
		t.Error("worker fetched items of a batch it does not hold")
	}
	batch, _ := store.GetBatch(ctx, "b1")
	if batch.LeaseOwner != "other" {
		t.Errorf("lease owner = %s, want other", batch.LeaseOwner)
	}
}

func TestCrashRecoveryResumesFromCheckpoint(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now()
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	seedBatch(t, store, "b1", "a", "b", "c")
	if _, err := store.DequeuePending(ctx); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	// First worker completed "a" and "b" but checkpointed only past "a"
	// before dying: exactly the at-least-once window.
	if ok, _ := store.TryAcquireLease(ctx, "b1", "w1", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	store.UpdateItem(ctx, "b1", "a", state.ItemCompleted, "")
	store.WriteCheckpoint(ctx, "b1", 1)
	store.UpdateItem(ctx, "b1", "b", state.ItemCompleted, "")

	// Lease expires; the sweep returns the batch to the queue.
	now = now.Add(2 * time.Minute)
	if requeued, err := store.Requeue(ctx, "b1"); err != nil || !requeued {
		t.Fatalf("Requeue = (%v, %v), want (true, nil)", requeued, err)
	}
	store.Now = time.Now

	fetcher := testutil.NewScriptedFetcher()
	snk := testutil.NewMemorySink()
	w2 := newTestWorker(t, store, fetcher, snk, testConfig(), "w2")
	runToCompletion(t, w2)

	// The second worker resumes at the checkpoint, re-observes "b" as
	// terminal, and skips it without refetching.
	if fetcher.Calls("a") != 0 {
		t.Errorf("checkpointed item refetched %d times", fetcher.Calls("a"))
	}
	if fetcher.Calls("b") != 0 {
		t.Errorf("terminal item past the checkpoint refetched %d times", fetcher.Calls("b"))
	}
	if fetcher.Calls("c") != 1 {
		t.Errorf("unprocessed item fetched %d times, want 1", fetcher.Calls("c"))
	}

	batch, _ := store.GetBatch(ctx, "b1")
	if batch.Status != state.BatchDone {
		t.Errorf("batch status = %s, want done", batch.Status)
	}
	p, _ := store.ReadProgress(ctx)
	if p.Completed != 3 {
		t.Errorf("completed = %d, want 3 (no double counting across handover)", p.Completed)
	}
}

// renewRejectingStore simulates a lease silently expiring out from under the
// worker: every renewal is refused.
type renewRejectingStore struct {
	state.Store
}

func (s *renewRejectingStore) RenewLease(ctx context.Context, batchID, owner string, ttl time.Duration) (bool, error) {
	return false, nil
}

func TestLeaseLossAbortsBatch(t *testing.T) {
	inner := state.NewMemoryStore()
	store := &renewRejectingStore{Store: inner}
	ctx := context.Background()

	seedBatch(t, inner, "b1", "a", "b")

	fetcher := testutil.NewScriptedFetcher()
	fetcher.Delay = 100 * time.Millisecond
	snk := testutil.NewMemorySink()

	cfg := testConfig()
	cfg.RenewInterval = 10 * time.Millisecond

	w, err := New(store, testLimiter(t), fetcher, snk, cfg, "w1", zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = w.processBatch(ctx, "b1")
	if err == nil {
		t.Fatal("processBatch finished despite losing the lease")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want a context.Canceled chain", err)
	}

	// The batch must not be finalized by a worker without the lease.
	batch, _ := inner.GetBatch(ctx, "b1")
	if batch.Status.Terminal() {
		t.Errorf("batch status = %s after lease loss, want non-terminal", batch.Status)
	}
}

func TestRunStopsOnShutdown(t *testing.T) {
	store := state.NewMemoryStore()
	w := newTestWorker(t, store, testutil.NewScriptedFetcher(), testutil.NewMemorySink(), testConfig(), "w1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}

func TestTwoWorkersShareTheRun(t *testing.T) {
	store := state.NewMemoryStore()
	fetcher := testutil.NewScriptedFetcher()
	snk := testutil.NewMemorySink()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i, prefix := range []string{"a", "b", "c", "d"} {
		seedBatch(t, store, fmt.Sprintf("b%d", i+1), prefix+"-1", prefix+"-2")
	}

	w1 := newTestWorker(t, store, fetcher, snk, testConfig(), "w1")
	w2 := newTestWorker(t, store, fetcher, snk, testConfig(), "w2")

	errs := make(chan error, 2)
	go func() { errs <- w1.Run(ctx) }()
	go func() { errs <- w2.Run(ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("worker failed: %v", err)
		}
	}

	if snk.Len() != 8 {
		t.Errorf("sink has %d records, want 8", snk.Len())
	}
	// Nobody processed an item twice: one fetch per identifier.
	if fetcher.TotalCalls() != 8 {
		t.Errorf("total fetches = %d, want 8 (no double processing)", fetcher.TotalCalls())
	}
	if snk.Duplicates() != 0 {
		t.Errorf("duplicate sink appends = %d, want 0", snk.Duplicates())
	}

	p, _ := store.ReadProgress(ctx)
	if !p.Done() || p.Completed != 8 {
		t.Errorf("progress = %+v, want all 8 completed", p)
	}
}

// countingLimiter admits everything and records how many slots were granted.
type countingLimiter struct {
	mu       sync.Mutex
	admitted int
}

func (l *countingLimiter) AcquireSlot(ctx context.Context, n int) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.admitted += n
	return 0, nil
}

func (l *countingLimiter) Admitted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admitted
}

func TestEveryFetchAttemptConsumesRateSlot(t *testing.T) {
	store := state.NewMemoryStore()
	fetcher := testutil.NewScriptedFetcher()
	snk := testutil.NewMemorySink()
	limiter := &countingLimiter{}

	seedBatch(t, store, "b1", "a", "b")
	fetcher.Script("a",
		&fetch.TransientError{Status: 429, Err: errors.New("fetch a: 429 Too Many Requests")},
		&fetch.TransientError{Status: 503, Err: errors.New("fetch a: 503 Service Unavailable")},
	)

	w, err := New(store, limiter, fetcher, snk, testConfig(), "w1", zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runToCompletion(t, w)

	// "a" cost three upstream requests, "b" one; each must have been
	// admitted against the shared window, retries included.
	upstream := fetcher.TotalCalls()
	if upstream != 4 {
		t.Fatalf("upstream fetches = %d, want 4", upstream)
	}
	if limiter.Admitted() != upstream {
		t.Errorf("rate slots admitted = %d, upstream requests = %d; retries bypassed the budget",
			limiter.Admitted(), upstream)
	}
}

func TestSkippedTerminalItemConsumesNoRateSlot(t *testing.T) {
	store := state.NewMemoryStore()
	fetcher := testutil.NewScriptedFetcher()
	snk := testutil.NewMemorySink()
	limiter := &countingLimiter{}
	ctx := context.Background()

	seedBatch(t, store, "b1", "a", "b")
	if err := store.UpdateItem(ctx, "b1", "a", state.ItemCompleted, ""); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	w, err := New(store, limiter, fetcher, snk, testConfig(), "w1", zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runToCompletion(t, w)

	// Only "b" went upstream; the already-completed item must not have
	// drawn from the budget.
	if limiter.Admitted() != 1 {
		t.Errorf("rate slots admitted = %d, want 1", limiter.Admitted())
	}
	if fetcher.Calls("a") != 0 {
		t.Errorf("terminal item fetched %d times, want 0", fetcher.Calls("a"))
	}
}

func TestFetchWithRetryPermanentReturnsImmediately(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	seedBatch(t, store, "b1", "a")

	fetcher := testutil.NewScriptedFetcher()
	fetcher.AlwaysFail("a", &fetch.PermanentError{Status: 400, Err: errors.New("fetch a: 400 Bad Request")})

	w := newTestWorker(t, store, fetcher, testutil.NewMemorySink(), testConfig(), "w1")

	_, err := w.fetchWithRetry(ctx, "a")
	if !fetch.IsPermanent(err) {
		t.Fatalf("error = %v, want permanent", err)
	}
	if fetcher.Calls("a") != 1 {
		t.Errorf("permanent error consumed %d attempts, want 1", fetcher.Calls("a"))
	}

	item, _ := store.GetItem(ctx, "a")
	if item.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", item.AttemptCount)
	}
}
