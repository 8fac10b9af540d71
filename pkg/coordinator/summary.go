package coordinator

import (
	"context"
	"fmt"

	"github.com/skylens/backfill/pkg/state"
)

// Summary is the read-only aggregate view of a run, consumed by the monitor
// and printed at the end of a coordinator run.
type Summary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`

	// Batches counts batches per status.
	Batches map[state.BatchStatus]int `json:"batches"`

	// FailedIDs lists failed identifiers for manual re-drive, capped by the
	// caller's limit.
	FailedIDs []string `json:"failed_ids,omitempty"`

	// Done is true once every batch reached a terminal status.
	Done bool `json:"done"`

	// PartiallyFailed is true if any batch ended partially_failed.
	PartiallyFailed bool `json:"partially_failed"`
}

// Summary reads the aggregate progress. failedLimit caps the listed failed
// ids; 0 omits the list entirely.
func (c *Coordinator) Summary(ctx context.Context, failedLimit int) (*Summary, error) {
	progress, err := c.store.ReadProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("summary: read progress: %w", err)
	}
	batches, err := c.store.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("summary: list batches: %w", err)
	}

	s := &Summary{
		Total:      progress.Total,
		Completed:  progress.Completed,
		Failed:     progress.Failed,
		InProgress: progress.InProgress,
		Pending:    progress.Pending,
		Batches:    make(map[state.BatchStatus]int),
		Done:       len(batches) > 0,
	}
	for _, batch := range batches {
		s.Batches[batch.Status]++
		if !batch.Status.Terminal() {
			s.Done = false
		}
		if batch.Status == state.BatchPartiallyFailed {
			s.PartiallyFailed = true
		}
	}

	if failedLimit != 0 && progress.Failed > 0 {
		ids, err := c.store.FailedItems(ctx, failedLimit)
		if err != nil {
			return nil, fmt.Errorf("summary: failed items: %w", err)
		}
		s.FailedIDs = ids
	}
	return s, nil
}
