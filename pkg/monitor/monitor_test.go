package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skylens/backfill/pkg/coordinator"
)

func TestComputeStats(t *testing.T) {
	tests := []struct {
		name           string
		summary        *coordinator.Summary
		baseline       int
		elapsed        time.Duration
		wantThroughput float64
		wantETA        time.Duration
		wantFailRate   float64
	}{
		{
			name:           "steady progress",
			summary:        &coordinator.Summary{Total: 1000, Completed: 100, Failed: 0},
			baseline:       0,
			elapsed:        100 * time.Second,
			wantThroughput: 1.0,
			wantETA:        900 * time.Second,
			wantFailRate:   0,
		},
		{
			name: "resumed run ignores prior progress",
			// 500 were done before the monitor started; only the delta counts.
			summary:        &coordinator.Summary{Total: 1000, Completed: 600, Failed: 0},
			baseline:       500,
			elapsed:        50 * time.Second,
			wantThroughput: 2.0,
			wantETA:        200 * time.Second,
			wantFailRate:   0,
		},
		{
			name:           "stalled run has unknown eta",
			summary:        &coordinator.Summary{Total: 100, Completed: 10, Failed: 0},
			baseline:       10,
			elapsed:        time.Minute,
			wantThroughput: 0,
			wantETA:        -1,
			wantFailRate:   0,
		},
		{
			name:           "finished run",
			summary:        &coordinator.Summary{Total: 100, Completed: 90, Failed: 10},
			baseline:       0,
			elapsed:        time.Minute,
			wantThroughput: 1.5,
			wantETA:        0,
			wantFailRate:   0.1,
		},
		{
			name:           "zero elapsed",
			summary:        &coordinator.Summary{Total: 100, Completed: 50},
			baseline:       0,
			elapsed:        0,
			wantThroughput: 0,
			wantETA:        -1,
			wantFailRate:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ComputeStats(tt.summary, tt.baseline, tt.elapsed)
			if st.Throughput != tt.wantThroughput {
				t.Errorf("Throughput = %g, want %g", st.Throughput, tt.wantThroughput)
			}
			if st.ETA != tt.wantETA {
				t.Errorf("ETA = %s, want %s", st.ETA, tt.wantETA)
			}
			if st.FailureRate != tt.wantFailRate {
				t.Errorf("FailureRate = %g, want %g", st.FailureRate, tt.wantFailRate)
			}
		})
	}
}

func TestComputeStatsFailureRateOverTerminal(t *testing.T) {
	// Failure rate is over terminal items, not the total.
	s := &coordinator.Summary{Total: 1000, Completed: 30, Failed: 10}
	st := ComputeStats(s, 0, time.Minute)
	if st.FailureRate != 0.25 {
		t.Errorf("FailureRate = %g, want 0.25", st.FailureRate)
	}
}

// scriptedSource returns a fixed sequence of summaries, then keeps returning
// the last one.
type scriptedSource struct {
	summaries []*coordinator.Summary
	errs      []error
	calls     int
}

func (s *scriptedSource) Summary(ctx context.Context, failedLimit int) (*coordinator.Summary, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.summaries) {
		i = len(s.summaries) - 1
	}
	return s.summaries[i], nil
}

func TestRunExitsWhenRunCompletes(t *testing.T) {
	source := &scriptedSource{
		summaries: []*coordinator.Summary{
			{Total: 10, Completed: 5, Pending: 5},
			{Total: 10, Completed: 10, Done: true},
		},
	}

	m := New(source, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if source.calls < 2 {
		t.Errorf("polled %d times, want at least 2", source.calls)
	}
}

func TestRunSurvivesSummaryErrors(t *testing.T) {
	source := &scriptedSource{
		errs: []error{errors.New("store unavailable"), nil},
		summaries: []*coordinator.Summary{
			nil,
			{Total: 10, Completed: 10, Done: true},
		},
	}

	m := New(source, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run failed after a transient summary error: %v", err)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	source := &scriptedSource{
		summaries: []*coordinator.Summary{{Total: 10, Completed: 1, Pending: 9}},
	}

	m := New(source, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run error = %v, want context.DeadlineExceeded", err)
	}
}
