// Package testutil provides scripted fetcher and sink fakes for backfill
// tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skylens/backfill/pkg/fetch"
)

// ScriptedFetcher is a Fetcher whose per-identifier behavior is scripted:
// each call to an id consumes the next error in its script, and once the
// script is drained the fetch succeeds. An id without a script always
// succeeds.
type ScriptedFetcher struct {
	mu        sync.Mutex
	scripts   map[string][]error
	permanent map[string]error
	calls     map[string]int

	// Delay is an optional artificial latency per fetch.
	Delay time.Duration
}

// NewScriptedFetcher creates an empty scripted fetcher.
func NewScriptedFetcher() *ScriptedFetcher {
	return &ScriptedFetcher{
		scripts:   make(map[string][]error),
		permanent: make(map[string]error),
		calls:     make(map[string]int),
	}
}

// Script queues errors for an id, consumed one per call.
func (f *ScriptedFetcher) Script(id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = append(f.scripts[id], errs...)
}

// AlwaysFail makes every call for id return err forever.
func (f *ScriptedFetcher) AlwaysFail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanent[id] = err
}

var _ fetch.Fetcher = (*ScriptedFetcher)(nil)

// Fetch implements fetch.Fetcher.
func (f *ScriptedFetcher) Fetch(ctx context.Context, id string) (*fetch.RawRecord, error) {
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &fetch.TransientError{Err: ctx.Err()}
		case <-time.After(f.Delay):
		}
	}

	f.mu.Lock()
	f.calls[id]++
	if err, ok := f.permanent[id]; ok {
		f.mu.Unlock()
		return nil, err
	}
	if script := f.scripts[id]; len(script) > 0 {
		err := script[0]
		f.scripts[id] = script[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	return &fetch.RawRecord{
		ID:        id,
		Payload:   []byte(fmt.Sprintf(`{"id":%q}`, id)),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Calls returns how many times id was fetched.
func (f *ScriptedFetcher) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// TotalCalls returns the total fetch count across all ids.
func (f *ScriptedFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// MemorySink is an idempotent in-memory Sink that tracks duplicate appends.
type MemorySink struct {
	mu         sync.Mutex
	records    map[string][]byte
	duplicates int
	failNext   error
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string][]byte)}
}

// FailNext makes the next Append return err once.
func (s *MemorySink) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Append stores the record, deduping on id.
func (s *MemorySink) Append(ctx context.Context, id string, record *fetch.RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if _, exists := s.records[id]; exists {
		s.duplicates++
		return nil
	}
	s.records[id] = append([]byte(nil), record.Payload...)
	return nil
}

// Len returns the number of distinct records stored.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Has reports whether a record exists for id.
func (s *MemorySink) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// Duplicates returns how many appends hit an existing record.
func (s *MemorySink) Duplicates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicates
}
