// Package fetch defines the external fetch collaborator: the operation that
// retrieves the historical records for one identifier. The backfill logic
// treats the fetcher as a black box and distinguishes exactly two error
// categories — transient (retried with backoff) and permanent (failed
// immediately).
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RawRecord is the opaque payload fetched for one identifier. The sink
// persists it as-is; the coordination layer never inspects Payload.
type RawRecord struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fetcher retrieves the records for a single identifier.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*RawRecord, error)
}

// TransientError indicates a failure worth retrying: network faults, rate
// limiting, and server-side errors.
type TransientError struct {
	Status int
	Err    error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient fetch error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError indicates a failure retrying cannot fix: malformed
// identifiers, not-found, and other client-side rejections.
type PermanentError struct {
	Status int
	Err    error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("permanent fetch error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("permanent fetch error: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient so an unexpected failure mode cannot burn an identifier
// without retries.
func IsTransient(err error) bool {
	var p *PermanentError
	return err != nil && !errors.As(err, &p)
}

// IsPermanent reports whether err is beyond retrying.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
