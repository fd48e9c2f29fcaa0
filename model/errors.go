package model

import (
	"errors"
	"fmt"
)

// Sentinel errors observable across the pipeline (§7). Components wrap these
// with context rather than inventing new sentinels, so callers can classify
// failures with errors.Is regardless of which package raised them.
var (
	// ErrMissingEntity covers "no twin", "no policy", "no enforcer" —
	// always treated as "delete from search index" by the caller.
	ErrMissingEntity = errors.New("entity does not exist")

	// ErrConflict is returned when a conditional patch's filter revision
	// did not match the currently persisted revision.
	ErrConflict = errors.New("optimistic concurrency conflict")

	// ErrShuttingDown is returned by components that refuse new work once
	// cooperative shutdown has begun.
	ErrShuttingDown = errors.New("shutting down")
)

// ValidationError reports a single malformed input (§7 "Validation"):
// malformed JSON, invalid namespaced id, syntactically invalid policy id.
// It never poisons a batch — callers drop the one offending twin and log.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// TransientError wraps a retryable I/O failure (MongoDB timeout, cluster ask
// timeout). Retried with backoff by the caller; never surfaces past it.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a non-retryable persistence rejection (duplicate key
// not reconcilable, schema rejection). Surfaced to the twin update task,
// which logs and reverts state without updating lastModel.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error during %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RevisionConflictError is VersionError's generalization to our domain: a
// patch was rejected because the persisted revision no longer matched the
// filterRevision it was computed against.
type RevisionConflictError struct {
	TwinId           TwinId
	ExpectedRevision int64
	ActualRevision   int64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("revision conflict for %s: expected=%d actual=%d", e.TwinId, e.ExpectedRevision, e.ActualRevision)
}

func (e *RevisionConflictError) Is(target error) bool {
	return target == ErrConflict
}
