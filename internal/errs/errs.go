// Package errs defines the error kinds shared across the optimization loop
// and a bounded retry helper for transient failures.
package errs

import (
	"errors"
	"fmt"
)

// ScoringError marks an oracle failure during criterion scoring. Scoring
// degrades to a heuristic instead of aborting, so this error is recorded on
// the score rather than returned past the scorer boundary.
type ScoringError struct {
	CriterionID string
	Err         error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring %s: %v", e.CriterionID, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }

// ValidationError marks malformed configuration or an illegal state
// transition. It fails fast at load time and never at scoring time.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
}

// ConcurrencyError marks a lost race on activation or rollback. The caller
// must refresh its view of the registry state before retrying.
type ConcurrencyError struct {
	Target string
	Reason string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification on %s: %s", e.Target, e.Reason)
}

// NotFoundError marks an unknown version, pattern, run, or target id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// PersistenceError marks a store write that failed after retries. An
// evaluation that cannot be durably recorded is surfaced as a hard error
// rather than silently dropped.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConcurrency reports whether err is a ConcurrencyError.
func IsConcurrency(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
