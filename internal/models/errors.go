// -----------------------------------------------------------------------
// Error taxonomy shared across storage, services and handlers
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for lookups of unknown runs, jobs or barriers.
// Storage maps badgerhold.ErrNotFound to this sentinel so callers never
// depend on the storage engine.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// SerializationError is returned by event append when a payload cannot be
// losslessly converted to JSON (cyclic structures, unsupported values). The
// append writes nothing in that case.
type SerializationError struct {
	RunID     string
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("event payload for run %s (%s) is not serializable: %v", e.RunID, e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsSerializationError reports whether err is a SerializationError
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// ValidationError is returned for malformed trigger or request payloads
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConcurrencyConflictError is surfaced only when transparent retries of a
// conflicting barrier or ledger transaction are exhausted. Callers should
// never see this under normal contention.
type ConcurrencyConflictError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("transaction on %s still conflicting after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return e.Err
}

// ResumeFailureError records that the injected supervisor-resume capability
// raised. The barrier is marked failed and the run failed; the round is not
// retried.
type ResumeFailureError struct {
	RunID     string
	BarrierID string
	Err       error
}

func (e *ResumeFailureError) Error() string {
	return fmt.Sprintf("supervisor resume failed for run %s (barrier %s): %v", e.RunID, e.BarrierID, e.Err)
}

func (e *ResumeFailureError) Unwrap() error {
	return e.Err
}
