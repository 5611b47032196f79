/*
errors.go - Error taxonomy for timeline generation and reconciliation

ERROR CATEGORIES:
  1. Validation - malformed input (missing field, bad enum, bad time string)
  2. Not found  - referenced client/activity/subactivity is missing
  3. Conflict   - natural-key collision outside the atomic upsert path
  4. Storage    - I/O failure, possibly transient

USAGE:
  Batch callers turn these into per-item report entries; single-item callers
  surface them directly. The HTTP layer maps them to status codes:

    IsValidation -> 400, IsNotFound -> 404, IsConflict -> 409, else 500

SEE ALSO:
  - importer/importer.go: Retries on IsRetryable
  - api/handlers.go: Status code mapping
*/
package timeline

import (
	"errors"
	"fmt"

	"github.com/warp/obligation-engine/recurrence"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for structurally invalid input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write collides with an existing natural key
	// outside UpsertIfAbsent. It indicates a non-atomic writer somewhere.
	ErrConflict = errors.New("natural key conflict")

	// ErrStorage is returned for persistence failures.
	ErrStorage = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a natural-key collision.
type ConflictError struct {
	Key        NaturalKey
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("natural key conflict on %s", e.Key)
	}
	return fmt.Sprintf("natural key conflict on %s (existing: %s)", e.Key, e.ExistingID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StorageError wraps a persistence failure. Retryable marks transient
// failures (lock contention, timeouts) worth another attempt.
type StorageError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid input, including
// malformed recurrence configuration.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, recurrence.ErrInvalidConfig)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a natural-key collision.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Retryable
}
