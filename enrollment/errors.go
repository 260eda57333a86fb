/*
errors.go - Centralized error types for the enrollment engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every error returned by an operation unwraps to exactly one of the
  sentinel kinds below, so callers classify with errors.Is().

ERROR KINDS:
  ErrNotFound               Entity missing
  ErrNotAuthorized          Ownership or role mismatch
  ErrInvalidState           Operation not valid for the current status
  ErrCapacityExceeded       Seat admission failed
  ErrConcurrentModification Lost a compare-and-swap race, retry
  ErrValidation             Malformed input
  ErrCouponUnavailable      Any coupon failure (one message, no enumeration)

SEE ALSO:
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package enrollment

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound               = errors.New("not found")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrInvalidState           = errors.New("invalid state")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrValidation             = errors.New("validation failed")

	// ErrCouponUnavailable covers not found, not available, expired and
	// exhausted. Callers must not learn which.
	ErrCouponUnavailable = errors.New("coupon is not available")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError reports an operation attempted from the wrong status.
type InvalidStateError struct {
	Entity    string
	ID        string
	Status    string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %q in status %s", e.Operation, e.Entity, e.ID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// CapacityError reports a failed seat admission.
type CapacityError struct {
	SessionID SessionID
	Capacity  int
	Policy    string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session %q is full (capacity %d, %s)", e.SessionID, e.Capacity, e.Policy)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// DuplicateEnrollmentError is returned when the (user, session, child)
// triple already has a live enrollment.
type DuplicateEnrollmentError struct {
	UserID    UserID
	SessionID SessionID
	ChildID   ChildID
}

func (e *DuplicateEnrollmentError) Error() string {
	return fmt.Sprintf("session %q already in ledger for user %q child %q", e.SessionID, e.UserID, e.ChildID)
}

func (e *DuplicateEnrollmentError) Unwrap() error { return ErrInvalidState }

// ValidationError describes malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error { return &ValidationError{Field: field, Message: msg} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrCouponUnavailable)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
