/*
errors.go - Centralized error types for the lending engine

ERROR CATEGORIES:
  1. Validation errors - malformed amounts, durations, milestone counts.
     Rejected before any mutation.
  2. Not found errors - missing loan, contract, fine or payment intent.
     No partial mutation.
  3. Already processed - a correlation token that was settled before.
     Surfaced as success with a flag, not as a failure.
  4. Persistence errors - storage write failures. A Transaction and its
     obligation update commit together or not at all.

USAGE:
  if lending.IsNotFound(err) {
      // 404
  }

SEE ALSO:
  - payment.go: maps store outcomes onto these errors
  - api/handlers.go: maps these errors onto HTTP statuses
*/
package lending

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidInput = errors.New("invalid input")

	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessed marks a correlation token that already settled.
	// Callers treat it as success.
	ErrAlreadyProcessed = errors.New("payment already processed")

	ErrPersistence = errors.New("persistence failure")

	// ErrDuplicateIdempotencyKey is returned by stores when a transaction with
	// the same correlation token already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrObligationPaid is returned when a payment targets an obligation that
	// is already paid. Paid obligations are never marked twice.
	ErrObligationPaid = errors.New("obligation already paid")

	// ErrInvalidState is returned when an aggregate is not in a state that
	// allows the requested transition (e.g. funding an active loan).
	ErrInvalidState = errors.New("invalid state")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidInputError describes a rejected input field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// InvalidAmountError is an InvalidInputError on a monetary amount.
func InvalidAmountError(reason string) error {
	return &InvalidInputError{Field: "amount", Reason: reason}
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "loan", "contract", "fine", "intent", "user", "obligation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func LoanNotFoundError(id LoanID) error { return &NotFoundError{Kind: "loan", ID: string(id)} }

func IntentNotFoundError(token string) error {
	return &NotFoundError{Kind: "intent", ID: token}
}

// PersistenceError wraps a storage failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// Domain errors raised by the store pass through untouched.
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrObligationPaid) || errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidState) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidState)
}

// IsConflict returns true for double-payment attempts.
func IsConflict(err error) bool { return errors.Is(err, ErrObligationPaid) }
