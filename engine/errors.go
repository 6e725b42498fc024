/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The repair and loyalty packages return these (wrapped with context) so
  that callers and the HTTP layer can classify failures with errors.Is.

ERROR CATEGORIES:
  1. Precondition errors - IllegalTransition, DuplicateActiveCard,
     InsufficientContext (user-facing validation)
  2. Capacity errors - SlotsExhausted (caller may proceed slot-less)
  3. Integrity errors - RoundingOverflow (logged, entry rejected)
  4. Store errors - PersistenceFailure (retryable), NotFound

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrIllegalTransition is returned when the target status is not reachable
	// from the current one. Never retried automatically.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrSlotsExhausted is returned when every storage slot is occupied.
	ErrSlotsExhausted = errors.New("storage slots exhausted")

	// ErrDuplicateActiveCard is returned when an active, non-expired loyalty
	// card already exists for the customer and Centro.
	ErrDuplicateActiveCard = errors.New("active loyalty card already exists")

	// ErrInsufficientContext is returned when a record the operation depends
	// on (tenant account, quote, settings) cannot be found.
	ErrInsufficientContext = errors.New("insufficient context")

	// ErrRoundingOverflow is returned when commission shares fail to sum to
	// the gross margin within one minor unit.
	ErrRoundingOverflow = errors.New("commission shares do not sum to gross margin")

	// ErrPersistenceFailure is returned when an atomic write could not be
	// applied. Nothing was written; the caller may retry.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")

	// ErrQuoteAlreadyAccepted is returned when a quote would be accepted twice.
	ErrQuoteAlreadyAccepted = errors.New("quote already accepted")

	// ErrCardExhausted is returned when a loyalty card has no device uses left.
	ErrCardExhausted = errors.New("loyalty card device allowance exhausted")

	// ErrCardNotActive is returned when an operation needs an active card.
	ErrCardNotActive = errors.New("loyalty card not active")

	// ErrInvalidAmount is returned for zero or negative amounts where a
	// positive one is required.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidStatus is returned for a status name no lifecycle knows.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidBeneficiary is returned for a share name that does not exist.
	ErrInvalidBeneficiary = errors.New("invalid beneficiary")

	// ErrInvalidPaymentMethod is returned for an unsupported payment method.
	ErrInvalidPaymentMethod = errors.New("invalid payment method")

	// ErrInvalidUsageKind is returned for an unknown loyalty discount kind.
	ErrInvalidUsageKind = errors.New("invalid loyalty usage kind")

	// ErrLockTimeout is returned when an aggregate lock cannot be acquired.
	ErrLockTimeout = errors.New("aggregate lock timeout")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IllegalTransitionError provides the from/to pair that was refused.
type IllegalTransitionError struct {
	RequestID string
	Variant   Variant
	From      Status
	To        Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for %s (%s): %s -> %s", e.RequestID, e.Variant, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// RoundingOverflowError carries the computed residual.
type RoundingOverflowError struct {
	GrossMargin Money
	SharesTotal Money
	Residual    Money
}

func (e *RoundingOverflowError) Error() string {
	return fmt.Sprintf("rounding overflow: margin %s, shares %s, residual %s",
		e.GrossMargin, e.SharesTotal, e.Residual)
}

func (e *RoundingOverflowError) Unwrap() error { return ErrRoundingOverflow }

// MissingContextError names what could not be found.
type MissingContextError struct {
	What string
	ID   string
}

func (e *MissingContextError) Error() string {
	return fmt.Sprintf("insufficient context: %s %q not found", e.What, e.ID)
}

func (e *MissingContextError) Unwrap() error { return ErrInsufficientContext }

// PersistenceError wraps a store failure. It matches both
// ErrPersistenceFailure and the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistenceFailure, e.Err} }

// Persist wraps err as a PersistenceError unless it already carries a domain
// classification that callers need to see unchanged.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	return IsClientError(err) ||
		errors.Is(err, ErrRoundingOverflow) ||
		errors.Is(err, ErrSlotsExhausted) ||
		errors.Is(err, ErrPersistenceFailure) ||
		errors.Is(err, ErrLockTimeout)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceFailure) || errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrDuplicateActiveCard) ||
		errors.Is(err, ErrInsufficientContext) ||
		errors.Is(err, ErrQuoteAlreadyAccepted) ||
		errors.Is(err, ErrCardExhausted) ||
		errors.Is(err, ErrCardNotActive) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidBeneficiary) ||
		errors.Is(err, ErrInvalidPaymentMethod) ||
		errors.Is(err, ErrInvalidUsageKind) ||
		errors.Is(err, ErrNotFound)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
