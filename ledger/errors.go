/*
errors.go - Centralized error types for the settlement engine

ERROR CATEGORIES:
  1. Funds errors      - InsufficientFunds
  2. State errors      - InvalidStateTransition, AlreadySettled
  3. Input errors      - InvalidAmount, UnsupportedCurrency, Validation
  4. Lookup errors     - NotFound
  5. Replay conflicts  - Conflict

None of these are retried inside the engine. AlreadySettled means "nothing to
do": the hold was resolved by an earlier call and the caller must not retry.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var ife *ledger.InsufficientFundsError
      errors.As(err, &ife) // shortfall details
  }

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a hold or debit exceeds the
	// available balance. No state is left behind.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidStateTransition is returned when an operation is attempted
	// from the wrong booking or hold state. No mutation is performed.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrAlreadySettled is returned when committing or releasing a hold that
	// is no longer ACTIVE.
	ErrAlreadySettled = errors.New("hold already settled")

	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidAmount is returned for zero, wrong-signed or over-precise amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnsupportedCurrency is returned for malformed currency codes.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrValidation is returned for malformed input not covered above.
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned when a replayed request does not match the
	// record already stored under the same id.
	ErrConflict = errors.New("conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	WalletID  WalletID
	Currency  Currency
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: available %s %s, requested %s, shortfall %s",
		e.WalletID, e.Available, e.Currency, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// StateTransitionError describes a rejected transition.
type StateTransitionError struct {
	Entity string // "booking" or "hold"
	ID     string
	From   string
	To     string
	Reason string
}

func (e *StateTransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// AlreadySettledError reports the terminal state a hold was found in.
type AlreadySettledError struct {
	HoldID HoldID
	State  HoldState
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("hold %s already settled (%s)", e.HoldID, e.State)
}

func (e *AlreadySettledError) Unwrap() error {
	return ErrAlreadySettled
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnsupportedCurrency) ||
		errors.Is(err, ErrValidation)
}

// IsConflict returns true if the error reflects current state rather than
// bad input: the request was well-formed but cannot apply now.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
