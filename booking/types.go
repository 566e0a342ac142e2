/*
Package booking ties a booking's lifecycle to wallet holds and refunds.

STATE MACHINE:

  PENDING ──▶ SUSPENDED_PAYMENT_BLOCKED ──▶ CONFIRMED ──▶ COMPLETED
     │                    │                    │    └───▶ REFUNDED
     └────────────────────┼───────────────────▶│
                          └──▶ CANCELLED        └───────▶ CANCELLED

  PENDING only exists in memory while a booking is being created: the hold
  is placed in the same unit of work, so a stored booking is already
  SUSPENDED_PAYMENT_BLOCKED (or CONFIRMED for auto-confirmed bookings).
  CANCELLED, REFUNDED and COMPLETED are terminal.

LEDGER EFFECTS PER TRANSITION:
  create           PENDING -> SUSPENDED  hold placed (ACTIVE)
  create (auto)    PENDING -> CONFIRMED  hold placed and committed, one debit
  confirm          SUSPENDED -> CONFIRMED hold COMMITTED, one BOOKING_PAYMENT debit
  reject           SUSPENDED -> CANCELLED hold RELEASED, no ledger row
  cancelConfirmed  CONFIRMED -> REFUNDED  REFUND credit when refund > 0
  complete         CONFIRMED -> COMPLETED none

SEE ALSO:
  - controller.go: the operations
  - ledger/settle.go: hold primitives composed into each unit of work
*/
package booking

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuspended Status = "SUSPENDED_PAYMENT_BLOCKED"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
	StatusCompleted Status = "COMPLETED"
)

// transitions is the closed set of legal moves.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSuspended, StatusConfirmed},
	StatusSuspended: {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusRefunded, StatusCompleted},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusRefunded || s == StatusCompleted
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuspended, StatusConfirmed, StatusCancelled, StatusRefunded, StatusCompleted:
		return true
	}
	return false
}

// =============================================================================
// BOOKING
// =============================================================================

type Booking struct {
	ID             string
	UserID         string
	AgencyID       string // set when an agency pays for the booking
	WalletID       ledger.WalletID
	FlightID       string
	TotalPrice     decimal.Decimal
	Currency       ledger.Currency
	Status         Status
	RefundPolicyID string
	HoldID         ledger.HoldID

	DepartureTime    time.Time
	BookingDate      time.Time
	CancellationDate *time.Time

	// Audit only; never used in decisions.
	RejectionReason string
	Refund          *RefundOutcome

	UpdatedAt time.Time
}

// RefundOutcome records how a cancelled confirmed booking was settled.
type RefundOutcome struct {
	PenaltyPercent decimal.Decimal
	PenaltyAmount  decimal.Decimal
	RefundAmount   decimal.Decimal
	AppliedHours   *int // threshold of the applied tier; nil when none matched
}

// transition moves b to status `to` if the state machine allows it.
func (b *Booking) transition(to Status, at time.Time) error {
	if !b.Status.CanTransitionTo(to) {
		return &ledger.StateTransitionError{
			Entity: "booking",
			ID:     b.ID,
			From:   string(b.Status),
			To:     string(to),
		}
	}
	b.Status = to
	b.UpdatedAt = at
	return nil
}

// Filter selects bookings. Zero-valued fields are not filtered on; a zero
// Limit means no limit at the store level.
type Filter struct {
	UserID         string
	WalletID       ledger.WalletID
	Status         Status
	DepartedBefore *time.Time
	Limit          int
}
