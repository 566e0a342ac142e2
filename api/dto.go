/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and booking models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Bookings:
    CreateBookingRequest, RejectBookingRequest, BookingDTO, RefundDTO

  Wallets:
    WalletDTO, BalanceDTO, TransactionDTO, CreateTransactionRequest

  Policies:
    PolicyDTO (wraps factory.PolicyJSON)

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

AMOUNTS:
  Every amount is a decimal string ("450000", "12.50"). Requests accept a
  JSON number or a string.

VALIDATION:
  Request shape is checked with validator struct tags before the handler
  runs. Business rules (positive price, known currency, future departure)
  stay in the domain packages so every caller gets them.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/refund"
)

// =============================================================================
// BOOKINGS
// =============================================================================

// CreateBookingRequest is the body of POST /bookings.
type CreateBookingRequest struct {
	BookingID      string          `json:"booking_id" validate:"omitempty,max=64"`
	UserID         string          `json:"user_id" validate:"required,max=64"`
	AgencyID       string          `json:"agency_id" validate:"omitempty,max=64"`
	FlightID       string          `json:"flight_id" validate:"required,max=64"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	Currency       string          `json:"currency" validate:"required,len=3,alpha"`
	RefundPolicyID string          `json:"refund_policy_id" validate:"omitempty,max=64"`
	DepartureTime  time.Time       `json:"departure_time"`
	AutoConfirm    bool            `json:"auto_confirm"`
}

// RejectBookingRequest is the optional body of POST /bookings/reject-suspended/{holdId}.
type RejectBookingRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	BookingID        string     `json:"booking_id"`
	UserID           string     `json:"user_id"`
	AgencyID         string     `json:"agency_id,omitempty"`
	WalletID         string     `json:"wallet_id"`
	FlightID         string     `json:"flight_id"`
	TotalPrice       string     `json:"total_price"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	RefundPolicyID   string     `json:"refund_policy_id,omitempty"`
	HoldID           string     `json:"hold_id"`
	DepartureTime    string     `json:"departure_time"`
	BookingDate      string     `json:"booking_date"`
	CancellationDate *string    `json:"cancellation_date,omitempty"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	Refund           *RefundDTO `json:"refund,omitempty"`
}

// RefundDTO is the penalty breakdown of a cancelled confirmed booking.
type RefundDTO struct {
	PenaltyPercent   string `json:"penalty_percent"`
	PenaltyAmount    string `json:"penalty_amount"`
	RefundAmount     string `json:"refund_amount"`
	AppliedTierHours *int   `json:"applied_tier_hours,omitempty"`
}

func toBookingDTO(b booking.Booking) BookingDTO {
	dto := BookingDTO{
		BookingID:       b.ID,
		UserID:          b.UserID,
		AgencyID:        b.AgencyID,
		WalletID:        string(b.WalletID),
		FlightID:        b.FlightID,
		TotalPrice:      b.TotalPrice.String(),
		Currency:        string(b.Currency),
		Status:          string(b.Status),
		RefundPolicyID:  b.RefundPolicyID,
		HoldID:          string(b.HoldID),
		DepartureTime:   b.DepartureTime.UTC().Format(time.RFC3339),
		BookingDate:     b.BookingDate.UTC().Format(time.RFC3339),
		RejectionReason: b.RejectionReason,
	}
	if b.CancellationDate != nil {
		dto.CancellationDate = strPtr(b.CancellationDate.UTC().Format(time.RFC3339))
	}
	if r := b.Refund; r != nil {
		dto.Refund = &RefundDTO{
			PenaltyPercent:   r.PenaltyPercent.String(),
			PenaltyAmount:    r.PenaltyAmount.String(),
			RefundAmount:     r.RefundAmount.String(),
			AppliedTierHours: r.AppliedHours,
		}
	}
	return dto
}

// =============================================================================
// WALLETS
// =============================================================================

// WalletDTO is the wallet read model: balances per currency plus the most
// recent transactions.
type WalletDTO struct {
	WalletID     string           `json:"wallet_id"`
	OwnerID      string           `json:"owner_id"`
	OwnerKind    string           `json:"owner_kind"`
	Balances     []BalanceDTO     `json:"balances"`
	Transactions []TransactionDTO `json:"transactions"`
	// NextBefore is the cursor for the next page of transactions; empty on
	// the last page.
	NextBefore string `json:"next_before,omitempty"`
}

type BalanceDTO struct {
	Currency  string `json:"currency"`
	Settled   string `json:"settled"`
	Held      string `json:"held"`
	Available string `json:"available"`
}

type TransactionDTO struct {
	ID        string `json:"id"`
	WalletID  string `json:"wallet_id"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Kind      string `json:"kind"`
	BookingID string `json:"booking_id,omitempty"`
	HoldID    string `json:"hold_id,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

// CreateTransactionRequest is an admin ledger entry. Amount is the
// magnitude; the sign follows from Kind.
type CreateTransactionRequest struct {
	Kind     string          `json:"kind" validate:"required,oneof=DEPOSIT WITHDRAWAL COMMISSION_PAYOUT"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"required,len=3,alpha"`
	Note     string          `json:"note" validate:"max=255"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		Currency:  string(b.Currency),
		Settled:   b.Settled.String(),
		Held:      b.Held.String(),
		Available: b.Available.String(),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:        string(tx.ID),
		WalletID:  string(tx.WalletID),
		Currency:  string(tx.Currency),
		Amount:    tx.Amount.String(),
		Kind:      string(tx.Kind),
		BookingID: tx.BookingID,
		HoldID:    string(tx.HoldID),
		Note:      tx.Note,
		CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// =============================================================================
// POLICIES
// =============================================================================

// PolicyDTO is the policy document plus bookkeeping timestamps.
type PolicyDTO struct {
	factory.PolicyJSON
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func toPolicyDTO(p refund.Policy) PolicyDTO {
	dto := PolicyDTO{PolicyJSON: factory.ToJSON(p)}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = p.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !p.UpdatedAt.IsZero() {
		dto.UpdatedAt = p.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// SCENARIOS & MISC
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// CompletionRunDTO reports a completion sweep.
type CompletionRunDTO struct {
	Completed int    `json:"completed"`
	RanAt     string `json:"ran_at"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func strPtr(s string) *string {
	return &s
}
