/*
Package ledger provides the wallet ledger and hold settlement engine.

PURPOSE:
  A wallet holds one balance per currency. Every change to a settled balance
  is an immutable ledger transaction; the balance itself is derived. Bookings
  reserve funds with holds that are later committed (debited) or released.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: owned by exactly one principal (user or agency)
  - Transaction: an immutable, signed ledger entry
  - WalletHold: an amount reserved against available balance
  - Balance: settled, held and available amounts for one (wallet, currency)

BALANCE EQUATION:
  settled   = Σ transaction amounts for (wallet, currency)
  held      = Σ ACTIVE hold amounts for (wallet, currency)
  available = settled - held

  Neither held nor available is ever stored. Settled is cached by stores in
  the same database transaction that appends the ledger row.

DESIGN PRINCIPLES:
  1. Immutability: transactions are never modified or deleted
  2. Precision: decimal.Decimal, rounded to the currency's minor unit
  3. Type safety: distinct ID types for wallets, holds and transactions
  4. Single writer per (wallet, currency): see locker.go

SEE ALSO:
  - currency.go: minor units and amount validation
  - store.go: persistence contract
  - manager.go: the engine operations (append, place, commit, release)
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type OwnerID string
type TransactionID string
type HoldID string

// OwnerKind says what kind of principal owns a wallet.
type OwnerKind string

const (
	OwnerUser   OwnerKind = "user"
	OwnerAgency OwnerKind = "agency"
)

func (k OwnerKind) Valid() bool {
	return k == OwnerUser || k == OwnerAgency
}

// =============================================================================
// WALLET
// =============================================================================

// Wallet is created once per owner and lives for the owner's lifetime.
type Wallet struct {
	ID        WalletID
	OwnerID   OwnerID
	OwnerKind OwnerKind
	CreatedAt time.Time
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionKind string

const (
	KindDeposit          TransactionKind = "DEPOSIT"
	KindWithdrawal       TransactionKind = "WITHDRAWAL"
	KindBookingPayment   TransactionKind = "BOOKING_PAYMENT"
	KindRefund           TransactionKind = "REFUND"
	KindCommissionPayout TransactionKind = "COMMISSION_PAYOUT"
)

// Credit reports whether transactions of this kind add to the balance.
func (k TransactionKind) Credit() bool {
	switch k {
	case KindDeposit, KindRefund, KindCommissionPayout:
		return true
	}
	return false
}

func (k TransactionKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindBookingPayment, KindRefund, KindCommissionPayout:
		return true
	}
	return false
}

// Transaction is a signed entry in a wallet's ledger. Debits are negative.
type Transaction struct {
	ID        TransactionID
	WalletID  WalletID
	Currency  Currency
	Amount    decimal.Decimal
	Kind      TransactionKind
	BookingID string // empty when not related to a booking
	HoldID    HoldID // set for BOOKING_PAYMENT produced by a hold commit
	Note      string
	CreatedAt time.Time
}

// =============================================================================
// HOLD - Reserved, not yet debited
// =============================================================================

type HoldState string

const (
	HoldActive    HoldState = "ACTIVE"
	HoldCommitted HoldState = "COMMITTED"
	HoldReleased  HoldState = "RELEASED"
)

func (s HoldState) Settled() bool {
	return s == HoldCommitted || s == HoldReleased
}

// WalletHold reserves Amount (always positive) against a wallet's available
// balance. It moves ACTIVE -> COMMITTED or ACTIVE -> RELEASED exactly once.
type WalletHold struct {
	ID        HoldID
	WalletID  WalletID
	Currency  Currency
	Amount    decimal.Decimal
	BookingID string
	State     HoldState
	CreatedAt time.Time
	SettledAt *time.Time
}

// =============================================================================
// BALANCE - Derived read model
// =============================================================================

type Balance struct {
	WalletID  WalletID
	Currency  Currency
	Settled   decimal.Decimal
	Held      decimal.Decimal
	Available decimal.Decimal
}

// NewBalance derives Available from settled and held.
func NewBalance(walletID WalletID, currency Currency, settled, held decimal.Decimal) Balance {
	return Balance{
		WalletID:  walletID,
		Currency:  currency,
		Settled:   settled,
		Held:      held,
		Available: settled.Sub(held),
	}
}
