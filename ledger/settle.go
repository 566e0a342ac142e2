/*
settle.go - Ledger and hold primitives that run inside a caller's unit of work

PURPOSE:
  The four mutations of the engine, written against a Store that is already
  inside a transaction. Manager wraps each of them in its own unit; the
  booking controller composes them with booking-row updates in a single unit.

CALLER CONTRACT:
  Before calling any function in this file the caller MUST:
  1. hold Locker.Lock(wallet, currency) for the affected pair
  2. be inside TxStore.WithTx (or an equivalent store transaction)
  3. have called Store.LockWallet(wallet, currency) in that transaction

  Under that contract the "check available, then insert hold" and "check
  hold ACTIVE, then debit" sequences cannot interleave with another writer.

FLOW:
  PlaceHold   ACTIVE hold, no ledger row        available -= amount
  CommitHold  ACTIVE -> COMMITTED + debit row   settled   -= amount, held -= amount
  ReleaseHold ACTIVE -> RELEASED, no ledger row available += amount
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Entry describes a ledger row to append.
type Entry struct {
	WalletID  WalletID
	Currency  Currency
	Amount    decimal.Decimal // signed
	Kind      TransactionKind
	BookingID string
	HoldID    HoldID
	Note      string
}

// HoldRequest asks for Amount to be reserved for a booking.
type HoldRequest struct {
	WalletID  WalletID
	Currency  Currency
	Amount    decimal.Decimal
	BookingID string
}

// AppendEntry validates and appends one ledger row.
func AppendEntry(ctx context.Context, s Store, e Entry, at time.Time) (Transaction, error) {
	if err := validateSigned(e.Kind, e.Currency, e.Amount); err != nil {
		return Transaction{}, err
	}
	if _, err := s.GetWallet(ctx, e.WalletID); err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		ID:        NewTransactionID(at),
		WalletID:  e.WalletID,
		Currency:  e.Currency,
		Amount:    e.Amount,
		Kind:      e.Kind,
		BookingID: e.BookingID,
		HoldID:    e.HoldID,
		Note:      e.Note,
		CreatedAt: at,
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("append %s transaction: %w", e.Kind, err)
	}
	return tx, nil
}

// PlaceHold creates an ACTIVE hold if the available balance covers it.
func PlaceHold(ctx context.Context, s Store, req HoldRequest, at time.Time) (WalletHold, error) {
	if err := validatePositive(req.Currency, req.Amount); err != nil {
		return WalletHold{}, err
	}
	if req.BookingID == "" {
		return WalletHold{}, fmt.Errorf("%w: hold requires a booking id", ErrValidation)
	}
	if _, err := s.GetWallet(ctx, req.WalletID); err != nil {
		return WalletHold{}, err
	}

	active, err := s.Holds(ctx, HoldQuery{BookingID: req.BookingID, State: HoldActive})
	if err != nil {
		return WalletHold{}, fmt.Errorf("load holds for booking %s: %w", req.BookingID, err)
	}
	if len(active) > 0 {
		return WalletHold{}, fmt.Errorf("%w: booking %s already has active hold %s",
			ErrConflict, req.BookingID, active[0].ID)
	}

	bal, err := s.Balance(ctx, req.WalletID, req.Currency)
	if err != nil {
		return WalletHold{}, fmt.Errorf("read balance: %w", err)
	}
	if req.Amount.GreaterThan(bal.Available) {
		return WalletHold{}, &InsufficientFundsError{
			WalletID:  req.WalletID,
			Currency:  req.Currency,
			Available: bal.Available,
			Requested: req.Amount,
		}
	}

	hold := WalletHold{
		ID:        NewHoldID(),
		WalletID:  req.WalletID,
		Currency:  req.Currency,
		Amount:    req.Amount,
		BookingID: req.BookingID,
		State:     HoldActive,
		CreatedAt: at,
	}
	if err := s.InsertHold(ctx, hold); err != nil {
		return WalletHold{}, fmt.Errorf("insert hold: %w", err)
	}
	return hold, nil
}

// CommitHold marks the hold COMMITTED and appends its BOOKING_PAYMENT debit.
func CommitHold(ctx context.Context, s Store, id HoldID, at time.Time) (Transaction, error) {
	hold, err := s.GetHold(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if hold.State != HoldActive {
		return Transaction{}, &AlreadySettledError{HoldID: id, State: hold.State}
	}

	if err := s.SettleHold(ctx, id, HoldCommitted, at); err != nil {
		return Transaction{}, err
	}
	return AppendEntry(ctx, s, Entry{
		WalletID:  hold.WalletID,
		Currency:  hold.Currency,
		Amount:    hold.Amount.Neg(),
		Kind:      KindBookingPayment,
		BookingID: hold.BookingID,
		HoldID:    hold.ID,
	}, at)
}

// ReleaseHold marks the hold RELEASED. No ledger row is written.
func ReleaseHold(ctx context.Context, s Store, id HoldID, at time.Time) (WalletHold, error) {
	hold, err := s.GetHold(ctx, id)
	if err != nil {
		return WalletHold{}, err
	}
	if hold.State != HoldActive {
		return WalletHold{}, &AlreadySettledError{HoldID: id, State: hold.State}
	}

	if err := s.SettleHold(ctx, id, HoldReleased, at); err != nil {
		return WalletHold{}, err
	}
	hold.State = HoldReleased
	hold.SettledAt = &at
	return hold, nil
}
