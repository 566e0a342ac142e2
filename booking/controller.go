/*
controller.go - Booking lifecycle operations

PURPOSE:
  Drives bookings through the state machine in types.go and performs the
  matching hold and ledger effects in the same database transaction as the
  booking status change.

UNIT OF WORK:
  Every mutating operation follows the same shape:
    1. resolve the (wallet, currency) pair from the booking
    2. Locker.Lock(pair)              in-process serialization
    3. Store.WithBookingTx            one database transaction
    4. Store.LockWallet(pair)         cross-process serialization (postgres)
    5. reload the booking, check its status, apply ledger primitives,
       write the new status
  If any step fails the transaction rolls back and nothing is persisted.
  Notifications go out only after commit.

  The Locker MUST be shared with the ledger.Manager writing to the same
  store (see WithLocker), otherwise the two could interleave on a pair.

CREATE REPLAY:
  A caller supplied booking ID makes Create idempotent: replaying the same
  payload returns the stored booking, a different payload under the same ID
  fails with ErrConflict.

SEE ALSO:
  - ledger/settle.go: PlaceHold, CommitHold, ReleaseHold, AppendEntry
  - refund/policy.go: penalty computation for CancelConfirmed
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/refund"
)

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 100

// CreateInput is a request to book a flight.
type CreateInput struct {
	ID             string // optional; makes the request replayable
	UserID         string
	AgencyID       string // optional; the agency wallet pays when set
	FlightID       string
	TotalPrice     decimal.Decimal
	Currency       ledger.Currency
	RefundPolicyID string
	DepartureTime  time.Time
	AutoConfirm    bool
}

type Controller struct {
	store    Store
	locks    *ledger.Locker
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Controller)

// WithLocker shares the ledger.Manager's locker.
func WithLocker(l *ledger.Locker) Option {
	return func(c *Controller) { c.locks = l }
}

func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(store Store, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		locks:    ledger.NewLocker(),
		notifier: NopNotifier{},
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// inPair runs fn in one locked transaction for the pair.
func (c *Controller) inPair(ctx context.Context, walletID ledger.WalletID, currency ledger.Currency, fn func(Store) error) error {
	unlock := c.locks.Lock(walletID, currency)
	defer unlock()

	return c.store.WithBookingTx(ctx, func(s Store) error {
		if err := s.LockWallet(ctx, walletID, currency); err != nil {
			return fmt.Errorf("lock wallet %s/%s: %w", walletID, currency, err)
		}
		return fn(s)
	})
}

func (c *Controller) notify(ctx context.Context, typ EventType, b Booking, tx *ledger.Transaction) {
	ev := Event{Type: typ, Booking: b, Transaction: tx, OccurredAt: c.now()}
	go c.notifier.Notify(context.WithoutCancel(ctx), ev)
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates the request, places a hold on the payer's wallet and
// stores the booking as SUSPENDED_PAYMENT_BLOCKED. With AutoConfirm the hold
// is committed immediately and the booking is stored CONFIRMED.
//
// Fails with ErrInsufficientFunds when the payer cannot cover the price;
// nothing is persisted in that case.
func (c *Controller) Create(ctx context.Context, in CreateInput) (Booking, error) {
	now := c.now()
	if err := c.validateCreate(ctx, &in, now); err != nil {
		return Booking{}, err
	}

	if in.ID != "" {
		if existing, ok, err := c.replay(ctx, in); ok || err != nil {
			return existing, err
		}
	}

	walletID, err := c.payerWallet(ctx, in)
	if err != nil {
		return Booking{}, err
	}

	b := Booking{
		ID:             in.ID,
		UserID:         in.UserID,
		AgencyID:       in.AgencyID,
		WalletID:       walletID,
		FlightID:       in.FlightID,
		TotalPrice:     in.TotalPrice,
		Currency:       in.Currency,
		Status:         StatusPending,
		RefundPolicyID: in.RefundPolicyID,
		DepartureTime:  in.DepartureTime,
		BookingDate:    now,
		UpdatedAt:      now,
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	target := StatusSuspended
	if in.AutoConfirm {
		target = StatusConfirmed
	}

	var debit *ledger.Transaction
	err = c.inPair(ctx, walletID, in.Currency, func(s Store) error {
		if err := b.transition(target, now); err != nil {
			return err
		}
		hold, err := ledger.PlaceHold(ctx, s, ledger.HoldRequest{
			WalletID:  walletID,
			Currency:  in.Currency,
			Amount:    in.TotalPrice,
			BookingID: b.ID,
		}, now)
		if err != nil {
			return err
		}
		b.HoldID = hold.ID

		if in.AutoConfirm {
			tx, err := ledger.CommitHold(ctx, s, hold.ID, now)
			if err != nil {
				return err
			}
			debit = &tx
		}
		return s.InsertBooking(ctx, b)
	})
	if err != nil {
		if in.ID != "" && errors.Is(err, ledger.ErrConflict) {
			// A concurrent replay stored it first.
			if existing, ok, rerr := c.replay(ctx, in); ok || rerr != nil {
				return existing, rerr
			}
		}
		c.logger.Info("booking rejected at creation",
			zap.String("user_id", in.UserID),
			zap.String("wallet_id", string(walletID)),
			zap.String("amount", in.TotalPrice.String()),
			zap.String("currency", string(in.Currency)),
			zap.Error(err))
		return Booking{}, err
	}

	c.logger.Info("booking created",
		zap.String("booking_id", b.ID),
		zap.String("status", string(b.Status)),
		zap.String("hold_id", string(b.HoldID)),
		zap.String("wallet_id", string(walletID)),
		zap.String("amount", b.TotalPrice.String()),
		zap.String("currency", string(b.Currency)))
	// Auto-confirmed bookings carry their debit on the created event.
	c.notify(ctx, EventCreated, b, debit)
	return b, nil
}

func (c *Controller) validateCreate(ctx context.Context, in *CreateInput, now time.Time) error {
	in.ID = strings.TrimSpace(in.ID)
	in.UserID = strings.TrimSpace(in.UserID)
	in.AgencyID = strings.TrimSpace(in.AgencyID)
	in.FlightID = strings.TrimSpace(in.FlightID)
	in.RefundPolicyID = strings.TrimSpace(in.RefundPolicyID)

	if in.UserID == "" {
		return fmt.Errorf("%w: user id is required", ledger.ErrValidation)
	}
	if in.FlightID == "" {
		return fmt.Errorf("%w: flight id is required", ledger.ErrValidation)
	}
	currency, err := ledger.ParseCurrency(string(in.Currency))
	if err != nil {
		return err
	}
	in.Currency = currency

	if !in.TotalPrice.IsPositive() {
		return fmt.Errorf("%w: total price must be positive, got %s", ledger.ErrInvalidAmount, in.TotalPrice)
	}
	if !currency.Representable(in.TotalPrice) {
		return fmt.Errorf("%w: %s has more precision than %s allows", ledger.ErrInvalidAmount, in.TotalPrice, currency)
	}
	if in.DepartureTime.IsZero() {
		return fmt.Errorf("%w: departure time is required", ledger.ErrValidation)
	}
	if !in.DepartureTime.After(now) {
		return fmt.Errorf("%w: departure %s is not in the future", ledger.ErrValidation, in.DepartureTime.Format(time.RFC3339))
	}
	if in.RefundPolicyID != "" {
		if _, err := c.store.GetPolicy(ctx, in.RefundPolicyID); err != nil {
			return err
		}
	}
	return nil
}

// replay reports whether a booking with in.ID exists. A stored booking with
// a different payload is an ErrConflict.
func (c *Controller) replay(ctx context.Context, in CreateInput) (Booking, bool, error) {
	existing, err := c.store.GetBooking(ctx, in.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		return Booking{}, false, nil
	}
	if err != nil {
		return Booking{}, false, err
	}
	if !sameRequest(existing, in) {
		return Booking{}, false, fmt.Errorf("%w: booking %s already exists with a different payload", ledger.ErrConflict, in.ID)
	}
	return existing, true, nil
}

func sameRequest(b Booking, in CreateInput) bool {
	return b.UserID == in.UserID &&
		b.AgencyID == in.AgencyID &&
		b.FlightID == in.FlightID &&
		b.TotalPrice.Equal(in.TotalPrice) &&
		b.Currency == in.Currency &&
		b.RefundPolicyID == in.RefundPolicyID &&
		b.DepartureTime.Equal(in.DepartureTime)
}

// payerWallet resolves the wallet that pays: the agency's when set,
// otherwise the user's. An owner without a wallet has nothing to hold.
func (c *Controller) payerWallet(ctx context.Context, in CreateInput) (ledger.WalletID, error) {
	kind, owner := ledger.OwnerUser, in.UserID
	if in.AgencyID != "" {
		kind, owner = ledger.OwnerAgency, in.AgencyID
	}
	w, err := c.store.WalletByOwner(ctx, kind, ledger.OwnerID(owner))
	if errors.Is(err, ledger.ErrNotFound) {
		return "", &ledger.InsufficientFundsError{
			Currency:  in.Currency,
			Available: decimal.Zero,
			Requested: in.TotalPrice,
		}
	}
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

// =============================================================================
// SUSPENDED BOOKINGS
// =============================================================================

// Confirm commits the hold of a SUSPENDED_PAYMENT_BLOCKED booking, debiting
// the wallet exactly once, and marks the booking CONFIRMED.
func (c *Controller) Confirm(ctx context.Context, id string) (Booking, error) {
	b, err := c.store.GetBooking(ctx, id)
	if err != nil {
		return Booking{}, err
	}

	var debit ledger.Transaction
	err = c.inPair(ctx, b.WalletID, b.Currency, func(s Store) error {
		cur, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		from := cur.Status
		if from != StatusSuspended {
			return &ledger.StateTransitionError{Entity: "booking", ID: id, From: string(from), To: string(StatusConfirmed)}
		}
		if err := cur.transition(StatusConfirmed, c.now()); err != nil {
			return err
		}
		debit, err = ledger.CommitHold(ctx, s, cur.HoldID, cur.UpdatedAt)
		if err != nil {
			return err
		}
		if err := s.UpdateBooking(ctx, cur, from); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	c.logger.Info("booking confirmed",
		zap.String("booking_id", b.ID),
		zap.String("hold_id", string(b.HoldID)),
		zap.String("transaction_id", string(debit.ID)),
		zap.String("amount", debit.Amount.String()),
		zap.String("currency", string(b.Currency)))
	c.notify(ctx, EventConfirmed, b, &debit)
	return b, nil
}

// ConfirmHold confirms the booking a hold was placed for. A hold that is no
// longer ACTIVE reports *ledger.AlreadySettledError.
func (c *Controller) ConfirmHold(ctx context.Context, holdID ledger.HoldID) (Booking, error) {
	hold, err := c.activeHold(ctx, holdID)
	if err != nil {
		return Booking{}, err
	}
	b, err := c.Confirm(ctx, hold.BookingID)
	return b, c.settledSince(ctx, holdID, err)
}

// Reject releases the hold of a SUSPENDED_PAYMENT_BLOCKED booking and marks
// it CANCELLED. No ledger row is written.
func (c *Controller) Reject(ctx context.Context, id, reason string) (Booking, error) {
	b, err := c.store.GetBooking(ctx, id)
	if err != nil {
		return Booking{}, err
	}

	err = c.inPair(ctx, b.WalletID, b.Currency, func(s Store) error {
		cur, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		from := cur.Status
		if from != StatusSuspended {
			return &ledger.StateTransitionError{Entity: "booking", ID: id, From: string(from), To: string(StatusCancelled)}
		}
		now := c.now()
		if err := cur.transition(StatusCancelled, now); err != nil {
			return err
		}
		if _, err := ledger.ReleaseHold(ctx, s, cur.HoldID, now); err != nil {
			return err
		}
		cur.CancellationDate = &now
		cur.RejectionReason = strings.TrimSpace(reason)
		if err := s.UpdateBooking(ctx, cur, from); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	c.logger.Info("booking rejected",
		zap.String("booking_id", b.ID),
		zap.String("hold_id", string(b.HoldID)),
		zap.String("reason", b.RejectionReason))
	c.notify(ctx, EventRejected, b, nil)
	return b, nil
}

// RejectHold rejects the booking a hold was placed for.
func (c *Controller) RejectHold(ctx context.Context, holdID ledger.HoldID, reason string) (Booking, error) {
	hold, err := c.activeHold(ctx, holdID)
	if err != nil {
		return Booking{}, err
	}
	b, err := c.Reject(ctx, hold.BookingID, reason)
	return b, c.settledSince(ctx, holdID, err)
}

func (c *Controller) activeHold(ctx context.Context, holdID ledger.HoldID) (ledger.WalletHold, error) {
	hold, err := c.store.GetHold(ctx, holdID)
	if err != nil {
		return ledger.WalletHold{}, err
	}
	if hold.State.Settled() {
		return ledger.WalletHold{}, &ledger.AlreadySettledError{HoldID: holdID, State: hold.State}
	}
	return hold, nil
}

// settledSince maps a state conflict on the hold path to AlreadySettled when
// a concurrent confirm or reject settled the hold after activeHold saw it.
func (c *Controller) settledSince(ctx context.Context, holdID ledger.HoldID, err error) error {
	if !errors.Is(err, ledger.ErrInvalidStateTransition) {
		return err
	}
	if _, herr := c.activeHold(ctx, holdID); errors.Is(herr, ledger.ErrAlreadySettled) {
		return herr
	}
	return err
}

// =============================================================================
// CONFIRMED BOOKINGS
// =============================================================================

// CancelConfirmed cancels a CONFIRMED booking before departure. The refund
// policy decides the penalty; the remainder is credited back as a REFUND
// transaction (skipped when it is zero) and the booking becomes REFUNDED.
//
// A booking without a refund policy is treated as having no tiers, which
// forfeits the full price.
func (c *Controller) CancelConfirmed(ctx context.Context, id string, now time.Time) (Booking, error) {
	b, err := c.store.GetBooking(ctx, id)
	if err != nil {
		return Booking{}, err
	}

	var policy refund.Policy
	if b.RefundPolicyID != "" {
		if policy, err = c.store.GetPolicy(ctx, b.RefundPolicyID); err != nil {
			return Booking{}, err
		}
	}

	var credit *ledger.Transaction
	err = c.inPair(ctx, b.WalletID, b.Currency, func(s Store) error {
		cur, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		from := cur.Status
		if from != StatusConfirmed {
			return &ledger.StateTransitionError{Entity: "booking", ID: id, From: string(from), To: string(StatusRefunded)}
		}
		if !cur.DepartureTime.After(now) {
			return &ledger.StateTransitionError{
				Entity: "booking", ID: id, From: string(from), To: string(StatusRefunded),
				Reason: "flight has already departed",
			}
		}
		if err := cur.transition(StatusRefunded, now); err != nil {
			return err
		}

		penalty := refund.ComputePenalty(policy, cur.DepartureTime, now)
		split := refund.ComputeRefund(cur.TotalPrice, cur.Currency, penalty.Percent)
		outcome := &RefundOutcome{
			PenaltyPercent: split.PenaltyPercent,
			PenaltyAmount:  split.PenaltyAmount,
			RefundAmount:   split.RefundAmount,
		}
		if penalty.AppliedRule != nil {
			hours := penalty.AppliedRule.HoursBeforeDeparture
			outcome.AppliedHours = &hours
		}

		if split.RefundAmount.IsPositive() {
			tx, err := ledger.AppendEntry(ctx, s, ledger.Entry{
				WalletID:  cur.WalletID,
				Currency:  cur.Currency,
				Amount:    split.RefundAmount,
				Kind:      ledger.KindRefund,
				BookingID: cur.ID,
				HoldID:    cur.HoldID,
				Note:      fmt.Sprintf("refund after %s%% penalty", split.PenaltyPercent),
			}, now)
			if err != nil {
				return err
			}
			credit = &tx
		}

		cur.CancellationDate = &now
		cur.Refund = outcome
		if err := s.UpdateBooking(ctx, cur, from); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	c.logger.Info("confirmed booking cancelled",
		zap.String("booking_id", b.ID),
		zap.String("policy_id", b.RefundPolicyID),
		zap.String("penalty_percent", b.Refund.PenaltyPercent.String()),
		zap.String("penalty_amount", b.Refund.PenaltyAmount.String()),
		zap.String("refund_amount", b.Refund.RefundAmount.String()),
		zap.String("currency", string(b.Currency)))
	c.notify(ctx, EventRefunded, b, credit)
	return b, nil
}

// Complete marks a CONFIRMED booking whose flight has departed COMPLETED.
func (c *Controller) Complete(ctx context.Context, id string, now time.Time) (Booking, error) {
	var b Booking
	err := c.store.WithBookingTx(ctx, func(s Store) error {
		cur, err := s.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		from := cur.Status
		if from == StatusConfirmed && cur.DepartureTime.After(now) {
			return &ledger.StateTransitionError{
				Entity: "booking", ID: id, From: string(from), To: string(StatusCompleted),
				Reason: "flight has not departed",
			}
		}
		if err := cur.transition(StatusCompleted, now); err != nil {
			return err
		}
		if err := s.UpdateBooking(ctx, cur, from); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	c.logger.Info("booking completed", zap.String("booking_id", b.ID))
	c.notify(ctx, EventCompleted, b, nil)
	return b, nil
}

// CompleteDeparted completes every CONFIRMED booking departed at or before
// now. Bookings that fail are skipped and reported in the joined error.
func (c *Controller) CompleteDeparted(ctx context.Context, now time.Time) (int, error) {
	due, err := c.store.ListBookings(ctx, Filter{Status: StatusConfirmed, DepartedBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("list departed bookings: %w", err)
	}

	var (
		completed int
		errs      []error
	)
	for _, b := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := c.Complete(ctx, b.ID, now); err != nil {
			// Cancelled concurrently; nothing left to complete.
			if errors.Is(err, ledger.ErrInvalidStateTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("complete %s: %w", b.ID, err))
			continue
		}
		completed++
	}
	return completed, errors.Join(errs...)
}

// =============================================================================
// QUERIES
// =============================================================================

func (c *Controller) Get(ctx context.Context, id string) (Booking, error) {
	return c.store.GetBooking(ctx, id)
}

func (c *Controller) List(ctx context.Context, f Filter) ([]Booking, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ledger.ErrValidation, f.Status)
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ledger.ErrValidation)
	}
	if f.Limit == 0 {
		f.Limit = DefaultListLimit
	}
	return c.store.ListBookings(ctx, f)
}
