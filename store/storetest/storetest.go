// Package storetest is a conformance suite shared by every booking.Store
// implementation. Each store package calls Run from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/refund"
)

// Store is what a backend must provide to pass the suite.
type Store interface {
	booking.Store
	WithTx(ctx context.Context, fn func(ledger.Store) error) error
}

// Factory returns a fresh, empty store. It registers its own cleanup.
type Factory func(t *testing.T) Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Wallets", func(t *testing.T) { testWallets(t, newStore(t)) })
	t.Run("LedgerAppendAndBalance", func(t *testing.T) { testLedgerAppend(t, newStore(t)) })
	t.Run("TransactionPaging", func(t *testing.T) { testTransactionPaging(t, newStore(t)) })
	t.Run("Holds", func(t *testing.T) { testHolds(t, newStore(t)) })
	t.Run("OneActiveHoldPerBooking", func(t *testing.T) { testOneActiveHold(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Currencies", func(t *testing.T) { testCurrencies(t, newStore(t)) })
	t.Run("RefundPolicies", func(t *testing.T) { testPolicies(t, newStore(t)) })
	t.Run("Bookings", func(t *testing.T) { testBookings(t, newStore(t)) })
	t.Run("BookingFilters", func(t *testing.T) { testBookingFilters(t, newStore(t)) })
}

// =============================================================================
// HELPERS
// =============================================================================

// base is truncated to microseconds, the finest precision every backend keeps.
var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func mustWallet(t *testing.T, s Store, owner string) ledger.Wallet {
	t.Helper()
	w := ledger.Wallet{
		ID:        ledger.NewWalletID(),
		OwnerID:   ledger.OwnerID(owner),
		OwnerKind: ledger.OwnerUser,
		CreatedAt: base,
	}
	require.NoError(t, s.CreateWallet(context.Background(), w))
	return w
}

func txn(w ledger.WalletID, currency ledger.Currency, amount string, kind ledger.TransactionKind, when time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:        ledger.NewTransactionID(when),
		WalletID:  w,
		Currency:  currency,
		Amount:    dec(amount),
		Kind:      kind,
		CreatedAt: when,
	}
}

func hold(w ledger.WalletID, currency ledger.Currency, amount, bookingID string) ledger.WalletHold {
	return ledger.WalletHold{
		ID:        ledger.NewHoldID(),
		WalletID:  w,
		Currency:  currency,
		Amount:    dec(amount),
		BookingID: bookingID,
		State:     ledger.HoldActive,
		CreatedAt: base,
	}
}

func newBooking(id string, w ledger.Wallet, departure time.Time) booking.Booking {
	return booking.Booking{
		ID:            id,
		UserID:        string(w.OwnerID),
		WalletID:      w.ID,
		FlightID:      "IR-712",
		TotalPrice:    dec("500000"),
		Currency:      "IRR",
		Status:        booking.StatusSuspended,
		HoldID:        ledger.NewHoldID(),
		DepartureTime: departure,
		BookingDate:   base,
		UpdatedAt:     base,
	}
}

// =============================================================================
// WALLETS
// =============================================================================

func testWallets(t *testing.T, s Store) {
	ctx := context.Background()

	// GIVEN: A wallet for user-1
	w := mustWallet(t, s, "user-1")

	// THEN: It can be read by id and by owner
	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.OwnerID, got.OwnerID)
	assert.Equal(t, ledger.OwnerUser, got.OwnerKind)
	assert.True(t, base.Equal(got.CreatedAt))

	byOwner, err := s.WalletByOwner(ctx, ledger.OwnerUser, "user-1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, byOwner.ID)

	// WHEN: A second wallet is created for the same owner
	err = s.CreateWallet(ctx, ledger.Wallet{ID: ledger.NewWalletID(), OwnerID: "user-1", OwnerKind: ledger.OwnerUser, CreatedAt: base})
	// THEN: Conflict
	assert.ErrorIs(t, err, ledger.ErrConflict)

	// An agency may share the owner id of a user
	require.NoError(t, s.CreateWallet(ctx, ledger.Wallet{ID: ledger.NewWalletID(), OwnerID: "user-1", OwnerKind: ledger.OwnerAgency, CreatedAt: base}))

	_, err = s.GetWallet(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.WalletByOwner(ctx, ledger.OwnerUser, "nobody")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// LEDGER
// =============================================================================

func testLedgerAppend(t *testing.T, s Store) {
	ctx := context.Background()
	w := mustWallet(t, s, "user-1")

	// GIVEN: A deposit and a withdrawal
	require.NoError(t, s.AppendTransaction(ctx, txn(w.ID, "USD", "100.50", ledger.KindDeposit, at(1))))
	require.NoError(t, s.AppendTransaction(ctx, txn(w.ID, "USD", "-20.25", ledger.KindWithdrawal, at(2))))

	// THEN: Settled equals the sum of the rows
	bal, err := s.Balance(ctx, w.ID, "USD")
	require.NoError(t, err)
	assertDecimal(t, "80.25", bal.Settled)
	assertDecimal(t, "0", bal.Held)
	assertDecimal(t, "80.25", bal.Available)

	sum, err := s.SumTransactions(ctx, w.ID, "USD")
	require.NoError(t, err)
	assertDecimal(t, "80.25", sum)

	// Other currencies are independent
	bal, err = s.Balance(ctx, w.ID, "EUR")
	require.NoError(t, err)
	assertDecimal(t, "0", bal.Settled)

	// WHEN: Appending to an unknown wallet
	err = s.AppendTransaction(ctx, txn("missing", "USD", "1", ledger.KindDeposit, at(3)))
	// THEN: NotFound
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// WHEN: Appending a duplicate id
	dup := txn(w.ID, "USD", "5", ledger.KindDeposit, at(4))
	require.NoError(t, s.AppendTransaction(ctx, dup))
	assert.ErrorIs(t, s.AppendTransaction(ctx, dup), ledger.ErrConflict)

	// THEN: The duplicate did not move the balance
	bal, err = s.Balance(ctx, w.ID, "USD")
	require.NoError(t, err)
	assertDecimal(t, "85.25", bal.Settled)
}

func testTransactionPaging(t *testing.T, s Store) {
	ctx := context.Background()
	w := mustWallet(t, s, "user-1")

	var ids []ledger.TransactionID
	for i := 1; i <= 5; i++ {
		tx := txn(w.ID, "IRR", "1000", ledger.KindDeposit, at(i))
		require.NoError(t, s.AppendTransaction(ctx, tx))
		ids = append(ids, tx.ID)
	}
	require.NoError(t, s.AppendTransaction(ctx, txn(w.ID, "USD", "1", ledger.KindDeposit, at(6))))

	// WHEN: Listing IRR two at a time
	page1, err := s.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID, Currency: "IRR", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	// THEN: Newest first
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)
	assertDecimal(t, "1000", page1[0].Amount)
	assert.Equal(t, ledger.KindDeposit, page1[0].Kind)

	page2, err := s.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID, Currency: "IRR", Before: page1[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[2], page2[0].ID)
	assert.Equal(t, ids[1], page2[1].ID)

	page3, err := s.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID, Currency: "IRR", Before: page2[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)

	// Without a currency every row is returned
	all, err := s.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

// =============================================================================
// HOLDS
// =============================================================================

func testHolds(t *testing.T, s Store) {
	ctx := context.Background()
	w := mustWallet(t, s, "user-1")
	require.NoError(t, s.AppendTransaction(ctx, txn(w.ID, "IRR", "1000000", ledger.KindDeposit, at(1))))

	// GIVEN: Two active holds
	h1 := hold(w.ID, "IRR", "500000", "bk-1")
	h2 := hold(w.ID, "IRR", "200000", "bk-2")
	require.NoError(t, s.InsertHold(ctx, h1))
	require.NoError(t, s.InsertHold(ctx, h2))

	// THEN: Held is their sum
	bal, err := s.Balance(ctx, w.ID, "IRR")
	require.NoError(t, err)
	assertDecimal(t, "1000000", bal.Settled)
	assertDecimal(t, "700000", bal.Held)
	assertDecimal(t, "300000", bal.Available)

	// WHEN: The first is committed
	require.NoError(t, s.SettleHold(ctx, h1.ID, ledger.HoldCommitted, at(5)))

	got, err := s.GetHold(ctx, h1.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldCommitted, got.State)
	require.NotNil(t, got.SettledAt)
	assert.True(t, at(5).Equal(*got.SettledAt))
	assertDecimal(t, "500000", got.Amount)

	// THEN: A second settlement reports the state it found
	err = s.SettleHold(ctx, h1.ID, ledger.HoldReleased, at(6))
	var settled *ledger.AlreadySettledError
	require.ErrorAs(t, err, &settled)
	assert.Equal(t, ledger.HoldCommitted, settled.State)
	assert.ErrorIs(t, err, ledger.ErrAlreadySettled)

	// Query by state and by booking
	active, err := s.Holds(ctx, ledger.HoldQuery{WalletID: w.ID, Currency: "IRR", State: ledger.HoldActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, h2.ID, active[0].ID)

	forBooking, err := s.Holds(ctx, ledger.HoldQuery{BookingID: "bk-1"})
	require.NoError(t, err)
	require.Len(t, forBooking, 1)
	assert.Equal(t, h1.ID, forBooking[0].ID)

	_, err = s.GetHold(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, s.SettleHold(ctx, "missing", ledger.HoldReleased, at(7)), ledger.ErrNotFound)
}

func testOneActiveHold(t *testing.T, s Store) {
	ctx := context.Background()
	w := mustWallet(t, s, "user-1")

	h1 := hold(w.ID, "IRR", "100", "bk-1")
	require.NoError(t, s.InsertHold(ctx, h1))

	// A second ACTIVE hold for the same booking is refused
	err := s.InsertHold(ctx, hold(w.ID, "IRR", "100", "bk-1"))
	assert.ErrorIs(t, err, ledger.ErrConflict)

	// Once released, a new hold may be placed
	require.NoError(t, s.SettleHold(ctx, h1.ID, ledger.HoldReleased, at(1)))
	require.NoError(t, s.InsertHold(ctx, hold(w.ID, "IRR", "100", "bk-1")))
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	w := mustWallet(t, s, "user-1")
	require.NoError(t, s.AppendTransaction(ctx, txn(w.ID, "USD", "10", ledger.KindDeposit, at(1))))
	h := hold(w.ID, "USD", "4", "bk-1")
	require.NoError(t, s.InsertHold(ctx, h))

	boom := errors.New("boom")

	// WHEN: A unit of work writes and then fails
	err := s.WithBookingTx(ctx, func(tx booking.Store) error {
		require.NoError(t, tx.AppendTransaction(ctx, txn(w.ID, "USD", "-4", ledger.KindBookingPayment, at(2))))
		require.NoError(t, tx.SettleHold(ctx, h.ID, ledger.HoldCommitted, at(2)))
		require.NoError(t, tx.InsertBooking(ctx, newBooking("bk-1", w, at(600))))

		// Writes are visible inside the transaction
		bal, err := tx.Balance(ctx, w.ID, "USD")
		require.NoError(t, err)
		assertDecimal(t, "6", bal.Settled)
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN: Nothing persisted
	bal, err := s.Balance(ctx, w.ID, "USD")
	require.NoError(t, err)
	assertDecimal(t, "10", bal.Settled)
	assertDecimal(t, "4", bal.Held)

	got, err := s.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldActive, got.State)

	_, err = s.GetBooking(ctx, "bk-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	txs, err := s.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID})
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// WHEN: The same unit succeeds through the ledger view
	err = s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.SettleHold(ctx, h.ID, ledger.HoldCommitted, at(3)); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, txn(w.ID, "USD", "-4", ledger.KindBookingPayment, at(3)))
	})
	require.NoError(t, err)

	bal, err = s.Balance(ctx, w.ID, "USD")
	require.NoError(t, err)
	assertDecimal(t, "6", bal.Settled)
	assertDecimal(t, "0", bal.Held)
	assertDecimal(t, "6", bal.Available)
}

func testCurrencies(t *testing.T, s Store) {
	ctx := context.Background()
	w := mustWallet(t, s, "user-1")

	cs, err := s.Currencies(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, cs)

	require.NoError(t, s.AppendTransaction(ctx, txn(w.ID, "USD", "1", ledger.KindDeposit, at(1))))
	require.NoError(t, s.AppendTransaction(ctx, txn(w.ID, "IRR", "1", ledger.KindDeposit, at(2))))
	require.NoError(t, s.AppendTransaction(ctx, txn(w.ID, "USD", "1", ledger.KindDeposit, at(3))))

	cs, err = s.Currencies(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Currency{"IRR", "USD"}, cs)
}

// =============================================================================
// REFUND POLICIES
// =============================================================================

func testPolicies(t *testing.T, s Store) {
	ctx := context.Background()

	p := refund.Policy{
		ID:   "tiered",
		Name: "Tiered",
		Rules: []refund.Rule{
			{HoursBeforeDeparture: 24, PenaltyPercentage: dec("100")},
			{HoursBeforeDeparture: 2, PenaltyPercentage: dec("10")},
			{HoursBeforeDeparture: 12, PenaltyPercentage: dec("50")},
		},
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, s.SavePolicy(ctx, p))

	got, err := s.GetPolicy(ctx, "tiered")
	require.NoError(t, err)
	assert.Equal(t, "Tiered", got.Name)
	require.Len(t, got.Rules, 3)
	sorted := got.SortedRules()
	assert.Equal(t, 2, sorted[0].HoursBeforeDeparture)
	assertDecimal(t, "10", sorted[0].PenaltyPercentage)
	assert.Equal(t, 24, sorted[2].HoursBeforeDeparture)

	// Saving again replaces name and tiers and keeps the creation time
	p.Name = "Tiered v2"
	p.Rules = p.Rules[:1]
	p.CreatedAt = at(60)
	p.UpdatedAt = at(60)
	require.NoError(t, s.SavePolicy(ctx, p))

	got, err = s.GetPolicy(ctx, "tiered")
	require.NoError(t, err)
	assert.Equal(t, "Tiered v2", got.Name)
	assert.Len(t, got.Rules, 1)
	assert.True(t, base.Equal(got.CreatedAt))
	assert.True(t, at(60).Equal(got.UpdatedAt))

	require.NoError(t, s.SavePolicy(ctx, refund.Policy{ID: "flat", Name: "Flat", CreatedAt: base, UpdatedAt: base}))
	list, err := s.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "flat", list[0].ID)
	assert.Empty(t, list[0].Rules)

	require.NoError(t, s.DeletePolicy(ctx, "flat"))
	_, err = s.GetPolicy(ctx, "flat")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, s.DeletePolicy(ctx, "flat"), ledger.ErrNotFound)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func testBookings(t *testing.T, s Store) {
	ctx := context.Background()
	w := mustWallet(t, s, "user-1")

	b := newBooking("bk-1", w, at(24*60))
	b.AgencyID = "agency-9"
	b.RefundPolicyID = "tiered"
	require.NoError(t, s.InsertBooking(ctx, b))
	assert.ErrorIs(t, s.InsertBooking(ctx, b), ledger.ErrConflict)

	got, err := s.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusSuspended, got.Status)
	assert.Equal(t, "agency-9", got.AgencyID)
	assert.Equal(t, w.ID, got.WalletID)
	assert.Equal(t, b.HoldID, got.HoldID)
	assert.Equal(t, ledger.Currency("IRR"), got.Currency)
	assertDecimal(t, "500000", got.TotalPrice)
	assert.True(t, b.DepartureTime.Equal(got.DepartureTime))
	assert.Nil(t, got.CancellationDate)
	assert.Nil(t, got.Refund)

	// WHEN: Updating from the stored status
	cancelled := at(30)
	hours := 2
	got.Status = booking.StatusRefunded
	got.CancellationDate = &cancelled
	got.UpdatedAt = cancelled
	got.Refund = &booking.RefundOutcome{
		PenaltyPercent: dec("10"),
		PenaltyAmount:  dec("50000"),
		RefundAmount:   dec("450000"),
		AppliedHours:   &hours,
	}
	require.NoError(t, s.UpdateBooking(ctx, got, booking.StatusSuspended))

	// THEN: Every audit field round-trips
	stored, err := s.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusRefunded, stored.Status)
	require.NotNil(t, stored.CancellationDate)
	assert.True(t, cancelled.Equal(*stored.CancellationDate))
	require.NotNil(t, stored.Refund)
	assertDecimal(t, "10", stored.Refund.PenaltyPercent)
	assertDecimal(t, "50000", stored.Refund.PenaltyAmount)
	assertDecimal(t, "450000", stored.Refund.RefundAmount)
	require.NotNil(t, stored.Refund.AppliedHours)
	assert.Equal(t, 2, *stored.Refund.AppliedHours)

	// WHEN: Updating from a stale status
	stored.Status = booking.StatusCompleted
	err = s.UpdateBooking(ctx, stored, booking.StatusSuspended)
	// THEN: Rejected, nothing changes
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
	again, err := s.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusRefunded, again.Status)

	_, err = s.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testBookingFilters(t *testing.T, s Store) {
	ctx := context.Background()
	w1 := mustWallet(t, s, "user-1")
	w2 := mustWallet(t, s, "user-2")

	b1 := newBooking("bk-1", w1, at(60))
	b1.Status = booking.StatusConfirmed
	b2 := newBooking("bk-2", w1, at(120))
	b2.Status = booking.StatusConfirmed
	b2.BookingDate = at(1)
	b3 := newBooking("bk-3", w2, at(30))
	b3.BookingDate = at(2)
	for _, b := range []booking.Booking{b1, b2, b3} {
		require.NoError(t, s.InsertBooking(ctx, b))
	}

	// By user, newest booking first
	mine, err := s.ListBookings(ctx, booking.Filter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "bk-2", mine[0].ID)
	assert.Equal(t, "bk-1", mine[1].ID)

	// By status and departure
	cutoff := at(60)
	due, err := s.ListBookings(ctx, booking.Filter{Status: booking.StatusConfirmed, DepartedBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "bk-1", due[0].ID)

	byWallet, err := s.ListBookings(ctx, booking.Filter{WalletID: w2.ID})
	require.NoError(t, err)
	require.Len(t, byWallet, 1)
	assert.Equal(t, "bk-3", byWallet[0].ID)

	limited, err := s.ListBookings(ctx, booking.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
