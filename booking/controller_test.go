package booking_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []booking.Event
}

func (r *recorder) Notify(_ context.Context, e booking.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) find(typ booking.EventType) (booking.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return e, true
		}
	}
	return booking.Event{}, false
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Manager
	ctrl   *booking.Controller
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	clock := func() time.Time { return now }
	mgr := ledger.NewManager(st, ledger.WithClock(clock))
	rec := &recorder{}
	ctrl := booking.NewController(st,
		booking.WithLocker(mgr.Locker()),
		booking.WithNotifier(rec),
		booking.WithClock(clock),
	)

	policy, err := factory.NewPolicyFactory().ParsePolicy(factory.TieredPolicyJSON("tiered", "Tiered"))
	require.NoError(t, err)
	require.NoError(t, st.SavePolicy(context.Background(), policy))

	return &fixture{store: st, ledger: mgr, ctrl: ctrl, events: rec}
}

// fund opens the owner's wallet and deposits amount IRR.
func (f *fixture) fund(t *testing.T, kind ledger.OwnerKind, owner, amount string) ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := f.ledger.OpenWallet(ctx, kind, ledger.OwnerID(owner))
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, w.ID, "IRR", dec(amount), "top-up")
	require.NoError(t, err)
	return w
}

func (f *fixture) balance(t *testing.T, w ledger.Wallet) ledger.Balance {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), w.ID, "IRR")
	require.NoError(t, err)
	return bal
}

func (f *fixture) transactions(t *testing.T, w ledger.Wallet) []ledger.Transaction {
	t.Helper()
	txs, err := f.ledger.Transactions(context.Background(), ledger.TransactionQuery{WalletID: w.ID})
	require.NoError(t, err)
	return txs
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func input(price string, departIn time.Duration) booking.CreateInput {
	return booking.CreateInput{
		UserID:         "user-1",
		FlightID:       "IR-712",
		TotalPrice:     dec(price),
		Currency:       "IRR",
		RefundPolicyID: "tiered",
		DepartureTime:  now.Add(departIn),
	}
}

func countKind(txs []ledger.Transaction, kind ledger.TransactionKind) int {
	n := 0
	for _, tx := range txs {
		if tx.Kind == kind {
			n++
		}
	}
	return n
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_PlacesHoldAndSuspends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: A user wallet with 1,000,000 IRR
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")

	// WHEN: Booking a 300,000 flight
	b, err := f.ctrl.Create(ctx, input("300000", 48*time.Hour))
	require.NoError(t, err)

	// THEN: The booking waits for payment with an active hold
	assert.Equal(t, booking.StatusSuspended, b.Status)
	assert.Equal(t, w.ID, b.WalletID)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, now, b.BookingDate)

	hold, err := f.ledger.Hold(ctx, b.HoldID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldActive, hold.State)
	assert.Equal(t, b.ID, hold.BookingID)

	bal := f.balance(t, w)
	assertDecimal(t, "1000000", bal.Settled)
	assertDecimal(t, "700000", bal.Available)
	assert.Len(t, f.transactions(t, w), 1, "only the deposit")

	assert.Eventually(t, func() bool {
		_, ok := f.events.find(booking.EventCreated)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestCreate_AutoConfirmDebits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")

	in := input("300000", 48*time.Hour)
	in.AutoConfirm = true
	b, err := f.ctrl.Create(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, booking.StatusConfirmed, b.Status)
	bal := f.balance(t, w)
	assertDecimal(t, "700000", bal.Settled)
	assertDecimal(t, "0", bal.Held)
	assert.Equal(t, 1, countKind(f.transactions(t, w), ledger.KindBookingPayment))

	// The created event carries the debit
	assert.Eventually(t, func() bool {
		ev, ok := f.events.find(booking.EventCreated)
		return ok && ev.Transaction != nil && ev.Transaction.Kind == ledger.KindBookingPayment
	}, time.Second, 10*time.Millisecond)
}

func TestCreate_InsufficientFundsPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")

	// WHEN: The price exceeds the available balance
	_, err := f.ctrl.Create(ctx, input("1500000", 48*time.Hour))

	// THEN: InsufficientFunds with the shortfall
	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assertDecimal(t, "500000", ife.Shortfall())

	// AND: No booking and no hold
	list, err := f.ctrl.List(ctx, booking.Filter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Empty(t, list)
	holds, err := f.ledger.ActiveHolds(ctx, w.ID, "IRR")
	require.NoError(t, err)
	assert.Empty(t, holds)
	assertDecimal(t, "1000000", f.balance(t, w).Available)
}

func TestCreate_AgencyWalletPays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.fund(t, ledger.OwnerUser, "user-1", "100")
	agency := f.fund(t, ledger.OwnerAgency, "agency-1", "1000000")

	in := input("300000", 48*time.Hour)
	in.AgencyID = "agency-1"
	b, err := f.ctrl.Create(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, agency.ID, b.WalletID)
	assertDecimal(t, "700000", f.balance(t, agency).Available)
	assertDecimal(t, "100", f.balance(t, user).Available)
}

func TestCreate_OwnerWithoutWallet(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.Create(context.Background(), input("300000", 48*time.Hour))

	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.True(t, ife.Available.IsZero())
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, ledger.OwnerUser, "user-1", "1000000")

	tests := []struct {
		name   string
		mutate func(in *booking.CreateInput)
		want   error
	}{
		{"missing user", func(in *booking.CreateInput) { in.UserID = " " }, ledger.ErrValidation},
		{"missing flight", func(in *booking.CreateInput) { in.FlightID = "" }, ledger.ErrValidation},
		{"bad currency", func(in *booking.CreateInput) { in.Currency = "RIAL" }, ledger.ErrUnsupportedCurrency},
		{"zero price", func(in *booking.CreateInput) { in.TotalPrice = decimal.Zero }, ledger.ErrInvalidAmount},
		{"negative price", func(in *booking.CreateInput) { in.TotalPrice = dec("-1") }, ledger.ErrInvalidAmount},
		{"fractional rial", func(in *booking.CreateInput) { in.TotalPrice = dec("10.5") }, ledger.ErrInvalidAmount},
		{"no departure", func(in *booking.CreateInput) { in.DepartureTime = time.Time{} }, ledger.ErrValidation},
		{"past departure", func(in *booking.CreateInput) { in.DepartureTime = now.Add(-time.Minute) }, ledger.ErrValidation},
		{"unknown policy", func(in *booking.CreateInput) { in.RefundPolicyID = "nope" }, ledger.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input("1000", 48*time.Hour)
			tt.mutate(&in)
			_, err := f.ctrl.Create(context.Background(), in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreate_Replay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")

	in := input("300000", 48*time.Hour)
	in.ID = "bk-replay"

	first, err := f.ctrl.Create(ctx, in)
	require.NoError(t, err)

	// WHEN: The same request is replayed
	second, err := f.ctrl.Create(ctx, in)

	// THEN: The stored booking is returned and nothing more is held
	require.NoError(t, err)
	assert.Equal(t, first.HoldID, second.HoldID)
	assertDecimal(t, "700000", f.balance(t, w).Available)

	// AND: A different payload under the same id conflicts
	in.TotalPrice = dec("200000")
	_, err = f.ctrl.Create(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

// =============================================================================
// CONFIRM / REJECT
// =============================================================================

func TestConfirm_CommitsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")
	b, err := f.ctrl.Create(ctx, input("300000", 48*time.Hour))
	require.NoError(t, err)

	confirmed, err := f.ctrl.Confirm(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, booking.StatusConfirmed, confirmed.Status)
	bal := f.balance(t, w)
	assertDecimal(t, "700000", bal.Settled)
	assertDecimal(t, "700000", bal.Available)

	txs := f.transactions(t, w)
	require.Equal(t, 1, countKind(txs, ledger.KindBookingPayment))
	assert.Equal(t, b.HoldID, txs[0].HoldID)
	assert.Equal(t, b.ID, txs[0].BookingID)

	// Confirming again is an invalid transition and debits nothing
	_, err = f.ctrl.Confirm(ctx, b.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
	assert.Equal(t, 1, countKind(f.transactions(t, w), ledger.KindBookingPayment))
	require.NoError(t, f.ledger.Verify(ctx, w.ID, "IRR"))

	assert.Eventually(t, func() bool {
		ev, ok := f.events.find(booking.EventConfirmed)
		return ok && ev.Transaction != nil
	}, time.Second, 10*time.Millisecond)
}

func TestConfirm_ConcurrentDebitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")
	b, err := f.ctrl.Create(ctx, input("300000", 48*time.Hour))
	require.NoError(t, err)

	// WHEN: Confirm and reject race on the same booking
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%4 == 0 {
				_, err = f.ctrl.Reject(ctx, b.ID, "payment declined")
			} else {
				_, err = f.ctrl.Confirm(ctx, b.ID)
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ledger.ErrInvalidStateTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one transition happened
	assert.Equal(t, 1, wins)
	stored, err := f.ctrl.Get(ctx, b.ID)
	require.NoError(t, err)

	debits := countKind(f.transactions(t, w), ledger.KindBookingPayment)
	switch stored.Status {
	case booking.StatusConfirmed:
		assert.Equal(t, 1, debits)
	case booking.StatusCancelled:
		assert.Equal(t, 0, debits)
	default:
		t.Fatalf("unexpected status %s", stored.Status)
	}
	assertDecimal(t, "0", f.balance(t, w).Held)
	require.NoError(t, f.ledger.Verify(ctx, w.ID, "IRR"))
}

func TestConfirmHold_ConcurrentLosersSeeAlreadySettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")
	b, err := f.ctrl.Create(ctx, input("300000", 48*time.Hour))
	require.NoError(t, err)

	// WHEN: Many admins settle the same hold at once
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var err error
			if i%4 == 0 {
				_, err = f.ctrl.RejectHold(ctx, b.HoldID, "payment declined")
			} else {
				_, err = f.ctrl.ConfirmHold(ctx, b.HoldID)
			}
			if err == nil {
				wins.Add(1)
				return
			}
			// THEN: Every loser learns the hold is settled
			var settled *ledger.AlreadySettledError
			if !errors.As(err, &settled) {
				t.Errorf("want AlreadySettledError, got %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.LessOrEqual(t, countKind(f.transactions(t, w), ledger.KindBookingPayment), 1)
}

func TestReject_ReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")
	b, err := f.ctrl.Create(ctx, input("300000", 48*time.Hour))
	require.NoError(t, err)

	rejected, err := f.ctrl.Reject(ctx, b.ID, "  card declined ")
	require.NoError(t, err)

	assert.Equal(t, booking.StatusCancelled, rejected.Status)
	assert.Equal(t, "card declined", rejected.RejectionReason)
	require.NotNil(t, rejected.CancellationDate)
	assertDecimal(t, "1000000", f.balance(t, w).Available)
	assert.Len(t, f.transactions(t, w), 1, "release writes no ledger row")

	hold, err := f.ledger.Hold(ctx, b.HoldID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldReleased, hold.State)
}

func TestHoldOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, ledger.OwnerUser, "user-1", "1000000")
	b1, err := f.ctrl.Create(ctx, input("100000", 48*time.Hour))
	require.NoError(t, err)
	b2, err := f.ctrl.Create(ctx, input("100000", 48*time.Hour))
	require.NoError(t, err)

	confirmed, err := f.ctrl.ConfirmHold(ctx, b1.HoldID)
	require.NoError(t, err)
	assert.Equal(t, b1.ID, confirmed.ID)
	assert.Equal(t, booking.StatusConfirmed, confirmed.Status)

	rejected, err := f.ctrl.RejectHold(ctx, b2.HoldID, "fraud check")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, rejected.Status)

	// Settled holds report their terminal state
	_, err = f.ctrl.ConfirmHold(ctx, b2.HoldID)
	var ase *ledger.AlreadySettledError
	require.ErrorAs(t, err, &ase)
	assert.Equal(t, ledger.HoldReleased, ase.State)

	_, err = f.ctrl.RejectHold(ctx, b1.HoldID, "")
	assert.ErrorIs(t, err, ledger.ErrAlreadySettled)

	_, err = f.ctrl.ConfirmHold(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// CANCEL CONFIRMED
// =============================================================================

func confirmedBooking(t *testing.T, f *fixture, price string, departIn time.Duration) (ledger.Wallet, booking.Booking) {
	t.Helper()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")
	in := input(price, departIn)
	in.AutoConfirm = true
	b, err := f.ctrl.Create(context.Background(), in)
	require.NoError(t, err)
	return w, b
}

func TestCancelConfirmed_Tiers(t *testing.T) {
	tests := []struct {
		name        string
		departIn    time.Duration
		wantPercent string
		wantRefund  string
		wantSettled string
	}{
		{"1h before keeps 10%", 1 * time.Hour, "10", "450000", "950000"},
		{"exactly 12h keeps 50%", 12 * time.Hour, "50", "250000", "750000"},
		{"15h before forfeits all", 15 * time.Hour, "100", "0", "500000"},
		{"30h before matches no tier", 30 * time.Hour, "100", "0", "500000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			w, b := confirmedBooking(t, f, "500000", tt.departIn)

			refunded, err := f.ctrl.CancelConfirmed(ctx, b.ID, now)
			require.NoError(t, err)

			assert.Equal(t, booking.StatusRefunded, refunded.Status)
			require.NotNil(t, refunded.Refund)
			assertDecimal(t, tt.wantPercent, refunded.Refund.PenaltyPercent)
			assertDecimal(t, tt.wantRefund, refunded.Refund.RefundAmount)
			assertDecimal(t, tt.wantSettled, f.balance(t, w).Settled)

			refunds := countKind(f.transactions(t, w), ledger.KindRefund)
			if dec(tt.wantRefund).IsZero() {
				assert.Equal(t, 0, refunds, "no zero-amount refund row")
			} else {
				assert.Equal(t, 1, refunds)
			}
			require.NoError(t, f.ledger.Verify(ctx, w.ID, "IRR"))
		})
	}
}

func TestCancelConfirmed_RecordsAppliedTier(t *testing.T) {
	f := newFixture(t)
	_, b := confirmedBooking(t, f, "500000", time.Hour)

	refunded, err := f.ctrl.CancelConfirmed(context.Background(), b.ID, now)
	require.NoError(t, err)

	require.NotNil(t, refunded.Refund.AppliedHours)
	assert.Equal(t, 2, *refunded.Refund.AppliedHours)
	assertDecimal(t, "50000", refunded.Refund.PenaltyAmount)

	stored, err := f.ctrl.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Refund)
	assertDecimal(t, "450000", stored.Refund.RefundAmount)
}

func TestCancelConfirmed_WithoutPolicyForfeitsAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fund(t, ledger.OwnerUser, "user-1", "1000000")
	in := input("500000", time.Hour)
	in.RefundPolicyID = ""
	in.AutoConfirm = true
	b, err := f.ctrl.Create(ctx, in)
	require.NoError(t, err)

	refunded, err := f.ctrl.CancelConfirmed(ctx, b.ID, now)
	require.NoError(t, err)

	assertDecimal(t, "100", refunded.Refund.PenaltyPercent)
	assert.Nil(t, refunded.Refund.AppliedHours)
	assert.Equal(t, 0, countKind(f.transactions(t, w), ledger.KindRefund))
}

func TestCancelConfirmed_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, ledger.OwnerUser, "user-1", "1000000")

	// A suspended booking cannot be refunded
	suspended, err := f.ctrl.Create(ctx, input("100000", 48*time.Hour))
	require.NoError(t, err)
	_, err = f.ctrl.CancelConfirmed(ctx, suspended.ID, now)
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)

	// Nor can a flight that has departed
	in := input("100000", time.Hour)
	in.AutoConfirm = true
	departed, err := f.ctrl.Create(ctx, in)
	require.NoError(t, err)
	_, err = f.ctrl.CancelConfirmed(ctx, departed.ID, now.Add(2*time.Hour))
	var ste *ledger.StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, "flight has already departed", ste.Reason)

	// Refunding twice fails the second time
	in = input("100000", 48*time.Hour)
	in.AutoConfirm = true
	twice, err := f.ctrl.Create(ctx, in)
	require.NoError(t, err)
	_, err = f.ctrl.CancelConfirmed(ctx, twice.ID, now)
	require.NoError(t, err)
	_, err = f.ctrl.CancelConfirmed(ctx, twice.ID, now)
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)

	_, err = f.ctrl.CancelConfirmed(ctx, "missing", now)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// COMPLETE
// =============================================================================

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, b := confirmedBooking(t, f, "100000", 3*time.Hour)

	_, err := f.ctrl.Complete(ctx, b.ID, now)
	var ste *ledger.StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, "flight has not departed", ste.Reason)

	completed, err := f.ctrl.Complete(ctx, b.ID, now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCompleted, completed.Status)

	_, err = f.ctrl.CancelConfirmed(ctx, b.ID, now)
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
}

func TestCompleteDeparted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, ledger.OwnerUser, "user-1", "1000000")

	create := func(departIn time.Duration, confirm bool) booking.Booking {
		in := input("10000", departIn)
		in.AutoConfirm = confirm
		b, err := f.ctrl.Create(ctx, in)
		require.NoError(t, err)
		return b
	}
	early := create(time.Hour, true)
	late := create(10*time.Hour, true)
	suspended := create(time.Hour, false)

	// WHEN: The sweep runs two hours later
	n, err := f.ctrl.CompleteDeparted(ctx, now.Add(2*time.Hour))

	// THEN: Only the departed confirmed booking completes
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]booking.Status{
		early.ID:     booking.StatusCompleted,
		late.ID:      booking.StatusConfirmed,
		suspended.ID: booking.StatusSuspended,
	} {
		got, err := f.ctrl.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	assert.Eventually(t, func() bool {
		_, ok := f.events.find(booking.EventCompleted)
		return ok
	}, time.Second, 10*time.Millisecond)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, ledger.OwnerUser, "user-1", "1000000")
	for i := 0; i < 3; i++ {
		in := input("1000", 48*time.Hour)
		in.ID = fmt.Sprintf("bk-%d", i)
		_, err := f.ctrl.Create(ctx, in)
		require.NoError(t, err)
	}
	_, err := f.ctrl.Confirm(ctx, "bk-1")
	require.NoError(t, err)

	all, err := f.ctrl.List(ctx, booking.Filter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	confirmed, err := f.ctrl.List(ctx, booking.Filter{Status: booking.StatusConfirmed})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "bk-1", confirmed[0].ID)

	limited, err := f.ctrl.List(ctx, booking.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = f.ctrl.List(ctx, booking.Filter{Status: "LOST"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = f.ctrl.List(ctx, booking.Filter{Limit: -1})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.ctrl.Get(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
