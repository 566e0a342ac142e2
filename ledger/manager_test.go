package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store/memory"
	"github.com/warp/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type storeFactory struct {
	name string
	new  func(t *testing.T) ledger.TxStore
}

var stores = []storeFactory{
	{name: "memory", new: func(t *testing.T) ledger.TxStore { return memory.New() }},
	{name: "sqlite", new: func(t *testing.T) ledger.TxStore {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// forEachStore runs fn against a fresh manager for every store backend.
func forEachStore(t *testing.T, fn func(t *testing.T, m *ledger.Manager)) {
	for _, sf := range stores {
		t.Run(sf.name, func(t *testing.T) {
			fn(t, ledger.NewManager(sf.new(t)))
		})
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// fundedWallet opens a user wallet and deposits amount in currency.
func fundedWallet(t *testing.T, m *ledger.Manager, owner string, currency ledger.Currency, amount string) ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := m.OpenWallet(ctx, ledger.OwnerUser, ledger.OwnerID(owner))
	require.NoError(t, err)
	_, err = m.Deposit(ctx, w.ID, currency, dec(amount), "top-up")
	require.NoError(t, err)
	return w
}

// =============================================================================
// WALLETS
// =============================================================================

func TestManager_OpenWallet(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()

		w1, err := m.OpenWallet(ctx, ledger.OwnerUser, "user-1")
		require.NoError(t, err)
		w2, err := m.OpenWallet(ctx, ledger.OwnerUser, "user-1")
		require.NoError(t, err)
		assert.Equal(t, w1.ID, w2.ID, "one wallet per owner")

		agency, err := m.OpenWallet(ctx, ledger.OwnerAgency, "user-1")
		require.NoError(t, err)
		assert.NotEqual(t, w1.ID, agency.ID, "owner kind is part of the key")

		_, err = m.OpenWallet(ctx, "robot", "r-1")
		assert.ErrorIs(t, err, ledger.ErrValidation)
		_, err = m.OpenWallet(ctx, ledger.OwnerUser, "  ")
		assert.ErrorIs(t, err, ledger.ErrValidation)

		_, err = m.Wallet(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestManager_HoldThenCommit(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()

		// GIVEN: A wallet with 1,000,000 IRR
		w := fundedWallet(t, m, "user-1", "IRR", "1000000")

		// WHEN: A 300,000 hold is placed
		hold, err := m.Place(ctx, ledger.HoldRequest{
			WalletID: w.ID, Currency: "IRR", Amount: dec("300000"), BookingID: "bk-1",
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.HoldActive, hold.State)

		// THEN: Available drops, settled does not
		bal, err := m.Balance(ctx, w.ID, "IRR")
		require.NoError(t, err)
		assertDecimal(t, "1000000", bal.Settled)
		assertDecimal(t, "300000", bal.Held)
		assertDecimal(t, "700000", bal.Available)

		// WHEN: The hold is committed
		tx, err := m.Commit(ctx, hold.ID)
		require.NoError(t, err)

		// THEN: One BOOKING_PAYMENT debit linked to the hold
		assert.Equal(t, ledger.KindBookingPayment, tx.Kind)
		assert.Equal(t, hold.ID, tx.HoldID)
		assert.Equal(t, "bk-1", tx.BookingID)
		assertDecimal(t, "-300000", tx.Amount)

		bal, err = m.Balance(ctx, w.ID, "IRR")
		require.NoError(t, err)
		assertDecimal(t, "700000", bal.Settled)
		assertDecimal(t, "0", bal.Held)
		assertDecimal(t, "700000", bal.Available)

		committed, err := m.Hold(ctx, hold.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.HoldCommitted, committed.State)
		assert.NotNil(t, committed.SettledAt)

		require.NoError(t, m.Verify(ctx, w.ID, "IRR"))
	})
}

func TestManager_InsufficientFundsLeavesNoTrace(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()

		// GIVEN: 1,000,000 IRR with 600,000 already held
		w := fundedWallet(t, m, "user-1", "IRR", "1000000")
		_, err := m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "IRR", Amount: dec("600000"), BookingID: "bk-1"})
		require.NoError(t, err)

		// WHEN: A hold larger than the remaining 400,000 is requested
		_, err = m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "IRR", Amount: dec("500000"), BookingID: "bk-2"})

		// THEN: The error carries the shortfall
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		var ife *ledger.InsufficientFundsError
		require.True(t, errors.As(err, &ife))
		assertDecimal(t, "400000", ife.Available)
		assertDecimal(t, "500000", ife.Requested)
		assertDecimal(t, "100000", ife.Shortfall())

		// AND: No hold was written for bk-2
		_, err = m.HoldForBooking(ctx, "bk-2")
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		// AND: Withdrawals obey the same rule
		_, err = m.Withdraw(ctx, w.ID, "IRR", dec("400001"), "")
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		_, err = m.Withdraw(ctx, w.ID, "IRR", dec("400000"), "")
		require.NoError(t, err)

		bal, err := m.Balance(ctx, w.ID, "IRR")
		require.NoError(t, err)
		assertDecimal(t, "0", bal.Available)
	})
}

func TestManager_ReleaseRestoresAvailable(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()
		w := fundedWallet(t, m, "user-1", "USD", "100.00")

		hold, err := m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "USD", Amount: dec("40.50"), BookingID: "bk-1"})
		require.NoError(t, err)

		released, err := m.Release(ctx, hold.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.HoldReleased, released.State)

		bal, err := m.Balance(ctx, w.ID, "USD")
		require.NoError(t, err)
		assertDecimal(t, "100", bal.Available)

		// Nothing was written to the ledger
		txs, err := m.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID})
		require.NoError(t, err)
		assert.Len(t, txs, 1)

		// A settled hold cannot be settled again either way
		_, err = m.Commit(ctx, hold.ID)
		var ase *ledger.AlreadySettledError
		require.True(t, errors.As(err, &ase))
		assert.Equal(t, ledger.HoldReleased, ase.State)
		_, err = m.Release(ctx, hold.ID)
		assert.ErrorIs(t, err, ledger.ErrAlreadySettled)

		// The booking may be held again once its previous hold settled
		_, err = m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "USD", Amount: dec("10"), BookingID: "bk-1"})
		require.NoError(t, err)
		active, err := m.HoldForBooking(ctx, "bk-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.HoldActive, active.State)
	})
}

func TestManager_OneActiveHoldPerBooking(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()
		w := fundedWallet(t, m, "user-1", "USD", "100")

		_, err := m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "USD", Amount: dec("10"), BookingID: "bk-1"})
		require.NoError(t, err)
		_, err = m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "USD", Amount: dec("10"), BookingID: "bk-1"})
		assert.ErrorIs(t, err, ledger.ErrConflict)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestManager_ConcurrentCommitDebitsOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()

		// GIVEN: One active hold
		w := fundedWallet(t, m, "user-1", "IRR", "1000000")
		hold, err := m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "IRR", Amount: dec("300000"), BookingID: "bk-1"})
		require.NoError(t, err)

		// WHEN: 20 goroutines race to commit or release it
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			settled   int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					_, err = m.Commit(ctx, hold.ID)
				} else {
					_, err = m.Release(ctx, hold.ID)
				}
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ledger.ErrAlreadySettled):
					settled++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		// THEN: Exactly one settle won
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 19, settled)

		// AND: At most one debit exists and the books balance
		txs, err := m.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID})
		require.NoError(t, err)
		debits := 0
		for _, tx := range txs {
			if tx.Kind == ledger.KindBookingPayment {
				debits++
			}
		}
		assert.LessOrEqual(t, debits, 1)
		require.NoError(t, m.Verify(ctx, w.ID, "IRR"))

		bal, err := m.Balance(ctx, w.ID, "IRR")
		require.NoError(t, err)
		assertDecimal(t, "0", bal.Held)
	})
}

func TestManager_TwoLargeHoldsOnlyOneFits(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()
		w := fundedWallet(t, m, "user-1", "IRR", "1000000")

		errs := make(chan error, 2)
		for _, id := range []string{"bk-a", "bk-b"} {
			go func(id string) {
				_, err := m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "IRR", Amount: dec("600000"), BookingID: id})
				errs <- err
			}(id)
		}
		first, second := <-errs, <-errs

		if first == nil {
			assert.ErrorIs(t, second, ledger.ErrInsufficientFunds)
		} else {
			assert.ErrorIs(t, first, ledger.ErrInsufficientFunds)
			assert.NoError(t, second)
		}
		bal, err := m.Balance(ctx, w.ID, "IRR")
		require.NoError(t, err)
		assertDecimal(t, "400000", bal.Available)
	})
}

func TestManager_ConcurrentHoldsNeverOverdraw(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()

		// GIVEN: 1,000,000 IRR
		w := fundedWallet(t, m, "user-1", "IRR", "1000000")

		// WHEN: 12 bookings of 200,000 each race for it
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			placed int
		)
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := m.Place(ctx, ledger.HoldRequest{
					WalletID: w.ID, Currency: "IRR", Amount: dec("200000"), BookingID: fmt.Sprintf("bk-%d", i),
				})
				if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
					t.Errorf("unexpected error: %v", err)
				}
				if err == nil {
					mu.Lock()
					placed++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		// THEN: Exactly five fit
		assert.Equal(t, 5, placed)
		bal, err := m.Balance(ctx, w.ID, "IRR")
		require.NoError(t, err)
		assertDecimal(t, "0", bal.Available)
		assert.False(t, bal.Available.IsNegative())
	})
}

// =============================================================================
// LEDGER
// =============================================================================

func TestManager_AppendValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()
		w := fundedWallet(t, m, "user-1", "USD", "10")

		_, err := m.Deposit(ctx, w.ID, "USD", decimal.Zero, "")
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = m.Deposit(ctx, w.ID, "USD", dec("-5"), "")
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = m.Deposit(ctx, w.ID, "USD", dec("0.001"), "")
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = m.Deposit(ctx, w.ID, "usd", dec("1"), "")
		assert.ErrorIs(t, err, ledger.ErrUnsupportedCurrency)
		_, err = m.Deposit(ctx, "missing", "USD", dec("1"), "")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = m.Withdraw(ctx, w.ID, "USD", dec("-1"), "")
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "USD", Amount: dec("1")})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		// Rejected writes leave the ledger untouched
		txs, err := m.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID})
		require.NoError(t, err)
		assert.Len(t, txs, 1)
		require.NoError(t, m.Verify(ctx, w.ID, "USD"))
	})
}

func TestManager_Currencies(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()

		// GIVEN: Activity in two currencies
		w := fundedWallet(t, m, "user-1", "USD", "25.00")
		_, err := m.Deposit(ctx, w.ID, "IRR", dec("500000"), "")
		require.NoError(t, err)

		// THEN: Each currency is an independent sub-ledger
		balances, err := m.Balances(ctx, w.ID)
		require.NoError(t, err)
		require.Len(t, balances, 2)
		assert.Equal(t, ledger.Currency("IRR"), balances[0].Currency)
		assertDecimal(t, "500000", balances[0].Available)
		assert.Equal(t, ledger.Currency("USD"), balances[1].Currency)
		assertDecimal(t, "25", balances[1].Available)

		// AND: A USD hold cannot draw on IRR funds
		_, err = m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "USD", Amount: dec("30"), BookingID: "bk-1"})
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

		usd, err := m.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID, Currency: "USD"})
		require.NoError(t, err)
		assert.Len(t, usd, 1)
	})
}

func TestManager_TransactionsPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, m *ledger.Manager) {
		ctx := context.Background()

		// GIVEN: Seven deposits
		w, err := m.OpenWallet(ctx, ledger.OwnerUser, "user-1")
		require.NoError(t, err)
		for i := 1; i <= 7; i++ {
			_, err := m.Deposit(ctx, w.ID, "USD", decimal.NewFromInt(int64(i)), fmt.Sprintf("d%d", i))
			require.NoError(t, err)
		}

		// WHEN: Paging three at a time
		var notes []string
		q := ledger.TransactionQuery{WalletID: w.ID, Limit: 3}
		for {
			page, err := m.Transactions(ctx, q)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, tx := range page {
				notes = append(notes, tx.Note)
			}
			q.Before = page[len(page)-1].ID
		}

		// THEN: Every row appears once, newest first
		assert.Equal(t, []string{"d7", "d6", "d5", "d4", "d3", "d2", "d1"}, notes)

		_, err = m.Transactions(ctx, ledger.TransactionQuery{WalletID: w.ID, Limit: -1})
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})
}
