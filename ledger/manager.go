/*
manager.go - Wallet ledger and hold manager

PURPOSE:
  Manager is the public face of the engine. Each mutating call:
  1. takes the in-process lock for the (wallet, currency) pair
  2. opens a store transaction and takes the store-level lock
  3. runs one primitive from settle.go
  4. commits, or rolls back on error

  Reads (Balance, Transactions, holds) do not take the pair lock; stores
  serve them from a consistent snapshot.

IDEMPOTENCY:
  Commit and Release are guarded by the ACTIVE precondition. Replaying them
  returns AlreadySettled and writes nothing, so a caller-side retry after an
  ambiguous failure cannot double-debit.

EXAMPLE:
  m := ledger.NewManager(store)
  w, _ := m.OpenWallet(ctx, ledger.OwnerUser, "user-1")
  m.Deposit(ctx, w.ID, "IRR", decimal.NewFromInt(1_000_000), "top-up")
  hold, _ := m.Place(ctx, ledger.HoldRequest{WalletID: w.ID, Currency: "IRR",
      Amount: decimal.NewFromInt(300_000), BookingID: "bk-1"})
  m.Commit(ctx, hold.ID) // settled 700,000, one BOOKING_PAYMENT of -300,000
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxPageSize caps Transactions listings.
const MaxPageSize = 500

// ErrBalanceDrift is returned by Verify when the cached settled balance
// disagrees with the sum of the ledger rows.
var ErrBalanceDrift = errors.New("settled balance drift")

type Manager struct {
	store TxStore
	locks *Locker
	now   func() time.Time
}

type Option func(*Manager)

// WithLocker shares a Locker with other writers of the same store, such as
// the booking controller.
func WithLocker(l *Locker) Option {
	return func(m *Manager) { m.locks = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store TxStore, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		locks: NewLocker(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Locker() *Locker { return m.locks }

func (m *Manager) atomically(ctx context.Context, walletID WalletID, currency Currency, fn func(Store) error) error {
	unlock := m.locks.Lock(walletID, currency)
	defer unlock()

	return m.store.WithTx(ctx, func(s Store) error {
		if err := s.LockWallet(ctx, walletID, currency); err != nil {
			return fmt.Errorf("lock wallet %s/%s: %w", walletID, currency, err)
		}
		return fn(s)
	})
}

// =============================================================================
// WALLETS
// =============================================================================

// OpenWallet returns the owner's wallet, creating it on first use.
func (m *Manager) OpenWallet(ctx context.Context, kind OwnerKind, owner OwnerID) (Wallet, error) {
	if !kind.Valid() {
		return Wallet{}, fmt.Errorf("%w: unknown owner kind %q", ErrValidation, kind)
	}
	if strings.TrimSpace(string(owner)) == "" {
		return Wallet{}, fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	w, err := m.store.WalletByOwner(ctx, kind, owner)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Wallet{}, err
	}

	w = Wallet{ID: NewWalletID(), OwnerID: owner, OwnerKind: kind, CreatedAt: m.now()}
	if err := m.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost a race with another opener; theirs is the wallet.
			return m.store.WalletByOwner(ctx, kind, owner)
		}
		return Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	return w, nil
}

func (m *Manager) Wallet(ctx context.Context, id WalletID) (Wallet, error) {
	return m.store.GetWallet(ctx, id)
}

func (m *Manager) WalletByOwner(ctx context.Context, kind OwnerKind, owner OwnerID) (Wallet, error) {
	return m.store.WalletByOwner(ctx, kind, owner)
}

// =============================================================================
// LEDGER
// =============================================================================

// Append writes one signed ledger row. It never checks funds: debits that
// would overdraw are the caller's responsibility (see Withdraw).
func (m *Manager) Append(ctx context.Context, e Entry) (Transaction, error) {
	if err := checkCurrency(e.Currency); err != nil {
		return Transaction{}, err
	}
	var tx Transaction
	err := m.atomically(ctx, e.WalletID, e.Currency, func(s Store) error {
		var err error
		tx, err = AppendEntry(ctx, s, e, m.now())
		return err
	})
	return tx, err
}

func (m *Manager) Deposit(ctx context.Context, walletID WalletID, currency Currency, amount decimal.Decimal, note string) (Transaction, error) {
	return m.Append(ctx, Entry{WalletID: walletID, Currency: currency, Amount: amount, Kind: KindDeposit, Note: note})
}

// Withdraw debits amount if the available balance covers it.
func (m *Manager) Withdraw(ctx context.Context, walletID WalletID, currency Currency, amount decimal.Decimal, note string) (Transaction, error) {
	if err := checkCurrency(currency); err != nil {
		return Transaction{}, err
	}
	if err := validatePositive(currency, amount); err != nil {
		return Transaction{}, err
	}

	var tx Transaction
	err := m.atomically(ctx, walletID, currency, func(s Store) error {
		bal, err := s.Balance(ctx, walletID, currency)
		if err != nil {
			return err
		}
		if amount.GreaterThan(bal.Available) {
			return &InsufficientFundsError{WalletID: walletID, Currency: currency, Available: bal.Available, Requested: amount}
		}
		tx, err = AppendEntry(ctx, s, Entry{
			WalletID: walletID,
			Currency: currency,
			Amount:   amount.Neg(),
			Kind:     KindWithdrawal,
			Note:     note,
		}, m.now())
		return err
	})
	return tx, err
}

// Balance returns settled, held and available for one currency.
func (m *Manager) Balance(ctx context.Context, walletID WalletID, currency Currency) (Balance, error) {
	if _, err := m.store.GetWallet(ctx, walletID); err != nil {
		return Balance{}, err
	}
	return m.store.Balance(ctx, walletID, currency)
}

// Balances returns one Balance per currency the wallet has activity in,
// ordered by currency code.
func (m *Manager) Balances(ctx context.Context, walletID WalletID) ([]Balance, error) {
	if _, err := m.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	currencies, err := m.store.Currencies(ctx, walletID)
	if err != nil {
		return nil, err
	}
	sort.Slice(currencies, func(i, j int) bool { return currencies[i] < currencies[j] })

	balances := make([]Balance, 0, len(currencies))
	for _, c := range currencies {
		b, err := m.store.Balance(ctx, walletID, c)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// Transactions lists ledger rows newest first. Listing is restartable: pass
// the last returned ID as q.Before to fetch the next page.
func (m *Manager) Transactions(ctx context.Context, q TransactionQuery) ([]Transaction, error) {
	if _, err := m.store.GetWallet(ctx, q.WalletID); err != nil {
		return nil, err
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrValidation)
	}
	if q.Limit == 0 || q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	return m.store.Transactions(ctx, q)
}

// Verify checks that the cached settled balance equals Σ ledger amounts.
func (m *Manager) Verify(ctx context.Context, walletID WalletID, currency Currency) error {
	bal, err := m.store.Balance(ctx, walletID, currency)
	if err != nil {
		return err
	}
	sum, err := m.store.SumTransactions(ctx, walletID, currency)
	if err != nil {
		return err
	}
	if !bal.Settled.Equal(sum) {
		return fmt.Errorf("%w: wallet %s %s settled %s, ledger sum %s",
			ErrBalanceDrift, walletID, currency, bal.Settled, sum)
	}
	return nil
}

// =============================================================================
// HOLDS
// =============================================================================

// Place reserves funds for a booking. Fails with InsufficientFunds when the
// amount exceeds the available balance.
func (m *Manager) Place(ctx context.Context, req HoldRequest) (WalletHold, error) {
	if err := checkCurrency(req.Currency); err != nil {
		return WalletHold{}, err
	}
	var hold WalletHold
	err := m.atomically(ctx, req.WalletID, req.Currency, func(s Store) error {
		var err error
		hold, err = PlaceHold(ctx, s, req, m.now())
		return err
	})
	return hold, err
}

// Commit settles an ACTIVE hold into a BOOKING_PAYMENT debit.
func (m *Manager) Commit(ctx context.Context, id HoldID) (Transaction, error) {
	hold, err := m.store.GetHold(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	var tx Transaction
	err = m.atomically(ctx, hold.WalletID, hold.Currency, func(s Store) error {
		var err error
		tx, err = CommitHold(ctx, s, id, m.now())
		return err
	})
	return tx, err
}

// Release settles an ACTIVE hold without debiting.
func (m *Manager) Release(ctx context.Context, id HoldID) (WalletHold, error) {
	hold, err := m.store.GetHold(ctx, id)
	if err != nil {
		return WalletHold{}, err
	}
	var released WalletHold
	err = m.atomically(ctx, hold.WalletID, hold.Currency, func(s Store) error {
		var err error
		released, err = ReleaseHold(ctx, s, id, m.now())
		return err
	})
	return released, err
}

func (m *Manager) Hold(ctx context.Context, id HoldID) (WalletHold, error) {
	return m.store.GetHold(ctx, id)
}

// HoldForBooking returns the booking's ACTIVE hold if it has one, otherwise
// its most recent hold.
func (m *Manager) HoldForBooking(ctx context.Context, bookingID string) (WalletHold, error) {
	holds, err := m.store.Holds(ctx, HoldQuery{BookingID: bookingID})
	if err != nil {
		return WalletHold{}, err
	}
	if len(holds) == 0 {
		return WalletHold{}, NotFound("hold for booking", bookingID)
	}
	latest := holds[0]
	for _, h := range holds {
		if h.State == HoldActive {
			return h, nil
		}
		if h.CreatedAt.After(latest.CreatedAt) {
			latest = h
		}
	}
	return latest, nil
}

func (m *Manager) ActiveHolds(ctx context.Context, walletID WalletID, currency Currency) ([]WalletHold, error) {
	return m.store.Holds(ctx, HoldQuery{WalletID: walletID, Currency: currency, State: HoldActive})
}

func checkCurrency(c Currency) error {
	parsed, err := ParseCurrency(string(c))
	if err != nil {
		return err
	}
	if parsed != c {
		return fmt.Errorf("%w: %q is not normalized", ErrUnsupportedCurrency, c)
	}
	return nil
}
