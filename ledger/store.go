/*
store.go - Persistence interface for wallets, ledger transactions and holds

APPEND-ONLY CONTRACT:
  Transactions are written with AppendTransaction and never updated or
  deleted. A store keeps a cached settled balance per (wallet, currency) and
  MUST update it in the same database transaction as the appended row, so
  that settled == Σ amounts holds by construction.

HOLD STATE:
  SettleHold is the only hold mutation. It is conditional on the hold being
  ACTIVE and reports *AlreadySettledError otherwise, so even a store shared
  by several processes cannot settle a hold twice.

ATOMIC UNITS:
  TxStore.WithTx runs fn inside one database transaction. Readers outside
  the transaction see either none or all of its writes; in particular a hold
  commit and its BOOKING_PAYMENT row are published together.

LOCKING:
  LockWallet is called first thing inside WithTx by every writer of a
  (wallet, currency). Single-writer stores (memory, sqlite) implement it as
  a no-op; postgres takes a transaction-scoped advisory lock so several
  server instances serialize on the same pair.

IMPLEMENTATIONS:
  - store/memory:   in-memory, for tests and local runs
  - store/sqlite:   durable single-node (default)
  - store/postgres: durable, multi-node
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionQuery selects ledger rows of one wallet, newest first.
// Before is an exclusive cursor: pass the ID of the last row of the previous
// page to continue listing.
type TransactionQuery struct {
	WalletID WalletID
	Currency Currency // empty = all currencies
	Before   TransactionID
	Limit    int // 0 = unlimited
}

// HoldQuery selects holds. Zero-valued fields are not filtered on.
type HoldQuery struct {
	WalletID  WalletID
	Currency  Currency
	State     HoldState
	BookingID string
}

// Store handles persistence of wallets, transactions and holds.
type Store interface {
	// Wallets
	CreateWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, id WalletID) (Wallet, error)
	WalletByOwner(ctx context.Context, kind OwnerKind, owner OwnerID) (Wallet, error)

	// Ledger (append-only)
	AppendTransaction(ctx context.Context, tx Transaction) error
	Transactions(ctx context.Context, q TransactionQuery) ([]Transaction, error)
	// SumTransactions recomputes Σ amounts from the rows, bypassing the
	// cached settled balance. Used by audits.
	SumTransactions(ctx context.Context, walletID WalletID, currency Currency) (decimal.Decimal, error)

	// Holds
	InsertHold(ctx context.Context, h WalletHold) error
	GetHold(ctx context.Context, id HoldID) (WalletHold, error)
	SettleHold(ctx context.Context, id HoldID, state HoldState, at time.Time) error
	Holds(ctx context.Context, q HoldQuery) ([]WalletHold, error)

	// Balance returns settled and held amounts read from one consistent snapshot.
	Balance(ctx context.Context, walletID WalletID, currency Currency) (Balance, error)
	// Currencies lists the currencies a wallet has transactions or holds in.
	Currencies(ctx context.Context, walletID WalletID) ([]Currency, error)

	// LockWallet serializes writers of (wallet, currency) for the rest of
	// the enclosing transaction.
	LockWallet(ctx context.Context, walletID WalletID, currency Currency) error
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
