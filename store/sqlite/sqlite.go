/*
Package sqlite provides a SQLite-backed booking.Store.

PURPOSE:
  The default durable store for a single server instance. Implements
  ledger.TxStore, refund.Store and booking.Store over one database so that
  hold settlements, ledger rows and booking status changes commit together.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on wallet_transactions in this package
  - Triggers abort any UPDATE or DELETE issued from elsewhere
  - Corrections are new rows (REFUND, DEPOSIT), never edits

KEY TABLES:
  wallets:             one per (owner_kind, owner_id)
  wallet_transactions: immutable ledger, ULID ids sort newest last
  wallet_balances:     cached settled balance, written in the same
                       transaction as every appended row
  wallet_holds:        reservations; at most one ACTIVE per booking
  refund_policies:     tiers stored as JSON
  bookings:            lifecycle records

AMOUNTS AND TIMES:
  Decimals are stored as TEXT and summed in Go: SQLite's SUM() goes through
  floating point. Times are stored as fixed-width UTC text so that string
  comparison orders them correctly.

CONCURRENCY:
  The pool is limited to one connection (an in-memory database is private
  to its connection) and WithTx serializes writers on a mutex. LockWallet
  is therefore a no-op.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: interface contract
  - store/postgres: multi-node equivalent
  - store/storetest: conformance suite run against this store
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/refund"
)

// timeLayout is fixed width so that TEXT comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements booking.Store using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var _ booking.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner_kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (owner_kind, owner_id)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		booking_id TEXT,
		hold_id TEXT,
		note TEXT,
		created_at TEXT NOT NULL
	);

	-- Newest-first listing (hot path)
	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet
		ON wallet_transactions(wallet_id, currency, id DESC);
	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_booking
		ON wallet_transactions(booking_id) WHERE booking_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_wallet_transactions_no_update
		BEFORE UPDATE ON wallet_transactions
		BEGIN SELECT RAISE(ABORT, 'wallet_transactions is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_wallet_transactions_no_delete
		BEFORE DELETE ON wallet_transactions
		BEGIN SELECT RAISE(ABORT, 'wallet_transactions is append-only'); END;

	CREATE TABLE IF NOT EXISTS wallet_balances (
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		currency TEXT NOT NULL,
		settled TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (wallet_id, currency)
	);

	CREATE TABLE IF NOT EXISTS wallet_holds (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		booking_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		settled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_holds_wallet_state
		ON wallet_holds(wallet_id, currency, state);
	CREATE INDEX IF NOT EXISTS idx_wallet_holds_booking
		ON wallet_holds(booking_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_holds_one_active
		ON wallet_holds(booking_id) WHERE state = 'ACTIVE';

	CREATE TABLE IF NOT EXISTS refund_policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rules_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agency_id TEXT,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		flight_id TEXT NOT NULL,
		total_price TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		refund_policy_id TEXT,
		hold_id TEXT,
		departure_time TEXT NOT NULL,
		booking_date TEXT NOT NULL,
		cancellation_date TEXT,
		rejection_reason TEXT,
		penalty_percent TEXT,
		penalty_amount TEXT,
		refund_amount TEXT,
		applied_hours INTEGER,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings(user_id, booking_date DESC);
	CREATE INDEX IF NOT EXISTS idx_bookings_status_departure ON bookings(status, departure_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.WithBookingTx(ctx, func(bs booking.Store) error { return fn(bs) })
}

// WithBookingTx executes fn within a database transaction.
func (s *Store) WithBookingTx(ctx context.Context, fn func(booking.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: &queries{q: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// AppendTransaction runs in its own transaction so the cached balance moves
// with the row.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.WithTx(ctx, func(ls ledger.Store) error { return ls.AppendTransaction(ctx, tx) })
}

// Balance reads settled and held in one transaction.
func (s *Store) Balance(ctx context.Context, w ledger.WalletID, c ledger.Currency) (ledger.Balance, error) {
	var b ledger.Balance
	err := s.WithTx(ctx, func(ls ledger.Store) error {
		var err error
		b, err = ls.Balance(ctx, w, c)
		return err
	})
	return b, err
}

type txStore struct {
	*queries
}

func (ts *txStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error { return fn(ts) }

func (ts *txStore) WithBookingTx(ctx context.Context, fn func(booking.Store) error) error {
	return fn(ts)
}

// =============================================================================
// QUERIES (shared by Store and txStore)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// LockWallet is a no-op: writers are already serialized by WithTx.
func (qs *queries) LockWallet(context.Context, ledger.WalletID, ledger.Currency) error { return nil }

// -----------------------------------------------------------------------------
// Wallets
// -----------------------------------------------------------------------------

func (qs *queries) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO wallets (id, owner_kind, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		w.ID, w.OwnerKind, w.OwnerID, formatTime(w.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %s already has a wallet", ledger.ErrConflict, w.OwnerKind, w.OwnerID)
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (qs *queries) GetWallet(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT id, owner_kind, owner_id, created_at FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.NotFound("wallet", string(id))
	}
	return w, err
}

func (qs *queries) WalletByOwner(ctx context.Context, kind ledger.OwnerKind, owner ledger.OwnerID) (ledger.Wallet, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT id, owner_kind, owner_id, created_at FROM wallets WHERE owner_kind = ? AND owner_id = ?`,
		kind, owner)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.NotFound(string(kind)+" wallet", string(owner))
	}
	return w, err
}

func scanWallet(row *sql.Row) (ledger.Wallet, error) {
	var (
		w         ledger.Wallet
		createdAt string
	)
	if err := row.Scan(&w.ID, &w.OwnerKind, &w.OwnerID, &createdAt); err != nil {
		return ledger.Wallet{}, err
	}
	var rp rowParser
	w.CreatedAt = rp.time("created_at", createdAt)
	if rp.err != nil {
		return ledger.Wallet{}, fmt.Errorf("wallet %s: %w", w.ID, rp.err)
	}
	return w, nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// AppendTransaction inserts the row and moves the cached settled balance.
// Callers outside a transaction go through Store.AppendTransaction.
func (qs *queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions
		(id, wallet_id, currency, amount, kind, booking_id, hold_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.WalletID, tx.Currency, tx.Amount.String(), tx.Kind,
		nullString(tx.BookingID), nullString(string(tx.HoldID)), nullString(tx.Note),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: transaction %s exists", ledger.ErrConflict, tx.ID)
		}
		if isForeignKeyError(err) {
			return ledger.NotFound("wallet", string(tx.WalletID))
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	settled, err := qs.settled(ctx, tx.WalletID, tx.Currency)
	if err != nil {
		return err
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO wallet_balances (wallet_id, currency, settled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (wallet_id, currency)
		DO UPDATE SET settled = excluded.settled, updated_at = excluded.updated_at`,
		tx.WalletID, tx.Currency, settled.Add(tx.Amount).String(), formatTime(tx.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (qs *queries) settled(ctx context.Context, w ledger.WalletID, c ledger.Currency) (decimal.Decimal, error) {
	var raw string
	err := qs.q.QueryRowContext(ctx,
		`SELECT settled FROM wallet_balances WHERE wallet_id = ? AND currency = ?`, w, c).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (qs *queries) Transactions(ctx context.Context, tq ledger.TransactionQuery) ([]ledger.Transaction, error) {
	query := `
		SELECT id, wallet_id, currency, amount, kind, booking_id, hold_id, note, created_at
		FROM wallet_transactions
		WHERE wallet_id = ?`
	args := []any{tq.WalletID}
	if tq.Currency != "" {
		query += ` AND currency = ?`
		args = append(args, tq.Currency)
	}
	if tq.Before != "" {
		query += ` AND id < ?`
		args = append(args, tq.Before)
	}
	query += ` ORDER BY id DESC`
	if tq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, tq.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx        ledger.Transaction
		amount    string
		bookingID sql.NullString
		holdID    sql.NullString
		note      sql.NullString
		createdAt string
	)
	err := rows.Scan(&tx.ID, &tx.WalletID, &tx.Currency, &amount, &tx.Kind,
		&bookingID, &holdID, &note, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("transaction %s: bad amount %q: %w", tx.ID, amount, err)
	}
	tx.BookingID = bookingID.String
	tx.HoldID = ledger.HoldID(holdID.String)
	tx.Note = note.String
	var rp rowParser
	tx.CreatedAt = rp.time("created_at", createdAt)
	if rp.err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, rp.err)
	}
	return tx, nil
}

func (qs *queries) SumTransactions(ctx context.Context, w ledger.WalletID, c ledger.Currency) (decimal.Decimal, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT amount FROM wallet_transactions WHERE wallet_id = ? AND currency = ?`, w, c)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", err)
	}
	defer rows.Close()
	return sumAmounts(rows)
}

// -----------------------------------------------------------------------------
// Holds
// -----------------------------------------------------------------------------

const holdColumns = `id, wallet_id, currency, amount, booking_id, state, created_at, settled_at`

func (qs *queries) InsertHold(ctx context.Context, h ledger.WalletHold) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO wallet_holds (`+holdColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.WalletID, h.Currency, h.Amount.String(), h.BookingID, h.State,
		formatTime(h.CreatedAt), nullTime(h.SettledAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: booking %s already has an active hold", ledger.ErrConflict, h.BookingID)
		}
		if isForeignKeyError(err) {
			return ledger.NotFound("wallet", string(h.WalletID))
		}
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	return nil
}

func (qs *queries) GetHold(ctx context.Context, id ledger.HoldID) (ledger.WalletHold, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT `+holdColumns+` FROM wallet_holds WHERE id = ?`, id)
	if err != nil {
		return ledger.WalletHold{}, fmt.Errorf("failed to query hold: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.WalletHold{}, err
		}
		return ledger.WalletHold{}, ledger.NotFound("hold", string(id))
	}
	return scanHold(rows)
}

// SettleHold only updates a hold that is still ACTIVE.
func (qs *queries) SettleHold(ctx context.Context, id ledger.HoldID, to ledger.HoldState, at time.Time) error {
	res, err := qs.q.ExecContext(ctx,
		`UPDATE wallet_holds SET state = ?, settled_at = ? WHERE id = ? AND state = ?`,
		to, formatTime(at), id, ledger.HoldActive)
	if err != nil {
		return fmt.Errorf("failed to settle hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	h, err := qs.GetHold(ctx, id)
	if err != nil {
		return err
	}
	return &ledger.AlreadySettledError{HoldID: id, State: h.State}
}

func (qs *queries) Holds(ctx context.Context, hq ledger.HoldQuery) ([]ledger.WalletHold, error) {
	var (
		where []string
		args  []any
	)
	if hq.WalletID != "" {
		where = append(where, "wallet_id = ?")
		args = append(args, hq.WalletID)
	}
	if hq.Currency != "" {
		where = append(where, "currency = ?")
		args = append(args, hq.Currency)
	}
	if hq.State != "" {
		where = append(where, "state = ?")
		args = append(args, hq.State)
	}
	if hq.BookingID != "" {
		where = append(where, "booking_id = ?")
		args = append(args, hq.BookingID)
	}

	query := `SELECT ` + holdColumns + ` FROM wallet_holds`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holds: %w", err)
	}
	defer rows.Close()

	var holds []ledger.WalletHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func scanHold(rows *sql.Rows) (ledger.WalletHold, error) {
	var (
		h         ledger.WalletHold
		amount    string
		createdAt string
		settledAt sql.NullString
	)
	err := rows.Scan(&h.ID, &h.WalletID, &h.Currency, &amount, &h.BookingID, &h.State, &createdAt, &settledAt)
	if err != nil {
		return h, fmt.Errorf("failed to scan hold: %w", err)
	}
	if h.Amount, err = decimal.NewFromString(amount); err != nil {
		return h, fmt.Errorf("hold %s: bad amount %q: %w", h.ID, amount, err)
	}
	var rp rowParser
	h.CreatedAt = rp.time("created_at", createdAt)
	if settledAt.Valid {
		t := rp.time("settled_at", settledAt.String)
		h.SettledAt = &t
	}
	if rp.err != nil {
		return h, fmt.Errorf("hold %s: %w", h.ID, rp.err)
	}
	return h, nil
}

// -----------------------------------------------------------------------------
// Balances
// -----------------------------------------------------------------------------

// Balance is consistent only inside a transaction; Store.Balance opens one.
func (qs *queries) Balance(ctx context.Context, w ledger.WalletID, c ledger.Currency) (ledger.Balance, error) {
	settled, err := qs.settled(ctx, w, c)
	if err != nil {
		return ledger.Balance{}, err
	}
	rows, err := qs.q.QueryContext(ctx,
		`SELECT amount FROM wallet_holds WHERE wallet_id = ? AND currency = ? AND state = ?`,
		w, c, ledger.HoldActive)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to query holds: %w", err)
	}
	defer rows.Close()
	held, err := sumAmounts(rows)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.NewBalance(w, c, settled, held), nil
}

func (qs *queries) Currencies(ctx context.Context, w ledger.WalletID) ([]ledger.Currency, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT currency FROM wallet_balances WHERE wallet_id = ?
		UNION
		SELECT currency FROM wallet_holds WHERE wallet_id = ?
		ORDER BY currency`, w, w)
	if err != nil {
		return nil, fmt.Errorf("failed to query currencies: %w", err)
	}
	defer rows.Close()

	var out []ledger.Currency
	for rows.Next() {
		var c ledger.Currency
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Refund policies
// -----------------------------------------------------------------------------

func (qs *queries) SavePolicy(ctx context.Context, p refund.Policy) error {
	rulesJSON, err := json.Marshal(factory.ToJSON(p).Rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO refund_policies (id, name, rules_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, rules_json = excluded.rules_json, updated_at = excluded.updated_at`,
		p.ID, p.Name, string(rulesJSON), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

func (qs *queries) GetPolicy(ctx context.Context, id string) (refund.Policy, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT id, name, rules_json, created_at, updated_at FROM refund_policies WHERE id = ?`, id)
	if err != nil {
		return refund.Policy{}, fmt.Errorf("failed to query policy: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return refund.Policy{}, err
		}
		return refund.Policy{}, ledger.NotFound("refund policy", id)
	}
	return scanPolicy(rows)
}

func (qs *queries) ListPolicies(ctx context.Context) ([]refund.Policy, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT id, name, rules_json, created_at, updated_at FROM refund_policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []refund.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (qs *queries) DeletePolicy(ctx context.Context, id string) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM refund_policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.NotFound("refund policy", id)
	}
	return nil
}

func scanPolicy(rows *sql.Rows) (refund.Policy, error) {
	var (
		p                    refund.Policy
		rulesJSON            string
		createdAt, updatedAt string
	)
	if err := rows.Scan(&p.ID, &p.Name, &rulesJSON, &createdAt, &updatedAt); err != nil {
		return p, fmt.Errorf("failed to scan policy: %w", err)
	}
	var rules []factory.RuleJSON
	if err := json.Unmarshal([]byte(rulesJSON), &rules); err != nil {
		return p, fmt.Errorf("policy %s: bad rules: %w", p.ID, err)
	}
	for _, r := range rules {
		p.Rules = append(p.Rules, refund.Rule{
			HoursBeforeDeparture: r.HoursBeforeDeparture,
			PenaltyPercentage:    r.PenaltyPercentage,
		})
	}
	var rp rowParser
	p.CreatedAt = rp.time("created_at", createdAt)
	p.UpdatedAt = rp.time("updated_at", updatedAt)
	if rp.err != nil {
		return p, fmt.Errorf("policy %s: %w", p.ID, rp.err)
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Bookings
// -----------------------------------------------------------------------------

const bookingColumns = `id, user_id, agency_id, wallet_id, flight_id, total_price, currency, status,
	refund_policy_id, hold_id, departure_time, booking_date, cancellation_date, rejection_reason,
	penalty_percent, penalty_amount, refund_amount, applied_hours, updated_at`

func (qs *queries) InsertBooking(ctx context.Context, b booking.Booking) error {
	args := append([]any{b.ID, b.UserID, nullString(b.AgencyID), b.WalletID, b.FlightID,
		b.TotalPrice.String(), b.Currency, b.Status}, mutableBookingArgs(b)...)
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: booking %s exists", ledger.ErrConflict, b.ID)
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

// mutableBookingArgs returns the values for refund_policy_id..updated_at.
func mutableBookingArgs(b booking.Booking) []any {
	var (
		pct, penalty, refunded sql.NullString
		hours                  sql.NullInt64
	)
	if b.Refund != nil {
		pct = nullString(b.Refund.PenaltyPercent.String())
		penalty = nullString(b.Refund.PenaltyAmount.String())
		refunded = nullString(b.Refund.RefundAmount.String())
		if b.Refund.AppliedHours != nil {
			hours = sql.NullInt64{Int64: int64(*b.Refund.AppliedHours), Valid: true}
		}
	}
	return []any{
		nullString(b.RefundPolicyID), nullString(string(b.HoldID)),
		formatTime(b.DepartureTime), formatTime(b.BookingDate), nullTime(b.CancellationDate),
		nullString(b.RejectionReason), pct, penalty, refunded, hours, formatTime(b.UpdatedAt),
	}
}

func (qs *queries) GetBooking(ctx context.Context, id string) (booking.Booking, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	if err != nil {
		return booking.Booking{}, fmt.Errorf("failed to query booking: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return booking.Booking{}, err
		}
		return booking.Booking{}, ledger.NotFound("booking", id)
	}
	return scanBooking(rows)
}

// UpdateBooking writes the new status and audit fields if the stored status
// is still `from`.
func (qs *queries) UpdateBooking(ctx context.Context, b booking.Booking, from booking.Status) error {
	args := append([]any{b.Status}, mutableBookingArgs(b)...)
	args = append(args, b.ID, from)
	res, err := qs.q.ExecContext(ctx, `
		UPDATE bookings SET
			status = ?, refund_policy_id = ?, hold_id = ?, departure_time = ?, booking_date = ?,
			cancellation_date = ?, rejection_reason = ?, penalty_percent = ?, penalty_amount = ?,
			refund_amount = ?, applied_hours = ?, updated_at = ?
		WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	cur, err := qs.GetBooking(ctx, b.ID)
	if err != nil {
		return err
	}
	return &ledger.StateTransitionError{
		Entity: "booking", ID: b.ID, From: string(cur.Status), To: string(b.Status),
		Reason: "status changed concurrently",
	}
}

func (qs *queries) ListBookings(ctx context.Context, f booking.Filter) ([]booking.Booking, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.WalletID != "" {
		where = append(where, "wallet_id = ?")
		args = append(args, f.WalletID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.DepartedBefore != nil {
		where = append(where, "departure_time <= ?")
		args = append(args, formatTime(*f.DepartedBefore))
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY booking_date DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func scanBooking(rows *sql.Rows) (booking.Booking, error) {
	var (
		b                          booking.Booking
		agencyID, policyID, holdID sql.NullString
		total                      string
		departure, booked, updated string
		cancelled, reason          sql.NullString
		pct, penalty, refunded     sql.NullString
		hours                      sql.NullInt64
	)
	err := rows.Scan(&b.ID, &b.UserID, &agencyID, &b.WalletID, &b.FlightID, &total, &b.Currency, &b.Status,
		&policyID, &holdID, &departure, &booked, &cancelled, &reason,
		&pct, &penalty, &refunded, &hours, &updated)
	if err != nil {
		return b, fmt.Errorf("failed to scan booking: %w", err)
	}
	if b.TotalPrice, err = decimal.NewFromString(total); err != nil {
		return b, fmt.Errorf("booking %s: bad total %q: %w", b.ID, total, err)
	}
	b.AgencyID = agencyID.String
	b.RefundPolicyID = policyID.String
	b.HoldID = ledger.HoldID(holdID.String)
	var rp rowParser
	b.DepartureTime = rp.time("departure_time", departure)
	b.BookingDate = rp.time("booking_date", booked)
	b.UpdatedAt = rp.time("updated_at", updated)
	b.RejectionReason = reason.String
	if cancelled.Valid {
		t := rp.time("cancellation_date", cancelled.String)
		b.CancellationDate = &t
	}
	if pct.Valid {
		b.Refund = &booking.RefundOutcome{
			PenaltyPercent: rp.decimal("penalty_percent", pct.String),
			PenaltyAmount:  rp.decimal("penalty_amount", penalty.String),
			RefundAmount:   rp.decimal("refund_amount", refunded.String),
		}
		if hours.Valid {
			h := int(hours.Int64)
			b.Refund.AppliedHours = &h
		}
	}
	if rp.err != nil {
		return b, fmt.Errorf("booking %s: %w", b.ID, rp.err)
	}
	return b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func sumAmounts(rows *sql.Rows) (decimal.Decimal, error) {
	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad amount %q: %w", raw, err)
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// rowParser converts the text columns of one row and keeps the first error.
type rowParser struct {
	err error
}

func (rp *rowParser) time(column, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && rp.err == nil {
		rp.err = fmt.Errorf("bad %s %q: %w", column, s, err)
	}
	return t
}

func (rp *rowParser) decimal(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && rp.err == nil {
		rp.err = fmt.Errorf("bad %s %q: %w", column, s, err)
	}
	return d
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
