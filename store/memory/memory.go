// Package memory provides an in-memory booking.Store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/refund"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps everything in maps guarded by one mutex. Transactions are
// simulated with a snapshot taken on entry and restored on error.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ booking.TxStore = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

type pairKey struct {
	wallet   ledger.WalletID
	currency ledger.Currency
}

type ownerKey struct {
	kind  ledger.OwnerKind
	owner ledger.OwnerID
}

type state struct {
	wallets      map[ledger.WalletID]ledger.Wallet
	owners       map[ownerKey]ledger.WalletID
	transactions []ledger.Transaction // append order
	txIDs        map[ledger.TransactionID]bool
	settled      map[pairKey]decimal.Decimal
	holds        map[ledger.HoldID]ledger.WalletHold
	holdOrder    []ledger.HoldID
	policies     map[string]refund.Policy
	bookings     map[string]booking.Booking
}

func newState() *state {
	return &state{
		wallets:  make(map[ledger.WalletID]ledger.Wallet),
		owners:   make(map[ownerKey]ledger.WalletID),
		txIDs:    make(map[ledger.TransactionID]bool),
		settled:  make(map[pairKey]decimal.Decimal),
		holds:    make(map[ledger.HoldID]ledger.WalletHold),
		policies: make(map[string]refund.Policy),
		bookings: make(map[string]booking.Booking),
	}
}

// snapshot copies every map. The transaction log is append-only, so its
// length is enough to roll it back.
func (st *state) snapshot() *state {
	cp := &state{
		wallets:      make(map[ledger.WalletID]ledger.Wallet, len(st.wallets)),
		owners:       make(map[ownerKey]ledger.WalletID, len(st.owners)),
		transactions: st.transactions[:len(st.transactions):len(st.transactions)],
		txIDs:        make(map[ledger.TransactionID]bool, len(st.txIDs)),
		settled:      make(map[pairKey]decimal.Decimal, len(st.settled)),
		holds:        make(map[ledger.HoldID]ledger.WalletHold, len(st.holds)),
		holdOrder:    append([]ledger.HoldID(nil), st.holdOrder...),
		policies:     make(map[string]refund.Policy, len(st.policies)),
		bookings:     make(map[string]booking.Booking, len(st.bookings)),
	}
	for k, v := range st.wallets {
		cp.wallets[k] = v
	}
	for k, v := range st.owners {
		cp.owners[k] = v
	}
	for k, v := range st.txIDs {
		cp.txIDs[k] = v
	}
	for k, v := range st.settled {
		cp.settled[k] = v
	}
	for k, v := range st.holds {
		cp.holds[k] = v
	}
	for k, v := range st.policies {
		cp.policies[k] = v
	}
	for k, v := range st.bookings {
		cp.bookings[k] = v
	}
	return cp
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return m.WithBookingTx(ctx, func(s booking.Store) error { return fn(s) })
}

// WithBookingTx runs fn with exclusive access and rolls every write back if
// fn returns an error.
func (m *Store) WithBookingTx(ctx context.Context, fn func(booking.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	saved := m.state.snapshot()
	if err := fn(&view{st: m.state}); err != nil {
		m.state = saved
		return err
	}
	return nil
}

func (m *Store) locked(fn func(st *state)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Store) CreateWallet(ctx context.Context, w ledger.Wallet) (err error) {
	m.locked(func(st *state) { err = st.createWallet(w) })
	return
}

func (m *Store) GetWallet(ctx context.Context, id ledger.WalletID) (w ledger.Wallet, err error) {
	m.locked(func(st *state) { w, err = st.getWallet(id) })
	return
}

func (m *Store) WalletByOwner(ctx context.Context, kind ledger.OwnerKind, owner ledger.OwnerID) (w ledger.Wallet, err error) {
	m.locked(func(st *state) { w, err = st.walletByOwner(kind, owner) })
	return
}

func (m *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) (err error) {
	m.locked(func(st *state) { err = st.appendTransaction(tx) })
	return
}

func (m *Store) Transactions(ctx context.Context, q ledger.TransactionQuery) (txs []ledger.Transaction, err error) {
	m.locked(func(st *state) { txs = st.listTransactions(q) })
	return
}

func (m *Store) SumTransactions(ctx context.Context, w ledger.WalletID, c ledger.Currency) (sum decimal.Decimal, err error) {
	m.locked(func(st *state) { sum = st.sumTransactions(w, c) })
	return
}

func (m *Store) InsertHold(ctx context.Context, h ledger.WalletHold) (err error) {
	m.locked(func(st *state) { err = st.insertHold(h) })
	return
}

func (m *Store) GetHold(ctx context.Context, id ledger.HoldID) (h ledger.WalletHold, err error) {
	m.locked(func(st *state) { h, err = st.getHold(id) })
	return
}

func (m *Store) SettleHold(ctx context.Context, id ledger.HoldID, to ledger.HoldState, at time.Time) (err error) {
	m.locked(func(st *state) { err = st.settleHold(id, to, at) })
	return
}

func (m *Store) Holds(ctx context.Context, q ledger.HoldQuery) (hs []ledger.WalletHold, err error) {
	m.locked(func(st *state) { hs = st.listHolds(q) })
	return
}

func (m *Store) Balance(ctx context.Context, w ledger.WalletID, c ledger.Currency) (b ledger.Balance, err error) {
	m.locked(func(st *state) { b = st.balance(w, c) })
	return
}

func (m *Store) Currencies(ctx context.Context, w ledger.WalletID) (cs []ledger.Currency, err error) {
	m.locked(func(st *state) { cs = st.currencies(w) })
	return
}

// LockWallet is a no-op: WithTx already holds the store mutex.
func (m *Store) LockWallet(context.Context, ledger.WalletID, ledger.Currency) error { return nil }

func (m *Store) SavePolicy(ctx context.Context, p refund.Policy) (err error) {
	m.locked(func(st *state) { err = st.savePolicy(p) })
	return
}

func (m *Store) GetPolicy(ctx context.Context, id string) (p refund.Policy, err error) {
	m.locked(func(st *state) { p, err = st.getPolicy(id) })
	return
}

func (m *Store) ListPolicies(ctx context.Context) (ps []refund.Policy, err error) {
	m.locked(func(st *state) { ps = st.listPolicies() })
	return
}

func (m *Store) DeletePolicy(ctx context.Context, id string) (err error) {
	m.locked(func(st *state) { err = st.deletePolicy(id) })
	return
}

func (m *Store) InsertBooking(ctx context.Context, b booking.Booking) (err error) {
	m.locked(func(st *state) { err = st.insertBooking(b) })
	return
}

func (m *Store) GetBooking(ctx context.Context, id string) (b booking.Booking, err error) {
	m.locked(func(st *state) { b, err = st.getBooking(id) })
	return
}

func (m *Store) UpdateBooking(ctx context.Context, b booking.Booking, from booking.Status) (err error) {
	m.locked(func(st *state) { err = st.updateBooking(b, from) })
	return
}

func (m *Store) ListBookings(ctx context.Context, f booking.Filter) (bs []booking.Booking, err error) {
	m.locked(func(st *state) { bs = st.listBookings(f) })
	return
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// view is handed to WithTx callbacks; the caller already holds the mutex.
type view struct {
	st *state
}

func (v *view) WithTx(ctx context.Context, fn func(ledger.Store) error) error { return fn(v) }

func (v *view) WithBookingTx(ctx context.Context, fn func(booking.Store) error) error { return fn(v) }

func (v *view) CreateWallet(_ context.Context, w ledger.Wallet) error { return v.st.createWallet(w) }

func (v *view) GetWallet(_ context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	return v.st.getWallet(id)
}

func (v *view) WalletByOwner(_ context.Context, kind ledger.OwnerKind, owner ledger.OwnerID) (ledger.Wallet, error) {
	return v.st.walletByOwner(kind, owner)
}

func (v *view) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.st.appendTransaction(tx)
}

func (v *view) Transactions(_ context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, error) {
	return v.st.listTransactions(q), nil
}

func (v *view) SumTransactions(_ context.Context, w ledger.WalletID, c ledger.Currency) (decimal.Decimal, error) {
	return v.st.sumTransactions(w, c), nil
}

func (v *view) InsertHold(_ context.Context, h ledger.WalletHold) error { return v.st.insertHold(h) }

func (v *view) GetHold(_ context.Context, id ledger.HoldID) (ledger.WalletHold, error) {
	return v.st.getHold(id)
}

func (v *view) SettleHold(_ context.Context, id ledger.HoldID, to ledger.HoldState, at time.Time) error {
	return v.st.settleHold(id, to, at)
}

func (v *view) Holds(_ context.Context, q ledger.HoldQuery) ([]ledger.WalletHold, error) {
	return v.st.listHolds(q), nil
}

func (v *view) Balance(_ context.Context, w ledger.WalletID, c ledger.Currency) (ledger.Balance, error) {
	return v.st.balance(w, c), nil
}

func (v *view) Currencies(_ context.Context, w ledger.WalletID) ([]ledger.Currency, error) {
	return v.st.currencies(w), nil
}

func (v *view) LockWallet(context.Context, ledger.WalletID, ledger.Currency) error { return nil }

func (v *view) SavePolicy(_ context.Context, p refund.Policy) error { return v.st.savePolicy(p) }

func (v *view) GetPolicy(_ context.Context, id string) (refund.Policy, error) {
	return v.st.getPolicy(id)
}

func (v *view) ListPolicies(context.Context) ([]refund.Policy, error) { return v.st.listPolicies(), nil }

func (v *view) DeletePolicy(_ context.Context, id string) error { return v.st.deletePolicy(id) }

func (v *view) InsertBooking(_ context.Context, b booking.Booking) error { return v.st.insertBooking(b) }

func (v *view) GetBooking(_ context.Context, id string) (booking.Booking, error) {
	return v.st.getBooking(id)
}

func (v *view) UpdateBooking(_ context.Context, b booking.Booking, from booking.Status) error {
	return v.st.updateBooking(b, from)
}

func (v *view) ListBookings(_ context.Context, f booking.Filter) ([]booking.Booking, error) {
	return v.st.listBookings(f), nil
}

// =============================================================================
// STATE OPERATIONS (caller holds the mutex)
// =============================================================================

func (st *state) createWallet(w ledger.Wallet) error {
	if _, ok := st.wallets[w.ID]; ok {
		return fmt.Errorf("%w: wallet %s exists", ledger.ErrConflict, w.ID)
	}
	k := ownerKey{kind: w.OwnerKind, owner: w.OwnerID}
	if _, ok := st.owners[k]; ok {
		return fmt.Errorf("%w: %s %s already has a wallet", ledger.ErrConflict, w.OwnerKind, w.OwnerID)
	}
	st.wallets[w.ID] = w
	st.owners[k] = w.ID
	return nil
}

func (st *state) getWallet(id ledger.WalletID) (ledger.Wallet, error) {
	w, ok := st.wallets[id]
	if !ok {
		return ledger.Wallet{}, ledger.NotFound("wallet", string(id))
	}
	return w, nil
}

func (st *state) walletByOwner(kind ledger.OwnerKind, owner ledger.OwnerID) (ledger.Wallet, error) {
	id, ok := st.owners[ownerKey{kind: kind, owner: owner}]
	if !ok {
		return ledger.Wallet{}, ledger.NotFound(string(kind)+" wallet", string(owner))
	}
	return st.wallets[id], nil
}

func (st *state) appendTransaction(tx ledger.Transaction) error {
	if _, ok := st.wallets[tx.WalletID]; !ok {
		return ledger.NotFound("wallet", string(tx.WalletID))
	}
	if st.txIDs[tx.ID] {
		return fmt.Errorf("%w: transaction %s exists", ledger.ErrConflict, tx.ID)
	}
	st.transactions = append(st.transactions, tx)
	st.txIDs[tx.ID] = true

	k := pairKey{wallet: tx.WalletID, currency: tx.Currency}
	st.settled[k] = st.settled[k].Add(tx.Amount)
	return nil
}

func (st *state) listTransactions(q ledger.TransactionQuery) []ledger.Transaction {
	var out []ledger.Transaction
	for _, tx := range st.transactions {
		if tx.WalletID != q.WalletID {
			continue
		}
		if q.Currency != "" && tx.Currency != q.Currency {
			continue
		}
		if q.Before != "" && tx.ID >= q.Before {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (st *state) sumTransactions(w ledger.WalletID, c ledger.Currency) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range st.transactions {
		if tx.WalletID == w && tx.Currency == c {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum
}

func (st *state) insertHold(h ledger.WalletHold) error {
	if _, ok := st.wallets[h.WalletID]; !ok {
		return ledger.NotFound("wallet", string(h.WalletID))
	}
	if _, ok := st.holds[h.ID]; ok {
		return fmt.Errorf("%w: hold %s exists", ledger.ErrConflict, h.ID)
	}
	if h.State == ledger.HoldActive {
		for _, other := range st.holds {
			if other.BookingID == h.BookingID && other.State == ledger.HoldActive {
				return fmt.Errorf("%w: booking %s already has an active hold", ledger.ErrConflict, h.BookingID)
			}
		}
	}
	st.holds[h.ID] = h
	st.holdOrder = append(st.holdOrder, h.ID)
	return nil
}

func (st *state) getHold(id ledger.HoldID) (ledger.WalletHold, error) {
	h, ok := st.holds[id]
	if !ok {
		return ledger.WalletHold{}, ledger.NotFound("hold", string(id))
	}
	return h, nil
}

func (st *state) settleHold(id ledger.HoldID, to ledger.HoldState, at time.Time) error {
	h, ok := st.holds[id]
	if !ok {
		return ledger.NotFound("hold", string(id))
	}
	if h.State != ledger.HoldActive {
		return &ledger.AlreadySettledError{HoldID: id, State: h.State}
	}
	h.State = to
	h.SettledAt = &at
	st.holds[id] = h
	return nil
}

func (st *state) listHolds(q ledger.HoldQuery) []ledger.WalletHold {
	var out []ledger.WalletHold
	for _, id := range st.holdOrder {
		h := st.holds[id]
		if q.WalletID != "" && h.WalletID != q.WalletID {
			continue
		}
		if q.Currency != "" && h.Currency != q.Currency {
			continue
		}
		if q.State != "" && h.State != q.State {
			continue
		}
		if q.BookingID != "" && h.BookingID != q.BookingID {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (st *state) balance(w ledger.WalletID, c ledger.Currency) ledger.Balance {
	held := decimal.Zero
	for _, h := range st.holds {
		if h.WalletID == w && h.Currency == c && h.State == ledger.HoldActive {
			held = held.Add(h.Amount)
		}
	}
	return ledger.NewBalance(w, c, st.settled[pairKey{wallet: w, currency: c}], held)
}

func (st *state) currencies(w ledger.WalletID) []ledger.Currency {
	seen := make(map[ledger.Currency]bool)
	for k := range st.settled {
		if k.wallet == w {
			seen[k.currency] = true
		}
	}
	for _, h := range st.holds {
		if h.WalletID == w {
			seen[h.Currency] = true
		}
	}
	out := make([]ledger.Currency, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (st *state) savePolicy(p refund.Policy) error {
	if existing, ok := st.policies[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	p.Rules = append([]refund.Rule(nil), p.Rules...)
	st.policies[p.ID] = p
	return nil
}

func (st *state) getPolicy(id string) (refund.Policy, error) {
	p, ok := st.policies[id]
	if !ok {
		return refund.Policy{}, ledger.NotFound("refund policy", id)
	}
	p.Rules = append([]refund.Rule(nil), p.Rules...)
	return p, nil
}

func (st *state) listPolicies() []refund.Policy {
	out := make([]refund.Policy, 0, len(st.policies))
	for _, p := range st.policies {
		p.Rules = append([]refund.Rule(nil), p.Rules...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *state) deletePolicy(id string) error {
	if _, ok := st.policies[id]; !ok {
		return ledger.NotFound("refund policy", id)
	}
	delete(st.policies, id)
	return nil
}

func (st *state) insertBooking(b booking.Booking) error {
	if _, ok := st.bookings[b.ID]; ok {
		return fmt.Errorf("%w: booking %s exists", ledger.ErrConflict, b.ID)
	}
	st.bookings[b.ID] = b
	return nil
}

func (st *state) getBooking(id string) (booking.Booking, error) {
	b, ok := st.bookings[id]
	if !ok {
		return booking.Booking{}, ledger.NotFound("booking", id)
	}
	return b, nil
}

func (st *state) updateBooking(b booking.Booking, from booking.Status) error {
	cur, ok := st.bookings[b.ID]
	if !ok {
		return ledger.NotFound("booking", b.ID)
	}
	if cur.Status != from {
		return &ledger.StateTransitionError{
			Entity: "booking", ID: b.ID, From: string(cur.Status), To: string(b.Status),
			Reason: "status changed concurrently",
		}
	}
	st.bookings[b.ID] = b
	return nil
}

func (st *state) listBookings(f booking.Filter) []booking.Booking {
	var out []booking.Booking
	for _, b := range st.bookings {
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if f.WalletID != "" && b.WalletID != f.WalletID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.DepartedBefore != nil && b.DepartureTime.After(*f.DepartedBefore) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BookingDate.Equal(out[j].BookingDate) {
			return out[i].BookingDate.After(out[j].BookingDate)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
