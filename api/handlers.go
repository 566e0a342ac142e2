/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the wallet ledger, booking lifecycle and refund policies via a
  JSON API for the booking flow and the admin dashboard. Handlers parse and
  validate requests, delegate to ledger.Manager / booking.Controller, and
  map engine errors to HTTP responses (errors.go).

ENDPOINTS:
  Bookings:
    POST   /bookings                              Create (hold placed, SUSPENDED or CONFIRMED)
    GET    /bookings                              List (?user_id=&wallet_id=&status=&limit=)
    GET    /bookings/{id}                         Get
    POST   /bookings/confirm-suspended/{holdId}   Commit the hold, booking CONFIRMED
    POST   /bookings/reject-suspended/{holdId}    Release the hold, booking CANCELLED
    PUT    /bookings/{id}/cancel                  Refund a CONFIRMED booking per its policy

  Wallets:
    GET    /users/{id}/wallet                     Read model of a user's wallet
    GET    /agencies/{id}/wallet                  Read model of an agency's wallet
    GET    /wallets/{id}                          Read model by wallet id
    POST   /wallets/{id}/transactions             Admin deposit, withdrawal, commission payout

  Refund policies:
    GET    /refund-policies                       List
    POST   /refund-policies                       Create or replace from a JSON document
    GET    /refund-policies/{id}                  Get
    DELETE /refund-policies/{id}                  Delete

  Admin:
    POST   /admin/complete-departed               Run the completion sweep now
    GET    /scenarios, POST /scenarios/load       Demo data

REQUEST FLOW:
  1. Decode JSON (unknown fields rejected) and validate struct tags
  2. Call the engine
  3. Invalidate the wallet cache for any wallet the call wrote to
  4. Serialize response, or map the error

ERROR HANDLING:
  - 400: validation, invalid amount, unsupported currency
  - 404: unknown wallet, booking, hold or policy
  - 409: invalid state transition, hold already settled, replay conflict
  - 422: insufficient funds
  - 500: everything else

SECURITY NOTE:
  No authentication or authorization. Deploy behind the admin gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/refund"
)

// DefaultWalletTransactions is the page size of the wallet read model.
const DefaultWalletTransactions = 50

const maxBodyBytes = 1 << 20

// WalletCache is the read-model cache consulted by the wallet endpoints.
// Balances reports the wallet's generation even on a miss; SetBalances must
// be given the generation observed before the store read, and an
// Invalidate in between makes that snapshot unservable.
type WalletCache interface {
	Balances(ctx context.Context, walletID ledger.WalletID) (balances []ledger.Balance, gen int64, ok bool, err error)
	SetBalances(ctx context.Context, walletID ledger.WalletID, gen int64, balances []ledger.Balance) error
	Invalidate(ctx context.Context, walletID ledger.WalletID)
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger        *ledger.Manager
	Bookings      *booking.Controller
	Policies      refund.Store
	PolicyFactory *factory.PolicyFactory

	cache    WalletCache
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
	health   func(context.Context) error
}

type HandlerOption func(*Handler)

func WithWalletCache(c WalletCache) HandlerOption {
	return func(h *Handler) { h.cache = c }
}

func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// WithHealthCheck sets the check behind GET /healthz, typically the store's Ping.
func WithHealthCheck(fn func(context.Context) error) HandlerOption {
	return func(h *Handler) { h.health = fn }
}

// NewHandler creates a new handler. The ledger manager and the booking
// controller must share one ledger.Locker.
func NewHandler(mgr *ledger.Manager, bookings *booking.Controller, policies refund.Store, opts ...HandlerOption) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)

	h := &Handler{
		Ledger:        mgr,
		Bookings:      bookings,
		Policies:      policies,
		PolicyFactory: factory.NewPolicyFactory(),
		logger:        zap.NewNop(),
		validate:      v,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking places a hold for the booking price on the payer's wallet.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	b, err := h.Bookings.Create(ctx, booking.CreateInput{
		ID:             req.BookingID,
		UserID:         req.UserID,
		AgencyID:       req.AgencyID,
		FlightID:       req.FlightID,
		TotalPrice:     req.TotalPrice,
		Currency:       ledger.Currency(req.Currency),
		RefundPolicyID: req.RefundPolicyID,
		DepartureTime:  req.DepartureTime,
		AutoConfirm:    req.AutoConfirm,
	})
	if err != nil {
		h.writeError(w, r, "Failed to create booking", err)
		return
	}
	h.invalidate(ctx, b.WalletID)

	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "Failed to get booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// ListBookings returns bookings newest first.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, "Invalid limit", err)
		return
	}

	bookings, err := h.Bookings.List(r.Context(), booking.Filter{
		UserID:   q.Get("user_id"),
		WalletID: ledger.WalletID(q.Get("wallet_id")),
		Status:   booking.Status(strings.ToUpper(q.Get("status"))),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, r, "Failed to list bookings", err)
		return
	}

	dtos := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		dtos[i] = toBookingDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ConfirmSuspended commits the hold and confirms its booking.
func (h *Handler) ConfirmSuspended(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.Bookings.ConfirmHold(ctx, ledger.HoldID(chi.URLParam(r, "holdId")))
	if err != nil {
		h.writeError(w, r, "Failed to confirm booking", err)
		return
	}
	h.invalidate(ctx, b.WalletID)
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// RejectSuspended releases the hold and cancels its booking. The body is
// optional.
func (h *Handler) RejectSuspended(w http.ResponseWriter, r *http.Request) {
	var req RejectBookingRequest
	if err := h.decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	b, err := h.Bookings.RejectHold(ctx, ledger.HoldID(chi.URLParam(r, "holdId")), req.Reason)
	if err != nil {
		h.writeError(w, r, "Failed to reject booking", err)
		return
	}
	h.invalidate(ctx, b.WalletID)
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// CancelBooking refunds a confirmed booking, minus the policy penalty.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.Bookings.CancelConfirmed(ctx, chi.URLParam(r, "id"), h.now())
	if err != nil {
		h.writeError(w, r, "Failed to cancel booking", err)
		return
	}
	h.invalidate(ctx, b.WalletID)
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// CompleteDeparted runs the completion sweep immediately.
func (h *Handler) CompleteDeparted(w http.ResponseWriter, r *http.Request) {
	ranAt := h.now()
	n, err := h.Bookings.CompleteDeparted(r.Context(), ranAt)

	run := CompletionRunDTO{Completed: n, RanAt: ranAt.Format(time.RFC3339)}
	if err != nil {
		h.logger.Warn("completion sweep finished with errors", zap.Int("completed", n), zap.Error(err))
		run.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, run)
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

func (h *Handler) GetUserWallet(w http.ResponseWriter, r *http.Request) {
	h.serveOwnerWallet(w, r, ledger.OwnerUser)
}

func (h *Handler) GetAgencyWallet(w http.ResponseWriter, r *http.Request) {
	h.serveOwnerWallet(w, r, ledger.OwnerAgency)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wlt, err := h.Ledger.Wallet(r.Context(), ledger.WalletID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to get wallet", err)
		return
	}
	h.serveWallet(w, r, wlt)
}

func (h *Handler) serveOwnerWallet(w http.ResponseWriter, r *http.Request, kind ledger.OwnerKind) {
	wlt, err := h.Ledger.WalletByOwner(r.Context(), kind, ledger.OwnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to get wallet", err)
		return
	}
	h.serveWallet(w, r, wlt)
}

// serveWallet renders balances and one page of transactions.
// Query: currency (filter), limit (page size), before (cursor).
func (h *Handler) serveWallet(w http.ResponseWriter, r *http.Request, wlt ledger.Wallet) {
	ctx := r.Context()
	q := r.URL.Query()

	var currency ledger.Currency
	if c := q.Get("currency"); c != "" {
		parsed, err := ledger.ParseCurrency(c)
		if err != nil {
			h.writeError(w, r, "Invalid currency", err)
			return
		}
		currency = parsed
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, "Invalid limit", err)
		return
	}
	if limit == 0 {
		limit = DefaultWalletTransactions
	}

	var balances []ledger.Balance
	if currency != "" {
		bal, err := h.Ledger.Balance(ctx, wlt.ID, currency)
		if err != nil {
			h.writeError(w, r, "Failed to get balance", err)
			return
		}
		balances = []ledger.Balance{bal}
	} else if balances, err = h.balances(ctx, wlt.ID); err != nil {
		h.writeError(w, r, "Failed to get balances", err)
		return
	}

	txs, err := h.Ledger.Transactions(ctx, ledger.TransactionQuery{
		WalletID: wlt.ID,
		Currency: currency,
		Before:   ledger.TransactionID(q.Get("before")),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, r, "Failed to list transactions", err)
		return
	}

	dto := WalletDTO{
		WalletID:     string(wlt.ID),
		OwnerID:      string(wlt.OwnerID),
		OwnerKind:    string(wlt.OwnerKind),
		Balances:     make([]BalanceDTO, len(balances)),
		Transactions: make([]TransactionDTO, len(txs)),
	}
	for i, b := range balances {
		dto.Balances[i] = toBalanceDTO(b)
	}
	for i, tx := range txs {
		dto.Transactions[i] = toTransactionDTO(tx)
	}
	if len(txs) == limit {
		dto.NextBefore = string(txs[len(txs)-1].ID)
	}
	writeJSON(w, http.StatusOK, dto)
}

// balances reads all currencies of a wallet, through the cache when one is
// configured. Cache failures fall back to the store.
func (h *Handler) balances(ctx context.Context, walletID ledger.WalletID) ([]ledger.Balance, error) {
	fill := false
	var gen int64
	if h.cache != nil {
		cached, g, ok, err := h.cache.Balances(ctx, walletID)
		if err != nil {
			h.logger.Warn("wallet cache read failed", zap.String("wallet_id", string(walletID)), zap.Error(err))
		}
		if ok {
			return cached, nil
		}
		fill, gen = err == nil, g
	}

	balances, err := h.Ledger.Balances(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if fill {
		if err := h.cache.SetBalances(ctx, walletID, gen, balances); err != nil {
			h.logger.Warn("wallet cache write failed", zap.String("wallet_id", string(walletID)), zap.Error(err))
		}
	}
	return balances, nil
}

// CreateWalletTransaction records an admin ledger entry.
func (h *Handler) CreateWalletTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		h.writeError(w, r, "Invalid currency", err)
		return
	}

	ctx := r.Context()
	walletID := ledger.WalletID(chi.URLParam(r, "id"))
	if _, err := h.Ledger.Wallet(ctx, walletID); err != nil {
		h.writeError(w, r, "Failed to get wallet", err)
		return
	}

	var tx ledger.Transaction
	switch ledger.TransactionKind(req.Kind) {
	case ledger.KindDeposit:
		tx, err = h.Ledger.Deposit(ctx, walletID, currency, req.Amount, req.Note)
	case ledger.KindWithdrawal:
		tx, err = h.Ledger.Withdraw(ctx, walletID, currency, req.Amount, req.Note)
	case ledger.KindCommissionPayout:
		tx, err = h.Ledger.Append(ctx, ledger.Entry{
			WalletID: walletID,
			Currency: currency,
			Amount:   req.Amount,
			Kind:     ledger.KindCommissionPayout,
			Note:     req.Note,
		})
	}
	if err != nil {
		h.writeError(w, r, "Failed to record transaction", err)
		return
	}
	h.invalidate(ctx, walletID)

	h.logger.Info("admin ledger entry recorded",
		zap.String("transaction_id", string(tx.ID)),
		zap.String("wallet_id", string(walletID)),
		zap.String("kind", string(tx.Kind)),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", string(currency)))
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Policies.ListPolicies(r.Context())
	if err != nil {
		h.writeError(w, r, "Failed to list policies", err)
		return
	}
	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePolicy stores a policy document. An existing id is replaced;
// bookings pick up the new tiers on their next cancellation.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, "Invalid request body", fmt.Errorf("%w: %v", ledger.ErrValidation, err))
		return
	}
	policy, err := h.PolicyFactory.ParsePolicy(string(body))
	if err != nil {
		h.writeError(w, r, "Invalid policy", err)
		return
	}

	ctx := r.Context()
	now := h.now()
	policy.CreatedAt, policy.UpdatedAt = now, now
	if err := h.Policies.SavePolicy(ctx, policy); err != nil {
		h.writeError(w, r, "Failed to save policy", err)
		return
	}
	saved, err := h.Policies.GetPolicy(ctx, policy.ID)
	if err != nil {
		h.writeError(w, r, "Failed to load saved policy", err)
		return
	}

	h.logger.Info("refund policy saved", zap.String("policy_id", saved.ID), zap.Int("tiers", len(saved.Rules)))
	writeJSON(w, http.StatusCreated, toPolicyDTO(saved))
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policies.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "Failed to get policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(p))
}

func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Policies.DeletePolicy(r.Context(), id); err != nil {
		h.writeError(w, r, "Failed to delete policy", err)
		return
	}
	h.logger.Info("refund policy deleted", zap.String("policy_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst and validates its struct tags. An empty
// body is a validation error that also matches io.EOF.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body: %w", ledger.ErrValidation, err)
		}
		return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	return h.validate.Struct(dst)
}

func (h *Handler) invalidate(ctx context.Context, walletID ledger.WalletID) {
	if h.cache != nil {
		h.cache.Invalidate(ctx, walletID)
	}
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", ledger.ErrValidation, s)
	}
	return n, nil
}

// jsonFieldName makes validation errors name fields as clients send them.
func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}
