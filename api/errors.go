package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/ledger"
)

// Machine-readable error codes returned in ErrorResponse.Code.
const (
	CodeNotFound            = "not_found"
	CodeInvalidAmount       = "invalid_amount"
	CodeUnsupportedCurrency = "unsupported_currency"
	CodeValidation          = "validation_error"
	CodeInsufficientFunds   = "insufficient_funds"
	CodeInvalidTransition   = "invalid_state_transition"
	CodeAlreadySettled      = "already_settled"
	CodeConflict            = "conflict"
	CodeInternal            = "internal_error"
)

// classify maps an engine error to its HTTP status and code. Order matters:
// structured errors are checked before the sentinels they unwrap to.
func classify(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, CodeInvalidAmount
	case errors.Is(err, ledger.ErrUnsupportedCurrency):
		return http.StatusBadRequest, CodeUnsupportedCurrency
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, CodeInsufficientFunds
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, ledger.ErrAlreadySettled):
		return http.StatusConflict, CodeAlreadySettled
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, CodeConflict
	}
	return http.StatusInternalServerError, CodeInternal
}

// details extracts the structured context of an error for the response body.
func details(err error) any {
	var (
		ife   *ledger.InsufficientFundsError
		ste   *ledger.StateTransitionError
		ase   *ledger.AlreadySettledError
		nfe   *ledger.NotFoundError
		verrs validator.ValidationErrors
	)
	switch {
	case errors.As(err, &ife):
		return map[string]string{
			"wallet_id": string(ife.WalletID),
			"currency":  string(ife.Currency),
			"available": ife.Available.String(),
			"requested": ife.Requested.String(),
			"shortfall": ife.Shortfall().String(),
		}
	case errors.As(err, &ste):
		d := map[string]string{"entity": ste.Entity, "id": ste.ID, "from": ste.From, "to": ste.To}
		if ste.Reason != "" {
			d["reason"] = ste.Reason
		}
		return d
	case errors.As(err, &ase):
		return map[string]string{"hold_id": string(ase.HoldID), "state": string(ase.State)}
	case errors.As(err, &nfe):
		return map[string]string{"entity": nfe.Entity, "id": nfe.ID}
	case errors.As(err, &verrs):
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return fields
	}
	return nil
}

// writeError maps err to a JSON error response. Internal errors are logged
// at Error and their message is not echoed to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: message, Code: code, Details: details(err)}

	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		resp.Error = message + ": " + err.Error()
		h.logger.Warn(message, fields...)
	}
	writeJSON(w, status, resp)
}
