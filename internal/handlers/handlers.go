package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"freedomtag/internal/auth"
	"freedomtag/internal/logging"
	"freedomtag/internal/models"
	"freedomtag/internal/money"
	"freedomtag/internal/services"
	"freedomtag/internal/store"
	"freedomtag/internal/validator"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a request body into dst and runs its validate tags.
// It writes the error response itself and reports whether to continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	if err := validator.Struct(dst); err != nil {
		var fields validator.FieldErrors
		if errors.As(err, &fields) {
			respondJSON(w, http.StatusBadRequest, map[string]any{"error": "validation_failed", "fields": fields})
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

// respondLedgerError translates engine and service errors into API error
// codes. Inconsistencies and conversion failures stay generic for callers.
func respondLedgerError(w http.ResponseWriter, logger logging.Logger, err error) {
	var ledgerErr *services.LedgerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, services.ErrInsufficientFunds):
		respondError(w, http.StatusUnprocessableEntity, "insufficient_funds")
	case errors.Is(err, services.ErrInvalidTransfer):
		respondError(w, http.StatusBadRequest, "invalid_transfer")
	case errors.Is(err, services.ErrInvalidBalance):
		respondError(w, http.StatusConflict, "invalid_balance")
	case errors.Is(err, services.ErrLedgerInconsistency), errors.Is(err, services.ErrConversionUnavailable):
		logger.WithError(err).Error("request deferred")
		respondError(w, http.StatusServiceUnavailable, "processing_delayed")
	case errors.Is(err, store.ErrDuplicateKey):
		respondError(w, http.StatusConflict, "already_exists")
	case errors.Is(err, auth.ErrInvalidPIN):
		respondError(w, http.StatusUnauthorized, "invalid_pin")
	case errors.Is(err, services.ErrPINRequired), errors.Is(err, services.ErrUnknownVerification), errors.Is(err, services.ErrInvalidRecurring),
		errors.Is(err, validator.ErrInvalidEmail), errors.Is(err, validator.ErrInvalidTagCode), errors.Is(err, validator.ErrInvalidPIN):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ledgerErr):
		respondError(w, http.StatusBadRequest, string(ledgerErr.Kind))
	default:
		logger.WithError(err).Error("request failed")
		respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

type transactionResponse struct {
	models.Transaction
	Amount    string `json:"amount"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func newTransactionResponse(txn models.Transaction) transactionResponse {
	return transactionResponse{Transaction: txn, Amount: money.FormatMinor(txn.AmountMinor)}
}

// respondTransfer writes a ledger result. A replayed request returns the
// original record with 200 instead of 201.
func respondTransfer(w http.ResponseWriter, logger logging.Logger, txn models.Transaction, err error) {
	if errors.Is(err, services.ErrDuplicateTransfer) {
		resp := newTransactionResponse(txn)
		resp.Duplicate = true
		respondJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		respondLedgerError(w, logger, err)
		return
	}
	status := http.StatusCreated
	if txn.Status == models.StatusPending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, newTransactionResponse(txn))
}

func parseAmountMinor(raw string) (int64, bool) {
	amount, err := money.ParseMinor(raw)
	if err != nil || amount <= 0 {
		return 0, false
	}
	return amount, true
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func idempotencyKey(r *http.Request, body string) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return body
}

// callerScope keeps client idempotency keys from colliding across wallets
// and operations.
func callerScope(op, walletID string) string {
	return op + ":" + walletID
}
