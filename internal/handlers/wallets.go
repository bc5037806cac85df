package handlers

import (
	"net/http"
	"time"

	"freedomtag/internal/auth"
	"freedomtag/internal/middleware"
	"freedomtag/internal/models"
	"freedomtag/internal/money"
	"freedomtag/internal/store"

	"github.com/go-chi/chi/v5"
)

// canActFor reports whether the caller may read or move funds of walletID.
func canActFor(claims *auth.Claims, walletID string) bool {
	return claims.Role == auth.RoleAdmin || (claims.WalletID != "" && claims.WalletID == walletID)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	walletID := chi.URLParam(r, "id")
	if !canActFor(claims, walletID) {
		respondError(w, http.StatusForbidden, "access denied")
		return
	}
	wallet, err := h.ledger.Wallet(r.Context(), walletID)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":            wallet.ID,
		"kind":          wallet.Kind,
		"display_name":  wallet.DisplayName,
		"currency":      wallet.Currency,
		"balance":       money.FormatMinor(wallet.BalanceMinor),
		"balance_minor": wallet.BalanceMinor,
		"updated_at":    wallet.UpdatedAt,
	})
}

// ListTransactions is the caller's activity feed, newest first. Admins may
// pass wallet_id to inspect any wallet or omit it for the global feed.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	query := r.URL.Query()
	filter := store.TransactionFilter{WalletID: claims.WalletID}
	if claims.Role == auth.RoleAdmin {
		filter.WalletID = query.Get("wallet_id")
	} else if filter.WalletID == "" {
		respondError(w, http.StatusForbidden, "no wallet on token")
		return
	}
	if kind := models.TransactionKind(query.Get("kind")); kind != "" {
		if !kind.Valid() {
			respondError(w, http.StatusBadRequest, "unknown kind")
			return
		}
		filter.Kinds = []models.TransactionKind{kind}
	}
	if status := query.Get("status"); status != "" {
		filter.Status = models.TransactionStatus(status)
	}
	limit := min(parseInt(query.Get("limit"), 50), 200)
	page := parseInt(query.Get("page"), 1)
	rows, err := h.transactions.List(r.Context(), filter, limit, (page-1)*limit)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	response := make([]transactionResponse, 0, len(rows))
	for _, row := range rows {
		response = append(response, newTransactionResponse(row))
	}
	respondJSON(w, http.StatusOK, response)
}

// Leaderboard ranks donors over the trailing window given by days.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	days := parseInt(query.Get("days"), 30)
	limit := min(parseInt(query.Get("limit"), 10), 100)
	rows, err := h.transactions.TopDonors(r.Context(), time.Now().AddDate(0, 0, -days), limit)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	response := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		response = append(response, map[string]any{
			"rank":           i + 1,
			"display_name":   row.DisplayName,
			"total":          money.FormatMinor(row.TotalMinor),
			"donation_count": row.Count,
		})
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	walletID := claims.WalletID
	if requested := r.URL.Query().Get("wallet_id"); requested != "" {
		walletID = requested
	}
	if walletID == "" || !canActFor(claims, walletID) {
		respondError(w, http.StatusForbidden, "access denied")
		return
	}
	h.streams.Serve(w, r, walletID)
}
