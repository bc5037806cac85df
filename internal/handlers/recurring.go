package handlers

import (
	"net/http"

	"freedomtag/internal/auth"
	"freedomtag/internal/middleware"
	"freedomtag/internal/models"
	"freedomtag/internal/money"
	"freedomtag/internal/services"

	"github.com/go-chi/chi/v5"
)

type createRecurringRequest struct {
	RecipientType  models.RecipientType `json:"recipient_type" validate:"required,oneof=TAG ORGANIZATION"`
	RecipientID    string               `json:"recipient_id" validate:"required"`
	Amount         string               `json:"amount" validate:"required"`
	Currency       string               `json:"currency" validate:"omitempty,currency"`
	AutoDonateDust bool                 `json:"auto_donate_dust"`
	DustThreshold  string               `json:"dust_threshold"`
}

// CreateRecurring schedules a monthly gift from the calling philanthropist.
// Amounts are in Currency, converted to the settlement currency at run time.
func (h *Handler) CreateRecurring(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.EntityID == "" {
		respondError(w, http.StatusForbidden, "no philanthropist on token")
		return
	}
	var req createRecurringRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amountMinor, ok := parseAmountMinor(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	var threshold int64
	if req.DustThreshold != "" {
		parsed, err := money.ParseMinor(req.DustThreshold)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "invalid_dust_threshold")
			return
		}
		threshold = parsed
	}
	currency := req.Currency
	if currency == "" {
		currency = h.cfg.ReferenceCurrency
	}
	donation, err := h.recurring.Create(r.Context(), services.RecurringInput{
		PhilanthropistID:   claims.EntityID,
		RecipientType:      req.RecipientType,
		RecipientID:        req.RecipientID,
		AmountMinor:        amountMinor,
		Currency:           currency,
		AutoDonateDust:     req.AutoDonateDust,
		DustThresholdMinor: threshold,
	})
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, donation)
}

func (h *Handler) ListRecurring(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	philanthropistID := ""
	if claims != nil {
		philanthropistID = claims.EntityID
	}
	if claims != nil && claims.Role == auth.RoleAdmin {
		if requested := r.URL.Query().Get("philanthropist_id"); requested != "" {
			philanthropistID = requested
		}
	}
	if philanthropistID == "" {
		respondError(w, http.StatusForbidden, "no philanthropist on token")
		return
	}
	donations, err := h.recurring.ListByPhilanthropist(r.Context(), philanthropistID)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	if donations == nil {
		donations = []models.RecurringDonation{}
	}
	respondJSON(w, http.StatusOK, donations)
}

type recurringStatusRequest struct {
	Status models.RecurringStatus `json:"status" validate:"required,oneof=active paused cancelled"`
}

func (h *Handler) SetRecurringStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var req recurringStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	donation, err := h.recurring.Get(r.Context(), id)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	if claims == nil || (claims.Role != auth.RoleAdmin && claims.EntityID != donation.PhilanthropistID) {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}
	updated, err := h.recurring.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}
