package handlers

import (
	"net/http"
	"strings"

	"freedomtag/internal/auth"
	"freedomtag/internal/middleware"
	"freedomtag/internal/models"
	"freedomtag/internal/services"

	"github.com/go-chi/chi/v5"
)

type createTagRequest struct {
	Code        string  `json:"code" validate:"omitempty,code"`
	DisplayName string  `json:"display_name" validate:"required,max=120"`
	PIN         string  `json:"pin" validate:"required,pin"`
	UserID      *string `json:"user_id"`
	ReferredBy  string  `json:"referred_by" validate:"max=32"`
}

// CreateTag issues a beneficiary tag under the calling organization.
func (h *Handler) CreateTag(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var req createTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := services.TagInput{
		Code:        req.Code,
		DisplayName: req.DisplayName,
		PIN:         req.PIN,
		UserID:      req.UserID,
		ReferredBy:  req.ReferredBy,
	}
	if claims != nil && claims.Role == auth.RoleOrganization && claims.EntityID != "" {
		in.OrganizationID = &claims.EntityID
	}
	created, err := h.onboarding.ProvisionTag(r.Context(), in)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

type createPhilanthropistRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=120"`
	Email       string `json:"email" validate:"required,email"`
	Anonymous   bool   `json:"anonymous"`
	ReferredBy  string `json:"referred_by" validate:"max=32"`
}

func (h *Handler) CreatePhilanthropist(w http.ResponseWriter, r *http.Request) {
	var req createPhilanthropistRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := h.onboarding.ProvisionPhilanthropist(r.Context(), services.PhilanthropistInput{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Anonymous:   req.Anonymous,
		ReferredBy:  req.ReferredBy,
	})
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

type createOrganizationRequest struct {
	Name       string `json:"name" validate:"required,max=120"`
	ReferredBy string `json:"referred_by" validate:"max=32"`
}

func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := h.onboarding.ProvisionOrganization(r.Context(), services.OrganizationInput{
		Name:       req.Name,
		ReferredBy: req.ReferredBy,
	})
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

type createOutletRequest struct {
	Code        string `json:"code" validate:"required,code"`
	ChainID     string `json:"chain_id" validate:"required,max=64"`
	DisplayName string `json:"display_name" validate:"required,max=120"`
	ReferredBy  string `json:"referred_by" validate:"max=32"`
}

func (h *Handler) CreateOutlet(w http.ResponseWriter, r *http.Request) {
	var req createOutletRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := h.onboarding.ProvisionOutlet(r.Context(), services.OutletInput{
		Code:        req.Code,
		ChainID:     req.ChainID,
		DisplayName: req.DisplayName,
		ReferredBy:  req.ReferredBy,
	})
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// PublicTag is what a donor sees after scanning a tag. It never includes
// the balance.
func (h *Handler) PublicTag(w http.ResponseWriter, r *http.Request) {
	tag, err := h.directory.TagByCode(r.Context(), strings.ToUpper(chi.URLParam(r, "code")))
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	wallet, err := h.ledger.Wallet(r.Context(), tag.WalletID)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"code":          tag.Code,
		"display_name":  wallet.DisplayName,
		"verified":      tag.VerificationStatus == models.VerificationApproved,
		"currency":      wallet.Currency,
		"referral_code": tag.ReferralCode,
	})
}

type verificationRequest struct {
	Status models.VerificationStatus `json:"status" validate:"required"`
}

func (h *Handler) SetTagVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tag, err := h.onboarding.SetTagVerification(r.Context(), chi.URLParam(r, "code"), req.Status)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, tag)
}
