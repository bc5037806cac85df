package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"freedomtag/internal/middleware"
	"freedomtag/internal/models"
	"freedomtag/internal/payments"
	"freedomtag/internal/services"
	"freedomtag/internal/store"

	"github.com/go-chi/chi/v5"
)

type transferRequest struct {
	FromWalletID   string `json:"from_wallet_id" validate:"required"`
	ToWalletID     string `json:"to_wallet_id" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Memo           string `json:"memo" validate:"max=280"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

// Transfer moves funds peer to peer between two wallets.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !canActFor(claims, req.FromWalletID) {
		respondError(w, http.StatusForbidden, "wallet_access_denied")
		return
	}
	amountMinor, ok := parseAmountMinor(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	txn, err := h.ledger.Transfer(r.Context(), services.TransferRequest{
		From:             &req.FromWalletID,
		To:               &req.ToWalletID,
		AmountMinor:      amountMinor,
		Kind:             models.KindP2P,
		Metadata:         models.Metadata{Memo: req.Memo},
		IdempotencyScope: callerScope("p2p", req.FromWalletID),
		IdempotencyKey:   idempotencyKey(r, req.IdempotencyKey),
		Actor:            claims.UserID,
	})
	respondTransfer(w, h.logger, txn, err)
}

type donateRequest struct {
	TagCode        string `json:"tag_code" validate:"required,code"`
	Amount         string `json:"amount" validate:"required"`
	Memo           string `json:"memo" validate:"max=280"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

// Donate gives from the calling philanthropist's wallet to a tag.
func (h *Handler) Donate(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok || claims.WalletID == "" {
		respondError(w, http.StatusForbidden, "no wallet on token")
		return
	}
	var req donateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amountMinor, ok := parseAmountMinor(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	tag, err := h.directory.TagByCode(r.Context(), strings.ToUpper(req.TagCode))
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	txn, err := h.ledger.Transfer(r.Context(), services.TransferRequest{
		From:             &claims.WalletID,
		To:               &tag.WalletID,
		AmountMinor:      amountMinor,
		Kind:             models.KindDonation,
		Metadata:         models.Metadata{Memo: req.Memo},
		IdempotencyScope: callerScope("donation", claims.WalletID),
		IdempotencyKey:   idempotencyKey(r, req.IdempotencyKey),
		Actor:            claims.UserID,
	})
	respondTransfer(w, h.logger, txn, err)
}

type publicDonationRequest struct {
	Amount          string `json:"amount" validate:"required"`
	PaymentIntentID string `json:"payment_intent_id" validate:"required,max=128"`
	DonorName       string `json:"donor_name" validate:"max=120"`
	DonorEmail      string `json:"donor_email" validate:"omitempty,email"`
	DonorCountry    string `json:"donor_country" validate:"omitempty,len=2"`
	Memo            string `json:"memo" validate:"max=280"`
}

// PublicDonation records a card donation to a tag from an anonymous donor.
// The record stays pending until the gateway webhook for the same payment
// intent settles it.
func (h *Handler) PublicDonation(w http.ResponseWriter, r *http.Request) {
	var req publicDonationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amountMinor, ok := parseAmountMinor(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	tag, err := h.directory.TagByCode(r.Context(), strings.ToUpper(chi.URLParam(r, "code")))
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	txn, err := h.ledger.BeginPending(r.Context(), services.TransferRequest{
		To:          &tag.WalletID,
		AmountMinor: amountMinor,
		Kind:        models.KindDonation,
		Reference:   "stripe " + req.PaymentIntentID,
		Metadata: models.Metadata{
			DonorName:    req.DonorName,
			DonorEmail:   strings.ToLower(req.DonorEmail),
			DonorCountry: strings.ToUpper(req.DonorCountry),
			Memo:         req.Memo,
			ExternalRef:  req.PaymentIntentID,
		},
		IdempotencyScope: payments.Scope,
		IdempotencyKey:   req.PaymentIntentID,
		Actor:            "public",
	})
	respondTransfer(w, h.logger, txn, err)
}

type redeemRequest struct {
	TagCode        string `json:"tag_code" validate:"required,code"`
	PIN            string `json:"pin" validate:"required,pin"`
	OutletCode     string `json:"outlet_code" validate:"required,code"`
	Amount         string `json:"amount" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

// Redeem spends a beneficiary's balance at a merchant outlet after the
// beneficiary confirms with the tag PIN.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req redeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amountMinor, ok := parseAmountMinor(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	tag, err := h.onboarding.VerifyTagPIN(r.Context(), req.TagCode, req.PIN)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	if tag.VerificationStatus == models.VerificationRejected {
		respondError(w, http.StatusForbidden, "tag_rejected")
		return
	}
	outlet, err := h.directory.OutletByCode(r.Context(), strings.ToUpper(req.OutletCode))
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	if !canActFor(claims, outlet.WalletID) {
		respondError(w, http.StatusForbidden, "outlet_access_denied")
		return
	}
	if outlet.Status != models.OutletActive {
		respondError(w, http.StatusForbidden, "outlet_inactive")
		return
	}
	txn, err := h.ledger.Transfer(r.Context(), services.TransferRequest{
		From:             &tag.WalletID,
		To:               &outlet.WalletID,
		AmountMinor:      amountMinor,
		Kind:             models.KindRedemption,
		IdempotencyScope: callerScope("redemption", outlet.WalletID),
		IdempotencyKey:   idempotencyKey(r, req.IdempotencyKey),
		Actor:            claims.UserID,
	})
	respondTransfer(w, h.logger, txn, err)
}

type payoutRequest struct {
	WalletID       string `json:"wallet_id" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Reference      string `json:"reference" validate:"required,max=140"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

// Payout withdraws funds from a merchant or organization wallet to an
// external account.
func (h *Handler) Payout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req payoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !canActFor(claims, req.WalletID) {
		respondError(w, http.StatusForbidden, "wallet_access_denied")
		return
	}
	amountMinor, ok := parseAmountMinor(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	txn, err := h.ledger.PayOut(r.Context(), services.FundRequest{
		WalletID:         req.WalletID,
		AmountMinor:      amountMinor,
		Kind:             models.KindWithdraw,
		Reference:        req.Reference,
		IdempotencyScope: callerScope("payout", req.WalletID),
		IdempotencyKey:   idempotencyKey(r, req.IdempotencyKey),
		Actor:            claims.UserID,
	})
	respondTransfer(w, h.logger, txn, err)
}

// StripeWebhook applies a signed gateway event. Signature failures get 400
// so the gateway stops retrying; other failures get 500 so it retries.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	result, err := h.webhook.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature), errors.Is(err, payments.ErrMalformedEvent):
		respondError(w, http.StatusBadRequest, "invalid_webhook")
	case errors.Is(err, payments.ErrUnresolvedWallet), errors.Is(err, payments.ErrUnsupportedCurrency),
		errors.Is(err, payments.ErrIntentMismatch),
		errors.Is(err, services.ErrInvalidTransfer), errors.Is(err, services.ErrNotFound):
		// Retrying cannot fix these; the error log carries the intent.
		respondJSON(w, http.StatusOK, map[string]any{"received": true, "applied": false})
	case err != nil:
		respondError(w, http.StatusInternalServerError, "webhook_failed")
	default:
		respondJSON(w, http.StatusOK, map[string]any{"received": true, "applied": !result.Ignored, "result": result})
	}
}

func (h *Handler) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}
	respondLedgerError(w, h.logger, err)
}
