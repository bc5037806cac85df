package handlers

import (
	"net/http"
	"time"

	"freedomtag/internal/middleware"
	"freedomtag/internal/models"
	"freedomtag/internal/services"
)

type runRecurringRequest struct {
	// Now overrides the processing time, mainly to replay a missed run.
	Now *time.Time `json:"now"`
}

func (h *Handler) RunRecurring(w http.ResponseWriter, r *http.Request) {
	var req runRecurringRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	now := time.Now()
	if req.Now != nil {
		now = *req.Now
	}
	summary, err := h.recurring.ProcessDue(r.Context(), now)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"clean": report.Clean(), "report": report})
}

func (h *Handler) RetryReferrals(w http.ResponseWriter, r *http.Request) {
	limit := min(parseInt(r.URL.Query().Get("limit"), 100), 1000)
	summary, err := h.referrals.RetryUnpaid(r.Context(), limit)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

type adminFundRequest struct {
	WalletID       string                 `json:"wallet_id" validate:"required"`
	Amount         string                 `json:"amount" validate:"required"`
	Kind           models.TransactionKind `json:"kind" validate:"required,oneof=FIAT_FUND CRYPTO_FUND REFUND"`
	Reference      string                 `json:"reference" validate:"required,max=140"`
	BlockchainHash string                 `json:"blockchain_hash" validate:"max=128"`
	IdempotencyKey string                 `json:"idempotency_key" validate:"required,max=128"`
}

// AdminFund credits a wallet for money received outside the card gateway,
// such as a bank transfer or an on-chain deposit.
func (h *Handler) AdminFund(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var req adminFundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amountMinor, ok := parseAmountMinor(req.Amount)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	actor := ""
	if claims != nil {
		actor = claims.UserID
	}
	txn, err := h.ledger.FundExternally(r.Context(), services.FundRequest{
		WalletID:         req.WalletID,
		AmountMinor:      amountMinor,
		Kind:             req.Kind,
		Reference:        req.Reference,
		Metadata:         models.Metadata{BlockchainHash: req.BlockchainHash, ExternalRef: req.Reference},
		IdempotencyScope: "admin",
		IdempotencyKey:   req.IdempotencyKey,
		Actor:            actor,
	})
	respondTransfer(w, h.logger, txn, err)
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := min(parseInt(query.Get("limit"), 50), 500)
	page := parseInt(query.Get("page"), 1)
	rows, err := h.audit.List(r.Context(), query.Get("action"), limit, (page-1)*limit)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	kind := models.WalletKind(query.Get("kind"))
	switch kind {
	case "", models.WalletBeneficiaryTag, models.WalletMerchantOutlet, models.WalletPhilanthropist, models.WalletOrganization:
	default:
		respondError(w, http.StatusBadRequest, "unknown kind")
		return
	}
	limit := min(parseInt(query.Get("limit"), 50), 500)
	page := parseInt(query.Get("page"), 1)
	rows, err := h.wallets.List(r.Context(), kind, limit, (page-1)*limit)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	if rows == nil {
		rows = []models.Wallet{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// ListReferrals shows who signed up with a referral code and whether the
// reward has been credited.
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("referrer_code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "referrer_code is required")
		return
	}
	rows, err := h.referralLog.ListByReferrer(r.Context(), code)
	if err != nil {
		respondLedgerError(w, h.logger, err)
		return
	}
	if rows == nil {
		rows = []models.Referral{}
	}
	respondJSON(w, http.StatusOK, rows)
}
