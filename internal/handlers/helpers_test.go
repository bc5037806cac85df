package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http/httptest"
	"testing"
	"time"

	"freedomtag/internal/auth"
	"freedomtag/internal/config"
	"freedomtag/internal/models"
	"freedomtag/internal/payments"
	"freedomtag/internal/services"
	"freedomtag/internal/store"
	"freedomtag/internal/websocket"
)

const testSecret = "secret"

type stubLedger struct {
	walletFn   func(ctx context.Context, walletID string) (models.Wallet, error)
	transferFn func(ctx context.Context, req services.TransferRequest) (models.Transaction, error)
	fundFn     func(ctx context.Context, req services.FundRequest) (models.Transaction, error)
	payOutFn   func(ctx context.Context, req services.FundRequest) (models.Transaction, error)
	pendingFn  func(ctx context.Context, req services.TransferRequest) (models.Transaction, error)
}

func (s stubLedger) Wallet(ctx context.Context, walletID string) (models.Wallet, error) {
	if s.walletFn == nil {
		return models.Wallet{ID: walletID, Currency: "ZAR"}, nil
	}
	return s.walletFn(ctx, walletID)
}

func (s stubLedger) Transfer(ctx context.Context, req services.TransferRequest) (models.Transaction, error) {
	if s.transferFn == nil {
		return models.Transaction{ID: "tx-1", Status: models.StatusCompleted, AmountMinor: req.AmountMinor}, nil
	}
	return s.transferFn(ctx, req)
}

func (s stubLedger) FundExternally(ctx context.Context, req services.FundRequest) (models.Transaction, error) {
	if s.fundFn == nil {
		return models.Transaction{ID: "tx-1", Status: models.StatusCompleted, AmountMinor: req.AmountMinor}, nil
	}
	return s.fundFn(ctx, req)
}

func (s stubLedger) PayOut(ctx context.Context, req services.FundRequest) (models.Transaction, error) {
	if s.payOutFn == nil {
		return models.Transaction{ID: "tx-1", Status: models.StatusCompleted, AmountMinor: req.AmountMinor}, nil
	}
	return s.payOutFn(ctx, req)
}

func (s stubLedger) BeginPending(ctx context.Context, req services.TransferRequest) (models.Transaction, error) {
	if s.pendingFn == nil {
		return models.Transaction{ID: "tx-p", Status: models.StatusPending, AmountMinor: req.AmountMinor}, nil
	}
	return s.pendingFn(ctx, req)
}

type stubOnboarding struct {
	tagFn            func(ctx context.Context, in services.TagInput) (services.ProvisionedTag, error)
	philanthropistFn func(ctx context.Context, in services.PhilanthropistInput) (services.ProvisionedPhilanthropist, error)
	organizationFn   func(ctx context.Context, in services.OrganizationInput) (services.ProvisionedOrganization, error)
	outletFn         func(ctx context.Context, in services.OutletInput) (services.ProvisionedOutlet, error)
	verifyPINFn      func(ctx context.Context, code, pin string) (models.Tag, error)
	verificationFn   func(ctx context.Context, code string, status models.VerificationStatus) (models.Tag, error)
}

func (s stubOnboarding) ProvisionTag(ctx context.Context, in services.TagInput) (services.ProvisionedTag, error) {
	if s.tagFn == nil {
		return services.ProvisionedTag{}, nil
	}
	return s.tagFn(ctx, in)
}

func (s stubOnboarding) ProvisionPhilanthropist(ctx context.Context, in services.PhilanthropistInput) (services.ProvisionedPhilanthropist, error) {
	if s.philanthropistFn == nil {
		return services.ProvisionedPhilanthropist{}, nil
	}
	return s.philanthropistFn(ctx, in)
}

func (s stubOnboarding) ProvisionOrganization(ctx context.Context, in services.OrganizationInput) (services.ProvisionedOrganization, error) {
	if s.organizationFn == nil {
		return services.ProvisionedOrganization{}, nil
	}
	return s.organizationFn(ctx, in)
}

func (s stubOnboarding) ProvisionOutlet(ctx context.Context, in services.OutletInput) (services.ProvisionedOutlet, error) {
	if s.outletFn == nil {
		return services.ProvisionedOutlet{}, nil
	}
	return s.outletFn(ctx, in)
}

func (s stubOnboarding) VerifyTagPIN(ctx context.Context, code, pin string) (models.Tag, error) {
	if s.verifyPINFn == nil {
		return models.Tag{Code: code, WalletID: "tag-wallet", VerificationStatus: models.VerificationApproved}, nil
	}
	return s.verifyPINFn(ctx, code, pin)
}

func (s stubOnboarding) SetTagVerification(ctx context.Context, code string, status models.VerificationStatus) (models.Tag, error) {
	if s.verificationFn == nil {
		return models.Tag{Code: code, VerificationStatus: status}, nil
	}
	return s.verificationFn(ctx, code, status)
}

type stubRecurring struct {
	createFn     func(ctx context.Context, in services.RecurringInput) (models.RecurringDonation, error)
	getFn        func(ctx context.Context, id string) (models.RecurringDonation, error)
	listFn       func(ctx context.Context, philanthropistID string) ([]models.RecurringDonation, error)
	setStatusFn  func(ctx context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error)
	processDueFn func(ctx context.Context, now time.Time) (services.BatchSummary, error)
}

func (s stubRecurring) Create(ctx context.Context, in services.RecurringInput) (models.RecurringDonation, error) {
	if s.createFn == nil {
		return models.RecurringDonation{ID: "rd-1"}, nil
	}
	return s.createFn(ctx, in)
}

func (s stubRecurring) Get(ctx context.Context, id string) (models.RecurringDonation, error) {
	if s.getFn == nil {
		return models.RecurringDonation{ID: id}, nil
	}
	return s.getFn(ctx, id)
}

func (s stubRecurring) ListByPhilanthropist(ctx context.Context, philanthropistID string) ([]models.RecurringDonation, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, philanthropistID)
}

func (s stubRecurring) SetStatus(ctx context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error) {
	if s.setStatusFn == nil {
		return models.RecurringDonation{ID: id, Status: status}, nil
	}
	return s.setStatusFn(ctx, id, status)
}

func (s stubRecurring) ProcessDue(ctx context.Context, now time.Time) (services.BatchSummary, error) {
	if s.processDueFn == nil {
		return services.BatchSummary{RanAt: now}, nil
	}
	return s.processDueFn(ctx, now)
}

type stubReconciler struct {
	runFn func(ctx context.Context) (services.ReconcileReport, error)
}

func (s stubReconciler) Run(ctx context.Context) (services.ReconcileReport, error) {
	if s.runFn == nil {
		return services.ReconcileReport{Conservation: services.Conservation{Balanced: true}}, nil
	}
	return s.runFn(ctx)
}

type stubReferrals struct {
	retryFn func(ctx context.Context, limit int) (services.RetrySummary, error)
}

func (s stubReferrals) RetryUnpaid(ctx context.Context, limit int) (services.RetrySummary, error) {
	if s.retryFn == nil {
		return services.RetrySummary{}, nil
	}
	return s.retryFn(ctx, limit)
}

type stubDirectory struct {
	tagFn    func(ctx context.Context, code string) (models.Tag, error)
	outletFn func(ctx context.Context, code string) (models.MerchantOutlet, error)
}

func (s stubDirectory) TagByCode(ctx context.Context, code string) (models.Tag, error) {
	if s.tagFn == nil {
		return models.Tag{Code: code, WalletID: "tag-wallet"}, nil
	}
	return s.tagFn(ctx, code)
}

func (s stubDirectory) OutletByCode(ctx context.Context, code string) (models.MerchantOutlet, error) {
	if s.outletFn == nil {
		return models.MerchantOutlet{Code: code, WalletID: "outlet-wallet", Status: models.OutletActive}, nil
	}
	return s.outletFn(ctx, code)
}

type stubTransactions struct {
	listFn      func(ctx context.Context, filter store.TransactionFilter, limit, offset int) ([]models.Transaction, error)
	topDonorsFn func(ctx context.Context, since time.Time, limit int) ([]store.LeaderboardRow, error)
	scanFn      func(ctx context.Context, filter store.TransactionFilter) iter.Seq2[models.Transaction, error]
}

func (s stubTransactions) Scan(ctx context.Context, filter store.TransactionFilter) iter.Seq2[models.Transaction, error] {
	if s.scanFn == nil {
		return func(func(models.Transaction, error) bool) {}
	}
	return s.scanFn(ctx, filter)
}

func (s stubTransactions) List(ctx context.Context, filter store.TransactionFilter, limit, offset int) ([]models.Transaction, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, filter, limit, offset)
}

func (s stubTransactions) TopDonors(ctx context.Context, since time.Time, limit int) ([]store.LeaderboardRow, error) {
	if s.topDonorsFn == nil {
		return nil, nil
	}
	return s.topDonorsFn(ctx, since, limit)
}

type stubWallets struct {
	listFn func(ctx context.Context, kind models.WalletKind, limit, offset int) ([]models.Wallet, error)
}

func (s stubWallets) List(ctx context.Context, kind models.WalletKind, limit, offset int) ([]models.Wallet, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, kind, limit, offset)
}

type stubReferralLog struct {
	listFn func(ctx context.Context, referrerCode string) ([]models.Referral, error)
}

func (s stubReferralLog) ListByReferrer(ctx context.Context, referrerCode string) ([]models.Referral, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, referrerCode)
}

type stubAudit struct {
	listFn func(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error)
}

func (s stubAudit) List(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, action, limit, offset)
}

type stubWebhook struct {
	handleFn func(ctx context.Context, payload []byte, signature string) (payments.Result, error)
}

func (s stubWebhook) Handle(ctx context.Context, payload []byte, signature string) (payments.Result, error) {
	if s.handleFn == nil {
		return payments.Result{}, nil
	}
	return s.handleFn(ctx, payload, signature)
}

// newTestHandler fills every dependency the test leaves empty with a
// permissive stub.
func newTestHandler(deps Deps) *Handler {
	deps.Config = config.Config{JWTSecret: testSecret, AllowedOrigins: "*", ReferenceCurrency: "USD", SettlementCurrency: "ZAR"}
	if deps.Ledger == nil {
		deps.Ledger = stubLedger{}
	}
	if deps.Onboarding == nil {
		deps.Onboarding = stubOnboarding{}
	}
	if deps.Recurring == nil {
		deps.Recurring = stubRecurring{}
	}
	if deps.Reconciler == nil {
		deps.Reconciler = stubReconciler{}
	}
	if deps.Referrals == nil {
		deps.Referrals = stubReferrals{}
	}
	if deps.Directory == nil {
		deps.Directory = stubDirectory{}
	}
	if deps.Transactions == nil {
		deps.Transactions = stubTransactions{}
	}
	if deps.Wallets == nil {
		deps.Wallets = stubWallets{}
	}
	if deps.ReferralLog == nil {
		deps.ReferralLog = stubReferralLog{}
	}
	if deps.Audit == nil {
		deps.Audit = stubAudit{}
	}
	if deps.Webhook == nil {
		deps.Webhook = stubWebhook{}
	}
	if deps.Hub == nil {
		deps.Hub = websocket.NewHub()
	}
	return New(deps)
}

var (
	philanthropist = &auth.Claims{UserID: "user-1", Role: auth.RolePhilanthropist, WalletID: "phil-wallet", EntityID: "phil-1"}
	merchant       = &auth.Claims{UserID: "user-2", Role: auth.RoleMerchant, WalletID: "outlet-wallet", EntityID: "outlet-1"}
	admin          = &auth.Claims{UserID: "user-9", Role: auth.RoleAdmin}
)

// do sends a request through the full router, signed for claims when not nil.
func do(t *testing.T, h *Handler, method, path, body string, claims *auth.Claims) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if claims != nil {
		token, err := auth.GenerateToken(testSecret, *claims, time.Minute)
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not a JSON object: %v (%s)", err, rr.Body.String())
	}
	return body
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}
