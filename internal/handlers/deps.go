package handlers

import (
	"context"
	"iter"
	"time"

	"freedomtag/internal/models"
	"freedomtag/internal/payments"
	"freedomtag/internal/services"
	"freedomtag/internal/store"
)

type LedgerService interface {
	Wallet(ctx context.Context, walletID string) (models.Wallet, error)
	Transfer(ctx context.Context, req services.TransferRequest) (models.Transaction, error)
	FundExternally(ctx context.Context, req services.FundRequest) (models.Transaction, error)
	PayOut(ctx context.Context, req services.FundRequest) (models.Transaction, error)
	BeginPending(ctx context.Context, req services.TransferRequest) (models.Transaction, error)
}

type OnboardingService interface {
	ProvisionTag(ctx context.Context, in services.TagInput) (services.ProvisionedTag, error)
	ProvisionPhilanthropist(ctx context.Context, in services.PhilanthropistInput) (services.ProvisionedPhilanthropist, error)
	ProvisionOrganization(ctx context.Context, in services.OrganizationInput) (services.ProvisionedOrganization, error)
	ProvisionOutlet(ctx context.Context, in services.OutletInput) (services.ProvisionedOutlet, error)
	VerifyTagPIN(ctx context.Context, code, pin string) (models.Tag, error)
	SetTagVerification(ctx context.Context, code string, status models.VerificationStatus) (models.Tag, error)
}

type RecurringService interface {
	Create(ctx context.Context, in services.RecurringInput) (models.RecurringDonation, error)
	Get(ctx context.Context, id string) (models.RecurringDonation, error)
	ListByPhilanthropist(ctx context.Context, philanthropistID string) ([]models.RecurringDonation, error)
	SetStatus(ctx context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error)
	ProcessDue(ctx context.Context, now time.Time) (services.BatchSummary, error)
}

type ReconcileService interface {
	Run(ctx context.Context) (services.ReconcileReport, error)
}

type ReferralService interface {
	RetryUnpaid(ctx context.Context, limit int) (services.RetrySummary, error)
}

type DirectoryStore interface {
	TagByCode(ctx context.Context, code string) (models.Tag, error)
	OutletByCode(ctx context.Context, code string) (models.MerchantOutlet, error)
}

type TransactionStore interface {
	List(ctx context.Context, filter store.TransactionFilter, limit, offset int) ([]models.Transaction, error)
	TopDonors(ctx context.Context, since time.Time, limit int) ([]store.LeaderboardRow, error)
	Scan(ctx context.Context, filter store.TransactionFilter) iter.Seq2[models.Transaction, error]
}

type WalletStore interface {
	List(ctx context.Context, kind models.WalletKind, limit, offset int) ([]models.Wallet, error)
}

type ReferralStore interface {
	ListByReferrer(ctx context.Context, referrerCode string) ([]models.Referral, error)
}

type AuditStore interface {
	List(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error)
}

type PaymentWebhook interface {
	Handle(ctx context.Context, payload []byte, signature string) (payments.Result, error)
}
