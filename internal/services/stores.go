package services

import (
	"context"
	"time"

	"freedomtag/internal/models"
	"freedomtag/internal/store"
	"freedomtag/internal/websocket"
)

type WalletStore interface {
	Create(ctx context.Context, tx store.Execer, wallet models.Wallet) error
	GetByID(ctx context.Context, walletID string) (models.Wallet, error)
	GetForUpdate(ctx context.Context, tx store.Getter, walletID string) (models.Wallet, error)
	SetBalance(ctx context.Context, tx store.Getter, walletID string, expected, newBalance int64) (models.Wallet, error)
	SumBalances(ctx context.Context) (int64, error)
}

type TransactionStore interface {
	Append(ctx context.Context, tx store.Getter, input store.TransactionInput) (models.Transaction, error)
	UpdateStatus(ctx context.Context, tx store.Getter, transactionID string, status models.TransactionStatus) (models.Transaction, error)
	GetByID(ctx context.Context, transactionID string) (models.Transaction, error)
	GetForUpdate(ctx context.Context, tx store.Getter, transactionID string) (models.Transaction, error)
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)
	ExternalFlows(ctx context.Context) (int64, int64, error)
}

type IdempotencyStore interface {
	Claim(ctx context.Context, tx store.Execer, scope, key, transactionID string) (bool, error)
	Lookup(ctx context.Context, getter store.Getter, scope, key string) (string, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actor, action, entityType, entityID string, data any) error
}

type DirectoryStore interface {
	CreateTag(ctx context.Context, tx store.Execer, tag models.Tag) error
	CreateOutlet(ctx context.Context, tx store.Execer, outlet models.MerchantOutlet) error
	CreatePhilanthropist(ctx context.Context, tx store.Execer, p models.Philanthropist) error
	CreateOrganization(ctx context.Context, tx store.Execer, org models.Organization) error
	TagByCode(ctx context.Context, code string) (models.Tag, error)
	SetTagVerification(ctx context.Context, code string, status models.VerificationStatus) (models.Tag, error)
	PhilanthropistByID(ctx context.Context, id string) (models.Philanthropist, error)
	OrganizationByID(ctx context.Context, id string) (models.Organization, error)
	ResolveReferralCode(ctx context.Context, code string) (store.ReferralTarget, error)
}

type ReferralStore interface {
	Create(ctx context.Context, r models.Referral) (models.Referral, error)
	MarkPaid(ctx context.Context, id, transactionID string) error
	ListUnpaid(ctx context.Context, limit int) ([]models.Referral, error)
}

type RecurringStore interface {
	Create(ctx context.Context, d models.RecurringDonation) (models.RecurringDonation, error)
	GetByID(ctx context.Context, id string) (models.RecurringDonation, error)
	ListByPhilanthropist(ctx context.Context, philanthropistID string) ([]models.RecurringDonation, error)
	SetStatus(ctx context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecurringDonation, error)
	RecordSuccess(ctx context.Context, id string, processedAt, next time.Time) error
	RecordFailure(ctx context.Context, id string, pauseAt int) (models.RecurringDonation, error)
}

type BalanceHub interface {
	BroadcastBalance(update websocket.BalanceUpdate)
}

type LedgerMetrics interface {
	Transfer(kind, outcome string)
	Inconsistency()
}
