package services

import (
	"context"
	"errors"
	"fmt"

	"freedomtag/internal/logging"
	"freedomtag/internal/models"
	"freedomtag/internal/referral"
	"freedomtag/internal/store"

	"github.com/google/uuid"
)

const ReferralScope = "referral"

type ReferralResolver interface {
	ResolveReferralCode(ctx context.Context, code string) (store.ReferralTarget, error)
}

type Funder interface {
	FundExternally(ctx context.Context, req FundRequest) (models.Transaction, error)
}

// ReferredEntity is the newly provisioned party whose signup used a
// referral code.
type ReferredEntity struct {
	Type referral.EntityType
	Code string
}

// Referrals pays referral rewards. Payment is best effort: a failed credit
// leaves the referral unpaid for RetryUnpaid and never fails the signup.
type Referrals struct {
	resolver  ReferralResolver
	referrals ReferralStore
	funder    Funder
	logger    logging.Logger
}

func NewReferrals(resolver ReferralResolver, referrals ReferralStore, funder Funder, logger logging.Logger) *Referrals {
	return &Referrals{resolver: resolver, referrals: referrals, funder: funder, logger: logger}
}

// Apply returns nil when the code does not resolve to a known entity.
func (r *Referrals) Apply(ctx context.Context, referrerCode string, referred ReferredEntity) (*models.Referral, error) {
	if referrerCode == "" {
		return nil, nil
	}
	target, err := r.resolver.ResolveReferralCode(ctx, referrerCode)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.WithField("referral_code", referrerCode).Info("unknown referral code ignored")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve referral code: %w", err)
	}
	referrerType, err := referral.ParseEntityType(target.Type)
	if err != nil {
		return nil, err
	}

	record, err := r.referrals.Create(ctx, models.Referral{
		ID:           uuid.NewString(),
		ReferrerCode: referrerCode,
		ReferrerType: string(referrerType),
		ReferredCode: referred.Code,
		ReferredType: string(referred.Type),
		RewardMinor:  referral.Reward(referrerType, referred.Type),
	})
	if err != nil {
		return nil, fmt.Errorf("record referral: %w", err)
	}
	r.pay(ctx, &record, target.WalletID)
	return &record, nil
}

type RetrySummary struct {
	Attempted int `json:"attempted"`
	Paid      int `json:"paid"`
	Failed    int `json:"failed"`
}

// RetryUnpaid re-attempts rewards that were recorded but not credited.
// Credits are idempotent on the referred code, so a reward paid before a
// crash is acknowledged rather than paid twice.
func (r *Referrals) RetryUnpaid(ctx context.Context, limit int) (RetrySummary, error) {
	unpaid, err := r.referrals.ListUnpaid(ctx, limit)
	if err != nil {
		return RetrySummary{}, fmt.Errorf("list unpaid referrals: %w", err)
	}
	var summary RetrySummary
	for i := range unpaid {
		summary.Attempted++
		target, err := r.resolver.ResolveReferralCode(ctx, unpaid[i].ReferrerCode)
		if err != nil {
			summary.Failed++
			r.logger.WithError(err).WithField("referral_id", unpaid[i].ID).Warn("referrer lookup failed")
			continue
		}
		if r.pay(ctx, &unpaid[i], target.WalletID) {
			summary.Paid++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

func (r *Referrals) pay(ctx context.Context, record *models.Referral, walletID *string) bool {
	log := r.logger.WithFields(logging.Fields{"referral_id": record.ID, "referrer_code": record.ReferrerCode})
	if walletID == nil || *walletID == "" {
		log.Warn("referrer has no wallet, reward left unpaid")
		return false
	}
	txn, err := r.funder.FundExternally(ctx, FundRequest{
		WalletID:         *walletID,
		AmountMinor:      record.RewardMinor,
		Kind:             models.KindReferralReward,
		Metadata:         models.Metadata{ReferralID: record.ID},
		IdempotencyScope: ReferralScope,
		IdempotencyKey:   record.ReferredCode,
	})
	if err != nil && !errors.Is(err, ErrDuplicateTransfer) {
		log.WithError(err).Warn("referral reward credit failed")
		return false
	}
	if err := r.referrals.MarkPaid(ctx, record.ID, txn.ID); err != nil {
		log.WithError(err).WithField("transaction_id", txn.ID).Error("reward credited but referral not marked paid")
		return false
	}
	record.RewardPaid = true
	record.TransactionID = &txn.ID
	return true
}
