package store

import (
	"context"

	"freedomtag/internal/models"
)

type ReferralStore struct {
	db DB
}

const referralColumns = `id, referrer_code, referrer_type, referred_code, referred_type, reward_minor, reward_paid, transaction_id, created_at`

func NewReferralStore(db DB) *ReferralStore {
	return &ReferralStore{db: db}
}

// Create records a referral once per referred code. A second referral for the
// same referred entity returns ErrDuplicateKey.
func (s *ReferralStore) Create(ctx context.Context, r models.Referral) (models.Referral, error) {
	var row models.Referral
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO referrals (id, referrer_code, referrer_type, referred_code, referred_type, reward_minor, reward_paid, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+referralColumns,
		r.ID, r.ReferrerCode, r.ReferrerType, r.ReferredCode, r.ReferredType, r.RewardMinor, r.RewardPaid, r.TransactionID,
	)
	if err != nil {
		return models.Referral{}, mapInsertErr(err)
	}
	return row, nil
}

func (s *ReferralStore) MarkPaid(ctx context.Context, id, transactionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE referrals SET reward_paid = TRUE, transaction_id = $1
		WHERE id = $2 AND reward_paid = FALSE
	`, transactionID, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ReferralStore) ListUnpaid(ctx context.Context, limit int) ([]models.Referral, error) {
	var rows []models.Referral
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE reward_paid = FALSE
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ReferralStore) ListByReferrer(ctx context.Context, referrerCode string) ([]models.Referral, error) {
	var rows []models.Referral
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE referrer_code = $1
		ORDER BY created_at DESC
	`, referrerCode)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
