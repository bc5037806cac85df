package store

import (
	"context"
	"time"

	"freedomtag/internal/models"
)

type RecurringStore struct {
	db DB
}

const recurringColumns = `id, philanthropist_id, recipient_type, recipient_id, amount_minor, currency, frequency, status, auto_donate_dust, dust_threshold_minor, next_processing_at, last_processed_at, failure_streak, created_at, updated_at`

func NewRecurringStore(db DB) *RecurringStore {
	return &RecurringStore{db: db}
}

func (s *RecurringStore) Create(ctx context.Context, d models.RecurringDonation) (models.RecurringDonation, error) {
	var row models.RecurringDonation
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO recurring_donations (id, philanthropist_id, recipient_type, recipient_id, amount_minor, currency, frequency, status, auto_donate_dust, dust_threshold_minor, next_processing_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+recurringColumns,
		d.ID, d.PhilanthropistID, d.RecipientType, d.RecipientID, d.AmountMinor, d.Currency, d.Frequency,
		d.Status, d.AutoDonateDust, d.DustThresholdMinor, d.NextProcessingAt,
	)
	if err != nil {
		return models.RecurringDonation{}, mapInsertErr(err)
	}
	return row, nil
}

func (s *RecurringStore) GetByID(ctx context.Context, id string) (models.RecurringDonation, error) {
	var row models.RecurringDonation
	if err := s.db.GetContext(ctx, &row, `SELECT `+recurringColumns+` FROM recurring_donations WHERE id = $1`, id); err != nil {
		return models.RecurringDonation{}, notFound(err)
	}
	return row, nil
}

func (s *RecurringStore) ListByPhilanthropist(ctx context.Context, philanthropistID string) ([]models.RecurringDonation, error) {
	var rows []models.RecurringDonation
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+recurringColumns+`
		FROM recurring_donations
		WHERE philanthropist_id = $1
		ORDER BY created_at DESC
	`, philanthropistID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SetStatus moves a donation between active and paused, or cancels it.
// Cancelled rows are terminal and are never updated again.
func (s *RecurringStore) SetStatus(ctx context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error) {
	var row models.RecurringDonation
	err := s.db.GetContext(ctx, &row, `
		UPDATE recurring_donations
		SET status = $1,
		    failure_streak = CASE WHEN $1 = 'active' THEN 0 ELSE failure_streak END,
		    updated_at = NOW()
		WHERE id = $2 AND status <> 'cancelled'
		RETURNING `+recurringColumns, status, id)
	if err != nil {
		return models.RecurringDonation{}, notFound(err)
	}
	return row, nil
}

// ListDue returns active donations whose next processing time has passed or
// was never set.
func (s *RecurringStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.RecurringDonation, error) {
	var rows []models.RecurringDonation
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+recurringColumns+`
		FROM recurring_donations
		WHERE status = 'active' AND (next_processing_at IS NULL OR next_processing_at <= $1)
		ORDER BY next_processing_at ASC NULLS FIRST
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RecurringStore) RecordSuccess(ctx context.Context, id string, processedAt, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recurring_donations
		SET last_processed_at = $1, next_processing_at = $2, failure_streak = 0, updated_at = NOW()
		WHERE id = $3
	`, processedAt, next, id)
	return err
}

// RecordFailure bumps the failure streak and pauses the donation once the
// streak reaches pauseAt. A pauseAt of zero never pauses.
func (s *RecurringStore) RecordFailure(ctx context.Context, id string, pauseAt int) (models.RecurringDonation, error) {
	var row models.RecurringDonation
	err := s.db.GetContext(ctx, &row, `
		UPDATE recurring_donations
		SET failure_streak = failure_streak + 1,
		    status = CASE WHEN $1 > 0 AND failure_streak + 1 >= $1 THEN 'paused' ELSE status END,
		    updated_at = NOW()
		WHERE id = $2
		RETURNING `+recurringColumns, pauseAt, id)
	if err != nil {
		return models.RecurringDonation{}, notFound(err)
	}
	return row, nil
}
