package store

import (
	"context"
	"time"
)

// RateStore keeps the last known exchange rate per currency pair. It backs the
// "stored" rate source when neither the live provider nor the fallback table
// can answer.
type RateStore struct {
	db DB
}

type StoredRate struct {
	ID            string    `db:"id"`
	BaseCurrency  string    `db:"base_currency"`
	QuoteCurrency string    `db:"quote_currency"`
	Rate          string    `db:"rate"`
	Source        string    `db:"source"`
	CreatedAt     time.Time `db:"created_at"`
}

func NewRateStore(db DB) *RateStore {
	return &RateStore{db: db}
}

func (s *RateStore) GetActive(ctx context.Context, baseCurrency, quoteCurrency string) (StoredRate, error) {
	var row StoredRate
	err := s.db.GetContext(ctx, &row, `
		SELECT id, base_currency, quote_currency, rate, source, created_at
		FROM exchange_rates
		WHERE base_currency = $1 AND quote_currency = $2 AND is_active = TRUE
	`, baseCurrency, quoteCurrency)
	if err != nil {
		return StoredRate{}, notFound(err)
	}
	return row, nil
}

// SetRate inserts a new active rate and retires the previous one.
func (s *RateStore) SetRate(ctx context.Context, tx Tx, baseCurrency, quoteCurrency, rate, source string) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		INSERT INTO exchange_rates (id, base_currency, quote_currency, rate, source, is_active)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, TRUE)
		RETURNING id
	`, baseCurrency, quoteCurrency, rate, source)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE exchange_rates
		SET is_active = FALSE
		WHERE base_currency = $1 AND quote_currency = $2 AND id <> $3 AND is_active = TRUE
	`, baseCurrency, quoteCurrency, id)
	if err != nil {
		return "", err
	}
	return id, nil
}
