package store

import (
	"context"
	"database/sql"
	"errors"
)

type IdempotencyStore struct {
	db DB
}

func NewIdempotencyStore(db DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Claim binds (scope, key) to transactionID. It reports false when the pair was
// already claimed by an earlier transaction.
func (s *IdempotencyStore) Claim(ctx context.Context, tx Execer, scope, key, transactionID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (scope, key, transaction_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope, key) DO NOTHING
	`, scope, key, transactionID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Lookup returns the transaction id bound to (scope, key), or "" when unclaimed.
func (s *IdempotencyStore) Lookup(ctx context.Context, getter Getter, scope, key string) (string, error) {
	if getter == nil {
		getter = s.db
	}
	var transactionID string
	err := getter.GetContext(ctx, &transactionID, `
		SELECT transaction_id FROM idempotency_keys WHERE scope = $1 AND key = $2
	`, scope, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return transactionID, err
}
