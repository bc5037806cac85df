package store

import (
	"context"
	"database/sql"
	"errors"

	"freedomtag/internal/models"
)

type WalletStore struct {
	db DB
}

const walletColumns = `id, kind, display_name, balance_minor, currency, created_at, updated_at`

func NewWalletStore(db DB) *WalletStore {
	return &WalletStore{db: db}
}

func (s *WalletStore) Create(ctx context.Context, tx Execer, wallet models.Wallet) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, kind, display_name, balance_minor, currency)
		VALUES ($1, $2, $3, $4, $5)
	`, wallet.ID, wallet.Kind, wallet.DisplayName, wallet.BalanceMinor, wallet.Currency)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *WalletStore) GetByID(ctx context.Context, walletID string) (models.Wallet, error) {
	var row models.Wallet
	err := s.db.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

func (s *WalletStore) GetForUpdate(ctx context.Context, tx Getter, walletID string) (models.Wallet, error) {
	var row models.Wallet
	err := tx.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

// SetBalance writes newBalance only if the stored balance still equals
// expected, the value observed when the caller checked its preconditions.
func (s *WalletStore) SetBalance(ctx context.Context, tx Getter, walletID string, expected, newBalance int64) (models.Wallet, error) {
	if newBalance < 0 {
		return models.Wallet{}, ErrInvalidBalance
	}
	var row models.Wallet
	err := tx.GetContext(ctx, &row, `
		UPDATE wallets
		SET balance_minor = $1, updated_at = NOW()
		WHERE id = $2 AND balance_minor = $3
		RETURNING `+walletColumns, newBalance, walletID, expected)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Wallet{}, err
	}
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM wallets WHERE id = $1)`, walletID); err != nil {
		return models.Wallet{}, err
	}
	if !exists {
		return models.Wallet{}, ErrNotFound
	}
	return models.Wallet{}, ErrBalanceConflict
}

func (s *WalletStore) List(ctx context.Context, kind models.WalletKind, limit, offset int) ([]models.Wallet, error) {
	var rows []models.Wallet
	query := `SELECT ` + walletColumns + ` FROM wallets`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = $1 ORDER BY balance_minor DESC LIMIT $2 OFFSET $3`
		args = append(args, kind, limit, offset)
	} else {
		query += ` ORDER BY balance_minor DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *WalletStore) SumBalances(ctx context.Context) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum, `SELECT COALESCE(SUM(balance_minor), 0) FROM wallets`)
	return sum, err
}
