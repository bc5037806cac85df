package store

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"freedomtag/internal/models"

	"github.com/google/uuid"
)

type TransactionStore struct {
	db DB
}

const transactionColumns = `id, kind, status, from_wallet_id, to_wallet_id, amount_minor, currency, reference, metadata, idempotency_key, created_at, updated_at`

func NewTransactionStore(db DB) *TransactionStore {
	return &TransactionStore{db: db}
}

type TransactionInput struct {
	ID             string
	Kind           models.TransactionKind
	Status         models.TransactionStatus
	FromWalletID   *string
	ToWalletID     *string
	AmountMinor    int64
	Currency       string
	Reference      string
	Metadata       models.Metadata
	IdempotencyKey *string
	CreatedAt      time.Time
}

// Append inserts a new ledger record. Rows are never rewritten after insert
// except for the status column, see UpdateStatus.
func (s *TransactionStore) Append(ctx context.Context, tx Getter, input TransactionInput) (models.Transaction, error) {
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.CreatedAt.IsZero() {
		input.CreatedAt = time.Now().UTC()
	}
	if input.Status == "" {
		input.Status = models.StatusCompleted
	}
	var row models.Transaction
	err := tx.GetContext(ctx, &row, `
		INSERT INTO transactions (id, kind, status, from_wallet_id, to_wallet_id, amount_minor, currency, reference, metadata, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+transactionColumns,
		input.ID, input.Kind, input.Status, input.FromWalletID, input.ToWalletID, input.AmountMinor,
		input.Currency, input.Reference, input.Metadata, input.IdempotencyKey, input.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Transaction{}, ErrDuplicateKey
		}
		return models.Transaction{}, err
	}
	return row, nil
}

// UpdateStatus resolves a pending record. Completed and failed records are
// final, so only rows still pending are touched.
func (s *TransactionStore) UpdateStatus(ctx context.Context, tx Getter, transactionID string, status models.TransactionStatus) (models.Transaction, error) {
	if status != models.StatusCompleted && status != models.StatusFailed {
		return models.Transaction{}, ErrInvalidStatus
	}
	var row models.Transaction
	err := tx.GetContext(ctx, &row, `
		UPDATE transactions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
		RETURNING `+transactionColumns, status, transactionID)
	if err != nil {
		return models.Transaction{}, notFound(err)
	}
	return row, nil
}

func (s *TransactionStore) GetByID(ctx context.Context, transactionID string) (models.Transaction, error) {
	return s.get(ctx, s.db, `WHERE id = $1`, transactionID)
}

func (s *TransactionStore) GetForUpdate(ctx context.Context, tx Getter, transactionID string) (models.Transaction, error) {
	return s.get(ctx, tx, `WHERE id = $1 FOR UPDATE`, transactionID)
}

func (s *TransactionStore) GetByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error) {
	return s.get(ctx, s.db, `WHERE idempotency_key = $1`, key)
}

func (s *TransactionStore) get(ctx context.Context, getter Getter, where string, args ...any) (models.Transaction, error) {
	var row models.Transaction
	err := getter.GetContext(ctx, &row, `SELECT `+transactionColumns+` FROM transactions `+where, args...)
	if err != nil {
		return models.Transaction{}, notFound(err)
	}
	return row, nil
}

type TransactionFilter struct {
	WalletID string
	Kinds    []models.TransactionKind
	Status   models.TransactionStatus
	Since    *time.Time
	Until    *time.Time
}

func (f TransactionFilter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.WalletID != "" {
		args = append(args, f.WalletID)
		clauses = append(clauses, fmt.Sprintf("(from_wallet_id = $%d OR to_wallet_id = $%d)", len(args), len(args)))
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, 0, len(f.Kinds))
		for _, kind := range f.Kinds {
			args = append(args, kind)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at < $%d", *f.Until)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *TransactionStore) List(ctx context.Context, filter TransactionFilter, limit, offset int) ([]models.Transaction, error) {
	where, args := filter.where()
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	var rows []models.Transaction
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// Scan streams matching transactions newest first without loading the whole
// result set. Iteration stops at the first error, which is yielded once.
func (s *TransactionStore) Scan(ctx context.Context, filter TransactionFilter) iter.Seq2[models.Transaction, error] {
	return func(yield func(models.Transaction, error) bool) {
		where, args := filter.where()
		rows, err := s.db.QueryxContext(ctx, `SELECT `+transactionColumns+` FROM transactions`+where+` ORDER BY created_at DESC`, args...)
		if err != nil {
			yield(models.Transaction{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var row models.Transaction
			if err := rows.StructScan(&row); err != nil {
				yield(models.Transaction{}, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Transaction{}, err)
		}
	}
}

func (s *TransactionStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExternalFlows returns completed credits with no source wallet and completed
// debits with no destination wallet.
func (s *TransactionStore) ExternalFlows(ctx context.Context) (int64, int64, error) {
	var row struct {
		FundedIn int64 `db:"funded_in"`
		PaidOut  int64 `db:"paid_out"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(amount_minor) FILTER (WHERE from_wallet_id IS NULL AND to_wallet_id IS NOT NULL), 0) AS funded_in,
		       COALESCE(SUM(amount_minor) FILTER (WHERE to_wallet_id IS NULL AND from_wallet_id IS NOT NULL), 0) AS paid_out
		FROM transactions
		WHERE status = 'completed'
	`)
	return row.FundedIn, row.PaidOut, err
}

type LeaderboardRow struct {
	WalletID    string `db:"wallet_id" json:"wallet_id"`
	DisplayName string `db:"display_name" json:"display_name"`
	TotalMinor  int64  `db:"total_minor" json:"total_minor"`
	Count       int64  `db:"donation_count" json:"donation_count"`
}

// AnonymousDonor replaces the name of a philanthropist who asked not to be
// listed.
const AnonymousDonor = "Anonymous"

// TopDonors ranks source wallets by completed donation volume.
func (s *TransactionStore) TopDonors(ctx context.Context, since time.Time, limit int) ([]LeaderboardRow, error) {
	var rows []LeaderboardRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT t.from_wallet_id AS wallet_id,
		       CASE WHEN COALESCE(p.anonymous, FALSE) THEN $3 ELSE w.display_name END AS display_name,
		       SUM(t.amount_minor) AS total_minor, COUNT(*) AS donation_count
		FROM transactions t
		JOIN wallets w ON w.id = t.from_wallet_id
		LEFT JOIN philanthropists p ON p.wallet_id = t.from_wallet_id
		WHERE t.status = 'completed'
		  AND t.kind IN ('DONATION', 'RECURRING_DONATION', 'DUST_DONATION')
		  AND t.created_at >= $1
		GROUP BY t.from_wallet_id, w.display_name, p.anonymous
		ORDER BY total_minor DESC
		LIMIT $2
	`, since, limit, AnonymousDonor)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
