package store

import (
	"context"
	"encoding/json"
	"time"
)

// Audit actions written by the ledger and its background jobs.
const (
	ActionTransfer            = "transfer"
	ActionSettle              = "settle_pending"
	ActionLedgerInconsistency = "ledger_inconsistency"
	ActionRecurringPaused     = "recurring_paused"
)

type AuditStore struct {
	db DB
}

type AuditEntry struct {
	ID         string    `db:"id" json:"id"`
	Actor      *string   `db:"actor" json:"actor,omitempty"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Data       string    `db:"data" json:"data"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log writes an audit row. Pass a nil tx to write outside any transaction,
// which is how inconsistency alerts survive a rolled back transfer.
func (s *AuditStore) Log(ctx context.Context, tx Execer, actor, action, entityType, entityID string, data any) error {
	if tx == nil {
		tx = s.db
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var actorArg *string
	if actor != "" {
		actorArg = &actor
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, data)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)
	`, actorArg, action, entityType, entityID, string(payload))
	return err
}

func (s *AuditStore) List(ctx context.Context, action string, limit, offset int) ([]AuditEntry, error) {
	var rows []AuditEntry
	query := `SELECT id, actor, action, entity_type, entity_id, data, created_at FROM audit_logs`
	args := []any{}
	if action != "" {
		query += ` WHERE action = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, action, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
