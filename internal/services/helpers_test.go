package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"freedomtag/internal/db"
	"freedomtag/internal/models"
	"freedomtag/internal/store"
	"freedomtag/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// memLedger is an in-memory stand-in for the wallet, transaction,
// idempotency and audit tables. WithTx serialises callers and restores a
// snapshot when fn fails, like a serializable database transaction.
type memLedger struct {
	txMu sync.Mutex
	mu   sync.Mutex

	wallets map[string]models.Wallet
	txs     map[string]models.Transaction
	keys    map[string]string
	audits  []auditCall

	txCalls       int
	appendErr     error
	setBalanceErr error
	rollbackFails bool
	commitErr     error
}

type auditCall struct {
	inTx     bool
	actor    string
	action   string
	entityID string
	data     any
}

type memSnapshot struct {
	wallets map[string]models.Wallet
	txs     map[string]models.Transaction
	keys    map[string]string
	audits  int
}

func newMemLedger(wallets ...models.Wallet) *memLedger {
	m := &memLedger{
		wallets: map[string]models.Wallet{},
		txs:     map[string]models.Transaction{},
		keys:    map[string]string{},
	}
	for _, w := range wallets {
		if w.Currency == "" {
			w.Currency = "ZAR"
		}
		m.wallets[w.ID] = w
	}
	return m
}

func (m *memLedger) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	m.txCalls++
	snap := memSnapshot{wallets: maps.Clone(m.wallets), txs: maps.Clone(m.txs), keys: maps.Clone(m.keys), audits: len(m.audits)}
	m.mu.Unlock()

	if err := fn(nil); err != nil {
		if m.rollbackFails {
			return fmt.Errorf("%w: rollback failed: %w", db.ErrOutcomeUnknown, err)
		}
		m.restore(snap)
		return err
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	return nil
}

func (m *memLedger) restore(snap memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets = snap.wallets
	m.txs = snap.txs
	m.keys = snap.keys
	m.audits = m.audits[:snap.audits]
}

func (m *memLedger) balance(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[id].BalanceMinor
}

func (m *memLedger) transactions() []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Transaction, 0, len(m.txs))
	for _, t := range m.txs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memLedger) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, a.action)
	}
	return out
}

// WalletStore

func (m *memLedger) Create(_ context.Context, _ store.Execer, wallet models.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[wallet.ID]; ok {
		return store.ErrDuplicateKey
	}
	m.wallets[wallet.ID] = wallet
	return nil
}

func (m *memLedger) GetByID(_ context.Context, id string) (models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return models.Wallet{}, store.ErrNotFound
	}
	return w, nil
}

func (m *memLedger) GetForUpdate(ctx context.Context, _ store.Getter, id string) (models.Wallet, error) {
	return m.GetByID(ctx, id)
}

func (m *memLedger) SetBalance(_ context.Context, _ store.Getter, id string, expected, newBalance int64) (models.Wallet, error) {
	if newBalance < 0 {
		return models.Wallet{}, store.ErrInvalidBalance
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setBalanceErr != nil {
		return models.Wallet{}, m.setBalanceErr
	}
	w, ok := m.wallets[id]
	if !ok {
		return models.Wallet{}, store.ErrNotFound
	}
	if w.BalanceMinor != expected {
		return models.Wallet{}, store.ErrBalanceConflict
	}
	w.BalanceMinor = newBalance
	m.wallets[id] = w
	return w, nil
}

func (m *memLedger) SumBalances(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, w := range m.wallets {
		sum += w.BalanceMinor
	}
	return sum, nil
}

// memTxs exposes the transaction table under the TransactionStore method
// names, which clash with the wallet ones.
type memTxs struct{ m *memLedger }

func (t memTxs) Append(_ context.Context, _ store.Getter, in store.TransactionInput) (models.Transaction, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.appendErr != nil {
		return models.Transaction{}, t.m.appendErr
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = models.StatusCompleted
	}
	now := time.Now().Add(time.Duration(len(t.m.txs)) * time.Microsecond)
	row := models.Transaction{
		ID: in.ID, Kind: in.Kind, Status: in.Status, FromWalletID: in.FromWalletID, ToWalletID: in.ToWalletID,
		AmountMinor: in.AmountMinor, Currency: in.Currency, Reference: in.Reference, Metadata: in.Metadata,
		IdempotencyKey: in.IdempotencyKey, CreatedAt: now, UpdatedAt: now,
	}
	t.m.txs[row.ID] = row
	return row, nil
}

func (t memTxs) UpdateStatus(_ context.Context, _ store.Getter, id string, status models.TransactionStatus) (models.Transaction, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	row, ok := t.m.txs[id]
	if !ok || row.Status != models.StatusPending {
		return models.Transaction{}, store.ErrNotFound
	}
	row.Status = status
	t.m.txs[id] = row
	return row, nil
}

func (t memTxs) GetByID(_ context.Context, id string) (models.Transaction, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	row, ok := t.m.txs[id]
	if !ok {
		return models.Transaction{}, store.ErrNotFound
	}
	return row, nil
}

func (t memTxs) GetForUpdate(ctx context.Context, _ store.Getter, id string) (models.Transaction, error) {
	return t.GetByID(ctx, id)
}

func (t memTxs) ListPendingOlderThan(_ context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, row := range t.m.transactions() {
		if row.Status == models.StatusPending && row.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t memTxs) ExternalFlows(context.Context) (int64, int64, error) {
	var in, out int64
	for _, row := range t.m.transactions() {
		if row.Status != models.StatusCompleted {
			continue
		}
		if row.FromWalletID == nil {
			in += row.AmountMinor
		}
		if row.ToWalletID == nil {
			out += row.AmountMinor
		}
	}
	return in, out, nil
}

// IdempotencyStore

func (m *memLedger) Claim(_ context.Context, _ store.Execer, scope, key, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[scope+"/"+key]; ok {
		return false, nil
	}
	m.keys[scope+"/"+key] = txID
	return true, nil
}

func (m *memLedger) Lookup(_ context.Context, _ store.Getter, scope, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[scope+"/"+key], nil
}

// AuditStore

func (m *memLedger) Log(_ context.Context, tx store.Execer, actor, action, _, entityID string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, auditCall{inTx: tx != nil, actor: actor, action: action, entityID: entityID, data: data})
	return nil
}

type recordingHub struct {
	mu      sync.Mutex
	updates []websocket.BalanceUpdate
}

func (h *recordingHub) BroadcastBalance(update websocket.BalanceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, update)
}

type countingMetrics struct {
	mu              sync.Mutex
	transfers       map[string]int
	inconsistencies int
	recurring       map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{transfers: map[string]int{}, recurring: map[string]int{}}
}

func (c *countingMetrics) Transfer(kind, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[kind+"/"+outcome]++
}

func (c *countingMetrics) Inconsistency() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inconsistencies++
}

func (c *countingMetrics) Recurring(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recurring[outcome]++
}

var errBoom = errors.New("boom")

func strPtr(value string) *string {
	return &value
}
