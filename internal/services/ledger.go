package services

import (
	"context"
	"errors"
	"fmt"

	"freedomtag/internal/db"
	"freedomtag/internal/logging"
	"freedomtag/internal/models"
	"freedomtag/internal/money"
	"freedomtag/internal/store"
	"freedomtag/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const DefaultIdempotencyScope = "ledger"

var (
	errClaimLost      = errors.New("idempotency key claimed concurrently")
	errAlreadySettled = errors.New("transaction already settled")
)

// Ledger is the only component that mutates wallet balances.
type Ledger struct {
	txRunner db.TxRunner
	wallets  WalletStore
	txs      TransactionStore
	idem     IdempotencyStore
	audit    AuditStore
	hub      BalanceHub
	metrics  LedgerMetrics
	logger   logging.Logger
}

func NewLedger(txRunner db.TxRunner, wallets WalletStore, txs TransactionStore, idem IdempotencyStore, audit AuditStore, hub BalanceHub, metrics LedgerMetrics, logger logging.Logger) *Ledger {
	return &Ledger{
		txRunner: txRunner,
		wallets:  wallets,
		txs:      txs,
		idem:     idem,
		audit:    audit,
		hub:      hub,
		metrics:  metrics,
		logger:   logger,
	}
}

// TransferRequest moves AmountMinor from From to To. A nil From models
// external funding, a nil To a payout to an external rail.
type TransferRequest struct {
	From        *string
	To          *string
	AmountMinor int64
	Kind        models.TransactionKind
	Reference   string
	Metadata    models.Metadata
	// IdempotencyScope names the external system the key comes from.
	IdempotencyScope string
	IdempotencyKey   string
	Actor            string
}

type FundRequest struct {
	WalletID         string
	AmountMinor      int64
	Kind             models.TransactionKind
	Reference        string
	Metadata         models.Metadata
	IdempotencyScope string
	IdempotencyKey   string
	Actor            string
}

func (r TransferRequest) scope() string {
	if r.IdempotencyScope == "" {
		return DefaultIdempotencyScope
	}
	return r.IdempotencyScope
}

func (r TransferRequest) storedKey() *string {
	if r.IdempotencyKey == "" {
		return nil
	}
	key := r.scope() + ":" + r.IdempotencyKey
	return &key
}

func validateTransfer(op string, req TransferRequest) error {
	switch {
	case !req.Kind.Valid():
		return invalidTransfer(op, fmt.Sprintf("unknown kind %q", req.Kind))
	case req.AmountMinor <= 0:
		return invalidTransfer(op, "amount must be positive")
	case req.From == nil && req.To == nil:
		return invalidTransfer(op, "source and destination are both empty")
	case req.From != nil && req.To != nil && *req.From == *req.To:
		return invalidTransfer(op, "source and destination are the same wallet")
	}
	return nil
}

func (l *Ledger) Wallet(ctx context.Context, walletID string) (models.Wallet, error) {
	wallet, err := l.wallets.GetByID(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Wallet{}, notFound("wallet", walletID, err)
	}
	return wallet, err
}

// ByIdempotencyKey returns the record an earlier request under scope and key
// produced, if any.
func (l *Ledger) ByIdempotencyKey(ctx context.Context, scope, key string) (models.Transaction, bool, error) {
	return l.findDuplicate(ctx, TransferRequest{IdempotencyScope: scope, IdempotencyKey: key})
}

func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (models.Transaction, error) {
	txn, err := l.transfer(ctx, "transfer", req)
	if l.metrics != nil {
		l.metrics.Transfer(string(req.Kind), outcome(err))
	}
	return txn, err
}

func (l *Ledger) FundExternally(ctx context.Context, req FundRequest) (models.Transaction, error) {
	return l.Transfer(ctx, TransferRequest{
		To:               &req.WalletID,
		AmountMinor:      req.AmountMinor,
		Kind:             req.Kind,
		Reference:        req.Reference,
		Metadata:         req.Metadata,
		IdempotencyScope: req.IdempotencyScope,
		IdempotencyKey:   req.IdempotencyKey,
		Actor:            req.Actor,
	})
}

func (l *Ledger) PayOut(ctx context.Context, req FundRequest) (models.Transaction, error) {
	return l.Transfer(ctx, TransferRequest{
		From:             &req.WalletID,
		AmountMinor:      req.AmountMinor,
		Kind:             req.Kind,
		Reference:        req.Reference,
		Metadata:         req.Metadata,
		IdempotencyScope: req.IdempotencyScope,
		IdempotencyKey:   req.IdempotencyKey,
		Actor:            req.Actor,
	})
}

func (l *Ledger) transfer(ctx context.Context, op string, req TransferRequest) (models.Transaction, error) {
	if err := validateTransfer(op, req); err != nil {
		return models.Transaction{}, err
	}
	if original, ok, err := l.findDuplicate(ctx, req); err != nil {
		return models.Transaction{}, err
	} else if ok {
		return original, duplicate(op, original)
	}

	var (
		txn     models.Transaction
		updated []models.Wallet
		written bool
	)
	err := l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		updated, written = nil, false
		from, to, err := l.lockWallets(ctx, tx, op, req.From, req.To)
		if err != nil {
			return err
		}
		currency, err := transferCurrency(op, from, to)
		if err != nil {
			return err
		}
		if from != nil && from.BalanceMinor < req.AmountMinor {
			return insufficientFunds(op, *from, req.AmountMinor)
		}

		transactionID := uuid.NewString()
		if req.IdempotencyKey != "" {
			claimed, err := l.idem.Claim(ctx, tx, req.scope(), req.IdempotencyKey, transactionID)
			if err != nil {
				return err
			}
			if !claimed {
				return errClaimLost
			}
		}

		if from != nil {
			wallet, err := l.setBalance(ctx, tx, op, *from, from.BalanceMinor-req.AmountMinor)
			if err != nil {
				return err
			}
			written = true
			updated = append(updated, wallet)
		}
		if to != nil {
			wallet, err := l.setBalance(ctx, tx, op, *to, to.BalanceMinor+req.AmountMinor)
			if err != nil {
				return err
			}
			written = true
			updated = append(updated, wallet)
		}

		txn, err = l.txs.Append(ctx, tx, store.TransactionInput{
			ID:             transactionID,
			Kind:           req.Kind,
			Status:         models.StatusCompleted,
			FromWalletID:   req.From,
			ToWalletID:     req.To,
			AmountMinor:    req.AmountMinor,
			Currency:       currency,
			Reference:      req.Reference,
			Metadata:       req.Metadata,
			IdempotencyKey: req.storedKey(),
		})
		if err != nil {
			return err
		}
		return l.audit.Log(ctx, tx, req.Actor, store.ActionTransfer, "transaction", txn.ID, map[string]any{
			"kind":         req.Kind,
			"amount_minor": req.AmountMinor,
			"from":         derefString(req.From),
			"to":           derefString(req.To),
		})
	})
	if err != nil {
		return l.resolveFailure(ctx, op, req, written, err)
	}
	l.broadcast(txn.ID, updated)
	return txn, nil
}

// BeginPending records a transfer whose settlement arrives later, for
// example a gateway checkout. No balance moves until SettlePending.
func (l *Ledger) BeginPending(ctx context.Context, req TransferRequest) (models.Transaction, error) {
	const op = "begin_pending"
	if err := validateTransfer(op, req); err != nil {
		return models.Transaction{}, err
	}
	if original, ok, err := l.findDuplicate(ctx, req); err != nil {
		return models.Transaction{}, err
	} else if ok {
		return original, duplicate(op, original)
	}
	from, to, err := l.readWallets(ctx, op, req.From, req.To)
	if err != nil {
		return models.Transaction{}, err
	}
	currency, err := transferCurrency(op, from, to)
	if err != nil {
		return models.Transaction{}, err
	}

	var txn models.Transaction
	err = l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		transactionID := uuid.NewString()
		if req.IdempotencyKey != "" {
			claimed, err := l.idem.Claim(ctx, tx, req.scope(), req.IdempotencyKey, transactionID)
			if err != nil {
				return err
			}
			if !claimed {
				return errClaimLost
			}
		}
		var err error
		txn, err = l.txs.Append(ctx, tx, store.TransactionInput{
			ID:             transactionID,
			Kind:           req.Kind,
			Status:         models.StatusPending,
			FromWalletID:   req.From,
			ToWalletID:     req.To,
			AmountMinor:    req.AmountMinor,
			Currency:       currency,
			Reference:      req.Reference,
			Metadata:       req.Metadata,
			IdempotencyKey: req.storedKey(),
		})
		return err
	})
	if err != nil {
		return l.resolveFailure(ctx, op, req, false, err)
	}
	return txn, nil
}

// SettlePending applies a pending record. On success the balances move and
// the record is completed in the same database transaction; otherwise, or
// when the source can no longer cover the amount, the record is failed.
func (l *Ledger) SettlePending(ctx context.Context, transactionID string, success bool) (models.Transaction, error) {
	const op = "settle_pending"
	var (
		txn      models.Transaction
		record   models.Transaction
		updated  []models.Wallet
		written  bool
		shortage error
	)
	err := l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		updated, written, shortage = nil, false, nil
		var err error
		record, err = l.txs.GetForUpdate(ctx, tx, transactionID)
		if errors.Is(err, store.ErrNotFound) {
			return &LedgerError{Kind: KindNotFound, Op: op, Reason: "transaction " + transactionID, Err: err}
		}
		if err != nil {
			return err
		}
		if record.Status != models.StatusPending {
			txn = record
			return errAlreadySettled
		}

		status := models.StatusFailed
		if success {
			from, to, err := l.lockWallets(ctx, tx, op, record.FromWalletID, record.ToWalletID)
			if err != nil {
				return err
			}
			if from != nil && from.BalanceMinor < record.AmountMinor {
				shortage = insufficientFunds(op, *from, record.AmountMinor)
			} else {
				if from != nil {
					wallet, err := l.setBalance(ctx, tx, op, *from, from.BalanceMinor-record.AmountMinor)
					if err != nil {
						return err
					}
					written = true
					updated = append(updated, wallet)
				}
				if to != nil {
					wallet, err := l.setBalance(ctx, tx, op, *to, to.BalanceMinor+record.AmountMinor)
					if err != nil {
						return err
					}
					written = true
					updated = append(updated, wallet)
				}
				status = models.StatusCompleted
			}
		}

		txn, err = l.txs.UpdateStatus(ctx, tx, record.ID, status)
		if err != nil {
			return err
		}
		return l.audit.Log(ctx, tx, "", store.ActionSettle, "transaction", txn.ID, map[string]any{
			"status": status,
		})
	})
	if errors.Is(err, errAlreadySettled) {
		return txn, duplicate(op, txn)
	}
	if err != nil {
		return l.resolveFailure(ctx, op, TransferRequest{
			From:        record.FromWalletID,
			To:          record.ToWalletID,
			AmountMinor: record.AmountMinor,
			Kind:        record.Kind,
		}, written, err)
	}
	l.broadcast(txn.ID, updated)
	if l.metrics != nil {
		l.metrics.Transfer(string(txn.Kind), outcome(shortage))
	}
	if shortage != nil {
		return txn, shortage
	}
	return txn, nil
}

func (l *Ledger) findDuplicate(ctx context.Context, req TransferRequest) (models.Transaction, bool, error) {
	if req.IdempotencyKey == "" {
		return models.Transaction{}, false, nil
	}
	transactionID, err := l.idem.Lookup(ctx, nil, req.scope(), req.IdempotencyKey)
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if transactionID == "" {
		return models.Transaction{}, false, nil
	}
	original, err := l.txs.GetByID(ctx, transactionID)
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("load original transaction %s: %w", transactionID, err)
	}
	return original, true, nil
}

// resolveFailure turns the error of a failed database transaction into
// what callers see.
func (l *Ledger) resolveFailure(ctx context.Context, op string, req TransferRequest, written bool, err error) (models.Transaction, error) {
	var ledgerErr *LedgerError
	switch {
	case errors.Is(err, errClaimLost):
		original, ok, lookupErr := l.findDuplicate(ctx, req)
		if lookupErr != nil {
			return models.Transaction{}, lookupErr
		}
		if !ok {
			return models.Transaction{}, fmt.Errorf("%s: %w", op, err)
		}
		return original, duplicate(op, original)
	case errors.Is(err, db.ErrOutcomeUnknown) && written:
		return models.Transaction{}, l.reportInconsistency(ctx, op, req, err)
	case errors.As(err, &ledgerErr):
		return models.Transaction{}, ledgerErr
	case errors.Is(err, store.ErrDuplicateKey) && req.IdempotencyKey != "":
		original, ok, lookupErr := l.findDuplicate(ctx, req)
		if lookupErr == nil && ok {
			return original, duplicate(op, original)
		}
	}
	return models.Transaction{}, fmt.Errorf("%s: %w", op, err)
}

func (l *Ledger) reportInconsistency(ctx context.Context, op string, req TransferRequest, err error) error {
	walletID := derefString(req.From)
	if walletID == "" {
		walletID = derefString(req.To)
	}
	alertInconsistency(ctx, l.logger, l.metrics, l.audit, "wallet", walletID, logging.Fields{
		"op":              op,
		"kind":            req.Kind,
		"from":            derefString(req.From),
		"to":              derefString(req.To),
		"amount_minor":    req.AmountMinor,
		"idempotency_key": req.IdempotencyKey,
	}, err)
	return &LedgerError{Kind: KindLedgerInconsistency, Op: op, WalletID: walletID, Err: err}
}

// alertInconsistency is the operator channel: an ERROR log carrying
// alert=ledger_inconsistency, a metric and an audit row written outside any
// failed database transaction.
func alertInconsistency(ctx context.Context, logger logging.Logger, metrics LedgerMetrics, audit AuditStore, entityType, entityID string, fields logging.Fields, err error) {
	entry := logger.WithFields(fields).WithField("alert", "ledger_inconsistency")
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error("ledger inconsistency detected")
	if metrics != nil {
		metrics.Inconsistency()
	}
	data := map[string]any{}
	for k, v := range fields {
		data[k] = v
	}
	if err != nil {
		data["error"] = err.Error()
	}
	if auditErr := audit.Log(context.WithoutCancel(ctx), nil, "", store.ActionLedgerInconsistency, entityType, entityID, data); auditErr != nil {
		logger.WithError(auditErr).WithField("alert", "ledger_inconsistency").Error("failed to write inconsistency audit row")
	}
}

func (l *Ledger) setBalance(ctx context.Context, tx store.Getter, op string, wallet models.Wallet, newBalance int64) (models.Wallet, error) {
	updated, err := l.wallets.SetBalance(ctx, tx, wallet.ID, wallet.BalanceMinor, newBalance)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, store.ErrInvalidBalance):
		return models.Wallet{}, &LedgerError{Kind: KindInvalidBalance, Op: op, WalletID: wallet.ID, Balance: wallet.BalanceMinor, Err: err}
	case errors.Is(err, store.ErrNotFound):
		return models.Wallet{}, notFound(op, wallet.ID, err)
	default:
		return models.Wallet{}, fmt.Errorf("set balance %s: %w", wallet.ID, err)
	}
}

func (l *Ledger) lockWallets(ctx context.Context, tx store.Getter, op string, fromID, toID *string) (*models.Wallet, *models.Wallet, error) {
	if fromID != nil && toID != nil {
		from, to, err := lockTwoWallets(ctx, tx, l.wallets, *fromID, *toID)
		if err != nil {
			return nil, nil, l.walletErr(op, err)
		}
		return &from, &to, nil
	}
	var from, to *models.Wallet
	if fromID != nil {
		wallet, err := l.wallets.GetForUpdate(ctx, tx, *fromID)
		if err != nil {
			return nil, nil, l.walletErr(op, walletLookupError{id: *fromID, err: err})
		}
		from = &wallet
	}
	if toID != nil {
		wallet, err := l.wallets.GetForUpdate(ctx, tx, *toID)
		if err != nil {
			return nil, nil, l.walletErr(op, walletLookupError{id: *toID, err: err})
		}
		to = &wallet
	}
	return from, to, nil
}

func (l *Ledger) readWallets(ctx context.Context, op string, fromID, toID *string) (*models.Wallet, *models.Wallet, error) {
	var from, to *models.Wallet
	for _, pair := range []struct {
		id  *string
		dst **models.Wallet
	}{{fromID, &from}, {toID, &to}} {
		if pair.id == nil {
			continue
		}
		wallet, err := l.wallets.GetByID(ctx, *pair.id)
		if err != nil {
			return nil, nil, l.walletErr(op, walletLookupError{id: *pair.id, err: err})
		}
		*pair.dst = &wallet
	}
	return from, to, nil
}

type walletLookupError struct {
	id  string
	err error
}

func (e walletLookupError) Error() string { return "wallet " + e.id + ": " + e.err.Error() }
func (e walletLookupError) Unwrap() error { return e.err }

func (l *Ledger) walletErr(op string, err error) error {
	var lookup walletLookupError
	if errors.As(err, &lookup) && errors.Is(err, store.ErrNotFound) {
		return notFound(op, lookup.id, store.ErrNotFound)
	}
	return err
}

func (l *Ledger) broadcast(transactionID string, wallets []models.Wallet) {
	if l.hub == nil {
		return
	}
	for _, wallet := range wallets {
		l.hub.BroadcastBalance(websocket.BalanceUpdate{
			WalletID:      wallet.ID,
			BalanceMinor:  wallet.BalanceMinor,
			Balance:       money.FormatMinor(wallet.BalanceMinor),
			Currency:      wallet.Currency,
			TransactionID: transactionID,
		})
	}
}

func transferCurrency(op string, from, to *models.Wallet) (string, error) {
	switch {
	case from != nil && to != nil:
		if from.Currency != to.Currency {
			return "", invalidTransfer(op, "wallet currencies differ")
		}
		return from.Currency, nil
	case from != nil:
		return from.Currency, nil
	default:
		return to.Currency, nil
	}
}

// lockTwoWallets takes row locks in id order so two transfers over the same
// pair cannot deadlock.
func lockTwoWallets(ctx context.Context, tx store.Getter, wallets WalletStore, firstID, secondID string) (models.Wallet, models.Wallet, error) {
	leftID, rightID := orderedIDs(firstID, secondID)
	left, err := wallets.GetForUpdate(ctx, tx, leftID)
	if err != nil {
		return models.Wallet{}, models.Wallet{}, walletLookupError{id: leftID, err: err}
	}
	right, err := wallets.GetForUpdate(ctx, tx, rightID)
	if err != nil {
		return models.Wallet{}, models.Wallet{}, walletLookupError{id: rightID, err: err}
	}
	if firstID == leftID {
		return left, right, nil
	}
	return right, left, nil
}

func orderedIDs(firstID, secondID string) (string, string) {
	if firstID <= secondID {
		return firstID, secondID
	}
	return secondID, firstID
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
