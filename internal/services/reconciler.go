package services

import (
	"context"
	"fmt"
	"time"

	"freedomtag/internal/logging"
	"freedomtag/internal/models"
)

type UnpaidReferralLister interface {
	ListUnpaid(ctx context.Context, limit int) ([]models.Referral, error)
}

type BalanceSummer interface {
	SumBalances(ctx context.Context) (int64, error)
}

type PendingLister interface {
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)
	ExternalFlows(ctx context.Context) (int64, int64, error)
}

type ReconcilerConfig struct {
	// PendingWindow is how long a pending record may wait for settlement.
	PendingWindow time.Duration
	Interval      time.Duration
	Limit         int
}

// Reconciler looks for evidence that the ledger drifted: pending records
// nobody settled and wallet totals that disagree with external flows.
type Reconciler struct {
	wallets   BalanceSummer
	txs       PendingLister
	referrals UnpaidReferralLister
	audit     AuditStore
	metrics   LedgerMetrics
	cfg       ReconcilerConfig
	logger    logging.Logger
	loop      periodic
	now       func() time.Time
}

func NewReconciler(wallets BalanceSummer, txs PendingLister, referrals UnpaidReferralLister, audit AuditStore, metrics LedgerMetrics, cfg ReconcilerConfig, logger logging.Logger) *Reconciler {
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = 15 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 200
	}
	return &Reconciler{
		wallets:   wallets,
		txs:       txs,
		referrals: referrals,
		audit:     audit,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type Conservation struct {
	WalletTotal int64 `json:"wallet_total_minor"`
	FundedIn    int64 `json:"funded_in_minor"`
	PaidOut     int64 `json:"paid_out_minor"`
	Difference  int64 `json:"difference_minor"`
	Balanced    bool  `json:"balanced"`
}

type ReconcileReport struct {
	CheckedAt      time.Time            `json:"checked_at"`
	StalePending   []models.Transaction `json:"stale_pending"`
	Conservation   Conservation         `json:"conservation"`
	UnpaidReferral []models.Referral    `json:"unpaid_referrals"`
}

func (r ReconcileReport) Clean() bool {
	return len(r.StalePending) == 0 && r.Conservation.Balanced
}

// CheckConservation compares the sum of wallet balances with the money that
// entered minus the money that left through external rails.
func (r *Reconciler) CheckConservation(ctx context.Context) (Conservation, error) {
	total, err := r.wallets.SumBalances(ctx)
	if err != nil {
		return Conservation{}, fmt.Errorf("sum balances: %w", err)
	}
	in, out, err := r.txs.ExternalFlows(ctx)
	if err != nil {
		return Conservation{}, fmt.Errorf("external flows: %w", err)
	}
	c := Conservation{WalletTotal: total, FundedIn: in, PaidOut: out, Difference: total - (in - out)}
	c.Balanced = c.Difference == 0
	return c, nil
}

// Run reports every stale pending record and a conservation mismatch as a
// ledger inconsistency.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	now := r.now()
	report := ReconcileReport{CheckedAt: now}

	stale, err := r.txs.ListPendingOlderThan(ctx, now.Add(-r.cfg.PendingWindow), r.cfg.Limit)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list stale pending: %w", err)
	}
	report.StalePending = stale
	for _, txn := range stale {
		alertInconsistency(ctx, r.logger, r.metrics, r.audit, "transaction", txn.ID, logging.Fields{
			"reason":         "pending beyond settlement window",
			"transaction_id": txn.ID,
			"kind":           txn.Kind,
			"amount_minor":   txn.AmountMinor,
			"pending_since":  txn.CreatedAt,
		}, nil)
	}

	conservation, err := r.CheckConservation(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	report.Conservation = conservation
	if !conservation.Balanced {
		alertInconsistency(ctx, r.logger, r.metrics, r.audit, "ledger", "conservation", logging.Fields{
			"reason":             "wallet total differs from external flows",
			"wallet_total_minor": conservation.WalletTotal,
			"funded_in_minor":    conservation.FundedIn,
			"paid_out_minor":     conservation.PaidOut,
			"difference_minor":   conservation.Difference,
		}, nil)
	}

	unpaid, err := r.referrals.ListUnpaid(ctx, r.cfg.Limit)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list unpaid referrals: %w", err)
	}
	report.UnpaidReferral = unpaid

	entry := r.logger.WithFields(logging.Fields{
		"stale_pending":    len(stale),
		"balanced":         conservation.Balanced,
		"unpaid_referrals": len(unpaid),
	})
	if report.Clean() {
		entry.Info("reconciliation finished")
	} else {
		entry.Warn("reconciliation found discrepancies")
	}
	return report, nil
}

func (r *Reconciler) Start(ctx context.Context) {
	r.loop.start(ctx, r.cfg.Interval, func(ctx context.Context) {
		if _, err := r.Run(ctx); err != nil {
			r.logger.WithError(err).Error("reconciliation failed")
		}
	})
}

func (r *Reconciler) Stop() {
	r.loop.stop()
}
