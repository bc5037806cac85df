package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"freedomtag/internal/logging"
	"freedomtag/internal/models"
	"freedomtag/internal/money"
	"freedomtag/internal/rates"
	"freedomtag/internal/store"

	"github.com/google/uuid"
)

const RecurringScope = "recurring"

type Outcome string

const (
	OutcomeSuccess               Outcome = "success"
	OutcomeSuccessWithDust       Outcome = "success_with_dust"
	OutcomeInsufficientFunds     Outcome = "insufficient_funds"
	OutcomeConversionUnavailable Outcome = "conversion_unavailable"
	OutcomeError                 Outcome = "error"
)

var ErrInvalidRecurring = errors.New("invalid recurring donation")

type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (models.Transaction, error)
	Wallet(ctx context.Context, walletID string) (models.Wallet, error)
}

type RecipientDirectory interface {
	TagByCode(ctx context.Context, code string) (models.Tag, error)
	PhilanthropistByID(ctx context.Context, id string) (models.Philanthropist, error)
	OrganizationByID(ctx context.Context, id string) (models.Organization, error)
}

type RecurringMetrics interface {
	Recurring(outcome string)
}

type RecurringConfig struct {
	// SettlementCurrency is the currency every wallet holds.
	SettlementCurrency string
	Location           *time.Location
	ConversionTimeout  time.Duration
	PauseStreak        int
	BatchSize          int
	Interval           time.Duration
}

type RecurringScheduler struct {
	donations RecurringStore
	directory RecipientDirectory
	ledger    Transferer
	rates     rates.Provider
	audit     AuditStore
	metrics   RecurringMetrics
	cfg       RecurringConfig
	logger    logging.Logger
	loop      periodic
}

func NewRecurringScheduler(donations RecurringStore, directory RecipientDirectory, ledger Transferer, provider rates.Provider, audit AuditStore, metrics RecurringMetrics, cfg RecurringConfig, logger logging.Logger) *RecurringScheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ConversionTimeout <= 0 {
		cfg.ConversionTimeout = 5 * time.Second
	}
	return &RecurringScheduler{
		donations: donations,
		directory: directory,
		ledger:    ledger,
		rates:     provider,
		audit:     audit,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

type RecurringInput struct {
	PhilanthropistID   string
	RecipientType      models.RecipientType
	RecipientID        string
	AmountMinor        int64
	Currency           string
	AutoDonateDust     bool
	DustThresholdMinor int64
}

func (s *RecurringScheduler) Create(ctx context.Context, in RecurringInput) (models.RecurringDonation, error) {
	switch {
	case in.AmountMinor <= 0:
		return models.RecurringDonation{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRecurring)
	case in.DustThresholdMinor < 0:
		return models.RecurringDonation{}, fmt.Errorf("%w: dust threshold must not be negative", ErrInvalidRecurring)
	case in.RecipientType != models.RecipientTag && in.RecipientType != models.RecipientOrganization:
		return models.RecurringDonation{}, fmt.Errorf("%w: unknown recipient type %q", ErrInvalidRecurring, in.RecipientType)
	}
	if _, err := s.directory.PhilanthropistByID(ctx, in.PhilanthropistID); err != nil {
		return models.RecurringDonation{}, lookupErr("create_recurring", "philanthropist "+in.PhilanthropistID, err)
	}
	if _, err := s.recipientWallet(ctx, in.RecipientType, in.RecipientID); err != nil {
		return models.RecurringDonation{}, err
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = s.cfg.SettlementCurrency
	}
	if in.RecipientType == models.RecipientTag {
		in.RecipientID = strings.ToUpper(in.RecipientID)
	}
	return s.donations.Create(ctx, models.RecurringDonation{
		ID:                 uuid.NewString(),
		PhilanthropistID:   in.PhilanthropistID,
		RecipientType:      in.RecipientType,
		RecipientID:        in.RecipientID,
		AmountMinor:        in.AmountMinor,
		Currency:           currency,
		Frequency:          models.FrequencyMonthly,
		Status:             models.RecurringActive,
		AutoDonateDust:     in.AutoDonateDust,
		DustThresholdMinor: in.DustThresholdMinor,
	})
}

func (s *RecurringScheduler) Get(ctx context.Context, id string) (models.RecurringDonation, error) {
	d, err := s.donations.GetByID(ctx, id)
	if err != nil {
		return models.RecurringDonation{}, lookupErr("get_recurring", "recurring donation "+id, err)
	}
	return d, nil
}

func (s *RecurringScheduler) ListByPhilanthropist(ctx context.Context, philanthropistID string) ([]models.RecurringDonation, error) {
	return s.donations.ListByPhilanthropist(ctx, philanthropistID)
}

// SetStatus pauses, resumes or cancels a donation. Cancelled donations are
// kept for history and can no longer change.
func (s *RecurringScheduler) SetStatus(ctx context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error) {
	switch status {
	case models.RecurringActive, models.RecurringPaused, models.RecurringCancelled:
	default:
		return models.RecurringDonation{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRecurring, status)
	}
	d, err := s.donations.SetStatus(ctx, id, status)
	if err != nil {
		return models.RecurringDonation{}, lookupErr("set_recurring_status", "recurring donation "+id, err)
	}
	return d, nil
}

type ItemResult struct {
	DonationID     string   `json:"donation_id"`
	Outcome        Outcome  `json:"outcome"`
	AmountMinor    int64    `json:"amount_minor,omitempty"`
	DustMinor      int64    `json:"dust_minor,omitempty"`
	RateSource     string   `json:"rate_source,omitempty"`
	TransactionIDs []string `json:"transaction_ids,omitempty"`
	Paused         bool     `json:"paused,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type BatchSummary struct {
	RanAt     time.Time       `json:"ran_at"`
	Processed int             `json:"processed"`
	Counts    map[Outcome]int `json:"counts"`
	Items     []ItemResult    `json:"items"`
}

// ProcessDue runs every due donation once. Item failures are reported in the
// summary; only a failure to read the due list is returned as an error.
func (s *RecurringScheduler) ProcessDue(ctx context.Context, now time.Time) (BatchSummary, error) {
	due, err := s.donations.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("list due donations: %w", err)
	}
	summary := BatchSummary{RanAt: now, Counts: map[Outcome]int{}, Items: make([]ItemResult, 0, len(due))}
	for _, d := range due {
		result := s.processOne(ctx, d, now)
		summary.Processed++
		summary.Counts[result.Outcome]++
		summary.Items = append(summary.Items, result)
		if s.metrics != nil {
			s.metrics.Recurring(string(result.Outcome))
		}
	}
	s.logger.WithFields(logging.Fields{
		"processed": summary.Processed,
		"success":   summary.Counts[OutcomeSuccess] + summary.Counts[OutcomeSuccessWithDust],
	}).Info("recurring donations processed")
	return summary, nil
}

func (s *RecurringScheduler) processOne(ctx context.Context, d models.RecurringDonation, now time.Time) ItemResult {
	result := s.attempt(ctx, d, now)
	log := s.logger.WithFields(logging.Fields{"donation_id": d.ID, "outcome": result.Outcome})
	if result.Outcome == OutcomeSuccess || result.Outcome == OutcomeSuccessWithDust {
		if err := s.donations.RecordSuccess(ctx, d.ID, now, NextRun(now, s.cfg.Location)); err != nil {
			log.WithError(err).Error("failed to advance recurring schedule")
		}
		return result
	}

	log.WithField("error", result.Error).Warn("recurring donation not processed")
	updated, err := s.donations.RecordFailure(ctx, d.ID, s.cfg.PauseStreak)
	if err != nil {
		log.WithError(err).Error("failed to record recurring failure")
		return result
	}
	if updated.Status == models.RecurringPaused {
		result.Paused = true
		log.WithField("failure_streak", updated.FailureStreak).Warn("recurring donation paused after repeated failures")
		if err := s.audit.Log(ctx, nil, "", store.ActionRecurringPaused, "recurring_donation", d.ID, map[string]any{
			"failure_streak": updated.FailureStreak,
			"last_outcome":   result.Outcome,
		}); err != nil {
			log.WithError(err).Error("failed to audit recurring pause")
		}
	}
	return result
}

func (s *RecurringScheduler) attempt(ctx context.Context, d models.RecurringDonation, now time.Time) ItemResult {
	result := ItemResult{DonationID: d.ID}
	fail := func(outcome Outcome, err error) ItemResult {
		result.Outcome = outcome
		result.Error = err.Error()
		return result
	}

	philanthropist, err := s.directory.PhilanthropistByID(ctx, d.PhilanthropistID)
	if err != nil {
		return fail(OutcomeError, fmt.Errorf("resolve philanthropist: %w", err))
	}
	recipient, err := s.recipientWallet(ctx, d.RecipientType, d.RecipientID)
	if err != nil {
		return fail(OutcomeError, err)
	}

	rateCtx, cancel := context.WithTimeout(ctx, s.cfg.ConversionTimeout)
	quote, err := s.rates.Rate(rateCtx, d.Currency, s.cfg.SettlementCurrency)
	cancel()
	if err != nil {
		return fail(OutcomeConversionUnavailable, &LedgerError{Kind: KindConversionUnavailable, Op: "recurring", Err: err})
	}
	amount, err := money.Convert(d.AmountMinor, quote.Rate)
	if err != nil {
		return fail(OutcomeError, invalidTransfer("recurring", err.Error()))
	}
	threshold, err := money.ConvertUp(d.DustThresholdMinor, quote.Rate)
	if err != nil {
		return fail(OutcomeError, invalidTransfer("recurring", "dust threshold: "+err.Error()))
	}
	result.AmountMinor = amount
	result.RateSource = string(quote.Source)
	if amount <= 0 {
		return fail(OutcomeError, invalidTransfer("recurring", "converted amount is zero"))
	}

	period := now.In(s.cfg.Location).Format("2006-01")
	meta := models.Metadata{
		RateSource:     string(quote.Source),
		Rate:           quote.Rate.String(),
		SourceAmount:   d.AmountMinor,
		SourceCurrency: d.Currency,
		DonationID:     d.ID,
	}
	txn, err := s.ledger.Transfer(ctx, TransferRequest{
		From:             &philanthropist.WalletID,
		To:               &recipient,
		AmountMinor:      amount,
		Kind:             models.KindRecurringDonation,
		Metadata:         meta,
		IdempotencyScope: RecurringScope,
		IdempotencyKey:   d.ID + ":" + period,
	})
	switch {
	case errors.Is(err, ErrDuplicateTransfer):
		// Already charged for this period by an earlier run.
		result.Outcome = OutcomeSuccess
		result.TransactionIDs = append(result.TransactionIDs, txn.ID)
		return result
	case errors.Is(err, ErrInsufficientFunds):
		return fail(OutcomeInsufficientFunds, err)
	case err != nil:
		return fail(OutcomeError, err)
	}
	result.Outcome = OutcomeSuccess
	result.TransactionIDs = append(result.TransactionIDs, txn.ID)

	if !d.AutoDonateDust || threshold <= 0 {
		return result
	}
	wallet, err := s.ledger.Wallet(ctx, philanthropist.WalletID)
	if err != nil {
		s.logger.WithError(err).WithField("donation_id", d.ID).Warn("dust check skipped")
		return result
	}
	if wallet.BalanceMinor <= 0 || wallet.BalanceMinor >= threshold {
		return result
	}
	dust, err := s.ledger.Transfer(ctx, TransferRequest{
		From:             &philanthropist.WalletID,
		To:               &recipient,
		AmountMinor:      wallet.BalanceMinor,
		Kind:             models.KindDustDonation,
		Metadata:         models.Metadata{DonationID: d.ID, RateSource: string(quote.Source), Rate: quote.Rate.String()},
		IdempotencyScope: RecurringScope,
		IdempotencyKey:   d.ID + ":" + period + ":dust",
	})
	if err != nil && !errors.Is(err, ErrDuplicateTransfer) {
		s.logger.WithError(err).WithField("donation_id", d.ID).Warn("dust sweep failed")
		return result
	}
	result.Outcome = OutcomeSuccessWithDust
	result.DustMinor = dust.AmountMinor
	result.TransactionIDs = append(result.TransactionIDs, dust.ID)
	return result
}

func (s *RecurringScheduler) recipientWallet(ctx context.Context, recipientType models.RecipientType, recipientID string) (string, error) {
	switch recipientType {
	case models.RecipientTag:
		tag, err := s.directory.TagByCode(ctx, strings.ToUpper(recipientID))
		if err != nil {
			return "", lookupErr("resolve_recipient", "tag "+recipientID, err)
		}
		return tag.WalletID, nil
	case models.RecipientOrganization:
		org, err := s.directory.OrganizationByID(ctx, recipientID)
		if err != nil {
			return "", lookupErr("resolve_recipient", "organization "+recipientID, err)
		}
		return org.WalletID, nil
	default:
		return "", fmt.Errorf("%w: unknown recipient type %q", ErrInvalidRecurring, recipientType)
	}
}

// Start processes due donations every configured interval until Stop.
func (s *RecurringScheduler) Start(ctx context.Context) {
	s.loop.start(ctx, s.cfg.Interval, func(ctx context.Context) {
		if _, err := s.ProcessDue(ctx, time.Now()); err != nil {
			s.logger.WithError(err).Error("recurring run failed")
		}
	})
}

func (s *RecurringScheduler) Stop() {
	s.loop.stop()
}

// NextRun is midnight on the first day of the month after now, in loc.
func NextRun(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)
}

func lookupErr(op, what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &LedgerError{Kind: KindNotFound, Op: op, Reason: what, Err: err}
	}
	return fmt.Errorf("%s: %s: %w", op, what, err)
}
