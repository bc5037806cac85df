package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"freedomtag/internal/logging"
	"freedomtag/internal/models"
	"freedomtag/internal/services"
	"freedomtag/internal/store"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Scope namespaces gateway idempotency keys; the key is the payment intent id.
const Scope = "stripe"

var (
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrMalformedEvent      = errors.New("malformed webhook event")
	ErrUnresolvedWallet    = errors.New("payment intent names no known wallet")
	ErrUnsupportedCurrency = errors.New("payment intent currency differs from settlement currency")
	ErrIntentMismatch      = errors.New("payment intent does not match the pending record")
)

type Ledger interface {
	FundExternally(ctx context.Context, req services.FundRequest) (models.Transaction, error)
	BeginPending(ctx context.Context, req services.TransferRequest) (models.Transaction, error)
	SettlePending(ctx context.Context, transactionID string, success bool) (models.Transaction, error)
	ByIdempotencyKey(ctx context.Context, scope, key string) (models.Transaction, bool, error)
}

type TagLookup interface {
	TagByCode(ctx context.Context, code string) (models.Tag, error)
}

// Result describes what a webhook delivery did to the ledger.
type Result struct {
	EventID       string                   `json:"event_id"`
	EventType     string                   `json:"event_type"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	Status        models.TransactionStatus `json:"status,omitempty"`
	Duplicate     bool                     `json:"duplicate,omitempty"`
	Ignored       bool                     `json:"ignored,omitempty"`
}

type StripeWebhook struct {
	secret   string
	ledger   Ledger
	tags     TagLookup
	currency string
	logger   logging.Logger
}

func NewStripeWebhook(secret string, ledger Ledger, tags TagLookup, settlementCurrency string, logger logging.Logger) *StripeWebhook {
	return &StripeWebhook{
		secret:   secret,
		ledger:   ledger,
		tags:     tags,
		currency: strings.ToUpper(settlementCurrency),
		logger:   logger,
	}
}

// Handle verifies a delivery and applies it. Redelivered events resolve to
// the transaction the first delivery produced.
func (h *StripeWebhook) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	// Endpoints may be pinned to an older API version than the library.
	event, err := webhook.ConstructEventWithOptions(payload, signature, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	result := Result{EventID: event.ID, EventType: string(event.Type)}
	log := h.logger.WithFields(logging.Fields{"event_id": event.ID, "event_type": event.Type})

	switch event.Type {
	case stripe.EventTypePaymentIntentProcessing,
		stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed:
	default:
		log.Debug("ignoring webhook event")
		result.Ignored = true
		return result, nil
	}
	if event.Data == nil {
		return result, ErrMalformedEvent
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil || intent.ID == "" {
		return result, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
	}
	log = log.WithField("payment_intent", intent.ID)

	var txn models.Transaction
	switch event.Type {
	case stripe.EventTypePaymentIntentProcessing:
		txn, err = h.pending(ctx, &intent)
	case stripe.EventTypePaymentIntentSucceeded:
		txn, err = h.succeeded(ctx, &intent)
	case stripe.EventTypePaymentIntentPaymentFailed:
		txn, err = h.failed(ctx, &intent)
		if err == nil && txn.ID == "" {
			result.Ignored = true
			return result, nil
		}
	}
	if errors.Is(err, services.ErrDuplicateTransfer) {
		result.Duplicate = true
		err = nil
	}
	if err != nil {
		log.WithError(err).Error("payment webhook not applied")
		return result, err
	}
	result.TransactionID = txn.ID
	result.Status = txn.Status
	log.WithFields(logging.Fields{"transaction_id": txn.ID, "status": txn.Status, "duplicate": result.Duplicate}).Info("payment webhook applied")
	return result, nil
}

// pending records an intent that settles asynchronously, such as a bank debit.
func (h *StripeWebhook) pending(ctx context.Context, intent *stripe.PaymentIntent) (models.Transaction, error) {
	req, err := h.fundRequest(ctx, intent)
	if err != nil {
		return models.Transaction{}, err
	}
	return h.ledger.BeginPending(ctx, services.TransferRequest{
		To:               &req.WalletID,
		AmountMinor:      req.AmountMinor,
		Kind:             req.Kind,
		Reference:        req.Reference,
		Metadata:         req.Metadata,
		IdempotencyScope: Scope,
		IdempotencyKey:   intent.ID,
		Actor:            req.Actor,
	})
}

func (h *StripeWebhook) succeeded(ctx context.Context, intent *stripe.PaymentIntent) (models.Transaction, error) {
	existing, ok, err := h.ledger.ByIdempotencyKey(ctx, Scope, intent.ID)
	if err != nil {
		return models.Transaction{}, err
	}
	if ok && existing.Status == models.StatusPending {
		if err := h.matchPending(ctx, existing, intent); err != nil {
			return h.rejectPending(ctx, existing, intent, err)
		}
		return h.ledger.SettlePending(ctx, existing.ID, true)
	}
	if ok {
		return existing, services.ErrDuplicateTransfer
	}
	req, err := h.fundRequest(ctx, intent)
	if err != nil {
		return models.Transaction{}, err
	}
	return h.ledger.FundExternally(ctx, req)
}

// matchPending checks that the gateway collected what the pending record
// promises to credit, for the wallet it promises to credit.
func (h *StripeWebhook) matchPending(ctx context.Context, existing models.Transaction, intent *stripe.PaymentIntent) error {
	req, err := h.fundRequest(ctx, intent)
	if err != nil {
		return err
	}
	switch {
	case existing.AmountMinor != req.AmountMinor:
		return fmt.Errorf("%w: recorded %d, collected %d", ErrIntentMismatch, existing.AmountMinor, req.AmountMinor)
	case existing.Currency != "" && !strings.EqualFold(existing.Currency, string(intent.Currency)):
		return fmt.Errorf("%w: recorded %s, collected %s", ErrIntentMismatch, existing.Currency, intent.Currency)
	case existing.ToWalletID == nil || *existing.ToWalletID != req.WalletID:
		return fmt.Errorf("%w: destination differs from intent metadata", ErrIntentMismatch)
	}
	return nil
}

// rejectPending fails a pending record the paid intent does not match. The
// caller still gets the mismatch so the delivery is reported as unapplied.
func (h *StripeWebhook) rejectPending(ctx context.Context, existing models.Transaction, intent *stripe.PaymentIntent, cause error) (models.Transaction, error) {
	h.logger.WithError(cause).WithFields(logging.Fields{
		"alert":          "payment_mismatch",
		"payment_intent": intent.ID,
		"transaction_id": existing.ID,
		"recorded_minor": existing.AmountMinor,
		"intent_minor":   intent.Amount,
	}).Error("paid intent does not match pending record")
	failed, err := h.ledger.SettlePending(ctx, existing.ID, false)
	if err != nil {
		return failed, err
	}
	if !errors.Is(cause, ErrIntentMismatch) {
		cause = fmt.Errorf("%w: %w", ErrIntentMismatch, cause)
	}
	return failed, cause
}

// failed settles a pending record as failed. An intent that never reached
// the ledger has nothing to undo.
func (h *StripeWebhook) failed(ctx context.Context, intent *stripe.PaymentIntent) (models.Transaction, error) {
	existing, ok, err := h.ledger.ByIdempotencyKey(ctx, Scope, intent.ID)
	if err != nil || !ok {
		return models.Transaction{}, err
	}
	if existing.Status != models.StatusPending {
		return existing, services.ErrDuplicateTransfer
	}
	return h.ledger.SettlePending(ctx, existing.ID, false)
}

func (h *StripeWebhook) fundRequest(ctx context.Context, intent *stripe.PaymentIntent) (services.FundRequest, error) {
	if !strings.EqualFold(string(intent.Currency), h.currency) {
		return services.FundRequest{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, intent.Currency)
	}
	meta := intent.Metadata
	req := services.FundRequest{
		AmountMinor:      intent.Amount,
		Kind:             models.KindFiatFund,
		Reference:        "stripe " + intent.ID,
		IdempotencyScope: Scope,
		IdempotencyKey:   intent.ID,
		Actor:            "stripe",
		Metadata: models.Metadata{
			ExternalRef:  intent.ID,
			DonorName:    meta["donor_name"],
			DonorEmail:   meta["donor_email"],
			DonorCountry: meta["donor_country"],
			Memo:         meta["memo"],
		},
	}
	switch {
	case meta["tag_code"] != "":
		tag, err := h.tags.TagByCode(ctx, strings.ToUpper(meta["tag_code"]))
		if errors.Is(err, store.ErrNotFound) {
			return services.FundRequest{}, fmt.Errorf("%w: tag %s", ErrUnresolvedWallet, meta["tag_code"])
		}
		if err != nil {
			return services.FundRequest{}, err
		}
		req.WalletID = tag.WalletID
		req.Kind = models.KindDonation
	case meta["wallet_id"] != "":
		req.WalletID = meta["wallet_id"]
	default:
		return services.FundRequest{}, ErrUnresolvedWallet
	}
	return req, nil
}
