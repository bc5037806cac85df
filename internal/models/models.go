package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type WalletKind string

const (
	WalletBeneficiaryTag WalletKind = "BENEFICIARY_TAG"
	WalletMerchantOutlet WalletKind = "MERCHANT_OUTLET"
	WalletPhilanthropist WalletKind = "PHILANTHROPIST"
	WalletOrganization   WalletKind = "ORGANIZATION"
)

type TransactionKind string

const (
	KindDonation          TransactionKind = "DONATION"
	KindRedemption        TransactionKind = "REDEMPTION"
	KindP2P               TransactionKind = "P2P"
	KindP2M               TransactionKind = "P2M"
	KindDistribution      TransactionKind = "DISTRIBUTION"
	KindWithdraw          TransactionKind = "WITHDRAW"
	KindRecurringDonation TransactionKind = "RECURRING_DONATION"
	KindDustDonation      TransactionKind = "DUST_DONATION"
	KindCryptoFund        TransactionKind = "CRYPTO_FUND"
	KindFiatFund          TransactionKind = "FIAT_FUND"
	KindRefund            TransactionKind = "REFUND"
	KindReferralReward    TransactionKind = "REFERRAL_REWARD"
)

var transactionKinds = map[TransactionKind]struct{}{
	KindDonation: {}, KindRedemption: {}, KindP2P: {}, KindP2M: {}, KindDistribution: {},
	KindWithdraw: {}, KindRecurringDonation: {}, KindDustDonation: {}, KindCryptoFund: {},
	KindFiatFund: {}, KindRefund: {}, KindReferralReward: {},
}

func (k TransactionKind) Valid() bool {
	_, ok := transactionKinds[k]
	return ok
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// Wallet balances are held in currency minor units (ZAR cents by default).
type Wallet struct {
	ID           string     `db:"id" json:"id"`
	Kind         WalletKind `db:"kind" json:"kind"`
	DisplayName  string     `db:"display_name" json:"display_name"`
	BalanceMinor int64      `db:"balance_minor" json:"balance_minor"`
	Currency     string     `db:"currency" json:"currency"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

type Tag struct {
	ID                 string             `db:"id" json:"id"`
	Code               string             `db:"code" json:"code"`
	WalletID           string             `db:"wallet_id" json:"wallet_id"`
	UserID             *string            `db:"user_id" json:"user_id,omitempty"`
	OrganizationID     *string            `db:"organization_id" json:"organization_id,omitempty"`
	PINHash            string             `db:"pin_hash" json:"-"`
	VerificationStatus VerificationStatus `db:"verification_status" json:"verification_status"`
	ReferralCode       string             `db:"referral_code" json:"referral_code"`
	ReferredBy         *string            `db:"referred_by" json:"referred_by,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
}

type MerchantOutlet struct {
	ID           string    `db:"id" json:"id"`
	Code         string    `db:"code" json:"code"`
	ChainID      string    `db:"chain_id" json:"chain_id"`
	WalletID     string    `db:"wallet_id" json:"wallet_id"`
	Status       string    `db:"status" json:"status"`
	ReferralCode string    `db:"referral_code" json:"referral_code"`
	ReferredBy   *string   `db:"referred_by" json:"referred_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

const (
	OutletActive   = "active"
	OutletInactive = "inactive"
)

type Philanthropist struct {
	ID           string    `db:"id" json:"id"`
	WalletID     string    `db:"wallet_id" json:"wallet_id"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	Email        string    `db:"email" json:"email"`
	ReferralCode string    `db:"referral_code" json:"referral_code"`
	ReferredBy   *string   `db:"referred_by" json:"referred_by,omitempty"`
	Anonymous    bool      `db:"anonymous" json:"anonymous"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type Organization struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	WalletID     string    `db:"wallet_id" json:"wallet_id"`
	ReferralCode string    `db:"referral_code" json:"referral_code"`
	ReferredBy   *string   `db:"referred_by" json:"referred_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Metadata is stored as a JSONB blob alongside each transaction.
type Metadata struct {
	Memo           string `json:"memo,omitempty"`
	DonorName      string `json:"donor_name,omitempty"`
	DonorEmail     string `json:"donor_email,omitempty"`
	DonorCountry   string `json:"donor_country,omitempty"`
	ExternalRef    string `json:"external_ref,omitempty"`
	BlockchainHash string `json:"blockchain_hash,omitempty"`
	RateSource     string `json:"rate_source,omitempty"`
	Rate           string `json:"rate,omitempty"`
	SourceAmount   int64  `json:"source_amount_minor,omitempty"`
	SourceCurrency string `json:"source_currency,omitempty"`
	DonationID     string `json:"recurring_donation_id,omitempty"`
	ReferralID     string `json:"referral_id,omitempty"`
}

func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("unsupported metadata type")
	}
}

type Transaction struct {
	ID             string            `db:"id" json:"id"`
	Kind           TransactionKind   `db:"kind" json:"kind"`
	Status         TransactionStatus `db:"status" json:"status"`
	FromWalletID   *string           `db:"from_wallet_id" json:"from_wallet_id,omitempty"`
	ToWalletID     *string           `db:"to_wallet_id" json:"to_wallet_id,omitempty"`
	AmountMinor    int64             `db:"amount_minor" json:"amount_minor"`
	Currency       string            `db:"currency" json:"currency"`
	Reference      string            `db:"reference" json:"reference"`
	Metadata       Metadata          `db:"metadata" json:"metadata"`
	IdempotencyKey *string           `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

type RecipientType string

const (
	RecipientTag          RecipientType = "TAG"
	RecipientOrganization RecipientType = "ORGANIZATION"
)

type RecurringStatus string

const (
	RecurringActive    RecurringStatus = "active"
	RecurringPaused    RecurringStatus = "paused"
	RecurringCancelled RecurringStatus = "cancelled"
)

const FrequencyMonthly = "monthly"

type RecurringDonation struct {
	ID                 string          `db:"id" json:"id"`
	PhilanthropistID   string          `db:"philanthropist_id" json:"philanthropist_id"`
	RecipientType      RecipientType   `db:"recipient_type" json:"recipient_type"`
	RecipientID        string          `db:"recipient_id" json:"recipient_id"`
	AmountMinor        int64           `db:"amount_minor" json:"amount_minor"`
	Currency           string          `db:"currency" json:"currency"`
	Frequency          string          `db:"frequency" json:"frequency"`
	Status             RecurringStatus `db:"status" json:"status"`
	AutoDonateDust     bool            `db:"auto_donate_dust" json:"auto_donate_dust"`
	DustThresholdMinor int64           `db:"dust_threshold_minor" json:"dust_threshold_minor"`
	NextProcessingAt   *time.Time      `db:"next_processing_at" json:"next_processing_at,omitempty"`
	LastProcessedAt    *time.Time      `db:"last_processed_at" json:"last_processed_at,omitempty"`
	FailureStreak      int             `db:"failure_streak" json:"failure_streak"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

type Referral struct {
	ID            string    `db:"id" json:"id"`
	ReferrerCode  string    `db:"referrer_code" json:"referrer_code"`
	ReferrerType  string    `db:"referrer_type" json:"referrer_type"`
	ReferredCode  string    `db:"referred_code" json:"referred_code"`
	ReferredType  string    `db:"referred_type" json:"referred_type"`
	RewardMinor   int64     `db:"reward_minor" json:"reward_minor"`
	RewardPaid    bool      `db:"reward_paid" json:"reward_paid"`
	TransactionID *string   `db:"transaction_id" json:"transaction_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
