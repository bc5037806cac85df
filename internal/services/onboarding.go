package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"freedomtag/internal/auth"
	"freedomtag/internal/db"
	"freedomtag/internal/logging"
	"freedomtag/internal/models"
	"freedomtag/internal/referral"
	"freedomtag/internal/store"
	"freedomtag/internal/validator"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// codeAttempts bounds retries when a generated code collides with an
// existing one.
const codeAttempts = 3

var (
	ErrInvalidPIN          = auth.ErrInvalidPIN
	ErrPINRequired         = errors.New("pin is required")
	ErrUnknownVerification = errors.New("unknown verification status")
)

type ReferralApplier interface {
	Apply(ctx context.Context, referrerCode string, referred ReferredEntity) (*models.Referral, error)
}

// Onboarding provisions wallet holding entities. Each entity and its wallet
// are created in one database transaction; referral rewards follow outside
// it so a failed reward never undoes a signup.
type Onboarding struct {
	txRunner  db.TxRunner
	wallets   WalletStore
	directory DirectoryStore
	referrals ReferralApplier
	currency  string
	logger    logging.Logger
}

func NewOnboarding(txRunner db.TxRunner, wallets WalletStore, directory DirectoryStore, referrals ReferralApplier, currency string, logger logging.Logger) *Onboarding {
	return &Onboarding{
		txRunner:  txRunner,
		wallets:   wallets,
		directory: directory,
		referrals: referrals,
		currency:  currency,
		logger:    logger,
	}
}

type TagInput struct {
	Code           string
	DisplayName    string
	PIN            string
	UserID         *string
	OrganizationID *string
	ReferredBy     string
}

type ProvisionedTag struct {
	Tag      models.Tag       `json:"tag"`
	Wallet   models.Wallet    `json:"wallet"`
	Referral *models.Referral `json:"referral,omitempty"`
}

func (o *Onboarding) ProvisionTag(ctx context.Context, in TagInput) (ProvisionedTag, error) {
	if in.PIN == "" {
		return ProvisionedTag{}, ErrPINRequired
	}
	if err := validator.ValidatePIN(in.PIN); err != nil {
		return ProvisionedTag{}, err
	}
	if in.Code != "" {
		if err := validator.ValidateTagCode(in.Code); err != nil {
			return ProvisionedTag{}, err
		}
	}
	pinHash, err := auth.HashPIN(in.PIN)
	if err != nil {
		return ProvisionedTag{}, fmt.Errorf("hash pin: %w", err)
	}
	var tag models.Tag
	wallet, err := o.provision(ctx, models.WalletBeneficiaryTag, in.DisplayName, referral.Tag, func(tx store.Execer, wallet models.Wallet, referralCode string) error {
		code := strings.ToUpper(in.Code)
		if code == "" {
			generated, err := referral.GenerateCode("FT")
			if err != nil {
				return err
			}
			code = generated
		}
		tag = models.Tag{
			ID:                 uuid.NewString(),
			Code:               code,
			WalletID:           wallet.ID,
			UserID:             in.UserID,
			OrganizationID:     in.OrganizationID,
			PINHash:            pinHash,
			VerificationStatus: models.VerificationPending,
			ReferralCode:       referralCode,
			ReferredBy:         optional(in.ReferredBy),
		}
		return o.directory.CreateTag(ctx, tx, tag)
	})
	if err != nil {
		return ProvisionedTag{}, err
	}
	return ProvisionedTag{
		Tag:      tag,
		Wallet:   wallet,
		Referral: o.applyReferral(ctx, in.ReferredBy, referral.Tag, tag.ReferralCode),
	}, nil
}

type PhilanthropistInput struct {
	DisplayName string
	Email       string
	Anonymous   bool
	ReferredBy  string
}

type ProvisionedPhilanthropist struct {
	Philanthropist models.Philanthropist `json:"philanthropist"`
	Wallet         models.Wallet         `json:"wallet"`
	Referral       *models.Referral      `json:"referral,omitempty"`
}

func (o *Onboarding) ProvisionPhilanthropist(ctx context.Context, in PhilanthropistInput) (ProvisionedPhilanthropist, error) {
	if err := validator.ValidateEmail(in.Email); err != nil {
		return ProvisionedPhilanthropist{}, err
	}
	var p models.Philanthropist
	wallet, err := o.provision(ctx, models.WalletPhilanthropist, in.DisplayName, referral.Philanthropist, func(tx store.Execer, wallet models.Wallet, referralCode string) error {
		p = models.Philanthropist{
			ID:           uuid.NewString(),
			WalletID:     wallet.ID,
			DisplayName:  in.DisplayName,
			Email:        strings.ToLower(in.Email),
			ReferralCode: referralCode,
			ReferredBy:   optional(in.ReferredBy),
			Anonymous:    in.Anonymous,
		}
		return o.directory.CreatePhilanthropist(ctx, tx, p)
	})
	if err != nil {
		return ProvisionedPhilanthropist{}, err
	}
	return ProvisionedPhilanthropist{
		Philanthropist: p,
		Wallet:         wallet,
		Referral:       o.applyReferral(ctx, in.ReferredBy, referral.Philanthropist, p.ReferralCode),
	}, nil
}

type OrganizationInput struct {
	Name       string
	ReferredBy string
}

type ProvisionedOrganization struct {
	Organization models.Organization `json:"organization"`
	Wallet       models.Wallet       `json:"wallet"`
	Referral     *models.Referral    `json:"referral,omitempty"`
}

func (o *Onboarding) ProvisionOrganization(ctx context.Context, in OrganizationInput) (ProvisionedOrganization, error) {
	var org models.Organization
	wallet, err := o.provision(ctx, models.WalletOrganization, in.Name, referral.Organization, func(tx store.Execer, wallet models.Wallet, referralCode string) error {
		org = models.Organization{
			ID:           uuid.NewString(),
			Name:         in.Name,
			WalletID:     wallet.ID,
			ReferralCode: referralCode,
			ReferredBy:   optional(in.ReferredBy),
		}
		return o.directory.CreateOrganization(ctx, tx, org)
	})
	if err != nil {
		return ProvisionedOrganization{}, err
	}
	return ProvisionedOrganization{
		Organization: org,
		Wallet:       wallet,
		Referral:     o.applyReferral(ctx, in.ReferredBy, referral.Organization, org.ReferralCode),
	}, nil
}

type OutletInput struct {
	Code        string
	ChainID     string
	DisplayName string
	ReferredBy  string
}

type ProvisionedOutlet struct {
	Outlet   models.MerchantOutlet `json:"outlet"`
	Wallet   models.Wallet         `json:"wallet"`
	Referral *models.Referral      `json:"referral,omitempty"`
}

func (o *Onboarding) ProvisionOutlet(ctx context.Context, in OutletInput) (ProvisionedOutlet, error) {
	var outlet models.MerchantOutlet
	wallet, err := o.provision(ctx, models.WalletMerchantOutlet, in.DisplayName, referral.Merchant, func(tx store.Execer, wallet models.Wallet, referralCode string) error {
		outlet = models.MerchantOutlet{
			ID:           uuid.NewString(),
			Code:         strings.ToUpper(in.Code),
			ChainID:      in.ChainID,
			WalletID:     wallet.ID,
			Status:       models.OutletActive,
			ReferralCode: referralCode,
			ReferredBy:   optional(in.ReferredBy),
		}
		return o.directory.CreateOutlet(ctx, tx, outlet)
	})
	if err != nil {
		return ProvisionedOutlet{}, err
	}
	return ProvisionedOutlet{
		Outlet:   outlet,
		Wallet:   wallet,
		Referral: o.applyReferral(ctx, in.ReferredBy, referral.Merchant, outlet.ReferralCode),
	}, nil
}

// VerifyTagPIN returns the tag when pin matches its stored hash.
func (o *Onboarding) VerifyTagPIN(ctx context.Context, code, pin string) (models.Tag, error) {
	tag, err := o.directory.TagByCode(ctx, strings.ToUpper(code))
	if errors.Is(err, store.ErrNotFound) {
		return models.Tag{}, &LedgerError{Kind: KindNotFound, Op: "verify_pin", Reason: "tag " + code, Err: err}
	}
	if err != nil {
		return models.Tag{}, err
	}
	if err := auth.CheckPIN(tag.PINHash, pin); err != nil {
		return models.Tag{}, err
	}
	return tag, nil
}

// SetTagVerification records a KYC decision for a tag.
func (o *Onboarding) SetTagVerification(ctx context.Context, code string, status models.VerificationStatus) (models.Tag, error) {
	switch status {
	case models.VerificationPending, models.VerificationApproved, models.VerificationRejected:
	default:
		return models.Tag{}, fmt.Errorf("%w: %q", ErrUnknownVerification, status)
	}
	tag, err := o.directory.SetTagVerification(ctx, strings.ToUpper(code), status)
	if errors.Is(err, store.ErrNotFound) {
		return models.Tag{}, &LedgerError{Kind: KindNotFound, Op: "set_verification", Reason: "tag " + code, Err: err}
	}
	return tag, err
}

type createEntityFunc func(tx store.Execer, wallet models.Wallet, referralCode string) error

func (o *Onboarding) provision(ctx context.Context, kind models.WalletKind, displayName string, entity referral.EntityType, create createEntityFunc) (models.Wallet, error) {
	var lastErr error
	for range codeAttempts {
		referralCode, err := referral.GenerateCode(referral.Prefix(entity))
		if err != nil {
			return models.Wallet{}, fmt.Errorf("generate referral code: %w", err)
		}
		wallet := models.Wallet{
			ID:          uuid.NewString(),
			Kind:        kind,
			DisplayName: displayName,
			Currency:    o.currency,
		}
		err = o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
			if err := o.wallets.Create(ctx, tx, wallet); err != nil {
				return fmt.Errorf("create wallet: %w", err)
			}
			return create(tx, wallet, referralCode)
		})
		if err == nil {
			return wallet, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return models.Wallet{}, err
		}
		lastErr = err
	}
	return models.Wallet{}, lastErr
}

func (o *Onboarding) applyReferral(ctx context.Context, referrerCode string, entity referral.EntityType, referredCode string) *models.Referral {
	if referrerCode == "" {
		return nil
	}
	record, err := o.referrals.Apply(ctx, referrerCode, ReferredEntity{Type: entity, Code: referredCode})
	if err != nil {
		o.logger.WithError(err).WithFields(logging.Fields{
			"referral_code": referrerCode,
			"referred_code": referredCode,
		}).Warn("referral not applied")
		return nil
	}
	return record
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
