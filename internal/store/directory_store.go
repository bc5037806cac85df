package store

import (
	"context"

	"freedomtag/internal/models"
)

// DirectoryStore holds the entities that own wallets: beneficiary tags,
// merchant outlets, philanthropists and organizations.
type DirectoryStore struct {
	db DB
}

const (
	tagColumns            = `id, code, wallet_id, user_id, organization_id, pin_hash, verification_status, referral_code, referred_by, created_at`
	outletColumns         = `id, code, chain_id, wallet_id, status, referral_code, referred_by, created_at`
	philanthropistColumns = `id, wallet_id, display_name, email, referral_code, referred_by, anonymous, created_at`
	organizationColumns   = `id, name, wallet_id, referral_code, referred_by, created_at`
)

func NewDirectoryStore(db DB) *DirectoryStore {
	return &DirectoryStore{db: db}
}

func (s *DirectoryStore) CreateTag(ctx context.Context, tx Execer, tag models.Tag) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tags (id, code, wallet_id, user_id, organization_id, pin_hash, verification_status, referral_code, referred_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tag.ID, tag.Code, tag.WalletID, tag.UserID, tag.OrganizationID, tag.PINHash, tag.VerificationStatus, tag.ReferralCode, tag.ReferredBy)
	return mapInsertErr(err)
}

func (s *DirectoryStore) CreateOutlet(ctx context.Context, tx Execer, outlet models.MerchantOutlet) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO merchant_outlets (id, code, chain_id, wallet_id, status, referral_code, referred_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, outlet.ID, outlet.Code, outlet.ChainID, outlet.WalletID, outlet.Status, outlet.ReferralCode, outlet.ReferredBy)
	return mapInsertErr(err)
}

func (s *DirectoryStore) CreatePhilanthropist(ctx context.Context, tx Execer, p models.Philanthropist) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO philanthropists (id, wallet_id, display_name, email, referral_code, referred_by, anonymous)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.WalletID, p.DisplayName, p.Email, p.ReferralCode, p.ReferredBy, p.Anonymous)
	return mapInsertErr(err)
}

func (s *DirectoryStore) CreateOrganization(ctx context.Context, tx Execer, org models.Organization) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO organizations (id, name, wallet_id, referral_code, referred_by)
		VALUES ($1, $2, $3, $4, $5)
	`, org.ID, org.Name, org.WalletID, org.ReferralCode, org.ReferredBy)
	return mapInsertErr(err)
}

func mapInsertErr(err error) error {
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *DirectoryStore) TagByCode(ctx context.Context, code string) (models.Tag, error) {
	var row models.Tag
	if err := s.db.GetContext(ctx, &row, `SELECT `+tagColumns+` FROM tags WHERE code = $1`, code); err != nil {
		return models.Tag{}, notFound(err)
	}
	return row, nil
}

func (s *DirectoryStore) SetTagVerification(ctx context.Context, code string, status models.VerificationStatus) (models.Tag, error) {
	var row models.Tag
	err := s.db.GetContext(ctx, &row, `
		UPDATE tags SET verification_status = $1 WHERE code = $2
		RETURNING `+tagColumns, status, code)
	if err != nil {
		return models.Tag{}, notFound(err)
	}
	return row, nil
}

func (s *DirectoryStore) OutletByCode(ctx context.Context, code string) (models.MerchantOutlet, error) {
	var row models.MerchantOutlet
	if err := s.db.GetContext(ctx, &row, `SELECT `+outletColumns+` FROM merchant_outlets WHERE code = $1`, code); err != nil {
		return models.MerchantOutlet{}, notFound(err)
	}
	return row, nil
}

func (s *DirectoryStore) PhilanthropistByID(ctx context.Context, id string) (models.Philanthropist, error) {
	var row models.Philanthropist
	if err := s.db.GetContext(ctx, &row, `SELECT `+philanthropistColumns+` FROM philanthropists WHERE id = $1`, id); err != nil {
		return models.Philanthropist{}, notFound(err)
	}
	return row, nil
}

func (s *DirectoryStore) OrganizationByID(ctx context.Context, id string) (models.Organization, error) {
	var row models.Organization
	if err := s.db.GetContext(ctx, &row, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id); err != nil {
		return models.Organization{}, notFound(err)
	}
	return row, nil
}

// ReferralTarget is the owner of a referral code.
type ReferralTarget struct {
	Type     string  `db:"entity_type"`
	ID       string  `db:"entity_id"`
	Code     string  `db:"code"`
	WalletID *string `db:"wallet_id"`
}

func (s *DirectoryStore) ResolveReferralCode(ctx context.Context, code string) (ReferralTarget, error) {
	var row ReferralTarget
	err := s.db.GetContext(ctx, &row, `
		SELECT 'TAG' AS entity_type, id AS entity_id, code, wallet_id FROM tags WHERE referral_code = $1
		UNION ALL
		SELECT 'PHILANTHROPIST', id, referral_code, wallet_id FROM philanthropists WHERE referral_code = $1
		UNION ALL
		SELECT 'ORGANIZATION', id, referral_code, wallet_id FROM organizations WHERE referral_code = $1
		UNION ALL
		SELECT 'MERCHANT', id, code, wallet_id FROM merchant_outlets WHERE referral_code = $1
		LIMIT 1
	`, code)
	if err != nil {
		return ReferralTarget{}, notFound(err)
	}
	return row, nil
}
