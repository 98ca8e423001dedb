package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
)

const referralColumns = `id, from_site, to_site, patient_id, status, details, created_by, responded_by, created_at, updated_at`

type referralRepository struct {
	BaseRepository
}

func NewReferralRepository(base BaseRepository) repository.ReferralRepository {
	return &referralRepository{base}
}

func (r *referralRepository) Create(ctx context.Context, referral *model.CrossSiteReferral) error {
	query := `
		INSERT INTO cross_site_referrals (` + referralColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.GetDB().ExecContext(ctx, query,
		referral.ID,
		referral.FromSite,
		referral.ToSite,
		referral.PatientID,
		referral.Status,
		referral.Details,
		referral.CreatedBy,
		referral.RespondedBy,
		referral.CreatedAt,
		referral.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

func (r *referralRepository) Get(ctx context.Context, id uuid.UUID) (*model.CrossSiteReferral, error) {
	var referral model.CrossSiteReferral
	if err := r.GetDB().GetContext(ctx, &referral, `SELECT `+referralColumns+` FROM cross_site_referrals WHERE id = $1`, id); err != nil {
		return nil, notFound("referral", err)
	}
	return &referral, nil
}

func (r *referralRepository) List(ctx context.Context, filter model.ReferralFilter) ([]*model.CrossSiteReferral, int64, error) {
	baseQuery := ` FROM cross_site_referrals WHERE 1=1`
	var args []interface{}

	if filter.PatientID != "" {
		args = append(args, filter.PatientID)
		baseQuery += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	if filter.SiteID != "" {
		args = append(args, filter.SiteID)
		baseQuery += fmt.Sprintf(" AND (from_site = $%d OR to_site = $%d)", len(args), len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		baseQuery += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int64
	if err := r.GetDB().GetContext(ctx, &total, "SELECT COUNT(*)"+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count referrals: %w", err)
	}

	page := filter.Pagination.Normalize()
	query := "SELECT " + referralColumns + baseQuery +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, page.PageSize, page.Offset())

	var referrals []*model.CrossSiteReferral
	if err := r.GetDB().SelectContext(ctx, &referrals, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list referrals: %w", err)
	}
	return referrals, total, nil
}

func (r *referralRepository) UpdateStatus(ctx context.Context, referral *model.CrossSiteReferral, from model.ReferralStatus) error {
	query := `
		UPDATE cross_site_referrals
		SET status = $1, responded_by = $2, updated_at = $3
		WHERE id = $4 AND status = $5`
	res, err := r.GetDB().ExecContext(ctx, query,
		referral.Status,
		referral.RespondedBy,
		referral.UpdatedAt,
		referral.ID,
		from,
	)
	if err != nil {
		return fmt.Errorf("failed to update referral: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("referral is no longer %s", from))
}

func (r *referralRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.CrossSiteReferral, error) {
	query := `SELECT ` + referralColumns + ` FROM cross_site_referrals
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT $3`
	var referrals []*model.CrossSiteReferral
	if err := r.GetDB().SelectContext(ctx, &referrals, query, model.ReferralStatusPending, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending referrals: %w", err)
	}
	return referrals, nil
}
