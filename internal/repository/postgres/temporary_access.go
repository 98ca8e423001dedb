package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
)

const grantColumns = `id, user_id, type, target_id, reason, justification, access_level, duration_hours,
	status, break_glass, approval_workflow_id, decided_by, requested_at, granted_at`

type temporaryAccessRepository struct {
	BaseRepository
}

func NewTemporaryAccessRepository(base BaseRepository) repository.TemporaryAccessRepository {
	return &temporaryAccessRepository{base}
}

const insertGrant = `
	INSERT INTO temporary_access_grants (` + grantColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func (r *temporaryAccessRepository) Create(ctx context.Context, grant *model.TemporaryAccess) error {
	return r.insert(ctx, r.GetDB(), grant)
}

// CreateExclusive takes a transaction-scoped advisory lock on the user, so replicas
// checking the same user's grants take turns between the read and the insert.
func (r *temporaryAccessRepository) CreateExclusive(ctx context.Context, grant *model.TemporaryAccess, check repository.GrantCheck) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('temporary_access_grants'), hashtext($1))`, grant.UserID); err != nil {
			return fmt.Errorf("failed to lock user grants: %w", err)
		}
		if check != nil {
			existing := []model.TemporaryAccess{}
			query := `SELECT ` + grantColumns + ` FROM temporary_access_grants WHERE user_id = $1 ORDER BY requested_at ASC`
			if err := tx.SelectContext(ctx, &existing, query, grant.UserID); err != nil {
				return fmt.Errorf("failed to list temporary access grants: %w", err)
			}
			if err := check(existing); err != nil {
				return err
			}
		}
		return r.insert(ctx, tx, grant)
	})
}

func (r *temporaryAccessRepository) insert(ctx context.Context, db sqlx.ExecerContext, grant *model.TemporaryAccess) error {
	_, err := db.ExecContext(ctx, insertGrant,
		grant.ID,
		grant.UserID,
		grant.Type,
		grant.TargetID,
		grant.Reason,
		grant.Justification,
		grant.AccessLevel,
		grant.DurationHours,
		grant.Status,
		grant.BreakGlass,
		grant.ApprovalWorkflowID,
		grant.DecidedBy,
		grant.RequestedAt,
		grant.GrantedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create temporary access grant: %w", err)
	}
	return nil
}

func (r *temporaryAccessRepository) Get(ctx context.Context, id uuid.UUID) (*model.TemporaryAccess, error) {
	var grant model.TemporaryAccess
	if err := r.GetDB().GetContext(ctx, &grant, `SELECT `+grantColumns+` FROM temporary_access_grants WHERE id = $1`, id); err != nil {
		return nil, notFound("temporary access grant", err)
	}
	return &grant, nil
}

func (r *temporaryAccessRepository) GetByWorkflowID(ctx context.Context, workflowID string) (*model.TemporaryAccess, error) {
	var grant model.TemporaryAccess
	query := `SELECT ` + grantColumns + ` FROM temporary_access_grants WHERE approval_workflow_id = $1`
	if err := r.GetDB().GetContext(ctx, &grant, query, workflowID); err != nil {
		return nil, notFound("approval workflow", err)
	}
	return &grant, nil
}

func (r *temporaryAccessRepository) ListByUser(ctx context.Context, userID string) ([]model.TemporaryAccess, error) {
	grants := []model.TemporaryAccess{}
	query := `SELECT ` + grantColumns + ` FROM temporary_access_grants WHERE user_id = $1 ORDER BY requested_at ASC`
	if err := r.GetDB().SelectContext(ctx, &grants, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list temporary access grants: %w", err)
	}
	return grants, nil
}

func (r *temporaryAccessRepository) UpdateStatus(ctx context.Context, grant *model.TemporaryAccess, from model.TemporaryAccessStatus) error {
	query := `
		UPDATE temporary_access_grants
		SET status = $1, granted_at = $2, decided_by = $3, approval_workflow_id = $4
		WHERE id = $5 AND status = $6`
	res, err := r.GetDB().ExecContext(ctx, query,
		grant.Status,
		grant.GrantedAt,
		grant.DecidedBy,
		grant.ApprovalWorkflowID,
		grant.ID,
		from,
	)
	if err != nil {
		return fmt.Errorf("failed to update temporary access grant: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("temporary access grant is no longer %s", from))
}
