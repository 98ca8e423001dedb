package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
)

const consentColumns = `id, patient_id, authorized_sites, granted_at, expires_at, withdrawn_at, recorded_by`

type consentRepository struct {
	BaseRepository
}

func NewConsentRepository(base BaseRepository) repository.ConsentRepository {
	return &consentRepository{base}
}

func (r *consentRepository) Create(ctx context.Context, consent *model.Consent) error {
	query := `
		INSERT INTO consents (` + consentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.GetDB().ExecContext(ctx, query,
		consent.ID,
		consent.PatientID,
		consent.AuthorizedSites,
		consent.GrantedAt,
		consent.ExpiresAt,
		consent.WithdrawnAt,
		consent.RecordedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create consent: %w", err)
	}
	return nil
}

func (r *consentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Consent, error) {
	var consent model.Consent
	if err := r.GetDB().GetContext(ctx, &consent, `SELECT `+consentColumns+` FROM consents WHERE id = $1`, id); err != nil {
		return nil, notFound("consent", err)
	}
	return &consent, nil
}

func (r *consentRepository) ListByPatient(ctx context.Context, patientID string) ([]model.Consent, error) {
	consents := []model.Consent{}
	query := `SELECT ` + consentColumns + ` FROM consents WHERE patient_id = $1 ORDER BY granted_at ASC`
	if err := r.GetDB().SelectContext(ctx, &consents, query, patientID); err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	return consents, nil
}

func (r *consentRepository) Withdraw(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.GetDB().ExecContext(ctx,
		`UPDATE consents SET withdrawn_at = $1 WHERE id = $2 AND withdrawn_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("failed to withdraw consent: %w", err)
	}
	return expectOneRow(res, "consent already withdrawn")
}
