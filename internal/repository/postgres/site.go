package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
)

const siteColumns = `id, name, data_classification_default, emergency_access_enabled, preauthorized_roles, created_at, updated_at`

type siteRepository struct {
	BaseRepository
}

func NewSiteRepository(base BaseRepository) repository.SiteRepository {
	return &siteRepository{base}
}

func (r *siteRepository) Get(ctx context.Context, id string) (*model.NetworkSite, error) {
	var site model.NetworkSite
	if err := r.GetDB().GetContext(ctx, &site, `SELECT `+siteColumns+` FROM network_sites WHERE id = $1`, id); err != nil {
		return nil, notFound("site", err)
	}
	return &site, nil
}

func (r *siteRepository) List(ctx context.Context) ([]*model.NetworkSite, error) {
	var sites []*model.NetworkSite
	if err := r.GetDB().SelectContext(ctx, &sites, `SELECT `+siteColumns+` FROM network_sites ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	return sites, nil
}

func (r *siteRepository) Upsert(ctx context.Context, site *model.NetworkSite) error {
	query := `
		INSERT INTO network_sites (` + siteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			data_classification_default = EXCLUDED.data_classification_default,
			emergency_access_enabled = EXCLUDED.emergency_access_enabled,
			preauthorized_roles = EXCLUDED.preauthorized_roles,
			updated_at = EXCLUDED.updated_at`
	_, err := r.GetDB().ExecContext(ctx, query,
		site.ID,
		site.Name,
		site.DataClassificationDefault,
		site.EmergencyAccessEnabled,
		site.PreauthorizedRoles,
		site.CreatedAt,
		site.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert site: %w", err)
	}
	return nil
}
