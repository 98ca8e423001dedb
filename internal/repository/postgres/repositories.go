package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/access-api/internal/repository"
)

// NewRepositories wires every postgres repository over one connection pool.
func NewRepositories(db *sqlx.DB) repository.Repositories {
	base := NewBaseRepository(db)
	return repository.Repositories{
		Sites:     NewSiteRepository(base),
		Grants:    NewTemporaryAccessRepository(base),
		Consents:  NewConsentRepository(base),
		Audit:     NewAuditRepository(base),
		Referrals: NewReferralRepository(base),
		Outbox:    NewOutboxRepository(base),
		Health:    &base,
	}
}
