// Package memory holds in-process repositories used by tests and the memory storage driver.
package memory

import (
	"context"

	"github.com/jwalitptl/access-api/internal/repository"
)

// NewRepositories returns a fresh, empty set of in-memory repositories.
func NewRepositories() repository.Repositories {
	outbox := NewOutboxStore()
	return repository.Repositories{
		Sites:     NewSiteStore(),
		Grants:    NewTemporaryAccessStore(),
		Consents:  NewConsentStore(),
		Audit:     NewAuditStore(outbox),
		Referrals: NewReferralStore(),
		Outbox:    outbox,
		Health:    healthy{},
	}
}

type healthy struct{}

func (healthy) Ping(context.Context) error { return nil }
