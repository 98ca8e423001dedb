package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
)

// GrantCheck inspects a user's stored grants before a new one is added and returns an
// error to refuse it.
type GrantCheck func(existing []model.TemporaryAccess) error

// All repository interfaces in one file
type (
	// SiteRepository holds the registered network sites.
	SiteRepository interface {
		Get(ctx context.Context, id string) (*model.NetworkSite, error)
		List(ctx context.Context) ([]*model.NetworkSite, error)
		Upsert(ctx context.Context, site *model.NetworkSite) error
	}

	// TemporaryAccessRepository stores grants created by the broker and the emergency gate.
	TemporaryAccessRepository interface {
		Create(ctx context.Context, grant *model.TemporaryAccess) error
		// CreateExclusive stores grant only if check accepts the user's existing grants.
		// Concurrent calls for the same user are serialized across processes.
		CreateExclusive(ctx context.Context, grant *model.TemporaryAccess, check GrantCheck) error
		Get(ctx context.Context, id uuid.UUID) (*model.TemporaryAccess, error)
		GetByWorkflowID(ctx context.Context, workflowID string) (*model.TemporaryAccess, error)
		ListByUser(ctx context.Context, userID string) ([]model.TemporaryAccess, error)
		// UpdateStatus applies a transition only if the stored status still equals from.
		UpdateStatus(ctx context.Context, grant *model.TemporaryAccess, from model.TemporaryAccessStatus) error
	}

	ConsentRepository interface {
		Create(ctx context.Context, consent *model.Consent) error
		Get(ctx context.Context, id uuid.UUID) (*model.Consent, error)
		ListByPatient(ctx context.Context, patientID string) ([]model.Consent, error)
		// Withdraw sets withdrawn_at once; a second withdrawal is a conflict.
		Withdraw(ctx context.Context, id uuid.UUID, at time.Time) error
	}

	// AuditRepository is append-only: there is no update or delete.
	AuditRepository interface {
		// Append seals the entry onto its resource chain and stores it together with events
		// in one transaction.
		Append(ctx context.Context, entry *model.AuditLogEntry, events ...*model.OutboxEvent) error
		Get(ctx context.Context, id uuid.UUID) (*model.AuditLogEntry, error)
		Query(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, int64, error)
		// ListByResource returns the resource chain in append order.
		ListByResource(ctx context.Context, resourceID string) ([]model.AuditLogEntry, error)
	}

	ReferralRepository interface {
		Create(ctx context.Context, referral *model.CrossSiteReferral) error
		Get(ctx context.Context, id uuid.UUID) (*model.CrossSiteReferral, error)
		List(ctx context.Context, filter model.ReferralFilter) ([]*model.CrossSiteReferral, int64, error)
		// UpdateStatus applies a transition only if the stored status still equals from.
		UpdateStatus(ctx context.Context, referral *model.CrossSiteReferral, from model.ReferralStatus) error
		ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.CrossSiteReferral, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		// ClaimPending leases up to limit due events until leaseUntil.
		ClaimPending(ctx context.Context, limit int, leaseUntil time.Time) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	HealthChecker interface {
		Ping(ctx context.Context) error
	}
)

// Repositories bundles one implementation of every store.
type Repositories struct {
	Sites     SiteRepository
	Grants    TemporaryAccessRepository
	Consents  ConsentRepository
	Audit     AuditRepository
	Referrals ReferralRepository
	Outbox    OutboxRepository
	Health    HealthChecker
}
