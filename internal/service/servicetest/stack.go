// Package servicetest wires the services onto in-memory stores for tests.
package servicetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/adapters/upstream"
	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository/memory"
	"github.com/jwalitptl/access-api/internal/service/access"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/internal/service/consent"
	"github.com/jwalitptl/access-api/internal/service/directory"
	"github.com/jwalitptl/access-api/internal/service/permission"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/metrics"
	"github.com/jwalitptl/access-api/pkg/validator"
)

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Stack is every leaf service plus the decision engine over memory stores.
type Stack struct {
	Clock     *Clock
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Validator validator.Validator

	Sites    *memory.SiteStore
	Grants   *memory.TemporaryAccessStore
	Consents *memory.ConsentStore
	Trail    *memory.AuditStore
	Outbox   *memory.OutboxStore
	Upstream *upstream.Static

	Directory   *directory.Service
	Permissions *permission.Service
	Ledger      *consent.Service
	Audit       *audit.Service
	Engine      *access.Engine
}

// Start is the default clock reading.
var Start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// New builds a stack whose network has emergency access on and break-glass review required.
// Sites site-1, site-2 and site-3 are registered with emergency access enabled.
func New(t *testing.T) *Stack {
	t.Helper()
	return NewWithSettings(t, model.NetworkSettings{
		EmergencyAccessEnabled:  true,
		BreakGlassAuditRequired: true,
		BreakGlassDuration:      24 * time.Hour,
		BreakGlassAccessLevel:   model.AccessLevelReadOnly,
	})
}

func NewWithSettings(t *testing.T, settings model.NetworkSettings) *Stack {
	t.Helper()
	s := &Stack{
		Clock:     NewClock(Start),
		Logger:    logger.Nop(),
		Metrics:   metrics.NewNoop(),
		Validator: validator.New(),
		Sites:     memory.NewSiteStore(),
		Grants:    memory.NewTemporaryAccessStore(),
		Consents:  memory.NewConsentStore(),
		Outbox:    memory.NewOutboxStore(),
		Upstream:  upstream.NewStatic(),
	}
	s.Trail = memory.NewAuditStore(s.Outbox)

	s.Directory = directory.NewService(s.Sites, settings, time.Minute, s.Logger)
	s.Permissions = permission.NewService(s.Upstream, s.Grants, time.Minute, s.Logger)
	s.Audit = audit.NewService(s.Trail, s.Logger, s.Metrics, audit.WithClock(s.Clock.Now))
	s.Ledger = consent.NewService(s.Consents, s.Audit, s.Validator, s.Logger, consent.WithClock(s.Clock.Now))
	s.Engine = access.NewEngine(s.Directory, s.Permissions, s.Ledger, s.Upstream, s.Audit, s.Metrics, s.Logger,
		access.WithClock(s.Clock.Now))

	for _, id := range []string{"site-1", "site-2", "site-3"} {
		s.AddSite(t, &model.NetworkSite{
			ID:                     id,
			Name:                   id,
			EmergencyAccessEnabled: true,
			PreauthorizedRoles:     model.RoleList{model.RolePhysician},
		})
	}
	return s
}

func (s *Stack) AddSite(t *testing.T, site *model.NetworkSite) {
	t.Helper()
	if err := s.Directory.RegisterSite(context.Background(), site); err != nil {
		t.Fatalf("register site %s: %v", site.ID, err)
	}
}

// AddUser stores the upstream profile and returns the resolved snapshot.
func (s *Stack) AddUser(t *testing.T, perm model.UserPermission) *model.UserPermission {
	t.Helper()
	s.Upstream.PutUser(perm)
	return s.Actor(t, perm.UserID)
}

// Actor resolves a fresh snapshot for userID.
func (s *Stack) Actor(t *testing.T, userID string) *model.UserPermission {
	t.Helper()
	s.Permissions.Invalidate(userID)
	actor, err := s.Permissions.Resolve(context.Background(), userID)
	if err != nil {
		t.Fatalf("resolve %s: %v", userID, err)
	}
	return actor
}

func (s *Stack) AddPatient(meta model.PatientSiteMetadata) {
	if meta.DataClassification == "" {
		meta.DataClassification = model.ClassificationStandard
	}
	s.Upstream.PutPatient(meta)
}

// AddConsent stores a consent directly, bypassing the ledger's audit entry.
func (s *Stack) AddConsent(t *testing.T, c model.Consent) model.Consent {
	t.Helper()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if err := s.Consents.Create(context.Background(), &c); err != nil {
		t.Fatalf("create consent: %v", err)
	}
	return c
}

// Entries returns the audit chain of a resource.
func (s *Stack) Entries(t *testing.T, resourceID string) []model.AuditLogEntry {
	t.Helper()
	entries, err := s.Trail.ListByResource(context.Background(), resourceID)
	if err != nil {
		t.Fatalf("list audit entries: %v", err)
	}
	return entries
}
