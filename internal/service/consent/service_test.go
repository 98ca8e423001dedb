package consent

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository/memory"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/metrics"
	"github.com/jwalitptl/access-api/pkg/validator"
)

type fixture struct {
	svc      *Service
	consents *memory.ConsentStore
	trail    *memory.AuditStore
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		consents: memory.NewConsentStore(),
		trail:    memory.NewAuditStore(nil),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	auditor := audit.NewService(f.trail, logger.Nop(), metrics.NewNoop(), audit.WithClock(clock))
	f.svc = NewService(f.consents, auditor, validator.New(), logger.Nop(), WithClock(clock))
	return f
}

var clerk = &model.UserPermission{UserID: "clerk-1", HomeSite: "site-2", Role: model.RoleAdministrator}

func TestRecordConsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RecordConsent(ctx, clerk, model.RecordConsentRequest{
		PatientID:       "patient-1",
		AuthorizedSites: []string{"site-1", " site-1 ", "site-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"site-1", "site-3"}, []string(c.AuthorizedSites))
	assert.Equal(t, "clerk-1", c.RecordedBy)
	assert.Equal(t, 1, f.trail.Len())

	ok, err := f.svc.IsAuthorized(ctx, "patient-1", "site-1", f.now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.IsAuthorized(ctx, "patient-1", "site-9", f.now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordConsent_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordConsent(ctx, nil, model.RecordConsentRequest{PatientID: "p", AuthorizedSites: []string{"s"}})
	assert.ErrorIs(t, err, errors.ErrAuthenticationRequired)

	_, err = f.svc.RecordConsent(ctx, clerk, model.RecordConsentRequest{PatientID: "p"})
	assert.ErrorIs(t, err, errors.ErrValidation)

	past := f.now.Add(-time.Hour)
	_, err = f.svc.RecordConsent(ctx, clerk, model.RecordConsentRequest{PatientID: "p", AuthorizedSites: []string{"s"}, ExpiresAt: &past})
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Equal(t, 0, f.trail.Len())
}

func TestRecordConsent_AuditFailureLeavesNoActiveConsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.trail.FailWith(stderrors.New("disk full"))

	_, err := f.svc.RecordConsent(ctx, clerk, model.RecordConsentRequest{PatientID: "patient-1", AuthorizedSites: []string{"site-1"}})
	assert.ErrorIs(t, err, errors.ErrAuditWriteFailure)

	ok, err := f.svc.IsAuthorized(ctx, "patient-1", "site-1", f.now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithdrawConsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := f.now.Add(30 * 24 * time.Hour)

	c, err := f.svc.RecordConsent(ctx, clerk, model.RecordConsentRequest{
		PatientID:       "patient-1",
		AuthorizedSites: []string{"site-1"},
		ExpiresAt:       &expires,
	})
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	withdrawn, err := f.svc.WithdrawConsent(ctx, clerk, c.ID)
	require.NoError(t, err)
	require.NotNil(t, withdrawn.WithdrawnAt)

	// Withdrawal wins over a future expiry and applies to every later snapshot.
	ok, err := f.svc.IsAuthorized(ctx, "patient-1", "site-1", f.now)
	require.NoError(t, err)
	assert.False(t, ok)

	views, err := f.svc.ListConsents(ctx, clerk, "patient-1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.ConsentStatusWithdrawn, views[0].Status)

	_, err = f.svc.WithdrawConsent(ctx, clerk, c.ID)
	assert.ErrorIs(t, err, errors.ErrConflict)
	assert.Equal(t, 2, f.trail.Len())
}

func TestWithdrawConsent_StandsWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RecordConsent(ctx, clerk, model.RecordConsentRequest{PatientID: "patient-1", AuthorizedSites: []string{"site-1"}})
	require.NoError(t, err)

	f.trail.FailWith(stderrors.New("disk full"))
	_, err = f.svc.WithdrawConsent(ctx, clerk, c.ID)
	assert.ErrorIs(t, err, errors.ErrAuditWriteFailure)

	ok, err := f.svc.IsAuthorized(ctx, "patient-1", "site-1", f.now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsentChanges_RequireCapturePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	visitor := &model.UserPermission{
		UserID:          "visitor",
		HomeSite:        "site-2",
		Role:            model.RolePhysician,
		AuthorizedSites: []model.SiteAccess{{SiteID: "site-1"}},
	}
	capture := &model.UserPermission{
		UserID:             "registrar",
		HomeSite:           "site-1",
		Role:               model.RoleNurse,
		SpecialPermissions: []model.SpecialPermission{model.SpecialPermissionConsentCapture},
	}
	reviewer := &model.UserPermission{UserID: "privacy", HomeSite: "site-1", Role: model.RoleComplianceOfficer}

	_, err := f.svc.RecordConsent(ctx, visitor, model.RecordConsentRequest{PatientID: "patient-1", AuthorizedSites: []string{"site-2"}})
	assert.ErrorIs(t, err, errors.ErrForbidden)
	ok, err := f.svc.IsAuthorized(ctx, "patient-1", "site-2", f.now)
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := f.svc.RecordConsent(ctx, capture, model.RecordConsentRequest{PatientID: "patient-1", AuthorizedSites: []string{"site-2"}})
	require.NoError(t, err)

	_, err = f.svc.WithdrawConsent(ctx, visitor, c.ID)
	assert.ErrorIs(t, err, errors.ErrForbidden)
	_, err = f.svc.ListConsents(ctx, visitor, "patient-1")
	assert.ErrorIs(t, err, errors.ErrForbidden)

	views, err := f.svc.ListConsents(ctx, reviewer, "patient-1")
	require.NoError(t, err)
	assert.Len(t, views, 1)
	_, err = f.svc.WithdrawConsent(ctx, reviewer, c.ID)
	assert.ErrorIs(t, err, errors.ErrForbidden)

	// Only the successful record is on the trail.
	assert.Equal(t, 1, f.trail.Len())
}
