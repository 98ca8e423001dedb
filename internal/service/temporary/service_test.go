package temporary_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/service/permission"
	"github.com/jwalitptl/access-api/internal/service/servicetest"
	"github.com/jwalitptl/access-api/internal/service/temporary"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/testutil"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) SubmitApprovalRequest(ctx context.Context, req model.ApprovalRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func setup(t *testing.T) (*servicetest.Stack, *temporary.Service, *mockSubmitter, *model.UserPermission) {
	t.Helper()
	s := servicetest.New(t)
	submitter := new(mockSubmitter)
	svc, err := temporary.NewService(temporary.Config{MinHours: 1, MaxHours: 720}, s.Directory, s.Permissions, s.Audit,
		submitter, s.Validator, s.Metrics, s.Logger, temporary.WithClock(s.Clock.Now))
	require.NoError(t, err)
	actor := s.AddUser(t, model.UserPermission{UserID: "doc", HomeSite: "site-1", Role: model.RolePhysician})
	s.AddPatient(model.PatientSiteMetadata{PatientID: "patient-p", PrimarySite: "site-2"})
	return s, svc, submitter, actor
}

func siteRequest(reason model.TemporaryAccessReason) model.TemporaryAccessRequest {
	return model.TemporaryAccessRequest{
		Type:                 model.TemporaryAccessSite,
		TargetID:             "site-2",
		Reason:               reason,
		Justification:        "covering night shift",
		DurationHours:        1,
		RequestedAccessLevel: model.AccessLevelReadOnly,
	}
}

func TestNewService_RejectsBadPolicy(t *testing.T) {
	s := servicetest.New(t)
	_, err := temporary.NewService(temporary.Config{AutoApprovePolicy: `request.reason ==`}, s.Directory, s.Permissions,
		s.Audit, new(mockSubmitter), s.Validator, s.Metrics, s.Logger)
	assert.Error(t, err)

	_, err = temporary.NewService(temporary.Config{MinHours: 10, MaxHours: 2}, s.Directory, s.Permissions,
		s.Audit, new(mockSubmitter), s.Validator, s.Metrics, s.Logger)
	assert.Error(t, err)
}

func TestRequestTemporaryAccess_AutoApprovesCoverage(t *testing.T) {
	s, svc, submitter, actor := setup(t)
	ctx := context.Background()

	res, err := svc.RequestTemporaryAccess(ctx, actor, siteRequest(model.ReasonCoverage))
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.False(t, res.RequiresApproval)
	require.NotNil(t, res.AccessGranted)
	assert.Equal(t, s.Clock.Now().Add(time.Hour), res.AccessGranted.ExpiresAt())
	submitter.AssertNotCalled(t, "SubmitApprovalRequest", mock.Anything, mock.Anything)

	entries := s.Entries(t, "site-2")
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditResultGrantedAuto, entries[0].Result)
	assert.Equal(t, res.AuditID, entries[0].ID)

	// Valid at 59 minutes, gone at 61 without any revocation.
	s.Clock.Advance(59 * time.Minute)
	assert.True(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))
	s.Clock.Advance(2 * time.Minute)
	assert.False(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))

	views, err := svc.ListGrants(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.TemporaryAccessStateExpired, views[0].State)
}

func TestRequestTemporaryAccess_RejectsOverlap(t *testing.T) {
	_, svc, _, actor := setup(t)
	ctx := context.Background()

	_, err := svc.RequestTemporaryAccess(ctx, actor, siteRequest(model.ReasonTransfer))
	require.NoError(t, err)

	_, err = svc.RequestTemporaryAccess(ctx, actor, siteRequest(model.ReasonCoverage))
	assert.ErrorIs(t, err, errors.ErrConflict)
}

func TestRequestTemporaryAccess_EmergencyRedirects(t *testing.T) {
	s, svc, _, actor := setup(t)

	res, err := svc.RequestTemporaryAccess(context.Background(), actor, siteRequest(model.ReasonEmergency))
	require.NoError(t, err)
	assert.True(t, res.RedirectToEmergency)
	assert.False(t, res.Approved)
	assert.Nil(t, res.AccessGranted)

	entries := s.Entries(t, "site-2")
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditResultRedirected, entries[0].Result)
}

func TestRequestTemporaryAccess_Validation(t *testing.T) {
	s, svc, _, actor := setup(t)
	ctx := context.Background()

	_, err := svc.RequestTemporaryAccess(ctx, nil, siteRequest(model.ReasonCoverage))
	assert.ErrorIs(t, err, errors.ErrAuthenticationRequired)

	blank := siteRequest(model.ReasonCoverage)
	blank.Justification = "   "
	_, err = svc.RequestTemporaryAccess(ctx, actor, blank)
	assert.ErrorIs(t, err, errors.ErrValidation)

	long := siteRequest(model.ReasonCoverage)
	long.DurationHours = 721
	_, err = svc.RequestTemporaryAccess(ctx, actor, long)
	assert.ErrorIs(t, err, errors.ErrValidation)

	unknown := siteRequest(model.ReasonCoverage)
	unknown.TargetID = "site-9"
	_, err = svc.RequestTemporaryAccess(ctx, actor, unknown)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	assert.Equal(t, 0, s.Trail.Len())
}

func TestRequestTemporaryAccess_ApprovalFlow(t *testing.T) {
	s, svc, submitter, actor := setup(t)
	ctx := context.Background()
	submitter.On("SubmitApprovalRequest", mock.Anything, mock.MatchedBy(func(r model.ApprovalRequest) bool {
		return r.UserID == "doc" && r.TargetID == "patient-p"
	})).Return("wf-1", nil).Once()

	req := model.TemporaryAccessRequest{
		Type:                 model.TemporaryAccessPatient,
		TargetID:             "patient-p",
		Reason:               model.ReasonConsultation,
		Justification:        "second opinion on imaging",
		DurationHours:        8,
		RequestedAccessLevel: model.AccessLevelReadOnly,
	}
	res, err := svc.RequestTemporaryAccess(ctx, actor, req)
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.Equal(t, "wf-1", res.ApprovalWorkflowID)
	assert.False(t, res.Approved)

	// Pending grants confer nothing.
	d, err := s.Engine.Evaluate(ctx, s.Actor(t, "doc"), "patient-p", model.ActionView)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	s.AddUser(t, model.UserPermission{UserID: "doc", HomeSite: "site-1", Role: model.RolePhysician,
		AuthorizedSites: []model.SiteAccess{{SiteID: "site-2"}}})

	s.Clock.Advance(2 * time.Hour)
	grant, err := svc.OnApprovalDecision(ctx, model.ApprovalDecision{WorkflowID: "wf-1", Approved: true, DecidedBy: "officer"})
	require.NoError(t, err)
	assert.Equal(t, model.TemporaryAccessStatusActive, grant.Status)
	assert.Equal(t, s.Clock.Now().Add(8*time.Hour), grant.ExpiresAt())
	require.NotNil(t, grant.DecidedBy)
	assert.Equal(t, "officer", *grant.DecidedBy)

	d, err = s.Engine.Evaluate(ctx, s.Actor(t, "doc"), "patient-p", model.ActionView)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, model.BasisTemporaryAccess, d.Basis)

	_, err = svc.OnApprovalDecision(ctx, model.ApprovalDecision{WorkflowID: "wf-1", Approved: false, DecidedBy: "officer"})
	assert.ErrorIs(t, err, errors.ErrConflict)

	submitter.AssertExpectations(t)
}

func TestOnApprovalDecision_Rejected(t *testing.T) {
	_, svc, submitter, actor := setup(t)
	ctx := context.Background()
	submitter.On("SubmitApprovalRequest", mock.Anything, mock.Anything).Return("wf-2", nil)

	req := siteRequest(model.ReasonConsultation)
	_, err := svc.RequestTemporaryAccess(ctx, actor, req)
	require.NoError(t, err)

	grant, err := svc.OnApprovalDecision(ctx, model.ApprovalDecision{WorkflowID: "wf-2", Approved: false, DecidedBy: "officer"})
	require.NoError(t, err)
	assert.Equal(t, model.TemporaryAccessStatusRejected, grant.Status)
	assert.Nil(t, grant.GrantedAt)

	// A rejected grant does not block a new request.
	_, err = svc.RequestTemporaryAccess(ctx, actor, req)
	assert.NoError(t, err)

	_, err = svc.OnApprovalDecision(ctx, model.ApprovalDecision{WorkflowID: "wf-unknown", DecidedBy: "officer"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRequestTemporaryAccess_SubmitFailureRevokes(t *testing.T) {
	s, svc, submitter, actor := setup(t)
	submitter.On("SubmitApprovalRequest", mock.Anything, mock.Anything).Return("", stderrors.New("broker down"))

	_, err := svc.RequestTemporaryAccess(context.Background(), actor, siteRequest(model.ReasonConsultation))
	require.Error(t, err)

	views, err := svc.ListGrants(context.Background(), "doc")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.TemporaryAccessStateRevoked, views[0].State)
	assert.Equal(t, 0, s.Trail.Len())
}

func TestRequestTemporaryAccess_AuditFailureRevokes(t *testing.T) {
	s, svc, _, actor := setup(t)
	s.Trail.FailWith(stderrors.New("disk full"))

	_, err := svc.RequestTemporaryAccess(context.Background(), actor, siteRequest(model.ReasonCoverage))
	assert.ErrorIs(t, err, errors.ErrAuditWriteFailure)
	assert.False(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))
}

func TestRevokeGrant(t *testing.T) {
	s, svc, _, actor := setup(t)
	ctx := context.Background()

	res, err := svc.RequestTemporaryAccess(ctx, actor, siteRequest(model.ReasonCoverage))
	require.NoError(t, err)

	nurse := s.AddUser(t, model.UserPermission{UserID: "nurse", HomeSite: "site-1", Role: model.RoleNurse})
	_, err = svc.RevokeGrant(ctx, nurse, res.AccessGranted.ID)
	assert.ErrorIs(t, err, errors.ErrForbidden)

	grant, err := svc.RevokeGrant(ctx, actor, res.AccessGranted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TemporaryAccessStatusRevoked, grant.Status)
	assert.False(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))

	_, err = svc.RevokeGrant(ctx, actor, res.AccessGranted.ID)
	assert.ErrorIs(t, err, errors.ErrConflict)
}

func TestRequestTemporaryAccess_AuditAndRevocationBothFail(t *testing.T) {
	s, svc, _, actor := setup(t)
	storeErr := stderrors.New("grant store unreachable")
	s.Trail.FailWith(stderrors.New("disk full"))
	s.Grants.FailUpdatesWith(storeErr)

	_, err := svc.RequestTemporaryAccess(context.Background(), actor, siteRequest(model.ReasonCoverage))
	assert.ErrorIs(t, err, errors.ErrAuditWriteFailure)
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, errors.KindAuditWriteFailure, errors.KindOf(err))

	s.Grants.FailUpdatesWith(nil)
	views, err := svc.ListGrants(context.Background(), "doc")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.TemporaryAccessStateProvisional, views[0].State)
	assert.False(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))
}

func TestRequestTemporaryAccess_ConcurrentRequestsYieldOneGrant(t *testing.T) {
	s, svc, _, actor := setup(t)
	ctx := context.Background()

	t.Run("one process", func(t *testing.T) {
		res := testutil.RunConcurrent(8, func(int) error {
			_, err := svc.RequestTemporaryAccess(ctx, actor, siteRequest(model.ReasonCoverage))
			return err
		})
		assert.Equal(t, int32(1), res.Successes)
		assert.Equal(t, int32(7), res.Conflicts)
		assert.Equal(t, int32(0), res.Errors)
	})

	t.Run("separate processes sharing the store", func(t *testing.T) {
		other := s.AddUser(t, model.UserPermission{UserID: "locum", HomeSite: "site-1", Role: model.RolePhysician})
		replicas := make([]*temporary.Service, 8)
		for i := range replicas {
			perms := permission.NewService(s.Upstream, s.Grants, time.Minute, s.Logger)
			replica, err := temporary.NewService(temporary.Config{MinHours: 1, MaxHours: 720}, s.Directory, perms, s.Audit,
				new(mockSubmitter), s.Validator, s.Metrics, s.Logger, temporary.WithClock(s.Clock.Now))
			require.NoError(t, err)
			replicas[i] = replica
		}

		res := testutil.RunConcurrent(len(replicas), func(idx int) error {
			_, err := replicas[idx].RequestTemporaryAccess(ctx, other, siteRequest(model.ReasonCoverage))
			return err
		})
		assert.Equal(t, int32(1), res.Successes)
		assert.Equal(t, int32(7), res.Conflicts)
		assert.Equal(t, int32(0), res.Errors)

		views, err := svc.ListGrants(ctx, "locum")
		require.NoError(t, err)
		assert.Len(t, views, 1)
	})
}

func pendingRequest(t *testing.T, svc *temporary.Service, submitter *mockSubmitter, actor *model.UserPermission, workflowID string) {
	t.Helper()
	submitter.On("SubmitApprovalRequest", mock.Anything, mock.Anything).Return(workflowID, nil).Once()
	res, err := svc.RequestTemporaryAccess(context.Background(), actor, siteRequest(model.ReasonConsultation))
	require.NoError(t, err)
	require.True(t, res.RequiresApproval)
}

func TestOnApprovalDecision_HolderCannotDecide(t *testing.T) {
	s, svc, submitter, actor := setup(t)
	ctx := context.Background()
	pendingRequest(t, svc, submitter, actor, "wf-self")
	before := s.Trail.Len()

	_, err := svc.OnApprovalDecision(ctx, model.ApprovalDecision{WorkflowID: "wf-self", Approved: true, DecidedBy: "doc"})
	assert.ErrorIs(t, err, errors.ErrForbidden)
	assert.Equal(t, before, s.Trail.Len())

	views, err := svc.ListGrants(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.TemporaryAccessStatePendingApproval, views[0].State)
	assert.False(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))
}

func TestOnApprovalDecision_DecisionTimeNeverInFuture(t *testing.T) {
	s, svc, submitter, actor := setup(t)
	ctx := context.Background()
	pendingRequest(t, svc, submitter, actor, "wf-late")
	s.Clock.Advance(time.Hour)

	grant, err := svc.OnApprovalDecision(ctx, model.ApprovalDecision{
		WorkflowID: "wf-late",
		Approved:   true,
		DecidedBy:  "officer",
		DecidedAt:  s.Clock.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, grant.GrantedAt)
	assert.Equal(t, s.Clock.Now(), *grant.GrantedAt)
	assert.True(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))
}

func TestOnApprovalDecision_AuditFailureKeepsGrantPending(t *testing.T) {
	s, svc, submitter, actor := setup(t)
	ctx := context.Background()
	pendingRequest(t, svc, submitter, actor, "wf-retry")
	decision := model.ApprovalDecision{WorkflowID: "wf-retry", Approved: true, DecidedBy: "officer"}

	s.Trail.FailWith(stderrors.New("disk full"))
	_, err := svc.OnApprovalDecision(ctx, decision)
	assert.ErrorIs(t, err, errors.ErrAuditWriteFailure)
	assert.False(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))

	views, err := svc.ListGrants(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.TemporaryAccessStatePendingApproval, views[0].State)

	// A redelivered decision applies once the trail recovers.
	s.Trail.FailWith(nil)
	grant, err := svc.OnApprovalDecision(ctx, decision)
	require.NoError(t, err)
	assert.Equal(t, model.TemporaryAccessStatusActive, grant.Status)
	assert.True(t, s.Actor(t, "doc").HasSiteAccess("site-2", s.Clock.Now()))
}
