package permission

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository/memory"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/logger"
)

type mockIdentity struct {
	mock.Mock
}

func (m *mockIdentity) GetUserPermissions(ctx context.Context, userID string) (*model.UserPermission, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserPermission), args.Error(1)
}

func TestResolve_MergesLocalGrantsAndCachesProfile(t *testing.T) {
	ctx := context.Background()
	identity := new(mockIdentity)
	identity.On("GetUserPermissions", mock.Anything, "user-1").
		Return(&model.UserPermission{HomeSite: "site-1", Role: model.RolePhysician}, nil).Once()

	grants := memory.NewTemporaryAccessStore()
	svc := NewService(identity, grants, time.Minute, logger.Nop())

	granted := time.Now()
	grant := &model.TemporaryAccess{
		UserID:        "user-1",
		Type:          model.TemporaryAccessSite,
		TargetID:      "site-2",
		AccessLevel:   model.AccessLevelReadOnly,
		DurationHours: 8,
		Status:        model.TemporaryAccessStatusActive,
		RequestedAt:   granted,
		GrantedAt:     &granted,
	}
	require.NoError(t, svc.AddGrant(ctx, grant))
	assert.NotEqual(t, uuid.Nil, grant.ID)

	perm, err := svc.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", perm.UserID)
	require.Len(t, perm.TemporaryAccess, 1)
	assert.True(t, perm.HasSiteAccess("site-2", time.Now()))

	// Mutating the snapshot must not leak into the cached profile.
	perm.TemporaryAccess = nil
	perm.HomeSite = "site-9"
	again, err := svc.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, again.TemporaryAccess, 1)
	assert.Equal(t, "site-1", again.HomeSite)

	identity.AssertExpectations(t)
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()
	identity := new(mockIdentity)
	identity.On("GetUserPermissions", mock.Anything, "ghost").Return(nil, errors.NotFound("user", nil))
	identity.On("GetUserPermissions", mock.Anything, "homeless").Return(&model.UserPermission{}, nil)

	svc := NewService(identity, memory.NewTemporaryAccessStore(), time.Minute, logger.Nop())

	_, err := svc.Resolve(ctx, "")
	assert.ErrorIs(t, err, errors.ErrAuthenticationRequired)

	_, err = svc.Resolve(ctx, "ghost")
	assert.ErrorIs(t, err, errors.ErrUserNotFound)

	_, err = svc.Resolve(ctx, "homeless")
	assert.ErrorIs(t, err, errors.ErrAccessError)
}

func TestResolve_SeesGrantChangesMadeElsewhere(t *testing.T) {
	ctx := context.Background()
	identity := new(mockIdentity)
	identity.On("GetUserPermissions", mock.Anything, "user-1").
		Return(&model.UserPermission{HomeSite: "site-1"}, nil).Once()

	// Two services over one store stand in for two replicas.
	store := memory.NewTemporaryAccessStore()
	api := NewService(identity, store, time.Minute, logger.Nop())
	worker := NewService(new(mockIdentity), store, time.Minute, logger.Nop())

	now := time.Now()
	grant := &model.TemporaryAccess{
		UserID:        "user-1",
		Type:          model.TemporaryAccessPatient,
		TargetID:      "patient-1",
		AccessLevel:   model.AccessLevelReadOnly,
		DurationHours: 24,
		Status:        model.TemporaryAccessStatusActive,
		RequestedAt:   now,
		GrantedAt:     &now,
	}

	perm, err := api.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, perm.PatientGrant("patient-1", model.ActionView, now))

	require.NoError(t, worker.AddGrant(ctx, grant))
	perm, err = api.Resolve(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, perm.PatientGrant("patient-1", model.ActionView, now))

	require.NoError(t, worker.Revoke(ctx, grant))
	assert.Equal(t, model.TemporaryAccessStatusRevoked, grant.Status)
	perm, err = api.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, perm.PatientGrant("patient-1", model.ActionView, now))

	// A second revoke finds the grant no longer active.
	stale := *grant
	stale.Status = model.TemporaryAccessStatusActive
	assert.ErrorIs(t, worker.Revoke(ctx, &stale), errors.ErrConflict)

	identity.AssertExpectations(t)
}

func TestAddExclusiveGrant(t *testing.T) {
	ctx := context.Background()
	svc := NewService(new(mockIdentity), memory.NewTemporaryAccessStore(), time.Minute, logger.Nop())
	now := time.Now()
	newGrant := func() *model.TemporaryAccess {
		return &model.TemporaryAccess{
			UserID:        "user-1",
			Type:          model.TemporaryAccessSite,
			TargetID:      "site-2",
			AccessLevel:   model.AccessLevelReadOnly,
			DurationHours: 4,
			Status:        model.TemporaryAccessStatusProvisional,
			RequestedAt:   now,
			GrantedAt:     &now,
		}
	}
	noOverlap := func(existing []model.TemporaryAccess) error {
		if g := model.ActiveGrantIn(existing, model.TemporaryAccessSite, "site-2", now); g != nil {
			return errors.Conflict("overlap", nil)
		}
		return nil
	}

	first := newGrant()
	require.NoError(t, svc.AddExclusiveGrant(ctx, first, noOverlap))
	assert.ErrorIs(t, svc.AddExclusiveGrant(ctx, newGrant(), noOverlap), errors.ErrConflict)

	require.NoError(t, svc.Activate(ctx, first))
	assert.Equal(t, model.TemporaryAccessStatusActive, first.Status)
	assert.ErrorIs(t, svc.Activate(ctx, first), errors.ErrConflict)
}

func TestDiscard_ReportsFailedRevocation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTemporaryAccessStore()
	svc := NewService(new(mockIdentity), store, time.Minute, logger.Nop())
	now := time.Now()
	grant := &model.TemporaryAccess{
		UserID:        "user-1",
		Type:          model.TemporaryAccessPatient,
		TargetID:      "patient-1",
		AccessLevel:   model.AccessLevelReadOnly,
		DurationHours: 1,
		Status:        model.TemporaryAccessStatusProvisional,
		RequestedAt:   now,
		GrantedAt:     &now,
	}
	require.NoError(t, svc.AddGrant(ctx, grant))
	cause := errors.AuditWriteFailure(stderrors.New("disk full"))

	store.FailUpdatesWith(stderrors.New("connection reset"))
	err := svc.Discard(ctx, grant, cause)
	assert.ErrorIs(t, err, errors.ErrAuditWriteFailure)
	assert.Contains(t, err.Error(), "connection reset")

	store.FailUpdatesWith(nil)
	assert.Equal(t, cause, svc.Discard(ctx, grant, cause))
	assert.Equal(t, model.TemporaryAccessStatusRevoked, grant.Status)
}
