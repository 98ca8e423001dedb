package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/keylock"
	"github.com/jwalitptl/access-api/pkg/logger"
)

const defaultProfileTTL = 30 * time.Second

// IdentityProvider is the upstream owner of user profiles.
type IdentityProvider interface {
	GetUserPermissions(ctx context.Context, userID string) (*model.UserPermission, error)
}

// Service is the permission store. A user's snapshot is the upstream profile plus the
// temporary grants this service has issued. Only the upstream profile is cached; grants
// are read from the store on every Resolve so a revocation made anywhere applies to the
// next decision.
type Service struct {
	identity IdentityProvider
	grants   repository.TemporaryAccessRepository
	profiles *gocache.Cache
	locks    *keylock.ShardedMutex
	logger   *logger.Logger
}

func NewService(identity IdentityProvider, grants repository.TemporaryAccessRepository, profileTTL time.Duration, log *logger.Logger) *Service {
	if profileTTL <= 0 {
		profileTTL = defaultProfileTTL
	}
	return &Service{
		identity: identity,
		grants:   grants,
		profiles: gocache.New(profileTTL, 2*profileTTL),
		locks:    keylock.New(),
		logger:   log,
	}
}

// Resolve returns a snapshot of the user's access profile. Callers own the returned value.
func (s *Service) Resolve(ctx context.Context, userID string) (*model.UserPermission, error) {
	if userID == "" {
		return nil, errors.ErrAuthenticationRequired
	}
	profile, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	local, err := s.grants.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list temporary grants: %w", err)
	}

	perm := clone(profile)
	perm.UserID = userID
	seen := make(map[uuid.UUID]bool, len(perm.TemporaryAccess))
	for _, g := range perm.TemporaryAccess {
		seen[g.ID] = true
	}
	for _, g := range local {
		if !seen[g.ID] {
			perm.TemporaryAccess = append(perm.TemporaryAccess, g)
		}
	}
	return perm, nil
}

func (s *Service) profile(ctx context.Context, userID string) (*model.UserPermission, error) {
	if cached, ok := s.profiles.Get(userID); ok {
		return cached.(*model.UserPermission), nil
	}
	upstream, err := s.identity.GetUserPermissions(ctx, userID)
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindNotFound, errors.KindUserNotFound:
			return nil, errors.New(errors.KindUserNotFound, fmt.Sprintf("user %s not found", userID), err)
		}
		return nil, fmt.Errorf("failed to get user permissions: %w", err)
	}
	if upstream.HomeSite == "" {
		return nil, errors.New(errors.KindAccessError, fmt.Sprintf("user %s has no home site", userID), nil)
	}
	profile := clone(upstream)
	s.profiles.SetDefault(userID, profile)
	return profile, nil
}

// Grants lists the temporary grants this service has issued to the user.
func (s *Service) Grants(ctx context.Context, userID string) ([]model.TemporaryAccess, error) {
	grants, err := s.grants.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list temporary grants: %w", err)
	}
	return grants, nil
}

func (s *Service) GetGrant(ctx context.Context, id uuid.UUID) (*model.TemporaryAccess, error) {
	return s.grants.Get(ctx, id)
}

func (s *Service) GrantByWorkflowID(ctx context.Context, workflowID string) (*model.TemporaryAccess, error) {
	return s.grants.GetByWorkflowID(ctx, workflowID)
}

// WithUserLock runs fn while holding the user's write lock in this process. Writes that
// must hold across processes go through AddExclusiveGrant.
func (s *Service) WithUserLock(userID string, fn func() error) error {
	return s.locks.With(userID, fn)
}

// AddGrant stores a new grant on the user's record.
func (s *Service) AddGrant(ctx context.Context, grant *model.TemporaryAccess) error {
	return s.AddExclusiveGrant(ctx, grant, nil)
}

// AddExclusiveGrant stores grant unless check refuses the user's existing grants. The store
// runs the check and the insert as one step per user.
func (s *Service) AddExclusiveGrant(ctx context.Context, grant *model.TemporaryAccess, check repository.GrantCheck) error {
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	if err := s.grants.CreateExclusive(ctx, grant, check); err != nil {
		if errors.KindOf(err) == errors.KindConflict {
			return err
		}
		return fmt.Errorf("failed to create temporary grant: %w", err)
	}
	return nil
}

// TransitionGrant persists grant's new status if the stored status still equals from.
func (s *Service) TransitionGrant(ctx context.Context, grant *model.TemporaryAccess, from model.TemporaryAccessStatus) error {
	if err := s.grants.UpdateStatus(ctx, grant, from); err != nil {
		if errors.KindOf(err) == errors.KindConflict || errors.KindOf(err) == errors.KindNotFound {
			return err
		}
		return fmt.Errorf("failed to update temporary grant: %w", err)
	}
	return nil
}

// Activate moves a provisional grant to active once its audit entry is written.
func (s *Service) Activate(ctx context.Context, grant *model.TemporaryAccess) error {
	active := *grant
	active.Status = model.TemporaryAccessStatusActive
	if err := s.TransitionGrant(ctx, &active, model.TemporaryAccessStatusProvisional); err != nil {
		return err
	}
	*grant = active
	return nil
}

// Revoke moves an active, provisional or pending grant to revoked.
func (s *Service) Revoke(ctx context.Context, grant *model.TemporaryAccess) error {
	from := grant.Status
	revoked := *grant
	revoked.Status = model.TemporaryAccessStatusRevoked
	if err := s.TransitionGrant(ctx, &revoked, from); err != nil {
		s.logger.Error(err, "failed to revoke temporary grant",
			"grant_id", grant.ID.String(),
			"user_id", grant.UserID)
		return err
	}
	*grant = revoked
	s.logger.Warn("temporary grant revoked", "grant_id", grant.ID.String(), "user_id", grant.UserID)
	return nil
}

// Discard revokes a grant whose audit entry could not be written and returns cause. If the
// revocation fails too, both errors are returned.
func (s *Service) Discard(ctx context.Context, grant *model.TemporaryAccess, cause error) error {
	if err := s.Revoke(ctx, grant); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to revoke unaudited grant %s: %w", grant.ID, err))
	}
	return cause
}

// Invalidate drops the cached upstream profile of the user.
func (s *Service) Invalidate(userID string) {
	s.profiles.Delete(userID)
}

func clone(p *model.UserPermission) *model.UserPermission {
	out := *p
	out.AuthorizedSites = make([]model.SiteAccess, len(p.AuthorizedSites))
	for i, a := range p.AuthorizedSites {
		out.AuthorizedSites[i] = model.SiteAccess{
			SiteID:       a.SiteID,
			Restrictions: append([]model.AccessRestriction(nil), a.Restrictions...),
		}
	}
	out.SpecialPermissions = append([]model.SpecialPermission(nil), p.SpecialPermissions...)
	out.TemporaryAccess = append([]model.TemporaryAccess(nil), p.TemporaryAccess...)
	return &out
}
