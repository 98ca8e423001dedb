package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/pkg/errors"
)

type TemporaryAccessStore struct {
	mu        sync.RWMutex
	grants    map[uuid.UUID]model.TemporaryAccess
	updateErr error
}

func NewTemporaryAccessStore() *TemporaryAccessStore {
	return &TemporaryAccessStore{grants: make(map[uuid.UUID]model.TemporaryAccess)}
}

func (s *TemporaryAccessStore) Create(_ context.Context, grant *model.TemporaryAccess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grants[grant.ID]; exists {
		return errors.Conflict("temporary access grant already exists", nil)
	}
	s.grants[grant.ID] = *grant
	return nil
}

func (s *TemporaryAccessStore) CreateExclusive(_ context.Context, grant *model.TemporaryAccess, check repository.GrantCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grants[grant.ID]; exists {
		return errors.Conflict("temporary access grant already exists", nil)
	}
	if check != nil {
		if err := check(s.listByUser(grant.UserID)); err != nil {
			return err
		}
	}
	s.grants[grant.ID] = *grant
	return nil
}

func (s *TemporaryAccessStore) Get(_ context.Context, id uuid.UUID) (*model.TemporaryAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grant, ok := s.grants[id]
	if !ok {
		return nil, errors.NotFound("temporary access grant", nil)
	}
	return &grant, nil
}

func (s *TemporaryAccessStore) GetByWorkflowID(_ context.Context, workflowID string) (*model.TemporaryAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, grant := range s.grants {
		if grant.ApprovalWorkflowID != nil && *grant.ApprovalWorkflowID == workflowID {
			g := grant
			return &g, nil
		}
	}
	return nil, errors.NotFound("approval workflow", nil)
}

func (s *TemporaryAccessStore) ListByUser(_ context.Context, userID string) ([]model.TemporaryAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listByUser(userID), nil
}

func (s *TemporaryAccessStore) listByUser(userID string) []model.TemporaryAccess {
	out := []model.TemporaryAccess{}
	for _, grant := range s.grants {
		if grant.UserID == userID {
			out = append(out, grant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (s *TemporaryAccessStore) UpdateStatus(_ context.Context, grant *model.TemporaryAccess, from model.TemporaryAccessStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	current, ok := s.grants[grant.ID]
	if !ok {
		return errors.NotFound("temporary access grant", nil)
	}
	if current.Status != from {
		return errors.Conflict(fmt.Sprintf("temporary access grant is no longer %s", from), nil)
	}
	current.Status = grant.Status
	current.GrantedAt = grant.GrantedAt
	current.DecidedBy = grant.DecidedBy
	current.ApprovalWorkflowID = grant.ApprovalWorkflowID
	s.grants[grant.ID] = current
	return nil
}

// FailUpdatesWith makes every later UpdateStatus return err. Pass nil to recover.
func (s *TemporaryAccessStore) FailUpdatesWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}
