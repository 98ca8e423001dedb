package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/errors"
)

type ConsentStore struct {
	mu       sync.RWMutex
	consents map[uuid.UUID]model.Consent
}

func NewConsentStore() *ConsentStore {
	return &ConsentStore{consents: make(map[uuid.UUID]model.Consent)}
}

func (s *ConsentStore) Create(_ context.Context, consent *model.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *consent
	c.AuthorizedSites = append([]string(nil), consent.AuthorizedSites...)
	s.consents[c.ID] = c
	return nil
}

func (s *ConsentStore) Get(_ context.Context, id uuid.UUID) (*model.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[id]
	if !ok {
		return nil, errors.NotFound("consent", nil)
	}
	return &c, nil
}

func (s *ConsentStore) ListByPatient(_ context.Context, patientID string) ([]model.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Consent{}
	for _, c := range s.consents {
		if c.PatientID == patientID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (s *ConsentStore) Withdraw(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consents[id]
	if !ok {
		return errors.NotFound("consent", nil)
	}
	if c.WithdrawnAt != nil {
		return errors.Conflict("consent already withdrawn", nil)
	}
	c.WithdrawnAt = &at
	s.consents[id] = c
	return nil
}
