package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/errors"
)

type SiteStore struct {
	mu    sync.RWMutex
	sites map[string]model.NetworkSite
}

func NewSiteStore() *SiteStore {
	return &SiteStore{sites: make(map[string]model.NetworkSite)}
}

func (s *SiteStore) Get(_ context.Context, id string) (*model.NetworkSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return nil, errors.NotFound("site", nil)
	}
	return &site, nil
}

func (s *SiteStore) List(_ context.Context) ([]*model.NetworkSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.NetworkSite, 0, len(s.sites))
	for _, site := range s.sites {
		site := site
		out = append(out, &site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SiteStore) Upsert(_ context.Context, site *model.NetworkSite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = *site
	return nil
}
