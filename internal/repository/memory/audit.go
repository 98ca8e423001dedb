package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/errors"
)

// AuditStore keeps audit entries in append order, chained per resource.
type AuditStore struct {
	mu      sync.RWMutex
	entries []model.AuditLogEntry
	byID    map[uuid.UUID]int
	heads   map[string]int
	outbox  *OutboxStore
	failErr error
}

// NewAuditStore returns an empty store. Outbox events passed to Append go to outbox when it is non-nil.
func NewAuditStore(outbox *OutboxStore) *AuditStore {
	return &AuditStore{
		byID:   make(map[uuid.UUID]int),
		heads:  make(map[string]int),
		outbox: outbox,
	}
}

func (s *AuditStore) Append(ctx context.Context, entry *model.AuditLogEntry, events ...*model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}
	if _, exists := s.byID[entry.ID]; exists {
		return errors.Conflict("audit entry already exists", nil)
	}
	for _, event := range events {
		if event == nil || event.Payload == nil {
			return errors.Validation("event payload cannot be nil", nil)
		}
	}

	entry.Normalize()
	prevHash := ""
	if i, ok := s.heads[entry.ResourceID]; ok {
		prev := s.entries[i]
		prevHash = prev.Hash
		if entry.Timestamp.Before(prev.Timestamp) {
			entry.Timestamp = prev.Timestamp
		}
	}
	if err := entry.Seal(prevHash); err != nil {
		return err
	}

	stored := *entry
	stored.Details = append([]byte(nil), entry.Details...)
	if len(stored.Details) == 0 {
		stored.Details = nil
	}
	s.entries = append(s.entries, stored)
	s.byID[entry.ID] = len(s.entries) - 1
	s.heads[entry.ResourceID] = len(s.entries) - 1

	if s.outbox != nil {
		for _, event := range events {
			if err := s.outbox.Create(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *AuditStore) Get(_ context.Context, id uuid.UUID) (*model.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("audit entry", nil)
	}
	e := s.entries[i]
	return &e, nil
}

func (s *AuditStore) Query(_ context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, int64, error) {
	s.mu.RLock()
	matched := []model.AuditLogEntry{}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if filter.Matches(&s.entries[i]) {
			matched = append(matched, s.entries[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	page := filter.Pagination.Normalize()
	total := int64(len(matched))
	start := page.Offset()
	if start >= len(matched) {
		return []model.AuditLogEntry{}, total, nil
	}
	end := start + page.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *AuditStore) ListByResource(_ context.Context, resourceID string) ([]model.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.AuditLogEntry{}
	for _, e := range s.entries {
		if e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len reports how many entries have been appended.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Tamper overwrites a stored entry in place. It exists so chain verification can be tested.
func (s *AuditStore) Tamper(id uuid.UUID, fn func(*model.AuditLogEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[id]; ok {
		fn(&s.entries[i])
	}
}

// FailWith makes every later Append return err. Pass nil to recover.
func (s *AuditStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
