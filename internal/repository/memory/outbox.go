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

type OutboxStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*model.OutboxEvent
	now    func() time.Time
}

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{events: make(map[uuid.UUID]*model.OutboxEvent), now: time.Now}
}

func (s *OutboxStore) Create(_ context.Context, event *model.OutboxEvent) error {
	if event == nil || event.Payload == nil {
		return errors.Validation("event payload cannot be nil", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = model.OutboxStatusPending
	}
	e := *event
	s.events[e.ID] = &e
	return nil
}

func (s *OutboxStore) ClaimPending(_ context.Context, limit int, leaseUntil time.Time) ([]*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []*model.OutboxEvent
	for _, e := range s.events {
		if e.Status == model.OutboxStatusPending && (e.RetryAt == nil || !e.RetryAt.After(now)) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.OutboxEvent, 0, len(due))
	for _, e := range due {
		lease := leaseUntil
		e.RetryAt = &lease
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (s *OutboxStore) UpdateStatus(_ context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return errors.NotFound("outbox event", nil)
	}
	now := s.now()
	e.Status = status
	e.ErrorMessage = errorMessage
	e.RetryAt = retryAt
	e.UpdatedAt = now
	if errorMessage != nil {
		e.RetryCount++
	}
	if status == model.OutboxStatusProcessed {
		e.ProcessedAt = &now
	}
	return nil
}

func (s *OutboxStore) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.events {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// Events returns a copy of every stored event.
func (s *OutboxStore) Events() []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
