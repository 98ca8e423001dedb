package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/errors"
)

type ReferralStore struct {
	mu        sync.RWMutex
	referrals map[uuid.UUID]model.CrossSiteReferral
}

func NewReferralStore() *ReferralStore {
	return &ReferralStore{referrals: make(map[uuid.UUID]model.CrossSiteReferral)}
}

func (s *ReferralStore) Create(_ context.Context, referral *model.CrossSiteReferral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[referral.ID] = *referral
	return nil
}

func (s *ReferralStore) Get(_ context.Context, id uuid.UUID) (*model.CrossSiteReferral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.referrals[id]
	if !ok {
		return nil, errors.NotFound("referral", nil)
	}
	return &r, nil
}

func (s *ReferralStore) List(_ context.Context, filter model.ReferralFilter) ([]*model.CrossSiteReferral, int64, error) {
	s.mu.RLock()
	var matched []*model.CrossSiteReferral
	for _, r := range s.referrals {
		if filter.PatientID != "" && r.PatientID != filter.PatientID {
			continue
		}
		if filter.SiteID != "" && r.FromSite != filter.SiteID && r.ToSite != filter.SiteID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		r := r
		matched = append(matched, &r)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	page := filter.Pagination.Normalize()
	total := int64(len(matched))
	start := page.Offset()
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + page.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *ReferralStore) UpdateStatus(_ context.Context, referral *model.CrossSiteReferral, from model.ReferralStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.referrals[referral.ID]
	if !ok {
		return errors.NotFound("referral", nil)
	}
	if current.Status != from {
		return errors.Conflict(fmt.Sprintf("referral is no longer %s", from), nil)
	}
	current.Status = referral.Status
	current.RespondedBy = referral.RespondedBy
	current.UpdatedAt = referral.UpdatedAt
	s.referrals[referral.ID] = current
	return nil
}

func (s *ReferralStore) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*model.CrossSiteReferral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.CrossSiteReferral
	for _, r := range s.referrals {
		if r.Status == model.ReferralStatusPending && !r.CreatedAt.After(cutoff) {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
