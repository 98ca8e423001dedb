package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/metrics"
)

// SystemActor attributes entries produced by background jobs.
const SystemActor = "system"

// Service is the append-only audit recorder. Append is synchronous: it returns only
// after the entry is durably stored, and any store failure is an AuditWriteFailure.
type Service struct {
	repo    repository.AuditRepository
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo repository.AuditRepository, log *logger.Logger, m *metrics.Metrics, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		logger:  log,
		metrics: m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Details encodes v for an entry's details column.
func Details(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Append stores entry and returns its id. ID, timestamp and request metadata are filled in
// when unset. An audit.appended outbox event is written in the same transaction.
func (s *Service) Append(ctx context.Context, entry *model.AuditLogEntry, events ...*model.OutboxEvent) (uuid.UUID, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	meta := RequestMetaFrom(ctx)
	if entry.RequestID == "" {
		entry.RequestID = meta.RequestID
	}
	if entry.IPAddress == "" {
		entry.IPAddress = meta.IPAddress
	}
	if entry.UserAgent == "" {
		entry.UserAgent = meta.UserAgent
	}

	appended, err := model.NewOutboxEvent(model.EventAuditAppended, summary(entry), s.now())
	if err != nil {
		return uuid.Nil, errors.AuditWriteFailure(err)
	}
	events = append(events, appended)

	timer := prometheus.NewTimer(s.metrics.AuditWriteLatency)
	err = s.repo.Append(ctx, entry, events...)
	timer.ObserveDuration()
	if err != nil {
		s.metrics.AuditWrites.WithLabelValues(string(entry.Kind), "error").Inc()
		s.logger.Error(err, "audit write failed",
			"audit_id", entry.ID.String(),
			"kind", string(entry.Kind),
			"resource_id", entry.ResourceID)
		return uuid.Nil, errors.AuditWriteFailure(err)
	}
	s.metrics.AuditWrites.WithLabelValues(string(entry.Kind), "ok").Inc()
	return entry.ID, nil
}

type entrySummary struct {
	ID             uuid.UUID         `json:"id"`
	Kind           model.AuditKind   `json:"kind"`
	ActorID        string            `json:"actor_id"`
	ResourceType   string            `json:"resource_type"`
	ResourceID     string            `json:"resource_id"`
	Action         string            `json:"action"`
	Result         model.AuditResult `json:"result"`
	SiteContext    string            `json:"site_context"`
	ReviewRequired bool              `json:"review_required"`
	Timestamp      time.Time         `json:"timestamp"`
}

func summary(e *model.AuditLogEntry) entrySummary {
	return entrySummary{
		ID:             e.ID,
		Kind:           e.Kind,
		ActorID:        e.ActorID,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Action:         e.Action,
		Result:         e.Result,
		SiteContext:    e.SiteContext,
		ReviewRequired: e.ReviewRequired,
		Timestamp:      e.Timestamp,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.AuditLogEntry, error) {
	return s.repo.Get(ctx, id)
}

// Query returns one page of the trail, newest first.
func (s *Service) Query(ctx context.Context, filter model.AuditFilter) (*model.AuditPage, error) {
	filter.Pagination = filter.Pagination.Normalize()
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, errors.Validation("to must not be before from", nil)
	}
	entries, total, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return &model.AuditPage{
		Entries:  entries,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}, nil
}

// AppendCorrection records a correction to an existing entry. The original is never modified.
func (s *Service) AppendCorrection(ctx context.Context, actorID string, originalID uuid.UUID, req model.AuditCorrectionRequest) (*model.AuditLogEntry, error) {
	original, err := s.repo.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}
	reason := req.Reason
	entry := &model.AuditLogEntry{
		Kind:         model.AuditKindCorrection,
		ActorID:      actorID,
		ResourceType: original.ResourceType,
		ResourceID:   original.ResourceID,
		Action:       "correct",
		Result:       model.AuditResultRecorded,
		SiteContext:  original.SiteContext,
		Reason:       &reason,
		References:   &original.ID,
		Details:      req.Details,
	}
	if _, err := s.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ReviewBreakGlass appends a review of a break-glass entry. Reviewers need the audit_review
// permission or the compliance officer role, may not review their own override,
// and each override is reviewed once.
func (s *Service) ReviewBreakGlass(ctx context.Context, reviewer *model.UserPermission, auditID uuid.UUID, req model.BreakGlassReviewRequest) (*model.AuditLogEntry, error) {
	if reviewer == nil {
		return nil, errors.ErrAuthenticationRequired
	}
	if !reviewer.HasSpecialPermission(model.SpecialPermissionAuditReview) && reviewer.Role != model.RoleComplianceOfficer {
		return nil, errors.Forbidden("reviewer lacks audit_review permission")
	}

	original, err := s.repo.Get(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if original.Kind != model.AuditKindBreakGlass || original.Result != model.AuditResultGranted {
		return nil, errors.Validation("entry is not a granted break-glass override", nil)
	}
	if original.ActorID == reviewer.UserID {
		return nil, errors.Forbidden("break-glass overrides cannot be self-reviewed")
	}

	chain, err := s.repo.ListByResource(ctx, original.ResourceID)
	if err != nil {
		return nil, errors.Internal(err)
	}
	for _, e := range chain {
		if e.Kind == model.AuditKindReview && e.References != nil && *e.References == original.ID {
			return nil, errors.Conflict("break-glass override already reviewed", nil)
		}
	}

	entry := &model.AuditLogEntry{
		Kind:         model.AuditKindReview,
		ActorID:      reviewer.UserID,
		ResourceType: original.ResourceType,
		ResourceID:   original.ResourceID,
		Action:       "review",
		Result:       model.AuditResultReviewed,
		SiteContext:  original.SiteContext,
		References:   &original.ID,
		Details: Details(map[string]interface{}{
			"outcome": req.Outcome,
			"notes":   req.Notes,
		}),
	}
	if _, err := s.Append(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("break-glass override reviewed",
		"audit_id", original.ID.String(),
		"reviewer", reviewer.UserID,
		"outcome", string(req.Outcome))
	return entry, nil
}

// VerifyChain re-hashes every entry of a resource and checks the links.
func (s *Service) VerifyChain(ctx context.Context, resourceID string) (*model.ChainVerification, error) {
	entries, err := s.repo.ListByResource(ctx, resourceID)
	if err != nil {
		return nil, errors.Internal(err)
	}
	result := &model.ChainVerification{ResourceID: resourceID, Entries: len(entries), Valid: true}
	prev := ""
	for i := range entries {
		e := entries[i]
		hash, err := e.ComputeHash()
		if err != nil || e.PrevHash != prev || hash != e.Hash {
			result.Valid = false
			result.BrokenAt = &e.ID
			break
		}
		prev = e.Hash
	}
	return result, nil
}
