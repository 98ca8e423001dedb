package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/internal/service/access"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/internal/service/directory"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/keylock"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/validator"
)

const defaultPendingTTL = 72 * time.Hour

// Service is the referral coordinator. Every transition is recorded before it is stored;
// if the store then fails, a correction entry is appended.
type Service struct {
	repo       repository.ReferralRepository
	directory  *directory.Service
	engine     *access.Engine
	audit      *audit.Service
	validator  validator.Validator
	locks      *keylock.ShardedMutex
	logger     *logger.Logger
	pendingTTL time.Duration
	now        func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	repo repository.ReferralRepository,
	dir *directory.Service,
	engine *access.Engine,
	auditor *audit.Service,
	v validator.Validator,
	pendingTTL time.Duration,
	log *logger.Logger,
	opts ...Option,
) *Service {
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	s := &Service{
		repo:       repo,
		directory:  dir,
		engine:     engine,
		audit:      auditor,
		validator:  v,
		locks:      keylock.New(),
		logger:     log,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateReferral opens a pending hand-off. Both sites must be registered and distinct, and
// the requester must have access to the sending site and to the patient's record.
func (s *Service) CreateReferral(ctx context.Context, actor *model.UserPermission, req model.CreateReferralRequest) (*model.CrossSiteReferral, error) {
	if actor == nil {
		return nil, errors.ErrAuthenticationRequired
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	for _, id := range []string{req.FromSite, req.ToSite} {
		if _, err := s.directory.GetSite(ctx, id); err != nil {
			if errors.KindOf(err) == errors.KindNotFound {
				return nil, errors.Validation(fmt.Sprintf("site %s is not registered", id), err)
			}
			return nil, err
		}
	}

	now := s.now().UTC()
	if !actor.HasSiteAccess(req.FromSite, now) {
		return nil, errors.New(errors.KindSiteAccessDenied, fmt.Sprintf("no access to sending site %s", req.FromSite), nil)
	}
	decision, err := s.engine.Evaluate(ctx, actor, req.PatientID, model.ActionView)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, errors.New(decision.Reason, fmt.Sprintf("referral denied: %s", decision.Reason), nil)
	}

	ref := &model.CrossSiteReferral{
		ID:        uuid.New(),
		FromSite:  req.FromSite,
		ToSite:    req.ToSite,
		PatientID: req.PatientID,
		Status:    model.ReferralStatusPending,
		Details:   req.Details,
		CreatedBy: actor.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	auditID, err := s.record(ctx, actor.UserID, ref, "create", model.AuditResultCreated)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, ref); err != nil {
		s.correct(ctx, auditID, err)
		return nil, fmt.Errorf("failed to create referral: %w", err)
	}

	s.logger.Info("referral created",
		"referral_id", ref.ID.String(),
		"from_site", ref.FromSite,
		"to_site", ref.ToSite,
		"actor_id", actor.UserID)
	return ref, nil
}

func (s *Service) AcceptReferral(ctx context.Context, actor *model.UserPermission, id uuid.UUID) (*model.CrossSiteReferral, error) {
	return s.respond(ctx, actor, id, model.ReferralStatusAccepted, model.AuditResultAccepted)
}

func (s *Service) DeclineReferral(ctx context.Context, actor *model.UserPermission, id uuid.UUID) (*model.CrossSiteReferral, error) {
	return s.respond(ctx, actor, id, model.ReferralStatusDeclined, model.AuditResultDeclined)
}

// respond is the receiving site's answer. Only actors with access to the receiving site may answer.
func (s *Service) respond(ctx context.Context, actor *model.UserPermission, id uuid.UUID, to model.ReferralStatus, result model.AuditResult) (*model.CrossSiteReferral, error) {
	if actor == nil {
		return nil, errors.ErrAuthenticationRequired
	}

	var updated *model.CrossSiteReferral
	err := s.locks.With(id.String(), func() error {
		ref, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if !actor.HasSiteAccess(ref.ToSite, now) {
			return errors.New(errors.KindSiteAccessDenied, fmt.Sprintf("no access to receiving site %s", ref.ToSite), nil)
		}
		if current := ref.StatusAt(now, s.pendingTTL); !current.CanTransition(to) {
			return errors.Conflict(fmt.Sprintf("referral is %s", current), nil)
		}

		next := *ref
		next.Status = to
		next.RespondedBy = &actor.UserID
		next.UpdatedAt = now
		updated, err = s.transition(ctx, actor.UserID, &next, "respond", result)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("referral "+string(to),
		"referral_id", id.String(),
		"actor_id", actor.UserID)
	return updated, nil
}

// transition records then stores a move out of pending.
func (s *Service) transition(ctx context.Context, actorID string, next *model.CrossSiteReferral, action string, result model.AuditResult) (*model.CrossSiteReferral, error) {
	auditID, err := s.record(ctx, actorID, next, action, result)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatus(ctx, next, model.ReferralStatusPending); err != nil {
		s.correct(ctx, auditID, err)
		return nil, err
	}
	return next, nil
}

func (s *Service) GetReferral(ctx context.Context, id uuid.UUID) (*model.CrossSiteReferral, error) {
	ref, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ref.Status = ref.StatusAt(s.now(), s.pendingTTL)
	return ref, nil
}

// ListReferrals pages through referrals. Pending referrals past their TTL are reported as expired.
func (s *Service) ListReferrals(ctx context.Context, filter model.ReferralFilter) ([]*model.CrossSiteReferral, int64, error) {
	filter.Pagination = filter.Pagination.Normalize()
	refs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list referrals: %w", err)
	}
	now := s.now()
	for _, r := range refs {
		r.Status = r.StatusAt(now, s.pendingTTL)
	}
	return refs, total, nil
}

// ExpireStale stores the expired status for up to limit referrals left pending past the TTL.
func (s *Service) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := s.now().UTC()
	stale, err := s.repo.ListPendingBefore(ctx, now.Add(-s.pendingTTL), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale referrals: %w", err)
	}

	expired := 0
	for _, ref := range stale {
		err := s.locks.With(ref.ID.String(), func() error {
			next := *ref
			next.Status = model.ReferralStatusExpired
			next.UpdatedAt = now
			_, err := s.transition(ctx, audit.SystemActor, &next, "expire", model.AuditResultExpired)
			return err
		})
		switch {
		case err == nil:
			expired++
		case errors.KindOf(err) == errors.KindConflict:
			// Answered since it was listed.
		case errors.KindOf(err) == errors.KindAuditWriteFailure:
			return expired, err
		default:
			s.logger.Error(err, "failed to expire referral", "referral_id", ref.ID.String())
		}
	}
	return expired, nil
}

func (s *Service) record(ctx context.Context, actorID string, ref *model.CrossSiteReferral, action string, result model.AuditResult) (uuid.UUID, error) {
	event, err := model.NewOutboxEvent(model.EventReferralTransition, ref, s.now())
	if err != nil {
		return uuid.Nil, errors.AuditWriteFailure(err)
	}
	return s.audit.Append(ctx, &model.AuditLogEntry{
		Kind:         model.AuditKindReferral,
		ActorID:      actorID,
		ResourceType: model.AuditResourceReferral,
		ResourceID:   ref.ID.String(),
		Action:       action,
		Result:       result,
		SiteContext:  ref.FromSite,
		Details: audit.Details(map[string]interface{}{
			"patient_id": ref.PatientID,
			"from_site":  ref.FromSite,
			"to_site":    ref.ToSite,
			"status":     ref.Status,
		}),
	}, event)
}

// correct marks an audit entry whose change never reached the store.
func (s *Service) correct(ctx context.Context, auditID uuid.UUID, cause error) {
	_, err := s.audit.AppendCorrection(ctx, audit.SystemActor, auditID, model.AuditCorrectionRequest{
		Reason:  "change not persisted",
		Details: audit.Details(map[string]string{"error": cause.Error()}),
	})
	if err != nil {
		s.logger.Error(err, "failed to append audit correction", "audit_id", auditID.String())
	}
}
