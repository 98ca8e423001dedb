package emergency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/service/access"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/internal/service/directory"
	"github.com/jwalitptl/access-api/internal/service/permission"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/metrics"
)

const maxJustificationLength = 4000

// Service is the emergency access gate. Every attempt by an identified actor produces
// exactly one break-glass audit entry, whatever the outcome.
type Service struct {
	directory   *directory.Service
	permissions *permission.Service
	engine      *access.Engine
	audit       *audit.Service
	metrics     *metrics.Metrics
	logger      *logger.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	dir *directory.Service,
	permissions *permission.Service,
	engine *access.Engine,
	auditor *audit.Service,
	m *metrics.Metrics,
	log *logger.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		directory:   dir,
		permissions: permissions,
		engine:      engine,
		audit:       auditor,
		metrics:     m,
		logger:      log,
		tracer:      otel.Tracer("access-api/emergency"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// attempt carries what is known about one break-glass call into its audit entry.
type attempt struct {
	actor   *model.UserPermission
	req     model.BreakGlassRequest
	at      time.Time
	site    string
	grant   *model.TemporaryAccess
	review  bool
	auditID uuid.UUID
}

// BreakGlass grants immediate patient access without consent. Site access and patient
// restrictions still apply.
func (s *Service) BreakGlass(ctx context.Context, actor *model.UserPermission, req model.BreakGlassRequest) (*model.BreakGlassResult, error) {
	if actor == nil {
		return nil, errors.ErrAuthenticationRequired
	}

	ctx, span := s.tracer.Start(ctx, "emergency.break_glass", trace.WithAttributes(
		attribute.String("actor.id", actor.UserID),
		attribute.String("patient.id", req.PatientID),
	))
	defer span.End()

	a := &attempt{actor: actor, req: req, at: s.now().UTC(), auditID: uuid.New()}
	result, err := s.breakGlass(ctx, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.KindOf(err)))
	}
	return result, err
}

func (s *Service) breakGlass(ctx context.Context, a *attempt) (*model.BreakGlassResult, error) {
	justification := strings.TrimSpace(a.req.Justification)
	switch {
	case a.req.PatientID == "":
		return nil, s.fail(ctx, a, errors.Validation("patient_id is required", nil))
	case justification == "":
		return nil, s.fail(ctx, a, errors.Validation("justification is required", nil))
	case len(justification) > maxJustificationLength:
		return nil, s.fail(ctx, a, errors.Validation(fmt.Sprintf("justification must be at most %d characters", maxJustificationLength), nil))
	}

	settings := s.directory.Settings()
	if !settings.EmergencyAccessEnabled {
		return nil, s.fail(ctx, a, errors.ErrEmergencyNotEnabled)
	}

	meta, site, err := s.engine.PatientContext(ctx, a.req.PatientID)
	if err != nil {
		return nil, s.fail(ctx, a, err)
	}
	a.site = site.ID
	if !s.directory.EmergencyAccessEnabledFor(site) {
		return nil, s.fail(ctx, a, errors.New(errors.KindEmergencyNotEnabled, fmt.Sprintf("emergency access is disabled at %s", site.ID), nil))
	}
	if reason := access.CheckPrerequisites(a.actor, meta, a.at); reason != "" {
		return nil, s.fail(ctx, a, errors.New(reason, fmt.Sprintf("break-glass denied: %s", reason), nil))
	}

	if err := settings.Validate(); err != nil {
		return nil, s.fail(ctx, a, errors.Internal(err))
	}
	level := settings.BreakGlassAccessLevel
	hours := settings.BreakGlassHours()
	a.review = settings.BreakGlassAuditRequired

	var result *model.BreakGlassResult
	err = s.permissions.WithUserLock(a.actor.UserID, func() error {
		granted := a.at
		grant := &model.TemporaryAccess{
			ID:            uuid.New(),
			UserID:        a.actor.UserID,
			Type:          model.TemporaryAccessPatient,
			TargetID:      a.req.PatientID,
			Reason:        model.ReasonEmergency,
			Justification: justification,
			AccessLevel:   level,
			DurationHours: hours,
			Status:        model.TemporaryAccessStatusProvisional,
			BreakGlass:    true,
			RequestedAt:   a.at,
			GrantedAt:     &granted,
		}
		if err := s.permissions.AddExclusiveGrant(ctx, grant, s.noOpenOverride(a)); err != nil {
			return err
		}
		a.grant = grant

		if err := s.record(ctx, a, model.AuditResultGranted, nil); err != nil {
			return s.permissions.Discard(ctx, a.grant, err)
		}
		if err := s.permissions.Activate(ctx, a.grant); err != nil {
			s.correct(ctx, a, err)
			return fmt.Errorf("failed to activate break-glass grant: %w", err)
		}
		result = &model.BreakGlassResult{
			Granted:        true,
			GrantID:        a.grant.ID,
			AccessLevel:    level,
			ExpiresAt:      a.grant.ExpiresAt(),
			AuditID:        a.auditID,
			ReviewRequired: a.review,
		}
		return nil
	})
	if err != nil {
		if a.grant == nil {
			// Nothing was recorded yet for this attempt.
			return nil, s.fail(ctx, a, err)
		}
		s.metrics.BreakGlass.WithLabelValues("error").Inc()
		return nil, err
	}

	s.metrics.BreakGlass.WithLabelValues("granted").Inc()
	s.logger.Warn("break-glass access granted",
		"actor_id", a.actor.UserID,
		"patient_id", a.req.PatientID,
		"site_context", a.site,
		"grant_id", a.grant.ID.String(),
		"audit_id", a.auditID.String(),
		"expires_at", result.ExpiresAt,
		"review_required", a.review)
	return result, nil
}

// noOpenOverride refuses a second break-glass grant while one for the patient is still open.
func (s *Service) noOpenOverride(a *attempt) func([]model.TemporaryAccess) error {
	return func(existing []model.TemporaryAccess) error {
		for _, g := range existing {
			if !g.BreakGlass || g.Type != model.TemporaryAccessPatient || g.TargetID != a.req.PatientID {
				continue
			}
			switch g.StateAt(a.at) {
			case model.TemporaryAccessStateActive, model.TemporaryAccessStateProvisional:
				return errors.Conflict(fmt.Sprintf("break-glass grant %s is still active", g.ID), nil)
			}
		}
		return nil
	}
}

// correct marks the granted entry of an override whose grant never became active.
func (s *Service) correct(ctx context.Context, a *attempt, cause error) {
	_, err := s.audit.AppendCorrection(ctx, audit.SystemActor, a.auditID, model.AuditCorrectionRequest{
		Reason:  "break-glass grant not activated",
		Details: audit.Details(map[string]string{"error": cause.Error()}),
	})
	if err != nil {
		s.logger.Error(err, "failed to append audit correction", "audit_id", a.auditID.String())
	}
}

// fail records the attempt with the failure reason and returns cause, or AuditWriteFailure
// if the attempt could not be recorded.
func (s *Service) fail(ctx context.Context, a *attempt, cause error) error {
	result := model.AuditResultError
	switch errors.KindOf(cause) {
	case errors.KindSiteAccessDenied, errors.KindPatientRestricted:
		result = model.AuditResultDenied
	}
	if err := s.record(ctx, a, result, cause); err != nil {
		s.metrics.BreakGlass.WithLabelValues("error").Inc()
		return err
	}
	s.metrics.BreakGlass.WithLabelValues(string(result)).Inc()
	s.logger.Warn("break-glass attempt refused",
		"actor_id", a.actor.UserID,
		"patient_id", a.req.PatientID,
		"reason", string(errors.KindOf(cause)),
		"audit_id", a.auditID.String())
	return cause
}

func (s *Service) record(ctx context.Context, a *attempt, result model.AuditResult, cause error) error {
	details := map[string]interface{}{
		"justification": strings.TrimSpace(a.req.Justification),
	}
	entry := &model.AuditLogEntry{
		ID:             a.auditID,
		Kind:           model.AuditKindBreakGlass,
		ActorID:        a.actor.UserID,
		ResourceType:   model.AuditResourcePatient,
		ResourceID:     a.req.PatientID,
		Action:         "break_glass",
		Result:         result,
		SiteContext:    a.site,
		ReviewRequired: a.review && result == model.AuditResultGranted,
		Timestamp:      a.at,
	}
	if cause != nil {
		reason := string(errors.KindOf(cause))
		entry.Reason = &reason
	}

	var events []*model.OutboxEvent
	if a.grant != nil {
		details["grant_id"] = a.grant.ID
		details["access_level"] = a.grant.AccessLevel
		details["expires_at"] = a.grant.ExpiresAt()
		if entry.ReviewRequired {
			event, err := model.NewOutboxEvent(model.EventBreakGlassReview, model.BreakGlassReviewNotice{
				AuditID:     a.auditID,
				GrantID:     a.grant.ID,
				ActorID:     a.actor.UserID,
				PatientID:   a.req.PatientID,
				SiteContext: a.site,
				AccessLevel: a.grant.AccessLevel,
				GrantedAt:   *a.grant.GrantedAt,
				ExpiresAt:   a.grant.ExpiresAt(),
			}, a.at)
			if err != nil {
				return errors.AuditWriteFailure(err)
			}
			events = append(events, event)
		}
	}
	entry.Details = audit.Details(details)

	_, err := s.audit.Append(ctx, entry, events...)
	return err
}
