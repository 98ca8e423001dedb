package access

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/internal/service/consent"
	"github.com/jwalitptl/access-api/internal/service/directory"
	"github.com/jwalitptl/access-api/internal/service/permission"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/metrics"
)

// PatientDirectory is the upstream owner of patient site metadata.
type PatientDirectory interface {
	GetPatientMetadata(ctx context.Context, patientID string) (*model.PatientSiteMetadata, error)
}

// Engine is the access decision engine. It holds no per-request state; every call reads
// its inputs once at a single timestamp and records the outcome before returning.
type Engine struct {
	directory   *directory.Service
	permissions *permission.Service
	consents    *consent.Service
	patients    PatientDirectory
	audit       *audit.Service
	metrics     *metrics.Metrics
	logger      *logger.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func NewEngine(
	dir *directory.Service,
	permissions *permission.Service,
	consents *consent.Service,
	patients PatientDirectory,
	auditor *audit.Service,
	m *metrics.Metrics,
	log *logger.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		directory:   dir,
		permissions: permissions,
		consents:    consents,
		patients:    patients,
		audit:       auditor,
		metrics:     m,
		logger:      log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("access-api/access")
	}
	return e
}

// Authorize resolves userID and evaluates. An unknown user is a deny recorded as an error.
func (e *Engine) Authorize(ctx context.Context, userID, patientID string, action model.Action) (model.Decision, error) {
	if userID == "" {
		return model.Deny(errors.KindAuthenticationRequired, ""), errors.ErrAuthenticationRequired
	}
	actor, err := e.permissions.Resolve(ctx, userID)
	if err != nil {
		kind := errors.KindOf(err)
		if kind != errors.KindUserNotFound {
			kind = errors.KindAccessError
			err = errors.AccessError(err)
		}
		at := e.now().UTC()
		decision := model.Deny(kind, "")
		decision.EvaluatedAt = at
		return e.record(ctx, &model.UserPermission{UserID: userID}, patientID, action, decision, err)
	}
	return e.Evaluate(ctx, actor, patientID, action)
}

// Evaluate decides whether actor may perform action on the patient's record.
// Denials are returned with a nil error; failures return a denied decision and the error.
func (e *Engine) Evaluate(ctx context.Context, actor *model.UserPermission, patientID string, action model.Action) (model.Decision, error) {
	if actor == nil {
		return model.Deny(errors.KindAuthenticationRequired, ""), errors.ErrAuthenticationRequired
	}

	ctx, span := e.tracer.Start(ctx, "access.evaluate", trace.WithAttributes(
		attribute.String("actor.id", actor.UserID),
		attribute.String("patient.id", patientID),
		attribute.String("action", string(action)),
	))
	defer span.End()

	timer := prometheus.NewTimer(e.metrics.DecisionLatency)
	defer timer.ObserveDuration()

	at := e.now().UTC()

	if !action.IsValid() || patientID == "" {
		cause := errors.Validation(fmt.Sprintf("invalid access request for action %q", action), nil)
		decision := model.Deny(errors.KindValidation, "")
		decision.EvaluatedAt = at
		d, err := e.record(ctx, actor, patientID, action, decision, cause)
		return e.finish(span, d, err)
	}

	meta, snapshot, err := e.loadInputs(ctx, patientID, at)
	if err != nil {
		decision := model.Deny(errors.KindOf(err), "")
		decision.EvaluatedAt = at
		d, err := e.record(ctx, actor, patientID, action, decision, err)
		return e.finish(span, d, err)
	}

	outcome := Check(actor, meta, snapshot, action, at)
	decision := model.Decision{
		Allowed:     outcome.Allowed,
		SiteContext: meta.PrimarySite,
		Basis:       outcome.Basis,
		EvaluatedAt: at,
	}
	if !outcome.Allowed {
		decision = model.Deny(outcome.Reason, meta.PrimarySite)
		decision.EvaluatedAt = at
	}
	d, err := e.record(ctx, actor, patientID, action, decision, nil)
	return e.finish(span, d, err)
}

// PatientContext fetches the patient's metadata and checks that its primary site is registered.
// An unclassified patient takes the primary site's default classification.
// Failures are PatientNotFound or AccessError.
func (e *Engine) PatientContext(ctx context.Context, patientID string) (*model.PatientSiteMetadata, *model.NetworkSite, error) {
	meta, err := e.patients.GetPatientMetadata(ctx, patientID)
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindNotFound, errors.KindPatientNotFound:
			return nil, nil, errors.New(errors.KindPatientNotFound, fmt.Sprintf("patient %s not found", patientID), err)
		}
		return nil, nil, errors.AccessError(fmt.Errorf("failed to get patient metadata: %w", err))
	}
	if meta.PatientID == "" {
		meta.PatientID = patientID
	}
	site, err := e.directory.GetSite(ctx, meta.PrimarySite)
	if err != nil {
		return nil, nil, errors.AccessError(fmt.Errorf("primary site %q of patient %s: %w", meta.PrimarySite, patientID, err))
	}
	if meta.DataClassification == "" {
		meta.DataClassification = site.DataClassificationDefault
	}
	return meta, site, nil
}

// loadInputs reads patient metadata and the consent ledger concurrently.
func (e *Engine) loadInputs(ctx context.Context, patientID string, at time.Time) (*model.PatientSiteMetadata, *model.ConsentSnapshot, error) {
	var (
		meta     *model.PatientSiteMetadata
		snapshot *model.ConsentSnapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		meta, _, err = e.PatientContext(gctx, patientID)
		return err
	})
	g.Go(func() error {
		var err error
		snapshot, err = e.consents.Snapshot(gctx, patientID, at)
		if err != nil {
			return errors.AccessError(err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	snapshot.Merge(meta.DataSharingConsents)
	return meta, snapshot, nil
}

// record appends the decision's audit entry. A decision whose entry cannot be written
// is reported as a denied AuditWriteFailure.
func (e *Engine) record(ctx context.Context, actor *model.UserPermission, patientID string, action model.Action, decision model.Decision, cause error) (model.Decision, error) {
	result := model.AuditResultDenied
	switch {
	case cause != nil:
		result = model.AuditResultError
	case decision.Allowed:
		result = model.AuditResultAllowed
	}

	entry := &model.AuditLogEntry{
		Kind:         model.AuditKindDecision,
		ActorID:      actor.UserID,
		ResourceType: model.AuditResourcePatient,
		ResourceID:   patientID,
		Action:       string(action),
		Result:       result,
		SiteContext:  decision.SiteContext,
		Timestamp:    decision.EvaluatedAt,
	}
	if decision.Reason != "" {
		reason := string(decision.Reason)
		entry.Reason = &reason
	}
	if decision.Basis != "" {
		entry.Details = audit.Details(map[string]interface{}{"basis": decision.Basis})
	}

	auditID, err := e.audit.Append(ctx, entry)
	if err != nil {
		failed := model.Deny(errors.KindAuditWriteFailure, decision.SiteContext)
		failed.EvaluatedAt = decision.EvaluatedAt
		e.observe(actor, patientID, action, failed, err)
		return failed, err
	}
	decision.AuditID = auditID
	e.observe(actor, patientID, action, decision, cause)
	return decision, cause
}

func (e *Engine) observe(actor *model.UserPermission, patientID string, action model.Action, d model.Decision, err error) {
	fields := []interface{}{
		"actor_id", actor.UserID,
		"patient_id", patientID,
		"action", string(action),
		"site_context", d.SiteContext,
		"audit_id", d.AuditID.String(),
	}
	switch {
	case err != nil:
		e.metrics.Decisions.WithLabelValues(string(action), "error", string(d.Reason)).Inc()
		e.logger.Error(err, "access decision failed", append(fields, "reason", string(d.Reason))...)
	case d.Allowed:
		e.metrics.Decisions.WithLabelValues(string(action), "allowed", "").Inc()
		e.logger.Info("access allowed", append(fields, "basis", string(d.Basis))...)
	default:
		e.metrics.Decisions.WithLabelValues(string(action), "denied", string(d.Reason)).Inc()
		e.logger.Warn("access denied", append(fields, "reason", string(d.Reason))...)
	}
}

func (e *Engine) finish(span trace.Span, d model.Decision, err error) (model.Decision, error) {
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("reason", string(d.Reason)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.KindOf(err)))
	}
	return d, err
}
