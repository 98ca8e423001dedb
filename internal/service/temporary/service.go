package temporary

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/internal/service/directory"
	"github.com/jwalitptl/access-api/internal/service/permission"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/metrics"
	"github.com/jwalitptl/access-api/pkg/policy"
	"github.com/jwalitptl/access-api/pkg/validator"
)

// DefaultAutoApprovePolicy grants coverage and transfer site access to roles the site preauthorizes.
const DefaultAutoApprovePolicy = `request.reason in ["coverage", "transfer"] && request.type == "site" && actor.role in site.preauthorized_roles`

// ApprovalSubmitter hands a request to the external human-approval workflow.
type ApprovalSubmitter interface {
	SubmitApprovalRequest(ctx context.Context, req model.ApprovalRequest) (string, error)
}

type Config struct {
	MinHours          int
	MaxHours          int
	AutoApprovePolicy string
}

// Service is the temporary access broker.
type Service struct {
	cfg         Config
	directory   *directory.Service
	permissions *permission.Service
	audit       *audit.Service
	approvals   ApprovalSubmitter
	policy      *policy.Evaluator
	validator   validator.Validator
	metrics     *metrics.Metrics
	logger      *logger.Logger
	now         func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService compiles the auto-approval policy up front so a bad rule fails at startup.
func NewService(
	cfg Config,
	dir *directory.Service,
	permissions *permission.Service,
	auditor *audit.Service,
	approvals ApprovalSubmitter,
	v validator.Validator,
	m *metrics.Metrics,
	log *logger.Logger,
	opts ...Option,
) (*Service, error) {
	if cfg.MinHours <= 0 {
		cfg.MinHours = 1
	}
	if cfg.MaxHours <= 0 {
		cfg.MaxHours = 720
	}
	if cfg.MinHours > cfg.MaxHours {
		return nil, fmt.Errorf("temporary access min_hours %d exceeds max_hours %d", cfg.MinHours, cfg.MaxHours)
	}
	if cfg.AutoApprovePolicy == "" {
		cfg.AutoApprovePolicy = DefaultAutoApprovePolicy
	}

	evaluator, err := policy.NewEvaluator("request", "actor", "site")
	if err != nil {
		return nil, err
	}
	if err := evaluator.Compile(cfg.AutoApprovePolicy); err != nil {
		return nil, fmt.Errorf("invalid auto-approve policy: %w", err)
	}

	s := &Service{
		cfg:         cfg,
		directory:   dir,
		permissions: permissions,
		audit:       auditor,
		approvals:   approvals,
		policy:      evaluator,
		validator:   v,
		metrics:     m,
		logger:      log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RequestTemporaryAccess either grants access at once, forwards the request for approval,
// or, for emergencies, tells the caller to use break-glass instead.
func (s *Service) RequestTemporaryAccess(ctx context.Context, actor *model.UserPermission, req model.TemporaryAccessRequest) (*model.TemporaryAccessResult, error) {
	if actor == nil {
		return nil, errors.ErrAuthenticationRequired
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if req.DurationHours < s.cfg.MinHours || req.DurationHours > s.cfg.MaxHours {
		return nil, errors.Validation(fmt.Sprintf("duration_hours must be between %d and %d", s.cfg.MinHours, s.cfg.MaxHours), nil)
	}

	if req.Reason == model.ReasonEmergency {
		auditID, err := s.audit.Append(ctx, s.entry(actor, req, model.AuditResultRedirected, uuid.Nil))
		if err != nil {
			return nil, err
		}
		s.metrics.TemporaryGrants.WithLabelValues("redirected").Inc()
		return &model.TemporaryAccessResult{RedirectToEmergency: true, AuditID: auditID}, nil
	}

	var site *model.NetworkSite
	if req.Type == model.TemporaryAccessSite {
		var err error
		site, err = s.directory.GetSite(ctx, req.TargetID)
		if err != nil {
			return nil, err
		}
		if actor.HomeSite == site.ID {
			return nil, errors.Validation("home site access is implicit", nil)
		}
	}

	var result *model.TemporaryAccessResult
	err := s.permissions.WithUserLock(actor.UserID, func() error {
		var err error
		if s.autoApproves(actor, req, site) {
			result, err = s.grantNow(ctx, actor, req)
		} else {
			result, err = s.requestApproval(ctx, actor, req)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// noOverlap refuses a grant while the user holds an active, provisional or pending grant
// for the same target.
func (s *Service) noOverlap(req model.TemporaryAccessRequest) func([]model.TemporaryAccess) error {
	return func(existing []model.TemporaryAccess) error {
		now := s.now()
		if g := model.ActiveGrantIn(existing, req.Type, req.TargetID, now); g != nil {
			return errors.Conflict(fmt.Sprintf("grant %s for %s %s is still %s", g.ID, req.Type, req.TargetID, g.StateAt(now)), nil)
		}
		return nil
	}
}

func (s *Service) autoApproves(actor *model.UserPermission, req model.TemporaryAccessRequest, site *model.NetworkSite) bool {
	roles := []string{}
	siteID := ""
	if site != nil {
		siteID = site.ID
		for _, r := range site.PreauthorizedRoles {
			roles = append(roles, string(r))
		}
	}
	ok, err := s.policy.Eval(s.cfg.AutoApprovePolicy, map[string]any{
		"request": map[string]any{
			"type":           string(req.Type),
			"target_id":      req.TargetID,
			"reason":         string(req.Reason),
			"access_level":   string(req.RequestedAccessLevel),
			"duration_hours": req.DurationHours,
		},
		"actor": map[string]any{
			"id":        actor.UserID,
			"role":      string(actor.Role),
			"home_site": actor.HomeSite,
		},
		"site": map[string]any{
			"id":                  siteID,
			"preauthorized_roles": roles,
		},
	})
	if err != nil {
		s.logger.Warn("auto-approve policy failed, routing to approval",
			"user_id", actor.UserID,
			"error", err.Error())
		return false
	}
	return ok
}

func (s *Service) newGrant(actor *model.UserPermission, req model.TemporaryAccessRequest, status model.TemporaryAccessStatus) *model.TemporaryAccess {
	now := s.now().UTC()
	g := &model.TemporaryAccess{
		ID:            uuid.New(),
		UserID:        actor.UserID,
		Type:          req.Type,
		TargetID:      req.TargetID,
		Reason:        req.Reason,
		Justification: req.Justification,
		AccessLevel:   req.RequestedAccessLevel,
		DurationHours: req.DurationHours,
		Status:        status,
		RequestedAt:   now,
	}
	if status == model.TemporaryAccessStatusProvisional {
		g.GrantedAt = &now
	}
	return g
}

// grantNow stores the grant provisionally, writes its audit entry, then activates it.
func (s *Service) grantNow(ctx context.Context, actor *model.UserPermission, req model.TemporaryAccessRequest) (*model.TemporaryAccessResult, error) {
	grant := s.newGrant(actor, req, model.TemporaryAccessStatusProvisional)
	if err := s.permissions.AddExclusiveGrant(ctx, grant, s.noOverlap(req)); err != nil {
		return nil, err
	}

	auditID, err := s.audit.Append(ctx, s.entry(actor, req, model.AuditResultGrantedAuto, grant.ID))
	if err != nil {
		return nil, s.permissions.Discard(ctx, grant, err)
	}
	if err := s.permissions.Activate(ctx, grant); err != nil {
		s.correct(ctx, auditID, err)
		return nil, fmt.Errorf("failed to activate temporary grant: %w", err)
	}

	s.metrics.TemporaryGrants.WithLabelValues("auto_approved").Inc()
	s.logger.Info("temporary access auto-approved",
		"grant_id", grant.ID.String(),
		"user_id", actor.UserID,
		"type", string(req.Type),
		"target_id", req.TargetID,
		"expires_at", grant.ExpiresAt())
	return &model.TemporaryAccessResult{Approved: true, AccessGranted: grant, AuditID: auditID}, nil
}

func (s *Service) requestApproval(ctx context.Context, actor *model.UserPermission, req model.TemporaryAccessRequest) (*model.TemporaryAccessResult, error) {
	grant := s.newGrant(actor, req, model.TemporaryAccessStatusPendingApproval)
	if err := s.permissions.AddExclusiveGrant(ctx, grant, s.noOverlap(req)); err != nil {
		return nil, err
	}

	workflowID, err := s.approvals.SubmitApprovalRequest(ctx, model.ApprovalRequest{
		GrantID:       grant.ID,
		UserID:        actor.UserID,
		HomeSite:      actor.HomeSite,
		Role:          actor.Role,
		Type:          req.Type,
		TargetID:      req.TargetID,
		Reason:        req.Reason,
		Justification: req.Justification,
		AccessLevel:   req.RequestedAccessLevel,
		DurationHours: req.DurationHours,
		RequestedAt:   grant.RequestedAt,
	})
	if err != nil {
		return nil, s.permissions.Discard(ctx, grant, fmt.Errorf("failed to submit approval request: %w", err))
	}

	grant.ApprovalWorkflowID = &workflowID
	if err := s.permissions.TransitionGrant(ctx, grant, model.TemporaryAccessStatusPendingApproval); err != nil {
		return nil, err
	}

	entry := s.entry(actor, req, model.AuditResultPendingApproval, grant.ID)
	reason := string(errors.KindApprovalRequired)
	entry.Reason = &reason
	auditID, err := s.audit.Append(ctx, entry)
	if err != nil {
		return nil, s.permissions.Discard(ctx, grant, err)
	}

	s.metrics.TemporaryGrants.WithLabelValues("pending_approval").Inc()
	s.logger.Info("temporary access sent for approval",
		"grant_id", grant.ID.String(),
		"user_id", actor.UserID,
		"workflow_id", workflowID)
	return &model.TemporaryAccessResult{
		RequiresApproval:   true,
		ApprovalWorkflowID: workflowID,
		AuditID:            auditID,
	}, nil
}

// OnApprovalDecision applies the workflow's verdict to a pending grant. An approved grant
// starts its duration at the decision time, which is never later than now. Nobody may
// decide their own request.
func (s *Service) OnApprovalDecision(ctx context.Context, decision model.ApprovalDecision) (*model.TemporaryAccess, error) {
	if err := s.validator.Validate(decision); err != nil {
		return nil, err
	}
	pending, err := s.permissions.GrantByWorkflowID(ctx, decision.WorkflowID)
	if err != nil {
		return nil, err
	}
	if decision.DecidedBy == pending.UserID {
		s.logger.Warn("self-approval refused",
			"grant_id", pending.ID.String(),
			"user_id", pending.UserID,
			"workflow_id", decision.WorkflowID)
		return nil, errors.Forbidden("a grant cannot be decided by its holder")
	}

	now := s.now().UTC()
	decidedAt := now
	if !decision.DecidedAt.IsZero() && decision.DecidedAt.Before(now) {
		decidedAt = decision.DecidedAt.UTC()
	}

	var updated model.TemporaryAccess
	err = s.permissions.WithUserLock(pending.UserID, func() error {
		current, err := s.permissions.GetGrant(ctx, pending.ID)
		if err != nil {
			return err
		}
		if current.Status != model.TemporaryAccessStatusPendingApproval {
			return errors.Conflict(fmt.Sprintf("grant %s is %s, not pending approval", current.ID, current.Status), nil)
		}

		updated = *current
		updated.DecidedBy = &decision.DecidedBy
		if decision.Approved {
			updated.Status = model.TemporaryAccessStatusProvisional
			updated.GrantedAt = &decidedAt
		} else {
			updated.Status = model.TemporaryAccessStatusRejected
		}
		if err := s.permissions.TransitionGrant(ctx, &updated, model.TemporaryAccessStatusPendingApproval); err != nil {
			return err
		}
		return s.settle(ctx, decision, &updated)
	})
	if err != nil {
		return nil, err
	}

	outcome := "rejected"
	if decision.Approved {
		outcome = "approved"
	}
	s.metrics.TemporaryGrants.WithLabelValues(outcome).Inc()
	s.logger.Info("temporary access "+outcome,
		"grant_id", updated.ID.String(),
		"user_id", updated.UserID,
		"decided_by", decision.DecidedBy)
	return &updated, nil
}

// settle audits a decided grant and activates it if it was approved. When the entry cannot
// be written the grant goes back to pending so a redelivered decision can apply.
func (s *Service) settle(ctx context.Context, decision model.ApprovalDecision, grant *model.TemporaryAccess) error {
	view := *grant
	result := model.AuditResultRejected
	if decision.Approved {
		result = model.AuditResultApproved
		view.Status = model.TemporaryAccessStatusActive
	}
	if err := s.recordDecision(ctx, decision, view, result); err != nil {
		pending := *grant
		pending.Status = model.TemporaryAccessStatusPendingApproval
		pending.GrantedAt = nil
		pending.DecidedBy = nil
		if rerr := s.permissions.TransitionGrant(ctx, &pending, grant.Status); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to return grant %s to pending: %w", grant.ID, rerr))
		}
		return err
	}
	if !decision.Approved {
		return nil
	}
	if err := s.permissions.Activate(ctx, grant); err != nil {
		return fmt.Errorf("failed to activate approved grant: %w", err)
	}
	return nil
}

func (s *Service) recordDecision(ctx context.Context, decision model.ApprovalDecision, grant model.TemporaryAccess, result model.AuditResult) error {
	event, err := model.NewOutboxEvent(model.EventApprovalDecided, model.NewTemporaryAccessView(grant, s.now()), s.now())
	if err != nil {
		return errors.Internal(err)
	}
	_, err = s.audit.Append(ctx, &model.AuditLogEntry{
		Kind:         model.AuditKindTemporaryAccess,
		ActorID:      decision.DecidedBy,
		ResourceType: string(grant.Type),
		ResourceID:   grant.TargetID,
		Action:       "decide",
		Result:       result,
		SiteContext:  grant.TargetID,
		Details: audit.Details(map[string]interface{}{
			"grant_id":    grant.ID,
			"user_id":     grant.UserID,
			"workflow_id": decision.WorkflowID,
		}),
	}, event)
	return err
}

// correct marks an audit entry whose grant never became active.
func (s *Service) correct(ctx context.Context, auditID uuid.UUID, cause error) {
	_, err := s.audit.AppendCorrection(ctx, audit.SystemActor, auditID, model.AuditCorrectionRequest{
		Reason:  "grant not activated",
		Details: audit.Details(map[string]string{"error": cause.Error()}),
	})
	if err != nil {
		s.logger.Error(err, "failed to append audit correction", "audit_id", auditID.String())
	}
}

// RevokeGrant ends an active, provisional or pending grant early. Holders may revoke their own grants;
// administrators and compliance officers may revoke any.
func (s *Service) RevokeGrant(ctx context.Context, actor *model.UserPermission, grantID uuid.UUID) (*model.TemporaryAccess, error) {
	if actor == nil {
		return nil, errors.ErrAuthenticationRequired
	}
	grant, err := s.permissions.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.UserID != actor.UserID && actor.Role != model.RoleAdministrator && actor.Role != model.RoleComplianceOfficer {
		return nil, errors.Forbidden("only the holder or an administrator may revoke a grant")
	}

	err = s.permissions.WithUserLock(grant.UserID, func() error {
		current, err := s.permissions.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		switch current.StateAt(s.now()) {
		case model.TemporaryAccessStateActive, model.TemporaryAccessStateProvisional, model.TemporaryAccessStatePendingApproval:
		default:
			return errors.Conflict(fmt.Sprintf("grant %s is already %s", current.ID, current.StateAt(s.now())), nil)
		}
		if err := s.permissions.Revoke(ctx, current); err != nil {
			return err
		}
		grant = current
		_, err = s.audit.Append(ctx, &model.AuditLogEntry{
			Kind:         model.AuditKindTemporaryAccess,
			ActorID:      actor.UserID,
			ResourceType: string(current.Type),
			ResourceID:   current.TargetID,
			Action:       "revoke",
			Result:       model.AuditResultRecorded,
			SiteContext:  actor.HomeSite,
			Details:      audit.Details(map[string]interface{}{"grant_id": current.ID, "user_id": current.UserID}),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// ListGrants returns the user's grants with their state at the current time.
func (s *Service) ListGrants(ctx context.Context, userID string) ([]model.TemporaryAccessView, error) {
	grants, err := s.permissions.Grants(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	views := make([]model.TemporaryAccessView, 0, len(grants))
	for _, g := range grants {
		views = append(views, model.NewTemporaryAccessView(g, now))
	}
	return views, nil
}

func (s *Service) entry(actor *model.UserPermission, req model.TemporaryAccessRequest, result model.AuditResult, grantID uuid.UUID) *model.AuditLogEntry {
	details := map[string]interface{}{
		"reason":         req.Reason,
		"justification":  req.Justification,
		"access_level":   req.RequestedAccessLevel,
		"duration_hours": req.DurationHours,
	}
	if grantID != uuid.Nil {
		details["grant_id"] = grantID
	}
	return &model.AuditLogEntry{
		Kind:         model.AuditKindTemporaryAccess,
		ActorID:      actor.UserID,
		ResourceType: string(req.Type),
		ResourceID:   req.TargetID,
		Action:       "request",
		Result:       result,
		SiteContext:  actor.HomeSite,
		Details:      audit.Details(details),
	}
}
