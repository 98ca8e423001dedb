package consent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/keylock"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/validator"
)

// Service is the consent ledger. Writes are serialized per patient.
type Service struct {
	repo      repository.ConsentRepository
	audit     *audit.Service
	validator validator.Validator
	locks     *keylock.ShardedMutex
	logger    *logger.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo repository.ConsentRepository, auditor *audit.Service, v validator.Validator, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		audit:     auditor,
		validator: v,
		locks:     keylock.New(),
		logger:    log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot reads every consent for the patient once, pinned to at.
func (s *Service) Snapshot(ctx context.Context, patientID string, at time.Time) (*model.ConsentSnapshot, error) {
	consents, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	return &model.ConsentSnapshot{PatientID: patientID, At: at, Consents: consents}, nil
}

// IsAuthorized reports whether an active consent lets siteID see the patient's data at at.
func (s *Service) IsAuthorized(ctx context.Context, patientID, siteID string, at time.Time) (bool, error) {
	snapshot, err := s.Snapshot(ctx, patientID, at)
	if err != nil {
		return false, err
	}
	return snapshot.IsAuthorized(siteID), nil
}

// ListConsents is open to consent capture staff and audit reviewers.
func (s *Service) ListConsents(ctx context.Context, actor *model.UserPermission, patientID string) ([]model.ConsentView, error) {
	if actor == nil {
		return nil, errors.ErrAuthenticationRequired
	}
	if !actor.CanCaptureConsent() && !actor.CanReadAuditTrail() {
		return nil, errors.Forbidden("consent records are limited to consent capture staff and audit reviewers")
	}
	consents, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	now := s.now()
	views := make([]model.ConsentView, 0, len(consents))
	for _, c := range consents {
		views = append(views, model.NewConsentView(c, now))
	}
	return views, nil
}

// RecordConsent stores a new consent window. If the audit entry cannot be written the
// consent is withdrawn again and AuditWriteFailure is returned.
func (s *Service) RecordConsent(ctx context.Context, actor *model.UserPermission, req model.RecordConsentRequest) (*model.Consent, error) {
	if actor == nil {
		return nil, errors.ErrAuthenticationRequired
	}
	if !actor.CanCaptureConsent() {
		return nil, s.refuse(actor, "record", req.PatientID)
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, errors.Validation("expires_at must be in the future", nil)
	}

	sites := make([]string, 0, len(req.AuthorizedSites))
	seen := make(map[string]bool, len(req.AuthorizedSites))
	for _, site := range req.AuthorizedSites {
		site = strings.TrimSpace(site)
		if site == "" || seen[site] {
			continue
		}
		seen[site] = true
		sites = append(sites, site)
	}

	c := &model.Consent{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		AuthorizedSites: sites,
		GrantedAt:       now,
		ExpiresAt:       req.ExpiresAt,
		RecordedBy:      actor.UserID,
	}

	err := s.locks.With(req.PatientID, func() error {
		if err := s.repo.Create(ctx, c); err != nil {
			return fmt.Errorf("failed to create consent: %w", err)
		}
		_, err := s.audit.Append(ctx, s.entry(actor, c, "record", model.AuditResultRecorded))
		if err != nil {
			if werr := s.repo.Withdraw(ctx, c.ID, s.now().UTC()); werr != nil {
				s.logger.Error(werr, "failed to withdraw unaudited consent", "consent_id", c.ID.String())
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("consent recorded",
		"consent_id", c.ID.String(),
		"patient_id", c.PatientID,
		"actor_id", actor.UserID)
	return c, nil
}

// WithdrawConsent sets withdrawnAt. The withdrawal takes effect even if the audit write
// fails; the failure is still reported.
func (s *Service) WithdrawConsent(ctx context.Context, actor *model.UserPermission, consentID uuid.UUID) (*model.Consent, error) {
	if actor == nil {
		return nil, errors.ErrAuthenticationRequired
	}
	if !actor.CanCaptureConsent() {
		return nil, s.refuse(actor, "withdraw", consentID.String())
	}
	c, err := s.repo.Get(ctx, consentID)
	if err != nil {
		return nil, err
	}

	err = s.locks.With(c.PatientID, func() error {
		at := s.now().UTC()
		if err := s.repo.Withdraw(ctx, c.ID, at); err != nil {
			return err
		}
		c.WithdrawnAt = &at
		_, err := s.audit.Append(ctx, s.entry(actor, c, "withdraw", model.AuditResultWithdrawn))
		return err
	})
	if err != nil {
		if errors.KindOf(err) == errors.KindAuditWriteFailure {
			s.logger.Warn("consent withdrawn without audit entry", "consent_id", c.ID.String())
		}
		return nil, err
	}

	s.logger.Info("consent withdrawn",
		"consent_id", c.ID.String(),
		"patient_id", c.PatientID,
		"actor_id", actor.UserID)
	return c, nil
}

func (s *Service) refuse(actor *model.UserPermission, action, target string) error {
	s.logger.Warn("consent change refused",
		"actor_id", actor.UserID,
		"action", action,
		"target", target)
	return errors.Forbidden("recording or withdrawing consent requires the consent_capture permission")
}

func (s *Service) entry(actor *model.UserPermission, c *model.Consent, action string, result model.AuditResult) *model.AuditLogEntry {
	return &model.AuditLogEntry{
		Kind:         model.AuditKindConsent,
		ActorID:      actor.UserID,
		ResourceType: model.AuditResourcePatient,
		ResourceID:   c.PatientID,
		Action:       action,
		Result:       result,
		SiteContext:  actor.HomeSite,
		Details: audit.Details(map[string]interface{}{
			"consent_id":       c.ID,
			"authorized_sites": c.AuthorizedSites,
			"expires_at":       c.ExpiresAt,
		}),
	}
}
