package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/pkg/errors"
)

// Action is what an actor wants to do with a patient record.
type Action string

const (
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionExport Action = "export"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionView, ActionEdit, ActionExport:
		return true
	}
	return false
}

// DecisionBasis records which rule let an allowed decision through.
type DecisionBasis string

const (
	BasisSameSite        DecisionBasis = "same_site"
	BasisConsent         DecisionBasis = "consent"
	BasisTemporaryAccess DecisionBasis = "temporary_access"
	BasisBreakGlass      DecisionBasis = "break_glass"
)

// Decision is the result of evaluating (actor, patient, action).
type Decision struct {
	Allowed               bool          `json:"allowed"`
	Reason                errors.Kind   `json:"reason,omitempty"`
	SiteContext           string        `json:"site_context,omitempty"`
	RequiresJustification bool          `json:"requires_justification,omitempty"`
	Basis                 DecisionBasis `json:"basis,omitempty"`
	AuditID               uuid.UUID     `json:"audit_id"`
	EvaluatedAt           time.Time     `json:"evaluated_at"`
}

// Deny builds a denied decision for reason.
func Deny(reason errors.Kind, siteContext string) Decision {
	return Decision{
		Allowed:               false,
		Reason:                reason,
		SiteContext:           siteContext,
		RequiresJustification: reason == errors.KindConsentRequired,
	}
}

type EvaluateRequest struct {
	PatientID string `json:"patient_id" validate:"required,max=128"`
	Action    Action `json:"action" validate:"required,oneof=view edit export"`
}

type BreakGlassRequest struct {
	PatientID     string `json:"patient_id" validate:"required,max=128"`
	Justification string `json:"justification"`
}

// BreakGlassResult is the outcome of a successful emergency override.
type BreakGlassResult struct {
	Granted        bool        `json:"granted"`
	GrantID        uuid.UUID   `json:"grant_id"`
	AccessLevel    AccessLevel `json:"access_level"`
	ExpiresAt      time.Time   `json:"expires_at"`
	AuditID        uuid.UUID   `json:"audit_id"`
	ReviewRequired bool        `json:"review_required"`
}

// BreakGlassReviewNotice is published for every override that needs review.
type BreakGlassReviewNotice struct {
	AuditID     uuid.UUID   `json:"audit_id"`
	GrantID     uuid.UUID   `json:"grant_id"`
	ActorID     string      `json:"actor_id"`
	PatientID   string      `json:"patient_id"`
	SiteContext string      `json:"site_context"`
	AccessLevel AccessLevel `json:"access_level"`
	GrantedAt   time.Time   `json:"granted_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}
