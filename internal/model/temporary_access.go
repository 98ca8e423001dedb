package model

import (
	"time"

	"github.com/google/uuid"
)

// AccessLevel bounds the actions a grant allows.
type AccessLevel string

const (
	AccessLevelReadOnly  AccessLevel = "read_only"
	AccessLevelReadWrite AccessLevel = "read_write"
	AccessLevelFull      AccessLevel = "full"
)

func (l AccessLevel) IsValid() bool {
	switch l {
	case AccessLevelReadOnly, AccessLevelReadWrite, AccessLevelFull:
		return true
	}
	return false
}

// Allows reports whether the level covers action.
func (l AccessLevel) Allows(action Action) bool {
	switch l {
	case AccessLevelReadOnly:
		return action == ActionView
	case AccessLevelReadWrite:
		return action == ActionView || action == ActionEdit
	case AccessLevelFull:
		return action.IsValid()
	}
	return false
}

type TemporaryAccessType string

const (
	TemporaryAccessPatient TemporaryAccessType = "patient"
	TemporaryAccessSite    TemporaryAccessType = "site"
)

type TemporaryAccessReason string

const (
	ReasonEmergency    TemporaryAccessReason = "emergency"
	ReasonCoverage     TemporaryAccessReason = "coverage"
	ReasonConsultation TemporaryAccessReason = "consultation"
	ReasonTransfer     TemporaryAccessReason = "transfer"
)

// TemporaryAccessStatus is the stored status. Expiry is never stored; see StateAt.
// A provisional grant is waiting for its audit entry and confers nothing.
type TemporaryAccessStatus string

const (
	TemporaryAccessStatusPendingApproval TemporaryAccessStatus = "pending_approval"
	TemporaryAccessStatusProvisional     TemporaryAccessStatus = "provisional"
	TemporaryAccessStatusActive          TemporaryAccessStatus = "active"
	TemporaryAccessStatusRejected        TemporaryAccessStatus = "rejected"
	TemporaryAccessStatusRevoked         TemporaryAccessStatus = "revoked"
)

// TemporaryAccessState is the derived lifecycle state at a point in time.
type TemporaryAccessState string

const (
	TemporaryAccessStatePendingApproval TemporaryAccessState = "pending_approval"
	TemporaryAccessStateProvisional     TemporaryAccessState = "provisional"
	TemporaryAccessStateActive          TemporaryAccessState = "active"
	TemporaryAccessStateExpired         TemporaryAccessState = "expired"
	TemporaryAccessStateRejected        TemporaryAccessState = "rejected"
	TemporaryAccessStateRevoked         TemporaryAccessState = "revoked"
)

// TemporaryAccess is a time-boxed elevated grant held in a user's permission record.
type TemporaryAccess struct {
	ID                 uuid.UUID             `json:"id" db:"id"`
	UserID             string                `json:"user_id" db:"user_id"`
	Type               TemporaryAccessType   `json:"type" db:"type"`
	TargetID           string                `json:"target_id" db:"target_id"`
	Reason             TemporaryAccessReason `json:"reason" db:"reason"`
	Justification      string                `json:"justification" db:"justification"`
	AccessLevel        AccessLevel           `json:"access_level" db:"access_level"`
	DurationHours      int                   `json:"duration_hours" db:"duration_hours"`
	Status             TemporaryAccessStatus `json:"status" db:"status"`
	BreakGlass         bool                  `json:"break_glass" db:"break_glass"`
	ApprovalWorkflowID *string               `json:"approval_workflow_id,omitempty" db:"approval_workflow_id"`
	DecidedBy          *string               `json:"decided_by,omitempty" db:"decided_by"`
	RequestedAt        time.Time             `json:"requested_at" db:"requested_at"`
	GrantedAt          *time.Time            `json:"granted_at,omitempty" db:"granted_at"`
}

// ExpiresAt is GrantedAt + DurationHours, or the zero time for a grant that never became active.
func (t *TemporaryAccess) ExpiresAt() time.Time {
	if t.GrantedAt == nil {
		return time.Time{}
	}
	return t.GrantedAt.Add(time.Duration(t.DurationHours) * time.Hour)
}

// StateAt derives the lifecycle state. Active -> Expired never transitions back.
func (t *TemporaryAccess) StateAt(at time.Time) TemporaryAccessState {
	switch t.Status {
	case TemporaryAccessStatusPendingApproval:
		return TemporaryAccessStatePendingApproval
	case TemporaryAccessStatusProvisional:
		if t.GrantedAt != nil && !at.Before(t.ExpiresAt()) {
			return TemporaryAccessStateExpired
		}
		return TemporaryAccessStateProvisional
	case TemporaryAccessStatusRejected:
		return TemporaryAccessStateRejected
	case TemporaryAccessStatusRevoked:
		return TemporaryAccessStateRevoked
	case TemporaryAccessStatusActive:
		if t.GrantedAt == nil || !at.Before(t.ExpiresAt()) {
			return TemporaryAccessStateExpired
		}
		return TemporaryAccessStateActive
	}
	return TemporaryAccessStateRevoked
}

// IsValidAt reports whether the grant confers access at the given time.
func (t *TemporaryAccess) IsValidAt(at time.Time) bool {
	return t.StateAt(at) == TemporaryAccessStateActive
}

// TemporaryAccessView pairs a grant with its derived state for API responses.
type TemporaryAccessView struct {
	TemporaryAccess
	State     TemporaryAccessState `json:"state"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
}

func NewTemporaryAccessView(t TemporaryAccess, at time.Time) TemporaryAccessView {
	v := TemporaryAccessView{TemporaryAccess: t, State: t.StateAt(at)}
	if t.GrantedAt != nil {
		exp := t.ExpiresAt()
		v.ExpiresAt = &exp
	}
	return v
}

// TemporaryAccessRequest is the input of RequestTemporaryAccess.
type TemporaryAccessRequest struct {
	Type                 TemporaryAccessType   `json:"type" validate:"required,oneof=patient site"`
	TargetID             string                `json:"target_id" validate:"required,max=128"`
	Reason               TemporaryAccessReason `json:"reason" validate:"required,oneof=emergency coverage consultation transfer"`
	Justification        string                `json:"justification" validate:"required,notblank,max=4000"`
	DurationHours        int                   `json:"duration_hours" validate:"required,min=1,max=720"`
	RequestedAccessLevel AccessLevel           `json:"requested_access_level" validate:"required,oneof=read_only read_write full"`
}

// TemporaryAccessResult is the outcome of RequestTemporaryAccess.
type TemporaryAccessResult struct {
	Approved           bool             `json:"approved"`
	AccessGranted      *TemporaryAccess `json:"access_granted,omitempty"`
	RequiresApproval   bool             `json:"requires_approval"`
	ApprovalWorkflowID string           `json:"approval_workflow_id,omitempty"`
	// RedirectToEmergency is set when the request must go through break-glass instead.
	RedirectToEmergency bool      `json:"redirect_to_emergency,omitempty"`
	AuditID             uuid.UUID `json:"audit_id"`
}

// ApprovalRequest is what gets submitted to the external human-approval workflow.
type ApprovalRequest struct {
	GrantID       uuid.UUID             `json:"grant_id"`
	UserID        string                `json:"user_id"`
	HomeSite      string                `json:"home_site"`
	Role          Role                  `json:"role"`
	Type          TemporaryAccessType   `json:"type"`
	TargetID      string                `json:"target_id"`
	Reason        TemporaryAccessReason `json:"reason"`
	Justification string                `json:"justification"`
	AccessLevel   AccessLevel           `json:"access_level"`
	DurationHours int                   `json:"duration_hours"`
	RequestedAt   time.Time             `json:"requested_at"`
}

// ApprovalDecision is the callback payload from the approval workflow.
type ApprovalDecision struct {
	WorkflowID string    `json:"workflow_id" validate:"required"`
	Approved   bool      `json:"approved"`
	DecidedBy  string    `json:"decided_by" validate:"required"`
	DecidedAt  time.Time `json:"decided_at"`
}
