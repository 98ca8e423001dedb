package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ReferralStatus string

const (
	ReferralStatusPending  ReferralStatus = "pending"
	ReferralStatusAccepted ReferralStatus = "accepted"
	ReferralStatusDeclined ReferralStatus = "declined"
	ReferralStatusExpired  ReferralStatus = "expired"
)

// CanTransition enforces pending -> {accepted, declined, expired}.
func (s ReferralStatus) CanTransition(to ReferralStatus) bool {
	if s != ReferralStatusPending {
		return false
	}
	switch to {
	case ReferralStatusAccepted, ReferralStatusDeclined, ReferralStatusExpired:
		return true
	}
	return false
}

// CrossSiteReferral is a tracked hand-off of a patient between two sites.
type CrossSiteReferral struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	FromSite    string          `json:"from_site" db:"from_site"`
	ToSite      string          `json:"to_site" db:"to_site"`
	PatientID   string          `json:"patient_id" db:"patient_id"`
	Status      ReferralStatus  `json:"status" db:"status"`
	Details     json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedBy   string          `json:"created_by" db:"created_by"`
	RespondedBy *string         `json:"responded_by,omitempty" db:"responded_by"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// StatusAt returns the effective status; a pending referral older than ttl reads as expired.
func (r *CrossSiteReferral) StatusAt(at time.Time, ttl time.Duration) ReferralStatus {
	if r.Status == ReferralStatusPending && ttl > 0 && !at.Before(r.CreatedAt.Add(ttl)) {
		return ReferralStatusExpired
	}
	return r.Status
}

type CreateReferralRequest struct {
	FromSite  string          `json:"from_site" validate:"required,max=128"`
	ToSite    string          `json:"to_site" validate:"required,max=128,nefield=FromSite"`
	PatientID string          `json:"patient_id" validate:"required,max=128"`
	Details   json.RawMessage `json:"details,omitempty"`
}

type ReferralFilter struct {
	PatientID string         `form:"patient_id"`
	SiteID    string         `form:"site_id"`
	Status    ReferralStatus `form:"status"`
	Pagination
}
