package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ConsentStatus is derived, never stored.
type ConsentStatus string

const (
	ConsentStatusActive    ConsentStatus = "active"
	ConsentStatusWithdrawn ConsentStatus = "withdrawn"
	ConsentStatusExpired   ConsentStatus = "expired"
)

// Consent is a patient's authorization to share data with named sites.
// One record is a single window; overlapping windows for a site are separate records.
type Consent struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	PatientID       string         `json:"patient_id" db:"patient_id"`
	AuthorizedSites pq.StringArray `json:"authorized_sites" db:"authorized_sites"`
	GrantedAt       time.Time      `json:"granted_at" db:"granted_at"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	WithdrawnAt     *time.Time     `json:"withdrawn_at,omitempty" db:"withdrawn_at"`
	RecordedBy      string         `json:"recorded_by" db:"recorded_by"`
}

// StatusAt evaluates the Active -> {Withdrawn, Expired} state machine at a snapshot time.
// A withdrawal takes effect from the moment it is recorded and applies to any later evaluation.
func (c *Consent) StatusAt(at time.Time) ConsentStatus {
	if c.WithdrawnAt != nil {
		return ConsentStatusWithdrawn
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(at) {
		return ConsentStatusExpired
	}
	return ConsentStatusActive
}

func (c *Consent) Covers(siteID string) bool {
	for _, s := range c.AuthorizedSites {
		if s == siteID {
			return true
		}
	}
	return false
}

// AuthorizesAt reports whether the consent lets siteID see the patient's data at the given time.
func (c *Consent) AuthorizesAt(siteID string, at time.Time) bool {
	return c.StatusAt(at) == ConsentStatusActive && c.Covers(siteID)
}

// ConsentSnapshot is the immutable set of consents for one patient read at the start of a decision.
type ConsentSnapshot struct {
	PatientID string    `json:"patient_id"`
	At        time.Time `json:"at"`
	Consents  []Consent `json:"consents"`
}

// IsAuthorized reports whether any consent in the snapshot authorizes siteID at the snapshot time.
func (s *ConsentSnapshot) IsAuthorized(siteID string) bool {
	for i := range s.Consents {
		if s.Consents[i].PatientID == s.PatientID && s.Consents[i].AuthorizesAt(siteID, s.At) {
			return true
		}
	}
	return false
}

// Merge adds consents not already in the snapshot, matched by ID. A merged consent
// without a patient id belongs to the snapshot's patient.
func (s *ConsentSnapshot) Merge(consents []Consent) {
	seen := make(map[uuid.UUID]int, len(s.Consents))
	for i, c := range s.Consents {
		seen[c.ID] = i
	}
	for _, c := range consents {
		if i, ok := seen[c.ID]; ok && c.ID != uuid.Nil {
			// A withdrawal known to either source wins.
			if s.Consents[i].WithdrawnAt == nil && c.WithdrawnAt != nil {
				s.Consents[i].WithdrawnAt = c.WithdrawnAt
			}
			continue
		}
		if c.PatientID == "" {
			c.PatientID = s.PatientID
		}
		s.Consents = append(s.Consents, c)
	}
}

// ConsentView pairs a consent with its derived status.
type ConsentView struct {
	Consent
	Status ConsentStatus `json:"status"`
}

func NewConsentView(c Consent, at time.Time) ConsentView {
	return ConsentView{Consent: c, Status: c.StatusAt(at)}
}

type RecordConsentRequest struct {
	PatientID       string     `json:"patient_id" validate:"required,max=128"`
	AuthorizedSites []string   `json:"authorized_sites" validate:"required,min=1,dive,required"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}
