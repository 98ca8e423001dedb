package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

type AuditKind string

const (
	AuditKindDecision        AuditKind = "decision"
	AuditKindBreakGlass      AuditKind = "break_glass"
	AuditKindTemporaryAccess AuditKind = "temporary_access"
	AuditKindReferral        AuditKind = "referral"
	AuditKindConsent         AuditKind = "consent"
	AuditKindReview          AuditKind = "review"
	AuditKindCorrection      AuditKind = "correction"
)

type AuditResult string

const (
	AuditResultAllowed         AuditResult = "allowed"
	AuditResultDenied          AuditResult = "denied"
	AuditResultError           AuditResult = "error"
	AuditResultGranted         AuditResult = "granted"
	AuditResultGrantedAuto     AuditResult = "granted-auto"
	AuditResultPendingApproval AuditResult = "pending-approval"
	AuditResultApproved        AuditResult = "approved"
	AuditResultRejected        AuditResult = "rejected"
	AuditResultRedirected      AuditResult = "redirected"
	AuditResultCreated         AuditResult = "created"
	AuditResultAccepted        AuditResult = "accepted"
	AuditResultDeclined        AuditResult = "declined"
	AuditResultExpired         AuditResult = "expired"
	AuditResultWithdrawn       AuditResult = "withdrawn"
	AuditResultRecorded        AuditResult = "recorded"
	AuditResultReviewed        AuditResult = "reviewed"
)

const (
	AuditResourcePatient         = "patient"
	AuditResourceSite            = "site"
	AuditResourceReferral        = "referral"
	AuditResourceTemporaryAccess = "temporary_access"
	AuditResourceAuditEntry      = "audit_entry"
)

// AuditLogEntry is one immutable access event. Entries for a resource form a hash chain.
type AuditLogEntry struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	Kind           AuditKind       `json:"kind" db:"kind"`
	ActorID        string          `json:"actor_id" db:"actor_id"`
	ResourceType   string          `json:"resource_type" db:"resource_type"`
	ResourceID     string          `json:"resource_id" db:"resource_id"`
	Action         string          `json:"action" db:"action"`
	Result         AuditResult     `json:"result" db:"result"`
	SiteContext    string          `json:"site_context" db:"site_context"`
	Reason         *string         `json:"reason,omitempty" db:"reason"`
	ReviewRequired bool            `json:"review_required" db:"review_required"`
	References     *uuid.UUID      `json:"references,omitempty" db:"references_id"`
	Details        json.RawMessage `json:"details,omitempty" db:"details"`
	RequestID      string          `json:"request_id,omitempty" db:"request_id"`
	IPAddress      string          `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent      string          `json:"user_agent,omitempty" db:"user_agent"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
	PrevHash       string          `json:"prev_hash" db:"prev_hash"`
	Hash           string          `json:"hash" db:"hash"`
}

// sealedFields is every field the hash covers: all of them except Hash.
type sealedFields struct {
	ID             uuid.UUID       `json:"id"`
	Kind           AuditKind       `json:"kind"`
	ActorID        string          `json:"actor_id"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	Action         string          `json:"action"`
	Result         AuditResult     `json:"result"`
	SiteContext    string          `json:"site_context"`
	Reason         *string         `json:"reason"`
	ReviewRequired bool            `json:"review_required"`
	References     *uuid.UUID      `json:"references"`
	Details        json.RawMessage `json:"details"`
	RequestID      string          `json:"request_id"`
	IPAddress      string          `json:"ip_address"`
	UserAgent      string          `json:"user_agent"`
	Timestamp      string          `json:"timestamp"`
	PrevHash       string          `json:"prev_hash"`
}

// Normalize puts the timestamp in the form the store round-trips exactly.
func (e *AuditLogEntry) Normalize() {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if len(e.Details) == 0 {
		e.Details = nil
	}
}

func (e *AuditLogEntry) ComputeHash() (string, error) {
	payload, err := json.Marshal(sealedFields{
		ID:             e.ID,
		Kind:           e.Kind,
		ActorID:        e.ActorID,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Action:         e.Action,
		Result:         e.Result,
		SiteContext:    e.SiteContext,
		Reason:         e.Reason,
		ReviewRequired: e.ReviewRequired,
		References:     e.References,
		Details:        e.Details,
		RequestID:      e.RequestID,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:       e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode audit entry: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Seal links the entry to the previous hash of its resource chain and stamps its own hash.
func (e *AuditLogEntry) Seal(prevHash string) error {
	e.Normalize()
	e.PrevHash = prevHash
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// AuditFilter narrows QueryAuditTrail. Empty fields match everything.
type AuditFilter struct {
	ResourceID string      `form:"resource_id"`
	PatientID  string      `form:"patient_id"`
	SiteID     string      `form:"site_id"`
	ActorID    string      `form:"user_id"`
	Action     string      `form:"action"`
	Result     AuditResult `form:"result"`
	Kind       AuditKind   `form:"kind"`
	TimeRange
	Pagination
}

// Matches applies the filter in memory.
func (f *AuditFilter) Matches(e *AuditLogEntry) bool {
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.PatientID != "" && (e.ResourceType != AuditResourcePatient || e.ResourceID != f.PatientID) {
		return false
	}
	if f.SiteID != "" && e.SiteContext != f.SiteID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return f.TimeRange.Contains(e.Timestamp)
}

// AuditPage is one page of a trail query.
type AuditPage struct {
	Entries  []AuditLogEntry `json:"entries"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type ReviewOutcome string

const (
	ReviewOutcomeJustified   ReviewOutcome = "justified"
	ReviewOutcomeUnjustified ReviewOutcome = "unjustified"
	ReviewOutcomeEscalated   ReviewOutcome = "escalated"
)

type BreakGlassReviewRequest struct {
	Outcome ReviewOutcome `json:"outcome" validate:"required,oneof=justified unjustified escalated"`
	Notes   string        `json:"notes" validate:"max=4000"`
}

type AuditCorrectionRequest struct {
	Reason  string          `json:"reason" validate:"required,notblank,max=4000"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ChainVerification is the result of re-hashing a resource's audit chain.
type ChainVerification struct {
	ResourceID string     `json:"resource_id"`
	Entries    int        `json:"entries"`
	Valid      bool       `json:"valid"`
	BrokenAt   *uuid.UUID `json:"broken_at,omitempty"`
}
