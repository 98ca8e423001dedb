package model

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
)

// Role is the clinical role an actor holds in the network.
type Role string

const (
	RolePhysician         Role = "physician"
	RoleNurse             Role = "nurse"
	RolePharmacist        Role = "pharmacist"
	RoleResearcher        Role = "researcher"
	RoleAdministrator     Role = "administrator"
	RoleComplianceOfficer Role = "compliance_officer"
)

// RoleList is stored as a postgres text[].
type RoleList []Role

func (l RoleList) Value() (driver.Value, error) {
	arr := make(pq.StringArray, len(l))
	for i, r := range l {
		arr[i] = string(r)
	}
	return arr.Value()
}

func (l *RoleList) Scan(src interface{}) error {
	var arr pq.StringArray
	if err := arr.Scan(src); err != nil {
		return err
	}
	out := make(RoleList, len(arr))
	for i, s := range arr {
		out[i] = Role(s)
	}
	*l = out
	return nil
}

func (l RoleList) Contains(role Role) bool {
	for _, r := range l {
		if r == role {
			return true
		}
	}
	return false
}

// SpecialPermission is an explicit grant beyond role-based access.
type SpecialPermission string

const (
	SpecialPermissionLegalHold        SpecialPermission = "legal_hold"
	SpecialPermissionQualityAssurance SpecialPermission = "quality_assurance"
	SpecialPermissionAuditReview      SpecialPermission = "audit_review"
	SpecialPermissionConsentCapture   SpecialPermission = "consent_capture"
)

// PermitsHighlyRestricted reports whether the permission unlocks highly restricted records.
func (p SpecialPermission) PermitsHighlyRestricted() bool {
	return p == SpecialPermissionLegalHold || p == SpecialPermissionQualityAssurance
}

// RestrictionKind tags the variant held by an AccessRestriction.
type RestrictionKind string

const (
	RestrictionNone        RestrictionKind = "none"
	RestrictionTimeWindow  RestrictionKind = "time_window"
	RestrictionRoleLimited RestrictionKind = "role_limited"
)

// AccessRestriction is a tagged variant: None, TimeWindow(ExpiresAt) or RoleLimited(Roles).
// Build values with NoRestriction, TimeWindow and RoleLimited.
type AccessRestriction struct {
	Kind      RestrictionKind `json:"kind"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Roles     RoleList        `json:"roles,omitempty"`
}

func NoRestriction() AccessRestriction {
	return AccessRestriction{Kind: RestrictionNone}
}

func TimeWindow(expiresAt time.Time) AccessRestriction {
	return AccessRestriction{Kind: RestrictionTimeWindow, ExpiresAt: &expiresAt}
}

func RoleLimited(roles ...Role) AccessRestriction {
	return AccessRestriction{Kind: RestrictionRoleLimited, Roles: roles}
}

// Permits evaluates the restriction for an actor role at a point in time.
// Unknown or malformed variants never permit.
func (r AccessRestriction) Permits(role Role, at time.Time) bool {
	switch r.Kind {
	case RestrictionNone, "":
		return true
	case RestrictionTimeWindow:
		return r.ExpiresAt != nil && at.Before(*r.ExpiresAt)
	case RestrictionRoleLimited:
		return r.Roles.Contains(role)
	default:
		return false
	}
}

// SiteAccess grants access to one non-home site.
type SiteAccess struct {
	SiteID       string              `json:"site_id"`
	Restrictions []AccessRestriction `json:"restrictions,omitempty"`
}

// ValidFor reports whether every restriction on the grant permits the role at the given time.
func (a SiteAccess) ValidFor(role Role, at time.Time) bool {
	for _, r := range a.Restrictions {
		if !r.Permits(role, at) {
			return false
		}
	}
	return true
}

// UserPermission is a snapshot of an actor's network-wide access profile.
// It is resolved once per request and treated as immutable for that request.
type UserPermission struct {
	UserID             string              `json:"user_id"`
	HomeSite           string              `json:"home_site"`
	Role               Role                `json:"role"`
	AuthorizedSites    []SiteAccess        `json:"authorized_sites"`
	SpecialPermissions []SpecialPermission `json:"special_permissions"`
	TemporaryAccess    []TemporaryAccess   `json:"temporary_access"`
}

// HasSiteAccess reports whether the actor may act at siteID: implicitly at the home site,
// through a valid SiteAccess, or through an active site-scoped temporary grant.
func (p *UserPermission) HasSiteAccess(siteID string, at time.Time) bool {
	if siteID == "" {
		return false
	}
	if p.HomeSite == siteID {
		return true
	}
	for _, a := range p.AuthorizedSites {
		if a.SiteID == siteID && a.ValidFor(p.Role, at) {
			return true
		}
	}
	for i := range p.TemporaryAccess {
		g := &p.TemporaryAccess[i]
		if g.Type == TemporaryAccessSite && g.TargetID == siteID && g.IsValidAt(at) {
			return true
		}
	}
	return false
}

// AccessibleSites lists every site the actor may act at, home site first.
func (p *UserPermission) AccessibleSites(at time.Time) []string {
	seen := map[string]bool{p.HomeSite: true}
	sites := []string{p.HomeSite}
	for _, a := range p.AuthorizedSites {
		if !seen[a.SiteID] && a.ValidFor(p.Role, at) {
			seen[a.SiteID] = true
			sites = append(sites, a.SiteID)
		}
	}
	for i := range p.TemporaryAccess {
		g := &p.TemporaryAccess[i]
		if g.Type == TemporaryAccessSite && !seen[g.TargetID] && g.IsValidAt(at) {
			seen[g.TargetID] = true
			sites = append(sites, g.TargetID)
		}
	}
	return sites
}

func (p *UserPermission) HasSpecialPermission(perm SpecialPermission) bool {
	for _, sp := range p.SpecialPermissions {
		if sp == perm {
			return true
		}
	}
	return false
}

// CanAccessHighlyRestricted reports whether any special permission unlocks highly restricted data.
func (p *UserPermission) CanAccessHighlyRestricted() bool {
	for _, sp := range p.SpecialPermissions {
		if sp.PermitsHighlyRestricted() {
			return true
		}
	}
	return false
}

// CanReadAuditTrail reports whether the actor may query and export the audit trail.
func (p *UserPermission) CanReadAuditTrail() bool {
	return p.Role == RoleComplianceOfficer || p.Role == RoleAdministrator ||
		p.HasSpecialPermission(SpecialPermissionAuditReview)
}

// CanCaptureConsent reports whether the actor may record and withdraw patient consents.
func (p *UserPermission) CanCaptureConsent() bool {
	return p.Role == RoleAdministrator || p.HasSpecialPermission(SpecialPermissionConsentCapture)
}

// CanManageNetwork reports whether the actor may register or change network sites.
func (p *UserPermission) CanManageNetwork() bool {
	return p.Role == RoleAdministrator
}

// PatientGrant returns an active patient-scoped grant whose level covers action, or nil.
func (p *UserPermission) PatientGrant(patientID string, action Action, at time.Time) *TemporaryAccess {
	for i := range p.TemporaryAccess {
		g := &p.TemporaryAccess[i]
		if g.Type == TemporaryAccessPatient && g.TargetID == patientID && g.IsValidAt(at) && g.AccessLevel.Allows(action) {
			return g
		}
	}
	return nil
}

// ActiveGrantIn returns an active, provisional or pending grant for the same target, or nil.
func ActiveGrantIn(grants []TemporaryAccess, kind TemporaryAccessType, targetID string, at time.Time) *TemporaryAccess {
	for i := range grants {
		g := &grants[i]
		if g.Type != kind || g.TargetID != targetID {
			continue
		}
		switch g.StateAt(at) {
		case TemporaryAccessStateActive, TemporaryAccessStateProvisional, TemporaryAccessStatePendingApproval:
			return g
		}
	}
	return nil
}
