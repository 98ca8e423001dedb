package access

import (
	"time"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/errors"
)

// Outcome is the result of the decision rules before anything is recorded.
type Outcome struct {
	Allowed bool
	Reason  errors.Kind
	Basis   model.DecisionBasis
}

// CheckPrerequisites applies the site-access and patient-restriction rules, in that order.
// It returns the deny reason, or "" when both pass. A classification outside the known
// tiers counts as restricted.
func CheckPrerequisites(actor *model.UserPermission, meta *model.PatientSiteMetadata, at time.Time) errors.Kind {
	if !actor.HasSiteAccess(meta.PrimarySite, at) {
		return errors.KindSiteAccessDenied
	}
	if !meta.SharedWithAny(actor.AccessibleSites(at)) {
		return errors.KindPatientRestricted
	}
	if !meta.DataClassification.IsValid() {
		return errors.KindPatientRestricted
	}
	if meta.DataClassification == model.ClassificationHighlyRestricted && !actor.CanAccessHighlyRestricted() {
		return errors.KindPatientRestricted
	}
	return ""
}

// Check runs every rule against one snapshot. The first failing rule decides the outcome.
// Same-site access needs no consent; otherwise an active consent for the actor's home site
// or an active patient grant covering action is required.
func Check(actor *model.UserPermission, meta *model.PatientSiteMetadata, consents *model.ConsentSnapshot, action model.Action, at time.Time) Outcome {
	if reason := CheckPrerequisites(actor, meta, at); reason != "" {
		return Outcome{Reason: reason}
	}
	if actor.HomeSite == meta.PrimarySite {
		return Outcome{Allowed: true, Basis: model.BasisSameSite}
	}
	if consents != nil && consents.IsAuthorized(actor.HomeSite) {
		return Outcome{Allowed: true, Basis: model.BasisConsent}
	}
	if grant := actor.PatientGrant(meta.PatientID, action, at); grant != nil {
		if grant.BreakGlass {
			return Outcome{Allowed: true, Basis: model.BasisBreakGlass}
		}
		return Outcome{Allowed: true, Basis: model.BasisTemporaryAccess}
	}
	return Outcome{Reason: errors.KindConsentRequired}
}
