package model

import (
	"fmt"
	"time"
)

// DataClassification is the sensitivity tier of a patient record.
type DataClassification string

const (
	ClassificationStandard         DataClassification = "standard"
	ClassificationRestricted       DataClassification = "restricted"
	ClassificationHighlyRestricted DataClassification = "highly_restricted"
)

func (c DataClassification) IsValid() bool {
	switch c {
	case ClassificationStandard, ClassificationRestricted, ClassificationHighlyRestricted:
		return true
	}
	return false
}

// NetworkSite is a registered clinical site in the federated network.
type NetworkSite struct {
	ID                        string             `json:"site_id" db:"id"`
	Name                      string             `json:"name" db:"name"`
	DataClassificationDefault DataClassification `json:"data_classification_default" db:"data_classification_default"`
	EmergencyAccessEnabled    bool               `json:"emergency_access_enabled" db:"emergency_access_enabled"`
	// PreauthorizedRoles may receive coverage/transfer grants for this site without human approval.
	PreauthorizedRoles RoleList  `json:"preauthorized_roles" db:"preauthorized_roles"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// NetworkSettings are the network-wide switches held by the directory.
type NetworkSettings struct {
	EmergencyAccessEnabled  bool          `json:"emergency_access_enabled"`
	BreakGlassAuditRequired bool          `json:"break_glass_audit_required"`
	BreakGlassDuration      time.Duration `json:"break_glass_duration"`
	BreakGlassAccessLevel   AccessLevel   `json:"break_glass_access_level"`
}

// Validate requires a break-glass duration of whole hours, at least one, and a known level.
func (n NetworkSettings) Validate() error {
	if n.BreakGlassDuration < time.Hour || n.BreakGlassDuration%time.Hour != 0 {
		return fmt.Errorf("break-glass duration %s is not a positive whole number of hours", n.BreakGlassDuration)
	}
	if !n.BreakGlassAccessLevel.IsValid() {
		return fmt.Errorf("break-glass access level %q is not valid", n.BreakGlassAccessLevel)
	}
	return nil
}

// BreakGlassHours is the break-glass grant duration. Callers validate first.
func (n NetworkSettings) BreakGlassHours() int {
	return int(n.BreakGlassDuration / time.Hour)
}
