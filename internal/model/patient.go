package model

// PatientSiteMetadata is the per-patient site and sharing context owned by the patient-record service.
type PatientSiteMetadata struct {
	PatientID           string             `json:"patient_id"`
	PrimarySite         string             `json:"primary_site"`
	AuthorizedSites     []string           `json:"authorized_sites"`
	DataClassification  DataClassification `json:"data_classification"`
	DataSharingConsents []Consent          `json:"data_sharing_consents"`
}

// SharedWithAny reports whether the patient is held at any of the given sites.
// The primary site always counts as an authorized site.
func (m *PatientSiteMetadata) SharedWithAny(sites []string) bool {
	for _, s := range sites {
		if s == m.PrimarySite {
			return true
		}
		for _, a := range m.AuthorizedSites {
			if a == s {
				return true
			}
		}
	}
	return false
}
