package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/errors"
)

// Static serves patient metadata and user permissions from memory. It backs the memory
// storage driver and tests.
type Static struct {
	mu       sync.RWMutex
	patients map[string]model.PatientSiteMetadata
	users    map[string]model.UserPermission
	sites    []model.NetworkSite
}

func NewStatic() *Static {
	return &Static{
		patients: make(map[string]model.PatientSiteMetadata),
		users:    make(map[string]model.UserPermission),
	}
}

// fixtureFile is the on-disk layout accepted by LoadStatic.
type fixtureFile struct {
	Sites    []model.NetworkSite         `json:"sites"`
	Patients []model.PatientSiteMetadata `json:"patients"`
	Users    []model.UserPermission      `json:"users"`
}

// LoadStatic reads sites, patients and users from a JSON fixture file.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	var f fixtureFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	s := NewStatic()
	s.sites = f.Sites
	for _, p := range f.Patients {
		s.PutPatient(p)
	}
	for _, u := range f.Users {
		s.PutUser(u)
	}
	return s, nil
}

func (s *Static) PutPatient(meta model.PatientSiteMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[meta.PatientID] = meta
}

func (s *Static) PutUser(perm model.UserPermission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[perm.UserID] = perm
}

func (s *Static) GetPatientMetadata(_ context.Context, patientID string) (*model.PatientSiteMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.patients[patientID]
	if !ok {
		return nil, errors.New(errors.KindPatientNotFound, fmt.Sprintf("patient %s not found", patientID), nil)
	}
	meta.AuthorizedSites = append([]string(nil), meta.AuthorizedSites...)
	meta.DataSharingConsents = append([]model.Consent(nil), meta.DataSharingConsents...)
	return &meta, nil
}

func (s *Static) GetUserPermissions(_ context.Context, userID string) (*model.UserPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.users[userID]
	if !ok {
		return nil, errors.New(errors.KindUserNotFound, fmt.Sprintf("user %s not found", userID), nil)
	}
	return &perm, nil
}

// Sites returns the network sites listed in the fixture file, for seeding the directory.
func (s *Static) Sites() []model.NetworkSite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.NetworkSite(nil), s.sites...)
}
