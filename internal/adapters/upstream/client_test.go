package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/circuitbreaker"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/metrics"
)

func TestPatientClient_GetPatientMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/patients/p-1/site-metadata":
			_ = json.NewEncoder(w).Encode(model.PatientSiteMetadata{
				PatientID:          "p-1",
				PrimarySite:        "site-2",
				DataClassification: model.ClassificationStandard,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewPatientClient(Config{BaseURL: srv.URL + "/", BreakerFailures: 1, BreakerTimeout: time.Hour}, metrics.NewNoop())

	meta, err := c.GetPatientMetadata(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "site-2", meta.PrimarySite)

	// Not-found answers never trip the breaker.
	for i := 0; i < 3; i++ {
		_, err = c.GetPatientMetadata(context.Background(), "missing")
		assert.ErrorIs(t, err, errors.ErrPatientNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.c.breaker.State())
}

func TestIdentityClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewIdentityClient(Config{BaseURL: srv.URL, BreakerFailures: 2, BreakerTimeout: time.Hour}, metrics.NewNoop())

	for i := 0; i < 2; i++ {
		_, err := c.GetUserPermissions(context.Background(), "u-1")
		require.Error(t, err)
	}
	_, err := c.GetUserPermissions(context.Background(), "u-1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	s.PutUser(model.UserPermission{UserID: "u-1", HomeSite: "site-1"})

	perm, err := s.GetUserPermissions(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "site-1", perm.HomeSite)

	_, err = s.GetUserPermissions(context.Background(), "u-2")
	assert.ErrorIs(t, err, errors.ErrUserNotFound)

	_, err = s.GetPatientMetadata(context.Background(), "p-1")
	assert.ErrorIs(t, err, errors.ErrPatientNotFound)
}
