// Package upstream holds clients for the patient-record and identity services.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/circuitbreaker"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/metrics"
)

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// client is a JSON-over-HTTP caller shared by both upstreams.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
}

func newClient(name string, cfg Config, m *metrics.Metrics) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        name,
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
			// A missing record is an answer, not an outage.
			IsFailure: func(err error) bool {
				return err != nil && errors.KindOf(err) != errors.KindNotFound
			},
		}),
		metrics: m,
	}
}

func (c *client) getJSON(ctx context.Context, path string, out interface{}) error {
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to build %s request: %w", c.name, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", c.name, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return errors.NotFound(c.name+" record", nil)
		case resp.StatusCode >= 300:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s returned %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", c.name, err)
		}
		return nil
	})

	status := "ok"
	switch {
	case err == nil:
	case errors.KindOf(err) == errors.KindNotFound:
		status = "not_found"
	case err == circuitbreaker.ErrOpen:
		status = "breaker_open"
	default:
		status = "error"
	}
	c.metrics.UpstreamCalls.WithLabelValues(c.name, status).Inc()
	return err
}

// PatientClient implements GetPatientMetadata against the patient-record service.
type PatientClient struct {
	c *client
}

func NewPatientClient(cfg Config, m *metrics.Metrics) *PatientClient {
	return &PatientClient{c: newClient("patient-records", cfg, m)}
}

func (p *PatientClient) GetPatientMetadata(ctx context.Context, patientID string) (*model.PatientSiteMetadata, error) {
	var meta model.PatientSiteMetadata
	if err := p.c.getJSON(ctx, "/patients/"+url.PathEscape(patientID)+"/site-metadata", &meta); err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil, errors.New(errors.KindPatientNotFound, fmt.Sprintf("patient %s not found", patientID), err)
		}
		return nil, err
	}
	return &meta, nil
}

// IdentityClient implements GetUserPermissions against the identity service.
type IdentityClient struct {
	c *client
}

func NewIdentityClient(cfg Config, m *metrics.Metrics) *IdentityClient {
	return &IdentityClient{c: newClient("identity", cfg, m)}
}

func (i *IdentityClient) GetUserPermissions(ctx context.Context, userID string) (*model.UserPermission, error) {
	var perm model.UserPermission
	if err := i.c.getJSON(ctx, "/users/"+url.PathEscape(userID)+"/permissions", &perm); err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil, errors.New(errors.KindUserNotFound, fmt.Sprintf("user %s not found", userID), err)
		}
		return nil, err
	}
	return &perm, nil
}
