package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/pkg/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var meta audit.RequestMeta
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		meta = audit.RequestMetaFrom(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	rid := w.Header().Get(HeaderXRequestID)
	require.NotEmpty(t, rid)
	assert.Equal(t, rid, meta.RequestID)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "upstream-123")
	req.Header.Set("User-Agent", "ward-terminal/2.1")
	w = serve(r, req)
	assert.Equal(t, "upstream-123", w.Header().Get(HeaderXRequestID))
	assert.Equal(t, "upstream-123", meta.RequestID)
	assert.Equal(t, "ward-terminal/2.1", meta.UserAgent)
}

func TestRequestID_RejectsOversizedHeader(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, strings.Repeat("x", 200))
	w := serve(r, req)
	assert.Len(t, w.Header().Get(HeaderXRequestID), 36)
}

func TestAuthenticate(t *testing.T) {
	tokens := auth.NewJWTService("secret", "access-api", "")
	r := gin.New()
	r.Use(NewAuthMiddleware(tokens).Authenticate())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })

	valid, err := tokens.GenerateToken("dr-a", time.Minute)
	require.NoError(t, err)
	otherIssuer, err := auth.NewJWTService("secret", "someone-else", "").GenerateToken("dr-a", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + valid, status: http.StatusUnauthorized},
		{name: "foreign issuer", header: "Bearer " + otherIssuer, status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + valid, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(r, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "dr-a", w.Body.String())
			}
		})
	}
}

func TestRateLimit_PerUserBuckets(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: rate.Every(time.Hour), Burst: 1})
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ContextUserID, c.GetHeader("X-User"))
		c.Next()
	}, rl.RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	request := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User", user)
		return serve(r, req).Code
	}

	assert.Equal(t, http.StatusNoContent, request("dr-a"))
	assert.Equal(t, http.StatusTooManyRequests, request("dr-a"))
	assert.Equal(t, http.StatusNoContent, request("rn-b"))
}

func TestBodyLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodyLimit(16))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"patient_id":"p-1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTimeout_SetsDeadline(t *testing.T) {
	r := gin.New()
	r.Use(Timeout(time.Second))
	var hasDeadline bool
	r.GET("/", func(c *gin.Context) {
		_, hasDeadline = c.Request.Context().Deadline()
		c.Status(http.StatusNoContent)
	})

	serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, hasDeadline)
}

func TestPHIHeaders(t *testing.T) {
	r := gin.New()
	r.Use(PHIHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
