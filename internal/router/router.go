package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/access-api/internal/handler/health"
	"github.com/jwalitptl/access-api/internal/middleware"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	RateLimit      rate.Limit
	RateBurst      int
	RequestTimeout time.Duration
	MaxBodySize    int64
	Release        bool
}

type Router struct {
	engine      *gin.Engine
	auth        *middleware.AuthMiddleware
	health      *health.Handler
	handlers    []Handler
	limiter     *middleware.RateLimiter
	serviceAuth *middleware.AuthMiddleware
	services    []Handler
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	healthH *health.Handler,
	handlers []Handler,
	log *logger.Logger,
	m *metrics.Metrics,
	config RouterConfig,
) *Router {
	if config.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	r := &Router{
		engine:   engine,
		auth:     auth,
		health:   healthH,
		handlers: handlers,
	}

	engine.Use(
		middleware.Recovery(log),
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.ErrorHandler(log),
		middleware.Metrics(m),
		middleware.PHIHeaders(),
		middleware.BodyLimit(config.MaxBodySize),
		middleware.Timeout(config.RequestTimeout),
	)

	if config.RateLimit > 0 {
		r.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
	}

	return r
}

// WithServiceRoutes mounts handlers under /internal/v1, authenticated with service
// credentials that user tokens do not satisfy.
func (r *Router) WithServiceRoutes(auth *middleware.AuthMiddleware, handlers ...Handler) *Router {
	r.serviceAuth = auth
	r.services = append(r.services, handlers...)
	return r
}

func (r *Router) Setup() {
	r.engine.GET("/metrics", r.health.MetricsHandler())
	r.health.RegisterRoutes(r.engine.Group(""))

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	// Limiting after authentication keys the bucket by user rather than by proxy address.
	protected := api.Group("")
	protected.Use(r.auth.Authenticate())
	if r.limiter != nil {
		protected.Use(r.limiter.RateLimit())
	}
	for _, h := range r.handlers {
		h.RegisterRoutes(protected)
	}

	if r.serviceAuth == nil || len(r.services) == 0 {
		return
	}
	internal := r.engine.Group("/internal/v1")
	internal.Use(r.serviceAuth.Authenticate())
	for _, h := range r.services {
		h.RegisterRoutes(internal)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
