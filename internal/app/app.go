// Package app builds the service graph shared by the API and worker binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/access-api/internal/adapters/approval"
	"github.com/jwalitptl/access-api/internal/adapters/upstream"
	"github.com/jwalitptl/access-api/internal/config"
	accessHandler "github.com/jwalitptl/access-api/internal/handler/access"
	auditHandler "github.com/jwalitptl/access-api/internal/handler/audit"
	consentHandler "github.com/jwalitptl/access-api/internal/handler/consent"
	emergencyHandler "github.com/jwalitptl/access-api/internal/handler/emergency"
	"github.com/jwalitptl/access-api/internal/handler/health"
	referralHandler "github.com/jwalitptl/access-api/internal/handler/referral"
	siteHandler "github.com/jwalitptl/access-api/internal/handler/site"
	"github.com/jwalitptl/access-api/internal/handler/temporaryaccess"
	"github.com/jwalitptl/access-api/internal/middleware"
	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/internal/repository/memory"
	"github.com/jwalitptl/access-api/internal/repository/postgres"
	"github.com/jwalitptl/access-api/internal/router"
	"github.com/jwalitptl/access-api/internal/service/access"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/internal/service/consent"
	"github.com/jwalitptl/access-api/internal/service/directory"
	"github.com/jwalitptl/access-api/internal/service/emergency"
	"github.com/jwalitptl/access-api/internal/service/permission"
	"github.com/jwalitptl/access-api/internal/service/referral"
	"github.com/jwalitptl/access-api/internal/service/temporary"
	"github.com/jwalitptl/access-api/internal/worker"
	"github.com/jwalitptl/access-api/pkg/auth"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/messaging"
	"github.com/jwalitptl/access-api/pkg/messaging/redis"
	"github.com/jwalitptl/access-api/pkg/metrics"
	"github.com/jwalitptl/access-api/pkg/notify"
	"github.com/jwalitptl/access-api/pkg/validator"
	pkgworker "github.com/jwalitptl/access-api/pkg/worker"
)

type App struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Repos   repository.Repositories
	Broker  messaging.Broker

	Directory   *directory.Service
	Permissions *permission.Service
	Audit       *audit.Service
	Consents    *consent.Service
	Engine      *access.Engine
	Temporary   *temporary.Service
	Emergency   *emergency.Service
	Referrals   *referral.Service

	closers []func() error
}

// NewLogger builds the process logger: JSON in production, console output elsewhere.
// The level was checked by config validation.
func NewLogger(cfg *config.Config) *logger.Logger {
	level, _ := logger.ParseLevel(cfg.LogLevel)
	return logger.NewLogger(&logger.Config{
		Level:      level,
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		Console:    !cfg.IsProduction(),
	})
}

// New connects storage, upstreams and the broker for cfg.Database.Driver and wires every service.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.Default(),
	}

	var (
		patients access.PatientDirectory
		identity permission.IdentityProvider
		fixtures *upstream.Static
	)

	switch cfg.Database.Driver {
	case "memory":
		a.Repos = memory.NewRepositories()
		a.Broker = messaging.NewMemoryBroker()
		fixtures = upstream.NewStatic()
		if cfg.Upstream.FixturesPath != "" {
			static, err := upstream.LoadStatic(cfg.Upstream.FixturesPath)
			if err != nil {
				return nil, err
			}
			fixtures = static
		}
		patients, identity = fixtures, fixtures
	default:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Repos = postgres.NewRepositories(db)

		broker, err := redis.NewRedisBroker(ctx, redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			Group:        cfg.Redis.StreamGroup,
			MaxLen:       cfg.Redis.StreamMaxLen,
		}, log.Zerolog())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Broker = broker
	}
	a.closers = append(a.closers, a.Broker.Close)

	upstreamCfg := upstream.Config{
		Timeout:         cfg.Upstream.Timeout,
		BreakerFailures: cfg.Upstream.BreakerFailures,
		BreakerTimeout:  cfg.Upstream.BreakerTimeout,
	}
	if cfg.Upstream.PatientBaseURL != "" {
		c := upstreamCfg
		c.BaseURL = cfg.Upstream.PatientBaseURL
		patients = upstream.NewPatientClient(c, a.Metrics)
	}
	if cfg.Upstream.IdentityBaseURL != "" {
		c := upstreamCfg
		c.BaseURL = cfg.Upstream.IdentityBaseURL
		identity = upstream.NewIdentityClient(c, a.Metrics)
	}
	if patients == nil || identity == nil {
		a.Close()
		return nil, fmt.Errorf("upstream.patient_base_url and upstream.identity_base_url are required with the %s driver", cfg.Database.Driver)
	}

	v := validator.New()
	a.Directory = directory.NewService(a.Repos.Sites, cfg.Network.Settings(), cfg.Cache.SiteTTL, log.With("directory"))
	a.Permissions = permission.NewService(identity, a.Repos.Grants, cfg.Cache.ProfileTTL, log.With("permissions"))
	a.Audit = audit.NewService(a.Repos.Audit, log.With("audit"), a.Metrics)
	a.Consents = consent.NewService(a.Repos.Consents, a.Audit, v, log.With("consent"))
	a.Engine = access.NewEngine(a.Directory, a.Permissions, a.Consents, patients, a.Audit, a.Metrics, log.With("access"))
	a.Emergency = emergency.NewService(a.Directory, a.Permissions, a.Engine, a.Audit, a.Metrics, log.With("emergency"))
	a.Referrals = referral.NewService(a.Repos.Referrals, a.Directory, a.Engine, a.Audit, v,
		cfg.Referral.PendingTTL(), log.With("referral"))

	temp, err := temporary.NewService(temporary.Config{
		MinHours:          cfg.TemporaryAccess.MinHours,
		MaxHours:          cfg.TemporaryAccess.MaxHours,
		AutoApprovePolicy: cfg.TemporaryAccess.AutoApprovePolicy,
	}, a.Directory, a.Permissions, a.Audit,
		approval.NewSubmitter(a.Broker, cfg.Worker.ApprovalChannel),
		v, a.Metrics, log.With("temporary-access"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Temporary = temp

	if fixtures != nil {
		for _, site := range fixtures.Sites() {
			site := site
			if err := a.Directory.RegisterSite(ctx, &site); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to seed site %s: %w", site.ID, err)
			}
		}
	}
	return a, nil
}

// Router builds the HTTP surface over the wired services.
func (a *App) Router() *router.Router {
	cfg := a.Config
	tokens := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)

	healthH := health.NewHandler(map[string]health.Pinger{
		"database": a.Repos.Health,
	})
	handlers := []router.Handler{
		accessHandler.NewHandler(a.Engine),
		emergencyHandler.NewHandler(a.Emergency, a.Permissions),
		temporaryaccess.NewHandler(a.Temporary, a.Permissions),
		consentHandler.NewHandler(a.Consents, a.Permissions),
		referralHandler.NewHandler(a.Referrals, a.Permissions),
		siteHandler.NewHandler(a.Directory, a.Permissions),
		auditHandler.NewHandler(a.Audit, a.Permissions),
	}

	var limit rate.Limit
	if cfg.RateLimit.Enabled {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	}
	r := router.NewRouter(middleware.NewAuthMiddleware(tokens), healthH, handlers, a.Logger.With("http"), a.Metrics,
		router.RouterConfig{
			RateLimit:      limit,
			RateBurst:      cfg.RateLimit.Burst,
			RequestTimeout: cfg.Server.RequestTimeout,
			MaxBodySize:    cfg.Server.MaxBodyBytes,
			Release:        cfg.IsProduction(),
		})
	if cfg.ApprovalService.Secret != "" {
		workflow := auth.NewJWTService(cfg.ApprovalService.Secret, cfg.ApprovalService.Issuer, cfg.ApprovalService.Audience)
		r.WithServiceRoutes(middleware.NewAuthMiddleware(workflow), temporaryaccess.NewApprovalHandler(a.Temporary))
	}
	r.Setup()
	return r
}

// RunWorkers runs the outbox relay, the approval decision listener, the break-glass
// review notifier and the referral sweeper until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	cfg := a.Config
	g, ctx := errgroup.WithContext(ctx)

	relay := pkgworker.NewOutboxRelay(a.Repos.Outbox, a.Broker, pkgworker.RelayConfig{
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		RetryDelay:   cfg.Outbox.RetryDelay,
		Lease:        cfg.Outbox.Lease,
		Retention:    cfg.Outbox.Retention,
	}, a.Logger.With("outbox"), a.Metrics)
	g.Go(func() error {
		relay.Start(ctx)
		return nil
	})

	listener := approval.NewListener(a.Broker, cfg.Worker.ApprovalDecisionChan, func(ctx context.Context, d model.ApprovalDecision) error {
		_, err := a.Temporary.OnApprovalDecision(ctx, d)
		return err
	}, a.Logger)
	g.Go(func() error { return listener.Run(ctx) })

	var (
		sender     notify.Sender
		recipients []string
	)
	if cfg.SMTP.Host != "" {
		sender = notify.NewMailer(notify.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		recipients = cfg.Network.BreakGlassReviewRecipients
	}
	notifier := worker.NewReviewNotifier(a.Broker, sender, recipients, a.Logger)
	g.Go(func() error { return notifier.Run(ctx) })

	sweeper := worker.NewReferralExpiryWorker(a.Referrals, cfg.Worker.ReferralSweepInterval, cfg.Worker.ReferralSweepBatch,
		a.Logger.With("referral-sweeper"))
	g.Go(func() error {
		sweeper.Start(ctx)
		return nil
	})

	return g.Wait()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
