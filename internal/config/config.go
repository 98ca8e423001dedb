package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/logger"
)

type Config struct {
	Env             string                `mapstructure:"env"`
	LogLevel        string                `mapstructure:"log_level"`
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Redis           RedisConfig           `mapstructure:"redis"`
	JWT             JWTConfig             `mapstructure:"jwt"`
	ApprovalService JWTConfig             `mapstructure:"approval_service"`
	Network         NetworkConfig         `mapstructure:"network"`
	TemporaryAccess TemporaryAccessConfig `mapstructure:"temporary_access"`
	Referral        ReferralConfig        `mapstructure:"referral"`
	Upstream        UpstreamConfig        `mapstructure:"upstream"`
	Cache           CacheConfig           `mapstructure:"cache"`
	RateLimit       RateLimitConfig       `mapstructure:"rate_limit"`
	SMTP            SMTPConfig            `mapstructure:"smtp"`
	Outbox          OutboxConfig          `mapstructure:"outbox"`
	Worker          WorkerConfig          `mapstructure:"worker"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN tags connections with application_name so audit-table locks are attributable in pg_stat_activity.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=access-api",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	StreamGroup  string        `mapstructure:"stream_group"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

type NetworkConfig struct {
	EmergencyAccessEnabled     bool     `mapstructure:"emergency_access_enabled"`
	BreakGlassAuditRequired    bool     `mapstructure:"break_glass_audit_required"`
	BreakGlassDurationHours    int      `mapstructure:"break_glass_duration_hours"`
	BreakGlassAccessLevel      string   `mapstructure:"break_glass_access_level"`
	BreakGlassReviewRecipients []string `mapstructure:"break_glass_review_recipients"`
}

// Settings converts the network section into directory settings.
func (c NetworkConfig) Settings() model.NetworkSettings {
	return model.NetworkSettings{
		EmergencyAccessEnabled:  c.EmergencyAccessEnabled,
		BreakGlassAuditRequired: c.BreakGlassAuditRequired,
		BreakGlassDuration:      time.Duration(c.BreakGlassDurationHours) * time.Hour,
		BreakGlassAccessLevel:   model.AccessLevel(c.BreakGlassAccessLevel),
	}
}

type TemporaryAccessConfig struct {
	MinHours          int    `mapstructure:"min_hours"`
	MaxHours          int    `mapstructure:"max_hours"`
	AutoApprovePolicy string `mapstructure:"auto_approve_policy"`
}

type ReferralConfig struct {
	PendingTTLHours int `mapstructure:"pending_ttl_hours"`
}

func (c ReferralConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLHours) * time.Hour
}

type UpstreamConfig struct {
	PatientBaseURL  string        `mapstructure:"patient_base_url"`
	IdentityBaseURL string        `mapstructure:"identity_base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	// FixturesPath points the memory driver at a JSON file of sites, patients and users.
	FixturesPath string `mapstructure:"fixtures_path"`
}

type CacheConfig struct {
	SiteTTL    time.Duration `mapstructure:"site_ttl"`
	ProfileTTL time.Duration `mapstructure:"profile_ttl"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type OutboxConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	Lease        time.Duration `mapstructure:"lease"`
	Retention    time.Duration `mapstructure:"retention"`
}

type WorkerConfig struct {
	ReferralSweepInterval time.Duration `mapstructure:"referral_sweep_interval"`
	ReferralSweepBatch    int           `mapstructure:"referral_sweep_batch"`
	ApprovalChannel       string        `mapstructure:"approval_channel"`
	ApprovalDecisionChan  string        `mapstructure:"approval_decision_channel"`
}

// envOverrides are secrets and endpoints taken from ACCESS_* variables.
type envOverrides struct {
	Env                   string `envconfig:"ENV"`
	LogLevel              string `envconfig:"LOG_LEVEL"`
	DBHost                string `envconfig:"DB_HOST"`
	DBPort                int    `envconfig:"DB_PORT"`
	DBUser                string `envconfig:"DB_USER"`
	DBPassword            string `envconfig:"DB_PASSWORD"`
	DBName                string `envconfig:"DB_NAME"`
	RedisURL              string `envconfig:"REDIS_URL"`
	JWTSecret             string `envconfig:"JWT_SECRET"`
	ApprovalServiceSecret string `envconfig:"APPROVAL_SERVICE_SECRET"`
	SMTPPassword          string `envconfig:"SMTP_PASSWORD"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.stream_group", "access-api")
	v.SetDefault("redis.stream_max_len", 100000)
	v.SetDefault("jwt.issuer", "access-api")
	v.SetDefault("approval_service.issuer", "approval-workflow")
	v.SetDefault("approval_service.audience", "access-api")
	v.SetDefault("network.emergency_access_enabled", false)
	v.SetDefault("network.break_glass_audit_required", true)
	v.SetDefault("network.break_glass_duration_hours", 24)
	v.SetDefault("network.break_glass_access_level", string(model.AccessLevelReadOnly))
	v.SetDefault("temporary_access.min_hours", 1)
	v.SetDefault("temporary_access.max_hours", 720)
	v.SetDefault("temporary_access.auto_approve_policy",
		`request.reason in ["coverage", "transfer"] && request.type == "site" && actor.role in site.preauthorized_roles`)
	v.SetDefault("referral.pending_ttl_hours", 72)
	v.SetDefault("upstream.timeout", 5*time.Second)
	v.SetDefault("upstream.breaker_failures", 5)
	v.SetDefault("upstream.breaker_timeout", 30*time.Second)
	v.SetDefault("cache.site_ttl", 5*time.Minute)
	v.SetDefault("cache.profile_ttl", 5*time.Second)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.retry_delay", 500*time.Millisecond)
	v.SetDefault("outbox.lease", 30*time.Second)
	v.SetDefault("outbox.retention", 7*24*time.Hour)
	v.SetDefault("worker.referral_sweep_interval", time.Minute)
	v.SetDefault("worker.referral_sweep_batch", 200)
	v.SetDefault("worker.approval_channel", "access.approval.requests")
	v.SetDefault("worker.approval_decision_channel", "access.approval.decisions")
}

// LoadConfig reads config.yml from the usual locations, or from path when set,
// then applies ACCESS_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("access", &env); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	if env.Env != "" {
		cfg.Env = env.Env
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.DBHost != "" {
		cfg.Database.Host = env.DBHost
	}
	if env.DBPort != 0 {
		cfg.Database.Port = env.DBPort
	}
	if env.DBUser != "" {
		cfg.Database.User = env.DBUser
	}
	if env.DBPassword != "" {
		cfg.Database.Password = env.DBPassword
	}
	if env.DBName != "" {
		cfg.Database.Name = env.DBName
	}
	if env.RedisURL != "" {
		cfg.Redis.URL = env.RedisURL
	}
	if env.JWTSecret != "" {
		cfg.JWT.Secret = env.JWTSecret
	}
	if env.ApprovalServiceSecret != "" {
		cfg.ApprovalService.Secret = env.ApprovalServiceSecret
	}
	if env.SMTPPassword != "" {
		cfg.SMTP.Password = env.SMTPPassword
	}
	return nil
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.ApprovalService.Secret != "" && c.ApprovalService.Secret == c.JWT.Secret {
		return fmt.Errorf("approval_service.secret must differ from jwt.secret")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.TemporaryAccess.MinHours < 1 || c.TemporaryAccess.MaxHours < c.TemporaryAccess.MinHours {
		return fmt.Errorf("temporary_access hours out of range: %d-%d", c.TemporaryAccess.MinHours, c.TemporaryAccess.MaxHours)
	}
	if c.Network.BreakGlassDurationHours < 1 {
		return fmt.Errorf("network.break_glass_duration_hours must be positive")
	}
	if !model.AccessLevel(c.Network.BreakGlassAccessLevel).IsValid() {
		return fmt.Errorf("network.break_glass_access_level %q is not a valid access level", c.Network.BreakGlassAccessLevel)
	}
	if err := c.Network.Settings().Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
