package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/notify"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/scheduler"
	"github.com/platinummonkey/rentbill/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Billing       billing.Policy
	Webhook       WebhookConfig
	Checkout      CheckoutConfig
	Scheduler     SchedulerConfig
	Notify        NotifyConfig
	Plans         PlansConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// AdminToken guards the admin and plan routes with a bearer token
	AdminToken string
}

// Addr is the listen address for http.Server
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// WebhookConfig configures processor notification ingestion
type WebhookConfig struct {
	Secret         string
	Tolerance      time.Duration
	IdempotencyTTL time.Duration

	// ArchiveToS3 copies unresolved events to the storage S3 bucket
	ArchiveToS3 bool
}

// CheckoutConfig configures hosted checkout sessions
type CheckoutConfig struct {
	BaseURL         string
	ReferenceSecret string
}

// SchedulerConfig configures the reconciliation jobs
type SchedulerConfig struct {
	Enabled bool
	scheduler.Config
}

// NotifyConfig configures outbound delivery to the host application.
// An empty URL logs side effects instead.
type NotifyConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   notify.RetryConfig
}

// PlansConfig configures the plan catalog
type PlansConfig struct {
	SeedFile   string
	WatchSeed  bool
	CacheSize  int
	CacheTTL   time.Duration
	WatchDelay time.Duration
}

// RateLimitConfig configures API rate limiting
type RateLimitConfig struct {
	Enabled           bool
	Distributed       bool
	RequestsPerMinute int
	Burst             int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Billing:       loadBillingPolicy(),
		Webhook:       loadWebhookConfig(),
		Checkout:      loadCheckoutConfig(),
		Scheduler:     loadSchedulerConfig(),
		Notify:        loadNotifyConfig(),
		Plans:         loadPlansConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}
	cfg.Scheduler.WarningWindow = time.Duration(cfg.Billing.ExpiryWarningDays) * 24 * time.Hour

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RENTBILL_HOST", "0.0.0.0"),
		Port:            getEnv("RENTBILL_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RENTBILL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RENTBILL_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RENTBILL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RENTBILL_SHUTDOWN_TIMEOUT", 30*time.Second),
		AdminToken:      getEnv("RENTBILL_ADMIN_TOKEN", ""),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.Driver = getEnv("RENTBILL_STORAGE_DRIVER", cfg.Driver)
	cfg.SQLitePath = getEnv("RENTBILL_SQLITE_PATH", cfg.SQLitePath)

	cfg.PostgresURL = getEnv("RENTBILL_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("RENTBILL_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("RENTBILL_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("RENTBILL_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("RENTBILL_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	cfg.RedisURL = getEnv("RENTBILL_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("RENTBILL_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("RENTBILL_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if retries := getEnvInt("RENTBILL_REDIS_MAX_RETRIES", 0); retries > 0 {
		cfg.RedisMaxRetries = retries
	}
	if poolSize := getEnvInt("RENTBILL_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	cfg.S3Endpoint = getEnv("RENTBILL_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("RENTBILL_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("RENTBILL_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("RENTBILL_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("RENTBILL_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("RENTBILL_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)
	cfg.S3Prefix = getEnv("RENTBILL_S3_PREFIX", cfg.S3Prefix)

	return cfg
}

func loadBillingPolicy() billing.Policy {
	def := billing.DefaultPolicy()
	return billing.Policy{
		TrialDays:          getEnvInt("RENTBILL_TRIAL_DAYS", def.TrialDays),
		MaxFailedPayments:  getEnvInt("RENTBILL_MAX_FAILED_PAYMENTS", def.MaxFailedPayments),
		RenewalDays:        getEnvInt("RENTBILL_RENEWAL_DAYS", def.RenewalDays),
		LifetimeRevokeDays: getEnvInt("RENTBILL_LIFETIME_REVOKE_DAYS", def.LifetimeRevokeDays),
		ExpiryWarningDays:  getEnvInt("RENTBILL_EXPIRY_WARNING_DAYS", def.ExpiryWarningDays),
		MaxRetries:         getEnvInt("RENTBILL_MAX_TRANSITION_RETRIES", def.MaxRetries),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Secret:         getEnv("RENTBILL_WEBHOOK_SECRET", ""),
		Tolerance:      getEnvDuration("RENTBILL_WEBHOOK_TOLERANCE", 5*time.Minute),
		IdempotencyTTL: getEnvDuration("RENTBILL_WEBHOOK_IDEMPOTENCY_TTL", 72*time.Hour),
		ArchiveToS3:    getEnvBool("RENTBILL_WEBHOOK_ARCHIVE_S3", false),
	}
}

func loadCheckoutConfig() CheckoutConfig {
	return CheckoutConfig{
		BaseURL:         getEnv("RENTBILL_CHECKOUT_URL", ""),
		ReferenceSecret: getEnv("RENTBILL_CHECKOUT_REFERENCE_SECRET", ""),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	def := scheduler.DefaultConfig()
	return SchedulerConfig{
		Enabled: getEnvBool("RENTBILL_SCHEDULER_ENABLED", true),
		Config: scheduler.Config{
			ExpirySweepSpec:    getEnv("RENTBILL_EXPIRY_SWEEP_SCHEDULE", def.ExpirySweepSpec),
			UsageResetSpec:     getEnv("RENTBILL_USAGE_RESET_SCHEDULE", def.UsageResetSpec),
			ExpiryWarningsSpec: getEnv("RENTBILL_EXPIRY_WARNINGS_SCHEDULE", def.ExpiryWarningsSpec),
			Workers:            getEnvInt("RENTBILL_SCHEDULER_WORKERS", def.Workers),
			ItemTimeout:        getEnvDuration("RENTBILL_SCHEDULER_ITEM_TIMEOUT", def.ItemTimeout),
			PageSize:           getEnvInt("RENTBILL_SCHEDULER_PAGE_SIZE", def.PageSize),
		},
	}
}

func loadNotifyConfig() NotifyConfig {
	retry := notify.DefaultRetryConfig()
	retry.MaxAttempts = getEnvInt("RENTBILL_NOTIFY_MAX_ATTEMPTS", retry.MaxAttempts)
	retry.InitialDelay = getEnvDuration("RENTBILL_NOTIFY_INITIAL_DELAY", retry.InitialDelay)
	retry.MaxDelay = getEnvDuration("RENTBILL_NOTIFY_MAX_DELAY", retry.MaxDelay)
	return NotifyConfig{
		URL:     getEnv("RENTBILL_NOTIFY_URL", ""),
		Secret:  getEnv("RENTBILL_NOTIFY_SECRET", ""),
		Timeout: getEnvDuration("RENTBILL_NOTIFY_TIMEOUT", 10*time.Second),
		Retry:   retry,
	}
}

func loadPlansConfig() PlansConfig {
	return PlansConfig{
		SeedFile:   getEnv("RENTBILL_PLANS_FILE", ""),
		WatchSeed:  getEnvBool("RENTBILL_PLANS_WATCH", false),
		CacheSize:  getEnvInt("RENTBILL_PLAN_CACHE_SIZE", 256),
		CacheTTL:   getEnvDuration("RENTBILL_PLAN_CACHE_TTL", 5*time.Minute),
		WatchDelay: getEnvDuration("RENTBILL_PLANS_WATCH_DELAY", 500*time.Millisecond),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("RENTBILL_RATE_LIMIT_ENABLED", true),
		Distributed:       getEnvBool("RENTBILL_RATE_LIMIT_DISTRIBUTED", false),
		RequestsPerMinute: getEnvInt("RENTBILL_RATE_LIMIT_PER_MINUTE", 600),
		Burst:             getEnvInt("RENTBILL_RATE_LIMIT_BURST", 60),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("RENTBILL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("RENTBILL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("RENTBILL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("RENTBILL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("RENTBILL_OTEL_SERVICE_NAME", "rentbill"),
		OTelServiceVersion: getEnv("RENTBILL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("RENTBILL_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Webhook.ArchiveToS3 && c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required when webhook archiving is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.Distributed && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for distributed rate limiting")
	}

	if err := c.Billing.Validate(); err != nil {
		return err
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if c.Webhook.Tolerance < 0 {
		return fmt.Errorf("webhook tolerance must not be negative")
	}

	if c.Checkout.BaseURL != "" {
		u, err := url.Parse(c.Checkout.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("checkout URL must be an absolute http(s) URL: %q", c.Checkout.BaseURL)
		}
		if c.Checkout.ReferenceSecret == "" {
			return fmt.Errorf("checkout reference secret is required when checkout is enabled")
		}
	}

	if c.Scheduler.Enabled {
		specs := map[string]string{
			"expiry sweep":    c.Scheduler.ExpirySweepSpec,
			"usage reset":     c.Scheduler.UsageResetSpec,
			"expiry warnings": c.Scheduler.ExpiryWarningsSpec,
		}
		for name, spec := range specs {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
			}
		}
	}

	if c.Notify.URL != "" {
		if _, err := url.ParseRequestURI(c.Notify.URL); err != nil {
			return fmt.Errorf("invalid notify URL %q: %w", c.Notify.URL, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
