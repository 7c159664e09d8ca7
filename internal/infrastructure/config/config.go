package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Billing   BillingConfig
	Stripe    StripeConfig
	Authz     AuthzConfig
	Archive   ArchiveConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds settings for verifying bearer tokens issued by the identity service
type JWTConfig struct {
	Secret string
	Issuer string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSAllowOrigins  []string
	CORSAllowMethods  []string
	CORSAllowHeaders  []string
	TrustedProxies    []string
	InternalAPIToken  string // Shared secret for /internal hooks; empty disables the check
}

// BillingConfig holds entitlement engine settings
type BillingConfig struct {
	ReconcileCron        string        // Cron spec of the full reconciliation sweep
	ReconcileWorkers     int           // Workers draining the reconcile queue
	ReconcileQueueSize   int           // Capacity of the reconcile queue
	ReconcileJobTimeout  time.Duration // Timeout of one tenant reconciliation
	ReconcileParallelism int           // Parallel reconciliations during a sweep
	DriftTolerance       int64         // Largest drift corrected silently
	ScanBatchSize        int           // Items read per batch during reconciliation
	AdmissionTimeout     time.Duration // Admission deadline; expiry rejects the write
	ResolverCacheSize    int
	ResolverCacheTTL     time.Duration
	PolicyEditRetries    int           // Retries after a retryable policy write conflict
	PolicyRetryBackoff   time.Duration
	PlanProvider         string        // static or stripe
	PlanSKULimits        map[string]int64
	DefaultPlan          string
	NotifierBackend      string // redis or memory
	NotifierFallback     bool   // Fall back to in-process notification when Redis is down
}

// StripeConfig holds Stripe settings for reading purchased plans
type StripeConfig struct {
	SecretKey         string
	IsTestMode        bool
	PriceIDs          map[string]string // plan name -> Stripe Price ID
	TenantMetadataKey string
}

// AuthzConfig holds casbin authorization settings
type AuthzConfig struct {
	Mode       string // enforce, shadow, disabled
	ModelPath  string // Empty uses the built-in model
	PolicyPath string // Empty uses the built-in policy
}

// ArchiveConfig holds audit-log archive settings
type ArchiveConfig struct {
	Enabled         bool
	Backend         string // s3 or memory
	CronSpec        string
	Prefix          string
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	MetricsEnabled    bool    // Whether to export metrics
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	ExportInterval    time.Duration
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only, disable in prod for security)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with BILLING_ prefix (e.g., BILLING_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:   v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),
			MaxBodySize:       v.GetInt64("http.max_body_size"),
			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
			CORSAllowOrigins:  v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods:  v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders:  v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
			InternalAPIToken:  v.GetString("http.internal_api_token"),
		},
		Billing: BillingConfig{
			ReconcileCron:        v.GetString("billing.reconcile_cron"),
			ReconcileWorkers:     v.GetInt("billing.reconcile_workers"),
			ReconcileQueueSize:   v.GetInt("billing.reconcile_queue_size"),
			ReconcileJobTimeout:  v.GetDuration("billing.reconcile_job_timeout"),
			ReconcileParallelism: v.GetInt("billing.reconcile_parallelism"),
			DriftTolerance:       v.GetInt64("billing.drift_tolerance"),
			ScanBatchSize:        v.GetInt("billing.scan_batch_size"),
			AdmissionTimeout:     v.GetDuration("billing.admission_timeout"),
			ResolverCacheSize:    v.GetInt("billing.resolver_cache_size"),
			ResolverCacheTTL:     v.GetDuration("billing.resolver_cache_ttl"),
			PolicyEditRetries:    v.GetInt("billing.policy_edit_retries"),
			PolicyRetryBackoff:   v.GetDuration("billing.policy_retry_backoff"),
			PlanProvider:         v.GetString("billing.plan_provider"),
			PlanSKULimits:        readInt64Map(v, "billing.plan_sku_limits"),
			DefaultPlan:          v.GetString("billing.default_plan"),
			NotifierBackend:      v.GetString("billing.notifier_backend"),
			NotifierFallback:     v.GetBool("billing.notifier_fallback"),
		},
		Stripe: StripeConfig{
			SecretKey:         v.GetString("stripe.secret_key"),
			IsTestMode:        v.GetBool("stripe.is_test_mode"),
			PriceIDs:          v.GetStringMapString("stripe.price_ids"),
			TenantMetadataKey: v.GetString("stripe.tenant_metadata_key"),
		},
		Authz: AuthzConfig{
			Mode:       v.GetString("authz.mode"),
			ModelPath:  v.GetString("authz.model_path"),
			PolicyPath: v.GetString("authz.policy_path"),
		},
		Archive: ArchiveConfig{
			Enabled:         v.GetBool("archive.enabled"),
			Backend:         v.GetString("archive.backend"),
			CronSpec:        v.GetString("archive.cron_spec"),
			Prefix:          v.GetString("archive.prefix"),
			Bucket:          v.GetString("archive.bucket"),
			Endpoint:        v.GetString("archive.endpoint"),
			Region:          v.GetString("archive.region"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
			UsePathStyle:    v.GetBool("archive.use_path_style"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readInt64Map reads a table of integers such as [billing.plan_sku_limits]
func readInt64Map(v *viper.Viper, key string) map[string]int64 {
	raw := v.GetStringMap(key)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]int64, len(raw))
	for name := range raw {
		out[strings.ToLower(name)] = v.GetInt64(key + "." + name)
	}
	return out
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "billing-engine"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "billing"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "retail-visibility-platform"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 100
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	// CORS origins have no wildcard fallback; cross-origin requests stay blocked until configured.
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-Tenant-ID"}
	}

	if cfg.Billing.ReconcileCron == "" {
		cfg.Billing.ReconcileCron = "@every 15m"
	}
	if cfg.Billing.ReconcileWorkers == 0 {
		cfg.Billing.ReconcileWorkers = 2
	}
	if cfg.Billing.ReconcileQueueSize == 0 {
		cfg.Billing.ReconcileQueueSize = 1024
	}
	if cfg.Billing.ReconcileJobTimeout == 0 {
		cfg.Billing.ReconcileJobTimeout = 2 * time.Minute
	}
	if cfg.Billing.ReconcileParallelism == 0 {
		cfg.Billing.ReconcileParallelism = 4
	}
	if cfg.Billing.ScanBatchSize == 0 {
		cfg.Billing.ScanBatchSize = 500
	}
	if cfg.Billing.AdmissionTimeout == 0 {
		cfg.Billing.AdmissionTimeout = 2 * time.Second
	}
	if cfg.Billing.ResolverCacheSize == 0 {
		cfg.Billing.ResolverCacheSize = 10000
	}
	if cfg.Billing.ResolverCacheTTL == 0 {
		cfg.Billing.ResolverCacheTTL = 5 * time.Minute
	}
	if cfg.Billing.PolicyEditRetries == 0 {
		cfg.Billing.PolicyEditRetries = 3
	}
	if cfg.Billing.PolicyRetryBackoff == 0 {
		cfg.Billing.PolicyRetryBackoff = 25 * time.Millisecond
	}
	if cfg.Billing.PlanProvider == "" {
		cfg.Billing.PlanProvider = "static"
	}
	if len(cfg.Billing.PlanSKULimits) == 0 {
		cfg.Billing.PlanSKULimits = map[string]int64{
			"free":       50,
			"basic":      500,
			"pro":        5000,
			"enterprise": -1,
		}
	}
	if cfg.Billing.DefaultPlan == "" {
		cfg.Billing.DefaultPlan = "free"
	}
	if cfg.Billing.NotifierBackend == "" {
		cfg.Billing.NotifierBackend = "redis"
	}

	if cfg.Stripe.TenantMetadataKey == "" {
		cfg.Stripe.TenantMetadataKey = "tenant_id"
	}

	if cfg.Authz.Mode == "" {
		cfg.Authz.Mode = "enforce"
	}

	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = "s3"
	}
	if cfg.Archive.CronSpec == "" {
		cfg.Archive.CronSpec = "10 0 * * *"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "policy-audit"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "billing-engine"
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if err := c.Billing.validate(); err != nil {
		return err
	}

	switch c.Authz.Mode {
	case "enforce", "shadow", "disabled":
	default:
		return fmt.Errorf("authz.mode must be one of enforce, shadow, disabled, got %q", c.Authz.Mode)
	}

	if c.Billing.PlanProvider == "stripe" && c.Stripe.SecretKey == "" {
		return fmt.Errorf("stripe.secret_key is required when billing.plan_provider is stripe")
	}

	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "s3":
			if c.Archive.Bucket == "" {
				return fmt.Errorf("archive.bucket is required when the s3 archive is enabled")
			}
		case "memory":
		default:
			return fmt.Errorf("archive.backend must be s3 or memory, got %q", c.Archive.Backend)
		}
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.HTTP.InternalAPIToken == "" {
			return fmt.Errorf("http.internal_api_token is required in production")
		}
		if c.Authz.Mode == "disabled" {
			return fmt.Errorf("authz.mode cannot be 'disabled' in production")
		}
		if c.Billing.NotifierBackend == "memory" {
			return fmt.Errorf("billing.notifier_backend cannot be 'memory' in production (policy changes would not reach other replicas)")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

func (b *BillingConfig) validate() error {
	if b.DriftTolerance < 0 {
		return fmt.Errorf("billing.drift_tolerance cannot be negative")
	}
	if b.AdmissionTimeout < 0 {
		return fmt.Errorf("billing.admission_timeout cannot be negative")
	}
	if b.ReconcileWorkers < 0 || b.ReconcileQueueSize < 0 || b.ReconcileParallelism < 0 {
		return fmt.Errorf("billing reconcile workers, queue size and parallelism cannot be negative")
	}
	switch b.PlanProvider {
	case "static", "stripe":
	default:
		return fmt.Errorf("billing.plan_provider must be static or stripe, got %q", b.PlanProvider)
	}
	switch b.NotifierBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("billing.notifier_backend must be redis or memory, got %q", b.NotifierBackend)
	}
	if _, ok := b.PlanSKULimits[b.DefaultPlan]; !ok {
		return fmt.Errorf("billing.default_plan %q has no entry in billing.plan_sku_limits", b.DefaultPlan)
	}
	for plan, limit := range b.PlanSKULimits {
		if limit < -1 {
			return fmt.Errorf("billing.plan_sku_limits.%s must be -1 (unlimited) or non-negative", plan)
		}
	}
	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
