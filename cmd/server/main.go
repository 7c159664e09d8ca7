package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/auth"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/authz"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/billing"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/cache"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/config"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/logger"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/persistence"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/scheduler"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/storage"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/telemetry"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/handler"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/middleware"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/router"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

//	@title			Billing Entitlement API
//	@version		1.0
//	@description	Tenant SKU entitlement and billing policy engine

//	@BasePath	/api/v1

//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Bearer token authentication. Format: "Bearer {token}"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(logger.FromAppConfig(cfg.Log))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting billing engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	metrics, err := telemetry.NewBillingMetrics(meterProvider.Meter("billing-engine"), log)
	if err != nil {
		log.Fatal("Failed to create billing metrics", zap.Error(err))
	}

	// Database
	db, err := persistence.NewDatabase(ctx, &cfg.Database, persistence.DatabaseOptions{
		Logger:        log,
		LogLevel:      cfg.Log.Level,
		SlowThreshold: cfg.Telemetry.DBSlowQueryThresh,
		Tracing: telemetry.DBTracingConfig{
			Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
			LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
			SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		},
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	store := persistence.NewGormEntitlementStore(db.DB, persistence.DefaultItemProjectionTable)

	// Change notifications
	notifier, err := cache.NewChangeNotifier(cfg.Billing.NotifierBackend, cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Billing.NotifierFallback, log)
	if err != nil {
		log.Fatal("Failed to create change notifier", zap.Error(err))
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			log.Error("Error closing change notifier", zap.Error(err))
		}
	}()

	plans, defaultPlan, err := newPlanProvider(cfg, log)
	if err != nil {
		log.Fatal("Failed to create plan provider", zap.Error(err))
	}

	// Services
	seriesCache := cache.NewPolicySeriesCache(
		cache.WithSeriesCacheSize(cfg.Billing.ResolverCacheSize),
		cache.WithSeriesCacheTTL(cfg.Billing.ResolverCacheTTL),
		cache.WithSeriesCacheLogger(log),
	)
	resolver := appent.NewPolicyResolver(store, log,
		appent.WithSeriesCache(seriesCache),
		appent.WithResolverMetrics(metrics),
	)
	if err := notifier.Subscribe(ctx, resolver.HandleChange, entitlement.TopicPolicyChanged); err != nil {
		log.Fatal("Failed to subscribe resolver to policy changes", zap.Error(err))
	}

	policyService := appent.NewPolicyService(store, resolver, notifier, log, appent.PolicyServiceConfig{
		MaxRetries:   cfg.Billing.PolicyEditRetries,
		RetryBackoff: cfg.Billing.PolicyRetryBackoff,
	}, appent.WithMetrics(metrics))
	counterService := appent.NewCounterService(store, resolver, plans, notifier, log, appent.CounterServiceConfig{
		DriftTolerance:       cfg.Billing.DriftTolerance,
		ScanBatchSize:        cfg.Billing.ScanBatchSize,
		ReconcileParallelism: cfg.Billing.ReconcileParallelism,
		ReconcileTimeout:     cfg.Billing.ReconcileJobTimeout,
		DefaultPlan:          defaultPlan,
	}, appent.WithMetrics(metrics))
	enforcer := appent.NewQuotaEnforcer(store, counterService, notifier, log, appent.QuotaEnforcerConfig{
		AdmissionTimeout: cfg.Billing.AdmissionTimeout,
	}, appent.WithMetrics(metrics))
	evaluator := appent.NewItemEvaluator(store, resolver, counterService, enforcer, log)

	// Schedulers
	reconciler := scheduler.NewReconcileScheduler(scheduler.ReconcileSchedulerConfig{
		CronSpec:      cfg.Billing.ReconcileCron,
		Workers:       cfg.Billing.ReconcileWorkers,
		QueueSize:     cfg.Billing.ReconcileQueueSize,
		JobTimeout:    cfg.Billing.ReconcileJobTimeout,
		DeferredSlack: time.Second,
	}, counterService, notifier, log)
	reconciler.SetWorkClaims(cache.NewWorkClaims(notifier, log))
	counterService.SetReconcileTrigger(reconciler.Trigger)
	if err := reconciler.Start(ctx); err != nil {
		log.Fatal("Failed to start reconcile scheduler", zap.Error(err))
	}

	var archiver *scheduler.AuditArchiveScheduler
	if cfg.Archive.Enabled {
		archiveStore, err := newArchiveStore(ctx, cfg, log)
		if err != nil {
			log.Fatal("Failed to create audit archive store", zap.Error(err))
		}
		archiver = scheduler.NewAuditArchiveScheduler(scheduler.AuditArchiveConfig{
			CronSpec: cfg.Archive.CronSpec,
			Prefix:   cfg.Archive.Prefix,
		}, policyService, archiveStore, log)
		if err := archiver.Start(ctx); err != nil {
			log.Fatal("Failed to start audit archive scheduler", zap.Error(err))
		}
	}

	// Authorization
	authorizer, err := authz.NewAuthorizer(cfg.Authz)
	if err != nil {
		log.Fatal("Failed to create authorizer", zap.Error(err))
	}
	log.Info("Authorization configured", zap.String("mode", string(authorizer.Mode())))

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Fatal("Failed to set trusted proxies", zap.Error(err))
	}

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	corsConfig.AllowMethods = cfg.HTTP.CORSAllowMethods
	corsConfig.AllowHeaders = cfg.HTTP.CORSAllowHeaders
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"}

	engine.Use(
		middleware.RequestID(),
		logger.Recovery(log),
		middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
		}),
		middleware.SpanErrorMarker(),
		middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
			MeterProvider: meterProvider,
			Enabled:       cfg.Telemetry.MetricsEnabled,
			Logger:        log,
		}),
		logger.GinMiddleware(log),
		middleware.SecureWithConfig(middleware.DefaultSecurityConfig()),
		middleware.CORSWithConfig(corsConfig),
		middleware.BodyLimit(cfg.HTTP.MaxBodySize),
	)

	security := router.Security{
		Verifier:      auth.NewJWTService(cfg.JWT),
		Decider:       authorizer,
		Members:       resolver,
		InternalToken: cfg.HTTP.InternalAPIToken,
		Logger:        log,
	}
	if cfg.HTTP.RateLimitEnabled {
		security.Limiter = middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow))
	}

	checks := map[string]handler.HealthCheck{"database": db.Ping}
	if pinger, ok := notifier.(interface{ Ping(context.Context) error }); ok {
		checks["redis"] = pinger.Ping
	}

	router.SetupBilling(engine, router.Handlers{
		Policy:        handler.NewPolicyHandler(policyService, resolver),
		TenantBilling: handler.NewTenantBillingHandler(counterService),
		Pool:          handler.NewOrganizationPoolHandler(counterService),
		Internal:      handler.NewInternalBillingHandler(evaluator, enforcer),
		System:        handler.NewSystemHandler(cfg.App.Name, version, checks),
	}, security, router.WithAPIVersion("v1"))

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if archiver != nil {
		if err := archiver.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping audit archive scheduler", zap.Error(err))
		}
	}
	if err := reconciler.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping reconcile scheduler", zap.Error(err))
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down meter provider", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracer provider", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// newPlanProvider builds the configured plan provider and the plan used when it is unreachable
func newPlanProvider(cfg *config.Config, log *zap.Logger) (entitlement.PlanProvider, entitlement.Plan, error) {
	catalog, err := billing.NewPlanCatalog(cfg.Billing.PlanSKULimits, cfg.Billing.DefaultPlan)
	if err != nil {
		return nil, entitlement.Plan{}, err
	}

	switch cfg.Billing.PlanProvider {
	case "stripe":
		provider, err := billing.NewStripePlanProvider(&billing.StripeConfig{
			SecretKey:         cfg.Stripe.SecretKey,
			IsTestMode:        cfg.Stripe.IsTestMode,
			PriceIDs:          cfg.Stripe.PriceIDs,
			TenantMetadataKey: cfg.Stripe.TenantMetadataKey,
		}, catalog, log)
		if err != nil {
			return nil, entitlement.Plan{}, err
		}
		log.Info("Using Stripe plan provider")
		return provider, catalog.Default(), nil
	case "static":
		log.Info("Using static plan provider", zap.String("default_plan", catalog.Default().Name))
		return billing.NewStaticPlanProvider(catalog, map[uuid.UUID]string{}), catalog.Default(), nil
	}
	return nil, entitlement.Plan{}, fmt.Errorf("unknown plan provider %q", cfg.Billing.PlanProvider)
}

// newArchiveStore builds the object store that receives archived audit days
func newArchiveStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (scheduler.ArchiveStore, error) {
	if cfg.Archive.Backend == "memory" {
		log.Warn("Audit archive uses in-memory storage; archived days are lost on restart")
		return storage.NewMemoryArchiveStore(), nil
	}
	s3Store, err := storage.NewS3ArchiveStore(&cfg.Archive, storage.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if err := s3Store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure archive bucket: %w", err)
	}
	return s3Store, nil
}
