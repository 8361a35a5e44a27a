package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/rentbill/pkg/api"
	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/config"
	"github.com/platinummonkey/rentbill/pkg/middleware"
	"github.com/platinummonkey/rentbill/pkg/notify"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/plans"
	"github.com/platinummonkey/rentbill/pkg/scheduler"
	"github.com/platinummonkey/rentbill/pkg/storage"
	"github.com/platinummonkey/rentbill/pkg/storage/postgres"
	"github.com/platinummonkey/rentbill/pkg/usage"
	"github.com/platinummonkey/rentbill/pkg/webhooks"
)

var version = "dev"

func main() {
	runOnce := flag.String("run-once", "", "Run a single scheduler job (expiry-sweep, usage-reset, expiry-warnings) and exit")
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(context.Background(), cfg, logger, *runOnce, *migrateOnly); err != nil {
		logger.WithError(err).Error("rentbill exited with error")
		os.Exit(1)
	}
}

// stores is the persistence wiring for one storage driver
type stores struct {
	db            *storage.DB
	subs          billing.Store
	plans         plans.Store
	unresolved    webhooks.UnresolvedRecorder
	lister        webhooks.UnresolvedLister
	healthDB      *storage.DB
	closeFn       func() error
	startHealthFn func(ctx context.Context)
}

func openStores(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*stores, error) {
	switch cfg.Driver {
	case storage.DriverPostgres:
		cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg), logger)
		if err != nil {
			return nil, err
		}
		db := cm.DB()
		return sqlStores(db, cm.Close, func(ctx context.Context) {
			go cm.StartHealthCheckRoutine(ctx, 30*time.Second)
		}), nil

	case storage.DriverSQLite:
		sqlDB, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		db := storage.NewDB(sqlDB, nil, storage.SQLite)
		return sqlStores(db, sqlDB.Close, nil), nil

	case storage.DriverMemory:
		logger.Warn("Using in-memory storage; state is lost on restart")
		recorder := webhooks.NewMemoryRecorder()
		return &stores{
			subs:       billing.NewMemoryStore(),
			plans:      plans.NewMemoryStore(),
			unresolved: recorder,
			lister:     recorder,
			closeFn:    func() error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
}

func sqlStores(db *storage.DB, closeFn func() error, startHealth func(context.Context)) *stores {
	recorder := webhooks.NewSQLRecorder(db)
	return &stores{
		db:            db,
		subs:          billing.NewSQLStore(db),
		plans:         plans.NewSQLStore(db),
		unresolved:    recorder,
		lister:        recorder,
		healthDB:      db,
		closeFn:       closeFn,
		startHealthFn: startHealth,
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger, runOnce string, migrateOnly bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.WithFields(map[string]interface{}{
		"version": version,
		"driver":  cfg.Storage.Driver,
	}).Info("Starting rentbill")

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	if cfg.Observability.OTelEnabled {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
		}
		metrics = metrics.WithOTel(otelMetrics)
	}

	st, err := openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer st.closeFn()

	if st.db != nil {
		applied, err := storage.Migrate(ctx, st.db, storage.Migrations())
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		if len(applied) > 0 {
			logger.WithField("versions", applied).Info("Applied database migrations")
		}
	}
	if migrateOnly {
		return nil
	}

	catalog := plans.NewCatalog(st.plans, plans.CatalogOptions{
		Size:    cfg.Plans.CacheSize,
		TTL:     cfg.Plans.CacheTTL,
		Metrics: metrics,
	})
	if cfg.Plans.SeedFile != "" {
		seed, err := plans.LoadSeedFile(cfg.Plans.SeedFile)
		if err != nil {
			return err
		}
		res, err := plans.Seed(ctx, catalog, seed)
		if err != nil {
			return fmt.Errorf("failed to seed plans: %w", err)
		}
		logger.WithFields(map[string]interface{}{
			"created": res.Created,
			"updated": res.Updated,
		}).Info("Seeded plan catalog")
	}

	var sink interface {
		notify.OrgStatusSink
		notify.Notifier
	} = notify.NewLogSink(logger)
	if cfg.Notify.URL != "" {
		sink = notify.NewHTTPClient(notify.HTTPClientOptions{
			URL:     cfg.Notify.URL,
			Secret:  cfg.Notify.Secret,
			Timeout: cfg.Notify.Timeout,
			Retry:   cfg.Notify.Retry,
			Logger:  logger,
			Metrics: metrics,
		})
	}

	svc := billing.NewService(st.subs, catalog, billing.ServiceOptions{
		Policy:   cfg.Billing,
		Sink:     sink,
		Notifier: sink,
		Logger:   logger,
		Metrics:  metrics,
	})

	sched := scheduler.New(st.subs, svc, sink, cfg.Scheduler.Config, scheduler.Options{
		Logger:  logger,
		Metrics: metrics,
	})
	if runOnce != "" {
		res, err := sched.Run(ctx, runOnce)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"job":       res.Job,
			"processed": res.Processed,
			"changed":   res.Changed,
			"failed":    res.Failed,
			"elapsed":   res.Elapsed.String(),
		}).Info("Job completed")
		return nil
	}

	limiter := usage.NewLimiter(st.subs, nil, usage.Options{Logger: logger, Metrics: metrics})

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
	}

	var idempotency webhooks.IdempotencyStore = webhooks.NewMemoryIdempotency(0, cfg.Webhook.IdempotencyTTL)
	if redisClient != nil {
		idempotency = webhooks.NewRedisIdempotency(redisClient, "rentbill:webhook", cfg.Webhook.IdempotencyTTL)
	}

	health := observability.NewHealthChecker(primaryOf(st.healthDB), redisClient).WithVersion(version)

	recorders := webhooks.MultiRecorder{st.unresolved, webhooks.NewLogRecorder(logger)}
	if cfg.Webhook.ArchiveToS3 {
		s3Client, err := postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		recorders = append(recorders, webhooks.BestEffort(webhooks.NewS3Archiver(s3Client, cfg.Storage.S3Prefix), logger))
		health.AddCheck("s3", false, s3Client.HealthCheck)
	}

	refs := webhooks.NewReferenceCodec(cfg.Checkout.ReferenceSecret)
	adapter := webhooks.NewAdapter(svc, webhooks.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance), refs, webhooks.AdapterOptions{
		Idempotency: idempotency,
		Recorder:    recorders,
		Logger:      logger,
		Metrics:     metrics,
	})

	opts := api.Options{
		Webhook:    webhooks.NewHandler(adapter),
		Unresolved: st.lister,
		AdminToken: cfg.Server.AdminToken,
		Health:     health,
		Logger:     logger,
		Metrics:    metrics,
	}
	if cfg.Observability.MetricsEnabled {
		opts.Registry = registry
	}
	if cfg.Checkout.BaseURL != "" {
		checkout, err := webhooks.NewCheckout(cfg.Checkout.BaseURL, refs, catalog, svc)
		if err != nil {
			return err
		}
		opts.Checkout = checkout
	}
	if cfg.RateLimit.Enabled {
		orgLimits := &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerMinute,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.RateLimit.Burst,
		}
		if cfg.RateLimit.Distributed && redisClient != nil {
			rl := middleware.NewDistributedRateLimitMiddleware(redisClient, orgLimits, middleware.DefaultRateLimitConfig(), logger)
			rl.SetFailOpen(true)
			opts.RateLimit = rl.Handler
			health.AddCheck("rate_limiter", false, rl.HealthCheck)
		} else {
			rl := middleware.NewRateLimitMiddleware(orgLimits, middleware.DefaultRateLimitConfig())
			rl.StartCleanup(ctx)
			opts.RateLimit = rl.Handler
		}
	}

	server := api.NewServer(svc, limiter, catalog, opts)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	g, gctx := errgroup.WithContext(ctx)

	if st.startHealthFn != nil {
		st.startHealthFn(gctx)
	}
	if cfg.Plans.SeedFile != "" && cfg.Plans.WatchSeed {
		watcher := plans.NewWatcher(cfg.Plans.SeedFile, catalog, cfg.Plans.WatchDelay, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		shutdown.Register("scheduler", sched.Stop)
	}

	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := shutdown.WaitForShutdown(gctx)
		cancel()
		return err
	})

	return g.Wait()
}

func primaryOf(db *storage.DB) *sql.DB {
	if db == nil {
		return nil
	}
	return db.Primary
}
