package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/cache"
	"github.com/platinummonkey/entitle/pkg/catalog"
	"github.com/platinummonkey/entitle/pkg/config"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/jobs"
	"github.com/platinummonkey/entitle/pkg/middleware"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/plans"
	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/storage"
	"github.com/platinummonkey/entitle/pkg/storage/postgres"
	"github.com/platinummonkey/entitle/pkg/tenants"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := setupLogger(cfg.Observability.LogLevel.String())
	log.WithField("version", version).Info("Starting entitlement server")

	if err := run(cfg, log); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
	log.Info("Server stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTelConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	shutdown.Register("otel", otelProviders.Shutdown)

	conns, err := postgres.NewConnectionManager(ctx, cfg.Database.ConnectionConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	shutdown.Register("database", func(context.Context) error { return conns.Close() })
	db := conns.Primary()
	log.WithField("replicas", len(cfg.Database.ReplicaURLs)).Info("Connected to database")

	if cfg.Database.AutoMigrate {
		if err := storage.Migrate(ctx, db, logger); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	var redisClient *redis.Client
	if cfg.Observability.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Observability.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	var readCache *cache.Cache
	if cfg.Cache.Enabled {
		readCache = cache.New(cache.Config{TTL: cfg.Cache.TTL, Size: cfg.Cache.Size}, metrics)
	}

	dbSink, err := audit.NewDBLogger(db)
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	sinks := []audit.Logger{dbSink}
	if cfg.Audit.FilePath != "" {
		fileSink, err := audit.NewFileLogger(audit.FileConfig{
			Path:       cfg.Audit.FilePath,
			MaxSizeMB:  cfg.Audit.FileMaxSizeMB,
			MaxBackups: 7,
			MaxAgeDays: 30,
			Compress:   true,
		})
		if err != nil {
			return fmt.Errorf("failed to create audit file logger: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	if redisClient != nil && cfg.Audit.RedisStream != "" {
		sinks = append(sinks, audit.NewRedisLogger(redisClient, cfg.Audit.RedisStream, cfg.Audit.StreamMaxLen))
	}
	dispatcher := audit.NewDispatcher(audit.NewMultiLogger(sinks...), audit.DispatcherConfig{
		Timeout:     cfg.Audit.Timeout,
		MaxInFlight: cfg.Audit.MaxInFlight,
	}, logger, metrics)
	shutdown.Register("audit", func(ctx context.Context) error {
		return dispatcher.Close(remaining(ctx, cfg.Audit.Timeout))
	})

	catalogStore := catalog.NewStore(conns.Replica())
	tenantStore := tenants.NewStore()

	rbacService := rbac.NewService(db, rbac.NewStore(), rbac.Deps{
		Catalog: catalogStore,
		Tenants: tenantStore,
		Cache:   readCache,
		Audit:   dispatcher,
		Logger:  logger,
		Metrics: metrics,
	})
	tenantService := tenants.NewService(db, tenantStore)

	planDeps := plans.Deps{
		Catalog: catalogStore,
		Cache:   readCache,
		Audit:   dispatcher,
		Logger:  logger,
		Metrics: metrics,
	}
	planStore := plans.NewStore()
	lifecycle := plans.NewLifecycle(db, planStore, planDeps)
	synchronizer := plans.NewSynchronizer(db, planStore, rbac.NewStore(), tenantStore, planDeps)

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics),
	)
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		middleware.RequestInfo,
		middleware.Principal(auth.NewResolver(conns.Replica(), logger), logger),
	)
	if cfg.Throttle.Enabled && redisClient != nil {
		throttle := middleware.NewWriteThrottle(redisClient, middleware.ThrottleConfig{
			Requests: int(cfg.Throttle.Requests),
			Window:   cfg.Throttle.Window,
		}, logger)
		api.Use(throttle.Handler)
	}
	rbac.NewHandlers(rbacService).RegisterRoutes(api)
	tenants.NewHandlers(tenantService).RegisterRoutes(api)
	plans.NewHandlers(lifecycle, synchronizer).RegisterRoutes(api)

	opsRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(opsRouter, observability.NewHealthChecker(db, redisClient, version))
	observability.RegisterMetricsEndpoint(opsRouter, registry)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "entitled"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	opsServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     opsRouter,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	if cfg.Scheduler.Enabled {
		scheduler := jobs.NewScheduler(logger, 0)
		if err := scheduler.AddResync(cfg.Scheduler.ResyncSpec, cfg.Scheduler.ResyncPlans, lifecycle, synchronizer); err != nil {
			return err
		}
		if err := scheduler.AddAuditRetention(cfg.Scheduler.RetentionSpec, cfg.Audit.RetentionDays, dbSink); err != nil {
			return err
		}
		scheduler.Start()
		shutdown.Register("scheduler", scheduler.Stop)
		log.WithField("jobs", scheduler.Entries()).Info("Scheduler started")
	}

	shutdown.Register("ops-server", opsServer.Shutdown)
	shutdown.Register("api-server", apiServer.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", apiServer.Addr).Info("API server listening")
		return serve(apiServer)
	})
	g.Go(func() error {
		log.WithField("addr", opsServer.Addr).Info("Health and metrics server listening")
		return serve(opsServer)
	})
	if metrics != nil {
		g.Go(func() error {
			collectDBStats(gctx, conns, metrics, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s failed: %w", srv.Addr, err)
	}
	return nil
}

func collectDBStats(ctx context.Context, conns *postgres.ConnectionManager, metrics *observability.Metrics, logger *observability.Logger) {
	defer observability.RecoverPanic(logger, "db-stats")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateDBStats(conns.Primary().Stats())
		}
	}
}

// remaining returns the time left before ctx's deadline, capped at limit
func remaining(ctx context.Context, limit time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}
	if left := time.Until(deadline); left < limit {
		return left
	}
	return limit
}
