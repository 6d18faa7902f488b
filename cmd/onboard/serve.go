package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/aventus/onboarding/internal/capability"
	"github.com/aventus/onboarding/internal/config"
	"github.com/aventus/onboarding/internal/definition"
	"github.com/aventus/onboarding/internal/events"
	"github.com/aventus/onboarding/internal/idempotency"
	"github.com/aventus/onboarding/internal/lock"
	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/internal/openapi"
	"github.com/aventus/onboarding/internal/transport"
	"github.com/aventus/onboarding/internal/workflow"
	"github.com/aventus/onboarding/model"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	if code := run(ctx, cmd.String("config"), cmd.String("log-level")); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func run(ctx context.Context, configPath, logLevel string) int {
	// Step 1: Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "onboard", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Load and validate the step catalog.
	registry, err := loadCatalog(cfg.Definitions.CatalogFile, logger)
	if err != nil {
		logger.Error("catalog load failed", zap.Error(err))
		return 1
	}
	metrics.SetCatalogSteps(float64(len(registry.Steps())))

	// Step 4: Load the embedded OpenAPI document.
	oaIndex, err := openapi.Load()
	if err != nil {
		logger.Error("OpenAPI document load failed", zap.Error(err))
		return 1
	}

	// Step 5: Connect backing stores.
	store, storeCloser, err := buildContractorStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("contractor store initialization failed", zap.Error(err))
		return 1
	}
	defer storeCloser()

	redisClient, err := buildRedisClient(ctx, cfg)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return 1
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	locker := buildLocker(cfg.Lock, redisClient, logger)
	idemStore := buildIdempotencyStore(cfg.Idempotency, redisClient, logger)

	bus, err := events.Open(cfg.Events, events.NewZapLogger(logger))
	if err != nil {
		logger.Error("event bus initialization failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("event bus close failed", zap.Error(err))
		}
	}()

	// Step 6: Capability resolution.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	logger.Info("capability policy loaded", zap.Strings("roles", evaluator.Roles()))
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL,
		capability.WithObserver(metrics),
		capability.WithMaxEntries(cfg.Capability.Cache.MaxEntries),
	)

	// Step 7: Workflow service.
	tracker := workflow.NewTracker(registry, workflow.WithStrictOrder(cfg.Workflow.StrictOrder))
	service := workflow.NewService(tracker, store,
		workflow.WithLocker(locker),
		workflow.WithPublisher(bus.Publisher),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	// Step 8: Build the HTTP router.
	signingKey := cfg.Identity.SigningKey()
	if len(signingKey) == 0 {
		logger.Error("JWT signing key not set", zap.String("env", cfg.Identity.SigningKeyEnv))
		return 1
	}

	readiness := observability.ReadinessChecks{
		CatalogLoaded: func() bool { return len(registry.BusinessTypes()) > 0 },
		OpenAPILoaded: func() bool { return len(oaIndex.Operations()) > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.ContractorStore = hc
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}
	if cfg.Lock.Driver == "redis" {
		readiness.Lock = observability.HealthCheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, signingKey),
		CapabilityResolver: capResolver,
		Catalog:            registry,
		Service:            service,
		OpenAPI:            oaIndex,
		Idempotency:        idemStore,
		Metrics:            metrics,
		Gatherer:           prometheus.DefaultGatherer,
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go watchReload(bgCtx, reloadTargets{
		catalogPath: cfg.Definitions.CatalogFile,
		registry:    registry,
		policy:      evaluator,
		resolver:    capResolver,
	}, metrics, logger)
	if bus.Subscriber != nil {
		go logEvents(bgCtx, bus, logger)
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("catalog", registry.Source()),
		zap.String("catalog_checksum", registry.Checksum()),
		zap.String("store", cfg.Workflow.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.String("events", cfg.Events.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadCatalog loads the catalog at path (builtin when empty) and refuses to
// return a registry for a catalog that fails validation.
func loadCatalog(path string, logger *zap.Logger) (*definition.Registry, error) {
	catalog, err := readValidCatalog(path, logger)
	if err != nil {
		return nil, err
	}
	return definition.NewRegistry(catalog), nil
}

func readValidCatalog(path string, logger *zap.Logger) (definition.Catalog, error) {
	catalog, err := definition.NewLoader().Load(path)
	if err != nil {
		return definition.Catalog{}, err
	}
	if verrs := definition.NewValidator().Validate(catalog); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("catalog validation error",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("message", ve.Message),
			)
		}
		return definition.Catalog{}, fmt.Errorf("catalog %s has %d validation errors", catalog.SourceFile, len(verrs))
	}
	return catalog, nil
}

// reloadTargets are refreshed together on SIGHUP.
type reloadTargets struct {
	catalogPath string
	registry    *definition.Registry
	policy      *capability.StaticPolicyEvaluator
	resolver    *capability.Resolver
}

// watchReload calls reload on every SIGHUP until ctx is done.
func watchReload(ctx context.Context, targets reloadTargets, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reload(targets, metrics, logger)
		}
	}
}

// reload swaps in a freshly read catalog and capability policy. Either one
// that fails to load or validate leaves its current version in place.
func reload(targets reloadTargets, metrics *observability.Metrics, logger *zap.Logger) {
	if catalog, err := readValidCatalog(targets.catalogPath, logger); err != nil {
		metrics.RecordCatalogReload("failure")
		logger.Error("catalog reload rejected", zap.Error(err))
	} else {
		targets.registry.Replace(catalog)
		metrics.RecordCatalogReload("success")
		metrics.SetCatalogSteps(float64(len(catalog.Steps)))
		logger.Info("catalog reloaded",
			zap.String("source", catalog.SourceFile),
			zap.String("checksum", catalog.Checksum),
		)
	}

	if targets.policy == nil {
		return
	}
	if err := targets.policy.Sync(); err != nil {
		logger.Error("capability policy reload rejected", zap.Error(err))
		return
	}
	if targets.resolver != nil {
		targets.resolver.Purge()
	}
	logger.Info("capability policy reloaded", zap.Strings("roles", targets.policy.Roles()))
}

// logEvents drains the in-process event bus into the debug log.
func logEvents(ctx context.Context, bus *events.Bus, logger *zap.Logger) {
	err := events.Consume(ctx, bus.Subscriber, bus.Topic, func(_ context.Context, evt model.WorkflowEvent) error {
		logger.Debug("workflow event",
			zap.String("event_id", evt.ID),
			zap.String("event", evt.Event),
			zap.String("tenant_id", evt.TenantID),
			zap.String("contractor_id", evt.ContractorID),
		)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("event consumer stopped", zap.Error(err))
	}
}

// buildContractorStore creates the contractor store selected by cfg.Driver.
// The returned closer is never nil.
func buildContractorStore(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (workflow.ContractorStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory contractor store")
		return workflow.NewMemoryContractorStore(), func() {}, nil
	case "postgres":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := workflow.EnsureSchema(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return workflow.NewPgContractorStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported contractor store driver: %q", cfg.Driver)
	}
}

func openPool(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("contractor store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("contractor store: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("contractor store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("contractor store: ping: %w", err)
	}
	return pool, nil
}

// buildRedisClient connects to redis when the lock or idempotency driver
// needs it. Returns nil otherwise.
func buildRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	needed := cfg.Lock.Driver == "redis" ||
		(cfg.Idempotency.Enabled && cfg.Idempotency.Driver == "redis")
	if !needed {
		return nil, nil
	}

	addr := cfg.Redis.Addr()
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.Redis.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

func buildLocker(cfg config.LockConfig, client *redis.Client, logger *zap.Logger) lock.Locker {
	if cfg.Driver == "redis" {
		logger.Info("using redis contractor lock", zap.String("prefix", cfg.Prefix))
		return lock.NewRedisLocker(client, cfg.Prefix,
			lock.WithTTL(cfg.TTL),
			lock.WithRetryInterval(cfg.RetryInterval),
			lock.WithLogger(logger),
		)
	}
	return lock.NewMemoryLocker()
}

func buildIdempotencyStore(cfg config.IdempotencyConfig, client *redis.Client, logger *zap.Logger) idempotency.Store {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Driver == "redis" {
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(client)
	}
	logger.Info("using in-memory idempotency store")
	return idempotency.NewMemoryStore()
}
