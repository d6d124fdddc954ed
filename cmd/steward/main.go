// Package main is the entry point for the steward governed execution server.
// It wires all dependencies together and starts the HTTP server, or runs the
// MCP stdio surface when invoked as "steward mcp".
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/contract"
	"github.com/pitabwire/steward/internal/events"
	"github.com/pitabwire/steward/internal/journey"
	"github.com/pitabwire/steward/internal/lifecycle"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/policy"
	"github.com/pitabwire/steward/internal/routing"
	"github.com/pitabwire/steward/internal/soa"
	"github.com/pitabwire/steward/internal/transport"
	"github.com/pitabwire/steward/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	mcpMode := flag.Arg(0) == "mcp"

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	machine := lifecycle.NewMachine(logger)
	if _, err := machine.Advance(ctx); err != nil { // not_started -> starting
		logger.Error("lifecycle start failed", zap.Error(err))
		return 1
	}

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "steward", version)
	if err != nil {
		machine.Crash(ctx, err)
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Policy snapshot.
	policies, err := policy.LoadSnapshot(cfg.Policy.File)
	if err != nil {
		machine.Crash(ctx, err)
		logger.Error("policy snapshot load failed", zap.Error(err))
		return 1
	}

	// Solution definitions: load, validate, build registry.
	loader := journey.NewLoader()
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		machine.Crash(ctx, err)
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	services := journey.NewServiceRegistry()
	// Service bindings are contributed by the embedding deployment; step
	// binding checks run again once services register.
	validator := journey.NewValidator()
	if verrs := validator.Validate(defs, nil); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		machine.Crash(ctx, fmt.Errorf("%d definition validation errors", len(verrs)))
		return 1
	}

	registry := journey.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(len(defs)))

	// Contract stores and sweeper.
	store, facts, storeCloser, err := buildContractStores(ctx, cfg.Contracts.Store, logger)
	if err != nil {
		machine.Crash(ctx, err)
		logger.Error("contract store initialization failed", zap.Error(err))
		return 1
	}

	clock := model.SystemClock{}
	manager := contract.NewManager(store, facts, clock, logger)
	manager.SetMetrics(metrics)
	sweeper := contract.NewSweeper(store, facts, clock, logger)
	sweeper.SetMetrics(metrics)

	// Journey event publisher.
	publisher, err := buildPublisher(ctx, cfg.Events, logger)
	if err != nil {
		machine.Crash(ctx, err)
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}

	// Journey engine.
	conds, err := journey.NewConditionEvaluator()
	if err != nil {
		machine.Crash(ctx, err)
		logger.Error("condition evaluator initialization failed", zap.Error(err))
		return 1
	}
	engine := journey.NewEngine(registry, services, policies, conds, publisher, clock, logger)
	engine.SetMetrics(metrics)

	// Intent routing: result cache and correlation store.
	results, resultsCloser := buildResultCache(cfg.Routing.ResultCache, clock, logger)
	correlations, corrCloser, err := buildCorrelationStore(ctx, cfg.Routing.Correlations, logger)
	if err != nil {
		machine.Crash(ctx, err)
		logger.Error("correlation store initialization failed", zap.Error(err))
		return 1
	}

	intentRouter := routing.NewRouter(registry, engine, correlations, results, clock, logger, cfg.Routing.ResultCache.ResultTTL)
	intentRouter.SetMetrics(metrics)

	deriver := soa.NewDeriver(engine)

	if mcpMode {
		return runMCP(ctx, cfg, machine, registry, deriver, metrics, logger)
	}

	// HTTP surface.
	verifier := transport.NewTokenVerifier(cfg.Identity, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.AllSolutions()) > 0 },
		LifecycleReady:    func() bool { return machine.State() == lifecycle.StateReady },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.ContractStore = hc
	}
	if hc, ok := any(publisher).(observability.HealthChecker); ok {
		readiness.EventPublisher = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: verifier.Middleware,
		Clock:        clock,
		IntentRouter: intentRouter,
		Registry:     registry,
		Deriver:      deriver,
		Contracts:    manager,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go sweeper.Run(bgCtx, cfg.Contracts.SweepInterval)

	// SIGHUP reloads solution definitions without a restart. A failed
	// reload leaves the running snapshot untouched.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-hup:
				reloadDefinitions(cfg, validator, registry, metrics, logger)
			}
		}
	}()

	if err := publisher.Connect(ctx); err != nil {
		logger.Warn("event publisher connect failed, events degraded", zap.Error(err))
	}

	if _, err := machine.Advance(ctx); err != nil { // starting -> ready
		machine.Crash(ctx, err)
		logger.Error("lifecycle ready failed", zap.Error(err))
		return 1
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("solutions", len(defs)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		machine.Crash(context.Background(), err)
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown: drain in-flight requests, then stop.
	if _, err := machine.Advance(context.Background()); err != nil { // ready -> draining
		logger.Error("lifecycle drain failed", zap.Error(err))
	}

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

	if err := publisher.Disconnect(shutdownCtx); err != nil {
		logger.Error("event publisher disconnect error", zap.Error(err))
	}
	if storeCloser != nil {
		storeCloser()
	}
	if corrCloser != nil {
		corrCloser()
	}
	if resultsCloser != nil {
		resultsCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	if _, err := machine.Advance(context.Background()); err != nil { // draining -> stopped
		logger.Error("lifecycle stop failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// reloadDefinitions re-reads the definition directories and swaps the
// registry snapshot in place. In-flight executions keep the snapshot they
// started with.
func reloadDefinitions(
	cfg *config.Config,
	validator *journey.Validator,
	registry *journey.Registry,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	defs, err := journey.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		metrics.RecordDefinitionReload("error")
		logger.Error("definition reload failed", zap.Error(err))
		return
	}
	if verrs := validator.Validate(defs, nil); len(verrs) > 0 {
		metrics.RecordDefinitionReload("error")
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return
	}

	registry.Replace(defs)
	metrics.SetDefinitionsLoaded(float64(len(defs)))
	metrics.RecordDefinitionReload("success")
	logger.Info("definitions reloaded", zap.Int("solutions", len(defs)))
}

// runMCP exposes every solution's derived APIs as MCP tools over stdio.
// The stdio surface has no JWT; tenant and caller are bound from the
// environment at startup.
func runMCP(
	ctx context.Context,
	cfg *config.Config,
	machine *lifecycle.Machine,
	registry *journey.Registry,
	deriver *soa.Deriver,
	metrics *observability.Metrics,
	logger *zap.Logger,
) int {
	tenantID := os.Getenv("STEWARD_MCP_TENANT_ID")
	callerID := os.Getenv("STEWARD_MCP_CALLER_ID")
	if tenantID == "" {
		machine.Crash(ctx, fmt.Errorf("STEWARD_MCP_TENANT_ID not set"))
		logger.Error("mcp mode requires STEWARD_MCP_TENANT_ID")
		return 1
	}

	name := cfg.MCP.Name
	if name == "" {
		name = "steward"
	}
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)

	registrar := soa.NewRegistrar(func(context.Context) *model.ExecutionContext {
		return &model.ExecutionContext{
			TenantID:     tenantID,
			CallerID:     callerID,
			Capabilities: model.CapabilitySet{"*": true},
			Clock:        model.SystemClock{},
		}
	}, logger)
	registrar.SetMetrics(metrics)

	target := soa.ServerAdapter{Server: server}
	for _, def := range registry.AllSolutions() {
		apis, err := deriver.DeriveAPIs(def)
		if err != nil {
			machine.Crash(ctx, err)
			logger.Error("api derivation failed", zap.String("solution", def.Solution), zap.Error(err))
			return 1
		}
		if err := registrar.RegisterSolution(target, def.Solution, apis); err != nil {
			machine.Crash(ctx, err)
			logger.Error("tool registration failed", zap.String("solution", def.Solution), zap.Error(err))
			return 1
		}
	}

	if _, err := machine.Advance(ctx); err != nil { // starting -> ready
		machine.Crash(ctx, err)
		return 1
	}

	logger.Info("mcp server started", zap.String("tenant_id", tenantID))
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		machine.Crash(context.Background(), err)
		logger.Error("mcp server error", zap.Error(err))
		return 1
	}

	machine.AdvanceTo(context.Background(), lifecycle.StateStopped)
	return 0
}

// buildContractStores creates the contract and fact stores based on config.
func buildContractStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (contract.Store, contract.FactStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory contract store")
		return contract.NewMemoryStore(), contract.NewMemoryFactStore(), nil, nil
	case "postgres":
		pool, err := connectPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("contract store: %w", err)
		}
		return contract.NewPgStore(pool), contract.NewPgFactStore(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported contract store driver: %q", cfg.Driver)
	}
}

// buildCorrelationStore creates the correlation store based on config.
func buildCorrelationStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (routing.CorrelationStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory correlation store")
		return routing.NewMemoryCorrelationStore(), nil, nil
	case "postgres":
		pool, err := connectPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("correlation store: %w", err)
		}
		return routing.NewPgCorrelationStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported correlation store driver: %q", cfg.Driver)
	}
}

// buildResultCache creates the journey result cache based on config.
func buildResultCache(cfg config.ResultCacheConfig, clock model.Clock, logger *zap.Logger) (routing.ResultCache, func()) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			logger.Warn("result cache address not configured, using in-memory cache")
			return routing.NewMemoryResultCache(clock), nil
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return routing.NewRedisResultCache(client), func() { client.Close() }
	default:
		logger.Info("using in-memory result cache")
		return routing.NewMemoryResultCache(clock), nil
	}
}

// buildPublisher creates the journey event publisher based on config.
func buildPublisher(_ context.Context, cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory event publisher")
		return events.NewMemoryPublisher(), nil
	case "nats":
		url := os.Getenv(cfg.URLEnv)
		if url == "" {
			return nil, fmt.Errorf("events: %s environment variable not set", cfg.URLEnv)
		}
		return events.NewNATSPublisher(url, logger), nil
	default:
		return nil, fmt.Errorf("unsupported events driver: %q", cfg.Driver)
	}
}

// connectPool opens and pings a pgx pool from a DSN-bearing env variable.
func connectPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
