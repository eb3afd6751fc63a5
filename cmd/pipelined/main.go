// Package main is the entry point for the pipeline server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/pipeline/internal/automation"
	"github.com/pitabwire/pipeline/internal/capability"
	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/internal/notify"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/internal/openapi"
	"github.com/pitabwire/pipeline/internal/pipeline"
	"github.com/pitabwire/pipeline/internal/transport"
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "pipelined", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Pipeline definitions. A server with no valid definitions refuses to start.
	registry := definition.NewRegistry()
	reloader := definition.NewReloader(registry, cfg.Pipelines.Directories, logger, metrics)
	if err := reloader.Reload(ctx); err != nil {
		logger.Error("pipeline definitions failed to load", zap.Error(err))
		return 1
	}

	doc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("OpenAPI document failed to load", zap.Error(err))
		return 1
	}

	store, closeStore, err := pipeline.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("card store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	lockClient, err := redisClient(cfg.Automation.Lock.AddrEnv, cfg.Automation.Lock.DB, cfg.Automation.Lock.Driver == "redis")
	if err != nil {
		logger.Error("sweep lock redis client failed", zap.Error(err))
		return 1
	}
	notifyClient, err := redisClient(cfg.Notification.Redis.AddrEnv, cfg.Notification.Redis.DB, cfg.Notification.Driver == "redis")
	if err != nil {
		logger.Error("notification redis client failed", zap.Error(err))
		return 1
	}
	defer closeRedis(lockClient, notifyClient)

	lock, err := automation.NewLock(cfg.Automation.Lock, lockClient)
	if err != nil {
		logger.Error("sweep lock initialization failed", zap.Error(err))
		return 1
	}
	notifier, err := notify.New(cfg.Notification, notify.Deps{Logger: logger, Metrics: metrics, Redis: notifyClient})
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	engine := pipeline.NewEngine(registry, store,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithConflictRetry(cfg.Automation.ConflictRetry),
	)
	scheduler := automation.NewScheduler(engine, lock, notifier, cfg.Automation, logger, metrics)

	policy, err := buildPolicy(cfg.Capability)
	if err != nil {
		logger.Error("capability policy failed to load", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(policy, cfg.Capability.CacheTTL)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Engine:             engine,
		Scheduler:          scheduler,
		Registry:           registry,
		Reloader:           reloader,
		Document:           doc,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Readiness: observability.ReadinessChecks{
			PipelinesLoaded: registry.Loaded,
			CardStore:       store,
			SweepLock:       lock,
			Notifier:        notifier,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	bg, bgCtx := errgroup.WithContext(bgCtx)

	if cfg.Automation.Enabled {
		bg.Go(func() error { return scheduler.Run(bgCtx) })
	}
	if cfg.Pipelines.HotReload {
		watcher := definition.NewWatcher(reloader, cfg.Pipelines.ReloadDebounce, logger)
		bg.Go(func() error { return watcher.Run(bgCtx) })
	}
	if cfg.Capability.StaticPolicyFile != "" {
		bg.Go(func() error {
			syncPolicy(bgCtx, policy, capResolver, cfg.Capability.CacheTTL, logger)
			return nil
		})
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("tenants", registry.Tenants()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("automation", cfg.Automation.Enabled),
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
	if err := bg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("background task failed", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// redisClient returns a client for the address held in addrEnv, or nil when
// the caller does not need one.
func redisClient(addrEnv string, db int, needed bool) (*redis.Client, error) {
	if !needed {
		return nil, nil
	}
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	return redis.NewClient(&redis.Options{Addr: addr, DB: db}), nil
}

func closeRedis(clients ...*redis.Client) {
	for _, c := range clients {
		if c != nil {
			_ = c.Close()
		}
	}
}

func buildPolicy(cfg config.CapabilityConfig) (*capability.StaticPolicy, error) {
	if cfg.StaticPolicyFile == "" {
		return capability.NewStaticPolicy(capability.DefaultPolicy()), nil
	}
	return capability.LoadStaticPolicy(cfg.StaticPolicyFile)
}

// syncPolicy re-reads the policy file every interval and drops cached
// capability sets after a successful read.
func syncPolicy(ctx context.Context, policy *capability.StaticPolicy, resolver *capability.Resolver, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := policy.Sync(); err != nil {
				logger.Warn("capability policy sync failed; keeping previous policy", zap.Error(err))
				continue
			}
			resolver.Flush()
		}
	}
}
