package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/internal/pipeline"
)

// runtime is an engine over the server's configured store and definitions.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *definition.Registry
	engine   *pipeline.Engine
	closers  []func()
}

func openRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "memory" {
		return nil, fmt.Errorf("store.driver is memory; there is no persisted board to inspect")
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, err
	}

	registry := definition.NewRegistry()
	if err := definition.NewReloader(registry, cfg.Pipelines.Directories, logger, nil).Reload(ctx); err != nil {
		return nil, err
	}

	store, closeStore, err := pipeline.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		engine: pipeline.NewEngine(registry, store,
			pipeline.WithLogger(logger),
			pipeline.WithConflictRetry(cfg.Automation.ConflictRetry),
		),
		closers: []func(){closeStore},
	}
	return rt, nil
}

// redis returns a client for the address held in addrEnv. The client is
// closed with the runtime.
func (rt *runtime) redis(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	rt.closers = append(rt.closers, func() { _ = c.Close() })
	return c, nil
}

// tenants returns the given tenant, or every loaded tenant when it is empty.
func (rt *runtime) tenants(tenant string) []string {
	if tenant != "" {
		return []string{tenant}
	}
	return rt.registry.Tenants()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	_ = rt.logger.Sync()
}
