package definition

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/observability"
)

// Reloader re-reads definition directories into a Registry. Reloads are
// serialized; a failed reload leaves the registry untouched.
type Reloader struct {
	loader      *Loader
	registry    *Registry
	directories []string
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu sync.Mutex
}

// NewReloader creates a Reloader. metrics may be nil.
func NewReloader(registry *Registry, directories []string, logger *zap.Logger, metrics *observability.Metrics) *Reloader {
	return &Reloader{
		loader:      NewLoader(),
		registry:    registry,
		directories: directories,
		logger:      logger,
		metrics:     metrics,
	}
}

// Reload loads every definition and swaps it into the registry.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, span := observability.StartSpan(ctx, "pipeline.definitions.reload")
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	defs, err := r.loader.LoadAll(r.directories)
	if err != nil {
		err = fmt.Errorf("definition: load: %w", err)
		r.metrics.RecordDefinitionReload("failure")
		r.logger.Warn("pipeline definitions not reloaded", zap.Error(err))
		return err
	}

	if err = r.registry.Replace(defs); err != nil {
		r.metrics.RecordDefinitionReload("failure")
		r.logger.Warn("pipeline definitions rejected, keeping previous snapshot",
			zap.Error(err),
			zap.String("checksum", r.registry.Checksum()),
		)
		return err
	}

	tenants := r.registry.Tenants()
	r.metrics.RecordDefinitionReload("success")
	r.metrics.SetTenantsLoaded(len(tenants))
	r.logger.Info("pipeline definitions loaded",
		zap.Int("tenants", len(tenants)),
		zap.String("checksum", r.registry.Checksum()),
	)
	return nil
}
