package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/config"
)

// OpenStore opens the card store selected by cfg.Driver, running migrations
// when cfg.AutoMigrate is set. The returned closer is never nil.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (CardStore, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory card store; cards are lost on restart")
		return NewMemoryCardStore(), func() {}, nil

	case "sqlite":
		store, err := OpenSQLiteCardStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("card store: %w", err)
		}
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, nil, fmt.Errorf("card store: migrate: %w", err)
			}
		}
		logger.Info("using sqlite card store", zap.String("path", cfg.SQLitePath))
		return store, func() { _ = store.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("card store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("card store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("card store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("card store: ping: %w", err)
		}

		store := NewPgCardStore(pool)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("card store: migrate: %w", err)
			}
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported card store driver: %q", cfg.Driver)
	}
}
