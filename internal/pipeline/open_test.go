package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pitabwire/pipeline/internal/config"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, closeStore, err := OpenStore(ctx, config.StoreConfig{Driver: "memory"}, nil)
		if err != nil {
			t.Fatalf("OpenStore() error: %v", err)
		}
		defer closeStore()
		if _, ok := store.(*MemoryCardStore); !ok {
			t.Errorf("store = %T, want *MemoryCardStore", store)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cards.db")
		store, closeStore, err := OpenStore(ctx, config.StoreConfig{Driver: "sqlite", SQLitePath: path, AutoMigrate: true}, nil)
		if err != nil {
			t.Fatalf("OpenStore() error: %v", err)
		}
		defer closeStore()
		if err := store.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck() error: %v", err)
		}
		if n, err := store.CountLive(ctx, "acme", "new"); err != nil || n != 0 {
			t.Errorf("CountLive() = %d, %v; want 0 on a migrated store", n, err)
		}
	})

	errs := []struct {
		name string
		cfg  config.StoreConfig
		want string
	}{
		{"postgres without dsn", config.StoreConfig{Driver: "postgres", DSNEnv: "PIPELINE_TEST_UNSET_DSN"}, "PIPELINE_TEST_UNSET_DSN"},
		{"sqlite without path", config.StoreConfig{Driver: "sqlite"}, "sqlite path is required"},
		{"unknown driver", config.StoreConfig{Driver: "mongo"}, "unsupported card store driver"},
	}
	for _, tt := range errs {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := OpenStore(ctx, tt.cfg, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("OpenStore() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
