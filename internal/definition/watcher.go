package definition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher triggers a debounced Reload whenever a YAML file under the
// watched directories is written, created, renamed or removed.
type Watcher struct {
	reloader *Reloader
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a Watcher. A non-positive debounce defaults to 500ms.
func NewWatcher(reloader *Reloader, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{reloader: reloader, debounce: debounce, logger: logger}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("definition: creating watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	for _, dir := range w.reloader.directories {
		if err := addTree(fw, dir); err != nil {
			return fmt.Errorf("definition: watching %s: %w", dir, err)
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = addTree(fw, event.Name)
				}
			}
			if !isYAML(event.Name) || (event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.logger.Info("pipeline definition change detected", zap.String("file", event.Name))
				_ = w.reloader.Reload(ctx)
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("definition watcher error", zap.Error(err))
		}
	}
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
