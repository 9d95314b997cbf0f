package proxy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-radio-proxy/internal/config"
)

// reloadDelay coalesces the burst of events editors emit when saving
const reloadDelay = 200 * time.Millisecond

// WatchConfig reloads the configuration whenever the file at path changes,
// until ctx is done. The parent directory is watched so atomic
// rename-on-save still triggers.
func (s *Server) WatchConfig(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	target, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name, err := filepath.Abs(event.Name)
				if err != nil || name != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					pending = time.After(reloadDelay)
				}
			case <-pending:
				pending = nil
				s.reloadFrom(ctx, target)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.Errorf("Config watcher error: %v", err)
			}
		}
	}()

	logrus.Infof("Watching %s for changes", target)
	return nil
}

func (s *Server) reloadFrom(ctx context.Context, path string) {
	cfg, err := config.Load(path)
	if err != nil {
		logrus.Errorf("Failed to reload config: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logrus.Errorf("Invalid configuration, not reloading: %v", err)
		return
	}

	logrus.Infof("Configuration changed, installing cache version %s", cfg.Cache.Version)
	if err := s.Reload(ctx, cfg); err != nil {
		logrus.Errorf("Reload failed: %v", err)
	}
}
