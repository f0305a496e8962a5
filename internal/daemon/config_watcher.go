package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/cronlock/internal/config"
)

// ConfigWatcher reloads the daemon when its configuration file changes.
// Events are debounced so editors that write in several steps trigger a
// single reload.
type ConfigWatcher struct {
	configPath string
	daemon     *Daemon
	watcher    *fsnotify.Watcher

	stopOnce sync.Once
	stopChan chan struct{}
	debounce time.Duration
}

// NewConfigWatcher creates a watcher for the config file feeding the daemon.
func NewConfigWatcher(configPath string, daemon *Daemon) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &ConfigWatcher{
		configPath: absPath,
		daemon:     daemon,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
		debounce:   2 * time.Second,
	}, nil
}

// Start begins watching. The containing directory is watched rather than
// the file itself so rename-based saves keep working.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	slog.Info("Watching configuration", slog.String("path", cw.configPath))
	go cw.loop(ctx)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		_ = cw.watcher.Close()
	})
}

func (cw *ConfigWatcher) loop(ctx context.Context) {
	configFile := filepath.Base(cw.configPath)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Rename):
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(cw.debounce, func() { cw.reload(ctx) })
			case event.Op.Has(fsnotify.Remove):
				slog.Warn("Configuration file removed", slog.String("path", event.Name))
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", slog.Any("error", err))
		}
	}
}

// reload loads the file and applies it. A file that fails to load or apply
// leaves the running configuration untouched.
func (cw *ConfigWatcher) reload(ctx context.Context) {
	slog.Info("Reloading configuration", slog.String("path", cw.configPath))

	cfg, err := config.Load(cw.configPath)
	if err != nil {
		slog.Error("Reload aborted, configuration invalid", slog.Any("error", err))
		return
	}
	if err := cw.daemon.Reload(ctx, cfg); err != nil {
		slog.Error("Reload failed", slog.Any("error", err))
		return
	}
}
