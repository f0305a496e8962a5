// Package daemon assembles a scheduler instance from the daemon
// configuration: the SQLite history store, the Prometheus endpoint, NATS
// event publishing and one registered job per configured command.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	cronlock "git.home.luguber.info/inful/cronlock"
	"git.home.luguber.info/inful/cronlock/internal/config"
	"git.home.luguber.info/inful/cronlock/metrics"
	"git.home.luguber.info/inful/cronlock/notify"
	"git.home.luguber.info/inful/cronlock/store/sqlitestore"
)

const shutdownGrace = 30 * time.Second

// Daemon runs the scheduler described by a configuration file.
type Daemon struct {
	configPath string
	logger     *slog.Logger

	mu       sync.Mutex
	cfg      *config.Config
	registry *cronlock.Registry
	store    cronlock.Store
	notifier *notify.NATSNotifier
	metsrv   *http.Server
	watcher  *ConfigWatcher
}

// New creates a daemon from an already loaded configuration. configPath is
// kept for reload watching and may be empty to disable it.
func New(cfg *config.Config, configPath string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{configPath: configPath, cfg: cfg, logger: logger}
}

// Start brings up the store, observability endpoints and the registry, then
// begins scheduling.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opts := cronlock.Options{
		CollectionTTL: d.cfg.Database.TTLSeconds,
		UTC:           d.cfg.UTC,
		Logger:        d.logger,
	}

	if needsStore(d.cfg) {
		store, err := sqlitestore.Open(d.cfg.Database.Path, d.cfg.Database.Collection)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		d.store = store
		opts.Store = store
	}

	if d.cfg.Events.NATSURL != "" {
		notifier, err := notify.NewNATSNotifier(d.cfg.Events.NATSURL, d.cfg.Events.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("connect event publisher: %w", err)
		}
		d.notifier = notifier
		opts.Notifier = notifier
	}

	if d.cfg.Metrics.Enabled {
		reg := prom.NewRegistry()
		opts.Metrics = metrics.NewPrometheusRecorder(reg)
		d.startMetricsServer(reg)
	}

	d.registry = cronlock.New(opts)
	if err := addJobs(ctx, d.registry, d.cfg, d.logger); err != nil {
		return err
	}
	if err := d.registry.Start(ctx); err != nil {
		return err
	}

	if d.configPath != "" {
		watcher, err := NewConfigWatcher(d.configPath, d)
		if err != nil {
			d.logger.Warn("Config watching disabled", slog.Any("error", err))
		} else {
			d.watcher = watcher
			if err := watcher.Start(ctx); err != nil {
				d.logger.Warn("Config watching disabled", slog.Any("error", err))
				d.watcher = nil
			}
		}
	}
	return nil
}

// Reload applies a changed configuration: scheduling stops, in-flight
// firings drain, and the new job set starts. Store and endpoint settings
// cannot change without a restart.
func (d *Daemon) Reload(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg.Database != d.cfg.Database {
		return fmt.Errorf("database changes require a restart")
	}
	if cfg.Metrics != d.cfg.Metrics || cfg.Events != d.cfg.Events {
		return fmt.Errorf("metrics and events changes require a restart")
	}

	drainCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := d.registry.GracefulShutdown(drainCtx); err != nil {
		d.logger.Warn("Reload proceeding with firings still in flight", slog.Any("error", err))
	}
	d.registry.Stop()

	if err := addJobs(ctx, d.registry, cfg, d.logger); err != nil {
		return err
	}
	if err := d.registry.Start(ctx); err != nil {
		return err
	}
	d.cfg = cfg
	d.logger.Info("Configuration reloaded", slog.Int("jobs", len(cfg.Jobs)))
	return nil
}

// Stop drains firings and releases every resource the daemon owns.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher != nil {
		d.watcher.Stop()
	}
	var firstErr error
	if d.registry != nil {
		if err := d.registry.GracefulShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.metsrv != nil {
		if err := d.metsrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Registry exposes the running registry for status queries.
func (d *Daemon) Registry() *cronlock.Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry
}

func (d *Daemon) startMetricsServer(reg *prom.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := d.Registry().HealthCheck()
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	d.metsrv = &http.Server{Addr: d.cfg.Metrics.Listen, Handler: mux}
	go func() {
		d.logger.Info("Metrics endpoint listening", slog.String("addr", d.metsrv.Addr))
		if err := d.metsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("Metrics endpoint failed", slog.Any("error", err))
		}
	}()
}

func addJobs(ctx context.Context, reg *cronlock.Registry, cfg *config.Config, logger *slog.Logger) error {
	for _, jc := range cfg.Jobs {
		if jc.Disabled {
			logger.Info("Job disabled, skipping", slog.String("job", jc.Name))
			continue
		}
		sched, err := jc.Schedule()
		if err != nil {
			return fmt.Errorf("job %q: %w", jc.Name, err)
		}
		job := commandJob(jc.Command)
		if jc.TimeoutSeconds > 0 {
			job = cronlock.WithTimeout(job, time.Duration(jc.TimeoutSeconds)*time.Second)
		}
		if err := reg.Add(ctx, cronlock.JobConfig{
			Name:     jc.Name,
			Schedule: sched,
			Job:      job,
			Persist:  jc.Persist,
		}); err != nil {
			return err
		}
	}
	return nil
}

func needsStore(cfg *config.Config) bool {
	for _, jc := range cfg.Jobs {
		if jc.Disabled {
			continue
		}
		if jc.Persist == nil || *jc.Persist {
			return true
		}
	}
	return false
}
