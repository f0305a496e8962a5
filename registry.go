package cronlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/cronlock/internal/logfields"
	"git.home.luguber.info/inful/cronlock/internal/timer"
	"git.home.luguber.info/inful/cronlock/metrics"
	"git.home.luguber.info/inful/cronlock/notify"
	"git.home.luguber.info/inful/cronlock/schedule"
)

const (
	// DefaultCollectionTTL is the history retention applied when Options
	// leaves CollectionTTL zero: two days.
	DefaultCollectionTTL = 172800

	// MinCollectionTTL is the smallest accepted retention. Settings below
	// it disable expiry with a logged warning.
	MinCollectionTTL = 300
)

// JobConfig describes one recurring job.
type JobConfig struct {
	// Name uniquely identifies the job across all cooperating instances.
	Name string

	Schedule schedule.Schedule

	Job JobFunc

	// Persist controls cross-instance coordination and history recording.
	// Nil means true. When false the job runs unconditionally on every
	// instance at every firing and leaves no history.
	Persist *bool

	// OnError is invoked after a failed execution. Panics inside it are
	// contained and logged.
	OnError func(err error, intendedAt time.Time)
}

func (c JobConfig) persist() bool { return c.Persist == nil || *c.Persist }

// Options configures a Registry.
type Options struct {
	// Store is the shared record store. Required unless every registered
	// job sets Persist to false.
	Store Store

	// CollectionTTL is history retention in seconds. Zero means
	// DefaultCollectionTTL; values below MinCollectionTTL disable expiry
	// with a logged warning.
	CollectionTTL int

	// UTC selects UTC for all wall-clock arithmetic (alignment boundaries,
	// midnight, daily times). The default is the local zone; UTC is
	// recommended for production, since local-zone DST transitions make
	// "every N days, aligned" days 23 or 25 hours long.
	UTC bool

	Logger   *slog.Logger
	Metrics  metrics.Recorder
	Notifier notify.Notifier

	// Clock is swappable for tests.
	Clock clockwork.Clock

	// MaxConsecutiveFailures trips a job's timer circuit breaker. Zero
	// means 3.
	MaxConsecutiveFailures int
}

func (o Options) withDefaults() Options {
	if o.CollectionTTL == 0 {
		o.CollectionTTL = DefaultCollectionTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NoopRecorder{}
	}
	if o.Notifier == nil {
		o.Notifier = notify.Noop{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// jobEntry is the registry-owned state of one job. The timer handle is
// present only while the job is scheduled.
type jobEntry struct {
	config JobConfig
	handle *timer.Handle
	paused bool
}

// Registry owns the per-instance job table and drives the lifecycle:
// idle -> running (Start) -> idle (Pause/Stop). Each job additionally has
// an orthogonal paused flag that survives Pause/Start cycles.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*jobEntry
	running bool

	initMu      sync.Mutex
	initialized bool

	workers *workerGroup
	coord   *coordinator
}

// New creates an idle registry.
func New(opts Options) *Registry {
	o := opts.withDefaults()
	return &Registry{
		opts:    o,
		entries: make(map[string]*jobEntry),
		workers: &workerGroup{},
		coord: &coordinator{
			store:    o.Store,
			logger:   o.Logger,
			clock:    o.Clock,
			metrics:  o.Metrics,
			notifier: o.Notifier,
		},
	}
}

// Add registers a job; new entries start unpaused. When the registry is
// running the job is scheduled immediately.
//
// Called from inside a job body, the addition takes effect immediately
// while the in-flight firing completes.
func (r *Registry) Add(ctx context.Context, cfg JobConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: job name is empty", ErrInvalidSchedule)
	}
	if cfg.Job == nil {
		return fmt.Errorf("cronlock: job %q has no function", cfg.Name)
	}
	if cfg.Schedule == nil {
		return fmt.Errorf("%w: job %q has no schedule", ErrInvalidSchedule, cfg.Name)
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return fmt.Errorf("job %q: %w", cfg.Name, err)
	}
	if cfg.persist() && r.opts.Store == nil {
		return fmt.Errorf("cronlock: job %q persists but no store is configured", cfg.Name)
	}

	r.mu.Lock()
	if _, ok := r.entries[cfg.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrJobAlreadyExists, cfg.Name)
	}
	entry := &jobEntry{config: cfg}
	r.entries[cfg.Name] = entry
	running := r.running
	r.mu.Unlock()

	if !running {
		return nil
	}

	// Late additions on a running instance may be the first persist job.
	if err := r.ensureInit(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[cfg.Name]; ok && r.running && !e.paused && e.handle == nil {
		r.scheduleLocked(e)
	}
	return nil
}

// Remove cancels the job's timer and drops it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	r.stopEntryLocked(entry)
	delete(r.entries, name)
	r.opts.Metrics.SetScheduledJobs(r.scheduledCountLocked())
	return nil
}

// PauseJob cancels the job's timer and marks it paused. The flag survives
// instance-level Pause/Start cycles.
func (r *Registry) PauseJob(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	r.stopEntryLocked(entry)
	entry.paused = true
	r.opts.Metrics.SetScheduledJobs(r.scheduledCountLocked())
	return nil
}

// ResumeJob clears the paused flag and reschedules when the instance is
// running.
func (r *Registry) ResumeJob(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	entry.paused = false
	if r.running && entry.handle == nil {
		r.scheduleLocked(entry)
	}
	return nil
}

// IsJobPaused reports the paused flag; unknown names report false.
func (r *Registry) IsJobPaused(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	return ok && entry.paused
}

// Start initializes the store (once) and schedules every non-paused job.
// Idempotent.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.ensureInit(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.workers.Reset()
	for _, entry := range r.entries {
		if !entry.paused && entry.handle == nil {
			r.scheduleLocked(entry)
		}
	}
	r.opts.Logger.Info("Scheduler started",
		slog.Int("jobs", len(r.entries)),
		slog.Int("scheduled", r.scheduledCountLocked()))
	return nil
}

// Pause cancels every timer but keeps all entries; the instance returns to
// idle. Per-job paused flags are preserved.
func (r *Registry) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseLocked()
}

func (r *Registry) pauseLocked() {
	for _, entry := range r.entries {
		r.stopEntryLocked(entry)
	}
	if r.running {
		r.opts.Logger.Info("Scheduler paused")
	}
	r.running = false
	r.opts.Metrics.SetScheduledJobs(0)
}

// Stop pauses and discards all entries.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseLocked()
	r.entries = make(map[string]*jobEntry)
}

// GracefulShutdown pauses scheduling and waits for in-flight firings until
// ctx expires. On expiry the remaining count is logged and the context
// error returned; the stragglers run to completion in the background.
func (r *Registry) GracefulShutdown(ctx context.Context) error {
	r.Pause()

	if err := r.workers.StopAndWait(ctx); err != nil {
		r.opts.Logger.Warn("Graceful shutdown expired with firings in flight",
			slog.Int("in_flight", r.workers.Active()),
			logfields.Error(err))
		return err
	}
	r.opts.Logger.Info("Scheduler shut down")
	return nil
}

// IsRunning reports the instance state.
func (r *Registry) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// JobNames returns the registered names in no particular order.
func (r *Registry) JobNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// NextScheduledAt computes the job's next firing instant from the current
// clock. ok is false when the job is unknown or its schedule cannot
// currently be evaluated.
func (r *Registry) NextScheduledAt(name string) (next time.Time, ok bool) {
	r.mu.Lock()
	entry, exists := r.entries[name]
	var sched schedule.Schedule
	if exists {
		sched = entry.config.Schedule
	}
	r.mu.Unlock()

	if !exists {
		return time.Time{}, false
	}
	next, err := schedule.Next(sched, r.opts.Clock.Now(), r.opts.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

// ensureInit prepares the history collection exactly once per registry:
// unique lease index plus TTL expiry. Failures are retried on the next
// initializing call.
func (r *Registry) ensureInit(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.initialized || r.opts.Store == nil {
		r.initialized = true
		return nil
	}

	ttl := r.opts.CollectionTTL
	if ttl < MinCollectionTTL {
		r.opts.Logger.Warn("History TTL below minimum, expiry disabled",
			slog.Int("ttl_seconds", ttl),
			slog.Int("min_seconds", MinCollectionTTL))
		ttl = 0
	}

	if err := r.opts.Store.EnsureIndexes(ctx, ttl); err != nil {
		return fmt.Errorf("initialize history store: %w", err)
	}
	r.initialized = true
	return nil
}

// scheduleLocked arms the job's recurring timer. Caller holds r.mu.
func (r *Registry) scheduleLocked(entry *jobEntry) {
	cfg := firingConfig{
		name:    entry.config.Name,
		job:     entry.config.Job,
		persist: entry.config.persist(),
		onError: entry.config.OnError,
	}
	sched := entry.config.Schedule
	name := cfg.name

	nextFn := func(now time.Time) (time.Time, error) {
		return schedule.Next(sched, now, r.opts.UTC)
	}
	execFn := func(intendedAt time.Time) {
		// Firings run off the timer goroutine so a slow job never delays
		// its own next scheduling; overlap is possible by design.
		r.workers.Go(func() {
			r.coord.runFiring(context.Background(), cfg, intendedAt)
		})
	}

	entry.handle = timer.Recurring(nextFn, execFn, &timer.Options{
		Clock:                  r.opts.Clock,
		Logger:                 r.opts.Logger,
		MaxConsecutiveFailures: r.opts.MaxConsecutiveFailures,
		OnSchedule: func(next time.Time) {
			r.opts.Logger.Debug("Firing scheduled",
				logfields.Job(name),
				logfields.NextRunAt(next))
		},
		OnError: func(err error) {
			r.opts.Logger.Warn("Scheduling failure",
				logfields.Job(name),
				logfields.Error(err))
		},
		OnCircuitBreak: func(err error) {
			r.opts.Logger.Error("Job timer stopped by circuit breaker",
				logfields.Job(name),
				logfields.Error(err))
			r.opts.Metrics.IncCircuitBreak(name)
			if perr := r.opts.Notifier.Publish(context.Background(), notify.Event{
				Type:      notify.EventCircuitOpen,
				Job:       name,
				Timestamp: r.opts.Clock.Now(),
				Error:     err.Error(),
			}); perr != nil {
				r.opts.Logger.Debug("Event publish failed", logfields.Job(name), logfields.Error(perr))
			}
		},
	})
	r.opts.Metrics.SetScheduledJobs(r.scheduledCountLocked())
}

// stopEntryLocked cancels the entry's timer if armed. Caller holds r.mu.
func (r *Registry) stopEntryLocked(entry *jobEntry) {
	if entry.handle != nil {
		entry.handle.Stop()
		entry.handle = nil
	}
}

func (r *Registry) scheduledCountLocked() int {
	n := 0
	for _, entry := range r.entries {
		if entry.handle != nil {
			n++
		}
	}
	return n
}
