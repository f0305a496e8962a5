package cronlock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"git.home.luguber.info/inful/cronlock/schedule"
)

// statusHistoryLimit bounds the history window used for per-job stats.
const statusHistoryLimit = 100

// RunStats summarizes the most recent completed firings of a job.
type RunStats struct {
	TotalRuns       int
	SuccessCount    int
	ErrorCount      int
	AverageDuration time.Duration
}

// JobStatus is a point-in-time view of one job on this instance, combined
// with its recent shared history.
type JobStatus struct {
	Name        string
	IsScheduled bool
	IsPaused    bool
	NextRunAt   *time.Time
	LastRun     *HistoryRecord
	Stats       RunStats
}

// MetricsSnapshot is the registry's instance-local counters.
type MetricsSnapshot struct {
	IsRunning         bool
	JobCount          int
	ScheduledJobCount int
	PausedJobCount    int
	RunningJobCount   int
}

// HealthReport aggregates instance state with a list of textual issues.
type HealthReport struct {
	Healthy bool
	Metrics MetricsSnapshot
	Issues  []string
}

// JobStatus synthesizes the job's status from registry state and its most
// recent history rows. This is the one status call that touches the store.
func (r *Registry) JobStatus(ctx context.Context, name string) (*JobStatus, error) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	status := &JobStatus{
		Name:        name,
		IsScheduled: entry.handle != nil,
		IsPaused:    entry.paused,
	}
	sched := entry.config.Schedule
	persist := entry.config.persist()
	r.mu.Unlock()

	if next, err := schedule.Next(sched, r.opts.Clock.Now(), r.opts.UTC); err == nil {
		status.NextRunAt = &next
	}

	if persist && r.opts.Store != nil {
		rows, err := r.opts.Store.FindRecent(ctx, name, statusHistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history for %q: %w", name, err)
		}
		if len(rows) > 0 {
			last := rows[0]
			status.LastRun = &last
		}
		status.Stats = computeStats(rows)
	}

	return status, nil
}

// AllJobStatuses returns statuses for every registered job, sorted by name.
func (r *Registry) AllJobStatuses(ctx context.Context) ([]JobStatus, error) {
	names := r.JobNames()
	sort.Strings(names)

	statuses := make([]JobStatus, 0, len(names))
	for _, name := range names {
		st, err := r.JobStatus(ctx, name)
		if err != nil {
			// Jobs removed between listing and lookup are skipped.
			continue
		}
		statuses = append(statuses, *st)
	}
	return statuses, nil
}

// computeStats aggregates completed rows; in-flight rows count toward
// TotalRuns only.
func computeStats(rows []HistoryRecord) RunStats {
	stats := RunStats{TotalRuns: len(rows)}

	var total time.Duration
	completed := 0
	for _, row := range rows {
		if !row.Completed() {
			continue
		}
		completed++
		total += row.Duration()
		if row.Error == "" {
			stats.SuccessCount++
		} else {
			stats.ErrorCount++
		}
	}
	if completed > 0 {
		stats.AverageDuration = total / time.Duration(completed)
	}
	return stats
}

// Metrics returns instance-local counters. Non-blocking; never touches the
// store.
func (r *Registry) Metrics() MetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := MetricsSnapshot{
		IsRunning:       r.running,
		JobCount:        len(r.entries),
		RunningJobCount: r.workers.Active(),
	}
	for _, entry := range r.entries {
		if entry.handle != nil {
			snap.ScheduledJobCount++
		}
		if entry.paused {
			snap.PausedJobCount++
		}
	}
	return snap
}

// HealthCheck inspects instance state without touching the store. Issues
// cover jobs that should be scheduled but have no timer, and jobs whose
// next instant cannot be computed.
func (r *Registry) HealthCheck() HealthReport {
	r.mu.Lock()
	type probe struct {
		name      string
		scheduled bool
		paused    bool
		sched     schedule.Schedule
	}
	probes := make([]probe, 0, len(r.entries))
	for name, entry := range r.entries {
		probes = append(probes, probe{
			name:      name,
			scheduled: entry.handle != nil,
			paused:    entry.paused,
			sched:     entry.config.Schedule,
		})
	}
	running := r.running
	r.mu.Unlock()

	report := HealthReport{Metrics: r.Metrics()}

	now := r.opts.Clock.Now()
	for _, p := range probes {
		if running && !p.paused && !p.scheduled {
			report.Issues = append(report.Issues,
				fmt.Sprintf("job %q is not scheduled while the instance is running", p.name))
		}
		if _, err := schedule.Next(p.sched, now, r.opts.UTC); err != nil {
			report.Issues = append(report.Issues,
				fmt.Sprintf("job %q: cannot compute next run: %v", p.name, err))
		}
	}
	sort.Strings(report.Issues)
	report.Healthy = len(report.Issues) == 0
	return report
}
