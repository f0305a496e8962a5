package cronlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/cronlock/internal/logfields"
	"git.home.luguber.info/inful/cronlock/metrics"
	"git.home.luguber.info/inful/cronlock/notify"
)

// firingConfig is the per-job snapshot the coordinator borrows for the
// duration of one firing. The registry owns the live entry.
type firingConfig struct {
	name    string
	job     JobFunc
	persist bool
	onError func(err error, intendedAt time.Time)
}

// coordinator turns a timer tick into at-most-one execution across
// instances: it acquires the lease by unique-key insert, executes, records
// the outcome and routes job errors.
type coordinator struct {
	store    Store
	logger   *slog.Logger
	clock    clockwork.Clock
	metrics  metrics.Recorder
	notifier notify.Notifier
}

// runFiring processes one scheduled firing. Errors never propagate: every
// failure mode is logged and the next firing stays scheduled.
func (c *coordinator) runFiring(ctx context.Context, cfg firingConfig, intendedAt time.Time) {
	intendedAt = intendedAt.Truncate(time.Second)

	var recordID string
	if cfg.persist {
		id, ok := c.acquireLease(ctx, cfg.name, intendedAt)
		if !ok {
			return
		}
		recordID = id
	}

	c.publish(ctx, notify.Event{
		Type:       notify.EventJobStarted,
		Job:        cfg.name,
		IntendedAt: intendedAt,
		Timestamp:  c.clock.Now(),
	})

	res := Execute(ctx, cfg.job, intendedAt, cfg.name, ExecOptions{})

	// A WithTimeout-wrapped body surfaces its TimeoutError as an ordinary
	// job error; attribute it to the job and classify it as a timeout.
	var te *TimeoutError
	if errors.As(res.Err, &te) {
		if te.Job == "" {
			te.Job = cfg.name
		}
		res.TimedOut = true
	}

	c.recordOutcome(ctx, cfg, recordID, intendedAt, res)
}

// acquireLease inserts the history record that grants this instance the
// right to run the firing. ok is false when another instance holds it or
// the store failed.
func (c *coordinator) acquireLease(ctx context.Context, name string, intendedAt time.Time) (id string, ok bool) {
	id = uuid.NewString()
	err := c.store.InsertHistory(ctx, HistoryRecord{
		ID:         id,
		Name:       name,
		IntendedAt: intendedAt,
		StartedAt:  c.clock.Now(),
	})
	if err == nil {
		c.metrics.IncLeaseResult(name, true)
		return id, true
	}

	if errors.Is(err, ErrDuplicateKey) {
		c.logger.Debug("Skipping firing, already running on another instance",
			logfields.Job(name),
			logfields.IntendedAt(intendedAt))
		c.metrics.IncLeaseResult(name, false)
		c.metrics.IncFiringOutcome(name, metrics.OutcomeSkipped)
		return "", false
	}

	c.logger.Error("Lease acquisition failed",
		logfields.Job(name),
		logfields.IntendedAt(intendedAt),
		logfields.Error(err))
	return "", false
}

// recordOutcome updates the history record, emits observability signals and
// routes the error callback.
func (c *coordinator) recordOutcome(ctx context.Context, cfg firingConfig, recordID string, intendedAt time.Time, res ExecutionResult) {
	c.metrics.ObserveJobDuration(cfg.name, res.Duration)

	outcome := metrics.OutcomeSuccess
	switch {
	case res.TimedOut:
		outcome = metrics.OutcomeTimeout
	case !res.Success:
		outcome = metrics.OutcomeError
	}
	c.metrics.IncFiringOutcome(cfg.name, outcome)

	if recordID != "" {
		patch := HistoryPatch{FinishedAt: timePtr(c.clock.Now())}
		if res.Success {
			patch.Result = strPtr(renderResult(res.Result))
		} else {
			patch.Error = strPtr(res.Err.Error())
		}
		if err := c.store.UpdateHistory(ctx, recordID, patch); err != nil {
			c.logger.Error("Failed to record firing outcome",
				logfields.Job(cfg.name),
				logfields.RecordID(recordID),
				logfields.Error(err))
		}
	}

	ev := notify.Event{
		Type:       notify.EventJobFinished,
		Job:        cfg.name,
		IntendedAt: intendedAt,
		Timestamp:  c.clock.Now(),
		Duration:   res.Duration,
		Success:    res.Success,
	}

	if res.Success {
		c.logger.Debug("Job completed",
			logfields.Job(cfg.name),
			logfields.IntendedAt(intendedAt),
			logfields.DurationMS(res.Duration))
		c.publish(ctx, ev)
		return
	}

	c.logger.Error("Job failed",
		logfields.Job(cfg.name),
		logfields.IntendedAt(intendedAt),
		logfields.DurationMS(res.Duration),
		logfields.Error(res.Err))
	ev.Error = res.Err.Error()
	c.publish(ctx, ev)

	if cfg.onError != nil {
		c.invokeErrorCallback(cfg, intendedAt, res.Err)
	}
}

// invokeErrorCallback calls the job's error hook; its own failures are
// contained.
func (c *coordinator) invokeErrorCallback(cfg firingConfig, intendedAt time.Time, jobErr error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Job error callback panicked",
				logfields.Job(cfg.name),
				slog.Any("panic", r))
		}
	}()
	cfg.onError(jobErr, intendedAt)
}

func (c *coordinator) publish(ctx context.Context, ev notify.Event) {
	if err := c.notifier.Publish(ctx, ev); err != nil {
		c.logger.Debug("Event publish failed", logfields.Job(ev.Job), logfields.Error(err))
	}
}

// renderResult stringifies a job result for storage. Nil results store as
// empty.
func renderResult(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }
