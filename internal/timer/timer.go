// Package timer provides the self-healing recurring timer that drives job
// firings: it validates computed instants, clamps oversized delays, retries
// scheduling failures with exponential backoff and trips a per-timer
// circuit breaker when failures persist.
package timer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxDelay is the longest delay armed on a single timer (about 24.8 days).
// Instants further out are reached by re-arming without executing.
const MaxDelay = 2147483647 * time.Millisecond

// ErrCircuitOpen wraps the last scheduling error when the circuit breaker
// trips and the timer stops.
var ErrCircuitOpen = errors.New("timer: circuit breaker open")

const (
	defaultMaxConsecutiveFailures = 3
	backoffBase                   = 10 * time.Millisecond
	backoffCap                    = 60 * time.Second
)

// NextFunc computes the next firing instant strictly after now.
type NextFunc func(now time.Time) (time.Time, error)

// ExecFunc runs one firing. intendedAt has sub-second fields zeroed.
type ExecFunc func(intendedAt time.Time)

// Options configures a recurring timer. All callbacks are optional and are
// invoked from the timer's own goroutine; panics inside them are recovered
// and logged.
type Options struct {
	Clock                  clockwork.Clock
	Logger                 *slog.Logger
	MaxConsecutiveFailures int

	// OnSchedule fires after each successful scheduling decision with the
	// computed next instant.
	OnSchedule func(next time.Time)

	// OnError fires on every scheduling failure and on panics escaping the
	// exec function.
	OnError func(err error)

	// OnCircuitBreak fires once when consecutive scheduling failures reach
	// the limit; the timer then stops permanently.
	OnCircuitBreak func(err error)
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.MaxConsecutiveFailures <= 0 {
		out.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	return out
}

// Handle cancels a running timer. Stop is idempotent and safe from any
// goroutine; a firing already in progress runs to completion.
type Handle struct {
	cancel chan struct{}
	once   sync.Once
}

// Stop cancels the timer.
func (h *Handle) Stop() {
	h.once.Do(func() { close(h.cancel) })
}

// Recurring starts a timer that fires execFn at each instant computed by
// nextFn. Each tick is scheduled independently; see Options for failure
// handling.
func Recurring(nextFn NextFunc, execFn ExecFunc, opts *Options) *Handle {
	o := opts.withDefaults()
	h := &Handle{cancel: make(chan struct{})}
	go runLoop(nextFn, execFn, o, h)
	return h
}

func runLoop(nextFn NextFunc, execFn ExecFunc, o Options, h *Handle) {
	failures := 0

	for {
		select {
		case <-h.cancel:
			return
		default:
		}

		now := o.Clock.Now()
		next, err := computeNext(nextFn, now)
		if err != nil {
			failures++
			callback(o.Logger, "on_error", func() {
				if o.OnError != nil {
					o.OnError(err)
				}
			})
			if failures >= o.MaxConsecutiveFailures {
				o.Logger.Error("Timer circuit breaker tripped",
					slog.Int("consecutive_failures", failures),
					slog.String("error", err.Error()))
				breakErr := fmt.Errorf("%w: %w", ErrCircuitOpen, err)
				callback(o.Logger, "on_circuit_break", func() {
					if o.OnCircuitBreak != nil {
						o.OnCircuitBreak(breakErr)
					}
				})
				return
			}
			if !sleep(o.Clock, backoff(failures), h.cancel) {
				return
			}
			continue
		}

		failures = 0

		delay := next.Sub(now)
		if delay > MaxDelay {
			// Too far out for a single timer: wait the maximum and
			// recompute without executing.
			if !sleep(o.Clock, MaxDelay, h.cancel) {
				return
			}
			continue
		}

		callback(o.Logger, "on_schedule", func() {
			if o.OnSchedule != nil {
				o.OnSchedule(next)
			}
		})

		if !sleep(o.Clock, delay, h.cancel) {
			return
		}

		intendedAt := next.Truncate(time.Second)
		callback(o.Logger, "exec", func() { execFn(intendedAt) })
	}
}

// computeNext invokes nextFn and validates its result.
func computeNext(nextFn NextFunc, now time.Time) (time.Time, error) {
	next, err := nextFn(now)
	if err != nil {
		return time.Time{}, fmt.Errorf("compute next instant: %w", err)
	}
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("compute next instant: zero time")
	}
	if !next.After(now) {
		return time.Time{}, fmt.Errorf("compute next instant: %v is not after %v", next, now)
	}
	return next, nil
}

// backoff returns min(10ms * 2^(failures-1), 60s).
func backoff(failures int) time.Duration {
	d := backoffBase << (failures - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// sleep waits for d or cancellation; it reports false when cancelled.
func sleep(clock clockwork.Clock, d time.Duration, cancel <-chan struct{}) bool {
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-cancel:
		return false
	}
}

// callback runs fn and contains any panic so a misbehaving hook cannot
// kill the timer loop.
func callback(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Timer callback panicked",
				slog.String("callback", name),
				slog.Any("panic", r))
		}
	}()
	fn()
}

// Once arms a single-shot timer for fn after delay. The delay must be in
// [0, MaxDelay]. Panics from fn are recovered and logged.
func Once(delay time.Duration, fn func(), opts *Options) (*Handle, error) {
	if delay < 0 || delay > MaxDelay {
		return nil, fmt.Errorf("timer: delay %v out of range [0, %v]", delay, MaxDelay)
	}
	o := opts.withDefaults()
	h := &Handle{cancel: make(chan struct{})}

	go func() {
		if !sleep(o.Clock, delay, h.cancel) {
			return
		}
		callback(o.Logger, "once", fn)
	}()

	return h, nil
}
