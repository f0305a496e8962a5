package cronlock

import (
	"context"
	"fmt"
	"time"
)

// JobFunc is a job body. It receives the firing's intended instant
// (second precision) and may return a result that is rendered into the
// history record. Long-running bodies should honor ctx.
type JobFunc func(ctx context.Context, intendedAt time.Time) (any, error)

// TimeoutError reports that a job exceeded its execution timeout.
type TimeoutError struct {
	Job     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cronlock: job %q timed out after %v", e.Job, e.Timeout)
}

// ExecutionResult is the outcome of one job invocation.
type ExecutionResult struct {
	Success  bool
	Result   any
	Err      error
	Duration time.Duration
	TimedOut bool
}

// ExecOptions configures Execute.
type ExecOptions struct {
	// Timeout bounds the invocation when positive. The job body is NOT
	// forcibly interrupted: it keeps running in the background after the
	// timeout unless it observes ctx cancellation.
	Timeout time.Duration

	// OnTimeout fires with the elapsed time when the timeout is hit. It is
	// not invoked for ordinary failures or successes.
	OnTimeout func(elapsed time.Duration)
}

// Execute runs a job once and reports the outcome. Panics in the job body
// are recovered into the result's Err.
func Execute(ctx context.Context, job JobFunc, intendedAt time.Time, name string, opts ExecOptions) ExecutionResult {
	start := time.Now()

	if opts.Timeout <= 0 {
		result, err := invoke(ctx, job, intendedAt, name)
		return ExecutionResult{
			Success:  err == nil,
			Result:   result,
			Err:      err,
			Duration: time.Since(start),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := invoke(ctx, job, intendedAt, name)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return ExecutionResult{
			Success:  out.err == nil,
			Result:   out.result,
			Err:      out.err,
			Duration: time.Since(start),
		}
	case <-ctx.Done():
		elapsed := time.Since(start)
		if ctx.Err() != context.DeadlineExceeded {
			// Parent cancellation, not a timeout.
			return ExecutionResult{Err: ctx.Err(), Duration: elapsed}
		}
		if opts.OnTimeout != nil {
			opts.OnTimeout(elapsed)
		}
		return ExecutionResult{
			Err:      &TimeoutError{Job: name, Timeout: opts.Timeout},
			Duration: elapsed,
			TimedOut: true,
		}
	}
}

// invoke calls the job with panic recovery.
func invoke(ctx context.Context, job JobFunc, intendedAt time.Time, name string) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cronlock: job %q panicked: %v", name, r)
		}
	}()
	return job(ctx, intendedAt)
}

// WithTimeout wraps a job so every invocation is bounded by timeout and
// returns a TimeoutError on expiry. The underlying body may keep running
// in the background after the timeout. The wrapper does not know which job
// it is bound to; when the wrapped job runs as a registered job the
// coordinator fills the TimeoutError's job name in.
func WithTimeout(job JobFunc, timeout time.Duration) JobFunc {
	return func(ctx context.Context, intendedAt time.Time) (any, error) {
		res := Execute(ctx, job, intendedAt, "", ExecOptions{Timeout: timeout})
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Result, nil
	}
}
