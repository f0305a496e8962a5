// Package metrics defines observability hooks for the scheduler and a
// Prometheus-backed implementation.
package metrics

import "time"

// Outcome labels for firing counters.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeSkipped = "skipped"
)

// Recorder defines the scheduler's observability hooks. Implementations may
// forward to Prometheus, OpenTelemetry, etc. All methods must be safe on
// the zero value so injection stays optional.
type Recorder interface {
	ObserveJobDuration(job string, d time.Duration)
	IncFiringOutcome(job, outcome string) // outcome: success|error|timeout|skipped
	IncLeaseResult(job string, acquired bool)
	IncCircuitBreak(job string)
	SetScheduledJobs(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are
// not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveJobDuration(string, time.Duration) {}
func (NoopRecorder) IncFiringOutcome(string, string)          {}
func (NoopRecorder) IncLeaseResult(string, bool)              {}
func (NoopRecorder) IncCircuitBreak(string)                   {}
func (NoopRecorder) SetScheduledJobs(int)                     {}
