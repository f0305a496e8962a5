// Package notify publishes job lifecycle events to interested consumers.
// The default is a no-op; a NATS-backed publisher is provided for
// deployments that want to fan firings out to other systems.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	EventJobStarted  = "job_started"
	EventJobFinished = "job_finished"
	EventCircuitOpen = "circuit_open"
)

// Event describes one job lifecycle occurrence. Only the job name is
// carried as an identifier; payloads and errors are rendered to strings.
type Event struct {
	Type       string        `json:"type"`
	Job        string        `json:"job"`
	IntendedAt time.Time     `json:"intended_at,omitzero"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Success    bool          `json:"success,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Notifier publishes lifecycle events. Implementations must be safe for
// concurrent use; publish failures are the caller's to log and ignore.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop is a Notifier that discards all events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
