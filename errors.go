package cronlock

import (
	"errors"

	"git.home.luguber.info/inful/cronlock/cronexpr"
	"git.home.luguber.info/inful/cronlock/internal/timer"
	"git.home.luguber.info/inful/cronlock/schedule"
)

var (
	// ErrJobAlreadyExists is returned by Add when the name is taken.
	ErrJobAlreadyExists = errors.New("cronlock: job already exists")

	// ErrJobNotFound is returned by registry operations naming an
	// unregistered job.
	ErrJobNotFound = errors.New("cronlock: job not found")

	// ErrDuplicateKey must be returned (possibly wrapped) by Store
	// implementations when an insert violates the (intendedAt, name)
	// uniqueness constraint. The coordinator treats it as "another
	// instance is running this firing".
	ErrDuplicateKey = errors.New("cronlock: duplicate history key")
)

// Re-exported sentinels so callers rarely need the subpackages for error
// classification.
var (
	ErrInvalidSchedule    = schedule.ErrInvalidSchedule
	ErrImpossibleSchedule = cronexpr.ErrImpossibleSchedule

	// ErrCircuitOpen wraps the scheduling error that tripped a job's timer
	// circuit breaker; it reaches callers through the circuit-break event
	// and log line.
	ErrCircuitOpen = timer.ErrCircuitOpen
)
