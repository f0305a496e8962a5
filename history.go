package cronlock

import (
	"context"
	"time"
)

// HistoryRecord is one persisted firing. The pair (Name, IntendedAt) is
// unique across the shared store and acts as the execution lease;
// IntendedAt always carries second precision.
type HistoryRecord struct {
	ID         string
	Name       string
	IntendedAt time.Time
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     string
	Error      string
}

// Completed reports whether the firing has recorded an outcome.
func (r HistoryRecord) Completed() bool { return r.FinishedAt != nil }

// Duration is the recorded wall-clock runtime; zero until completed.
func (r HistoryRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// HistoryPatch is a partial update applied to a record after execution.
// Nil fields are left untouched.
type HistoryPatch struct {
	FinishedAt *time.Time
	Result     *string
	Error      *string
}

// Store is the record store contract. Any transactional backend with a
// unique secondary-key constraint can implement it; see store/sqlitestore
// for the bundled implementation.
type Store interface {
	// EnsureIndexes prepares the collection: the unique (IntendedAt, Name)
	// constraint and, when ttlSeconds > 0, expiry of records ttlSeconds
	// after StartedAt. Idempotent.
	EnsureIndexes(ctx context.Context, ttlSeconds int) error

	// InsertHistory atomically inserts a record. It must return an error
	// wrapping ErrDuplicateKey when the (IntendedAt, Name) pair exists.
	InsertHistory(ctx context.Context, rec HistoryRecord) error

	// UpdateHistory applies a partial update to the record with the id.
	UpdateHistory(ctx context.Context, id string, patch HistoryPatch) error

	// FindRecent returns up to limit records for the job, newest first by
	// StartedAt.
	FindRecent(ctx context.Context, name string, limit int) ([]HistoryRecord, error)

	Close() error
}
