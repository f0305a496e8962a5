package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyJob        = "job"
	KeyIntendedAt = "intended_at"
	KeyNextRunAt  = "next_run_at"
	KeyRecordID   = "record_id"
	KeyDurationMS = "duration_ms"
	KeyCollection = "collection"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers
// can compose.
func Job(name string) slog.Attr        { return slog.String(KeyJob, name) }
func IntendedAt(t time.Time) slog.Attr { return slog.Time(KeyIntendedAt, t) }
func NextRunAt(t time.Time) slog.Attr  { return slog.Time(KeyNextRunAt, t) }
func RecordID(id string) slog.Attr     { return slog.String(KeyRecordID, id) }
func DurationMS(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d)/float64(time.Millisecond))
}
func Collection(name string) slog.Attr { return slog.String(KeyCollection, name) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
