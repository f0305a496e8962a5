package cronlock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/cronlock/metrics"
	"git.home.luguber.info/inful/cronlock/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store honoring the unique (IntendedAt, Name)
// lease contract.
type memStore struct {
	mu      sync.Mutex
	records map[string]HistoryRecord

	ensureCalls int
	ensureTTL   int
	ensureErr   error
	insertErr   error
	updateErr   error
	findErr     error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]HistoryRecord)}
}

func leaseKey(name string, intendedAt time.Time) string {
	return fmt.Sprintf("%s|%d", name, intendedAt.Unix())
}

func (s *memStore) EnsureIndexes(_ context.Context, ttlSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCalls++
	s.ensureTTL = ttlSeconds
	return s.ensureErr
}

func (s *memStore) InsertHistory(_ context.Context, rec HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	key := leaseKey(rec.Name, rec.IntendedAt)
	for _, existing := range s.records {
		if leaseKey(existing.Name, existing.IntendedAt) == key {
			return fmt.Errorf("insert %q: %w", key, ErrDuplicateKey)
		}
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) UpdateHistory(_ context.Context, id string, patch HistoryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("no record %q", id)
	}
	if patch.FinishedAt != nil {
		rec.FinishedAt = patch.FinishedAt
	}
	if patch.Result != nil {
		rec.Result = *patch.Result
	}
	if patch.Error != nil {
		rec.Error = *patch.Error
	}
	s.records[id] = rec
	return nil
}

func (s *memStore) FindRecent(_ context.Context, name string, limit int) ([]HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var rows []HistoryRecord
	for _, rec := range s.records {
		if rec.Name == name {
			rows = append(rows, rec)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartedAt.After(rows[j].StartedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) record(id string) (HistoryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memStore) all() []HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]HistoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		rows = append(rows, rec)
	}
	return rows
}

// captureRecorder counts metric calls for assertions.
type captureRecorder struct {
	mu            sync.Mutex
	outcomes      map[string]int
	leaseAcquired int
	leaseSkipped  int
	circuitBreaks int
	scheduled     int
	durations     int
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{outcomes: make(map[string]int)}
}

func (c *captureRecorder) ObserveJobDuration(string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.durations++
}

func (c *captureRecorder) IncFiringOutcome(_ string, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

func (c *captureRecorder) IncLeaseResult(_ string, acquired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acquired {
		c.leaseAcquired++
	} else {
		c.leaseSkipped++
	}
}

func (c *captureRecorder) IncCircuitBreak(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuitBreaks++
}

func (c *captureRecorder) SetScheduledJobs(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduled = n
}

func (c *captureRecorder) outcome(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[name]
}

var _ metrics.Recorder = (*captureRecorder)(nil)

// captureNotifier records published events.
type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *captureNotifier) Publish(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, ev)
	return nil
}

func (n *captureNotifier) published() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Event, len(n.events))
	copy(out, n.events)
	return out
}
