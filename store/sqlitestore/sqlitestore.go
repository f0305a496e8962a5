// Package sqlitestore implements the cronlock record store on SQLite. The
// unique (intended_at, name) index carries the execution lease and works on
// any filesystem the instances share.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"

	cronlock "git.home.luguber.info/inful/cronlock"
)

// DefaultCollection is the table used when Open is given an empty name.
const DefaultCollection = "cronHistory"

// SQLite extended result codes for unique-constraint violations.
const (
	codeConstraintUnique     = 2067
	codeConstraintPrimaryKey = 1555
)

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a cronlock.Store backed by one SQLite table per collection.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	collection string
	cacheKey   string
	ttlSeconds int
	closed     bool
}

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*Store)
)

// Open returns the store for the database at path and the named collection,
// reusing an already open handle for the same pair. Use ":memory:" for an
// in-memory database. An empty collection selects DefaultCollection.
func Open(path, collection string) (*Store, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if !collectionPattern.MatchString(collection) {
		return nil, fmt.Errorf("sqlitestore: invalid collection name %q", collection)
	}

	key := path + "\x00" + collection

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if s, ok := cache[key]; ok {
		return s, nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and serializes
	// writers the way SQLite wants anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, collection: collection, cacheKey: key}
	cache[key] = s
	return s, nil
}

// EnsureIndexes creates the collection table and its unique lease index, and
// records the retention applied on subsequent inserts. Idempotent.
func (s *Store) EnsureIndexes(ctx context.Context, ttlSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		intended_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_lease ON %[1]s(intended_at, name);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_started ON %[1]s(name, started_at);
	`, s.collection)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create collection %q: %w", s.collection, err)
	}
	s.ttlSeconds = ttlSeconds
	return nil
}

// InsertHistory atomically claims the (intended_at, name) lease. A held lease
// surfaces as an error wrapping cronlock.ErrDuplicateKey. Expired records are
// purged opportunistically on the way in.
func (s *Store) InsertHistory(ctx context.Context, rec cronlock.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttlSeconds > 0 {
		cutoff := rec.StartedAt.Add(-time.Duration(s.ttlSeconds) * time.Second)
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE started_at < ?", s.collection),
			cutoff.UnixMilli(),
		); err != nil {
			return fmt.Errorf("purge expired records: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, name, intended_at, started_at) VALUES (?, ?, ?, ?)", s.collection),
		rec.ID, rec.Name, rec.IntendedAt.Unix(), rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lease %s@%d held: %w", rec.Name, rec.IntendedAt.Unix(), cronlock.ErrDuplicateKey)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// UpdateHistory applies the non-nil patch fields to the record with the id.
func (s *Store) UpdateHistory(ctx context.Context, id string, patch cronlock.HistoryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sets []string
		args []any
	)
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, patch.FinishedAt.UnixMilli())
	}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *patch.Result)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", s.collection, strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update record %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update record %q: not found", id)
	}
	return nil
}

// FindRecent returns up to limit records for the job, newest first.
func (s *Store) FindRecent(ctx context.Context, name string, limit int) ([]cronlock.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, name, intended_at, started_at, finished_at, result, error FROM %s WHERE name = ? ORDER BY started_at DESC LIMIT ?", s.collection),
		name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []cronlock.HistoryRecord
	for rows.Next() {
		var (
			rec        cronlock.HistoryRecord
			intendedAt int64
			startedAt  int64
			finishedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &intendedAt, &startedAt, &finishedAt, &rec.Result, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.IntendedAt = time.Unix(intendedAt, 0).UTC()
		rec.StartedAt = time.UnixMilli(startedAt).UTC()
		if finishedAt.Valid {
			t := time.UnixMilli(finishedAt.Int64).UTC()
			rec.FinishedAt = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// Close closes the database handle and evicts the store from the open cache.
func (s *Store) Close() error {
	cacheMu.Lock()
	delete(cache, s.cacheKey)
	cacheMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case codeConstraintUnique, codeConstraintPrimaryKey:
		return true
	}
	return false
}

var _ cronlock.Store = (*Store)(nil)
