// Package store is the durable record store: Thoughts, Guides, and the
// append-only Event log over SQLite, plus a vector index over Thought
// content for semantic search. Every successful mutation emits a change
// notification.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"mindloop/internal/insight"
	"mindloop/internal/notify"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// timeFormat is how timestamps are stored in SQLite.
const timeFormat = time.RFC3339Nano

// Store persists Thoughts, Guides and Events in SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	logger *zap.Logger

	provider    insight.Provider
	broadcaster *notify.Broadcaster

	indexer *indexer
	entropy *rand.Rand
}

// New opens (or creates) the database at path and initializes the schema.
// provider may have no embedding capability; semantic search then degrades
// to empty results.
func New(path string, provider insight.Provider, broadcaster *notify.Broadcaster, indexDebounce time.Duration, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers under WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{
		db:          db,
		path:        path,
		logger:      logger.Named("store"),
		provider:    provider,
		broadcaster: broadcaster,
		entropy:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.indexer = newIndexer(s, indexDebounce)

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.logger.Info("store initialized", zap.String("path", path))
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS thoughts (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL DEFAULT '',
		priority   REAL NOT NULL DEFAULT 0.5,
		type       TEXT NOT NULL DEFAULT 'note',
		links      TEXT NOT NULL DEFAULT '[]',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_thoughts_type ON thoughts(type);
	CREATE INDEX IF NOT EXISTS idx_thoughts_priority ON thoughts(priority DESC);

	CREATE TABLE IF NOT EXISTS guides (
		id         TEXT PRIMARY KEY,
		condition  TEXT NOT NULL,
		action     TEXT NOT NULL,
		weight     REAL NOT NULL DEFAULT 0.5,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id        TEXT PRIMARY KEY,
		type      TEXT NOT NULL,
		target_id TEXT,
		timestamp TEXT NOT NULL,
		data      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_target ON events(target_id);

	CREATE TABLE IF NOT EXISTS vectors (
		thought_id TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		embedding  TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// newEventID returns a lexically time-ordered id for the append-only log.
func (s *Store) newEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"thoughts", "guides", "events", "vectors"} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// ClearAll wipes every table and drops any pending index work. Destructive.
func (s *Store) ClearAll() error {
	s.indexer.reset()
	for _, table := range []string{"thoughts", "guides", "events", "vectors"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	s.logger.Warn("store cleared")
	return nil
}

// Close stops background indexing and closes the database.
func (s *Store) Close() error {
	s.indexer.stop()
	return s.db.Close()
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
