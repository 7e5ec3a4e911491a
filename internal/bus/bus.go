// Package bus implements the durable event pipeline: a prioritized,
// lane-aware queue with at-least-once semantics, per-message DM state,
// and per-scope delivery offsets, all backed by a single SQLite file.
package bus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is the durable event queue plus DM state and delivery offsets.
// All goroutines serialize through one connection (SetMaxOpenConns(1)),
// eliminating SQLITE_BUSY errors from concurrent writers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open creates a Store on the SQLite file at dbPath, creating parent
// directories as needed. WAL journaling keeps writes durable across a
// process crash; the busy timeout rides out transient contention.
func Open(dbPath string, opts ...StoreOption) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("bus: store opened", "path", dbPath)
	return s, nil
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			lane TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			dedupe_key TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			available_at INTEGER NOT NULL,
			locked_by TEXT,
			locked_at INTEGER,
			last_error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_claim
			ON events(status, available_at, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedupe
			ON events(dedupe_key) WHERE dedupe_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS dm_messages (
			message_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			eye_applied INTEGER NOT NULL DEFAULT 0,
			processing_done INTEGER NOT NULL DEFAULT 0,
			check_applied INTEGER NOT NULL DEFAULT 0,
			terminal_failed INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dm_missing_eye
			ON dm_messages(eye_applied, terminal_failed, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dm_missing_check
			ON dm_messages(processing_done, check_applied, terminal_failed, updated_at)`,
		`CREATE TABLE IF NOT EXISTS dm_offsets (
			scope TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Info("bus: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// nowMS returns the store clock in unix milliseconds.
func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}
