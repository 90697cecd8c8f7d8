// Package store persists cron jobs, chat conversations, and execution
// records in a local SQLite file. Pure-Go driver, zero CGO required.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

var (
	// ErrJobExists is returned by CreateJob when the name is taken.
	ErrJobExists = errors.New("cron job already exists")
	// ErrJobNotFound is returned when no job matches the given name.
	ErrJobNotFound = errors.New("cron job not found")
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store wraps a single SQLite connection shared by all goroutines.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens (or creates) the SQLite file at dbPath. All goroutines
// serialize through one connection via SetMaxOpenConns(1), which
// eliminates SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("store: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("store opened", "path", dbPath)
	return s
}

// Init enables WAL mode and creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()

	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			schedule TEXT NOT NULL,
			prompt TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT 'telegram',
			enabled INTEGER NOT NULL DEFAULT 1,
			timezone TEXT NOT NULL DEFAULT 'America/Chicago',
			max_turns INTEGER,
			model TEXT,
			execution_mode TEXT NOT NULL DEFAULT 'cli',
			allowed_tools TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_name TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			exit_code INTEGER,
			timed_out INTEGER NOT NULL DEFAULT 0,
			output_destination TEXT,
			response_preview TEXT,
			error TEXT,
			cost_usd REAL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_conversations_chat ON conversations(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_job ON cron_executions(job_name)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Info("store initialized", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// modernc.org/sqlite surfaces constraint errors as formatted strings
// rather than typed values, so the check is textual.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
