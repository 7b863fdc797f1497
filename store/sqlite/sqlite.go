// Package sqlite implements conclave.Store using pure-Go SQLite.
// Zero CGO required. Every multi-step operation runs in one transaction;
// a single shared connection serializes writers.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/conclave-ai/conclave"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements conclave.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conclave.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
// Foreign-key enforcement goes in the DSN so it holds on every
// connection the pool opens, not just the first.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			last_modified_at INTEGER NOT NULL,
			base_score REAL NOT NULL DEFAULT 0,
			total_interactions INTEGER NOT NULL DEFAULT 0,
			successful_interactions INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS agent_versions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			version_number INTEGER NOT NULL,
			prompt_text TEXT NOT NULL,
			comments TEXT NOT NULL DEFAULT '',
			known_issues TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			performance_score REAL NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			UNIQUE(agent_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS prompt_modifications (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL REFERENCES agent_versions(id) ON DELETE CASCADE,
			previous_version_id TEXT REFERENCES agent_versions(id) ON DELETE SET NULL,
			reason TEXT NOT NULL DEFAULT '',
			change_summary TEXT NOT NULL DEFAULT '',
			performance_before REAL NOT NULL DEFAULT 0,
			performance_after REAL,
			modified_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_performance (
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			version_id TEXT NOT NULL REFERENCES agent_versions(id) ON DELETE CASCADE,
			task_type TEXT NOT NULL,
			correct_responses INTEGER NOT NULL DEFAULT 0,
			total_attempts INTEGER NOT NULL DEFAULT 0,
			average_response_time REAL NOT NULL DEFAULT 0,
			last_evaluation_date INTEGER NOT NULL,
			PRIMARY KEY (agent_id, version_id, task_type)
		)`,
		`CREATE TABLE IF NOT EXISTS interaction_history (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			version_id TEXT NOT NULL REFERENCES agent_versions(id) ON DELETE CASCADE,
			task_type TEXT NOT NULL,
			request TEXT NOT NULL,
			response TEXT NOT NULL,
			is_correct INTEGER,
			processing_time REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			evaluation_notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS agent_capabilities (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rating REAL NOT NULL DEFAULT 0.5,
			UNIQUE(agent_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS team_compositions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			chief_agent_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			performance_score REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team_id TEXT NOT NULL REFERENCES team_compositions(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			assignment_reason TEXT NOT NULL DEFAULT '',
			performance_in_team REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (team_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_performance_log (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			success INTEGER NOT NULL,
			response_time REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS performance_summary (
			agent_id TEXT PRIMARY KEY,
			total_requests INTEGER NOT NULL DEFAULT 0,
			successful_requests INTEGER NOT NULL DEFAULT 0,
			average_response_time REAL NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns. Agent names are unique
	// case-insensitively.
	_, _ = s.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name ON agents(LOWER(name))`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_versions_agent ON agent_versions(agent_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_interactions_agent ON interaction_history(agent_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_perf_log_agent ON agent_performance_log(agent_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_members_agent ON team_members(agent_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &conclave.ErrStorage{Op: op, Err: err}
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &conclave.ErrStorage{Op: op, Err: err}
	}
	return nil
}

// boolToInt maps Go bools to SQLite integers.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullBool maps an optional verdict to a nullable column value.
func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

// scanNullBool maps a nullable column back to an optional verdict.
func scanNullBool(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}
