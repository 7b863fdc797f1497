// Package postgres implements conclave.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conclave-ai/conclave"
	"github.com/google/uuid"
)

// Store implements conclave.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var _ conclave.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_modified_at TIMESTAMPTZ NOT NULL,
			base_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_interactions INTEGER NOT NULL DEFAULT 0,
			successful_interactions INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name ON agents (LOWER(name))`,
		`CREATE TABLE IF NOT EXISTS agent_versions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			version_number INTEGER NOT NULL,
			prompt_text TEXT NOT NULL,
			comments TEXT NOT NULL DEFAULT '',
			known_issues TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			performance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (agent_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS prompt_modifications (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL REFERENCES agent_versions(id) ON DELETE CASCADE,
			previous_version_id TEXT REFERENCES agent_versions(id) ON DELETE SET NULL,
			reason TEXT NOT NULL DEFAULT '',
			change_summary TEXT NOT NULL DEFAULT '',
			performance_before DOUBLE PRECISION NOT NULL DEFAULT 0,
			performance_after DOUBLE PRECISION,
			modified_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_performance (
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			version_id TEXT NOT NULL REFERENCES agent_versions(id) ON DELETE CASCADE,
			task_type TEXT NOT NULL,
			correct_responses INTEGER NOT NULL DEFAULT 0,
			total_attempts INTEGER NOT NULL DEFAULT 0,
			average_response_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_evaluation_date TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (agent_id, version_id, task_type)
		)`,
		`CREATE TABLE IF NOT EXISTS interaction_history (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			version_id TEXT NOT NULL REFERENCES agent_versions(id) ON DELETE CASCADE,
			task_type TEXT NOT NULL,
			request TEXT NOT NULL,
			response TEXT NOT NULL,
			is_correct BOOLEAN,
			processing_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			evaluation_notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_agent ON interaction_history (agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_capabilities (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rating DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			UNIQUE (agent_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS team_compositions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			chief_agent_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			performance_score DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team_id TEXT NOT NULL REFERENCES team_compositions(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			assignment_reason TEXT NOT NULL DEFAULT '',
			performance_in_team DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (team_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_performance_log (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			response_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_log_agent ON agent_performance_log (agent_id)`,
		`CREATE TABLE IF NOT EXISTS performance_summary (
			agent_id TEXT PRIMARY KEY,
			total_requests INTEGER NOT NULL DEFAULT 0,
			successful_requests INTEGER NOT NULL DEFAULT 0,
			average_response_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Close is a no-op; the pool is caller-owned.
func (s *Store) Close() error { return nil }

// withTx runs fn inside a transaction.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &conclave.ErrStorage{Op: op, Err: err}
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &conclave.ErrStorage{Op: op, Err: err}
	}
	return nil
}

// --- Agents ---

// AddAgent atomically inserts an agent together with its active version #1.
func (s *Store) AddAgent(ctx context.Context, name, purpose, initialPrompt, createdBy string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(initialPrompt) == "" {
		return "", fmt.Errorf("add agent: empty name or prompt: %w", conclave.ErrInvalidState)
	}
	agentID := uuid.NewString()
	now := time.Now()
	err := s.withTx(ctx, "add agent", func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM agents WHERE LOWER(name) = LOWER($1)`, name).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "add agent", Err: err}
		}
		if count > 0 {
			return fmt.Errorf("agent %q: %w", name, conclave.ErrDuplicate)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agents (id, name, purpose, active, created_at, last_modified_at)
			 VALUES ($1, $2, $3, TRUE, $4, $4)`,
			agentID, name, purpose, now); err != nil {
			return &conclave.ErrStorage{Op: "add agent", Err: err}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_versions (id, agent_id, version_number, prompt_text, comments, created_at, created_by, active)
			 VALUES ($1, $2, 1, $3, 'initial version', $4, $5, TRUE)`,
			uuid.NewString(), agentID, initialPrompt, now, createdBy); err != nil {
			return &conclave.ErrStorage{Op: "add agent version", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return agentID, nil
}

const agentColumns = `id, name, purpose, active, created_at, last_modified_at, base_score, total_interactions, successful_interactions`

func scanAgent(row pgx.Row) (conclave.Agent, error) {
	var a conclave.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Purpose, &a.Active, &a.CreatedAt, &a.LastModifiedAt,
		&a.BaseScore, &a.TotalInteractions, &a.SuccessfulInteractions)
	return a, err
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (conclave.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return conclave.Agent{}, fmt.Errorf("agent %s: %w", agentID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.Agent{}, &conclave.ErrStorage{Op: "get agent", Err: err}
	}
	return a, nil
}

// GetAgentByName returns an agent by name, case-insensitively.
func (s *Store) GetAgentByName(ctx context.Context, name string) (conclave.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE LOWER(name) = LOWER($1)`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return conclave.Agent{}, fmt.Errorf("agent %q: %w", name, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.Agent{}, &conclave.ErrStorage{Op: "get agent by name", Err: err}
	}
	return a, nil
}

// ListAgents returns agents ordered by name.
func (s *Store) ListAgents(ctx context.Context, activeOnly bool) ([]conclave.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY LOWER(name)`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, &conclave.ErrStorage{Op: "list agents", Err: err}
	}
	defer rows.Close()

	var agents []conclave.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, &conclave.ErrStorage{Op: "scan agent", Err: err}
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentActive soft-activates or soft-deactivates an agent.
func (s *Store) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET active = $1, last_modified_at = $2 WHERE id = $3`,
		active, time.Now(), agentID)
	if err != nil {
		return &conclave.ErrStorage{Op: "set agent active", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, conclave.ErrNotFound)
	}
	return nil
}

// RemoveAgentCompletely hard-deletes the agent and all dependent rows.
func (s *Store) RemoveAgentCompletely(ctx context.Context, agentID string, policy conclave.ChiefPolicy) error {
	return s.withTx(ctx, "remove agent", func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM agents WHERE id = $1`, agentID).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "remove agent", Err: err}
		}
		if count == 0 {
			return fmt.Errorf("agent %s: %w", agentID, conclave.ErrNotFound)
		}

		var chaired int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM team_compositions WHERE chief_agent_id = $1`, agentID).Scan(&chaired); err != nil {
			return &conclave.ErrStorage{Op: "remove agent", Err: err}
		}
		switch {
		case chaired > 0 && policy == conclave.ChiefReject:
			return fmt.Errorf("agent %s chairs %d team(s): %w", agentID, chaired, conclave.ErrInvalidState)
		case chaired > 0 && policy == conclave.ChiefCascade:
			if _, err := tx.Exec(ctx,
				`DELETE FROM team_compositions WHERE chief_agent_id = $1`, agentID); err != nil {
				return &conclave.ErrStorage{Op: "remove chaired teams", Err: err}
			}
		}

		for _, q := range []string{
			`DELETE FROM team_members WHERE agent_id = $1`,
			`DELETE FROM agent_performance_log WHERE agent_id = $1`,
			`DELETE FROM performance_summary WHERE agent_id = $1`,
			`DELETE FROM agents WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, agentID); err != nil {
				return &conclave.ErrStorage{Op: "remove agent", Err: err}
			}
		}
		return nil
	})
}

// --- Versions ---

// AddAgentVersion supersedes the active version.
func (s *Store) AddAgentVersion(ctx context.Context, agentID, promptText, reason, changeSummary, createdBy string, performanceBefore float64) (int, error) {
	if strings.TrimSpace(promptText) == "" {
		return 0, fmt.Errorf("add version: empty prompt: %w", conclave.ErrInvalidState)
	}
	var number int
	now := time.Now()
	err := s.withTx(ctx, "add version", func(tx pgx.Tx) error {
		var prevID *string
		err := tx.QueryRow(ctx,
			`SELECT id FROM agent_versions WHERE agent_id = $1 AND active`, agentID).Scan(&prevID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return &conclave.ErrStorage{Op: "add version", Err: err}
		}
		var maxNumber *int
		if err := tx.QueryRow(ctx,
			`SELECT MAX(version_number) FROM agent_versions WHERE agent_id = $1`, agentID).Scan(&maxNumber); err != nil {
			return &conclave.ErrStorage{Op: "add version", Err: err}
		}
		if maxNumber == nil {
			return fmt.Errorf("agent %s has no versions: %w", agentID, conclave.ErrNotFound)
		}
		number = *maxNumber + 1

		if _, err := tx.Exec(ctx,
			`UPDATE agent_versions SET active = FALSE WHERE agent_id = $1`, agentID); err != nil {
			return &conclave.ErrStorage{Op: "deactivate versions", Err: err}
		}
		versionID := uuid.NewString()
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_versions (id, agent_id, version_number, prompt_text, comments, created_at, created_by, active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)`,
			versionID, agentID, number, promptText, changeSummary, now, createdBy); err != nil {
			return &conclave.ErrStorage{Op: "insert version", Err: err}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO prompt_modifications (id, version_id, previous_version_id, reason, change_summary, performance_before, modified_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), versionID, prevID, reason, changeSummary, performanceBefore, now); err != nil {
			return &conclave.ErrStorage{Op: "insert modification", Err: err}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET last_modified_at = $1 WHERE id = $2`, now, agentID); err != nil {
			return &conclave.ErrStorage{Op: "touch agent", Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return number, nil
}

const versionColumns = `id, agent_id, version_number, prompt_text, comments, known_issues, created_at, created_by, performance_score, active`

func scanVersion(row pgx.Row) (conclave.AgentVersion, error) {
	var v conclave.AgentVersion
	err := row.Scan(&v.ID, &v.AgentID, &v.VersionNumber, &v.PromptText, &v.Comments,
		&v.KnownIssues, &v.CreatedAt, &v.CreatedBy, &v.PerformanceScore, &v.Active)
	return v, err
}

// GetCurrentAgentVersion returns the agent's active version.
func (s *Store) GetCurrentAgentVersion(ctx context.Context, agentID string) (conclave.AgentVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE agent_id = $1 AND active`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return conclave.AgentVersion{}, fmt.Errorf("no active version for agent %s: %w", agentID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.AgentVersion{}, &conclave.ErrStorage{Op: "get current version", Err: err}
	}
	return v, nil
}

// GetAgentVersion returns a version by ID.
func (s *Store) GetAgentVersion(ctx context.Context, versionID string) (conclave.AgentVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE id = $1`, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return conclave.AgentVersion{}, fmt.Errorf("version %s: %w", versionID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.AgentVersion{}, &conclave.ErrStorage{Op: "get version", Err: err}
	}
	return v, nil
}

// GetVersionHistory returns all of an agent's versions, newest first.
func (s *Store) GetVersionHistory(ctx context.Context, agentID string) ([]conclave.AgentVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE agent_id = $1 ORDER BY version_number DESC`, agentID)
	if err != nil {
		return nil, &conclave.ErrStorage{Op: "version history", Err: err}
	}
	defer rows.Close()

	var versions []conclave.AgentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, &conclave.ErrStorage{Op: "scan version", Err: err}
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// RecomputeScores recalculates a version's score from its rollups.
func (s *Store) RecomputeScores(ctx context.Context, versionID string) error {
	return s.withTx(ctx, "recompute scores", func(tx pgx.Tx) error {
		return recomputeScoresTx(ctx, tx, versionID)
	})
}

func recomputeScoresTx(ctx context.Context, tx pgx.Tx, versionID string) error {
	var agentID string
	var active bool
	err := tx.QueryRow(ctx,
		`SELECT agent_id, active FROM agent_versions WHERE id = $1`, versionID).Scan(&agentID, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("version %s: %w", versionID, conclave.ErrNotFound)
	}
	if err != nil {
		return &conclave.ErrStorage{Op: "recompute scores", Err: err}
	}

	var correct, total *int64
	if err := tx.QueryRow(ctx,
		`SELECT SUM(correct_responses), SUM(total_attempts) FROM agent_performance WHERE version_id = $1`,
		versionID).Scan(&correct, &total); err != nil {
		return &conclave.ErrStorage{Op: "recompute scores", Err: err}
	}
	score := 0.0
	if total != nil && *total > 0 {
		score = float64(*correct) / float64(*total)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE agent_versions SET performance_score = $1 WHERE id = $2`, score, versionID); err != nil {
		return &conclave.ErrStorage{Op: "update version score", Err: err}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE prompt_modifications SET performance_after = $1 WHERE version_id = $2`, score, versionID); err != nil {
		return &conclave.ErrStorage{Op: "update modification score", Err: err}
	}
	if active {
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET base_score = $1 WHERE id = $2`, score, agentID); err != nil {
			return &conclave.ErrStorage{Op: "update agent score", Err: err}
		}
	}
	return nil
}

// --- Interactions & performance ---

// RecordInteraction inserts the interaction, bumps counters, upserts the
// rollup, and recomputes scores in one transaction.
func (s *Store) RecordInteraction(ctx context.Context, agentID string, taskType conclave.TaskType, request, response string, isCorrect *bool, processingTime float64, notes string) (string, error) {
	interactionID := uuid.NewString()
	now := time.Now()

	err := s.withTx(ctx, "record interaction", func(tx pgx.Tx) error {
		var versionID string
		err := tx.QueryRow(ctx,
			`SELECT id FROM agent_versions WHERE agent_id = $1 AND active`, agentID).Scan(&versionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no active version for agent %s: %w", agentID, conclave.ErrInvalidState)
		}
		if err != nil {
			return &conclave.ErrStorage{Op: "record interaction", Err: err}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO interaction_history (id, agent_id, version_id, task_type, request, response, is_correct, processing_time, created_at, evaluation_notes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			interactionID, agentID, versionID, string(taskType), request, response,
			isCorrect, processingTime, now, notes); err != nil {
			return &conclave.ErrStorage{Op: "insert interaction", Err: err}
		}

		success := 0
		if isCorrect != nil && *isCorrect {
			success = 1
		}
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET total_interactions = total_interactions + 1,
			        successful_interactions = successful_interactions + $1,
			        last_modified_at = $2
			 WHERE id = $3`, success, now, agentID); err != nil {
			return &conclave.ErrStorage{Op: "update agent counters", Err: err}
		}

		// Running mean: newAvg = (oldAvg*n + sample) / (n+1).
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_performance (agent_id, version_id, task_type, correct_responses, total_attempts, average_response_time, last_evaluation_date)
			 VALUES ($1, $2, $3, $4, 1, $5, $6)
			 ON CONFLICT (agent_id, version_id, task_type) DO UPDATE SET
			        correct_responses = agent_performance.correct_responses + EXCLUDED.correct_responses,
			        average_response_time = (agent_performance.average_response_time * agent_performance.total_attempts + EXCLUDED.average_response_time) / (agent_performance.total_attempts + 1),
			        total_attempts = agent_performance.total_attempts + 1,
			        last_evaluation_date = EXCLUDED.last_evaluation_date`,
			agentID, versionID, string(taskType), success, processingTime, now); err != nil {
			return &conclave.ErrStorage{Op: "upsert performance", Err: err}
		}

		return recomputeScoresTx(ctx, tx, versionID)
	})
	if err != nil {
		return "", err
	}
	return interactionID, nil
}

// GetPerformance returns the per-task rollups for an agent.
func (s *Store) GetPerformance(ctx context.Context, agentID string) ([]conclave.AgentPerformance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, version_id, task_type, correct_responses, total_attempts, average_response_time, last_evaluation_date
		 FROM agent_performance WHERE agent_id = $1 ORDER BY task_type`, agentID)
	if err != nil {
		return nil, &conclave.ErrStorage{Op: "get performance", Err: err}
	}
	defer rows.Close()

	var perf []conclave.AgentPerformance
	for rows.Next() {
		var p conclave.AgentPerformance
		var taskType string
		if err := rows.Scan(&p.AgentID, &p.VersionID, &taskType, &p.CorrectResponses,
			&p.TotalAttempts, &p.AverageResponseTime, &p.LastEvaluationDate); err != nil {
			return nil, &conclave.ErrStorage{Op: "scan performance", Err: err}
		}
		p.TaskType = conclave.TaskType(taskType)
		perf = append(perf, p)
	}
	return perf, rows.Err()
}

// GetInteractions returns the most recent interactions, newest first.
func (s *Store) GetInteractions(ctx context.Context, agentID string, limit int) ([]conclave.Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, version_id, task_type, request, response, is_correct, processing_time, created_at, evaluation_notes
		 FROM interaction_history WHERE agent_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, &conclave.ErrStorage{Op: "get interactions", Err: err}
	}
	defer rows.Close()

	var interactions []conclave.Interaction
	for rows.Next() {
		var in conclave.Interaction
		var taskType string
		if err := rows.Scan(&in.ID, &in.AgentID, &in.VersionID, &taskType, &in.Request,
			&in.Response, &in.IsCorrect, &in.ProcessingTime, &in.CreatedAt, &in.EvaluationNotes); err != nil {
			return nil, &conclave.ErrStorage{Op: "scan interaction", Err: err}
		}
		in.TaskType = conclave.TaskType(taskType)
		interactions = append(interactions, in)
	}
	return interactions, rows.Err()
}

// PruneInteractions deletes interactions older than the cutoff.
func (s *Store) PruneInteractions(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM interaction_history WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, &conclave.ErrStorage{Op: "prune interactions", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

// --- Capabilities ---

// AddCapability records a named skill with a [0,1] rating.
func (s *Store) AddCapability(ctx context.Context, agentID, name, description string, rating float64) (string, error) {
	if rating < 0 || rating > 1 {
		return "", fmt.Errorf("capability rating %v out of [0,1]: %w", rating, conclave.ErrInvalidState)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty capability name: %w", conclave.ErrInvalidState)
	}
	capID := uuid.NewString()
	err := s.withTx(ctx, "add capability", func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM agent_capabilities WHERE agent_id = $1 AND LOWER(name) = LOWER($2)`,
			agentID, name).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "add capability", Err: err}
		}
		if count > 0 {
			return fmt.Errorf("capability %q: %w", name, conclave.ErrDuplicate)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_capabilities (id, agent_id, name, description, rating)
			 VALUES ($1, $2, $3, $4, $5)`,
			capID, agentID, name, description, rating); err != nil {
			return &conclave.ErrStorage{Op: "add capability", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return capID, nil
}

// ListCapabilities returns an agent's capabilities ordered by name.
func (s *Store) ListCapabilities(ctx context.Context, agentID string) ([]conclave.AgentCapability, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, name, description, rating
		 FROM agent_capabilities WHERE agent_id = $1 ORDER BY LOWER(name)`, agentID)
	if err != nil {
		return nil, &conclave.ErrStorage{Op: "list capabilities", Err: err}
	}
	defer rows.Close()

	var caps []conclave.AgentCapability
	for rows.Next() {
		var c conclave.AgentCapability
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Name, &c.Description, &c.Rating); err != nil {
			return nil, &conclave.ErrStorage{Op: "scan capability", Err: err}
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// UpdateCapabilityRating sets a capability's rating.
func (s *Store) UpdateCapabilityRating(ctx context.Context, capabilityID string, rating float64) error {
	if rating < 0 || rating > 1 {
		return fmt.Errorf("capability rating %v out of [0,1]: %w", rating, conclave.ErrInvalidState)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_capabilities SET rating = $1 WHERE id = $2`, rating, capabilityID)
	if err != nil {
		return &conclave.ErrStorage{Op: "update capability", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("capability %s: %w", capabilityID, conclave.ErrNotFound)
	}
	return nil
}

// --- Teams ---

// CreateTeam atomically inserts the team and its Chief member.
func (s *Store) CreateTeam(ctx context.Context, name, chiefAgentID, description string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || chiefAgentID == "" {
		return "", fmt.Errorf("create team: empty name or chief: %w", conclave.ErrInvalidState)
	}
	teamID := uuid.NewString()
	now := time.Now()
	err := s.withTx(ctx, "create team", func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM team_compositions WHERE LOWER(name) = LOWER($1)`, name).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "create team", Err: err}
		}
		if count > 0 {
			return fmt.Errorf("team %q: %w", name, conclave.ErrDuplicate)
		}
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM agents WHERE id = $1`, chiefAgentID).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "create team", Err: err}
		}
		if count == 0 {
			return fmt.Errorf("chief agent %s: %w", chiefAgentID, conclave.ErrNotFound)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO team_compositions (id, name, chief_agent_id, description, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			teamID, name, chiefAgentID, description, now); err != nil {
			return &conclave.ErrStorage{Op: "insert team", Err: err}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO team_members (team_id, agent_id, role, assignment_reason)
			 VALUES ($1, $2, $3, 'team chief')`,
			teamID, chiefAgentID, conclave.RoleChief); err != nil {
			return &conclave.ErrStorage{Op: "insert chief member", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return teamID, nil
}

const teamColumns = `id, name, chief_agent_id, description, created_at, performance_score`

func scanTeam(row pgx.Row) (conclave.Team, error) {
	var t conclave.Team
	err := row.Scan(&t.ID, &t.Name, &t.ChiefAgentID, &t.Description, &t.CreatedAt, &t.PerformanceScore)
	return t, err
}

// GetTeam returns a team by ID.
func (s *Store) GetTeam(ctx context.Context, teamID string) (conclave.Team, error) {
	t, err := scanTeam(s.pool.QueryRow(ctx,
		`SELECT `+teamColumns+` FROM team_compositions WHERE id = $1`, teamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return conclave.Team{}, fmt.Errorf("team %s: %w", teamID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.Team{}, &conclave.ErrStorage{Op: "get team", Err: err}
	}
	return t, nil
}

// GetTeamByName returns a team by name, case-insensitively.
func (s *Store) GetTeamByName(ctx context.Context, name string) (conclave.Team, error) {
	t, err := scanTeam(s.pool.QueryRow(ctx,
		`SELECT `+teamColumns+` FROM team_compositions WHERE LOWER(name) = LOWER($1)`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return conclave.Team{}, fmt.Errorf("team %q: %w", name, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.Team{}, &conclave.ErrStorage{Op: "get team by name", Err: err}
	}
	return t, nil
}

// ListTeamMembers returns a team's members, Chief first.
func (s *Store) ListTeamMembers(ctx context.Context, teamID string) ([]conclave.TeamMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT team_id, agent_id, role, assignment_reason, performance_in_team
		 FROM team_members WHERE team_id = $1
		 ORDER BY CASE WHEN role = $2 THEN 0 ELSE 1 END, agent_id`,
		teamID, conclave.RoleChief)
	if err != nil {
		return nil, &conclave.ErrStorage{Op: "list members", Err: err}
	}
	defer rows.Close()

	var members []conclave.TeamMember
	for rows.Next() {
		var m conclave.TeamMember
		if err := rows.Scan(&m.TeamID, &m.AgentID, &m.Role, &m.AssignmentReason, &m.PerformanceInTeam); err != nil {
			return nil, &conclave.ErrStorage{Op: "scan member", Err: err}
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &conclave.ErrStorage{Op: "iterate members", Err: err}
	}
	if members == nil {
		return nil, fmt.Errorf("team %s: %w", teamID, conclave.ErrNotFound)
	}
	return members, nil
}

// AddToTeam adds an agent to a team.
func (s *Store) AddToTeam(ctx context.Context, teamID, agentID, role, assignmentReason string) error {
	return s.withTx(ctx, "add to team", func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM team_compositions WHERE id = $1`, teamID).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "add to team", Err: err}
		}
		if count == 0 {
			return fmt.Errorf("team %s: %w", teamID, conclave.ErrNotFound)
		}
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM team_members WHERE team_id = $1 AND agent_id = $2`,
			teamID, agentID).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "add to team", Err: err}
		}
		if count > 0 {
			return fmt.Errorf("agent %s already in team %s: %w", agentID, teamID, conclave.ErrDuplicate)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO team_members (team_id, agent_id, role, assignment_reason)
			 VALUES ($1, $2, $3, $4)`,
			teamID, agentID, role, assignmentReason); err != nil {
			return &conclave.ErrStorage{Op: "insert member", Err: err}
		}
		return nil
	})
}

// RemoveFromTeam removes a member. The Chief cannot be removed.
func (s *Store) RemoveFromTeam(ctx context.Context, teamID, agentID string) error {
	return s.withTx(ctx, "remove from team", func(tx pgx.Tx) error {
		var role string
		err := tx.QueryRow(ctx,
			`SELECT role FROM team_members WHERE team_id = $1 AND agent_id = $2`,
			teamID, agentID).Scan(&role)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("agent %s not in team %s: %w", agentID, teamID, conclave.ErrNotFound)
		}
		if err != nil {
			return &conclave.ErrStorage{Op: "remove from team", Err: err}
		}
		if role == conclave.RoleChief {
			return fmt.Errorf("cannot remove team chief: %w", conclave.ErrInvalidState)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM team_members WHERE team_id = $1 AND agent_id = $2`, teamID, agentID); err != nil {
			return &conclave.ErrStorage{Op: "delete member", Err: err}
		}
		return nil
	})
}

// UpdateTeamMemberPerformance sets one member's score and recomputes the
// team score as the mean over members.
func (s *Store) UpdateTeamMemberPerformance(ctx context.Context, teamID, agentID string, performance float64) error {
	return s.withTx(ctx, "update member performance", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE team_members SET performance_in_team = $1 WHERE team_id = $2 AND agent_id = $3`,
			performance, teamID, agentID)
		if err != nil {
			return &conclave.ErrStorage{Op: "update member", Err: err}
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("agent %s not in team %s: %w", agentID, teamID, conclave.ErrNotFound)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE team_compositions SET performance_score =
			   (SELECT AVG(performance_in_team) FROM team_members WHERE team_id = $1)
			 WHERE id = $1`, teamID); err != nil {
			return &conclave.ErrStorage{Op: "update team score", Err: err}
		}
		return nil
	})
}

// --- Quick-access metrics view ---

// RecordPerformanceLog appends one quick-access metrics row.
func (s *Store) RecordPerformanceLog(ctx context.Context, entry conclave.PerformanceLogEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_performance_log (id, agent_id, task_type, success, response_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, entry.AgentID, string(entry.TaskType), entry.Success, entry.ResponseTime, created)
	if err != nil {
		return &conclave.ErrStorage{Op: "record performance log", Err: err}
	}
	return nil
}

// RefreshPerformanceSummary rebuilds one agent's summary row from the log.
func (s *Store) RefreshPerformanceSummary(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO performance_summary (agent_id, total_requests, successful_requests, average_response_time, updated_at)
		 SELECT $1, COUNT(*), COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0), COALESCE(AVG(response_time), 0), $2
		 FROM agent_performance_log WHERE agent_id = $1
		 ON CONFLICT (agent_id) DO UPDATE SET
		        total_requests = EXCLUDED.total_requests,
		        successful_requests = EXCLUDED.successful_requests,
		        average_response_time = EXCLUDED.average_response_time,
		        updated_at = EXCLUDED.updated_at`,
		agentID, time.Now())
	if err != nil {
		return &conclave.ErrStorage{Op: "refresh summary", Err: err}
	}
	return nil
}

// GetPerformanceSummary returns one agent's summary row.
func (s *Store) GetPerformanceSummary(ctx context.Context, agentID string) (conclave.PerformanceSummary, error) {
	var p conclave.PerformanceSummary
	err := s.pool.QueryRow(ctx,
		`SELECT agent_id, total_requests, successful_requests, average_response_time, updated_at
		 FROM performance_summary WHERE agent_id = $1`, agentID).
		Scan(&p.AgentID, &p.TotalRequests, &p.SuccessfulRequests, &p.AverageResponseTime, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return conclave.PerformanceSummary{}, fmt.Errorf("summary for agent %s: %w", agentID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.PerformanceSummary{}, &conclave.ErrStorage{Op: "get summary", Err: err}
	}
	return p, nil
}
