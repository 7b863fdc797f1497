package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave"
	"github.com/google/uuid"
)

// AddAgent atomically inserts an agent together with its active version #1.
func (s *Store) AddAgent(ctx context.Context, name, purpose, initialPrompt, createdBy string) (string, error) {
	start := time.Now()
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(initialPrompt) == "" {
		return "", fmt.Errorf("add agent: empty name or prompt: %w", conclave.ErrInvalidState)
	}
	s.logger.Debug("sqlite: add agent", "name", name)

	agentID := uuid.NewString()
	now := time.Now().Unix()
	err := s.withTx(ctx, "add agent", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agents WHERE LOWER(name) = LOWER(?)`, name).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "add agent", Err: err}
		}
		if count > 0 {
			return fmt.Errorf("agent %q: %w", name, conclave.ErrDuplicate)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, name, purpose, active, created_at, last_modified_at)
			 VALUES (?, ?, ?, 1, ?, ?)`,
			agentID, name, purpose, now, now); err != nil {
			return &conclave.ErrStorage{Op: "add agent", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_versions (id, agent_id, version_number, prompt_text, comments, created_at, created_by, active)
			 VALUES (?, ?, 1, ?, 'initial version', ?, ?, 1)`,
			uuid.NewString(), agentID, initialPrompt, now, createdBy); err != nil {
			return &conclave.ErrStorage{Op: "add agent version", Err: err}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sqlite: add agent failed", "name", name, "error", err, "duration", time.Since(start))
		return "", err
	}
	s.logger.Debug("sqlite: add agent ok", "name", name, "id", agentID, "duration", time.Since(start))
	return agentID, nil
}

const agentColumns = `id, name, purpose, active, created_at, last_modified_at, base_score, total_interactions, successful_interactions`

// scanAgent scans one agent row.
func scanAgent(row interface{ Scan(...any) error }) (conclave.Agent, error) {
	var (
		a                 conclave.Agent
		active            int
		created, modified int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Purpose, &active, &created, &modified,
		&a.BaseScore, &a.TotalInteractions, &a.SuccessfulInteractions)
	if err != nil {
		return conclave.Agent{}, err
	}
	a.Active = active != 0
	a.CreatedAt = time.Unix(created, 0)
	a.LastModifiedAt = time.Unix(modified, 0)
	return a, nil
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (conclave.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conclave.Agent{}, fmt.Errorf("agent %s: %w", agentID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.Agent{}, &conclave.ErrStorage{Op: "get agent", Err: err}
	}
	return a, nil
}

// GetAgentByName returns an agent by name, case-insensitively.
func (s *Store) GetAgentByName(ctx context.Context, name string) (conclave.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE LOWER(name) = LOWER(?)`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY LOWER(name)`
	rows, err := s.db.QueryContext(ctx, q)
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
	if err := rows.Err(); err != nil {
		return nil, &conclave.ErrStorage{Op: "iterate agents", Err: err}
	}
	return agents, nil
}

// SetAgentActive soft-activates or soft-deactivates an agent.
func (s *Store) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET active = ?, last_modified_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().Unix(), agentID)
	if err != nil {
		return &conclave.ErrStorage{Op: "set agent active", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, conclave.ErrNotFound)
	}
	return nil
}

// RemoveAgentCompletely hard-deletes the agent and all dependent rows.
// Teams chaired by the agent are handled per the policy.
func (s *Store) RemoveAgentCompletely(ctx context.Context, agentID string, policy conclave.ChiefPolicy) error {
	start := time.Now()
	s.logger.Debug("sqlite: remove agent", "id", agentID, "policy", int(policy))

	err := s.withTx(ctx, "remove agent", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, agentID).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "remove agent", Err: err}
		}
		if count == 0 {
			return fmt.Errorf("agent %s: %w", agentID, conclave.ErrNotFound)
		}

		var chaired int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM team_compositions WHERE chief_agent_id = ?`, agentID).Scan(&chaired); err != nil {
			return &conclave.ErrStorage{Op: "remove agent", Err: err}
		}
		switch {
		case chaired > 0 && policy == conclave.ChiefReject:
			return fmt.Errorf("agent %s chairs %d team(s): %w", agentID, chaired, conclave.ErrInvalidState)
		case chaired > 0 && policy == conclave.ChiefCascade:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM team_compositions WHERE chief_agent_id = ?`, agentID); err != nil {
				return &conclave.ErrStorage{Op: "remove chaired teams", Err: err}
			}
		}

		// Every dependent row is deleted explicitly, deepest first, so the
		// purge never depends on per-connection FK enforcement.
		for _, q := range []string{
			`DELETE FROM prompt_modifications WHERE version_id IN
				(SELECT id FROM agent_versions WHERE agent_id = ?)`,
			`DELETE FROM agent_versions WHERE agent_id = ?`,
			`DELETE FROM interaction_history WHERE agent_id = ?`,
			`DELETE FROM agent_performance WHERE agent_id = ?`,
			`DELETE FROM agent_capabilities WHERE agent_id = ?`,
			`DELETE FROM team_members WHERE agent_id = ?`,
			`DELETE FROM agent_performance_log WHERE agent_id = ?`,
			`DELETE FROM performance_summary WHERE agent_id = ?`,
			`DELETE FROM agents WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, agentID); err != nil {
				return &conclave.ErrStorage{Op: "remove agent", Err: err}
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sqlite: remove agent failed", "id", agentID, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: remove agent ok", "id", agentID, "duration", time.Since(start))
	return nil
}

// AddAgentVersion supersedes the active version: previous versions are
// deactivated, the new version becomes active with number max+1, and a
// prompt modification row links it to its predecessor.
func (s *Store) AddAgentVersion(ctx context.Context, agentID, promptText, reason, changeSummary, createdBy string, performanceBefore float64) (int, error) {
	start := time.Now()
	if strings.TrimSpace(promptText) == "" {
		return 0, fmt.Errorf("add version: empty prompt: %w", conclave.ErrInvalidState)
	}

	var number int
	now := time.Now().Unix()
	err := s.withTx(ctx, "add version", func(tx *sql.Tx) error {
		var prevID sql.NullString
		var maxNumber sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM agent_versions WHERE agent_id = ? AND active = 1`, agentID).Scan(&prevID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return &conclave.ErrStorage{Op: "add version", Err: err}
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(version_number) FROM agent_versions WHERE agent_id = ?`, agentID).Scan(&maxNumber); err != nil {
			return &conclave.ErrStorage{Op: "add version", Err: err}
		}
		if !maxNumber.Valid {
			return fmt.Errorf("agent %s has no versions: %w", agentID, conclave.ErrNotFound)
		}
		number = int(maxNumber.Int64) + 1

		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_versions SET active = 0 WHERE agent_id = ?`, agentID); err != nil {
			return &conclave.ErrStorage{Op: "deactivate versions", Err: err}
		}
		versionID := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_versions (id, agent_id, version_number, prompt_text, comments, created_at, created_by, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			versionID, agentID, number, promptText, changeSummary, now, createdBy); err != nil {
			return &conclave.ErrStorage{Op: "insert version", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prompt_modifications (id, version_id, previous_version_id, reason, change_summary, performance_before, modified_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), versionID, prevID, reason, changeSummary, performanceBefore, now); err != nil {
			return &conclave.ErrStorage{Op: "insert modification", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET last_modified_at = ? WHERE id = ?`, now, agentID); err != nil {
			return &conclave.ErrStorage{Op: "touch agent", Err: err}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sqlite: add version failed", "agent_id", agentID, "error", err, "duration", time.Since(start))
		return 0, err
	}
	s.logger.Debug("sqlite: add version ok", "agent_id", agentID, "version", number, "duration", time.Since(start))
	return number, nil
}

const versionColumns = `id, agent_id, version_number, prompt_text, comments, known_issues, created_at, created_by, performance_score, active`

// scanVersion scans one agent version row.
func scanVersion(row interface{ Scan(...any) error }) (conclave.AgentVersion, error) {
	var (
		v       conclave.AgentVersion
		created int64
		active  int
	)
	err := row.Scan(&v.ID, &v.AgentID, &v.VersionNumber, &v.PromptText, &v.Comments,
		&v.KnownIssues, &created, &v.CreatedBy, &v.PerformanceScore, &active)
	if err != nil {
		return conclave.AgentVersion{}, err
	}
	v.CreatedAt = time.Unix(created, 0)
	v.Active = active != 0
	return v, nil
}

// GetCurrentAgentVersion returns the agent's active version.
func (s *Store) GetCurrentAgentVersion(ctx context.Context, agentID string) (conclave.AgentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE agent_id = ? AND active = 1`, agentID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conclave.AgentVersion{}, fmt.Errorf("no active version for agent %s: %w", agentID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.AgentVersion{}, &conclave.ErrStorage{Op: "get current version", Err: err}
	}
	return v, nil
}

// GetAgentVersion returns a version by ID.
func (s *Store) GetAgentVersion(ctx context.Context, versionID string) (conclave.AgentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE id = ?`, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conclave.AgentVersion{}, fmt.Errorf("version %s: %w", versionID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.AgentVersion{}, &conclave.ErrStorage{Op: "get version", Err: err}
	}
	return v, nil
}

// GetVersionHistory returns all of an agent's versions, newest first.
func (s *Store) GetVersionHistory(ctx context.Context, agentID string) ([]conclave.AgentVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE agent_id = ? ORDER BY version_number DESC`, agentID)
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
	if err := rows.Err(); err != nil {
		return nil, &conclave.ErrStorage{Op: "iterate versions", Err: err}
	}
	return versions, nil
}

// RecomputeScores recalculates a version's performance score from its
// per-task rollups, writes performance_after on modifications referencing
// it, and refreshes the parent agent's base score when the version is
// active.
func (s *Store) RecomputeScores(ctx context.Context, versionID string) error {
	return s.withTx(ctx, "recompute scores", func(tx *sql.Tx) error {
		return recomputeScoresTx(ctx, tx, versionID)
	})
}

// recomputeScoresTx is the transaction body of RecomputeScores, shared
// with RecordInteraction.
func recomputeScoresTx(ctx context.Context, tx *sql.Tx, versionID string) error {
	var agentID string
	var active int
	err := tx.QueryRowContext(ctx,
		`SELECT agent_id, active FROM agent_versions WHERE id = ?`, versionID).Scan(&agentID, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("version %s: %w", versionID, conclave.ErrNotFound)
	}
	if err != nil {
		return &conclave.ErrStorage{Op: "recompute scores", Err: err}
	}

	var correct, total sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT SUM(correct_responses), SUM(total_attempts) FROM agent_performance WHERE version_id = ?`,
		versionID).Scan(&correct, &total); err != nil {
		return &conclave.ErrStorage{Op: "recompute scores", Err: err}
	}
	score := 0.0
	if total.Valid && total.Int64 > 0 {
		score = float64(correct.Int64) / float64(total.Int64)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_versions SET performance_score = ? WHERE id = ?`, score, versionID); err != nil {
		return &conclave.ErrStorage{Op: "update version score", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE prompt_modifications SET performance_after = ? WHERE version_id = ?`, score, versionID); err != nil {
		return &conclave.ErrStorage{Op: "update modification score", Err: err}
	}
	if active != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET base_score = ? WHERE id = ?`, score, agentID); err != nil {
			return &conclave.ErrStorage{Op: "update agent score", Err: err}
		}
	}
	return nil
}

// RecordInteraction resolves the active version, inserts the interaction,
// increments agent counters, upserts the per-task-type rollup with a
// running response-time mean, and recomputes the version's score — all in
// one transaction.
func (s *Store) RecordInteraction(ctx context.Context, agentID string, taskType conclave.TaskType, request, response string, isCorrect *bool, processingTime float64, notes string) (string, error) {
	start := time.Now()
	interactionID := uuid.NewString()
	now := time.Now().Unix()

	err := s.withTx(ctx, "record interaction", func(tx *sql.Tx) error {
		var versionID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM agent_versions WHERE agent_id = ? AND active = 1`, agentID).Scan(&versionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no active version for agent %s: %w", agentID, conclave.ErrInvalidState)
		}
		if err != nil {
			return &conclave.ErrStorage{Op: "record interaction", Err: err}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interaction_history (id, agent_id, version_id, task_type, request, response, is_correct, processing_time, created_at, evaluation_notes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			interactionID, agentID, versionID, string(taskType), request, response,
			nullBool(isCorrect), processingTime, now, notes); err != nil {
			return &conclave.ErrStorage{Op: "insert interaction", Err: err}
		}

		success := boolToInt(isCorrect != nil && *isCorrect)
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET total_interactions = total_interactions + 1,
			        successful_interactions = successful_interactions + ?,
			        last_modified_at = ?
			 WHERE id = ?`,
			success, now, agentID); err != nil {
			return &conclave.ErrStorage{Op: "update agent counters", Err: err}
		}

		// Running mean: newAvg = (oldAvg*n + sample) / (n+1).
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_performance (agent_id, version_id, task_type, correct_responses, total_attempts, average_response_time, last_evaluation_date)
			 VALUES (?, ?, ?, ?, 1, ?, ?)
			 ON CONFLICT(agent_id, version_id, task_type) DO UPDATE SET
			        correct_responses = correct_responses + excluded.correct_responses,
			        average_response_time = (average_response_time * total_attempts + excluded.average_response_time) / (total_attempts + 1),
			        total_attempts = total_attempts + 1,
			        last_evaluation_date = excluded.last_evaluation_date`,
			agentID, versionID, string(taskType), success, processingTime, now); err != nil {
			return &conclave.ErrStorage{Op: "upsert performance", Err: err}
		}

		return recomputeScoresTx(ctx, tx, versionID)
	})
	if err != nil {
		s.logger.Error("sqlite: record interaction failed", "agent_id", agentID, "error", err, "duration", time.Since(start))
		return "", err
	}
	s.logger.Debug("sqlite: record interaction ok", "agent_id", agentID, "task_type", string(taskType), "duration", time.Since(start))
	return interactionID, nil
}

// GetPerformance returns the per-task rollups for an agent across versions.
func (s *Store) GetPerformance(ctx context.Context, agentID string) ([]conclave.AgentPerformance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, version_id, task_type, correct_responses, total_attempts, average_response_time, last_evaluation_date
		 FROM agent_performance WHERE agent_id = ? ORDER BY task_type`, agentID)
	if err != nil {
		return nil, &conclave.ErrStorage{Op: "get performance", Err: err}
	}
	defer rows.Close()

	var perf []conclave.AgentPerformance
	for rows.Next() {
		var (
			p        conclave.AgentPerformance
			taskType string
			evalDate int64
		)
		if err := rows.Scan(&p.AgentID, &p.VersionID, &taskType, &p.CorrectResponses,
			&p.TotalAttempts, &p.AverageResponseTime, &evalDate); err != nil {
			return nil, &conclave.ErrStorage{Op: "scan performance", Err: err}
		}
		p.TaskType = conclave.TaskType(taskType)
		p.LastEvaluationDate = time.Unix(evalDate, 0)
		perf = append(perf, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &conclave.ErrStorage{Op: "iterate performance", Err: err}
	}
	return perf, nil
}

// GetInteractions returns the most recent interactions for an agent,
// newest first.
func (s *Store) GetInteractions(ctx context.Context, agentID string, limit int) ([]conclave.Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, version_id, task_type, request, response, is_correct, processing_time, created_at, evaluation_notes
		 FROM interaction_history WHERE agent_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, &conclave.ErrStorage{Op: "get interactions", Err: err}
	}
	defer rows.Close()

	var interactions []conclave.Interaction
	for rows.Next() {
		var (
			in        conclave.Interaction
			taskType  string
			isCorrect sql.NullInt64
			created   int64
		)
		if err := rows.Scan(&in.ID, &in.AgentID, &in.VersionID, &taskType, &in.Request,
			&in.Response, &isCorrect, &in.ProcessingTime, &created, &in.EvaluationNotes); err != nil {
			return nil, &conclave.ErrStorage{Op: "scan interaction", Err: err}
		}
		in.TaskType = conclave.TaskType(taskType)
		in.IsCorrect = scanNullBool(isCorrect)
		in.CreatedAt = time.Unix(created, 0)
		interactions = append(interactions, in)
	}
	if err := rows.Err(); err != nil {
		return nil, &conclave.ErrStorage{Op: "iterate interactions", Err: err}
	}
	return interactions, nil
}

// PruneInteractions deletes interactions older than the cutoff and
// returns the number removed.
func (s *Store) PruneInteractions(ctx context.Context, olderThan time.Time) (int, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM interaction_history WHERE created_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, &conclave.ErrStorage{Op: "prune interactions", Err: err}
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: prune interactions", "removed", n, "duration", time.Since(start))
	return int(n), nil
}

// AddCapability records a named skill with a [0,1] rating. Names are
// unique per agent.
func (s *Store) AddCapability(ctx context.Context, agentID, name, description string, rating float64) (string, error) {
	if rating < 0 || rating > 1 {
		return "", fmt.Errorf("capability rating %v out of [0,1]: %w", rating, conclave.ErrInvalidState)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty capability name: %w", conclave.ErrInvalidState)
	}
	capID := uuid.NewString()
	err := s.withTx(ctx, "add capability", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agent_capabilities WHERE agent_id = ? AND LOWER(name) = LOWER(?)`,
			agentID, name).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "add capability", Err: err}
		}
		if count > 0 {
			return fmt.Errorf("capability %q: %w", name, conclave.ErrDuplicate)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_capabilities (id, agent_id, name, description, rating)
			 VALUES (?, ?, ?, ?, ?)`,
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, description, rating
		 FROM agent_capabilities WHERE agent_id = ? ORDER BY LOWER(name)`, agentID)
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
	if err := rows.Err(); err != nil {
		return nil, &conclave.ErrStorage{Op: "iterate capabilities", Err: err}
	}
	return caps, nil
}

// UpdateCapabilityRating sets a capability's rating.
func (s *Store) UpdateCapabilityRating(ctx context.Context, capabilityID string, rating float64) error {
	if rating < 0 || rating > 1 {
		return fmt.Errorf("capability rating %v out of [0,1]: %w", rating, conclave.ErrInvalidState)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_capabilities SET rating = ? WHERE id = ?`, rating, capabilityID)
	if err != nil {
		return &conclave.ErrStorage{Op: "update capability", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("capability %s: %w", capabilityID, conclave.ErrNotFound)
	}
	return nil
}
