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

// CreateTeam atomically inserts the team and its Chief as the first
// member with role "Chief". Team names are unique.
func (s *Store) CreateTeam(ctx context.Context, name, chiefAgentID, description string) (string, error) {
	start := time.Now()
	name = strings.TrimSpace(name)
	if name == "" || chiefAgentID == "" {
		return "", fmt.Errorf("create team: empty name or chief: %w", conclave.ErrInvalidState)
	}

	teamID := uuid.NewString()
	now := time.Now().Unix()
	err := s.withTx(ctx, "create team", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM team_compositions WHERE LOWER(name) = LOWER(?)`, name).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "create team", Err: err}
		}
		if count > 0 {
			return fmt.Errorf("team %q: %w", name, conclave.ErrDuplicate)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agents WHERE id = ?`, chiefAgentID).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "create team", Err: err}
		}
		if count == 0 {
			return fmt.Errorf("chief agent %s: %w", chiefAgentID, conclave.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO team_compositions (id, name, chief_agent_id, description, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			teamID, name, chiefAgentID, description, now); err != nil {
			return &conclave.ErrStorage{Op: "insert team", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO team_members (team_id, agent_id, role, assignment_reason)
			 VALUES (?, ?, ?, 'team chief')`,
			teamID, chiefAgentID, conclave.RoleChief); err != nil {
			return &conclave.ErrStorage{Op: "insert chief member", Err: err}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sqlite: create team failed", "name", name, "error", err, "duration", time.Since(start))
		return "", err
	}
	s.logger.Debug("sqlite: create team ok", "name", name, "id", teamID, "duration", time.Since(start))
	return teamID, nil
}

const teamColumns = `id, name, chief_agent_id, description, created_at, performance_score`

// scanTeam scans one team row.
func scanTeam(row interface{ Scan(...any) error }) (conclave.Team, error) {
	var (
		t       conclave.Team
		created int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.ChiefAgentID, &t.Description, &created, &t.PerformanceScore)
	if err != nil {
		return conclave.Team{}, err
	}
	t.CreatedAt = time.Unix(created, 0)
	return t, nil
}

// GetTeam returns a team by ID.
func (s *Store) GetTeam(ctx context.Context, teamID string) (conclave.Team, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM team_compositions WHERE id = ?`, teamID)
	t, err := scanTeam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conclave.Team{}, fmt.Errorf("team %s: %w", teamID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.Team{}, &conclave.ErrStorage{Op: "get team", Err: err}
	}
	return t, nil
}

// GetTeamByName returns a team by name, case-insensitively.
func (s *Store) GetTeamByName(ctx context.Context, name string) (conclave.Team, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+teamColumns+` FROM team_compositions WHERE LOWER(name) = LOWER(?)`, name)
	t, err := scanTeam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conclave.Team{}, fmt.Errorf("team %q: %w", name, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.Team{}, &conclave.ErrStorage{Op: "get team by name", Err: err}
	}
	return t, nil
}

// ListTeamMembers returns a team's members, Chief first.
func (s *Store) ListTeamMembers(ctx context.Context, teamID string) ([]conclave.TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT team_id, agent_id, role, assignment_reason, performance_in_team
		 FROM team_members WHERE team_id = ?
		 ORDER BY CASE WHEN role = ? THEN 0 ELSE 1 END, agent_id`,
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

// AddToTeam adds an agent to a team. The pair (team, agent) is unique.
func (s *Store) AddToTeam(ctx context.Context, teamID, agentID, role, assignmentReason string) error {
	return s.withTx(ctx, "add to team", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM team_compositions WHERE id = ?`, teamID).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "add to team", Err: err}
		}
		if count == 0 {
			return fmt.Errorf("team %s: %w", teamID, conclave.ErrNotFound)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM team_members WHERE team_id = ? AND agent_id = ?`,
			teamID, agentID).Scan(&count); err != nil {
			return &conclave.ErrStorage{Op: "add to team", Err: err}
		}
		if count > 0 {
			return fmt.Errorf("agent %s already in team %s: %w", agentID, teamID, conclave.ErrDuplicate)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO team_members (team_id, agent_id, role, assignment_reason)
			 VALUES (?, ?, ?, ?)`,
			teamID, agentID, role, assignmentReason); err != nil {
			return &conclave.ErrStorage{Op: "insert member", Err: err}
		}
		return nil
	})
}

// RemoveFromTeam removes a member. The Chief cannot be removed.
func (s *Store) RemoveFromTeam(ctx context.Context, teamID, agentID string) error {
	return s.withTx(ctx, "remove from team", func(tx *sql.Tx) error {
		var role string
		err := tx.QueryRowContext(ctx,
			`SELECT role FROM team_members WHERE team_id = ? AND agent_id = ?`,
			teamID, agentID).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("agent %s not in team %s: %w", agentID, teamID, conclave.ErrNotFound)
		}
		if err != nil {
			return &conclave.ErrStorage{Op: "remove from team", Err: err}
		}
		if role == conclave.RoleChief {
			return fmt.Errorf("cannot remove team chief: %w", conclave.ErrInvalidState)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM team_members WHERE team_id = ? AND agent_id = ?`, teamID, agentID); err != nil {
			return &conclave.ErrStorage{Op: "delete member", Err: err}
		}
		return nil
	})
}

// UpdateTeamMemberPerformance sets one member's score and recomputes the
// team score as the mean over members.
func (s *Store) UpdateTeamMemberPerformance(ctx context.Context, teamID, agentID string, performance float64) error {
	return s.withTx(ctx, "update member performance", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE team_members SET performance_in_team = ? WHERE team_id = ? AND agent_id = ?`,
			performance, teamID, agentID)
		if err != nil {
			return &conclave.ErrStorage{Op: "update member", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("agent %s not in team %s: %w", agentID, teamID, conclave.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE team_compositions SET performance_score =
			   (SELECT AVG(performance_in_team) FROM team_members WHERE team_id = ?)
			 WHERE id = ?`, teamID, teamID); err != nil {
			return &conclave.ErrStorage{Op: "update team score", Err: err}
		}
		return nil
	})
}

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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_performance_log (id, agent_id, task_type, success, response_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, entry.AgentID, string(entry.TaskType), boolToInt(entry.Success), entry.ResponseTime, created.Unix())
	if err != nil {
		return &conclave.ErrStorage{Op: "record performance log", Err: err}
	}
	return nil
}

// RefreshPerformanceSummary rebuilds one agent's summary row from the log.
func (s *Store) RefreshPerformanceSummary(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO performance_summary (agent_id, total_requests, successful_requests, average_response_time, updated_at)
		 SELECT ?, COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(response_time), 0), ?
		 FROM agent_performance_log WHERE agent_id = ?`,
		agentID, time.Now().Unix(), agentID)
	if err != nil {
		return &conclave.ErrStorage{Op: "refresh summary", Err: err}
	}
	return nil
}

// GetPerformanceSummary returns one agent's summary row.
func (s *Store) GetPerformanceSummary(ctx context.Context, agentID string) (conclave.PerformanceSummary, error) {
	var (
		p       conclave.PerformanceSummary
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, total_requests, successful_requests, average_response_time, updated_at
		 FROM performance_summary WHERE agent_id = ?`, agentID).
		Scan(&p.AgentID, &p.TotalRequests, &p.SuccessfulRequests, &p.AverageResponseTime, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return conclave.PerformanceSummary{}, fmt.Errorf("summary for agent %s: %w", agentID, conclave.ErrNotFound)
	}
	if err != nil {
		return conclave.PerformanceSummary{}, &conclave.ErrStorage{Op: "get summary", Err: err}
	}
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}
