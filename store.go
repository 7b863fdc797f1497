package conclave

import (
	"context"
	"time"
)

// --- Durable entities ---

// Agent is a named role backed by versioned prompts.
// Invariant: SuccessfulInteractions <= TotalInteractions.
type Agent struct {
	ID                     string
	Name                   string
	Purpose                string
	Active                 bool
	CreatedAt              time.Time
	LastModifiedAt         time.Time
	BaseScore              float64
	TotalInteractions      int
	SuccessfulInteractions int
}

// AgentVersion is an immutable snapshot of an agent's prompt. Exactly one
// version per agent is active at any observable moment; version numbers
// are monotonic per agent, starting at 1.
type AgentVersion struct {
	ID               string
	AgentID          string
	VersionNumber    int
	PromptText       string
	Comments         string
	KnownIssues      string
	CreatedAt        time.Time
	CreatedBy        string
	PerformanceScore float64
	Active           bool
}

// PromptModification links a non-initial version to the version it
// superseded. Deleting the previous version clears PreviousVersionID
// rather than cascading.
type PromptModification struct {
	ID                string
	VersionID         string
	PreviousVersionID string
	Reason            string
	ChangeSummary     string
	PerformanceBefore float64
	PerformanceAfter  *float64
	ModifiedAt        time.Time
}

// AgentPerformance is the per-(agent, version, task type) rollup.
// AverageResponseTime is a running mean over TotalAttempts samples.
type AgentPerformance struct {
	AgentID             string
	VersionID           string
	TaskType            TaskType
	CorrectResponses    int
	TotalAttempts       int
	AverageResponseTime float64
	LastEvaluationDate  time.Time
}

// Interaction is an immutable record of one agent exchange. IsCorrect is
// nil until an external evaluator judges the response.
type Interaction struct {
	ID              string
	AgentID         string
	VersionID       string
	TaskType        TaskType
	Request         string
	Response        string
	IsCorrect       *bool
	ProcessingTime  float64
	CreatedAt       time.Time
	EvaluationNotes string
}

// AgentCapability names a skill with a [0,1] rating. Capability names are
// unique per agent, case-insensitively.
type AgentCapability struct {
	ID          string
	AgentID     string
	Name        string
	Description string
	Rating      float64
}

// Team groups agents under a Chief. The Chief is always a member with
// role "Chief" and cannot be removed. PerformanceScore is the mean of
// member PerformanceInTeam values.
type Team struct {
	ID               string
	Name             string
	ChiefAgentID     string
	Description      string
	CreatedAt        time.Time
	PerformanceScore float64
}

// TeamMember is one agent's membership in a team; (TeamID, AgentID) is
// the composite key.
type TeamMember struct {
	TeamID            string
	AgentID           string
	Role              string
	AssignmentReason  string
	PerformanceInTeam float64
}

// RoleChief is the reserved team role of the Chief member.
const RoleChief = "Chief"

// PerformanceLogEntry is a flat quick-access metrics row.
type PerformanceLogEntry struct {
	ID           string
	AgentID      string
	TaskType     TaskType
	Success      bool
	ResponseTime float64
	CreatedAt    time.Time
}

// PerformanceSummary is the per-agent rollup of the performance log.
type PerformanceSummary struct {
	AgentID             string
	TotalRequests       int
	SuccessfulRequests  int
	AverageResponseTime float64
	UpdatedAt           time.Time
}

// --- Removal policy ---

// ChiefPolicy selects what RemoveAgentCompletely does with teams whose
// Chief is the agent being removed.
type ChiefPolicy int

const (
	// ChiefLeaveDangling deletes the agent and leaves its teams intact
	// with a dangling ChiefAgentID. This mirrors the historical behavior;
	// callers opting in accept the dangling reference.
	ChiefLeaveDangling ChiefPolicy = iota
	// ChiefReject fails the removal with ErrInvalidState while the agent
	// chairs any team.
	ChiefReject
	// ChiefCascade deletes the chaired teams along with the agent.
	ChiefCascade
)

// --- Store contract ---

// Store is the transactional persistence contract over agents, versions,
// interactions, performance, capabilities, and teams. Each method owns
// one transaction; concurrent callers observe serializable semantics for
// same-row edits. Implementations wrap lookup misses in ErrNotFound, name
// collisions in ErrDuplicate, and invariant violations in ErrInvalidState.
type Store interface {
	// --- Agents ---

	// AddAgent atomically inserts an agent together with its active
	// version #1. The name is unique case-insensitively.
	AddAgent(ctx context.Context, name, purpose, initialPrompt, createdBy string) (string, error)
	GetAgent(ctx context.Context, agentID string) (Agent, error)
	GetAgentByName(ctx context.Context, name string) (Agent, error)
	ListAgents(ctx context.Context, activeOnly bool) ([]Agent, error)
	// SetAgentActive soft-activates or soft-deactivates an agent.
	SetAgentActive(ctx context.Context, agentID string, active bool) error
	// RemoveAgentCompletely hard-deletes the agent and all dependent rows
	// (performance, interactions, prompt modifications, capabilities, team
	// memberships, versions). Teams chaired by the agent are handled per
	// the policy.
	RemoveAgentCompletely(ctx context.Context, agentID string, policy ChiefPolicy) error

	// --- Versions ---

	// AddAgentVersion supersedes the active version: previous versions are
	// deactivated, the new version becomes active with number max+1, and a
	// PromptModification row links it to its predecessor. Returns the new
	// version number.
	AddAgentVersion(ctx context.Context, agentID, promptText, reason, changeSummary, createdBy string, performanceBefore float64) (int, error)
	GetCurrentAgentVersion(ctx context.Context, agentID string) (AgentVersion, error)
	GetAgentVersion(ctx context.Context, versionID string) (AgentVersion, error)
	GetVersionHistory(ctx context.Context, agentID string) ([]AgentVersion, error)
	// RecomputeScores recalculates the version's performance score from
	// its AgentPerformance rows, writes PerformanceAfter on modifications
	// referencing the version, and sets the parent agent's base score.
	RecomputeScores(ctx context.Context, versionID string) error

	// --- Interactions & performance ---

	// RecordInteraction resolves the active version, inserts the
	// interaction, increments agent counters, upserts the per-task-type
	// performance rollup, and recomputes the version's score — all in one
	// transaction. Fails with ErrInvalidState when no version is active.
	RecordInteraction(ctx context.Context, agentID string, taskType TaskType, request, response string, isCorrect *bool, processingTime float64, notes string) (string, error)
	GetPerformance(ctx context.Context, agentID string) ([]AgentPerformance, error)
	GetInteractions(ctx context.Context, agentID string, limit int) ([]Interaction, error)
	// PruneInteractions deletes interactions older than the cutoff and
	// returns the number removed.
	PruneInteractions(ctx context.Context, olderThan time.Time) (int, error)

	// --- Capabilities ---

	AddCapability(ctx context.Context, agentID, name, description string, rating float64) (string, error)
	ListCapabilities(ctx context.Context, agentID string) ([]AgentCapability, error)
	UpdateCapabilityRating(ctx context.Context, capabilityID string, rating float64) error

	// --- Teams ---

	// CreateTeam atomically inserts the team and the Chief as its first
	// member with role "Chief".
	CreateTeam(ctx context.Context, name, chiefAgentID, description string) (string, error)
	GetTeam(ctx context.Context, teamID string) (Team, error)
	GetTeamByName(ctx context.Context, name string) (Team, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error)
	AddToTeam(ctx context.Context, teamID, agentID, role, assignmentReason string) error
	// RemoveFromTeam refuses to remove the Chief (ErrInvalidState).
	RemoveFromTeam(ctx context.Context, teamID, agentID string) error
	// UpdateTeamMemberPerformance sets one member's score and recomputes
	// the team score as the mean over members.
	UpdateTeamMemberPerformance(ctx context.Context, teamID, agentID string, performance float64) error

	// --- Quick-access metrics view ---

	RecordPerformanceLog(ctx context.Context, entry PerformanceLogEntry) error
	RefreshPerformanceSummary(ctx context.Context, agentID string) error
	GetPerformanceSummary(ctx context.Context, agentID string) (PerformanceSummary, error)

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}
