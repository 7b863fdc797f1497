package conclave

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// mockCompleter returns canned responses in order, optionally failing or
// blocking. Safe for concurrent use.
type mockCompleter struct {
	mu        sync.Mutex
	responses []string // popped in order; empty means echo the last user message
	errs      []error  // parallel to responses; nil entries succeed
	idx       int
	requests  []CompletionRequest
	delay     time.Duration
}

func (m *mockCompleter) Name() string { return "mock" }

func (m *mockCompleter) next(req CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	var err error
	if m.idx < len(m.errs) {
		err = m.errs[m.idx]
	}
	text := ""
	if m.idx < len(m.responses) {
		text = m.responses[m.idx]
	} else if n := len(req.Messages); n > 0 {
		text = "echo: " + req.Messages[n-1].Text()
	}
	m.idx++
	return text, err
}

func (m *mockCompleter) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	text, err := m.next(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	return CompletionResponse{Content: text, StopReason: "end_turn"}, nil
}

func (m *mockCompleter) CompleteStream(ctx context.Context, req CompletionRequest, ch chan<- string) (CompletionResponse, error) {
	defer close(ch)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return CompletionResponse{}, err
	}
	text, err := m.next(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	// Stream in two chunks to exercise delta accumulation.
	if cut := len(text) / 2; cut > 0 {
		ch <- text[:cut]
		ch <- text[cut:]
	} else {
		ch <- text
	}
	return CompletionResponse{Content: text, StopReason: "end_turn", Usage: Usage{InputTokens: 3, OutputTokens: 7}}, nil
}

func (m *mockCompleter) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// fakeStore is an in-memory Store for tests.
type fakeStore struct {
	mu           sync.Mutex
	agents       map[string]*Agent        // by ID
	versions     map[string]*AgentVersion // by ID
	interactions []Interaction
	logs         []PerformanceLogEntry
	teams        map[string]*Team
	members      map[string][]TeamMember
	caps         map[string][]AgentCapability
	perf         map[string][]AgentPerformance
	nextID       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:   make(map[string]*Agent),
		versions: make(map[string]*AgentVersion),
		teams:    make(map[string]*Team),
		members:  make(map[string][]TeamMember),
		caps:     make(map[string][]AgentCapability),
		perf:     make(map[string][]AgentPerformance),
	}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeStore) AddAgent(_ context.Context, name, purpose, initialPrompt, createdBy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if strings.EqualFold(a.Name, name) {
			return "", fmt.Errorf("agent %q: %w", name, ErrDuplicate)
		}
	}
	id := f.id("agent")
	f.agents[id] = &Agent{ID: id, Name: name, Purpose: purpose, Active: true, CreatedAt: time.Now()}
	vid := f.id("version")
	f.versions[vid] = &AgentVersion{ID: vid, AgentID: id, VersionNumber: 1, PromptText: initialPrompt, CreatedBy: createdBy, Active: true}
	return id, nil
}

func (f *fakeStore) GetAgent(_ context.Context, agentID string) (Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return *a, nil
}

func (f *fakeStore) GetAgentByName(_ context.Context, name string) (Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if strings.EqualFold(a.Name, name) {
			return *a, nil
		}
	}
	return Agent{}, fmt.Errorf("agent %q: %w", name, ErrNotFound)
}

func (f *fakeStore) ListAgents(_ context.Context, activeOnly bool) ([]Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Agent
	for _, a := range f.agents {
		if !activeOnly || a.Active {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) SetAgentActive(_ context.Context, agentID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.Active = active
	return nil
}

func (f *fakeStore) RemoveAgentCompletely(_ context.Context, agentID string, policy ChiefPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[agentID]; !ok {
		return ErrNotFound
	}
	for _, t := range f.teams {
		if t.ChiefAgentID == agentID && policy == ChiefReject {
			return ErrInvalidState
		}
	}
	delete(f.agents, agentID)
	return nil
}

func (f *fakeStore) AddAgentVersion(_ context.Context, agentID, promptText, reason, changeSummary, createdBy string, performanceBefore float64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, v := range f.versions {
		if v.AgentID == agentID {
			v.Active = false
			if v.VersionNumber > max {
				max = v.VersionNumber
			}
		}
	}
	if max == 0 {
		return 0, fmt.Errorf("agent %s has no versions: %w", agentID, ErrNotFound)
	}
	vid := f.id("version")
	f.versions[vid] = &AgentVersion{ID: vid, AgentID: agentID, VersionNumber: max + 1, PromptText: promptText, Comments: changeSummary, CreatedBy: createdBy, Active: true}
	return max + 1, nil
}

func (f *fakeStore) GetCurrentAgentVersion(_ context.Context, agentID string) (AgentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.AgentID == agentID && v.Active {
			return *v, nil
		}
	}
	return AgentVersion{}, fmt.Errorf("no active version for agent %s: %w", agentID, ErrNotFound)
}

func (f *fakeStore) GetAgentVersion(_ context.Context, versionID string) (AgentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[versionID]
	if !ok {
		return AgentVersion{}, ErrNotFound
	}
	return *v, nil
}

func (f *fakeStore) GetVersionHistory(_ context.Context, agentID string) ([]AgentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AgentVersion
	for _, v := range f.versions {
		if v.AgentID == agentID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) RecomputeScores(_ context.Context, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.versions[versionID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *fakeStore) RecordInteraction(_ context.Context, agentID string, taskType TaskType, request, response string, isCorrect *bool, processingTime float64, notes string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return "", ErrNotFound
	}
	a.TotalInteractions++
	if isCorrect != nil && *isCorrect {
		a.SuccessfulInteractions++
	}
	id := f.id("interaction")
	f.interactions = append(f.interactions, Interaction{
		ID: id, AgentID: agentID, TaskType: taskType, Request: request,
		Response: response, IsCorrect: isCorrect, ProcessingTime: processingTime,
		EvaluationNotes: notes, CreatedAt: time.Now(),
	})
	return id, nil
}

func (f *fakeStore) GetPerformance(_ context.Context, agentID string) ([]AgentPerformance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perf[agentID], nil
}

func (f *fakeStore) GetInteractions(_ context.Context, agentID string, limit int) ([]Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Interaction
	for _, in := range f.interactions {
		if in.AgentID == agentID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeStore) PruneInteractions(context.Context, time.Time) (int, error) { return 0, nil }

func (f *fakeStore) AddCapability(_ context.Context, agentID, name, description string, rating float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("cap")
	f.caps[agentID] = append(f.caps[agentID], AgentCapability{ID: id, AgentID: agentID, Name: name, Description: description, Rating: rating})
	return id, nil
}

func (f *fakeStore) ListCapabilities(_ context.Context, agentID string) ([]AgentCapability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps[agentID], nil
}

func (f *fakeStore) UpdateCapabilityRating(context.Context, string, float64) error { return nil }

func (f *fakeStore) CreateTeam(_ context.Context, name, chiefAgentID, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("team")
	f.teams[id] = &Team{ID: id, Name: name, ChiefAgentID: chiefAgentID, Description: description}
	f.members[id] = []TeamMember{{TeamID: id, AgentID: chiefAgentID, Role: RoleChief}}
	return id, nil
}

func (f *fakeStore) GetTeam(_ context.Context, teamID string) (Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.teams[teamID]
	if !ok {
		return Team{}, ErrNotFound
	}
	return *t, nil
}

func (f *fakeStore) GetTeamByName(_ context.Context, name string) (Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.teams {
		if strings.EqualFold(t.Name, name) {
			return *t, nil
		}
	}
	return Team{}, fmt.Errorf("team %q: %w", name, ErrNotFound)
}

func (f *fakeStore) ListTeamMembers(_ context.Context, teamID string) ([]TeamMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) AddToTeam(_ context.Context, teamID, agentID, role, assignmentReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[teamID] = append(f.members[teamID], TeamMember{TeamID: teamID, AgentID: agentID, Role: role, AssignmentReason: assignmentReason})
	return nil
}

func (f *fakeStore) RemoveFromTeam(context.Context, string, string) error { return nil }

func (f *fakeStore) UpdateTeamMemberPerformance(context.Context, string, string, float64) error {
	return nil
}

func (f *fakeStore) RecordPerformanceLog(_ context.Context, entry PerformanceLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) RefreshPerformanceSummary(context.Context, string) error { return nil }

func (f *fakeStore) GetPerformanceSummary(context.Context, string) (PerformanceSummary, error) {
	return PerformanceSummary{}, ErrNotFound
}

func (f *fakeStore) Init(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

var _ Store = (*fakeStore)(nil)
