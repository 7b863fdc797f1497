package conclave

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExtractSuggestion(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  string
	}{
		{
			name:  "block",
			reply: "Here you go:\n[SUGGESTION]You are a sharper agent.[/SUGGESTION]\nGood luck!",
			want:  "You are a sharper agent.",
		},
		{
			name:  "raw fallback",
			reply: "  You are a sharper agent.  ",
			want:  "You are a sharper agent.",
		},
		{
			name:  "unterminated block falls back to raw",
			reply: "[SUGGESTION]half a thought",
			want:  "[SUGGESTION]half a thought",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractSuggestion(tc.reply); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRefineAgentAppliesRewrite(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	if _, err := store.AddAgent(ctx, "Sloppy", "works badly", "old prompt", "test"); err != nil {
		t.Fatal(err)
	}

	provider := &mockCompleter{responses: []string{"[SUGGESTION]much better prompt[/SUGGESTION]"}}
	orch := NewOrchestrator(provider, store)
	target := orch.SpawnAgent("Sloppy", "old prompt")
	orch.SpawnAgent("PromptEngineer", "you rewrite prompts")

	m := NewMetrics()
	for i := 0; i < 10; i++ {
		m.RecordRequest("Sloppy", i < 3, 1)
	}

	r := NewRefiner(orch, store, m)
	ref, err := r.RefineAgent(ctx, "Sloppy")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Engineer != "PromptEngineer" {
		t.Errorf("Engineer = %q, want PromptEngineer", ref.Engineer)
	}
	if ref.NewPrompt != "much better prompt" || ref.Version != 2 {
		t.Errorf("refinement = %+v", ref)
	}
	if target.Prompt() != "much better prompt" {
		t.Errorf("runtime prompt = %q, want live swap", target.Prompt())
	}

	// The consultation carried the stats and the old prompt.
	req := provider.requests[0]
	consult := req.Messages[len(req.Messages)-1].Text()
	if !strings.Contains(consult, "old prompt") || !strings.Contains(consult, "30% success rate") {
		t.Errorf("consultation = %q, want prompt and stats included", consult)
	}
}

func TestRefineAgentEmbedsStoredBreakdown(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	id, err := store.AddAgent(ctx, "Sloppy", "works badly", "old prompt", "test")
	if err != nil {
		t.Fatal(err)
	}
	store.perf[id] = []AgentPerformance{
		{AgentID: id, TaskType: TaskAnalysis, CorrectResponses: 2, TotalAttempts: 5},
		{AgentID: id, TaskType: TaskImplementation, CorrectResponses: 9, TotalAttempts: 10},
	}
	if _, err := store.AddCapability(ctx, id, "summarizing", "condenses text", 0.3); err != nil {
		t.Fatal(err)
	}

	provider := &mockCompleter{responses: []string{"[SUGGESTION]better[/SUGGESTION]"}}
	orch := NewOrchestrator(provider, store)
	orch.SpawnAgent("Sloppy", "old prompt")
	orch.SpawnAgent("PromptEngineer", "you rewrite prompts")

	r := NewRefiner(orch, store, NewMetrics())
	if _, err := r.RefineAgent(ctx, "Sloppy"); err != nil {
		t.Fatal(err)
	}

	// The consultation carries the per-task-type rates and classified
	// capabilities from the store, not just the in-memory counters.
	req := provider.requests[0]
	consult := req.Messages[len(req.Messages)-1].Text()
	for _, want := range []string{"Analysis: 2/5 (40%, weak)", "Implementation: 9/10 (90%, strong)", "summarizing: rating 0.30 (weak)"} {
		if !strings.Contains(consult, want) {
			t.Errorf("consultation missing %q:\n%s", want, consult)
		}
	}
}

func TestRefineAgentFallsBackToChief(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	if _, err := store.AddAgent(ctx, "Sloppy", "p", "old", "test"); err != nil {
		t.Fatal(err)
	}
	provider := &mockCompleter{responses: []string{"[SUGGESTION]rewritten[/SUGGESTION]"}}
	orch := NewOrchestrator(provider, store)
	orch.SpawnAgent("Sloppy", "old")
	orch.SpawnAgent("Chief", "you direct")

	r := NewRefiner(orch, store, NewMetrics())
	ref, err := r.RefineAgent(ctx, "Sloppy")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Engineer != "Chief" {
		t.Errorf("Engineer = %q, want Chief fallback", ref.Engineer)
	}
}

func TestRefineChiefNeedsDedicatedEngineer(t *testing.T) {
	orch := NewOrchestrator(&mockCompleter{}, newFakeStore())
	orch.SpawnAgent("Chief", "you direct")

	r := NewRefiner(orch, nil, NewMetrics())
	_, err := r.RefineAgent(context.Background(), "Chief")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState (Chief cannot rewrite itself)", err)
	}
}

func TestRefineAgentRejectsIdenticalSuggestion(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	if _, err := store.AddAgent(ctx, "Sloppy", "p", "same prompt", "test"); err != nil {
		t.Fatal(err)
	}
	provider := &mockCompleter{responses: []string{"[SUGGESTION]same prompt[/SUGGESTION]"}}
	orch := NewOrchestrator(provider, store)
	orch.SpawnAgent("Sloppy", "same prompt")
	orch.SpawnAgent("PromptEngineer", "p")

	r := NewRefiner(orch, store, NewMetrics())
	_, err := r.RefineAgent(ctx, "Sloppy")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestRefineAgentUnknownTarget(t *testing.T) {
	r := NewRefiner(NewOrchestrator(&mockCompleter{}, nil), nil, NewMetrics())
	_, err := r.RefineAgent(context.Background(), "Nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRefineWeaknessesTargetsOnlyWeakAgents(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	if _, err := store.AddAgent(ctx, "Weak", "p", "weak prompt", "test"); err != nil {
		t.Fatal(err)
	}
	provider := &mockCompleter{responses: []string{"[SUGGESTION]stronger prompt[/SUGGESTION]"}}
	orch := NewOrchestrator(provider, store)
	orch.SpawnAgent("Weak", "weak prompt")
	orch.SpawnAgent("Strong", "fine prompt")
	orch.SpawnAgent("PromptEngineer", "p")

	m := NewMetrics()
	for i := 0; i < 10; i++ {
		m.RecordRequest("Weak", i < 2, 1)
		m.RecordRequest("Strong", true, 1)
	}

	r := NewRefiner(orch, store, m)
	applied, err := r.RefineWeaknesses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 || applied[0].Agent != "Weak" {
		t.Fatalf("applied = %+v, want only the weak agent", applied)
	}
	// One consultation per weak agent, none for the strong one.
	if provider.requestCount() != 1 {
		t.Errorf("requests = %d, want 1", provider.requestCount())
	}
}

func TestRefineWeaknessesSkipsFailures(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	if _, err := store.AddAgent(ctx, "Weak", "p", "old", "test"); err != nil {
		t.Fatal(err)
	}
	// Engineer reply is unusable for the first weak agent.
	provider := &mockCompleter{responses: []string{""}}
	orch := NewOrchestrator(provider, store)
	orch.SpawnAgent("Weak", "old")
	orch.SpawnAgent("PromptEngineer", "p")

	m := NewMetrics()
	for i := 0; i < 10; i++ {
		m.RecordRequest("Weak", false, 1)
	}

	r := NewRefiner(orch, store, m)
	applied, err := r.RefineWeaknesses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %+v, want none when the rewrite is unusable", applied)
	}
}
