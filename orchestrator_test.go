package conclave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// orderingCompleter records the order in which agents reach the provider.
type orderingCompleter struct {
	mockCompleter
	order   []string
	orderMu sync.Mutex
}

func (o *orderingCompleter) CompleteStream(ctx context.Context, req CompletionRequest, ch chan<- string) (CompletionResponse, error) {
	o.orderMu.Lock()
	o.order = append(o.order, req.System)
	o.orderMu.Unlock()
	return o.mockCompleter.CompleteStream(ctx, req, ch)
}

func TestExecuteBlockPhaseOrdering(t *testing.T) {
	provider := &orderingCompleter{}
	orch := NewOrchestrator(provider, nil)
	orch.SpawnAgent("First", "first-prompt")
	orch.SpawnAgent("Second", "second-prompt")

	acts := []ActivationInfo{
		{Module: "Second", Focus: "go later", Phase: 2},
		{Module: "First", Focus: "go first", Phase: 1},
	}
	res, err := orch.ExecuteBlock(context.Background(), "req-1", acts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Partial {
		t.Error("Partial = true, want false")
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(res.Outcomes))
	}
	if len(provider.order) != 2 || provider.order[0] != "first-prompt" || provider.order[1] != "second-prompt" {
		t.Errorf("provider order = %v, want phase 1 before phase 2", provider.order)
	}
}

func TestExecuteBlockDependsOnWithinPhase(t *testing.T) {
	provider := &orderingCompleter{mockCompleter: mockCompleter{delay: 20 * time.Millisecond}}
	orch := NewOrchestrator(provider, nil)
	orch.SpawnAgent("Producer", "producer-prompt")
	orch.SpawnAgent("Consumer", "consumer-prompt")

	acts := []ActivationInfo{
		{Module: "Consumer", Focus: "use it", Phase: 1, DependsOn: []string{"Producer"}},
		{Module: "Producer", Focus: "make it", Phase: 1},
	}
	if _, err := orch.ExecuteBlock(context.Background(), "req-2", acts, nil); err != nil {
		t.Fatal(err)
	}
	if len(provider.order) != 2 || provider.order[0] != "producer-prompt" {
		t.Errorf("provider order = %v, want Producer before its dependent", provider.order)
	}
}

func TestExecuteBlockCycleError(t *testing.T) {
	orch := NewOrchestrator(&mockCompleter{}, nil)
	orch.SpawnAgent("A", "p")
	orch.SpawnAgent("B", "p")

	acts := []ActivationInfo{
		{Module: "A", Focus: "x", Phase: 1, DependsOn: []string{"B"}},
		{Module: "B", Focus: "y", Phase: 1, DependsOn: []string{"A"}},
	}
	_, err := orch.ExecuteBlock(context.Background(), "req-3", acts, nil)
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want *CycleError", err)
	}
	if cycleErr.Phase != 1 {
		t.Errorf("Phase = %d, want 1", cycleErr.Phase)
	}
	if len(cycleErr.Agents) == 0 {
		t.Error("cycle agents empty")
	}
}

func TestExecuteBlockCrossPhaseDependencyIsNotACycle(t *testing.T) {
	orch := NewOrchestrator(&mockCompleter{}, nil)
	orch.SpawnAgent("A", "p")
	orch.SpawnAgent("B", "p")

	// B in phase 2 depends on A in phase 1; the phases already order them.
	acts := []ActivationInfo{
		{Module: "A", Focus: "x", Phase: 1},
		{Module: "B", Focus: "y", Phase: 2, DependsOn: []string{"A"}},
	}
	res, err := orch.ExecuteBlock(context.Background(), "req-4", acts, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, out := range res.Outcomes {
		if out.Err != nil {
			t.Errorf("%s failed: %v", out.Agent, out.Err)
		}
	}
}

func TestExecuteBlockMissingAgentSkipsLaterPhases(t *testing.T) {
	orch := NewOrchestrator(&mockCompleter{}, nil)
	orch.SpawnAgent("Present", "p")

	acts := []ActivationInfo{
		{Module: "Ghost", Focus: "boo", Phase: 1},
		{Module: "Present", Focus: "also phase 1", Phase: 1},
		{Module: "Present", Focus: "never runs", Phase: 2},
	}
	res, err := orch.ExecuteBlock(context.Background(), "req-5", acts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Partial {
		t.Error("Partial = false, want true after fatal failure")
	}

	byFocus := make(map[string]Outcome)
	for _, out := range res.Outcomes {
		byFocus[out.Agent+"/"+itoaPhase(out.Phase)] = out
	}
	ghost := byFocus["Ghost/1"]
	if !errors.Is(ghost.Err, ErrNotFound) {
		t.Errorf("Ghost err = %v, want ErrNotFound", ghost.Err)
	}
	// The rest of phase 1 still ran.
	if p1 := byFocus["Present/1"]; !p1.Success {
		t.Errorf("Present phase 1 = %+v, want success (phase finishes naturally)", p1)
	}
	// Phase 2 never started.
	if p2 := byFocus["Present/2"]; !errors.Is(p2.Err, ErrSkipped) {
		t.Errorf("Present phase 2 err = %v, want ErrSkipped", p2.Err)
	}
}

func itoaPhase(p int) string { return string(rune('0' + p)) }

func TestExecuteBlockTransportErrorIsNotFatal(t *testing.T) {
	provider := &mockCompleter{errs: []error{&ErrTransport{Op: "post", Err: errors.New("refused")}}}
	orch := NewOrchestrator(provider, nil)
	orch.SpawnAgent("Flaky", "p")
	orch.SpawnAgent("Steady", "p")

	acts := []ActivationInfo{
		{Module: "Flaky", Focus: "fails", Phase: 1},
		{Module: "Steady", Focus: "runs anyway", Phase: 2},
	}
	res, err := orch.ExecuteBlock(context.Background(), "req-6", acts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Partial {
		t.Error("Partial = true; transport failures should not stop later phases")
	}
	for _, out := range res.Outcomes {
		if out.Agent == "Steady" && !out.Success {
			t.Errorf("Steady = %+v, want success", out)
		}
	}
}

func TestExecuteBlockBarrierFires(t *testing.T) {
	provider := &mockCompleter{errs: []error{errors.New("boom")}}
	orch := NewOrchestrator(provider, nil)
	orch.SpawnAgent("Bad", "p")
	orch.SpawnAgent("Good", "p")

	acts := []ActivationInfo{
		{Module: "Bad", Focus: "fails", Phase: 1},
		{Module: "Good", Focus: "works", Phase: 1},
	}
	if _, err := orch.ExecuteBlock(context.Background(), "req-7", acts, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := orch.Collector().Wait(ctx, "req-7"); err != nil {
		t.Fatalf("barrier never fired despite one agent failing: %v", err)
	}
	responses := orch.Collector().ForRequest("req-7")
	if len(responses) != 1 || responses[0].Agent != "Good" {
		t.Errorf("responses = %+v, want only Good", responses)
	}
}

func TestExecuteBlockPersistsInteractions(t *testing.T) {
	store := newFakeStore()
	agentID, err := store.AddAgent(context.Background(), "Worker", "works", "prompt", "test")
	if err != nil {
		t.Fatal(err)
	}

	orch := NewOrchestrator(&mockCompleter{responses: []string{"done"}}, store,
		WithEvaluator(stubEvaluator{correct: true, notes: "fine"}))
	orch.SpawnAgent("Worker", "prompt")

	acts := []ActivationInfo{{Module: "Worker", Focus: "implement the thing", Phase: 1}}
	if _, err := orch.ExecuteBlock(context.Background(), "req-8", acts, nil); err != nil {
		t.Fatal(err)
	}

	ins, _ := store.GetInteractions(context.Background(), agentID, 0)
	if len(ins) != 1 {
		t.Fatalf("interactions = %d, want 1", len(ins))
	}
	in := ins[0]
	if in.TaskType != TaskImplementation {
		t.Errorf("TaskType = %q, want implementation", in.TaskType)
	}
	if in.IsCorrect == nil || !*in.IsCorrect {
		t.Errorf("IsCorrect = %v, want true", in.IsCorrect)
	}
	if in.EvaluationNotes != "fine" {
		t.Errorf("notes = %q", in.EvaluationNotes)
	}
	if len(store.logs) != 1 || !store.logs[0].Success {
		t.Errorf("performance log = %+v, want one successful entry", store.logs)
	}
}

func TestExecuteBlockPersistsFailedRuns(t *testing.T) {
	store := newFakeStore()
	agentID, err := store.AddAgent(context.Background(), "Worker", "works", "prompt", "test")
	if err != nil {
		t.Fatal(err)
	}

	orch := NewOrchestrator(&mockCompleter{errs: []error{errors.New("boom")}}, store)
	orch.SpawnAgent("Worker", "prompt")

	acts := []ActivationInfo{{Module: "Worker", Focus: "try", Phase: 1}}
	if _, err := orch.ExecuteBlock(context.Background(), "req-9", acts, nil); err != nil {
		t.Fatal(err)
	}

	ins, _ := store.GetInteractions(context.Background(), agentID, 0)
	if len(ins) != 1 {
		t.Fatalf("interactions = %d, want failure recorded", len(ins))
	}
	if ins[0].IsCorrect == nil || *ins[0].IsCorrect {
		t.Errorf("IsCorrect = %v, want false", ins[0].IsCorrect)
	}
}

type stubEvaluator struct {
	correct bool
	notes   string
	err     error
}

func (s stubEvaluator) Evaluate(context.Context, string, string, string) (bool, string, error) {
	return s.correct, s.notes, s.err
}

func TestExecuteBlockFeedsMetrics(t *testing.T) {
	m := NewMetrics()
	orch := NewOrchestrator(&mockCompleter{}, nil, WithMetrics(m))
	orch.SpawnAgent("Tracked", "p")

	acts := []ActivationInfo{{Module: "Tracked", Focus: "work", Phase: 1}}
	if _, err := orch.ExecuteBlock(context.Background(), "req-10", acts, nil); err != nil {
		t.Fatal(err)
	}
	a, ok := m.Aggregate("Tracked")
	if !ok || a.TotalRequests != 1 || a.SuccessfulRequests != 1 {
		t.Errorf("aggregate = %+v, want one successful request", a)
	}
}

func TestExecuteBlockSessionAwareInjectsTranscript(t *testing.T) {
	provider := &mockCompleter{}
	orch := NewOrchestrator(provider, nil)
	orch.SpawnAgent("Aware", "p")

	transcript := []Message{
		UserMessage("turn 1"),
		AssistantMessage("reply 1"),
		UserMessage("turn 2"),
		AssistantMessage("reply 2"),
	}
	acts := []ActivationInfo{{
		Module: "Aware", Focus: "continue", Phase: 1,
		HistoryMode: HistorySessionAware, SessionHistoryCount: 2,
	}}
	if _, err := orch.ExecuteBlock(context.Background(), "req-11", acts, transcript); err != nil {
		t.Fatal(err)
	}

	req := provider.requests[0]
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want last 2 transcript turns + input", len(req.Messages))
	}
	if req.Messages[0].Text() != "turn 2" {
		t.Errorf("first injected = %q, want the trailing transcript slice", req.Messages[0].Text())
	}
}

func TestUpdateAgentPromptSwapsRuntime(t *testing.T) {
	store := newFakeStore()
	agentID, err := store.AddAgent(context.Background(), "Shifty", "adapts", "v1 prompt", "test")
	if err != nil {
		t.Fatal(err)
	}

	orch := NewOrchestrator(&mockCompleter{}, store)
	rt := orch.SpawnAgent("Shifty", "v1 prompt")

	version, err := orch.UpdateAgentPrompt(context.Background(), "Shifty", "v2 prompt", "refinement", "reworded", "test")
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
	if rt.Prompt() != "v2 prompt" {
		t.Errorf("runtime prompt = %q, want the new version live", rt.Prompt())
	}
	cur, err := store.GetCurrentAgentVersion(context.Background(), agentID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.PromptText != "v2 prompt" || cur.VersionNumber != 2 {
		t.Errorf("current version = %+v", cur)
	}
}

func TestExpandTeamChiefFirst(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	chiefID, _ := store.AddAgent(ctx, "Chief", "directs", "p", "test")
	workerID, _ := store.AddAgent(ctx, "Worker", "works", "p", "test")
	teamID, err := store.CreateTeam(ctx, "Builders", chiefID, "builds things")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddToTeam(ctx, teamID, workerID, "member", "useful"); err != nil {
		t.Fatal(err)
	}

	orch := NewOrchestrator(&mockCompleter{}, store)
	infos, err := orch.ExpandTeam(ctx, TeamActivationInfo{
		Team: "Builders", Focus: "ship it", HistoryMode: HistoryStateless,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %d, want 2", len(infos))
	}
	if infos[0].Module != "Chief" {
		t.Errorf("first member = %q, want Chief first", infos[0].Module)
	}
	for _, in := range infos {
		if in.Focus != "ship it" || in.HistoryMode != HistoryStateless || in.Phase != 1 {
			t.Errorf("member %q = %+v, want inherited focus/mode and phase 1", in.Module, in)
		}
	}
}

func TestExpandTeamUnknownTeam(t *testing.T) {
	orch := NewOrchestrator(&mockCompleter{}, newFakeStore())
	_, err := orch.ExpandTeam(context.Background(), TeamActivationInfo{Team: "Nobody"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSpawnAgentReplacementDisposesOld(t *testing.T) {
	orch := NewOrchestrator(&mockCompleter{}, nil)
	old := orch.SpawnAgent("Twin", "old")
	orch.SpawnAgent("Twin", "new")

	if _, err := old.Request(context.Background(), "hi", HistoryStateless, nil); !errors.Is(err, ErrDisposed) {
		t.Errorf("old runtime err = %v, want ErrDisposed", err)
	}
	rt, ok := orch.AgentRuntime("twin") // case-insensitive lookup
	if !ok || rt.Prompt() != "new" {
		t.Errorf("lookup = %v %v, want the replacement", rt, ok)
	}
}

func TestExecuteBlockScoresConsensus(t *testing.T) {
	// Distinct phases keep the scripted responses mapped to agents.
	provider := &mockCompleter{responses: []string{"42", " 42 ", "17"}}
	m := NewMetrics()
	orch := NewOrchestrator(provider, nil, WithMetrics(m))
	orch.SpawnAgent("Alpha", "p")
	orch.SpawnAgent("Beta", "p")
	orch.SpawnAgent("Gamma", "p")

	acts := []ActivationInfo{
		{Module: "Alpha", Focus: "answer", Phase: 1, HistoryMode: HistoryStateless},
		{Module: "Beta", Focus: "answer", Phase: 2, HistoryMode: HistoryStateless},
		{Module: "Gamma", Focus: "answer", Phase: 3, HistoryMode: HistoryStateless},
	}
	if _, err := orch.ExecuteBlock(context.Background(), "req-vote", acts, nil); err != nil {
		t.Fatal(err)
	}

	// Alpha and Beta agree (whitespace and case do not split the vote);
	// Gamma dissents.
	winner, ok := orch.Collector().Winner("req-vote")
	if !ok || winner.Agent != "Alpha" || winner.Votes != 1 {
		t.Fatalf("winner = %+v %v, want Alpha with 1 vote", winner, ok)
	}
	for agent, want := range map[string]float64{"Alpha": 1, "Beta": 1, "Gamma": 0} {
		a, ok := m.Aggregate(agent)
		if !ok {
			t.Fatalf("no aggregate for %s", agent)
		}
		if a.Consensus.Samples != 1 || a.Consensus.Average != want {
			t.Errorf("%s consensus = %d samples avg %v, want 1 sample avg %v",
				agent, a.Consensus.Samples, a.Consensus.Average, want)
		}
	}
}

func TestExecuteBlockConsensusSkipsLoneResponse(t *testing.T) {
	provider := &mockCompleter{responses: []string{"solo"}}
	m := NewMetrics()
	orch := NewOrchestrator(provider, nil, WithMetrics(m))
	orch.SpawnAgent("Alone", "p")

	acts := []ActivationInfo{{Module: "Alone", Focus: "answer", Phase: 1, HistoryMode: HistoryStateless}}
	if _, err := orch.ExecuteBlock(context.Background(), "req-solo", acts, nil); err != nil {
		t.Fatal(err)
	}
	a, _ := m.Aggregate("Alone")
	if a.Consensus.Samples != 0 {
		t.Errorf("Consensus.Samples = %d, want 0 with a single response", a.Consensus.Samples)
	}
}

func TestExecuteBlockConsensusAllDisagree(t *testing.T) {
	provider := &mockCompleter{responses: []string{"one", "two"}}
	m := NewMetrics()
	orch := NewOrchestrator(provider, nil, WithMetrics(m))
	orch.SpawnAgent("Left", "p")
	orch.SpawnAgent("Right", "p")

	acts := []ActivationInfo{
		{Module: "Left", Focus: "answer", Phase: 1, HistoryMode: HistoryStateless},
		{Module: "Right", Focus: "answer", Phase: 2, HistoryMode: HistoryStateless},
	}
	if _, err := orch.ExecuteBlock(context.Background(), "req-split", acts, nil); err != nil {
		t.Fatal(err)
	}
	// No votes anywhere: nobody agreed, including the tie-broken winner.
	for _, agent := range []string{"Left", "Right"} {
		a, _ := m.Aggregate(agent)
		if a.Consensus.Samples != 1 || a.Consensus.Average != 0 {
			t.Errorf("%s consensus = %d samples avg %v, want 1 sample avg 0",
				agent, a.Consensus.Samples, a.Consensus.Average)
		}
	}
}
