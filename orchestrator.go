package conclave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Evaluator judges whether an agent's response is correct for a request.
// The runtime treats it as an external capability; notes are stored on the
// interaction record.
type Evaluator interface {
	Evaluate(ctx context.Context, agent, request, response string) (correct bool, notes string, err error)
}

// ErrSkipped marks activations that never ran because a fatal failure in
// an earlier phase stopped the block.
var ErrSkipped = errors.New("skipped: earlier phase failed")

// Outcome is the per-agent result of one activation within a block.
type Outcome struct {
	Agent    string
	Phase    int
	Response string
	Err      error
	Success  bool
	Duration time.Duration
}

// BlockResult aggregates the outcomes of one directive block. Partial is
// true when a fatal failure prevented later phases from starting.
type BlockResult struct {
	Outcomes []Outcome
	Partial  bool
}

// Orchestrator owns the lifecycle of agent runtimes for a session and
// executes Chief-directed activation blocks: phase-ordered, parallel
// within a phase, with intra-phase dependency barriers.
type Orchestrator struct {
	provider  Completer
	store     Store
	collector *Collector
	metrics   *Metrics
	evaluator Evaluator
	abtester  *ABTester
	sink      EventSink
	logger    *slog.Logger
	tracer    Tracer

	model             string
	maxTokens         int
	temperature       *float64
	requestTimeout    time.Duration
	defaultMode       HistoryMode
	maxSessionHistory int

	mu       sync.Mutex
	runtimes map[string]*Runtime // keyed by lower-cased agent name
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets a structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer sets the tracer for block and phase spans.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithEvents sets external sinks receiving every runtime's events. When
// more than one sink is given, each receives every event.
func WithEvents(sinks ...EventSink) OrchestratorOption {
	return func(o *Orchestrator) {
		switch len(sinks) {
		case 0:
			o.sink = nil
		case 1:
			o.sink = sinks[0]
		default:
			o.sink = fanOut(sinks...)
		}
	}
}

// WithMetrics attaches the metrics aggregator; activation outcomes feed it.
func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEvaluator attaches the external correctness judge.
func WithEvaluator(e Evaluator) OrchestratorOption {
	return func(o *Orchestrator) { o.evaluator = e }
}

// WithABTester attaches the A/B tester; it may override the prompt used
// for an agent's activations while a test is live.
func WithABTester(t *ABTester) OrchestratorOption {
	return func(o *Orchestrator) { o.abtester = t }
}

// WithCompletionDefaults sets the model and token budget handed to every
// spawned runtime.
func WithCompletionDefaults(model string, maxTokens int) OrchestratorOption {
	return func(o *Orchestrator) { o.model, o.maxTokens = model, maxTokens }
}

// WithOrchestratorTemperature sets the default sampling temperature.
func WithOrchestratorTemperature(t float64) OrchestratorOption {
	return func(o *Orchestrator) { o.temperature = &t }
}

// WithActivationTimeout bounds each spawned runtime's requests,
// streaming included. Zero disables the per-request deadline.
func WithActivationTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

// WithDefaultHistoryMode sets the mode used when a directive names none.
func WithDefaultHistoryMode(mode HistoryMode) OrchestratorOption {
	return func(o *Orchestrator) { o.defaultMode = mode }
}

// WithMaxSessionHistory bounds injected session history lengths.
func WithMaxSessionHistory(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxSessionHistory = n }
}

// NewOrchestrator creates an Orchestrator. store may be nil for
// ephemeral use; persistence of interactions is then skipped.
func NewOrchestrator(provider Completer, store Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		provider:          provider,
		store:             store,
		collector:         NewCollector(),
		logger:            nopLogger,
		maxTokens:         defaultMaxTokens,
		defaultMode:       HistoryConversational,
		maxSessionHistory: maxSessionHistory,
		runtimes:          make(map[string]*Runtime),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Collector returns the orchestrator's response collector.
func (o *Orchestrator) Collector() *Collector { return o.collector }

// SpawnAgent creates (or replaces) the runtime for an agent. A replaced
// runtime is disposed.
func (o *Orchestrator) SpawnAgent(name, prompt string) *Runtime {
	rt := NewRuntime(name, prompt, o.provider,
		WithModel(o.model),
		WithMaxTokens(o.maxTokens),
		withOptionalTemperature(o.temperature),
		WithRequestTimeout(o.requestTimeout),
		WithEventSink(o.sink),
		WithRuntimeLogger(o.logger),
		WithRuntimeTracer(o.tracer),
	)
	key := strings.ToLower(name)
	o.mu.Lock()
	if old, ok := o.runtimes[key]; ok {
		old.Dispose()
	}
	o.runtimes[key] = rt
	o.mu.Unlock()
	o.logger.Debug("orchestrator: agent spawned", "agent", name)
	return rt
}

// withOptionalTemperature adapts a possibly-nil temperature to an option.
func withOptionalTemperature(t *float64) RuntimeOption {
	if t == nil {
		return func(*runtimeConfig) {}
	}
	return WithTemperature(*t)
}

// AgentRuntime looks up a runtime by agent name, case-insensitively.
func (o *Orchestrator) AgentRuntime(name string) (*Runtime, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.runtimes[strings.ToLower(name)]
	return rt, ok
}

// DisposeAgent disposes and removes an agent's runtime.
func (o *Orchestrator) DisposeAgent(name string) {
	key := strings.ToLower(name)
	o.mu.Lock()
	defer o.mu.Unlock()
	if rt, ok := o.runtimes[key]; ok {
		rt.Dispose()
		delete(o.runtimes, key)
	}
}

// AgentNames returns the names of all live runtimes.
func (o *Orchestrator) AgentNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.runtimes))
	for _, rt := range o.runtimes {
		names = append(names, rt.Name())
	}
	sort.Strings(names)
	return names
}

// UpdateAgentPrompt version-bumps an agent's prompt in the store and swaps
// the live runtime's prompt atomically. The runtime keeps its history; no
// teardown happens, so concurrent requests are never lost.
func (o *Orchestrator) UpdateAgentPrompt(ctx context.Context, name, newPrompt, reason, changeSummary, createdBy string) (int, error) {
	if o.store == nil {
		return 0, fmt.Errorf("update prompt: %w", ErrInvalidState)
	}
	agent, err := o.store.GetAgentByName(ctx, name)
	if err != nil {
		return 0, err
	}
	perfBefore := 0.0
	if cur, err := o.store.GetCurrentAgentVersion(ctx, agent.ID); err == nil {
		perfBefore = cur.PerformanceScore
	}
	version, err := o.store.AddAgentVersion(ctx, agent.ID, newPrompt, reason, changeSummary, createdBy, perfBefore)
	if err != nil {
		return 0, err
	}
	if rt, ok := o.AgentRuntime(name); ok {
		rt.setPrompt(newPrompt)
	}
	o.logger.Info("orchestrator: prompt updated", "agent", name, "version", version)
	return version, nil
}

// ExpandTeam resolves a team activation into one ActivationInfo per
// member, Chief first. Members inherit the team's history mode and
// session history count and run in phase 1 with no dependencies.
func (o *Orchestrator) ExpandTeam(ctx context.Context, team TeamActivationInfo) ([]ActivationInfo, error) {
	if o.store == nil {
		return nil, fmt.Errorf("expand team: %w", ErrInvalidState)
	}
	t, err := o.store.GetTeamByName(ctx, team.Team)
	if err != nil {
		return nil, err
	}
	members, err := o.store.ListTeamMembers(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	// Chief first, then the rest in listing order.
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Role == RoleChief && members[j].Role != RoleChief
	})

	infos := make([]ActivationInfo, 0, len(members))
	for _, m := range members {
		agent, err := o.store.GetAgent(ctx, m.AgentID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, ActivationInfo{
			Module:              agent.Name,
			Focus:               team.Focus,
			HistoryMode:         team.HistoryMode,
			SessionHistoryCount: team.SessionHistoryCount,
			Phase:               1,
		})
	}
	return infos, nil
}

// ExecuteBlock runs an activation block: activations are grouped by phase
// and phases execute strictly in ascending order; within a phase all
// activations run in parallel, except that an activation with dependencies
// waits for each named agent's activation to complete. A dependency cycle
// within a phase fails the whole block before anything runs. A fatal
// activation failure lets its phase finish naturally but prevents later
// phases from starting; the result is then partial.
func (o *Orchestrator) ExecuteBlock(ctx context.Context, requestID string, activations []ActivationInfo, transcript []Message) (BlockResult, error) {
	if len(activations) == 0 {
		return BlockResult{}, nil
	}

	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.block",
			StringAttr("request_id", requestID),
			IntAttr("activations", len(activations)))
		defer span.End()
	}

	acts := make([]ActivationInfo, len(activations))
	copy(acts, activations)
	for i := range acts {
		if acts[i].HistoryMode == "" {
			acts[i].HistoryMode = o.defaultMode
		}
		if acts[i].Phase < 1 {
			acts[i].Phase = 1
		}
		if acts[i].SessionHistoryCount > o.maxSessionHistory {
			acts[i].SessionHistoryCount = o.maxSessionHistory
		}
	}

	byPhase := make(map[int][]ActivationInfo)
	for _, a := range acts {
		byPhase[a.Phase] = append(byPhase[a.Phase], a)
	}
	phases := make([]int, 0, len(byPhase))
	for p := range byPhase {
		phases = append(phases, p)
	}
	sort.Ints(phases)

	for _, p := range phases {
		if cycle := findCycle(byPhase[p]); cycle != nil {
			return BlockResult{}, &CycleError{Phase: p, Agents: cycle}
		}
	}

	expected := make([]string, 0, len(acts))
	for _, a := range acts {
		expected = append(expected, a.Module)
	}
	o.collector.Expect(requestID, expected)

	var (
		outcomes []Outcome
		fatal    bool
	)
	for _, p := range phases {
		phase := byPhase[p]
		if fatal || ctx.Err() != nil {
			for _, a := range phase {
				outcomes = append(outcomes, Outcome{Agent: a.Module, Phase: p, Err: ErrSkipped})
				o.collector.Resolve(requestID, a.Module)
			}
			continue
		}
		phaseStart := time.Now()
		results := o.runPhase(ctx, requestID, p, phase, transcript)
		o.logger.Debug("orchestrator: phase complete", "request_id", requestID,
			"phase", p, "activations", len(phase), "duration", time.Since(phaseStart))
		for _, out := range results {
			outcomes = append(outcomes, out)
			if out.Err != nil && isFatal(out.Err) {
				fatal = true
			}
		}
	}
	o.scoreConsensus(requestID)
	return BlockResult{Outcomes: outcomes, Partial: fatal}, nil
}

// scoreConsensus cross-votes the block's collected responses and folds
// the result into the metrics consensus dimension: each response earns a
// vote from every other agent whose answer matches it (normalized), and
// agents agreeing with the winning answer score 1, the rest 0. Blocks
// with fewer than two responses carry no agreement signal.
func (o *Orchestrator) scoreConsensus(requestID string) {
	if o.metrics == nil {
		return
	}
	responses := o.collector.ForRequest(requestID)
	if len(responses) < 2 {
		return
	}
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	for i := range responses {
		for j := range responses {
			if i == j {
				continue
			}
			if norm(responses[i].Text) == norm(responses[j].Text) {
				o.collector.AddVote(requestID, responses[i].Agent)
			}
		}
	}
	winner, ok := o.collector.Winner(requestID)
	if !ok || winner.Votes == 0 {
		for _, r := range responses {
			o.metrics.RecordConsensus(r.Agent, false)
		}
		return
	}
	for _, r := range responses {
		o.metrics.RecordConsensus(r.Agent, norm(r.Text) == norm(winner.Text))
	}
}

// runPhase executes one phase's activations in parallel. Every activation
// gets a completion channel; dependents select on the channels of the
// agents they name. Dependencies outside the phase are already satisfied
// (earlier phase) or unknown (ignored with a warning).
func (o *Orchestrator) runPhase(ctx context.Context, requestID string, phase int, acts []ActivationInfo, transcript []Message) []Outcome {
	done := make(map[string]chan struct{}, len(acts))
	for _, a := range acts {
		done[strings.ToLower(a.Module)] = make(chan struct{})
	}

	results := make([]Outcome, len(acts))
	var wg sync.WaitGroup
	for i, a := range acts {
		wg.Add(1)
		go func(i int, a ActivationInfo) {
			defer wg.Done()
			defer close(done[strings.ToLower(a.Module)])

			for _, dep := range a.DependsOn {
				ch, ok := done[strings.ToLower(dep)]
				if !ok {
					o.logger.Warn("orchestrator: dependency outside phase, ignored",
						"agent", a.Module, "depends_on", dep, "phase", phase)
					continue
				}
				select {
				case <-ch:
				case <-ctx.Done():
					results[i] = Outcome{Agent: a.Module, Phase: phase, Err: ctx.Err()}
					return
				}
			}
			results[i] = o.runActivation(ctx, requestID, phase, a, transcript)
		}(i, a)
	}
	wg.Wait()
	return results
}

// runActivation executes a single agent activation and records its
// outcome: response into the collector, interaction into the store,
// counters into the metrics aggregator. Failed runs are recorded as
// incorrect interactions, never dropped.
func (o *Orchestrator) runActivation(ctx context.Context, requestID string, phase int, act ActivationInfo, transcript []Message) Outcome {
	rt, ok := o.AgentRuntime(act.Module)
	if !ok {
		o.collector.Resolve(requestID, act.Module)
		return Outcome{Agent: act.Module, Phase: phase,
			Err: fmt.Errorf("agent %q: %w", act.Module, ErrNotFound)}
	}

	// While an A/B test is live for this agent, the tester decides which
	// prompt variant serves the request.
	var arm *ABArm
	if o.abtester != nil {
		if prompt, a, ok := o.abtester.PromptFor(act.Module); ok {
			rt.setPrompt(prompt)
			arm = a
		}
	}

	var injected []Message
	if act.HistoryMode == HistorySessionAware && act.SessionHistoryCount > 0 {
		injected = lastMessages(transcript, act.SessionHistoryCount)
	}

	start := time.Now()
	text, err := rt.Request(ctx, act.Focus, act.HistoryMode, injected)
	elapsed := time.Since(start)

	if err != nil {
		o.collector.Resolve(requestID, act.Module)
		o.persistOutcome(ctx, act, "", elapsed, boolPtr(false), "run failed: "+err.Error())
		if o.metrics != nil {
			o.metrics.RecordRequest(act.Module, false, elapsed.Seconds())
		}
		if arm != nil {
			o.abtester.Record(arm, false)
		}
		return Outcome{Agent: act.Module, Phase: phase, Err: err, Duration: elapsed}
	}

	o.collector.Add(requestID, AgentResponse{Agent: act.Module, Text: text})

	var isCorrect *bool
	notes := ""
	if o.evaluator != nil {
		correct, evalNotes, evalErr := o.evaluator.Evaluate(ctx, act.Module, act.Focus, text)
		if evalErr != nil {
			o.logger.Warn("orchestrator: evaluation failed", "agent", act.Module, "error", evalErr)
		} else {
			isCorrect = &correct
			notes = evalNotes
		}
	}
	o.persistOutcome(ctx, act, text, elapsed, isCorrect, notes)
	if o.metrics != nil {
		o.metrics.RecordRequest(act.Module, true, elapsed.Seconds())
	}
	if arm != nil {
		o.abtester.Record(arm, isCorrect != nil && *isCorrect)
	}
	return Outcome{Agent: act.Module, Phase: phase, Response: text, Success: true, Duration: elapsed}
}

// persistOutcome writes the interaction and the quick-access log row.
// Storage failures are logged, not propagated; the activation outcome
// already carries the run result.
func (o *Orchestrator) persistOutcome(ctx context.Context, act ActivationInfo, response string, elapsed time.Duration, isCorrect *bool, notes string) {
	if o.store == nil {
		return
	}
	agent, err := o.store.GetAgentByName(ctx, act.Module)
	if err != nil {
		o.logger.Warn("orchestrator: agent not persisted, skipping interaction record",
			"agent", act.Module, "error", err)
		return
	}
	taskType := Classify(act.Focus)
	if _, err := o.store.RecordInteraction(ctx, agent.ID, taskType, act.Focus, response, isCorrect, elapsed.Seconds(), notes); err != nil {
		o.logger.Error("orchestrator: record interaction failed", "agent", act.Module, "error", err)
	}
	entry := PerformanceLogEntry{
		AgentID:      agent.ID,
		TaskType:     taskType,
		Success:      isCorrect != nil && *isCorrect,
		ResponseTime: elapsed.Seconds(),
	}
	if err := o.store.RecordPerformanceLog(ctx, entry); err != nil {
		o.logger.Error("orchestrator: record performance log failed", "agent", act.Module, "error", err)
	}
}

// findCycle detects a dependency cycle among the activations of one
// phase. Returns the agents on a cycle, or nil.
func findCycle(acts []ActivationInfo) []string {
	adj := make(map[string][]string, len(acts))
	for _, a := range acts {
		key := strings.ToLower(a.Module)
		for _, dep := range a.DependsOn {
			depKey := strings.ToLower(dep)
			if _, ok := adj[depKey]; !ok {
				// Only intra-phase edges matter; register known nodes below.
				adj[depKey] = nil
			}
			adj[key] = append(adj[key], depKey)
		}
		if _, ok := adj[key]; !ok {
			adj[key] = nil
		}
	}
	// Restrict to modules actually present in the phase.
	present := make(map[string]bool, len(acts))
	for _, a := range acts {
		present[strings.ToLower(a.Module)] = true
	}

	const (
		unvisited = 0
		visiting  = 1
		finished  = 2
	)
	state := make(map[string]int, len(adj))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		state[n] = visiting
		stack = append(stack, n)
		for _, dep := range adj[n] {
			if !present[dep] {
				continue
			}
			switch state[dep] {
			case visiting:
				// Collect the cycle from the stack.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == dep {
						break
					}
				}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = finished
		return false
	}

	for _, a := range acts {
		n := strings.ToLower(a.Module)
		if state[n] == unvisited && visit(n) {
			return cycle
		}
	}
	return nil
}

// isFatal reports whether an activation error stops later phases.
// Invariant violations (unknown agent, invalid state, duplicates) are
// fatal; transport and remote failures are per-agent outcomes only.
func isFatal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrDuplicate)
}

// lastMessages returns the trailing n messages of a transcript,
// preserving order.
func lastMessages(transcript []Message, n int) []Message {
	if n <= 0 || len(transcript) == 0 {
		return nil
	}
	if len(transcript) > n {
		transcript = transcript[len(transcript)-n:]
	}
	out := make([]Message, len(transcript))
	copy(out, transcript)
	return out
}

func boolPtr(b bool) *bool { return &b }
