package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Default agent consulted for prompt rewrites. When absent, the Chief
// takes over the engineering role.
const (
	promptEngineerName     = "PromptEngineer"
	chiefName              = "Chief"
	defaultRefineTimeout   = 2 * time.Minute
	minRefineRequests      = 5
	defaultRefineThreshold = 0.6
)

// Refinement is the record of one applied prompt rewrite.
type Refinement struct {
	Agent         string
	Engineer      string
	OldPrompt     string
	NewPrompt     string
	Version       int
	Effectiveness float64
}

// Refiner drives the self-improvement loop: it finds underperforming
// agents from the metrics aggregator, asks a prompt-engineering agent to
// rewrite their prompts, and applies the rewrites as new versions with
// an in-place runtime swap.
type Refiner struct {
	orch      *Orchestrator
	store     Store
	metrics   *Metrics
	logger    *slog.Logger
	timeout   time.Duration
	threshold float64
}

// RefinerOption configures a Refiner.
type RefinerOption func(*Refiner)

// WithRefineTimeout bounds each engineering consultation.
func WithRefineTimeout(d time.Duration) RefinerOption {
	return func(r *Refiner) { r.timeout = d }
}

// WithRefinerLogger sets a structured logger.
func WithRefinerLogger(l *slog.Logger) RefinerOption {
	return func(r *Refiner) { r.logger = l }
}

// WithRefineThreshold sets the effectiveness below which an agent is
// refined during a RefineWeaknesses pass.
func WithRefineThreshold(t float64) RefinerOption {
	return func(r *Refiner) { r.threshold = t }
}

// NewRefiner creates a Refiner over an orchestrator's agents.
func NewRefiner(orch *Orchestrator, store Store, metrics *Metrics, opts ...RefinerOption) *Refiner {
	r := &Refiner{
		orch:      orch,
		store:     store,
		metrics:   metrics,
		logger:    nopLogger,
		timeout:   defaultRefineTimeout,
		threshold: defaultRefineThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RefineWeaknesses runs one refinement pass: every agent the analysis
// flags as weak gets a prompt rewrite. Returns the applied refinements;
// per-agent failures are logged and skipped, not fatal.
func (r *Refiner) RefineWeaknesses(ctx context.Context) ([]Refinement, error) {
	analysis := r.metrics.Analyze(minRefineRequests)
	if len(analysis.Weaknesses) == 0 {
		r.logger.Debug("refine: no weaknesses found")
		return nil, nil
	}
	var applied []Refinement
	for _, weak := range analysis.Weaknesses {
		if weak.Effectiveness() >= r.threshold {
			continue
		}
		ref, err := r.RefineAgent(ctx, weak.Agent)
		if err != nil {
			r.logger.Warn("refine: agent refinement failed", "agent", weak.Agent, "error", err)
			continue
		}
		applied = append(applied, ref)
	}
	return applied, nil
}

// RefineAgent rewrites one agent's prompt. The engineering agent is
// consulted with a stateless, deadline-bounded request; its reply's
// [SUGGESTION] block (or, failing that, the whole reply) becomes the new
// prompt, versioned in the store and swapped into the live runtime.
func (r *Refiner) RefineAgent(ctx context.Context, agentName string) (Refinement, error) {
	target, ok := r.orch.AgentRuntime(agentName)
	if !ok {
		return Refinement{}, fmt.Errorf("refine %q: %w", agentName, ErrNotFound)
	}
	engineer, engineerName, err := r.engineer(agentName)
	if err != nil {
		return Refinement{}, err
	}

	agg, _ := r.metrics.Aggregate(agentName)
	oldPrompt := target.Prompt()

	var analysis PerformanceAnalysis
	if r.store != nil {
		strong, weak := r.metrics.Thresholds()
		analysis, err = AnalyzePerformance(ctx, r.store, agentName, strong, weak)
		if err != nil {
			r.logger.Warn("refine: performance analysis unavailable", "agent", agentName, "error", err)
			analysis = PerformanceAnalysis{Agent: agentName}
		}
	}
	request := buildRefineRequest(agentName, oldPrompt, agg, analysis)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	reply, err := engineer.Request(ctx, request, HistoryStateless, nil)
	if err != nil {
		return Refinement{}, fmt.Errorf("refine %q: consult %s: %w", agentName, engineerName, err)
	}

	newPrompt := extractSuggestion(reply)
	if newPrompt == "" {
		return Refinement{}, &ParseError{Message: "refinement reply contained no usable prompt"}
	}
	if newPrompt == oldPrompt {
		return Refinement{}, fmt.Errorf("refine %q: %w: suggestion identical to current prompt", agentName, ErrInvalidState)
	}

	version, err := r.orch.UpdateAgentPrompt(ctx, agentName, newPrompt,
		"automatic refinement", fmt.Sprintf("rewrite by %s at effectiveness %.2f", engineerName, agg.Effectiveness()),
		engineerName)
	if err != nil {
		return Refinement{}, err
	}
	r.logger.Info("refine: prompt rewritten", "agent", agentName,
		"engineer", engineerName, "version", version)
	return Refinement{
		Agent:         agentName,
		Engineer:      engineerName,
		OldPrompt:     oldPrompt,
		NewPrompt:     newPrompt,
		Version:       version,
		Effectiveness: agg.Effectiveness(),
	}, nil
}

// engineer picks the consulting runtime: the dedicated prompt engineer
// when spawned, otherwise the Chief. The target itself never rewrites
// its own prompt.
func (r *Refiner) engineer(target string) (*Runtime, string, error) {
	if !strings.EqualFold(target, promptEngineerName) {
		if rt, ok := r.orch.AgentRuntime(promptEngineerName); ok {
			return rt, promptEngineerName, nil
		}
	}
	if strings.EqualFold(target, chiefName) {
		return nil, "", fmt.Errorf("refine %q: no engineer available: %w", target, ErrInvalidState)
	}
	if rt, ok := r.orch.AgentRuntime(chiefName); ok {
		return rt, chiefName, nil
	}
	return nil, "", fmt.Errorf("refine %q: no engineer available: %w", target, ErrNotFound)
}

// buildRefineRequest assembles the engineering consultation text.
func buildRefineRequest(agent, prompt string, agg AgentAggregate, analysis PerformanceAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The agent %q is underperforming and needs its system prompt rewritten.\n\n", agent)
	fmt.Fprintf(&b, "Current performance: %d requests, %.0f%% success rate, effectiveness %.2f.\n\n",
		agg.TotalRequests, agg.SuccessRate()*100, agg.Effectiveness())
	if analysis.TotalAttempts > 0 || len(analysis.Capabilities) > 0 {
		b.WriteString("Historical breakdown:\n")
		b.WriteString(analysis.Summary())
		b.WriteString("\n")
	}
	b.WriteString("Current prompt:\n---\n")
	b.WriteString(prompt)
	b.WriteString("\n---\n\n")
	b.WriteString("Write an improved system prompt for this agent. Keep its role and purpose, ")
	b.WriteString("sharpen the instructions that likely caused failures, and return the full ")
	b.WriteString("replacement prompt inside a [SUGGESTION]...[/SUGGESTION] block.")
	return b.String()
}

// extractSuggestion pulls the [SUGGESTION] block out of an engineering
// reply, falling back to the trimmed reply when the block is absent.
func extractSuggestion(reply string) string {
	if inner, ok := subBlock(reply, "SUGGESTION"); ok {
		return strings.TrimSpace(inner)
	}
	return strings.TrimSpace(reply)
}
