package conclave

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// A/B conclusion rule: both arms need at least the per-arm sample floor
// of recorded outcomes, and the challenger must beat the incumbent's
// success rate by the promotion margin to be kept.
const (
	defaultMinArmSamples = 10
	promotionMargin      = 1.05
)

// ABArm is one side of a live test. Counters are owned by the tester and
// mutated under its lock.
type ABArm struct {
	Variant   string // "A" or "B"
	Prompt    string
	VersionID string

	total     int
	successes int
}

// Rate returns the arm's success rate, 0 when no samples.
func (a *ABArm) Rate() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.successes) / float64(a.total)
}

// abTest is the live state of one agent's prompt test.
type abTest struct {
	agentID   string
	agentName string
	armA      *ABArm
	armB      *ABArm
	counter   uint64
	startedAt time.Time
}

// ABResult is the verdict of a concluded test.
type ABResult struct {
	Agent        string
	Promoted     bool
	RateA        float64
	RateB        float64
	SamplesA     int
	SamplesB     int
	FinalVersion int
}

// ABTester runs prompt A/B tests: while a test is live for an agent, the
// tester alternates which prompt variant serves each activation and
// records per-arm outcomes. At most one live test per agent.
type ABTester struct {
	store      Store
	logger     *slog.Logger
	minSamples int

	mu    sync.Mutex
	tests map[string]*abTest // keyed by lower-cased agent name
}

// ABTesterOption configures an ABTester.
type ABTesterOption func(*ABTester)

// WithABLogger sets a structured logger.
func WithABLogger(l *slog.Logger) ABTesterOption {
	return func(t *ABTester) { t.logger = l }
}

// WithABMinSamples sets the per-arm sample floor below which a test
// concludes without promotion. Values under 1 keep the default.
func WithABMinSamples(n int) ABTesterOption {
	return func(t *ABTester) {
		if n >= 1 {
			t.minSamples = n
		}
	}
}

// NewABTester creates an ABTester persisting variants through store.
func NewABTester(store Store, opts ...ABTesterOption) *ABTester {
	t := &ABTester{
		store:      store,
		logger:     nopLogger,
		minSamples: defaultMinArmSamples,
		tests:      make(map[string]*abTest),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start begins a test for an agent: the current active prompt becomes arm
// A and promptB is persisted as a new version (arm B). Fails with
// ErrDuplicate when a test is already live for the agent.
func (t *ABTester) Start(ctx context.Context, agentName, promptB, reason string) error {
	key := strings.ToLower(agentName)
	t.mu.Lock()
	if _, live := t.tests[key]; live {
		t.mu.Unlock()
		return fmt.Errorf("ab test for %q: %w", agentName, ErrDuplicate)
	}
	t.mu.Unlock()

	agent, err := t.store.GetAgentByName(ctx, agentName)
	if err != nil {
		return err
	}
	current, err := t.store.GetCurrentAgentVersion(ctx, agent.ID)
	if err != nil {
		return err
	}
	if _, err := t.store.AddAgentVersion(ctx, agent.ID, promptB, reason, "A/B test variant", "ab-tester", current.PerformanceScore); err != nil {
		return err
	}
	variantB, err := t.store.GetCurrentAgentVersion(ctx, agent.ID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, live := t.tests[key]; live {
		return fmt.Errorf("ab test for %q: %w", agentName, ErrDuplicate)
	}
	t.tests[key] = &abTest{
		agentID:   agent.ID,
		agentName: agent.Name,
		armA:      &ABArm{Variant: "A", Prompt: current.PromptText, VersionID: current.ID},
		armB:      &ABArm{Variant: "B", Prompt: promptB, VersionID: variantB.ID},
		startedAt: time.Now(),
	}
	t.logger.Info("ab: test started", "agent", agent.Name, "variant_b_version", variantB.VersionNumber)
	return nil
}

// PromptFor returns the prompt variant serving the agent's next
// activation, alternating fairly between arms. ok is false when no test
// is live for the agent.
func (t *ABTester) PromptFor(agentName string) (string, *ABArm, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	test, ok := t.tests[strings.ToLower(agentName)]
	if !ok {
		return "", nil, false
	}
	arm := test.armA
	if test.counter%2 == 1 {
		arm = test.armB
	}
	test.counter++
	return arm.Prompt, arm, true
}

// Record folds one activation outcome into an arm.
func (t *ABTester) Record(arm *ABArm, success bool) {
	if arm == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	arm.total++
	if success {
		arm.successes++
	}
}

// Live reports whether a test is running for the agent.
func (t *ABTester) Live(agentName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tests[strings.ToLower(agentName)]
	return ok
}

// Conclude ends the agent's test and applies the verdict. The challenger
// is promoted only when both arms have enough samples and its success
// rate beats the incumbent's by the promotion margin; otherwise the
// incumbent prompt is restored by a superseding version. Scores on both
// versions are recomputed from their interaction history.
func (t *ABTester) Conclude(ctx context.Context, agentName string) (ABResult, error) {
	key := strings.ToLower(agentName)
	t.mu.Lock()
	test, ok := t.tests[key]
	if !ok {
		t.mu.Unlock()
		return ABResult{}, fmt.Errorf("ab test for %q: %w", agentName, ErrNotFound)
	}
	delete(t.tests, key)
	result := ABResult{
		Agent:    test.agentName,
		RateA:    test.armA.Rate(),
		RateB:    test.armB.Rate(),
		SamplesA: test.armA.total,
		SamplesB: test.armB.total,
	}
	result.Promoted = test.armA.total >= t.minSamples &&
		test.armB.total >= t.minSamples &&
		result.RateB > result.RateA*promotionMargin
	t.mu.Unlock()

	if !result.Promoted {
		// Restore the incumbent prompt by superseding the challenger.
		if _, err := t.store.AddAgentVersion(ctx, test.agentID, test.armA.Prompt,
			"A/B test concluded: incumbent retained", "revert to variant A", "ab-tester",
			result.RateB); err != nil {
			return result, err
		}
	}
	for _, versionID := range []string{test.armA.VersionID, test.armB.VersionID} {
		if err := t.store.RecomputeScores(ctx, versionID); err != nil {
			t.logger.Warn("ab: recompute scores failed", "agent", test.agentName, "version_id", versionID, "error", err)
		}
	}
	if cur, err := t.store.GetCurrentAgentVersion(ctx, test.agentID); err == nil {
		result.FinalVersion = cur.VersionNumber
	}
	t.logger.Info("ab: test concluded", "agent", test.agentName,
		"promoted", result.Promoted, "rate_a", result.RateA, "rate_b", result.RateB)
	return result, nil
}
