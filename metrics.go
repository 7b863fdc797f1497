package conclave

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Default analysis thresholds. An agent whose effectiveness meets or
// exceeds the strong threshold is a strength; below the weak threshold
// it is a refinement candidate.
const (
	defaultStrongThreshold = 0.8
	defaultWeakThreshold   = 0.6
)

// QualitySample is one judged response's quality breakdown, each
// dimension in [0,1].
type QualitySample struct {
	Relevance  float64
	Creativity float64
	Accuracy   float64
	Consensus  float64
}

// QualityMean is the running mean of one quality dimension, updated as
// newAvg = (oldAvg*(n-1) + sample) / n with n the dimension's own
// sample count.
type QualityMean struct {
	Samples int
	Average float64
}

func (q *QualityMean) add(sample float64) {
	q.Samples++
	n := float64(q.Samples)
	q.Average = (q.Average*(n-1) + sample) / n
}

// AgentAggregate is the in-memory rollup for one agent. Averages are
// running means over the corresponding sample counts; each quality
// dimension keeps its own.
type AgentAggregate struct {
	Agent               string
	TotalRequests       int
	SuccessfulRequests  int
	AverageResponseTime float64
	Relevance           QualityMean
	Creativity          QualityMean
	Accuracy            QualityMean
	Consensus           QualityMean
	LastActivity        time.Time
}

// SuccessRate returns successes over total, 0 when no requests yet.
func (a AgentAggregate) SuccessRate() float64 {
	if a.TotalRequests == 0 {
		return 0
	}
	return float64(a.SuccessfulRequests) / float64(a.TotalRequests)
}

// Effectiveness is the plain mean of the four quality-dimension
// averages. Before any quality judgement arrives it falls back to the
// success rate.
func (a AgentAggregate) Effectiveness() float64 {
	if a.Relevance.Samples == 0 && a.Creativity.Samples == 0 &&
		a.Accuracy.Samples == 0 && a.Consensus.Samples == 0 {
		return a.SuccessRate()
	}
	return (a.Relevance.Average + a.Creativity.Average + a.Accuracy.Average + a.Consensus.Average) / 4
}

// Analysis is the outcome of one metrics pass: which agents perform and
// which need their prompts refined.
type Analysis struct {
	Strengths  []AgentAggregate
	Weaknesses []AgentAggregate
}

// Metrics aggregates per-agent request outcomes and quality judgements
// in memory. Durable history goes through the Store; this aggregator
// feeds the refinement loop's fast path. Safe for concurrent use.
type Metrics struct {
	mu     sync.Mutex
	agents map[string]*AgentAggregate

	strongThreshold float64
	weakThreshold   float64
	logger          *slog.Logger
}

// MetricsOption configures a Metrics aggregator.
type MetricsOption func(*Metrics)

// WithThresholds overrides the strong and weak effectiveness thresholds.
func WithThresholds(strong, weak float64) MetricsOption {
	return func(m *Metrics) { m.strongThreshold, m.weakThreshold = strong, weak }
}

// WithMetricsLogger sets a structured logger.
func WithMetricsLogger(l *slog.Logger) MetricsOption {
	return func(m *Metrics) { m.logger = l }
}

// NewMetrics creates an empty aggregator with default thresholds.
func NewMetrics(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		agents:          make(map[string]*AgentAggregate),
		strongThreshold: defaultStrongThreshold,
		weakThreshold:   defaultWeakThreshold,
		logger:          nopLogger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RecordRequest folds one request outcome into the agent's aggregate.
// responseTime is in seconds and joins the running mean:
// newAvg = (oldAvg*n + sample) / (n+1).
func (m *Metrics) RecordRequest(agent string, success bool, responseTime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.aggregateLocked(agent)
	n := float64(a.TotalRequests)
	a.AverageResponseTime = (a.AverageResponseTime*n + responseTime) / (n + 1)
	a.TotalRequests++
	if success {
		a.SuccessfulRequests++
	}
	a.LastActivity = time.Now()
}

// RecordQuality folds one full quality judgement into the agent's
// per-dimension running means.
func (m *Metrics) RecordQuality(agent string, sample QualitySample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.aggregateLocked(agent)
	a.Relevance.add(sample.Relevance)
	a.Creativity.add(sample.Creativity)
	a.Accuracy.add(sample.Accuracy)
	a.Consensus.add(sample.Consensus)
	a.LastActivity = time.Now()
}

// RecordConsensus folds one agreement outcome into the consensus
// dimension alone. The other dimensions keep their own counts.
func (m *Metrics) RecordConsensus(agent string, agreed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.aggregateLocked(agent)
	v := 0.0
	if agreed {
		v = 1
	}
	a.Consensus.add(v)
	a.LastActivity = time.Now()
}

// Thresholds returns the strong and weak classification thresholds.
func (m *Metrics) Thresholds() (strong, weak float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strongThreshold, m.weakThreshold
}

// aggregateLocked returns the agent's aggregate, creating it on first use.
func (m *Metrics) aggregateLocked(agent string) *AgentAggregate {
	a, ok := m.agents[agent]
	if !ok {
		a = &AgentAggregate{Agent: agent}
		m.agents[agent] = a
	}
	return a
}

// Aggregate returns a snapshot of one agent's rollup.
func (m *Metrics) Aggregate(agent string) (AgentAggregate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agent]
	if !ok {
		return AgentAggregate{}, false
	}
	return *a, true
}

// Aggregates returns snapshots for all agents, sorted by name.
func (m *Metrics) Aggregates() []AgentAggregate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentAggregate, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Analyze splits agents into strengths and weaknesses by effectiveness.
// Agents with no recorded requests are skipped. minRequests filters out
// agents with too little signal to judge.
func (m *Metrics) Analyze(minRequests int) Analysis {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Analysis
	for _, a := range m.agents {
		if a.TotalRequests == 0 || a.TotalRequests < minRequests {
			continue
		}
		eff := a.Effectiveness()
		switch {
		case eff >= m.strongThreshold:
			out.Strengths = append(out.Strengths, *a)
		case eff < m.weakThreshold:
			out.Weaknesses = append(out.Weaknesses, *a)
		}
	}
	sort.Slice(out.Strengths, func(i, j int) bool {
		return out.Strengths[i].Effectiveness() > out.Strengths[j].Effectiveness()
	})
	sort.Slice(out.Weaknesses, func(i, j int) bool {
		return out.Weaknesses[i].Effectiveness() < out.Weaknesses[j].Effectiveness()
	})
	m.logger.Debug("metrics: analysis complete",
		"strengths", len(out.Strengths), "weaknesses", len(out.Weaknesses))
	return out
}

// Reset drops all aggregates.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make(map[string]*AgentAggregate)
}
