// Package conclave is a multi-agent orchestration runtime. Specialized
// LLM-backed agents collaborate on a user goal under the direction of a
// Chief agent: the Chief emits structured directives, the orchestrator
// schedules phase-ordered parallel activations, responses are aggregated,
// persisted, and scored, and a feedback loop refines agent prompts based
// on measured performance, optionally via A/B testing.
//
// The root package holds the runtime API: Runtime (per-agent streaming
// execution), Orchestrator and Session (Chief-directed scheduling),
// Collector (response barrier), Store (persistence contract), Metrics,
// Refiner, and ABTester (the feedback loop). Completion backends live in
// provider/ (currently provider/anthropic), storage engines in store/
// (sqlite and postgres), and OTEL instrumentation in observer/.
package conclave
