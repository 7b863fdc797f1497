package conclave

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AgentResponse is one agent's reply to a dispatched request.
type AgentResponse struct {
	Agent string
	Text  string
	Time  time.Time
	Votes int
}

// Collector aggregates per-agent responses keyed by request ID and signals
// a barrier when the expected set for a request is complete. Safe for
// concurrent use.
type Collector struct {
	mu        sync.Mutex
	responses map[string][]AgentResponse
	pending   map[string]map[string]struct{}
	done      map[string]chan struct{}
	signalled map[string]bool
	logger    *slog.Logger
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCollectorLogger sets a structured logger for the collector.
func WithCollectorLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) { c.logger = l }
}

// NewCollector creates an empty Collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		responses: make(map[string][]AgentResponse),
		pending:   make(map[string]map[string]struct{}),
		done:      make(map[string]chan struct{}),
		signalled: make(map[string]bool),
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Expect registers the set of agents whose responses complete the request.
// Must be called before the first Add for the request. Calling Expect with
// no agents signals completion immediately.
func (c *Collector) Expect(requestID string, agents []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		set[a] = struct{}{}
	}
	c.pending[requestID] = set
	if _, ok := c.done[requestID]; !ok {
		c.done[requestID] = make(chan struct{})
	}
	c.signalled[requestID] = false
	c.logger.Debug("collector: expecting", "request_id", requestID, "agents", len(set))
	c.maybeSignalLocked(requestID)
}

// Add records a response and removes its agent from the pending set. When
// the set becomes empty, the request's barrier is signalled exactly once.
func (c *Collector) Add(requestID string, resp AgentResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.Time.IsZero() {
		resp.Time = time.Now()
	}
	c.responses[requestID] = append(c.responses[requestID], resp)
	if set, ok := c.pending[requestID]; ok {
		delete(set, resp.Agent)
	}
	c.logger.Debug("collector: response added", "request_id", requestID, "agent", resp.Agent)
	c.maybeSignalLocked(requestID)
}

// Resolve removes an agent from the pending set without recording a
// response. Used when an activation fails or is skipped, so the barrier
// still fires for the agents that did respond.
func (c *Collector) Resolve(requestID, agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.pending[requestID]; ok {
		delete(set, agent)
	}
	c.logger.Debug("collector: agent resolved without response", "request_id", requestID, "agent", agent)
	c.maybeSignalLocked(requestID)
}

// maybeSignalLocked closes the request's barrier channel when the pending
// set is empty and the barrier has not fired yet. Callers hold c.mu.
func (c *Collector) maybeSignalLocked(requestID string) {
	set, ok := c.pending[requestID]
	if !ok || len(set) > 0 || c.signalled[requestID] {
		return
	}
	ch, ok := c.done[requestID]
	if !ok {
		return
	}
	c.signalled[requestID] = true
	close(ch)
	c.logger.Debug("collector: all responses completed", "request_id", requestID)
}

// ForRequest returns the responses recorded so far, in arrival order.
func (c *Collector) ForRequest(requestID string) []AgentResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AgentResponse, len(c.responses[requestID]))
	copy(out, c.responses[requestID])
	return out
}

// Clear drops all state for a request.
func (c *Collector) Clear(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.responses, requestID)
	delete(c.pending, requestID)
	delete(c.done, requestID)
	delete(c.signalled, requestID)
}

// AddVote increments the vote count on an agent's response for a request.
// Unknown agents are ignored.
func (c *Collector) AddVote(requestID, agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.responses[requestID]
	for i := range list {
		if list[i].Agent == agent {
			list[i].Votes++
			return
		}
	}
}

// Winner returns the response with the most votes for a request. Ties go
// to the earliest response. Returns false when no responses exist.
func (c *Collector) Winner(requestID string) (AgentResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.responses[requestID]
	if len(list) == 0 {
		return AgentResponse{}, false
	}
	best := list[0]
	for _, r := range list[1:] {
		if r.Votes > best.Votes {
			best = r
		}
	}
	return best, true
}

// Done returns the barrier channel for a request. The channel is closed
// exactly once, when every expected agent has responded. Callers that
// never called Expect receive a channel that closes on the first Expect.
func (c *Collector) Done(requestID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.done[requestID]
	if !ok {
		ch = make(chan struct{})
		c.done[requestID] = ch
	}
	return ch
}

// Wait blocks until the request's barrier fires or ctx is cancelled.
func (c *Collector) Wait(ctx context.Context, requestID string) error {
	select {
	case <-c.Done(requestID):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
