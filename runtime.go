package conclave

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultMaxTokens = 1024

// Runtime owns one agent's prompt and message history and turns requests
// into streamed completions, emitting lifecycle events along the way.
// A Runtime is exclusively owned by its orchestrator; requests on the
// same runtime are serialized by the caller.
type Runtime struct {
	name     string
	provider Completer

	mu       sync.Mutex
	prompt   string
	history  []Message
	disposed bool

	model       string
	maxTokens   int
	temperature *float64
	timeout     time.Duration
	sink        EventSink
	logger      *slog.Logger
	tracer      Tracer
}

// runtimeConfig holds option-set fields for NewRuntime.
type runtimeConfig struct {
	model       string
	maxTokens   int
	temperature *float64
	timeout     time.Duration
	sink        EventSink
	logger      *slog.Logger
	tracer      Tracer
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeConfig)

// WithModel sets the completion model identifier.
func WithModel(model string) RuntimeOption {
	return func(c *runtimeConfig) { c.model = model }
}

// WithMaxTokens sets the completion token budget.
func WithMaxTokens(n int) RuntimeOption {
	return func(c *runtimeConfig) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) RuntimeOption {
	return func(c *runtimeConfig) { c.temperature = &t }
}

// WithRequestTimeout bounds each request's wall clock, streaming
// included. Zero means no deadline beyond the caller's context.
func WithRequestTimeout(d time.Duration) RuntimeOption {
	return func(c *runtimeConfig) { c.timeout = d }
}

// WithEventSink sets the runtime's event sink. The sink is invoked
// synchronously on the requesting goroutine and must not block.
func WithEventSink(sink EventSink) RuntimeOption {
	return func(c *runtimeConfig) { c.sink = sink }
}

// WithRuntimeLogger sets a structured logger for the runtime.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(c *runtimeConfig) { c.logger = l }
}

// WithRuntimeTracer sets the tracer for request spans.
func WithRuntimeTracer(t Tracer) RuntimeOption {
	return func(c *runtimeConfig) { c.tracer = t }
}

// NewRuntime creates a Runtime for one agent with the given system prompt.
func NewRuntime(name, prompt string, provider Completer, opts ...RuntimeOption) *Runtime {
	cfg := runtimeConfig{maxTokens: defaultMaxTokens, logger: nopLogger}
	for _, o := range opts {
		o(&cfg)
	}
	return &Runtime{
		name:        name,
		provider:    provider,
		prompt:      prompt,
		model:       cfg.model,
		maxTokens:   cfg.maxTokens,
		temperature: cfg.temperature,
		timeout:     cfg.timeout,
		sink:        cfg.sink,
		logger:      cfg.logger,
		tracer:      cfg.tracer,
	}
}

// Name returns the agent name.
func (r *Runtime) Name() string { return r.name }

// Prompt returns the current system prompt.
func (r *Runtime) Prompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prompt
}

// History returns a copy of the persistent message history.
func (r *Runtime) History() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.history))
	copy(out, r.history)
	return out
}

// Dispose marks the runtime unusable. Subsequent requests fail with
// ErrDisposed. In-flight requests are unaffected; cancel their contexts
// to stop them.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
}

// emit delivers an event to the sink, stamping agent and time.
func (r *Runtime) emit(ev Event) {
	if r.sink == nil {
		return
	}
	ev.Agent = r.name
	ev.Time = time.Now()
	r.sink(ev)
}

// Request executes one completion for the agent. The history mode decides
// which prior messages are sent and whether the exchange persists:
// CONVERSATIONAL appends user and assistant turns to the runtime history
// on success, SESSION_AWARE sends injected plus the input, STATELESS
// sends the input alone. The response buffer is reset on every call;
// Response is emitted at most once and Completed exactly once.
func (r *Runtime) Request(ctx context.Context, input string, mode HistoryMode, injected []Message) (string, error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return "", ErrDisposed
	}
	prompt := r.prompt
	messages := r.buildMessagesLocked(input, mode, injected)
	r.mu.Unlock()

	r.emit(Event{Type: EventRequest, Input: input})

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "runtime.request",
			StringAttr("agent", r.name),
			StringAttr("history_mode", string(mode)))
		defer span.End()
	}

	req := CompletionRequest{
		Model:       r.model,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
		System:      prompt,
		Messages:    messages,
	}

	r.emit(Event{Type: EventStatus, Message: "Processing", Progress: 25})
	start := time.Now()

	var buf strings.Builder
	ch := make(chan string, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for delta := range ch {
			buf.WriteString(delta)
			r.emit(Event{Type: EventText, Content: delta})
		}
	}()

	resp, err := r.provider.CompleteStream(ctx, req, ch)
	<-drained

	if err != nil {
		r.logger.Warn("runtime: request failed", "agent", r.name, "error", err, "duration", time.Since(start))
		if mode == HistoryConversational || mode == "" {
			r.rollbackUserTurn()
		}
		if errors.Is(err, context.Canceled) {
			r.emit(Event{Type: EventStatus, Message: "Cancelled", Progress: 0})
			r.emit(Event{Type: EventCompleted, Success: false})
			return "", err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			var te *ErrTransport
			if !errors.As(err, &te) {
				err = &ErrTransport{Op: "stream", Err: err}
			}
		}
		r.emit(Event{Type: EventError, Err: err})
		r.emit(Event{Type: EventCompleted, Success: false})
		return "", err
	}

	final := buf.String()
	if final == "" {
		final = resp.Content
	}

	if mode == HistoryConversational || mode == "" {
		r.mu.Lock()
		r.history = append(r.history, AssistantMessage(final))
		r.mu.Unlock()
	}

	r.logger.Debug("runtime: request complete", "agent", r.name,
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens,
		"duration", time.Since(start))

	r.emit(Event{Type: EventResponse, Input: input, Content: final})
	r.emit(Event{Type: EventCompleted, Success: true})
	r.emit(Event{Type: EventStatus, Message: "Processing complete", Progress: 100})
	return final, nil
}

// buildMessagesLocked assembles the outgoing message slice per the history
// mode. CONVERSATIONAL appends the user turn to persistent history here;
// the assistant turn is appended on success. Callers hold r.mu.
func (r *Runtime) buildMessagesLocked(input string, mode HistoryMode, injected []Message) []Message {
	switch mode {
	case HistorySessionAware:
		out := make([]Message, 0, len(injected)+1)
		out = append(out, injected...)
		return append(out, UserMessage(input))
	case HistoryStateless:
		return []Message{UserMessage(input)}
	default: // CONVERSATIONAL
		r.history = append(r.history, UserMessage(input))
		out := make([]Message, len(r.history))
		copy(out, r.history)
		return out
	}
}

// rollbackUserTurn removes the user message appended for a conversational
// request that failed, leaving history as it was before the call.
func (r *Runtime) rollbackUserTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.history); n > 0 && r.history[n-1].Role == RoleUser {
		r.history = r.history[:n-1]
	}
}

// setPrompt swaps the system prompt in place. Used by the orchestrator
// when a refinement or A/B test produces a new active version.
func (r *Runtime) setPrompt(prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompt = prompt
}
