package conclave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxTicks = 10
	maxParseRetries = 3
)

// AskUserFunc routes a Chief question to the external collaborator and
// returns the answer. cmd/conclave wires a stdin implementation.
type AskUserFunc func(ctx context.Context, question string) (string, error)

// SessionResult is the terminal state of one session run.
type SessionResult struct {
	FinalTag   string
	Payload    string
	Halted     bool
	HaltReason string
	Ticks      int
}

// Session runs the Chief-directed orchestration loop: each tick sends the
// pending input to the Chief, parses the directive trailing its reply,
// dispatches it, and feeds the outcome back as the next tick's input. The
// loop ends on a final directive, a halt, an unrecoverable error, or the
// tick budget.
type Session struct {
	orch    *Orchestrator
	store   Store
	askUser AskUserFunc
	logger  *slog.Logger

	maxTicks   int
	transcript []Message
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithAskUser wires the external input collaborator.
func WithAskUser(f AskUserFunc) SessionOption {
	return func(s *Session) { s.askUser = f }
}

// WithMaxTicks bounds the number of Chief round trips.
func WithMaxTicks(n int) SessionOption {
	return func(s *Session) { s.maxTicks = n }
}

// WithSessionLogger sets a structured logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a Session over an orchestrator. store may be nil;
// agent creation and transcript persistence are then skipped.
func NewSession(orch *Orchestrator, store Store, opts ...SessionOption) *Session {
	s := &Session{
		orch:     orch,
		store:    store,
		logger:   nopLogger,
		maxTicks: defaultMaxTicks,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Transcript returns a copy of the session transcript so far.
func (s *Session) Transcript() []Message {
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Run drives the session to completion for one objective.
func (s *Session) Run(ctx context.Context, objective string) (SessionResult, error) {
	chief, ok := s.orch.AgentRuntime(chiefName)
	if !ok {
		return SessionResult{}, fmt.Errorf("session: no %s runtime: %w", chiefName, ErrNotFound)
	}

	input := objective
	for tick := 1; tick <= s.maxTicks; tick++ {
		if err := ctx.Err(); err != nil {
			return SessionResult{Ticks: tick - 1}, err
		}

		directive, reply, err := s.chiefTurn(ctx, chief, input)
		if err != nil {
			return SessionResult{Ticks: tick}, err
		}
		for _, w := range directive.Warnings {
			s.logger.Warn("session: directive warning", "tick", tick, "warning", w)
		}
		s.logger.Debug("session: directive", "tick", tick, "kind", directive.Kind, "reply_len", len(reply))

		switch directive.Kind {
		case DirectiveFinal:
			return SessionResult{FinalTag: directive.FinalTag, Payload: directive.FinalPayload, Ticks: tick}, nil

		case DirectiveHalt:
			return SessionResult{Halted: true, HaltReason: directive.HaltReason, Ticks: tick}, nil

		case DirectiveAskUser:
			if s.askUser == nil {
				return SessionResult{Ticks: tick}, fmt.Errorf("session: no user input collaborator wired: %w", ErrInvalidState)
			}
			answer, err := s.askUser(ctx, directive.Question)
			if err != nil {
				return SessionResult{Ticks: tick}, fmt.Errorf("session: ask user: %w", err)
			}
			input = "The user answered: " + answer

		case DirectiveCreation:
			input = s.createAgent(ctx, directive.Creation)

		case DirectiveTeam:
			acts, err := s.orch.ExpandTeam(ctx, *directive.Team)
			if err != nil {
				input = feedbackError("team "+directive.Team.Team, err)
				continue
			}
			input, err = s.dispatch(ctx, acts)
			if err != nil {
				return SessionResult{Ticks: tick}, err
			}

		case DirectiveActivation:
			input, err = s.dispatch(ctx, directive.Activations)
			if err != nil {
				return SessionResult{Ticks: tick}, err
			}
		}
	}
	s.logger.Warn("session: tick budget exhausted", "ticks", s.maxTicks)
	return SessionResult{Halted: true, HaltReason: "tick budget exhausted", Ticks: s.maxTicks}, nil
}

// chiefTurn sends one input to the Chief and parses the directive off its
// reply, correcting parse failures with a bounded number of follow-up
// requests before giving up.
func (s *Session) chiefTurn(ctx context.Context, chief *Runtime, input string) (Directive, string, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		reply, err := chief.Request(ctx, input, HistoryConversational, nil)
		if err != nil {
			return Directive{}, "", fmt.Errorf("session: chief request: %w", err)
		}
		s.transcript = append(s.transcript, UserMessage(input), AssistantMessage(reply))
		s.persistChiefTurn(ctx, input, reply, time.Since(start))

		directive, err := ParseDirective(reply)
		if err == nil {
			return directive, reply, nil
		}
		var parseErr *ParseError
		if !errors.As(err, &parseErr) || attempt >= maxParseRetries-1 {
			return Directive{}, reply, fmt.Errorf("session: chief directive: %w", err)
		}
		s.logger.Warn("session: directive parse failed, asking chief to correct",
			"attempt", attempt+1, "error", parseErr.Message)
		input = fmt.Sprintf("Your previous reply could not be processed: %s. "+
			"Reply again, ending with exactly one valid directive block and nothing after it.",
			parseErr.Message)
	}
}

// dispatch runs an activation block and renders the collected responses
// as Chief feedback.
func (s *Session) dispatch(ctx context.Context, acts []ActivationInfo) (string, error) {
	requestID := uuid.NewString()
	result, err := s.orch.ExecuteBlock(ctx, requestID, acts, s.transcript)
	if err != nil {
		return "", fmt.Errorf("session: execute block: %w", err)
	}
	if err := s.orch.Collector().Wait(ctx, requestID); err != nil {
		return "", err
	}
	responses := s.orch.Collector().ForRequest(requestID)
	s.orch.Collector().Clear(requestID)

	var b strings.Builder
	for _, r := range responses {
		fmt.Fprintf(&b, "[AGENT]%s[/AGENT][RESPONSE]%s[/RESPONSE]\n", r.Agent, r.Text)
	}
	for _, out := range result.Outcomes {
		if out.Err != nil {
			b.WriteString(feedbackError(out.Agent, out.Err) + "\n")
		}
	}
	if result.Partial {
		b.WriteString("Some activations were skipped after a fatal failure; results are partial.\n")
	}
	if b.Len() == 0 {
		b.WriteString("No agent responses were produced.\n")
	}
	return b.String(), nil
}

// createAgent persists and spawns a Chief-requested agent, returning the
// feedback line for the next tick.
func (s *Session) createAgent(ctx context.Context, req *AgentCreationRequest) string {
	prompt := req.Prompt()
	if s.store != nil {
		agentID, err := s.store.AddAgent(ctx, req.Name, req.Purpose, prompt, chiefName)
		if err != nil {
			s.logger.Error("session: agent creation failed", "agent", req.Name, "error", err)
			return feedbackError(req.Name, err)
		}
		for _, cap := range req.Capabilities {
			if _, err := s.store.AddCapability(ctx, agentID, cap, "", 0.5); err != nil {
				s.logger.Warn("session: capability not recorded", "agent", req.Name, "capability", cap, "error", err)
			}
		}
	}
	s.orch.SpawnAgent(req.Name, prompt)
	s.logger.Info("session: agent created", "agent", req.Name, "capabilities", len(req.Capabilities))
	return fmt.Sprintf("[AGENT]%s[/AGENT][RESPONSE]Agent created and ready for activation.[/RESPONSE]", req.Name)
}

// persistChiefTurn records the Chief exchange, best effort.
func (s *Session) persistChiefTurn(ctx context.Context, input, reply string, elapsed time.Duration) {
	if s.store == nil {
		return
	}
	chief, err := s.store.GetAgentByName(ctx, chiefName)
	if err != nil {
		return
	}
	if _, err := s.store.RecordInteraction(ctx, chief.ID, Classify(input), input, reply, nil, elapsed.Seconds(), ""); err != nil {
		s.logger.Warn("session: chief interaction not recorded", "error", err)
	}
}

// feedbackError renders a failed agent run as Chief feedback.
func feedbackError(agent string, err error) string {
	return fmt.Sprintf("[AGENT]%s[/AGENT][ERROR]%s[/ERROR]", agent, err.Error())
}
