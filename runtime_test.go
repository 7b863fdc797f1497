package conclave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink captures events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) sink() EventSink {
	return func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

func (r *recordingSink) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestRuntimeRequestEventOrder(t *testing.T) {
	var rec recordingSink
	provider := &mockCompleter{responses: []string{"hello world"}}
	rt := NewRuntime("Echo", "you echo", provider, WithEventSink(rec.sink()))

	got, err := rt.Request(context.Background(), "say hi", HistoryConversational, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello world" {
		t.Errorf("response = %q, want hello world", got)
	}

	types := rec.types()
	if len(types) < 6 {
		t.Fatalf("events = %v, want request/status/text.../response/completed/status", types)
	}
	if types[0] != EventRequest || types[1] != EventStatus {
		t.Errorf("prefix = %v, want [request status ...]", types[:2])
	}
	tail := types[len(types)-3:]
	if tail[0] != EventResponse || tail[1] != EventCompleted || tail[2] != EventStatus {
		t.Errorf("tail = %v, want [response completed status]", tail)
	}
	// Text deltas sit between the first status and the response.
	sawText := false
	for _, ty := range types[2 : len(types)-3] {
		if ty == EventText {
			sawText = true
		}
	}
	if !sawText {
		t.Error("no text delta events observed")
	}

	last := rec.events[len(rec.events)-1]
	if last.Progress != 100 {
		t.Errorf("final status progress = %d, want 100", last.Progress)
	}
	completed := rec.events[len(rec.events)-2]
	if !completed.Success {
		t.Error("completed event should carry success=true")
	}
}

func TestRuntimeConversationalHistory(t *testing.T) {
	provider := &mockCompleter{responses: []string{"first reply", "second reply"}}
	rt := NewRuntime("Chatty", "prompt", provider)

	if _, err := rt.Request(context.Background(), "one", HistoryConversational, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Request(context.Background(), "two", HistoryConversational, nil); err != nil {
		t.Fatal(err)
	}

	h := rt.History()
	if len(h) != 4 {
		t.Fatalf("history = %d messages, want 4", len(h))
	}
	if h[0].Role != RoleUser || h[1].Role != RoleAssistant {
		t.Errorf("turn roles = %s, %s", h[0].Role, h[1].Role)
	}
	if h[3].Text() != "second reply" {
		t.Errorf("last turn = %q", h[3].Text())
	}

	// The second request must have carried the first exchange.
	req := provider.requests[1]
	if len(req.Messages) != 3 {
		t.Errorf("second request carried %d messages, want 3", len(req.Messages))
	}
}

func TestRuntimeSessionAwareLeavesHistoryUntouched(t *testing.T) {
	provider := &mockCompleter{responses: []string{"ok"}}
	rt := NewRuntime("Aware", "prompt", provider)

	injected := []Message{UserMessage("earlier context"), AssistantMessage("earlier answer")}
	if _, err := rt.Request(context.Background(), "now", HistorySessionAware, injected); err != nil {
		t.Fatal(err)
	}

	if len(rt.History()) != 0 {
		t.Errorf("history = %d messages, want 0 for SESSION_AWARE", len(rt.History()))
	}
	req := provider.requests[0]
	if len(req.Messages) != 3 {
		t.Fatalf("request carried %d messages, want injected+input = 3", len(req.Messages))
	}
	if req.Messages[0].Text() != "earlier context" {
		t.Errorf("first message = %q", req.Messages[0].Text())
	}
}

func TestRuntimeStateless(t *testing.T) {
	provider := &mockCompleter{responses: []string{"ok"}}
	rt := NewRuntime("Blank", "prompt", provider)

	if _, err := rt.Request(context.Background(), "solo", HistoryStateless, nil); err != nil {
		t.Fatal(err)
	}
	if len(provider.requests[0].Messages) != 1 {
		t.Errorf("request carried %d messages, want 1", len(provider.requests[0].Messages))
	}
	if len(rt.History()) != 0 {
		t.Errorf("history = %d, want 0", len(rt.History()))
	}
}

func TestRuntimeFailureRollsBackUserTurn(t *testing.T) {
	boom := errors.New("boom")
	provider := &mockCompleter{errs: []error{boom}}
	var rec recordingSink
	rt := NewRuntime("Fragile", "prompt", provider, WithEventSink(rec.sink()))

	_, err := rt.Request(context.Background(), "try", HistoryConversational, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(rt.History()) != 0 {
		t.Errorf("history = %d after failure, want rollback to 0", len(rt.History()))
	}

	types := rec.types()
	tail := types[len(types)-2:]
	if tail[0] != EventError || tail[1] != EventCompleted {
		t.Errorf("tail = %v, want [error completed]", tail)
	}
	if rec.events[len(rec.events)-1].Success {
		t.Error("completed after failure should carry success=false")
	}
}

func TestRuntimeCancellation(t *testing.T) {
	provider := &mockCompleter{}
	var rec recordingSink
	rt := NewRuntime("Slow", "prompt", provider, WithEventSink(rec.sink()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rt.Request(ctx, "never mind", HistoryConversational, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	types := rec.types()
	tail := types[len(types)-2:]
	if tail[0] != EventStatus || tail[1] != EventCompleted {
		t.Errorf("tail = %v, want [status completed] for cancellation", tail)
	}
	status := rec.events[len(rec.events)-2]
	if status.Message != "Cancelled" || status.Progress != 0 {
		t.Errorf("cancel status = %q/%d, want Cancelled/0", status.Message, status.Progress)
	}
}

func TestRuntimeRequestTimeoutIsTransportFailure(t *testing.T) {
	provider := &mockCompleter{delay: 200 * time.Millisecond}
	var rec recordingSink
	rt := NewRuntime("Stuck", "prompt", provider,
		WithEventSink(rec.sink()),
		WithRequestTimeout(10*time.Millisecond))

	_, err := rt.Request(context.Background(), "take forever", HistoryStateless, nil)
	var te *ErrTransport
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *ErrTransport", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want wrapped deadline", err)
	}

	// A blown deadline is a failure, not a cancellation: the error event
	// fires and the run completes unsuccessfully.
	types := rec.types()
	tail := types[len(types)-2:]
	if tail[0] != EventError || tail[1] != EventCompleted {
		t.Errorf("tail = %v, want [error completed] for timeout", tail)
	}
	if rec.events[len(rec.events)-1].Success {
		t.Error("completed after timeout should carry success=false")
	}
}

func TestRuntimeDispose(t *testing.T) {
	rt := NewRuntime("Done", "prompt", &mockCompleter{})
	rt.Dispose()
	_, err := rt.Request(context.Background(), "hi", HistoryConversational, nil)
	if !errors.Is(err, ErrDisposed) {
		t.Fatalf("err = %v, want ErrDisposed", err)
	}
}

func TestRuntimePromptSwap(t *testing.T) {
	provider := &mockCompleter{responses: []string{"a", "b"}}
	rt := NewRuntime("Mutable", "old prompt", provider)

	if _, err := rt.Request(context.Background(), "x", HistoryStateless, nil); err != nil {
		t.Fatal(err)
	}
	rt.setPrompt("new prompt")
	if _, err := rt.Request(context.Background(), "y", HistoryStateless, nil); err != nil {
		t.Fatal(err)
	}

	if provider.requests[0].System != "old prompt" || provider.requests[1].System != "new prompt" {
		t.Errorf("system prompts = %q, %q", provider.requests[0].System, provider.requests[1].System)
	}
	if rt.Prompt() != "new prompt" {
		t.Errorf("Prompt() = %q", rt.Prompt())
	}
}
