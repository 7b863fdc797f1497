package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/conclave-ai/conclave"
)

// StreamSSE reads an Anthropic SSE stream from body, sends text deltas to
// ch, and returns the fully accumulated response.
//
// The channel is closed when streaming completes. Callers should read
// from ch in a separate goroutine. The context cancels channel sends if
// the consumer is no longer interested.
//
// SSE format expected:
//
//	event: content_block_delta
//	data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"..."}}
//
// terminated by a message_stop event or a "data: [DONE]" sentinel. An
// error event aborts the stream with ErrRemote. Malformed data lines are
// skipped.
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- string) (conclave.CompletionResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var (
		content strings.Builder
		resp    conclave.CompletionResponse
	)
	for scanner.Scan() {
		line := scanner.Text()

		// Only data lines carry payloads; event-name and blank lines are
		// framing.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			break
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip malformed chunks.
			continue
		}

		stop, delta, err := applyEvent(&resp, ev)
		if err != nil {
			return conclave.CompletionResponse{}, err
		}
		if delta != "" {
			content.WriteString(delta)
			select {
			case ch <- delta:
			case <-ctx.Done():
				return conclave.CompletionResponse{}, ctx.Err()
			}
		}
		if stop {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return conclave.CompletionResponse{}, &conclave.ErrTransport{Op: "stream", Err: err}
	}

	resp.Content = content.String()
	return resp, nil
}

// applyEvent folds one decoded event into the accumulating response and
// returns whether the stream is finished plus any text delta to forward.
// Kept free of I/O so the event grammar is testable in isolation.
func applyEvent(resp *conclave.CompletionResponse, ev StreamEvent) (stop bool, delta string, err error) {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			resp.ID = ev.Message.ID
			resp.Usage.InputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			delta = ev.Delta.Text
		}
	case "message_delta":
		if ev.Delta != nil {
			resp.StopReason = ev.Delta.StopReason
			resp.StopSequence = ev.Delta.StopSequence
		}
		if ev.Usage != nil {
			resp.Usage.OutputTokens = ev.Usage.OutputTokens
		}
	case "message_stop":
		stop = true
	case "error":
		if ev.Error != nil {
			return false, "", &conclave.ErrRemote{Type: ev.Error.Type, Message: ev.Error.Message}
		}
		return false, "", &conclave.ErrRemote{Type: "unknown", Message: "stream error event without payload"}
	}
	// ping, content_block_start, content_block_stop carry nothing we need.
	return stop, delta, nil
}
