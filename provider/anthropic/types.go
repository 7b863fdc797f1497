// Package anthropic implements conclave.Completer over the Anthropic
// Messages API, including SSE streaming.
package anthropic

import "github.com/conclave-ai/conclave"

// --- Request types ---

// MessagesRequest is the Anthropic messages API request body.
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message is a single turn in the Anthropic wire format.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a typed content block. Text blocks carry Text; image
// blocks carry a base64 Source.
type ContentBlock struct {
	Type   string       `json:"type"` // "text" or "image"
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource holds base64 image data.
type ImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// --- Response types ---

// MessagesResponse is the non-streaming response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage contains token usage statistics.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// APIError is the error payload the API returns, both as a non-2xx body
// and as an SSE error event.
type APIError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Streaming event types ---

// StreamEvent is the union of SSE event payloads. Type discriminates:
// message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop, ping, error.
type StreamEvent struct {
	Type    string            `json:"type"`
	Message *MessagesResponse `json:"message,omitempty"` // message_start
	Index   int               `json:"index,omitempty"`
	Delta   *StreamDelta      `json:"delta,omitempty"` // content_block_delta, message_delta
	Usage   *Usage            `json:"usage,omitempty"` // message_delta
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"` // error
}

// StreamDelta carries the incremental payload of a delta event.
type StreamDelta struct {
	Type         string `json:"type"` // "text_delta" on content_block_delta
	Text         string `json:"text,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// encodeMessages converts conversation messages to the wire format.
func encodeMessages(msgs []conclave.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		wm := Message{Role: string(m.Role)}
		for _, b := range m.Content {
			switch b.Type {
			case conclave.BlockImage:
				wm.Content = append(wm.Content, ContentBlock{
					Type: "image",
					Source: &ImageSource{
						Type:      "base64",
						MediaType: b.MediaType,
						Data:      b.Data,
					},
				})
			default:
				wm.Content = append(wm.Content, ContentBlock{Type: "text", Text: b.Text})
			}
		}
		out = append(out, wm)
	}
	return out
}

// decodeResponse converts a wire response to the provider-agnostic shape.
func decodeResponse(r MessagesResponse) conclave.CompletionResponse {
	var text string
	for _, b := range r.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}
	return conclave.CompletionResponse{
		ID:           r.ID,
		Content:      text,
		StopReason:   r.StopReason,
		StopSequence: r.StopSequence,
		Usage: conclave.Usage{
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
		},
	}
}
