package conclave

import "context"

// --- Conversation types ---

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a ContentBlock.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
)

// ContentBlock is a tagged variant of message content. Text blocks carry
// Text; image blocks carry MediaType and base64 Data.
type ContentBlock struct {
	Type      BlockType `json:"type"`
	Text      string    `json:"text,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// Message is one turn of a conversation: a role and an ordered sequence
// of content blocks.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserMessage builds a single-text-block user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// AssistantMessage builds a single-text-block assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ImageBlock builds an image content block from a media type and base64 data.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// Text returns the concatenated text of all text blocks in the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// --- History modes ---

// HistoryMode controls which prior messages an agent sees for a request
// and whether the exchange persists into the agent's own history.
type HistoryMode string

const (
	// HistoryConversational appends the request and the reply to the
	// agent's persistent history and sends the whole history.
	HistoryConversational HistoryMode = "CONVERSATIONAL"
	// HistorySessionAware sends injected session history plus the request;
	// the agent's persistent history is untouched.
	HistorySessionAware HistoryMode = "SESSION_AWARE"
	// HistoryStateless sends exactly the request.
	HistoryStateless HistoryMode = "STATELESS"
)

// ParseHistoryMode maps a directive token to a HistoryMode.
// Unknown tokens return ("", false).
func ParseHistoryMode(s string) (HistoryMode, bool) {
	switch HistoryMode(s) {
	case HistoryConversational, HistorySessionAware, HistoryStateless:
		return HistoryMode(s), true
	}
	return "", false
}

// --- Completion endpoint types ---

// CompletionRequest is the provider-agnostic shape of one completion call.
type CompletionRequest struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	System      string
	Messages    []Message
}

// CompletionResponse is the final result of a completion call, unary or
// accumulated from a stream.
type CompletionResponse struct {
	ID           string
	Content      string
	StopReason   string
	StopSequence string
	Usage        Usage
}

// Usage tracks token consumption for a completion call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completer abstracts the completion endpoint. provider/anthropic has the
// production implementation; tests use in-package fakes.
type Completer interface {
	// Complete sends a request and returns once the full response is available.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// CompleteStream streams text deltas into ch in arrival order, then
	// returns the accumulated response. The implementation closes ch when
	// streaming completes, on error, or on cancellation.
	CompleteStream(ctx context.Context, req CompletionRequest, ch chan<- string) (CompletionResponse, error)
	// Name returns the provider name (e.g. "anthropic").
	Name() string
}

// --- Activation types ---

// ActivationInfo describes one scheduled execution of one agent, parsed
// from a Chief directive.
type ActivationInfo struct {
	// Module is the target agent's name.
	Module string
	// Focus is the task text handed to the agent.
	Focus string
	// HistoryMode controls context visibility for this activation.
	HistoryMode HistoryMode
	// SessionHistoryCount is the number of session transcript messages to
	// inject for SESSION_AWARE activations. Bounded to [0, 25].
	SessionHistoryCount int
	// Phase is the execution bucket. Phases run strictly in ascending
	// order; activations within one phase run in parallel. Minimum 1.
	Phase int
	// DependsOn lists agent names whose activations must complete before
	// this one starts. Only meaningful within a phase.
	DependsOn []string
}

// TeamActivationInfo activates a whole team. On execution it expands to
// one ActivationInfo per team member, Chief first.
type TeamActivationInfo struct {
	Team                string
	Focus               string
	HistoryMode         HistoryMode
	SessionHistoryCount int
}

// AgentCreationRequest is the payload of a [REQUEST_AGENT_CREATION]
// directive.
type AgentCreationRequest struct {
	Name         string
	Purpose      string
	Capabilities []string
	PromptHeader string
	PromptBody   string
}

// Prompt returns the full system prompt for the new agent: header (when
// present) followed by the body.
func (r AgentCreationRequest) Prompt() string {
	if r.PromptHeader == "" {
		return r.PromptBody
	}
	if r.PromptBody == "" {
		return r.PromptHeader
	}
	return r.PromptHeader + "\n\n" + r.PromptBody
}
