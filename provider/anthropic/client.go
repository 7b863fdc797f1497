package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/conclave-ai/conclave"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	// apiVersion is the pinned Messages API revision.
	apiVersion = "2023-06-01"
)

// Client implements conclave.Completer over the Anthropic Messages API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// ClientOption configures a Client instance.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL. Useful for proxies and tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client (e.g. with a timeout).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithTimeout bounds each HTTP call end to end, streaming reads
// included. Apply after WithHTTPClient to keep both.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.client.Timeout = d }
}

// WithLogger sets a structured logger for request diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates an Anthropic messages client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string { return "anthropic" }

// Complete sends a non-streaming request and returns the full response.
func (c *Client) Complete(ctx context.Context, req conclave.CompletionRequest) (conclave.CompletionResponse, error) {
	resp, err := c.send(ctx, buildBody(req, false))
	if err != nil {
		return conclave.CompletionResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return conclave.CompletionResponse{}, c.httpErr(resp)
	}
	var body MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return conclave.CompletionResponse{}, &conclave.ErrProtocol{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return decodeResponse(body), nil
}

// CompleteStream streams text deltas into ch, then returns the final
// accumulated response. The channel is closed when streaming completes
// (via StreamSSE) or on error.
func (c *Client) CompleteStream(ctx context.Context, req conclave.CompletionRequest, ch chan<- string) (conclave.CompletionResponse, error) {
	resp, err := c.send(ctx, buildBody(req, true))
	if err != nil {
		close(ch)
		return conclave.CompletionResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return conclave.CompletionResponse{}, c.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// buildBody converts the provider-agnostic request to the wire shape.
func buildBody(req conclave.CompletionRequest, stream bool) MessagesRequest {
	return MessagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    encodeMessages(req.Messages),
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// send marshals the body and posts it to the messages endpoint.
func (c *Client) send(ctx context.Context, body MessagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &conclave.ErrProtocol{Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &conclave.ErrTransport{Op: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &conclave.ErrTransport{Op: "post", Err: err}
	}
	if c.logger != nil {
		c.logger.Debug("anthropic: request sent", "model", body.Model, "status", resp.StatusCode, "stream", body.Stream)
	}
	return resp, nil
}

// httpErr decodes a non-2xx body. A well-formed API error becomes
// ErrRemote; anything else (including 5xx noise) is a transport failure.
func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &conclave.ErrRemote{Type: apiErr.Error.Type, Message: apiErr.Error.Message}
	}
	return &conclave.ErrTransport{
		Op:  "post",
		Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
	}
}

// Compile-time interface check.
var _ conclave.Completer = (*Client)(nil)
