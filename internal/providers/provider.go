// Package providers implements the Upstream Client Registry : a
// Client per backend protocol family (OpenAI, Claude, Gemini), each
// translating the canonical OpenAI chat schema to and from its wire format.
package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/meridian-labs/llmgate/internal/routecore"
)

// ChatMessage is one turn in the canonical (OpenAI-shaped) conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the canonical request shape every Client accepts; callers
// build it once from the egress OpenAI-schema body and each Client
// translates it to its own wire format.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream,omitempty"`
	Temperature      float64       `json:"temperature,omitempty"`
	TopP             float64       `json:"top_p,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	User             string        `json:"user,omitempty"`
}

// ChatChoice is one completion choice in the canonical response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatResponse is the canonical (OpenAI chat-completions-shaped) response
// every Client returns, regardless of upstream wire format.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// StreamChunk is one canonical (OpenAI chat-completion-chunk-shaped) SSE
// frame. Raw carries the frame pre-serialized to JSON so the pipeline can
// forward it without a second marshal. Err is set, alongside Done, when the
// upstream connection dropped mid-stream rather than reaching a normal
// terminator.
type StreamChunk struct {
	Raw  []byte
	Done bool
	Err  error
}

// Client is the capability set every upstream protocol family implements.
type Client interface {
	Kind() routecore.BackendKind

	// ListModels performs the cheapest possible reachability probe: it
	// never needs the response content, only whether the round trip
	// succeeded, so callers may discard the returned slice.
	ListModels(ctx context.Context, baseURL, apiKey string, customHeaders map[string]string, timeout time.Duration) ([]string, error)

	// Chat dispatches a single chat completion. When req.Stream is true the
	// returned channel carries StreamChunk frames and is closed when the
	// upstream stream ends or errors; resp is nil in that case. When false,
	// the channel is nil and resp carries the complete translated response.
	Chat(ctx context.Context, baseURL, apiKey string, customHeaders map[string]string, timeout time.Duration, req ChatRequest) (resp *ChatResponse, stream <-chan StreamChunk, err error)
}

// Registry maps a BackendKind to the Client that speaks its protocol.
// Additional kinds may be registered at startup.
type Registry struct {
	clients map[routecore.BackendKind]Client
}

// NewRegistry builds a Registry with the three built-in clients, each
// sharing httpClient's transport-level connection pool.
func NewRegistry(httpClient *http.Client) *Registry {
	return &Registry{
		clients: map[routecore.BackendKind]Client{
			routecore.KindOpenAI: NewOpenAIClient(httpClient),
			routecore.KindClaude: NewClaudeClient(httpClient),
			routecore.KindGemini: NewGeminiClient(httpClient),
		},
	}
}

// Register adds or replaces the Client for a BackendKind.
func (r *Registry) Register(kind routecore.BackendKind, c Client) {
	r.clients[kind] = c
}

// Get returns the Client for kind, or (nil, false) if none is registered.
func (r *Registry) Get(kind routecore.BackendKind) (Client, bool) {
	c, ok := r.clients[kind]
	return c, ok
}

// NewUpstreamTransport builds the shared *http.Transport every Client's
// *http.Client embeds: up to 20 idle connections per host, a 30s idle
// timeout, and TCP keep-alive.
func NewUpstreamTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
	}
}
