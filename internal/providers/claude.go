package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meridian-labs/llmgate/internal/routecore"
)

// ClaudeClient translates the canonical OpenAI chat schema to and from
// Anthropic's Messages API.
type ClaudeClient struct {
	http *http.Client
}

func NewClaudeClient(httpClient *http.Client) *ClaudeClient {
	return &ClaudeClient{http: httpClient}
}

func (c *ClaudeClient) Kind() routecore.BackendKind { return routecore.KindClaude }

func (c *ClaudeClient) ListModels(ctx context.Context, baseURL, apiKey string, customHeaders map[string]string, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ids []string
	err := dispatchWithRetry(ctx, clientInternalRetries, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/v1/models", nil)
		if err != nil {
			return newUpstreamError(routecore.ErrBadRequest, "failed to build models request", err)
		}
		applyAuth(req, routecore.KindClaude, apiKey, customHeaders)

		resp, err := c.http.Do(req)
		if err != nil {
			return ClassifyTransportError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return ClassifyStatus(resp.StatusCode, string(body))
		}

		var decoded struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return newUpstreamError(routecore.ErrServer, "malformed models response", err)
		}
		ids = make([]string, len(decoded.Data))
		for i, d := range decoded.Data {
			ids[i] = d.ID
		}
		return nil
	})
	return ids, err
}

// claudeMessage is one Anthropic Messages API turn.
type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// claudeRequest is the Anthropic Messages API request shape.
type claudeRequest struct {
	Model       string          `json:"model"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	StopSeq     []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// claudeResponse is the Anthropic Messages API non-streaming response shape.
type claudeResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// toClaudeRequest flattens system-role messages into the top-level system
// field.
func toClaudeRequest(req ChatRequest) claudeRequest {
	out := claudeRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeq:     req.Stop,
		Stream:      req.Stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		out.Messages = append(out.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(systemParts, "\n\n")
	return out
}

func claudeStopToFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stopReason
	}
}

func fromClaudeResponse(model string, cr claudeResponse) *ChatResponse {
	var text strings.Builder
	for _, block := range cr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &ChatResponse{
		ID:      cr.ID,
		Object:  "chat.completion",
		Model:   model,
		Choices: []ChatChoice{{Index: 0, Message: ChatMessage{Role: "assistant", Content: text.String()}, FinishReason: claudeStopToFinishReason(cr.StopReason)}},
	}
}

func (c *ClaudeClient) Chat(ctx context.Context, baseURL, apiKey string, customHeaders map[string]string, timeout time.Duration, req ChatRequest) (*ChatResponse, <-chan StreamChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	claudeReq := toClaudeRequest(req)
	body, err := json.Marshal(claudeReq)
	if err != nil {
		cancel()
		return nil, nil, newUpstreamError(routecore.ErrBadRequest, "failed to encode claude request", err)
	}

	var resp *http.Response
	err = dispatchWithRetry(ctx, clientInternalRetries, func(ctx context.Context) error {
		httpReq, err := newChatHTTPRequest(ctx, routecore.KindClaude, baseURL, "/v1/messages", apiKey, customHeaders, body)
		if err != nil {
			return err
		}
		r, err := c.http.Do(httpReq)
		if err != nil {
			return ClassifyTransportError(err)
		}
		if r.StatusCode >= 400 {
			defer r.Body.Close()
			errBody, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			return ClassifyStatus(r.StatusCode, string(errBody))
		}
		resp = r
		return nil
	})
	if err != nil {
		cancel()
		return nil, nil, err
	}

	if !req.Stream {
		defer cancel()
		defer resp.Body.Close()
		var cr claudeResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return nil, nil, newUpstreamError(routecore.ErrServer, "malformed claude response", err)
		}
		return fromClaudeResponse(req.Model, cr), nil, nil
	}

	ch := make(chan StreamChunk)
	go streamClaude(cancel, resp.Body, req.Model, ch)
	return nil, ch, nil
}

// claudeEvent captures just the fields the translator needs out of each
// Anthropic SSE event; unused event types (ping, content_block_start/stop)
// are decoded and discarded.
type claudeEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

// streamClaude reads Anthropic's event-typed SSE and reverse-translates
// each content_block_delta into an OpenAI chat-completion-chunk frame.
func streamClaude(cancel context.CancelFunc, body io.ReadCloser, model string, out chan<- StreamChunk) {
	defer cancel()
	defer body.Close()
	defer close(out)

	var messageID string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var ev claudeEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			if ev.Type == "" {
				ev.Type = eventType
			}

			switch ev.Type {
			case "message_start":
				messageID = ev.Message.ID
			case "content_block_delta":
				chunk := openAIChunk(messageID, model, ev.Delta.Text, "")
				raw, _ := json.Marshal(chunk)
				out <- StreamChunk{Raw: raw}
			case "message_delta":
				finish := claudeStopToFinishReason(ev.Delta.StopReason)
				chunk := openAIChunk(messageID, model, "", finish)
				raw, _ := json.Marshal(chunk)
				out <- StreamChunk{Raw: raw}
			case "message_stop":
				out <- StreamChunk{Done: true}
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Done: true, Err: err}
	}
}

// openAIChunk builds a minimal OpenAI chat-completion-chunk payload for one
// delta. finishReason is empty on all but the terminal chunk.
func openAIChunk(id, model, deltaContent, finishReason string) map[string]any {
	delta := map[string]any{}
	if deltaContent != "" {
		delta["content"] = deltaContent
	}
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{choice},
	}
}
