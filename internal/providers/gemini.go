package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridian-labs/llmgate/internal/routecore"
)

// GeminiClient translates the canonical OpenAI chat schema to and from
// Google's generateContent API.
type GeminiClient struct {
	http *http.Client
}

func NewGeminiClient(httpClient *http.Client) *GeminiClient {
	return &GeminiClient{http: httpClient}
}

func (c *GeminiClient) Kind() routecore.BackendKind { return routecore.KindGemini }

func (c *GeminiClient) ListModels(ctx context.Context, baseURL, apiKey string, customHeaders map[string]string, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ids []string
	err := dispatchWithRetry(ctx, clientInternalRetries, func(ctx context.Context) error {
		reqURL := strings.TrimRight(baseURL, "/") + "/v1beta/models?key=" + url.QueryEscape(apiKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return newUpstreamError(routecore.ErrBadRequest, "failed to build models request", err)
		}
		for k, v := range customHeaders {
			req.Header.Set(k, v)
		}

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
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return newUpstreamError(routecore.ErrServer, "malformed models response", err)
		}
		ids = make([]string, len(decoded.Models))
		for i, m := range decoded.Models {
			ids[i] = m.Name
		}
		return nil
	})
	return ids, err
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64  `json:"temperature,omitempty"`
		TopP            float64  `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

// toGeminiRole remaps OpenAI's assistant role to Gemini's model role; every
// other role (user) passes through unchanged.
func toGeminiRole(openAIRole string) string {
	if openAIRole == "assistant" {
		return "model"
	}
	return openAIRole
}

func geminiFinishReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// toGeminiRequest moves system messages to systemInstruction, remaps
// assistant→model, and merges consecutive same-role turns.
func toGeminiRequest(req ChatRequest) geminiRequest {
	var out geminiRequest
	var systemParts []string

	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		role := toGeminiRole(m.Role)
		if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == role {
			out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, geminiPart{Text: m.Content})
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	if len(systemParts) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(systemParts, "\n\n")}}}
	}

	out.GenerationConfig.Temperature = req.Temperature
	out.GenerationConfig.TopP = req.TopP
	out.GenerationConfig.MaxOutputTokens = req.MaxTokens
	out.GenerationConfig.StopSequences = req.Stop
	return out
}

func fromGeminiResponse(model string, gr geminiResponse) *ChatResponse {
	choices := make([]ChatChoice, 0, len(gr.Candidates))
	for i, cand := range gr.Candidates {
		var text strings.Builder
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		choices = append(choices, ChatChoice{
			Index:        i,
			Message:      ChatMessage{Role: "assistant", Content: text.String()},
			FinishReason: geminiFinishReason(cand.FinishReason),
		})
	}
	return &ChatResponse{Object: "chat.completion", Model: model, Choices: choices}
}

func (c *GeminiClient) Chat(ctx context.Context, baseURL, apiKey string, customHeaders map[string]string, timeout time.Duration, req ChatRequest) (*ChatResponse, <-chan StreamChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	geminiReq := toGeminiRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		cancel()
		return nil, nil, newUpstreamError(routecore.ErrBadRequest, "failed to encode gemini request", err)
	}

	action := "generateContent"
	if req.Stream {
		action = "streamGenerateContent?alt=sse"
	}
	path := fmt.Sprintf("/v1beta/models/%s:%s", req.Model, action)
	sep := "&"
	if !strings.Contains(path, "?") {
		sep = "?"
	}
	reqURL := strings.TrimRight(baseURL, "/") + path + sep + "key=" + url.QueryEscape(apiKey)

	var resp *http.Response
	err = dispatchWithRetry(ctx, clientInternalRetries, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return newUpstreamError(routecore.ErrBadRequest, "failed to build upstream request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range customHeaders {
			httpReq.Header.Set(k, v)
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
		var gr geminiResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return nil, nil, newUpstreamError(routecore.ErrServer, "malformed gemini response", err)
		}
		return fromGeminiResponse(req.Model, gr), nil, nil
	}

	ch := make(chan StreamChunk)
	go streamGemini(cancel, resp.Body, req.Model, ch)
	return nil, ch, nil
}

// streamGemini reads Gemini's SSE-of-JSON-chunks and reverse-translates
// candidates[].content.parts[].text into an OpenAI delta frame per chunk.
func streamGemini(cancel context.CancelFunc, body io.ReadCloser, model string, out chan<- StreamChunk) {
	defer cancel()
	defer body.Close()
	defer close(out)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var gr geminiResponse
		if err := json.Unmarshal([]byte(payload), &gr); err != nil {
			continue
		}
		if len(gr.Candidates) == 0 {
			continue
		}
		cand := gr.Candidates[0]
		var text strings.Builder
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		chunk := openAIChunk("", model, text.String(), geminiFinishReason(cand.FinishReason))
		raw, _ := json.Marshal(chunk)
		out <- StreamChunk{Raw: raw}
		if cand.FinishReason != "" {
			out <- StreamChunk{Done: true}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Done: true, Err: err}
	}
}
