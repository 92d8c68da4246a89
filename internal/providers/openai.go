package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/meridian-labs/llmgate/internal/routecore"
)

// clientInternalRetries bounds the retry attempts a Client makes for a
// single selected route before surfacing the failure to the pipeline, which
// performs its own retry by selecting a different route entirely.
const clientInternalRetries = 1

// OpenAIClient speaks the OpenAI chat-completions schema directly; no
// translation is needed since it is also the gateway's own canonical shape.
type OpenAIClient struct {
	http *http.Client
}

// NewOpenAIClient builds an OpenAIClient sharing the given *http.Client
// (and therefore its pooled transport).
func NewOpenAIClient(httpClient *http.Client) *OpenAIClient {
	return &OpenAIClient{http: httpClient}
}

func (c *OpenAIClient) Kind() routecore.BackendKind { return routecore.KindOpenAI }

func (c *OpenAIClient) ListModels(ctx context.Context, baseURL, apiKey string, customHeaders map[string]string, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ids []string
	err := dispatchWithRetry(ctx, clientInternalRetries, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/v1/models", nil)
		if err != nil {
			return newUpstreamError(routecore.ErrBadRequest, "failed to build models request", err)
		}
		applyAuth(req, routecore.KindOpenAI, apiKey, customHeaders)

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

func (c *OpenAIClient) Chat(ctx context.Context, baseURL, apiKey string, customHeaders map[string]string, timeout time.Duration, req ChatRequest) (*ChatResponse, <-chan StreamChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	body, err := json.Marshal(req)
	if err != nil {
		cancel()
		return nil, nil, newUpstreamError(routecore.ErrBadRequest, "failed to encode request body", err)
	}

	// dispatch retries only the connect-and-check-status phase: once a 2xx
	// response is in hand the body is either decoded once (non-streaming)
	// or handed to the SSE forwarder, neither of which can be safely replayed.
	var resp *http.Response
	err = dispatchWithRetry(ctx, clientInternalRetries, func(ctx context.Context) error {
		httpReq, err := newChatHTTPRequest(ctx, routecore.KindOpenAI, baseURL, "/v1/chat/completions", apiKey, customHeaders, body)
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
		var out ChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, nil, newUpstreamError(routecore.ErrServer, "malformed chat response", err)
		}
		return &out, nil, nil
	}

	ch := make(chan StreamChunk)
	go streamOpenAIPassthrough(cancel, resp.Body, ch)
	return nil, ch, nil
}

// streamOpenAIPassthrough forwards each upstream SSE "data: " frame
// unmodified, since OpenAI is already the canonical chunk shape.
func streamOpenAIPassthrough(cancel context.CancelFunc, body io.ReadCloser, out chan<- StreamChunk) {
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
		if payload == "[DONE]" {
			out <- StreamChunk{Done: true}
			return
		}
		out <- StreamChunk{Raw: []byte(payload)}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Done: true, Err: err}
	}
}

// applyAuth places the provider credential exactly per-kind: Bearer header
// for OpenAI-compatible upstreams, x-api-key + anthropic-version for
// Claude, ?key= query for Gemini (handled in gemini.go since it mutates the
// URL, not headers).
func applyAuth(req *http.Request, kind routecore.BackendKind, apiKey string, customHeaders map[string]string) {
	switch kind {
	case routecore.KindClaude:
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range customHeaders {
		req.Header.Set(k, v)
	}
}

func newChatHTTPRequest(ctx context.Context, kind routecore.BackendKind, baseURL, path, apiKey string, customHeaders map[string]string, body []byte) (*http.Request, error) {
	url := strings.TrimRight(baseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, newUpstreamError(routecore.ErrBadRequest, "failed to build upstream request", err)
	}
	applyAuth(httpReq, kind, apiKey, customHeaders)
	return httpReq, nil
}

// dispatchWithRetry wraps a single upstream attempt with go-retry's constant
// backoff, retrying only on errors the caller marks retryable. Clients that
// need retry around a raw *http.Request (claude, gemini) share this helper.
func dispatchWithRetry(ctx context.Context, maxRetries int, attempt func(ctx context.Context) error) error {
	if maxRetries <= 0 {
		return attempt(ctx)
	}
	backoff := retry.WithMaxRetries(uint64(maxRetries), retry.NewConstant(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		var upstreamErr *UpstreamError
		if asUpstreamError(err, &upstreamErr) && upstreamErr.Kind.Retryable() {
			return retry.RetryableError(err)
		}
		return err
	})
}

func asUpstreamError(err error, target **UpstreamError) bool {
	ue, ok := err.(*UpstreamError)
	if ok {
		*target = ue
	}
	return ok
}
