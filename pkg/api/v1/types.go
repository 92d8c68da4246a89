// Package v1 defines the wire types for the gateway's external HTTP
// interface: the OpenAI-compatible chat/models surface plus the
// admin/inspection reads.
package v1

// Message is one OpenAI-schema chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest is the inbound request body. Backend is the
// debug/admin escape hatch: when set, it forces a specific provider_id and
// bypasses strategy selection entirely. This type only decodes the field
// for request validation at the HTTP handler; the forcing behavior itself
// is implemented downstream by pipeline.requestEnvelope re-reading the same
// raw body, and the field is always stripped before any byte reaches an
// upstream.
type ChatCompletionRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Stream           bool      `json:"stream,omitempty"`
	Temperature      float64   `json:"temperature,omitempty"`
	TopP             float64   `json:"top_p,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	User             string    `json:"user,omitempty"`
	Backend          string    `json:"backend,omitempty"`
}

// Choice is one completion choice in a ChatCompletionResponse.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatCompletionResponse mirrors OpenAI's non-streaming chat-completion
// shape.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// ErrorDetails is the body of the egress error envelope.
type ErrorDetails struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ErrorResponse is the full egress error envelope.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"`
}

// ModelInfo describes one alias the caller is allowed to see.
type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Description string `json:"description,omitempty"`
}

// ModelsResponse is the GET /v1/models payload.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// BackendSnapshot is one row of the admin backend inspection table.
type BackendSnapshot struct {
	RouteID             string  `json:"route_id"`
	ProviderID          string  `json:"provider_id"`
	UpstreamModel       string  `json:"upstream_model"`
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures uint32  `json:"consecutive_failures"`
	TotalRequests       uint64  `json:"total_requests"`
	SuccessfulRequests  uint64  `json:"successful_requests"`
	FailedRequests      uint64  `json:"failed_requests"`
	LatencyEMAMs        float64 `json:"latency_ema_ms"`
	Confidence          float64 `json:"confidence,omitempty"`
	WeightRecoveryStage string  `json:"weight_recovery_stage,omitempty"`
}

// BackendsResponse is the admin per-backend inspection payload.
type BackendsResponse struct {
	Backends []BackendSnapshot `json:"backends"`
}

// UnhealthyEntry is one row of the admin unhealthy-list inspection payload.
type UnhealthyEntry struct {
	RouteID            string `json:"route_id"`
	FailureCount       uint32 `json:"failure_count"`
	RecoveryAttempts   uint32 `json:"recovery_attempts"`
	FailureCheckMethod string `json:"failure_check_method"`
}

// UnhealthyResponse is the admin unhealthy-list inspection payload.
type UnhealthyResponse struct {
	Unhealthy []UnhealthyEntry `json:"unhealthy"`
}
