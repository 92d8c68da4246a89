// Package routecore holds the shared vocabulary of the adaptive routing
// engine: backend/alias/error types, the confidence arithmetic, and the
// clock/RNG seams the rest of the engine is built on.
package routecore

import (
	"fmt"
	"time"
)

// BackendKind identifies the wire protocol family an upstream speaks.
type BackendKind string

const (
	KindOpenAI BackendKind = "openai"
	KindClaude BackendKind = "claude"
	KindGemini BackendKind = "gemini"
)

// BillingMode controls whether a backend may be actively health-probed.
type BillingMode string

const (
	BillingPerToken   BillingMode = "per_token"
	BillingPerRequest BillingMode = "per_request"
)

// Strategy names a route selection algorithm.
type Strategy string

const (
	StrategyWeightedRandom   Strategy = "weighted_random"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastLatency     Strategy = "least_latency"
	StrategyFailover         Strategy = "failover"
	StrategyWeightedFailover Strategy = "weighted_failover"
	StrategySmartAI          Strategy = "smart_ai"
	StrategyRandom           Strategy = "random"
)

// FailureMethod records which probe kind detected a failure, so recovery
// probing can stay consistent with it.
type FailureMethod string

const (
	MethodModelList FailureMethod = "model_list"
	MethodChat      FailureMethod = "chat"
	MethodNetwork   FailureMethod = "network"
)

// ErrorKind classifies why a dispatch to an upstream failed. String-backed
// so it serializes directly into the egress error envelope and Prometheus
// label values without a lookup table.
type ErrorKind string

const (
	ErrNetwork    ErrorKind = "network"
	ErrTimeout    ErrorKind = "timeout"
	ErrAuth       ErrorKind = "auth"
	ErrRateLimit  ErrorKind = "rate_limit"
	ErrServer     ErrorKind = "server_error"
	ErrModel      ErrorKind = "model_error"
	ErrBadRequest ErrorKind = "bad_request"
)

// HTTPStatus returns the egress status code for the error kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrNetwork:
		return 503
	case ErrTimeout:
		return 504
	case ErrAuth:
		return 401
	case ErrRateLimit:
		return 429
	case ErrServer:
		return 502
	case ErrModel:
		return 404
	case ErrBadRequest:
		return 400
	default:
		return 500
	}
}

// Retryable reports whether the pipeline should select another route and try
// again.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrNetwork, ErrTimeout, ErrRateLimit, ErrServer:
		return true
	default:
		return false
	}
}

// Backend is a candidate upstream for one model alias.
type Backend struct {
	ProviderID     string
	UpstreamModel  string
	BaseURL        string
	APIKey         string
	Kind           BackendKind
	CustomHeaders  map[string]string
	BaseWeight     float64
	Priority       int
	Enabled        bool
	Tags           map[string]struct{}
	BillingMode    BillingMode
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
}

// Key returns the stable "provider_id:upstream_model" identity.
func (b Backend) Key() string {
	return BackendKey(b.ProviderID, b.UpstreamModel)
}

// BackendKey formats the stable identity of a (provider, model) pair. Every
// call site that needs this format must go through here.
func BackendKey(providerID, upstreamModel string) string {
	return fmt.Sprintf("%s:%s", providerID, upstreamModel)
}

// HasAnyTag reports whether the backend carries any of the given tags.
func (b Backend) HasAnyTag(tags map[string]struct{}) bool {
	for t := range tags {
		if _, ok := b.Tags[t]; ok {
			return true
		}
	}
	return false
}

// IsPremium reports whether the backend carries the "premium" tag used by
// the SmartAI stability bonus.
func (b Backend) IsPremium() bool {
	_, ok := b.Tags["premium"]
	return ok
}

// ModelAlias is the public name clients send.
type ModelAlias struct {
	Name        string
	Description string
	Strategy    Strategy
	Enabled     bool
	Backends    []Backend
}

// SelectedRoute is returned to the pipeline by the selector.
type SelectedRoute struct {
	RouteID          string
	ProviderID       string
	BaseURL          string
	APIKey           string
	CustomHeaders    map[string]string
	UpstreamModel    string
	BackendKind      BackendKind
	Timeout          time.Duration
	SelectionLatency time.Duration
}

// RouteResult is reported back to the metrics store after dispatch.
type RouteResult struct {
	Success    bool
	Latency    time.Duration
	ErrorKind  ErrorKind
	Message    string
	HTTPStatus int
}

// WeightRecoveryStage is the SmartAI passive-recovery ramp.
type WeightRecoveryStage string

const (
	StageS10  WeightRecoveryStage = "s10"
	StageS30  WeightRecoveryStage = "s30"
	StageS50  WeightRecoveryStage = "s50"
	StageFull WeightRecoveryStage = "full"
)
