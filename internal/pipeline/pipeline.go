// Package pipeline implements the Request Pipeline: the single operation
// that turns an inbound OpenAI-schema chat request into a dispatched,
// translated, retried-across-routes upstream call.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-labs/llmgate/internal/observability"
	"github.com/meridian-labs/llmgate/internal/providers"
	"github.com/meridian-labs/llmgate/internal/routecore"
	"github.com/meridian-labs/llmgate/internal/selector"
)

// Failure is the pipeline's error type; it carries enough to shape the
// egress error envelope without the caller re-classifying anything.
type Failure struct {
	Status  int
	Kind    routecore.ErrorKind
	Message string
}

func (f *Failure) Error() string { return f.Message }

// Outcome is what HandleChat returns on success. Exactly one of Response or
// Stream is populated, matching Streaming.
type Outcome struct {
	Streaming bool
	Response  *providers.ChatResponse
	Stream    <-chan providers.StreamChunk
}

// AliasLookup resolves a model alias by the name clients address it by.
type AliasLookup func(name string) (routecore.ModelAlias, bool)

// Config carries the pipeline's tunables.
type Config struct {
	MaxInternalRetries int
	KeepAliveInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInternalRetries == 0 {
		c.MaxInternalRetries = 2
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	return c
}

// Pipeline is the C6 Request Pipeline.
type Pipeline struct {
	selector *selector.Selector
	store    *routecore.Store
	registry *providers.Registry
	metrics  *observability.Metrics
	tracing  *observability.Tracing
	aliases  AliasLookup
	clock    routecore.Clock
	cfg      Config
	logger   *zap.Logger
}

// New builds a Pipeline. clock defaults to routecore.SystemClock when nil.
func New(sel *selector.Selector, store *routecore.Store, registry *providers.Registry, metrics *observability.Metrics, tracing *observability.Tracing, aliases AliasLookup, clock routecore.Clock, cfg Config, logger *zap.Logger) *Pipeline {
	if clock == nil {
		clock = routecore.SystemClock{}
	}
	return &Pipeline{
		selector: sel,
		store:    store,
		registry: registry,
		metrics:  metrics,
		tracing:  tracing,
		aliases:  aliases,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

type requestEnvelope struct {
	Model   string `json:"model"`
	Backend string `json:"backend,omitempty"`
}

// HandleChat implements the handle_chat entry point. body is the raw
// OpenAI-schema JSON request the client sent, including the optional
// top-level "backend" field used to force a specific provider; that field is
// never forwarded upstream since providers.ChatRequest has no such field.
func (p *Pipeline) HandleChat(ctx context.Context, userTags map[string]struct{}, body []byte, streaming bool) (*Outcome, error) {
	var envelope requestEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &Failure{Status: http.StatusBadRequest, Kind: routecore.ErrBadRequest, Message: "malformed request body"}
	}
	if envelope.Model == "" {
		return nil, &Failure{Status: http.StatusBadRequest, Kind: routecore.ErrBadRequest, Message: "model is required"}
	}

	var req providers.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &Failure{Status: http.StatusBadRequest, Kind: routecore.ErrBadRequest, Message: "malformed request body"}
	}

	alias, ok := p.aliases(envelope.Model)
	if !ok || !alias.Enabled {
		return nil, &Failure{Status: http.StatusNotFound, Kind: routecore.ErrModel, Message: "unknown model alias: " + envelope.Model}
	}

	if envelope.Backend != "" {
		route, err := p.selector.SelectSpecificRoute(alias, envelope.Backend)
		if err != nil {
			return nil, translateSelectErr(err)
		}
		p.metrics.RecordDispatch(envelope.Model, true)
		outcome, failure := p.attemptDispatch(ctx, route, "forced", req, streaming)
		if failure != nil {
			return nil, failure
		}
		return outcome, nil
	}

	return p.dispatchWithRetry(ctx, alias, userTags, req, streaming)
}

// dispatchWithRetry selects a route, dispatches, and on a retryable failure
// asks the selector again excluding every route_id already tried within this
// request, up to max_internal_retries additional attempts.
func (p *Pipeline) dispatchWithRetry(ctx context.Context, alias routecore.ModelAlias, userTags map[string]struct{}, req providers.ChatRequest, streaming bool) (*Outcome, error) {
	p.metrics.RecordDispatch(alias.Name, false)

	tried := make(map[string]struct{})
	strategy := string(alias.Strategy)
	var lastFailure *Failure

	for attempt := 0; attempt <= p.cfg.MaxInternalRetries; attempt++ {
		route, err := p.selector.SelectRoute(excludeTried(alias, tried), userTags)
		if err != nil {
			if lastFailure != nil {
				p.metrics.RecordPipelineRetries(alias.Name, attempt)
				return nil, lastFailure
			}
			return nil, translateSelectErr(err)
		}
		tried[route.RouteID] = struct{}{}

		outcome, failure := p.attemptDispatch(ctx, route, strategy, req, streaming)
		if failure == nil {
			p.metrics.RecordPipelineRetries(alias.Name, attempt)
			return outcome, nil
		}
		lastFailure = failure
		if !failure.Kind.Retryable() {
			p.metrics.RecordPipelineRetries(alias.Name, attempt)
			return nil, failure
		}
	}
	p.metrics.RecordPipelineRetries(alias.Name, p.cfg.MaxInternalRetries)
	return nil, lastFailure
}

func excludeTried(alias routecore.ModelAlias, tried map[string]struct{}) routecore.ModelAlias {
	if len(tried) == 0 {
		return alias
	}
	filtered := alias
	filtered.Backends = make([]routecore.Backend, 0, len(alias.Backends))
	for _, b := range alias.Backends {
		if _, skip := tried[b.Key()]; !skip {
			filtered.Backends = append(filtered.Backends, b)
		}
	}
	return filtered
}

// attemptDispatch performs one upstream call for an already-selected route
// and records the outcome into the Store. Streaming outcomes are recorded
// once the stream itself concludes, not here.
func (p *Pipeline) attemptDispatch(ctx context.Context, route routecore.SelectedRoute, strategy string, req providers.ChatRequest, streaming bool) (*Outcome, *Failure) {
	client, ok := p.registry.Get(route.BackendKind)
	if !ok {
		return nil, &Failure{Status: http.StatusBadGateway, Kind: routecore.ErrServer, Message: "no client registered for backend kind " + string(route.BackendKind)}
	}

	outReq := req
	outReq.Model = route.UpstreamModel
	outReq.Stream = streaming

	var resp *providers.ChatResponse
	var stream <-chan providers.StreamChunk
	start := p.clock.Now()
	err := p.tracing.TraceDispatch(ctx, route.ProviderID, route.UpstreamModel, strategy, func(ctx context.Context) error {
		var chatErr error
		resp, stream, chatErr = client.Chat(ctx, route.BaseURL, route.APIKey, route.CustomHeaders, route.Timeout, outReq)
		return chatErr
	})
	if err != nil {
		kind := routecore.ErrServer
		var upstreamErr *providers.UpstreamError
		if errors.As(err, &upstreamErr) {
			kind = upstreamErr.Kind
		}
		p.recordFailure(route, kind, routecore.MethodChat)
		p.metrics.RecordRouteSelection(req.Model, strategy, route.ProviderID, "failure")
		return nil, &Failure{Status: kind.HTTPStatus(), Kind: kind, Message: err.Error()}
	}

	if streaming {
		p.metrics.RecordRouteSelection(req.Model, strategy, route.ProviderID, "attempted")
		return &Outcome{Streaming: true, Stream: p.wrapStream(route, start, stream)}, nil
	}

	latency := p.clock.Now().Sub(start)
	p.recordSuccess(route, latency)
	p.metrics.RecordRouteSelection(req.Model, strategy, route.ProviderID, "success")
	return &Outcome{Response: resp}, nil
}

// recordSuccess updates the confidence store and emits the backend health
// gauge/latency histogram, flagging a health transition if the backend was
// on the unhealthy list the moment before this call.
func (p *Pipeline) recordSuccess(route routecore.SelectedRoute, latency time.Duration) {
	wasHealthy := p.store.IsHealthy(route.RouteID)
	p.store.RecordSuccess(route.RouteID, latency)
	p.store.SmartAIUpdateSuccess(route.RouteID)

	p.metrics.RecordBackendLatency(route.ProviderID, route.UpstreamModel, latency)
	p.metrics.RecordBackendHealth(route.ProviderID, route.UpstreamModel, true)
	if !wasHealthy && p.store.IsHealthy(route.RouteID) {
		p.metrics.RecordHealthTransition(route.ProviderID, route.UpstreamModel, "recovered", string(routecore.MethodChat))
	}
}

// recordFailure is recordSuccess's counterpart for the failure path.
func (p *Pipeline) recordFailure(route routecore.SelectedRoute, kind routecore.ErrorKind, method routecore.FailureMethod) {
	wasHealthy := p.store.IsHealthy(route.RouteID)
	p.store.RecordFailureWithMethod(route.RouteID, kind, method)
	p.store.SmartAIUpdateFailure(route.RouteID, kind)

	p.metrics.RecordBackendHealth(route.ProviderID, route.UpstreamModel, p.store.IsHealthy(route.RouteID))
	if wasHealthy && !p.store.IsHealthy(route.RouteID) {
		p.metrics.RecordHealthTransition(route.ProviderID, route.UpstreamModel, string(kind), string(method))
	}
}

// wrapStream forwards upstream chunks unmodified but records the eventual
// success/failure once the stream concludes, so callers never see internal
// bookkeeping mixed into the SSE body.
func (p *Pipeline) wrapStream(route routecore.SelectedRoute, start time.Time, in <-chan providers.StreamChunk) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range in {
			out <- chunk
			if chunk.Done {
				if chunk.Err != nil {
					p.recordFailure(route, routecore.ErrNetwork, routecore.MethodChat)
					return
				}
				latency := p.clock.Now().Sub(start)
				p.recordSuccess(route, latency)
				return
			}
		}
	}()
	return out
}

func translateSelectErr(err error) *Failure {
	switch {
	case errors.Is(err, routecore.ErrUnknownModel):
		return &Failure{Status: http.StatusNotFound, Kind: routecore.ErrModel, Message: err.Error()}
	case errors.Is(err, routecore.ErrNoAvailableBackend):
		return &Failure{Status: http.StatusServiceUnavailable, Kind: routecore.ErrNetwork, Message: err.Error()}
	case errors.Is(err, routecore.ErrBackendNotFound):
		return &Failure{Status: http.StatusNotFound, Kind: routecore.ErrModel, Message: err.Error()}
	default:
		return &Failure{Status: http.StatusInternalServerError, Kind: routecore.ErrServer, Message: err.Error()}
	}
}
