package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-labs/llmgate/internal/observability"
	"github.com/meridian-labs/llmgate/internal/providers"
	"github.com/meridian-labs/llmgate/internal/routecore"
	"github.com/meridian-labs/llmgate/internal/selector"
)

func testMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	m, err := observability.NewMetrics(observability.MetricsConfig{}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func testTracing() *observability.Tracing {
	return observability.NewTracing(observability.TracingConfig{}, zap.NewNop())
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

// scriptedClient returns a scripted sequence of outcomes, one per Chat call,
// so retry-across-routes tests can force the first N routes to fail.
type scriptedClient struct {
	kind    routecore.BackendKind
	mu      sync.Mutex
	results []func() (*providers.ChatResponse, <-chan providers.StreamChunk, error)
	calls   int
}

func (s *scriptedClient) Kind() routecore.BackendKind { return s.kind }

func (s *scriptedClient) ListModels(ctx context.Context, baseURL, apiKey string, headers map[string]string, timeout time.Duration) ([]string, error) {
	return nil, nil
}

func (s *scriptedClient) Chat(ctx context.Context, baseURL, apiKey string, headers map[string]string, timeout time.Duration, req providers.ChatRequest) (*providers.ChatResponse, <-chan providers.StreamChunk, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx]()
}

func newBackend(providerID string, weight float64) routecore.Backend {
	return routecore.Backend{
		ProviderID:    providerID,
		UpstreamModel: "upstream-model",
		BaseURL:       "https://example.test",
		APIKey:        "key",
		Kind:          routecore.KindOpenAI,
		BaseWeight:    weight,
		Priority:      1,
		Enabled:       true,
		BillingMode:   routecore.BillingPerToken,
		Timeout:       5 * time.Second,
	}
}

func setup(t *testing.T, client *scriptedClient, aliasStrategy routecore.Strategy, backends ...routecore.Backend) (*Pipeline, *routecore.Store) {
	t.Helper()
	store := routecore.NewStore(routecore.StoreConfig{}, &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	sel := selector.New(store, &routecore.FixedRNG{Values: []float64{0}}, nil, selector.SmartAIConfig{})
	registry := providers.NewRegistry(http.DefaultClient)
	registry.Register(routecore.KindOpenAI, client)

	alias := routecore.ModelAlias{Name: "gpt-4", Enabled: true, Strategy: aliasStrategy, Backends: backends}
	lookup := func(name string) (routecore.ModelAlias, bool) {
		if name == alias.Name {
			return alias, true
		}
		return routecore.ModelAlias{}, false
	}

	p := New(sel, store, registry, testMetrics(t), testTracing(), lookup, nil, Config{MaxInternalRetries: 2}, zap.NewNop())
	return p, store
}

func chatBody(model, backend string) []byte {
	m := map[string]any{"model": model, "messages": []map[string]string{{"role": "user", "content": "hi"}}}
	if backend != "" {
		m["backend"] = backend
	}
	raw, _ := json.Marshal(m)
	return raw
}

func TestHandleChatRejectsMissingModel(t *testing.T) {
	client := &scriptedClient{kind: routecore.KindOpenAI}
	p, _ := setup(t, client, routecore.StrategyFailover, newBackend("openai-a", 10))

	_, err := p.HandleChat(context.Background(), nil, []byte(`{"messages":[]}`), false)
	require.Error(t, err)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusBadRequest, failure.Status)
}

func TestHandleChatRejectsUnknownAlias(t *testing.T) {
	client := &scriptedClient{kind: routecore.KindOpenAI}
	p, _ := setup(t, client, routecore.StrategyFailover, newBackend("openai-a", 10))

	_, err := p.HandleChat(context.Background(), nil, chatBody("nonexistent", ""), false)
	require.Error(t, err)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusNotFound, failure.Status)
}

func TestHandleChatRetriesAcrossRoutesOnRetryableFailure(t *testing.T) {
	client := &scriptedClient{
		kind: routecore.KindOpenAI,
		results: []func() (*providers.ChatResponse, <-chan providers.StreamChunk, error){
			func() (*providers.ChatResponse, <-chan providers.StreamChunk, error) {
				return nil, nil, &providers.UpstreamError{Kind: routecore.ErrServer, Message: "boom"}
			},
			func() (*providers.ChatResponse, <-chan providers.StreamChunk, error) {
				return &providers.ChatResponse{ID: "ok"}, nil, nil
			},
		},
	}
	p, store := setup(t, client, routecore.StrategyFailover, newBackend("openai-a", 10), newBackend("openai-b", 10))

	outcome, err := p.HandleChat(context.Background(), nil, chatBody("gpt-4", ""), false)
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Response.ID)
	assert.Equal(t, 2, client.calls)

	snapA := store.GetSnapshot("openai-a:upstream-model")
	assert.EqualValues(t, 1, snapA.FailedRequests)
	snapB := store.GetSnapshot("openai-b:upstream-model")
	assert.EqualValues(t, 1, snapB.SuccessfulRequests)
}

func TestHandleChatStopsRetryingOnNonRetryableFailure(t *testing.T) {
	client := &scriptedClient{
		kind: routecore.KindOpenAI,
		results: []func() (*providers.ChatResponse, <-chan providers.StreamChunk, error){
			func() (*providers.ChatResponse, <-chan providers.StreamChunk, error) {
				return nil, nil, &providers.UpstreamError{Kind: routecore.ErrAuth, Message: "bad credential"}
			},
		},
	}
	p, _ := setup(t, client, routecore.StrategyFailover, newBackend("openai-a", 10), newBackend("openai-b", 10))

	_, err := p.HandleChat(context.Background(), nil, chatBody("gpt-4", ""), false)
	require.Error(t, err)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, routecore.ErrAuth, failure.Kind)
	assert.Equal(t, 1, client.calls)
}

func TestHandleChatExhaustsRetriesThenReturnsLastFailure(t *testing.T) {
	fail := func() (*providers.ChatResponse, <-chan providers.StreamChunk, error) {
		return nil, nil, &providers.UpstreamError{Kind: routecore.ErrServer, Message: "boom"}
	}
	client := &scriptedClient{
		kind:    routecore.KindOpenAI,
		results: []func() (*providers.ChatResponse, <-chan providers.StreamChunk, error){fail, fail},
	}
	p, _ := setup(t, client, routecore.StrategyFailover, newBackend("openai-a", 10), newBackend("openai-b", 10))

	_, err := p.HandleChat(context.Background(), nil, chatBody("gpt-4", ""), false)
	require.Error(t, err)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, routecore.ErrServer, failure.Kind)
	assert.Equal(t, 2, client.calls, "only two distinct routes exist, so the third attempt finds none left")
}

func TestHandleChatForcedBackendBypassesStrategyAndRetry(t *testing.T) {
	client := &scriptedClient{
		kind: routecore.KindOpenAI,
		results: []func() (*providers.ChatResponse, <-chan providers.StreamChunk, error){
			func() (*providers.ChatResponse, <-chan providers.StreamChunk, error) {
				return &providers.ChatResponse{ID: "forced"}, nil, nil
			},
		},
	}
	p, _ := setup(t, client, routecore.StrategyFailover, newBackend("openai-a", 10), newBackend("openai-b", 10))

	outcome, err := p.HandleChat(context.Background(), nil, chatBody("gpt-4", "openai-b"), false)
	require.NoError(t, err)
	assert.Equal(t, "forced", outcome.Response.ID)
	assert.Equal(t, 1, client.calls)
}

func TestHandleChatForcedBackendUnknownProviderFails(t *testing.T) {
	client := &scriptedClient{kind: routecore.KindOpenAI}
	p, _ := setup(t, client, routecore.StrategyFailover, newBackend("openai-a", 10))

	_, err := p.HandleChat(context.Background(), nil, chatBody("gpt-4", "does-not-exist"), false)
	require.Error(t, err)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusNotFound, failure.Status)
}

func TestWrapStreamRecordsSuccessOnCleanDone(t *testing.T) {
	store := routecore.NewStore(routecore.StoreConfig{}, &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	sel := selector.New(store, nil, nil, selector.SmartAIConfig{})
	p := New(sel, store, providers.NewRegistry(http.DefaultClient), testMetrics(t), testTracing(), nil, nil, Config{}, zap.NewNop())

	in := make(chan providers.StreamChunk, 2)
	in <- providers.StreamChunk{Raw: []byte(`{"delta":"hi"}`)}
	in <- providers.StreamChunk{Done: true}
	close(in)

	route := routecore.SelectedRoute{RouteID: "openai-a:gpt-4", ProviderID: "openai-a", UpstreamModel: "gpt-4"}
	out := p.wrapStream(route, time.Now(), in)
	var received []providers.StreamChunk
	for chunk := range out {
		received = append(received, chunk)
	}

	require.Len(t, received, 2)
	assert.True(t, store.IsHealthy("openai-a:gpt-4"))
	snap := store.GetSnapshot("openai-a:gpt-4")
	assert.EqualValues(t, 1, snap.SuccessfulRequests)
}

func TestWrapStreamRecordsFailureOnTruncatedStream(t *testing.T) {
	store := routecore.NewStore(routecore.StoreConfig{}, &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	sel := selector.New(store, nil, nil, selector.SmartAIConfig{})
	p := New(sel, store, providers.NewRegistry(http.DefaultClient), testMetrics(t), testTracing(), nil, nil, Config{}, zap.NewNop())

	in := make(chan providers.StreamChunk, 2)
	in <- providers.StreamChunk{Raw: []byte(`{"delta":"hi"}`)}
	in <- providers.StreamChunk{Done: true, Err: assertIOError{}}
	close(in)

	route := routecore.SelectedRoute{RouteID: "openai-a:gpt-4", ProviderID: "openai-a", UpstreamModel: "gpt-4"}
	out := p.wrapStream(route, time.Now(), in)
	for range out {
	}

	snap := store.GetSnapshot("openai-a:gpt-4")
	assert.EqualValues(t, 1, snap.FailedRequests)
}

type assertIOError struct{}

func (assertIOError) Error() string { return "connection reset" }
