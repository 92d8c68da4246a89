package health

import (
	"context"
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

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// stubClient is a Client double whose ListModels/Chat outcomes and call
// counts are controlled by the test.
type stubClient struct {
	kind routecore.BackendKind

	mu              sync.Mutex
	listModelsErr   error
	chatErr         error
	listModelsCalls int
	chatCalls       int
}

func (s *stubClient) Kind() routecore.BackendKind { return s.kind }

func (s *stubClient) ListModels(ctx context.Context, baseURL, apiKey string, headers map[string]string, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listModelsCalls++
	if s.listModelsErr != nil {
		return nil, s.listModelsErr
	}
	return []string{"model-a"}, nil
}

func (s *stubClient) Chat(ctx context.Context, baseURL, apiKey string, headers map[string]string, timeout time.Duration, req providers.ChatRequest) (*providers.ChatResponse, <-chan providers.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatCalls++
	if s.chatErr != nil {
		return nil, nil, s.chatErr
	}
	return &providers.ChatResponse{ID: "ping"}, nil, nil
}

func (s *stubClient) calls() (listModels, chat int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listModelsCalls, s.chatCalls
}

func perTokenBackend(providerID string) routecore.Backend {
	return routecore.Backend{
		ProviderID:    providerID,
		UpstreamModel: "gpt-4",
		BaseURL:       "https://example.test",
		APIKey:        "key",
		Kind:          routecore.KindOpenAI,
		BaseWeight:    10,
		Enabled:       true,
		BillingMode:   routecore.BillingPerToken,
		Timeout:       5 * time.Second,
	}
}

func perRequestBackend(providerID string) routecore.Backend {
	b := perTokenBackend(providerID)
	b.BillingMode = routecore.BillingPerRequest
	return b
}

func newTestController(t *testing.T, aliases AliasProvider, client *stubClient, clk *fakeClock) (*Controller, *routecore.Store) {
	t.Helper()
	store := routecore.NewStore(routecore.StoreConfig{}, clk)
	registry := providers.NewRegistry(http.DefaultClient)
	registry.Register(routecore.KindOpenAI, client)
	ctrl := New(store, registry, testMetrics(t), testTracing(), aliases, clk, Config{}, zap.NewNop())
	return ctrl, store
}

func TestGroupProbeTargetsSkipsPerRequestBackends(t *testing.T) {
	aliases := []routecore.ModelAlias{
		{
			Name:    "gpt-4",
			Enabled: true,
			Backends: []routecore.Backend{
				perTokenBackend("openai-a"),
				perRequestBackend("openai-b"),
			},
		},
	}

	targets := groupProbeTargets(aliases)
	require.Len(t, targets, 1)
	_, ok := targets["openai-a"]
	assert.True(t, ok)
	_, ok = targets["openai-b"]
	assert.False(t, ok)
}

func TestGroupProbeTargetsDedupesKeysAcrossAliases(t *testing.T) {
	b := perTokenBackend("openai-a")
	aliases := []routecore.ModelAlias{
		{Name: "alias-1", Enabled: true, Backends: []routecore.Backend{b}},
		{Name: "alias-2", Enabled: true, Backends: []routecore.Backend{b}},
	}

	targets := groupProbeTargets(aliases)
	require.Len(t, targets, 1)
	assert.Len(t, targets["openai-a"].backends, 1)
}

func TestRunActiveProbeRecordsSuccessForSharedProviderKeys(t *testing.T) {
	backendA := perTokenBackend("openai-a")
	backendA.UpstreamModel = "gpt-4"
	backendB := perTokenBackend("openai-a")
	backendB.UpstreamModel = "gpt-4-turbo"

	aliases := []routecore.ModelAlias{
		{Name: "alias-1", Enabled: true, Backends: []routecore.Backend{backendA}},
		{Name: "alias-2", Enabled: true, Backends: []routecore.Backend{backendB}},
	}

	client := &stubClient{kind: routecore.KindOpenAI}
	clk := newFakeClock()
	ctrl, store := newTestController(t, func() []routecore.ModelAlias { return aliases }, client, clk)

	ctrl.RunActiveProbe(context.Background())

	listModelsCalls, _ := client.calls()
	assert.Equal(t, 1, listModelsCalls, "one provider probe should cover both backend keys")
	assert.True(t, store.IsHealthy(backendA.Key()))
	assert.True(t, store.IsHealthy(backendB.Key()))
	assert.EqualValues(t, 1, store.GetSnapshot(backendA.Key()).SuccessfulRequests)
	assert.EqualValues(t, 1, store.GetSnapshot(backendB.Key()).SuccessfulRequests)
}

func TestRunActiveProbeSkipsPerRequestBackend(t *testing.T) {
	b := perRequestBackend("openai-a")
	aliases := []routecore.ModelAlias{{Name: "alias", Enabled: true, Backends: []routecore.Backend{b}}}

	client := &stubClient{kind: routecore.KindOpenAI}
	clk := newFakeClock()
	ctrl, store := newTestController(t, func() []routecore.ModelAlias { return aliases }, client, clk)

	ctrl.RunActiveProbe(context.Background())

	listModelsCalls, _ := client.calls()
	assert.Equal(t, 0, listModelsCalls)
	assert.EqualValues(t, 0, store.GetSnapshot(b.Key()).TotalRequests)
}

func TestRunActiveProbeTransportErrorTagsNetworkMethod(t *testing.T) {
	b := perTokenBackend("openai-a")
	aliases := []routecore.ModelAlias{{Name: "alias", Enabled: true, Backends: []routecore.Backend{b}}}

	client := &stubClient{kind: routecore.KindOpenAI, listModelsErr: providers.ClassifyTransportError(opaqueTransportError{})}
	clk := newFakeClock()
	ctrl, store := newTestController(t, func() []routecore.ModelAlias { return aliases }, client, clk)

	for i := 0; i < 5; i++ {
		ctrl.RunActiveProbe(context.Background())
	}

	require.True(t, store.IsOnUnhealthyList(b.Key()))
	entry, ok := store.UnhealthyEntrySnapshot(b.Key())
	require.True(t, ok)
	assert.Equal(t, routecore.MethodNetwork, entry.FailureCheckMethod)
}

func TestRunActiveProbeStatusErrorTagsModelListMethod(t *testing.T) {
	b := perTokenBackend("openai-a")
	aliases := []routecore.ModelAlias{{Name: "alias", Enabled: true, Backends: []routecore.Backend{b}}}

	client := &stubClient{kind: routecore.KindOpenAI, listModelsErr: providers.ClassifyStatus(401, "")}
	clk := newFakeClock()
	ctrl, store := newTestController(t, func() []routecore.ModelAlias { return aliases }, client, clk)

	for i := 0; i < 5; i++ {
		ctrl.RunActiveProbe(context.Background())
	}

	require.True(t, store.IsOnUnhealthyList(b.Key()))
	entry, ok := store.UnhealthyEntrySnapshot(b.Key())
	require.True(t, ok)
	assert.Equal(t, routecore.MethodModelList, entry.FailureCheckMethod)
	assert.EqualValues(t, 5, store.GetSnapshot(b.Key()).ErrorCounts[routecore.ErrAuth])
}

func TestRunRecoveryProbeUsesStickyChatMethod(t *testing.T) {
	b := perTokenBackend("openai-a")
	aliases := []routecore.ModelAlias{{Name: "alias", Enabled: true, Backends: []routecore.Backend{b}}}

	client := &stubClient{kind: routecore.KindOpenAI}
	clk := newFakeClock()
	ctrl, store := newTestController(t, func() []routecore.ModelAlias { return aliases }, client, clk)

	for i := 0; i < 5; i++ {
		store.RecordFailureWithMethod(b.Key(), routecore.ErrServer, routecore.MethodChat)
	}
	require.True(t, store.IsOnUnhealthyList(b.Key()))

	clk.advance(200 * time.Second)
	ctrl.RunRecoveryProbe(context.Background())

	listModelsCalls, chatCalls := client.calls()
	assert.Equal(t, 0, listModelsCalls)
	assert.Equal(t, 1, chatCalls)
}

func TestRunRecoveryProbeSuccessClearsUnhealthyList(t *testing.T) {
	b := perTokenBackend("openai-a")
	aliases := []routecore.ModelAlias{{Name: "alias", Enabled: true, Backends: []routecore.Backend{b}}}

	client := &stubClient{kind: routecore.KindOpenAI}
	clk := newFakeClock()
	ctrl, store := newTestController(t, func() []routecore.ModelAlias { return aliases }, client, clk)

	for i := 0; i < 5; i++ {
		store.RecordFailureWithMethod(b.Key(), routecore.ErrServer, routecore.MethodModelList)
	}
	require.True(t, store.IsOnUnhealthyList(b.Key()))

	clk.advance(200 * time.Second)
	ctrl.RunRecoveryProbe(context.Background())

	assert.False(t, store.IsOnUnhealthyList(b.Key()))
	assert.True(t, store.IsHealthy(b.Key()))
}

func TestRunRecoveryProbeSkipsPerRequestBackends(t *testing.T) {
	b := perRequestBackend("openai-a")
	aliases := []routecore.ModelAlias{{Name: "alias", Enabled: true, Backends: []routecore.Backend{b}}}

	client := &stubClient{kind: routecore.KindOpenAI}
	clk := newFakeClock()
	ctrl, store := newTestController(t, func() []routecore.ModelAlias { return aliases }, client, clk)

	for i := 0; i < 5; i++ {
		store.RecordFailureWithMethod(b.Key(), routecore.ErrServer, routecore.MethodModelList)
	}
	clk.advance(200 * time.Second)
	ctrl.RunRecoveryProbe(context.Background())

	listModelsCalls, _ := client.calls()
	assert.Equal(t, 0, listModelsCalls)
}

func TestRunRecoveryProbeSkipsBeforeBackoffWindowElapses(t *testing.T) {
	b := perTokenBackend("openai-a")
	aliases := []routecore.ModelAlias{{Name: "alias", Enabled: true, Backends: []routecore.Backend{b}}}

	client := &stubClient{kind: routecore.KindOpenAI}
	clk := newFakeClock()
	ctrl, store := newTestController(t, func() []routecore.ModelAlias { return aliases }, client, clk)

	for i := 0; i < 5; i++ {
		store.RecordFailureWithMethod(b.Key(), routecore.ErrServer, routecore.MethodModelList)
	}

	ctrl.RunRecoveryProbe(context.Background())

	listModelsCalls, _ := client.calls()
	assert.Equal(t, 0, listModelsCalls)
}

// opaqueTransportError is a plain error (not a net.Error) used only to
// exercise ClassifyTransportError's non-timeout branch.
type opaqueTransportError struct{}

func (opaqueTransportError) Error() string { return "connection refused" }
