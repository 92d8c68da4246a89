// Package health implements the Health Controller: a background task that
// actively probes per-token backends on one ticker and drives recovery
// checks for unhealthy entries on a second, slower ticker.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-labs/llmgate/internal/observability"
	"github.com/meridian-labs/llmgate/internal/providers"
	"github.com/meridian-labs/llmgate/internal/routecore"
)

// AliasProvider returns the current set of model aliases. It is called on
// every tick rather than captured once, so the controller always probes
// against the live config after a hot reload.
type AliasProvider func() []routecore.ModelAlias

// Config carries the controller's tunables. Zero values are replaced by the
// documented defaults in New.
type Config struct {
	ProbeInterval      time.Duration
	RecoveryInterval   time.Duration
	HealthCheckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = 120 * time.Second
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 10 * time.Second
	}
	return c
}

// Controller drives active and recovery probing. It is the billing-mode-aware
// evolution of a ticker-loop health checker: per_request backends are never
// actively probed, and a recovery probe uses whichever method
// (list_models or a minimal chat) first detected the outage.
type Controller struct {
	store    *routecore.Store
	registry *providers.Registry
	metrics  *observability.Metrics
	tracing  *observability.Tracing
	aliases  AliasProvider
	clock    routecore.Clock
	cfg      Config
	logger   *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a Controller. clock may be nil, in which case routecore.SystemClock
// is used.
func New(store *routecore.Store, registry *providers.Registry, metrics *observability.Metrics, tracing *observability.Tracing, aliases AliasProvider, clock routecore.Clock, cfg Config, logger *zap.Logger) *Controller {
	if clock == nil {
		clock = routecore.SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:    store,
		registry: registry,
		metrics:  metrics,
		tracing:  tracing,
		aliases:  aliases,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
}

// Start begins the probe and recovery loops.
func (c *Controller) Start() {
	c.wg.Add(2)
	go c.runProbeLoop()
	go c.runRecoveryLoop()
	c.logger.Info("health controller started",
		zap.Duration("probe_interval", c.cfg.ProbeInterval),
		zap.Duration("recovery_interval", c.cfg.RecoveryInterval))
}

// Stop cancels in-flight probes and waits for both loops to exit.
func (c *Controller) Stop() {
	close(c.stopChan)
	c.cancel()
	c.wg.Wait()
	c.logger.Info("health controller stopped")
}

func (c *Controller) runProbeLoop() {
	defer c.wg.Done()
	c.RunActiveProbe(c.ctx)

	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.RunActiveProbe(c.ctx)
		case <-c.stopChan:
			return
		}
	}
}

func (c *Controller) runRecoveryLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.RunRecoveryProbe(c.ctx)
		case <-c.stopChan:
			return
		}
	}
}

// probeTarget groups every backend sharing one provider connection, so a
// single list_models call can settle all of them at once.
type probeTarget struct {
	backend  routecore.Backend
	backends []routecore.Backend
}

// groupProbeTargets builds one probeTarget per provider out of every enabled
// per_token backend referenced by an enabled alias. per_request backends are
// excluded entirely: each active probe costs a full billable request upstream.
func groupProbeTargets(aliases []routecore.ModelAlias) map[string]probeTarget {
	targets := make(map[string]probeTarget)
	seen := make(map[string]map[string]struct{})

	for _, alias := range aliases {
		if !alias.Enabled {
			continue
		}
		for _, b := range alias.Backends {
			if !b.Enabled || b.BillingMode == routecore.BillingPerRequest {
				continue
			}
			t, ok := targets[b.ProviderID]
			if !ok {
				t = probeTarget{backend: b}
				seen[b.ProviderID] = make(map[string]struct{})
			}
			key := b.Key()
			if _, dup := seen[b.ProviderID][key]; !dup {
				seen[b.ProviderID][key] = struct{}{}
				t.backends = append(t.backends, b)
			}
			targets[b.ProviderID] = t
		}
	}
	return targets
}

// RunActiveProbe issues one list_models call per provider with at least one
// per_token backend, fanning the result out to every key sharing that
// provider. Exported so callers (and tests) can force an out-of-cycle probe.
func (c *Controller) RunActiveProbe(ctx context.Context) {
	targets := groupProbeTargets(c.aliases())

	var wg sync.WaitGroup
	for providerID, target := range targets {
		wg.Add(1)
		go func(providerID string, target probeTarget) {
			defer wg.Done()
			c.probeProvider(ctx, providerID, target)
		}(providerID, target)
	}
	wg.Wait()
}

func (c *Controller) probeProvider(ctx context.Context, providerID string, target probeTarget) {
	client, ok := c.registry.Get(target.backend.Kind)
	if !ok {
		c.logger.Warn("no client registered for backend kind", zap.String("provider", providerID), zap.String("kind", string(target.backend.Kind)))
		return
	}

	timeout := c.cfg.HealthCheckTimeout
	if target.backend.ConnectTimeout > 0 {
		timeout = target.backend.ConnectTimeout
	}

	start := c.clock.Now()
	err := c.tracing.TraceProbe(ctx, providerID, string(routecore.MethodModelList), func(ctx context.Context) error {
		_, listErr := client.ListModels(ctx, target.backend.BaseURL, target.backend.APIKey, target.backend.CustomHeaders, timeout)
		return listErr
	})
	latency := c.clock.Now().Sub(start)

	if err == nil {
		for _, b := range target.backends {
			key := b.Key()
			wasHealthy := c.store.IsHealthy(key)
			c.store.RecordSuccess(key, latency)
			c.metrics.RecordBackendLatency(providerID, b.UpstreamModel, latency)
			c.metrics.RecordBackendHealth(providerID, b.UpstreamModel, true)
			if !wasHealthy && c.store.IsHealthy(key) {
				c.metrics.RecordHealthTransition(providerID, b.UpstreamModel, "recovered", string(routecore.MethodModelList))
			}
		}
		c.logger.Debug("active probe succeeded", zap.String("provider", providerID), zap.Duration("latency", latency))
		return
	}

	kind := routecore.ErrServer
	method := routecore.MethodModelList
	var upstreamErr *providers.UpstreamError
	if errors.As(err, &upstreamErr) {
		kind = upstreamErr.Kind
		if kind == routecore.ErrNetwork {
			method = routecore.MethodNetwork
		}
	}
	for _, b := range target.backends {
		key := b.Key()
		wasHealthy := c.store.IsHealthy(key)
		c.store.RecordFailureWithMethod(key, kind, method)
		c.metrics.RecordBackendHealth(providerID, b.UpstreamModel, c.store.IsHealthy(key))
		if wasHealthy && !c.store.IsHealthy(key) {
			c.metrics.RecordHealthTransition(providerID, b.UpstreamModel, string(kind), string(method))
		}
	}
	c.logger.Warn("active probe failed", zap.String("provider", providerID), zap.Error(err))
}

// RunRecoveryProbe scans every unhealthy key whose backoff window has
// elapsed and, for per_token backends only, issues one recovery probe using
// the failure_check_method recorded when it first went unhealthy.
func (c *Controller) RunRecoveryProbe(ctx context.Context) {
	backends := indexBackends(c.aliases())

	var wg sync.WaitGroup
	for _, key := range c.store.Keys() {
		if !c.store.IsOnUnhealthyList(key) {
			continue
		}
		if !c.store.NeedsRecoveryProbe(key, c.cfg.RecoveryInterval) {
			continue
		}
		backend, ok := backends[key]
		if !ok || backend.BillingMode == routecore.BillingPerRequest {
			continue
		}

		wg.Add(1)
		go func(key string, backend routecore.Backend) {
			defer wg.Done()
			c.recoverBackend(ctx, key, backend)
		}(key, backend)
	}
	wg.Wait()
}

func indexBackends(aliases []routecore.ModelAlias) map[string]routecore.Backend {
	idx := make(map[string]routecore.Backend)
	for _, alias := range aliases {
		for _, b := range alias.Backends {
			if _, ok := idx[b.Key()]; !ok {
				idx[b.Key()] = b
			}
		}
	}
	return idx
}

func (c *Controller) recoverBackend(ctx context.Context, key string, backend routecore.Backend) {
	entry, ok := c.store.UnhealthyEntrySnapshot(key)
	if !ok {
		return
	}
	client, ok := c.registry.Get(backend.Kind)
	if !ok {
		return
	}

	c.store.RecordRecoveryAttempt(key)

	start := c.clock.Now()
	err := c.tracing.TraceProbe(ctx, backend.ProviderID, string(entry.FailureCheckMethod), func(ctx context.Context) error {
		switch entry.FailureCheckMethod {
		case routecore.MethodChat:
			_, _, chatErr := client.Chat(ctx, backend.BaseURL, backend.APIKey, backend.CustomHeaders, backend.Timeout, providers.ChatRequest{
				Model:     backend.UpstreamModel,
				Messages:  []providers.ChatMessage{{Role: "user", Content: "ping"}},
				MaxTokens: 1,
			})
			return chatErr
		default:
			// ModelList and Network both recover via list_models.
			probeTimeout := c.cfg.HealthCheckTimeout
			if backend.ConnectTimeout > 0 {
				probeTimeout = backend.ConnectTimeout
			}
			_, listErr := client.ListModels(ctx, backend.BaseURL, backend.APIKey, backend.CustomHeaders, probeTimeout)
			return listErr
		}
	})
	latency := c.clock.Now().Sub(start)

	wasHealthy := c.store.IsHealthy(key)
	if err == nil {
		c.store.RecordSuccess(key, latency)
		c.metrics.RecordBackendLatency(backend.ProviderID, backend.UpstreamModel, latency)
		c.metrics.RecordBackendHealth(backend.ProviderID, backend.UpstreamModel, true)
		if !wasHealthy && c.store.IsHealthy(key) {
			c.metrics.RecordHealthTransition(backend.ProviderID, backend.UpstreamModel, "recovered", string(entry.FailureCheckMethod))
		}
		c.logger.Info("recovery probe succeeded", zap.String("backend", key), zap.String("method", string(entry.FailureCheckMethod)))
		return
	}

	kind := routecore.ErrServer
	var upstreamErr *providers.UpstreamError
	if errors.As(err, &upstreamErr) {
		kind = upstreamErr.Kind
	}
	// The check method stays sticky: a chat-detected failure stays a
	// chat-probed recovery even though this particular attempt failed for a
	// different reason.
	c.store.RecordFailureWithMethod(key, kind, entry.FailureCheckMethod)
	c.metrics.RecordBackendHealth(backend.ProviderID, backend.UpstreamModel, false)
	if wasHealthy && !c.store.IsHealthy(key) {
		c.metrics.RecordHealthTransition(backend.ProviderID, backend.UpstreamModel, string(kind), string(entry.FailureCheckMethod))
	}
	c.logger.Warn("recovery probe failed", zap.String("backend", key), zap.Error(err))
}
