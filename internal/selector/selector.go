// Package selector implements the Route Selector:
// given a model alias, optional user tags, and the live health/confidence
// state in the Metrics Store, it picks one (provider, upstream_model) pair
// per one of seven strategies.
package selector

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-labs/llmgate/internal/routecore"
)

// SmartAIConfig carries the tunables for the confidence-weighted strategy.
type SmartAIConfig struct {
	ExplorationRatio         float64
	NonPremiumStabilityBonus float64
	EffectiveWeightEpsilon   float64
}

func (c SmartAIConfig) withDefaults() SmartAIConfig {
	if c.ExplorationRatio == 0 {
		c.ExplorationRatio = routecore.DefaultExplorationRatio
	}
	if c.NonPremiumStabilityBonus == 0 {
		c.NonPremiumStabilityBonus = routecore.DefaultNonPremiumStabilityBonus
	}
	if c.EffectiveWeightEpsilon == 0 {
		c.EffectiveWeightEpsilon = routecore.DefaultEffectiveWeightEpsilon
	}
	return c
}

// Selector dispatches to one of the seven routing strategies via a tagged
// switch, rather than virtual dispatch per call.
type Selector struct {
	store *routecore.Store
	rng   routecore.RNG
	clock routecore.Clock
	cfg   SmartAIConfig

	// round-robin counters persist per alias name across selections,
	// independent of config reloads.
	rrCounters sync.Map // string -> *atomic.Uint64
}

// New builds a Selector. rng/clock default to the production implementations
// when nil.
func New(store *routecore.Store, rng routecore.RNG, clock routecore.Clock, cfg SmartAIConfig) *Selector {
	if rng == nil {
		rng = routecore.SystemRNG{}
	}
	if clock == nil {
		clock = routecore.SystemClock{}
	}
	return &Selector{store: store, rng: rng, clock: clock, cfg: cfg.withDefaults()}
}

// SelectRoute implements the select_route entry point.
func (s *Selector) SelectRoute(alias routecore.ModelAlias, userTags map[string]struct{}) (routecore.SelectedRoute, error) {
	start := s.clock.Now()

	if !alias.Enabled {
		return routecore.SelectedRoute{}, routecore.ErrUnknownModel
	}

	candidates := s.filterCandidates(alias, userTags)
	if len(candidates) == 0 {
		return routecore.SelectedRoute{}, routecore.ErrNoAvailableBackend
	}

	var chosen routecore.Backend
	switch alias.Strategy {
	case routecore.StrategyRandom:
		chosen = s.pickRandom(candidates)
	case routecore.StrategyRoundRobin:
		chosen = s.pickRoundRobin(alias.Name, candidates)
	case routecore.StrategyWeightedRandom:
		chosen = s.pickWeightedRandom(candidates)
	case routecore.StrategyLeastLatency:
		chosen = s.pickLeastLatency(candidates)
	case routecore.StrategyFailover:
		chosen = s.pickFailover(candidates)
	case routecore.StrategyWeightedFailover:
		chosen = s.pickWeightedFailover(candidates)
	case routecore.StrategySmartAI:
		chosen = s.pickSmartAI(candidates)
	default:
		chosen = s.pickWeightedRandom(candidates)
	}

	return s.toSelectedRoute(chosen, s.clock.Now().Sub(start)), nil
}

// SelectSpecificRoute implements the select_specific_route debug path:
// it skips the strategy entirely and returns the named provider's backend if
// it is enabled and configured for this alias.
func (s *Selector) SelectSpecificRoute(alias routecore.ModelAlias, providerID string) (routecore.SelectedRoute, error) {
	start := s.clock.Now()

	if !alias.Enabled {
		return routecore.SelectedRoute{}, routecore.ErrUnknownModel
	}

	for _, b := range alias.Backends {
		if b.Enabled && b.ProviderID == providerID {
			return s.toSelectedRoute(b, s.clock.Now().Sub(start)), nil
		}
	}
	return routecore.SelectedRoute{}, routecore.ErrBackendNotFound
}

func (s *Selector) toSelectedRoute(b routecore.Backend, latency time.Duration) routecore.SelectedRoute {
	return routecore.SelectedRoute{
		RouteID:          b.Key(),
		ProviderID:       b.ProviderID,
		BaseURL:          b.BaseURL,
		APIKey:           b.APIKey,
		CustomHeaders:    b.CustomHeaders,
		UpstreamModel:    b.UpstreamModel,
		BackendKind:      b.Kind,
		Timeout:          b.Timeout,
		SelectionLatency: latency,
	}
}

// filterCandidates implements the common preprocessing steps 2–4.
func (s *Selector) filterCandidates(alias routecore.ModelAlias, userTags map[string]struct{}) []routecore.Backend {
	enabled := make([]routecore.Backend, 0, len(alias.Backends))
	for _, b := range alias.Backends {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}

	if len(userTags) == 0 {
		return enabled
	}

	tagged := make([]routecore.Backend, 0, len(enabled))
	for _, b := range enabled {
		if b.HasAnyTag(userTags) {
			tagged = append(tagged, b)
		}
	}
	if len(tagged) == 0 {
		// Tag mismatch does not reject the request; fall back to no-tag filter.
		return enabled
	}
	return tagged
}

func (s *Selector) healthySubset(candidates []routecore.Backend) []routecore.Backend {
	healthy := make([]routecore.Backend, 0, len(candidates))
	for _, b := range candidates {
		if s.store.IsHealthy(b.Key()) {
			healthy = append(healthy, b)
		}
	}
	return healthy
}

// pickRandom implements the "random" strategy.
func (s *Selector) pickRandom(candidates []routecore.Backend) routecore.Backend {
	pool := s.healthySubset(candidates)
	if len(pool) == 0 {
		pool = candidates
	}
	idx := int(s.rng.Float64() * float64(len(pool)))
	if idx >= len(pool) {
		idx = len(pool) - 1
	}
	return pool[idx]
}

// pickRoundRobin implements the "round_robin" strategy: maintain
// a per-alias atomic counter, pick list[counter mod n], skip unhealthy by
// advancing up to n steps, else fall back to the raw counter.
func (s *Selector) pickRoundRobin(aliasName string, candidates []routecore.Backend) routecore.Backend {
	counterAny, _ := s.rrCounters.LoadOrStore(aliasName, new(atomic.Uint64))
	counter := counterAny.(*atomic.Uint64)
	n := uint64(len(candidates))
	start := counter.Add(1) - 1

	for step := uint64(0); step < n; step++ {
		b := candidates[(start+step)%n]
		if s.store.IsHealthy(b.Key()) {
			return b
		}
	}
	return candidates[start%n]
}

// pickWeightedRandom implements the "weighted_random" strategy:
// draw with probability base_weight / sum(base_weight) restricted to
// healthy; if none healthy, draw over all filtered. Priority is never used.
func (s *Selector) pickWeightedRandom(candidates []routecore.Backend) routecore.Backend {
	pool := s.healthySubset(candidates)
	if len(pool) == 0 {
		pool = candidates
	}
	return weightedDraw(pool, s.rng, func(b routecore.Backend) float64 { return b.BaseWeight })
}

// pickLeastLatency implements the "least_latency" strategy.
func (s *Selector) pickLeastLatency(candidates []routecore.Backend) routecore.Backend {
	pool := s.healthySubset(candidates)
	if len(pool) == 0 {
		pool = candidates
	}

	best := pool[0]
	bestLatency := s.latencyOrInf(best)
	for _, b := range pool[1:] {
		l := s.latencyOrInf(b)
		switch {
		case l < bestLatency:
			best, bestLatency = b, l
		case l == bestLatency:
			if b.BaseWeight > best.BaseWeight ||
				(b.BaseWeight == best.BaseWeight && b.Priority < best.Priority) {
				best = b
			}
		}
	}
	return best
}

func (s *Selector) latencyOrInf(b routecore.Backend) float64 {
	snap := s.store.GetSnapshot(b.Key())
	if snap.SuccessfulRequests == 0 {
		return math.Inf(1)
	}
	return snap.LatencyEMAMs
}

// pickFailover implements the "failover" strategy: sort by
// (priority ascending, base_weight descending), return first healthy; if
// none, return the highest-priority backend regardless of health.
func (s *Selector) pickFailover(candidates []routecore.Backend) routecore.Backend {
	sorted := sortedByPriority(candidates)
	for _, b := range sorted {
		if s.store.IsHealthy(b.Key()) {
			return b
		}
	}
	return sorted[0]
}

// pickWeightedFailover implements the "weighted_failover" strategy: like
// weighted_random over the healthy subset; if and only if no backend is
// healthy, fall back to weighted_random over all filtered candidates, never
// to priority order.
func (s *Selector) pickWeightedFailover(candidates []routecore.Backend) routecore.Backend {
	pool := s.healthySubset(candidates)
	if len(pool) == 0 {
		pool = candidates
	}
	return weightedDraw(pool, s.rng, func(b routecore.Backend) float64 { return b.BaseWeight })
}

// pickSmartAI implements the headline algorithm.
func (s *Selector) pickSmartAI(candidates []routecore.Backend) routecore.Backend {
	type scored struct {
		backend routecore.Backend
		weight  float64
	}

	survivors := make([]scored, 0, len(candidates))
	for _, b := range candidates {
		c := s.store.SmartAIGetConfidence(b.Key())
		w := routecore.EffectiveWeight(b.BaseWeight, c, b.IsPremium(), s.cfg.NonPremiumStabilityBonus)
		if st := s.store.GetSmartAIState(b.Key()); st.WeightRecoveryStage != "" {
			w *= routecore.StageWeight(st.WeightRecoveryStage)
		}
		survivors = append(survivors, scored{backend: b, weight: w})
	}

	// Drop sub-epsilon weights unless doing so would empty the set.
	kept := make([]scored, 0, len(survivors))
	for _, sc := range survivors {
		if sc.weight >= s.cfg.EffectiveWeightEpsilon {
			kept = append(kept, sc)
		}
	}
	if len(kept) == 0 {
		kept = survivors
	}

	if s.rng.Float64() >= s.cfg.ExplorationRatio {
		// Exploit: return the single highest-effective-weight backend.
		best := kept[0]
		for _, sc := range kept[1:] {
			if sc.weight > best.weight ||
				(sc.weight == best.weight && sc.backend.Priority < best.backend.Priority) {
				best = sc
			}
		}
		return best.backend
	}

	// Explore: weighted-random draw over all survivors.
	pool := make([]routecore.Backend, len(kept))
	weights := make([]float64, len(kept))
	for i, sc := range kept {
		pool[i] = sc.backend
		weights[i] = sc.weight
	}
	return weightedDrawWeights(pool, weights, s.rng)
}

// sortedByPriority returns a stable copy sorted by (priority ascending,
// base_weight descending), preserving insertion order for ties.
func sortedByPriority(candidates []routecore.Backend) []routecore.Backend {
	sorted := make([]routecore.Backend, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].BaseWeight > sorted[j].BaseWeight
	})
	return sorted
}

func weightedDraw(pool []routecore.Backend, rng routecore.RNG, weightOf func(routecore.Backend) float64) routecore.Backend {
	weights := make([]float64, len(pool))
	for i, b := range pool {
		weights[i] = weightOf(b)
	}
	return weightedDrawWeights(pool, weights, rng)
}

func weightedDrawWeights(pool []routecore.Backend, weights []float64, rng routecore.RNG) routecore.Backend {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return pool[0]
	}

	r := rng.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if r < cumulative {
			return pool[i]
		}
	}
	return pool[len(pool)-1]
}
