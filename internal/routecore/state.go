package routecore

import (
	"hash/fnv"
	"sync"
	"time"
)

// BackendHealth is the per-backend runtime state the Store owns.
type BackendHealth struct {
	Healthy              bool
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	TotalRequests        uint64
	SuccessfulRequests   uint64
	FailedRequests       uint64
	LatencyEMAMs         float64
	ErrorCounts          map[ErrorKind]uint32
	LastRequestAt        time.Time
	LastSuccessAt        time.Time
	LastFailureAt        time.Time
	ConnectivityOK       bool
	LastConnectivityAt   time.Time
}

// UnhealthyEntry exists for exactly the backends currently excluded from
// healthy-only selection.
type UnhealthyEntry struct {
	FirstFailureAt     time.Time
	LastFailureAt      time.Time
	FailureCount       uint32
	LastRecoveryAt     time.Time
	RecoveryAttempts   uint32
	FailureCheckMethod FailureMethod
}

// SmartAiState is the per-backend SmartAI confidence state.
type SmartAiState struct {
	Confidence             float64
	WeightRecoveryStage    WeightRecoveryStage
	RecentSuccessesInStage uint32
	lastDecayAt            time.Time
}

// StoreConfig carries the Store's tunables. Zero values are replaced by the
// documented defaults in NewStore.
type StoreConfig struct {
	EMAAlpha                       float64
	CircuitBreakerFailureThreshold uint32
	SuccessBoost                   float64
	FailurePenalties               map[ErrorKind]float64
	MinConfidence                  float64
	InitialConfidence              float64
	EnableTimeDecay                bool
	RecoveryBackoffCap             float64 // caps the 1 + attempts*0.1 multiplier, default 3.0
	RecoveryBackoffStep            float64 // default 0.1
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.EMAAlpha == 0 {
		c.EMAAlpha = 0.2
	}
	if c.CircuitBreakerFailureThreshold == 0 {
		c.CircuitBreakerFailureThreshold = 5
	}
	if c.SuccessBoost == 0 {
		c.SuccessBoost = DefaultSuccessBoost
	}
	if c.FailurePenalties == nil {
		c.FailurePenalties = DefaultFailurePenalties
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.InitialConfidence == 0 {
		c.InitialConfidence = DefaultInitialConfidence
	}
	if c.RecoveryBackoffCap == 0 {
		c.RecoveryBackoffCap = 3.0
	}
	if c.RecoveryBackoffStep == 0 {
		c.RecoveryBackoffStep = 0.1
	}
	return c
}

type cell struct {
	mu        sync.Mutex
	health    BackendHealth
	unhealthy *UnhealthyEntry
	smartAI   SmartAiState
	// billingMode informs the stage-reset-on-failure rule: only
	// per-request backends reset their SmartAI stage on every failure.
	billingMode BillingMode
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

// Store is the thread-safe single source of truth for per-backend runtime
// state"). It shards by backend key so reads
// for unrelated keys never contend, to keep unrelated shards independent.
type Store struct {
	shards [shardCount]*shard
	clock  Clock
	cfg    StoreConfig
}

// NewStore builds a Store. clock may be nil, in which case SystemClock is used.
func NewStore(cfg StoreConfig, clock Clock) *Store {
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Store{clock: clock, cfg: cfg.withDefaults()}
	for i := range s.shards {
		s.shards[i] = &shard{cells: make(map[string]*cell)}
	}
	return s
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// SetBillingMode registers a backend's billing mode so the SmartAI failure
// path knows whether to reset the recovery stage.
func (s *Store) SetBillingMode(key string, mode BillingMode) {
	c := s.getOrCreate(key)
	c.mu.Lock()
	c.billingMode = mode
	c.mu.Unlock()
}

func (s *Store) getOrCreate(key string) *cell {
	sh := s.shards[shardIndex(key)]

	sh.mu.RLock()
	c, ok := sh.cells[key]
	sh.mu.RUnlock()
	if ok {
		return c
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok = sh.cells[key]; ok {
		return c
	}
	c = &cell{
		health: BackendHealth{
			Healthy:     true,
			ErrorCounts: make(map[ErrorKind]uint32),
		},
		smartAI: SmartAiState{
			Confidence:          s.cfg.InitialConfidence,
			WeightRecoveryStage: StageFull,
		},
	}
	sh.cells[key] = c
	return c
}

// RecordSuccess implements the record_success contract.
func (s *Store) RecordSuccess(key string, latency time.Duration) {
	now := s.clock.Now()
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &c.health
	h.TotalRequests++
	h.SuccessfulRequests++
	h.ConsecutiveFailures = 0
	h.ConsecutiveSuccesses++
	h.LastRequestAt = now
	h.LastSuccessAt = now

	ms := float64(latency.Microseconds()) / 1000.0
	if h.LatencyEMAMs == 0 {
		h.LatencyEMAMs = ms
	} else {
		h.LatencyEMAMs = (1-s.cfg.EMAAlpha)*h.LatencyEMAMs + s.cfg.EMAAlpha*ms
	}

	// A single success restores a backend immediately; recovery probing is
	// what gets it the chance to succeed, not a separate promotion step.
	if c.unhealthy != nil {
		c.unhealthy = nil
		h.Healthy = true
	}
}

// RecordFailureWithMethod implements the record_failure_with_method contract.
func (s *Store) RecordFailureWithMethod(key string, kind ErrorKind, method FailureMethod) {
	now := s.clock.Now()
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &c.health
	h.TotalRequests++
	h.FailedRequests++
	if h.ErrorCounts == nil {
		h.ErrorCounts = make(map[ErrorKind]uint32)
	}
	h.ErrorCounts[kind]++
	h.ConsecutiveSuccesses = 0
	h.ConsecutiveFailures++
	h.LastRequestAt = now
	h.LastFailureAt = now

	if c.unhealthy == nil {
		if h.ConsecutiveFailures >= s.cfg.CircuitBreakerFailureThreshold {
			c.unhealthy = &UnhealthyEntry{
				FirstFailureAt:     now,
				LastFailureAt:      now,
				FailureCount:       1,
				FailureCheckMethod: method,
			}
			h.Healthy = false
		}
		return
	}

	// Idempotent past the threshold transition : repeated failures
	// only bump counters, the method stays sticky to whichever check first
	// detected the outage.
	c.unhealthy.LastFailureAt = now
	c.unhealthy.FailureCount++
}

// GetSnapshot returns a copy of the current BackendHealth for key.
func (s *Store) GetSnapshot(key string) BackendHealth {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.health
	cp.ErrorCounts = make(map[ErrorKind]uint32, len(c.health.ErrorCounts))
	for k, v := range c.health.ErrorCounts {
		cp.ErrorCounts[k] = v
	}
	return cp
}

// IsHealthy reports the current healthy flag for key.
func (s *Store) IsHealthy(key string) bool {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health.Healthy
}

// IsOnUnhealthyList reports whether key currently has an UnhealthyEntry.
func (s *Store) IsOnUnhealthyList(key string) bool {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unhealthy != nil
}

// UnhealthyEntrySnapshot returns a copy of the UnhealthyEntry for key, if any.
func (s *Store) UnhealthyEntrySnapshot(key string) (UnhealthyEntry, bool) {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhealthy == nil {
		return UnhealthyEntry{}, false
	}
	return *c.unhealthy, true
}

// NeedsRecoveryProbe implements the needs_recovery_probe contract:
// true iff unhealthy and now - max(last_failure_at, last_recovery_at) >=
// interval scaled by min(1 + recovery_attempts*0.1, 3.0).
func (s *Store) NeedsRecoveryProbe(key string, interval time.Duration) bool {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhealthy == nil {
		return false
	}

	since := c.unhealthy.LastFailureAt
	if c.unhealthy.LastRecoveryAt.After(since) {
		since = c.unhealthy.LastRecoveryAt
	}

	backoff := 1.0 + float64(c.unhealthy.RecoveryAttempts)*s.cfg.RecoveryBackoffStep
	if backoff > s.cfg.RecoveryBackoffCap {
		backoff = s.cfg.RecoveryBackoffCap
	}
	scaled := time.Duration(float64(interval) * backoff)

	return s.clock.Now().Sub(since) >= scaled
}

// RecordRecoveryAttempt implements the record_recovery_attempt contract.
func (s *Store) RecordRecoveryAttempt(key string) {
	now := s.clock.Now()
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhealthy == nil {
		return
	}
	c.unhealthy.LastRecoveryAt = now
	c.unhealthy.RecoveryAttempts++
}

// SmartAIUpdateSuccess implements the smart_ai_update_success contract.
func (s *Store) SmartAIUpdateSuccess(key string) {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	sa := &c.smartAI
	sa.Confidence = ClampConfidence(sa.Confidence+s.cfg.SuccessBoost, s.cfg.MinConfidence)

	if c.billingMode == BillingPerRequest {
		sa.WeightRecoveryStage, sa.RecentSuccessesInStage = AdvanceStage(sa.WeightRecoveryStage, sa.RecentSuccessesInStage)
	}
}

// SmartAIUpdateFailure implements the smart_ai_update_failure contract.
func (s *Store) SmartAIUpdateFailure(key string, kind ErrorKind) {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	sa := &c.smartAI
	penalty := s.cfg.FailurePenalties[kind]
	sa.Confidence = ClampConfidence(sa.Confidence-penalty, s.cfg.MinConfidence)

	if c.billingMode == BillingPerRequest {
		sa.WeightRecoveryStage = StageS10
		sa.RecentSuccessesInStage = 0
	}
}

// SmartAIGetConfidence implements the smart_ai_get_confidence
// contract, applying time decay lazily at read time.
func (s *Store) SmartAIGetConfidence(key string) float64 {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.cfg.EnableTimeDecay || c.health.LastRequestAt.IsZero() {
		return sanitizeConfidence(c.smartAI.Confidence, s.cfg.MinConfidence)
	}

	age := s.clock.Now().Sub(c.health.LastRequestAt)
	decayed := Decay(c.smartAI.Confidence, age)
	return sanitizeConfidence(decayed, s.cfg.MinConfidence)
}

func sanitizeConfidence(c, min float64) float64 {
	return ClampConfidence(c, min)
}

// GetSmartAIState returns a copy of the SmartAiState for key (admin snapshot use).
func (s *Store) GetSmartAIState(key string) SmartAiState {
	c := s.getOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.smartAI
	st.lastDecayAt = time.Time{}
	return st
}

// Keys returns every backend key the Store has observed. Used by the Health
// Controller to enumerate what it must probe/recover and by admin snapshots.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.cells {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	return keys
}
