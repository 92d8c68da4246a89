// Package config holds the TOML configuration contract (spec.md §4.6/§6):
// provider/model/user tables plus global settings, validated before they
// ever reach the routing engine.
package config

import (
	"fmt"
	"time"

	"github.com/meridian-labs/llmgate/internal/health"
	"github.com/meridian-labs/llmgate/internal/observability"
	"github.com/meridian-labs/llmgate/internal/pipeline"
	"github.com/meridian-labs/llmgate/internal/routecore"
	"github.com/meridian-labs/llmgate/internal/selector"
)

// RateLimit bounds a user's request volume across three windows; the
// windows must be monotonically non-decreasing (minute ≤ hour ≤ day).
type RateLimit struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	RequestsPerHour   int `mapstructure:"requests_per_hour"`
	RequestsPerDay    int `mapstructure:"requests_per_day"`
}

// UserToken authenticates one bearer-token holder and scopes which aliases
// it may address.
type UserToken struct {
	Name          string     `mapstructure:"name"`
	Token         string     `mapstructure:"token"`
	AllowedModels []string   `mapstructure:"allowed_models"`
	Enabled       bool       `mapstructure:"enabled"`
	RateLimit     *RateLimit `mapstructure:"rate_limit"`
	Tags          []string   `mapstructure:"tags"`
}

// Provider is one upstream service account: a base URL, credential, and the
// model IDs it exposes.
type Provider struct {
	Name           string            `mapstructure:"name"`
	BaseURL        string            `mapstructure:"base_url"`
	APIKey         string            `mapstructure:"api_key"`
	Models         []string          `mapstructure:"models"`
	Headers        map[string]string `mapstructure:"headers"`
	Enabled        bool              `mapstructure:"enabled"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxRetries     int               `mapstructure:"max_retries"`
	BackendType    string            `mapstructure:"backend_type"`
}

func (p Provider) kind() routecore.BackendKind {
	switch p.BackendType {
	case "claude":
		return routecore.KindClaude
	case "gemini":
		return routecore.KindGemini
	default:
		return routecore.KindOpenAI
	}
}

func (p Provider) timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Backend references one (provider, model) pair inside a ModelMapping along
// with its selection weight and billing mode.
type Backend struct {
	Provider    string   `mapstructure:"provider"`
	Model       string   `mapstructure:"model"`
	Weight      float64  `mapstructure:"weight"`
	Priority    int      `mapstructure:"priority"`
	Enabled     bool     `mapstructure:"enabled"`
	Tags        []string `mapstructure:"tags"`
	BillingMode string   `mapstructure:"billing_mode"`
}

func (b Backend) billingMode() routecore.BillingMode {
	if b.BillingMode == "per_request" {
		return routecore.BillingPerRequest
	}
	return routecore.BillingPerToken
}

// ModelMapping is the public alias clients address, fronting an ordered pool
// of Backends.
type ModelMapping struct {
	Name        string    `mapstructure:"name"`
	Description string    `mapstructure:"description"`
	Backends    []Backend `mapstructure:"backends"`
	Strategy    string    `mapstructure:"strategy"`
	Enabled     bool      `mapstructure:"enabled"`
}

func (m ModelMapping) strategy() routecore.Strategy {
	switch routecore.Strategy(m.Strategy) {
	case routecore.StrategyRoundRobin, routecore.StrategyLeastLatency, routecore.StrategyFailover,
		routecore.StrategyWeightedFailover, routecore.StrategySmartAI, routecore.StrategyRandom,
		routecore.StrategyWeightedRandom:
		return routecore.Strategy(m.Strategy)
	default:
		return routecore.StrategyWeightedRandom
	}
}

// SmartAIConfidenceAdjustments carries the per-ErrorKind confidence
// penalties and the success boost applied by the SmartAI strategy.
type SmartAIConfidenceAdjustments struct {
	SuccessBoost        float64 `mapstructure:"success_boost"`
	NetworkErrorPenalty float64 `mapstructure:"network_error_penalty"`
	AuthErrorPenalty    float64 `mapstructure:"auth_error_penalty"`
	RateLimitPenalty    float64 `mapstructure:"rate_limit_penalty"`
	ServerErrorPenalty  float64 `mapstructure:"server_error_penalty"`
	ModelErrorPenalty   float64 `mapstructure:"model_error_penalty"`
	TimeoutPenalty      float64 `mapstructure:"timeout_penalty"`
}

// SmartAISettings tunes the confidence-weighted strategy.
type SmartAISettings struct {
	InitialConfidence        float64                      `mapstructure:"initial_confidence"`
	MinConfidence            float64                      `mapstructure:"min_confidence"`
	EnableTimeDecay          bool                         `mapstructure:"enable_time_decay"`
	ExplorationRatio         float64                      `mapstructure:"exploration_ratio"`
	NonPremiumStabilityBonus float64                      `mapstructure:"non_premium_stability_bonus"`
	ConfidenceAdjustments    SmartAIConfidenceAdjustments `mapstructure:"confidence_adjustments"`
}

// GlobalSettings carries the process-wide tunables: health-check cadence,
// retry budget, and circuit-breaker threshold.
type GlobalSettings struct {
	HealthCheckIntervalSeconds     int             `mapstructure:"health_check_interval_seconds"`
	RequestTimeoutSeconds          int             `mapstructure:"request_timeout_seconds"`
	MaxRetries                     int             `mapstructure:"max_retries"`
	CircuitBreakerFailureThreshold int             `mapstructure:"circuit_breaker_failure_threshold"`
	RecoveryCheckIntervalSeconds   int             `mapstructure:"recovery_check_interval_seconds"`
	MaxInternalRetries             int             `mapstructure:"max_internal_retries"`
	HealthCheckTimeoutSeconds      int             `mapstructure:"health_check_timeout_seconds"`
	SmartAI                        SmartAISettings `mapstructure:"smart_ai"`
}

// ServerSettings configures the HTTP listener and its ambient surface; it
// carries no routing semantics, so a reload never needs to replace the
// listener itself.
type ServerSettings struct {
	Port                   int `mapstructure:"port"`
	ReadTimeoutSeconds     int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds     int `mapstructure:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	RespCacheTTLSeconds    int `mapstructure:"resp_cache_ttl_seconds"`
}

func (s ServerSettings) withDefaults() ServerSettings {
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ReadTimeoutSeconds == 0 {
		s.ReadTimeoutSeconds = 30
	}
	if s.WriteTimeoutSeconds == 0 {
		s.WriteTimeoutSeconds = 30
	}
	if s.IdleTimeoutSeconds == 0 {
		s.IdleTimeoutSeconds = 120
	}
	if s.ShutdownTimeoutSeconds == 0 {
		s.ShutdownTimeoutSeconds = 15
	}
	if s.RespCacheTTLSeconds == 0 {
		s.RespCacheTTLSeconds = 2
	}
	return s
}

// Config is the whole parsed TOML document. It is immutable after
// validation; reload replaces the entire value behind a Holder, never
// mutates one in place.
type Config struct {
	Providers map[string]Provider          `mapstructure:"providers"`
	Models    map[string]ModelMapping      `mapstructure:"models"`
	Users     map[string]UserToken         `mapstructure:"users"`
	Settings  GlobalSettings               `mapstructure:"settings"`
	Server    ServerSettings               `mapstructure:"server"`
	Logging   observability.LoggerConfig   `mapstructure:"logging"`
	Metrics   observability.MetricsConfig  `mapstructure:"metrics"`
	Tracing   observability.TracingConfig  `mapstructure:"tracing"`
}

func withSettingsDefaults(s GlobalSettings) GlobalSettings {
	if s.HealthCheckIntervalSeconds == 0 {
		s.HealthCheckIntervalSeconds = 30
	}
	if s.RequestTimeoutSeconds == 0 {
		s.RequestTimeoutSeconds = 30
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.CircuitBreakerFailureThreshold == 0 {
		s.CircuitBreakerFailureThreshold = 5
	}
	if s.RecoveryCheckIntervalSeconds == 0 {
		s.RecoveryCheckIntervalSeconds = 120
	}
	if s.MaxInternalRetries == 0 {
		s.MaxInternalRetries = 2
	}
	if s.HealthCheckTimeoutSeconds == 0 {
		s.HealthCheckTimeoutSeconds = 10
	}
	sa := &s.SmartAI
	if sa.InitialConfidence == 0 {
		sa.InitialConfidence = routecore.DefaultInitialConfidence
	}
	if sa.MinConfidence == 0 {
		sa.MinConfidence = routecore.DefaultMinConfidence
	}
	if sa.ExplorationRatio == 0 {
		sa.ExplorationRatio = routecore.DefaultExplorationRatio
	}
	if sa.NonPremiumStabilityBonus == 0 {
		sa.NonPremiumStabilityBonus = routecore.DefaultNonPremiumStabilityBonus
	}
	ca := &sa.ConfidenceAdjustments
	if ca.SuccessBoost == 0 {
		ca.SuccessBoost = routecore.DefaultSuccessBoost
	}
	if ca.NetworkErrorPenalty == 0 {
		ca.NetworkErrorPenalty = routecore.DefaultFailurePenalties[routecore.ErrNetwork]
	}
	if ca.AuthErrorPenalty == 0 {
		ca.AuthErrorPenalty = routecore.DefaultFailurePenalties[routecore.ErrAuth]
	}
	if ca.RateLimitPenalty == 0 {
		ca.RateLimitPenalty = routecore.DefaultFailurePenalties[routecore.ErrRateLimit]
	}
	if ca.ServerErrorPenalty == 0 {
		ca.ServerErrorPenalty = routecore.DefaultFailurePenalties[routecore.ErrServer]
	}
	if ca.ModelErrorPenalty == 0 {
		ca.ModelErrorPenalty = routecore.DefaultFailurePenalties[routecore.ErrModel]
	}
	if ca.TimeoutPenalty == 0 {
		ca.TimeoutPenalty = routecore.DefaultFailurePenalties[routecore.ErrTimeout]
	}
	return s
}

// Validate checks every rule spec.md §4.6 requires before a Config is
// allowed to replace the live one: non-empty names, positive weights,
// referenced providers/models existing, credential-length floors, and
// monotonic rate-limit windows.
func Validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	for id, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider %q: name is required", id)
		}
		if p.Enabled && len(p.APIKey) < 10 {
			return fmt.Errorf("config: provider %q: api_key must be at least 10 characters", id)
		}
	}
	if len(cfg.Models) == 0 {
		return fmt.Errorf("config: at least one model alias is required")
	}
	for name, m := range cfg.Models {
		if name == "" {
			return fmt.Errorf("config: model alias name must not be empty")
		}
		if !m.Enabled {
			continue
		}
		enabledBackends := 0
		for _, b := range m.Backends {
			if !b.Enabled {
				continue
			}
			enabledBackends++
			if b.Weight <= 0 {
				return fmt.Errorf("config: model %q: backend %s/%s weight must be > 0", name, b.Provider, b.Model)
			}
			provider, ok := cfg.Providers[b.Provider]
			if !ok {
				return fmt.Errorf("config: model %q: references unknown provider %q", name, b.Provider)
			}
			found := false
			for _, pm := range provider.Models {
				if pm == b.Model {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("config: model %q: provider %q does not list model %q", name, b.Provider, b.Model)
			}
		}
		if enabledBackends == 0 {
			return fmt.Errorf("config: enabled model %q has no enabled backends", name)
		}
	}
	for id, u := range cfg.Users {
		if u.Token != "" && len(u.Token) < 16 {
			return fmt.Errorf("config: user %q: token must be at least 16 characters", id)
		}
		if u.RateLimit != nil {
			rl := u.RateLimit
			if rl.RequestsPerMinute > rl.RequestsPerHour || rl.RequestsPerHour > rl.RequestsPerDay {
				return fmt.Errorf("config: user %q: rate_limit windows must be monotonic (minute <= hour <= day)", id)
			}
		}
	}
	return nil
}

// ToAliases flattens the provider/model tables into the routecore shape the
// selector and pipeline consume.
func (c *Config) ToAliases() []routecore.ModelAlias {
	aliases := make([]routecore.ModelAlias, 0, len(c.Models))
	for _, m := range c.Models {
		alias := routecore.ModelAlias{
			Name:        m.Name,
			Description: m.Description,
			Strategy:    m.strategy(),
			Enabled:     m.Enabled,
		}
		for _, b := range m.Backends {
			provider, ok := c.Providers[b.Provider]
			if !ok {
				continue
			}
			tags := make(map[string]struct{}, len(b.Tags))
			for _, t := range b.Tags {
				tags[t] = struct{}{}
			}
			alias.Backends = append(alias.Backends, routecore.Backend{
				ProviderID:     b.Provider,
				UpstreamModel:  b.Model,
				BaseURL:        provider.BaseURL,
				APIKey:         provider.APIKey,
				Kind:           provider.kind(),
				CustomHeaders:  provider.Headers,
				BaseWeight:     b.Weight,
				Priority:       b.Priority,
				Enabled:        b.Enabled && provider.Enabled,
				Tags:           tags,
				BillingMode:    b.billingMode(),
				Timeout:        provider.timeout(),
				ConnectTimeout: time.Duration(c.Settings.HealthCheckTimeoutSeconds) * time.Second,
				MaxRetries:     provider.MaxRetries,
			})
		}
		aliases = append(aliases, alias)
	}
	return aliases
}

// AliasLookup returns a pipeline.AliasLookup closure bound to a frozen
// snapshot of this Config's aliases.
func (c *Config) AliasLookup() pipeline.AliasLookup {
	byName := make(map[string]routecore.ModelAlias)
	for _, a := range c.ToAliases() {
		byName[a.Name] = a
	}
	return func(name string) (routecore.ModelAlias, bool) {
		a, ok := byName[name]
		return a, ok
	}
}

// StoreConfig derives the routecore.Store tunables from global settings.
func (c *Config) StoreConfig() routecore.StoreConfig {
	s := withSettingsDefaults(c.Settings)
	return routecore.StoreConfig{
		CircuitBreakerFailureThreshold: uint32(s.CircuitBreakerFailureThreshold),
		SuccessBoost:                   s.SmartAI.ConfidenceAdjustments.SuccessBoost,
		FailurePenalties: map[routecore.ErrorKind]float64{
			routecore.ErrNetwork:   s.SmartAI.ConfidenceAdjustments.NetworkErrorPenalty,
			routecore.ErrAuth:      s.SmartAI.ConfidenceAdjustments.AuthErrorPenalty,
			routecore.ErrRateLimit: s.SmartAI.ConfidenceAdjustments.RateLimitPenalty,
			routecore.ErrServer:    s.SmartAI.ConfidenceAdjustments.ServerErrorPenalty,
			routecore.ErrModel:     s.SmartAI.ConfidenceAdjustments.ModelErrorPenalty,
			routecore.ErrTimeout:   s.SmartAI.ConfidenceAdjustments.TimeoutPenalty,
		},
		MinConfidence:      s.SmartAI.MinConfidence,
		InitialConfidence:  s.SmartAI.InitialConfidence,
		EnableTimeDecay:    s.SmartAI.EnableTimeDecay,
	}
}

// SmartAIConfig derives the selector's SmartAI tunables from global settings.
func (c *Config) SmartAIConfig() selector.SmartAIConfig {
	s := withSettingsDefaults(c.Settings)
	return selector.SmartAIConfig{
		ExplorationRatio:         s.SmartAI.ExplorationRatio,
		NonPremiumStabilityBonus: s.SmartAI.NonPremiumStabilityBonus,
	}
}

// HealthConfig derives the Health Controller's tunables from global settings.
func (c *Config) HealthConfig() health.Config {
	s := withSettingsDefaults(c.Settings)
	return health.Config{
		ProbeInterval:      time.Duration(s.HealthCheckIntervalSeconds) * time.Second,
		RecoveryInterval:   time.Duration(s.RecoveryCheckIntervalSeconds) * time.Second,
		HealthCheckTimeout: time.Duration(s.HealthCheckTimeoutSeconds) * time.Second,
	}
}

// PipelineConfig derives the Request Pipeline's tunables from global settings.
func (c *Config) PipelineConfig() pipeline.Config {
	s := withSettingsDefaults(c.Settings)
	return pipeline.Config{MaxInternalRetries: s.MaxInternalRetries}
}

// ServerConfig derives the HTTP listener's tunables, filling in defaults.
func (c *Config) ServerConfig() ServerSettings {
	return c.Server.withDefaults()
}

// UserByToken scans the user table for a matching bearer token. Tables are
// small enough (tens of users) that a linear scan beats maintaining a second
// index that reload would have to keep in sync.
func (c *Config) UserByToken(token string) (UserToken, bool) {
	for _, u := range c.Users {
		if u.Enabled && u.Token != "" && u.Token == token {
			return u, true
		}
	}
	return UserToken{}, false
}

// AllowsModel reports whether a user may address the given model alias.
// An empty AllowedModels list means the token is unrestricted.
func (u UserToken) AllowsModel(name string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == name {
			return true
		}
	}
	return false
}

// TagSet converts the TOML string list into the set shape the selector
// expects when filtering candidates by user tag.
func (u UserToken) TagSet() map[string]struct{} {
	if len(u.Tags) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(u.Tags))
	for _, t := range u.Tags {
		set[t] = struct{}{}
	}
	return set
}
