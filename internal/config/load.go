package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// setDefaults mirrors the teacher's main.go viper.SetDefault block, adapted
// to this package's TOML section names.
func setDefaults(v *viper.Viper) {
	v.SetDefault("settings.health_check_interval_seconds", 30)
	v.SetDefault("settings.request_timeout_seconds", 30)
	v.SetDefault("settings.max_retries", 3)
	v.SetDefault("settings.circuit_breaker_failure_threshold", 5)
	v.SetDefault("settings.recovery_check_interval_seconds", 120)
	v.SetDefault("settings.max_internal_retries", 2)
	v.SetDefault("settings.health_check_timeout_seconds", 10)
	v.SetDefault("settings.smart_ai.initial_confidence", 0.8)
	v.SetDefault("settings.smart_ai.min_confidence", 0.3)
	v.SetDefault("settings.smart_ai.enable_time_decay", true)
	v.SetDefault("settings.smart_ai.exploration_ratio", 0.2)
	v.SetDefault("settings.smart_ai.non_premium_stability_bonus", 1.1)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.idle_timeout_seconds", 120)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.resp_cache_ttl_seconds", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.development", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads and validates a TOML config file at path. A failed read or
// validation never returns a partially-built Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Holder is the shared-pointer cell spec.md §4.6/§9 calls for: readers take
// a snapshot via Current, writers atomically swap after validation so
// in-flight requests keep the config they started with.
type Holder struct {
	ptr atomic.Pointer[Config]
}

// NewHolder builds a Holder seeded with an already-validated Config.
func NewHolder(initial *Config) *Holder {
	h := &Holder{}
	h.ptr.Store(initial)
	return h
}

// Current returns the live Config snapshot.
func (h *Holder) Current() *Config {
	return h.ptr.Load()
}

// Swap validates next and, only on success, replaces the live snapshot.
func (h *Holder) Swap(next *Config) error {
	if err := Validate(next); err != nil {
		return err
	}
	h.ptr.Store(next)
	return nil
}

// WatchAndReload uses viper's fsnotify-backed file watcher to reload path on
// every write, swapping the Holder only when the new file parses and
// validates; a bad edit is logged and the live config is left untouched.
func WatchAndReload(path string, holder *Holder, logger *zap.Logger) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("config watch: initial read failed, reload disabled", zap.Error(err))
		return
	}

	v.OnConfigChange(func(in fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			logger.Error("config reload: unmarshal failed, keeping live config", zap.Error(err))
			return
		}
		if err := holder.Swap(&next); err != nil {
			logger.Error("config reload: validation failed, keeping live config", zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("path", path))
	})
	v.WatchConfig()
}
