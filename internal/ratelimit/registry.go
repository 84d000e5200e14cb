package ratelimit

import (
	"sync"
	"time"
)

// StaticTargets is the built-in per-target pacing table. Entries loaded from
// the policy file override it.
var StaticTargets = map[string]Config{
	"catalog-api": {
		BaseDelay: 500 * time.Millisecond, JitterMax: 250 * time.Millisecond, MaxBackoff: 30 * time.Second,
		MaxConcurrent: 2, Multiplier: 2, ThrottleMultiplier: 4,
	},
	"storefront": {
		BaseDelay: 2 * time.Second, JitterMin: 500 * time.Millisecond, JitterMax: 1500 * time.Millisecond, MaxBackoff: 120 * time.Second,
		MaxConcurrent: 1, Multiplier: 2, ThrottleMultiplier: 3,
	},
	"browser": {
		BaseDelay: 3 * time.Second, JitterMax: 2 * time.Second, MaxBackoff: 180 * time.Second,
		MaxConcurrent: 1, Multiplier: 2, ThrottleMultiplier: 3,
	},
}

// Registry hands out one Limiter per target for the lifetime of a run.
type Registry struct {
	mu       sync.Mutex
	table    map[string]Config
	limiters map[string]*Limiter
}

// NewRegistry merges overrides on top of StaticTargets.
func NewRegistry(overrides map[string]Config) *Registry {
	table := make(map[string]Config, len(StaticTargets)+len(overrides))
	for k, v := range StaticTargets {
		table[k] = v
	}
	for k, v := range overrides {
		table[k] = v
	}
	return &Registry{table: table, limiters: make(map[string]*Limiter)}
}

// ConfigFor returns the target's entry, falling back to DefaultConfig.
func (r *Registry) ConfigFor(target string) Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.table[target]; ok {
		return cfg.withDefaults()
	}
	return DefaultConfig
}

// Get returns the target's limiter, creating it on first use.
func (r *Registry) Get(target string) *Limiter {
	cfg := r.ConfigFor(target)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[target]; ok {
		return l
	}
	l := New(target, cfg)
	r.limiters[target] = l
	return l
}
