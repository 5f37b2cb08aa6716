// Package envs provides the environment factory registry and the builtin
// environments used for smoke runs and tests.
package envs

import (
	"fmt"
	"sort"
	"sync"

	"ensemble/internal/core"
)

// Registry maps environment kinds to factories. Registries are plain values
// passed to the worker; there is no process-wide registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]core.EnvFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]core.EnvFactory)}
}

// Builtin returns a registry holding cartpole and countdown.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("cartpole", NewCartPole)
	r.Register("countdown", NewCountdown)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f core.EnvFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Create builds an environment of cfg.Kind.
func (r *Registry) Create(cfg core.EnvConfig) (core.Environment, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown environment kind %q", cfg.Kind)
	}
	env, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s environment (worker %d, slot %d): %w", cfg.Kind, cfg.WorkerID, cfg.Slot, err)
	}
	return env, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
