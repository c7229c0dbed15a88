package reliability

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry hands out one Caller per named provider so every consumer of a
// provider contends on the same bucket and breaker.
type Registry struct {
	mu       sync.Mutex
	callers  map[string]*Caller
	policies map[string]Policy
	fallback Policy
	logger   *slog.Logger
}

// NewRegistry constructs a registry with per-provider policy overrides.
func NewRegistry(fallback Policy, overrides map[string]Policy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	policies := make(map[string]Policy, len(overrides))
	for name, policy := range overrides {
		policies[name] = policy
	}
	return &Registry{
		callers:  make(map[string]*Caller),
		policies: policies,
		fallback: fallback,
		logger:   logger,
	}
}

// Caller returns the shared caller for the named provider, creating it on
// first use.
func (r *Registry) Caller(name string) *Caller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller, ok := r.callers[name]; ok {
		return caller
	}
	policy, ok := r.policies[name]
	if !ok {
		policy = r.fallback
	}
	caller := NewCaller(name, policy, WithLogger(r.logger))
	r.callers[name] = caller
	return caller
}

// BreakerStates snapshots the breaker state per provider for admin surfaces.
func (r *Registry) BreakerStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]string, len(r.callers))
	for name, caller := range r.callers {
		states[name] = caller.State().String()
	}
	return states
}

// Providers lists the provider names with live callers, sorted.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.callers))
	for name := range r.callers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
