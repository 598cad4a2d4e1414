package resilience

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry hands out circuit breakers keyed by resource name, creating them
// lazily on first use. All breakers share the registry's StateStore, so a
// persisted store gives every process the same view of each resource.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	store    StateStore
	defaults BreakerConfig
	log      zerolog.Logger
}

// NewRegistry creates a Registry. A nil store defaults to in-memory state,
// which is what tests and single-process deployments want.
func NewRegistry(store StateStore, defaults BreakerConfig, log zerolog.Logger) *Registry {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		store:    store,
		defaults: defaults,
		log:      log,
	}
}

// Get returns the breaker for name, creating it with the registry defaults
// if it does not exist yet.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	return r.Configure(name, r.defaults)
}

// Configure creates the breaker for name with the given config. If the
// breaker already exists it is returned unchanged.
func (r *Registry) Configure(name string, cfg BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.breakers[name]; ok {
		return existing
	}
	b := NewCircuitBreaker(name, cfg, r.store, r.log)
	r.breakers[name] = b
	return b
}

// States reports the current state of every breaker the registry has handed
// out, for health dashboards.
func (r *Registry) States(ctx context.Context) map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State(ctx)
	}
	return out
}
