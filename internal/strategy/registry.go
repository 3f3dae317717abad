package strategy

import (
	"sync"

	"quantcore/internal/core"
)

// Registry maps strategy IDs to live instances.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces a strategy under its config ID.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Config().ID] = s
}

// Get returns the strategy for id, or a not-found error.
func (r *Registry) Get(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	if !ok {
		return nil, core.NotFoundf("Strategy not found: %s", id)
	}
	return s, nil
}

// All returns every registered strategy.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	return out
}

// IDs returns every registered strategy ID.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		out = append(out, id)
	}
	return out
}
