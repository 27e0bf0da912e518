package keys

import (
	"slices"
	"sync"

	"github.com/c360/reef/errors"
)

// Registry maps agent names to their public bundles. It is safe for
// concurrent use and may be shared by several Secure Reefs in one process.
type Registry struct {
	mu      sync.RWMutex
	bundles map[string]Bundle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bundles: make(map[string]Bundle)}
}

// Register stores or replaces the bundle of agent.
func (r *Registry) Register(agent string, b Bundle) error {
	if agent == "" {
		return errors.Invalidf("Registry", "Register", "agent name is required")
	}
	if !b.Valid() {
		return errors.Invalidf("Registry", "Register", "bundle for %q is incomplete", agent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[agent] = b.Clone()
	return nil
}

// RegisterPeer stores a provisioned peer bundle.
func (r *Registry) RegisterPeer(p Peer) error {
	return r.Register(p.Agent, p.Bundle)
}

// Unregister removes agent and reports whether it was present.
func (r *Registry) Unregister(agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bundles[agent]
	delete(r.bundles, agent)
	return ok
}

// Lookup returns a copy of the bundle of agent.
func (r *Registry) Lookup(agent string) (Bundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[agent]
	if !ok {
		return Bundle{}, false
	}
	return b.Clone(), true
}

// Agents returns the registered agent names, sorted.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bundles))
	for agent := range r.bundles {
		out = append(out, agent)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bundles)
}
