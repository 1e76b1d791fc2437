package mode

import (
	"fmt"
	"sync"
)

// Registry maps mode IDs to their single long-lived instance. It is
// populated once at startup and read by the orchestrator and render loop.
type Registry struct {
	mu    sync.RWMutex
	modes map[ID]Mode
}

func NewRegistry() *Registry {
	return &Registry{modes: make(map[ID]Mode, len(knownIDs))}
}

// Register stores m under id, replacing any previous instance.
func (r *Registry) Register(id ID, m Mode) error {
	if !id.Valid() {
		return fmt.Errorf("mode: register %q: %w", id, ErrUnknownMode)
	}
	if m == nil {
		return fmt.Errorf("mode: register %q: nil instance", id)
	}
	r.mu.Lock()
	r.modes[id] = m
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(id ID) (Mode, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modes[id]
	if !ok || m == nil {
		return nil, false
	}
	return m, true
}

// IDs returns the registered mode IDs in closed-set order.
func (r *Registry) IDs() []ID {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.modes))
	for _, id := range knownIDs {
		if _, ok := r.modes[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
