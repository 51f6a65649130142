package admission

import "sync"

// Registry tracks every handle that has been created and not yet closed.
type Registry struct {
	mu      sync.RWMutex       // Protects handles
	handles map[string]*Handle // Handle ID to handle mapping
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Register adds h to the live set.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles[h.id] = h
}

// Release removes the handle with the given ID.
// This operation is idempotent - calling it multiple times is safe.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handles, id)
}

// Get retrieves a live handle by ID.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]
	return h, ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handles)
}

// Snapshot returns the live handles in no particular order.
func (r *Registry) Snapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}
