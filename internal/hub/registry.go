package hub

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the concurrent map of connection id to session handle. It is
// mutated only on authentication success (insert), rename (through the
// handle), and teardown (remove). Fan-out works on snapshots so no caller
// ever sends while holding the lock.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Handle
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*Handle),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Insert adds a handle. Connection ids are unique, so a collision means a
// bug upstream; the collision is logged and the newer handle wins.
func (r *Registry) Insert(h *Handle) {
	r.mu.Lock()
	if _, exists := r.clients[h.ID()]; exists {
		r.logger.Error().Str("conn_id", h.ID()).Msg("connection id collision, replacing handle")
	}
	r.clients[h.ID()] = h
	r.mu.Unlock()
}

// Remove deletes and returns the handle for id, or nil if it was already
// gone. Removing twice is a silent no-op.
func (r *Registry) Remove(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.clients[id]
	if !ok {
		return nil
	}
	delete(r.clients, id)
	return h
}

// Get returns the handle for id, or nil.
func (r *Registry) Get(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// FindByUsername returns some handle whose current username matches, or
// nil. Usernames are not unique; the first match wins.
func (r *Registry) FindByUsername(name string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.clients {
		if h.Username() == name {
			return h
		}
	}
	return nil
}

// Handles returns a snapshot of all registered handles.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.clients))
	for _, h := range r.clients {
		out = append(out, h)
	}
	return out
}

// Usernames returns a snapshot of the usernames of registered sessions,
// skipping sessions that have none. Order is unspecified.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for _, h := range r.clients {
		if name := h.Username(); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
