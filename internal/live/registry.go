package live

import (
	"sort"
	"sync"
)

// Registry is the concurrency-safe set of assets known to the process.
type Registry struct {
	mu    sync.RWMutex
	lives map[LiveID]*Live
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{lives: make(map[LiveID]*Live)}
}

// Add registers l. Registering an id twice returns ErrExists.
func (r *Registry) Add(l *Live) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lives[l.ID()]; ok {
		return ErrExists
	}
	r.lives[l.ID()] = l
	return nil
}

// Get returns the asset registered under id.
func (r *Registry) Get(id LiveID) (*Live, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lives[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

// Remove deregisters id and reports whether it was present.
func (r *Registry) Remove(id LiveID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lives[id]
	delete(r.lives, id)
	return ok
}

// List returns every registered asset ordered by id.
func (r *Registry) List() []*Live {
	r.mu.RLock()
	out := make([]*Live, 0, len(r.lives))
	for _, l := range r.lives {
		out = append(out, l)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ActiveCount returns the number of assets that are live. Used for metrics.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, l := range r.List() {
		if l.IsLive() {
			n++
		}
	}
	return n
}
