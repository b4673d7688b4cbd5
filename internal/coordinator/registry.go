package coordinator

import "sync"

// Registry tracks live coordinators by job id so the API can serve snapshots
// and cancellations for jobs running in this process.
type Registry struct {
	mu    sync.RWMutex
	coord map[string]*Coordinator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{coord: make(map[string]*Coordinator)}
}

// Add registers a coordinator, replacing any previous entry for the id.
func (r *Registry) Add(c *Coordinator) {
	r.mu.Lock()
	r.coord[c.ID()] = c
	r.mu.Unlock()
}

// Get returns the coordinator for a job id, if present.
func (r *Registry) Get(jobID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coord[jobID]
	return c, ok
}

// Remove drops a coordinator from the registry.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	delete(r.coord, jobID)
	r.mu.Unlock()
}

// Len reports the number of registered coordinators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.coord)
}
