package run

import (
	"fmt"
	"sort"
	"sync"

	"github.com/troupehq/troupe/internal/model"
)

// ErrDuplicateRun is returned when a run id is registered twice.
var ErrDuplicateRun = fmt.Errorf("run already exists")

// ErrRunNotFound is returned for lookups of unknown run ids.
var ErrRunNotFound = fmt.Errorf("run not found")

// Registry holds the live coordinators of a hosting process. Runs are
// independent: operations on different runs share no lock beyond the map
// itself.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Coordinator
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Coordinator)}
}

// Add registers a coordinator under its run id.
func (r *Registry) Add(c *Coordinator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[c.RunID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, c.RunID())
	}
	r.runs[c.RunID()] = c
	return nil
}

// Get looks up a coordinator by run id.
func (r *Registry) Get(runID string) (*Coordinator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return c, nil
}

// IDs returns the registered run ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every non-terminal run, for daemon shutdown.
func (r *Registry) StopAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.runs {
		if !model.IsRunTerminal(c.Status()) {
			c.Stop(reason)
		}
	}
}
