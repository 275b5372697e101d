package monitor

import (
	"sort"
	"sync"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/model"
)

// entry is one active policy. Its mutex serialises every evaluation and
// mutation of the policy's state; different entries are independent.
type entry struct {
	mu      sync.Mutex
	policy  failover.Policy
	state   *failover.State
	pending []model.FailoverEvent
	// failedLatched suppresses repeated Failed events while the primary
	// stays below threshold with no backup to move to.
	failedLatched bool
	// removed is set under mu when the policy is deleted, for evaluations
	// that looked the entry up before the delete.
	removed bool
}

// Registry indexes active policies by id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// putIfAbsent registers e under id unless an entry already exists, in which
// case the existing one is returned with inserted false.
func (r *Registry) putIfAbsent(id string, e *entry) (actual *entry, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[id]; ok {
		return cur, false
	}
	r.entries[id] = e
	return e, true
}

func (r *Registry) remove(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	return e, ok
}

// IDs lists the registered policy ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
