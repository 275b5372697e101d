package probe

import (
	"context"
	"sync"

	"overlay-wan/pkg/model"
)

// StaticProber returns canned results per path. Paths without a result are
// reported lost. Used for lab setups and tests.
type StaticProber struct {
	mu      sync.RWMutex
	results map[model.PathID]model.ProbeResult
}

func NewStaticProber() *StaticProber {
	return &StaticProber{results: make(map[model.PathID]model.ProbeResult)}
}

// Set replaces the result returned for id.
func (s *StaticProber) Set(id model.PathID, r model.ProbeResult) {
	s.mu.Lock()
	s.results[id] = r
	s.mu.Unlock()
}

func (s *StaticProber) Probe(_ context.Context, t Target) (model.ProbeResult, error) {
	s.mu.RLock()
	r, ok := s.results[t.PathID]
	s.mu.RUnlock()
	if !ok {
		t = t.WithDefaults()
		return model.LostProbe(t.Count, t.Timeout), nil
	}
	return r, nil
}
