package store

import (
	"sort"
	"sync"
	"time"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for dev/demo.
type MemoryStore struct {
	mu            sync.RWMutex
	policies      map[string]failover.Policy
	events        []model.FailoverEvent
	nextEventID   int64
	latest        map[model.PathID]model.PathMetrics
	metricHistory map[model.PathID][]model.PathMetrics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:      make(map[string]failover.Policy),
		latest:        make(map[model.PathID]model.PathMetrics),
		metricHistory: make(map[model.PathID][]model.PathMetrics),
	}
}

func (m *MemoryStore) SavePolicy(p failover.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.BackupPathIDs = append([]model.PathID(nil), p.BackupPathIDs...)
	m.policies[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPolicy(id string) (failover.Policy, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	return p, ok, nil
}

func (m *MemoryStore) ListPolicies() ([]failover.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]failover.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeletePolicy(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, id)
	return nil
}

func (m *MemoryStore) AppendEvent(ev model.FailoverEvent) (model.FailoverEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.EventID = m.nextEventID
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *MemoryStore) ListEvents(policyID string, limit int) ([]model.FailoverEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.FailoverEvent
	for _, ev := range m.events {
		if policyID == "" || ev.PolicyID == policyID {
			out = append(out, ev)
		}
	}
	return tailEvents(out, limit), nil
}

func (m *MemoryStore) SaveMetrics(pm model.PathMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.latest[pm.PathID]; !ok || !pm.MeasuredAt.Before(cur.MeasuredAt) {
		m.latest[pm.PathID] = pm
	}
	// append history and prune older than the retention window
	cutoff := pm.MeasuredAt.Add(-MetricsRetention)
	hist := append(m.metricHistory[pm.PathID], pm)
	keep := hist[:0]
	for _, item := range hist {
		if item.MeasuredAt.After(cutoff) {
			keep = append(keep, item)
		}
	}
	m.metricHistory[pm.PathID] = keep
	return nil
}

func (m *MemoryStore) LatestMetrics() ([]model.PathMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PathMetrics, 0, len(m.latest))
	for _, pm := range m.latest {
		out = append(out, pm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathID < out[j].PathID })
	return out, nil
}

func (m *MemoryStore) ListMetricsHistory(pathID model.PathID, since time.Time) ([]model.PathMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PathMetrics
	for _, pm := range m.metricHistory[pathID] {
		if !pm.MeasuredAt.Before(since) {
			out = append(out, pm)
		}
	}
	return out, nil
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) Close() error { return nil }

func tailEvents(evs []model.FailoverEvent, limit int) []model.FailoverEvent {
	if limit > 0 && len(evs) > limit {
		return evs[len(evs)-limit:]
	}
	return evs
}
