package store

import (
	"time"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/model"
)

// MetricsRetention bounds the per-path metrics history kept by every backend.
const MetricsRetention = 24 * time.Hour

// Store persists failover policies, the failover audit log and path telemetry.
// Events are append-only: the backend assigns EventID, which increases
// monotonically across all policies.
type Store interface {
	SavePolicy(failover.Policy) error
	GetPolicy(id string) (failover.Policy, bool, error)
	ListPolicies() ([]failover.Policy, error)
	// DeletePolicy removes the policy; its events are kept. Deleting an
	// unknown id is not an error.
	DeletePolicy(id string) error

	AppendEvent(model.FailoverEvent) (model.FailoverEvent, error)
	// ListEvents returns events oldest first. An empty policyID lists all
	// policies; limit > 0 keeps only the newest limit events.
	ListEvents(policyID string, limit int) ([]model.FailoverEvent, error)

	// SaveMetrics records a snapshot and prunes that path's history older
	// than MetricsRetention relative to the new snapshot.
	SaveMetrics(model.PathMetrics) error
	// LatestMetrics returns the newest snapshot per path, ordered by path id.
	LatestMetrics() ([]model.PathMetrics, error)
	ListMetricsHistory(pathID model.PathID, since time.Time) ([]model.PathMetrics, error)

	Ping() error
	Close() error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() Store {
	return NewMemoryStore()
}
