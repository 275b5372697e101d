package routing

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"overlay-wan/pkg/health"
	"overlay-wan/pkg/model"
)

var (
	// ErrBlocked is returned when the matching policy blocks the flow.
	ErrBlocked = errors.New("flow blocked by routing policy")
	// ErrNoPath is returned when every candidate path is down.
	ErrNoPath = errors.New("no usable path")
)

// Candidate is a path offered to the selector with its latest telemetry.
type Candidate struct {
	Metrics model.PathMetrics `json:"metrics"`
	Status  health.Status     `json:"status"`
}

// Decision is the outcome of a selection.
type Decision struct {
	PathID     model.PathID `json:"path_id"`
	PolicyID   string       `json:"policy_id,omitempty"`
	Preference Preference   `json:"preference"`
	Score      float64      `json:"score"`
}

// Selector picks the best path for a flow using an ordered policy list.
// Flows that match no policy use the default preference.
type Selector struct {
	mu       sync.RWMutex
	policies []Policy
	fallback Preference
	log      *zap.Logger
}

// NewSelector validates and sorts policies. A zero fallback means LowestLatency.
func NewSelector(policies []Policy, fallback Preference, log *zap.Logger) (*Selector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if fallback.Kind == "" {
		fallback = Preference{Kind: LowestLatency}
	}
	if err := fallback.Validate(); err != nil {
		return nil, err
	}
	s := &Selector{fallback: fallback, log: log}
	if err := s.SetPolicies(policies); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPolicies swaps the policy list atomically. On error the old list stays.
func (s *Selector) SetPolicies(policies []Policy) error {
	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	for _, p := range sorted {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	SortPolicies(sorted)
	s.mu.Lock()
	s.policies = sorted
	s.mu.Unlock()
	return nil
}

// Policies returns the active list in evaluation order.
func (s *Selector) Policies() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, len(s.policies))
	copy(out, s.policies)
	return out
}

// Lookup returns the first policy matching flow, if any.
func (s *Selector) Lookup(flow Flow) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if Matches(flow, p.Match) {
			return p, true
		}
	}
	return Policy{}, false
}

// Select chooses a path for flow among candidates. Down paths are never
// chosen. Equal scores go to the lower path id.
func (s *Selector) Select(flow Flow, candidates []Candidate) (Decision, error) {
	d := Decision{Preference: s.fallback}
	if p, ok := s.Lookup(flow); ok {
		d.PolicyID = p.ID
		if p.Action.Kind == ActionBlock {
			s.log.Debug("flow blocked", zap.String("policy", p.ID), zap.Stringer("dst", flow.DstIP))
			return d, ErrBlocked
		}
		d.Preference = p.Action.Preference
	}

	found := false
	for _, c := range candidates {
		if c.Status == health.StatusDown {
			continue
		}
		score := ScorePath(c.Metrics, d.Preference)
		if !found || score > d.Score || (score == d.Score && c.Metrics.PathID < d.PathID) {
			d.PathID = c.Metrics.PathID
			d.Score = score
			found = true
		}
	}
	if !found {
		return d, ErrNoPath
	}
	return d, nil
}
