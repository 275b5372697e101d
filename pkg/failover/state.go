package failover

import (
	"time"

	"github.com/benbjohnson/clock"

	"overlay-wan/pkg/model"
)

// State is the mutable failover state of one policy. It has two logical
// states, primary active and backup active, told apart by UsingPrimary.
//
// State does no locking. Exactly one evaluation loop may own it at a time.
type State struct {
	PolicyID            string       `json:"policy_id"`
	ActivePathID        model.PathID `json:"active_path_id"`
	UsingPrimary        bool         `json:"using_primary"`
	LastFailover        *time.Time   `json:"last_failover,omitempty"`
	PrimaryHealthySince *time.Time   `json:"primary_healthy_since,omitempty"`
	FailoverCount       uint64       `json:"failover_count"`

	clock clock.Clock
}

// NewState activates p: the primary is in use and considered healthy from now.
// A nil clk uses the wall clock.
func NewState(p Policy, clk clock.Clock) *State {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &State{
		PolicyID:            p.ID,
		ActivePathID:        p.PrimaryPathID,
		UsingPrimary:        true,
		PrimaryHealthySince: &now,
		clock:               clk,
	}
}

// RecordFailover switches traffic to a backup path.
func (s *State) RecordFailover(newPath model.PathID) {
	now := s.clock.Now()
	s.ActivePathID = newPath
	s.UsingPrimary = false
	s.FailoverCount++
	s.PrimaryHealthySince = nil
	s.LastFailover = &now
}

// RecordFailback returns traffic to the primary path.
func (s *State) RecordFailback(primary model.PathID) {
	now := s.clock.Now()
	s.ActivePathID = primary
	s.UsingPrimary = true
	s.FailoverCount++
	s.LastFailover = &now
}

// MarkPrimaryHealthy starts the hysteresis window if it is not already
// running. Repeated calls keep the original start so the window measures
// continuous health.
func (s *State) MarkPrimaryHealthy() {
	if s.PrimaryHealthySince != nil {
		return
	}
	now := s.clock.Now()
	s.PrimaryHealthySince = &now
}

// MarkPrimaryUnhealthy resets the hysteresis window.
func (s *State) MarkPrimaryUnhealthy() {
	s.PrimaryHealthySince = nil
}

// CanFailback reports whether the primary has been continuously healthy for at least delay.
func (s *State) CanFailback(delay time.Duration) bool {
	if s.PrimaryHealthySince == nil {
		return false
	}
	return s.clock.Since(*s.PrimaryHealthySince) >= delay
}

// Snapshot returns a copy that shares no memory with s.
func (s *State) Snapshot() State {
	out := *s
	if s.LastFailover != nil {
		t := *s.LastFailover
		out.LastFailover = &t
	}
	if s.PrimaryHealthySince != nil {
		t := *s.PrimaryHealthySince
		out.PrimaryHealthySince = &t
	}
	return out
}
