package model

import "time"

// EventType is the kind of a failover audit record.
type EventType string

const (
	EventTriggered      EventType = "triggered"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventPolicyEnabled  EventType = "policy_enabled"
	EventPolicyDisabled EventType = "policy_disabled"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTriggered, EventCompleted, EventFailed, EventPolicyEnabled, EventPolicyDisabled:
		return true
	default:
		return false
	}
}

// FailoverEvent is an append-only audit record of a failover state change.
// EventID is assigned by the store on append; zero means not yet persisted.
type FailoverEvent struct {
	EventID            int64     `json:"event_id"`
	PolicyID           string    `json:"policy_id"`
	EventType          EventType `json:"event_type"`
	FromPathID         *PathID   `json:"from_path_id,omitempty"`
	ToPathID           *PathID   `json:"to_path_id,omitempty"`
	Reason             string    `json:"reason"`
	PrimaryHealthScore *float64  `json:"primary_health_score,omitempty"`
	BackupHealthScore  *float64  `json:"backup_health_score,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// PathRef returns a pointer to a copy of id, for optional event fields.
func PathRef(id PathID) *PathID { return &id }

// ScoreRef returns a pointer to a copy of v, for optional event fields.
func ScoreRef(v float64) *float64 { return &v }
