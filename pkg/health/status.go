package health

import (
	"time"

	"overlay-wan/pkg/model"
)

// Status is the operational classification of a path.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Score boundaries between statuses.
const (
	UpThreshold       = 80.0
	DegradedThreshold = 50.0
)

// StatusFromScore classifies a composite score.
func StatusFromScore(score float64) Status {
	switch {
	case score >= UpThreshold:
		return StatusUp
	case score >= DegradedThreshold:
		return StatusDegraded
	default:
		return StatusDown
	}
}

// PathHealth is the result of one health check. Each check builds a fresh
// value; trends are the caller's concern.
type PathHealth struct {
	PathID    model.PathID      `json:"path_id"`
	Score     Score             `json:"health"`
	Status    Status            `json:"status"`
	Probe     model.ProbeResult `json:"probe"`
	CheckedAt time.Time         `json:"checked_at"`
}

// NewPathHealth scores a probe result and classifies it.
func NewPathHealth(id model.PathID, probe model.ProbeResult, t Thresholds, checkedAt time.Time) PathHealth {
	score := Compute(probe.LatencyMs, probe.PacketLossPct, probe.JitterMs, t)
	return PathHealth{
		PathID:    id,
		Score:     score,
		Status:    StatusFromScore(score.Score),
		Probe:     probe,
		CheckedAt: checkedAt,
	}
}

// IsHealthy is true when the path is Up.
func (h PathHealth) IsHealthy() bool { return h.Status == StatusUp }

// IsUsable is true when the path is Up or Degraded.
func (h PathHealth) IsUsable() bool { return h.Status == StatusUp || h.Status == StatusDegraded }

// IsDown is true when the path is Down.
func (h PathHealth) IsDown() bool { return h.Status == StatusDown }

// Metrics produces the telemetry snapshot for this check, combined with the
// path's static attributes.
func (h PathHealth) Metrics(bandwidthMbps float64, mtu int, cost float64) model.PathMetrics {
	return model.PathMetrics{
		PathID:        h.PathID,
		LatencyMs:     h.Probe.LatencyMs,
		JitterMs:      h.Probe.JitterMs,
		PacketLossPct: h.Probe.PacketLossPct,
		BandwidthMbps: bandwidthMbps,
		MTU:           mtu,
		Cost:          cost,
		MeasuredAt:    h.CheckedAt,
		Score:         h.Score.Score,
	}
}

// Ack summarises the check for the agent that reported the probe.
func (h PathHealth) Ack() model.ProbeAck {
	return model.ProbeAck{
		PathID:    h.PathID,
		Score:     h.Score.Score,
		Status:    string(h.Status),
		CheckedAt: h.CheckedAt,
	}
}
