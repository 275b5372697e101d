package model

import (
	"strconv"
	"time"
)

// PathID identifies one overlay path (site pair + transport).
type PathID uint32

func (id PathID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ProbeResult is the raw outcome of one probe round emitted by a prober.
type ProbeResult struct {
	LatencyMs      float64 `json:"latency_ms"`
	PacketLossPct  float64 `json:"packet_loss_pct"`
	JitterMs       float64 `json:"jitter_ms"`
	ProbesSent     int     `json:"probes_sent"`
	ProbesReceived int     `json:"probes_received"`
}

// LostProbe returns the result reported when no reply came back within timeout
// (timeout, unreachable, prober error). Latency is pinned to the timeout so the
// scorer treats the path as failed rather than merely lossy.
func LostProbe(sent int, timeout time.Duration) ProbeResult {
	return ProbeResult{
		LatencyMs:     float64(timeout) / float64(time.Millisecond),
		PacketLossPct: 100,
		ProbesSent:    sent,
	}
}

// PathMetrics is a telemetry snapshot for a path; treat as immutable once measured.
type PathMetrics struct {
	PathID        PathID    `json:"path_id"`
	LatencyMs     float64   `json:"latency_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	PacketLossPct float64   `json:"packet_loss_pct"`
	BandwidthMbps float64   `json:"bandwidth_mbps"`
	MTU           int       `json:"mtu"`
	Cost          float64   `json:"cost,omitempty"`
	MeasuredAt    time.Time `json:"measured_at"`
	Score         float64   `json:"score"`
}

// Path is the static inventory entry of an overlay path.
type Path struct {
	ID            PathID  `json:"path_id" yaml:"id"`
	Name          string  `json:"name" yaml:"name"`
	BandwidthMbps float64 `json:"bandwidth_mbps" yaml:"bandwidth_mbps"`
	MTU           int     `json:"mtu" yaml:"mtu"`
	Cost          float64 `json:"cost" yaml:"cost"`
}
