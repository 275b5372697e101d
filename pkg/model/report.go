package model

import "time"

// PathProbe is one probe result for one path.
type PathProbe struct {
	PathID PathID `json:"path_id"`
	ProbeResult
}

// ProbeReport is what a probe agent posts after each round.
type ProbeReport struct {
	Agent   string      `json:"agent,omitempty"`
	Results []PathProbe `json:"results"`
}

// ProbeAck is the controller's verdict on one reported path.
type ProbeAck struct {
	PathID    PathID    `json:"path_id"`
	Score     float64   `json:"score"`
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
}

// ProbeResponse answers a ProbeReport. Rejected maps path ids to the reason.
type ProbeResponse struct {
	Accepted []ProbeAck        `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}
