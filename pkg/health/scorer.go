// Package health turns raw link telemetry into composite quality scores and
// Up/Degraded/Down path classifications.
package health

import (
	"fmt"
	"math"
)

// Default thresholds and weights. These values are part of the persisted
// configuration surface and must not change.
const (
	DefaultMaxLatencyMs     = 100.0
	DefaultMaxPacketLossPct = 2.0
	DefaultMaxJitterMs      = 10.0
	DefaultLatencyWeight    = 0.40
	DefaultLossWeight       = 0.40
	DefaultJitterWeight     = 0.20
)

// Decay rates applied once a metric exceeds its threshold. Loss decays twice
// as fast as latency and jitter.
const (
	latencyDecay = 1.0
	jitterDecay  = 1.0
	lossDecay    = 2.0
)

const (
	minScore = 0.0
	maxScore = 100.0
)

// Thresholds holds the per-metric acceptable limits and the composite weights.
type Thresholds struct {
	MaxLatencyMs     float64 `json:"max_latency_ms" yaml:"max_latency_ms"`
	MaxPacketLossPct float64 `json:"max_packet_loss_pct" yaml:"max_packet_loss_pct"`
	MaxJitterMs      float64 `json:"max_jitter_ms" yaml:"max_jitter_ms"`
	LatencyWeight    float64 `json:"latency_weight" yaml:"latency_weight"`
	LossWeight       float64 `json:"loss_weight" yaml:"loss_weight"`
	JitterWeight     float64 `json:"jitter_weight" yaml:"jitter_weight"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxLatencyMs:     DefaultMaxLatencyMs,
		MaxPacketLossPct: DefaultMaxPacketLossPct,
		MaxJitterMs:      DefaultMaxJitterMs,
		LatencyWeight:    DefaultLatencyWeight,
		LossWeight:       DefaultLossWeight,
		JitterWeight:     DefaultJitterWeight,
	}
}

// Validate checks that limits are positive and the weights sum to 1.
func (t Thresholds) Validate() error {
	if !(t.MaxLatencyMs > 0) || !(t.MaxPacketLossPct > 0) || !(t.MaxJitterMs > 0) {
		return fmt.Errorf("health thresholds must be positive (latency=%v loss=%v jitter=%v)",
			t.MaxLatencyMs, t.MaxPacketLossPct, t.MaxJitterMs)
	}
	if t.LatencyWeight < 0 || t.LossWeight < 0 || t.JitterWeight < 0 {
		return fmt.Errorf("health weights must not be negative")
	}
	sum := t.LatencyWeight + t.LossWeight + t.JitterWeight
	if math.Abs(sum-1) > 1e-3 {
		return fmt.Errorf("health weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

// Score is a composite health score with its per-metric components, each in [0, 100].
type Score struct {
	Score        float64 `json:"score"`
	LatencyScore float64 `json:"latency_score"`
	LossScore    float64 `json:"loss_score"`
	JitterScore  float64 `json:"jitter_score"`
}

// Compute scores one telemetry sample. It is pure: identical inputs always
// produce identical output.
//
// Inputs must be finite and non-negative. Negative or NaN metrics are a
// caller error and are not corrected here.
func Compute(latencyMs, packetLossPct, jitterMs float64, t Thresholds) Score {
	latency := subScore(latencyMs, t.MaxLatencyMs, latencyDecay)
	loss := subScore(packetLossPct, t.MaxPacketLossPct, lossDecay)
	jitter := subScore(jitterMs, t.MaxJitterMs, jitterDecay)

	composite := latency*t.LatencyWeight + loss*t.LossWeight + jitter*t.JitterWeight

	return Score{
		Score:        clamp(composite),
		LatencyScore: latency,
		LossScore:    loss,
		JitterScore:  jitter,
	}
}

// subScore is 100 within the threshold and decays exponentially beyond it.
func subScore(metric, threshold, k float64) float64 {
	if metric <= threshold {
		return maxScore
	}
	return clamp(maxScore * math.Exp(-k*metric/threshold))
}

func clamp(v float64) float64 {
	if v < minScore {
		return minScore
	}
	if v > maxScore {
		return maxScore
	}
	return v
}
