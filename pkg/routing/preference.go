package routing

import (
	"fmt"
	"math"

	"overlay-wan/pkg/model"
)

// PreferenceKind selects how paths are ranked for a traffic class.
type PreferenceKind string

const (
	LowestLatency    PreferenceKind = "lowest_latency"
	HighestBandwidth PreferenceKind = "highest_bandwidth"
	LowestLoss       PreferenceKind = "lowest_loss"
	LowestCost       PreferenceKind = "lowest_cost"
	Custom           PreferenceKind = "custom"
)

// Normalisation points for the preference components. A metric equal to its
// reference scores 50.
const (
	refLatencyMs     = 50.0
	refJitterMs      = 10.0
	refLossPct       = 1.0
	refBandwidthMbps = 100.0
	refCost          = 1.0
)

// Weights tune a Custom preference. They are normalised by their sum, so only
// their ratios matter.
type Weights struct {
	Latency   float64 `json:"latency" yaml:"latency"`
	Jitter    float64 `json:"jitter" yaml:"jitter"`
	Loss      float64 `json:"loss" yaml:"loss"`
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"`
	Cost      float64 `json:"cost" yaml:"cost"`
}

func (w Weights) sum() float64 {
	return w.Latency + w.Jitter + w.Loss + w.Bandwidth + w.Cost
}

// Preference is a path ranking rule. Weights is only read for Custom.
type Preference struct {
	Kind    PreferenceKind `json:"kind" yaml:"kind"`
	Weights Weights        `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// CustomPreference builds a weighted preference.
func CustomPreference(w Weights) Preference {
	return Preference{Kind: Custom, Weights: w}
}

// Validate checks the kind and, for Custom, the weights.
func (p Preference) Validate() error {
	switch p.Kind {
	case LowestLatency, HighestBandwidth, LowestLoss, LowestCost:
		return nil
	case Custom:
		w := p.Weights
		if w.Latency < 0 || w.Jitter < 0 || w.Loss < 0 || w.Bandwidth < 0 || w.Cost < 0 {
			return fmt.Errorf("custom preference weights must not be negative")
		}
		if w.sum() <= 0 {
			return fmt.Errorf("custom preference needs at least one positive weight")
		}
		return nil
	default:
		return fmt.Errorf("unknown path preference %q", p.Kind)
	}
}

// TrafficClass names a canned set of custom weights.
type TrafficClass string

const (
	ClassVoice       TrafficClass = "voice"
	ClassVideo       TrafficClass = "video"
	ClassInteractive TrafficClass = "interactive"
	ClassBulk        TrafficClass = "bulk"
)

// PreferenceFor returns the weights tuned for a traffic class.
func PreferenceFor(class TrafficClass) (Preference, error) {
	switch class {
	case ClassVoice:
		return CustomPreference(Weights{Latency: 0.5, Jitter: 0.3, Loss: 0.2}), nil
	case ClassVideo:
		return CustomPreference(Weights{Latency: 0.2, Jitter: 0.2, Loss: 0.3, Bandwidth: 0.3}), nil
	case ClassInteractive:
		return CustomPreference(Weights{Latency: 0.6, Loss: 0.3, Jitter: 0.1}), nil
	case ClassBulk:
		return CustomPreference(Weights{Bandwidth: 0.7, Loss: 0.2, Cost: 0.1}), nil
	default:
		return Preference{}, fmt.Errorf("unknown traffic class %q", class)
	}
}

// ScorePath ranks a path for a preference; higher is better, range [0, 100].
// It does not look at path status: callers drop Down paths first.
func ScorePath(m model.PathMetrics, pref Preference) float64 {
	switch pref.Kind {
	case LowestLatency:
		return lowerIsBetter(m.LatencyMs, refLatencyMs)
	case HighestBandwidth:
		return higherIsBetter(m.BandwidthMbps, refBandwidthMbps)
	case LowestLoss:
		return lowerIsBetter(m.PacketLossPct, refLossPct)
	case LowestCost:
		return lowerIsBetter(m.Cost, refCost)
	case Custom:
		w := pref.Weights
		total := w.sum()
		if total <= 0 {
			return 0
		}
		score := w.Latency*lowerIsBetter(m.LatencyMs, refLatencyMs) +
			w.Jitter*lowerIsBetter(m.JitterMs, refJitterMs) +
			w.Loss*lowerIsBetter(m.PacketLossPct, refLossPct) +
			w.Bandwidth*higherIsBetter(m.BandwidthMbps, refBandwidthMbps) +
			w.Cost*lowerIsBetter(m.Cost, refCost)
		return clampScore(score / total)
	default:
		return 0
	}
}

// lowerIsBetter maps [0, inf) to (0, 100]: 100 at zero, 50 at ref.
func lowerIsBetter(v, ref float64) float64 {
	if v <= 0 {
		return 100
	}
	return clampScore(100 * ref / (ref + v))
}

// higherIsBetter maps [0, inf) to [0, 100): 0 at zero, 50 at ref.
func higherIsBetter(v, ref float64) float64 {
	if v <= 0 {
		return 0
	}
	return clampScore(100 * v / (ref + v))
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
