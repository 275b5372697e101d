// Package probe measures overlay paths and turns the measurements into
// model.ProbeResult values for health scoring.
package probe

import (
	"context"
	"fmt"
	"time"

	"overlay-wan/pkg/model"
)

// Kind selects the prober used for a target.
type Kind string

const (
	KindPing      Kind = "ping"
	KindWireGuard Kind = "wireguard"
	KindStatic    Kind = "static"
)

const (
	DefaultCount   = 5
	DefaultTimeout = time.Second
)

// Target describes how to reach the far end of one path.
type Target struct {
	PathID model.PathID `json:"path_id" yaml:"path_id"`
	Kind   Kind         `json:"kind" yaml:"kind"`
	// Address is the overlay address pinged across the path.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	// Interface and PeerKey identify the WireGuard peer carrying the path.
	Interface string        `json:"interface,omitempty" yaml:"interface,omitempty"`
	PeerKey   string        `json:"peer_key,omitempty" yaml:"peer_key,omitempty"`
	Count     int           `json:"count,omitempty" yaml:"count,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WithDefaults fills a zero Count or Timeout.
func (t Target) WithDefaults() Target {
	if t.Count <= 0 {
		t.Count = DefaultCount
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	return t
}

// Validate checks the fields the target's kind needs.
func (t Target) Validate() error {
	switch t.Kind {
	case KindPing:
		if t.Address == "" {
			return fmt.Errorf("path %d: ping target needs an address", t.PathID)
		}
	case KindWireGuard:
		if t.Interface == "" || t.PeerKey == "" {
			return fmt.Errorf("path %d: wireguard target needs interface and peer_key", t.PathID)
		}
	case KindStatic:
	default:
		return fmt.Errorf("path %d: unknown probe kind %q", t.PathID, t.Kind)
	}
	return nil
}

// Prober measures a single target. A prober that cannot reach the target
// returns an error; callers record that as a lost probe.
type Prober interface {
	Probe(ctx context.Context, t Target) (model.ProbeResult, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, t Target) (model.ProbeResult, error)

func (f ProberFunc) Probe(ctx context.Context, t Target) (model.ProbeResult, error) {
	return f(ctx, t)
}
