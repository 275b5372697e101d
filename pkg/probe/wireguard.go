package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"overlay-wan/pkg/model"
)

// DefaultHandshakeStale is how old a WireGuard handshake may be before the
// peer is considered gone. WireGuard rekeys every two minutes under traffic
// and gives up after three.
const DefaultHandshakeStale = 3 * time.Minute

// DeviceReader is the part of *wgctrl.Client the prober needs.
type DeviceReader interface {
	Device(name string) (*wgtypes.Device, error)
}

// WireGuardProber checks the tunnel under a path through the kernel's peer
// table. A stale handshake is reported as total loss. When the handshake is
// fresh and Inner is set, Inner supplies the latency figures (usually a
// ping across the tunnel).
type WireGuardProber struct {
	Devices    DeviceReader
	Inner      Prober
	StaleAfter time.Duration
	Clock      clock.Clock
}

// NewWireGuardProber opens a wgctrl client. The caller closes it.
func NewWireGuardProber(inner Prober) (*WireGuardProber, *wgctrl.Client, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, nil, fmt.Errorf("open wgctrl: %w", err)
	}
	return &WireGuardProber{Devices: c, Inner: inner, StaleAfter: DefaultHandshakeStale, Clock: clock.New()}, c, nil
}

func (w *WireGuardProber) Probe(ctx context.Context, t Target) (model.ProbeResult, error) {
	t = t.WithDefaults()
	key, err := wgtypes.ParseKey(t.PeerKey)
	if err != nil {
		return model.LostProbe(t.Count, t.Timeout), fmt.Errorf("path %d: peer key: %w", t.PathID, err)
	}
	dev, err := w.Devices.Device(t.Interface)
	if err != nil {
		return model.LostProbe(t.Count, t.Timeout), fmt.Errorf("wireguard device %s: %w", t.Interface, err)
	}
	var peer *wgtypes.Peer
	for i := range dev.Peers {
		if dev.Peers[i].PublicKey == key {
			peer = &dev.Peers[i]
			break
		}
	}
	if peer == nil {
		return model.LostProbe(t.Count, t.Timeout), fmt.Errorf("wireguard device %s has no peer %s", t.Interface, t.PeerKey)
	}

	clk := w.Clock
	if clk == nil {
		clk = clock.New()
	}
	stale := w.StaleAfter
	if stale <= 0 {
		stale = DefaultHandshakeStale
	}
	if peer.LastHandshakeTime.IsZero() || clk.Since(peer.LastHandshakeTime) > stale {
		return model.LostProbe(t.Count, t.Timeout), nil
	}
	if w.Inner == nil || t.Address == "" {
		return model.ProbeResult{ProbesSent: 1, ProbesReceived: 1}, nil
	}
	return w.Inner.Probe(ctx, t)
}
