package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"overlay-wan/pkg/model"
)

const linuxPing = `PING 10.255.0.2 (10.255.0.2) 56(84) bytes of data.

--- 10.255.0.2 ping statistics ---
5 packets transmitted, 4 received, 20% packet loss, time 812ms
rtt min/avg/max/mdev = 11.208/14.532/19.004/2.871 ms
`

const bsdPing = `PING 10.255.0.2 (10.255.0.2): 56 data bytes

--- 10.255.0.2 ping statistics ---
3 packets transmitted, 3 packets received, 0.0% packet loss
round-trip min/avg/max/stddev = 20.100/22.400/25.900/2.300 ms
`

const deadPing = `PING 10.255.0.9 (10.255.0.9) 56(84) bytes of data.

--- 10.255.0.9 ping statistics ---
5 packets transmitted, 0 received, 100% packet loss, time 4098ms
`

func TestParsePing(t *testing.T) {
	tgt := Target{Timeout: time.Second}

	res, err := parsePing(linuxPing, tgt)
	require.NoError(t, err)
	assert.Equal(t, model.ProbeResult{LatencyMs: 14.532, PacketLossPct: 20, JitterMs: 2.871, ProbesSent: 5, ProbesReceived: 4}, res)

	res, err = parsePing(bsdPing, tgt)
	require.NoError(t, err)
	assert.Equal(t, 22.4, res.LatencyMs)
	assert.Equal(t, 2.3, res.JitterMs)
	assert.Equal(t, 0.0, res.PacketLossPct)

	res, err = parsePing(deadPing, tgt)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.PacketLossPct)
	assert.Equal(t, 1000.0, res.LatencyMs)
	assert.Equal(t, 5, res.ProbesSent)

	_, err = parsePing("ping: unknown host", tgt)
	assert.ErrorIs(t, err, ErrNoPingOutput)
}

func TestPingProber(t *testing.T) {
	var gotArgs []string
	p := &PingProber{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(deadPing), errors.New("exit status 1")
	}}

	res, err := p.Probe(context.Background(), Target{PathID: 7, Kind: KindPing, Address: "10.255.0.9", Count: 5})
	require.NoError(t, err, "total loss is a measurement, not an error")
	assert.Equal(t, 100.0, res.PacketLossPct)
	assert.Equal(t, "ping", gotArgs[0])
	assert.Equal(t, "10.255.0.9", gotArgs[len(gotArgs)-1])
	assert.Contains(t, gotArgs, "5")

	p.Run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("ping: socket: Operation not permitted"), errors.New("exit status 2")
	}
	res, err = p.Probe(context.Background(), Target{PathID: 7, Kind: KindPing, Address: "10.255.0.9"})
	assert.Error(t, err)
	assert.Equal(t, model.LostProbe(DefaultCount, DefaultTimeout), res)
}

func TestTarget_Validate(t *testing.T) {
	assert.NoError(t, Target{Kind: KindPing, Address: "10.0.0.1"}.Validate())
	assert.NoError(t, Target{Kind: KindStatic}.Validate())
	assert.Error(t, Target{Kind: KindPing}.Validate())
	assert.Error(t, Target{Kind: KindWireGuard, Interface: "wg0"}.Validate())
	assert.Error(t, Target{Kind: "snmp"}.Validate())
}

type fakeDevices map[string]*wgtypes.Device

func (f fakeDevices) Device(name string) (*wgtypes.Device, error) {
	d, ok := f[name]
	if !ok {
		return nil, errors.New("no such device")
	}
	return d, nil
}

func TestWireGuardProber(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peerKey := priv.PublicKey()

	clk := clock.NewMock()
	clk.Add(time.Hour)
	dev := &wgtypes.Device{Name: "wg0", Peers: []wgtypes.Peer{{PublicKey: peerKey, LastHandshakeTime: clk.Now().Add(-30 * time.Second)}}}

	inner := NewStaticProber()
	inner.Set(3, model.ProbeResult{LatencyMs: 18, ProbesSent: 5, ProbesReceived: 5})
	w := &WireGuardProber{Devices: fakeDevices{"wg0": dev}, Inner: inner, StaleAfter: time.Minute, Clock: clk}
	tgt := Target{PathID: 3, Kind: KindWireGuard, Interface: "wg0", PeerKey: peerKey.String(), Address: "10.255.0.3"}

	res, err := w.Probe(context.Background(), tgt)
	require.NoError(t, err)
	assert.Equal(t, 18.0, res.LatencyMs)

	clk.Add(31 * time.Second)
	res, err = w.Probe(context.Background(), tgt)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.PacketLossPct, "stale handshake")

	tgt.Interface = "wg1"
	_, err = w.Probe(context.Background(), tgt)
	assert.Error(t, err)

	tgt.Interface = "wg0"
	tgt.PeerKey = "not-a-key"
	_, err = w.Probe(context.Background(), tgt)
	assert.Error(t, err)
}

func TestDispatcher_ProbeAll(t *testing.T) {
	static := NewStaticProber()
	static.Set(1, model.ProbeResult{LatencyMs: 10, ProbesSent: 5, ProbesReceived: 5})
	failing := ProberFunc(func(context.Context, Target) (model.ProbeResult, error) {
		return model.ProbeResult{LatencyMs: 1}, errors.New("boom")
	})
	d := NewDispatcher(nil).Register(KindStatic, static).Register(KindPing, failing)

	out, err := d.ProbeAll(context.Background(), []Target{
		{PathID: 1, Kind: KindStatic},
		{PathID: 2, Kind: KindStatic},
		{PathID: 3, Kind: KindPing, Address: "10.0.0.3", Timeout: 2 * time.Second},
		{PathID: 4, Kind: KindWireGuard},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, 10.0, out[1].LatencyMs)
	assert.Equal(t, 100.0, out[2].PacketLossPct, "no canned result")
	assert.Equal(t, model.LostProbe(DefaultCount, 2*time.Second), out[3])
	assert.Equal(t, 100.0, out[4].PacketLossPct, "no prober registered")
}

func TestDispatcher_ProbeAllCancelled(t *testing.T) {
	d := NewDispatcher(nil).Register(KindStatic, NewStaticProber())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.ProbeAll(ctx, []Target{{PathID: 1, Kind: KindStatic}})
	assert.ErrorIs(t, err, context.Canceled)
}
