package config

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlay-wan/pkg/health"
	"overlay-wan/pkg/model"
	"overlay-wan/pkg/probe"
	"overlay-wan/pkg/routing"
)

const fullConfig = `
controller:
  listen: ":9443"
  token: static-token
store:
  backend: memory
monitor:
  probe_interval: 2s
  eval_interval: 10s
  stale_after: 20s
thresholds:
  max_latency_ms: 150
paths:
  - id: 1
    name: mpls
    bandwidth_mbps: 100
    mtu: 1500
    cost: 10
    probe:
      kind: ping
      address: 10.255.0.1
      count: 3
      timeout: 500ms
  - id: 2
    name: lte
    bandwidth_mbps: 40
    cost: 1
    probe:
      kind: static
policies:
  - id: hq
    name: hq-uplink
    primary_path_id: 1
    backup_path_ids: [2]
    failover_threshold: 50
    failback_threshold: 80
    failback_delay_secs: 60
    enabled: true
routing:
  default:
    kind: lowest_cost
  policies:
    - id: voice
      name: voice
      priority: 10
      match:
        protocol: udp
        dst_prefix: 10.20.0.0/16
        dst_ports: {start: 5060, end: 5061}
        dscp: 46
      action:
        kind: steer
        preference:
          kind: custom
          weights: {latency: 0.5, jitter: 0.3, loss: 0.2}
`

func loadFromString(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overlay-wan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return Load(path)
}

func TestLoad_Full(t *testing.T) {
	cfg, err := loadFromString(t, fullConfig)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Controller.Listen)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 2*time.Second, cfg.Monitor.ProbeInterval)
	assert.Equal(t, 10*time.Second, cfg.Monitor.EvalInterval)
	assert.Equal(t, 20*time.Second, cfg.Monitor.StaleAfter)

	// partial thresholds keep the other defaults
	assert.Equal(t, 150.0, cfg.Thresholds.MaxLatencyMs)
	assert.Equal(t, health.DefaultMaxPacketLossPct, cfg.Thresholds.MaxPacketLossPct)
	assert.Equal(t, health.DefaultLatencyWeight, cfg.Thresholds.LatencyWeight)

	require.Len(t, cfg.Paths, 2)
	assert.Equal(t, "mpls", cfg.Paths[0].Name)
	assert.Equal(t, 1500, cfg.Paths[0].MTU)
	assert.EqualValues(t, 1, cfg.Paths[0].Probe.PathID, "probe inherits the path id")
	assert.Equal(t, 500*time.Millisecond, cfg.Paths[0].Probe.Timeout)
	assert.Len(t, cfg.Inventory(), 2)
	assert.Len(t, cfg.Targets(nil), 2)
	only := cfg.Targets([]model.PathID{2})
	require.Len(t, only, 1)
	assert.Equal(t, probe.KindStatic, only[0].Kind)

	require.Len(t, cfg.Policies, 1)
	assert.Equal(t, "hq", cfg.Policies[0].ID)
	assert.EqualValues(t, 60, cfg.Policies[0].FailbackDelaySecs)

	assert.Equal(t, routing.LowestCost, cfg.Routing.Default.Kind)
	require.Len(t, cfg.Routing.Policies, 1)
	m := cfg.Routing.Policies[0].Match
	require.NotNil(t, m.Protocol)
	assert.Equal(t, routing.ProtocolUDP, *m.Protocol)
	require.NotNil(t, m.DstPrefix)
	assert.Equal(t, netip.MustParsePrefix("10.20.0.0/16"), *m.DstPrefix)
	assert.Equal(t, uint16(5061), m.DstPorts.End)
	assert.EqualValues(t, 46, *m.DSCP)
	assert.Equal(t, 0.5, cfg.Routing.Policies[0].Action.Preference.Weights.Latency)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadFromString(t, "controller:\n  listen: \":8081\"\n")
	require.NoError(t, err)
	assert.Equal(t, DefaultStoreBackend, cfg.Store.Backend)
	assert.Equal(t, DefaultSQLitePath, cfg.Store.Path)
	assert.Equal(t, DefaultProbeInterval, cfg.Monitor.ProbeInterval)
	assert.Equal(t, DefaultEvalInterval, cfg.Monitor.EvalInterval)
	assert.Equal(t, health.DefaultThresholds(), cfg.Thresholds)
	assert.Equal(t, routing.LowestLatency, cfg.Routing.Default.Kind)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)

	_, err = cfg.AgentEndpoint()
	assert.ErrorIs(t, err, ErrNoController)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":           "controller: [",
		"unknown backend":    "store:\n  backend: redis\n",
		"weights":            "thresholds:\n  latency_weight: 0.9\n",
		"zero interval":      "monitor:\n  eval_interval: 0s\n",
		"stale too short":    "monitor:\n  probe_interval: 5s\n  stale_after: 2s\n",
		"half tls":           "controller:\n  tls_cert: /etc/cert.pem\n",
		"duplicate path":     "paths:\n  - {id: 1, probe: {kind: static}}\n  - {id: 1, probe: {kind: static}}\n",
		"ping needs address": "paths:\n  - {id: 1}\n",
		"policy no id":       "policies:\n  - {name: x, primary_path_id: 1, backup_path_ids: [2], failover_threshold: 50, failback_threshold: 80}\n",
		"policy thresholds":  "policies:\n  - {id: a, name: x, primary_path_id: 1, backup_path_ids: [2], failover_threshold: 90, failback_threshold: 80}\n",
		"unknown path ref":   "paths:\n  - {id: 1, probe: {kind: static}}\n  - {id: 2, probe: {kind: static}}\npolicies:\n  - {id: a, name: x, primary_path_id: 1, backup_path_ids: [3], failover_threshold: 50, failback_threshold: 80}\n",
		"routing action":     "routing:\n  policies:\n    - {id: r, name: r, action: {kind: mirror}}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadFromString(t, body)
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_SECRET=from-dotenv\n"), 0o600))
	path := filepath.Join(dir, "overlay-wan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: mysql\n"), 0o644))
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvMySQLDSN, "u:p@tcp(db:3306)/wan")
	t.Setenv(EnvJWTSecret, "")
	os.Unsetenv(EnvJWTSecret)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Controller.Token)
	assert.Equal(t, "env-token", cfg.Agent.Token)
	assert.Equal(t, "u:p@tcp(db:3306)/wan", cfg.Store.DSN)
	assert.Equal(t, "from-dotenv", cfg.Controller.JWTSecret)
}

func startWatch(t *testing.T, path string, onChange func(*Config)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, onChange) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

// saveAtomically replaces path the way many editors do: write a sibling
// file, then rename it over the original.
func saveAtomically(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay-wan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  eval_interval: 10s\n"), 0o644))

	var reloaded atomic.Bool
	startWatch(t, path, func(c *Config) {
		if c.Monitor.EvalInterval == 20*time.Second {
			reloaded.Store(true)
		}
	})

	// rewrite until the watcher is up and has picked up the change
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("monitor:\n  eval_interval: 20s\n"), 0o644)
		return reloaded.Load()
	}, 5*time.Second, 250*time.Millisecond)
}

func TestWatch_SurvivesRenameSaves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay-wan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  eval_interval: 10s\n"), 0o644))

	var (
		last    atomic.Int64
		reloads atomic.Int32
	)
	startWatch(t, path, func(c *Config) {
		last.Store(int64(c.Monitor.EvalInterval))
		reloads.Add(1)
	})
	seen := func(d time.Duration) func() bool {
		return func() bool { return time.Duration(last.Load()) == d }
	}

	require.Eventually(t, func() bool {
		saveAtomically(t, path, "monitor:\n  eval_interval: 30s\n")
		return seen(30 * time.Second)()
	}, 5*time.Second, 250*time.Millisecond)

	// the replaced inode must not end the watch
	saveAtomically(t, path, "monitor:\n  eval_interval: 40s\n")
	require.Eventually(t, seen(40*time.Second), 5*time.Second, 20*time.Millisecond)

	// neighbours and broken saves are ignored
	n := reloads.Load()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))
	saveAtomically(t, path, "monitor:\n  eval_interval: 0s\n")
	time.Sleep(4 * reloadDebounce)
	assert.Equal(t, n, reloads.Load())
	assert.Equal(t, 40*time.Second, time.Duration(last.Load()))
}
