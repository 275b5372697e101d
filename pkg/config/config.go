// Package config loads the controller and agent YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/health"
	"overlay-wan/pkg/model"
	"overlay-wan/pkg/probe"
	"overlay-wan/pkg/routing"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultListen        = ":8080"
	DefaultStoreBackend  = "sqlite"
	DefaultSQLitePath    = "/var/lib/overlay-wan/state.db"
	DefaultProbeInterval = 5 * time.Second
	DefaultEvalInterval  = 30 * time.Second
	DefaultCacheSize     = 4096
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
)

// Environment overrides.
const (
	EnvToken     = "OVERLAY_WAN_TOKEN"
	EnvJWTSecret = "JWT_SECRET"
	EnvMySQLDSN  = "MYSQL_DSN"
)

// Config is the top-level configuration shared by controller and agent.
type Config struct {
	Controller ControllerConfig  `yaml:"controller"`
	Agent      AgentConfig       `yaml:"agent"`
	Store      StoreConfig       `yaml:"store"`
	Monitor    MonitorConfig     `yaml:"monitor"`
	Thresholds health.Thresholds `yaml:"thresholds"`
	Paths      []PathConfig      `yaml:"paths"`
	Policies   []failover.Policy `yaml:"policies"`
	Routing    RoutingConfig     `yaml:"routing"`
	Log        LogConfig         `yaml:"log"`
}

// ControllerConfig holds the API server settings.
type ControllerConfig struct {
	Listen string `yaml:"listen"`
	// Token is a static bearer token accepted by the API. Empty disables it.
	Token string `yaml:"token"`
	// JWTSecret enables operator JWTs when set.
	JWTSecret string `yaml:"jwt_secret"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
	// ClientCA, when set, requires client certificates signed by it.
	ClientCA string `yaml:"client_ca"`
}

// AgentConfig holds the probe agent settings.
type AgentConfig struct {
	// Controller is the base URL of the controller API.
	Controller string        `yaml:"controller"`
	Token      string        `yaml:"token"`
	Interval   time.Duration `yaml:"interval"`
	// Paths limits the agent to these path ids. Empty means every path.
	Paths []model.PathID `yaml:"paths"`
	// Name identifies the agent in reports. Defaults to the hostname.
	Name       string `yaml:"name"`
	CAFile     string `yaml:"ca_file"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	Insecure   bool   `yaml:"insecure"`
}

// StoreConfig selects the persistence backend: memory | sqlite | mysql | consul.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the MySQL data source name.
	DSN string `yaml:"dsn"`
	// ConsulAddr is the Consul agent address.
	ConsulAddr string `yaml:"consul_addr"`
}

// MonitorConfig sets the control loop cadence.
type MonitorConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	EvalInterval  time.Duration `yaml:"eval_interval"`
	// StaleAfter expires path results that were not refreshed in time.
	// Zero means three probe intervals.
	StaleAfter time.Duration `yaml:"stale_after"`
	CacheSize  int           `yaml:"cache_size"`
}

// PathConfig is one inventory entry plus how to probe it.
type PathConfig struct {
	model.Path `yaml:",inline"`
	Probe      probe.Target `yaml:"probe"`
}

// RoutingConfig holds the steering policies.
type RoutingConfig struct {
	Default  routing.Preference `yaml:"default"`
	Policies []routing.Policy   `yaml:"policies"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the YAML config file at path. A .env file next to
// it, if present, is loaded first so that environment overrides apply.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes the same way Load does.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyEnv(cfg)
	normalize(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Controller: ControllerConfig{Listen: DefaultListen},
		Agent:      AgentConfig{Interval: DefaultProbeInterval},
		Store:      StoreConfig{Backend: DefaultStoreBackend, Path: DefaultSQLitePath},
		Monitor: MonitorConfig{
			ProbeInterval: DefaultProbeInterval,
			EvalInterval:  DefaultEvalInterval,
			CacheSize:     DefaultCacheSize,
		},
		Thresholds: health.DefaultThresholds(),
		Routing:    RoutingConfig{Default: routing.Preference{Kind: routing.LowestLatency}},
		Log:        LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Controller.Token = v
		if cfg.Agent.Token == "" {
			cfg.Agent.Token = v
		}
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Controller.JWTSecret = v
	}
	if v := os.Getenv(EnvMySQLDSN); v != "" && cfg.Store.DSN == "" {
		cfg.Store.DSN = v
	}
}

func normalize(cfg *Config) {
	for i := range cfg.Paths {
		p := &cfg.Paths[i]
		p.Probe.PathID = p.ID
		if p.Probe.Kind == "" {
			p.Probe.Kind = probe.KindPing
		}
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Monitor.ProbeInterval <= 0 {
		return fmt.Errorf("monitor.probe_interval must be positive")
	}
	if cfg.Monitor.EvalInterval <= 0 {
		return fmt.Errorf("monitor.eval_interval must be positive")
	}
	if cfg.Monitor.StaleAfter < 0 {
		return fmt.Errorf("monitor.stale_after must not be negative")
	}
	if cfg.Monitor.StaleAfter > 0 && cfg.Monitor.StaleAfter < cfg.Monitor.ProbeInterval {
		return fmt.Errorf("monitor.stale_after %s is shorter than probe_interval %s",
			cfg.Monitor.StaleAfter, cfg.Monitor.ProbeInterval)
	}
	if cfg.Agent.Interval <= 0 {
		return fmt.Errorf("agent.interval must be positive")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	switch cfg.Store.Backend {
	case "memory", "consul":
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "mysql":
	default:
		return fmt.Errorf("store.backend %q: want memory, sqlite, mysql or consul", cfg.Store.Backend)
	}
	if (cfg.Controller.TLSCert == "") != (cfg.Controller.TLSKey == "") {
		return fmt.Errorf("controller.tls_cert and controller.tls_key must be set together")
	}
	if cfg.Controller.ClientCA != "" && cfg.Controller.TLSCert == "" {
		return fmt.Errorf("controller.client_ca requires tls_cert and tls_key")
	}

	paths := make(map[model.PathID]bool, len(cfg.Paths))
	for _, p := range cfg.Paths {
		if p.ID == 0 {
			return fmt.Errorf("paths: id is required (name %q)", p.Name)
		}
		if paths[p.ID] {
			return fmt.Errorf("paths: duplicate id %d", p.ID)
		}
		paths[p.ID] = true
		if err := p.Probe.Validate(); err != nil {
			return fmt.Errorf("paths: %w", err)
		}
	}

	ids := make(map[string]bool, len(cfg.Policies))
	for _, pol := range cfg.Policies {
		if pol.ID == "" {
			return fmt.Errorf("policies: id is required (name %q)", pol.Name)
		}
		if ids[pol.ID] {
			return fmt.Errorf("policies: duplicate id %q", pol.ID)
		}
		ids[pol.ID] = true
		if err := pol.Validate(); err != nil {
			return fmt.Errorf("policies: %w", err)
		}
		if len(paths) == 0 {
			continue
		}
		for _, id := range pol.Paths() {
			if !paths[id] {
				return fmt.Errorf("policies: %q references unknown path %d", pol.ID, id)
			}
		}
	}

	if err := cfg.Routing.Default.Validate(); err != nil {
		return fmt.Errorf("routing.default: %w", err)
	}
	for _, rp := range cfg.Routing.Policies {
		if err := rp.Validate(); err != nil {
			return fmt.Errorf("routing: %w", err)
		}
	}
	return nil
}

// Inventory returns the static path attributes.
func (c *Config) Inventory() []model.Path {
	out := make([]model.Path, 0, len(c.Paths))
	for _, p := range c.Paths {
		out = append(out, p.Path)
	}
	return out
}

// Targets returns the probe targets, restricted to only when it is non-empty.
func (c *Config) Targets(only []model.PathID) []probe.Target {
	keep := make(map[model.PathID]bool, len(only))
	for _, id := range only {
		keep[id] = true
	}
	out := make([]probe.Target, 0, len(c.Paths))
	for _, p := range c.Paths {
		if len(keep) > 0 && !keep[p.ID] {
			continue
		}
		out = append(out, p.Probe)
	}
	return out
}

// ErrNoController is returned by AgentEndpoint when no controller URL is set.
var ErrNoController = errors.New("agent.controller is required")

// AgentEndpoint is the controller URL the agent reports to.
func (c *Config) AgentEndpoint() (string, error) {
	if c.Agent.Controller == "" {
		return "", ErrNoController
	}
	return c.Agent.Controller, nil
}
