package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"overlay-wan/pkg/api"
	"overlay-wan/pkg/auth"
	"overlay-wan/pkg/config"
	"overlay-wan/pkg/db"
	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/logging"
	"overlay-wan/pkg/monitor"
	"overlay-wan/pkg/probe"
	"overlay-wan/pkg/routing"
	"overlay-wan/pkg/store"
	"overlay-wan/pkg/version"
)

func main() {
	cfgPath := flag.String("config", "/etc/overlay-wan/config.yaml", "path to the YAML config")
	addr := flag.String("addr", "", "listen address (overrides controller.listen)")
	storeType := flag.String("store", "", "store backend: memory|sqlite|mysql|consul (consul requires build tag consul)")
	logLevel := flag.String("log-level", "", "log level (overrides log.level)")
	watch := flag.Bool("watch", true, "reload thresholds, paths and policies when the config file changes")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("controller version", version.String())
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Controller.Listen = *addr
	}
	if *storeType != "" {
		cfg.Store.Backend = *storeType
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var watchPath string
	if *watch {
		watchPath = *cfgPath
	}
	if err := run(ctx, cfg, watchPath, log); err != nil {
		log.Fatal("controller stopped", zap.Error(err))
	}
	log.Info("controller stopped")
}

func run(ctx context.Context, cfg *config.Config, watchPath string, log *zap.Logger) error {
	st, err := openStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dispatcher, closeProbers := newDispatcher(log)
	defer closeProbers()

	selector, err := routing.NewSelector(cfg.Routing.Policies, cfg.Routing.Default, log.Named("routing"))
	if err != nil {
		return err
	}

	hub := api.NewEventHub(log)
	defer hub.Close()

	mon, err := monitor.New(monitor.Options{
		Store:         st,
		Engine:        failover.NewEngine(clock.New(), log.Named("failover")),
		Prober:        dispatcher,
		Selector:      selector,
		Thresholds:    cfg.Thresholds,
		Paths:         cfg.Inventory(),
		Targets:       localTargets(cfg),
		ProbeInterval: cfg.Monitor.ProbeInterval,
		EvalInterval:  cfg.Monitor.EvalInterval,
		StaleAfter:    cfg.Monitor.StaleAfter,
		CacheSize:     cfg.Monitor.CacheSize,
		Metrics:       monitor.NewMetrics(reg),
		Logger:        log,
		OnEvent:       hub.Publish,
	})
	if err != nil {
		return err
	}
	defer mon.Close()
	if err := mon.Load(); err != nil {
		return err
	}
	applyPolicies(mon, cfg.Policies, log)

	var signer *auth.Signer
	if cfg.Controller.JWTSecret != "" {
		if signer, err = auth.NewSigner(cfg.Controller.JWTSecret); err != nil {
			return err
		}
	}
	if cfg.Controller.Token == "" && signer == nil {
		log.Warn("API authentication disabled; set controller.token or jwt_secret")
	}

	mux := http.NewServeMux()
	if err := api.RegisterRoutes(mux, api.Deps{
		Monitor:  mon,
		Store:    st,
		Hub:      hub,
		Token:    cfg.Controller.Token,
		Signer:   signer,
		Gatherer: reg,
		Logger:   log,
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error {
		return api.Serve(gctx, mux, api.ServeOptions{
			Addr:     cfg.Controller.Listen,
			CertFile: cfg.Controller.TLSCert,
			KeyFile:  cfg.Controller.TLSKey,
			ClientCA: cfg.Controller.ClientCA,
			Logger:   log,
		})
	})
	if watchPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, watchPath, log, func(next *config.Config) {
				reload(mon, selector, next, log)
			})
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(c config.StoreConfig, log *zap.Logger) (store.Store, error) {
	switch c.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
			return nil, err
		}
		return store.OpenSQLite(c.Path, log)
	case "mysql":
		gdb, err := db.Open(c.DSN)
		if err != nil {
			return nil, err
		}
		return db.NewStore(gdb), nil
	case "consul":
		return store.NewConsulStore(c.ConsulAddr, log)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", c.Backend)
	}
}

// newDispatcher registers ping and, when the kernel interface is reachable,
// wireguard handshake probing.
func newDispatcher(log *zap.Logger) (*probe.Dispatcher, func()) {
	ping := probe.NewPingProber()
	d := probe.NewDispatcher(log).Register(probe.KindPing, ping)
	wg, client, err := probe.NewWireGuardProber(ping)
	if err != nil {
		log.Warn("wireguard probing unavailable", zap.Error(err))
		return d, func() {}
	}
	d.Register(probe.KindWireGuard, wg)
	return d, func() { _ = client.Close() }
}

// localTargets are the paths the controller probes itself. Static paths are
// measured by agents and arrive through the probes API.
func localTargets(cfg *config.Config) []probe.Target {
	all := cfg.Targets(nil)
	out := all[:0]
	for _, t := range all {
		if t.Kind != probe.KindStatic {
			out = append(out, t)
		}
	}
	return out
}

func applyPolicies(mon *monitor.Monitor, policies []failover.Policy, log *zap.Logger) {
	for _, p := range policies {
		if _, err := mon.UpsertPolicy(p); err != nil {
			if errors.Is(err, monitor.ErrPersist) {
				log.Warn("policy applied, event queued", zap.String("policy", p.ID), zap.Error(err))
				continue
			}
			log.Error("apply policy", zap.String("policy", p.ID), zap.Error(err))
		}
	}
}

func reload(mon *monitor.Monitor, selector *routing.Selector, cfg *config.Config, log *zap.Logger) {
	if err := mon.SetThresholds(cfg.Thresholds); err != nil {
		log.Error("reload thresholds", zap.Error(err))
	}
	mon.SetPaths(cfg.Inventory(), localTargets(cfg))
	if err := selector.SetPolicies(cfg.Routing.Policies); err != nil {
		log.Error("reload routing policies", zap.Error(err))
	}
	applyPolicies(mon, cfg.Policies, log)
	log.Info("config applied", zap.Int("paths", len(cfg.Paths)), zap.Int("policies", len(cfg.Policies)),
		zap.Int("routing_policies", len(cfg.Routing.Policies)))
}
