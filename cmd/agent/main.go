package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"overlay-wan/pkg/agent"
	"overlay-wan/pkg/config"
	"overlay-wan/pkg/logging"
	"overlay-wan/pkg/probe"
	"overlay-wan/pkg/version"
)

func main() {
	defaultController := os.Getenv("CONTROLLER_ADDR")

	cfgPath := flag.String("config", "/etc/overlay-wan/config.yaml", "path to the YAML config")
	controller := flag.String("controller", defaultController, "controller base URL (overrides agent.controller, env CONTROLLER_ADDR)")
	token := flag.String("token", "", "auth token (overrides agent.token)")
	interval := flag.Duration("interval", 0, "report interval (overrides agent.interval)")
	once := flag.Bool("once", false, "run a single probe round and exit")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agent version", version.String())
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *controller != "" {
		cfg.Agent.Controller = *controller
	}
	if *token != "" {
		cfg.Agent.Token = *token
	}
	if *interval > 0 {
		cfg.Agent.Interval = *interval
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	endpoint, err := cfg.AgentEndpoint()
	if err != nil {
		log.Fatal("agent config", zap.Error(err))
	}
	client, err := agent.BuildHTTPClient(cfg.Agent.CAFile, cfg.Agent.ClientCert, cfg.Agent.ClientKey, cfg.Agent.Insecure)
	if err != nil {
		log.Fatal("http client build failed", zap.Error(err))
	}

	ping := probe.NewPingProber()
	dispatcher := probe.NewDispatcher(log).
		Register(probe.KindPing, ping).
		Register(probe.KindStatic, probe.NewStaticProber())
	if wg, wgClient, err := probe.NewWireGuardProber(ping); err != nil {
		log.Warn("wireguard probing unavailable", zap.Error(err))
	} else {
		defer wgClient.Close()
		dispatcher.Register(probe.KindWireGuard, wg)
	}

	reporter, err := agent.NewReporter(agent.Options{
		Name:       cfg.Agent.Name,
		Controller: endpoint,
		Token:      cfg.Agent.Token,
		Client:     client,
		Prober:     dispatcher,
		Targets:    cfg.Targets(cfg.Agent.Paths),
		Logger:     log,
	})
	if err != nil {
		log.Fatal("agent setup", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		resp, err := reporter.Round(ctx)
		if err != nil {
			log.Fatal("report failed", zap.Error(err))
		}
		for _, h := range resp.Accepted {
			log.Info("path", zap.Uint32("path", uint32(h.PathID)), zap.String("status", h.Status),
				zap.Float64("score", h.Score))
		}
		return
	}
	if err := reporter.Run(ctx, cfg.Agent.Interval); err != nil {
		log.Fatal("agent stopped", zap.Error(err))
	}
}
