// Package api is the controller's HTTP surface: policy management, probe
// ingestion, path health, the failover audit log and steering decisions.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"overlay-wan/pkg/monitor"
	"overlay-wan/pkg/store"
	"overlay-wan/pkg/version"
)

type server struct {
	mon   *monitor.Monitor
	store store.Store
	hub   *EventHub
	auth  authorizer
	log   *zap.Logger
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) error {
	if d.Monitor == nil {
		return errors.New("api: monitor is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Hub == nil {
		d.Hub = NewEventHub(d.Logger)
	}
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if d.Gatherer != nil {
		gatherer = d.Gatherer
	}
	s := &server{
		mon:   d.Monitor,
		store: d.Store,
		hub:   d.Hub,
		auth:  authorizer{token: d.Token, signer: d.Signer},
		log:   d.Logger.Named("api"),
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("overlay-wan controller"))
	})
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.String()})
	})
	mux.HandleFunc("/api/v1/auth/token", s.handleIssueToken)

	mux.HandleFunc("/api/v1/policies", s.auth.write(s.handlePolicies))
	mux.HandleFunc("/api/v1/policies/{id}", s.auth.write(s.handlePolicy))
	mux.HandleFunc("/api/v1/policies/enable", s.auth.write(s.handleSetEnabled(true)))
	mux.HandleFunc("/api/v1/policies/disable", s.auth.write(s.handleSetEnabled(false)))
	mux.HandleFunc("/api/v1/policies/active", s.auth.read(s.handleActive))

	mux.HandleFunc("/api/v1/probes", s.auth.write(s.handleProbes))
	mux.HandleFunc("/api/v1/paths", s.auth.read(s.handlePaths))
	mux.HandleFunc("/api/v1/paths/history", s.auth.read(s.handleHistory))
	mux.HandleFunc("/api/v1/events", s.auth.read(s.handleEvents))
	mux.HandleFunc("/api/v1/steer", s.auth.read(s.handleSteer))
	mux.HandleFunc("/api/v1/ws/events", s.auth.read(s.hub.HandleEvents))
	return nil
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(); err != nil {
			s.log.Warn("store ping failed", zap.Error(err))
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to write response", zap.Error(err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

const maxBodyBytes = 1 << 20
