package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"overlay-wan/pkg/model"
	"overlay-wan/pkg/monitor"
	"overlay-wan/pkg/routing"
	"overlay-wan/pkg/store"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

func (s *server) handleProbes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var report model.ProbeReport
	if err := decodeJSON(w, r, &report); err != nil || len(report.Results) == 0 {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	resp := model.ProbeResponse{}
	var storeErrs error
	for _, pr := range report.Results {
		h, err := s.mon.RecordProbe(pr.PathID, pr.ProbeResult)
		switch {
		case err == nil:
			resp.Accepted = append(resp.Accepted, h.Ack())
		case errors.Is(err, monitor.ErrInvalidProbe):
			if resp.Rejected == nil {
				resp.Rejected = map[string]string{}
			}
			resp.Rejected[pr.PathID.String()] = err.Error()
		default:
			// scored and cached, only the history write failed
			resp.Accepted = append(resp.Accepted, h.Ack())
			storeErrs = multierr.Append(storeErrs, err)
		}
	}
	if storeErrs != nil {
		s.log.Warn("probe metrics not stored", zap.String("agent", report.Agent), zap.Error(storeErrs))
	}
	code := http.StatusOK
	if len(resp.Accepted) == 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}

func (s *server) handlePaths(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.mon.Paths())
}

// handleHistory serves stored metrics for ?path_id=N&since=1h (default the
// whole retention window).
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	id, err := strconv.ParseUint(q.Get("path_id"), 10, 32)
	if err != nil {
		http.Error(w, "path_id is required", http.StatusBadRequest)
		return
	}
	window := store.MetricsRetention
	if v := q.Get("since"); v != "" {
		window, err = time.ParseDuration(v)
		if err != nil || window <= 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
	}
	hist, err := s.mon.History(model.PathID(id), time.Now().Add(-window))
	if err != nil {
		s.fail(w, "failed to read history", err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := s.mon.Events(q.Get("policy_id"), limit)
	if err != nil {
		s.fail(w, "failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleSteer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var flow routing.Flow
	if err := decodeJSON(w, r, &flow); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if flow.Protocol != "" {
		p, err := routing.ParseProtocol(string(flow.Protocol))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flow.Protocol = p
	}
	d, err := s.mon.Steer(flow)
	if err != nil {
		s.fail(w, "no path", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
