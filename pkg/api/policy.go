package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/model"
	"overlay-wan/pkg/monitor"
	"overlay-wan/pkg/routing"
)

type enableRequest struct {
	PolicyID string `json:"policy_id"`
}

type activePath struct {
	PolicyID     string       `json:"policy_id"`
	ActivePathID model.PathID `json:"active_path_id"`
	UsingPrimary bool         `json:"using_primary"`
}

// httpStatus maps domain errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, failover.ErrInvalidPolicy), errors.Is(err, monitor.ErrInvalidProbe):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrUnknownPolicy):
		return http.StatusNotFound
	case errors.Is(err, routing.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, routing.ErrNoPath):
		return http.StatusServiceUnavailable
	case errors.Is(err, monitor.ErrNoSelector):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, msg string, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Error(msg, zap.Error(err))
	}
	http.Error(w, msg+": "+err.Error(), code)
}

// writeResult answers 202 when the change is live but its audit event is
// still waiting to be persisted.
func (s *server) writeResult(w http.ResponseWriter, v interface{}, err error, msg string) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, monitor.ErrPersist):
		s.log.Warn(msg+": event queued for retry", zap.Error(err))
		writeJSON(w, http.StatusAccepted, v)
	default:
		s.fail(w, msg, err)
	}
}

func (s *server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.mon.Snapshot())
	case http.MethodPost:
		var p failover.Policy
		if err := decodeJSON(w, r, &p); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		saved, err := s.mon.UpsertPolicy(p)
		s.writeResult(w, saved, err, "failed to save policy")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		st, ok := s.mon.Status(id)
		if !ok {
			http.Error(w, "policy not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case http.MethodDelete:
		if err := s.mon.DeletePolicy(id); err != nil {
			s.fail(w, "failed to delete policy", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req enableRequest
		if err := decodeJSON(w, r, &req); err != nil || req.PolicyID == "" {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		ev, err := s.mon.SetEnabled(req.PolicyID, enabled)
		if ev == nil && err == nil {
			// already in the requested state
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeResult(w, ev, err, "failed to toggle policy")
	}
}

func (s *server) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if id := r.URL.Query().Get("policy_id"); id != "" {
		st, ok := s.mon.Status(id)
		if !ok {
			http.Error(w, "policy not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, activeOf(st))
		return
	}
	snap := s.mon.Snapshot()
	out := make([]activePath, 0, len(snap))
	for _, st := range snap {
		out = append(out, activeOf(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func activeOf(st monitor.PolicyStatus) activePath {
	return activePath{
		PolicyID:     st.Policy.ID,
		ActivePathID: st.State.ActivePathID,
		UsingPrimary: st.State.UsingPrimary,
	}
}
