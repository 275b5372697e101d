package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"overlay-wan/pkg/auth"
)

const (
	defaultTokenTTL = 24 * time.Hour
	maxTokenTTL     = 30 * 24 * time.Hour
)

type tokenRequest struct {
	Subject string    `json:"subject"`
	Role    auth.Role `json:"role"`
	TTL     string    `json:"ttl,omitempty"`
}

// authorizer resolves the caller's role from the request credentials.
type authorizer struct {
	token  string
	signer *auth.Signer
}

func (a authorizer) disabled() bool {
	return a.token == "" && a.signer == nil
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("X-Auth-Token"); h != "" {
		return h
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	// browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("token")
}

// role returns the caller's role, or false when the request is not authenticated.
func (a authorizer) role(r *http.Request) (auth.Role, bool) {
	if a.disabled() {
		return auth.RoleOperator, true
	}
	tok := bearer(r)
	if tok == "" {
		return "", false
	}
	if a.token != "" && tok == a.token {
		return auth.RoleOperator, true
	}
	if a.signer != nil {
		if claims, err := a.signer.Parse(tok); err == nil {
			return claims.Role, true
		}
	}
	return "", false
}

func (a authorizer) isStatic(r *http.Request) bool {
	return a.token != "" && bearer(r) == a.token
}

// read wraps handlers that any authenticated caller may use.
func (a authorizer) read(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := a.role(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// write wraps handlers that change state. GETs only need read access.
func (a authorizer) write(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role, ok := a.role(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet && !role.CanWrite() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// handleIssueToken mints an operator JWT. Only the static token may call it.
func (s *server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.auth.signer == nil {
		http.Error(w, "jwt not configured", http.StatusNotImplemented)
		return
	}
	if !s.auth.isStatic(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleViewer
	}
	if req.Role != auth.RoleViewer && req.Role != auth.RoleOperator {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	ttl := defaultTokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 || d > maxTokenTTL {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = d
	}
	token, err := s.auth.signer.Generate(req.Subject, req.Role, ttl)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
