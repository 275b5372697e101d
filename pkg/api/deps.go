package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"overlay-wan/pkg/auth"
	"overlay-wan/pkg/monitor"
	"overlay-wan/pkg/store"
)

// Deps is everything the HTTP handlers need. Monitor is required.
type Deps struct {
	Monitor *monitor.Monitor
	// Store is only used for the readiness check.
	Store store.Store
	Hub   *EventHub
	// Token is the static bearer token. Empty with a nil Signer disables auth.
	Token  string
	Signer *auth.Signer
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}
