//go:build consul

package store

import (
	"go.uber.org/zap"

	"overlay-wan/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr string, log *zap.Logger) (Store, error) {
	return consul.NewStore(addr, log)
}
