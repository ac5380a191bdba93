// Package exchangeconn holds the exchange-connector layer: the Registry
// that resolves a connector per (user, exchange), the
// websocket-backed reference adapter (refexchange), and the in-process
// mock adapter (mockconn) used by integration tests and the dev profile.
package exchangeconn

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"dcaengine/internal/core"
	"dcaengine/internal/ordersvc"
	apperrors "dcaengine/pkg/errors"
)

// Registry implements core.ConnectorFactory over a fixed set of named
// adapters, and hands out per-(user, exchange) Order Service sessions.
// Adapters are shared across users, holding no state beyond an HTTP
// client and a precision cache, while Order Service sessions are cached per key so
// each (user, exchange) pair funnels through one rate limiter.
type Registry struct {
	mu         sync.Mutex
	connectors map[string]core.IExchangeConnector
	sessions   map[string]*ordersvc.Service
	orders     core.IDCAOrderStore
	pyramids   core.IPyramidStore
	svcConfig  ordersvc.Config
	logger     core.ILogger
}

// NewRegistry builds a Registry over the given adapters (keyed by
// exchange name).
func NewRegistry(connectors map[string]core.IExchangeConnector, orders core.IDCAOrderStore, pyramids core.IPyramidStore, svcConfig ordersvc.Config, logger core.ILogger) *Registry {
	return &Registry{
		connectors: connectors,
		sessions:   make(map[string]*ordersvc.Service),
		orders:     orders,
		pyramids:   pyramids,
		svcConfig:  svcConfig,
		logger:     logger,
	}
}

// Connector implements core.ConnectorFactory.
func (r *Registry) Connector(ctx context.Context, userID uuid.UUID, exchange string) (core.IExchangeConnector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connectors[exchange]
	if !ok {
		return nil, &apperrors.ExchangeConfigError{Exchange: exchange, Reason: "no adapter configured"}
	}
	return conn, nil
}

// OrderService implements the OrderServiceFactory interfaces of
// internal/router, internal/positioncreator, internal/fillmonitor and
// internal/riskengine.
func (r *Registry) OrderService(ctx context.Context, userID, exchange string) (*ordersvc.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userID + "|" + exchange
	if svc, ok := r.sessions[key]; ok {
		return svc, nil
	}
	conn, ok := r.connectors[exchange]
	if !ok {
		return nil, &apperrors.ExchangeConfigError{Exchange: exchange, Reason: "no adapter configured"}
	}
	svc := ordersvc.New(conn, r.orders, r.pyramids, r.svcConfig, r.logger)
	r.sessions[key] = svc
	return svc, nil
}
