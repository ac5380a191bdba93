// Package mockconn is an in-process exchange connector used for
// integration-style tests of the engine. It simulates fills by
// comparing resting limit orders against a settable last-traded price.
package mockconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	apperrors "dcaengine/pkg/errors"
)

type order struct {
	id       string
	symbol   string
	side     core.OrderAction
	otype    core.ExchangeOrderType
	price    decimal.Decimal
	qty      decimal.Decimal
	status   core.OrderStatus
	filled   decimal.Decimal
	avgPrice decimal.Decimal
}

// MockConnector is a deterministic, goroutine-safe fake of
// core.IExchangeConnector.
type MockConnector struct {
	name string

	mu         sync.Mutex
	orders     map[string]*order
	prices     map[string]decimal.Decimal
	precision  map[string]core.SymbolPrecision
	balance    map[string]decimal.Decimal
	nextID     int64
	rejectNext bool
}

// NewMockConnector builds a mock connector with a starting USDT balance
// of 10,000.
func NewMockConnector(name string) *MockConnector {
	return &MockConnector{
		name:      name,
		orders:    make(map[string]*order),
		prices:    make(map[string]decimal.Decimal),
		precision: make(map[string]core.SymbolPrecision),
		balance: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(10000),
		},
		nextID: 1000,
	}
}

// SetPrice sets the simulated last-traded price for symbol and resolves
// any resting limit order whose price has been crossed.
func (m *MockConnector) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	for _, o := range m.orders {
		if o.symbol != symbol || o.status.IsTerminal() {
			continue
		}
		m.tryFillLocked(o, price)
	}
}

// SetPrecision registers the exchange-legal quantization for a symbol.
func (m *MockConnector) SetPrecision(symbol string, p core.SymbolPrecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.precision[symbol] = p
}

// RejectNextOrder forces the next PlaceOrder call to return an APIError,
// used to exercise Position Creator's failure path.
func (m *MockConnector) RejectNextOrder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = true
}

func (m *MockConnector) Name() string { return m.name }

func (m *MockConnector) GetPrecisionRules(ctx context.Context) (map[string]core.SymbolPrecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.SymbolPrecision, len(m.precision))
	for k, v := range m.precision {
		out[k] = v
	}
	return out, nil
}

func (m *MockConnector) PlaceOrder(ctx context.Context, symbol string, side core.OrderAction, otype core.ExchangeOrderType, quantity decimal.Decimal, price *decimal.Decimal) (core.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rejectNext {
		m.rejectNext = false
		return core.ExchangeOrder{}, &apperrors.APIError{StatusCode: 400, Message: "insufficient balance"}
	}

	m.nextID++
	id := fmt.Sprintf("%s-%d", m.name, m.nextID)
	o := &order{
		id:     id,
		symbol: symbol,
		side:   side,
		otype:  otype,
		qty:    quantity,
		status: core.OrderStatusOpen,
	}
	if price != nil {
		o.price = *price
	}
	m.orders[id] = o

	if otype == core.ExchangeOrderMarket {
		last, ok := m.prices[symbol]
		if !ok {
			last = o.price
		}
		o.avgPrice = last
		o.filled = quantity
		o.status = core.OrderStatusFilled
	} else if last, ok := m.prices[symbol]; ok {
		m.tryFillLocked(o, last)
	}

	return toExchangeOrder(o), nil
}

// tryFillLocked must be called with m.mu held.
func (m *MockConnector) tryFillLocked(o *order, last decimal.Decimal) {
	crossed := false
	switch o.side {
	case core.ActionBuy:
		crossed = last.LessThanOrEqual(o.price)
	case core.ActionSell:
		crossed = last.GreaterThanOrEqual(o.price)
	}
	if crossed && !o.status.IsTerminal() {
		o.status = core.OrderStatusFilled
		o.filled = o.qty
		o.avgPrice = o.price
	}
}

func (m *MockConnector) GetOrderStatus(ctx context.Context, id string, symbol string) (core.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return core.ExchangeOrder{}, &apperrors.APIError{StatusCode: 404, Message: "order not found", Ambiguous: true}
	}
	return toExchangeOrder(o), nil
}

func (m *MockConnector) CancelOrder(ctx context.Context, id string, symbol string) (core.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		// Idempotent: "not found" converges to cancelled.
		return core.ExchangeOrder{ID: id, Status: core.OrderStatusCancelled}, nil
	}
	if o.status.IsTerminal() {
		return toExchangeOrder(o), nil
	}
	o.status = core.OrderStatusCancelled
	return toExchangeOrder(o), nil
}

func (m *MockConnector) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, &apperrors.APIError{StatusCode: 404, Message: "no price for symbol"}
	}
	return p, nil
}

func (m *MockConnector) GetAllTickers(ctx context.Context) (map[string]core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.Ticker, len(m.prices))
	for sym, p := range m.prices {
		out[sym] = core.Ticker{Symbol: sym, Last: p}
	}
	return out, nil
}

func (m *MockConnector) FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.balance))
	for k, v := range m.balance {
		out[k] = v
	}
	return out, nil
}

func (m *MockConnector) FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return m.FetchBalance(ctx)
}

// SetBalance overrides a simulated asset balance, used to exercise
// capital-allocation sizing in tests.
func (m *MockConnector) SetBalance(asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance[asset] = amount
}

func toExchangeOrder(o *order) core.ExchangeOrder {
	return core.ExchangeOrder{
		ID:       o.id,
		Status:   o.status,
		Filled:   o.filled,
		AvgPrice: o.avgPrice,
	}
}

var _ core.IExchangeConnector = (*MockConnector)(nil)

// NewID is a small helper retained for callers that want a fresh
// correlation id without depending on the store layer.
func NewID() uuid.UUID { return uuid.New() }
