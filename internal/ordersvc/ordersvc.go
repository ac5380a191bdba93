// Package ordersvc implements the order service: the only component
// that is allowed to call PlaceOrder/CancelOrder/GetOrderStatus on an
// exchange connector. It is stateful per (user, exchange), with callers
// obtaining one instance per session from a factory keyed that way, and
// funnels every call through a token-bucket rate limiter and a jittered
// retry policy, with OTel counters around each exchange call.
package ordersvc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"dcaengine/internal/core"
	"dcaengine/pkg/retry"
	"dcaengine/pkg/telemetry"
)

// Config tunes the rate limiter and retry policy.
type Config struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	RetryPolicy        retry.RetryPolicy
}

// DefaultConfig is 25 req/s with burst 30 and up to 5 attempts.
func DefaultConfig() Config {
	return Config{
		RateLimitPerSecond: 25,
		RateLimitBurst:     30,
		RetryPolicy: retry.RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
	}
}

// Service is a per-(user, exchange) order session. One Service wraps
// exactly one exchange connector; the caller
// (Position Creator, Order Fill Monitor, Risk Engine) is responsible for
// submitting orders within one PositionGroup sequentially; this type
// does not itself serialize across callers.
type Service struct {
	exchange core.IExchangeConnector
	orders   core.IDCAOrderStore
	pyramids core.IPyramidStore
	limiter  *rate.Limiter
	policy   retry.RetryPolicy
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// New builds an Order Service bound to one connector.
func New(exchange core.IExchangeConnector, orders core.IDCAOrderStore, pyramids core.IPyramidStore, cfg Config, logger core.ILogger) *Service {
	return &Service{
		exchange: exchange,
		orders:   orders,
		pyramids: pyramids,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		policy:   cfg.RetryPolicy,
		logger:   logger.WithField("component", "order_service"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

func isTransient(err error) bool {
	return retry.IsExchangeTransient(err)
}

// wait blocks for a rate-limiter token, respecting ctx cancellation.
func (s *Service) wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// Submit places order on the exchange. On success it
// records exchange_order_id and moves pending -> open, except market
// orders which stay pending until the first refresh resolves them (the
// exchange may report the fill asynchronously). On a terminal rejection
// (insufficient balance, bad precision) the order is moved to failed and
// the typed error is returned to the caller; the caller decides whether
// that fails the whole PositionGroup.
func (s *Service) Submit(ctx context.Context, order *core.DCAOrder, symbol string, side core.OrderAction, orderType core.ExchangeOrderType) error {
	if err := s.wait(ctx); err != nil {
		return fmt.Errorf("order service: rate limiter: %w", err)
	}

	var price *decimal.Decimal
	if orderType == core.ExchangeOrderLimit {
		p := order.Price
		price = &p
	}

	var result core.ExchangeOrder
	err := retry.Do(ctx, s.policy, isTransient, func() error {
		var placeErr error
		result, placeErr = s.exchange.PlaceOrder(ctx, symbol, side, orderType, order.Quantity, price)
		return placeErr
	})

	s.recordOrderPlaced(order, err)
	if err != nil {
		order.Status = core.OrderStatusFailed
		if saveErr := s.orders.SaveOrder(ctx, order); saveErr != nil {
			s.logger.Error("order service: failed to persist failed order", "order_id", order.ID, "error", saveErr)
		}
		return fmt.Errorf("order service: submit leg %d: %w", order.LegIndex, err)
	}

	// The fill, if any, is deliberately not applied here: a status
	// transition into filled/partially_filled observed by Refresh is the
	// trigger the monitor uses to arm TP, so market orders
	// stay pending and limit orders rest open until the first poll.
	order.ExchangeOrderID = result.ID
	if orderType == core.ExchangeOrderMarket {
		order.Status = core.OrderStatusPending
	} else {
		order.Status = core.OrderStatusOpen
	}
	return s.orders.SaveOrder(ctx, order)
}

func (s *Service) recordOrderPlaced(order *core.DCAOrder, err error) {
	if s.metrics == nil || s.metrics.OrdersPlacedTotal == nil {
		return
	}
	attrs := attribute.NewSet(
		attribute.String("exchange", s.exchange.Name()),
		attribute.Bool("success", err == nil),
	)
	s.metrics.OrdersPlacedTotal.Add(context.Background(), 1, metric.WithAttributeSet(attrs))
}

// Cancel cancels order on the exchange. Idempotent:
// if the exchange reports "not found" or an already-terminal status, the
// local state converges to whatever the exchange reports. filled_quantity
// is never rewound on a cancel: what already executed stays executed.
func (s *Service) Cancel(ctx context.Context, order *core.DCAOrder, symbol string) error {
	if order.Status.IsTerminal() {
		return nil
	}
	if order.ExchangeOrderID == "" {
		order.Status = core.OrderStatusCancelled
		return s.orders.SaveOrder(ctx, order)
	}

	if err := s.wait(ctx); err != nil {
		return fmt.Errorf("order service: rate limiter: %w", err)
	}

	var result core.ExchangeOrder
	err := retry.Do(ctx, s.policy, isTransient, func() error {
		var cancelErr error
		result, cancelErr = s.exchange.CancelOrder(ctx, order.ExchangeOrderID, symbol)
		return cancelErr
	})
	if err != nil {
		return fmt.Errorf("order service: cancel %s: %w", order.ExchangeOrderID, err)
	}

	preservedFilled := order.FilledQuantity
	order.Status = result.Status
	if order.Status == "" {
		order.Status = core.OrderStatusCancelled
	}
	if !result.Filled.IsZero() {
		order.FilledQuantity = result.Filled
	} else {
		order.FilledQuantity = preservedFilled
	}
	return s.orders.SaveOrder(ctx, order)
}

// Refresh polls the exchange for order's current status. The caller (Order Fill Monitor) is responsible for noticing
// a status transition into filled/partially_filled and arming TP.
func (s *Service) Refresh(ctx context.Context, order *core.DCAOrder, symbol string) error {
	if order.Status.IsTerminal() || order.ExchangeOrderID == "" {
		return nil
	}

	if err := s.wait(ctx); err != nil {
		return fmt.Errorf("order service: rate limiter: %w", err)
	}

	var result core.ExchangeOrder
	err := retry.Do(ctx, s.policy, isTransient, func() error {
		var statusErr error
		result, statusErr = s.exchange.GetOrderStatus(ctx, order.ExchangeOrderID, symbol)
		return statusErr
	})
	if err != nil {
		return fmt.Errorf("order service: refresh %s: %w", order.ExchangeOrderID, err)
	}

	statusChanged := result.Status != order.Status
	qtyChanged := !result.Filled.Equal(order.FilledQuantity)

	order.Status = result.Status
	order.FilledQuantity = result.Filled
	order.AvgFillPrice = result.AvgPrice
	if (statusChanged || qtyChanged) && (result.Status == core.OrderStatusFilled || result.Status == core.OrderStatusPartiallyFilled) {
		now := time.Now()
		order.FilledAt = &now
		s.recordOrderFilled()
	}
	return s.orders.SaveOrder(ctx, order)
}

func (s *Service) recordOrderFilled() {
	if s.metrics == nil || s.metrics.OrdersFilledTotal == nil {
		return
	}
	s.metrics.OrdersFilledTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("exchange", s.exchange.Name())))
}

// ArmTP places the counter-side limit order that realizes this leg's take
// profit. For per-leg TP mode, quantity is the leg's
// own filled_quantity; for pyramid_aggregate, the caller passes the
// pyramid's total_filled_quantity instead. tpPrice must already be
// tick-snapped.
//
// Alongside the parent leg's tp_order_id, a dedicated TP-leg row
// (is_tp_leg=true) is recorded so the fill monitor reconciles the child
// like any other order; the parent is recovered by matching its
// tp_order_id to the child's exchange_order_id.
func (s *Service) ArmTP(ctx context.Context, order *core.DCAOrder, symbol string, side core.Side, tpPrice, quantity decimal.Decimal) error {
	if err := s.wait(ctx); err != nil {
		return fmt.Errorf("order service: rate limiter: %w", err)
	}

	tpSide := core.ActionSell
	if side == core.SideShort {
		tpSide = core.ActionBuy
	}

	price := tpPrice
	var result core.ExchangeOrder
	err := retry.Do(ctx, s.policy, isTransient, func() error {
		var placeErr error
		result, placeErr = s.exchange.PlaceOrder(ctx, symbol, tpSide, core.ExchangeOrderLimit, quantity, &price)
		return placeErr
	})
	if err != nil {
		return fmt.Errorf("order service: arm_tp leg %d: %w", order.LegIndex, err)
	}

	child := &core.DCAOrder{
		ID:              uuid.New(),
		PyramidID:       order.PyramidID,
		GroupID:         order.GroupID,
		LegIndex:        order.LegIndex,
		Price:           tpPrice,
		Quantity:        quantity,
		TPPrice:         tpPrice,
		Status:          result.Status,
		ExchangeOrderID: result.ID,
		IsTPLeg:         true,
	}
	if child.Status == "" || child.Status == core.OrderStatusPending {
		child.Status = core.OrderStatusOpen
	}
	if !result.Filled.IsZero() {
		child.FilledQuantity = result.Filled
		child.AvgFillPrice = result.AvgPrice
	}
	if err := s.orders.CreateOrder(ctx, child); err != nil {
		return fmt.Errorf("order service: arm_tp record child: %w", err)
	}

	order.TPOrderID = result.ID
	order.TPPrice = tpPrice
	return s.orders.SaveOrder(ctx, order)
}

// CancelOpenOrdersForGroup cancels every open/partially-filled order
// passed in, in leg order, required before any aggregate close. Every order ends either cancelled or
// unchanged; filled_quantity is preserved throughout.
// The first hard failure is returned, but orders already processed keep
// their converged state, so a retry of the whole group-close can resume
// from whatever orders remain non-terminal.
func (s *Service) CancelOpenOrdersForGroup(ctx context.Context, orders []*core.DCAOrder, symbol string) error {
	for _, o := range orders {
		if o.Status.IsTerminal() {
			continue
		}
		if err := s.Cancel(ctx, o, symbol); err != nil {
			return fmt.Errorf("order service: cancel_open_orders_for_group: leg %d: %w", o.LegIndex, err)
		}
	}
	return nil
}

// PlaceMarketClose issues a market order of the opposite side for
// quantity, used by risk hedging and force-close. It does not touch any DCAOrder row; the caller
// (Risk Engine, Take-Profit Evaluator) is responsible for realizing PnL
// and persisting the group/pyramid transition from the returned fill.
func (s *Service) PlaceMarketClose(ctx context.Context, symbol string, groupSide core.Side, quantity decimal.Decimal) (core.ExchangeOrder, error) {
	if err := s.wait(ctx); err != nil {
		return core.ExchangeOrder{}, fmt.Errorf("order service: rate limiter: %w", err)
	}

	closeSide := core.ActionSell
	if groupSide == core.SideShort {
		closeSide = core.ActionBuy
	}

	var result core.ExchangeOrder
	err := retry.Do(ctx, s.policy, isTransient, func() error {
		var placeErr error
		result, placeErr = s.exchange.PlaceOrder(ctx, symbol, closeSide, core.ExchangeOrderMarket, quantity, nil)
		return placeErr
	})
	if err != nil {
		return core.ExchangeOrder{}, fmt.Errorf("order service: place_market_close: %w", err)
	}
	return result, nil
}
