// Package tpeval implements the take-profit evaluator: given a
// PositionGroup, its orders, the current price, and its
// tp_mode, decide whether aggregate/hybrid/pyramid_aggregate exposure
// should close, and realize the PnL/lifecycle transition. per_leg TP has
// nothing to evaluate here; its children are armed and driven entirely
// by internal/fillmonitor.
package tpeval

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/money"
	"dcaengine/internal/ordersvc"
	"dcaengine/pkg/telemetry"
)

// PoolReleaser releases the position's execution-pool slot on a
// terminal group transition.
type PoolReleaser interface {
	Release(userID string, slotKey string)
}

// Evaluator decides and executes aggregate-style take profits.
type Evaluator struct {
	groups    core.IPositionGroupStore
	pyramids  core.IPyramidStore
	orders    core.IDCAOrderStore
	orderSvcs func(ctx context.Context, userID, exchange string) (*ordersvc.Service, error)
	pool      PoolReleaser
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
}

// New builds a Take-Profit Evaluator.
func New(groups core.IPositionGroupStore, pyramids core.IPyramidStore, orders core.IDCAOrderStore, orderSvcFactory func(ctx context.Context, userID, exchange string) (*ordersvc.Service, error), pool PoolReleaser, logger core.ILogger) *Evaluator {
	return &Evaluator{
		groups:    groups,
		pyramids:  pyramids,
		orders:    orders,
		orderSvcs: orderSvcFactory,
		pool:      pool,
		logger:    logger.WithField("component", "tp_evaluator"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// Evaluate runs the TP decision for one group at the current price. It is
// invoked inline from the fill monitor on fill events and from its idle
// sweep.
func (e *Evaluator) Evaluate(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, currentPrice decimal.Decimal) error {
	switch cfg.TPMode {
	case core.TPModePerLeg:
		return nil // per-leg children drive themselves.
	case core.TPModeAggregate:
		return e.evaluateAggregate(ctx, group, cfg, currentPrice, nil)
	case core.TPModeHybrid:
		return e.evaluateHybrid(ctx, group, cfg, currentPrice)
	case core.TPModePyramidAggregate:
		return e.evaluatePyramidAggregate(ctx, group, cfg, currentPrice)
	default:
		return fmt.Errorf("tpeval: unknown tp_mode %q", cfg.TPMode)
	}
}

// crossed reports whether currentPrice has reached target given side,
// inclusive comparisons on stored-scale decimals.
func crossed(side core.Side, current, target decimal.Decimal) bool {
	if side == core.SideLong {
		return current.GreaterThanOrEqual(target)
	}
	return current.LessThanOrEqual(target)
}

// aggregateTarget computes weighted_avg_entry * (1 +/- tp_aggregate_percent/100).
func aggregateTarget(side core.Side, avgEntry, tpPercent decimal.Decimal) decimal.Decimal {
	if side == core.SideLong {
		return money.ApplyPercent(avgEntry, tpPercent)
	}
	return money.ApplyPercent(avgEntry, tpPercent.Neg())
}

// evaluateAggregate applies the aggregate rule. When pyramid is
// non-nil, the quantity/avg/close scope is the pyramid's own exposure
// (the pyramid_aggregate variant); otherwise it is the whole group.
func (e *Evaluator) evaluateAggregate(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, currentPrice decimal.Decimal, pyramid *core.Pyramid) error {
	avgEntry := group.WeightedAvgEntry
	qty := group.TotalFilledQuantity
	if pyramid != nil {
		avgEntry = pyramid.WeightedAvgCost
		qty = pyramid.TotalFilledQty
	}
	if qty.IsZero() {
		return nil
	}

	target := aggregateTarget(group.Side, avgEntry, cfg.TPAggregatePercent)
	if !crossed(group.Side, currentPrice, target) {
		return nil
	}

	orderSvc, err := e.orderSvcs(ctx, group.UserID.String(), group.Exchange)
	if err != nil {
		return err
	}

	var scopedOrders []*core.DCAOrder
	allOrders, err := e.orders.ListOrders(ctx, group.ID)
	if err != nil {
		return err
	}
	for _, o := range allOrders {
		if pyramid != nil && o.PyramidID != pyramid.ID {
			continue
		}
		scopedOrders = append(scopedOrders, o)
	}

	if err := orderSvc.CancelOpenOrdersForGroup(ctx, openOnly(scopedOrders), symbolOf(group)); err != nil {
		return fmt.Errorf("tpeval: cancel open entry orders: %w", err)
	}

	fill, err := orderSvc.PlaceMarketClose(ctx, symbolOf(group), group.Side, qty)
	if err != nil {
		return fmt.Errorf("tpeval: market close: %w", err)
	}

	pnl := realizedPnL(group.Side, avgEntry, fill.AvgPrice, qty)

	if pyramid != nil {
		return e.closePyramid(ctx, group, pyramid, pnl)
	}
	return e.closeGroup(ctx, group, pnl)
}

// evaluateHybrid applies the hybrid rule: per-leg TP children
// are already armed on fill; the aggregate watcher races them.
// Whichever triggers first wins. On an aggregate trigger, still-open
// per-leg TP children are cancelled first; an already-filled per-leg TP
// is left final.
func (e *Evaluator) evaluateHybrid(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, currentPrice decimal.Decimal) error {
	target := aggregateTarget(group.Side, group.WeightedAvgEntry, cfg.TPAggregatePercent)
	if !crossed(group.Side, currentPrice, target) {
		return nil
	}

	orders, err := e.orders.ListOrders(ctx, group.ID)
	if err != nil {
		return err
	}

	// Cancel still-open per-leg TP children before closing in aggregate;
	// an already-filled TP child stands.
	orderSvc, err := e.orderSvcs(ctx, group.UserID.String(), group.Exchange)
	if err != nil {
		return err
	}
	var openTPChildren []*core.DCAOrder
	for _, o := range orders {
		if o.IsTPLeg && !o.Status.IsTerminal() {
			openTPChildren = append(openTPChildren, o)
		}
	}
	if len(openTPChildren) > 0 {
		if err := orderSvc.CancelOpenOrdersForGroup(ctx, openTPChildren, symbolOf(group)); err != nil {
			return fmt.Errorf("tpeval: cancel open per-leg tp children: %w", err)
		}
	}

	return e.evaluateAggregate(ctx, group, cfg, currentPrice, nil)
}

// evaluatePyramidAggregate applies the per-pyramid aggregate
// rule: closing a pyramid moves it to closed; the group closes only when
// its last pyramid closes.
func (e *Evaluator) evaluatePyramidAggregate(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, currentPrice decimal.Decimal) error {
	pyramids, err := e.pyramids.ListPyramids(ctx, group.ID)
	if err != nil {
		return err
	}
	for _, p := range pyramids {
		if p.Status == core.PyramidStatusClosed || p.TotalFilledQty.IsZero() {
			continue
		}
		if err := e.evaluateAggregate(ctx, group, cfg, currentPrice, p); err != nil {
			e.logger.Error("pyramid aggregate evaluation failed", "group_id", group.ID, "pyramid_id", p.ID, "error", err)
		}
	}
	return nil
}

func (e *Evaluator) closePyramid(ctx context.Context, group *core.PositionGroup, pyramid *core.Pyramid, pnl decimal.Decimal) error {
	now := time.Now()
	pyramid.Status = core.PyramidStatusClosed
	pyramid.RealizedPnLUSD = pyramid.RealizedPnLUSD.Add(pnl)
	pyramid.ClosedAt = &now
	if err := e.pyramids.SavePyramid(ctx, pyramid); err != nil {
		return err
	}
	e.recordTPFire(ctx, group, "pyramid_aggregate")

	pyramids, err := e.pyramids.ListPyramids(ctx, group.ID)
	if err != nil {
		return err
	}
	allClosed := true
	for _, p := range pyramids {
		if p.Status != core.PyramidStatusClosed {
			allClosed = false
			break
		}
	}
	if !allClosed {
		return e.groups.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
			g.RealizedPnLUSD = g.RealizedPnLUSD.Add(pnl)
			return nil
		})
	}
	return e.closeGroup(ctx, group, pnl)
}

func (e *Evaluator) closeGroup(ctx context.Context, group *core.PositionGroup, pnl decimal.Decimal) error {
	now := time.Now()
	err := e.groups.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		g.Status = core.GroupStatusClosed
		g.RealizedPnLUSD = g.RealizedPnLUSD.Add(pnl)
		g.ClosedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	e.recordTPFire(ctx, group, string(group.Side))
	if e.metrics != nil && e.metrics.GroupsClosedTotal != nil {
		e.metrics.GroupsClosedTotal.Add(ctx, 1)
	}
	if e.metrics != nil && e.metrics.RealizedPnLTotal != nil {
		pnlFloat, _ := pnl.Float64()
		e.metrics.RealizedPnLTotal.Add(ctx, pnlFloat)
	}
	if e.pool != nil {
		e.pool.Release(group.UserID.String(), group.SlotKey())
	}
	return nil
}

func (e *Evaluator) recordTPFire(ctx context.Context, group *core.PositionGroup, mode string) {
	if e.metrics == nil || e.metrics.TPFiresTotal == nil {
		return
	}
	e.metrics.TPFiresTotal.Add(ctx, 1)
}

// realizedPnL computes the realized PnL of closing qty at exitPrice
// against avgEntry, sign-adjusted for side.
func realizedPnL(side core.Side, avgEntry, exitPrice, qty decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(avgEntry)
	if side == core.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

func openOnly(orders []*core.DCAOrder) []*core.DCAOrder {
	var out []*core.DCAOrder
	for _, o := range orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

func symbolOf(group *core.PositionGroup) string {
	return group.Symbol
}
