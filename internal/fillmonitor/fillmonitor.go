// Package fillmonitor implements the order fill monitor: a per-user
// periodic loop that reconciles local DCAOrder state with the exchange,
// fires TP placement, detects DCA levels becoming eligible, and drives
// pyramid/position lifecycle transitions.
//
// Per-user order refresh fans out through pkg/concurrency's
// alitto/pond-backed WorkerPool with bounded concurrency so a user with
// many working orders cannot flood the exchange.
package fillmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/ordersvc"
	"dcaengine/internal/tpeval"
	"dcaengine/pkg/concurrency"
	"dcaengine/pkg/telemetry"
)

// parseUUID parses a user id string back into a uuid.UUID; userIDs flow
// through this package as strings only at the pool/log boundary, so every store call must convert
// back. A malformed id can never reach here; it is sourced from
// ListActiveUserIDs, which already returns uuid.UUID.
func parseUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

// OrderServiceFactory resolves the per-(user,exchange) Order Service.
type OrderServiceFactory interface {
	OrderService(ctx context.Context, userID, exchange string) (*ordersvc.Service, error)
}

// RiskOnFillHook is invoked once per user that had fills this cycle,
// when the risk engine is configured to react inline.
type RiskOnFillHook func(ctx context.Context, userID string)

// PoolReleaser releases a position's execution-pool slot when the
// monitor drives its group to a terminal state.
type PoolReleaser interface {
	Release(userID string, slotKey string)
}

// Monitor reconciles order state against the exchange.
type Monitor struct {
	users      core.IUserStore
	groups     core.IPositionGroupStore
	pyramids   core.IPyramidStore
	orders     core.IDCAOrderStore
	configs    core.IDCAConfigStore
	connectors core.ConnectorFactory
	orderSvcs  OrderServiceFactory
	tpEval     *tpeval.Evaluator
	coord      core.ICoordinationStore
	riskHook   RiskOnFillHook
	pool       PoolReleaser
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder

	// PerUserConcurrency bounds per-user exchange fan-out.
	PerUserConcurrency int
}

// New builds an Order Fill Monitor.
func New(
	users core.IUserStore,
	groups core.IPositionGroupStore,
	pyramids core.IPyramidStore,
	orders core.IDCAOrderStore,
	configs core.IDCAConfigStore,
	connectors core.ConnectorFactory,
	orderSvcs OrderServiceFactory,
	tpEval *tpeval.Evaluator,
	coord core.ICoordinationStore,
	riskHook RiskOnFillHook,
	pool PoolReleaser,
	logger core.ILogger,
) *Monitor {
	return &Monitor{
		users:              users,
		groups:             groups,
		pyramids:           pyramids,
		orders:             orders,
		configs:            configs,
		connectors:         connectors,
		orderSvcs:          orderSvcs,
		tpEval:             tpEval,
		coord:              coord,
		riskHook:           riskHook,
		pool:               pool,
		logger:             logger.WithField("component", "fill_monitor"),
		metrics:            telemetry.GetGlobalMetrics(),
		PerUserConcurrency: 10,
	}
}

// Run drives the periodic loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation pass. A panic or error for
// one user is caught and logged without aborting other users' processing.
func (m *Monitor) RunCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		if m.metrics != nil && m.metrics.FillMonitorLatency != nil {
			m.metrics.FillMonitorLatency.Record(ctx, time.Since(start).Seconds())
		}
	}()

	userIDs, err := m.users.ListActiveUserIDs(ctx)
	if err != nil {
		m.logger.Error("fill monitor: failed to list active users", "error", err)
		return
	}

	for _, userID := range userIDs {
		m.runUserCycleSafe(ctx, userID.String())
	}

	m.heartbeat(ctx)
}

func (m *Monitor) runUserCycleSafe(ctx context.Context, userID string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("fill monitor: user cycle panicked", "user_id", userID, "panic", r)
		}
	}()
	if err := m.runUserCycle(ctx, userID); err != nil {
		m.logger.Error("fill monitor: user cycle failed", "user_id", userID, "error", err)
	}
}

// runUserCycle runs one reconciliation pass for one user. The work list
// is the user's active groups, not just its non-terminal orders: an
// aggregate-mode group whose legs have all filled holds no working order
// at all yet still needs its TP watcher evaluated every cycle.
func (m *Monitor) runUserCycle(ctx context.Context, userID string) error {
	groups, err := m.groups.ListActiveGroups(ctx, parseUUID(userID))
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	orders, err := m.orders.ListNonTerminalOrdersForUser(ctx, parseUUID(userID))
	if err != nil {
		return err
	}

	tickers, err := m.fetchTickersByExchange(ctx, userID, groups)
	if err != nil {
		m.logger.Warn("fill monitor: ticker fetch failed", "user_id", userID, "error", err)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "fill_monitor_user_" + userID,
		MaxWorkers:  m.concurrency(),
		MaxCapacity: len(orders) + 1,
	}, m.logger)
	defer pool.Stop()

	var hadFill sync.Map // groupID -> bool, tracks which groups saw a fill this cycle
	var wg sync.WaitGroup
	for _, o := range orders {
		order := o
		wg.Add(1)
		_ = pool.Submit(func() {
			defer wg.Done()
			filled, err := m.processOrder(ctx, order, tickers)
			if err != nil {
				m.logger.Error("fill monitor: order processing failed", "order_id", order.ID, "error", err)
				return
			}
			if filled {
				hadFill.Store(order.GroupID.String(), true)
			}
		})
	}
	wg.Wait()

	// Step 4: re-evaluate aggregate/hybrid TP for every group with no
	// remaining open entry orders.
	for _, g := range groups {
		m.reevaluateGroup(ctx, g.ID, tickers)
	}

	if m.riskHook != nil {
		hadAny := false
		hadFill.Range(func(_, _ any) bool { hadAny = true; return false })
		if hadAny {
			m.riskHook(ctx, userID)
		}
	}
	return nil
}

func (m *Monitor) concurrency() int {
	if m.PerUserConcurrency <= 0 {
		return 10
	}
	return m.PerUserConcurrency
}

func (m *Monitor) fetchTickersByExchange(ctx context.Context, userID string, groups []*core.PositionGroup) (map[string]decimal.Decimal, error) {
	exchangeSymbols := make(map[string]map[string]struct{})
	for _, grp := range groups {
		set, ok := exchangeSymbols[grp.Exchange]
		if !ok {
			set = make(map[string]struct{})
			exchangeSymbols[grp.Exchange] = set
		}
		set[grp.Symbol] = struct{}{}
	}

	out := make(map[string]decimal.Decimal)
	for exchange := range exchangeSymbols {
		conn, err := m.connectors.Connector(ctx, parseUUID(userID), exchange)
		if err != nil {
			return out, err
		}
		tickers, err := conn.GetAllTickers(ctx)
		if err != nil {
			return out, err
		}
		for sym, t := range tickers {
			out[sym] = t.Last
		}
	}
	return out, nil
}

// processOrder reconciles a single order. Returns
// true if the order newly observed a fill this cycle (used to drive the
// risk-engine on-fill hook, step 5).
func (m *Monitor) processOrder(ctx context.Context, order *core.DCAOrder, tickers map[string]decimal.Decimal) (bool, error) {
	group, err := m.groups.GetGroup(ctx, order.GroupID)
	if err != nil || group == nil {
		return false, err
	}
	if group.Status == core.GroupStatusClosing || group.Status == core.GroupStatusClosed {
		return false, nil
	}

	cfg, err := m.configs.GetConfig(ctx, group.UserID, group.Symbol, group.Timeframe, group.Exchange)
	if err != nil || cfg == nil {
		return false, err
	}

	orderSvc, err := m.orderSvcs.OrderService(ctx, group.UserID.String(), group.Exchange)
	if err != nil {
		return false, err
	}

	current, haveTicker := tickers[group.Symbol]

	switch order.Status {
	case core.OrderStatusTriggerPending:
		return m.processTriggerPending(ctx, order, group, cfg, orderSvc, current, haveTicker)
	case core.OrderStatusPending:
		// A submitted market order rests pending until its first status
		// poll resolves it; one without an exchange id yet is
		// not ours to touch.
		if order.ExchangeOrderID == "" {
			return false, nil
		}
		return m.processRefresh(ctx, order, group, cfg, orderSvc)
	case core.OrderStatusOpen, core.OrderStatusPartiallyFilled:
		return m.processRefresh(ctx, order, group, cfg, orderSvc)
	default:
		return false, nil
	}
}

// processTriggerPending handles a waiting leg: submit once the market
// reaches the leg price, or cancel if the
// leg has drifted beyond cancel_dca_beyond_percent from weighted_avg_entry.
func (m *Monitor) processTriggerPending(ctx context.Context, order *core.DCAOrder, group *core.PositionGroup, cfg *core.DCAConfiguration, orderSvc *ordersvc.Service, current decimal.Decimal, haveTicker bool) (bool, error) {
	if !haveTicker {
		return false, nil
	}

	if !group.WeightedAvgEntry.IsZero() && cfg.CancelDCABeyondPercent.GreaterThan(decimal.Zero) {
		distance := current.Sub(group.WeightedAvgEntry).Div(group.WeightedAvgEntry).Mul(decimal.NewFromInt(100)).Abs()
		if distance.GreaterThan(cfg.CancelDCABeyondPercent) {
			order.Status = core.OrderStatusCancelled
			return false, m.orders.SaveOrder(ctx, order)
		}
	}

	reached := false
	if group.Side == core.SideLong {
		reached = current.LessThanOrEqual(order.Price)
	} else {
		reached = current.GreaterThanOrEqual(order.Price)
	}
	if !reached {
		return false, nil
	}

	order.Status = core.OrderStatusPending
	action := core.ActionBuy
	if group.Side == core.SideShort {
		action = core.ActionSell
	}
	orderType := core.ExchangeOrderLimit
	if cfg.EntryOrderType == core.EntryOrderTypeMarket {
		orderType = core.ExchangeOrderMarket
	}
	if err := orderSvc.Submit(ctx, order, group.Symbol, action, orderType); err != nil {
		return false, err
	}
	// The submitted order now rests pending/open; the refresh branch of a
	// later pass observes its fill and propagates it.
	return false, nil
}

// processRefresh handles a working order: refresh its exchange status,
// propagate aggregate changes on a transition,
// and arm TP per tp_mode.
func (m *Monitor) processRefresh(ctx context.Context, order *core.DCAOrder, group *core.PositionGroup, cfg *core.DCAConfiguration, orderSvc *ordersvc.Service) (bool, error) {
	prevStatus := order.Status
	prevFilled := order.FilledQuantity

	if order.IsTPLeg {
		return m.processTPRefresh(ctx, order, group, cfg, orderSvc)
	}

	if err := orderSvc.Refresh(ctx, order, group.Symbol); err != nil {
		return false, err
	}

	statusChanged := order.Status != prevStatus
	qtyChanged := !order.FilledQuantity.Equal(prevFilled)
	justFilled := order.Status == core.OrderStatusFilled || order.Status == core.OrderStatusPartiallyFilled

	if !statusChanged && !qtyChanged {
		return false, nil
	}
	if !justFilled {
		return false, nil
	}

	if err := m.recomputeGroupStats(ctx, group); err != nil {
		return false, err
	}
	if err := m.armTP(ctx, order, group, cfg, orderSvc); err != nil {
		m.logger.Error("fill monitor: arm_tp failed", "order_id", order.ID, "error", err)
	}
	return true, nil
}

// processTPRefresh handles an order record that is itself a TP leg: when it reports filled, mark tp_hit on both
// the child and its parent entry leg, realize PnL against the parent's
// fill price, and close the group once every filled leg's TP has hit and
// no entry legs remain open. A pyramid_aggregate child instead closes its
// pyramid; the group follows when the last pyramid closes.
func (m *Monitor) processTPRefresh(ctx context.Context, order *core.DCAOrder, group *core.PositionGroup, cfg *core.DCAConfiguration, orderSvc *ordersvc.Service) (bool, error) {
	if err := orderSvc.Refresh(ctx, order, group.Symbol); err != nil {
		return false, err
	}
	if order.Status != core.OrderStatusFilled {
		return false, nil
	}
	if order.TPHit {
		return false, nil // already realized, idempotent re-refresh.
	}

	order.TPHit = true
	if err := m.orders.SaveOrder(ctx, order); err != nil {
		return false, err
	}

	if cfg.TPMode == core.TPModePyramidAggregate {
		return true, m.closePyramidOnTP(ctx, order, group)
	}

	all, err := m.orders.ListOrders(ctx, group.ID)
	if err != nil {
		return false, err
	}

	// The parent entry leg carries this child's exchange id as its
	// tp_order_id; its avg fill price is the PnL baseline.
	entryPrice := order.Price
	for _, o := range all {
		if o.IsTPLeg || o.TPOrderID != order.ExchangeOrderID {
			continue
		}
		if !o.AvgFillPrice.IsZero() {
			entryPrice = o.AvgFillPrice
		}
		o.TPHit = true
		if err := m.orders.SaveOrder(ctx, o); err != nil {
			return false, err
		}
		break
	}

	pnl := order.AvgFillPrice.Sub(entryPrice)
	if group.Side == core.SideShort {
		pnl = pnl.Neg()
	}
	pnl = pnl.Mul(order.FilledQuantity)

	closed, err := m.maybeCloseAfterTP(ctx, group, order.ID, pnl)
	if err != nil {
		return false, err
	}
	if closed && m.pool != nil {
		m.pool.Release(group.UserID.String(), group.SlotKey())
	}
	return true, nil
}

// closePyramidOnTP realizes a pyramid_aggregate TP fill: PnL against the
// pyramid's weighted average cost for the child's filled quantity, the
// pyramid moves to closed, and the group closes when no pyramid remains
// open.
func (m *Monitor) closePyramidOnTP(ctx context.Context, order *core.DCAOrder, group *core.PositionGroup) error {
	pyramid, err := m.pyramids.GetPyramid(ctx, order.PyramidID)
	if err != nil || pyramid == nil {
		return err
	}

	pnl := order.AvgFillPrice.Sub(pyramid.WeightedAvgCost)
	if group.Side == core.SideShort {
		pnl = pnl.Neg()
	}
	pnl = pnl.Mul(order.FilledQuantity)

	now := time.Now()
	pyramid.Status = core.PyramidStatusClosed
	pyramid.RealizedPnLUSD = pyramid.RealizedPnLUSD.Add(pnl)
	pyramid.ClosedAt = &now
	if err := m.pyramids.SavePyramid(ctx, pyramid); err != nil {
		return err
	}

	pyramids, err := m.pyramids.ListPyramids(ctx, group.ID)
	if err != nil {
		return err
	}
	allClosed := true
	for _, p := range pyramids {
		if p.Status != core.PyramidStatusClosed && p.Status != core.PyramidStatusCancelled {
			allClosed = false
			break
		}
	}

	err = m.groups.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		g.RealizedPnLUSD = g.RealizedPnLUSD.Add(pnl)
		if allClosed {
			g.Status = core.GroupStatusClosed
			g.ClosedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	if allClosed && m.pool != nil {
		m.pool.Release(group.UserID.String(), group.SlotKey())
	}
	return nil
}

// maybeCloseAfterTP realizes pnl into the group and transitions it to
// closed when no entry leg is still working and every filled leg's TP has
// hit.
func (m *Monitor) maybeCloseAfterTP(ctx context.Context, group *core.PositionGroup, justFilledTPID uuid.UUID, pnl decimal.Decimal) (bool, error) {
	all, err := m.orders.ListOrders(ctx, group.ID)
	if err != nil {
		return false, err
	}
	complete := true
	for _, o := range all {
		if o.IsTPLeg {
			if o.ID != justFilledTPID && !o.Status.IsTerminal() {
				complete = false
			}
			continue
		}
		if !o.Status.IsTerminal() && o.Status != core.OrderStatusTriggerPending {
			complete = false
		}
		if o.FilledQuantity.GreaterThan(decimal.Zero) && !o.TPHit {
			complete = false
		}
	}

	err = m.groups.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		g.RealizedPnLUSD = g.RealizedPnLUSD.Add(pnl)
		if complete {
			g.Status = core.GroupStatusClosed
			now := time.Now()
			g.ClosedAt = &now
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if complete {
		// A leg that never triggered has no exchange order to cancel;
		// its row converges to cancelled so the closed group is clean.
		for _, o := range all {
			if o.Status == core.OrderStatusTriggerPending {
				o.Status = core.OrderStatusCancelled
				if saveErr := m.orders.SaveOrder(ctx, o); saveErr != nil {
					m.logger.Error("fill monitor: cancel trigger_pending on close failed", "order_id", o.ID, "error", saveErr)
				}
			}
		}
		if m.metrics != nil && m.metrics.GroupsClosedTotal != nil {
			m.metrics.GroupsClosedTotal.Add(ctx, 1)
		}
	}
	return complete, nil
}

// armTP arms take-profit for a newly-filled leg, per tp_mode.
func (m *Monitor) armTP(ctx context.Context, order *core.DCAOrder, group *core.PositionGroup, cfg *core.DCAConfiguration, orderSvc *ordersvc.Service) error {
	switch cfg.TPMode {
	case core.TPModePerLeg, core.TPModeHybrid:
		return orderSvc.ArmTP(ctx, order, group.Symbol, group.Side, order.TPPrice, order.FilledQuantity)
	case core.TPModeAggregate:
		return nil // the group-level aggregate watcher handles this (step 4).
	case core.TPModePyramidAggregate:
		return m.armPyramidAggregateTP(ctx, order, group, cfg, orderSvc)
	default:
		return fmt.Errorf("fillmonitor: unknown tp_mode %q", cfg.TPMode)
	}
}

// armPyramidAggregateTP maintains a single TP child per pyramid at its
// aggregate target: on each additional leg fill, the previous TP child is
// cancelled and a new one placed for the updated quantity/price.
func (m *Monitor) armPyramidAggregateTP(ctx context.Context, order *core.DCAOrder, group *core.PositionGroup, cfg *core.DCAConfiguration, orderSvc *ordersvc.Service) error {
	pyramid, err := m.pyramids.GetPyramid(ctx, order.PyramidID)
	if err != nil || pyramid == nil {
		return err
	}

	legOrders, err := m.orders.ListOrdersByPyramid(ctx, pyramid.ID)
	if err != nil {
		return err
	}

	var totalQty, notional decimal.Decimal
	var prevTPOrder *core.DCAOrder
	for _, o := range legOrders {
		if o.IsTPLeg {
			if !o.Status.IsTerminal() {
				prevTPOrder = o
			}
			continue
		}
		if o.FilledQuantity.GreaterThan(decimal.Zero) {
			totalQty = totalQty.Add(o.FilledQuantity)
			notional = notional.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
		}
	}
	if totalQty.IsZero() {
		return nil
	}
	avgCost := notional.Div(totalQty)
	target := aggregateTP(group.Side, avgCost, cfg.TPAggregatePercent)

	if prevTPOrder != nil {
		if err := orderSvc.Cancel(ctx, prevTPOrder, group.Symbol); err != nil {
			return err
		}
	}

	pyramid.TotalFilledQty = totalQty
	pyramid.WeightedAvgCost = avgCost
	if err := m.pyramids.SavePyramid(ctx, pyramid); err != nil {
		return err
	}

	return orderSvc.ArmTP(ctx, order, group.Symbol, group.Side, target, totalQty)
}

func aggregateTP(side core.Side, avgCost, tpPercent decimal.Decimal) decimal.Decimal {
	sign := tpPercent
	if side == core.SideShort {
		sign = tpPercent.Neg()
	}
	one := decimal.NewFromInt(1)
	return avgCost.Mul(one.Add(sign.Div(decimal.NewFromInt(100))))
}

// recomputeGroupStats recomputes total_filled_quantity and
// weighted_avg_entry from the group's current order set.
func (m *Monitor) recomputeGroupStats(ctx context.Context, group *core.PositionGroup) error {
	orders, err := m.orders.ListOrders(ctx, group.ID)
	if err != nil {
		return err
	}

	var totalQty, notional decimal.Decimal
	filledLegs := 0
	for _, o := range orders {
		if o.IsTPLeg {
			continue
		}
		if o.Status == core.OrderStatusFilled || o.Status == core.OrderStatusPartiallyFilled {
			totalQty = totalQty.Add(o.FilledQuantity)
			notional = notional.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
		}
		if o.Status == core.OrderStatusFilled {
			filledLegs++
		}
	}

	return m.groups.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		g.TotalFilledQuantity = totalQty
		if !totalQty.IsZero() {
			g.WeightedAvgEntry = notional.Div(totalQty)
		}
		g.FilledDCALegs = filledLegs
		if g.Status == core.GroupStatusLive {
			g.Status = core.GroupStatusPartiallyFilled
		}
		if filledLegs == g.TotalDCALegs && g.TotalDCALegs > 0 {
			g.Status = core.GroupStatusActive
		}
		return nil
	})
}

// reevaluateGroup runs the idle TP sweep for one group: skip groups
// still holding an open entry leg, otherwise hand off to the Take-Profit
// Evaluator.
func (m *Monitor) reevaluateGroup(ctx context.Context, groupID uuid.UUID, tickers map[string]decimal.Decimal) {
	group, err := m.groups.GetGroup(ctx, groupID)
	if err != nil || group == nil || group.Status.IsTerminal() {
		return
	}
	cfg, err := m.configs.GetConfig(ctx, group.UserID, group.Symbol, group.Timeframe, group.Exchange)
	if err != nil || cfg == nil {
		return
	}
	if cfg.TPMode == core.TPModePerLeg {
		return
	}

	orders, err := m.orders.ListOrders(ctx, group.ID)
	if err != nil {
		return
	}
	for _, o := range orders {
		if !o.IsTPLeg && (o.Status == core.OrderStatusOpen || o.Status == core.OrderStatusPending || o.Status == core.OrderStatusTriggerPending) {
			return // still has a resting/pending entry leg.
		}
	}

	current, ok := tickers[group.Symbol]
	if !ok {
		return
	}
	if err := m.tpEval.Evaluate(ctx, group, cfg, current); err != nil {
		m.logger.Error("fill monitor: tp evaluation failed", "group_id", group.ID, "error", err)
	}
}

func (m *Monitor) heartbeat(ctx context.Context) {
	if m.coord == nil {
		return
	}
	if err := m.coord.Heartbeat(ctx, "fill_monitor", 5*time.Minute); err != nil {
		m.logger.Warn("fill monitor: heartbeat write failed", "error", err)
	}
}
