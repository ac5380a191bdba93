// Package router implements the signal router: the synchronous
// webhook-invoked classifier that resolves a DCAConfiguration,
// classifies the signal as exit/entry/pyramid, computes capital
// allocation, and either dispatches straight to the Position Creator (a
// slot is free) or hands off to the Queue Manager.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/ordersvc"
	apperrors "dcaengine/pkg/errors"
)

// PoolRequester is the narrow Execution Pool Manager surface the router
// consults before dispatching. Slots are identified by the position's
// natural key (core.PositionSlotKey).
type PoolRequester interface {
	Request(ctx context.Context, userID string, slotKey string, perUserLimit int, isPyramidContinuation, bypassEnabled bool) bool
	Release(userID string, slotKey string)
}

// Promoter is the Position Creator surface used when a slot is granted
// inline.
type Promoter interface {
	PromoteNew(ctx context.Context, signal *core.QueuedSignal) error
	PromoteContinuation(ctx context.Context, signal *core.QueuedSignal, existing *core.PositionGroup) error
}

// Enqueuer is the Queue Manager surface used when no slot is available.
type Enqueuer interface {
	Submit(ctx context.Context, sig core.Signal, isPyramidContinuation bool) (*core.QueuedSignal, error)
}

// RiskChecker is the pre-trade validation surface consulted before
// committing to create or grow a position.
type RiskChecker interface {
	CheckPreTrade(ctx context.Context, userID, exchange, symbol string, allocation decimal.Decimal, isPyramidContinuation bool) error
}

// OrderServiceFactory resolves the Order Service used by the close path
// (exit intent).
type OrderServiceFactory interface {
	OrderService(ctx context.Context, userID, exchange string) (*ordersvc.Service, error)
}

// AllocationConfig tunes the capital-allocation formula:
// min(risk_per_position_percent * free_balance,
// risk_per_position_cap_usd, max_total_exposure_usd).
type AllocationConfig struct {
	RiskPerPositionPercent  decimal.Decimal
	RiskPerPositionCapUSD   decimal.Decimal
	MaxTotalExposureUSD     decimal.Decimal
	DefaultAllocationUSD    decimal.Decimal // used when balance fetch fails
	PerUserPoolLimit        int
	SamePairTimeframeBypass bool
}

// AllocationResolver resolves per-user allocation configuration; normally
// backed by core.IUserStore plus per-(user,exchange) overrides.
type AllocationResolver interface {
	AllocationConfig(ctx context.Context, userID, exchange string) (AllocationConfig, error)
}

// Router classifies and dispatches inbound signals.
type Router struct {
	configs    core.IDCAConfigStore
	groups     core.IPositionGroupStore
	orders     core.IDCAOrderStore
	connectors core.ConnectorFactory
	orderSvcs  OrderServiceFactory
	pool       PoolRequester
	promoter   Promoter
	queue      Enqueuer
	risk       RiskChecker
	alloc      AllocationResolver
	logger     core.ILogger
}

// New builds a Signal Router.
func New(configs core.IDCAConfigStore, groups core.IPositionGroupStore, orders core.IDCAOrderStore, connectors core.ConnectorFactory, orderSvcs OrderServiceFactory, pool PoolRequester, promoter Promoter, queue Enqueuer, risk RiskChecker, alloc AllocationResolver, logger core.ILogger) *Router {
	return &Router{
		configs:    configs,
		groups:     groups,
		orders:     orders,
		connectors: connectors,
		orderSvcs:  orderSvcs,
		pool:       pool,
		promoter:   promoter,
		queue:      queue,
		risk:       risk,
		alloc:      alloc,
		logger:     logger.WithField("component", "signal_router"),
	}
}

// Route validates, classifies, and dispatches one signal.
func (r *Router) Route(ctx context.Context, sig core.Signal) core.RouterResponse {
	// Step 1: resolve DCAConfiguration.
	cfg, err := r.configs.GetConfig(ctx, sig.UserID, sig.Symbol, sig.Timeframe, sig.Exchange)
	if err != nil || cfg == nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: "no DCA configuration for pair/timeframe/exchange"}
	}

	// Step 2: validate precision metadata covers the symbol.
	conn, err := r.connectors.Connector(ctx, sig.UserID, sig.Exchange)
	if err != nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: "exchange not configured: " + err.Error()}
	}
	precisionRules, err := conn.GetPrecisionRules(ctx)
	if err != nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: "precision metadata unavailable: " + err.Error()}
	}
	if _, ok := precisionRules[sig.Symbol]; !ok {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: "precision metadata missing for " + sig.Symbol}
	}

	// Step 3: classify.
	if sig.IntentType == core.IntentExit {
		return r.routeExit(ctx, sig)
	}
	return r.routeEntry(ctx, sig, cfg)
}

// routeExit handles an exit intent: locate the active
// group whose side is being exited (action=buy closes a short, action=sell
// closes a long) and cancel+close it.
func (r *Router) routeExit(ctx context.Context, sig core.Signal) core.RouterResponse {
	closingSide := core.SideLong
	if sig.Action == core.ActionBuy {
		closingSide = core.SideShort
	}

	group, err := r.groups.GetActiveGroup(ctx, sig.UserID, sig.Exchange, sig.Symbol, sig.Timeframe, closingSide)
	if err != nil || group == nil {
		return core.RouterResponse{Status: core.ResponseNoActivePosition}
	}
	return r.closeGroup(ctx, group)
}

// ManualExit implements the administrative "manual exit for a group"
// operation: the same cancel-then-market-close path an exit
// signal takes, addressed by group id instead of by signal key.
// Idempotent: a group already terminal returns no_active_position.
func (r *Router) ManualExit(ctx context.Context, groupID uuid.UUID) core.RouterResponse {
	group, err := r.groups.GetGroup(ctx, groupID)
	if err != nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: err.Error()}
	}
	if group == nil || group.Status.IsTerminal() {
		return core.RouterResponse{Status: core.ResponseNoActivePosition}
	}
	return r.closeGroup(ctx, group)
}

// closeGroup cancels every open order in group, market-closes its net
// filled quantity, realizes the PnL, and releases the execution-pool
// slot on the terminal transition.
func (r *Router) closeGroup(ctx context.Context, group *core.PositionGroup) core.RouterResponse {
	orderSvc, err := r.orderSvcs.OrderService(ctx, group.UserID.String(), group.Exchange)
	if err != nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: err.Error()}
	}

	_ = r.groups.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		g.Status = core.GroupStatusClosing
		return nil
	})

	openOrders, err := r.orders.ListOrders(ctx, group.ID)
	if err != nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: err.Error()}
	}
	if err := orderSvc.CancelOpenOrdersForGroup(ctx, openOrders, group.Symbol); err != nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: fmt.Sprintf("cancel open orders: %v", err)}
	}

	pnl := decimal.Zero
	if group.TotalFilledQuantity.GreaterThan(decimal.Zero) {
		fill, err := orderSvc.PlaceMarketClose(ctx, group.Symbol, group.Side, group.TotalFilledQuantity)
		if err != nil {
			return core.RouterResponse{Status: core.ResponseRejected, RejectReason: fmt.Sprintf("market close: %v", err)}
		}
		if !fill.AvgPrice.IsZero() && !group.WeightedAvgEntry.IsZero() {
			diff := fill.AvgPrice.Sub(group.WeightedAvgEntry)
			if group.Side == core.SideShort {
				diff = diff.Neg()
			}
			pnl = diff.Mul(group.TotalFilledQuantity)
		}
	}

	now := time.Now()
	_ = r.groups.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		g.Status = core.GroupStatusClosed
		g.RealizedPnLUSD = g.RealizedPnLUSD.Add(pnl)
		g.ClosedAt = &now
		return nil
	})
	r.pool.Release(group.UserID.String(), group.SlotKey())

	return core.RouterResponse{Status: core.ResponseExited, GroupID: group.ID}
}

// routeEntry handles the entry/pyramid path: capital allocation,
// pre-trade risk checks, then slot request or enqueue.
func (r *Router) routeEntry(ctx context.Context, sig core.Signal, cfg *core.DCAConfiguration) core.RouterResponse {
	existing, err := r.groups.GetActiveGroup(ctx, sig.UserID, sig.Exchange, sig.Symbol, sig.Timeframe, sig.IntentSide)
	if err != nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: err.Error()}
	}

	isPyramid := existing != nil && existing.PyramidCount < cfg.MaxPyramids-1

	allocCfg, err := r.alloc.AllocationConfig(ctx, sig.UserID.String(), sig.Exchange)
	if err != nil {
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: err.Error()}
	}
	allocation := r.computeAllocation(ctx, sig, allocCfg)
	sig.CapitalAllocationUSD = allocation

	if r.risk != nil {
		if err := r.risk.CheckPreTrade(ctx, sig.UserID.String(), sig.Exchange, sig.Symbol, allocation, isPyramid); err != nil {
			return core.RouterResponse{Status: core.ResponseRejected, RejectReason: err.Error()}
		}
	}

	bypass := isPyramid && allocCfg.SamePairTimeframeBypass
	if bypass {
		return r.dispatch(ctx, sig, isPyramid, existing)
	}

	// The slot is keyed by the position's natural key, not the group row
	// id: it is derivable here before any group exists and again from the
	// terminal group at release time, and a continuation request on an
	// already-held key is a no-op grant.
	slotKey := core.PositionSlotKey(sig.Exchange, sig.Symbol, sig.Timeframe, sig.IntentSide)
	granted := r.pool.Request(ctx, sig.UserID.String(), slotKey, allocCfg.PerUserPoolLimit, isPyramid, false)
	if !granted {
		qs, err := r.queue.Submit(ctx, sig, isPyramid)
		if err != nil {
			return core.RouterResponse{Status: core.ResponseRejected, RejectReason: err.Error()}
		}
		return core.RouterResponse{Status: core.ResponseQueued, QueuedID: qs.ID}
	}

	return r.dispatch(ctx, sig, isPyramid, existing)
}

func (r *Router) dispatch(ctx context.Context, sig core.Signal, isPyramid bool, existing *core.PositionGroup) core.RouterResponse {
	qs := &core.QueuedSignal{SignalPayload: sig, UserID: sig.UserID, Symbol: sig.Symbol, Timeframe: sig.Timeframe, Exchange: sig.Exchange, Side: sig.IntentSide, EntryPrice: sig.EntryPrice, IsPyramidContinuation: isPyramid}
	var err error
	if isPyramid && existing != nil {
		err = r.promoter.PromoteContinuation(ctx, qs, existing)
	} else {
		err = r.promoter.PromoteNew(ctx, qs)
	}
	if err != nil {
		// Only a fresh entry consumed a slot of its own; a continuation's
		// grant was a no-op on the position's existing token, which stays
		// held until the group itself goes terminal.
		if existing == nil {
			r.pool.Release(sig.UserID.String(), core.PositionSlotKey(sig.Exchange, sig.Symbol, sig.Timeframe, sig.IntentSide))
		}
		var dup *apperrors.DuplicatePositionException
		if asDup(err, &dup) {
			return core.RouterResponse{Status: core.ResponseRejected, RejectReason: "Active position already exists"}
		}
		return core.RouterResponse{Status: core.ResponseRejected, RejectReason: err.Error()}
	}
	return core.RouterResponse{Status: core.ResponseAccepted}
}

// computeAllocation returns min(risk_per_position_percent
// * free_balance, risk_per_position_cap_usd, max_total_exposure_usd); the
// configured default is used when the balance fetch fails.
func (r *Router) computeAllocation(ctx context.Context, sig core.Signal, cfg AllocationConfig) decimal.Decimal {
	conn, err := r.connectors.Connector(ctx, sig.UserID, sig.Exchange)
	if err != nil {
		return cfg.DefaultAllocationUSD
	}
	freeBalance, err := conn.FetchFreeBalance(ctx)
	if err != nil {
		return cfg.DefaultAllocationUSD
	}
	usdt, ok := freeBalance["USDT"]
	if !ok {
		return cfg.DefaultAllocationUSD
	}

	fromPercent := usdt.Mul(cfg.RiskPerPositionPercent).Div(decimal.NewFromInt(100))
	allocation := fromPercent
	if cfg.RiskPerPositionCapUSD.GreaterThan(decimal.Zero) && cfg.RiskPerPositionCapUSD.LessThan(allocation) {
		allocation = cfg.RiskPerPositionCapUSD
	}
	if cfg.MaxTotalExposureUSD.GreaterThan(decimal.Zero) && cfg.MaxTotalExposureUSD.LessThan(allocation) {
		allocation = cfg.MaxTotalExposureUSD
	}
	return allocation
}

func asDup(err error, target **apperrors.DuplicatePositionException) bool {
	d, ok := err.(*apperrors.DuplicatePositionException)
	if ok {
		*target = d
	}
	return ok
}
