// Package riskengine implements the risk engine: a single scheduled
// loop, shared across users, that enforces pre-trade exposure limits,
// maintains each PositionGroup's grace-period timer, and executes
// "hedge" trades that close a loser against one or more winners. Each
// user is evaluated in isolation; a failure for one user is logged and
// does not abort the cycle for the rest.
package riskengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/money"
	"dcaengine/internal/ordersvc"
	"dcaengine/pkg/telemetry"
)

// OrderServiceFactory resolves the per-(user,exchange) Order Service used
// for hedge cancels/closes.
type OrderServiceFactory interface {
	OrderService(ctx context.Context, userID, exchange string) (*ordersvc.Service, error)
}

// PoolReleaser releases the loser's execution-pool slot when a hedge
// closes its group.
type PoolReleaser interface {
	Release(userID string, slotKey string)
}

// Engine evaluates and enforces per-user risk.
type Engine struct {
	users      core.IUserStore
	groups     core.IPositionGroupStore
	pyramids   core.IPyramidStore
	orders     core.IDCAOrderStore
	riskAction core.IRiskActionStore
	queue      core.IQueuedSignalStore
	connectors core.ConnectorFactory
	orderSvcs  OrderServiceFactory
	notifier   core.INotifier
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder

	cronSched *cron.Cron
	entryID   cron.EntryID

	// Pool, when set, is notified of the loser's terminal transition after
	// a hedge. Optional so tests can run without pool accounting.
	Pool PoolReleaser
}

// New builds a Risk Engine.
func New(
	users core.IUserStore,
	groups core.IPositionGroupStore,
	pyramids core.IPyramidStore,
	orders core.IDCAOrderStore,
	riskAction core.IRiskActionStore,
	queue core.IQueuedSignalStore,
	connectors core.ConnectorFactory,
	orderSvcs OrderServiceFactory,
	notifier core.INotifier,
	logger core.ILogger,
) *Engine {
	return &Engine{
		users:      users,
		groups:     groups,
		pyramids:   pyramids,
		orders:     orders,
		riskAction: riskAction,
		queue:      queue,
		connectors: connectors,
		orderSvcs:  orderSvcs,
		notifier:   notifier,
		logger:     logger.WithField("component", "risk_engine"),
		metrics:    telemetry.GetGlobalMetrics(),
	}
}

// StartLoop schedules RunCycle on a cron "@every" schedule, the same
// robfig/cron idiom internal/queue uses for promotion.
func (e *Engine) StartLoop(ctx context.Context, interval time.Duration) error {
	e.cronSched = cron.New()
	id, err := e.cronSched.AddFunc("@every "+interval.String(), func() {
		e.RunCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("risk engine: schedule cycle: %w", err)
	}
	e.entryID = id
	e.cronSched.Start()
	return nil
}

// StopLoop stops the scheduled cycle, waiting for any in-flight run.
func (e *Engine) StopLoop() {
	if e.cronSched == nil {
		return
	}
	stopCtx := e.cronSched.Stop()
	<-stopCtx.Done()
}

// RunCycle is the loop body: timer maintenance,
// daily-loss enforcement, and hedge execution for every active user.
func (e *Engine) RunCycle(ctx context.Context) {
	userIDs, err := e.users.ListActiveUserIDs(ctx)
	if err != nil {
		e.logger.Error("risk engine: failed to list active users", "error", err)
		return
	}
	for _, userID := range userIDs {
		e.runUserCycleSafe(ctx, userID)
	}
}

func (e *Engine) runUserCycleSafe(ctx context.Context, userID uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("risk engine: user cycle panicked", "user_id", userID, "panic", r)
		}
	}()
	if err := e.runUserCycle(ctx, userID); err != nil {
		e.logger.Error("risk engine: user cycle failed", "user_id", userID, "error", err)
	}
}

func (e *Engine) runUserCycle(ctx context.Context, userID uuid.UUID) error {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return err
	}

	groups, err := e.groups.ListActiveGroups(ctx, userID)
	if err != nil {
		return err
	}

	if err := e.maintainTimers(ctx, groups, user.RiskConfig); err != nil {
		e.logger.Error("risk engine: timer maintenance failed", "user_id", userID, "error", err)
	}

	paused, err := e.enforceDailyLossLimit(ctx, user)
	if err != nil {
		e.logger.Error("risk engine: daily loss check failed", "user_id", userID, "error", err)
	}
	if paused || user.RiskConfig.EngineForceStopped {
		return nil // promotions are already gated on these flags; no hedging while paused.
	}

	tickers, err := e.fetchTickers(ctx, userID, groups)
	if err != nil {
		return err
	}

	loser, winners, requiredUSD := e.selectLoserAndWinners(groups, user.RiskConfig, tickers)
	e.consumeSkipOnce(ctx, groups)
	if loser == nil {
		return nil
	}
	return e.executeHedge(ctx, user, loser, winners, requiredUSD, tickers)
}

// consumeSkipOnce clears risk_skip_once on every group that carried it
// into this cycle: the flag suppresses loser selection exactly once.
func (e *Engine) consumeSkipOnce(ctx context.Context, groups []*core.PositionGroup) {
	for _, g := range groups {
		if !g.RiskTimer.SkipOnce {
			continue
		}
		if err := e.groups.WithGroupLock(ctx, g.ID, func(locked *core.PositionGroup) error {
			locked.RiskTimer.SkipOnce = false
			return nil
		}); err != nil {
			e.logger.Error("risk engine: failed to consume skip_once", "group_id", g.ID, "error", err)
		}
	}
}

// OnFill is the Order Fill Monitor's on-fill hook: it
// re-runs timer maintenance for this user immediately instead of waiting
// for the next scheduled cycle, so a newly-filled leg can become
// risk_eligible as soon as its condition is met.
func (e *Engine) OnFill(ctx context.Context, userID string) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return
	}
	user, err := e.users.GetUser(ctx, id)
	if err != nil || user == nil {
		return
	}
	groups, err := e.groups.ListActiveGroups(ctx, id)
	if err != nil {
		return
	}
	if err := e.maintainTimers(ctx, groups, user.RiskConfig); err != nil {
		e.logger.Error("risk engine: on-fill timer maintenance failed", "user_id", userID, "error", err)
	}
}

// CheckPreTrade runs the pre-trade limit checks the signal router
// consults before committing capital.
func (e *Engine) CheckPreTrade(ctx context.Context, userID, exchange, symbol string, allocation decimal.Decimal, isPyramidContinuation bool) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("risk engine: invalid user id: %w", err)
	}
	user, err := e.users.GetUser(ctx, id)
	if err != nil || user == nil {
		return fmt.Errorf("risk engine: user lookup failed")
	}
	if user.RiskConfig.EngineForceStopped || user.RiskConfig.EnginePausedByLossLimit {
		return fmt.Errorf("risk engine: engine is paused for this user")
	}

	groups, err := e.groups.ListActiveGroups(ctx, id)
	if err != nil {
		return err
	}

	if !isPyramidContinuation {
		if user.RiskConfig.MaxOpenPositionsGlobal > 0 && len(groups) >= user.RiskConfig.MaxOpenPositionsGlobal {
			return fmt.Errorf("risk engine: max_open_positions_global reached")
		}
		if user.RiskConfig.MaxOpenPositionsPerSymbol > 0 {
			count := 0
			for _, g := range groups {
				if g.Exchange == exchange && g.Symbol == symbol {
					count++
				}
			}
			if count >= user.RiskConfig.MaxOpenPositionsPerSymbol {
				return fmt.Errorf("risk engine: max_open_positions_per_symbol reached for %s", symbol)
			}
		}
	}

	if user.RiskConfig.MaxTotalExposureUSD.GreaterThan(decimal.Zero) {
		var totalInvested decimal.Decimal
		for _, g := range groups {
			totalInvested = totalInvested.Add(g.TotalInvestedUSD)
		}
		if totalInvested.Add(allocation).GreaterThan(user.RiskConfig.MaxTotalExposureUSD) {
			return fmt.Errorf("risk engine: max_total_exposure_usd would be exceeded")
		}
	}

	if user.RiskConfig.MaxDailyLossUSD.GreaterThan(decimal.Zero) {
		realized, err := e.riskAction.SumRealizedPnLToday(ctx, id, time.Now().UTC())
		if err == nil && realized.Neg().GreaterThanOrEqual(user.RiskConfig.MaxDailyLossUSD) {
			return fmt.Errorf("risk engine: max_daily_loss_usd already breached today")
		}
	}

	return nil
}

// maintainTimers advances every group's grace timer.
func (e *Engine) maintainTimers(ctx context.Context, groups []*core.PositionGroup, cfg core.RiskConfig) error {
	for _, g := range groups {
		if err := e.maintainGroupTimer(ctx, g, cfg); err != nil {
			e.logger.Error("risk engine: timer maintenance failed for group", "group_id", g.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) maintainGroupTimer(ctx context.Context, group *core.PositionGroup, cfg core.RiskConfig) error {
	// The submitted condition is per-order: it needs the group's leg set,
	// loaded before taking the group lock (group-then-orders order).
	var orders []*core.DCAOrder
	if cfg.TimerStartCondition == core.TimerStartAfterAllDCASubmitted && group.RiskTimer.Start == nil {
		var err error
		orders, err = e.orders.ListOrders(ctx, group.ID)
		if err != nil {
			return err
		}
	}
	return e.groups.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		if g.RiskTimer.Start == nil && timerConditionMet(g, cfg, orders) {
			now := time.Now()
			expires := now.Add(time.Duration(cfg.PostFullWaitMinutes) * time.Minute)
			g.RiskTimer.Start = &now
			g.RiskTimer.Expires = &expires
		}
		if g.RiskTimer.Expires != nil && !g.RiskTimer.Eligible && !time.Now().Before(*g.RiskTimer.Expires) {
			g.RiskTimer.Eligible = true
		}
		return nil
	})
}

// timerConditionMet evaluates the three timer_start_condition variants.
// orders is consulted only by the submitted condition.
func timerConditionMet(g *core.PositionGroup, cfg core.RiskConfig, orders []*core.DCAOrder) bool {
	switch cfg.TimerStartCondition {
	case core.TimerStartAfterAllDCAFilled:
		return g.TotalDCALegs > 0 && g.FilledDCALegs == g.TotalDCALegs
	case core.TimerStartAfter5Pyramids:
		return g.PyramidCount >= g.MaxPyramids
	case core.TimerStartAfterAllDCASubmitted:
		// Every entry leg must be at least open (or terminal). A pending
		// leg has not reached the exchange, and a trigger_pending far-side
		// leg may sit unsubmitted indefinitely; both keep the timer unarmed.
		seen := false
		for _, o := range orders {
			if o.IsTPLeg {
				continue
			}
			seen = true
			if o.Status == core.OrderStatusPending || o.Status == core.OrderStatusTriggerPending {
				return false
			}
		}
		return seen
	default:
		return false
	}
}

// enforceDailyLossLimit is the daily-loss circuit breaker.
func (e *Engine) enforceDailyLossLimit(ctx context.Context, user *core.User) (bool, error) {
	if user.RiskConfig.MaxDailyLossUSD.LessThanOrEqual(decimal.Zero) {
		return user.RiskConfig.EnginePausedByLossLimit, nil
	}
	realized, err := e.riskAction.SumRealizedPnLToday(ctx, user.ID, time.Now().UTC())
	if err != nil {
		return user.RiskConfig.EnginePausedByLossLimit, err
	}
	if realized.Neg().GreaterThanOrEqual(user.RiskConfig.MaxDailyLossUSD) && !user.RiskConfig.EnginePausedByLossLimit {
		user.RiskConfig.EnginePausedByLossLimit = true
		if err := e.users.SaveRiskConfig(ctx, user.ID, user.RiskConfig); err != nil {
			return true, err
		}
		if e.metrics != nil {
			e.metrics.SetEnginePaused(user.ID.String(), true)
		}
		if e.notifier != nil {
			e.notifier.Notify(ctx, user.ID, "Daily loss limit reached; new entries paused until reset.")
		}
		return true, nil
	}
	return user.RiskConfig.EnginePausedByLossLimit, nil
}

// ForceStartEngine clears both pause flags.
func (e *Engine) ForceStartEngine(ctx context.Context, userID uuid.UUID) error {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return err
	}
	user.RiskConfig.EnginePausedByLossLimit = false
	user.RiskConfig.EngineForceStopped = false
	if e.metrics != nil {
		e.metrics.SetEnginePaused(userID.String(), false)
	}
	return e.users.SaveRiskConfig(ctx, userID, user.RiskConfig)
}

// ForceStopEngine cancels all queued signals and sets
// engine_force_stopped.
func (e *Engine) ForceStopEngine(ctx context.Context, userID uuid.UUID) error {
	if err := e.queue.CancelAllForUser(ctx, userID); err != nil {
		return err
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return err
	}
	user.RiskConfig.EngineForceStopped = true
	return e.users.SaveRiskConfig(ctx, userID, user.RiskConfig)
}

// SetGroupBlocked implements the administrative block/unblock action;
// a blocked group is never selected as a loser.
func (e *Engine) SetGroupBlocked(ctx context.Context, groupID uuid.UUID, blocked bool) error {
	return e.groups.WithGroupLock(ctx, groupID, func(g *core.PositionGroup) error {
		g.RiskTimer.Blocked = blocked
		return nil
	})
}

// SkipOnce marks a group to be skipped from loser selection exactly once.
func (e *Engine) SkipOnce(ctx context.Context, groupID uuid.UUID) error {
	return e.groups.WithGroupLock(ctx, groupID, func(g *core.PositionGroup) error {
		g.RiskTimer.SkipOnce = true
		return nil
	})
}

func (e *Engine) fetchTickers(ctx context.Context, userID uuid.UUID, groups []*core.PositionGroup) (map[string]decimal.Decimal, error) {
	byExchange := make(map[string]map[string]struct{})
	for _, g := range groups {
		set, ok := byExchange[g.Exchange]
		if !ok {
			set = make(map[string]struct{})
			byExchange[g.Exchange] = set
		}
		set[g.Symbol] = struct{}{}
	}
	out := make(map[string]decimal.Decimal)
	for exchange := range byExchange {
		conn, err := e.connectors.Connector(ctx, userID, exchange)
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

// unrealizedPnL computes unrealized PnL in USD and percent for a group at
// current, sign-adjusted for side.
func unrealizedPnL(g *core.PositionGroup, current decimal.Decimal) (usd, percent decimal.Decimal) {
	if g.TotalFilledQuantity.IsZero() || g.WeightedAvgEntry.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	diff := current.Sub(g.WeightedAvgEntry)
	if g.Side == core.SideShort {
		diff = diff.Neg()
	}
	usd = diff.Mul(g.TotalFilledQuantity)
	percent = diff.Div(g.WeightedAvgEntry).Mul(decimal.NewFromInt(100))
	return usd, percent
}

type loserCandidate struct {
	group      *core.PositionGroup
	pnlUSD     decimal.Decimal
	pnlPercent decimal.Decimal
}

type winnerCandidate struct {
	group  *core.PositionGroup
	pnlUSD decimal.Decimal
}

// selectLoserAndWinners picks the hedge candidates for this cycle.
func (e *Engine) selectLoserAndWinners(groups []*core.PositionGroup, cfg core.RiskConfig, tickers map[string]decimal.Decimal) (*core.PositionGroup, []*winnerCandidate, decimal.Decimal) {
	var losers []loserCandidate
	var winners []winnerCandidate

	for _, g := range groups {
		current, ok := tickers[g.Symbol]
		if !ok {
			continue
		}
		pnlUSD, pnlPercent := unrealizedPnL(g, current)

		if pnlUSD.GreaterThan(decimal.Zero) {
			winners = append(winners, winnerCandidate{group: g, pnlUSD: pnlUSD})
			continue
		}

		if g.Status != core.GroupStatusActive {
			continue
		}
		if !g.RiskTimer.Eligible || g.RiskTimer.Blocked {
			continue
		}
		if g.RiskTimer.SkipOnce {
			continue
		}
		if pnlPercent.GreaterThan(cfg.LossThresholdPercent.Neg()) {
			continue
		}
		if cfg.RequireFullPyramids && g.PyramidCount < g.MaxPyramids {
			continue
		}
		if cfg.UseTradeAgeFilter {
			age := time.Since(g.CreatedAt)
			if age < time.Duration(cfg.AgeThresholdMinutes)*time.Minute {
				continue
			}
		}
		losers = append(losers, loserCandidate{group: g, pnlUSD: pnlUSD, pnlPercent: pnlPercent})
	}

	if len(losers) == 0 {
		return nil, nil, decimal.Zero
	}

	best := losers[0]
	for _, l := range losers[1:] {
		if l.pnlPercent.Abs().GreaterThan(best.pnlPercent.Abs()) {
			best = l
			continue
		}
		if l.pnlPercent.Abs().Equal(best.pnlPercent.Abs()) && l.pnlUSD.Abs().GreaterThan(best.pnlUSD.Abs()) {
			best = l
			continue
		}
		if l.pnlPercent.Abs().Equal(best.pnlPercent.Abs()) && l.pnlUSD.Abs().Equal(best.pnlUSD.Abs()) && l.group.CreatedAt.Before(best.group.CreatedAt) {
			best = l
		}
	}

	for i := 0; i < len(winners)-1; i++ {
		for j := i + 1; j < len(winners); j++ {
			if winners[j].pnlUSD.GreaterThan(winners[i].pnlUSD) {
				winners[i], winners[j] = winners[j], winners[i]
			}
		}
	}
	maxWinners := cfg.MaxWinnersToCombine
	if maxWinners <= 0 {
		maxWinners = 3
	}
	if len(winners) > maxWinners {
		winners = winners[:maxWinners]
	}

	out := make([]*winnerCandidate, len(winners))
	for i := range winners {
		w := winners[i]
		out[i] = &w
	}

	return best.group, out, best.pnlUSD.Abs()
}

// executeHedge closes the loser and partially closes the planned winners.
func (e *Engine) executeHedge(ctx context.Context, user *core.User, loser *core.PositionGroup, winners []*winnerCandidate, requiredUSD decimal.Decimal, tickers map[string]decimal.Decimal) error {
	conn, err := e.connectors.Connector(ctx, user.ID, loser.Exchange)
	if err != nil {
		return err
	}
	precision, err := conn.GetPrecisionRules(ctx)
	if err != nil {
		return err
	}

	remaining := requiredUSD
	var contributions []core.WinnerContribution
	var plannedCloses []plannedClose

	for _, w := range winners {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		current, ok := tickers[w.group.Symbol]
		if !ok || w.group.WeightedAvgEntry.IsZero() {
			continue
		}
		rules := precision[w.group.Symbol]

		profitToTake := w.pnlUSD
		if remaining.LessThan(profitToTake) {
			profitToTake = remaining
		}

		priceDiff := current.Sub(w.group.WeightedAvgEntry)
		if w.group.Side == core.SideShort {
			priceDiff = priceDiff.Neg()
		}
		if priceDiff.LessThanOrEqual(decimal.Zero) {
			continue
		}

		qty := profitToTake.Div(priceDiff)
		qty = money.FloorToStep(qty, rules.StepSize)
		if qty.Mul(current).LessThan(rules.MinNotional) {
			continue
		}
		if qty.GreaterThan(w.group.TotalFilledQuantity) {
			qty = w.group.TotalFilledQuantity
		}
		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}

		realizedContribution := priceDiff.Mul(qty)
		plannedCloses = append(plannedCloses, plannedClose{group: w.group, qty: qty, pnl: realizedContribution})
		contributions = append(contributions, core.WinnerContribution{GroupID: w.group.ID, PnLUSD: realizedContribution, QuantityClosed: qty})
		remaining = remaining.Sub(realizedContribution)
	}

	if len(plannedCloses) == 0 && requiredUSD.GreaterThan(decimal.Zero) {
		return nil // no feasible winner set this cycle; try again next cycle.
	}

	loserOrderSvc, err := e.orderSvcs.OrderService(ctx, user.ID.String(), loser.Exchange)
	if err != nil {
		return err
	}
	loserOpenOrders, err := e.orders.ListOrders(ctx, loser.ID)
	if err != nil {
		return err
	}
	// Capture the loser's PnL snapshot before any state change: the
	// audit row must record the loss that motivated the hedge, not the
	// zero that remains after the close.
	capturedLoserPnL, _ := unrealizedPnL(loser, tickers[loser.Symbol])

	if err := loserOrderSvc.CancelOpenOrdersForGroup(ctx, openOnly(loserOpenOrders), loser.Symbol); err != nil {
		return fmt.Errorf("risk engine: cancel loser open orders: %w", err)
	}
	if loser.TotalFilledQuantity.GreaterThan(decimal.Zero) {
		if _, err := loserOrderSvc.PlaceMarketClose(ctx, loser.Symbol, loser.Side, loser.TotalFilledQuantity); err != nil {
			return fmt.Errorf("risk engine: market close loser: %w", err)
		}
	}
	if err := e.groups.WithGroupLock(ctx, loser.ID, func(g *core.PositionGroup) error {
		g.Status = core.GroupStatusClosed
		g.RealizedPnLUSD = g.RealizedPnLUSD.Add(capturedLoserPnL)
		now := time.Now()
		g.ClosedAt = &now
		return nil
	}); err != nil {
		return err
	}
	if e.Pool != nil {
		e.Pool.Release(user.ID.String(), loser.SlotKey())
	}

	for _, pc := range plannedCloses {
		winnerOrderSvc, err := e.orderSvcs.OrderService(ctx, user.ID.String(), pc.group.Exchange)
		if err != nil {
			e.logger.Error("risk engine: winner order service unavailable", "group_id", pc.group.ID, "error", err)
			continue
		}
		if _, err := winnerOrderSvc.PlaceMarketClose(ctx, pc.group.Symbol, pc.group.Side, pc.qty); err != nil {
			e.logger.Error("risk engine: winner partial close failed", "group_id", pc.group.ID, "error", err)
			continue
		}
		_ = e.groups.WithGroupLock(ctx, pc.group.ID, func(g *core.PositionGroup) error {
			g.TotalFilledQuantity = g.TotalFilledQuantity.Sub(pc.qty)
			g.RealizedPnLUSD = g.RealizedPnLUSD.Add(pc.pnl)
			return nil
		})
	}

	action := &core.RiskAction{
		ID:             uuid.New(),
		UserID:         user.ID,
		LoserGroupID:   loser.ID,
		LoserPnLUSD:    capturedLoserPnL,
		WinnerContribs: contributions,
		ExecutedAt:     time.Now(),
	}
	if err := e.riskAction.Record(ctx, action); err != nil {
		e.logger.Error("risk engine: failed to record risk action", "error", err)
	}
	if e.metrics != nil && e.metrics.HedgesExecutedTotal != nil {
		e.metrics.HedgesExecutedTotal.Add(ctx, 1)
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, user.ID, fmt.Sprintf("Hedge executed: closed losing position %s (pnl %s), combined with %d winner(s).", loser.Symbol, capturedLoserPnL.String(), len(plannedCloses)))
	}
	return nil
}

type plannedClose struct {
	group *core.PositionGroup
	qty   decimal.Decimal
	pnl   decimal.Decimal
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
