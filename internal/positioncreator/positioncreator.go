// Package positioncreator materializes a promoted QueuedSignal (new
// entry or pyramid continuation) into persistent state: it resolves
// precision, runs the grid calculator, creates the PositionGroup/
// Pyramid/DCAOrder rows, and submits the "submit now" leg set through
// the order service.
//
// The creation sequence is expressed as a durable workflow on
// github.com/dbos-inc/dbos-transact-golang: each side-effecting phase is
// wrapped in ctx.RunAsStep so a crash mid-creation resumes rather than
// re-running completed steps; already-submitted orders are never
// re-submitted or cancelled on a later failure.
package positioncreator

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/grid"
	"dcaengine/internal/ordersvc"
	apperrors "dcaengine/pkg/errors"
	"dcaengine/pkg/telemetry"
)

// OrderServiceFactory resolves the per-(user,exchange) Order Service
// session used to submit the "submit now" leg set.
type OrderServiceFactory interface {
	OrderService(ctx context.Context, userID, exchange string) (*ordersvc.Service, error)
}

// PoolReleaser releases a position's slot on group failure. The creator
// only calls this on the synchronous submit-failure path; terminal
// releases after live trading come from the fill monitor, the
// take-profit evaluator, the risk engine and the router's close path.
type PoolReleaser interface {
	Release(userID string, slotKey string)
}

// NewPositionInput is the DBOS workflow input for a brand-new
// PositionGroup (pyramid index 0).
type NewPositionInput struct {
	Signal core.Signal
}

// ContinuationInput is the DBOS workflow input for adding a pyramid to an
// existing PositionGroup.
type ContinuationInput struct {
	Signal  core.Signal
	GroupID uuid.UUID
}

// Result is returned by both workflows.
type Result struct {
	GroupID   uuid.UUID
	PyramidID uuid.UUID
	Failed    bool
	Reason    string
}

// Creator builds position state, wired to a DBOS context for durability.
type Creator struct {
	store      core.IStore
	connectors core.ConnectorFactory
	orderSvcs  OrderServiceFactory
	pool       PoolReleaser
	notifier   core.INotifier
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder
	dbosCtx    dbos.DBOSContext
}

// New builds a Position Creator. dbosCtx may be nil in tests that want to
// run the workflow bodies directly without a DBOS runtime.
func New(store core.IStore, connectors core.ConnectorFactory, orderSvcs OrderServiceFactory, pool PoolReleaser, notifier core.INotifier, logger core.ILogger, dbosCtx dbos.DBOSContext) *Creator {
	return &Creator{
		store:      store,
		connectors: connectors,
		orderSvcs:  orderSvcs,
		pool:       pool,
		notifier:   notifier,
		logger:     logger.WithField("component", "position_creator"),
		metrics:    telemetry.GetGlobalMetrics(),
		dbosCtx:    dbosCtx,
	}
}

// PromoteNew implements internal/queue's Promoter interface for a new
// entry. It runs CreateNewPositionWorkflow durably when dbosCtx is set,
// or inline otherwise.
func (c *Creator) PromoteNew(ctx context.Context, signal *core.QueuedSignal) error {
	input := NewPositionInput{Signal: signal.SignalPayload}
	res, err := c.runWorkflow(ctx, c.CreateNewPositionWorkflow, input)
	if err != nil {
		return err
	}
	if r, ok := res.(Result); ok && r.Failed {
		return fmt.Errorf("position creator: %s", r.Reason)
	}
	return nil
}

// PromoteContinuation implements internal/queue's Promoter interface for
// a pyramid continuation onto an already-active group.
func (c *Creator) PromoteContinuation(ctx context.Context, signal *core.QueuedSignal, existing *core.PositionGroup) error {
	input := ContinuationInput{Signal: signal.SignalPayload, GroupID: existing.ID}
	res, err := c.runWorkflow(ctx, c.CreateContinuationWorkflow, input)
	if err != nil {
		return err
	}
	if r, ok := res.(Result); ok && r.Failed {
		return fmt.Errorf("position creator: %s", r.Reason)
	}
	return nil
}

func (c *Creator) runWorkflow(ctx context.Context, fn func(dbos.DBOSContext, any) (any, error), input any) (any, error) {
	if c.dbosCtx == nil {
		return fn(nil, input)
	}
	handle, err := c.dbosCtx.RunWorkflow(c.dbosCtx, fn, input)
	if err != nil {
		return nil, fmt.Errorf("position creator: start workflow: %w", err)
	}
	return handle.GetResult()
}

// runStep executes fn as a durable step when a DBOS context is present,
// or inline when it is nil (tests, or the non-durable "simple" engine
// mode, config.App.EngineType=="simple").
func (c *Creator) runStep(ctx dbos.DBOSContext, fn func(context.Context) (any, error)) (any, error) {
	if ctx == nil {
		return fn(context.Background())
	}
	return ctx.RunAsStep(ctx, fn)
}

// CreateNewPositionWorkflow creates and submits a brand-new
// PositionGroup (pyramid index 0).
func (c *Creator) CreateNewPositionWorkflow(wfCtx dbos.DBOSContext, inputAny any) (any, error) {
	input := inputAny.(NewPositionInput)
	sig := input.Signal

	prepRaw, err := c.runStep(wfCtx, func(ctx context.Context) (any, error) {
		return c.prepare(ctx, sig, 0)
	})
	if err != nil {
		return nil, err
	}
	prep := prepRaw.(*preparation)
	if prep.err != nil {
		return Result{Failed: true, Reason: prep.err.Error()}, nil
	}

	createRaw, err := c.runStep(wfCtx, func(ctx context.Context) (any, error) {
		return c.createGroupAndOrders(ctx, sig, prep, nil)
	})
	if err != nil {
		return nil, err
	}
	created := createRaw.(*creationResult)
	if created.err != nil {
		var dup *apperrors.DuplicatePositionException
		if asDuplicate(created.err, &dup) {
			return Result{Failed: true, Reason: created.err.Error()}, nil
		}
		return Result{Failed: true, Reason: created.err.Error()}, nil
	}

	submitRaw, err := c.runStep(wfCtx, func(ctx context.Context) (any, error) {
		return c.submitEntryOrders(ctx, sig, created)
	})
	if err != nil {
		return nil, err
	}
	submitErr, _ := submitRaw.(error)
	if submitErr != nil {
		c.handleSubmitFailure(context.Background(), created, submitErr)
		return Result{GroupID: created.group.ID, PyramidID: created.pyramid.ID, Failed: true, Reason: submitErr.Error()}, nil
	}

	if c.metrics != nil && c.metrics.GroupsOpenedTotal != nil {
		c.metrics.GroupsOpenedTotal.Add(context.Background(), 1)
	}
	return Result{GroupID: created.group.ID, PyramidID: created.pyramid.ID}, nil
}

// CreateContinuationWorkflow is the pyramid-continuation variant:
// identical to the new-entry path except creation adds a Pyramid
// to an existing PositionGroup and increments pyramid_count, and the
// risk timer resets to the unarmed state.
func (c *Creator) CreateContinuationWorkflow(wfCtx dbos.DBOSContext, inputAny any) (any, error) {
	input := inputAny.(ContinuationInput)
	sig := input.Signal

	groupRaw, err := c.runStep(wfCtx, func(ctx context.Context) (any, error) {
		return c.store.GetGroup(ctx, input.GroupID)
	})
	if err != nil {
		return nil, err
	}
	group, _ := groupRaw.(*core.PositionGroup)
	if group == nil {
		return Result{Failed: true, Reason: "continuation target group not found"}, nil
	}

	prepRaw, err := c.runStep(wfCtx, func(ctx context.Context) (any, error) {
		return c.prepare(ctx, sig, group.PyramidCount)
	})
	if err != nil {
		return nil, err
	}
	prep := prepRaw.(*preparation)
	if prep.err != nil {
		return Result{Failed: true, Reason: prep.err.Error()}, nil
	}

	createRaw, err := c.runStep(wfCtx, func(ctx context.Context) (any, error) {
		return c.createGroupAndOrders(ctx, sig, prep, group)
	})
	if err != nil {
		return nil, err
	}
	created := createRaw.(*creationResult)
	if created.err != nil {
		return Result{Failed: true, Reason: created.err.Error()}, nil
	}

	submitRaw, err := c.runStep(wfCtx, func(ctx context.Context) (any, error) {
		return c.submitEntryOrders(ctx, sig, created)
	})
	if err != nil {
		return nil, err
	}
	submitErr, _ := submitRaw.(error)
	if submitErr != nil {
		c.handleSubmitFailure(context.Background(), created, submitErr)
		return Result{GroupID: created.group.ID, PyramidID: created.pyramid.ID, Failed: true, Reason: submitErr.Error()}, nil
	}

	return Result{GroupID: created.group.ID, PyramidID: created.pyramid.ID}, nil
}

// preparation holds the output of steps 1-3 (precision, config, grid).
type preparation struct {
	config    *core.DCAConfiguration
	precision core.SymbolPrecision
	levels    []grid.MaterializedLevel
	err       error
}

// prepare fetches precision, resolves the DCAConfiguration, and runs
// the grid calculator.
func (c *Creator) prepare(ctx context.Context, sig core.Signal, pyramidIndex int) (*preparation, error) {
	cfg, err := c.store.GetConfig(ctx, sig.UserID, sig.Symbol, sig.Timeframe, sig.Exchange)
	if err != nil {
		return &preparation{err: err}, nil
	}

	conn, err := c.connectors.Connector(ctx, sig.UserID, sig.Exchange)
	if err != nil {
		return &preparation{err: err}, nil
	}
	precisionRules, err := conn.GetPrecisionRules(ctx)
	if err != nil {
		return &preparation{err: err}, nil
	}
	precision, ok := precisionRules[sig.Symbol]
	if !ok {
		return &preparation{err: &apperrors.ValidationError{Field: "symbol", Reason: "no precision metadata for " + sig.Symbol}}, nil
	}

	levels := grid.CalculateLevels(sig.EntryPrice, sig.IntentSide, cfg.LevelsForPyramid(pyramidIndex), precision)
	sized, err := grid.CalculateQuantities(levels, sig.CapitalAllocationUSD, precision)
	if err != nil {
		return &preparation{err: err}, nil
	}

	return &preparation{config: cfg, precision: precision, levels: sized}, nil
}

// creationResult holds the output of step 4 (atomic group/pyramid/orders
// create) plus the classification needed by step 5.
type creationResult struct {
	group      *core.PositionGroup
	pyramid    *core.Pyramid
	submitNow  []*core.DCAOrder
	triggerSet []*core.DCAOrder
	err        error
}

// createGroupAndOrders atomically creates the group/pyramid/order rows
// (DuplicatePositionException on the partial-unique-index violation) and
// classifies legs into submit-now vs trigger-pending. existing is
// nil for a new entry, or the group being extended for a continuation.
func (c *Creator) createGroupAndOrders(ctx context.Context, sig core.Signal, prep *preparation, existing *core.PositionGroup) (*creationResult, error) {
	now := time.Now()
	group := existing
	pyramidIndex := 0

	if group == nil {
		group = &core.PositionGroup{
			ID:          uuid.New(),
			UserID:      sig.UserID,
			Exchange:    sig.Exchange,
			Symbol:      sig.Symbol,
			Timeframe:   sig.Timeframe,
			Side:        sig.IntentSide,
			Status:      core.GroupStatusWaiting,
			DCAConfigID: prep.config.ID,
			MaxPyramids: prep.config.MaxPyramids,
			CreatedAt:   now,
		}
		if err := c.store.CreateGroup(ctx, group); err != nil {
			return &creationResult{err: err}, nil
		}
	} else {
		pyramidIndex = group.PyramidCount
	}

	pyramid := &core.Pyramid{
		ID:             uuid.New(),
		GroupID:        group.ID,
		Index:          pyramidIndex,
		Status:         core.PyramidStatusPending,
		ConfigSnapshot: *prep.config,
	}
	if err := c.store.CreatePyramid(ctx, pyramid); err != nil {
		return &creationResult{err: err}, nil
	}

	var submitNow, triggerSet []*core.DCAOrder
	for _, lvl := range prep.levels {
		order := &core.DCAOrder{
			ID:            uuid.New(),
			PyramidID:     pyramid.ID,
			GroupID:       group.ID,
			LegIndex:      lvl.LegIndex,
			Price:         lvl.Price,
			Quantity:      lvl.Quantity,
			GapPercent:    lvl.GapPercent,
			WeightPercent: lvl.WeightPercent,
			TPPercent:     lvl.TPPercent,
			TPPrice:       lvl.TPPrice,
			Status:        core.OrderStatusPending,
		}

		// Step 5 classification:
		//   entry_order_type=limit  -> every leg submitted now, pending.
		//   entry_order_type=market -> a leg at or better than the signal
		//   price submits now (long: gap >= 0, short: gap <= 0); a leg on
		//   the far side waits as trigger_pending until the fill monitor
		//   observes the market reaching it. gap = 0 always submits
		//   immediately, for shorts too, following the long convention.
		farSide := lvl.GapPercent.LessThan(decimal.Zero)
		if sig.IntentSide == core.SideShort {
			farSide = lvl.GapPercent.GreaterThan(decimal.Zero)
		}
		if prep.config.EntryOrderType == core.EntryOrderTypeMarket && farSide {
			order.Status = core.OrderStatusTriggerPending
			triggerSet = append(triggerSet, order)
		} else {
			submitNow = append(submitNow, order)
		}

		if err := c.store.CreateOrder(ctx, order); err != nil {
			return &creationResult{err: err}, nil
		}
	}

	group.TotalDCALegs += len(prep.levels)
	group.PyramidCount++
	group.MaxPyramids = prep.config.MaxPyramids
	if group.Status == core.GroupStatusWaiting {
		group.Status = core.GroupStatusLive
	}
	if err := c.store.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		*g = *group
		// A new pyramid resets the risk timer to the unarmed state
		g.RiskTimer = core.RiskTimer{}
		return nil
	}); err != nil {
		return &creationResult{err: err}, nil
	}

	return &creationResult{group: group, pyramid: pyramid, submitNow: submitNow, triggerSet: triggerSet}, nil
}

// submitEntryOrders submits the "submit now" set sequentially and
// advances the pyramid status. Any
// submission failure marks the group failed and short-circuits, but
// already-submitted orders are left tracked, never cancelled.
func (c *Creator) submitEntryOrders(ctx context.Context, sig core.Signal, created *creationResult) (any, error) {
	orderSvc, err := c.orderSvcs.OrderService(ctx, sig.UserID.String(), sig.Exchange)
	if err != nil {
		return err, nil
	}

	action := core.ActionBuy
	if sig.IntentSide == core.SideShort {
		action = core.ActionSell
	}

	for _, order := range created.submitNow {
		orderType := core.ExchangeOrderLimit
		if created.pyramid.ConfigSnapshot.EntryOrderType == core.EntryOrderTypeMarket {
			orderType = core.ExchangeOrderMarket
		}
		if err := orderSvc.Submit(ctx, order, sig.Symbol, action, orderType); err != nil {
			_ = c.store.WithGroupLock(ctx, created.group.ID, func(g *core.PositionGroup) error {
				g.Status = core.GroupStatusFailed
				return nil
			})
			return err, nil
		}
	}

	created.pyramid.Status = core.PyramidStatusSubmitted
	if err := c.store.SavePyramid(ctx, created.pyramid); err != nil {
		return err, nil
	}
	return nil, nil
}

func (c *Creator) handleSubmitFailure(ctx context.Context, created *creationResult, submitErr error) {
	if c.pool != nil {
		c.pool.Release(created.group.UserID.String(), created.group.SlotKey())
	}
	if c.notifier != nil {
		c.notifier.Notify(ctx, created.group.UserID, fmt.Sprintf("position creation failed for %s %s: %v", created.group.Symbol, created.group.Side, submitErr))
	}
	c.logger.Error("position creator: submit failed, group marked failed", "group_id", created.group.ID, "error", submitErr)
}

func asDuplicate(err error, target **apperrors.DuplicatePositionException) bool {
	d, ok := err.(*apperrors.DuplicatePositionException)
	if ok {
		*target = d
	}
	return ok
}
