package tpeval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
	"dcaengine/internal/exchangeconn"
	"dcaengine/internal/exchangeconn/mockconn"
	"dcaengine/internal/ordersvc"
	"dcaengine/internal/store"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type fakeReleaser struct{ released []string }

func (f *fakeReleaser) Release(userID, groupID string) {
	f.released = append(f.released, groupID)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	eval     *Evaluator
	mem      *store.MemStore
	conn     *mockconn.MockConnector
	releaser *fakeReleaser
	userID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemStore()
	conn := mockconn.NewMockConnector("mock")
	conn.SetPrecision("BTC/USDT", core.SymbolPrecision{
		TickSize:    dec("0.01"),
		StepSize:    dec("0.00001"),
		MinQty:      dec("0.00001"),
		MinNotional: dec("10"),
	})

	svcCfg := ordersvc.DefaultConfig()
	svcCfg.RetryPolicy.MaxAttempts = 1
	svcCfg.RetryPolicy.InitialBackoff = time.Millisecond
	registry := exchangeconn.NewRegistry(map[string]core.IExchangeConnector{"mock": conn}, mem, mem, svcCfg, nopLogger{})

	releaser := &fakeReleaser{}
	return &fixture{
		eval:     New(mem, mem, mem, registry.OrderService, releaser, nopLogger{}),
		mem:      mem,
		conn:     conn,
		releaser: releaser,
		userID:   uuid.New(),
	}
}

func (f *fixture) shortGroup(t *testing.T, qty, avgEntry string) *core.PositionGroup {
	t.Helper()
	g := &core.PositionGroup{
		ID:                  uuid.New(),
		UserID:              f.userID,
		Exchange:            "mock",
		Symbol:              "BTC/USDT",
		Timeframe:           "60",
		Side:                core.SideShort,
		Status:              core.GroupStatusActive,
		TotalFilledQuantity: dec(qty),
		WeightedAvgEntry:    dec(avgEntry),
		CreatedAt:           time.Now(),
	}
	require.NoError(t, f.mem.CreateGroup(context.Background(), g))
	return g
}

func aggregateConfig(percent string) *core.DCAConfiguration {
	return &core.DCAConfiguration{
		ID:                 uuid.New(),
		TPMode:             core.TPModeAggregate,
		TPAggregatePercent: dec(percent),
	}
}

// Short with weighted_avg_entry 50500 and tp_aggregate 2% targets
// 49490. One tick above does nothing; at the target (inclusive) the group
// market-closes with ~2.02 USD realized.
func TestEvaluate_AggregateShortTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.shortGroup(t, "0.002", "50500")
	cfg := aggregateConfig("2")

	f.conn.SetPrice("BTC/USDT", dec("49491"))
	require.NoError(t, f.eval.Evaluate(ctx, group, cfg, dec("49491")))
	unchanged, err := f.mem.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusActive, unchanged.Status)

	f.conn.SetPrice("BTC/USDT", dec("49490"))
	require.NoError(t, f.eval.Evaluate(ctx, group, cfg, dec("49490")))

	closed, err := f.mem.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, closed.RealizedPnLUSD.Equal(dec("2.02")), "got %s", closed.RealizedPnLUSD)
	assert.Contains(t, f.releaser.released, group.SlotKey())
}

func TestEvaluate_AggregateCancelsOpenEntriesFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.shortGroup(t, "0.002", "50500")
	cfg := aggregateConfig("2")

	// A resting entry leg is still open when the aggregate target hits.
	resting := &core.DCAOrder{
		ID:       uuid.New(),
		GroupID:  group.ID,
		LegIndex: 1,
		Price:    dec("51000"),
		Quantity: dec("0.001"),
		Status:   core.OrderStatusOpen,
	}
	require.NoError(t, f.mem.CreateOrder(ctx, resting))

	f.conn.SetPrice("BTC/USDT", dec("49000"))
	require.NoError(t, f.eval.Evaluate(ctx, group, cfg, dec("49000")))

	cancelled, err := f.mem.GetOrder(ctx, resting.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, cancelled.Status)

	closed, err := f.mem.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusClosed, closed.Status)
}

func TestEvaluate_PerLegIsNoOp(t *testing.T) {
	f := newFixture(t)
	group := f.shortGroup(t, "0.002", "50500")
	cfg := &core.DCAConfiguration{TPMode: core.TPModePerLeg}

	require.NoError(t, f.eval.Evaluate(context.Background(), group, cfg, dec("1")))
	unchanged, err := f.mem.GetGroup(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusActive, unchanged.Status)
}

// Hybrid precedence: on an aggregate trigger, still-open
// per-leg TP children are cancelled first; an already-filled TP child is
// final and untouched.
func TestEvaluate_HybridCancelsOpenTPChildrenOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.shortGroup(t, "0.002", "50500")
	cfg := &core.DCAConfiguration{
		ID:                 uuid.New(),
		TPMode:             core.TPModeHybrid,
		TPAggregatePercent: dec("2"),
	}

	openChild := &core.DCAOrder{
		ID:       uuid.New(),
		GroupID:  group.ID,
		LegIndex: 0,
		Price:    dec("49995"),
		Quantity: dec("0.001"),
		Status:   core.OrderStatusOpen,
		IsTPLeg:  true,
	}
	filledChild := &core.DCAOrder{
		ID:             uuid.New(),
		GroupID:        group.ID,
		LegIndex:       1,
		Price:          dec("50000"),
		Quantity:       dec("0.001"),
		Status:         core.OrderStatusFilled,
		FilledQuantity: dec("0.001"),
		AvgFillPrice:   dec("50000"),
		IsTPLeg:        true,
		TPHit:          true,
	}
	require.NoError(t, f.mem.CreateOrder(ctx, openChild))
	require.NoError(t, f.mem.CreateOrder(ctx, filledChild))

	f.conn.SetPrice("BTC/USDT", dec("49490"))
	require.NoError(t, f.eval.Evaluate(ctx, group, cfg, dec("49490")))

	reloadedOpen, err := f.mem.GetOrder(ctx, openChild.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, reloadedOpen.Status)

	reloadedFilled, err := f.mem.GetOrder(ctx, filledChild.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, reloadedFilled.Status, "a filled per-leg TP is final")

	closed, err := f.mem.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusClosed, closed.Status)
}

// pyramid_aggregate: each pyramid closes at its own target; the group
// closes only when its last pyramid does.
func TestEvaluate_PyramidAggregateClosesPerPyramid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.shortGroup(t, "0.004", "50500")
	cfg := &core.DCAConfiguration{
		ID:                 uuid.New(),
		TPMode:             core.TPModePyramidAggregate,
		TPAggregatePercent: dec("2"),
	}

	p0 := &core.Pyramid{
		ID:              uuid.New(),
		GroupID:         group.ID,
		Index:           0,
		Status:          core.PyramidStatusFilled,
		TotalFilledQty:  dec("0.002"),
		WeightedAvgCost: dec("50500"), // target 49490
	}
	p1 := &core.Pyramid{
		ID:              uuid.New(),
		GroupID:         group.ID,
		Index:           1,
		Status:          core.PyramidStatusFilled,
		TotalFilledQty:  dec("0.002"),
		WeightedAvgCost: dec("49000"), // target 48020, not reached yet
	}
	require.NoError(t, f.mem.CreatePyramid(ctx, p0))
	require.NoError(t, f.mem.CreatePyramid(ctx, p1))

	f.conn.SetPrice("BTC/USDT", dec("49490"))
	require.NoError(t, f.eval.Evaluate(ctx, group, cfg, dec("49490")))

	closedP0, err := f.mem.GetPyramid(ctx, p0.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PyramidStatusClosed, closedP0.Status)
	assert.True(t, closedP0.RealizedPnLUSD.Equal(dec("2.02")))

	stillP1, err := f.mem.GetPyramid(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PyramidStatusFilled, stillP1.Status)

	midGroup, err := f.mem.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusActive, midGroup.Status, "group stays open until the last pyramid closes")
	assert.True(t, midGroup.RealizedPnLUSD.Equal(dec("2.02")))

	// The remaining pyramid's target is reached: the group closes.
	f.conn.SetPrice("BTC/USDT", dec("48020"))
	require.NoError(t, f.eval.Evaluate(ctx, group, cfg, dec("48020")))

	closedGroup, err := f.mem.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusClosed, closedGroup.Status)
	assert.Contains(t, f.releaser.released, group.SlotKey())
}
