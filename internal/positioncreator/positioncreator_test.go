package positioncreator

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

type nopNotifier struct{ messages []string }

func (n *nopNotifier) Notify(ctx context.Context, userID uuid.UUID, message string) {
	n.messages = append(n.messages, message)
}

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
	creator  *Creator
	mem      *store.MemStore
	conn     *mockconn.MockConnector
	notifier *nopNotifier
	releaser *fakeReleaser
	userID   uuid.UUID
}

func newFixture(t *testing.T, entryType core.EntryOrderType) *fixture {
	t.Helper()
	mem := store.NewMemStore()
	conn := mockconn.NewMockConnector("mock")
	conn.SetPrecision("BTC/USDT", core.SymbolPrecision{
		TickSize:    dec("0.01"),
		StepSize:    dec("0.00001"),
		MinQty:      dec("0.00001"),
		MinNotional: dec("10"),
	})
	conn.SetPrice("BTC/USDT", dec("50000"))

	svcCfg := ordersvc.DefaultConfig()
	svcCfg.RetryPolicy.MaxAttempts = 1
	svcCfg.RetryPolicy.InitialBackoff = time.Millisecond
	registry := exchangeconn.NewRegistry(map[string]core.IExchangeConnector{"mock": conn}, mem, mem, svcCfg, nopLogger{})

	userID := uuid.New()
	mem.PutUser(&core.User{ID: userID})
	mem.PutConfig(&core.DCAConfiguration{
		ID:             uuid.New(),
		UserID:         userID,
		Pair:           "BTC/USDT",
		Timeframe:      "60",
		Exchange:       "mock",
		EntryOrderType: entryType,
		Levels: []core.LevelConfig{
			{GapPercent: dec("0"), WeightPercent: dec("50"), TPPercent: dec("1")},
			{GapPercent: dec("-2"), WeightPercent: dec("50"), TPPercent: dec("1")},
		},
		TPMode:      core.TPModePerLeg,
		MaxPyramids: 3,
	})

	notifier := &nopNotifier{}
	releaser := &fakeReleaser{}
	creator := New(mem, registry, registry, releaser, notifier, nopLogger{}, nil)

	return &fixture{creator: creator, mem: mem, conn: conn, notifier: notifier, releaser: releaser, userID: userID}
}

func (f *fixture) signal() *core.QueuedSignal {
	return &core.QueuedSignal{
		ID: uuid.New(),
		SignalPayload: core.Signal{
			UserID:               f.userID,
			Exchange:             "mock",
			Symbol:               "BTC/USDT",
			Timeframe:            "60",
			Action:               core.ActionBuy,
			EntryPrice:           dec("50000"),
			IntentType:           core.IntentSignal,
			IntentSide:           core.SideLong,
			CapitalAllocationUSD: dec("100"),
		},
	}
}

// With market entry type, the gap=0 leg submits
// immediately and the gap=-2 leg (below the market, for a long) waits as
// trigger_pending until the monitor observes price reaching it.
func TestPromoteNew_MarketEntryS1Classification(t *testing.T) {
	f := newFixture(t, core.EntryOrderTypeMarket)
	ctx := context.Background()

	require.NoError(t, f.creator.PromoteNew(ctx, f.signal()))

	group, err := f.mem.GetActiveGroup(ctx, f.userID, "mock", "BTC/USDT", "60", core.SideLong)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.Equal(t, 2, group.TotalDCALegs)
	assert.Equal(t, 1, group.PyramidCount)
	assert.Equal(t, core.GroupStatusLive, group.Status)

	orders, err := f.mem.ListOrders(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	// Leg 0 (gap=0) went out as a market order; it rests pending until
	// the fill monitor's first status poll resolves it.
	assert.Equal(t, core.OrderStatusPending, orders[0].Status)
	assert.NotEmpty(t, orders[0].ExchangeOrderID)
	assert.True(t, orders[0].Price.Equal(dec("50000")))

	// Leg 1 (gap=-2, price 49000) waits for the market to come down.
	assert.Equal(t, core.OrderStatusTriggerPending, orders[1].Status)
	assert.Empty(t, orders[1].ExchangeOrderID, "trigger_pending has no exchange order yet")
	assert.True(t, orders[1].Price.Equal(dec("49000")))
	assert.True(t, orders[1].TPPrice.Equal(dec("49490")))

	pyramids, err := f.mem.ListPyramids(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, pyramids, 1)
	assert.Equal(t, core.PyramidStatusSubmitted, pyramids[0].Status)
}

// The short-side mirror: a positive gap is above the signal price and
// waits; gap=0 follows the long convention and submits immediately.
func TestPromoteNew_MarketEntryShortClassification(t *testing.T) {
	f := newFixture(t, core.EntryOrderTypeMarket)
	ctx := context.Background()

	f.mem.PutConfig(&core.DCAConfiguration{
		ID:             uuid.New(),
		UserID:         f.userID,
		Pair:           "BTC/USDT",
		Timeframe:      "60",
		Exchange:       "mock",
		EntryOrderType: core.EntryOrderTypeMarket,
		Levels: []core.LevelConfig{
			{GapPercent: dec("0"), WeightPercent: dec("50"), TPPercent: dec("2")},
			{GapPercent: dec("2"), WeightPercent: dec("50"), TPPercent: dec("2")},
		},
		TPMode:      core.TPModeAggregate,
		MaxPyramids: 3,
	})

	sig := f.signal()
	sig.SignalPayload.Action = core.ActionSell
	sig.SignalPayload.IntentSide = core.SideShort

	require.NoError(t, f.creator.PromoteNew(ctx, sig))

	group, err := f.mem.GetActiveGroup(ctx, f.userID, "mock", "BTC/USDT", "60", core.SideShort)
	require.NoError(t, err)
	require.NotNil(t, group)

	orders, err := f.mem.ListOrders(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, core.OrderStatusPending, orders[0].Status)
	assert.Equal(t, core.OrderStatusTriggerPending, orders[1].Status)
	// gap=+2 on a short materializes above the base price.
	assert.True(t, orders[1].Price.Equal(dec("51000")), "got %s", orders[1].Price)
}

func TestPromoteNew_LimitEntrySubmitsAllLegs(t *testing.T) {
	f := newFixture(t, core.EntryOrderTypeLimit)
	ctx := context.Background()
	f.conn.SetPrice("BTC/USDT", dec("50100")) // above both buys, all rest

	require.NoError(t, f.creator.PromoteNew(ctx, f.signal()))

	group, err := f.mem.GetActiveGroup(ctx, f.userID, "mock", "BTC/USDT", "60", core.SideLong)
	require.NoError(t, err)
	require.NotNil(t, group)

	orders, err := f.mem.ListOrders(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, core.OrderStatusOpen, o.Status)
		assert.NotEmpty(t, o.ExchangeOrderID)
	}
}

// The second concurrent signal for the same key hits the partial
// unique index and is rejected without partial state.
func TestPromoteNew_DuplicateActiveGroupRejected(t *testing.T) {
	f := newFixture(t, core.EntryOrderTypeLimit)
	ctx := context.Background()

	require.NoError(t, f.creator.PromoteNew(ctx, f.signal()))
	err := f.creator.PromoteNew(ctx, f.signal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestPromoteNew_SubmitFailureMarksGroupFailed(t *testing.T) {
	f := newFixture(t, core.EntryOrderTypeLimit)
	ctx := context.Background()
	f.conn.RejectNextOrder()

	err := f.creator.PromoteNew(ctx, f.signal())
	require.Error(t, err)

	// The group exists but is failed; the pool slot was released and a
	// failure notification broadcast.
	active, err2 := f.mem.GetActiveGroup(ctx, f.userID, "mock", "BTC/USDT", "60", core.SideLong)
	require.NoError(t, err2)
	assert.Nil(t, active, "failed group must not count as active")
	assert.NotEmpty(t, f.releaser.released)
	assert.NotEmpty(t, f.notifier.messages)
}

func TestPromoteContinuation_AddsPyramidAndResetsTimer(t *testing.T) {
	f := newFixture(t, core.EntryOrderTypeLimit)
	ctx := context.Background()

	require.NoError(t, f.creator.PromoteNew(ctx, f.signal()))
	group, err := f.mem.GetActiveGroup(ctx, f.userID, "mock", "BTC/USDT", "60", core.SideLong)
	require.NoError(t, err)
	require.NotNil(t, group)

	// Arm the risk timer so the continuation's reset is observable.
	now := time.Now()
	require.NoError(t, f.mem.WithGroupLock(ctx, group.ID, func(g *core.PositionGroup) error {
		g.RiskTimer.Start = &now
		g.RiskTimer.Eligible = true
		return nil
	}))

	require.NoError(t, f.creator.PromoteContinuation(ctx, f.signal(), group))

	updated, err := f.mem.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.PyramidCount)
	assert.Equal(t, 4, updated.TotalDCALegs)
	assert.Nil(t, updated.RiskTimer.Start, "new pyramid resets the risk timer")
	assert.False(t, updated.RiskTimer.Eligible)

	pyramids, err := f.mem.ListPyramids(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, pyramids, 2)
	assert.Equal(t, 0, pyramids[0].Index)
	assert.Equal(t, 1, pyramids[1].Index)
}
