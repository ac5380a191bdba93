package riskengine

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

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	engine   *Engine
	mem      *store.MemStore
	conn     *mockconn.MockConnector
	notifier *nopNotifier
	userID   uuid.UUID
}

func newFixture(t *testing.T, riskCfg core.RiskConfig) *fixture {
	t.Helper()
	mem := store.NewMemStore()
	conn := mockconn.NewMockConnector("mock")
	for _, sym := range []string{"BTC/USDT", "ETH/USDT"} {
		conn.SetPrecision(sym, core.SymbolPrecision{
			TickSize:    dec("0.01"),
			StepSize:    dec("0.00001"),
			MinQty:      dec("0.00001"),
			MinNotional: dec("10"),
		})
	}

	svcCfg := ordersvc.DefaultConfig()
	svcCfg.RetryPolicy.MaxAttempts = 1
	svcCfg.RetryPolicy.InitialBackoff = time.Millisecond
	registry := exchangeconn.NewRegistry(map[string]core.IExchangeConnector{"mock": conn}, mem, mem, svcCfg, nopLogger{})

	userID := uuid.New()
	mem.PutUser(&core.User{ID: userID, RiskConfig: riskCfg})

	notifier := &nopNotifier{}
	engine := New(mem, mem, mem, mem, mem, mem, registry, registry, notifier, nopLogger{})
	return &fixture{engine: engine, mem: mem, conn: conn, notifier: notifier, userID: userID}
}

func baseRiskConfig() core.RiskConfig {
	return core.RiskConfig{
		MaxOpenPositionsGlobal:    10,
		MaxOpenPositionsPerSymbol: 2,
		LossThresholdPercent:      dec("10"),
		MaxWinnersToCombine:       3,
		TimerStartCondition:       core.TimerStartAfterAllDCAFilled,
		PostFullWaitMinutes:       0,
	}
}

func (f *fixture) addGroup(t *testing.T, symbol string, side core.Side, qty, avgEntry string, eligible bool) *core.PositionGroup {
	t.Helper()
	g := &core.PositionGroup{
		ID:                  uuid.New(),
		UserID:              f.userID,
		Exchange:            "mock",
		Symbol:              symbol,
		Timeframe:           "60",
		Side:                side,
		Status:              core.GroupStatusActive,
		TotalDCALegs:        1,
		FilledDCALegs:       1,
		PyramidCount:        1,
		MaxPyramids:         1,
		TotalFilledQuantity: dec(qty),
		WeightedAvgEntry:    dec(avgEntry),
		RiskTimer:           core.RiskTimer{Eligible: eligible},
		CreatedAt:           time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, f.mem.CreateGroup(context.Background(), g))
	return g
}

func TestCheckPreTrade_GlobalPositionLimit(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.MaxOpenPositionsGlobal = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", false)
	f.addGroup(t, "ETH/USDT", core.SideLong, "1", "3000", false)

	err := f.engine.CheckPreTrade(ctx, f.userID.String(), "mock", "SOL/USDT", dec("100"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_open_positions_global")

	// Pyramid continuations skip the position-count limits.
	assert.NoError(t, f.engine.CheckPreTrade(ctx, f.userID.String(), "mock", "BTC/USDT", dec("100"), true))
}

func TestCheckPreTrade_PerSymbolLimit(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.MaxOpenPositionsPerSymbol = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", false)

	err := f.engine.CheckPreTrade(ctx, f.userID.String(), "mock", "BTC/USDT", dec("100"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_open_positions_per_symbol")

	assert.NoError(t, f.engine.CheckPreTrade(ctx, f.userID.String(), "mock", "ETH/USDT", dec("100"), false))
}

func TestCheckPreTrade_ExposureLimit(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.MaxTotalExposureUSD = dec("1000")
	f := newFixture(t, cfg)
	ctx := context.Background()

	g := f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", false)
	require.NoError(t, f.mem.WithGroupLock(ctx, g.ID, func(locked *core.PositionGroup) error {
		locked.TotalInvestedUSD = dec("950")
		return nil
	}))

	err := f.engine.CheckPreTrade(ctx, f.userID.String(), "mock", "ETH/USDT", dec("100"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_total_exposure_usd")

	assert.NoError(t, f.engine.CheckPreTrade(ctx, f.userID.String(), "mock", "ETH/USDT", dec("50"), false))
}

func TestCheckPreTrade_DeniedWhilePaused(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.EnginePausedByLossLimit = true
	f := newFixture(t, cfg)

	err := f.engine.CheckPreTrade(context.Background(), f.userID.String(), "mock", "BTC/USDT", dec("100"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paused")
}

func TestTimer_StartsWhenAllDCAFilled(t *testing.T) {
	f := newFixture(t, baseRiskConfig())
	ctx := context.Background()

	g := f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", false)
	f.conn.SetPrice("BTC/USDT", dec("50000"))

	f.engine.RunCycle(ctx)

	updated, err := f.mem.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.RiskTimer.Start)
	require.NotNil(t, updated.RiskTimer.Expires)
	assert.False(t, updated.RiskTimer.Expires.Before(*updated.RiskTimer.Start), "timer monotonicity")
	// post_full_wait is zero: the timer is already expired and eligible.
	assert.True(t, updated.RiskTimer.Eligible)
}

func TestTimer_NotStartedBeforeCondition(t *testing.T) {
	f := newFixture(t, baseRiskConfig())
	ctx := context.Background()

	g := f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", false)
	require.NoError(t, f.mem.WithGroupLock(ctx, g.ID, func(locked *core.PositionGroup) error {
		locked.FilledDCALegs = 0
		locked.TotalDCALegs = 2
		return nil
	}))
	f.conn.SetPrice("BTC/USDT", dec("50000"))

	f.engine.RunCycle(ctx)

	updated, err := f.mem.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.RiskTimer.Start)
	assert.False(t, updated.RiskTimer.Eligible)
}

// The submitted condition is per-order: a pending or trigger_pending
// entry leg keeps the timer unarmed no matter what the group status
// says; once every leg is at least open the timer starts.
func TestTimer_AfterAllDCASubmittedWaitsForEveryLeg(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.TimerStartCondition = core.TimerStartAfterAllDCASubmitted
	f := newFixture(t, cfg)
	ctx := context.Background()

	g := f.addGroup(t, "BTC/USDT", core.SideLong, "0.001", "50000", false)
	f.conn.SetPrice("BTC/USDT", dec("50000"))

	open := &core.DCAOrder{
		ID:              uuid.New(),
		GroupID:         g.ID,
		LegIndex:        0,
		Price:           dec("50000"),
		Quantity:        dec("0.001"),
		Status:          core.OrderStatusOpen,
		ExchangeOrderID: "ex-1",
	}
	waiting := &core.DCAOrder{
		ID:       uuid.New(),
		GroupID:  g.ID,
		LegIndex: 1,
		Price:    dec("49000"),
		Quantity: dec("0.001"),
		Status:   core.OrderStatusTriggerPending,
	}
	require.NoError(t, f.mem.CreateOrder(ctx, open))
	require.NoError(t, f.mem.CreateOrder(ctx, waiting))

	f.engine.RunCycle(ctx)
	updated, err := f.mem.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.RiskTimer.Start, "a trigger_pending leg keeps the timer unarmed")

	// The far-side leg reaches the exchange.
	waiting.Status = core.OrderStatusOpen
	waiting.ExchangeOrderID = "ex-2"
	require.NoError(t, f.mem.SaveOrder(ctx, waiting))

	f.engine.RunCycle(ctx)
	updated, err = f.mem.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.RiskTimer.Start)

	// A cancelled leg is terminal and does not block the condition.
	another := f.addGroup(t, "ETH/USDT", core.SideLong, "1", "3000", false)
	require.NoError(t, f.mem.CreateOrder(ctx, &core.DCAOrder{
		ID: uuid.New(), GroupID: another.ID, LegIndex: 0,
		Price: dec("3000"), Quantity: dec("1"),
		Status: core.OrderStatusCancelled,
	}))
	f.conn.SetPrice("ETH/USDT", dec("3000"))
	f.engine.RunCycle(ctx)
	updated, err = f.mem.GetGroup(ctx, another.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.RiskTimer.Start)
}

// Loser BTC long (-100 USD) hedged against winner ETH long (+200
// USD). The winner gives up 0.5 ETH; the audit row captures the loser's
// PnL snapshot even though the close zeroes it.
func TestRunCycle_HedgeExecution(t *testing.T) {
	f := newFixture(t, baseRiskConfig())
	ctx := context.Background()

	loser := f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", true)
	winner := f.addGroup(t, "ETH/USDT", core.SideLong, "1", "2800", false)

	f.conn.SetPrice("BTC/USDT", dec("40000")) // -100 USD, -20%
	f.conn.SetPrice("ETH/USDT", dec("3000"))  // +200 USD

	f.engine.RunCycle(ctx)

	closedLoser, err := f.mem.GetGroup(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusClosed, closedLoser.Status)
	assert.True(t, closedLoser.RealizedPnLUSD.Equal(dec("-100")), "got %s", closedLoser.RealizedPnLUSD)

	partialWinner, err := f.mem.GetGroup(ctx, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusActive, partialWinner.Status)
	assert.True(t, partialWinner.TotalFilledQuantity.Equal(dec("0.5")), "got %s", partialWinner.TotalFilledQuantity)
	assert.True(t, partialWinner.RealizedPnLUSD.Equal(dec("100")), "got %s", partialWinner.RealizedPnLUSD)

	actions := f.mem.RiskActions()
	require.Len(t, actions, 1)
	assert.Equal(t, loser.ID, actions[0].LoserGroupID)
	// Risk audit fidelity: the captured snapshot.
	assert.True(t, actions[0].LoserPnLUSD.Equal(dec("-100")))
	require.Len(t, actions[0].WinnerContribs, 1)
	assert.True(t, actions[0].WinnerContribs[0].QuantityClosed.Equal(dec("0.5")))
	assert.True(t, actions[0].WinnerContribs[0].PnLUSD.Equal(dec("100")))

	assert.NotEmpty(t, f.notifier.messages)
}

func TestRunCycle_BlockedLoserNotHedged(t *testing.T) {
	f := newFixture(t, baseRiskConfig())
	ctx := context.Background()

	loser := f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", true)
	require.NoError(t, f.engine.SetGroupBlocked(ctx, loser.ID, true))
	f.addGroup(t, "ETH/USDT", core.SideLong, "1", "2800", false)

	f.conn.SetPrice("BTC/USDT", dec("40000"))
	f.conn.SetPrice("ETH/USDT", dec("3000"))

	f.engine.RunCycle(ctx)

	still, err := f.mem.GetGroup(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusActive, still.Status)
	assert.Empty(t, f.mem.RiskActions())
}

func TestRunCycle_SkipOnceSuppressesAndIsConsumed(t *testing.T) {
	f := newFixture(t, baseRiskConfig())
	ctx := context.Background()

	loser := f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", true)
	require.NoError(t, f.engine.SkipOnce(ctx, loser.ID))
	f.addGroup(t, "ETH/USDT", core.SideLong, "1", "2800", false)

	f.conn.SetPrice("BTC/USDT", dec("40000"))
	f.conn.SetPrice("ETH/USDT", dec("3000"))

	// First cycle: skipped, flag consumed.
	f.engine.RunCycle(ctx)
	after, err := f.mem.GetGroup(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusActive, after.Status)
	assert.False(t, after.RiskTimer.SkipOnce, "skip_once is consumed after one cycle")
	assert.Empty(t, f.mem.RiskActions())

	// Second cycle: nothing suppresses the hedge any more.
	f.engine.RunCycle(ctx)
	closed, err := f.mem.GetGroup(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusClosed, closed.Status)
	require.Len(t, f.mem.RiskActions(), 1)
}

func TestRunCycle_LossBelowThresholdNotHedged(t *testing.T) {
	f := newFixture(t, baseRiskConfig())
	ctx := context.Background()

	loser := f.addGroup(t, "BTC/USDT", core.SideLong, "0.01", "50000", true)
	f.addGroup(t, "ETH/USDT", core.SideLong, "1", "2800", false)

	f.conn.SetPrice("BTC/USDT", dec("48000")) // -4%, above the 10% threshold
	f.conn.SetPrice("ETH/USDT", dec("3000"))

	f.engine.RunCycle(ctx)

	still, err := f.mem.GetGroup(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusActive, still.Status)
}

// Once today's realized loss crosses max_daily_loss_usd the engine
// pauses itself, and force_start clears the flag again.
func TestDailyLossCircuitBreaker(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.MaxDailyLossUSD = dec("500")
	f := newFixture(t, cfg)
	ctx := context.Background()

	require.NoError(t, f.mem.Record(ctx, &core.RiskAction{
		ID:          uuid.New(),
		UserID:      f.userID,
		LoserPnLUSD: dec("-520"),
		ExecutedAt:  time.Now().UTC(),
	}))

	f.engine.RunCycle(ctx)

	user, err := f.mem.GetUser(ctx, f.userID)
	require.NoError(t, err)
	assert.True(t, user.RiskConfig.EnginePausedByLossLimit)

	err = f.engine.CheckPreTrade(ctx, f.userID.String(), "mock", "BTC/USDT", dec("100"), false)
	require.Error(t, err)

	require.NoError(t, f.engine.ForceStartEngine(ctx, f.userID))
	user, err = f.mem.GetUser(ctx, f.userID)
	require.NoError(t, err)
	assert.False(t, user.RiskConfig.EnginePausedByLossLimit)
	assert.False(t, user.RiskConfig.EngineForceStopped)
}

func TestForceStopCancelsQueueAndSetsFlag(t *testing.T) {
	f := newFixture(t, baseRiskConfig())
	ctx := context.Background()

	require.NoError(t, f.mem.Upsert(ctx, &core.QueuedSignal{
		ID:        uuid.New(),
		UserID:    f.userID,
		Symbol:    "BTC/USDT",
		Timeframe: "60",
		Side:      core.SideLong,
		Status:    core.QueueStatusQueued,
		QueuedAt:  time.Now(),
	}))

	require.NoError(t, f.engine.ForceStopEngine(ctx, f.userID))

	user, err := f.mem.GetUser(ctx, f.userID)
	require.NoError(t, err)
	assert.True(t, user.RiskConfig.EngineForceStopped)

	queued, err := f.mem.ListQueuedForUser(ctx, f.userID)
	require.NoError(t, err)
	assert.Empty(t, queued)
}
