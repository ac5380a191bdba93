package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
	apperrors "dcaengine/pkg/errors"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_UserRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	u := &core.User{
		ID: uuid.New(),
		RiskConfig: core.RiskConfig{
			MaxOpenPositionsGlobal: 5,
			LossThresholdPercent:   mustDec(t, "10"),
			TimerStartCondition:    core.TimerStartAfterAllDCAFilled,
		},
	}
	require.NoError(t, s.PutUser(ctx, u))

	loaded, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.RiskConfig.MaxOpenPositionsGlobal)
	assert.True(t, loaded.RiskConfig.LossThresholdPercent.Equal(mustDec(t, "10")))

	ids, err := s.ListActiveUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{u.ID}, ids)

	u.RiskConfig.EngineForceStopped = true
	require.NoError(t, s.SaveRiskConfig(ctx, u.ID, u.RiskConfig))
	loaded, err = s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, loaded.RiskConfig.EngineForceStopped)

	_, err = s.GetUser(ctx, uuid.New())
	assert.True(t, errors.Is(err, apperrors.ErrUserNotFound))
}

func TestSQLite_ConfigRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	userID := uuid.New()

	cfg := &core.DCAConfiguration{
		ID:             uuid.New(),
		UserID:         userID,
		Pair:           "BTC/USDT",
		Timeframe:      "60",
		Exchange:       "mock",
		EntryOrderType: core.EntryOrderTypeMarket,
		Levels: []core.LevelConfig{
			{GapPercent: mustDec(t, "0"), WeightPercent: mustDec(t, "50"), TPPercent: mustDec(t, "1")},
			{GapPercent: mustDec(t, "-2"), WeightPercent: mustDec(t, "50"), TPPercent: mustDec(t, "1")},
		},
		PyramidLevels: map[int][]core.LevelConfig{
			1: {{GapPercent: mustDec(t, "-1"), WeightPercent: mustDec(t, "100"), TPPercent: mustDec(t, "2")}},
		},
		TPMode:             core.TPModeHybrid,
		TPAggregatePercent: mustDec(t, "2"),
		MaxPyramids:        3,
	}
	require.NoError(t, s.PutConfig(ctx, cfg))

	loaded, err := s.GetConfig(ctx, userID, "BTC/USDT", "60", "mock")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, core.TPModeHybrid, loaded.TPMode)
	require.Len(t, loaded.Levels, 2)
	require.Len(t, loaded.PyramidLevels[1], 1)
	assert.True(t, loaded.TPAggregatePercent.Equal(mustDec(t, "2")))

	missing, err := s.GetConfig(ctx, userID, "ETH/USDT", "60", "mock")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_ActiveUniquenessViaPartialIndex(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, s.CreateGroup(ctx, activeGroup(userID)))

	err := s.CreateGroup(ctx, activeGroup(userID))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicatePosition))

	// Closing the group releases the key.
	g, err := s.GetActiveGroup(ctx, userID, "mock", "BTC/USDT", "60", core.SideLong)
	require.NoError(t, err)
	require.NotNil(t, g)
	require.NoError(t, s.WithGroupLock(ctx, g.ID, func(locked *core.PositionGroup) error {
		locked.Status = core.GroupStatusClosed
		now := time.Now()
		locked.ClosedAt = &now
		return nil
	}))
	require.NoError(t, s.CreateGroup(ctx, activeGroup(userID)))
}

func TestSQLite_OrderLifecycleRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	userID := uuid.New()

	g := activeGroup(userID)
	require.NoError(t, s.CreateGroup(ctx, g))

	p := &core.Pyramid{
		ID:      uuid.New(),
		GroupID: g.ID,
		Index:   0,
		Status:  core.PyramidStatusPending,
	}
	require.NoError(t, s.CreatePyramid(ctx, p))

	o := &core.DCAOrder{
		ID:        uuid.New(),
		PyramidID: p.ID,
		GroupID:   g.ID,
		LegIndex:  0,
		Price:     mustDec(t, "50000"),
		Quantity:  mustDec(t, "0.001"),
		TPPrice:   mustDec(t, "50500"),
		Status:    core.OrderStatusPending,
	}
	require.NoError(t, s.CreateOrder(ctx, o))

	// Non-terminal orders surface through the per-user join.
	open, err := s.ListNonTerminalOrdersForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Price.Equal(mustDec(t, "50000")))

	now := time.Now()
	o.Status = core.OrderStatusFilled
	o.FilledQuantity = mustDec(t, "0.001")
	o.AvgFillPrice = mustDec(t, "50000")
	o.FilledAt = &now
	require.NoError(t, s.SaveOrder(ctx, o))

	open, err = s.ListNonTerminalOrdersForUser(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, open)

	byPyramid, err := s.ListOrdersByPyramid(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, byPyramid, 1)
	assert.Equal(t, core.OrderStatusFilled, byPyramid[0].Status)
	assert.NotNil(t, byPyramid[0].FilledAt)
}

func TestSQLite_QueuedSignalUpsertAndCancel(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	userID := uuid.New()

	qs := &core.QueuedSignal{
		ID:         uuid.New(),
		UserID:     userID,
		Symbol:     "BTC/USDT",
		Timeframe:  "60",
		Exchange:   "mock",
		Side:       core.SideLong,
		Status:     core.QueueStatusQueued,
		EntryPrice: mustDec(t, "50000"),
		SignalPayload: core.Signal{
			UserID:     userID,
			Symbol:     "BTC/USDT",
			EntryPrice: mustDec(t, "50000"),
		},
		QueuedAt: time.Now(),
	}
	require.NoError(t, s.Upsert(ctx, qs))

	// A second insert for the same active key folds into the existing
	// row via the partial-index conflict target.
	dup := *qs
	dup.ID = uuid.New()
	dup.EntryPrice = mustDec(t, "49500")
	dup.ReplacementCount = 1
	require.NoError(t, s.Upsert(ctx, &dup))

	active, err := s.GetActive(ctx, userID, "BTC/USDT", "60", core.SideLong)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, qs.ID, active.ID, "the original row survives a replacement")
	assert.Equal(t, 1, active.ReplacementCount)
	assert.True(t, active.EntryPrice.Equal(mustDec(t, "49500")))

	require.NoError(t, s.CancelAllForUser(ctx, userID))
	gone, err := s.GetActive(ctx, userID, "BTC/USDT", "60", core.SideLong)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLite_RiskActionSum(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, s.Record(ctx, &core.RiskAction{
		ID:           uuid.New(),
		UserID:       userID,
		LoserGroupID: uuid.New(),
		LoserPnLUSD:  mustDec(t, "-150"),
		WinnerContribs: []core.WinnerContribution{
			{GroupID: uuid.New(), PnLUSD: mustDec(t, "150"), QuantityClosed: mustDec(t, "0.5")},
		},
		ExecutedAt: time.Now().UTC(),
	}))

	sum, err := s.SumRealizedPnLToday(ctx, userID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, sum.Equal(mustDec(t, "-150")), "got %s", sum)
}

func TestSQLite_CoordinationStore(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "engine_leader", "proc-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, "engine_leader", "proc-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, "engine_leader", "proc-a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Heartbeat(ctx, "fill_monitor", time.Minute))
	healthy, err := s.IsHealthy(ctx, "fill_monitor")
	require.NoError(t, err)
	assert.True(t, healthy)
}
