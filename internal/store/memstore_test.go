package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
	apperrors "dcaengine/pkg/errors"
)

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func activeGroup(userID uuid.UUID) *core.PositionGroup {
	return &core.PositionGroup{
		ID:        uuid.New(),
		UserID:    userID,
		Exchange:  "mock",
		Symbol:    "BTC/USDT",
		Timeframe: "60",
		Side:      core.SideLong,
		Status:    core.GroupStatusLive,
		CreatedAt: time.Now(),
	}
}

func TestMemStore_ActiveUniqueness(t *testing.T) {
	mem := NewMemStore()
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, mem.CreateGroup(ctx, activeGroup(userID)))

	err := mem.CreateGroup(ctx, activeGroup(userID))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicatePosition))

	// A closed group frees the key for a new active one.
	existing, err := mem.GetActiveGroup(ctx, userID, "mock", "BTC/USDT", "60", core.SideLong)
	require.NoError(t, err)
	require.NotNil(t, existing)
	require.NoError(t, mem.WithGroupLock(ctx, existing.ID, func(g *core.PositionGroup) error {
		g.Status = core.GroupStatusClosed
		return nil
	}))
	require.NoError(t, mem.CreateGroup(ctx, activeGroup(userID)))
}

func TestMemStore_WithGroupLockValueSemantics(t *testing.T) {
	mem := NewMemStore()
	ctx := context.Background()
	g := activeGroup(uuid.New())
	require.NoError(t, mem.CreateGroup(ctx, g))

	// Mutating a fetched copy must not leak into the store.
	fetched, err := mem.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	fetched.Status = core.GroupStatusFailed

	unchanged, err := mem.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusLive, unchanged.Status)

	// An erroring mutation is discarded entirely.
	wantErr := errors.New("nope")
	err = mem.WithGroupLock(ctx, g.ID, func(locked *core.PositionGroup) error {
		locked.Status = core.GroupStatusClosed
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	unchanged, err = mem.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusLive, unchanged.Status)
}

func TestMemStore_QueueUniquenessPerKey(t *testing.T) {
	mem := NewMemStore()
	ctx := context.Background()
	userID := uuid.New()

	qs := func() *core.QueuedSignal {
		return &core.QueuedSignal{
			ID:        uuid.New(),
			UserID:    userID,
			Symbol:    "BTC/USDT",
			Timeframe: "60",
			Side:      core.SideLong,
			Status:    core.QueueStatusQueued,
			QueuedAt:  time.Now(),
		}
	}

	require.NoError(t, mem.Upsert(ctx, qs()))
	require.NoError(t, mem.Upsert(ctx, qs())) // same key folds into one row

	queued, err := mem.ListQueuedForUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestMemStore_SumRealizedPnLToday(t *testing.T) {
	mem := NewMemStore()
	ctx := context.Background()
	userID := uuid.New()

	now := time.Now().UTC()
	g := activeGroup(userID)
	require.NoError(t, mem.CreateGroup(ctx, g))
	require.NoError(t, mem.WithGroupLock(ctx, g.ID, func(locked *core.PositionGroup) error {
		locked.Status = core.GroupStatusClosed
		locked.RealizedPnLUSD = mustDec(t, "-120")
		locked.ClosedAt = &now
		return nil
	}))
	require.NoError(t, mem.Record(ctx, &core.RiskAction{
		ID:          uuid.New(),
		UserID:      userID,
		LoserPnLUSD: mustDec(t, "-400"),
		ExecutedAt:  now,
	}))
	// Yesterday's action is outside the UTC-day window.
	require.NoError(t, mem.Record(ctx, &core.RiskAction{
		ID:          uuid.New(),
		UserID:      userID,
		LoserPnLUSD: mustDec(t, "-999"),
		ExecutedAt:  now.Add(-25 * time.Hour),
	}))

	sum, err := mem.SumRealizedPnLToday(ctx, userID, now)
	require.NoError(t, err)
	assert.True(t, sum.Equal(mustDec(t, "-520")), "got %s", sum)
}

func TestMemStore_CoordinationCASAndTTL(t *testing.T) {
	mem := NewMemStore()
	ctx := context.Background()

	ok, err := mem.SetIfAbsent(ctx, "lock", "me", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mem.SetIfAbsent(ctx, "lock", "rival", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Compare-and-delete only releases the holder's own value.
	ok, err = mem.CompareAndDelete(ctx, "lock", "rival")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = mem.CompareAndDelete(ctx, "lock", "me")
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired keys read as absent.
	require.NoError(t, mem.Set(ctx, "ttl", "v", -time.Second))
	_, found, err := mem.Get(ctx, "ttl")
	require.NoError(t, err)
	assert.False(t, found)
}
