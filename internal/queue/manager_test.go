package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
	"dcaengine/internal/exchangeconn/mockconn"
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

type fakeConnectors struct{ conn core.IExchangeConnector }

func (f fakeConnectors) Connector(ctx context.Context, userID uuid.UUID, exchange string) (core.IExchangeConnector, error) {
	return f.conn, nil
}

type fakePool struct {
	grant    bool
	requests []string
	bypassed []bool
}

func (p *fakePool) Request(ctx context.Context, userID, groupID string, perUserLimit int, isPyramidContinuation, bypassEnabled bool) bool {
	p.requests = append(p.requests, groupID)
	p.bypassed = append(p.bypassed, isPyramidContinuation && bypassEnabled)
	return p.grant
}

type fakePromoter struct {
	newSignals  []*core.QueuedSignal
	contSignals []*core.QueuedSignal
	contGroups  []*core.PositionGroup
}

func (p *fakePromoter) PromoteNew(ctx context.Context, s *core.QueuedSignal) error {
	p.newSignals = append(p.newSignals, s)
	return nil
}

func (p *fakePromoter) PromoteContinuation(ctx context.Context, s *core.QueuedSignal, g *core.PositionGroup) error {
	p.contSignals = append(p.contSignals, s)
	p.contGroups = append(p.contGroups, g)
	return nil
}

func testSignal(userID uuid.UUID, symbol string) core.Signal {
	return core.Signal{
		UserID:     userID,
		Exchange:   "mock",
		Symbol:     symbol,
		Timeframe:  "60",
		Action:     core.ActionBuy,
		EntryPrice: dec("50000"),
		IntentType: core.IntentSignal,
		IntentSide: core.SideLong,
	}
}

func newTestManager(t *testing.T, grant bool) (*Manager, *store.MemStore, *fakePool, *fakePromoter, *mockconn.MockConnector) {
	t.Helper()
	mem := store.NewMemStore()
	conn := mockconn.NewMockConnector("mock")
	pool := &fakePool{grant: grant}
	promoter := &fakePromoter{}
	m := NewManager(mem, mem, mem, fakeConnectors{conn: conn}, pool, promoter, nopLogger{})
	return m, mem, pool, promoter, conn
}

func TestSubmit_NewSignalQueues(t *testing.T) {
	m, mem, _, _, _ := newTestManager(t, true)
	userID := uuid.New()

	qs, err := m.Submit(context.Background(), testSignal(userID, "BTC/USDT"), false)
	require.NoError(t, err)
	assert.Equal(t, core.QueueStatusQueued, qs.Status)

	listed, err := mem.ListQueuedForUser(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

// Replacement keeps the original FIFO timestamp ("latest price, same
// queue position").
func TestSubmit_ReplacementPreservesQueuedAt(t *testing.T) {
	m, mem, _, _, _ := newTestManager(t, true)
	userID := uuid.New()

	first, err := m.Submit(context.Background(), testSignal(userID, "BTC/USDT"), false)
	require.NoError(t, err)
	originalQueuedAt := first.QueuedAt

	time.Sleep(5 * time.Millisecond)
	replacement := testSignal(userID, "BTC/USDT")
	replacement.EntryPrice = dec("49500")
	second, err := m.Submit(context.Background(), replacement, false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.ReplacementCount)
	assert.True(t, second.EntryPrice.Equal(dec("49500")))
	assert.Equal(t, originalQueuedAt, second.QueuedAt)

	listed, err := mem.ListQueuedForUser(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, listed, 1, "replacement must not create a second row")
}

func TestPromotionCycle_PromotesHighestAndStopsOnDenial(t *testing.T) {
	m, mem, pool, promoter, conn := newTestManager(t, true)
	userID := uuid.New()
	conn.SetPrice("LINK/USDT", dec("20"))
	conn.SetPrice("DOGE/USDT", dec("0.095"))

	link := testSignal(userID, "LINK/USDT")
	link.EntryPrice = dec("20") // at the current price: no loss, Tier D
	_, err := m.Submit(context.Background(), link, false)
	require.NoError(t, err)

	doge := testSignal(userID, "DOGE/USDT")
	doge.EntryPrice = dec("0.10") // current 0.095 -> 5% loss, Tier B
	_, err = m.Submit(context.Background(), doge, false)
	require.NoError(t, err)

	require.NoError(t, m.RunPromotionCycle(context.Background()))

	require.Len(t, promoter.newSignals, 1)
	assert.Equal(t, "DOGE/USDT", promoter.newSignals[0].Symbol)

	// The promoted row left the queue; the loser stayed.
	listed, err := mem.ListQueuedForUser(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "LINK/USDT", listed[0].Symbol)

	// Next cycle with the pool full: nothing slips through.
	pool.grant = false
	promoter.newSignals = nil
	require.NoError(t, m.RunPromotionCycle(context.Background()))
	assert.Empty(t, promoter.newSignals)
}

func TestPromotionCycle_PyramidContinuationUsesExistingGroup(t *testing.T) {
	m, mem, pool, promoter, conn := newTestManager(t, true)
	userID := uuid.New()
	conn.SetPrice("ETH/USDT", dec("3000"))

	group := &core.PositionGroup{
		ID:        uuid.New(),
		UserID:    userID,
		Exchange:  "mock",
		Symbol:    "ETH/USDT",
		Timeframe: "60",
		Side:      core.SideLong,
		Status:    core.GroupStatusActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, mem.CreateGroup(context.Background(), group))

	sig := testSignal(userID, "ETH/USDT")
	_, err := m.Submit(context.Background(), sig, true)
	require.NoError(t, err)

	m.BypassEnabled = func(uuid.UUID) bool { return true }
	require.NoError(t, m.RunPromotionCycle(context.Background()))

	require.Len(t, promoter.contSignals, 1)
	require.Len(t, promoter.contGroups, 1)
	assert.Equal(t, group.ID, promoter.contGroups[0].ID)
	require.NotEmpty(t, pool.bypassed)
	assert.True(t, pool.bypassed[len(pool.bypassed)-1])
}

// A paused engine keeps accepting signals into the queue but the
// promotion step denies the user until force_start clears the flag.
func TestPromotionCycle_EngineAllowedGate(t *testing.T) {
	m, mem, _, promoter, conn := newTestManager(t, true)
	userID := uuid.New()
	conn.SetPrice("BTC/USDT", dec("50000"))

	_, err := m.Submit(context.Background(), testSignal(userID, "BTC/USDT"), false)
	require.NoError(t, err)

	paused := true
	m.EngineAllowed = func(uuid.UUID) bool { return !paused }

	require.NoError(t, m.RunPromotionCycle(context.Background()))
	assert.Empty(t, promoter.newSignals)

	listed, err := mem.ListQueuedForUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, listed, 1, "signal stays queued while paused")

	paused = false
	require.NoError(t, m.RunPromotionCycle(context.Background()))
	assert.Len(t, promoter.newSignals, 1)
}

func TestPromoteSpecific_IsIdempotent(t *testing.T) {
	m, _, _, promoter, _ := newTestManager(t, true)
	userID := uuid.New()

	qs, err := m.Submit(context.Background(), testSignal(userID, "BTC/USDT"), false)
	require.NoError(t, err)

	require.NoError(t, m.PromoteSpecific(context.Background(), qs.ID))
	require.Len(t, promoter.newSignals, 1)

	// The signal is no longer queued, so a second promote is a no-op.
	require.NoError(t, m.PromoteSpecific(context.Background(), qs.ID))
	assert.Len(t, promoter.newSignals, 1)
}

func TestRemoveQueued(t *testing.T) {
	m, mem, _, _, _ := newTestManager(t, true)
	userID := uuid.New()

	qs, err := m.Submit(context.Background(), testSignal(userID, "BTC/USDT"), false)
	require.NoError(t, err)

	require.NoError(t, m.RemoveQueued(context.Background(), qs.ID))
	listed, err := mem.ListQueuedForUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, listed)

	// Idempotent.
	require.NoError(t, m.RemoveQueued(context.Background(), qs.ID))
}
