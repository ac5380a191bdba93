// Package queue implements the signal queue manager: it maintains one
// active QueuedSignal per (user, symbol, timeframe, side), computes
// priority using the strict-tier scheme in priority.go, and periodically
// promotes the highest-priority signal per user once an execution-pool
// slot frees up. The promotion loop runs on robfig/cron/v3.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/pkg/telemetry"
)

// Promoter is the downstream collaborator a promoted signal is handed to
// (internal/positioncreator). Kept as a narrow interface here so the
// queue manager has no import-time dependency on position creation.
type Promoter interface {
	PromoteNew(ctx context.Context, signal *core.QueuedSignal) error
	PromoteContinuation(ctx context.Context, signal *core.QueuedSignal, existing *core.PositionGroup) error
}

// PoolRequester is the narrow Execution Pool Manager surface the queue
// manager consults before promoting. Slots are identified by the
// position's natural key (core.PositionSlotKey).
type PoolRequester interface {
	Request(ctx context.Context, userID string, slotKey string, perUserLimit int, isPyramidContinuation, bypassEnabled bool) bool
}

// Manager owns the queued-signal lifecycle.
type Manager struct {
	store     core.IQueuedSignalStore
	groups    core.IPositionGroupStore
	users     core.IUserStore
	connector core.ConnectorFactory
	pool      PoolRequester
	promoter  Promoter
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	// PerUserLimit resolves a user's execution-pool slot limit; defaults
	// to the engine-wide config value when a user has no override.
	PerUserLimit func(userID uuid.UUID) int
	// BypassEnabled resolves whether same_pair_timeframe_bypass applies
	// for userID.
	BypassEnabled func(userID uuid.UUID) bool
	// EngineAllowed reports whether promotion is currently permitted for
	// userID: false while force-stopped or paused by the daily-loss
	// circuit breaker.
	EngineAllowed func(userID uuid.UUID) bool

	cron *cron.Cron
}

// NewManager builds a Queue Manager.
func NewManager(store core.IQueuedSignalStore, groups core.IPositionGroupStore, users core.IUserStore, connector core.ConnectorFactory, pool PoolRequester, promoter Promoter, logger core.ILogger) *Manager {
	return &Manager{
		store:     store,
		groups:    groups,
		users:     users,
		connector: connector,
		pool:      pool,
		promoter:  promoter,
		logger:    logger.WithField("component", "queue_manager"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// Submit records an incoming entry/pyramid signal. If an active QueuedSignal already exists for the key, it is
// replaced in place: replacement_count bumps, entry_price and payload
// update, but queued_at (the FIFO timestamp) is preserved. Otherwise a
// new row is inserted with status=queued.
func (m *Manager) Submit(ctx context.Context, sig core.Signal, isPyramidContinuation bool) (*core.QueuedSignal, error) {
	existing, err := m.store.GetActive(ctx, sig.UserID, sig.Symbol, sig.Timeframe, sig.IntentSide)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		existing.ReplacementCount++
		existing.EntryPrice = sig.EntryPrice
		existing.SignalPayload = sig
		existing.IsPyramidContinuation = isPyramidContinuation
		if err := m.store.Save(ctx, existing); err != nil {
			return nil, err
		}
		m.logger.Info("queued signal replaced", "signal_id", existing.ID, "replacement_count", existing.ReplacementCount)
		return existing, nil
	}

	qs := &core.QueuedSignal{
		ID:                    uuid.New(),
		UserID:                sig.UserID,
		Symbol:                sig.Symbol,
		Timeframe:             sig.Timeframe,
		Exchange:              sig.Exchange,
		Side:                  sig.IntentSide,
		Status:                core.QueueStatusQueued,
		EntryPrice:            sig.EntryPrice,
		SignalPayload:         sig,
		QueuedAt:              time.Now(),
		IsPyramidContinuation: isPyramidContinuation,
	}
	if err := m.store.Upsert(ctx, qs); err != nil {
		return nil, err
	}
	m.logger.Info("signal queued", "signal_id", qs.ID, "user_id", qs.UserID, "symbol", qs.Symbol)
	return qs, nil
}

// StartPromotionLoop schedules the periodic promotion cycle using robfig/cron/v3's "@every" spec. It runs only while
// the caller holds engine leadership; the caller is expected to Stop the
// returned cron.Cron on losing leadership.
func (m *Manager) StartPromotionLoop(ctx context.Context, interval time.Duration) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc("@every "+interval.String(), func() {
		if err := m.RunPromotionCycle(ctx); err != nil {
			m.logger.Error("promotion cycle failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// StopPromotionLoop halts the cron scheduler, used on leadership loss or
// shutdown.
func (m *Manager) StopPromotionLoop() {
	if m.cron != nil {
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()
	}
}

// RunPromotionCycle executes one promotion pass, grouped by user so a failure for one user never blocks
// another.
func (m *Manager) RunPromotionCycle(ctx context.Context) error {
	signals, err := m.store.ListQueued(ctx)
	if err != nil {
		return err
	}

	byUser := make(map[uuid.UUID][]*core.QueuedSignal)
	for _, s := range signals {
		byUser[s.UserID] = append(byUser[s.UserID], s)
	}

	now := time.Now()
	for userID, userSignals := range byUser {
		m.promoteOneUser(ctx, userID, userSignals, now)
	}
	m.recordQueueDepth(byUser)
	return nil
}

func (m *Manager) promoteOneUser(ctx context.Context, userID uuid.UUID, signals []*core.QueuedSignal, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("promotion cycle panicked for user", "user_id", userID, "panic", r)
		}
	}()

	if m.EngineAllowed != nil && !m.EngineAllowed(userID) {
		m.logger.Debug("promotion denied: engine paused/stopped for user", "user_id", userID)
		return
	}

	// Step 2: refresh current_loss_percent per signal via a batched
	// ticker call where possible.
	tickers, err := m.fetchTickers(ctx, userID, signals)
	if err != nil {
		m.logger.Warn("failed to refresh tickers for promotion", "user_id", userID, "error", err)
	}

	// Pyramid-continuation status is a promotion-time condition (the key
	// must match an existing active group NOW, not at enqueue): the
	// target may have closed via TP, hedge, or manual exit since the
	// signal was queued. Re-derive it here, before scoring, so a signal
	// whose target is gone competes as a fresh entry and never bypasses
	// the pool or claims a slot under a dead group id.
	activeTargets := make(map[uuid.UUID]*core.PositionGroup)
	for _, s := range signals {
		if !s.IsPyramidContinuation {
			continue
		}
		g, err := m.groups.GetActiveGroup(ctx, userID, s.Exchange, s.Symbol, s.Timeframe, s.Side)
		if err != nil {
			m.logger.Error("failed to verify continuation target group", "signal_id", s.ID, "error", err)
			continue
		}
		if g == nil {
			s.IsPyramidContinuation = false
		} else {
			activeTargets[s.ID] = g
		}
	}

	for _, s := range signals {
		if last, ok := tickers[s.Symbol]; ok {
			s.CurrentLossPercent = lossPercent(s.Side, s.EntryPrice, last)
		}
		s.PriorityScore = Score(s, now)
		if err := m.store.Save(ctx, s); err != nil {
			m.logger.Error("failed to persist priority score", "signal_id", s.ID, "error", err)
		}
	}

	// Step 4: select the highest-scoring signal and request a slot. A
	// denial stops this user this cycle: lower-scoring signals never
	// slip through.
	best := highestPriority(signals)
	if best == nil {
		return
	}

	perUserLimit := 0
	if m.PerUserLimit != nil {
		perUserLimit = m.PerUserLimit(userID)
	}
	bypass := false
	if m.BypassEnabled != nil {
		bypass = m.BypassEnabled(userID)
	}

	existingGroup := activeTargets[best.ID]
	if best.IsPyramidContinuation && existingGroup == nil {
		// The verification lookup failed this cycle; retry next cycle
		// rather than risking a bypass against an unknown target.
		return
	}

	// Slots are keyed by the position's natural key so the grant made
	// here and the release on the group's terminal transition agree.
	slotKey := core.PositionSlotKey(best.Exchange, best.Symbol, best.Timeframe, best.Side)
	granted := m.pool.Request(ctx, userID.String(), slotKey, perUserLimit, best.IsPyramidContinuation, bypass)
	if !granted {
		m.logger.Debug("promotion denied: no pool slot", "user_id", userID, "signal_id", best.ID)
		return
	}

	promotedAt := time.Now()
	best.Status = core.QueueStatusPromoted
	best.PromotedAt = &promotedAt
	if err := m.store.Save(ctx, best); err != nil {
		m.logger.Error("failed to mark signal promoted", "signal_id", best.ID, "error", err)
		return
	}

	if existingGroup != nil {
		err = m.promoter.PromoteContinuation(ctx, best, existingGroup)
	} else {
		err = m.promoter.PromoteNew(ctx, best)
	}
	if err != nil {
		m.logger.Error("promotion handoff failed", "signal_id", best.ID, "error", err)
		return
	}
	if m.metrics != nil && m.metrics.SignalsPromotedTotal != nil {
		m.metrics.SignalsPromotedTotal.Add(ctx, 1)
	}
}

func (m *Manager) fetchTickers(ctx context.Context, userID uuid.UUID, signals []*core.QueuedSignal) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	byExchange := make(map[string][]string)
	for _, s := range signals {
		byExchange[s.Exchange] = append(byExchange[s.Exchange], s.Symbol)
	}
	for exchange := range byExchange {
		conn, err := m.connector.Connector(ctx, userID, exchange)
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

func (m *Manager) recordQueueDepth(byUser map[uuid.UUID][]*core.QueuedSignal) {
	if m.metrics == nil {
		return
	}
	for userID, signals := range byUser {
		m.metrics.SetQueueDepth(userID.String(), int64(len(signals)))
	}
}

// lossPercent is the signed percent distance of current from entry,
// negative meaning an unrealized loss given side.
func lossPercent(side core.Side, entry, current decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	diff := current.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if side == core.SideShort {
		diff = diff.Neg()
	}
	return diff
}

// highestPriority returns the signal with the greatest PriorityScore,
// a deterministic strict total order over the scored signals.
func highestPriority(signals []*core.QueuedSignal) *core.QueuedSignal {
	var best *core.QueuedSignal
	for _, s := range signals {
		if best == nil || s.PriorityScore.GreaterThan(best.PriorityScore) {
			best = s
		}
	}
	return best
}

// PromoteSpecific implements the administrative "promote specific queued
// signal" operation. It is idempotent: a signal already
// promoted or cancelled is a no-op.
func (m *Manager) PromoteSpecific(ctx context.Context, signalID uuid.UUID) error {
	signals, err := m.store.ListQueued(ctx)
	if err != nil {
		return err
	}
	for _, s := range signals {
		if s.ID != signalID {
			continue
		}
		return m.promoteSignalDirect(ctx, s)
	}
	return nil // already promoted/cancelled/removed: no-op
}

func (m *Manager) promoteSignalDirect(ctx context.Context, s *core.QueuedSignal) error {
	var existingGroup *core.PositionGroup
	var err error
	if s.IsPyramidContinuation {
		existingGroup, err = m.groups.GetActiveGroup(ctx, s.UserID, s.Exchange, s.Symbol, s.Timeframe, s.Side)
		if err != nil {
			return err
		}
	}
	promotedAt := time.Now()
	s.Status = core.QueueStatusPromoted
	s.PromotedAt = &promotedAt
	if err := m.store.Save(ctx, s); err != nil {
		return err
	}
	if existingGroup != nil {
		return m.promoter.PromoteContinuation(ctx, s, existingGroup)
	}
	return m.promoter.PromoteNew(ctx, s)
}

// RemoveQueued implements the administrative "remove queued signal"
// operation; idempotent.
func (m *Manager) RemoveQueued(ctx context.Context, signalID uuid.UUID) error {
	return m.store.Remove(ctx, signalID)
}
