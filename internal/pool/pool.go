// Package pool implements the execution pool manager: a per-process,
// per-user bounded count of "active" PositionGroups. It is purely
// advisory. Callers (signal router, queue manager) must consult it
// before dispatching to the position creator, but it never gates a side
// effect itself.
//
// Modeled as a golang.org/x/sync/semaphore.Weighted per user. Counts are
// rehydrated from the store on leader election.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"dcaengine/internal/core"
)

// Manager is the process-wide execution-pool singleton.
// One Manager instance is shared by every webhook handler and the queue
// promotion loop.
type Manager struct {
	mu         sync.Mutex
	limit      int
	semaphores map[string]*semaphore.Weighted
	held       map[string]map[string]struct{} // user -> slot keys holding a counted token
	bypassOnly map[string]struct{}            // slot keys tracked without a token (bypassed continuations)
	logger     core.ILogger
}

// NewManager builds a pool manager with a fixed per-user slot limit. A
// per-user override can be layered on by callers that pass a non-zero
// limit to Request.
func NewManager(defaultLimit int, logger core.ILogger) *Manager {
	return &Manager{
		limit:      defaultLimit,
		semaphores: make(map[string]*semaphore.Weighted),
		held:       make(map[string]map[string]struct{}),
		bypassOnly: make(map[string]struct{}),
		logger:     logger.WithField("component", "execution_pool"),
	}
}

func (m *Manager) semFor(userID string, limit int) *semaphore.Weighted {
	if sem, ok := m.semaphores[userID]; ok {
		return sem
	}
	if limit <= 0 {
		limit = m.limit
	}
	sem := semaphore.NewWeighted(int64(limit))
	m.semaphores[userID] = sem
	return sem
}

// Request asks for the slot identified by slotKey (the position's
// natural key, core.PositionSlotKey) for userID. A position holds at
// most one counted token: a request for a key that is already held or
// bypass-tracked (every pyramid continuation targets an existing
// position's key) is a no-op grant, never a second acquisition, so
// Release's one-token-per-key accounting stays balanced. When
// isPyramidContinuation is true and bypass is enabled, the continuation
// never consumes a slot at all. Otherwise it performs a non-blocking
// TryAcquire(1). The manager never blocks a caller; denial means the
// caller must queue.
func (m *Manager) Request(ctx context.Context, userID string, slotKey string, perUserLimit int, isPyramidContinuation, bypassEnabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.held[userID]; ok {
		if _, already := set[slotKey]; already {
			return true
		}
	}
	if _, already := m.bypassOnly[slotKey]; already {
		return true
	}

	if isPyramidContinuation && bypassEnabled {
		m.bypassOnly[slotKey] = struct{}{}
		return true
	}

	sem := m.semFor(userID, perUserLimit)
	if !sem.TryAcquire(1) {
		m.logger.Debug("execution pool slot denied", "user_id", userID, "slot_key", slotKey)
		return false
	}
	set, ok := m.held[userID]
	if !ok {
		set = make(map[string]struct{})
		m.held[userID] = set
	}
	set[slotKey] = struct{}{}
	m.logger.Debug("execution pool slot granted", "user_id", userID, "slot_key", slotKey)
	return true
}

// Release returns slotKey's slot to the pool on the position's terminal
// transition (closed or failed). The bypass marker, if any, is always
// cleared; the counted token is given back only when the key actually
// holds one, so releasing a purely bypass-tracked key never disturbs
// the semaphore.
func (m *Manager) Release(userID string, slotKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bypassOnly, slotKey)

	set, ok := m.held[userID]
	if !ok {
		return
	}
	if _, held := set[slotKey]; !held {
		return
	}
	delete(set, slotKey)
	if sem, ok := m.semaphores[userID]; ok {
		sem.Release(1)
	}
}

// Utilization returns held/limit for userID. No engine component passes
// it on to telemetry's pool-utilization gauge, so that gauge reports no
// values.
func (m *Manager) Utilization(userID string, perUserLimit int) (held int, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = perUserLimit
	if limit <= 0 {
		limit = m.limit
	}
	if set, ok := m.held[userID]; ok {
		held = len(set)
	}
	return held, limit
}

// Rehydrate seeds the held-slot accounting for userID from the active
// positions' slot keys, as required on leader election. isPyramidGroup
// classifies bypass-tracked continuation slots so they are marked
// rather than re-acquiring a counted token. Keys already tracked are
// skipped, so calling it twice for the same set is idempotent.
func (m *Manager) Rehydrate(userID string, perUserLimit int, slotKeys []string, isPyramidGroup func(slotKey string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sem := m.semFor(userID, perUserLimit)
	set, ok := m.held[userID]
	if !ok {
		set = make(map[string]struct{})
		m.held[userID] = set
	}
	for _, key := range slotKeys {
		if _, already := set[key]; already {
			continue
		}
		if isPyramidGroup != nil && isPyramidGroup(key) {
			m.bypassOnly[key] = struct{}{}
			continue
		}
		if sem.TryAcquire(1) {
			set[key] = struct{}{}
		}
	}
}
