// Package leader implements distributed-lock leader election: the three
// background loops (fill monitor, queue
// promotion, risk engine) run only on the process that holds the
// "engine_leader" key in the coordination store. The lock carries a TTL;
// a renewal task re-acquires it at half the lease, and on renewal failure
// the process demotes itself; no split-brain supervision beyond the
// store's own expiry.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"dcaengine/internal/core"
)

const lockKey = "engine_leader"

// Callbacks fire on leadership transitions. OnElected is called after the
// lock is first acquired (rehydrate pool counts, start loops); OnDemoted
// after the lock is lost or released (stop loops). Both run on the
// elector's goroutine, so they must return promptly.
type Callbacks struct {
	OnElected func(ctx context.Context)
	OnDemoted func()
}

// Elector runs the acquire/renew/demote cycle against the coordination
// store.
type Elector struct {
	coord    core.ICoordinationStore
	identity string
	lease    time.Duration
	interval time.Duration
	logger   core.ILogger
	cbs      Callbacks

	mu       sync.Mutex
	isLeader bool
}

// New builds an Elector. lease is the lock TTL; the renewal
// interval is lease/2.
func New(coord core.ICoordinationStore, lease time.Duration, logger core.ILogger, cbs Callbacks) *Elector {
	return &Elector{
		coord:    coord,
		identity: uuid.NewString(),
		lease:    lease,
		interval: lease / 2,
		logger:   logger.WithField("component", "leader_elector"),
		cbs:      cbs,
	}
}

// IsLeader reports whether this process currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// Run drives the election loop until ctx is cancelled, then releases the
// lock if held (compare-and-delete, so only our own lock is removed).
func (e *Elector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release()
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.mu.Unlock()

	if wasLeader {
		// Renew by re-asserting the key under our identity. A plain Set
		// refreshes the TTL; if the key somehow changed hands (expiry plus
		// takeover), the value check below catches it.
		val, ok, err := e.coord.Get(ctx, lockKey)
		if err != nil || !ok || val != e.identity {
			e.demote()
			return
		}
		if err := e.coord.Set(ctx, lockKey, e.identity, e.lease); err != nil {
			e.logger.Warn("leader lease renewal failed, demoting", "error", err)
			e.demote()
		}
		return
	}

	acquired, err := e.coord.SetIfAbsent(ctx, lockKey, e.identity, e.lease)
	if err != nil {
		e.logger.Warn("leader acquisition attempt failed", "error", err)
		return
	}
	if !acquired {
		return
	}

	e.mu.Lock()
	e.isLeader = true
	e.mu.Unlock()
	e.logger.Info("elected engine leader", "identity", e.identity)
	if e.cbs.OnElected != nil {
		e.cbs.OnElected(ctx)
	}
}

func (e *Elector) demote() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	e.mu.Unlock()
	e.logger.Warn("demoted from engine leadership")
	if e.cbs.OnDemoted != nil {
		e.cbs.OnDemoted()
	}
}

func (e *Elector) release() {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()
	if !wasLeader {
		return
	}
	// Release uses a bounded background context: the run context is
	// already cancelled by the time we get here.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.coord.CompareAndDelete(ctx, lockKey, e.identity); err != nil {
		e.logger.Warn("failed to release leader lock on shutdown", "error", err)
	}
	if e.cbs.OnDemoted != nil {
		e.cbs.OnDemoted()
	}
}
