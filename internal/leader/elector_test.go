package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
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

func TestElection_FirstProcessWins(t *testing.T) {
	coord := store.NewMemStore()
	ctx := context.Background()

	elected := 0
	e := New(coord, time.Minute, nopLogger{}, Callbacks{
		OnElected: func(context.Context) { elected++ },
	})

	e.tick(ctx)
	assert.True(t, e.IsLeader())
	assert.Equal(t, 1, elected)

	// A second process cannot take the lock while the first holds it.
	rival := New(coord, time.Minute, nopLogger{}, Callbacks{})
	rival.tick(ctx)
	assert.False(t, rival.IsLeader())
}

func TestElection_RenewalKeepsLeadership(t *testing.T) {
	coord := store.NewMemStore()
	ctx := context.Background()

	e := New(coord, time.Minute, nopLogger{}, Callbacks{})
	e.tick(ctx)
	require.True(t, e.IsLeader())

	e.tick(ctx) // renewal path
	assert.True(t, e.IsLeader())
}

func TestElection_DemotesWhenLockStolen(t *testing.T) {
	coord := store.NewMemStore()
	ctx := context.Background()

	demoted := false
	e := New(coord, time.Minute, nopLogger{}, Callbacks{
		OnDemoted: func() { demoted = true },
	})
	e.tick(ctx)
	require.True(t, e.IsLeader())

	// Simulate expiry plus takeover by another process.
	require.NoError(t, coord.Set(ctx, "engine_leader", "someone-else", time.Minute))

	e.tick(ctx)
	assert.False(t, e.IsLeader())
	assert.True(t, demoted)
}

func TestElection_ReleaseOnlyRemovesOwnLock(t *testing.T) {
	coord := store.NewMemStore()
	ctx := context.Background()

	e := New(coord, time.Minute, nopLogger{}, Callbacks{})
	e.tick(ctx)
	require.True(t, e.IsLeader())

	e.release()
	assert.False(t, e.IsLeader())

	// The key is gone: a rival can now acquire immediately.
	rival := New(coord, time.Minute, nopLogger{}, Callbacks{})
	rival.tick(ctx)
	assert.True(t, rival.IsLeader())

	// Releasing again (now that a rival owns the key) must not delete
	// the rival's lock.
	e.release()
	val, ok, err := coord.Get(ctx, "engine_leader")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, val)
}
