package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"dcaengine/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func TestRequestGrantsUpToLimit(t *testing.T) {
	m := NewManager(2, nopLogger{})
	ctx := context.Background()

	assert.True(t, m.Request(ctx, "u1", "g1", 0, false, false))
	assert.True(t, m.Request(ctx, "u1", "g2", 0, false, false))
	assert.False(t, m.Request(ctx, "u1", "g3", 0, false, false))

	// A different user has an independent budget.
	assert.True(t, m.Request(ctx, "u2", "g4", 0, false, false))
}

func TestReleaseFreesSlot(t *testing.T) {
	m := NewManager(1, nopLogger{})
	ctx := context.Background()

	assert.True(t, m.Request(ctx, "u1", "g1", 0, false, false))
	assert.False(t, m.Request(ctx, "u1", "g2", 0, false, false))

	m.Release("u1", "g1")
	assert.True(t, m.Request(ctx, "u1", "g2", 0, false, false))
}

func TestReleaseUnknownGroupIsNoOp(t *testing.T) {
	m := NewManager(1, nopLogger{})
	ctx := context.Background()

	m.Release("u1", "never-held")
	assert.True(t, m.Request(ctx, "u1", "g1", 0, false, false))
	// Double release of the same group must not double-free the slot.
	m.Release("u1", "g1")
	m.Release("u1", "g1")
	assert.True(t, m.Request(ctx, "u1", "g2", 0, false, false))
	assert.False(t, m.Request(ctx, "u1", "g3", 0, false, false))
}

func TestPyramidContinuationBypass(t *testing.T) {
	m := NewManager(1, nopLogger{})
	ctx := context.Background()

	assert.True(t, m.Request(ctx, "u1", "g1", 0, false, false))
	// With bypass enabled a continuation never consumes a slot.
	assert.True(t, m.Request(ctx, "u1", "g1-pyramid", 0, true, true))
	// Without bypass a continuation competes for a standard slot.
	assert.False(t, m.Request(ctx, "u1", "g2-pyramid", 0, true, false))

	// Releasing the bypassed id does not disturb the counted slot.
	m.Release("u1", "g1-pyramid")
	assert.False(t, m.Request(ctx, "u1", "g3", 0, false, false))
}

// A non-bypassed continuation targets the group that already holds the
// slot; repeating the request must grant without consuming a second
// token, and the single terminal release must return the pool to full
// capacity.
func TestContinuationOnHeldGroupDoesNotLeakTokens(t *testing.T) {
	m := NewManager(2, nopLogger{})
	ctx := context.Background()

	assert.True(t, m.Request(ctx, "u1", "g1", 0, false, false))
	assert.True(t, m.Request(ctx, "u1", "g1", 0, true, false))
	assert.True(t, m.Request(ctx, "u1", "g1", 0, true, false))

	// g1 holds exactly one token, so a second group still fits.
	assert.True(t, m.Request(ctx, "u1", "g2", 0, false, false))
	assert.False(t, m.Request(ctx, "u1", "g3", 0, false, false))

	// One release per group restores full capacity.
	m.Release("u1", "g1")
	assert.True(t, m.Request(ctx, "u1", "g3", 0, false, false))
}

// A bypass grant followed by a terminal release on the same group id
// must give back the counted token the group acquired at entry.
func TestReleaseAfterBypassOnHeldGroupFreesToken(t *testing.T) {
	m := NewManager(1, nopLogger{})
	ctx := context.Background()

	assert.True(t, m.Request(ctx, "u1", "g1", 0, false, false))
	assert.True(t, m.Request(ctx, "u1", "g1", 0, true, true))

	m.Release("u1", "g1")
	assert.True(t, m.Request(ctx, "u1", "g2", 0, false, false))
}

func TestUtilization(t *testing.T) {
	m := NewManager(3, nopLogger{})
	ctx := context.Background()
	m.Request(ctx, "u1", "g1", 0, false, false)
	m.Request(ctx, "u1", "g2", 0, false, false)

	held, limit := m.Utilization("u1", 0)
	assert.Equal(t, 2, held)
	assert.Equal(t, 3, limit)
}

func TestRehydrateIsIdempotent(t *testing.T) {
	m := NewManager(2, nopLogger{})
	ctx := context.Background()

	m.Rehydrate("u1", 0, []string{"g1", "g2"}, nil)
	m.Rehydrate("u1", 0, []string{"g1", "g2"}, nil)

	held, _ := m.Utilization("u1", 0)
	assert.Equal(t, 2, held)
	assert.False(t, m.Request(ctx, "u1", "g3", 0, false, false))

	m.Release("u1", "g1")
	assert.True(t, m.Request(ctx, "u1", "g3", 0, false, false))
}

func TestRehydrateClassifiesPyramidGroups(t *testing.T) {
	m := NewManager(1, nopLogger{})
	ctx := context.Background()

	m.Rehydrate("u1", 0, []string{"g1", "g2"}, func(groupID string) bool { return groupID == "g2" })

	// g2 was a bypassed continuation: the single counted slot belongs to
	// g1, so nothing further fits.
	assert.False(t, m.Request(ctx, "u1", "g3", 0, false, false))
	m.Release("u1", "g2")
	assert.False(t, m.Request(ctx, "u1", "g3", 0, false, false))
	m.Release("u1", "g1")
	assert.True(t, m.Request(ctx, "u1", "g3", 0, false, false))
}
