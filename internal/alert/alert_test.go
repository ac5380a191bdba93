package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestAlertManager_FansOutToEveryChannel(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	ch1 := &mockAlertChannel{name: "telegram"}
	ch2 := &mockAlertChannel{name: "slack"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "Hedge executed", "closed BTC/USDT loser", Warning, map[string]string{"symbol": "BTC/USDT"})

	// Delivery is async; give the goroutines a moment.
	time.Sleep(100 * time.Millisecond)

	require.Len(t, ch1.getSent(), 1)
	require.Len(t, ch2.getSent(), 1)

	payload := ch1.getSent()[0]
	assert.Equal(t, "Hedge executed", payload.Title)
	assert.Equal(t, Warning, payload.Level)
	assert.Equal(t, "BTC/USDT", payload.Fields["symbol"])
}

// A failing channel is logged and swallowed; the other channels still
// deliver and the caller never sees an error.
func TestAlertManager_ChannelFailureIsIsolated(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	failing := &mockAlertChannel{
		name:     "telegram",
		sendFunc: func(ctx context.Context, alert AlertPayload) error { return errors.New("transport down") },
	}
	healthy := &mockAlertChannel{name: "slack"}
	am.AddChannel(failing)
	am.AddChannel(healthy)

	am.Notify(context.Background(), uuid.New(), "position creation failed")
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, failing.getSent(), 1)
	assert.Len(t, healthy.getSent(), 1)
}

func TestAlertManager_NotifyCarriesUserID(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	ch := &mockAlertChannel{name: "slack"}
	am.AddChannel(ch)

	userID := uuid.New()
	am.Notify(context.Background(), userID, "daily loss limit reached")
	time.Sleep(100 * time.Millisecond)

	require.Len(t, ch.getSent(), 1)
	assert.Equal(t, userID.String(), ch.getSent()[0].Fields["user_id"])
}
