package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/pkg/logging"
)

// Stop must take the heartbeat goroutine down with the read loop; a
// leaked heartbeat per reconnect would accumulate across the adapter's
// lifetime.
func TestClient_StopLeavesNoGoroutines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, _ := upgrader.Upgrade(w, r, nil)
		defer conn.Close()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	// Let the runtime settle before counting.
	time.Sleep(100 * time.Millisecond)
	initialGoroutines := runtime.NumGoroutine()

	logger, err := logging.NewZapLogger("INFO")
	require.NoError(t, err)
	client := NewClient(url, func(message []byte) {}, logger)

	// Aggressive ping so the heartbeat goroutine definitely starts.
	client.SetPingConfig(10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)

	client.Start()
	time.Sleep(200 * time.Millisecond)
	client.Stop()
	time.Sleep(50 * time.Millisecond)

	finalGoroutines := runtime.NumGoroutine()

	// +1 slack for runtime internals; a leaked heartbeat shows up well
	// above that.
	assert.LessOrEqual(t, finalGoroutines, initialGoroutines+1, "goroutine leak after Stop")
}
