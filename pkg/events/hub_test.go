package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()

	hub := NewHub(zerolog.Nop())
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	return hub, conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	// Batched writes separate events with newlines; take the first.
	if i := strings.IndexByte(string(data), '\n'); i >= 0 {
		data = data[:i]
	}
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestBroadcastReachesClient(t *testing.T) {
	hub, conn := newConnectedHub(t)

	hub.Broadcast(Event{
		Type:  TypeStageFinished,
		RunID: "2024-06-12-abc123",
		Data:  map[string]string{"stage": "game_discovery"},
	})

	ev := readEvent(t, conn)
	assert.Equal(t, TypeStageFinished, ev.Type)
	assert.Equal(t, "2024-06-12-abc123", ev.RunID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestUnsubscribeFiltersEvents(t *testing.T) {
	hub, conn := newConnectedHub(t)

	msg := `{"type":"unsubscribe","events":["stage_started"]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	// The unsubscribe is handled on the read pump; give it a moment before
	// broadcasting.
	time.Sleep(100 * time.Millisecond)

	hub.Broadcast(Event{Type: TypeStageStarted, RunID: "filtered"})
	hub.Broadcast(Event{Type: TypeRunFinished, RunID: "delivered"})

	ev := readEvent(t, conn)
	assert.Equal(t, TypeRunFinished, ev.Type)
	assert.Equal(t, "delivered", ev.RunID)
}

func TestClientCountTracksDisconnect(t *testing.T) {
	hub, conn := newConnectedHub(t)
	require.Equal(t, 1, hub.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	go hub.Run()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast(Event{Type: TypeError, Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked with no clients connected")
	}
}
