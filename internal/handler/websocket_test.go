package handler

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/geolog/internal/engine"
	"github.com/flybeeper/geolog/pkg/utils"
)

func readStatus(t *testing.T, conn *websocket.Conn) StatusMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg StatusMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketHandler_StreamsStatus(t *testing.T) {
	recorder := newFakeRecorder()
	recorder.status = engine.Status{Running: true, ProfileID: 7}

	h := NewWebSocketHandler(recorder, utils.NopLogger())
	router := setupTestRouter()
	router.GET("/ws/v1/status", h.HandleWebSocket)
	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/v1/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	snapshot := readStatus(t, conn)
	assert.Equal(t, "snapshot", snapshot.Type)
	assert.NotEmpty(t, snapshot.ClientID)
	assert.Equal(t, uint64(1), snapshot.Sequence)
	assert.Equal(t, int64(7), snapshot.Status.ProfileID)
	assert.Equal(t, 1, h.ClientCount())

	recorder.bc.Publish(engine.Status{Running: true, ProfileID: 7, Line: "updated"})
	update := readStatus(t, conn)
	assert.Equal(t, "status", update.Type)
	assert.Empty(t, update.ClientID)
	assert.Equal(t, uint64(2), update.Sequence)
	assert.Equal(t, "updated", update.Status.Line)

	h.CloseAll()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_ClientDisconnect(t *testing.T) {
	recorder := newFakeRecorder()
	h := NewWebSocketHandler(recorder, utils.NopLogger())
	router := setupTestRouter()
	router.GET("/ws/v1/status", h.HandleWebSocket)
	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/v1/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	readStatus(t, conn)

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
