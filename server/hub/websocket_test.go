package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, conn, err := env.reg.Connect(r.Context(), r.URL.Query().Get("auth"), func(string) (Conn, error) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return nil, err
			}
			return NewWSConn(ws, r.URL.Query().Get("session")), nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn.(*WSConn).Serve(h)
	}))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"?auth=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(base+"?auth=good&session=s1", nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() Event {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var ev struct {
			Op   Opcode          `json:"op"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, ws.ReadJSON(&ev))
		return Event{Op: ev.Op, Data: ev.Data}
	}

	assert.Equal(t, OpServerHello, read().Op)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"op":0}`)))
	assert.Equal(t, OpHeartbeat, read().Op)

	require.NoError(t, env.reg.Broadcast("u1", Event{Op: OpUserUpdate, Data: map[string]string{"name": "Ada"}}))
	assert.Equal(t, OpUserUpdate, read().Op)

	require.NoError(t, ws.Close())
	h, err := env.reg.Hub("u1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Connections() == 0 }, 5*time.Second, 10*time.Millisecond)
}
