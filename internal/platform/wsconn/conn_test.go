package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "ping-me" {
				_ = ws.WriteControl(websocket.PingMessage, []byte("x"), time.Now().Add(time.Second))
				continue
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnEchoAndControlFrames(t *testing.T) {
	srv := echoServer(t)
	var controls atomic.Int32
	d := NewDialer("ws" + strings.TrimPrefix(srv.URL, "http"))

	conn, err := d.Dial(context.Background(), func() { controls.Add(1) })
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage([]byte(`{"hello":"world"}`)))
	data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(data))

	// A server ping is handled inside ReadMessage; the echo after it proves
	// the read loop kept going.
	require.NoError(t, conn.WriteMessage([]byte("ping-me")))
	require.NoError(t, conn.WriteMessage([]byte("after")))
	data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "after", string(data))
	assert.GreaterOrEqual(t, controls.Load(), int32(1))

	require.NoError(t, conn.Ping())
}

func TestDialFailure(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:1/nowhere")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.Dial(ctx, nil)
	assert.Error(t, err)
}
