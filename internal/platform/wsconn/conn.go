// Package wsconn adapts gorilla/websocket to the feed transport interfaces.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketcore/internal/feed"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the opening handshake.
	handshakeTimeout = 15 * time.Second

	// maxMessageSize caps inbound frames; depth snapshots can be large.
	maxMessageSize = 8 << 20
)

// Dialer dials one websocket URL.
type Dialer struct {
	URL    string
	Header http.Header
}

var _ feed.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer for url.
func NewDialer(url string) *Dialer {
	return &Dialer{URL: url}
}

// Dial opens the connection and installs ping/pong handlers that report
// control frames through onControl.
func (d *Dialer) Dial(ctx context.Context, onControl func()) (feed.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", d.URL, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{ws: ws}
	ws.SetPongHandler(func(string) error {
		if onControl != nil {
			onControl()
		}
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		if onControl != nil {
			onControl()
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c, nil
}

// Conn wraps a gorilla connection. Pong replies are written from the read
// goroutine, so writes are serialized with writeMu.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

var _ feed.Conn = (*Conn)(nil)

func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
