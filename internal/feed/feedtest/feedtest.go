// Package feedtest provides an in-memory streaming transport for tests.
package feedtest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/feed"
)

var (
	ErrDialRefused = errors.New("feedtest: dial refused")
	ErrClosed      = errors.New("feedtest: connection closed")
)

// Request is the JSON shape Codec writes on the wire.
type Request struct {
	Op   string   `json:"op"`
	ID   uint64   `json:"id"`
	Keys []string `json:"keys,omitempty"`
}

// Codec is a minimal JSON subscription protocol. Acks are {"ack":<id>}.
type Codec struct{}

var _ feed.Codec = Codec{}

func (Codec) EncodeSubscribe(id uint64, keys []domain.SubscriptionKey) ([]byte, error) {
	return json.Marshal(Request{Op: "subscribe", ID: id, Keys: keyStrings(keys)})
}

func (Codec) EncodeUnsubscribe(id uint64, keys []domain.SubscriptionKey) ([]byte, error) {
	return json.Marshal(Request{Op: "unsubscribe", ID: id, Keys: keyStrings(keys)})
}

func (Codec) ParseAck(frame []byte) (uint64, bool) {
	var a struct {
		Ack uint64 `json:"ack"`
	}
	if err := json.Unmarshal(frame, &a); err != nil || a.Ack == 0 {
		return 0, false
	}
	return a.Ack, true
}

// Dialer hands out Conns and records every dial.
type Dialer struct {
	mu       sync.Mutex
	failNext int
	failAll  bool
	noAck    bool
	pong     bool
	dials    int
	conns    []*Conn
}

var _ feed.Dialer = (*Dialer)(nil)

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// FailAll makes every dial fail until cleared.
func (d *Dialer) FailAll(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = v
}

// WithholdAcks stops new connections from acknowledging requests.
func (d *Dialer) WithholdAcks(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noAck = v
}

// AnswerPings makes new connections answer Ping with a control pong.
func (d *Dialer) AnswerPings(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pong = v
}

func (d *Dialer) Dial(ctx context.Context, onControl func()) (feed.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		return nil, ErrDialRefused
	}
	c := &Conn{
		in:         make(chan []byte, 1024),
		closed:     make(chan struct{}),
		onControl:  onControl,
		noAck:      d.noAck,
		pong:       d.pong,
		subscribed: make(map[string]bool),
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns the number of dial attempts so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every connection handed out.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn is the client end of an in-memory connection; its methods prefixed
// with Server act as the remote exchange.
type Conn struct {
	in        chan []byte
	closed    chan struct{}
	once      sync.Once
	onControl func()
	noAck     bool
	pong      bool

	mu         sync.Mutex
	requests   []Request
	subscribed map[string]bool
	acked      []uint64
}

var _ feed.Conn = (*Conn)(nil)

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	for _, k := range req.Keys {
		switch req.Op {
		case "subscribe":
			c.subscribed[k] = true
		case "unsubscribe":
			delete(c.subscribed, k)
		}
	}
	if !c.noAck {
		c.acked = append(c.acked, req.ID)
	}
	c.mu.Unlock()
	if !c.noAck {
		ack, _ := json.Marshal(map[string]uint64{"ack": req.ID})
		c.ServerSend(ack)
	}
	return nil
}

func (c *Conn) Ping() error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if c.pong && c.onControl != nil {
		c.onControl()
	}
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// ServerSend delivers a frame to the client. It reports false once closed.
func (c *Conn) ServerSend(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	case c.in <- frame:
		return true
	}
}

// ServerDrop closes the connection from the remote side.
func (c *Conn) ServerDrop() { _ = c.Close() }

// Closed reports whether either side closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Subscribed returns the keys the remote currently holds, sorted.
func (c *Conn) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for k := range c.subscribed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Requests returns every request received.
func (c *Conn) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// AckedCount returns how many requests were acknowledged.
func (c *Conn) AckedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked)
}

func keyStrings(keys []domain.SubscriptionKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
