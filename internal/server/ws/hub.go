// Package ws fans out bus topics and live market data to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// marketPrefix marks topics served from the market data hub, e.g.
	// "md:binance:BTCUSDT:ohlcv:1m".
	marketPrefix = "md:"
)

// busTopics are the signal bus channels relayed to clients. New clients are
// subscribed to all of them.
var busTopics = []string{
	domain.BusIntents,
	domain.BusPositions,
	domain.BusAlerts,
}

// Feed yields live market events for one key until release is called.
type Feed interface {
	Stream(key domain.SubscriptionKey) (<-chan domain.MarketEvent, func(), error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Requests reach the upgrade only after the auth middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex

	closed bool // guarded by mu; send is closed
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// subscribeMsg is the JSON message a client sends to manage topics:
// {"action":"subscribe","channels":["md:binance:BTCUSDT:ticker"]}.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// envelope is every frame sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// marketStream is one hub subscription shared by every client on a topic.
type marketStream struct {
	refs    int
	release func()
}

// Config captures runtime metadata for the status frame sent on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	// Status, when set, adds its result to the status frame.
	Status func() any
}

// Hub manages connected clients. Bus topics are relayed when a bus is
// configured; in-process producers may call Broadcast instead.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	feed       Feed
	mu         sync.RWMutex
	logger     *slog.Logger
	cfg        Config

	mdMu    sync.Mutex
	streams map[string]*marketStream
}

// NewHub creates a hub. bus and feed may be nil.
func NewHub(bus domain.SignalBus, feed Feed, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if strings.TrimSpace(cfg.Mode) == "" {
		cfg.Mode = "unknown"
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		feed:       feed,
		logger:     logger.With(slog.String("component", "ws")),
		cfg:        cfg,
		streams:    make(map[string]*marketStream),
	}
}

// Broadcast sends v to clients subscribed to topic. It drops the message
// when the hub is saturated.
func (h *Hub) Broadcast(topic string, v any) {
	data, err := frame(topic, v)
	if err != nil {
		h.logger.Warn("ws: marshal failed", slog.String("topic", topic), slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- broadcastMsg{channel: topic, data: data}:
	default:
	}
}

// Run handles client registration and message fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range busTopics {
			go h.subscribeToChannel(ctx, ch)
		}
	}
	for {
		select {
		case <-ctx.Done():
			h.mdMu.Lock()
			close(h.done)
			h.mdMu.Unlock()
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.mdMu.Lock()
			for topic, ms := range h.streams {
				ms.release()
				delete(h.streams, topic)
			}
			h.mdMu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			if ok {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			if ok {
				for _, topic := range c.marketTopics() {
					h.releaseMarket(topic)
				}
			}
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("ws: dropping message for slow client", slog.String("topic", msg.channel))
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
				return
			}
			out, err := json.Marshal(envelope{Type: channel, Payload: data})
			if err != nil {
				continue
			}
			h.forward(broadcastMsg{channel: channel, data: out})
		}
	}
}

func (h *Hub) forward(msg broadcastMsg) bool {
	select {
	case h.broadcast <- msg:
		return true
	case <-h.done:
		return false
	}
}

// acquireMarket opens or shares the hub subscription behind topic.
func (h *Hub) acquireMarket(topic string) error {
	if h.feed == nil {
		return fmt.Errorf("ws: market data not available")
	}
	key, err := ParseTopic(topic)
	if err != nil {
		return err
	}
	h.mdMu.Lock()
	defer h.mdMu.Unlock()
	select {
	case <-h.done:
		return fmt.Errorf("ws: hub stopped")
	default:
	}
	if ms, ok := h.streams[topic]; ok {
		ms.refs++
		return nil
	}
	ch, release, err := h.feed.Stream(key)
	if err != nil {
		return err
	}
	h.streams[topic] = &marketStream{refs: 1, release: release}
	go func() {
		for ev := range ch {
			data, err := frame(topic, ev)
			if err != nil {
				continue
			}
			if !h.forward(broadcastMsg{channel: topic, data: data}) {
				return
			}
		}
	}()
	return nil
}

func (h *Hub) releaseMarket(topic string) {
	h.mdMu.Lock()
	defer h.mdMu.Unlock()
	ms, ok := h.streams[topic]
	if !ok {
		return
	}
	if ms.refs--; ms.refs == 0 {
		ms.release()
		delete(h.streams, topic)
	}
}

// ParseTopic parses "md:{exchange}:{symbol}:{channel}", where channel is
// "ticker", "trades", "orderbook" or "ohlcv:{tf}".
func ParseTopic(topic string) (domain.SubscriptionKey, error) {
	rest, ok := strings.CutPrefix(topic, marketPrefix)
	if !ok {
		return domain.SubscriptionKey{}, fmt.Errorf("ws: %q is not a market topic", topic)
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return domain.SubscriptionKey{}, fmt.Errorf("ws: invalid market topic %q", topic)
	}
	ch, err := domain.ParseChannel(parts[2])
	if err != nil {
		return domain.SubscriptionKey{}, err
	}
	return domain.SubscriptionKey{Instrument: domain.NewInstrumentKey(parts[0], parts[1]), Channel: ch}, nil
}

// Topic renders key as a market topic.
func Topic(key domain.SubscriptionKey) string {
	return marketPrefix + key.Instrument.String() + ":" + key.Channel.String()
}

func frame(topic string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: topic, Payload: payload})
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, ch := range busTopics {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil || sub.Action == "" {
			c.sendError("expected {\"action\":\"subscribe\"|\"unsubscribe\",\"channels\":[...]}")
			continue
		}
		c.handleSubscription(sub)
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	for _, topic := range msg.Channels {
		market := strings.HasPrefix(topic, marketPrefix)
		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			had := c.subs[topic]
			c.mu.Unlock()
			if had {
				continue
			}
			if market {
				if err := c.hub.acquireMarket(topic); err != nil {
					c.sendError(err.Error())
					continue
				}
			}
			c.mu.Lock()
			c.subs[topic] = true
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			had := c.subs[topic]
			delete(c.subs, topic)
			c.mu.Unlock()
			if had && market {
				c.hub.releaseMarket(topic)
			}
		default:
			c.sendError("unknown action " + msg.Action)
			return
		}
	}
}

func (c *client) marketTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for topic := range c.subs {
		if strings.HasPrefix(topic, marketPrefix) {
			out = append(out, topic)
		}
	}
	return out
}

// sendStatus pushes a status frame so clients can mark the connection
// healthy before any event flows.
func (c *client) sendStatus() {
	payload := map[string]any{
		"mode":           c.hub.cfg.Mode,
		"uptime_seconds": max(int64(time.Since(c.hub.cfg.StartedAt).Seconds()), 0),
		"topics":         busTopics,
	}
	if c.hub.cfg.Status != nil {
		payload["detail"] = c.hub.cfg.Status()
	}
	c.trySend("status", payload)
}

func (c *client) sendError(msg string) {
	c.trySend("error", map[string]string{"message": msg})
}

func (c *client) trySend(topic string, v any) {
	data, err := frame(topic, v)
	if err != nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
// A trailing "*" matches any suffix.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
