package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var btcTicker = domain.SubscriptionKey{Instrument: domain.NewInstrumentKey("binance", "BTCUSDT"), Channel: domain.TickerChannel}

type fakeFeed struct {
	mu       sync.Mutex
	opened   int
	released int
	ch       chan domain.MarketEvent
}

func (f *fakeFeed) Stream(domain.SubscriptionKey) (<-chan domain.MarketEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.ch = make(chan domain.MarketEvent, 4)
	ch := f.ch
	return ch, func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
		close(ch)
	}, nil
}

func (f *fakeFeed) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.released
}

func (f *fakeFeed) send(ev domain.MarketEvent) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- ev
}

func startHub(t *testing.T, feed Feed) (*Hub, string) {
	t.Helper()
	h := NewHub(nil, feed, slog.New(slog.DiscardHandler), Config{Mode: "paper"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestParseTopic(t *testing.T) {
	key, err := ParseTopic("md:binance:btcusdt:ohlcv:1m")
	require.NoError(t, err)
	assert.Equal(t, domain.NewInstrumentKey("binance", "BTCUSDT"), key.Instrument)
	assert.Equal(t, domain.OHLCV("1m"), key.Channel)
	assert.Equal(t, "md:binance:BTCUSDT:ohlcv:1m", Topic(key))

	_, err = ParseTopic("md:binance:BTCUSDT:funding")
	assert.ErrorIs(t, err, domain.ErrUnknownChannel)
	_, err = ParseTopic("md:binance")
	assert.Error(t, err)
	_, err = ParseTopic("intents")
	assert.Error(t, err)
}

func TestStatusAndBroadcast(t *testing.T) {
	h, url := startHub(t, nil)
	conn := dial(t, url)

	env := read(t, conn)
	assert.Equal(t, "status", env.Type)
	assert.Contains(t, string(env.Payload), `"mode":"paper"`)

	require.Eventually(t, func() bool { return h.clientCount() == 1 }, time.Second, 5*time.Millisecond)
	h.Broadcast(domain.BusIntents, map[string]string{"id": "x"})
	h.Broadcast("unsubscribed-topic", map[string]string{"id": "y"})
	env = read(t, conn)
	assert.Equal(t, domain.BusIntents, env.Type)
	assert.JSONEq(t, `{"id":"x"}`, string(env.Payload))
}

func TestMarketTopicsShareOneStream(t *testing.T) {
	feed := &fakeFeed{}
	_, url := startHub(t, feed)
	a, b := dial(t, url), dial(t, url)
	read(t, a)
	read(t, b)

	sub := `{"action":"subscribe","channels":["` + Topic(btcTicker) + `"]}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(sub)))
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(sub)))
	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.opened == 1 && feed.ch != nil
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond) // both subscriptions processed

	feed.send(domain.MarketEvent{Instrument: btcTicker.Instrument, Channel: btcTicker.Channel, Payload: domain.Ticker{Bid: 1, Ask: 2}})
	for _, c := range []*websocket.Conn{a, b} {
		env := read(t, c)
		assert.Equal(t, Topic(btcTicker), env.Type)
		assert.Contains(t, string(env.Payload), `"bid":1`)
	}

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"action":"unsubscribe","channels":["`+Topic(btcTicker)+`"]}`)))
	time.Sleep(20 * time.Millisecond)
	opened, released := feed.counts()
	assert.Equal(t, 1, opened)
	assert.Zero(t, released, "b still subscribed")

	b.Close()
	require.Eventually(t, func() bool {
		_, released := feed.counts()
		return released == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBadSubscriptionReportsError(t *testing.T) {
	_, url := startHub(t, &fakeFeed{})
	conn := dial(t, url)
	read(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","channels":["md:binance:BTCUSDT:nope"]}`)))
	env := read(t, conn)
	assert.Equal(t, "error", env.Type)
}
