package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

type recordSender struct {
	name string
	err  error
	sent []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.sent = append(r.sent, title)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

type busRecorder struct {
	domain.SignalBus
	channel string
	payload []byte
}

func (b *busRecorder) Publish(_ context.Context, channel string, payload []byte) error {
	b.channel, b.payload = channel, payload
	return nil
}

func TestNotifierFiltersAndCoolsDown(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventDrift, EventUncertain}, time.Minute, slog.New(slog.DiscardHandler))
	now := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, EventSessionDegraded, "binance", "degraded", ""))
	require.NoError(t, n.Notify(ctx, EventDrift, "binance:BTCUSDT", "drift", ""))
	require.NoError(t, n.Notify(ctx, EventDrift, "binance:BTCUSDT", "drift again", ""))
	require.NoError(t, n.Notify(ctx, EventDrift, "binance:ETHUSDT", "eth drift", ""))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, EventDrift, "binance:BTCUSDT", "drift later", ""))

	assert.Equal(t, []string{"drift", "eth drift", "drift later"}, s.sent)
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("boom")}
	good := &recordSender{name: "good"}
	bus := &busRecorder{}
	n := NewNotifier([]Sender{bad, good}, nil, 0, slog.New(slog.DiscardHandler))
	n.SetBus(bus)

	err := n.Notifyf(context.Background(), EventUncertain, "i1", "uncertain", "intent %s", "i1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, good.sent, 1, "later senders still run")

	assert.Equal(t, domain.BusAlerts, bus.channel)
	var a Alert
	require.NoError(t, json.Unmarshal(bus.payload, &a))
	assert.Equal(t, "intent i1", a.Message)
	assert.Equal(t, EventUncertain, a.Event)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Drift", "qty 1 vs 2"))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Drift*\nqty 1 vs 2", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
