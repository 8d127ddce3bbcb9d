package domain

import (
	"context"
	"time"
)

// SnapshotMirror is a shared last-value store for market snapshots, read
// when the local cache has nothing for a key.
type SnapshotMirror interface {
	SetTicker(ctx context.Context, instrument InstrumentKey, t Ticker, ts time.Time) error
	SetBook(ctx context.Context, book OrderBook) error
	InvalidateBook(ctx context.Context, instrument InstrumentKey) error
	AppendCandle(ctx context.Context, instrument InstrumentKey, c Candle) error
	Get(ctx context.Context, key SubscriptionKey) (Snapshot, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel and stream names.
const (
	BusMarketEvents = "market"
	BusIntents      = "intents"
	BusPositions    = "positions"
	BusAlerts       = "alerts"
	StreamIntents   = "stream:intents"
	StreamDrift     = "stream:drift"
)
