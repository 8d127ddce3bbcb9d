package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// MirrorConfig bounds what the snapshot mirror keeps.
type MirrorConfig struct {
	// TTL expires ticker and book entries that stop being refreshed.
	TTL time.Duration
	// CandleDepth is the number of closed candles kept per series.
	CandleDepth int
}

// SnapshotMirror implements domain.SnapshotMirror so that a second process,
// or this one after a restart, can serve last values before its own
// sessions have caught up.
//
// Key schema:
//
//	md:{exchange}:{symbol}:ticker     - JSON tickerEntry
//	md:{exchange}:{symbol}:orderbook  - JSON domain.OrderBook
//	md:{exchange}:{symbol}:ohlcv:{tf} - list of JSON domain.Candle, oldest first
//
// Trades are not mirrored.
type SnapshotMirror struct {
	c   *Client
	cfg MirrorConfig
}

type tickerEntry struct {
	Ticker    domain.Ticker `json:"ticker"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewSnapshotMirror creates a mirror backed by the given Client.
func NewSnapshotMirror(c *Client, cfg MirrorConfig) *SnapshotMirror {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.CandleDepth <= 0 {
		cfg.CandleDepth = 500
	}
	return &SnapshotMirror{c: c, cfg: cfg}
}

func (m *SnapshotMirror) key(inst domain.InstrumentKey, ch domain.Channel) string {
	parts := []string{"md", string(inst.Exchange), inst.Symbol, string(ch.Kind)}
	if ch.Kind == domain.ChannelOHLCV {
		parts = append(parts, string(ch.Timeframe))
	}
	return m.c.Key(parts...)
}

// SetTicker stores the latest ticker for instrument.
func (m *SnapshotMirror) SetTicker(ctx context.Context, instrument domain.InstrumentKey, t domain.Ticker, ts time.Time) error {
	data, err := json.Marshal(tickerEntry{Ticker: t, UpdatedAt: ts.UTC()})
	if err != nil {
		return fmt.Errorf("redis: marshal ticker %s: %w", instrument, err)
	}
	if err := m.c.rdb.Set(ctx, m.key(instrument, domain.TickerChannel), data, m.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", instrument, err)
	}
	return nil
}

// SetBook replaces the mirrored book for book.Instrument.
func (m *SnapshotMirror) SetBook(ctx context.Context, book domain.OrderBook) error {
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s: %w", book.Instrument, err)
	}
	if err := m.c.rdb.Set(ctx, m.key(book.Instrument, domain.BookChannel), data, m.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", book.Instrument, err)
	}
	return nil
}

// InvalidateBook removes the mirrored book. Readers see the book as
// unavailable until the next SetBook.
func (m *SnapshotMirror) InvalidateBook(ctx context.Context, instrument domain.InstrumentKey) error {
	if err := m.c.rdb.Del(ctx, m.key(instrument, domain.BookChannel)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate book %s: %w", instrument, err)
	}
	return nil
}

// AppendCandle appends a closed candle and trims the series to CandleDepth.
func (m *SnapshotMirror) AppendCandle(ctx context.Context, instrument domain.InstrumentKey, c domain.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal candle %s: %w", instrument, err)
	}
	key := m.key(instrument, domain.OHLCV(c.Timeframe))
	pipe := m.c.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-m.cfg.CandleDepth), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: append candle %s/%s: %w", instrument, c.Timeframe, err)
	}
	return nil
}

// Get returns the mirrored snapshot for key, or domain.ErrNotFound.
func (m *SnapshotMirror) Get(ctx context.Context, key domain.SubscriptionKey) (domain.Snapshot, error) {
	snap := domain.Snapshot{Key: key}
	rk := m.key(key.Instrument, key.Channel)

	switch key.Channel.Kind {
	case domain.ChannelTicker:
		raw, err := m.c.rdb.Get(ctx, rk).Bytes()
		if err != nil {
			return snap, m.readErr(key, err)
		}
		var e tickerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return snap, fmt.Errorf("redis: decode ticker %s: %w", key, err)
		}
		snap.Ticker, snap.UpdatedAt = &e.Ticker, e.UpdatedAt

	case domain.ChannelOrderBook:
		raw, err := m.c.rdb.Get(ctx, rk).Bytes()
		if err != nil {
			return snap, m.readErr(key, err)
		}
		var b domain.OrderBook
		if err := json.Unmarshal(raw, &b); err != nil {
			return snap, fmt.Errorf("redis: decode book %s: %w", key, err)
		}
		snap.Book, snap.UpdatedAt = &b, b.UpdatedAt

	case domain.ChannelOHLCV:
		raws, err := m.c.rdb.LRange(ctx, rk, 0, -1).Result()
		if err != nil {
			return snap, m.readErr(key, err)
		}
		candles, err := decodeCandles(raws)
		if err != nil {
			return snap, fmt.Errorf("redis: decode candles %s: %w", key, err)
		}
		if len(candles) == 0 {
			return snap, fmt.Errorf("redis: %s: %w", key, domain.ErrNotFound)
		}
		snap.Candles, snap.UpdatedAt = candles, candles[len(candles)-1].OpenTime

	default:
		return snap, fmt.Errorf("redis: %s not mirrored: %w", key, domain.ErrNotFound)
	}
	return snap, nil
}

func (m *SnapshotMirror) readErr(key domain.SubscriptionKey, err error) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: %s: %w", key, domain.ErrNotFound)
	}
	return fmt.Errorf("redis: get %s: %w", key, err)
}

// decodeCandles decodes a list of candles, keeping the last entry for any
// repeated open time.
func decodeCandles(raws []string) ([]domain.Candle, error) {
	out := make([]domain.Candle, 0, len(raws))
	for _, raw := range raws {
		var c domain.Candle
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(c.OpenTime) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

var _ domain.SnapshotMirror = (*SnapshotMirror)(nil)
