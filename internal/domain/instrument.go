package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExchangeID names one upstream venue, e.g. "binance".
type ExchangeID string

// InstrumentKey identifies a tradable pair on one exchange.
type InstrumentKey struct {
	Exchange ExchangeID `json:"exchange"`
	Symbol   string     `json:"symbol"`
}

// NewInstrumentKey normalizes the exchange to lower case and the symbol to upper case.
func NewInstrumentKey(exchange, symbol string) InstrumentKey {
	return InstrumentKey{
		Exchange: ExchangeID(strings.ToLower(strings.TrimSpace(exchange))),
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

// ParseInstrumentKey parses the "exchange:SYMBOL" form.
func ParseInstrumentKey(s string) (InstrumentKey, error) {
	exch, sym, ok := strings.Cut(s, ":")
	if !ok || exch == "" || sym == "" {
		return InstrumentKey{}, fmt.Errorf("domain: invalid instrument %q", s)
	}
	return NewInstrumentKey(exch, sym), nil
}

func (k InstrumentKey) String() string { return string(k.Exchange) + ":" + k.Symbol }

// MarshalText encodes the key in its "exchange:SYMBOL" form, so keys work
// as JSON strings and map keys.
func (k InstrumentKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses the "exchange:SYMBOL" form.
func (k *InstrumentKey) UnmarshalText(b []byte) error {
	parsed, err := ParseInstrumentKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsZero reports whether the key is unset.
func (k InstrumentKey) IsZero() bool { return k.Exchange == "" || k.Symbol == "" }

// ChannelKind is the type of market data stream.
type ChannelKind string

const (
	ChannelTicker    ChannelKind = "ticker"
	ChannelTrades    ChannelKind = "trades"
	ChannelOrderBook ChannelKind = "orderbook"
	ChannelOHLCV     ChannelKind = "ohlcv"
)

// Timeframe is a candle width such as "1m" or "4h".
type Timeframe string

// Duration returns the candle width. Unknown or malformed timeframes return 0.
func (tf Timeframe) Duration() time.Duration {
	s := string(tf)
	if len(s) < 2 {
		return 0
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	}
	return 0
}

// Valid reports whether the timeframe parses to a positive width.
func (tf Timeframe) Valid() bool { return tf.Duration() > 0 }

// Bucket returns the open time of the candle containing t.
func (tf Timeframe) Bucket(t time.Time) time.Time {
	d := tf.Duration()
	if d <= 0 {
		return t
	}
	return t.UTC().Truncate(d)
}

// Channel is a stream kind plus, for OHLCV, its timeframe.
type Channel struct {
	Kind      ChannelKind `json:"kind"`
	Timeframe Timeframe   `json:"timeframe,omitempty"`
}

// OHLCV returns the candle channel for tf.
func OHLCV(tf Timeframe) Channel { return Channel{Kind: ChannelOHLCV, Timeframe: tf} }

var (
	TickerChannel = Channel{Kind: ChannelTicker}
	TradesChannel = Channel{Kind: ChannelTrades}
	BookChannel   = Channel{Kind: ChannelOrderBook}
)

// ParseChannel parses "ticker", "trades", "orderbook" or "ohlcv:1m".
func ParseChannel(s string) (Channel, error) {
	kind, tf, _ := strings.Cut(strings.ToLower(s), ":")
	switch ChannelKind(kind) {
	case ChannelTicker, ChannelTrades, ChannelOrderBook:
		if tf != "" {
			return Channel{}, fmt.Errorf("domain: channel %q takes no timeframe: %w", s, ErrUnknownChannel)
		}
		return Channel{Kind: ChannelKind(kind)}, nil
	case ChannelOHLCV:
		c := OHLCV(Timeframe(tf))
		if !c.Timeframe.Valid() {
			return Channel{}, fmt.Errorf("domain: invalid timeframe in %q: %w", s, ErrUnknownChannel)
		}
		return c, nil
	}
	return Channel{}, fmt.Errorf("domain: %q: %w", s, ErrUnknownChannel)
}

func (c Channel) String() string {
	if c.Kind == ChannelOHLCV {
		return string(c.Kind) + ":" + string(c.Timeframe)
	}
	return string(c.Kind)
}

// SubscriptionKey is the unit of reference counting in the multiplexer.
type SubscriptionKey struct {
	Instrument InstrumentKey `json:"instrument"`
	Channel    Channel       `json:"channel"`
}

func (k SubscriptionKey) String() string { return k.Instrument.String() + "/" + k.Channel.String() }
