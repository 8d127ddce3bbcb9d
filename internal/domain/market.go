package domain

import "time"

// Payload is one of Ticker, TradePrint, BookUpdate or Candle.
type Payload interface {
	Kind() ChannelKind
}

// MarketEvent is the normalized, exchange-agnostic envelope delivered to
// subscribers.
type MarketEvent struct {
	Instrument InstrumentKey `json:"instrument"`
	Channel    Channel       `json:"channel"`
	Sequence   int64         `json:"sequence"`
	Timestamp  time.Time     `json:"timestamp"`
	Payload    Payload       `json:"payload"`
}

// Key returns the subscription key the event belongs to.
func (e MarketEvent) Key() SubscriptionKey {
	return SubscriptionKey{Instrument: e.Instrument, Channel: e.Channel}
}

// Ticker is a best bid/ask and last price summary.
type Ticker struct {
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume24h float64 `json:"volume_24h"`
}

func (Ticker) Kind() ChannelKind { return ChannelTicker }

// TradePrint is one public trade.
type TradePrint struct {
	TradeID string    `json:"trade_id"`
	Price   float64   `json:"price"`
	Size    float64   `json:"size"`
	Side    OrderSide `json:"side"`
	Time    time.Time `json:"time"`
}

func (TradePrint) Kind() ChannelKind { return ChannelTrades }

// Candle is one OHLCV bar covering [OpenTime, CloseTime).
type Candle struct {
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Trades    int       `json:"trades"`
	Closed    bool      `json:"closed"`
}

func (Candle) Kind() ChannelKind { return ChannelOHLCV }

// Snapshot is the last known value for a subscription key.
type Snapshot struct {
	Key       SubscriptionKey `json:"key"`
	UpdatedAt time.Time       `json:"updated_at"`
	Ticker    *Ticker         `json:"ticker,omitempty"`
	Trades    []TradePrint    `json:"trades,omitempty"`
	Book      *OrderBook      `json:"book,omitempty"`
	Candles   []Candle        `json:"candles,omitempty"`
}

// SessionState is the lifecycle state of a streaming connection.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionDegraded     SessionState = "degraded"
	SessionClosing      SessionState = "closing"
)

// SessionStatus is a point-in-time report for one session.
type SessionStatus struct {
	Exchange      ExchangeID   `json:"exchange"`
	Index         int          `json:"index"`
	State         SessionState `json:"state"`
	Since         time.Time    `json:"since"`
	Attempts      int          `json:"attempts"`
	Subscriptions int          `json:"subscriptions"`
	LastError     string       `json:"last_error,omitempty"`
}

// IndicatorResult is the last computed value set for one indicator key.
type IndicatorResult struct {
	Instrument     InstrumentKey      `json:"instrument"`
	Timeframe      Timeframe          `json:"timeframe"`
	Indicator      string             `json:"indicator"`
	Params         string             `json:"params"`
	Values         map[string]float64 `json:"values"`
	CandleOpenTime time.Time          `json:"candle_open_time"`
	ComputedAt     time.Time          `json:"computed_at"`
}
