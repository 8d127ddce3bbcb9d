package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/feed"
)

// StreamURL is the USDⓈ-M futures raw stream endpoint.
const StreamURL = "wss://fstream.binance.com/ws"

// intervals are the kline widths the stream accepts.
var intervals = map[domain.Timeframe]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true,
}

// Codec speaks the futures stream subscription protocol and normalizes
// bookTicker, aggTrade, depthUpdate and kline events.
type Codec struct {
	exchange domain.ExchangeID
}

var _ feed.Codec = (*Codec)(nil)

// NewCodec creates a Codec tagging events with exchange.
func NewCodec(exchange domain.ExchangeID) *Codec {
	return &Codec{exchange: exchange}
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// EncodeSubscribe builds a SUBSCRIBE request.
func (c *Codec) EncodeSubscribe(id uint64, keys []domain.SubscriptionKey) ([]byte, error) {
	return c.encode("SUBSCRIBE", id, keys)
}

// EncodeUnsubscribe builds an UNSUBSCRIBE request.
func (c *Codec) EncodeUnsubscribe(id uint64, keys []domain.SubscriptionKey) ([]byte, error) {
	return c.encode("UNSUBSCRIBE", id, keys)
}

func (c *Codec) encode(method string, id uint64, keys []domain.SubscriptionKey) ([]byte, error) {
	params := make([]string, 0, len(keys))
	for _, k := range keys {
		s, err := StreamName(k)
		if err != nil {
			return nil, err
		}
		params = append(params, s)
	}
	return json.Marshal(request{Method: method, Params: params, ID: id})
}

// StreamName maps a subscription key to its stream name.
func StreamName(k domain.SubscriptionKey) (string, error) {
	sym := strings.ToLower(k.Instrument.Symbol)
	switch k.Channel.Kind {
	case domain.ChannelTicker:
		return sym + "@bookTicker", nil
	case domain.ChannelTrades:
		return sym + "@aggTrade", nil
	case domain.ChannelOrderBook:
		return sym + "@depth@100ms", nil
	case domain.ChannelOHLCV:
		if intervals[k.Channel.Timeframe] {
			return sym + "@kline_" + string(k.Channel.Timeframe), nil
		}
	}
	return "", fmt.Errorf("binance: no stream for %s: %w", k, domain.ErrUnknownChannel)
}

type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// ParseAck recognizes {"result":null,"id":N}. Error responses are not acks.
func (c *Codec) ParseAck(frame []byte) (uint64, bool) {
	if !strings.Contains(string(frame[:min(len(frame), 64)]), `"id"`) {
		return 0, false
	}
	var r response
	if err := json.Unmarshal(frame, &r); err != nil || r.ID == nil || r.Error != nil {
		return 0, false
	}
	return *r.ID, true
}

type envelope struct {
	Event  string          `json:"e"`
	Time   int64           `json:"E"`
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTicker struct {
	Symbol   string `json:"s"`
	UpdateID int64  `json:"u"`
	Time     int64  `json:"T"`
	Bid      string `json:"b"`
	BidQty   string `json:"B"`
	Ask      string `json:"a"`
	AskQty   string `json:"A"`
}

type aggTrade struct {
	Symbol    string `json:"s"`
	ID        int64  `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
}

type depthUpdate struct {
	Symbol string      `json:"s"`
	Time   int64       `json:"T"`
	First  int64       `json:"U"`
	Last   int64       `json:"u"`
	Prev   int64       `json:"pu"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

type klineEvent struct {
	Symbol string `json:"s"`
	K      struct {
		Start    int64  `json:"t"`
		End      int64  `json:"T"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Trades   int    `json:"n"`
		Final    bool   `json:"x"`
	} `json:"k"`
}

// Normalize decodes one raw or combined-stream frame.
func (c *Codec) Normalize(raw []byte) ([]domain.MarketEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("binance: %w: %v", domain.ErrMalformedFrame, err)
	}
	if env.Stream != "" && len(env.Data) > 0 {
		raw = env.Data
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("binance: %w: %v", domain.ErrMalformedFrame, err)
		}
	}

	switch env.Event {
	case "bookTicker":
		var m bookTicker
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, malformed(env.Event, err)
		}
		bid, err1 := parseFloat(m.Bid)
		ask, err2 := parseFloat(m.Ask)
		if err := firstErr(err1, err2); err != nil {
			return nil, malformed(env.Event, err)
		}
		return []domain.MarketEvent{{
			Instrument: c.key(m.Symbol),
			Sequence:   m.UpdateID,
			Timestamp:  ms(m.Time, env.Time),
			// The book ticker carries no last trade; mid stands in for it.
			Payload: domain.Ticker{Bid: bid, Ask: ask, Last: (bid + ask) / 2},
		}}, nil

	case "aggTrade":
		var m aggTrade
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, malformed(env.Event, err)
		}
		price, err1 := parseFloat(m.Price)
		size, err2 := parseFloat(m.Quantity)
		if err := firstErr(err1, err2); err != nil {
			return nil, malformed(env.Event, err)
		}
		side := domain.OrderSideBuy
		if m.Maker {
			side = domain.OrderSideSell
		}
		at := ms(m.TradeTime, env.Time)
		return []domain.MarketEvent{{
			Instrument: c.key(m.Symbol),
			Sequence:   m.ID,
			Timestamp:  at,
			Payload: domain.TradePrint{
				TradeID: strconv.FormatInt(m.ID, 10),
				Price:   price,
				Size:    size,
				Side:    side,
				Time:    at,
			},
		}}, nil

	case "depthUpdate":
		var m depthUpdate
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, malformed(env.Event, err)
		}
		bids, err1 := levels(m.Bids)
		asks, err2 := levels(m.Asks)
		if err := firstErr(err1, err2); err != nil {
			return nil, malformed(env.Event, err)
		}
		return []domain.MarketEvent{{
			Instrument: c.key(m.Symbol),
			Sequence:   m.Last,
			Timestamp:  ms(m.Time, env.Time),
			Payload: domain.BookUpdate{
				FirstSeq: m.First,
				LastSeq:  m.Last,
				PrevSeq:  m.Prev,
				Bids:     bids,
				Asks:     asks,
			},
		}}, nil

	case "kline":
		var m klineEvent
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, malformed(env.Event, err)
		}
		k := m.K
		vals, err := parseFloats(k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, malformed(env.Event, err)
		}
		open := time.UnixMilli(k.Start).UTC()
		tf := domain.Timeframe(k.Interval)
		return []domain.MarketEvent{{
			Instrument: c.key(m.Symbol),
			Timestamp:  ms(env.Time, k.End),
			Payload: domain.Candle{
				Timeframe: tf,
				OpenTime:  open,
				CloseTime: open.Add(tf.Duration()),
				Open:      vals[0],
				High:      vals[1],
				Low:       vals[2],
				Close:     vals[3],
				Volume:    vals[4],
				Trades:    k.Trades,
				Closed:    k.Final,
			},
		}}, nil
	}
	return nil, fmt.Errorf("binance: event %q: %w", env.Event, domain.ErrMalformedFrame)
}

func (c *Codec) key(symbol string) domain.InstrumentKey {
	return domain.NewInstrumentKey(string(c.exchange), symbol)
}

func malformed(event string, err error) error {
	return fmt.Errorf("binance: %s: %w: %v", event, domain.ErrMalformedFrame, err)
}

func ms(primary, fallback int64) time.Time {
	if primary == 0 {
		primary = fallback
	}
	return time.UnixMilli(primary).UTC()
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func parseFloats(in ...string) ([]float64, error) {
	out := make([]float64, len(in))
	for i, s := range in {
		v, err := parseFloat(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func levels(in [][2]string) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, len(in))
	for i, l := range in {
		p, err := parseFloat(l[0])
		if err != nil {
			return nil, err
		}
		q, err := parseFloat(l[1])
		if err != nil {
			return nil, err
		}
		out[i] = domain.PriceLevel{Price: p, Size: q}
	}
	return out, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
