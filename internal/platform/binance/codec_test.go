package binance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var btc = domain.NewInstrumentKey("binance", "BTCUSDT")

func TestEncodeSubscribe(t *testing.T) {
	c := NewCodec("binance")
	b, err := c.EncodeSubscribe(7, []domain.SubscriptionKey{
		{Instrument: btc, Channel: domain.TickerChannel},
		{Instrument: btc, Channel: domain.TradesChannel},
		{Instrument: btc, Channel: domain.BookChannel},
		{Instrument: btc, Channel: domain.OHLCV("1h")},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","id":7,"params":["btcusdt@bookTicker","btcusdt@aggTrade","btcusdt@depth@100ms","btcusdt@kline_1h"]}`, string(b))

	_, err = c.EncodeUnsubscribe(8, []domain.SubscriptionKey{{Instrument: btc, Channel: domain.OHLCV("7m")}})
	assert.ErrorIs(t, err, domain.ErrUnknownChannel)
}

func TestParseAck(t *testing.T) {
	c := NewCodec("binance")
	id, ok := c.ParseAck([]byte(`{"result":null,"id":42}`))
	assert.True(t, ok)
	assert.Equal(t, uint64(42), id)

	_, ok = c.ParseAck([]byte(`{"error":{"code":2,"msg":"Invalid request"},"id":3}`))
	assert.False(t, ok)
	_, ok = c.ParseAck([]byte(`{"e":"aggTrade","s":"BTCUSDT","p":"1","q":"1","T":1}`))
	assert.False(t, ok)
}

func TestNormalizeBookTicker(t *testing.T) {
	c := NewCodec("binance")
	evs, err := c.Normalize([]byte(`{"e":"bookTicker","u":400900217,"E":1568014460893,"T":1568014460891,"s":"BTCUSDT","b":"25.35","B":"31.21","a":"25.37","A":"40.66"}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, btc, evs[0].Instrument)
	tk, ok := evs[0].Payload.(domain.Ticker)
	require.True(t, ok)
	assert.Equal(t, 25.35, tk.Bid)
	assert.Equal(t, 25.37, tk.Ask)
	assert.InDelta(t, 25.36, tk.Last, 1e-9)
	assert.Equal(t, time.UnixMilli(1568014460891).UTC(), evs[0].Timestamp)
}

func TestNormalizeAggTradeCombinedStream(t *testing.T) {
	c := NewCodec("binance")
	evs, err := c.Normalize([]byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":123456789,"s":"BTCUSDT","a":5933014,"p":"0.001","q":"100","f":100,"l":105,"T":123456785,"m":true}}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	p := evs[0].Payload.(domain.TradePrint)
	assert.Equal(t, "5933014", p.TradeID)
	assert.Equal(t, 0.001, p.Price)
	assert.Equal(t, 100.0, p.Size)
	assert.Equal(t, domain.OrderSideSell, p.Side, "buyer is maker")
	assert.Equal(t, time.UnixMilli(123456785).UTC(), p.Time)
}

func TestNormalizeDepthUpdate(t *testing.T) {
	c := NewCodec("binance")
	evs, err := c.Normalize([]byte(`{"e":"depthUpdate","E":123456789,"T":123456788,"s":"BTCUSDT","U":157,"u":160,"pu":149,"b":[["0.0024","10"]],"a":[["0.0026","100"],["0.0027","0"]]}`))
	require.NoError(t, err)
	u := evs[0].Payload.(domain.BookUpdate)
	assert.False(t, u.Snapshot)
	assert.Equal(t, int64(157), u.FirstSeq)
	assert.Equal(t, int64(160), u.LastSeq)
	assert.Equal(t, int64(149), u.PrevSeq)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.0024, Size: 10}}, u.Bids)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.0026, Size: 100}, {Price: 0.0027, Size: 0}}, u.Asks)
}

func TestNormalizeKline(t *testing.T) {
	c := NewCodec("binance")
	frame := map[string]any{
		"e": "kline", "E": 1700000065000, "s": "BTCUSDT",
		"k": map[string]any{
			"t": 1700000040000, "T": 1700000099999, "i": "1m",
			"o": "100", "c": "101", "h": "102", "l": "99", "v": "12.5", "n": 42, "x": true,
		},
	}
	raw, err := json.Marshal(frame)
	require.NoError(t, err)

	evs, err := c.Normalize(raw)
	require.NoError(t, err)
	k := evs[0].Payload.(domain.Candle)
	assert.Equal(t, domain.Timeframe("1m"), k.Timeframe)
	assert.Equal(t, time.UnixMilli(1700000040000).UTC(), k.OpenTime)
	assert.Equal(t, k.OpenTime.Add(time.Minute), k.CloseTime)
	assert.Equal(t, 102.0, k.High)
	assert.Equal(t, 42, k.Trades)
	assert.True(t, k.Closed)
}

func TestNormalizeMalformed(t *testing.T) {
	c := NewCodec("binance")
	for name, raw := range map[string]string{
		"not json":      `{"e":`,
		"unknown event": `{"e":"markPriceUpdate","s":"BTCUSDT"}`,
		"bad price":     `{"e":"aggTrade","s":"BTCUSDT","p":"abc","q":"1","T":1}`,
		"bad level":     `{"e":"depthUpdate","s":"BTCUSDT","b":[["x","1"]],"a":[]}`,
	} {
		_, err := c.Normalize([]byte(raw))
		assert.ErrorIs(t, err, domain.ErrMalformedFrame, name)
	}
}
