package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var t0 = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func candlesFromCloses(closes ...float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	for i, c := range closes {
		out[i] = domain.Candle{
			Timeframe: "1m",
			OpenTime:  t0.Add(time.Duration(i) * time.Minute),
			CloseTime: t0.Add(time.Duration(i+1) * time.Minute),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
			Closed:    true,
		}
	}
	return out
}

func compute(t *testing.T, id string, candles []domain.Candle, p Params) map[string]float64 {
	t.Helper()
	def, err := DefaultRegistry().Lookup(id)
	require.NoError(t, err)
	p = p.withDefaults(def.Defaults)
	require.GreaterOrEqual(t, len(candles), def.MinWindow(p))
	return def.Compute(candles, p)
}

func TestMovingAverages(t *testing.T) {
	cs := candlesFromCloses(1, 2, 3, 4, 5)

	assert.InDelta(t, 4.0, compute(t, "sma", cs, Params{"period": 3})["value"], 1e-9)
	// weights 1,2,3 over 3,4,5
	assert.InDelta(t, (3.0+8+15)/6, compute(t, "wma", cs, Params{"period": 3})["value"], 1e-9)
	// seed sma(1,2,3)=2, alpha 0.5: 3, then 4
	assert.InDelta(t, 4.0, compute(t, "ema", cs, Params{"period": 3})["value"], 1e-9)
}

func TestRSI(t *testing.T) {
	up := candlesFromCloses(1, 2, 3, 4, 5, 6)
	assert.Equal(t, 100.0, compute(t, "rsi", up, Params{"period": 5})["value"])

	flat := candlesFromCloses(3, 3, 3, 3)
	assert.Equal(t, 50.0, compute(t, "rsi", flat, Params{"period": 3})["value"])

	// gains 1,0 losses 0,1 over period 2: avg gain 0.5, avg loss 0.5
	mixed := candlesFromCloses(1, 2, 1)
	assert.InDelta(t, 50.0, compute(t, "rsi", mixed, Params{"period": 2})["value"], 1e-9)
}

func TestBollingerAndStdDev(t *testing.T) {
	cs := candlesFromCloses(2, 4, 4, 4, 5, 5, 7, 9)
	v := compute(t, "bbands", cs, Params{"period": 8, "k": 2})
	assert.InDelta(t, 5.0, v["middle"], 1e-9)
	assert.InDelta(t, 9.0, v["upper"], 1e-9)
	assert.InDelta(t, 1.0, v["lower"], 1e-9)
	assert.InDelta(t, 2.0, compute(t, "stddev", cs, Params{"period": 8})["value"], 1e-9)
}

func TestATR(t *testing.T) {
	cs := []domain.Candle{
		{High: 10, Low: 8, Close: 9},
		{High: 11, Low: 9, Close: 10},
		{High: 12, Low: 10, Close: 11},
		{High: 15, Low: 11, Close: 14},
	}
	// true ranges 2, 2, 4; seed mean(2,2)=2, wilder (2*1+4)/2 = 3
	assert.InDelta(t, 3.0, compute(t, "atr", cs, Params{"period": 2})["value"], 1e-9)
}

func TestVWAP(t *testing.T) {
	cs := []domain.Candle{
		{High: 10, Low: 10, Close: 10, Volume: 1},
		{High: 20, Low: 20, Close: 20, Volume: 3},
	}
	assert.InDelta(t, 17.5, compute(t, "vwap", cs, Params{"period": 2})["value"], 1e-9)

	noVol := []domain.Candle{{High: 10, Low: 10, Close: 10}, {High: 20, Low: 20, Close: 20}}
	assert.InDelta(t, 15.0, compute(t, "vwap", noVol, Params{"period": 2})["value"], 1e-9)
}

func TestMACDOnConstantSeriesIsZero(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 7
	}
	v := compute(t, "macd", candlesFromCloses(closes...), nil)
	assert.InDelta(t, 0, v["macd"], 1e-12)
	assert.InDelta(t, 0, v["signal"], 1e-12)
	assert.InDelta(t, 0, v["histogram"], 1e-12)
}

func TestMACDTrendIsPositive(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = float64(i)
	}
	v := compute(t, "macd", candlesFromCloses(closes...), Params{"fast": 3, "slow": 6, "signal": 3})
	assert.Greater(t, v["macd"], 0.0)
	assert.False(t, math.IsNaN(v["histogram"]))
}

func TestMinWindows(t *testing.T) {
	reg := DefaultRegistry()
	cases := map[string]struct {
		p    Params
		want int
	}{
		"sma":  {Params{"period": 5}, 5},
		"rsi":  {Params{"period": 14}, 15},
		"atr":  {Params{"period": 3}, 4},
		"macd": {Params{"fast": 12, "slow": 26, "signal": 9}, 34},
	}
	for id, tc := range cases {
		def, err := reg.Lookup(id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, def.MinWindow(tc.p.withDefaults(def.Defaults)), id)
	}
}

func TestParamsCanonical(t *testing.T) {
	p := Params{"slow": 26, "fast": 12, "signal": 9}
	assert.Equal(t, "fast=12,signal=9,slow=26", p.Canonical())

	back, err := ParseParams(p.Canonical())
	require.NoError(t, err)
	assert.Equal(t, p, back)

	_, err = ParseParams("period")
	assert.Error(t, err)
	empty, err := ParseParams("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{"atr", "bbands", "ema", "macd", "rsi", "sma", "stddev", "vwap", "wma"}, reg.IDs())

	_, err := reg.Lookup("nope")
	assert.ErrorIs(t, err, domain.ErrUnknownIndicator)

	err = reg.Register(Definition{ID: "sma", MinWindow: periodWindow(0), Compute: sma})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Error(t, reg.Register(Definition{ID: "broken"}))
}
