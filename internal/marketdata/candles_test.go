package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestSeries(tf domain.Timeframe) *series {
	return newSeries(seriesKey{inst: domain.NewInstrumentKey("test", "AAA"), tf: tf}, 100)
}

func tradeAt(at time.Time, price, size float64) domain.TradePrint {
	return domain.TradePrint{Price: price, Size: size, Time: at}
}

func TestSeriesClosesExactlyAtBoundary(t *testing.T) {
	s := newTestSeries("1m")

	out := s.addTrade(tradeAt(t0, 10, 1))
	require.Len(t, out, 1)
	assert.False(t, out[0].Closed)

	out = s.addTrade(tradeAt(t0.Add(10*time.Second), 12, 2))
	require.Len(t, out, 1)
	assert.False(t, out[0].Closed)
	assert.Empty(t, s.closedCandles(), "no candle closes inside the interval")

	out = s.addTrade(tradeAt(t0.Add(70*time.Second), 11, 1))
	require.Len(t, out, 2)

	closed := s.closedCandles()
	require.Len(t, closed, 1)
	c := closed[0]
	assert.True(t, c.Closed)
	assert.Equal(t, t0, c.OpenTime)
	assert.Equal(t, t0.Add(time.Minute), c.CloseTime)
	assert.Equal(t, 10.0, c.Open)
	assert.Equal(t, 12.0, c.High)
	assert.Equal(t, 10.0, c.Low)
	assert.Equal(t, 12.0, c.Close)
	assert.Equal(t, 3.0, c.Volume)
	assert.Equal(t, 2, c.Trades)

	open := out[1]
	assert.False(t, open.Closed)
	assert.Equal(t, t0.Add(time.Minute), open.OpenTime)
	assert.Equal(t, 11.0, open.Open)
	assert.Equal(t, 1.0, open.Volume)
}

func TestSeriesPrintOnBoundaryStartsNextCandle(t *testing.T) {
	s := newTestSeries("1m")
	s.addTrade(tradeAt(t0.Add(59*time.Second), 10, 1))
	s.addTrade(tradeAt(t0.Add(time.Minute), 20, 1))

	closed := s.closedCandles()
	require.Len(t, closed, 1)
	assert.Equal(t, 10.0, closed[0].Close)
	all := s.all()
	assert.Equal(t, 20.0, all[len(all)-1].Open)
}

func TestSeriesFillsEmptyIntervals(t *testing.T) {
	s := newTestSeries("1m")
	s.addTrade(tradeAt(t0, 10, 1))
	s.addTrade(tradeAt(t0.Add(190*time.Second), 14, 1))

	closed := s.closedCandles()
	require.Len(t, closed, 3)
	for i, c := range closed {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), c.OpenTime)
	}
	assert.Zero(t, closed[1].Volume)
	assert.Equal(t, 10.0, closed[2].Close, "flat candles carry the previous close")
}

func TestSeriesIgnoresLatePrints(t *testing.T) {
	s := newTestSeries("1m")
	s.addTrade(tradeAt(t0, 10, 1))
	s.addTrade(tradeAt(t0.Add(61*time.Second), 11, 1))

	out := s.addTrade(tradeAt(t0.Add(30*time.Second), 99, 1))
	assert.Empty(t, out)
	assert.Equal(t, 10.0, s.closedCandles()[0].High, "closed candles are immutable")
}

func TestSeriesSweepClosesByWallClock(t *testing.T) {
	s := newTestSeries("1m")
	s.addTrade(tradeAt(t0.Add(5*time.Second), 10, 1))

	assert.Empty(t, s.sweep(t0.Add(50*time.Second), 0))
	out := s.sweep(t0.Add(61*time.Second), 0)
	require.Len(t, out, 1)
	assert.True(t, out[0].Closed)
	assert.Equal(t, t0, out[0].OpenTime)

	// A second sweep in the next interval produces one flat candle.
	out = s.sweep(t0.Add(125*time.Second), 0)
	require.Len(t, out, 1)
	assert.Equal(t, t0.Add(time.Minute), out[0].OpenTime)
	assert.Zero(t, out[0].Volume)
}

func TestSeriesSweepGrace(t *testing.T) {
	s := newTestSeries("1m")
	s.addTrade(tradeAt(t0, 10, 1))
	assert.Empty(t, s.sweep(t0.Add(61*time.Second), 2*time.Second))
	assert.Len(t, s.sweep(t0.Add(62*time.Second), 2*time.Second), 1)
}

func TestSeriesNativeUpsert(t *testing.T) {
	s := newTestSeries("1m")
	out := s.upsert(domain.Candle{OpenTime: t0, Open: 1, High: 2, Low: 1, Close: 2, Volume: 5})
	require.Len(t, out, 1)
	assert.False(t, out[0].Closed)

	out = s.upsert(domain.Candle{OpenTime: t0, Open: 1, High: 3, Low: 1, Close: 3, Volume: 6, Closed: true})
	require.Len(t, out, 1)
	require.Len(t, s.closedCandles(), 1)
	assert.Equal(t, 3.0, s.closedCandles()[0].Close)

	assert.Empty(t, s.upsert(domain.Candle{OpenTime: t0, Close: 9, High: 9, Closed: true}), "closed candles are immutable")
}

func TestSeriesBackfillJoinsLiveCandle(t *testing.T) {
	s := newTestSeries("1m")
	s.addTrade(tradeAt(t0.Add(5*time.Minute), 50, 1))

	hist := []domain.Candle{
		{OpenTime: t0.Add(time.Minute), Open: 40, High: 41, Low: 39, Close: 41},
		{OpenTime: t0, Open: 38, High: 40, Low: 37, Close: 40},
		{OpenTime: t0.Add(3 * time.Minute), Open: 42, High: 43, Low: 41, Close: 42},
	}
	s.backfill(hist)

	closed := s.closedCandles()
	require.Len(t, closed, 5)
	for i, c := range closed {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), c.OpenTime, "series has no gaps")
		assert.True(t, c.Closed)
	}
	assert.Equal(t, 41.0, closed[2].Close, "gap filler carries the previous close")
	assert.Equal(t, 42.0, closed[4].Close)
}

func TestSeriesRetention(t *testing.T) {
	s := newSeries(seriesKey{inst: domain.NewInstrumentKey("test", "AAA"), tf: "1s"}, 3)
	for i := 0; i < 10; i++ {
		s.addTrade(tradeAt(t0.Add(time.Duration(i)*time.Second), float64(i+1), 1))
	}
	closed := s.closedCandles()
	require.Len(t, closed, 3)
	assert.Equal(t, t0.Add(6*time.Second), closed[0].OpenTime)
}
