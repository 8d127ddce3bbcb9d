package strategy

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/indicator"
)

var (
	btc     = domain.NewInstrumentKey("paper", "BTCUSDT")
	discard = slog.New(slog.DiscardHandler)
	t0      = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type positions map[domain.InstrumentKey]decimal.Decimal

func (p positions) Position(key domain.InstrumentKey) (domain.Position, bool) {
	q, ok := p[key]
	if !ok {
		return domain.Position{}, false
	}
	return domain.Position{Instrument: key, Kind: domain.PositionMargin, Margin: &domain.MarginDetail{Contracts: q}}, true
}

type candles []domain.Candle

func (c candles) Candles(domain.InstrumentKey, domain.Timeframe) []domain.Candle { return c }

func rsiAt(minute int, v float64) domain.IndicatorResult {
	return domain.IndicatorResult{
		Instrument:     btc,
		Timeframe:      "1m",
		Indicator:      "rsi",
		Values:         map[string]float64{"value": v},
		CandleOpenTime: t0.Add(time.Duration(minute) * time.Minute),
	}
}

func newMR(t *testing.T, margin bool, pos positions) *MeanReversion {
	t.Helper()
	mr, err := NewMeanReversion(Config{
		Instruments: []domain.InstrumentKey{btc},
		Timeframe:   "1m",
		Quantity:    decimal.NewFromInt(2),
		Margin:      margin,
	}, pos, candles{{Close: 100}}, discard)
	require.NoError(t, err)
	return mr
}

func TestMeanReversionConfig(t *testing.T) {
	_, err := NewMeanReversion(Config{Timeframe: "1m"}, positions{}, candles{}, discard)
	assert.Error(t, err, "quantity required")
	_, err = NewMeanReversion(Config{Timeframe: "1m", Quantity: decimal.NewFromInt(1), Params: map[string]float64{"oversold": 80}}, positions{}, candles{}, discard)
	assert.Error(t, err)

	mr := newMR(t, false, positions{})
	require.Len(t, mr.Watches(), 1)
	assert.Equal(t, Watch{Instrument: btc, Timeframe: "1m", Indicator: "rsi", Params: indicator.Params{"period": 14}}, mr.Watches()[0])
}

func TestMeanReversionBuysOnceUntilRearmed(t *testing.T) {
	mr := newMR(t, false, positions{})
	ctx := context.Background()

	out, err := mr.OnIndicator(ctx, rsiAt(1, 25))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.OrderSideBuy, out[0].Side)
	assert.True(t, decimal.NewFromInt(2).Equal(out[0].Quantity))
	assert.True(t, decimal.NewFromInt(100).Equal(out[0].Risk.ReferencePrice))
	assert.True(t, out[0].IsMarket())

	out, _ = mr.OnIndicator(ctx, rsiAt(1, 20))
	assert.Empty(t, out, "same candle")
	out, _ = mr.OnIndicator(ctx, rsiAt(2, 20))
	assert.Empty(t, out, "disarmed")
	out, _ = mr.OnIndicator(ctx, rsiAt(3, 55))
	assert.Empty(t, out)
	out, _ = mr.OnIndicator(ctx, rsiAt(4, 28))
	assert.Len(t, out, 1, "rearmed after crossing 50")
}

func TestMeanReversionSpotSellsOnlyHoldings(t *testing.T) {
	pos := positions{}
	mr := newMR(t, false, pos)
	ctx := context.Background()

	out, _ := mr.OnIndicator(ctx, rsiAt(1, 75))
	assert.Empty(t, out, "flat spot never shorts")

	pos[btc] = decimal.RequireFromString("1.5")
	out, _ = mr.OnIndicator(ctx, rsiAt(2, 75))
	require.Len(t, out, 1)
	assert.Equal(t, domain.OrderSideSell, out[0].Side)
	assert.Equal(t, "1.5", out[0].Quantity.String())

	out, _ = mr.OnIndicator(ctx, rsiAt(3, 20))
	assert.Empty(t, out, "still long: no add")
}

func TestMeanReversionMarginShortsAndCovers(t *testing.T) {
	pos := positions{}
	mr := newMR(t, true, pos)
	ctx := context.Background()

	out, _ := mr.OnIndicator(ctx, rsiAt(1, 80))
	require.Len(t, out, 1)
	assert.Equal(t, domain.OrderSideSell, out[0].Side)
	assert.True(t, out[0].Risk.Margin)

	pos[btc] = decimal.NewFromInt(-3)
	out, _ = mr.OnIndicator(ctx, rsiAt(2, 25))
	require.Len(t, out, 1)
	assert.Equal(t, domain.OrderSideBuy, out[0].Side)
	assert.Equal(t, "3", out[0].Quantity.String(), "covers the short")
}

type fakeWatcher struct {
	mu      sync.Mutex
	fns     map[string]func(domain.IndicatorResult)
	stopped int
}

func (w *fakeWatcher) Watch(inst domain.InstrumentKey, _ domain.Timeframe, id string, _ indicator.Params, fn func(domain.IndicatorResult)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fns[inst.String()+"/"+id] = fn
	return func() {
		w.mu.Lock()
		w.stopped++
		w.mu.Unlock()
	}, nil
}

func (w *fakeWatcher) push(key string, res domain.IndicatorResult) bool {
	w.mu.Lock()
	fn := w.fns[key]
	w.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(res)
	return true
}

func TestEngineRunsStrategies(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newMR(t, false, positions{}))
	w := &fakeWatcher{fns: make(map[string]func(domain.IndicatorResult))}
	intents := make(chan domain.TradeIntent, 4)
	e := NewEngine(reg, w, intents, discard)

	assert.Error(t, e.SetActiveNames([]string{"nope"}))
	require.NoError(t, e.SetActiveNames([]string{"rsi_mean_reversion"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.RunAll(ctx) }()

	require.Eventually(t, func() bool { return w.push("paper:BTCUSDT/rsi", rsiAt(1, 10)) }, time.Second, 5*time.Millisecond)
	select {
	case in := <-intents:
		assert.Equal(t, "rsi_mean_reversion", in.StrategyID)
		assert.Equal(t, domain.OrderSideBuy, in.Side)
	case <-time.After(time.Second):
		t.Fatal("no intent emitted")
	}
	assert.Len(t, e.RecentIntents(10), 1)

	require.Eventually(t, func() bool {
		info := e.ListInfo()
		return len(info) == 1 && info[0].Status == "running" && info[0].IntentsSent == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, w.stopped)
	assert.Equal(t, "stopped", e.ListInfo()[0].Status)
}
