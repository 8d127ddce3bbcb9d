package indicator

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var instA = domain.NewInstrumentKey("test", "AAA")

type fakeSource struct {
	mu      sync.Mutex
	candles []domain.Candle
}

func (f *fakeSource) Candles(domain.InstrumentKey, domain.Timeframe) []domain.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Candle(nil), f.candles...)
}

func (f *fakeSource) close(price float64) domain.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := t0
	if n := len(f.candles); n > 0 {
		next = f.candles[n-1].CloseTime
	}
	c := domain.Candle{Timeframe: "1m", OpenTime: next, CloseTime: next.Add(time.Minute), Open: price, High: price, Low: price, Close: price, Closed: true}
	f.candles = append(f.candles, c)
	return c
}

func newTestEngine(closes ...float64) (*Engine, *fakeSource) {
	src := &fakeSource{}
	for _, c := range closes {
		src.close(c)
	}
	return NewEngine(DefaultRegistry(), src, slog.New(slog.DiscardHandler)), src
}

func TestEngineUnknownIndicator(t *testing.T) {
	e, _ := newTestEngine(1, 2, 3)
	_, err := e.Compute(instA, "1m", "bogus", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownIndicator)
}

func TestEngineRejectsUndeclaredParams(t *testing.T) {
	e, _ := newTestEngine(1, 2, 3)
	for _, p := range []Params{
		{"window": 3},
		{"period": 0},
		{"period": -2},
		{"period": math.NaN()},
		{"period": math.Inf(1)},
	} {
		_, err := e.Compute(instA, "1m", "sma", p)
		assert.ErrorIs(t, err, domain.ErrInvalidParams, "%v", p)
	}
	_, err := e.Compute(instA, "1m", "bbands", Params{"k": 1.5, "period": 3})
	assert.NoError(t, err)
	assert.Len(t, e.Results(), 1, "rejected params never create a key")
}

func TestEngineBoundsCachedKeys(t *testing.T) {
	e, _ := newTestEngine(1, 2, 3)
	e.maxEntries = 2

	for _, n := range []float64{1, 2} {
		_, err := e.Compute(instA, "1m", "sma", Params{"period": n})
		require.NoError(t, err)
	}
	_, err := e.Compute(instA, "1m", "sma", Params{"period": 3})
	assert.ErrorIs(t, err, domain.ErrNotAvailable)

	_, err = e.Compute(instA, "1m", "sma", Params{"period": 2})
	assert.NoError(t, err, "existing keys are still served")
	assert.Len(t, e.Results(), 2)
}

func TestEngineInsufficientData(t *testing.T) {
	e, _ := newTestEngine(1, 2, 3)
	_, err := e.Compute(instA, "1m", "sma", Params{"period": 5})
	require.ErrorIs(t, err, domain.ErrInsufficientData)

	var ide *domain.InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, 5, ide.Need)
	assert.Equal(t, 3, ide.Have)
	assert.Empty(t, e.Results(), "no partial value is published")
}

func TestEngineCachesUntilSeriesAdvances(t *testing.T) {
	e, src := newTestEngine(1, 2, 3)

	r1, err := e.Compute(instA, "1m", "sma", Params{"period": 3})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, r1.Values["value"], 1e-9)
	assert.Equal(t, t0.Add(2*time.Minute), r1.CandleOpenTime)

	_, err = e.Compute(instA, "1m", "sma", Params{"period": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Computations(), "second read is served from cache")

	c := src.close(9)
	e.OnCandleClosed(instA, c)

	r2, err := e.Compute(instA, "1m", "sma", Params{"period": 3})
	require.NoError(t, err)
	assert.Equal(t, c.OpenTime, r2.CandleOpenTime, "result reflects the newly closed candle")
	assert.InDelta(t, (2.0+3+9)/3, r2.Values["value"], 1e-9)
	assert.Equal(t, int64(2), e.Computations())
}

// A candle close without a notification still invalidates the cache: the
// result's open time no longer matches the series.
func TestEngineDetectsAdvanceWithoutNotification(t *testing.T) {
	e, src := newTestEngine(1, 2, 3)
	_, err := e.Compute(instA, "1m", "sma", Params{"period": 2})
	require.NoError(t, err)
	src.close(5)

	r, err := e.Compute(instA, "1m", "sma", Params{"period": 2})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, r.Values["value"], 1e-9)
}

func TestEngineParamsAreCanonicalised(t *testing.T) {
	e, _ := newTestEngine(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20)
	_, err := e.Compute(instA, "1m", "sma", nil)
	require.NoError(t, err)
	_, err = e.Compute(instA, "1m", "SMA", Params{"period": 20})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Computations(), "default and explicit params share a key")

	res := e.Results()
	require.Len(t, res, 1)
	assert.Equal(t, "period=20", res[0].Params)
}

func TestEngineWatchersArePushed(t *testing.T) {
	e, src := newTestEngine(1, 2, 3)

	var got []domain.IndicatorResult
	cancel, err := e.Watch(instA, "1m", "sma", Params{"period": 3}, func(r domain.IndicatorResult) {
		got = append(got, r)
	})
	require.NoError(t, err)

	e.OnCandleClosed(instA, src.close(6))
	require.Len(t, got, 1)
	assert.InDelta(t, (2.0+3+6)/3, got[0].Values["value"], 1e-9)

	// Other series do not trigger the watcher.
	e.OnCandleClosed(domain.NewInstrumentKey("test", "BBB"), domain.Candle{Timeframe: "1m"})
	e.OnCandleClosed(instA, domain.Candle{Timeframe: "5m"})
	assert.Len(t, got, 1)

	cancel()
	e.OnCandleClosed(instA, src.close(7))
	assert.Len(t, got, 1)
}

func TestEngineConcurrentReadsSeeWholeResults(t *testing.T) {
	e, src := newTestEngine(1, 1, 1)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				r, err := e.Compute(instA, "1m", "bbands", Params{"period": 3, "k": 1})
				if err != nil {
					continue
				}
				// Every candle in this test is flat, so a whole result has
				// identical bands.
				assert.Equal(t, r.Values["upper"], r.Values["lower"])
				assert.Len(t, r.Values, 3)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		e.OnCandleClosed(instA, src.close(1))
	}
	close(stop)
	wg.Wait()
}
