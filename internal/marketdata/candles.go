package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

type seriesKey struct {
	inst domain.InstrumentKey
	tf   domain.Timeframe
}

// series is one OHLCV series: immutable closed candles plus at most one open
// candle that is mutated until its close boundary.
type series struct {
	mu     sync.Mutex
	key    seriesKey
	width  time.Duration
	max    int
	closed []domain.Candle
	open   *domain.Candle

	backfilled bool
}

func newSeries(key seriesKey, max int) *series {
	return &series{key: key, width: key.tf.Duration(), max: max}
}

// addTrade aggregates a print into the open candle. It returns every candle
// that changed, in order: candles closed by crossing a boundary (including
// flat fillers for empty intervals) and then the updated open candle. Prints
// older than the open candle belong to an immutable candle and are ignored.
func (s *series) addTrade(p domain.TradePrint) []domain.Candle {
	bucket := s.key.tf.Bucket(p.Time)
	if s.open != nil && bucket.Before(s.open.OpenTime) {
		return nil
	}
	if n := len(s.closed); s.open == nil && n > 0 && bucket.Before(s.closed[n-1].CloseTime) {
		return nil
	}

	out := s.rollTo(bucket)
	if s.open == nil {
		c := s.flat(bucket, p.Price)
		s.open = &c
	}
	o := s.open
	if o.Trades == 0 {
		o.Open, o.High, o.Low = p.Price, p.Price, p.Price
	}
	if p.Price > o.High {
		o.High = p.Price
	}
	if p.Price < o.Low {
		o.Low = p.Price
	}
	o.Close = p.Price
	o.Volume += p.Size
	o.Trades++
	return append(out, *o)
}

// upsert merges a native exchange candle.
func (s *series) upsert(c domain.Candle) []domain.Candle {
	c.OpenTime = s.key.tf.Bucket(c.OpenTime)
	if n := len(s.closed); n > 0 && !c.OpenTime.After(s.closed[n-1].OpenTime) {
		return nil
	}
	if s.open != nil && c.OpenTime.Before(s.open.OpenTime) {
		return nil
	}
	out := s.rollTo(c.OpenTime)
	c.Timeframe = s.key.tf
	c.CloseTime = c.OpenTime.Add(s.width)
	if c.Closed {
		s.push(c)
		s.open = nil
	} else {
		cc := c
		s.open = &cc
	}
	return append(out, c)
}

// rollTo closes the open candle and fills empty intervals until the candle
// opening at bucket is next. It returns the candles closed.
func (s *series) rollTo(bucket time.Time) []domain.Candle {
	if s.open == nil {
		n := len(s.closed)
		if n == 0 || !s.closed[n-1].CloseTime.Before(bucket) {
			return nil
		}
		last := s.closed[n-1]
		f := s.flat(last.CloseTime, last.Close)
		s.open = &f
	}
	var out []domain.Candle
	for s.open != nil && s.open.OpenTime.Before(bucket) {
		c := *s.open
		c.Closed = true
		s.push(c)
		out = append(out, c)
		if c.CloseTime.Before(bucket) {
			f := s.flat(c.CloseTime, c.Close)
			s.open = &f
		} else {
			s.open = nil
		}
	}
	return out
}

// sweep closes candles whose boundary passed by wall clock.
func (s *series) sweep(now time.Time, grace time.Duration) []domain.Candle {
	return s.rollTo(s.key.tf.Bucket(now.Add(-grace)))
}

// backfill prepends historical closed candles to a series that has none and
// fills any gap up to the open candle.
func (s *series) backfill(hist []domain.Candle) {
	if len(s.closed) > 0 || len(hist) == 0 {
		s.backfilled = true
		return
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i].OpenTime.Before(hist[j].OpenTime) })
	for _, c := range hist {
		c.OpenTime = s.key.tf.Bucket(c.OpenTime)
		if s.open != nil && !c.OpenTime.Before(s.open.OpenTime) {
			break
		}
		if n := len(s.closed); n > 0 {
			last := s.closed[n-1]
			if !c.OpenTime.After(last.OpenTime) {
				continue
			}
			for t := last.CloseTime; t.Before(c.OpenTime); t = t.Add(s.width) {
				s.push(s.closedFlat(t, s.closed[len(s.closed)-1].Close))
			}
		}
		c.Timeframe = s.key.tf
		c.CloseTime = c.OpenTime.Add(s.width)
		c.Closed = true
		s.push(c)
	}
	if s.open != nil && len(s.closed) > 0 {
		for t := s.closed[len(s.closed)-1].CloseTime; t.Before(s.open.OpenTime); t = t.Add(s.width) {
			s.push(s.closedFlat(t, s.closed[len(s.closed)-1].Close))
		}
	}
	s.backfilled = true
}

// closedCandles returns a copy of the closed candles.
func (s *series) closedCandles() []domain.Candle {
	return append([]domain.Candle(nil), s.closed...)
}

// all returns closed candles followed by the open candle, if any.
func (s *series) all() []domain.Candle {
	out := s.closedCandles()
	if s.open != nil {
		out = append(out, *s.open)
	}
	return out
}

// lastClosedOpenTime returns the open time of the newest closed candle.
func (s *series) lastClosedOpenTime() (time.Time, bool) {
	if len(s.closed) == 0 {
		return time.Time{}, false
	}
	return s.closed[len(s.closed)-1].OpenTime, true
}

func (s *series) push(c domain.Candle) {
	s.closed = append(s.closed, c)
	if s.max > 0 && len(s.closed) > s.max {
		s.closed = append(s.closed[:0:0], s.closed[len(s.closed)-s.max:]...)
	}
}

func (s *series) flat(open time.Time, price float64) domain.Candle {
	return domain.Candle{
		Timeframe: s.key.tf,
		OpenTime:  open,
		CloseTime: open.Add(s.width),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
}

func (s *series) closedFlat(open time.Time, price float64) domain.Candle {
	c := s.flat(open, price)
	c.Closed = true
	return c
}
