package indicator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// CandleSource supplies closed candles, oldest first.
type CandleSource interface {
	Candles(inst domain.InstrumentKey, tf domain.Timeframe) []domain.Candle
}

// Key identifies one cached indicator result.
type Key struct {
	Instrument domain.InstrumentKey
	Timeframe  domain.Timeframe
	Indicator  string
	Params     string
}

type seriesID struct {
	inst domain.InstrumentKey
	tf   domain.Timeframe
}

type watcher struct {
	id uint64
	fn func(domain.IndicatorResult)
}

type entry struct {
	key    Key
	def    Definition
	params Params

	result atomic.Pointer[domain.IndicatorResult]
	stale  atomic.Bool
	mu     sync.Mutex // serializes recomputation

	watchers []watcher // guarded by Engine.mu
}

// Engine caches indicator results per key and recomputes them lazily when the
// underlying series gains a closed candle. Keys with watchers are recomputed
// eagerly and pushed.
type Engine struct {
	reg        *Registry
	src        CandleSource
	logger     *slog.Logger
	now        func() time.Time
	maxEntries int

	mu        sync.RWMutex
	entries   map[Key]*entry
	bySeries  map[seriesID][]*entry
	nextWatch uint64

	computations atomic.Int64
}

// DefaultMaxEntries bounds how many distinct keys an engine caches.
const DefaultMaxEntries = 4096

// NewEngine creates an engine over src.
func NewEngine(reg *Registry, src CandleSource, logger *slog.Logger) *Engine {
	return &Engine{
		reg:        reg,
		src:        src,
		logger:     logger.With(slog.String("component", "indicator")),
		now:        time.Now,
		maxEntries: DefaultMaxEntries,
		entries:    make(map[Key]*entry),
		bySeries:   make(map[seriesID][]*entry),
	}
}

// Compute returns the indicator computed against the newest closed candle.
// A cached result is returned when the series has not advanced past it.
func (e *Engine) Compute(inst domain.InstrumentKey, tf domain.Timeframe, id string, params Params) (domain.IndicatorResult, error) {
	en, err := e.entryFor(inst, tf, id, params)
	if err != nil {
		return domain.IndicatorResult{}, err
	}
	return e.value(en)
}

// Watch registers fn to receive every recomputation of the key after a
// candle closes. The returned func unregisters it.
func (e *Engine) Watch(inst domain.InstrumentKey, tf domain.Timeframe, id string, params Params, fn func(domain.IndicatorResult)) (func(), error) {
	en, err := e.entryFor(inst, tf, id, params)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.nextWatch++
	wid := e.nextWatch
	en.watchers = append(en.watchers, watcher{id: wid, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, w := range en.watchers {
			if w.id == wid {
				en.watchers = append(en.watchers[:i:i], en.watchers[i+1:]...)
				return
			}
		}
	}, nil
}

// OnCandleClosed marks every indicator registered on the candle's series
// stale and pushes fresh values to watchers.
func (e *Engine) OnCandleClosed(inst domain.InstrumentKey, c domain.Candle) {
	e.mu.RLock()
	list := e.bySeries[seriesID{inst: inst, tf: c.Timeframe}]
	type push struct {
		en  *entry
		fns []func(domain.IndicatorResult)
	}
	var pushes []push
	for _, en := range list {
		en.stale.Store(true)
		if len(en.watchers) == 0 {
			continue
		}
		fns := make([]func(domain.IndicatorResult), len(en.watchers))
		for i, w := range en.watchers {
			fns[i] = w.fn
		}
		pushes = append(pushes, push{en: en, fns: fns})
	}
	e.mu.RUnlock()

	for _, p := range pushes {
		res, err := e.value(p.en)
		if err != nil {
			e.logger.Debug("indicator not ready",
				slog.String("instrument", inst.String()),
				slog.String("indicator", p.en.key.Indicator),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, fn := range p.fns {
			fn(res)
		}
	}
}

// Results returns the last published result of every registered key.
func (e *Engine) Results() []domain.IndicatorResult {
	e.mu.RLock()
	out := make([]domain.IndicatorResult, 0, len(e.entries))
	for _, en := range e.entries {
		if r := en.result.Load(); r != nil {
			out = append(out, *r)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Instrument != b.Instrument {
			return a.Instrument.String() < b.Instrument.String()
		}
		if a.Timeframe != b.Timeframe {
			return a.Timeframe < b.Timeframe
		}
		if a.Indicator != b.Indicator {
			return a.Indicator < b.Indicator
		}
		return a.Params < b.Params
	})
	return out
}

// Computations counts how many times any indicator was actually computed.
func (e *Engine) Computations() int64 { return e.computations.Load() }

func (e *Engine) entryFor(inst domain.InstrumentKey, tf domain.Timeframe, id string, params Params) (*entry, error) {
	def, err := e.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	if err := params.validate(def.ID, def.Defaults); err != nil {
		return nil, err
	}
	p := params.withDefaults(def.Defaults)
	key := Key{Instrument: inst, Timeframe: tf, Indicator: def.ID, Params: p.Canonical()}

	e.mu.RLock()
	en, ok := e.entries[key]
	e.mu.RUnlock()
	if ok {
		return en, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if en, ok = e.entries[key]; ok {
		return en, nil
	}
	if len(e.entries) >= e.maxEntries {
		return nil, fmt.Errorf("indicator: %s: %d keys cached: %w", def.ID, len(e.entries), domain.ErrNotAvailable)
	}
	en = &entry{key: key, def: def, params: p}
	e.entries[key] = en
	sid := seriesID{inst: inst, tf: tf}
	e.bySeries[sid] = append(e.bySeries[sid], en)
	return en, nil
}

func (e *Engine) value(en *entry) (domain.IndicatorResult, error) {
	candles := e.src.Candles(en.key.Instrument, en.key.Timeframe)
	need := en.def.MinWindow(en.params)
	if len(candles) < need {
		return domain.IndicatorResult{}, fmt.Errorf("indicator: %s on %s %s: %w", en.key.Indicator, en.key.Instrument, en.key.Timeframe,
			&domain.InsufficientDataError{Indicator: en.key.Indicator, Need: need, Have: len(candles)})
	}
	last := candles[len(candles)-1].OpenTime
	if r := en.result.Load(); r != nil && !en.stale.Load() && r.CandleOpenTime.Equal(last) {
		return *r, nil
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	if r := en.result.Load(); r != nil && r.CandleOpenTime.Equal(last) {
		en.stale.Store(false)
		return *r, nil
	}
	res := &domain.IndicatorResult{
		Instrument:     en.key.Instrument,
		Timeframe:      en.key.Timeframe,
		Indicator:      en.key.Indicator,
		Params:         en.key.Params,
		Values:         en.def.Compute(candles, en.params),
		CandleOpenTime: last,
		ComputedAt:     e.now(),
	}
	e.computations.Add(1)
	en.stale.Store(false)
	en.result.Store(res)
	return *res, nil
}
