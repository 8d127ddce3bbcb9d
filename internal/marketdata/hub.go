// Package marketdata implements the market data hub: per-exchange sessions,
// subscription fan-out, normalization and last-value caches.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/feed"
)

// Normalizer converts raw exchange frames into canonical events. Control
// frames normalize to no events.
type Normalizer interface {
	Normalize(raw []byte) ([]domain.MarketEvent, error)
}

// Exchange bundles everything the Hub needs for one venue.
type Exchange struct {
	ID            domain.ExchangeID
	Dialer        feed.Dialer
	Codec         feed.Codec
	Normalizer    Normalizer
	Books         domain.BookSnapshotFetcher // nil: resync by resubscribing
	Candles       domain.CandleFetcher       // nil: no backfill
	NativeCandles bool
	Sessions      int
}

// Config tunes the Hub. MaxAttempts has no default.
type Config struct {
	Backoff     feed.Backoff
	MaxAttempts int
	Liveness    time.Duration
	AckTimeout  time.Duration
	DialTimeout time.Duration
	QueueSize   int

	SubscriberBuffer int
	RecentTrades     int
	MaxCandles       int
	BookDepth        int
	FetchDepth       int
	FetchTimeout     time.Duration
	ResyncRetry      time.Duration
	BackfillLimit    int
	SweepInterval    time.Duration
	SweepGrace       time.Duration
	MirrorInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.RecentTrades <= 0 {
		c.RecentTrades = 200
	}
	if c.MaxCandles <= 0 {
		c.MaxCandles = 1000
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 50
	}
	if c.FetchDepth <= 0 {
		c.FetchDepth = 1000
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.ResyncRetry <= 0 {
		c.ResyncRetry = time.Second
	}
	if c.BackfillLimit <= 0 {
		c.BackfillLimit = 500
	}
	if c.SweepGrace < 0 {
		c.SweepGrace = 0
	}
	if c.MirrorInterval <= 0 {
		c.MirrorInterval = 250 * time.Millisecond
	}
}

// Counters are per-exchange diagnostics.
type Counters struct {
	Malformed int64 `json:"malformed"`
	Gaps      int64 `json:"gaps"`
	Resyncs   int64 `json:"resyncs"`
	Dropped   int64 `json:"dropped"`
}

type venue struct {
	ex       Exchange
	sessions []*feed.Session

	malformed atomic.Int64
	gaps      atomic.Int64
	resyncs   atomic.Int64
	dropped   atomic.Int64
}

func (v *venue) shard(symbol string) int {
	if len(v.sessions) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(v.sessions)))
}

type tickerState struct {
	mu  sync.Mutex
	val domain.Ticker
	at  time.Time
	set bool
}

type tradeState struct {
	mu   sync.Mutex
	ring []domain.TradePrint
	at   time.Time
}

// Hub owns one arena entry per exchange. Sessions hold no reference back to
// the Hub beyond the callbacks installed at construction.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	venues map[domain.ExchangeID]*venue
	mux    *feed.Multiplexer
	now    func() time.Time

	mirror          domain.SnapshotMirror
	bus             domain.SignalBus
	candleListeners []func(domain.InstrumentKey, domain.Candle)
	stateListeners  []func(feed.StateChange)

	stateMu  sync.RWMutex
	tickers  map[domain.InstrumentKey]*tickerState
	trades   map[domain.InstrumentKey]*tradeState
	books    map[domain.InstrumentKey]*bookState
	series   map[seriesKey]*series
	byInst   map[domain.InstrumentKey][]*series
	subMu    sync.RWMutex
	topics   map[domain.SubscriptionKey]map[uint64]*Subscription
	nextSub  atomic.Uint64
	running  atomic.Bool
	stopped  atomic.Bool
	resyncCh chan domain.InstrumentKey
	fillCh   chan seriesKey
	sideCh   chan func(context.Context)
}

// ErrHubStopped is returned by Subscribe once the hub has shut down.
var ErrHubStopped = errors.New("hub stopped")

// NewHub builds the Hub and one session pool per exchange.
func NewHub(cfg Config, exchanges []Exchange, logger *slog.Logger) (*Hub, error) {
	cfg.applyDefaults()
	h := &Hub{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "marketdata")),
		venues:   make(map[domain.ExchangeID]*venue, len(exchanges)),
		now:      time.Now,
		tickers:  make(map[domain.InstrumentKey]*tickerState),
		trades:   make(map[domain.InstrumentKey]*tradeState),
		books:    make(map[domain.InstrumentKey]*bookState),
		series:   make(map[seriesKey]*series),
		byInst:   make(map[domain.InstrumentKey][]*series),
		topics:   make(map[domain.SubscriptionKey]map[uint64]*Subscription),
		resyncCh: make(chan domain.InstrumentKey, 256),
		fillCh:   make(chan seriesKey, 64),
		sideCh:   make(chan func(context.Context), 1024),
	}

	for _, ex := range exchanges {
		if ex.ID == "" || ex.Dialer == nil || ex.Codec == nil || ex.Normalizer == nil {
			return nil, fmt.Errorf("marketdata: exchange %q: dialer, codec and normalizer are required", ex.ID)
		}
		if _, dup := h.venues[ex.ID]; dup {
			return nil, fmt.Errorf("marketdata: exchange %q: %w", ex.ID, domain.ErrAlreadyExists)
		}
		if ex.Sessions <= 0 {
			ex.Sessions = 1
		}
		v := &venue{ex: ex}
		for i := 0; i < ex.Sessions; i++ {
			v.sessions = append(v.sessions, feed.NewSession(feed.SessionConfig{
				Exchange:    ex.ID,
				Index:       i,
				Dialer:      ex.Dialer,
				Codec:       ex.Codec,
				Backoff:     cfg.Backoff,
				MaxAttempts: cfg.MaxAttempts,
				Liveness:    cfg.Liveness,
				AckTimeout:  cfg.AckTimeout,
				DialTimeout: cfg.DialTimeout,
				QueueSize:   cfg.QueueSize,
				OnMessage:   func(raw []byte) { h.onFrame(v, raw) },
				OnState:     func(c feed.StateChange) { h.onSessionState(v, c) },
			}, logger))
		}
		h.venues[ex.ID] = v
	}

	h.mux = feed.NewMultiplexer(h.route, logger)
	return h, nil
}

// SetMirror installs a shared snapshot store. Call before Run.
func (h *Hub) SetMirror(m domain.SnapshotMirror) { h.mirror = m }

// SetBus installs a signal bus for ticker and closed-candle fan-out. Call before Run.
func (h *Hub) SetBus(b domain.SignalBus) { h.bus = b }

// OnCandleClosed registers fn for every closed candle. Call before Run.
func (h *Hub) OnCandleClosed(fn func(domain.InstrumentKey, domain.Candle)) {
	h.candleListeners = append(h.candleListeners, fn)
}

// OnSessionState registers fn for every session transition. Call before Run.
func (h *Hub) OnSessionState(fn func(feed.StateChange)) {
	h.stateListeners = append(h.stateListeners, fn)
}

// Exchanges returns the configured exchange ids.
func (h *Hub) Exchanges() []domain.ExchangeID {
	out := make([]domain.ExchangeID, 0, len(h.venues))
	for id := range h.venues {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run starts every session and the background workers. It returns after ctx
// is cancelled, once all sessions are closed and all subscriptions released.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("marketdata: hub already running")
	}
	defer h.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range h.venues {
		for _, s := range v.sessions {
			g.Go(func() error { return s.Run(gctx) })
		}
	}
	g.Go(func() error { return h.resyncLoop(gctx) })
	g.Go(func() error { return h.backfillLoop(gctx) })
	g.Go(func() error { return h.sideLoop(gctx) })
	if h.cfg.SweepInterval > 0 {
		g.Go(func() error { return h.sweepLoop(gctx) })
	}

	h.logger.Info("hub started", slog.Int("exchanges", len(h.venues)))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (h *Hub) shutdown() {
	h.stopped.Store(true)
	h.mux.ReleaseAll()
	h.subMu.Lock()
	for key, subs := range h.topics {
		for _, s := range subs {
			close(s.ch)
		}
		delete(h.topics, key)
	}
	h.subMu.Unlock()
	h.logger.Info("hub stopped")
}

// Subscribe returns a live event sequence for key. The first event on an
// order book subscription is a full snapshot once the book is consistent.
func (h *Hub) Subscribe(key domain.SubscriptionKey) (*Subscription, error) {
	v, ok := h.venues[key.Instrument.Exchange]
	if !ok {
		return nil, fmt.Errorf("marketdata: subscribe %s: %w", key, domain.ErrUnknownExch)
	}
	if err := validChannel(key.Channel); err != nil {
		return nil, fmt.Errorf("marketdata: subscribe %s: %w", key, err)
	}
	if h.stopped.Load() {
		return nil, fmt.Errorf("marketdata: subscribe %s: %w", key, ErrHubStopped)
	}

	ch := make(chan domain.MarketEvent, h.cfg.SubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, id: h.nextSub.Add(1), key: key, hub: h}

	needFetch := false
	switch key.Channel.Kind {
	case domain.ChannelOrderBook:
		b := h.bookFor(key.Instrument)
		b.mu.Lock()
		if err := h.addSub(sub); err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("marketdata: subscribe %s: %w", key, err)
		}
		if _, live := b.view(0); live {
			sub.trySend(h.bookEvent(key.Instrument, b.full(h.cfg.BookDepth), h.now()))
		}
		if !b.live && !b.fetching && v.ex.Books != nil {
			b.fetching = true
			needFetch = true
		}
		b.mu.Unlock()
	case domain.ChannelOHLCV:
		_, created := h.seriesFor(key.Instrument, key.Channel.Timeframe)
		if err := h.addSub(sub); err != nil {
			return nil, fmt.Errorf("marketdata: subscribe %s: %w", key, err)
		}
		if created && v.ex.Candles != nil {
			select {
			case h.fillCh <- seriesKey{inst: key.Instrument, tf: key.Channel.Timeframe}:
			default:
			}
		}
	default:
		if err := h.addSub(sub); err != nil {
			return nil, fmt.Errorf("marketdata: subscribe %s: %w", key, err)
		}
	}

	handle, err := h.mux.Acquire(h.wireKey(v, key))
	if err != nil {
		h.removeSub(sub)
		return nil, fmt.Errorf("marketdata: subscribe %s: %w", key, err)
	}
	// Shutdown may have run ReleaseAll between addSub and Acquire.
	if h.stopped.Load() {
		h.mux.Release(handle)
		h.removeSub(sub)
		return nil, fmt.Errorf("marketdata: subscribe %s: %w", key, ErrHubStopped)
	}
	sub.handle = handle
	if needFetch {
		h.requestResync(v, key.Instrument)
	}
	return sub, nil
}

// Stream is Subscribe for consumers that only need the channel and a
// release function.
func (h *Hub) Stream(key domain.SubscriptionKey) (<-chan domain.MarketEvent, func(), error) {
	sub, err := h.Subscribe(key)
	if err != nil {
		return nil, nil, err
	}
	return sub.C, sub.Close, nil
}

// GetSnapshot returns the last known value for key without requiring a
// subscription. Order books are only served while consistent.
func (h *Hub) GetSnapshot(ctx context.Context, key domain.SubscriptionKey) (domain.Snapshot, error) {
	if err := validChannel(key.Channel); err != nil {
		return domain.Snapshot{}, fmt.Errorf("marketdata: snapshot %s: %w", key, err)
	}
	snap := domain.Snapshot{Key: key}
	found, known := false, false

	h.stateMu.RLock()
	switch key.Channel.Kind {
	case domain.ChannelTicker:
		if st, ok := h.tickers[key.Instrument]; ok {
			st.mu.Lock()
			if st.set {
				t := st.val
				snap.Ticker, snap.UpdatedAt, found = &t, st.at, true
			}
			st.mu.Unlock()
		}
	case domain.ChannelTrades:
		if st, ok := h.trades[key.Instrument]; ok {
			st.mu.Lock()
			if len(st.ring) > 0 {
				snap.Trades = append([]domain.TradePrint(nil), st.ring...)
				snap.UpdatedAt, found = st.at, true
			}
			st.mu.Unlock()
		}
	case domain.ChannelOrderBook:
		if b, ok := h.books[key.Instrument]; ok {
			known = true
			b.mu.Lock()
			if book, live := b.view(h.cfg.BookDepth); live {
				snap.Book, snap.UpdatedAt, found = &book, book.UpdatedAt, true
			}
			b.mu.Unlock()
		}
	case domain.ChannelOHLCV:
		if s, ok := h.series[seriesKey{inst: key.Instrument, tf: key.Channel.Timeframe}]; ok {
			s.mu.Lock()
			if c := s.all(); len(c) > 0 {
				snap.Candles, snap.UpdatedAt, found = c, c[len(c)-1].OpenTime, true
			}
			s.mu.Unlock()
		}
	}
	h.stateMu.RUnlock()

	if found {
		return snap, nil
	}
	// A locally known book that is resyncing is inconsistent everywhere.
	if known || h.mirror == nil {
		return domain.Snapshot{}, fmt.Errorf("marketdata: snapshot %s: %w", key, domain.ErrNotAvailable)
	}
	mirrored, err := h.mirror.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("mirror read failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		}
		return domain.Snapshot{}, fmt.Errorf("marketdata: snapshot %s: %w", key, domain.ErrNotAvailable)
	}
	return mirrored, nil
}

// Candles returns the closed candles of a series, oldest first.
func (h *Hub) Candles(inst domain.InstrumentKey, tf domain.Timeframe) []domain.Candle {
	h.stateMu.RLock()
	s, ok := h.series[seriesKey{inst: inst, tf: tf}]
	h.stateMu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedCandles()
}

// TrackSeries starts aggregating a series without a subscriber.
func (h *Hub) TrackSeries(inst domain.InstrumentKey, tf domain.Timeframe) error {
	if !tf.Valid() {
		return fmt.Errorf("marketdata: track %s %s: %w", inst, tf, domain.ErrUnknownChannel)
	}
	h.seriesFor(inst, tf)
	return nil
}

// Status reports every session.
func (h *Hub) Status() []domain.SessionStatus {
	var out []domain.SessionStatus
	for _, id := range h.Exchanges() {
		for _, s := range h.venues[id].sessions {
			out = append(out, s.Status())
		}
	}
	return out
}

// Degraded reports whether any session of exchange is Degraded.
func (h *Hub) Degraded(exchange domain.ExchangeID) bool {
	v, ok := h.venues[exchange]
	if !ok {
		return false
	}
	for _, s := range v.sessions {
		if s.Status().State == domain.SessionDegraded {
			return true
		}
	}
	return false
}

// Reopen restarts every Degraded session of exchange.
func (h *Hub) Reopen(exchange domain.ExchangeID) (int, error) {
	v, ok := h.venues[exchange]
	if !ok {
		return 0, fmt.Errorf("marketdata: reopen %s: %w", exchange, domain.ErrUnknownExch)
	}
	n := 0
	for _, s := range v.sessions {
		if s.Reopen() == nil {
			n++
		}
	}
	return n, nil
}

// Counters returns diagnostics for exchange.
func (h *Hub) Counters(exchange domain.ExchangeID) Counters {
	v, ok := h.venues[exchange]
	if !ok {
		return Counters{}
	}
	return Counters{
		Malformed: v.malformed.Load(),
		Gaps:      v.gaps.Load(),
		Resyncs:   v.resyncs.Load(),
		Dropped:   v.dropped.Load(),
	}
}

// --------------------------------------------------------------------------
// Inbound path
// --------------------------------------------------------------------------

func (h *Hub) onFrame(v *venue, raw []byte) {
	events, err := v.ex.Normalizer.Normalize(raw)
	if err == nil {
		err = validateEvents(v.ex.ID, events)
	}
	if err != nil {
		v.malformed.Add(1)
		h.logger.Debug("dropped malformed frame",
			slog.String("exchange", string(v.ex.ID)),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, ev := range events {
		h.dispatch(v, ev)
	}
}

func (h *Hub) dispatch(v *venue, ev domain.MarketEvent) {
	switch p := ev.Payload.(type) {
	case domain.Ticker:
		ev.Channel = domain.TickerChannel
		h.onTicker(ev, p)
	case domain.TradePrint:
		ev.Channel = domain.TradesChannel
		h.onTrade(v, ev, p)
	case domain.BookUpdate:
		ev.Channel = domain.BookChannel
		h.onBook(v, ev, p)
	case domain.Candle:
		ev.Channel = domain.OHLCV(p.Timeframe)
		h.onCandle(ev, p)
	}
}

func (h *Hub) onTicker(ev domain.MarketEvent, t domain.Ticker) {
	st := h.tickerFor(ev.Instrument)
	st.mu.Lock()
	st.val, st.at, st.set = t, ev.Timestamp, true
	h.publish(ev)
	st.mu.Unlock()

	h.side(func(ctx context.Context) {
		if h.mirror != nil {
			if err := h.mirror.SetTicker(ctx, ev.Instrument, t, ev.Timestamp); err != nil {
				h.logger.Warn("mirror ticker failed", slog.String("error", err.Error()))
			}
		}
		h.busPublish(ctx, ev)
	})
}

func (h *Hub) onTrade(v *venue, ev domain.MarketEvent, p domain.TradePrint) {
	st := h.tradesFor(ev.Instrument)
	st.mu.Lock()
	st.ring = append(st.ring, p)
	if len(st.ring) > h.cfg.RecentTrades {
		st.ring = append(st.ring[:0:0], st.ring[len(st.ring)-h.cfg.RecentTrades:]...)
	}
	st.at = p.Time
	h.publish(ev)
	st.mu.Unlock()

	if v.ex.NativeCandles {
		return
	}
	h.stateMu.RLock()
	list := append([]*series(nil), h.byInst[ev.Instrument]...)
	h.stateMu.RUnlock()
	for _, s := range list {
		s.mu.Lock()
		changed := s.addTrade(p)
		closed := h.publishCandles(s, changed)
		s.mu.Unlock()
		h.candlesClosed(s.key.inst, closed)
	}
}

func (h *Hub) onCandle(ev domain.MarketEvent, c domain.Candle) {
	s, _ := h.seriesFor(ev.Instrument, c.Timeframe)
	s.mu.Lock()
	changed := s.upsert(c)
	closed := h.publishCandles(s, changed)
	s.mu.Unlock()
	h.candlesClosed(ev.Instrument, closed)
}

func (h *Hub) onBook(v *venue, ev domain.MarketEvent, u domain.BookUpdate) {
	now := h.now()
	b := h.bookFor(ev.Instrument)
	b.mu.Lock()
	visible, gap := b.apply(u, now)
	for _, vu := range visible {
		h.publishBook(b, h.bookEvent(ev.Instrument, vu, ev.Timestamp))
	}
	needResync := false
	if gap {
		v.gaps.Add(1)
		h.logger.Warn("order book sequence gap",
			slog.String("instrument", ev.Instrument.String()),
			slog.Int64("first_seq", u.FirstSeq),
			slog.Int64("last_seq", u.LastSeq),
			slog.String("error", domain.ErrSequenceGap.Error()),
		)
	}
	if !b.live && !b.fetching {
		b.fetching = true
		needResync = true
	}
	var mirrorView *domain.OrderBook
	if len(visible) > 0 && now.Sub(b.mirrored) >= h.cfg.MirrorInterval {
		if book, ok := b.view(h.cfg.BookDepth); ok {
			b.mirrored = now
			mirrorView = &book
		}
	}
	b.mu.Unlock()

	if h.mirror != nil && (mirrorView != nil || gap) {
		inst := ev.Instrument
		h.side(func(ctx context.Context) {
			var err error
			if mirrorView != nil {
				err = h.mirror.SetBook(ctx, *mirrorView)
			} else {
				err = h.mirror.InvalidateBook(ctx, inst)
			}
			if err != nil {
				h.logger.Warn("mirror book failed", slog.String("error", err.Error()))
			}
		})
	}
	if needResync {
		h.requestResync(v, ev.Instrument)
	}
}

// requestResync asks for a fresh book: via the REST fetcher when the
// exchange has one, else by resubscribing so the stream resends its snapshot.
func (h *Hub) requestResync(v *venue, inst domain.InstrumentKey) {
	if v.ex.Books == nil {
		key := domain.SubscriptionKey{Instrument: inst, Channel: domain.BookChannel}
		v.resyncs.Add(1)
		h.mux.Refresh(key)
		h.clearFetching(inst)
		return
	}
	select {
	case h.resyncCh <- inst:
	default:
		h.logger.Warn("resync queue full", slog.String("instrument", inst.String()))
		h.clearFetching(inst)
	}
}

func (h *Hub) clearFetching(inst domain.InstrumentKey) {
	b := h.bookFor(inst)
	b.mu.Lock()
	b.fetching = false
	b.mu.Unlock()
}

func (h *Hub) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case inst := <-h.resyncCh:
			h.resync(ctx, inst)
		}
	}
}

func (h *Hub) resync(ctx context.Context, inst domain.InstrumentKey) {
	v, ok := h.venues[inst.Exchange]
	if !ok || v.ex.Books == nil {
		return
	}
	key := domain.SubscriptionKey{Instrument: inst, Channel: domain.BookChannel}
	if h.mux.RefCount(key) == 0 {
		h.clearFetching(inst)
		return
	}

	fctx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	snap, err := v.ex.Books.FetchBookSnapshot(fctx, inst, h.cfg.FetchDepth)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("book snapshot fetch failed",
			slog.String("instrument", inst.String()),
			slog.String("error", err.Error()),
		)
		h.retryResync(ctx, inst)
		return
	}
	snap.Snapshot = true
	v.resyncs.Add(1)

	b := h.bookFor(inst)
	b.mu.Lock()
	visible, gap := b.apply(snap, h.now())
	for _, vu := range visible {
		h.publishBook(b, h.bookEvent(inst, vu, h.now()))
	}
	if gap {
		v.gaps.Add(1)
		b.fetching = true
	}
	b.mu.Unlock()
	if gap {
		h.retryResync(ctx, inst)
	}
}

func (h *Hub) retryResync(ctx context.Context, inst domain.InstrumentKey) {
	go func() {
		if !sleepCtx(ctx, h.cfg.ResyncRetry) {
			return
		}
		select {
		case h.resyncCh <- inst:
		case <-ctx.Done():
		}
	}()
}

func (h *Hub) onSessionState(v *venue, c feed.StateChange) {
	st := c.Status
	switch {
	case st.State == domain.SessionDisconnected && c.Prev == domain.SessionConnected:
		// Deltas were missed while disconnected; owned books are inconsistent.
		for _, inst := range h.booksOf(v, st.Index) {
			b := h.bookFor(inst)
			b.mu.Lock()
			b.invalidate()
			b.fetching = false
			b.mu.Unlock()
			if h.mirror != nil {
				h.side(func(ctx context.Context) { _ = h.mirror.InvalidateBook(ctx, inst) })
			}
		}
	case st.State == domain.SessionConnected && v.ex.Books != nil:
		for _, inst := range h.booksOf(v, st.Index) {
			b := h.bookFor(inst)
			b.mu.Lock()
			need := !b.live && !b.fetching
			if need {
				b.fetching = true
			}
			b.mu.Unlock()
			if need {
				h.requestResync(v, inst)
			}
		}
	}

	level := slog.LevelInfo
	if st.State == domain.SessionDegraded {
		level = slog.LevelError
	}
	attrs := []any{
		slog.String("exchange", string(st.Exchange)),
		slog.Int("index", st.Index),
		slog.String("from", string(c.Prev)),
		slog.String("to", string(st.State)),
	}
	if c.Err != nil {
		attrs = append(attrs, slog.String("error", c.Err.Error()))
	}
	h.logger.Log(context.Background(), level, "session state", attrs...)

	for _, fn := range h.stateListeners {
		fn(c)
	}
}

func (h *Hub) booksOf(v *venue, index int) []domain.InstrumentKey {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	var out []domain.InstrumentKey
	for inst := range h.books {
		if inst.Exchange == v.ex.ID && v.shard(inst.Symbol) == index {
			out = append(out, inst)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Candles
// --------------------------------------------------------------------------

// publishCandles publishes changed candles and returns the closed ones.
// Caller holds s.mu.
func (h *Hub) publishCandles(s *series, changed []domain.Candle) []domain.Candle {
	var closed []domain.Candle
	for _, c := range changed {
		h.publish(domain.MarketEvent{
			Instrument: s.key.inst,
			Channel:    domain.OHLCV(s.key.tf),
			Timestamp:  c.OpenTime,
			Payload:    c,
		})
		if c.Closed {
			closed = append(closed, c)
		}
	}
	return closed
}

// candlesClosed notifies listeners outside any series lock.
func (h *Hub) candlesClosed(inst domain.InstrumentKey, closed []domain.Candle) {
	for _, c := range closed {
		for _, fn := range h.candleListeners {
			fn(inst, c)
		}
		c := c
		h.side(func(ctx context.Context) {
			if h.mirror != nil {
				if err := h.mirror.AppendCandle(ctx, inst, c); err != nil {
					h.logger.Warn("mirror candle failed", slog.String("error", err.Error()))
				}
			}
			h.busPublish(ctx, domain.MarketEvent{Instrument: inst, Channel: domain.OHLCV(c.Timeframe), Timestamp: c.OpenTime, Payload: c})
		})
	}
}

// Sweep closes aggregated candles whose boundary has passed by wall clock.
func (h *Hub) Sweep(now time.Time) {
	h.stateMu.RLock()
	list := make([]*series, 0, len(h.series))
	for _, s := range h.series {
		if v, ok := h.venues[s.key.inst.Exchange]; ok && !v.ex.NativeCandles {
			list = append(list, s)
		}
	}
	h.stateMu.RUnlock()
	for _, s := range list {
		s.mu.Lock()
		closed := h.publishCandles(s, s.sweep(now, h.cfg.SweepGrace))
		s.mu.Unlock()
		h.candlesClosed(s.key.inst, closed)
	}
}

func (h *Hub) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(h.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.Sweep(h.now())
		}
	}
}

func (h *Hub) backfillLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-h.fillCh:
			h.backfill(ctx, key)
		}
	}
}

func (h *Hub) backfill(ctx context.Context, key seriesKey) {
	v, ok := h.venues[key.inst.Exchange]
	if !ok || v.ex.Candles == nil {
		return
	}
	width := key.tf.Duration()
	since := h.now().Add(-time.Duration(h.cfg.BackfillLimit) * width)
	fctx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	hist, err := v.ex.Candles.FetchCandles(fctx, key.inst, key.tf, since, h.cfg.BackfillLimit)
	cancel()
	if err != nil {
		h.logger.Warn("candle backfill failed",
			slog.String("instrument", key.inst.String()),
			slog.String("timeframe", string(key.tf)),
			slog.String("error", err.Error()),
		)
		return
	}
	s, _ := h.seriesFor(key.inst, key.tf)
	s.mu.Lock()
	s.backfill(hist)
	last, ok := s.lastClosedOpenTime()
	var lastCandle domain.Candle
	if ok {
		lastCandle = s.closed[len(s.closed)-1]
	}
	s.mu.Unlock()
	h.logger.Info("candle series backfilled",
		slog.String("instrument", key.inst.String()),
		slog.String("timeframe", string(key.tf)),
		slog.Int("candles", len(hist)),
		slog.Time("last_open", last),
	)
	if ok {
		for _, fn := range h.candleListeners {
			fn(key.inst, lastCandle)
		}
	}
}

// --------------------------------------------------------------------------
// Fan-out
// --------------------------------------------------------------------------

// addSub registers s unless shutdown has already cleared the topics.
func (h *Hub) addSub(s *Subscription) error {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.stopped.Load() {
		return ErrHubStopped
	}
	m, ok := h.topics[s.key]
	if !ok {
		m = make(map[uint64]*Subscription)
		h.topics[s.key] = m
	}
	m[s.id] = s
	return nil
}

func (h *Hub) removeSub(s *Subscription) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	m, ok := h.topics[s.key]
	if !ok {
		return
	}
	if _, ok := m[s.id]; !ok {
		return
	}
	delete(m, s.id)
	close(s.ch)
	if len(m) == 0 {
		delete(h.topics, s.key)
	}
}

// publish fans ev out to every subscriber of its key. Callers hold the
// per-key state lock, which fixes per-key delivery order.
func (h *Hub) publish(ev domain.MarketEvent) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for _, s := range h.topics[ev.Key()] {
		if !s.trySend(ev) {
			h.countDrop(ev.Instrument.Exchange)
		}
	}
}

// publishBook is publish for book events: a subscriber that lagged gets a
// full snapshot instead of the next delta. Caller holds b.mu.
func (h *Hub) publishBook(b *bookState, ev domain.MarketEvent) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for _, s := range h.topics[ev.Key()] {
		out := ev
		u := ev.Payload.(domain.BookUpdate)
		if s.lagged.Load() && !u.Snapshot {
			out = h.bookEvent(ev.Instrument, b.full(h.cfg.BookDepth), ev.Timestamp)
		}
		if s.trySend(out) {
			s.lagged.Store(false)
		} else {
			h.countDrop(ev.Instrument.Exchange)
		}
	}
}

func (h *Hub) countDrop(id domain.ExchangeID) {
	if v, ok := h.venues[id]; ok {
		v.dropped.Add(1)
	}
}

func (h *Hub) bookEvent(inst domain.InstrumentKey, u domain.BookUpdate, ts time.Time) domain.MarketEvent {
	return domain.MarketEvent{
		Instrument: inst,
		Channel:    domain.BookChannel,
		Sequence:   u.LastSeq,
		Timestamp:  ts,
		Payload:    u,
	}
}

func (h *Hub) side(fn func(context.Context)) {
	if h.mirror == nil && h.bus == nil {
		return
	}
	select {
	case h.sideCh <- fn:
	default:
		h.logger.Debug("side effect queue full")
	}
}

func (h *Hub) sideLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-h.sideCh:
			fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			fn(fctx)
			cancel()
		}
	}
}

func (h *Hub) busPublish(ctx context.Context, ev domain.MarketEvent) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, domain.BusMarketEvents, payload); err != nil {
		h.logger.Warn("bus publish failed", slog.String("error", err.Error()))
	}
}

// --------------------------------------------------------------------------
// State lookup
// --------------------------------------------------------------------------

func (h *Hub) route(key domain.SubscriptionKey) (feed.WireSubscriber, error) {
	v, ok := h.venues[key.Instrument.Exchange]
	if !ok {
		return nil, domain.ErrUnknownExch
	}
	return v.sessions[v.shard(key.Instrument.Symbol)], nil
}

// wireKey maps a logical key onto what is subscribed on the wire: OHLCV is
// built from trades when the exchange has no candle stream.
func (h *Hub) wireKey(v *venue, key domain.SubscriptionKey) domain.SubscriptionKey {
	if key.Channel.Kind == domain.ChannelOHLCV && !v.ex.NativeCandles {
		return domain.SubscriptionKey{Instrument: key.Instrument, Channel: domain.TradesChannel}
	}
	return key
}

func (h *Hub) tickerFor(inst domain.InstrumentKey) *tickerState {
	h.stateMu.RLock()
	st, ok := h.tickers[inst]
	h.stateMu.RUnlock()
	if ok {
		return st
	}
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if st, ok = h.tickers[inst]; !ok {
		st = &tickerState{}
		h.tickers[inst] = st
	}
	return st
}

func (h *Hub) tradesFor(inst domain.InstrumentKey) *tradeState {
	h.stateMu.RLock()
	st, ok := h.trades[inst]
	h.stateMu.RUnlock()
	if ok {
		return st
	}
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if st, ok = h.trades[inst]; !ok {
		st = &tradeState{}
		h.trades[inst] = st
	}
	return st
}

func (h *Hub) bookFor(inst domain.InstrumentKey) *bookState {
	h.stateMu.RLock()
	b, ok := h.books[inst]
	h.stateMu.RUnlock()
	if ok {
		return b
	}
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if b, ok = h.books[inst]; !ok {
		b = newBookState(inst)
		h.books[inst] = b
	}
	return b
}

func (h *Hub) seriesFor(inst domain.InstrumentKey, tf domain.Timeframe) (*series, bool) {
	key := seriesKey{inst: inst, tf: tf}
	h.stateMu.RLock()
	s, ok := h.series[key]
	h.stateMu.RUnlock()
	if ok {
		return s, false
	}
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if s, ok = h.series[key]; ok {
		return s, false
	}
	s = newSeries(key, h.cfg.MaxCandles)
	h.series[key] = s
	h.byInst[inst] = append(h.byInst[inst], s)
	return s, true
}

func validChannel(c domain.Channel) error {
	switch c.Kind {
	case domain.ChannelTicker, domain.ChannelTrades, domain.ChannelOrderBook:
		return nil
	case domain.ChannelOHLCV:
		if c.Timeframe.Valid() {
			return nil
		}
	}
	return domain.ErrUnknownChannel
}

func validateEvents(id domain.ExchangeID, events []domain.MarketEvent) error {
	for _, ev := range events {
		if ev.Instrument.Exchange != id || ev.Instrument.Symbol == "" {
			return fmt.Errorf("event for %q on %q: %w", ev.Instrument, id, domain.ErrMalformedFrame)
		}
		var ok bool
		switch p := ev.Payload.(type) {
		case domain.Ticker:
			ok = finite(p.Bid, p.Ask, p.Last, p.Volume24h)
		case domain.TradePrint:
			ok = finite(p.Price, p.Size) && p.Price > 0 && p.Size >= 0 && !p.Time.IsZero()
		case domain.BookUpdate:
			ok = levelsOK(p.Bids) && levelsOK(p.Asks)
		case domain.Candle:
			ok = p.Timeframe.Valid() && finite(p.Open, p.High, p.Low, p.Close, p.Volume) && p.High >= p.Low
		}
		if !ok {
			return fmt.Errorf("invalid %T for %s: %w", ev.Payload, ev.Instrument, domain.ErrMalformedFrame)
		}
	}
	return nil
}

func levelsOK(levels []domain.PriceLevel) bool {
	for _, l := range levels {
		if !finite(l.Price, l.Size) || l.Price <= 0 || l.Size < 0 {
			return false
		}
	}
	return true
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
