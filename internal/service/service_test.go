package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/ledger"
	"github.com/alanyoungcy/marketcore/internal/notify"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Config{
		QuantityTolerance: dec("0.0001"),
		PriceTolerancePct: dec("0.5"),
	}, discard)
	require.NoError(t, err)
	return l
}

func buy(id string, inst domain.InstrumentKey, qty, px string) domain.Fill {
	return domain.Fill{
		FillID:     id,
		IntentID:   "i-" + id,
		Instrument: inst,
		Side:       domain.OrderSideBuy,
		Quantity:   dec(qty),
		Price:      dec(px),
		Time:       time.Now(),
	}
}

func TestPlaceManualRateLimited(t *testing.T) {
	coord := &fakeCoord{}
	lim := &fakeLimiter{allow: false}
	s := NewIntentService(IntentServiceConfig{ManualLimit: 5}, coord, nil, lim, nil, nil, nil, discard)

	_, err := s.PlaceManual(context.Background(), "10.0.0.1", domain.TradeIntent{ID: "a"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, coord.submitted)
	assert.Equal(t, []string{"intents:10.0.0.1"}, lim.keys)

	lim.allow = true
	rec, err := s.PlaceManual(context.Background(), "10.0.0.1", domain.TradeIntent{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "manual", rec.Intent.StrategyID)
}

func TestPlaceManualLimiterFailsOpen(t *testing.T) {
	coord := &fakeCoord{}
	lim := &fakeLimiter{err: errors.New("redis down")}
	s := NewIntentService(IntentServiceConfig{ManualLimit: 5}, coord, nil, lim, nil, nil, nil, discard)

	_, err := s.PlaceManual(context.Background(), "c", domain.TradeIntent{ID: "a", StrategyID: "ops"})
	require.NoError(t, err)
	require.Len(t, coord.submitted, 1)
	assert.Equal(t, "ops", coord.submitted[0].StrategyID)
}

func TestIntentServiceGetFallsBackToStore(t *testing.T) {
	store := newFakeIntentStore()
	require.NoError(t, store.Create(context.Background(), domain.IntentRecord{Intent: domain.TradeIntent{ID: "old"}, State: domain.IntentFilled}))
	coord := &fakeCoord{recs: map[string]domain.IntentRecord{"live": {Intent: domain.TradeIntent{ID: "live"}, State: domain.IntentAcked}}}
	s := NewIntentService(IntentServiceConfig{}, coord, store, nil, nil, nil, nil, discard)

	rec, err := s.Get(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentAcked, rec.State)

	rec, err = s.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentFilled, rec.State)

	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIntentServicePersistsTransitions(t *testing.T) {
	store := newFakeIntentStore()
	bus := &fakeBus{}
	audit := &fakeAudit{}
	alerts := &fakeAlerts{}
	s := NewIntentService(IntentServiceConfig{}, &fakeCoord{}, store, nil, bus, audit, alerts, discard)

	in := domain.TradeIntent{ID: "x", Instrument: btc, Side: domain.OrderSideBuy, Quantity: dec("1")}
	for _, st := range []domain.IntentState{domain.IntentCreated, domain.IntentRiskAccepted, domain.IntentSubmitted, domain.IntentSubmissionUncertain} {
		s.Record(domain.IntentRecord{Intent: in, State: st})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx), "flushes queued records after cancel")

	assert.Equal(t, 1, store.creates)
	assert.Equal(t, 3, store.updates)
	assert.Equal(t, domain.IntentSubmissionUncertain, store.recs["x"].State)
	assert.Equal(t, []string{"intent.created", "intent.risk_accepted", "intent.submitted", "intent.submission_uncertain"}, audit.events)
	assert.Equal(t, 4, bus.published(domain.BusIntents))
	assert.Len(t, bus.streams, 4)
	assert.Equal(t, []alert{{notify.EventUncertain, "x"}}, alerts.got)
}

func TestIntentServiceRecordNeverBlocks(t *testing.T) {
	s := NewIntentService(IntentServiceConfig{Buffer: 2}, &fakeCoord{}, nil, nil, nil, nil, nil, discard)
	for i := range 5 {
		s.Record(domain.IntentRecord{Intent: domain.TradeIntent{ID: string(rune('a' + i))}})
	}
	assert.Equal(t, int64(3), s.Dropped())
}

func TestReconcilerRecordsDrift(t *testing.T) {
	l := newLedger(t)
	_, err := l.ApplyFill(buy("f1", btc, "1", "100"))
	require.NoError(t, err)

	ex := &fakeExchange{positions: []domain.ExchangePosition{
		{Instrument: btc, Kind: domain.PositionSpot, Quantity: dec("2"), EntryPrice: dec("100")},
	}}
	coord := &fakeCoord{}
	locks := &fakeLocks{}
	bus := &fakeBus{}
	audit := &fakeAudit{}
	alerts := &fakeAlerts{}
	r := NewReconciler(ReconcilerConfig{PollOpen: true},
		map[domain.ExchangeID]domain.ExchangeClient{"paper": ex},
		l, coord, locks, bus, audit, alerts, discard)

	drifts := r.ReconcileOnce(context.Background())
	require.Len(t, drifts, 1)
	assert.Equal(t, "quantity", drifts[0].Field)
	assert.Equal(t, []string{"reconcile:paper"}, locks.acquired)
	assert.Equal(t, []string{"ledger.drift"}, audit.events)
	require.Len(t, bus.streams, 1)
	assert.Equal(t, domain.StreamDrift, bus.streams[0].channel)
	var got domain.Drift
	require.NoError(t, json.Unmarshal(bus.streams[0].payload, &got))
	assert.Equal(t, btc, got.Instrument)
	assert.Equal(t, []alert{{notify.EventDrift, "paper:BTCUSDT/quantity"}}, alerts.got)
	assert.Equal(t, 1, coord.resolves)
	assert.Equal(t, 1, coord.refreshes)

	// The ledger keeps its own quantity.
	p, ok := l.Position(btc)
	require.True(t, ok)
	assert.True(t, dec("1").Equal(p.NetQuantity()))
}

func TestReconcilerResolvesOrdersBeforeComparing(t *testing.T) {
	l := newLedger(t)
	ex := &fakeExchange{positions: []domain.ExchangePosition{
		{Instrument: btc, Kind: domain.PositionSpot, Quantity: dec("1"), EntryPrice: dec("100")},
	}}
	// The fill of an uncertain submission only lands once it is resolved.
	coord := &fakeCoord{onResolve: func() {
		_, err := l.ApplyFill(buy("late", btc, "1", "100"))
		require.NoError(t, err)
	}}
	r := NewReconciler(ReconcilerConfig{},
		map[domain.ExchangeID]domain.ExchangeClient{"paper": ex},
		l, coord, nil, nil, nil, nil, discard)

	assert.Empty(t, r.ReconcileOnce(context.Background()))
	assert.Equal(t, 1, coord.resolves)
}

func TestReconcilerSkipsHeldLockAndFetchErrors(t *testing.T) {
	l := newLedger(t)
	held := &fakeExchange{}
	broken := &fakeExchange{err: errors.New("timeout")}
	coord := &fakeCoord{}
	r := NewReconciler(ReconcilerConfig{},
		map[domain.ExchangeID]domain.ExchangeClient{"a": held, "b": broken},
		l, coord, &fakeLocks{held: map[string]bool{"reconcile:a": true}}, nil, nil, nil, discard)

	assert.Empty(t, r.ReconcileOnce(context.Background()))
	assert.Zero(t, held.fetches)
	assert.Equal(t, 1, broken.fetches)
	assert.Equal(t, 1, coord.resolves, "uncertain intents resolve even when an exchange fails")
	assert.Zero(t, coord.refreshes)
}

type fakeLedgerStore struct {
	snap    *domain.LedgerSnapshot
	fillIDs map[domain.InstrumentKey][]string
	saves   int
	err     error
}

func (s *fakeLedgerStore) SaveSnapshot(_ context.Context, snap domain.LedgerSnapshot) error {
	s.saves++
	s.snap = &snap
	return nil
}

func (s *fakeLedgerStore) LoadLatest(context.Context) (domain.LedgerSnapshot, error) {
	if s.err != nil {
		return domain.LedgerSnapshot{}, s.err
	}
	if s.snap == nil {
		return domain.LedgerSnapshot{}, domain.ErrNotFound
	}
	return *s.snap, nil
}

func (s *fakeLedgerStore) SaveFillIDs(_ context.Context, key domain.InstrumentKey, ids []string) error {
	if s.fillIDs == nil {
		s.fillIDs = make(map[domain.InstrumentKey][]string)
	}
	s.fillIDs[key] = ids
	return nil
}

func (s *fakeLedgerStore) LoadFillIDs(context.Context) (map[domain.InstrumentKey][]string, error) {
	return s.fillIDs, nil
}

type fakeArchive struct {
	archived []uint64
	latest   *domain.LedgerSnapshot
}

func (a *fakeArchive) ArchiveSnapshot(_ context.Context, snap domain.LedgerSnapshot) (string, error) {
	a.archived = append(a.archived, snap.Version)
	return "p", nil
}

func (a *fakeArchive) LatestSnapshot(context.Context) (domain.LedgerSnapshot, error) {
	if a.latest == nil {
		return domain.LedgerSnapshot{}, domain.ErrNotFound
	}
	return *a.latest, nil
}

func TestSnapshotterSavesOnlyOnChange(t *testing.T) {
	l := newLedger(t)
	store := &fakeLedgerStore{}
	arch := &fakeArchive{}
	s := NewSnapshotter(SnapshotterConfig{ArchiveEvery: 2}, l, store, arch, discard)
	ctx := context.Background()

	_, err := l.ApplyFill(buy("f1", btc, "1", "100"))
	require.NoError(t, err)
	saved, err := s.SnapshotOnce(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = s.SnapshotOnce(ctx)
	require.NoError(t, err)
	assert.False(t, saved, "unchanged version")

	_, err = l.ApplyFill(buy("f2", btc, "1", "110"))
	require.NoError(t, err)
	_, err = s.SnapshotOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, store.saves)
	assert.Equal(t, []string{"f1", "f2"}, store.fillIDs[btc])
	assert.Equal(t, []uint64{l.Snapshot().Version}, arch.archived, "every second save is archived")
}

func TestSnapshotterRestoreRoundTrip(t *testing.T) {
	src := newLedger(t)
	_, err := src.ApplyFill(buy("f1", btc, "2", "100"))
	require.NoError(t, err)
	store := &fakeLedgerStore{}
	_, err = NewSnapshotter(SnapshotterConfig{}, src, store, nil, discard).SnapshotOnce(context.Background())
	require.NoError(t, err)

	dst := newLedger(t)
	require.NoError(t, NewSnapshotter(SnapshotterConfig{}, dst, store, nil, discard).Restore(context.Background()))
	p, ok := dst.Position(btc)
	require.True(t, ok)
	assert.True(t, dec("2").Equal(p.NetQuantity()))
	assert.Equal(t, src.Snapshot().Version, dst.Snapshot().Version)

	// A redelivered fill is recognised after restore.
	_, err = dst.ApplyFill(buy("f1", btc, "2", "100"))
	assert.ErrorIs(t, err, domain.ErrDuplicateFill)
}

func TestSnapshotterRestoreFallsBackToArchive(t *testing.T) {
	snap := domain.LedgerSnapshot{
		Version: 7,
		Positions: map[domain.InstrumentKey]domain.Position{
			eth: {
				Instrument: eth,
				Kind:       domain.PositionSpot,
				EntryPrice: dec("2000"),
				Spot:       &domain.SpotDetail{Quantity: dec("3"), RemainingQuantity: dec("3")},
			},
		},
	}
	store := &fakeLedgerStore{err: errors.New("connection refused")}
	l := newLedger(t)
	s := NewSnapshotter(SnapshotterConfig{}, l, store, &fakeArchive{latest: &snap}, discard)
	require.NoError(t, s.Restore(context.Background()))
	assert.Equal(t, uint64(7), l.Snapshot().Version)
	_, ok := l.Position(eth)
	assert.True(t, ok)

	empty := NewSnapshotter(SnapshotterConfig{}, newLedger(t), &fakeLedgerStore{}, &fakeArchive{}, discard)
	assert.NoError(t, empty.Restore(context.Background()), "nothing to restore is not an error")
}

type fakeMarker struct {
	mu      sync.Mutex
	marks   map[domain.InstrumentKey]string
	version uint64
}

func (m *fakeMarker) Mark(key domain.InstrumentKey, px decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[key] = px.String()
	m.version++
	return true
}

func (m *fakeMarker) Snapshot() domain.LedgerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.LedgerSnapshot{Version: m.version}
}

func (m *fakeMarker) mark(key domain.InstrumentKey) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[key]
}

type fakeQuoter struct {
	mu sync.Mutex
	n  int
}

func (q *fakeQuoter) Quote(domain.InstrumentKey, domain.Ticker) {
	q.mu.Lock()
	q.n++
	q.mu.Unlock()
}

func (q *fakeQuoter) quotes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func TestMarkPrice(t *testing.T) {
	px, ok := markPrice(domain.Ticker{Bid: 99, Ask: 101, Last: 50})
	require.True(t, ok)
	assert.Equal(t, "100", px.String())

	px, ok = markPrice(domain.Ticker{Bid: 99, Last: 98})
	require.True(t, ok)
	assert.Equal(t, "98", px.String())

	_, ok = markPrice(domain.Ticker{})
	assert.False(t, ok)
}

func TestMarkFeederMarksAndQuotes(t *testing.T) {
	feed := newFakeFeed()
	marker := &fakeMarker{marks: make(map[domain.InstrumentKey]string)}
	q := &fakeQuoter{}
	bus := &fakeBus{}
	m := NewMarkFeeder(feed, marker, bus, 10*time.Millisecond, discard)
	m.AddQuoter(q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, []domain.InstrumentKey{btc}) }()

	key := domain.SubscriptionKey{Instrument: btc, Channel: domain.TickerChannel}
	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.chans[key] != nil
	}, time.Second, 5*time.Millisecond)
	feed.send(key, domain.MarketEvent{Instrument: btc, Channel: domain.TickerChannel, Payload: domain.Ticker{Bid: 10, Ask: 12}})

	require.Eventually(t, func() bool { return bus.published(domain.BusPositions) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "11", marker.mark(btc))
	assert.Equal(t, 1, q.quotes())
	assert.Equal(t, 1, feed.released)
}
