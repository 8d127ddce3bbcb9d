package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var (
	btc     = domain.NewInstrumentKey("paper", "BTCUSDT")
	eth     = domain.NewInstrumentKey("paper", "ETHUSDT")
	discard = slog.New(slog.DiscardHandler)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type busMsg struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu      sync.Mutex
	pubs    []busMsg
	streams []busMsg
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, busMsg{channel, payload})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, busMsg{stream, payload})
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) published(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.pubs {
		if m.channel == channel {
			n++
		}
	}
	return n
}

type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type alert struct{ event, key string }

type fakeAlerts struct {
	mu  sync.Mutex
	got []alert
}

func (f *fakeAlerts) Notify(_ context.Context, event, key, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, alert{event, key})
	return nil
}

type fakeIntentStore struct {
	mu      sync.Mutex
	recs    map[string]domain.IntentRecord
	creates int
	updates int
}

func newFakeIntentStore() *fakeIntentStore {
	return &fakeIntentStore{recs: make(map[string]domain.IntentRecord)}
}

func (s *fakeIntentStore) Create(_ context.Context, rec domain.IntentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.Intent.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.creates++
	s.recs[rec.Intent.ID] = rec
	return nil
}

func (s *fakeIntentStore) Update(_ context.Context, rec domain.IntentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.Intent.ID]; !ok {
		return domain.ErrNotFound
	}
	s.updates++
	s.recs[rec.Intent.ID] = rec
	return nil
}

func (s *fakeIntentStore) GetByID(_ context.Context, id string) (domain.IntentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.IntentRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *fakeIntentStore) ListByState(context.Context, domain.IntentState, domain.ListOpts) ([]domain.IntentRecord, error) {
	return nil, nil
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

type fakeCoord struct {
	submitted []domain.TradeIntent
	recs      map[string]domain.IntentRecord
	resolves  int
	refreshes int
	onResolve func()
}

func (c *fakeCoord) Submit(_ context.Context, in domain.TradeIntent) (domain.IntentRecord, error) {
	c.submitted = append(c.submitted, in)
	return domain.IntentRecord{Intent: in, State: domain.IntentAcked}, nil
}

func (c *fakeCoord) Cancel(_ context.Context, id string) (domain.IntentRecord, error) {
	rec, ok := c.recs[id]
	if !ok {
		return domain.IntentRecord{}, domain.ErrNotFound
	}
	rec.State = domain.IntentCancelled
	return rec, nil
}

func (c *fakeCoord) Get(id string) (domain.IntentRecord, bool) {
	rec, ok := c.recs[id]
	return rec, ok
}

func (c *fakeCoord) ResolveAll(context.Context) (int, error) {
	c.resolves++
	if c.onResolve != nil {
		c.onResolve()
	}
	return 0, nil
}

func (c *fakeCoord) RefreshOpen(context.Context) (int, error) {
	c.refreshes++
	return 0, nil
}

type fakeLocks struct {
	held     map[string]bool
	acquired []string
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.acquired = append(l.acquired, key)
	return func() {}, nil
}

type fakeExchange struct {
	domain.ExchangeClient
	positions []domain.ExchangePosition
	err       error
	fetches   int
}

func (e *fakeExchange) FetchPositions(context.Context) ([]domain.ExchangePosition, error) {
	e.fetches++
	return e.positions, e.err
}

type fakeFeed struct {
	mu       sync.Mutex
	chans    map[domain.SubscriptionKey]chan domain.MarketEvent
	released int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{chans: make(map[domain.SubscriptionKey]chan domain.MarketEvent)}
}

func (f *fakeFeed) Stream(key domain.SubscriptionKey) (<-chan domain.MarketEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan domain.MarketEvent, 16)
	f.chans[key] = ch
	return ch, func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) send(key domain.SubscriptionKey, ev domain.MarketEvent) {
	f.mu.Lock()
	ch := f.chans[key]
	f.mu.Unlock()
	ch <- ev
}
