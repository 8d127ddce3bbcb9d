package marketdata

import (
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/feed"
)

// Subscription is a live event sequence for one key. Events arrive in
// order on C until Close is called or the Hub shuts down; the sequence
// survives reconnects.
type Subscription struct {
	C <-chan domain.MarketEvent

	id     uint64
	key    domain.SubscriptionKey
	hub    *Hub
	ch     chan domain.MarketEvent
	handle feed.Handle

	dropped atomic.Int64
	lagged  atomic.Bool
	once    sync.Once
}

// Key returns the subscribed key.
func (s *Subscription) Key() domain.SubscriptionKey { return s.key }

// Dropped returns how many events were dropped because the consumer lagged.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close stops delivery and releases the underlying wire subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.removeSub(s)
		s.hub.mux.Release(s.handle)
	})
}

// trySend delivers without blocking. Caller holds hub.subMu for reading.
func (s *Subscription) trySend(ev domain.MarketEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		s.lagged.Store(true)
		return false
	}
}
