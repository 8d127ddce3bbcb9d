package feed

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// WireSubscriber is the subscribe side of a Session.
type WireSubscriber interface {
	Subscribe(key domain.SubscriptionKey)
	Unsubscribe(key domain.SubscriptionKey)
}

// Router picks the session that owns a subscription key.
type Router func(key domain.SubscriptionKey) (WireSubscriber, error)

// Handle is returned by Acquire and passed back to Release.
type Handle struct {
	id  uint64
	key domain.SubscriptionKey
}

// Key returns the subscription the handle holds.
func (h Handle) Key() domain.SubscriptionKey { return h.key }

// Multiplexer reference-counts logical subscriptions so that any number of
// consumers share one wire subscription. Wire calls are made while holding
// the multiplexer lock, so the wire sees the same order as the callers.
type Multiplexer struct {
	route  Router
	logger *slog.Logger

	mu      sync.Mutex
	refs    map[domain.SubscriptionKey]int
	handles map[uint64]domain.SubscriptionKey
	nextID  uint64
}

// NewMultiplexer creates a Multiplexer that routes keys with route.
func NewMultiplexer(route Router, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		route:   route,
		logger:  logger.With(slog.String("component", "multiplexer")),
		refs:    make(map[domain.SubscriptionKey]int),
		handles: make(map[uint64]domain.SubscriptionKey),
	}
}

// Acquire increments the reference count for key, subscribing on the wire
// on the 0→1 transition.
func (m *Multiplexer) Acquire(key domain.SubscriptionKey) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wire, err := m.route(key)
	if err != nil {
		return Handle{}, fmt.Errorf("feed: acquire %s: %w", key, err)
	}
	m.refs[key]++
	if m.refs[key] == 1 {
		wire.Subscribe(key)
	}
	m.nextID++
	h := Handle{id: m.nextID, key: key}
	m.handles[h.id] = key
	return h, nil
}

// Release decrements the reference count held by h, unsubscribing on the
// 1→0 transition. Releasing a handle twice is a no-op and returns false.
func (m *Multiplexer) Release(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(h.id)
}

func (m *Multiplexer) releaseLocked(id uint64) bool {
	key, ok := m.handles[id]
	if !ok {
		return false
	}
	delete(m.handles, id)
	m.refs[key]--
	if m.refs[key] > 0 {
		return true
	}
	delete(m.refs, key)
	wire, err := m.route(key)
	if err != nil {
		m.logger.Warn("unsubscribe skipped, no route",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return true
	}
	wire.Unsubscribe(key)
	return true
}

// Refresh resends the wire subscription for key when it is held, forcing
// the exchange to restart the stream (and resend any initial snapshot).
func (m *Multiplexer) Refresh(key domain.SubscriptionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[key] == 0 {
		return false
	}
	wire, err := m.route(key)
	if err != nil {
		return false
	}
	wire.Unsubscribe(key)
	wire.Subscribe(key)
	return true
}

// ReleaseAll drops every outstanding handle.
func (m *Multiplexer) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.handles {
		m.releaseLocked(id)
	}
}

// RefCount returns the current count for key.
func (m *Multiplexer) RefCount(key domain.SubscriptionKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[key]
}

// Active returns every key with a positive count.
func (m *Multiplexer) Active() []domain.SubscriptionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[domain.SubscriptionKey]struct{}, len(m.refs))
	for k := range m.refs {
		set[k] = struct{}{}
	}
	return sortedKeys(set)
}
