package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Marker is the ledger side of mark-to-market.
type Marker interface {
	Mark(key domain.InstrumentKey, price decimal.Decimal) bool
	Snapshot() domain.LedgerSnapshot
}

// Quoter receives the touch for an instrument, e.g. the paper exchange.
type Quoter interface {
	Quote(inst domain.InstrumentKey, t domain.Ticker)
}

// MarkFeeder subscribes to tickers, marks ledger positions at the mid and
// forwards quotes. It publishes the position set on the bus whenever the
// ledger version has moved.
type MarkFeeder struct {
	feed            Feed
	ledger          Marker
	quoters         []Quoter
	bus             domain.SignalBus
	publishInterval time.Duration
	logger          *slog.Logger
}

// NewMarkFeeder creates a MarkFeeder. bus may be nil.
func NewMarkFeeder(feed Feed, ledger Marker, bus domain.SignalBus, publishInterval time.Duration, logger *slog.Logger) *MarkFeeder {
	if publishInterval <= 0 {
		publishInterval = time.Second
	}
	return &MarkFeeder{
		feed:            feed,
		ledger:          ledger,
		bus:             bus,
		publishInterval: publishInterval,
		logger:          logger.With(slog.String("component", "mark_feeder")),
	}
}

// AddQuoter forwards every ticker to q. Call before Run.
func (m *MarkFeeder) AddQuoter(q Quoter) { m.quoters = append(m.quoters, q) }

// Run streams tickers for instruments until ctx is cancelled or the feed
// closes them all.
func (m *MarkFeeder) Run(ctx context.Context, instruments []domain.InstrumentKey) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range instruments {
		ch, release, err := m.feed.Stream(domain.SubscriptionKey{Instrument: inst, Channel: domain.TickerChannel})
		if err != nil {
			return fmt.Errorf("mark_feeder: subscribe %s: %w", inst, err)
		}
		g.Go(func() error {
			defer release()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-ch:
					if !ok {
						return nil
					}
					if t, isTicker := ev.Payload.(domain.Ticker); isTicker {
						m.apply(ev.Instrument, t)
					}
				}
			}
		})
	}
	if m.bus != nil {
		g.Go(func() error { return m.publishLoop(ctx) })
	}
	m.logger.Info("mark feeder started", slog.Int("instruments", len(instruments)))
	err := g.Wait()
	m.logger.Info("mark feeder stopped")
	return err
}

func (m *MarkFeeder) apply(inst domain.InstrumentKey, t domain.Ticker) {
	if px, ok := markPrice(t); ok {
		m.ledger.Mark(inst, px)
	}
	for _, q := range m.quoters {
		q.Quote(inst, t)
	}
}

// markPrice is the mid when both sides are quoted, else the last price.
func markPrice(t domain.Ticker) (decimal.Decimal, bool) {
	switch {
	case t.Bid > 0 && t.Ask > 0:
		return decimal.NewFromFloat((t.Bid + t.Ask) / 2), true
	case t.Last > 0:
		return decimal.NewFromFloat(t.Last), true
	}
	return decimal.Zero, false
}

func (m *MarkFeeder) publishLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.publishInterval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := m.ledger.Snapshot()
			if snap.Version == last {
				continue
			}
			last = snap.Version
			payload, err := json.Marshal(map[string]any{
				"version":              snap.Version,
				"taken_at":             snap.TakenAt,
				"available_collateral": snap.AvailableCollateral,
				"positions":            snap.Sorted(),
			})
			if err == nil {
				err = m.bus.Publish(ctx, domain.BusPositions, payload)
			}
			if err != nil {
				m.logger.WarnContext(ctx, "positions publish failed", slog.String("error", err.Error()))
			}
		}
	}
}
