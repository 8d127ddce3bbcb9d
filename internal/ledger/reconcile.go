package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Reconcile compares local positions on one exchange with what the exchange
// reports. Exchange-derived margin fields (leverage, liquidation price,
// maintenance margin) and the mark price are taken from the report. Local
// quantity, entry price and P&L are kept; deviations beyond tolerance are
// returned as drift along with an error wrapping ErrReconciliationDrift.
func (l *Ledger) Reconcile(exchange domain.ExchangeID, reports []domain.ExchangePosition) ([]domain.Drift, error) {
	now := l.now()
	reported := make(map[domain.InstrumentKey]domain.ExchangePosition, len(reports))
	for _, r := range reports {
		if r.Instrument.Exchange == exchange {
			reported[r.Instrument] = r
		}
	}

	var drifts []domain.Drift
	for key, r := range reported {
		drifts = append(drifts, l.reconcileOne(key, &r, now)...)
	}

	// Local positions the exchange no longer reports are drift against zero.
	l.booksMu.Lock()
	var missing []domain.InstrumentKey
	for key := range l.books {
		if _, ok := reported[key]; !ok && key.Exchange == exchange {
			missing = append(missing, key)
		}
	}
	l.booksMu.Unlock()
	for _, key := range missing {
		drifts = append(drifts, l.reconcileOne(key, nil, now)...)
	}

	sort.Slice(drifts, func(i, j int) bool {
		if drifts[i].Instrument != drifts[j].Instrument {
			return drifts[i].Instrument.String() < drifts[j].Instrument.String()
		}
		return drifts[i].Field < drifts[j].Field
	})
	for _, d := range drifts {
		l.logger.Warn("reconciliation drift",
			slog.String("instrument", d.Instrument.String()),
			slog.String("field", d.Field),
			slog.String("local", d.Local.String()),
			slog.String("exchange", d.Exchange.String()),
		)
	}
	if len(drifts) > 0 {
		return drifts, fmt.Errorf("ledger: %s: %d fields out of tolerance: %w", exchange, len(drifts), domain.ErrReconciliationDrift)
	}
	return nil, nil
}

// reconcileOne handles a single instrument. A nil report means the exchange
// reports nothing for key.
func (l *Ledger) reconcileOne(key domain.InstrumentKey, r *domain.ExchangePosition, now time.Time) []domain.Drift {
	b := l.bookFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	local := b.current()
	localQty := local.NetQuantity()
	exchQty := decimal.Zero
	if r != nil {
		exchQty = r.Quantity
	}

	var drifts []domain.Drift
	if localQty.Sub(exchQty).Abs().GreaterThan(l.cfg.QuantityTolerance) {
		drifts = append(drifts, domain.Drift{Instrument: key, Field: "quantity", Local: localQty, Exchange: exchQty, DetectedAt: now})
	}
	if r == nil || b.pos == nil {
		return drifts
	}

	if r.EntryPrice.IsPositive() && local.EntryPrice.IsPositive() && !localQty.IsZero() {
		pct := local.EntryPrice.Sub(r.EntryPrice).Abs().Div(r.EntryPrice).Mul(hundred)
		if pct.GreaterThan(l.cfg.PriceTolerancePct) {
			drifts = append(drifts, domain.Drift{Instrument: key, Field: "entry_price", Local: local.EntryPrice, Exchange: r.EntryPrice, DetectedAt: now})
		}
	}

	next := local
	changed := false
	if r.MarkPrice.IsPositive() && !r.MarkPrice.Equal(next.MarkPrice) {
		next.MarkPrice = r.MarkPrice
		changed = true
	}
	if m := next.Margin; m != nil {
		if r.Leverage.IsPositive() && !r.Leverage.Equal(m.Leverage) {
			m.Leverage = r.Leverage
			m.Collateral = m.Contracts.Abs().Mul(next.EntryPrice).Div(m.Leverage)
			changed = true
		}
		if !r.LiquidationPrice.Equal(m.LiquidationPrice) && !m.Contracts.IsZero() {
			m.LiquidationPrice = r.LiquidationPrice
			changed = true
		}
		if r.MaintenanceMargin.IsPositive() && !r.MaintenanceMargin.Equal(m.MaintenanceMargin) {
			m.MaintenanceMargin = r.MaintenanceMargin
			changed = true
		}
	}
	if changed {
		next.UpdatedAt = now
		updateUnrealized(&next)
		b.pos = &next
		l.publish(&next)
	}
	return drifts
}
