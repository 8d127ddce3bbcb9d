package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

var one = decimal.NewFromInt(1)

func (l *Ledger) applyMargin(p *domain.Position, f domain.Fill) error {
	m := p.Margin
	cur := m.Contracts
	delta := f.Quantity.Mul(f.Side.Sign())

	if f.Leverage.IsPositive() {
		m.Leverage = f.Leverage
	} else if !m.Leverage.IsPositive() {
		m.Leverage = one
	}

	switch {
	case cur.IsZero():
		p.EntryPrice = f.Price
		p.OpenedAt = f.Time
		m.Contracts = delta
	case cur.Sign() == delta.Sign():
		next := cur.Add(delta)
		p.EntryPrice = p.EntryPrice.Mul(cur.Abs()).Add(f.Notional()).Div(next.Abs())
		m.Contracts = next
	default:
		closing := decimal.Min(cur.Abs(), delta.Abs())
		dir := decimal.NewFromInt(int64(cur.Sign()))
		p.RealizedPnL = p.RealizedPnL.Add(f.Price.Sub(p.EntryPrice).Mul(closing).Mul(dir))
		m.Contracts = cur.Add(delta)
		if m.Contracts.Sign() == delta.Sign() {
			// Flipped through zero: the remainder opens at the fill price.
			p.EntryPrice = f.Price
			p.OpenedAt = f.Time
		}
	}

	l.refreshMargin(p)
	return nil
}

// refreshMargin recomputes isolated collateral, maintenance margin and the
// liquidation price for the current contracts.
func (l *Ledger) refreshMargin(p *domain.Position) {
	m := p.Margin
	if m.Contracts.IsZero() {
		m.Collateral = decimal.Zero
		m.MaintenanceMargin = decimal.Zero
		m.LiquidationPrice = decimal.Zero
		return
	}
	notional := m.Contracts.Abs().Mul(p.EntryPrice)
	m.Collateral = notional.Div(m.Leverage)

	l.modelsMu.RLock()
	model, ok := l.models[p.Instrument.Exchange]
	l.modelsMu.RUnlock()
	if ok {
		if price, maint, ok := model.LiquidationPrice(*p); ok {
			m.LiquidationPrice = price
			m.MaintenanceMargin = maint
			return
		}
	}

	m.LiquidationPrice, m.MaintenanceMargin = approximateLiquidation(p.EntryPrice, m.Contracts, m.Leverage, l.cfg.MaintenanceRate)
}

// approximateLiquidation applies a flat maintenance rate to an isolated
// position:
//
//	long:  entry * (1 - 1/leverage + rate)
//	short: entry * (1 + 1/leverage - rate)
func approximateLiquidation(entry, contracts, leverage, rate decimal.Decimal) (price, maintenance decimal.Decimal) {
	inv := one.Div(leverage)
	if contracts.IsPositive() {
		price = entry.Mul(one.Sub(inv).Add(rate))
	} else {
		price = entry.Mul(one.Add(inv).Sub(rate))
	}
	if price.IsNegative() {
		price = decimal.Zero
	}
	maintenance = contracts.Abs().Mul(entry).Mul(rate)
	return price, maintenance
}
