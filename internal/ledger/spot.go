package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// applySpot applies f to p. lots is not modified; the returned slice
// replaces it when the fill commits.
func (l *Ledger) applySpot(p *domain.Position, lots []lot, f domain.Fill) ([]lot, error) {
	s := p.Spot
	if f.Side == domain.OrderSideSell && f.Quantity.GreaterThan(s.RemainingQuantity) {
		return lots, fmt.Errorf("ledger: sell %s of %s with %s held: %w",
			f.Quantity, p.Instrument, s.RemainingQuantity, domain.ErrPositionUnderflow)
	}

	if l.cfg.CostPolicy == CostFIFO {
		return applySpotFIFO(p, lots, f), nil
	}

	if f.Side == domain.OrderSideBuy {
		if s.RemainingQuantity.IsZero() {
			reopen(p, f)
		}
		held := s.RemainingQuantity.Add(f.Quantity)
		p.EntryPrice = p.EntryPrice.Mul(s.RemainingQuantity).Add(f.Notional()).Div(held)
		s.RemainingQuantity = held
		s.Quantity = s.Quantity.Add(f.Quantity)
		return nil, nil
	}

	p.RealizedPnL = p.RealizedPnL.Add(f.Price.Sub(p.EntryPrice).Mul(f.Quantity))
	s.RemainingQuantity = s.RemainingQuantity.Sub(f.Quantity)
	return nil, nil
}

func applySpotFIFO(p *domain.Position, lots []lot, f domain.Fill) []lot {
	s := p.Spot
	next := append([]lot(nil), lots...)

	if f.Side == domain.OrderSideBuy {
		if s.RemainingQuantity.IsZero() {
			reopen(p, f)
			next = next[:0]
		}
		next = append(next, lot{qty: f.Quantity, price: f.Price})
		s.Quantity = s.Quantity.Add(f.Quantity)
		s.RemainingQuantity = s.RemainingQuantity.Add(f.Quantity)
		p.EntryPrice = lotAverage(next, p.EntryPrice)
		return next
	}

	left := f.Quantity
	for left.IsPositive() && len(next) > 0 {
		take := decimal.Min(left, next[0].qty)
		p.RealizedPnL = p.RealizedPnL.Add(f.Price.Sub(next[0].price).Mul(take))
		next[0].qty = next[0].qty.Sub(take)
		left = left.Sub(take)
		if next[0].qty.IsZero() {
			next = next[1:]
		}
	}
	s.RemainingQuantity = s.RemainingQuantity.Sub(f.Quantity)
	p.EntryPrice = lotAverage(next, p.EntryPrice)
	return next
}

// lotAverage is the weighted entry of the open lots, or prev when none remain.
func lotAverage(lots []lot, prev decimal.Decimal) decimal.Decimal {
	qty, cost := decimal.Zero, decimal.Zero
	for _, lt := range lots {
		qty = qty.Add(lt.qty)
		cost = cost.Add(lt.qty.Mul(lt.price))
	}
	if qty.IsZero() {
		return prev
	}
	return cost.Div(qty)
}

// reopen resets cumulative fields when a flat spot position is bought again.
func reopen(p *domain.Position, f domain.Fill) {
	p.EntryPrice = decimal.Zero
	p.Spot.Quantity = decimal.Zero
	p.OpenedAt = f.Time
}
