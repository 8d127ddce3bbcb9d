// Package risk implements pre-trade checks. Evaluation is a pure function of
// the intent, one ledger snapshot, strategy activity and the limits.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Evaluate runs the checks in order and stops at the first failure:
//
//  1. instrument allow-list
//  2. spot sells: held quantity net of open sells
//  3. per-instrument exposure after the fill
//  4. aggregate exposure after the fill
//  5. margin: leverage ceiling, then collateral
//  6. per-strategy intent rate and notional window
//
// Pending quantity in the snapshot counts as already filled, except that a
// spot sell may only draw on holdings that have actually been filled.
func Evaluate(intent domain.TradeIntent, snap domain.LedgerSnapshot, activity domain.StrategyActivity, limits domain.RiskLimits) domain.RiskDecision {
	inst := intent.Instrument
	if !limits.Allowed(inst) {
		return reject(domain.ReasonInstrumentNotAllowed, "%s is not on the allow-list", inst)
	}

	if !intent.Risk.Margin && intent.Side == domain.OrderSideSell {
		if avail := SellableSpot(snap, inst); intent.Quantity.GreaterThan(avail) {
			return reject(domain.ReasonInsufficientPosition, "sell %s of %s with %s available", intent.Quantity, inst, avail)
		}
	}

	price := intent.ValuationPrice()
	if !price.IsPositive() {
		return reject(domain.ReasonExposureLimitExceeded, "no valuation price for %s", inst)
	}

	pre := netQuantity(snap, inst)
	post := pre.Add(intent.SignedQuantity())
	postExposure := post.Abs().Mul(price)

	if limit := limits.PositionLimit(inst); limit.IsPositive() && postExposure.GreaterThan(limit) {
		return reject(domain.ReasonExposureLimitExceeded, "%s exposure %s exceeds %s", inst, postExposure, limit)
	}

	if limits.MaxAggregateNotional.IsPositive() {
		total := AggregateExposure(snap, inst).Add(postExposure)
		if total.GreaterThan(limits.MaxAggregateNotional) {
			return reject(domain.ReasonExposureLimitExceeded, "aggregate exposure %s exceeds %s", total, limits.MaxAggregateNotional)
		}
	}

	if intent.Risk.Margin {
		lev := intent.Risk.Leverage
		if !lev.IsPositive() {
			lev = decimal.NewFromInt(1)
		}
		if limits.MaxLeverage.IsPositive() && lev.GreaterThan(limits.MaxLeverage) {
			return reject(domain.ReasonLeverageLimitExceeded, "leverage %s exceeds %s", lev, limits.MaxLeverage)
		}
		// Only the part of the order that grows the position needs collateral.
		growth := post.Abs().Sub(pre.Abs())
		if growth.IsPositive() {
			required := growth.Mul(price).Div(lev)
			if required.GreaterThan(snap.AvailableCollateral) {
				return reject(domain.ReasonInsufficientCollateral, "requires %s collateral, %s available", required.StringFixed(8), snap.AvailableCollateral)
			}
		}
	}

	if limits.StrategyWindow > 0 {
		n, notional := activity.Within(intent.CreatedAt.Add(-limits.StrategyWindow))
		if limits.StrategyMaxIntents > 0 && n+1 > limits.StrategyMaxIntents {
			return reject(domain.ReasonRateLimitExceeded, "strategy %q: %d intents in %s", intent.StrategyID, n+1, limits.StrategyWindow)
		}
		if limits.StrategyMaxNotional.IsPositive() {
			total := notional.Add(intent.Notional())
			if total.GreaterThan(limits.StrategyMaxNotional) {
				return reject(domain.ReasonRateLimitExceeded, "strategy %q: notional %s in %s exceeds %s", intent.StrategyID, total, limits.StrategyWindow, limits.StrategyMaxNotional)
			}
		}
	}

	return domain.RiskDecision{Accepted: true}
}

// AggregateExposure sums the exposure of every instrument in snap except
// skip, including pending quantity.
func AggregateExposure(snap domain.LedgerSnapshot, skip domain.InstrumentKey) decimal.Decimal {
	total := decimal.Zero
	for key, pos := range snap.Positions {
		if key == skip {
			continue
		}
		q := pos.NetQuantity().Add(snap.Pending[key].Quantity)
		total = total.Add(q.Abs().Mul(pos.ValuationPrice()))
	}
	for key, p := range snap.Pending {
		if key == skip {
			continue
		}
		if _, ok := snap.Positions[key]; !ok {
			total = total.Add(p.Notional)
		}
	}
	return total
}

// InstrumentExposure is the post-pending exposure of one instrument, valued
// at the position's mark.
func InstrumentExposure(snap domain.LedgerSnapshot, inst domain.InstrumentKey) decimal.Decimal {
	pos, ok := snap.Positions[inst]
	if !ok {
		return snap.Pending[inst].Notional
	}
	return netQuantity(snap, inst).Abs().Mul(pos.ValuationPrice())
}

// SellableSpot is the filled spot quantity of inst minus open sells. Pending
// buys do not count.
func SellableSpot(snap domain.LedgerSnapshot, inst domain.InstrumentKey) decimal.Decimal {
	held := decimal.Zero
	if pos, ok := snap.Positions[inst]; ok && pos.Kind == domain.PositionSpot && pos.Spot != nil {
		held = pos.Spot.RemainingQuantity
	}
	avail := held.Sub(snap.Pending[inst].Sells)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

func netQuantity(snap domain.LedgerSnapshot, inst domain.InstrumentKey) decimal.Decimal {
	q := snap.Pending[inst].Quantity
	if pos, ok := snap.Positions[inst]; ok {
		q = q.Add(pos.NetQuantity())
	}
	return q
}

func reject(reason domain.RejectReason, format string, args ...any) domain.RiskDecision {
	return domain.RiskDecision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
