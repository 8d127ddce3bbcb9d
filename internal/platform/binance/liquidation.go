package binance

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Bracket is one notional tier of the maintenance margin table.
type Bracket struct {
	NotionalCap decimal.Decimal // inclusive; zero means unbounded
	Rate        decimal.Decimal
	Amount      decimal.Decimal // maintenance amount ("cum")
}

func bracket(notionalCap, rate, amount string) Bracket {
	b := Bracket{Rate: decimal.RequireFromString(rate), Amount: decimal.RequireFromString(amount)}
	if notionalCap != "" {
		b.NotionalCap = decimal.RequireFromString(notionalCap)
	}
	return b
}

// DefaultBrackets are the published USDⓈ-M BTCUSDT tiers.
var DefaultBrackets = []Bracket{
	bracket("50000", "0.004", "0"),
	bracket("250000", "0.005", "50"),
	bracket("3000000", "0.01", "1300"),
	bracket("15000000", "0.025", "46300"),
	bracket("", "0.05", "421300"),
}

// LiquidationModel implements domain.LiquidationModel with the isolated
// margin formula:
//
//	LP = (WB + cum - side*qty*entry) / (qty*mmr - side*qty)
//
// where WB is the position collateral and side is +1 long, -1 short.
type LiquidationModel struct {
	brackets map[string][]Bracket
}

var _ domain.LiquidationModel = (*LiquidationModel)(nil)

// NewLiquidationModel creates a model using DefaultBrackets for every symbol
// without an override.
func NewLiquidationModel(overrides map[string][]Bracket) *LiquidationModel {
	return &LiquidationModel{brackets: overrides}
}

// LiquidationPrice returns the liquidation price and maintenance margin of a
// margin position.
func (m *LiquidationModel) LiquidationPrice(pos domain.Position) (price, maintenance decimal.Decimal, ok bool) {
	if pos.Kind != domain.PositionMargin || pos.Margin == nil || pos.Margin.Contracts.IsZero() || !pos.EntryPrice.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	qty := pos.Margin.Contracts.Abs()
	side := decimal.NewFromInt(int64(pos.Margin.Contracts.Sign()))
	notional := qty.Mul(pos.EntryPrice)

	wb := pos.Margin.Collateral
	if !wb.IsPositive() {
		if !pos.Margin.Leverage.IsPositive() {
			return decimal.Zero, decimal.Zero, false
		}
		wb = notional.Div(pos.Margin.Leverage)
	}

	b := m.tier(pos.Instrument.Symbol, notional)
	denom := qty.Mul(b.Rate).Sub(side.Mul(qty))
	if denom.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	price = wb.Add(b.Amount).Sub(side.Mul(notional)).Div(denom)
	if price.IsNegative() {
		price = decimal.Zero
	}
	return price, notional.Mul(b.Rate).Sub(b.Amount), true
}

func (m *LiquidationModel) tier(symbol string, notional decimal.Decimal) Bracket {
	table, ok := m.brackets[symbol]
	if !ok || len(table) == 0 {
		table = DefaultBrackets
	}
	for _, b := range table {
		if b.NotionalCap.IsZero() || notional.LessThanOrEqual(b.NotionalCap) {
			return b
		}
	}
	return table[len(table)-1]
}
