package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PositionKind tags which detail block a Position carries.
type PositionKind string

const (
	PositionSpot   PositionKind = "spot"
	PositionMargin PositionKind = "margin"
)

// SpotDetail holds spot-only fields. Quantity is the cumulative bought
// quantity of the current position; RemainingQuantity is what is still held.
type SpotDetail struct {
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
}

// MarginDetail holds margin/futures fields. Contracts is signed: positive is
// long, negative is short.
type MarginDetail struct {
	Contracts         decimal.Decimal `json:"contracts"`
	Leverage          decimal.Decimal `json:"leverage"`
	Collateral        decimal.Decimal `json:"collateral"`
	LiquidationPrice  decimal.Decimal `json:"liquidation_price"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
}

// Position is a tagged variant: exactly one of Spot or Margin is set,
// matching Kind.
type Position struct {
	Instrument    InstrumentKey   `json:"instrument"`
	Kind          PositionKind    `json:"kind"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Fees          decimal.Decimal `json:"fees"`
	FillCount     int             `json:"fill_count"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	Spot   *SpotDetail   `json:"spot,omitempty"`
	Margin *MarginDetail `json:"margin,omitempty"`
}

// NetQuantity is the signed exposure quantity for either variant.
func (p Position) NetQuantity() decimal.Decimal {
	switch p.Kind {
	case PositionSpot:
		if p.Spot != nil {
			return p.Spot.RemainingQuantity
		}
	case PositionMargin:
		if p.Margin != nil {
			return p.Margin.Contracts
		}
	}
	return decimal.Zero
}

// ValuationPrice is the mark when known, else the entry price.
func (p Position) ValuationPrice() decimal.Decimal {
	if p.MarkPrice.IsPositive() {
		return p.MarkPrice
	}
	return p.EntryPrice
}

// Exposure is |net quantity| times the valuation price.
func (p Position) Exposure() decimal.Decimal {
	return p.NetQuantity().Abs().Mul(p.ValuationPrice())
}

// IsFlat reports whether nothing is held.
func (p Position) IsFlat() bool { return p.NetQuantity().IsZero() }

// Clone returns a deep copy.
func (p Position) Clone() Position {
	if p.Spot != nil {
		s := *p.Spot
		p.Spot = &s
	}
	if p.Margin != nil {
		m := *p.Margin
		p.Margin = &m
	}
	return p
}

// PendingExposure is submitted but unfilled quantity on one instrument.
type PendingExposure struct {
	Quantity decimal.Decimal `json:"quantity"` // signed
	Notional decimal.Decimal `json:"notional"` // sum of |qty| x price of each reservation
	Sells    decimal.Decimal `json:"sells"`    // open sell quantity, unsigned
}

// LedgerSnapshot is an immutable, internally consistent view of all positions.
// Pending is filled in by the execution coordinator before risk evaluation.
type LedgerSnapshot struct {
	Version             uint64                            `json:"version"`
	TakenAt             time.Time                         `json:"taken_at"`
	Positions           map[InstrumentKey]Position        `json:"-"`
	Pending             map[InstrumentKey]PendingExposure `json:"-"`
	AvailableCollateral decimal.Decimal                   `json:"available_collateral"`
}

// Position returns the position for key, if any.
func (s LedgerSnapshot) Position(key InstrumentKey) (Position, bool) {
	p, ok := s.Positions[key]
	return p, ok
}

// List returns all positions in unspecified order.
func (s LedgerSnapshot) List() []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		out = append(out, p)
	}
	return out
}

// Sorted returns all positions ordered by instrument.
func (s LedgerSnapshot) Sorted() []Position {
	out := s.List()
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.String() < out[j].Instrument.String() })
	return out
}

// PositionMap indexes positions by instrument.
func PositionMap(list []Position) map[InstrumentKey]Position {
	out := make(map[InstrumentKey]Position, len(list))
	for _, p := range list {
		out[p.Instrument] = p
	}
	return out
}

// ExchangePosition is the exchange-reported state used for reconciliation.
type ExchangePosition struct {
	Instrument        InstrumentKey
	Kind              PositionKind
	Quantity          decimal.Decimal // signed
	EntryPrice        decimal.Decimal
	MarkPrice         decimal.Decimal
	Leverage          decimal.Decimal
	LiquidationPrice  decimal.Decimal
	MaintenanceMargin decimal.Decimal
	Collateral        decimal.Decimal
}

// Drift records a reconciliation discrepancy beyond tolerance.
type Drift struct {
	Instrument InstrumentKey   `json:"instrument"`
	Field      string          `json:"field"`
	Local      decimal.Decimal `json:"local"`
	Exchange   decimal.Decimal `json:"exchange"`
	DetectedAt time.Time       `json:"detected_at"`
}
