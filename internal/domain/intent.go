package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskContext carries the inputs risk evaluation needs beyond the order itself.
type RiskContext struct {
	Margin         bool            `json:"margin"`
	Leverage       decimal.Decimal `json:"leverage"`
	ReferencePrice decimal.Decimal `json:"reference_price"` // mark used to value market orders
}

// TradeIntent is a proposed order awaiting risk approval and submission.
type TradeIntent struct {
	ID         string          `json:"id"`
	Instrument InstrumentKey   `json:"instrument"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"` // zero means market
	StrategyID string          `json:"strategy_id"`
	Risk       RiskContext     `json:"risk"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// IsMarket reports whether the intent has no limit price.
func (t TradeIntent) IsMarket() bool { return t.Price.IsZero() }

// ValuationPrice is the limit price, or the reference price for market intents.
func (t TradeIntent) ValuationPrice() decimal.Decimal {
	if !t.Price.IsZero() {
		return t.Price
	}
	return t.Risk.ReferencePrice
}

// SignedQuantity is positive for buys and negative for sells.
func (t TradeIntent) SignedQuantity() decimal.Decimal { return t.Quantity.Mul(t.Side.Sign()) }

// Notional returns |quantity| times the valuation price.
func (t TradeIntent) Notional() decimal.Decimal { return t.Quantity.Abs().Mul(t.ValuationPrice()) }

// IntentState is the coordinator's per-intent lifecycle state.
type IntentState string

const (
	IntentCreated             IntentState = "created"
	IntentRiskAccepted        IntentState = "risk_accepted"
	IntentRejectedByRisk      IntentState = "rejected_by_risk"
	IntentSubmitted           IntentState = "submitted"
	IntentSubmissionUncertain IntentState = "submission_uncertain"
	IntentAcked               IntentState = "acked"
	IntentRejectedByExchange  IntentState = "rejected_by_exchange"
	IntentPartiallyFilled     IntentState = "partially_filled"
	IntentFilled              IntentState = "filled"
	IntentCancelled           IntentState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s IntentState) Terminal() bool {
	switch s {
	case IntentRejectedByRisk, IntentRejectedByExchange, IntentFilled, IntentCancelled:
		return true
	}
	return false
}

// IntentRecord is the coordinator's view of one intent.
type IntentRecord struct {
	Intent          TradeIntent     `json:"intent"`
	State           IntentState     `json:"state"`
	RejectReason    RejectReason    `json:"reject_reason,omitempty"`
	Message         string          `json:"message,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OpenQuantity returns the unfilled part of the intent.
func (r IntentRecord) OpenQuantity() decimal.Decimal {
	q := r.Intent.Quantity.Sub(r.FilledQuantity)
	if q.IsNegative() {
		return decimal.Zero
	}
	return q
}
