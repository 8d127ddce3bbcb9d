package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RejectReason is the specific cause of a risk rejection.
type RejectReason string

const (
	ReasonNone                   RejectReason = ""
	ReasonInstrumentNotAllowed   RejectReason = "InstrumentNotAllowed"
	ReasonExposureLimitExceeded  RejectReason = "ExposureLimitExceeded"
	ReasonLeverageLimitExceeded  RejectReason = "LeverageLimitExceeded"
	ReasonInsufficientCollateral RejectReason = "InsufficientCollateral"
	ReasonRateLimitExceeded      RejectReason = "RateLimitExceeded"
	ReasonInsufficientPosition   RejectReason = "InsufficientPosition"
)

// RiskLimits configures the risk evaluator. A zero limit disables that check,
// except the allow-list which denies everything when empty.
type RiskLimits struct {
	AllowList            []InstrumentKey
	MaxPositionNotional  decimal.Decimal
	InstrumentNotional   map[InstrumentKey]decimal.Decimal
	MaxAggregateNotional decimal.Decimal
	MaxLeverage          decimal.Decimal
	StrategyWindow       time.Duration
	StrategyMaxIntents   int
	StrategyMaxNotional  decimal.Decimal
}

// Allowed reports whether key is on the allow-list.
func (l RiskLimits) Allowed(key InstrumentKey) bool {
	for _, k := range l.AllowList {
		if k == key {
			return true
		}
	}
	return false
}

// PositionLimit returns the per-instrument override or the default.
func (l RiskLimits) PositionLimit(key InstrumentKey) decimal.Decimal {
	if v, ok := l.InstrumentNotional[key]; ok {
		return v
	}
	return l.MaxPositionNotional
}

// StrategyActivity is the recent accepted-intent history of one strategy or user.
type StrategyActivity struct {
	StrategyID string
	Accepted   []ActivityEntry
}

// ActivityEntry is one accepted intent in the activity window.
type ActivityEntry struct {
	IntentID string
	At       time.Time
	Notional decimal.Decimal
}

// Within returns the count and notional sum of entries after since.
func (a StrategyActivity) Within(since time.Time) (int, decimal.Decimal) {
	n, total := 0, decimal.Zero
	for _, e := range a.Accepted {
		if e.At.After(since) {
			n++
			total = total.Add(e.Notional)
		}
	}
	return n, total
}

// RiskDecision is the evaluator output.
type RiskDecision struct {
	Accepted bool
	Reason   RejectReason
	Detail   string
}

// Err returns nil for accepted decisions and a *RiskRejectedError otherwise.
func (d RiskDecision) Err() error {
	if d.Accepted {
		return nil
	}
	return &RiskRejectedError{Reason: d.Reason, Detail: d.Detail}
}
