package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/indicator"
)

// Strategy turns indicator updates into trade intents.
type Strategy interface {
	Name() string
	// Watches lists the indicator series the strategy reacts to.
	Watches() []Watch
	OnIndicator(ctx context.Context, res domain.IndicatorResult) ([]domain.TradeIntent, error)
	Close() error
}

// Watch names one indicator series.
type Watch struct {
	Instrument domain.InstrumentKey
	Timeframe  domain.Timeframe
	Indicator  string
	Params     indicator.Params
}

// Config holds strategy configuration.
type Config struct {
	Name        string
	Instruments []domain.InstrumentKey
	Timeframe   domain.Timeframe
	Quantity    decimal.Decimal
	Margin      bool
	Leverage    decimal.Decimal
	Params      map[string]float64
}

// Param returns Params[name], or def when unset.
func (c Config) Param(name string, def float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// Positions reads current ledger positions.
type Positions interface {
	Position(key domain.InstrumentKey) (domain.Position, bool)
}

// Candles reads closed candles, oldest first.
type Candles interface {
	Candles(inst domain.InstrumentKey, tf domain.Timeframe) []domain.Candle
}
