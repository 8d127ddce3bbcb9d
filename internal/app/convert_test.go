package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/config"
	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/ledger"
)

func TestRiskLimits(t *testing.T) {
	rc := config.RiskConfig{
		AllowList:           []string{"Binance:btcusdt", "binance:ETHUSDT"},
		MaxPositionNotional: decimal.NewFromInt(1000),
		InstrumentNotional:  map[string]decimal.Decimal{"binance:ETHUSDT": decimal.NewFromInt(200)},
		MaxLeverage:         decimal.NewFromInt(5),
		StrategyWindow:      config.Duration{Duration: time.Minute},
		StrategyMaxIntents:  3,
	}

	limits, err := riskLimits(rc)
	require.NoError(t, err)

	btc := domain.NewInstrumentKey("binance", "BTCUSDT")
	eth := domain.NewInstrumentKey("binance", "ETHUSDT")
	assert.Equal(t, []domain.InstrumentKey{btc, eth}, limits.AllowList)
	assert.True(t, limits.InstrumentNotional[eth].Equal(decimal.NewFromInt(200)))
	assert.Equal(t, time.Minute, limits.StrategyWindow)
	assert.Equal(t, 3, limits.StrategyMaxIntents)

	rc.AllowList = []string{"BTCUSDT"}
	_, err = riskLimits(rc)
	assert.Error(t, err)
}

func TestLedgerConfig(t *testing.T) {
	qty := decimal.RequireFromString("0.001")
	out := ledgerConfig(config.LedgerConfig{
		CostPolicy:        "fifo",
		QuantityTolerance: &qty,
	})
	assert.Equal(t, ledger.CostFIFO, out.CostPolicy)
	assert.True(t, out.QuantityTolerance.Equal(qty))
	assert.True(t, out.PriceTolerancePct.IsZero())
}

func TestStrategyConfig(t *testing.T) {
	out, err := strategyConfig(config.StrategyConfig{
		Kind:        "rsi_mean_reversion",
		Instruments: []string{"binance:btcusdt"},
		Timeframe:   "5m",
		Params:      map[string]float64{"period": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, "rsi_mean_reversion", out.Name)
	assert.Equal(t, domain.Timeframe("5m"), out.Timeframe)
	assert.Equal(t, []domain.InstrumentKey{domain.NewInstrumentKey("binance", "BTCUSDT")}, out.Instruments)

	_, err = strategyConfig(config.StrategyConfig{Kind: "rsi_mean_reversion", Timeframe: "5x"})
	assert.Error(t, err)

	_, err = strategyConfig(config.StrategyConfig{Name: "mr", Timeframe: "1m", Instruments: []string{"nocolon"}})
	assert.Error(t, err)
}

func TestMarkInstruments(t *testing.T) {
	cfg := &config.Config{
		Exchanges: []config.ExchangeConfig{{ID: "Binance", Instruments: []string{"ethusdt", "BTCUSDT"}}},
		Risk:      config.RiskConfig{AllowList: []string{"binance:BTCUSDT", "bad"}},
		Strategies: []config.StrategyConfig{
			{Enabled: true, Instruments: []string{"binance:SOLUSDT"}},
			{Enabled: false, Instruments: []string{"binance:XRPUSDT"}},
		},
	}

	got := markInstruments(cfg)
	assert.Equal(t, []domain.InstrumentKey{
		domain.NewInstrumentKey("binance", "BTCUSDT"),
		domain.NewInstrumentKey("binance", "ETHUSDT"),
		domain.NewInstrumentKey("binance", "SOLUSDT"),
	}, got)
}
