package app

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/config"
	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/executor"
	"github.com/alanyoungcy/marketcore/internal/ledger"
	"github.com/alanyoungcy/marketcore/internal/strategy"
)

func riskLimits(rc config.RiskConfig) (domain.RiskLimits, error) {
	limits := domain.RiskLimits{
		MaxPositionNotional:  rc.MaxPositionNotional,
		MaxAggregateNotional: rc.MaxAggregateNotional,
		MaxLeverage:          rc.MaxLeverage,
		StrategyWindow:       rc.StrategyWindow.Duration,
		StrategyMaxIntents:   rc.StrategyMaxIntents,
		StrategyMaxNotional:  rc.StrategyMaxNotional,
	}
	for _, s := range rc.AllowList {
		key, err := domain.ParseInstrumentKey(s)
		if err != nil {
			return domain.RiskLimits{}, fmt.Errorf("app: risk allow_list: %w", err)
		}
		limits.AllowList = append(limits.AllowList, key)
	}
	if len(rc.InstrumentNotional) > 0 {
		limits.InstrumentNotional = make(map[domain.InstrumentKey]decimal.Decimal, len(rc.InstrumentNotional))
		for s, v := range rc.InstrumentNotional {
			key, err := domain.ParseInstrumentKey(s)
			if err != nil {
				return domain.RiskLimits{}, fmt.Errorf("app: risk instrument_notional: %w", err)
			}
			limits.InstrumentNotional[key] = v
		}
	}
	return limits, nil
}

func ledgerConfig(lc config.LedgerConfig) ledger.Config {
	out := ledger.Config{
		CostPolicy:        ledger.CostPolicy(lc.CostPolicy),
		MaintenanceRate:   lc.MaintenanceRate,
		FillRetention:     lc.FillRetention,
		InitialCollateral: lc.InitialCollateral,
	}
	if lc.QuantityTolerance != nil {
		out.QuantityTolerance = *lc.QuantityTolerance
	}
	if lc.PriceTolerancePct != nil {
		out.PriceTolerancePct = *lc.PriceTolerancePct
	}
	return out
}

func executorConfig(cfg *config.Config, limits domain.RiskLimits) executor.Config {
	ec := cfg.Execution
	return executor.Config{
		Limits:          limits,
		SubmitTimeout:   ec.SubmitTimeout.Duration,
		SubmitRate:      ec.SubmitRate,
		SubmitBurst:     ec.SubmitBurst,
		DedupTTL:        ec.DedupTTL.Duration,
		Retention:       ec.Retention.Duration,
		CleanupInterval: ec.CleanupInterval.Duration,
	}
}

func strategyConfig(sc config.StrategyConfig) (strategy.Config, error) {
	out := strategy.Config{
		Name:      sc.Name,
		Timeframe: domain.Timeframe(sc.Timeframe),
		Quantity:  sc.Quantity,
		Margin:    sc.Margin,
		Leverage:  sc.Leverage,
		Params:    sc.Params,
	}
	if out.Name == "" {
		out.Name = sc.Kind
	}
	if !out.Timeframe.Valid() {
		return strategy.Config{}, fmt.Errorf("app: strategy %s: invalid timeframe %q", out.Name, sc.Timeframe)
	}
	for _, s := range sc.Instruments {
		key, err := domain.ParseInstrumentKey(s)
		if err != nil {
			return strategy.Config{}, fmt.Errorf("app: strategy %s: %w", out.Name, err)
		}
		out.Instruments = append(out.Instruments, key)
	}
	return out, nil
}

// markInstruments lists every instrument whose ticker should mark the
// ledger: exchange instruments, the risk allow-list and strategy instruments.
func markInstruments(cfg *config.Config) []domain.InstrumentKey {
	seen := make(map[domain.InstrumentKey]bool)
	add := func(k domain.InstrumentKey) {
		if !k.IsZero() {
			seen[k] = true
		}
	}
	for _, ex := range cfg.Exchanges {
		for _, sym := range ex.Instruments {
			add(domain.NewInstrumentKey(ex.ID, sym))
		}
	}
	lists := [][]string{cfg.Risk.AllowList}
	for _, sc := range cfg.Strategies {
		if sc.Enabled {
			lists = append(lists, sc.Instruments)
		}
	}
	for _, list := range lists {
		for _, s := range list {
			if k, err := domain.ParseInstrumentKey(s); err == nil {
				add(k)
			}
		}
	}
	out := make([]domain.InstrumentKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
