package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/indicator"
)

const (
	defaultRSIPeriod  = 14
	defaultOversold   = 30.0
	defaultOverbought = 70.0
)

// MeanReversion trades RSI extremes: it buys when RSI falls to the oversold
// level and sells when it reaches the overbought level. After a signal the
// instrument is disarmed until RSI crosses back through 50, so one excursion
// yields at most one intent.
//
// Spot configurations only sell what is held. Margin configurations also
// open shorts from flat.
type MeanReversion struct {
	cfg        Config
	positions  Positions
	candles    Candles
	logger     *slog.Logger
	period     int
	oversold   float64
	overbought float64

	mu    sync.Mutex
	state map[domain.InstrumentKey]*rsiState
}

type rsiState struct {
	lastCandle time.Time
	disarmed   domain.OrderSide // side of the last signal; "" when armed
}

// NewMeanReversion creates the strategy. The following keys are read from
// cfg.Params:
//
//   - "period": RSI period. Defaults to 14.
//   - "oversold": buy threshold. Defaults to 30.
//   - "overbought": sell threshold. Defaults to 70.
func NewMeanReversion(cfg Config, positions Positions, candles Candles, logger *slog.Logger) (*MeanReversion, error) {
	if cfg.Name == "" {
		cfg.Name = "rsi_mean_reversion"
	}
	if cfg.Timeframe == "" {
		return nil, fmt.Errorf("strategy %s: timeframe is required", cfg.Name)
	}
	if !cfg.Quantity.IsPositive() {
		return nil, fmt.Errorf("strategy %s: quantity must be positive", cfg.Name)
	}
	mr := &MeanReversion{
		cfg:        cfg,
		positions:  positions,
		candles:    candles,
		logger:     logger.With(slog.String("strategy", cfg.Name)),
		period:     int(cfg.Param("period", defaultRSIPeriod)),
		oversold:   cfg.Param("oversold", defaultOversold),
		overbought: cfg.Param("overbought", defaultOverbought),
		state:      make(map[domain.InstrumentKey]*rsiState),
	}
	if mr.period < 2 || mr.oversold >= mr.overbought {
		return nil, fmt.Errorf("strategy %s: invalid rsi parameters", cfg.Name)
	}
	return mr, nil
}

// Name returns the strategy identifier.
func (mr *MeanReversion) Name() string { return mr.cfg.Name }

// Watches subscribes to RSI on every configured instrument.
func (mr *MeanReversion) Watches() []Watch {
	out := make([]Watch, 0, len(mr.cfg.Instruments))
	for _, inst := range mr.cfg.Instruments {
		out = append(out, Watch{
			Instrument: inst,
			Timeframe:  mr.cfg.Timeframe,
			Indicator:  "rsi",
			Params:     indicator.Params{"period": float64(mr.period)},
		})
	}
	return out
}

// OnIndicator evaluates one RSI value.
func (mr *MeanReversion) OnIndicator(_ context.Context, res domain.IndicatorResult) ([]domain.TradeIntent, error) {
	v, ok := res.Values["value"]
	if !ok {
		return nil, fmt.Errorf("strategy %s: rsi result without value", mr.cfg.Name)
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	st, ok := mr.state[res.Instrument]
	if !ok {
		st = &rsiState{}
		mr.state[res.Instrument] = st
	}
	if !res.CandleOpenTime.After(st.lastCandle) {
		return nil, nil
	}
	st.lastCandle = res.CandleOpenTime

	switch {
	case st.disarmed == domain.OrderSideBuy && v >= 50,
		st.disarmed == domain.OrderSideSell && v <= 50:
		st.disarmed = ""
	}
	if st.disarmed != "" {
		return nil, nil
	}

	var net decimal.Decimal
	if p, ok := mr.positions.Position(res.Instrument); ok {
		net = p.NetQuantity()
	}

	var side domain.OrderSide
	var qty decimal.Decimal
	switch {
	case v <= mr.oversold:
		side = domain.OrderSideBuy
		qty = mr.cfg.Quantity
		if net.IsNegative() {
			qty = net.Abs()
		}
		if net.IsPositive() {
			return nil, nil
		}
	case v >= mr.overbought:
		side = domain.OrderSideSell
		switch {
		case net.IsPositive():
			qty = net
		case net.IsZero() && mr.cfg.Margin:
			qty = mr.cfg.Quantity
		default:
			return nil, nil
		}
	default:
		return nil, nil
	}

	ref := mr.lastClose(res.Instrument)
	if !ref.IsPositive() {
		return nil, nil
	}
	st.disarmed = side

	mr.logger.Info("rsi signal",
		slog.String("instrument", res.Instrument.String()),
		slog.String("side", string(side)),
		slog.Float64("rsi", v),
		slog.String("quantity", qty.String()),
	)
	return []domain.TradeIntent{{
		Instrument: res.Instrument,
		Side:       side,
		Quantity:   qty,
		StrategyID: mr.cfg.Name,
		Risk: domain.RiskContext{
			Margin:         mr.cfg.Margin,
			Leverage:       mr.cfg.Leverage,
			ReferencePrice: ref,
		},
		Reason: "rsi=" + strconv.FormatFloat(v, 'f', 2, 64),
	}}, nil
}

func (mr *MeanReversion) lastClose(inst domain.InstrumentKey) decimal.Decimal {
	cs := mr.candles.Candles(inst, mr.cfg.Timeframe)
	if len(cs) == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(cs[len(cs)-1].Close)
}

// Close is a no-op.
func (mr *MeanReversion) Close() error { return nil }
