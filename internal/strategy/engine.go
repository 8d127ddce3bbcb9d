package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/indicator"
)

// IndicatorWatcher pushes an indicator result every time its series gains a
// closed candle.
type IndicatorWatcher interface {
	Watch(inst domain.InstrumentKey, tf domain.Timeframe, id string, params indicator.Params, fn func(domain.IndicatorResult)) (func(), error)
}

// Engine runs the active strategies. Each strategy gets its own goroutine and
// result queue; indicator pushes never block on a slow strategy. Resulting
// intents go to the intent channel consumed by the execution coordinator.
type Engine struct {
	registry *Registry
	watcher  IndicatorWatcher
	intentCh chan<- domain.TradeIntent
	logger   *slog.Logger
	buffer   int

	mu            sync.Mutex
	active        []string
	recentIntents []domain.TradeIntent
	recentLimit   int
}

// NewEngine creates an Engine emitting to intentCh.
func NewEngine(registry *Registry, watcher IndicatorWatcher, intentCh chan<- domain.TradeIntent, logger *slog.Logger) *Engine {
	return &Engine{
		registry:    registry,
		watcher:     watcher,
		intentCh:    intentCh,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		buffer:      32,
		recentLimit: 500,
	}
}

// SetActiveNames selects the strategies RunAll starts. Names must be registered.
func (e *Engine) SetActiveNames(names []string) error {
	for _, name := range names {
		if _, err := e.registry.Get(name); err != nil {
			return fmt.Errorf("strategy engine: %w", err)
		}
	}
	e.mu.Lock()
	e.active = append([]string(nil), names...)
	e.mu.Unlock()
	e.logger.Info("active strategies set", slog.Any("strategies", names))
	return nil
}

// ListInfo returns runtime info for every registered strategy.
func (e *Engine) ListInfo() []StrategyInfo { return e.registry.ListInfo() }

// RecentIntents returns up to limit most recent emitted intents, newest first.
func (e *Engine) RecentIntents(limit int) []domain.TradeIntent {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recentIntents)
	limit = min(limit, n)
	out := make([]domain.TradeIntent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recentIntents[i])
	}
	return out
}

// RunAll starts one goroutine per active strategy and blocks until ctx is
// cancelled or a strategy fails to set up its watches.
func (e *Engine) RunAll(ctx context.Context) error {
	e.mu.Lock()
	names := append([]string(nil), e.active...)
	e.mu.Unlock()
	if len(names) == 0 {
		e.logger.Info("no active strategies, blocking until context done")
		<-ctx.Done()
		return nil
	}

	e.logger.Info("strategy engine started", slog.Any("strategies", names))
	defer e.logger.Info("strategy engine stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error { return e.runStrategy(gctx, name) })
	}
	return g.Wait()
}

func (e *Engine) runStrategy(ctx context.Context, name string) error {
	strat, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	log := e.logger.With(slog.String("strategy", name))
	defer func() {
		if err := strat.Close(); err != nil {
			log.Warn("strategy close failed", slog.String("error", err.Error()))
		}
	}()

	results := make(chan domain.IndicatorResult, e.buffer)
	var unwatch []func()
	defer func() {
		for _, fn := range unwatch {
			fn()
		}
	}()
	for _, w := range strat.Watches() {
		stop, err := e.watcher.Watch(w.Instrument, w.Timeframe, w.Indicator, w.Params, func(res domain.IndicatorResult) {
			select {
			case results <- res:
			default:
				e.registry.update(name, func(in *StrategyInfo) { in.Dropped++ })
			}
		})
		if err != nil {
			e.registry.update(name, func(in *StrategyInfo) { in.Status = "error" })
			return fmt.Errorf("strategy %s: watch %s %s: %w", name, w.Instrument, w.Indicator, err)
		}
		unwatch = append(unwatch, stop)
	}

	e.registry.update(name, func(in *StrategyInfo) { in.Status = "running" })
	defer e.registry.update(name, func(in *StrategyInfo) { in.Status = "stopped" })

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-results:
			intents, err := strat.OnIndicator(ctx, res)
			if err != nil {
				e.registry.update(name, func(in *StrategyInfo) { in.ErrorCount++ })
				log.Warn("strategy OnIndicator error", slog.String("error", err.Error()))
				continue
			}
			e.emit(ctx, name, intents)
		}
	}
}

// emit sends each intent to the intent channel. It respects context cancellation.
func (e *Engine) emit(ctx context.Context, name string, intents []domain.TradeIntent) {
	for i := range intents {
		in := intents[i]
		if in.StrategyID == "" {
			in.StrategyID = name
		}
		select {
		case <-ctx.Done():
			e.logger.Warn("context cancelled while emitting intents",
				slog.Int("remaining", len(intents)-i),
			)
			return
		case e.intentCh <- in:
			e.remember(in)
			now := time.Now()
			e.registry.update(name, func(si *StrategyInfo) {
				si.IntentsSent++
				si.LastIntent = &now
			})
			e.logger.Debug("intent emitted",
				slog.String("strategy", name),
				slog.String("instrument", in.Instrument.String()),
				slog.String("side", string(in.Side)),
				slog.String("reason", in.Reason),
			)
		}
	}
}

func (e *Engine) remember(in domain.TradeIntent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentIntents = append(e.recentIntents, in)
	if overflow := len(e.recentIntents) - e.recentLimit; overflow > 0 {
		e.recentIntents = append([]domain.TradeIntent(nil), e.recentIntents[overflow:]...)
	}
}
