package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketcore/internal/crypto"
	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/executor"
	"github.com/alanyoungcy/marketcore/internal/feed"
	"github.com/alanyoungcy/marketcore/internal/indicator"
	"github.com/alanyoungcy/marketcore/internal/ledger"
	"github.com/alanyoungcy/marketcore/internal/marketdata"
	"github.com/alanyoungcy/marketcore/internal/notify"
	"github.com/alanyoungcy/marketcore/internal/platform/binance"
	"github.com/alanyoungcy/marketcore/internal/platform/paper"
	"github.com/alanyoungcy/marketcore/internal/platform/wsconn"
	"github.com/alanyoungcy/marketcore/internal/server"
	"github.com/alanyoungcy/marketcore/internal/server/handler"
	"github.com/alanyoungcy/marketcore/internal/server/middleware"
	"github.com/alanyoungcy/marketcore/internal/server/ws"
	"github.com/alanyoungcy/marketcore/internal/service"
	"github.com/alanyoungcy/marketcore/internal/strategy"
)

// venues holds the per-exchange adapters shared by every mode.
type venues struct {
	hub  []marketdata.Exchange
	rest map[domain.ExchangeID]*binance.Client
}

func (a *App) buildVenues() (venues, error) {
	v := venues{rest: make(map[domain.ExchangeID]*binance.Client)}
	for _, ex := range a.cfg.Exchanges {
		id := domain.ExchangeID(strings.ToLower(ex.ID))
		switch ex.Kind {
		case "binance":
			secret, err := crypto.LoadSecret(crypto.SecretConfig{
				Raw:      ex.SecretKey,
				Path:     ex.SecretKeyFile,
				Password: ex.SecretKeyPassword,
			})
			if err != nil && !errors.Is(err, crypto.ErrNoSecret) {
				return venues{}, fmt.Errorf("app: exchange %s: %w", ex.ID, err)
			}
			client := binance.NewClient(id, ex.APIKey, secret, ex.Testnet, a.logger)
			codec := binance.NewCodec(id)
			url := ex.StreamURL
			if url == "" {
				url = binance.StreamURL
			}
			v.hub = append(v.hub, marketdata.Exchange{
				ID:            id,
				Dialer:        wsconn.NewDialer(url),
				Codec:         codec,
				Normalizer:    codec,
				Books:         client,
				Candles:       client,
				NativeCandles: ex.NativeCandles,
				Sessions:      ex.Sessions,
			})
			v.rest[id] = client
		default:
			return venues{}, fmt.Errorf("app: exchange %s: unsupported kind %q", ex.ID, ex.Kind)
		}
	}
	return v, nil
}

// marketCore is the part of every mode that serves market data.
type marketCore struct {
	hub        *marketdata.Hub
	indicators *indicator.Engine
	ws         *ws.Hub
}

func (a *App) buildMarketCore(ctx context.Context, deps *Dependencies, v venues) (*marketCore, error) {
	s, hc := a.cfg.Session, a.cfg.Hub
	hub, err := marketdata.NewHub(marketdata.Config{
		Backoff:          feed.Backoff{Base: s.BackoffBase.Duration, Cap: s.BackoffCap.Duration},
		MaxAttempts:      s.MaxAttempts,
		Liveness:         s.Liveness.Duration,
		AckTimeout:       s.AckTimeout.Duration,
		DialTimeout:      s.DialTimeout.Duration,
		QueueSize:        s.QueueSize,
		SubscriberBuffer: hc.SubscriberBuffer,
		RecentTrades:     hc.RecentTrades,
		MaxCandles:       hc.MaxCandles,
		BookDepth:        hc.BookDepth,
		BackfillLimit:    hc.BackfillLimit,
		SweepInterval:    hc.SweepInterval.Duration,
		SweepGrace:       hc.SweepGrace.Duration,
		MirrorInterval:   hc.MirrorInterval.Duration,
	}, v.hub, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: market data hub: %w", err)
	}
	if deps.Mirror != nil {
		hub.SetMirror(deps.Mirror)
	}
	if deps.SignalBus != nil {
		hub.SetBus(deps.SignalBus)
	}

	ind := indicator.NewEngine(indicator.DefaultRegistry(), hub, a.logger)
	hub.OnCandleClosed(ind.OnCandleClosed)

	wsHub := ws.NewHub(deps.SignalBus, hub, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
		Status:    func() any { return hub.Status() },
	})

	hub.OnSessionState(func(sc feed.StateChange) {
		wsHub.Broadcast("sessions", sc.Status)
		if sc.Status.State != domain.SessionDegraded {
			return
		}
		msg := fmt.Sprintf("%s session %d is degraded after %d attempts", sc.Status.Exchange, sc.Status.Index, sc.Status.Attempts)
		if sc.Err != nil {
			msg += ": " + sc.Err.Error()
		}
		// Delivery is a network call; keep it off the session goroutine.
		go func() {
			if err := deps.Notifier.Notify(ctx, notify.EventSessionDegraded, string(sc.Status.Exchange), "Market data degraded", msg); err != nil {
				a.logger.WarnContext(ctx, "degraded alert failed", slog.String("error", err.Error()))
			}
		}()
	})

	return &marketCore{hub: hub, indicators: ind, ws: wsHub}, nil
}

// HubMode serves market data only: sessions, caches, indicators and the API.
func (a *App) HubMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting hub mode")

	v, err := a.buildVenues()
	if err != nil {
		return err
	}
	mc, err := a.buildMarketCore(ctx, deps, v)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mc.hub.Run(ctx) })

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, mc, httpExec{})
	}
	return g.Wait()
}

// TradeMode runs the full core: market data, ledger, risk-gated execution,
// strategies and the background services. paper routes orders to the
// in-process paper exchange instead of the exchange REST clients.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies, paperMode bool) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.Bool("paper", paperMode))

	v, err := a.buildVenues()
	if err != nil {
		return err
	}
	mc, err := a.buildMarketCore(ctx, deps, v)
	if err != nil {
		return err
	}

	// Ledger.
	led, err := ledger.New(ledgerConfig(a.cfg.Ledger), a.logger)
	if err != nil {
		return fmt.Errorf("app: ledger: %w", err)
	}
	liq := binance.NewLiquidationModel(nil)
	for id := range v.rest {
		led.RegisterLiquidationModel(id, liq)
	}

	// Exchange clients.
	clients := make(map[domain.ExchangeID]domain.ExchangeClient, len(v.rest))
	var papers []*paper.Exchange
	for id, rest := range v.rest {
		if paperMode {
			pe := paper.New(id, a.cfg.Paper.FeeRate, a.logger)
			papers = append(papers, pe)
			clients[id] = pe
			continue
		}
		clients[id] = rest
	}

	// Coordinator.
	limits, err := riskLimits(a.cfg.Risk)
	if err != nil {
		return err
	}
	coord := executor.NewCoordinator(executorConfig(a.cfg, limits), clients, led, a.logger)
	for _, pe := range papers {
		pe.OnFill(func(f domain.Fill) {
			if err := coord.ApplyFill(f); err != nil && !errors.Is(err, domain.ErrDuplicateFill) {
				a.logger.Warn("paper fill not applied",
					slog.String("fill_id", f.FillID),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	intentSvc := service.NewIntentService(service.IntentServiceConfig{
		ManualLimit:  a.cfg.Execution.ManualLimit,
		ManualWindow: a.cfg.Execution.ManualWindow.Duration,
		Buffer:       a.cfg.Execution.RecordBuffer,
	}, coord, deps.IntentStore, deps.RateLimiter, deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger)
	coord.OnUpdate(intentSvc.Record)
	if deps.SignalBus == nil {
		coord.OnUpdate(func(rec domain.IntentRecord) { mc.ws.Broadcast(domain.BusIntents, rec) })
	}

	// Ledger persistence. Restore before anything can apply fills.
	snapshotter := service.NewSnapshotter(service.SnapshotterConfig{
		Interval:     a.cfg.Snapshot.Interval.Duration,
		ArchiveEvery: a.cfg.Snapshot.ArchiveEvery,
	}, led, deps.LedgerStore, deps.Archive, a.logger)
	if err := snapshotter.Restore(ctx); err != nil {
		return fmt.Errorf("app: restore ledger: %w", err)
	}

	reconciler := service.NewReconciler(service.ReconcilerConfig{
		Interval: a.cfg.Reconcile.Interval.Duration,
		LockTTL:  a.cfg.Reconcile.LockTTL.Duration,
		PollOpen: a.cfg.Reconcile.PollOpen,
	}, clients, led, coord, deps.LockManager, deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger)

	marks := service.NewMarkFeeder(mc.hub, led, deps.SignalBus, a.cfg.Snapshot.MarkPublishInterval.Duration, a.logger)
	for _, pe := range papers {
		marks.AddQuoter(pe)
	}

	// Strategies.
	intentCh := make(chan domain.TradeIntent, 64)
	engine, series, err := a.buildStrategies(led, mc, intentCh)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mc.hub.Run(ctx) })
	g.Go(func() error { return intentSvc.Run(ctx) })
	g.Go(func() error { return coord.Run(ctx, intentCh) })
	g.Go(func() error { return snapshotter.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })
	g.Go(func() error { return marks.Run(ctx, markInstruments(a.cfg)) })
	g.Go(func() error { return holdSeries(ctx, mc.hub, series, a.logger) })
	g.Go(func() error { return engine.RunAll(ctx) })
	if deps.AuditArchive != nil {
		g.Go(func() error { return a.archiveAuditDaily(ctx, deps.AuditArchive) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, mc, httpExec{
			coord:      coord,
			intents:    intentSvc,
			lister:     coord,
			positions:  led,
			strategies: engine,
		})
	}

	return g.Wait()
}

// buildStrategies registers every enabled strategy and returns the engine
// plus the candle series the strategies need kept live.
func (a *App) buildStrategies(led *ledger.Ledger, mc *marketCore, intentCh chan<- domain.TradeIntent) (*strategy.Engine, []domain.SubscriptionKey, error) {
	reg := strategy.NewRegistry()
	var names []string
	seen := make(map[domain.SubscriptionKey]bool)
	var series []domain.SubscriptionKey

	for _, sc := range a.cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		cfg, err := strategyConfig(sc)
		if err != nil {
			return nil, nil, err
		}
		var s strategy.Strategy
		switch sc.Kind {
		case "rsi_mean_reversion":
			s, err = strategy.NewMeanReversion(cfg, led, mc.hub, a.logger)
		default:
			err = fmt.Errorf("unknown kind %q", sc.Kind)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("app: strategy %s: %w", cfg.Name, err)
		}
		reg.Register(s)
		names = append(names, s.Name())

		for _, w := range s.Watches() {
			key := domain.SubscriptionKey{Instrument: w.Instrument, Channel: domain.OHLCV(w.Timeframe)}
			if !seen[key] {
				seen[key] = true
				series = append(series, key)
			}
		}
	}

	engine := strategy.NewEngine(reg, mc.indicators, intentCh, a.logger)
	if err := engine.SetActiveNames(names); err != nil {
		return nil, nil, fmt.Errorf("app: %w", err)
	}
	return engine, series, nil
}

// holdSeries keeps a hub subscription open on every key so that candles
// keep closing and indicators keep firing without an API client.
func holdSeries(ctx context.Context, hub *marketdata.Hub, keys []domain.SubscriptionKey, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		events, release, err := hub.Stream(key)
		if err != nil {
			logger.WarnContext(ctx, "strategy series unavailable",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		g.Go(func() error {
			defer release()
			for {
				select {
				case <-ctx.Done():
					return nil
				case _, ok := <-events:
					if !ok {
						return nil
					}
				}
			}
		})
	}
	return g.Wait()
}

// archiveAuditDaily copies the previous UTC day of the audit log to object
// storage shortly after each midnight.
func (a *App) archiveAuditDaily(ctx context.Context, archive AuditArchiver) error {
	log := a.logger.With(slog.String("component", "audit_archive"))
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24*time.Hour + 5*time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		until := next.Truncate(24 * time.Hour)
		n, err := archive.ArchiveAudit(ctx, until.Add(-24*time.Hour), until)
		if err != nil {
			log.WarnContext(ctx, "audit archive failed", slog.String("error", err.Error()))
			continue
		}
		log.InfoContext(ctx, "audit archived", slog.Int("entries", n), slog.Time("day", until.Add(-24*time.Hour)))
	}
}

// httpExec carries the execution-side API sources. Every field is nil in
// hub mode.
type httpExec struct {
	coord      handler.ExecutionReporter
	intents    handler.IntentService
	lister     handler.IntentLister
	positions  handler.PositionSource
	strategies handler.StrategyReporter
}

// startHTTPServer registers the API handlers and runs the server and the
// WebSocket hub inside g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, mc *marketCore, exec httpExec) {
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Status:     handler.NewStatusHandler(a.cfg.Mode, a.startedAt, mc.hub, exec.coord),
		Markets:    handler.NewMarketHandler(mc.hub, a.logger),
		Indicators: handler.NewIndicatorHandler(mc.indicators, a.logger),
		Exchanges:  handler.NewExchangeHandler(mc.hub, a.logger),
		Strategies: handler.NewStrategyHandler(exec.strategies),
	}
	if exec.positions != nil {
		handlers.Positions = handler.NewPositionHandler(exec.positions)
	}
	if exec.intents != nil {
		handlers.Intents = handler.NewIntentHandler(exec.intents, exec.lister, middleware.ClientIP, a.logger)
	}

	srv := server.NewServer(server.Config{
		Addr:        fmt.Sprintf(":%d", a.cfg.Server.Port),
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, mc.ws, deps.RateLimiter, a.logger)

	g.Go(func() error { return mc.ws.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
}
