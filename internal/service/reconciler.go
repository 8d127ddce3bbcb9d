package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/notify"
)

// Reconciling is the ledger side of reconciliation.
type Reconciling interface {
	Reconcile(exchange domain.ExchangeID, reports []domain.ExchangePosition) ([]domain.Drift, error)
}

// Resolver settles submissions whose outcome is unknown and polls resting
// orders for fills.
type Resolver interface {
	ResolveAll(ctx context.Context) (int, error)
	RefreshOpen(ctx context.Context) (int, error)
}

// ReconcilerConfig configures the reconciliation loop.
type ReconcilerConfig struct {
	Interval time.Duration
	// LockTTL bounds how long one process holds an exchange's reconcile lock.
	LockTTL time.Duration
	// PollOpen also polls acknowledged orders for fills each pass.
	PollOpen bool
}

// Reconciler periodically compares the ledger with exchange-reported
// positions and resolves uncertain submissions.
type Reconciler struct {
	cfg     ReconcilerConfig
	clients map[domain.ExchangeID]domain.ExchangeClient
	ledger  Reconciling
	coord   Resolver
	locks   domain.LockManager
	bus     domain.SignalBus
	audit   domain.AuditStore
	alerts  Alerter
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler. locks, bus, audit and alerts may be nil.
func NewReconciler(
	cfg ReconcilerConfig,
	clients map[domain.ExchangeID]domain.ExchangeClient,
	ledger Reconciling,
	coord Resolver,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	alerts Alerter,
	logger *slog.Logger,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Reconciler{
		cfg:     cfg,
		clients: clients,
		ledger:  ledger,
		coord:   coord,
		locks:   locks,
		bus:     bus,
		audit:   audit,
		alerts:  alerts,
		logger:  logger.With(slog.String("component", "reconciler")),
	}
}

// Run reconciles immediately and then every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", slog.Duration("interval", r.cfg.Interval))
	defer r.logger.Info("reconciler stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		r.ReconcileOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReconcileOnce runs one pass over every exchange and returns the drift found.
// Uncertain and open orders are resolved first so their fills are in the
// ledger before positions are compared.
func (r *Reconciler) ReconcileOnce(ctx context.Context) []domain.Drift {
	ids := make([]domain.ExchangeID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if r.coord != nil {
		if n, err := r.coord.ResolveAll(ctx); err != nil {
			r.logger.WarnContext(ctx, "uncertain resolution incomplete", slog.Int("resolved", n), slog.String("error", err.Error()))
		} else if n > 0 {
			r.logger.InfoContext(ctx, "uncertain submissions resolved", slog.Int("resolved", n))
		}
		if r.cfg.PollOpen {
			if _, err := r.coord.RefreshOpen(ctx); err != nil {
				r.logger.WarnContext(ctx, "open order poll incomplete", slog.String("error", err.Error()))
			}
		}
	}

	var all []domain.Drift
	for _, id := range ids {
		drifts, err := r.reconcileExchange(ctx, id)
		if err != nil {
			r.logger.WarnContext(ctx, "reconcile failed", slog.String("exchange", string(id)), slog.String("error", err.Error()))
		}
		all = append(all, drifts...)
	}
	return all
}

func (r *Reconciler) reconcileExchange(ctx context.Context, id domain.ExchangeID) ([]domain.Drift, error) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, "reconcile:"+string(id), r.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.DebugContext(ctx, "reconcile lock held elsewhere", slog.String("exchange", string(id)))
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reconciler: lock: %w", err)
		}
		defer unlock()
	}

	reports, err := r.clients[id].FetchPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciler: fetch positions: %w", err)
	}
	drifts, err := r.ledger.Reconcile(id, reports)
	if err != nil && !errors.Is(err, domain.ErrReconciliationDrift) {
		return nil, fmt.Errorf("reconciler: %w", err)
	}
	for _, d := range drifts {
		r.recordDrift(ctx, d)
	}
	return drifts, nil
}

func (r *Reconciler) recordDrift(ctx context.Context, d domain.Drift) {
	inst := d.Instrument.String()
	if r.audit != nil {
		if err := r.audit.Log(ctx, "ledger.drift", map[string]any{
			"instrument": inst,
			"field":      d.Field,
			"local":      d.Local.String(),
			"exchange":   d.Exchange.String(),
		}); err != nil {
			r.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		if payload, err := json.Marshal(d); err == nil {
			if err := r.bus.StreamAppend(ctx, domain.StreamDrift, payload); err != nil {
				r.logger.WarnContext(ctx, "drift publish failed", slog.String("error", err.Error()))
			}
		}
	}
	if r.alerts != nil {
		if err := r.alerts.Notify(ctx, notify.EventDrift, inst+"/"+d.Field,
			"Reconciliation drift",
			fmt.Sprintf("%s %s: local %s, exchange %s", inst, d.Field, d.Local, d.Exchange),
		); err != nil {
			r.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
		}
	}
}
