package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/notify"
)

// Coordinator is the execution side the intent service drives.
type Coordinator interface {
	Submit(ctx context.Context, intent domain.TradeIntent) (domain.IntentRecord, error)
	Cancel(ctx context.Context, id string) (domain.IntentRecord, error)
	Get(id string) (domain.IntentRecord, bool)
}

// IntentServiceConfig configures manual intent admission and recording.
type IntentServiceConfig struct {
	// ManualLimit intents per ManualWindow per client; zero disables the limit.
	ManualLimit  int
	ManualWindow time.Duration
	// Buffer is the capacity of the record queue between the coordinator and storage.
	Buffer int
}

// IntentService accepts manual intents from the API and records every
// intent transition in the store, the audit log and on the bus.
type IntentService struct {
	cfg     IntentServiceConfig
	coord   Coordinator
	store   domain.IntentStore
	limiter domain.RateLimiter
	bus     domain.SignalBus
	audit   domain.AuditStore
	alerts  Alerter
	logger  *slog.Logger

	updates chan domain.IntentRecord
	dropped atomic.Int64
	created map[string]bool // touched only by Run
}

// NewIntentService creates an IntentService. Every dependency except coord
// may be nil.
func NewIntentService(
	cfg IntentServiceConfig,
	coord Coordinator,
	store domain.IntentStore,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	alerts Alerter,
	logger *slog.Logger,
) *IntentService {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.ManualWindow <= 0 {
		cfg.ManualWindow = time.Minute
	}
	return &IntentService{
		cfg:     cfg,
		coord:   coord,
		store:   store,
		limiter: limiter,
		bus:     bus,
		audit:   audit,
		alerts:  alerts,
		logger:  logger.With(slog.String("component", "intent_service")),
		updates: make(chan domain.IntentRecord, cfg.Buffer),
		created: make(map[string]bool),
	}
}

// PlaceManual submits an operator intent. client identifies the caller for
// rate limiting.
func (s *IntentService) PlaceManual(ctx context.Context, client string, in domain.TradeIntent) (domain.IntentRecord, error) {
	if s.limiter != nil && s.cfg.ManualLimit > 0 {
		ok, err := s.limiter.Allow(ctx, "intents:"+client, s.cfg.ManualLimit, s.cfg.ManualWindow)
		if err != nil {
			// Fail open: the coordinator still applies risk limits.
			s.logger.WarnContext(ctx, "rate limiter failed", slog.String("error", err.Error()))
		} else if !ok {
			return domain.IntentRecord{}, fmt.Errorf("intent_service: client %s: %w", client, domain.ErrRateLimited)
		}
	}
	if in.StrategyID == "" {
		in.StrategyID = "manual"
	}
	return s.coord.Submit(ctx, in)
}

// Get returns an intent from the coordinator, or from the store once the
// coordinator has pruned it.
func (s *IntentService) Get(ctx context.Context, id string) (domain.IntentRecord, error) {
	if rec, ok := s.coord.Get(id); ok {
		return rec, nil
	}
	if s.store == nil {
		return domain.IntentRecord{}, fmt.Errorf("intent_service: intent %s: %w", id, domain.ErrNotFound)
	}
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.IntentRecord{}, fmt.Errorf("intent_service: intent %s: %w", id, err)
	}
	return rec, nil
}

// Cancel cancels an open intent.
func (s *IntentService) Cancel(ctx context.Context, id string) (domain.IntentRecord, error) {
	return s.coord.Cancel(ctx, id)
}

// Record queues rec for persistence. It never blocks; it is registered as a
// coordinator update listener.
func (s *IntentService) Record(rec domain.IntentRecord) {
	select {
	case s.updates <- rec:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("intent record queue full", slog.Int64("dropped", n))
		}
	}
}

// Dropped returns how many records were not persisted because the queue was full.
func (s *IntentService) Dropped() int64 { return s.dropped.Load() }

// Run persists queued records until ctx is cancelled, then flushes what is
// already queued.
func (s *IntentService) Run(ctx context.Context) error {
	s.logger.Info("intent service started")
	defer s.logger.Info("intent service stopped")
	for {
		select {
		case <-ctx.Done():
			flush, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case rec := <-s.updates:
					s.persist(flush, rec)
				default:
					return nil
				}
			}
		case rec := <-s.updates:
			s.persist(ctx, rec)
		}
	}
}

func (s *IntentService) persist(ctx context.Context, rec domain.IntentRecord) {
	id := rec.Intent.ID
	if s.store != nil {
		if err := s.save(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "intent store failed", slog.String("intent_id", id), slog.String("error", err.Error()))
		}
	}
	if rec.State.Terminal() {
		delete(s.created, id)
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, "intent."+string(rec.State), map[string]any{
			"intent_id":  id,
			"instrument": rec.Intent.Instrument.String(),
			"side":       string(rec.Intent.Side),
			"quantity":   rec.Intent.Quantity.String(),
			"filled":     rec.FilledQuantity.String(),
			"strategy":   rec.Intent.StrategyID,
			"reason":     string(rec.RejectReason),
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("intent_id", id), slog.String("error", err.Error()))
		}
	}

	if s.bus != nil {
		payload, err := json.Marshal(rec)
		if err == nil {
			err = errors.Join(
				s.bus.Publish(ctx, domain.BusIntents, payload),
				s.bus.StreamAppend(ctx, domain.StreamIntents, payload),
			)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "intent publish failed", slog.String("intent_id", id), slog.String("error", err.Error()))
		}
	}

	if s.alerts != nil {
		s.alert(ctx, rec)
	}
}

func (s *IntentService) save(ctx context.Context, rec domain.IntentRecord) error {
	id := rec.Intent.ID
	if !s.created[id] {
		err := s.store.Create(ctx, rec)
		if err == nil {
			s.created[id] = true
			return nil
		}
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return err
		}
		s.created[id] = true
	}
	return s.store.Update(ctx, rec)
}

func (s *IntentService) alert(ctx context.Context, rec domain.IntentRecord) {
	var err error
	inst := rec.Intent.Instrument.String()
	switch rec.State {
	case domain.IntentSubmissionUncertain:
		err = s.alerts.Notify(ctx, notify.EventUncertain, rec.Intent.ID,
			"Submission uncertain",
			fmt.Sprintf("Intent %s on %s has no confirmed outcome; %s is blocked until resolved.", rec.Intent.ID, inst, inst))
	case domain.IntentRejectedByExchange:
		err = s.alerts.Notify(ctx, notify.EventExchangeRejection, inst,
			"Order rejected",
			fmt.Sprintf("Intent %s on %s rejected by exchange: %s", rec.Intent.ID, inst, rec.Message))
	}
	if err != nil {
		s.logger.WarnContext(ctx, "alert failed", slog.String("intent_id", rec.Intent.ID), slog.String("error", err.Error()))
	}
}
