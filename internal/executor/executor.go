// Package executor turns trade intents into exchange orders. Every intent
// passes risk evaluation against one ledger snapshot, is submitted with a
// bounded timeout and is then driven through its lifecycle by acks, fills
// and status queries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/risk"
)

// Ledger is the position store the coordinator evaluates against and fills.
type Ledger interface {
	Snapshot() domain.LedgerSnapshot
	ApplyFill(f domain.Fill) (domain.Position, error)
}

// Config configures a Coordinator.
type Config struct {
	Limits          domain.RiskLimits
	SubmitTimeout   time.Duration
	SubmitRate      float64 // orders per second per exchange; zero disables throttling
	SubmitBurst     int
	DedupTTL        time.Duration
	Retention       time.Duration // how long terminal records stay queryable
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 1
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
}

// Coordinator owns the intent state machine. It is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	clients  map[domain.ExchangeID]domain.ExchangeClient
	limiters map[domain.ExchangeID]*rate.Limiter
	ledger   Ledger
	dedup    *Dedup
	logger   *slog.Logger
	now      func() time.Time

	listeners []func(domain.IntentRecord)

	mu       sync.Mutex
	limits   domain.RiskLimits
	records  map[string]*domain.IntentRecord
	open     map[string]*domain.IntentRecord
	blocked  map[domain.InstrumentKey]map[string]struct{}
	activity map[string][]domain.ActivityEntry
	queued   []domain.IntentRecord
}

// NewCoordinator creates a Coordinator routing orders to clients by exchange.
func NewCoordinator(cfg Config, clients map[domain.ExchangeID]domain.ExchangeClient, ledger Ledger, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:      cfg,
		clients:  clients,
		limiters: make(map[domain.ExchangeID]*rate.Limiter, len(clients)),
		ledger:   ledger,
		logger:   logger.With(slog.String("component", "executor")),
		now:      time.Now,
		limits:   cfg.Limits,
		records:  make(map[string]*domain.IntentRecord),
		open:     make(map[string]*domain.IntentRecord),
		blocked:  make(map[domain.InstrumentKey]map[string]struct{}),
		activity: make(map[string][]domain.ActivityEntry),
	}
	c.dedup = NewDedup(cfg.DedupTTL, func() time.Time { return c.now() })
	if cfg.SubmitRate > 0 {
		for id := range clients {
			c.limiters[id] = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
		}
	}
	return c
}

// OnUpdate registers fn to receive a copy of every record after each state
// change. Must be called before the coordinator is used.
func (c *Coordinator) OnUpdate(fn func(domain.IntentRecord)) {
	c.listeners = append(c.listeners, fn)
}

// SetLimits replaces the risk limits for subsequent intents.
func (c *Coordinator) SetLimits(l domain.RiskLimits) {
	c.mu.Lock()
	c.limits = l
	c.mu.Unlock()
}

// Limits returns the current risk limits.
func (c *Coordinator) Limits() domain.RiskLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Submit evaluates and, if accepted, submits one intent. It returns the
// record as of the end of the call. Errors:
//
//   - ErrInvalidIntent, ErrUnknownExch: the intent was not recorded
//   - ErrDuplicateIntent: the id was seen before
//   - ErrInstrumentBlocked: an uncertain submission on the instrument is unresolved
//   - ErrRiskRejected (as *RiskRejectedError): the ledger is untouched
//   - ErrExchangeRejected: the exchange refused the order
//   - ErrSubmissionUncertain: outcome unknown; the instrument is now blocked
func (c *Coordinator) Submit(ctx context.Context, intent domain.TradeIntent) (domain.IntentRecord, error) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = c.now()
	}
	if err := validateIntent(intent); err != nil {
		return domain.IntentRecord{}, err
	}
	client, ok := c.clients[intent.Instrument.Exchange]
	if !ok {
		return domain.IntentRecord{}, fmt.Errorf("executor: intent %s: %s: %w", intent.ID, intent.Instrument.Exchange, domain.ErrUnknownExch)
	}
	log := c.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("instrument", intent.Instrument.String()),
		slog.String("side", string(intent.Side)),
		slog.String("strategy", intent.StrategyID),
	)

	rec, decision, err := c.admit(intent)
	if err != nil {
		log.Warn("intent refused", slog.String("error", err.Error()))
		return domain.IntentRecord{}, err
	}
	if !decision.Accepted {
		log.Warn("intent rejected by risk",
			slog.String("reason", string(decision.Reason)),
			slog.String("detail", decision.Detail),
		)
		return rec, decision.Err()
	}

	if lim := c.limiters[intent.Instrument.Exchange]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			rec = c.update(intent.ID, func(r *domain.IntentRecord) error {
				r.Message = "not submitted: " + err.Error()
				return c.moveLocked(r, domain.IntentCancelled)
			})
			return rec, fmt.Errorf("executor: intent %s: throttle: %w", intent.ID, err)
		}
	}

	c.update(intent.ID, func(r *domain.IntentRecord) error {
		return c.moveLocked(r, domain.IntentSubmitted)
	})

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	ack, subErr := client.SubmitOrder(sctx, orderRequest(intent))
	cancel()

	var applyErr error
	rec = c.update(intent.ID, func(r *domain.IntentRecord) error {
		switch {
		case subErr == nil:
			applyErr = c.applyAckLocked(r, ack)
			return nil
		case r.State != domain.IntentSubmitted:
			// A fill already proved the order exists.
			return nil
		case errors.Is(subErr, domain.ErrExchangeRejected):
			r.Message = subErr.Error()
			return c.moveLocked(r, domain.IntentRejectedByExchange)
		default:
			r.Message = subErr.Error()
			return c.moveLocked(r, domain.IntentSubmissionUncertain)
		}
	})

	switch {
	case subErr == nil && rec.State == domain.IntentRejectedByExchange:
		log.Warn("order rejected by exchange", slog.String("message", rec.Message))
		return rec, fmt.Errorf("executor: intent %s: %s: %w", intent.ID, rec.Message, domain.ErrExchangeRejected)
	case subErr == nil:
		log.Info("order acknowledged",
			slog.String("order_id", rec.ExchangeOrderID),
			slog.String("state", string(rec.State)),
			slog.String("filled", rec.FilledQuantity.String()),
		)
		if applyErr != nil {
			log.Error("applying ack failed", slog.String("error", applyErr.Error()))
			return rec, applyErr
		}
		return rec, nil
	case rec.State == domain.IntentRejectedByExchange:
		log.Warn("order rejected by exchange", slog.String("error", subErr.Error()))
		return rec, fmt.Errorf("executor: intent %s: %w", intent.ID, subErr)
	case rec.State == domain.IntentSubmissionUncertain:
		log.Error("submission uncertain, instrument blocked", slog.String("error", subErr.Error()))
		return rec, fmt.Errorf("executor: intent %s: %w: %w", intent.ID, domain.ErrSubmissionUncertain, subErr)
	default:
		log.Warn("submit failed after fills arrived", slog.String("error", subErr.Error()))
		return rec, nil
	}
}

// admit records the intent and runs risk evaluation. Evaluation and the
// pending reservation happen under one lock so concurrent intents see each
// other's exposure.
func (c *Coordinator) admit(intent domain.TradeIntent) (domain.IntentRecord, domain.RiskDecision, error) {
	c.mu.Lock()
	if _, exists := c.records[intent.ID]; exists {
		c.mu.Unlock()
		return domain.IntentRecord{}, domain.RiskDecision{}, fmt.Errorf("executor: intent %s: %w", intent.ID, domain.ErrDuplicateIntent)
	}
	if len(c.blocked[intent.Instrument]) > 0 {
		c.mu.Unlock()
		return domain.IntentRecord{}, domain.RiskDecision{}, fmt.Errorf("executor: intent %s: %s: %w", intent.ID, intent.Instrument, domain.ErrInstrumentBlocked)
	}
	if c.dedup.IsDuplicate(intent.ID) {
		c.mu.Unlock()
		return domain.IntentRecord{}, domain.RiskDecision{}, fmt.Errorf("executor: intent %s: %w", intent.ID, domain.ErrDuplicateIntent)
	}

	rec := &domain.IntentRecord{Intent: intent, State: domain.IntentCreated, UpdatedAt: c.now()}
	c.records[intent.ID] = rec

	snap := c.ledger.Snapshot()
	snap.Pending = c.pendingLocked()
	decision := risk.Evaluate(intent, snap, c.activityLocked(intent), c.limits)

	if decision.Accepted {
		c.activity[intent.StrategyID] = append(c.activity[intent.StrategyID], domain.ActivityEntry{IntentID: intent.ID, At: intent.CreatedAt, Notional: intent.Notional()})
		_ = c.moveLocked(rec, domain.IntentRiskAccepted)
	} else {
		rec.RejectReason = decision.Reason
		rec.Message = decision.Detail
		_ = c.moveLocked(rec, domain.IntentRejectedByRisk)
	}
	out := *rec
	c.unlockAndNotify()
	return out, decision, nil
}

// ApplyFill applies an execution report. Repeated fill ids are ignored.
// Fills for unknown intents still reach the ledger.
func (c *Coordinator) ApplyFill(f domain.Fill) error {
	c.mu.Lock()
	rec, ok := c.records[f.IntentID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("fill for unknown intent",
			slog.String("fill_id", f.FillID),
			slog.String("intent_id", f.IntentID),
			slog.String("instrument", f.Instrument.String()),
		)
		if _, err := c.ledger.ApplyFill(f); err != nil && !errors.Is(err, domain.ErrDuplicateFill) {
			c.logger.Error("applying fill failed", slog.String("fill_id", f.FillID), slog.String("error", err.Error()))
			return fmt.Errorf("executor: fill %s: %w", f.FillID, err)
		}
		return nil
	}
	err := c.applyFillLocked(rec, f)
	c.unlockAndNotify()
	return err
}

// Cancel cancels the open order of an acknowledged intent.
func (c *Coordinator) Cancel(ctx context.Context, id string) (domain.IntentRecord, error) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return domain.IntentRecord{}, fmt.Errorf("executor: intent %s: %w", id, domain.ErrNotFound)
	}
	state, inst := rec.State, rec.Intent.Instrument
	c.mu.Unlock()
	if state != domain.IntentAcked && state != domain.IntentPartiallyFilled {
		return c.get(id), fmt.Errorf("executor: cancel %s in state %s: %w", id, state, domain.ErrInvalidTransition)
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	err := c.clients[inst.Exchange].CancelOrder(cctx, inst, id)
	cancel()
	if err != nil {
		c.logger.Warn("cancel failed", slog.String("intent_id", id), slog.String("error", err.Error()))
		return c.get(id), fmt.Errorf("executor: cancel %s: %w", id, err)
	}

	out := c.update(id, func(r *domain.IntentRecord) error {
		if !open(r.State) {
			return nil
		}
		return c.moveLocked(r, domain.IntentCancelled)
	})
	c.logger.Info("intent cancelled", slog.String("intent_id", id), slog.String("filled", out.FilledQuantity.String()))
	return out, nil
}

// ResolveUncertain queries the exchange for an uncertain submission and
// moves it to the state the exchange reports. The instrument is unblocked
// once none of its submissions remain uncertain.
func (c *Coordinator) ResolveUncertain(ctx context.Context, id string) (domain.IntentRecord, error) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return domain.IntentRecord{}, fmt.Errorf("executor: intent %s: %w", id, domain.ErrNotFound)
	}
	state, inst := rec.State, rec.Intent.Instrument
	c.mu.Unlock()
	if state != domain.IntentSubmissionUncertain {
		return c.get(id), fmt.Errorf("executor: intent %s is %s, not uncertain: %w", id, state, domain.ErrInvalidTransition)
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	ack, err := c.clients[inst.Exchange].FetchOrderStatus(qctx, inst, id)
	cancel()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		ack = domain.OrderAck{ClientOrderID: id, Status: domain.OrderStatusNotFound, Message: "order not found at exchange"}
	case err != nil:
		c.logger.Warn("order status query failed", slog.String("intent_id", id), slog.String("error", err.Error()))
		return c.get(id), fmt.Errorf("executor: resolve %s: %w", id, err)
	}

	var applyErr error
	out := c.update(id, func(r *domain.IntentRecord) error {
		applyErr = c.applyAckLocked(r, ack)
		return nil
	})
	c.logger.Info("uncertain submission resolved",
		slog.String("intent_id", id),
		slog.String("exchange_status", string(ack.Status)),
		slog.String("state", string(out.State)),
	)
	return out, applyErr
}

// ResolveAll attempts to resolve every uncertain submission.
func (c *Coordinator) ResolveAll(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, rec := range c.Uncertain() {
		if _, err := c.ResolveUncertain(ctx, rec.Intent.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Refresh queries the exchange for an acknowledged order and applies any
// fills or terminal status it reports. Exchanges that do not push fills
// rely on this to progress resting orders.
func (c *Coordinator) Refresh(ctx context.Context, id string) (domain.IntentRecord, error) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return domain.IntentRecord{}, fmt.Errorf("executor: intent %s: %w", id, domain.ErrNotFound)
	}
	state, inst := rec.State, rec.Intent.Instrument
	c.mu.Unlock()
	if state != domain.IntentAcked && state != domain.IntentPartiallyFilled {
		return c.get(id), fmt.Errorf("executor: intent %s is %s, not resting: %w", id, state, domain.ErrInvalidTransition)
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	ack, err := c.clients[inst.Exchange].FetchOrderStatus(qctx, inst, id)
	cancel()
	if err != nil {
		return c.get(id), fmt.Errorf("executor: refresh %s: %w", id, err)
	}

	var applyErr error
	out := c.update(id, func(r *domain.IntentRecord) error {
		applyErr = c.applyAckLocked(r, ack)
		return nil
	})
	return out, applyErr
}

// RefreshOpen refreshes every acknowledged, unfilled intent.
func (c *Coordinator) RefreshOpen(ctx context.Context) (int, error) {
	c.mu.Lock()
	var ids []string
	for id, r := range c.open {
		if r.State == domain.IntentAcked || r.State == domain.IntentPartiallyFilled {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if _, err := c.Refresh(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ids) - len(errs), errors.Join(errs...)
}

// Get returns one record.
func (c *Coordinator) Get(id string) (domain.IntentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return domain.IntentRecord{}, false
	}
	return *rec, true
}

// List returns all retained records, newest first.
func (c *Coordinator) List() []domain.IntentRecord {
	c.mu.Lock()
	out := make([]domain.IntentRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Intent.CreatedAt.After(out[j].Intent.CreatedAt) })
	return out
}

// Uncertain returns the records awaiting resolution.
func (c *Coordinator) Uncertain() []domain.IntentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.IntentRecord
	for _, r := range c.open {
		if r.State == domain.IntentSubmissionUncertain {
			out = append(out, *r)
		}
	}
	return out
}

// Blocked returns the instruments refusing new intents.
func (c *Coordinator) Blocked() []domain.InstrumentKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.InstrumentKey, 0, len(c.blocked))
	for k := range c.blocked {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Pending returns the open quantity reserved per instrument.
func (c *Coordinator) Pending() map[domain.InstrumentKey]domain.PendingExposure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

// Run submits intents from the channel until ctx is cancelled or the channel
// closes. Intents still buffered at shutdown are dropped, not submitted.
func (c *Coordinator) Run(ctx context.Context, intents <-chan domain.TradeIntent) error {
	c.logger.Info("executor started")
	defer c.logger.Info("executor stopped")

	cleanup := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain(intents)
			return nil
		case intent, ok := <-intents:
			if !ok {
				return nil
			}
			// Outcomes are logged by Submit.
			_, _ = c.Submit(ctx, intent)
		case <-cleanup.C:
			c.Cleanup()
		}
	}
}

func (c *Coordinator) drain(intents <-chan domain.TradeIntent) {
	for {
		select {
		case intent, ok := <-intents:
			if !ok {
				return
			}
			c.logger.Warn("dropping intent after shutdown", slog.String("intent_id", intent.ID))
		default:
			return
		}
	}
}

// Cleanup forgets expired dedup ids and terminal records past retention.
func (c *Coordinator) Cleanup() {
	c.dedup.Cleanup()
	cutoff := c.now().Add(-c.cfg.Retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.records {
		if r.State.Terminal() && r.UpdatedAt.Before(cutoff) {
			delete(c.records, id)
		}
	}
}

// update applies fn to the record under the lock and returns a copy.
func (c *Coordinator) update(id string, fn func(*domain.IntentRecord) error) domain.IntentRecord {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return domain.IntentRecord{}
	}
	if err := fn(rec); err != nil {
		c.logger.Error("intent update failed", slog.String("intent_id", id), slog.String("error", err.Error()))
	}
	out := *rec
	c.unlockAndNotify()
	return out
}

func (c *Coordinator) get(id string) domain.IntentRecord {
	r, _ := c.Get(id)
	return r
}

// moveLocked transitions rec to state to, maintaining the open set and the
// instrument block. Caller holds c.mu.
func (c *Coordinator) moveLocked(rec *domain.IntentRecord, to domain.IntentState) error {
	if err := checkTransition(rec.Intent.ID, rec.State, to); err != nil {
		return err
	}
	inst := rec.Intent.Instrument
	if rec.State == domain.IntentSubmissionUncertain && to != domain.IntentSubmissionUncertain {
		delete(c.blocked[inst], rec.Intent.ID)
		if len(c.blocked[inst]) == 0 {
			delete(c.blocked, inst)
			c.logger.Info("instrument unblocked", slog.String("instrument", inst.String()))
		}
	}
	// Orders that never reached the exchange give back their window slot.
	if to == domain.IntentRejectedByExchange || (to == domain.IntentCancelled && rec.State == domain.IntentRiskAccepted) {
		c.forgetActivityLocked(rec.Intent)
	}
	if to == domain.IntentSubmissionUncertain {
		if c.blocked[inst] == nil {
			c.blocked[inst] = make(map[string]struct{})
		}
		c.blocked[inst][rec.Intent.ID] = struct{}{}
	}
	c.logger.Debug("intent state",
		slog.String("intent_id", rec.Intent.ID),
		slog.String("from", string(rec.State)),
		slog.String("to", string(to)),
	)
	rec.State = to
	rec.UpdatedAt = c.now()
	if open(to) {
		c.open[rec.Intent.ID] = rec
	} else {
		delete(c.open, rec.Intent.ID)
	}
	c.queued = append(c.queued, *rec)
	return nil
}

// applyAckLocked applies a submission response or status query result.
func (c *Coordinator) applyAckLocked(rec *domain.IntentRecord, ack domain.OrderAck) error {
	if ack.ExchangeOrderID != "" {
		rec.ExchangeOrderID = ack.ExchangeOrderID
	}
	if ack.Message != "" {
		rec.Message = ack.Message
	}
	preAck := rec.State == domain.IntentSubmitted || rec.State == domain.IntentSubmissionUncertain

	switch ack.Status {
	case domain.OrderStatusRejected, domain.OrderStatusNotFound:
		if preAck {
			return c.moveLocked(rec, domain.IntentRejectedByExchange)
		}
		return nil
	}

	if preAck {
		if err := c.moveLocked(rec, domain.IntentAcked); err != nil {
			return err
		}
	}
	var errs []error
	for _, f := range ack.Fills {
		if err := c.applyFillLocked(rec, f); err != nil {
			errs = append(errs, err)
		}
	}
	if ack.Status == domain.OrderStatusCancelled && open(rec.State) {
		errs = append(errs, c.moveLocked(rec, domain.IntentCancelled))
	}
	if ack.Status == domain.OrderStatusFilled && rec.State != domain.IntentFilled {
		c.logger.Warn("exchange reports filled before all fills arrived",
			slog.String("intent_id", rec.Intent.ID),
			slog.String("exchange_filled", ack.FilledQuantity.String()),
			slog.String("local_filled", rec.FilledQuantity.String()),
		)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) applyFillLocked(rec *domain.IntentRecord, f domain.Fill) error {
	in := rec.Intent
	if f.IntentID == "" {
		f.IntentID = in.ID
	}
	if f.Instrument.IsZero() {
		f.Instrument = in.Instrument
	}
	if f.Side == "" {
		f.Side = in.Side
	}
	if f.Time.IsZero() {
		f.Time = c.now()
	}
	if in.Risk.Margin {
		f.Margin = true
		if !f.Leverage.IsPositive() {
			f.Leverage = in.Risk.Leverage
		}
	}
	if f.Instrument != in.Instrument || f.Side != in.Side {
		return fmt.Errorf("executor: fill %s does not match intent %s: %w", f.FillID, in.ID, domain.ErrInvalidFill)
	}

	if _, err := c.ledger.ApplyFill(f); err != nil {
		if errors.Is(err, domain.ErrDuplicateFill) {
			return nil
		}
		c.logger.Error("applying fill failed",
			slog.String("intent_id", in.ID),
			slog.String("fill_id", f.FillID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("executor: intent %s: %w", in.ID, err)
	}

	prev := rec.FilledQuantity
	total := prev.Add(f.Quantity)
	rec.AvgFillPrice = rec.AvgFillPrice.Mul(prev).Add(f.Notional()).Div(total)
	rec.FilledQuantity = total

	if !open(rec.State) {
		c.logger.Warn("fill after terminal state",
			slog.String("intent_id", in.ID),
			slog.String("state", string(rec.State)),
			slog.String("fill_id", f.FillID),
		)
		rec.UpdatedAt = c.now()
		c.queued = append(c.queued, *rec)
		return nil
	}
	if rec.State == domain.IntentSubmitted {
		if err := c.moveLocked(rec, domain.IntentAcked); err != nil {
			return err
		}
	}
	to := domain.IntentPartiallyFilled
	if total.GreaterThanOrEqual(in.Quantity) {
		to = domain.IntentFilled
	}
	return c.moveLocked(rec, to)
}

// pendingLocked sums the open quantity of in-flight intents.
func (c *Coordinator) pendingLocked() map[domain.InstrumentKey]domain.PendingExposure {
	out := make(map[domain.InstrumentKey]domain.PendingExposure, len(c.open))
	for _, r := range c.open {
		q := r.OpenQuantity()
		if q.IsZero() {
			continue
		}
		p := out[r.Intent.Instrument]
		p.Quantity = p.Quantity.Add(q.Mul(r.Intent.Side.Sign()))
		p.Notional = p.Notional.Add(q.Mul(r.Intent.ValuationPrice()))
		if r.Intent.Side == domain.OrderSideSell {
			p.Sells = p.Sells.Add(q)
		}
		out[r.Intent.Instrument] = p
	}
	return out
}

// activityLocked prunes and returns the strategy's window as of the intent.
func (c *Coordinator) activityLocked(intent domain.TradeIntent) domain.StrategyActivity {
	entries := c.activity[intent.StrategyID]
	if w := c.limits.StrategyWindow; w > 0 {
		cutoff := intent.CreatedAt.Add(-w)
		i := 0
		for i < len(entries) && entries[i].At.Before(cutoff) {
			i++
		}
		entries = entries[i:]
		c.activity[intent.StrategyID] = entries
	}
	return domain.StrategyActivity{StrategyID: intent.StrategyID, Accepted: append([]domain.ActivityEntry(nil), entries...)}
}

func (c *Coordinator) forgetActivityLocked(intent domain.TradeIntent) {
	entries := c.activity[intent.StrategyID]
	for i, e := range entries {
		if e.IntentID == intent.ID {
			c.activity[intent.StrategyID] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// unlockAndNotify releases c.mu and then delivers queued records.
func (c *Coordinator) unlockAndNotify() {
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()
	for _, r := range queued {
		for _, fn := range c.listeners {
			fn(r)
		}
	}
}

func validateIntent(in domain.TradeIntent) error {
	switch {
	case in.Instrument.IsZero():
		return fmt.Errorf("executor: intent %s: missing instrument: %w", in.ID, domain.ErrInvalidIntent)
	case !in.Side.Valid():
		return fmt.Errorf("executor: intent %s: side %q: %w", in.ID, in.Side, domain.ErrInvalidIntent)
	case !in.Quantity.IsPositive():
		return fmt.Errorf("executor: intent %s: quantity must be positive: %w", in.ID, domain.ErrInvalidIntent)
	case in.Price.IsNegative():
		return fmt.Errorf("executor: intent %s: negative price: %w", in.ID, domain.ErrInvalidIntent)
	case in.Risk.Leverage.IsNegative():
		return fmt.Errorf("executor: intent %s: negative leverage: %w", in.ID, domain.ErrInvalidIntent)
	}
	return nil
}

func orderRequest(in domain.TradeIntent) domain.OrderRequest {
	typ := domain.OrderTypeLimit
	if in.IsMarket() {
		typ = domain.OrderTypeMarket
	}
	lev := in.Risk.Leverage
	if in.Risk.Margin && !lev.IsPositive() {
		lev = decimal.NewFromInt(1)
	}
	return domain.OrderRequest{
		ClientOrderID: in.ID,
		Instrument:    in.Instrument,
		Side:          in.Side,
		Type:          typ,
		Quantity:      in.Quantity,
		Price:         in.Price,
		Margin:        in.Risk.Margin,
		Leverage:      lev,
	}
}
