// Package ledger holds the authoritative in-memory positions. Mutations are
// serialized per instrument; readers get immutable copy-on-write snapshots.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// CostPolicy selects how spot sells are matched against buys.
type CostPolicy string

const (
	CostAverage CostPolicy = "average"
	CostFIFO    CostPolicy = "fifo"
)

// Config configures a Ledger. Tolerances have no defaults.
type Config struct {
	CostPolicy        CostPolicy
	QuantityTolerance decimal.Decimal
	PriceTolerancePct decimal.Decimal
	MaintenanceRate   decimal.Decimal
	FillRetention     int
	InitialCollateral decimal.Decimal
}

const defaultFillRetention = 10000

var defaultMaintenanceRate = decimal.RequireFromString("0.005")

type lot struct {
	qty   decimal.Decimal
	price decimal.Decimal
}

type book struct {
	mu   sync.Mutex
	pos  *domain.Position
	lots []lot // fifo only, oldest first

	seen  map[string]struct{}
	order []string
}

func (b *book) current() domain.Position {
	if b.pos == nil {
		return domain.Position{}
	}
	return b.pos.Clone()
}

func (b *book) remember(id string, retain int) {
	b.seen[id] = struct{}{}
	b.order = append(b.order, id)
	if len(b.order) > retain {
		drop := len(b.order) - retain
		for _, old := range b.order[:drop] {
			delete(b.seen, old)
		}
		b.order = append(b.order[:0:0], b.order[drop:]...)
	}
}

// Ledger tracks spot and margin positions.
type Ledger struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	modelsMu sync.RWMutex
	models   map[domain.ExchangeID]domain.LiquidationModel

	booksMu sync.Mutex
	books   map[domain.InstrumentKey]*book

	pubMu      sync.Mutex
	collateral decimal.Decimal
	snap       atomic.Pointer[domain.LedgerSnapshot]
}

// New creates an empty ledger.
func New(cfg Config, logger *slog.Logger) (*Ledger, error) {
	switch cfg.CostPolicy {
	case "":
		cfg.CostPolicy = CostAverage
	case CostAverage, CostFIFO:
	default:
		return nil, fmt.Errorf("ledger: unknown cost policy %q", cfg.CostPolicy)
	}
	if cfg.QuantityTolerance.IsNegative() || cfg.PriceTolerancePct.IsNegative() {
		return nil, errors.New("ledger: tolerances must not be negative")
	}
	if !cfg.MaintenanceRate.IsPositive() {
		cfg.MaintenanceRate = defaultMaintenanceRate
	}
	if cfg.FillRetention <= 0 {
		cfg.FillRetention = defaultFillRetention
	}
	l := &Ledger{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ledger")),
		now:        time.Now,
		models:     make(map[domain.ExchangeID]domain.LiquidationModel),
		books:      make(map[domain.InstrumentKey]*book),
		collateral: cfg.InitialCollateral,
	}
	l.snap.Store(&domain.LedgerSnapshot{
		TakenAt:             l.now(),
		Positions:           map[domain.InstrumentKey]domain.Position{},
		AvailableCollateral: cfg.InitialCollateral,
	})
	return l, nil
}

// RegisterLiquidationModel installs an exchange-specific liquidation model.
func (l *Ledger) RegisterLiquidationModel(exchange domain.ExchangeID, m domain.LiquidationModel) {
	l.modelsMu.Lock()
	defer l.modelsMu.Unlock()
	l.models[exchange] = m
}

// Snapshot returns the current consistent view. The maps must not be modified.
func (l *Ledger) Snapshot() domain.LedgerSnapshot { return *l.snap.Load() }

// Position returns a copy of one position.
func (l *Ledger) Position(key domain.InstrumentKey) (domain.Position, bool) {
	p, ok := l.snap.Load().Positions[key]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// Positions returns every position sorted by instrument.
func (l *Ledger) Positions() []domain.Position {
	list := l.snap.Load().List()
	sort.Slice(list, func(i, j int) bool { return list[i].Instrument.String() < list[j].Instrument.String() })
	for i := range list {
		list[i] = list[i].Clone()
	}
	return list
}

// SetCollateralBase sets the margin account balance that collateral use and
// realized margin P&L are measured against, e.g. from an exchange balance.
func (l *Ledger) SetCollateralBase(v decimal.Decimal) {
	l.pubMu.Lock()
	l.collateral = v
	l.pubMu.Unlock()
	l.publish(nil)
}

// ApplyFill applies one execution. Fills are idempotent by FillID: a repeat
// returns ErrDuplicateFill and leaves the ledger untouched. A fill that
// would take a spot position below zero returns ErrPositionUnderflow and is
// not applied.
func (l *Ledger) ApplyFill(f domain.Fill) (domain.Position, error) {
	if err := validateFill(f); err != nil {
		return domain.Position{}, err
	}
	b := l.bookFor(f.Instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seen[f.FillID]; dup {
		return b.current(), fmt.Errorf("ledger: fill %s: %w", f.FillID, domain.ErrDuplicateFill)
	}

	kind := domain.PositionSpot
	if f.Margin {
		kind = domain.PositionMargin
	}
	var next domain.Position
	switch {
	case b.pos == nil || (b.pos.IsFlat() && b.pos.Kind != kind):
		next = newPosition(f.Instrument, kind, f.Time)
	case b.pos.Kind != kind:
		return b.current(), fmt.Errorf("ledger: fill %s is %s but %s holds a %s position: %w",
			f.FillID, kind, f.Instrument, b.pos.Kind, domain.ErrInvalidFill)
	default:
		next = b.pos.Clone()
	}

	var lots []lot
	var err error
	if kind == domain.PositionSpot {
		lots, err = l.applySpot(&next, b.lots, f)
	} else {
		err = l.applyMargin(&next, f)
	}
	if err != nil {
		l.logger.Error("fill rejected",
			slog.String("fill_id", f.FillID),
			slog.String("instrument", f.Instrument.String()),
			slog.String("error", err.Error()),
		)
		return b.current(), err
	}

	next.Fees = next.Fees.Add(f.Fee)
	next.FillCount++
	next.UpdatedAt = f.Time
	updateUnrealized(&next)

	b.pos = &next
	b.lots = lots
	b.remember(f.FillID, l.cfg.FillRetention)
	l.publish(&next)

	l.logger.Debug("fill applied",
		slog.String("fill_id", f.FillID),
		slog.String("instrument", f.Instrument.String()),
		slog.String("side", string(f.Side)),
		slog.String("quantity", f.Quantity.String()),
		slog.String("price", f.Price.String()),
		slog.String("net", next.NetQuantity().String()),
	)
	return next.Clone(), nil
}

// Mark updates the mark price and unrealized P&L of an existing position.
func (l *Ledger) Mark(key domain.InstrumentKey, price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	l.booksMu.Lock()
	b, ok := l.books[key]
	l.booksMu.Unlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos == nil || b.pos.MarkPrice.Equal(price) {
		return false
	}
	next := b.pos.Clone()
	next.MarkPrice = price
	updateUnrealized(&next)
	b.pos = &next
	l.publish(&next)
	return true
}

// SeenFillIDs returns the retained fill ids for key, oldest first.
func (l *Ledger) SeenFillIDs(key domain.InstrumentKey) []string {
	l.booksMu.Lock()
	b, ok := l.books[key]
	l.booksMu.Unlock()
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Restore replaces the ledger contents with a persisted snapshot and the
// fill ids already applied to it.
func (l *Ledger) Restore(snap domain.LedgerSnapshot, fillIDs map[domain.InstrumentKey][]string) {
	l.booksMu.Lock()
	l.books = make(map[domain.InstrumentKey]*book, len(snap.Positions))
	for key, p := range snap.Positions {
		p := p.Clone()
		b := &book{pos: &p, seen: make(map[string]struct{})}
		if p.Kind == domain.PositionSpot && l.cfg.CostPolicy == CostFIFO && p.NetQuantity().IsPositive() {
			b.lots = []lot{{qty: p.NetQuantity(), price: p.EntryPrice}}
		}
		for _, id := range fillIDs[key] {
			b.remember(id, l.cfg.FillRetention)
		}
		l.books[key] = b
	}
	l.booksMu.Unlock()

	l.pubMu.Lock()
	positions := make(map[domain.InstrumentKey]domain.Position, len(snap.Positions))
	for k, p := range snap.Positions {
		positions[k] = p.Clone()
	}
	next := &domain.LedgerSnapshot{
		Version:   snap.Version,
		TakenAt:   l.now(),
		Positions: positions,
	}
	next.AvailableCollateral = l.available(positions)
	l.snap.Store(next)
	l.pubMu.Unlock()

	l.logger.Info("ledger restored", slog.Int("positions", len(positions)), slog.Uint64("version", snap.Version))
}

func (l *Ledger) bookFor(key domain.InstrumentKey) *book {
	l.booksMu.Lock()
	defer l.booksMu.Unlock()
	b, ok := l.books[key]
	if !ok {
		b = &book{seen: make(map[string]struct{})}
		l.books[key] = b
	}
	return b
}

// publish swaps in a new snapshot with pos replaced. Caller holds the
// instrument's book lock, so per-instrument publishes are ordered.
func (l *Ledger) publish(pos *domain.Position) {
	l.pubMu.Lock()
	defer l.pubMu.Unlock()
	cur := l.snap.Load()
	positions := cur.Positions
	if pos != nil {
		positions = make(map[domain.InstrumentKey]domain.Position, len(cur.Positions)+1)
		for k, p := range cur.Positions {
			positions[k] = p
		}
		positions[pos.Instrument] = pos.Clone()
	}
	l.snap.Store(&domain.LedgerSnapshot{
		Version:             cur.Version + 1,
		TakenAt:             l.now(),
		Positions:           positions,
		AvailableCollateral: l.available(positions),
	})
}

// available is the collateral base plus realized margin P&L net of fees,
// minus collateral locked by open margin positions. Caller holds pubMu.
func (l *Ledger) available(positions map[domain.InstrumentKey]domain.Position) decimal.Decimal {
	v := l.collateral
	for _, p := range positions {
		if p.Kind != domain.PositionMargin || p.Margin == nil {
			continue
		}
		v = v.Add(p.RealizedPnL).Sub(p.Fees).Sub(p.Margin.Collateral)
	}
	return v
}

func newPosition(key domain.InstrumentKey, kind domain.PositionKind, at time.Time) domain.Position {
	p := domain.Position{Instrument: key, Kind: kind, OpenedAt: at}
	if kind == domain.PositionSpot {
		p.Spot = &domain.SpotDetail{}
	} else {
		p.Margin = &domain.MarginDetail{}
	}
	return p
}

func validateFill(f domain.Fill) error {
	switch {
	case f.FillID == "":
		return fmt.Errorf("ledger: fill without id: %w", domain.ErrInvalidFill)
	case f.Instrument.IsZero():
		return fmt.Errorf("ledger: fill %s without instrument: %w", f.FillID, domain.ErrInvalidFill)
	case !f.Side.Valid():
		return fmt.Errorf("ledger: fill %s side %q: %w", f.FillID, f.Side, domain.ErrInvalidFill)
	case !f.Quantity.IsPositive() || !f.Price.IsPositive():
		return fmt.Errorf("ledger: fill %s quantity and price must be positive: %w", f.FillID, domain.ErrInvalidFill)
	case f.Fee.IsNegative():
		return fmt.Errorf("ledger: fill %s negative fee: %w", f.FillID, domain.ErrInvalidFill)
	}
	return nil
}

func updateUnrealized(p *domain.Position) {
	if !p.MarkPrice.IsPositive() || p.IsFlat() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = p.MarkPrice.Sub(p.EntryPrice).Mul(p.NetQuantity())
}
