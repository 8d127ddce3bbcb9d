// Package paper is an in-process exchange that fills orders against live
// quotes from the market data hub.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

type order struct {
	req      domain.OrderRequest
	id       int64
	status   domain.OrderStatus
	filled   decimal.Decimal
	avgPrice decimal.Decimal
}

func (o *order) ack() domain.OrderAck {
	return domain.OrderAck{
		ExchangeOrderID: strconv.FormatInt(o.id, 10),
		ClientOrderID:   o.req.ClientOrderID,
		Status:          o.status,
		FilledQuantity:  o.filled,
		AvgPrice:        o.avgPrice,
	}
}

type quote struct {
	bid, ask decimal.Decimal
}

type holding struct {
	qty      decimal.Decimal
	entry    decimal.Decimal
	margin   bool
	leverage decimal.Decimal
}

// Exchange implements domain.ExchangeClient. Market orders fill in full at
// the touch; limit orders fill at the touch when marketable and otherwise
// rest until a quote crosses them.
type Exchange struct {
	id      domain.ExchangeID
	feeRate decimal.Decimal
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	seq      int64
	quotes   map[domain.InstrumentKey]quote
	orders   map[string]*order
	holdings map[domain.InstrumentKey]*holding
	onFill   func(domain.Fill)
}

var _ domain.ExchangeClient = (*Exchange)(nil)

// New creates a paper exchange charging feeRate on every fill's notional.
func New(id domain.ExchangeID, feeRate decimal.Decimal, logger *slog.Logger) *Exchange {
	return &Exchange{
		id:       id,
		feeRate:  feeRate,
		logger:   logger.With(slog.String("component", "paper"), slog.String("exchange", string(id))),
		now:      time.Now,
		quotes:   make(map[domain.InstrumentKey]quote),
		orders:   make(map[string]*order),
		holdings: make(map[domain.InstrumentKey]*holding),
	}
}

// OnFill registers the receiver for fills of resting orders. Fills from a
// submission are returned in its ack instead.
func (e *Exchange) OnFill(fn func(domain.Fill)) {
	e.mu.Lock()
	e.onFill = fn
	e.mu.Unlock()
}

// Quote records the touch for inst and fills any resting orders it crosses.
func (e *Exchange) Quote(inst domain.InstrumentKey, t domain.Ticker) {
	if t.Bid <= 0 || t.Ask <= 0 {
		return
	}
	q := quote{bid: decimal.NewFromFloat(t.Bid), ask: decimal.NewFromFloat(t.Ask)}

	e.mu.Lock()
	e.quotes[inst] = q
	var fills []domain.Fill
	for _, o := range e.restingLocked(inst) {
		if px, ok := crossing(o.req, q); ok {
			fills = append(fills, e.fillLocked(o, px))
		}
	}
	fn := e.onFill
	e.mu.Unlock()

	if fn != nil {
		for _, f := range fills {
			fn(f)
		}
	}
}

// FetchPositions reports non-flat holdings valued at the current mid.
func (e *Exchange) FetchPositions(context.Context) ([]domain.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ExchangePosition, 0, len(e.holdings))
	for inst, h := range e.holdings {
		if h.qty.IsZero() {
			continue
		}
		p := domain.ExchangePosition{
			Instrument: inst,
			Kind:       domain.PositionSpot,
			Quantity:   h.qty,
			EntryPrice: h.entry,
		}
		if q, ok := e.quotes[inst]; ok {
			p.MarkPrice = q.bid.Add(q.ask).Div(decimal.NewFromInt(2))
		}
		if h.margin {
			p.Kind = domain.PositionMargin
			p.Leverage = h.leverage
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.String() < out[j].Instrument.String() })
	return out, nil
}

// SubmitOrder accepts or rejects an order immediately.
func (e *Exchange) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.orders[req.ClientOrderID]; dup {
		return domain.OrderAck{}, fmt.Errorf("paper: client order id %s reused: %w", req.ClientOrderID, domain.ErrExchangeRejected)
	}
	q, ok := e.quotes[req.Instrument]
	if !ok && req.Type == domain.OrderTypeMarket {
		return domain.OrderAck{}, fmt.Errorf("paper: no quote for %s: %w", req.Instrument, domain.ErrExchangeRejected)
	}

	e.seq++
	o := &order{req: req, id: e.seq, status: domain.OrderStatusNew}
	e.orders[req.ClientOrderID] = o

	a := o.ack()
	if ok {
		if px, crosses := crossing(req, q); crosses {
			f := e.fillLocked(o, px)
			a = o.ack()
			a.Fills = []domain.Fill{f}
		}
	}
	e.logger.Debug("order accepted",
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("status", string(a.Status)),
	)
	return a, nil
}

// CancelOrder cancels a resting order.
func (e *Exchange) CancelOrder(_ context.Context, _ domain.InstrumentKey, clientOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("paper: order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	if o.status != domain.OrderStatusNew && o.status != domain.OrderStatusPartiallyFilled {
		return fmt.Errorf("paper: order %s is %s: %w", clientOrderID, o.status, domain.ErrExchangeRejected)
	}
	o.status = domain.OrderStatusCancelled
	return nil
}

// FetchOrderStatus reports an order by client order id.
func (e *Exchange) FetchOrderStatus(_ context.Context, _ domain.InstrumentKey, clientOrderID string) (domain.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("paper: order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	return o.ack(), nil
}

func (e *Exchange) restingLocked(inst domain.InstrumentKey) []*order {
	var out []*order
	for _, o := range e.orders {
		if o.req.Instrument == inst && o.status == domain.OrderStatusNew {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// fillLocked fills the rest of o at px and updates the holding.
func (e *Exchange) fillLocked(o *order, px decimal.Decimal) domain.Fill {
	qty := o.req.Quantity.Sub(o.filled)
	o.filled = o.req.Quantity
	o.avgPrice = px
	o.status = domain.OrderStatusFilled

	h, ok := e.holdings[o.req.Instrument]
	if !ok {
		h = &holding{}
		e.holdings[o.req.Instrument] = h
	}
	signed := qty.Mul(o.req.Side.Sign())
	next := h.qty.Add(signed)
	switch {
	case h.qty.IsZero() || h.qty.Sign() == signed.Sign():
		h.entry = h.entry.Mul(h.qty.Abs()).Add(px.Mul(qty)).Div(next.Abs())
	case next.Sign() == signed.Sign():
		h.entry = px
	}
	h.qty = next
	h.margin = o.req.Margin
	h.leverage = o.req.Leverage

	return domain.Fill{
		FillID:     fmt.Sprintf("paper-%d", o.id),
		IntentID:   o.req.ClientOrderID,
		OrderID:    strconv.FormatInt(o.id, 10),
		Instrument: o.req.Instrument,
		Side:       o.req.Side,
		Quantity:   qty,
		Price:      px,
		Fee:        px.Mul(qty).Mul(e.feeRate),
		Margin:     o.req.Margin,
		Leverage:   o.req.Leverage,
		Time:       e.now(),
	}
}

// crossing returns the execution price when req is marketable against q.
func crossing(req domain.OrderRequest, q quote) (decimal.Decimal, bool) {
	switch req.Side {
	case domain.OrderSideBuy:
		if req.Type == domain.OrderTypeMarket || req.Price.GreaterThanOrEqual(q.ask) {
			return q.ask, true
		}
	case domain.OrderSideSell:
		if req.Type == domain.OrderTypeMarket || req.Price.LessThanOrEqual(q.bid) {
			return q.bid, true
		}
	}
	return decimal.Zero, false
}
