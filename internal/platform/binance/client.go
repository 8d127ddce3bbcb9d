// Package binance connects the core to Binance USDⓈ-M futures: a REST
// client for orders, positions, depth snapshots and klines, and the stream
// codec for market data.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

const testnetURL = "https://testnet.binancefuture.com"

// Error codes after which the order may or may not have been accepted.
var uncertainCodes = map[int64]bool{
	-1000: true, // unknown error
	-1001: true, // disconnected
	-1006: true, // unexpected response
	-1007: true, // timeout waiting for backend
}

const codeUnknownOrder = -2013

// depthLimits are the snapshot sizes the depth endpoint accepts.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// Client implements domain.ExchangeClient, BookSnapshotFetcher and
// CandleFetcher against the futures REST API.
type Client struct {
	exchange domain.ExchangeID
	api      *futures.Client
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	leverage map[string]int
	reported map[int64]reported // cumulative execution already turned into fills
}

type reported struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

var (
	_ domain.ExchangeClient      = (*Client)(nil)
	_ domain.BookSnapshotFetcher = (*Client)(nil)
	_ domain.CandleFetcher       = (*Client)(nil)
)

// NewClient creates a REST client. Market data endpoints work without keys.
func NewClient(exchange domain.ExchangeID, apiKey, secretKey string, testnet bool, logger *slog.Logger) *Client {
	api := futures.NewClient(apiKey, secretKey)
	if testnet {
		api.BaseURL = testnetURL
	}
	return &Client{
		exchange: exchange,
		api:      api,
		logger:   logger.With(slog.String("component", "binance"), slog.String("exchange", string(exchange))),
		now:      time.Now,
		leverage: make(map[string]int),
		reported: make(map[int64]reported),
	}
}

// FetchPositions returns every non-flat position.
func (c *Client) FetchPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	risks, err := c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: position risk: %w", err)
	}
	out := make([]domain.ExchangePosition, 0, len(risks))
	for _, r := range risks {
		qty, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || qty.IsZero() {
			continue
		}
		out = append(out, domain.ExchangePosition{
			Instrument:       domain.NewInstrumentKey(string(c.exchange), r.Symbol),
			Kind:             domain.PositionMargin,
			Quantity:         qty,
			EntryPrice:       dec(r.EntryPrice),
			MarkPrice:        dec(r.MarkPrice),
			Leverage:         dec(r.Leverage),
			LiquidationPrice: dec(r.LiquidationPrice),
			Collateral:       dec(r.IsolatedMargin),
		})
	}
	return out, nil
}

// SubmitOrder places an order keyed by the client order id. Definite
// exchange refusals wrap ErrExchangeRejected; anything else is returned as
// is and treated as uncertain by the caller.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	sym := req.Instrument.Symbol
	if req.Margin && req.Leverage.IsPositive() {
		if err := c.ensureLeverage(ctx, sym, int(req.Leverage.IntPart())); err != nil {
			return domain.OrderAck{}, err
		}
	}

	side := futures.SideTypeBuy
	if req.Side == domain.OrderSideSell {
		side = futures.SideTypeSell
	}
	svc := c.api.NewCreateOrderService().
		Symbol(sym).
		Side(side).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)
	if req.Type == domain.OrderTypeMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(futures.TimeInForceTypeGTC).Price(req.Price.String())
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return domain.OrderAck{}, classify("create order", err)
	}
	c.logger.Info("order placed",
		slog.String("client_order_id", res.ClientOrderID),
		slog.Int64("order_id", res.OrderID),
		slog.String("status", string(res.Status)),
	)
	return c.ack(req.Instrument, req.Side, res.OrderID, res.ClientOrderID, res.Status, res.ExecutedQuantity, res.AvgPrice), nil
}

// CancelOrder cancels by client order id.
func (c *Client) CancelOrder(ctx context.Context, inst domain.InstrumentKey, clientOrderID string) error {
	_, err := c.api.NewCancelOrderService().Symbol(inst.Symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return classify("cancel order", err)
	}
	return nil
}

// FetchOrderStatus queries an order by client order id. Orders the exchange
// does not know return ErrNotFound.
func (c *Client) FetchOrderStatus(ctx context.Context, inst domain.InstrumentKey, clientOrderID string) (domain.OrderAck, error) {
	o, err := c.api.NewGetOrderService().Symbol(inst.Symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return domain.OrderAck{}, classify("get order", err)
	}
	side := domain.OrderSideBuy
	if o.Side == futures.SideTypeSell {
		side = domain.OrderSideSell
	}
	return c.ack(inst, side, o.OrderID, o.ClientOrderID, o.Status, o.ExecutedQuantity, o.AvgPrice), nil
}

// FetchBookSnapshot returns a full depth snapshot. LastSeq is the
// snapshot's lastUpdateId.
func (c *Client) FetchBookSnapshot(ctx context.Context, inst domain.InstrumentKey, depth int) (domain.BookUpdate, error) {
	res, err := c.api.NewDepthService().Symbol(inst.Symbol).Limit(depthLimit(depth)).Do(ctx)
	if err != nil {
		return domain.BookUpdate{}, fmt.Errorf("binance: depth %s: %w", inst.Symbol, err)
	}
	u := domain.BookUpdate{
		Snapshot: true,
		LastSeq:  res.LastUpdateID,
		Bids:     make([]domain.PriceLevel, 0, len(res.Bids)),
		Asks:     make([]domain.PriceLevel, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		lv, err := level(b.Price, b.Quantity)
		if err != nil {
			return domain.BookUpdate{}, fmt.Errorf("binance: depth %s: %w", inst.Symbol, err)
		}
		u.Bids = append(u.Bids, lv)
	}
	for _, a := range res.Asks {
		lv, err := level(a.Price, a.Quantity)
		if err != nil {
			return domain.BookUpdate{}, fmt.Errorf("binance: depth %s: %w", inst.Symbol, err)
		}
		u.Asks = append(u.Asks, lv)
	}
	return u, nil
}

// FetchCandles returns closed klines opening at or after since.
func (c *Client) FetchCandles(ctx context.Context, inst domain.InstrumentKey, tf domain.Timeframe, since time.Time, limit int) ([]domain.Candle, error) {
	if !intervals[tf] {
		return nil, fmt.Errorf("binance: interval %s: %w", tf, domain.ErrUnknownChannel)
	}
	svc := c.api.NewKlinesService().Symbol(inst.Symbol).Interval(string(tf)).Limit(limit)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", inst.Symbol, tf, err)
	}
	now := c.now()
	out := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		open := time.UnixMilli(k.OpenTime).UTC()
		closeAt := open.Add(tf.Duration())
		if closeAt.After(now) {
			continue
		}
		vals, err := parseFloats(k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, fmt.Errorf("binance: kline %s: %w", inst.Symbol, err)
		}
		out = append(out, domain.Candle{
			Timeframe: tf,
			OpenTime:  open,
			CloseTime: closeAt,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
			Trades:    int(k.TradeNum),
			Closed:    true,
		})
	}
	return out, nil
}

func (c *Client) ensureLeverage(ctx context.Context, sym string, lev int) error {
	if lev < 1 {
		lev = 1
	}
	c.mu.Lock()
	cur := c.leverage[sym]
	c.mu.Unlock()
	if cur == lev {
		return nil
	}
	if _, err := c.api.NewChangeLeverageService().Symbol(sym).Leverage(lev).Do(ctx); err != nil {
		// The order was never sent.
		return fmt.Errorf("binance: set leverage %s x%d: %v: %w", sym, lev, err, domain.ErrExchangeRejected)
	}
	c.mu.Lock()
	c.leverage[sym] = lev
	c.mu.Unlock()
	return nil
}

// ack converts an order report. Binance reports cumulative execution, so a
// fill is emitted only for quantity not already reported, with the price
// implied by the change in average price.
func (c *Client) ack(inst domain.InstrumentKey, side domain.OrderSide, orderID int64, clientID string, status futures.OrderStatusType, executed, avg string) domain.OrderAck {
	cum, avgPrice := dec(executed), dec(avg)
	a := domain.OrderAck{
		ExchangeOrderID: strconv.FormatInt(orderID, 10),
		ClientOrderID:   clientID,
		Status:          mapStatus(status),
		FilledQuantity:  cum,
		AvgPrice:        avgPrice,
	}

	c.mu.Lock()
	prev := c.reported[orderID]
	delta := cum.Sub(prev.qty)
	if delta.IsPositive() && avgPrice.IsPositive() {
		price := avgPrice.Mul(cum).Sub(prev.avg.Mul(prev.qty)).Div(delta)
		a.Fills = append(a.Fills, domain.Fill{
			FillID:     fmt.Sprintf("%d-%s", orderID, cum.String()),
			IntentID:   clientID,
			OrderID:    a.ExchangeOrderID,
			Instrument: inst,
			Side:       side,
			Quantity:   delta,
			Price:      price,
			Time:       c.now(),
		})
		c.reported[orderID] = reported{qty: cum, avg: avgPrice}
	}
	if a.Status == domain.OrderStatusFilled || a.Status == domain.OrderStatusCancelled || a.Status == domain.OrderStatusRejected {
		delete(c.reported, orderID)
	}
	c.mu.Unlock()
	return a
}

func mapStatus(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return domain.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusNew
}

// classify wraps definite API refusals in ErrExchangeRejected and unknown
// orders in ErrNotFound. Transport errors and ambiguous codes pass through.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("binance: %s: %w", op, err)
	}
	switch {
	case apiErr.Code == codeUnknownOrder:
		return fmt.Errorf("binance: %s: %s: %w", op, apiErr.Message, domain.ErrNotFound)
	case uncertainCodes[apiErr.Code]:
		return fmt.Errorf("binance: %s: %w", op, err)
	}
	return fmt.Errorf("binance: %s: code %d %s: %w", op, apiErr.Code, apiErr.Message, domain.ErrExchangeRejected)
}

func depthLimit(n int) int {
	for _, l := range depthLimits {
		if n <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}

func level(price, qty string) (domain.PriceLevel, error) {
	p, err := parseFloat(price)
	if err != nil {
		return domain.PriceLevel{}, err
	}
	q, err := parseFloat(qty)
	if err != nil {
		return domain.PriceLevel{}, err
	}
	return domain.PriceLevel{Price: p, Size: q}, nil
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
