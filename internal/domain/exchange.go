package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeClient is the order and account side of one exchange.
type ExchangeClient interface {
	FetchPositions(ctx context.Context) ([]ExchangePosition, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, instrument InstrumentKey, clientOrderID string) error
	FetchOrderStatus(ctx context.Context, instrument InstrumentKey, clientOrderID string) (OrderAck, error)
}

// BookSnapshotFetcher returns a full order book used to resynchronize after
// a sequence gap.
type BookSnapshotFetcher interface {
	FetchBookSnapshot(ctx context.Context, instrument InstrumentKey, depth int) (BookUpdate, error)
}

// CandleFetcher returns closed historical candles used to backfill a series.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, instrument InstrumentKey, tf Timeframe, since time.Time, limit int) ([]Candle, error)
}

// LiquidationModel computes an exchange-specific liquidation price. Ledgers
// fall back to an isolated-margin approximation when none is registered.
type LiquidationModel interface {
	LiquidationPrice(pos Position) (price, maintenance decimal.Decimal, ok bool)
}
