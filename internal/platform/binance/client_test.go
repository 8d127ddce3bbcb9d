package binance

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

func TestAckEmitsIncrementalFills(t *testing.T) {
	c := NewClient("binance", "", "", false, slog.New(slog.DiscardHandler))

	a := c.ack(btc, domain.OrderSideBuy, 9, "i1", futures.OrderStatusTypeNew, "0", "0")
	assert.Equal(t, domain.OrderStatusNew, a.Status)
	assert.Empty(t, a.Fills)

	a = c.ack(btc, domain.OrderSideBuy, 9, "i1", futures.OrderStatusTypePartiallyFilled, "1", "100")
	require.Len(t, a.Fills, 1)
	assert.Equal(t, "9-1", a.Fills[0].FillID)
	assert.True(t, decimal.NewFromInt(1).Equal(a.Fills[0].Quantity))
	assert.True(t, decimal.NewFromInt(100).Equal(a.Fills[0].Price))

	// Same report again: nothing new.
	a = c.ack(btc, domain.OrderSideBuy, 9, "i1", futures.OrderStatusTypePartiallyFilled, "1", "100")
	assert.Empty(t, a.Fills)

	// 3 @ avg 110 after 1 @ 100 implies 2 @ 115.
	a = c.ack(btc, domain.OrderSideBuy, 9, "i1", futures.OrderStatusTypeFilled, "3", "110")
	assert.Equal(t, domain.OrderStatusFilled, a.Status)
	require.Len(t, a.Fills, 1)
	assert.True(t, decimal.NewFromInt(2).Equal(a.Fills[0].Quantity))
	assert.True(t, decimal.NewFromInt(115).Equal(a.Fills[0].Price), a.Fills[0].Price.String())
	assert.Equal(t, "i1", a.Fills[0].IntentID)
	assert.Equal(t, "9", a.ExchangeOrderID)
}

func TestClassify(t *testing.T) {
	err := classify("create order", &common.APIError{Code: -2019, Message: "Margin is insufficient."})
	assert.ErrorIs(t, err, domain.ErrExchangeRejected)

	err = classify("get order", &common.APIError{Code: -2013, Message: "Order does not exist."})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = classify("create order", &common.APIError{Code: -1007, Message: "Timeout waiting for response from backend server."})
	assert.NotErrorIs(t, err, domain.ErrExchangeRejected)

	err = classify("create order", errors.New("dial tcp: i/o timeout"))
	assert.NotErrorIs(t, err, domain.ErrExchangeRejected)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, domain.OrderStatusCancelled, mapStatus(futures.OrderStatusTypeExpired))
	assert.Equal(t, domain.OrderStatusRejected, mapStatus(futures.OrderStatusTypeRejected))
	assert.Equal(t, domain.OrderStatusPartiallyFilled, mapStatus(futures.OrderStatusTypePartiallyFilled))
}

func TestDepthLimit(t *testing.T) {
	assert.Equal(t, 5, depthLimit(1))
	assert.Equal(t, 50, depthLimit(25))
	assert.Equal(t, 1000, depthLimit(5000))
}
