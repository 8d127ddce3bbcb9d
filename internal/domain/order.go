package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether s is buy or sell.
func (s OrderSide) Valid() bool { return s == OrderSideBuy || s == OrderSideSell }

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the exchange-reported order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusNotFound        OrderStatus = "not_found"
)

// OrderRequest is what the coordinator sends to an exchange client. The
// client order id is the intent id so status can be queried after a timeout.
type OrderRequest struct {
	ClientOrderID string
	Instrument    InstrumentKey
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Margin        bool
	Leverage      decimal.Decimal
}

// OrderAck is the exchange response to a submission or a status query.
type OrderAck struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AvgPrice        decimal.Decimal
	Fills           []Fill
	Message         string
}

// Fill is one execution against an order.
type Fill struct {
	FillID     string          `json:"fill_id"`
	IntentID   string          `json:"intent_id"`
	OrderID    string          `json:"order_id"`
	Instrument InstrumentKey   `json:"instrument"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	Margin     bool            `json:"margin"`
	Leverage   decimal.Decimal `json:"leverage"`
	Time       time.Time       `json:"time"`
}

// Notional returns quantity times price.
func (f Fill) Notional() decimal.Decimal { return f.Quantity.Mul(f.Price) }
