package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the normalized exchange-side order state.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills can happen for this status.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// OrderRequest represents a new order to be submitted.
type OrderRequest struct {
	Symbol    string
	Side      string // "buy" or "sell"
	Type      string // "limit", "stop-limit"
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	StopPrice decimal.Decimal // trigger price for stop-limit orders
}

// Order mirrors the exchange-side order state.
type Order struct {
	OrderID   string
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Timestamp time.Time
	Symbol    string
	Side      string
	Type      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	UpdatedAt time.Time
}

// Balance holds the available funds for a single asset.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	Total     decimal.Decimal
}

// MarketRules are the exchange-imposed constraints for a symbol.
type MarketRules struct {
	Symbol         string
	LotSize        decimal.Decimal // minimum quantity step
	MinNotional    decimal.Decimal // minimum order value in quote asset
	PricePrecision int32           // decimal places for prices
}
