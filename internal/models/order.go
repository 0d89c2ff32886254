package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS ProductType = "MIS" // Intraday
	ProductCNC ProductType = "CNC" // Delivery
)

// OrderRequest is an order to submit to the broker.
type OrderRequest struct {
	Symbol   string
	Exchange Exchange
	Side     OrderSide
	Type     OrderType
	Product  ProductType
	Quantity int
	Price    decimal.Decimal // limit orders only
	Tag      string
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID  string
	Status   string
	Message  string
	PlacedAt time.Time
}

// AccountSummary is the account snapshot reported by the broker.
type AccountSummary struct {
	AccountID     string
	AvailableCash decimal.Decimal
	UsedMargin    decimal.Decimal
	NetEquity     decimal.Decimal
	IsPaper       bool
}
