package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownEnum is returned when an exchange value has no mapping.
var ErrUnknownEnum = errors.New("models: unknown enum value")

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func ParseOrderSide(s string) (OrderSide, error) {
	switch side := OrderSide(strings.ToUpper(strings.TrimSpace(s))); side {
	case SideBuy, SideSell:
		return side, nil
	}
	return "", fmt.Errorf("%w: side %q", ErrUnknownEnum, s)
}

type OrderType string

const (
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeStop               OrderType = "STOP"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTakeProfit         OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

var orderTypes = map[OrderType]struct{}{
	OrderTypeLimit: {}, OrderTypeMarket: {}, OrderTypeStop: {}, OrderTypeStopMarket: {},
	OrderTypeTakeProfit: {}, OrderTypeTakeProfitMarket: {}, OrderTypeTrailingStopMarket: {},
}

func ParseOrderType(s string) (OrderType, error) {
	t := OrderType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := orderTypes[t]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: order type %q", ErrUnknownEnum, s)
}

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceGTX TimeInForce = "GTX"
	TimeInForceGTD TimeInForce = "GTD"
)

// ParseTimeInForce falls back to GTC for unknown or missing values.
func ParseTimeInForce(s string) TimeInForce {
	switch t := TimeInForce(strings.ToUpper(strings.TrimSpace(s))); t {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForceGTX, TimeInForceGTD:
		return t
	}
	return TimeInForceGTC
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case OrderStatusNew, OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("%w: order status %q", ErrUnknownEnum, s)
}

type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// ParsePositionSide falls back to BOTH.
func ParsePositionSide(s string) PositionSide {
	switch p := PositionSide(strings.ToUpper(strings.TrimSpace(s))); p {
	case PositionSideLong, PositionSideShort, PositionSideBoth:
		return p
	}
	return PositionSideBoth
}

// Order is the cached mirror of one exchange order.
type Order struct {
	OrderID       int64           `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	ReduceOnly    bool            `json:"reduce_only"`
	PositionSide  PositionSide    `json:"position_side"`
	ClientOrderID string          `json:"client_order_id"`
	Status        OrderStatus     `json:"status"`
	UpdateTime    time.Time       `json:"update_time"`
}

// SameState compares the fields reconciliation cares about.
func (o Order) SameState(other Order) bool {
	return o.Status == other.Status &&
		o.Quantity.Equal(other.Quantity) &&
		o.Price.Equal(other.Price) &&
		o.StopPrice.Equal(other.StopPrice) &&
		o.TimeInForce == other.TimeInForce &&
		o.Type == other.Type
}
