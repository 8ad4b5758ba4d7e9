package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the cached mirror of one open position. Quantity is signed on
// one-way accounts; Side carries the hedge-mode leg.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage"`
	UpdateTime    time.Time       `json:"update_time"`
}

// Key identifies the position in a session cache: the symbol on one-way
// accounts, symbol and leg in hedge mode.
func (p Position) Key() string {
	if p.Side == "" || p.Side == PositionSideBoth {
		return p.Symbol
	}
	return p.Symbol + ":" + string(p.Side)
}

// Closed reports a zero quantity.
func (p Position) Closed() bool {
	return p.Quantity.IsZero()
}

func (p Position) SameState(other Position) bool {
	return p.Quantity.Equal(other.Quantity) &&
		p.EntryPrice.Equal(other.EntryPrice) &&
		p.MarkPrice.Equal(other.MarkPrice) &&
		p.UnrealizedPnL.Equal(other.UnrealizedPnL)
}

// Balance is the available amount of one quote asset.
type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Timestamp time.Time       `json:"timestamp"`
}

// Tick is the generic price update forwarded to stream subscribers.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}
