package exchange

import (
	"context"
	"encoding/json"
	"errors"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// ErrNotConnected is returned when an operation needs a live stream
// connection and none is open.
var ErrNotConnected = errors.New("exchange: stream not connected")

// SubscriptionResult reports the outcome of one subscribe attempt. Handle is
// only meaningful when Success is true.
type SubscriptionResult struct {
	Success bool
	Handle  string
	Err     error
}

// KlineHandler receives every kline event for a subscription.
type KlineHandler func(event *futures.WsKlineEvent)

// StreamClient opens kline feeds over a shared streaming connection.
type StreamClient interface {
	SubscribeKlines(ctx context.Context, symbol, interval string, onMessage KlineHandler) (SubscriptionResult, error)
	Unsubscribe(ctx context.Context, handle string) error
}

// RESTClient returns authoritative account snapshots. Orders and positions
// come back raw so callers can parse element by element.
type RESTClient interface {
	GetOpenOrders(ctx context.Context) ([]json.RawMessage, error)
	GetPositions(ctx context.Context) ([]json.RawMessage, error)
	GetQuoteAvailable(ctx context.Context, asset string) (decimal.Decimal, error)
}

// PriceClient is the polling fallback used when streaming is disabled.
type PriceClient interface {
	GetTickerPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}
