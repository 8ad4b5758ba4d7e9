package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"cryptoguard/logger"
)

// Request weights of the USDⓈ-M futures endpoints used here.
const (
	WeightOpenOrders   = 40
	WeightPositionRisk = 5
	WeightBalance      = 5
	WeightTickerPrices = 2
	WeightServerTime   = 1
)

// BinanceREST wraps the go-binance futures client.
type BinanceREST struct {
	client *futures.Client
	signed []futures.RequestOption
	log    *logger.Log
}

// BinanceRESTOptions configures a client; empty fields keep the library
// defaults.
type BinanceRESTOptions struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Testnet    bool
	Timeout    time.Duration
	RecvWindow int64
}

func NewBinanceREST(opts BinanceRESTOptions) *BinanceREST {
	if opts.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(opts.APIKey, opts.APISecret)
	if opts.BaseURL != "" {
		client.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	b := &BinanceREST{client: client, log: logger.GetLogger()}
	if opts.RecvWindow > 0 {
		b.signed = append(b.signed, futures.WithRecvWindow(opts.RecvWindow))
	}
	return b
}

// Client exposes the underlying go-binance client for exchange-info lookups.
func (b *BinanceREST) Client() *futures.Client {
	return b.client
}

func (b *BinanceREST) GetOpenOrders(ctx context.Context) ([]json.RawMessage, error) {
	orders, err := b.client.NewListOpenOrdersService().Do(ctx, b.signed...)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return rawElements(orders)
}

func (b *BinanceREST) GetPositions(ctx context.Context) ([]json.RawMessage, error) {
	positions, err := b.client.NewGetPositionRiskService().Do(ctx, b.signed...)
	if err != nil {
		return nil, fmt.Errorf("get position risk: %w", err)
	}
	return rawElements(positions)
}

// GetQuoteAvailable returns the available balance of one asset, zero when
// the account holds none.
func (b *BinanceREST) GetQuoteAvailable(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx, b.signed...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	for _, bal := range balances {
		if bal == nil || !strings.EqualFold(bal.Asset, asset) {
			continue
		}
		v, err := decimal.NewFromString(bal.AvailableBalance)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse %s available balance %q: %w", asset, bal.AvailableBalance, err)
		}
		return v, nil
	}
	return decimal.Zero, nil
}

func (b *BinanceREST) GetTickerPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(s)] = struct{}{}
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, p := range prices {
		if p == nil {
			continue
		}
		if _, ok := wanted[p.Symbol]; !ok && len(wanted) > 0 {
			continue
		}
		v, err := decimal.NewFromString(p.Price)
		if err != nil {
			b.log.WithComponent("binance_rest").WithFields(logger.Fields{"symbol": p.Symbol, "price": p.Price}).Debug("skipping unparsable price")
			continue
		}
		out[p.Symbol] = v
	}
	return out, nil
}

// ServerTime returns the exchange clock.
func (b *BinanceREST) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func rawElements[T any](items []*T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		data, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot element: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}
