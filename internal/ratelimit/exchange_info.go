package ratelimit

import (
	"context"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"cryptoguard/logger"
)

// ExchangeInfoClient is the part of the go-binance client used for limit
// discovery.
type ExchangeInfoClient interface {
	NewExchangeInfoService() *futures.ExchangeInfoService
}

// FetchLimits reads the REQUEST_WEIGHT and ORDERS ceilings from exchange
// info. Missing entries are returned as 0.
func FetchLimits(ctx context.Context, client ExchangeInfoClient) (weightPerMin, ordersPerMin, ordersPer10s int64, err error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, rl := range info.RateLimits {
		switch {
		case rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" && rl.IntervalNum <= 1:
			weightPerMin = rl.Limit
		case rl.RateLimitType == "ORDERS" && rl.Interval == "MINUTE" && rl.IntervalNum <= 1:
			ordersPerMin = rl.Limit
		case rl.RateLimitType == "ORDERS" && rl.Interval == "SECOND" && rl.IntervalNum == 10:
			ordersPer10s = rl.Limit
		}
	}
	return weightPerMin, ordersPerMin, ordersPer10s, nil
}

// SeedAnalyzer overrides the analyzer ceilings with any limit the exchange
// reports.
func SeedAnalyzer(a Analyzer, weightPerMin, ordersPerMin, ordersPer10s int64) Analyzer {
	if weightPerMin > 0 {
		a.WeightLimitPerMin = int(weightPerMin)
	}
	if ordersPerMin > 0 {
		a.OrderLimitPerMin = int(ordersPerMin)
	}
	if ordersPer10s > 0 {
		a.OrderLimitPer10s = int(ordersPer10s)
	}
	return a
}

// WSWeightTracker counts outgoing websocket frames per one-second window
// and connection handshakes.
type WSWeightTracker struct {
	mu       sync.Mutex
	window   time.Time
	msgs     int
	attempts int
}

func NewWSWeightTracker() *WSWeightTracker {
	return &WSWeightTracker{window: time.Now()}
}

// RegisterOutgoing records n outgoing client frames.
func (t *WSWeightTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
}

func (t *WSWeightTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns frames sent in the current second and total handshakes.
func (t *WSWeightTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs, t.attempts
}

// ReportWSWeight emits the tracker counters as metrics.
func ReportWSWeight(log *logger.Log, t *WSWeightTracker) {
	msgs, attempts := t.Stats()
	l := log.WithComponent("binance_stream")
	l.LogMetric("binance_stream", "outgoing_messages", int64(msgs), "gauge", nil)
	l.LogMetric("binance_stream", "connection_attempts", int64(attempts), "counter", nil)
}
