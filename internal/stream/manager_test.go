package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoguard/internal/exchange"
	"cryptoguard/internal/models"
)

type fakeStream struct {
	mu           sync.Mutex
	failures     int // attempts to fail before succeeding; -1 fails forever
	attempts     int
	handlers     map[string]exchange.KlineHandler
	unsubscribed []string
	reject       bool
}

func newFakeStream(failures int) *fakeStream {
	return &fakeStream{failures: failures, handlers: make(map[string]exchange.KlineHandler)}
}

func (f *fakeStream) SubscribeKlines(_ context.Context, symbol, interval string, onMessage exchange.KlineHandler) (exchange.SubscriptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures < 0 || f.attempts <= f.failures {
		if f.reject {
			return exchange.SubscriptionResult{Err: errors.New("rejected")}, nil
		}
		return exchange.SubscriptionResult{}, errors.New("dial failed")
	}
	handle := exchange.StreamName(symbol, interval)
	f.handlers[handle] = onMessage
	return exchange.SubscriptionResult{Success: true, Handle: handle}, nil
}

func (f *fakeStream) Unsubscribe(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, handle)
	delete(f.handlers, handle)
	return nil
}

func (f *fakeStream) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeStream) push(handle, close string) {
	f.mu.Lock()
	h := f.handlers[handle]
	f.mu.Unlock()
	h(&futures.WsKlineEvent{
		Symbol: "BTCUSDT",
		Time:   1700000000000,
		Kline:  futures.WsKline{Close: close, Volume: "12.5", EndTime: 1700000059999, Interval: "1m"},
	})
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestManager uses an hour-long heartbeat so only explicit
// checkHeartbeat calls fire, and records backoff waits instead of sleeping.
func newTestManager(client exchange.StreamClient, history *TickHistory) (*Manager, *testClock, *[]time.Duration) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	m := newManager(client, cfg, history, clock.Now)

	var mu sync.Mutex
	delays := &[]time.Duration{}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return m, clock, delays
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, d := range want {
		assert.Equal(t, d, Backoff(attempt, time.Second, 30*time.Second), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, Backoff(80, time.Second, 30*time.Second))
}

func TestSubscribeRetriesThenSucceeds(t *testing.T) {
	client := newFakeStream(2)
	m, _, delays := newTestManager(client, nil)
	defer m.Dispose()

	var events []StatusEvent
	m.OnStatus(func(e StatusEvent) { events = append(events, e) })

	ok, err := m.Subscribe(context.Background(), "BTCUSDT", "1m", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, client.attemptCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	require.Len(t, events, 1)
	assert.Equal(t, "connected: BTCUSDT_1m", events[0].String())
}

func TestSubscribeGivesUpAfterFiveAttempts(t *testing.T) {
	client := newFakeStream(-1)
	m, _, delays := newTestManager(client, nil)
	defer m.Dispose()

	var errs []error
	m.OnError(func(err error) { errs = append(errs, err) })

	ok, err := m.Subscribe(context.Background(), "BTCUSDT", "1m", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, client.attemptCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, *delays)
	assert.Len(t, errs, 5)
}

func TestSubscribeRejectedResultRetries(t *testing.T) {
	client := newFakeStream(1)
	client.reject = true
	m, _, _ := newTestManager(client, nil)
	defer m.Dispose()

	ok, err := m.Subscribe(context.Background(), "ETHUSDT", "1m", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, client.attemptCount())
}

func TestSubscribeAbortsOnCallerCancel(t *testing.T) {
	client := newFakeStream(-1)
	m, _, _ := newTestManager(client, nil)
	defer m.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := m.Subscribe(ctx, "BTCUSDT", "1m", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, client.attemptCount())
}

func TestTicksForwardedAndCallbackPanicIsolated(t *testing.T) {
	client := newFakeStream(0)
	history := NewTickHistory(10)
	m, _, _ := newTestManager(client, history)
	defer m.Dispose()

	var got []models.Tick
	var errs []error
	m.OnError(func(err error) { errs = append(errs, err) })
	m.OnError(func(error) { panic("listener bug") })

	calls := 0
	ok, err := m.Subscribe(context.Background(), "BTCUSDT", "1m", func(tick models.Tick) {
		calls++
		if calls == 1 {
			panic("strategy bug")
		}
		got = append(got, tick)
	})
	require.NoError(t, err)
	require.True(t, ok)

	client.push("btcusdt@kline_1m", "60000.5")
	client.push("btcusdt@kline_1m", "60001")

	require.Len(t, got, 1)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("60001")))
	assert.True(t, got[0].Volume.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, time.UnixMilli(1700000059999).UTC(), got[0].Timestamp)
	assert.Len(t, errs, 1)
	assert.Len(t, history.Snapshot("BTCUSDT"), 2)
}

func TestUnsubscribe(t *testing.T) {
	client := newFakeStream(0)
	m, _, _ := newTestManager(client, nil)
	defer m.Dispose()

	var events []StatusEvent
	_, err := m.Subscribe(context.Background(), "BTCUSDT", "1m", nil)
	require.NoError(t, err)
	m.OnStatus(func(e StatusEvent) { events = append(events, e) })

	ok, err := m.Unsubscribe(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"btcusdt@kline_1m"}, client.unsubscribed)
	require.Len(t, events, 1)
	assert.Equal(t, StatusDisconnected, events[0].Kind)

	ok, err = m.Unsubscribe(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeNormalizesSymbolAndReleasesReplacedHandle(t *testing.T) {
	client := newFakeStream(0)
	m, _, _ := newTestManager(client, nil)
	defer m.Dispose()

	var first, second int
	ok, err := m.Subscribe(context.Background(), "btcusdt", "1m", func(models.Tick) { first++ })
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Subscribe(context.Background(), "BTC/USDT", "1m", func(models.Tick) { second++ })
	require.NoError(t, err)
	require.True(t, ok)

	subs := m.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "BTCUSDT", subs[0].Symbol)
	assert.Equal(t, []string{"btcusdt@kline_1m"}, client.unsubscribed)

	client.push("btcusdt@kline_1m", "60000")
	assert.Zero(t, first)
	assert.Equal(t, 1, second)

	ok, err = m.Unsubscribe(context.Background(), "btc-usdt", "1m")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	client := newFakeStream(0)
	m, clock, _ := newTestManager(client, nil)
	defer m.Dispose()

	_, err := m.Subscribe(context.Background(), "BTCUSDT", "1m", nil)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), "ETHUSDT", "1m", nil)
	require.NoError(t, err)

	var disconnected int
	var mu sync.Mutex
	m.OnStatus(func(e StatusEvent) {
		if e.Kind == StatusDisconnected && e.Key == "" {
			mu.Lock()
			disconnected++
			mu.Unlock()
		}
	})

	clock.Advance(time.Hour + 5*time.Second)
	m.checkHeartbeat()
	assert.Equal(t, 2, client.attemptCount(), "within grace nothing happens")

	clock.Advance(10 * time.Second)
	m.checkHeartbeat()
	require.Eventually(t, func() bool { return client.attemptCount() == 4 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, disconnected)
	mu.Unlock()
}

func TestDisposeIsIdempotentAndReleasesHandles(t *testing.T) {
	client := newFakeStream(0)
	history := NewTickHistory(10)
	m, _, _ := newTestManager(client, history)

	_, err := m.Subscribe(context.Background(), "BTCUSDT", "1m", nil)
	require.NoError(t, err)
	client.push("btcusdt@kline_1m", "1")
	require.Len(t, history.Symbols(), 1)

	m.Dispose()
	m.Dispose()
	m.Wait()

	assert.Equal(t, []string{"btcusdt@kline_1m"}, client.unsubscribed)
	assert.Empty(t, m.Subscriptions())
	assert.Empty(t, history.Symbols())

	_, err = m.Subscribe(context.Background(), "BTCUSDT", "1m", nil)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = m.Unsubscribe(context.Background(), "BTCUSDT", "1m")
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestTickHistoryBounded(t *testing.T) {
	h := NewTickHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(models.Tick{Symbol: "btcusdt", Price: decimal.NewFromInt(int64(i))})
	}
	items := h.Snapshot("BTCUSDT")
	require.Len(t, items, 3)
	assert.True(t, items[0].Price.Equal(decimal.NewFromInt(2)))
}

type fakePrices struct {
	prices map[string]decimal.Decimal
}

func (f fakePrices) GetTickerPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func TestFollowerTickers(t *testing.T) {
	f := NewFollower(nil, nil, nil, FollowerOptions{})
	f.SetTickers([]string{" ethusdt", "BTCUSDT", "btcusdt", ""})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, f.Tickers())
}

func TestFollowerPollOnce(t *testing.T) {
	history := NewTickHistory(10)
	f := NewFollower(nil, fakePrices{prices: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(60000)}}, history, FollowerOptions{})

	f.PollOnce(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	snap := f.HistorySnapshot()
	require.Len(t, snap["BTCUSDT"], 1)
	assert.Empty(t, snap["ETHUSDT"])
}

func TestFollowerFallsBackToPolling(t *testing.T) {
	client := newFakeStream(-1)
	m, _, _ := newTestManager(client, nil)
	defer m.Dispose()

	history := NewTickHistory(10)
	f := NewFollower(m, fakePrices{prices: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(1)}}, history,
		FollowerOptions{UseWebsocket: true, PollInterval: time.Hour})
	f.SetTickers([]string{"BTCUSDT"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(history.Snapshot("BTCUSDT")) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 5, client.attemptCount())
}
