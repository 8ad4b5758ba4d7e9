package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoguard/internal/models"
	"cryptoguard/internal/session"
)

type fakeREST struct {
	mu         sync.Mutex
	orders     []string
	positions  []string
	balances   map[string]string
	ordersErr  error
	balanceErr map[string]error
}

func raws(items []string) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, s := range items {
		out[i] = json.RawMessage(s)
	}
	return out
}

func (f *fakeREST) GetOpenOrders(context.Context) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	return raws(f.orders), nil
}

func (f *fakeREST) GetPositions(context.Context) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return raws(f.positions), nil
}

func (f *fakeREST) GetQuoteAvailable(_ context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.balanceErr[asset]; err != nil {
		return decimal.Zero, err
	}
	return decimal.RequireFromString(f.balances[asset]), nil
}

func (f *fakeREST) setOrders(orders ...string) {
	f.mu.Lock()
	f.orders = orders
	f.mu.Unlock()
}

type countingPacer struct {
	mu      sync.Mutex
	weights map[string]int
}

func (p *countingPacer) Wait(_ context.Context, endpoint string, weight int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.weights == nil {
		p.weights = make(map[string]int)
	}
	p.weights[endpoint] += weight
	return nil
}

const (
	order1New     = `{"orderId":1,"symbol":"BTCUSDT","side":"BUY","type":"LIMIT","origQty":"5","price":"60000","stopPrice":"0","timeInForce":"GTC","reduceOnly":false,"positionSide":"BOTH","clientOrderId":"c1","status":"NEW","updateTime":1700000000000}`
	order1Partial = `{"orderId":1,"symbol":"BTCUSDT","side":"BUY","type":"LIMIT","origQty":"5","price":"60000","stopPrice":"0","timeInForce":"GTC","reduceOnly":false,"positionSide":"BOTH","clientOrderId":"c1","status":"PARTIALLY_FILLED","updateTime":1700000001000}`
	order2New     = `{"orderId":2,"symbol":"ETHUSDT","side":"SELL","type":"STOP_MARKET","origQty":"1.5","price":"0","stopPrice":"2900","timeInForce":"WEIRD","reduceOnly":true,"positionSide":"SIDEWAYS","status":"NEW"}`
)

func newRegistry(client *fakeREST) (*session.Registry, *session.Session) {
	r := session.NewRegistry()
	s := session.New("test", client)
	r.Add(s)
	return r, s
}

func TestOrderPollerIdempotent(t *testing.T) {
	client := &fakeREST{orders: []string{order1New, order2New}}
	registry, s := newRegistry(client)
	poller := NewOrderPoller(registry, Options{})

	first := poller.Run(context.Background())
	require.NoError(t, first.Err())
	assert.Equal(t, 2, first.Added)
	assert.Equal(t, 2, s.Orders.Len())

	second := poller.Run(context.Background())
	assert.Equal(t, Changes{}, second.Changes)
}

func TestOrderPollerUpdate(t *testing.T) {
	client := &fakeREST{orders: []string{order1New}}
	registry, s := newRegistry(client)
	poller := NewOrderPoller(registry, Options{})
	poller.Run(context.Background())

	client.setOrders(order1Partial)
	report := poller.Run(context.Background())

	assert.Equal(t, Changes{Updated: 1}, report.Changes)
	o, ok := s.Orders.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusPartiallyFilled, o.Status)
	assert.True(t, o.Quantity.Equal(decimal.NewFromInt(5)))
}

func TestOrderPollerDisappearance(t *testing.T) {
	client := &fakeREST{orders: []string{order1New, order2New}}
	registry, s := newRegistry(client)
	poller := NewOrderPoller(registry, Options{})
	poller.Run(context.Background())

	client.setOrders(order1New)
	report := poller.Run(context.Background())

	assert.Equal(t, Changes{Removed: 1}, report.Changes)
	_, ok := s.Orders.Get(2)
	assert.False(t, ok)
	_, ok = s.Orders.Get(1)
	assert.True(t, ok)
}

func TestOrderPollerSkipsMalformed(t *testing.T) {
	client := &fakeREST{orders: []string{`{"symbol":"BTCUSDT"}`, `not json`, `[]`, order2New}}
	registry, s := newRegistry(client)

	report := NewOrderPoller(registry, Options{}).Run(context.Background())
	require.NoError(t, report.Err())
	assert.Equal(t, 1, s.Orders.Len())

	o, _ := s.Orders.Get(2)
	assert.Equal(t, models.TimeInForceGTC, o.TimeInForce)
	assert.Equal(t, models.PositionSideBoth, o.PositionSide)
	assert.Equal(t, models.OrderTypeStopMarket, o.Type)
	assert.True(t, o.ReduceOnly)
	assert.True(t, o.StopPrice.Equal(decimal.NewFromInt(2900)))
}

func TestOrderPollerFetchFailureKeepsCache(t *testing.T) {
	client := &fakeREST{orders: []string{order1New}}
	registry, s := newRegistry(client)
	poller := NewOrderPoller(registry, Options{})
	poller.Run(context.Background())

	client.mu.Lock()
	client.ordersErr = errors.New("503")
	client.mu.Unlock()

	report := poller.Run(context.Background())
	assert.Error(t, report.Err())
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, s.Orders.Len())
}

func TestPollersSkipWithoutSessionsOrClient(t *testing.T) {
	empty := session.NewRegistry()
	report := NewOrderPoller(empty, Options{}).Run(context.Background())
	assert.NoError(t, report.Err())
	assert.Zero(t, report.Sessions)

	registry := session.NewRegistry()
	registry.Add(session.New("no-client", nil))
	report = NewPositionPoller(registry, nil, Options{}).Run(context.Background())
	assert.NoError(t, report.Err())
	assert.Equal(t, 1, report.Skipped)
}

func TestPositionPollerZeroQuantityRemoved(t *testing.T) {
	client := &fakeREST{
		positions: []string{
			`{"symbol":"BTCUSDT","positionAmt":"0.5","entryPrice":"60000","markPrice":"61000","unRealizedProfit":"500","leverage":"10","positionSide":"BOTH","updateTime":1700000000000}`,
			`{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","markPrice":"3000","unRealizedProfit":"0","leverage":"5","positionSide":"BOTH"}`,
		},
		balances: map[string]string{"USDT": "1000", "USDC": "250"},
	}
	registry, s := newRegistry(client)
	s.Positions.Set("ETHUSDT", models.Position{Symbol: "ETHUSDT", Quantity: decimal.NewFromInt(2)})
	poller := NewPositionPoller(registry, nil, Options{})

	report := poller.Run(context.Background())
	require.NoError(t, report.Err())
	assert.Equal(t, Changes{Added: 1, Removed: 1}, report.Changes)

	_, ok := s.Positions.Get("ETHUSDT")
	assert.False(t, ok)
	btc, ok := s.Positions.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 10, btc.Leverage)

	again := poller.Run(context.Background())
	assert.Equal(t, Changes{}, again.Changes)
}

func TestPositionPollerHedgeModeIdempotent(t *testing.T) {
	client := &fakeREST{
		positions: []string{
			`{"symbol":"BTCUSDT","positionAmt":"0.5","entryPrice":"60000","markPrice":"61000","unRealizedProfit":"500","leverage":"10","positionSide":"LONG"}`,
			`{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"61000","unRealizedProfit":"0","leverage":"10","positionSide":"SHORT"}`,
		},
		balances: map[string]string{"USDT": "1000"},
	}
	registry, s := newRegistry(client)
	poller := NewPositionPoller(registry, nil, Options{})

	first := poller.Run(context.Background())
	require.NoError(t, first.Err())
	assert.Equal(t, Changes{Added: 1}, first.Changes)

	for i := 0; i < 2; i++ {
		again := poller.Run(context.Background())
		assert.Equal(t, Changes{}, again.Changes)
	}
	long, ok := s.Positions.Get("BTCUSDT:LONG")
	require.True(t, ok)
	assert.True(t, long.Quantity.Equal(decimal.RequireFromString("0.5")))

	client.mu.Lock()
	client.positions = []string{
		`{"symbol":"BTCUSDT","positionAmt":"0.5","entryPrice":"60000","markPrice":"61000","unRealizedProfit":"500","leverage":"10","positionSide":"LONG"}`,
		`{"symbol":"BTCUSDT","positionAmt":"-0.2","entryPrice":"61000","markPrice":"61000","unRealizedProfit":"0","leverage":"10","positionSide":"SHORT"}`,
	}
	client.mu.Unlock()
	report := poller.Run(context.Background())
	assert.Equal(t, Changes{Added: 1}, report.Changes)
	assert.Equal(t, 2, s.Positions.Len())
}

func TestPositionPollerBalancesIndependent(t *testing.T) {
	client := &fakeREST{
		balances:   map[string]string{"USDC": "250"},
		balanceErr: map[string]error{"USDT": errors.New("timeout")},
	}
	registry, s := newRegistry(client)
	pacer := &countingPacer{}

	report := NewPositionPoller(registry, []string{"usdt", " USDC "}, Options{Pacer: pacer}).Run(context.Background())
	require.NoError(t, report.Err())

	_, ok := s.Balances.Get("USDT")
	assert.False(t, ok)
	usdc, ok := s.Balances.Get("USDC")
	require.True(t, ok)
	assert.True(t, usdc.Available.Equal(decimal.NewFromInt(250)))

	assert.Equal(t, 5, pacer.weights[positionRiskEndpoint])
	assert.Equal(t, 10, pacer.weights[balanceEndpoint])
}

func TestParseOrderDefaults(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o, err := parseOrder(json.RawMessage(`{"orderId":"42","symbol":"BTCUSDT","side":"buy","type":"LIMIT","status":"NEW","origQty":"abc","reduceOnly":"true"}`), now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), o.OrderID)
	assert.True(t, o.Quantity.IsZero())
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, models.SideBuy, o.Side)
	assert.Equal(t, models.TimeInForceGTC, o.TimeInForce)
	assert.Equal(t, models.PositionSideBoth, o.PositionSide)
	assert.Equal(t, now, o.UpdateTime)
}

func TestParseOrderRejectsUnknownEnums(t *testing.T) {
	now := time.Now()
	for name, raw := range map[string]string{
		"status": `{"orderId":1,"symbol":"BTCUSDT","side":"BUY","type":"LIMIT","status":"EXPIRED_IN_MATCH"}`,
		"type":   `{"orderId":1,"symbol":"BTCUSDT","side":"BUY","type":"GARBAGE","status":"NEW"}`,
		"side":   `{"orderId":1,"symbol":"BTCUSDT","side":"???","type":"LIMIT","status":"NEW"}`,
		"empty":  `{"orderId":1,"symbol":"BTCUSDT"}`,
	} {
		_, err := parseOrder(json.RawMessage(raw), now)
		assert.ErrorIs(t, err, models.ErrUnknownEnum, name)
	}
}

func TestOrderPollerSkipsUnknownStatus(t *testing.T) {
	client := &fakeREST{orders: []string{
		`{"orderId":9,"symbol":"BTCUSDT","status":"EXPIRED_IN_MATCH","type":"GARBAGE","side":"???"}`,
		order1New,
	}}
	registry, s := newRegistry(client)

	report := NewOrderPoller(registry, Options{}).Run(context.Background())
	require.NoError(t, report.Err())
	assert.Equal(t, 1, s.Orders.Len())
	_, ok := s.Orders.Get(9)
	assert.False(t, ok)
}

func TestParsePositionRejectsBadQuantity(t *testing.T) {
	_, err := parsePosition(json.RawMessage(`{"symbol":"BTCUSDT","positionAmt":"x"}`), time.Now())
	assert.Error(t, err)
	_, err = parsePosition(json.RawMessage(`{"symbol":"BTCUSDT"}`), time.Now())
	assert.ErrorIs(t, err, errMissingField)
}

type stopAfter struct {
	runs   int
	cancel context.CancelFunc
}

func (s *stopAfter) Name() string { return "test_poller" }

func (s *stopAfter) Run(context.Context) CycleReport {
	s.runs++
	if s.runs == 2 {
		s.cancel()
	}
	return CycleReport{}
}

func TestSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &stopAfter{cancel: cancel}
	Schedule(ctx, r, time.Millisecond)
	assert.Equal(t, 2, r.runs)
}
