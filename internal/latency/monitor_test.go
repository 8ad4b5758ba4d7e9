package latency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoguard/config"
	"cryptoguard/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []models.LatencyMeasurement
	err   error
}

func (f *fakeStore) SaveLatencyMeasurement(_ context.Context, m models.LatencyMeasurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, m)
	return nil
}

func (f *fakeStore) all() []models.LatencyMeasurement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.LatencyMeasurement(nil), f.saved...)
}

type fakeDispatcher struct {
	mu           sync.Mutex
	liquidations []string
	cancels      []string
}

func (f *fakeDispatcher) TriggerEmergencyLiquidation(endpoint string) {
	f.mu.Lock()
	f.liquidations = append(f.liquidations, endpoint)
	f.mu.Unlock()
}

func (f *fakeDispatcher) TriggerOrderCancellation(endpoint string) {
	f.mu.Lock()
	f.cancels = append(f.cancels, endpoint)
	f.mu.Unlock()
}

type staticOptions config.LatencyConfig

func (s staticOptions) Current() config.LatencyConfig { return config.LatencyConfig(s) }

// fakeClock advances by step on every read.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func newTestMonitor(store Store, opts config.LatencyConfig, d *fakeDispatcher, step time.Duration) *Monitor {
	m := NewMonitor(store, staticOptions(opts), d)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), step: step}
	m.now = clock.Now
	return m
}

func TestCompleteRecordsSuccess(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(store, config.DefaultLatency(), &fakeDispatcher{}, 120*time.Millisecond)

	tracker := m.Start("/fapi/v1/order", "")
	require.NoError(t, tracker.Complete(context.Background(), nil, map[string]string{"symbol": "BTCUSDT"}))

	saved := store.all()
	require.Len(t, saved, 1)
	assert.True(t, saved[0].Success)
	assert.Equal(t, int64(120), saved[0].TotalLatencyMs)
	assert.Equal(t, "REST", saved[0].RequestType)
	assert.Equal(t, "BTCUSDT", saved[0].Metadata["symbol"])
	assert.Len(t, m.RecentMeasurements("/fapi/v1/order"), 1)
}

func TestObserverPanicIsContained(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(store, config.DefaultLatency(), &fakeDispatcher{}, time.Millisecond)

	var seen []string
	m.Observe(func(models.LatencyMeasurement) { panic("archive full") })
	m.Observe(func(meas models.LatencyMeasurement) { seen = append(seen, meas.Endpoint) })

	tracker := m.Start("/fapi/v1/order", "REST")
	require.NotPanics(t, func() {
		require.NoError(t, tracker.Complete(context.Background(), nil, nil))
	})
	assert.Equal(t, []string{"/fapi/v1/order"}, seen)
	assert.Len(t, store.all(), 1)
}

func TestTrackerFinalizedOnce(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(store, config.DefaultLatency(), &fakeDispatcher{}, time.Millisecond)

	tracker := m.Start("/fapi/v1/order", "REST")
	require.NoError(t, tracker.Complete(context.Background(), nil, nil))
	assert.ErrorIs(t, tracker.Complete(context.Background(), nil, nil), ErrFinalized)
	tracker.CompleteWithError("LATE")
	require.NoError(t, tracker.Close())
	m.Wait()

	assert.Len(t, store.all(), 1)
}

func TestCloseWithoutCompletionRecordsIncomplete(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(store, config.DefaultLatency(), &fakeDispatcher{}, time.Millisecond)

	func() {
		tracker := m.Start("/fapi/v1/order", "REST")
		defer tracker.Close()
	}()

	saved := store.all()
	require.Len(t, saved, 1)
	assert.False(t, saved[0].Success)
	assert.Equal(t, models.IncompleteMeasurement, saved[0].ErrorCode)
}

func TestConcurrentFinalizationRecordsOnce(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(store, config.DefaultLatency(), &fakeDispatcher{}, time.Millisecond)
	tracker := m.Start("/fapi/v1/order", "REST")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = tracker.Complete(context.Background(), nil, nil)
			case 1:
				tracker.CompleteWithError("ERR")
			default:
				_ = tracker.Close()
			}
		}(i)
	}
	wg.Wait()
	m.Wait()

	assert.Len(t, store.all(), 1)
}

func TestCompleteWithErrorIsAsync(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(store, config.DefaultLatency(), &fakeDispatcher{}, time.Millisecond)

	m.Start("/fapi/v2/balance", "REST").CompleteWithError("TIMEOUT")
	m.Wait()

	saved := store.all()
	require.Len(t, saved, 1)
	assert.Equal(t, "TIMEOUT", saved[0].ErrorCode)
}

func TestCriticalLatencyDispatch(t *testing.T) {
	opts := config.DefaultLatency()
	opts.EnableEmergencyLiquidation = true
	opts.EnableOrderCancellation = false
	d := &fakeDispatcher{}
	m := newTestMonitor(&fakeStore{}, opts, d, 3500*time.Millisecond)

	require.NoError(t, m.Start("/fapi/v1/order", "REST").Complete(context.Background(), nil, nil))

	assert.Equal(t, []string{"/fapi/v1/order"}, d.liquidations)
	assert.Empty(t, d.cancels)
}

func TestCriticalLatencyDispatchDisabled(t *testing.T) {
	opts := config.DefaultLatency()
	opts.EnableEmergencyLiquidation = false
	opts.EnableOrderCancellation = false
	d := &fakeDispatcher{}
	m := newTestMonitor(&fakeStore{}, opts, d, 3500*time.Millisecond)

	require.NoError(t, m.Start("/fapi/v1/order", "REST").Complete(context.Background(), nil, nil))

	assert.Empty(t, d.liquidations)
	assert.Empty(t, d.cancels)
}

func TestWarningLatencyDoesNotDispatch(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestMonitor(&fakeStore{}, config.DefaultLatency(), d, 2000*time.Millisecond)

	require.NoError(t, m.Start("/fapi/v1/order", "REST").Complete(context.Background(), nil, nil))
	assert.Empty(t, d.liquidations)
	assert.Empty(t, d.cancels)
}

func TestPersistenceFailureStillEvaluates(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	d := &fakeDispatcher{}
	m := newTestMonitor(store, config.DefaultLatency(), d, 3500*time.Millisecond)

	err := m.Start("/fapi/v1/order", "REST").Complete(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Len(t, d.liquidations, 1)
	assert.Len(t, m.RecentMeasurements("/fapi/v1/order"), 1)
}

func TestHistoryCapped(t *testing.T) {
	m := newTestMonitor(nil, config.DefaultLatency(), &fakeDispatcher{}, time.Millisecond)

	for i := 0; i < 130; i++ {
		require.NoError(t, m.Start("/fapi/v1/ticker/price", "REST").Complete(context.Background(), nil, map[string]string{"i": string(rune('a' + i%26))}))
	}
	recent := m.RecentMeasurements("/fapi/v1/ticker/price")
	require.Len(t, recent, 100)
	assert.Equal(t, string(rune('a'+30%26)), recent[0].Metadata["i"], "oldest entries are evicted first")

	avg, n := m.AverageLatency("/fapi/v1/ticker/price")
	assert.Equal(t, 100, n)
	assert.Equal(t, 1.0, avg)
	assert.Equal(t, []string{"/fapi/v1/ticker/price"}, m.Endpoints())
}

func TestSplitLatency(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	meas := models.LatencyMeasurement{
		RequestTime:    start,
		ResponseTime:   start.Add(100 * time.Millisecond),
		TotalLatencyMs: 100,
	}

	network, processing := splitLatency(meas, start.Add(30*time.Millisecond))
	assert.Equal(t, int64(60), network)
	assert.Equal(t, int64(40), processing)

	network, processing = splitLatency(meas, start.Add(80*time.Millisecond))
	assert.Equal(t, int64(100), network)
	assert.Equal(t, int64(0), processing)

	network, processing = splitLatency(meas, start.Add(-time.Second))
	assert.Equal(t, int64(100), network)
	assert.Equal(t, int64(0), processing)
}

type fakeServerClock struct {
	t   time.Time
	err error
}

func (f fakeServerClock) ServerTime(context.Context) (time.Time, error) { return f.t, f.err }

func TestProbeOnce(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(store, config.DefaultLatency(), &fakeDispatcher{}, 50*time.Millisecond)

	NewProbe(m, fakeServerClock{t: time.Date(2024, 1, 1, 0, 0, 0, 20e6, time.UTC)}, time.Second).ProbeOnce(context.Background())
	NewProbe(m, fakeServerClock{err: errors.New("unreachable")}, time.Second).ProbeOnce(context.Background())
	m.Wait()

	saved := store.all()
	require.Len(t, saved, 2)
	assert.True(t, saved[0].Success)
	require.NotNil(t, saved[0].ExchangeTime)
	assert.Equal(t, int64(40), saved[0].NetworkLatencyMs)
	assert.Equal(t, "SERVER_TIME_FAILED", saved[1].ErrorCode)
}

func TestMeasureNilMonitor(t *testing.T) {
	var m *Monitor
	called := false
	require.NoError(t, m.Measure(context.Background(), "x", func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}
