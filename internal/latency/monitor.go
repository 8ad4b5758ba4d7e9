package latency

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"cryptoguard/config"
	"cryptoguard/internal/metrics"
	"cryptoguard/internal/models"
	"cryptoguard/internal/safety"
	"cryptoguard/logger"
)

// ErrPersistence is returned by Complete when the measurement could not be
// stored. History and threshold evaluation still ran.
var ErrPersistence = errors.New("latency: measurement not persisted")

const defaultHistoryLimit = 100

// Store is the store of record for measurements.
type Store interface {
	SaveLatencyMeasurement(ctx context.Context, m models.LatencyMeasurement) error
}

// OptionsSource supplies the current thresholds; it is read on every
// evaluation so reloads apply immediately.
type OptionsSource interface {
	Current() config.LatencyConfig
}

type endpointHistory struct {
	mu    sync.Mutex
	items []models.LatencyMeasurement
}

// Monitor records measurements, keeps a bounded per-endpoint history and
// dispatches safety actions on critical latency.
type Monitor struct {
	store      Store
	opts       OptionsSource
	dispatcher safety.Dispatcher
	log        *logger.Log
	now        func() time.Time

	mu        sync.Mutex
	history   map[string]*endpointHistory
	observers []func(models.LatencyMeasurement)

	tasks sync.WaitGroup
}

func NewMonitor(store Store, opts OptionsSource, dispatcher safety.Dispatcher) *Monitor {
	return &Monitor{
		store:      store,
		opts:       opts,
		dispatcher: dispatcher,
		log:        logger.GetLogger(),
		now:        time.Now,
		history:    make(map[string]*endpointHistory),
	}
}

// Observe registers fn to receive every recorded measurement.
func (m *Monitor) Observe(fn func(models.LatencyMeasurement)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Start begins timing a request. The returned tracker must be completed or
// closed; `defer tracker.Close()` right after Start is the usual form.
func (m *Monitor) Start(endpoint, requestType string) *Tracker {
	if requestType == "" {
		requestType = "REST"
	}
	started := m.now()
	return &Tracker{
		monitor: m,
		started: started,
		measurement: models.LatencyMeasurement{
			Endpoint:    endpoint,
			RequestType: requestType,
			RequestTime: started.UTC(),
		},
	}
}

// Wait blocks until every background completion has been recorded.
func (m *Monitor) Wait() {
	m.tasks.Wait()
}

// spawn runs fn in a tracked goroutine and logs anything it returns or
// panics with.
func (m *Monitor) spawn(name string, fn func() error) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log.WithComponent("latency_monitor").WithFields(logger.Fields{"task": name}).
					WithError(fmt.Errorf("%v", r)).Error("background task panicked")
			}
		}()
		if err := fn(); err != nil {
			m.log.WithComponent("latency_monitor").WithFields(logger.Fields{"task": name}).
				WithError(err).Warn("background task failed")
		}
	}()
}

func (m *Monitor) record(ctx context.Context, meas models.LatencyMeasurement) error {
	log := m.log.WithComponent("latency_monitor").WithFields(logger.Fields{
		"endpoint":   meas.Endpoint,
		"latency_ms": meas.TotalLatencyMs,
		"success":    meas.Success,
	})

	var persistErr error
	if m.store != nil {
		if err := m.store.SaveLatencyMeasurement(ctx, meas); err != nil {
			log.WithError(err).Error("failed to persist latency measurement")
			persistErr = fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}

	m.addHistory(meas)
	m.evaluate(meas)
	metrics.ObserveLatency(meas.Endpoint, meas.Success, meas.TotalLatencyMs)

	m.mu.Lock()
	observers := slices.Clone(m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		m.notify(fn, meas)
	}

	return persistErr
}

// notify isolates an observer so its panic stays out of the caller's
// request path.
func (m *Monitor) notify(fn func(models.LatencyMeasurement), meas models.LatencyMeasurement) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithComponent("latency_monitor").WithFields(logger.Fields{"endpoint": meas.Endpoint}).
				WithError(fmt.Errorf("%v", r)).Error("latency observer panicked")
		}
	}()
	fn(meas)
}

func (m *Monitor) options() config.LatencyConfig {
	if m.opts == nil {
		return config.DefaultLatency()
	}
	return m.opts.Current()
}

func (m *Monitor) endpoint(name string) *endpointHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[name]
	if !ok {
		h = &endpointHistory{}
		m.history[name] = h
	}
	return h
}

func (m *Monitor) addHistory(meas models.LatencyMeasurement) {
	limit := m.options().HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	h := m.endpoint(meas.Endpoint)
	h.mu.Lock()
	h.items = append(h.items, meas)
	if over := len(h.items) - limit; over > 0 {
		h.items = append(h.items[:0], h.items[over:]...)
	}
	h.mu.Unlock()
}

// evaluate compares a measurement with the thresholds. Only the critical
// threshold dispatches safety actions; the others log.
func (m *Monitor) evaluate(meas models.LatencyMeasurement) {
	opts := m.options()
	log := m.log.WithComponent("latency_monitor").WithFields(logger.Fields{
		"endpoint":   meas.Endpoint,
		"latency_ms": meas.TotalLatencyMs,
	})

	switch {
	case meas.TotalLatencyMs > opts.CriticalThresholdMs:
		log.WithField("threshold_ms", opts.CriticalThresholdMs).Error("critical latency detected")
		m.dispatch(meas.Endpoint, opts)
	case meas.TotalLatencyMs > opts.WarningThresholdMs:
		log.WithField("threshold_ms", opts.WarningThresholdMs).Warn("latency above warning threshold")
	}

	if avg, n := m.AverageLatency(meas.Endpoint); n > 1 && avg > float64(opts.AverageThresholdMs) {
		log.WithFields(logger.Fields{"average_ms": avg, "samples": n, "threshold_ms": opts.AverageThresholdMs}).
			Warn("average latency degraded")
	}
}

func (m *Monitor) dispatch(endpoint string, opts config.LatencyConfig) {
	if m.dispatcher == nil {
		return
	}
	if opts.EnableEmergencyLiquidation {
		m.dispatcher.TriggerEmergencyLiquidation(endpoint)
	}
	if opts.EnableOrderCancellation {
		m.dispatcher.TriggerOrderCancellation(endpoint)
	}
}

// RecentMeasurements returns a copy of the endpoint history, oldest first.
func (m *Monitor) RecentMeasurements(endpoint string) []models.LatencyMeasurement {
	m.mu.Lock()
	h, ok := m.history[endpoint]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.LatencyMeasurement(nil), h.items...)
}

// Endpoints lists every endpoint with recorded history.
func (m *Monitor) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.history))
	for name := range m.history {
		out = append(out, name)
	}
	return out
}

// AverageLatency returns the mean total latency over the recent history and
// the number of samples it covers.
func (m *Monitor) AverageLatency(endpoint string) (float64, int) {
	items := m.RecentMeasurements(endpoint)
	if len(items) == 0 {
		return 0, 0
	}
	var sum int64
	for _, it := range items {
		sum += it.TotalLatencyMs
	}
	return float64(sum) / float64(len(items)), len(items)
}
