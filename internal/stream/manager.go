package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"cryptoguard/config"
	"cryptoguard/internal/exchange"
	"cryptoguard/internal/metrics"
	"cryptoguard/internal/models"
	"cryptoguard/logger"
)

// ErrDisposed is returned when a disposed manager is used again.
var ErrDisposed = errors.New("stream: manager disposed")

const unsubscribeTimeout = 5 * time.Second

type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatGrace:    10 * time.Second,
	}
}

// ConfigFrom maps the stream section of the service config, keeping defaults
// for unset values.
func ConfigFrom(c config.StreamConfig) Config {
	out := DefaultConfig()
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		out.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		out.MaxDelay = c.MaxDelay
	}
	if c.HeartbeatInterval > 0 {
		out.HeartbeatInterval = c.HeartbeatInterval
	}
	if c.HeartbeatGrace > 0 {
		out.HeartbeatGrace = c.HeartbeatGrace
	}
	return out
}

// Backoff is the wait after a failed attempt: base*2^attempt capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Key identifies a subscription. Symbols are normalized, so btcusdt and
// BTC/USDT address the same feed.
func Key(symbol, interval string) string {
	return NormalizeSymbol(symbol) + "_" + interval
}

type subscription struct {
	key      string
	symbol   string
	interval string
	onTick   func(models.Tick)

	active       atomic.Bool
	reconnecting atomic.Bool
	lastUpdate   atomic.Int64

	mu     sync.Mutex
	handle string
}

func (s *subscription) setHandle(h string) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *subscription) takeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = ""
	return h
}

// SubscriptionInfo is a read-only view of one subscription.
type SubscriptionInfo struct {
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	Active     bool      `json:"active"`
	LastUpdate time.Time `json:"last_update"`
	Handle     string    `json:"handle,omitempty"`
}

// Manager owns the kline subscriptions carried by one streaming client. It
// reconnects with capped exponential backoff and supervises liveness with a
// heartbeat.
type Manager struct {
	client  exchange.StreamClient
	cfg     Config
	history *TickHistory
	log     *logger.Log
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*subscription

	lastHeartbeat atomic.Int64
	disposed      atomic.Bool
	tasks         sync.WaitGroup

	status *listeners[StatusEvent]
	errs   *listeners[error]
}

// NewManager starts the heartbeat supervisor. history may be nil.
func NewManager(client exchange.StreamClient, cfg Config, history *TickHistory) *Manager {
	return newManager(client, cfg, history, time.Now)
}

func newManager(client exchange.StreamClient, cfg Config, history *TickHistory, now func() time.Time) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:  client,
		cfg:     cfg,
		history: history,
		log:     logger.GetLogger(),
		now:     now,
		sleep:   sleepCtx,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription),
		status:  newListeners[StatusEvent]("status"),
		errs:    newListeners[error]("error"),
	}
	m.lastHeartbeat.Store(now().UnixNano())
	if cfg.HeartbeatInterval > 0 {
		m.tasks.Add(1)
		go m.heartbeatLoop()
	}
	return m
}

// OnStatus registers a connectivity listener and returns its remover.
func (m *Manager) OnStatus(fn func(StatusEvent)) func() { return m.status.add(fn) }

// OnError registers an error listener and returns its remover.
func (m *Manager) OnError(fn func(error)) func() { return m.errs.add(fn) }

// Subscribe registers (or replaces) the feed for symbol/interval and tries
// to open it. A replaced feed's handle is released before the new one is
// opened. The bool reports whether the stream is live; the error is only
// set for a disposed manager.
func (m *Manager) Subscribe(ctx context.Context, symbol, interval string, onTick func(models.Tick)) (bool, error) {
	if m.disposed.Load() {
		return false, ErrDisposed
	}
	symbol = NormalizeSymbol(symbol)
	sub := &subscription{
		key:      Key(symbol, interval),
		symbol:   symbol,
		interval: interval,
		onTick:   onTick,
	}
	sub.active.Store(true)
	sub.lastUpdate.Store(m.now().UnixNano())

	m.mu.Lock()
	old := m.subs[sub.key]
	m.subs[sub.key] = sub
	m.mu.Unlock()

	if old != nil {
		old.active.Store(false)
		if handle := old.takeHandle(); handle != "" {
			if err := m.client.Unsubscribe(ctx, handle); err != nil {
				m.log.WithComponent("subscription_manager").WithFields(logger.Fields{
					"symbol": symbol,
					"handle": handle,
				}).WithError(err).Warn("failed to release superseded stream handle")
			}
		}
	}

	if ctx.Err() != nil {
		return false, nil
	}
	attemptCtx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return m.connectWithRetry(attemptCtx, sub), nil
}

// Unsubscribe deactivates the feed and releases its handle. It returns false
// when no such subscription exists.
func (m *Manager) Unsubscribe(ctx context.Context, symbol, interval string) (bool, error) {
	if m.disposed.Load() {
		return false, ErrDisposed
	}
	symbol = NormalizeSymbol(symbol)
	key := Key(symbol, interval)
	m.mu.Lock()
	sub, ok := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	sub.active.Store(false)
	log := m.log.WithComponent("subscription_manager").WithFields(logger.Fields{"symbol": symbol, "interval": interval})
	if handle := sub.takeHandle(); handle != "" {
		if err := m.client.Unsubscribe(ctx, handle); err != nil {
			log.WithError(err).Warn("failed to release stream handle")
		}
	}
	log.Info("unsubscribed")
	m.status.emit(StatusEvent{Kind: StatusDisconnected, Key: key, At: m.now()})
	return true, nil
}

func (m *Manager) connectWithRetry(ctx context.Context, sub *subscription) bool {
	log := m.log.WithComponent("subscription_manager").WithFields(logger.Fields{
		"symbol":   sub.symbol,
		"interval": sub.interval,
	})
	handler := func(event *futures.WsKlineEvent) { m.handleKline(sub, event) }

	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil || !sub.active.Load() {
			return false
		}

		res, err := m.client.SubscribeKlines(ctx, sub.symbol, sub.interval, handler)
		switch {
		case err != nil:
			log.WithError(err).WithField("attempt", attempt+1).Error("subscription attempt failed")
			m.errs.emit(err)
		case !res.Success:
			entry := log.WithField("attempt", attempt+1)
			if res.Err != nil {
				entry = entry.WithError(res.Err)
			}
			entry.Warn("subscription rejected")
		default:
			sub.setHandle(res.Handle)
			now := m.now()
			sub.lastUpdate.Store(now.UnixNano())
			m.lastHeartbeat.Store(now.UnixNano())
			metrics.IncStreamReconnect("success")
			log.WithField("handle", res.Handle).Info("subscribed")
			m.status.emit(StatusEvent{Kind: StatusConnected, Key: sub.key, At: now})
			return true
		}
		metrics.IncStreamReconnect("failure")

		if attempt < m.cfg.MaxAttempts-1 {
			delay := Backoff(attempt, m.cfg.BaseDelay, m.cfg.MaxDelay)
			log.WithFields(logger.Fields{
				"delay_ms": delay.Milliseconds(),
				"attempt":  attempt + 1,
				"max":      m.cfg.MaxAttempts,
			}).Info("retrying subscription")
			if err := m.sleep(ctx, delay); err != nil {
				return false
			}
		}
	}

	log.WithField("attempts", m.cfg.MaxAttempts).Error("subscription failed after retries")
	return false
}

func (m *Manager) handleKline(sub *subscription, event *futures.WsKlineEvent) {
	if event == nil || !sub.active.Load() {
		return
	}
	now := m.now().UnixNano()
	sub.lastUpdate.Store(now)
	m.lastHeartbeat.Store(now)

	tick, err := toTick(sub.symbol, event)
	if err != nil {
		m.log.WithComponent("subscription_manager").WithField("symbol", sub.symbol).WithError(err).Warn("unreadable kline")
		m.errs.emit(err)
		return
	}
	logger.IncrementTick()
	if m.history != nil {
		m.history.Append(tick)
	}
	if sub.onTick != nil {
		m.deliver(sub, tick)
	}
}

func (m *Manager) deliver(sub *subscription, tick models.Tick) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("tick callback for %s panicked: %v", sub.key, r)
			m.log.WithComponent("subscription_manager").WithError(err).Error("tick callback failed")
			m.errs.emit(err)
		}
	}()
	sub.onTick(tick)
}

func toTick(symbol string, event *futures.WsKlineEvent) (models.Tick, error) {
	price, err := decimal.NewFromString(event.Kline.Close)
	if err != nil {
		return models.Tick{}, fmt.Errorf("close price: %w", err)
	}
	volume, err := decimal.NewFromString(event.Kline.Volume)
	if err != nil {
		volume = decimal.Zero
	}
	ts := time.UnixMilli(event.Kline.EndTime).UTC()
	if event.Kline.EndTime == 0 {
		ts = time.UnixMilli(event.Time).UTC()
	}
	return models.Tick{Symbol: symbol, Price: price, Volume: volume, Timestamp: ts}, nil
}

func (m *Manager) heartbeatLoop() {
	defer m.tasks.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkHeartbeat()
		}
	}
}

// checkHeartbeat reconnects every active subscription once no tick has
// arrived for longer than the heartbeat interval plus grace.
func (m *Manager) checkHeartbeat() {
	if m.disposed.Load() {
		return
	}
	last := time.Unix(0, m.lastHeartbeat.Load())
	since := m.now().Sub(last)
	if since <= m.cfg.HeartbeatInterval+m.cfg.HeartbeatGrace {
		return
	}

	active := m.activeSubscriptions()
	if len(active) == 0 {
		return
	}

	m.log.WithComponent("subscription_manager").WithFields(logger.Fields{
		"last_heartbeat": last.UTC().Format(time.RFC3339),
		"silent_for":     since.String(),
	}).Warn("heartbeat timeout detected")
	m.status.emit(StatusEvent{Kind: StatusDisconnected, At: m.now()})

	for _, sub := range active {
		if !sub.reconnecting.CompareAndSwap(false, true) {
			continue
		}
		m.spawn("reconnect "+sub.key, func() {
			defer sub.reconnecting.Store(false)
			m.connectWithRetry(m.ctx, sub)
		})
	}
}

func (m *Manager) activeSubscriptions() []*subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.active.Load() {
			out = append(out, sub)
		}
	}
	return out
}

// spawn runs fn as a tracked background task; panics are logged.
func (m *Manager) spawn(name string, fn func()) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("%s: %v", name, r)
				m.log.WithComponent("subscription_manager").WithError(err).Error("background task panicked")
				m.errs.emit(err)
			}
		}()
		fn()
	}()
}

// Subscriptions lists the current subscriptions.
func (m *Manager) Subscriptions() []SubscriptionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionInfo, 0, len(m.subs))
	for _, sub := range m.subs {
		sub.mu.Lock()
		handle := sub.handle
		sub.mu.Unlock()
		out = append(out, SubscriptionInfo{
			Symbol:     sub.symbol,
			Interval:   sub.interval,
			Active:     sub.active.Load(),
			LastUpdate: time.Unix(0, sub.lastUpdate.Load()).UTC(),
			Handle:     handle,
		})
	}
	return out
}

// Dispose cancels in-flight work, stops the heartbeat, deactivates every
// subscription and releases handles without waiting. Calling it again is a
// no-op.
func (m *Manager) Dispose() {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()

	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.active.Store(false)
		handle := sub.takeHandle()
		if handle == "" {
			continue
		}
		m.spawn("unsubscribe "+sub.key, func() {
			ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			defer cancel()
			if err := m.client.Unsubscribe(ctx, handle); err != nil {
				m.log.WithComponent("subscription_manager").WithField("handle", handle).WithError(err).Warn("unsubscribe on dispose failed")
			}
		})
	}

	if m.history != nil {
		m.history.Clear()
	}
	m.log.WithComponent("subscription_manager").WithField("subscriptions", len(subs)).Info("subscription manager disposed")
}

// Wait blocks until background tasks, including the heartbeat loop, have
// finished. It only returns after Dispose.
func (m *Manager) Wait() {
	m.tasks.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
