package stream

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"cryptoguard/internal/exchange"
	"cryptoguard/internal/models"
	"cryptoguard/logger"
)

const defaultPollInterval = 5 * time.Second

// FollowerOptions configures a Follower.
type FollowerOptions struct {
	Interval     string
	UseWebsocket bool
	PollInterval time.Duration
}

// Follower keeps the process-wide set of followed tickers fed with prices,
// over the stream manager when possible and by REST polling otherwise.
type Follower struct {
	manager *Manager
	prices  exchange.PriceClient
	history *TickHistory
	opts    FollowerOptions
	log     *logger.Log

	mu      sync.RWMutex
	tickers map[string]struct{}
}

func NewFollower(manager *Manager, prices exchange.PriceClient, history *TickHistory, opts FollowerOptions) *Follower {
	if opts.Interval == "" {
		opts.Interval = "1m"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if history == nil {
		history = NewTickHistory(0)
	}
	return &Follower{
		manager: manager,
		prices:  prices,
		history: history,
		opts:    opts,
		log:     logger.GetLogger(),
		tickers: make(map[string]struct{}),
	}
}

// SetTickers replaces the followed set. Symbols are normalized and
// de-duplicated.
func (f *Follower) SetTickers(symbols []string) {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s = NormalizeSymbol(s); s != "" {
			next[s] = struct{}{}
		}
	}
	f.mu.Lock()
	f.tickers = next
	f.mu.Unlock()
}

func (f *Follower) Tickers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.tickers))
	for s := range f.tickers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HistorySnapshot returns the accumulated ticks per symbol.
func (f *Follower) HistorySnapshot() map[string][]models.Tick {
	return f.history.All()
}

// Run subscribes every ticker and blocks until ctx is done. Tickers whose
// subscription failed, or all of them when streaming is disabled, are polled
// over REST instead.
func (f *Follower) Run(ctx context.Context) error {
	log := f.log.WithComponent("ticker_follower")
	tickers := f.Tickers()
	polled := tickers

	if f.opts.UseWebsocket && f.manager != nil {
		var err error
		polled, err = f.subscribeAll(ctx, tickers)
		if err != nil {
			return err
		}
	}

	if len(polled) > 0 && f.prices != nil {
		log.WithFields(logger.Fields{"symbols": strings.Join(polled, ","), "interval": f.opts.PollInterval.String()}).
			Info("polling ticker prices")
		f.poll(ctx, polled)
		return nil
	}

	<-ctx.Done()
	return nil
}

// subscribeAll opens all feeds concurrently and returns the symbols that
// could not be subscribed.
func (f *Follower) subscribeAll(ctx context.Context, tickers []string) ([]string, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failed   []string
		firstErr error
	)
	for _, symbol := range tickers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.manager.Subscribe(ctx, symbol, f.opts.Interval, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if !ok {
				failed = append(failed, symbol)
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		f.log.WithComponent("ticker_follower").WithField("symbols", strings.Join(failed, ",")).
			Warn("streaming unavailable, falling back to polling")
	}
	return failed, nil
}

func (f *Follower) poll(ctx context.Context, symbols []string) {
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		f.PollOnce(ctx, symbols)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// PollOnce fetches the latest prices once and records them.
func (f *Follower) PollOnce(ctx context.Context, symbols []string) {
	prices, err := f.prices.GetTickerPrices(ctx, symbols)
	if err != nil {
		f.log.WithComponent("ticker_follower").WithError(err).Warn("ticker price poll failed")
		return
	}
	now := time.Now().UTC()
	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		f.history.Append(models.Tick{Symbol: symbol, Price: price, Timestamp: now})
		logger.IncrementTick()
	}
}
