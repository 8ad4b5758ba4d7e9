package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptoguard/config"
	"cryptoguard/internal/dashboard"
	"cryptoguard/internal/exchange"
	"cryptoguard/internal/latency"
	"cryptoguard/internal/metrics"
	"cryptoguard/internal/models"
	"cryptoguard/internal/ratelimit"
	"cryptoguard/internal/reconcile"
	"cryptoguard/internal/safety"
	"cryptoguard/internal/session"
	"cryptoguard/internal/store"
	"cryptoguard/internal/stream"
	"cryptoguard/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	accountsPath := flag.String("accounts", "config/accounts.yml", "Path to accounts file")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.CryptoGuard.Name,
		"version":     cfg.CryptoGuard.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
	}).Info("starting cryptoguard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" && cfg.Logging.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}
	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(logger.CloudWatchOptions{
			Region:    cfg.Metrics.Region,
			Namespace: cfg.Metrics.Namespace,
			Dashboard: cfg.Metrics.Dashboard,
		})
	}
	metrics.Init()

	st, err := store.Open(cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	// Public endpoints: server time, exchange info and ticker prices.
	public := exchange.NewBinanceREST(restOptions(cfg, "", ""))

	rules := ratelimit.NewRuleService(st, cfg.RateLimit.RuleCacheTTL)
	rule, err := rules.GetRule(ctx, cfg.RateLimit.Category)
	if err != nil {
		log.WithError(err).Error("failed to load rate limit rule")
		os.Exit(1)
	}
	if cfg.RateLimit.DiscoverLimits {
		rule = discoverLimits(ctx, log, public, rules, rule)
	}
	pacer := ratelimit.NewPacer(rule)
	rules.OnUpdate(pacer.Apply)

	bus := safety.NewBus()
	var publisher *safety.KafkaPublisher
	if cfg.Safety.Kafka.Enabled {
		publisher, err = safety.NewKafkaPublisher(cfg.Safety.Kafka.Brokers, cfg.Safety.Kafka.Topic)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		bus.Subscribe(publisher.Handle)
		if err := publisher.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka publisher")
			os.Exit(1)
		}
	}

	latencyOpts := config.NewLatencyOptionsSource(path, cfg.Latency)
	monitor := latency.NewMonitor(st, latencyOpts, bus)

	var archive *store.LatencyArchive
	if cfg.Storage.S3.Enabled {
		archive, err = store.NewLatencyArchive(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create latency archive")
			os.Exit(1)
		}
		monitor.Observe(archive.Observe)
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start latency archive")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; latency archive off")
	}

	registry := session.NewRegistry()
	for _, acc := range loadAccounts(log, *accountsPath, cfg) {
		o := restOptions(cfg, acc.APIKey, acc.APISecret)
		o.Testnet = o.Testnet || acc.Testnet
		registry.Add(session.New(acc.Name, exchange.NewBinanceREST(o)))
	}
	if registry.Len() == 0 {
		log.WithComponent("main").Warn("no accounts configured; reconciliation idle")
	}

	pollOpts := reconcile.Options{Pacer: pacer, Measurer: monitor}
	orders := reconcile.NewOrderPoller(registry, pollOpts)
	positions := reconcile.NewPositionPoller(registry, cfg.Reconcile.QuoteAssets, pollOpts)

	wsWeight := ratelimit.NewWSWeightTracker()
	binanceStream := exchange.NewBinanceStream(cfg.Binance.StreamURL, wsWeight)
	history := stream.NewTickHistory(cfg.Stream.HistoryLimit)
	manager := stream.NewManager(binanceStream, stream.ConfigFrom(cfg.Stream), history)
	manager.OnStatus(func(ev stream.StatusEvent) {
		log.WithComponent("stream_manager").WithFields(logger.Fields{"event": ev.String()}).Info("stream status changed")
	})
	manager.OnError(func(err error) {
		log.WithComponent("stream_manager").WithError(err).Warn("stream error")
	})

	follower := stream.NewFollower(manager, public, history, stream.FollowerOptions{
		Interval:     cfg.Stream.Interval,
		UseWebsocket: cfg.Stream.UseWebsocket,
		PollInterval: cfg.Stream.PollInterval,
	})
	follower.SetTickers(cfg.Stream.Tickers)

	dash, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Sessions:      registry,
		Ticks:         history,
		Subscriptions: manager,
		Rules:         rules,
		Pacer:         pacer,
		Monitor:       monitor,
		LatencyStore:  st,
		RuleCategory:  cfg.RateLimit.Category,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.WithComponent("main").WithFields(logger.Fields{"task": name}).Debug("task stopped")
		}()
	}

	run("order_poller", func() { reconcile.Schedule(ctx, orders, cfg.Reconcile.OrderInterval) })
	run("position_poller", func() { reconcile.Schedule(ctx, positions, cfg.Reconcile.PositionInterval) })
	if cfg.Latency.ProbeInterval > 0 {
		probe := latency.NewProbe(monitor, public, cfg.Latency.ProbeInterval)
		run("latency_probe", func() { probe.Run(ctx) })
	}
	run("ticker_follower", func() {
		if err := follower.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("ticker follower stopped")
		}
	})
	run("ws_weight_report", func() { reportWSWeight(ctx, log, wsWeight, cfg.Logging.ReportInterval) })
	if dash != nil {
		run("dashboard", func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard stopped")
			}
		})
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reloadLatency(log, latencyOpts)
			continue
		}
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		break
	}
	signal.Stop(sigChan)

	log.Info("starting graceful shutdown")
	cancel()
	wg.Wait()

	log.Info("stopping stream manager")
	manager.Dispose()
	manager.Wait()
	if err := binanceStream.Close(); err != nil {
		log.WithError(err).Debug("stream close")
	}

	monitor.Wait()
	if archive != nil {
		log.Info("stopping latency archive")
		archive.Stop()
	}
	if publisher != nil {
		log.Info("stopping kafka publisher")
		publisher.Stop()
	}

	log.Info("shutdown complete")
}

func restOptions(cfg *config.Config, key, secret string) exchange.BinanceRESTOptions {
	return exchange.BinanceRESTOptions{
		APIKey:     key,
		APISecret:  secret,
		BaseURL:    cfg.Binance.RestURL,
		Testnet:    cfg.Binance.Testnet,
		Timeout:    cfg.Binance.Timeout,
		RecvWindow: cfg.Binance.RecvWindow,
	}
}

// loadAccounts prefers the accounts file and falls back to the key pair in
// the main config outside production-like environments.
func loadAccounts(log *logger.Log, path string, cfg *config.Config) []config.Account {
	if _, err := os.Stat(path); err == nil {
		accounts, err := config.LoadAccounts(path)
		if err != nil {
			log.WithError(err).Error("failed to load accounts")
			os.Exit(1)
		}
		return accounts.Accounts
	}
	if env := config.AppEnvironment(); config.IsProductionLike(env) {
		log.WithFields(logger.Fields{"environment": env, "path": path}).Error("accounts file required")
		os.Exit(1)
	}
	return config.AccountsFromConfig(cfg).Accounts
}

// discoverLimits replaces the stored ceilings with the ones the exchange
// publishes. Failures keep the stored rule.
func discoverLimits(ctx context.Context, log *logger.Log, public *exchange.BinanceREST, rules *ratelimit.RuleService, rule models.RateLimitRule) models.RateLimitRule {
	l := log.WithComponent("rate_limit_rules")
	weight, orders, orders10s, err := ratelimit.FetchLimits(ctx, public.Client())
	if err != nil {
		l.WithError(err).Warn("limit discovery failed, keeping stored rule")
		return rule
	}
	seeded := ratelimit.SeedAnalyzer(ratelimit.AnalyzerFromRule(rule), weight, orders, orders10s)
	if seeded.WeightLimitPerMin == rule.WeightLimitPerMin &&
		seeded.OrderLimitPerMin == rule.OrderLimitPerMin &&
		seeded.OrderLimitPer10s == rule.OrderLimitPer10s {
		return rule
	}

	next := rule
	next.WeightLimitPerMin = seeded.WeightLimitPerMin
	next.OrderLimitPerMin = seeded.OrderLimitPerMin
	next.OrderLimitPer10s = seeded.OrderLimitPer10s
	updated, err := rules.UpdateRule(ctx, rule.Category, next)
	if err != nil {
		l.WithError(err).Warn("failed to store discovered limits")
		return rule
	}
	return updated
}

func reloadLatency(log *logger.Log, src *config.LatencyOptionsSource) {
	l := log.WithComponent("main")
	opts, err := src.Reload()
	if err != nil {
		l.WithError(err).Warn("latency reload failed; keeping previous thresholds")
		return
	}
	l.WithFields(logger.Fields{
		"warning_ms":  opts.WarningThresholdMs,
		"critical_ms": opts.CriticalThresholdMs,
		"average_ms":  opts.AverageThresholdMs,
	}).Info("latency thresholds reloaded")
}

func reportWSWeight(ctx context.Context, log *logger.Log, t *ratelimit.WSWeightTracker, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ratelimit.ReportWSWeight(log, t)
		}
	}
}
