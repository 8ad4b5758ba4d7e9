// Package dashboard serves the diagnostics API: cached session state, tick
// history, stream subscriptions, rate-limit rules and simulation, latency
// history, captured logs and metrics, host resources and the Prometheus
// registry.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cryptoguard/config"
	"cryptoguard/internal/latency"
	"cryptoguard/internal/metrics"
	"cryptoguard/internal/models"
	"cryptoguard/internal/ratelimit"
	"cryptoguard/internal/session"
	"cryptoguard/internal/stream"
	"cryptoguard/logger"
)

const defaultHistoryLimit = 100

// SubscriptionLister reports the stream subscriptions.
type SubscriptionLister interface {
	Subscriptions() []stream.SubscriptionInfo
}

// LatencyHistory reads persisted latency measurements, newest first.
type LatencyHistory interface {
	RecentLatency(ctx context.Context, endpoint string, limit int) ([]models.LatencyMeasurement, error)
}

// PacerView is the read side of the request pacer.
type PacerView interface {
	Usage() float64
	ApproachingLimit() bool
	BelowRecovery() bool
	Recent() []models.ApiCall
}

// Sources are the components the dashboard reads from. A nil source makes
// its routes answer 503.
type Sources struct {
	Sessions      *session.Registry
	Ticks         *stream.TickHistory
	Subscriptions SubscriptionLister
	Rules         *ratelimit.RuleService
	Pacer         PacerView
	Monitor       *latency.Monitor
	LatencyStore  LatencyHistory
	RuleCategory  string
}

// Server hosts the gin diagnostics API.
type Server struct {
	cfg             config.DashboardConfig
	src             Sources
	log             *logger.Log
	now             func() time.Time
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	resourceSampler *resourceSampler
	httpServer      *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, src Sources) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if src.RuleCategory == "" {
		src.RuleCategory = "futures"
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		src:             src,
		log:             log,
		now:             time.Now,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   metrics.RegisterMetricHandler(metricStore.handle),
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.SampleInterval, "/", log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.now().UTC()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/metrics", s.listMetrics)
	api.GET("/logs", s.listLogs)
	api.GET("/resources", s.listResources)

	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)

	api.GET("/ticks", s.listTicks)
	api.GET("/ticks/:symbol", s.getTicks)
	api.GET("/streams", s.listStreams)

	api.GET("/rate-limit/rules/:category", s.getRule)
	api.PUT("/rate-limit/rules/:category", s.updateRule)
	api.POST("/rate-limit/simulate", s.simulate)
	api.GET("/rate-limit/usage", s.usage)

	api.GET("/latency", s.latencySummary)
	api.GET("/latency/recent", s.recentLatency)
	api.GET("/latency/history", s.latencyHistory)

	return router, nil
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) listMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) listLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
}

func (s *Server) listResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
}

// window parses the optional ?window= duration. Zero means no cutoff.
func window(c *gin.Context) (time.Duration, error) {
	raw := c.Query("window")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("window must not be negative")
	}
	return d, nil
}

func (s *Server) listSessions(c *gin.Context) {
	if s.src.Sessions == nil {
		unavailable(c, "sessions")
		return
	}
	w, err := window(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	now := s.now()
	out := make([]session.Overview, 0, s.src.Sessions.Len())
	for _, id := range s.src.Sessions.SessionIDs() {
		if sess, ok := s.src.Sessions.TryGet(id); ok {
			out = append(out, sess.Overview(now, w))
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) getSession(c *gin.Context) {
	if s.src.Sessions == nil {
		unavailable(c, "sessions")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	w, err := window(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	sess, ok := s.src.Sessions.TryGet(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess.Overview(s.now(), w))
}

func (s *Server) listTicks(c *gin.Context) {
	if s.src.Ticks == nil {
		unavailable(c, "tick history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticks": s.src.Ticks.All()})
}

func (s *Server) getTicks(c *gin.Context) {
	if s.src.Ticks == nil {
		unavailable(c, "tick history")
		return
	}
	symbol := stream.NormalizeSymbol(c.Param("symbol"))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "ticks": s.src.Ticks.Snapshot(symbol)})
}

func (s *Server) listStreams(c *gin.Context) {
	if s.src.Subscriptions == nil {
		unavailable(c, "stream manager")
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": s.src.Subscriptions.Subscriptions()})
}

func (s *Server) getRule(c *gin.Context) {
	if s.src.Rules == nil {
		unavailable(c, "rate limit rules")
		return
	}
	rule, err := s.src.Rules.GetRule(c.Request.Context(), c.Param("category"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"rule": rule}
	if s.src.Pacer != nil {
		resp["usage"] = s.src.Pacer.Usage()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) updateRule(c *gin.Context) {
	if s.src.Rules == nil {
		unavailable(c, "rate limit rules")
		return
	}
	var values models.RateLimitRule
	if err := c.ShouldBindJSON(&values); err != nil {
		badRequest(c, err)
		return
	}
	if err := ratelimit.ValidateRule(values); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := s.src.Rules.UpdateRule(c.Request.Context(), c.Param("category"), values)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// simulate evaluates a planned batch against the rule for ?category=, or
// the configured category.
func (s *Server) simulate(c *gin.Context) {
	var req ratelimit.SimulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	analyzer := ratelimit.NewAnalyzer()
	if s.src.Rules != nil {
		category := c.DefaultQuery("category", s.src.RuleCategory)
		rule, err := s.src.Rules.GetRule(c.Request.Context(), category)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		analyzer = ratelimit.AnalyzerFromRule(rule)
	}
	c.JSON(http.StatusOK, analyzer.Simulate(req))
}

// usage reports the pacer state and runs the burst check over the calls it
// made in the last minute.
func (s *Server) usage(c *gin.Context) {
	if s.src.Pacer == nil {
		unavailable(c, "rate limit pacer")
		return
	}
	analyzer := ratelimit.NewAnalyzer()
	if s.src.Rules != nil {
		rule, err := s.src.Rules.GetRule(c.Request.Context(), s.src.RuleCategory)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		analyzer = ratelimit.AnalyzerFromRule(rule)
	}

	recent := s.src.Pacer.Recent()
	calls := ratelimit.TimedFromHistory(recent)
	total, exceeded := analyzer.WeightUsage(recent)
	c.JSON(http.StatusOK, gin.H{
		"usage":             s.src.Pacer.Usage(),
		"approaching_limit": s.src.Pacer.ApproachingLimit(),
		"below_recovery":    s.src.Pacer.BelowRecovery(),
		"calls":             len(recent),
		"total_weight":      total,
		"weight_exceeded":   exceeded,
		"burst_violation":   analyzer.DetectBurst(calls),
	})
}

type endpointLatency struct {
	Endpoint  string  `json:"endpoint"`
	AverageMs float64 `json:"average_ms"`
	Samples   int     `json:"samples"`
}

func (s *Server) latencySummary(c *gin.Context) {
	if s.src.Monitor == nil {
		unavailable(c, "latency monitor")
		return
	}
	endpoints := s.src.Monitor.Endpoints()
	out := make([]endpointLatency, 0, len(endpoints))
	for _, ep := range endpoints {
		avg, n := s.src.Monitor.AverageLatency(ep)
		out = append(out, endpointLatency{Endpoint: ep, AverageMs: avg, Samples: n})
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": out})
}

func (s *Server) recentLatency(c *gin.Context) {
	if s.src.Monitor == nil {
		unavailable(c, "latency monitor")
		return
	}
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		badRequest(c, errors.New("endpoint is required"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": endpoint, "measurements": s.src.Monitor.RecentMeasurements(endpoint)})
}

func (s *Server) latencyHistory(c *gin.Context) {
	if s.src.LatencyStore == nil {
		unavailable(c, "latency store")
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	rows, err := s.src.LatencyStore.RecentLatency(c.Request.Context(), c.Query("endpoint"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"measurements": rows})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if net.ParseIP(addr) != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
