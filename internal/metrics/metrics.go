// Registers:
//
//	#cryptoguard_latency_ms
//	#cryptoguard_reconcile_changes_total
//	#cryptoguard_stream_reconnects_total
//	#cryptoguard_safety_signals_total
//	#go_* and process_* system metrics
//
// Handler exposes them for the dashboard's /metrics route.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once             sync.Once
	registry         = prometheus.NewRegistry()
	latencyMs        *prometheus.HistogramVec
	reconcileChanges *prometheus.CounterVec
	streamReconnects *prometheus.CounterVec
	safetySignals    *prometheus.CounterVec
	pacerUsage       *prometheus.GaugeVec
)

func Init() {
	once.Do(func() {
		latencyMs = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptoguard_latency_ms",
				Help:    "Round trip latency of exchange calls in milliseconds",
				Buckets: []float64{25, 50, 100, 250, 500, 1000, 2000, 3000, 5000, 10000},
			},
			[]string{"endpoint", "success"},
		)

		reconcileChanges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoguard_reconcile_changes_total",
				Help: "Cache changes applied by the reconciliation pollers",
			},
			[]string{"kind", "change"},
		)

		streamReconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoguard_stream_reconnects_total",
				Help: "Stream connection attempts by outcome",
			},
			[]string{"outcome"},
		)

		safetySignals = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoguard_safety_signals_total",
				Help: "Safety actions dispatched",
			},
			[]string{"action"},
		)

		pacerUsage = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cryptoguard_rate_limit_usage_ratio",
				Help: "Share of the per-minute request weight consumed in the last minute",
			},
			[]string{"category"},
		)

		registry.MustRegister(latencyMs, reconcileChanges, streamReconnects, safetySignals, pacerUsage)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveLatency(endpoint string, success bool, ms int64) {
	if latencyMs != nil {
		latencyMs.WithLabelValues(endpoint, strconv.FormatBool(success)).Observe(float64(ms))
	}
}

// IncReconcileChange counts one add, update or remove of an order or position.
func IncReconcileChange(kind, change string) {
	if reconcileChanges != nil {
		reconcileChanges.WithLabelValues(kind, change).Inc()
	}
}

func IncStreamReconnect(outcome string) {
	if streamReconnects != nil {
		streamReconnects.WithLabelValues(outcome).Inc()
	}
}

func IncSafetySignal(action string) {
	if safetySignals != nil {
		safetySignals.WithLabelValues(action).Inc()
	}
}

func SetPacerUsage(category string, ratio float64) {
	if pacerUsage != nil {
		pacerUsage.WithLabelValues(category).Set(ratio)
	}
}
