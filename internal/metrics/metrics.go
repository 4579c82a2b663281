// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts orders accepted by the lifecycle manager,
	// partitioned by side and immediate outcome ("filled" or "open").
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_orders_placed_total",
		Help: "Total orders placed",
	}, []string{"side", "outcome"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperledger_orders_cancelled_total",
		Help: "Total orders cancelled",
	})

	// FillsTotal counts executed fills by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_fills_total",
		Help: "Total fills executed",
	}, []string{"side"})

	// BatchOrderOutcomes counts per-order outcomes of batch passes
	// ("filled", "skipped", "failed").
	BatchOrderOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_batch_order_outcomes_total",
		Help: "Per-order outcomes of open-order batch passes",
	}, []string{"outcome"})

	// StrategyDecisions counts strategy pass decisions
	// ("buy", "sell_take_profit", "sell_stop_loss", "sell_time_stop",
	// "hold", "skip", "error").
	StrategyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_strategy_decisions_total",
		Help: "Strategy evaluation decisions",
	}, []string{"action"})

	// OracleRequestDuration tracks quote fetch latency by request kind.
	OracleRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperledger_oracle_request_duration_seconds",
		Help:    "Price oracle request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// OracleFailures counts failed oracle requests.
	OracleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperledger_oracle_failures_total",
		Help: "Failed price oracle requests",
	})

	// InsufficientRejections counts orders rejected for lack of funds or
	// shares.
	InsufficientRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_insufficient_rejections_total",
		Help: "Orders rejected for insufficient funds or position",
	}, []string{"reason"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
