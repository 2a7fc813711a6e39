// Package metrics provides Prometheus instrumentation for the rebalance
// engine.
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
	// CyclesTotal counts evaluation cycles, partitioned by outcome
	// (noop, rebalanced, skipped, error).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_cycles_total",
		Help: "Total evaluation cycles run",
	}, []string{"outcome"})

	// CycleDuration tracks end-to-end evaluation cycle latency.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rebalancer_cycle_duration_seconds",
		Help:    "Evaluation cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatchSubmissions counts batch submissions by result
	// (applied, insufficient_balance, not_authorized, timeout, error).
	BatchSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_batch_submissions_total",
		Help: "Batch submissions by result",
	}, []string{"result"})

	// GuardRejections counts plans rejected by the notional limiter.
	GuardRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebalancer_guard_rejections_total",
		Help: "Plans rejected by the notional guard",
	})

	// LedgerOps counts individual ledger mutations by kind.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_ledger_ops_total",
		Help: "Ledger operations applied",
	}, []string{"kind"})

	// PortfolioValueUSD tracks the last observed total portfolio value.
	PortfolioValueUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebalancer_portfolio_value_usd",
		Help: "Total portfolio USD value at last snapshot",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rebalancer_http_request_duration_seconds",
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

		// Use the raw path for the label to avoid route-pattern plumbing;
		// cardinality stays low because the API surface is fixed.
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
