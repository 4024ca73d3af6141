// Package metrics provides Prometheus instrumentation for the spread engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesOpened counts positions opened, partitioned by side.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_trades_opened_total",
		Help: "Total number of positions opened",
	}, []string{"side"})

	// Settlements counts positions closed, partitioned by reason.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_settlements_total",
		Help: "Total number of positions settled",
	}, []string{"reason"})

	// Rejections counts open/exit commands rejected by validation.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_validation_rejections_total",
		Help: "Commands rejected by validation",
	}, []string{"code"})

	// Liquidations counts users liquidated on a negative balance.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spread_liquidations_total",
		Help: "Users liquidated",
	})

	// TickLatency tracks time to revalue every position on one tick.
	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spread_tick_latency_seconds",
		Help:    "Tick processing latency in seconds",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// OpenPositions tracks open positions held in memory.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_open_positions",
		Help: "Number of open positions in memory",
	})

	// WriteFailures counts durable writes that exhausted their retries.
	WriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_write_failures_total",
		Help: "Durable writes that failed after all retries",
	}, []string{"kind"})

	// WriteQueueDepth tracks pending durable writes.
	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_write_queue_depth",
		Help: "Durable writes waiting for a worker",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spread_http_request_duration_seconds",
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

		// Route pattern keeps the label set bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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
