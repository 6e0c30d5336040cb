// Package metrics provides Prometheus instrumentation for the simulator.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stakeholder/tokensim/internal/model"
)

var (
	// RunsTotal counts simulation runs by outcome.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_runs_total",
		Help: "Total number of simulation runs",
	}, []string{"outcome"})

	// RunDuration tracks wall-clock time of a full run.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokensim_run_duration_seconds",
		Help:    "Simulation run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	// DaysSimulated counts simulated days across all runs.
	DaysSimulated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokensim_days_simulated_total",
		Help: "Total number of simulated days",
	})

	// TransactionsTotal counts executed simulation trades by action.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_transactions_total",
		Help: "Total number of executed simulation transactions",
	}, []string{"action"})

	// FailedTransactions counts rejected simulation trades.
	FailedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokensim_failed_transactions_total",
		Help: "Simulation transactions rejected by validation",
	})

	// SupplyAdjustments counts reserve-driven mint and burn steps.
	SupplyAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_supply_adjustments_total",
		Help: "Units minted, burned or deferred by reserve resolution",
	}, []string{"kind"})

	// GlobalReserve is the reserve of the most recent simulated day.
	GlobalReserve = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokensim_global_reserve",
		Help: "Global reserve at the end of the latest simulated day",
	})

	// MarketCap is the market cap of the most recent simulated day.
	MarketCap = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokensim_market_cap",
		Help: "Market cap at the end of the latest simulated day",
	})

	// SessionTrades counts interactive trades by side.
	SessionTrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_session_trades_total",
		Help: "Total number of interactive session trades",
	}, []string{"side"})

	// SessionRejections counts interactive trades refused by validation.
	SessionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokensim_session_rejections_total",
		Help: "Interactive session trades rejected by validation",
	})

	// ActiveSessions tracks the number of open interactive sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokensim_active_sessions",
		Help: "Number of open interactive sessions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokensim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokensim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// RecordDay folds one day's counters and end-of-day snapshot into the
// simulation metrics.
func RecordDay(stats model.DayStats, snap model.DaySnapshot) {
	DaysSimulated.Inc()
	TransactionsTotal.WithLabelValues(string(model.ActionBuy)).Add(float64(stats.Buys))
	TransactionsTotal.WithLabelValues(string(model.ActionSell)).Add(float64(stats.Sells))
	FailedTransactions.Add(float64(stats.Failures))
	SupplyAdjustments.WithLabelValues("mint").Add(float64(stats.Mints))
	SupplyAdjustments.WithLabelValues("burn").Add(float64(stats.Burns))
	SupplyAdjustments.WithLabelValues("deferred").Add(float64(stats.Deferred))

	reserve, _ := snap.Reserve.Float64()
	GlobalReserve.Set(reserve)
	MarketCap.Set(snap.MarketCap)
}

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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
