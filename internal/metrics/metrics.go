// Package metrics provides Prometheus instrumentation for the market engine.
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
)

var (
	// MarketsCreated counts markets opened via the API.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mood_markets_created_total",
		Help: "Total number of markets created",
	})

	// OpenMarkets tracks markets created but not yet settled.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mood_open_markets",
		Help: "Number of markets awaiting settlement",
	})

	// BetsPlaced counts bets for which an invoice was issued, by position.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mood_bets_placed_total",
		Help: "Total bets placed (invoice issued)",
	}, []string{"position"})

	// BetsPaid counts confirmed bet payments. late=true means the market had
	// already settled and the stake is refunded.
	BetsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mood_bets_paid_total",
		Help: "Total bet payments confirmed",
	}, []string{"position", "late"})

	// StakedSats accumulates confirmed stake by position.
	StakedSats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mood_staked_sats_total",
		Help: "Cumulative confirmed stake in sats",
	}, []string{"position"})

	// Settlements counts settled markets by outcome (yes, no, refund).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mood_settlements_total",
		Help: "Total markets settled",
	}, []string{"outcome"})

	// SettlementFailures counts settlement attempts that left a market
	// unsettled, by reason.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mood_settlement_failures_total",
		Help: "Settlement attempts that failed",
	}, []string{"reason"})

	// FeesCollected accumulates protocol fees in sats.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mood_fees_collected_sats_total",
		Help: "Cumulative protocol fees in sats",
	})

	// OracleLatency tracks sentiment oracle calls.
	OracleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mood_oracle_latency_seconds",
		Help:    "Sentiment oracle latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	// PayoutAttempts counts payout send attempts by result.
	PayoutAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mood_payout_attempts_total",
		Help: "Payout send attempts",
	}, []string{"result"})

	// PayoutsSettled counts payouts reaching a terminal or parked state.
	PayoutsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mood_payouts_total",
		Help: "Payouts by final delivery status",
	}, []string{"status"})

	// DeliveryQueueDrops counts payouts not enqueued because the queue was
	// full. They are picked up by the next sweep.
	DeliveryQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mood_delivery_queue_drops_total",
		Help: "Payout deliveries dropped on a full queue",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mood_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mood_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mood_http_request_duration_seconds",
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

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
