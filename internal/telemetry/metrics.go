// Package telemetry defines the Prometheus metrics for the realtime gateway
// and webhook dispatcher.
package telemetry

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
	gatewayConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Number of currently open websocket connections.",
		},
	)

	gatewayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Total client frames processed, labeled by frame type.",
		},
		[]string{"type"},
	)

	gatewayAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_total",
			Help: "Total socket authentication attempts, labeled by result.",
		},
		[]string{"result"},
	)

	routerEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "router_events_published_total",
			Help: "Total events accepted for channel fan-out.",
		},
	)

	routerSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_sends_total",
			Help: "Total per-recipient send attempts, labeled by result.",
		},
		[]string{"result"},
	)

	webhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total webhook deliveries reaching a terminal status.",
		},
		[]string{"status"},
	)

	webhookAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_attempts_total",
			Help: "Total webhook HTTP attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	webhookAttemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_attempt_duration_seconds",
			Help:    "Latency of webhook HTTP attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// ConnectionOpened increments the open-connection gauge.
func ConnectionOpened() { gatewayConnectionsActive.Inc() }

// ConnectionClosed decrements the open-connection gauge.
func ConnectionClosed() { gatewayConnectionsActive.Dec() }

// ObserveClientFrame counts one inbound client frame.
func ObserveClientFrame(frameType string) {
	gatewayMessagesTotal.WithLabelValues(frameType).Inc()
}

// ObserveAuth counts one socket authentication attempt.
func ObserveAuth(result string) {
	gatewayAuthTotal.WithLabelValues(result).Inc()
}

// ObservePublish counts one event accepted for fan-out.
func ObservePublish() { routerEventsTotal.Inc() }

// ObserveSend counts one per-recipient send attempt.
func ObserveSend(result string) {
	routerSendsTotal.WithLabelValues(result).Inc()
}

// ObserveDeliveryStatus counts a webhook delivery reaching a terminal status.
func ObserveDeliveryStatus(status string) {
	webhookDeliveriesTotal.WithLabelValues(status).Inc()
}

// ObserveWebhookAttempt records one webhook HTTP attempt.
func ObserveWebhookAttempt(outcome string, dur time.Duration) {
	webhookAttemptsTotal.WithLabelValues(outcome).Inc()
	webhookAttemptDuration.Observe(dur.Seconds())
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, dur time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(dur.Seconds())
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
