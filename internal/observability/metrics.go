package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fx_batch_engine"

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec
	batchRunsTotal            *prometheus.CounterVec
	batchesFinalizedTotal     *prometheus.CounterVec
	tradesCompletedTotal      *prometheus.CounterVec
	tradesInFlight            prometheus.Gauge
	gatewayCallDuration       *prometheus.HistogramVec
	gatewayErrorsTotal        *prometheus.CounterVec
	locksSweptTotal           prometheus.Counter
	notificationsRelayedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_runs_total",
				Help:      "Total number of batch run attempts grouped by outcome.",
			},
			[]string{"outcome"},
		),
		batchesFinalizedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_finalized_total",
				Help:      "Total number of batches that reached a terminal status.",
			},
			[]string{"status"},
		),
		tradesCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_completed_total",
				Help:      "Total number of trades that reached a terminal status.",
			},
			[]string{"status"},
		),
		tradesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trades_in_flight",
				Help:      "Current number of trades being executed by this process.",
			},
		),
		gatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Settlement gateway call duration in seconds grouped by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		gatewayErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_errors_total",
				Help:      "Total number of failed settlement gateway calls.",
			},
			[]string{"operation", "reason"},
		),
		locksSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "locks_swept_total",
				Help:      "Total number of expired batch locks cleared.",
			},
		),
		notificationsRelayedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_relayed_total",
				Help:      "Total number of batch notifications published to the event exchange.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchRunsTotal,
		m.batchesFinalizedTotal,
		m.tradesCompletedTotal,
		m.tradesInFlight,
		m.gatewayCallDuration,
		m.gatewayErrorsTotal,
		m.locksSweptTotal,
		m.notificationsRelayedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatchRun(outcome string) {
	if m == nil {
		return
	}
	m.batchRunsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncBatchFinalized(status string) {
	if m == nil {
		return
	}
	m.batchesFinalizedTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncTradeCompleted(status string) {
	if m == nil {
		return
	}
	m.tradesCompletedTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncTradesInFlight() {
	if m == nil {
		return
	}
	m.tradesInFlight.Inc()
}

func (m *Metrics) DecTradesInFlight() {
	if m == nil {
		return
	}
	m.tradesInFlight.Dec()
}

func (m *Metrics) ObserveGatewayCall(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.gatewayCallDuration.WithLabelValues(normalizeLabel(operation)).Observe(seconds)
}

func (m *Metrics) IncGatewayError(operation string, reason string) {
	if m == nil {
		return
	}
	m.gatewayErrorsTotal.WithLabelValues(normalizeLabel(operation), normalizeLabel(reason)).Inc()
}

func (m *Metrics) AddLocksSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.locksSweptTotal.Add(float64(n))
}

func (m *Metrics) IncNotificationRelayed() {
	if m == nil {
		return
	}
	m.notificationsRelayedTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
