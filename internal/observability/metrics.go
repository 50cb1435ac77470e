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

// Metrics stores Prometheus collectors used by the API and the scheduling worker.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	cyclesTotal         *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	planAssignments     *prometheus.CounterVec
	sendOutcomesTotal   *prometheus.CounterVec
	sendDuration        *prometheus.HistogramVec
	dispatchInflight    *prometheus.GaugeVec
	retryScheduledTotal *prometheus.CounterVec
	feedbackTotal       *prometheus.CounterVec
	accountReputation   *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "outreach_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "outreach_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "outreach_engine",
				Name:      "scheduling_cycles_total",
				Help:      "Scheduling cycles by result (completed, skipped, failed).",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "outreach_engine",
				Name:      "scheduling_cycle_duration_seconds",
				Help:      "Wall time of completed scheduling cycles.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
		),
		planAssignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "outreach_engine",
				Name:      "plan_sends_total",
				Help:      "Pending sends considered by the planner, by placement.",
			},
			[]string{"placement"},
		),
		sendOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "outreach_engine",
				Name:      "send_outcomes_total",
				Help:      "Send results appended to the log by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "outreach_engine",
				Name:      "send_duration_seconds",
				Help:      "Send primitive duration in seconds grouped by source.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"source"},
		),
		dispatchInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "outreach_engine",
				Name:      "dispatch_inflight",
				Help:      "Current number of in-flight sends grouped by source.",
			},
			[]string{"source"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "outreach_engine",
				Name:      "retry_scheduled_total",
				Help:      "Total number of deferred sends requeued with backoff.",
			},
			[]string{"source"},
		),
		feedbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "outreach_engine",
				Name:      "feedback_total",
				Help:      "Asynchronous delivery signals received by kind.",
			},
			[]string{"kind"},
		),
		accountReputation: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "outreach_engine",
				Name:      "account_reputation",
				Help:      "Latest reputation score per sending account.",
			},
			[]string{"account"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.cyclesTotal,
		m.cycleDuration,
		m.planAssignments,
		m.sendOutcomesTotal,
		m.sendDuration,
		m.dispatchInflight,
		m.retryScheduledTotal,
		m.feedbackTotal,
		m.accountReputation,
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

func (m *Metrics) ObserveCycle(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(normalizeLabel(result)).Inc()
	if result == "completed" {
		m.cycleDuration.Observe(max(duration.Seconds(), 0))
	}
}

func (m *Metrics) AddPlanned(assigned int, unplaced int) {
	if m == nil {
		return
	}
	m.planAssignments.WithLabelValues("assigned").Add(float64(max(assigned, 0)))
	m.planAssignments.WithLabelValues("unplaced").Add(float64(max(unplaced, 0)))
}

func (m *Metrics) IncSendOutcome(source string, outcome string) {
	if m == nil {
		return
	}
	m.sendOutcomesTotal.WithLabelValues(normalizeLabel(source), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveSendDuration(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.WithLabelValues(normalizeLabel(source)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncDispatchInFlight(source string) {
	if m == nil {
		return
	}
	m.dispatchInflight.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *Metrics) DecDispatchInFlight(source string) {
	if m == nil {
		return
	}
	m.dispatchInflight.WithLabelValues(normalizeLabel(source)).Dec()
}

func (m *Metrics) IncRetryScheduled(source string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *Metrics) IncFeedback(kind string) {
	if m == nil {
		return
	}
	m.feedbackTotal.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *Metrics) SetReputation(accountID string, reputation float64) {
	if m == nil || strings.TrimSpace(accountID) == "" {
		return
	}
	m.accountReputation.WithLabelValues(accountID).Set(reputation)
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
