package observability

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "signal_notifier"

// Metrics stores Prometheus collectors used by the HTTP surface and the delivery pipeline.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec
	notificationsEnqueued     *prometheus.CounterVec
	notificationsSentTotal    *prometheus.CounterVec
	notificationsFailedTotal  *prometheus.CounterVec
	notificationsRetriedTotal *prometheus.CounterVec
	notificationsSkippedTotal *prometheus.CounterVec
	notificationsDeferred     prometheus.Counter
	deliveryBatchesTotal      *prometheus.CounterVec
	deliveryBatchDuration     *prometheus.HistogramVec
	dispatchRunsTotal         *prometheus.CounterVec
	retentionRowsTotal        *prometheus.CounterVec
	webhookEventsTotal        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		notificationsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_enqueued_total",
				Help:      "Total number of notifications inserted into the queue.",
			},
			[]string{"type"},
		),
		notificationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications confirmed by the delivery endpoint.",
			},
			[]string{"type"},
		),
		notificationsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_failed_total",
				Help:      "Total number of notifications that ended in failed state.",
			},
			[]string{"type", "reason"},
		),
		notificationsRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_retried_total",
				Help:      "Total number of failed attempts left pending for another try.",
			},
			[]string{"type"},
		),
		notificationsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_skipped_total",
				Help:      "Total number of notifications skipped without delivery.",
			},
			[]string{"reason"},
		),
		notificationsDeferred: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_deferred_total",
				Help:      "Total number of notifications pushed back by the rate limiter.",
			},
		),
		deliveryBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_batches_total",
				Help:      "Total number of destination batches by result.",
			},
			[]string{"host", "result"},
		),
		deliveryBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_batch_duration_seconds",
				Help:      "Delivery call duration in seconds grouped by destination host.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"host"},
		),
		dispatchRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_runs_total",
				Help:      "Total number of dispatcher ticks by outcome.",
			},
			[]string{"outcome"},
		),
		retentionRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retention_rows_total",
				Help:      "Total number of queue rows removed or expired by the retention sweeper.",
			},
			[]string{"action"},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_events_total",
				Help:      "Total number of webhook events received by event and result.",
			},
			[]string{"event", "result"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.notificationsEnqueued,
		m.notificationsSentTotal,
		m.notificationsFailedTotal,
		m.notificationsRetriedTotal,
		m.notificationsSkippedTotal,
		m.notificationsDeferred,
		m.deliveryBatchesTotal,
		m.deliveryBatchDuration,
		m.dispatchRunsTotal,
		m.retentionRowsTotal,
		m.webhookEventsTotal,
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

func (m *Metrics) IncEnqueued(notificationType string) {
	if m == nil {
		return
	}
	m.notificationsEnqueued.WithLabelValues(normalizeLabel(notificationType)).Inc()
}

func (m *Metrics) IncSent(notificationType string) {
	if m == nil {
		return
	}
	m.notificationsSentTotal.WithLabelValues(normalizeLabel(notificationType)).Inc()
}

func (m *Metrics) IncFailed(notificationType string, reason string) {
	if m == nil {
		return
	}
	m.notificationsFailedTotal.WithLabelValues(normalizeLabel(notificationType), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncRetried(notificationType string) {
	if m == nil {
		return
	}
	m.notificationsRetriedTotal.WithLabelValues(normalizeLabel(notificationType)).Inc()
}

func (m *Metrics) AddSkipped(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.notificationsSkippedTotal.WithLabelValues(normalizeLabel(reason)).Add(float64(count))
}

func (m *Metrics) AddDeferred(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.notificationsDeferred.Add(float64(count))
}

// ObserveDeliveryBatch records one delivery call. Destinations are reduced to their host
// so tokens or paths never become label values.
func (m *Metrics) ObserveDeliveryBatch(destination string, result string, duration time.Duration) {
	if m == nil {
		return
	}
	host := destinationHost(destination)
	m.deliveryBatchesTotal.WithLabelValues(host, normalizeLabel(result)).Inc()

	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryBatchDuration.WithLabelValues(host).Observe(seconds)
}

func (m *Metrics) IncDispatchRun(outcome string) {
	if m == nil {
		return
	}
	m.dispatchRunsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) AddRetention(action string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.retentionRowsTotal.WithLabelValues(normalizeLabel(action)).Add(float64(rows))
}

func (m *Metrics) IncWebhookEvent(event string, result string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(normalizeLabel(event), normalizeLabel(result)).Inc()
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

func destinationHost(destination string) string {
	parsed, err := url.Parse(strings.TrimSpace(destination))
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	return strings.ToLower(parsed.Hostname())
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
