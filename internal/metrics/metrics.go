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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readit_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "readit_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	readsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readit_reads_total",
			Help: "Read attempts by outcome",
		},
		[]string{"outcome"},
	)

	readLockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "readit_read_lock_wait_seconds",
			Help:    "Time spent in the consume-read critical section including lock wait",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		},
	)

	notificationsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "readit_notifications_enqueued_total",
			Help: "Dispatch jobs enqueued after a successful read",
		},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readit_notifications_processed_total",
			Help: "Notification attempts by status and channel",
		},
		[]string{"status", "channel"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "readit_notification_latency_seconds",
			Help:    "Time from read to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	webhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "readit_webhook_delivery_seconds",
			Help:    "Outbound webhook request latency by destination kind",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "readit_dispatch_queue_depth",
			Help: "Dispatch jobs waiting in the in-process queue",
		},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "readit_dispatch_jobs_in_flight",
			Help: "Dispatch jobs currently being processed",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readit_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	billingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readit_billing_events_total",
			Help: "Billing webhook events by name and result",
		},
		[]string{"event", "result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "readit_circuit_breaker_state",
			Help: "Circuit breaker state per transport (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRead counts a read attempt; outcome is ok, expired, exhausted,
// deactivated, wrong_password, not_found or lock_timeout.
func RecordRead(outcome string) {
	readsTotal.WithLabelValues(outcome).Inc()
}

func ObserveReadLockWait(d time.Duration) {
	readLockWait.Observe(d.Seconds())
}

func RecordNotificationEnqueued() {
	notificationsEnqueued.Inc()
}

// RecordNotificationProcessed records notification processing result
func RecordNotificationProcessed(status, channel string) {
	notificationsProcessed.WithLabelValues(status, channel).Inc()
}

// RecordNotificationLatency records end-to-end notification delivery time
func RecordNotificationLatency(channel string, latency time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

func ObserveWebhookDelivery(kind string, d time.Duration) {
	webhookDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func IncJobsInFlight() { jobsInFlight.Inc() }

func DecJobsInFlight() { jobsInFlight.Dec() }

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

func RecordBillingEvent(event, result string) {
	billingEvents.WithLabelValues(event, result).Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Paths
// are labeled with the matched chi route pattern so tokens never become
// label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
