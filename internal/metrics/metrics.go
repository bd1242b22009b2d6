package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives measurements from the reconciler, the notification
// worker and the HTTP layer.
type Recorder interface {
	// ObserveEvent records one processed tier-change event
	ObserveEvent(skipped bool, duration time.Duration)

	// ObserveOutcome records the action taken for one (user, app) pair
	ObserveOutcome(appID, action string)

	// ObserveRemoteCall records one call to an app's key API
	ObserveRemoteCall(appID, op string, err error, duration time.Duration)

	// ObserveNotification records a delivery attempt result: sent, retried or dead_lettered
	ObserveNotification(result string)

	// ObserveHTTPRequest records one served request
	ObserveHTTPRequest(route, method string, status int, duration time.Duration)
}

// Metrics exposes recorded measurements over HTTP.
type Metrics interface {
	Recorder
	HTTPHandler() http.Handler
}

// PrometheusMetrics implements Metrics on a dedicated Prometheus registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	eventDuration prometheus.Histogram
	outcomes      *prometheus.CounterVec
	remoteCalls   *prometheus.CounterVec
	remoteLatency *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers the keysync collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysync_events_total",
			Help: "Tier change events processed",
		}, []string{"skipped"}),

		eventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keysync_event_duration_seconds",
			Help:    "Time to reconcile every app for one event",
			Buckets: prometheus.DefBuckets,
		}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysync_reconcile_outcomes_total",
			Help: "Per-app reconcile results",
		}, []string{"app_id", "action"}), // action: created, updated, skipped, failed

		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysync_remote_calls_total",
			Help: "Calls to app key APIs",
		}, []string{"app_id", "op", "result"}),

		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keysync_remote_call_duration_seconds",
			Help:    "Latency of calls to app key APIs",
			Buckets: prometheus.DefBuckets,
		}, []string{"app_id", "op"}),

		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysync_notifications_total",
			Help: "Key delivery attempts",
		}, []string{"result"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysync_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"route", "method", "status"}),

		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keysync_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.registry.MustRegister(
		m.events, m.eventDuration,
		m.outcomes,
		m.remoteCalls, m.remoteLatency,
		m.notifications,
		m.httpRequests, m.httpLatency,
	)

	return m
}

// Registry returns the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) ObserveEvent(skipped bool, duration time.Duration) {
	m.events.WithLabelValues(strconv.FormatBool(skipped)).Inc()
	if !skipped {
		m.eventDuration.Observe(duration.Seconds())
	}
}

func (m *PrometheusMetrics) ObserveOutcome(appID, action string) {
	m.outcomes.WithLabelValues(appID, action).Inc()
}

func (m *PrometheusMetrics) ObserveRemoteCall(appID, op string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.remoteCalls.WithLabelValues(appID, op, result).Inc()
	m.remoteLatency.WithLabelValues(appID, op).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ObserveNotification(result string) {
	m.notifications.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// HTTPHandler serves the registry in the Prometheus text format.
func (m *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) ObserveEvent(bool, time.Duration) {}
func (m *NoopMetrics) ObserveOutcome(string, string) {}
func (m *NoopMetrics) ObserveRemoteCall(string, string, error, time.Duration) {}
func (m *NoopMetrics) ObserveNotification(string) {}
func (m *NoopMetrics) ObserveHTTPRequest(string, string, int, time.Duration) {}

func (m *NoopMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
