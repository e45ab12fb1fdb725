// Package prometheus implements the metrics interfaces with Prometheus collectors.
package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/dittoweb/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// httpMetrics is the Prometheus implementation of metrics.HTTPMetrics.
type httpMetrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	bytesSent           prometheus.Counter
	authTotal           *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	pendingTasks        prometheus.Gauge
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsEvicted  prometheus.Counter
	connectionsRejected *prometheus.CounterVec
}

// NewHTTPMetrics creates HTTP metrics on the global registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewHTTPMetrics() metrics.HTTPMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopHTTPMetrics()
	}
	return NewHTTPMetricsWith(metrics.GetRegistry())
}

// NewHTTPMetricsWith registers the HTTP collectors on reg.
func NewHTTPMetricsWith(reg prometheus.Registerer) metrics.HTTPMetrics {
	factory := promauto.With(reg)

	return &httpMetrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoweb_http_requests_total",
				Help: "Total number of HTTP requests by method and status code",
			},
			[]string{"method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittoweb_http_request_duration_milliseconds",
				Help: "Time from a complete request to its response being built, in milliseconds",
				Buckets: []float64{
					0.1,  // 100µs
					1,    // 1ms
					10,   // 10ms
					100,  // 100ms
					1000, // 1s
				},
			},
			[]string{"method"},
		),
		bytesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dittoweb_http_bytes_sent_total",
				Help: "Total response bytes written to clients",
			},
		),
		authTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoweb_http_auth_total",
				Help: "Login and registration attempts by outcome",
			},
			[]string{"action", "result"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoweb_http_active_connections",
				Help: "Current number of open HTTP connections",
			},
		),
		pendingTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoweb_http_pending_tasks",
				Help: "Requests queued for the worker pool",
			},
		),
		connectionsAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dittoweb_http_connections_accepted_total",
				Help: "Total number of HTTP connections accepted",
			},
		),
		connectionsClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dittoweb_http_connections_closed_total",
				Help: "Total number of HTTP connections closed",
			},
		),
		connectionsEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dittoweb_http_connections_evicted_total",
				Help: "Total number of HTTP connections closed by the idle timer",
			},
		),
		connectionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoweb_http_connections_rejected_total",
				Help: "Connections refused at accept time by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *httpMetrics) RecordRequest(method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(float64(duration) / float64(time.Millisecond))
}

func (m *httpMetrics) RecordBytesSent(bytes int64) {
	m.bytesSent.Add(float64(bytes))
}

func (m *httpMetrics) RecordAuth(action string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.authTotal.WithLabelValues(action, result).Inc()
}

func (m *httpMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *httpMetrics) SetPendingTasks(count int) {
	m.pendingTasks.Set(float64(count))
}

func (m *httpMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *httpMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *httpMetrics) RecordConnectionEvicted() {
	m.connectionsEvicted.Inc()
}

func (m *httpMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}
