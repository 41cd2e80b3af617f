/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector represents a collector of metrics about dispatched calls.
type MetricsCollector interface {
	// ObserveRequest observes a finished HTTP exchange with its status and duration.
	ObserveRequest(method string, statusCode int, elapsed time.Duration)

	// IncThrottledRetries increments the total number of retries caused by 429 responses.
	IncThrottledRetries()

	// IncTransportErrors increments the total number of network-level failures.
	IncTransportErrors()
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for the dispatcher.
type PrometheusMetrics struct {
	RequestDurations      *prometheus.HistogramVec
	ThrottledRetriesTotal prometheus.Counter
	TransportErrorsTotal  prometheus.Counter
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	requestDurations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "api_client_request_duration_seconds",
			Help:        "Duration of dispatched HTTP exchanges.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: opts.ConstLabels,
		},
		[]string{"method", "status"},
	)
	throttledRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "api_client_throttled_retries_total",
		Help:        "Number of retries caused by 429 responses.",
		ConstLabels: opts.ConstLabels,
	})
	transportErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "api_client_transport_errors_total",
		Help:        "Number of network-level failures.",
		ConstLabels: opts.ConstLabels,
	})
	return &PrometheusMetrics{
		RequestDurations:      requestDurations,
		ThrottledRetriesTotal: throttledRetriesTotal,
		TransportErrorsTotal:  transportErrorsTotal,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.RequestDurations,
		pm.ThrottledRetriesTotal,
		pm.TransportErrorsTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.RequestDurations)
	prometheus.Unregister(pm.ThrottledRetriesTotal)
	prometheus.Unregister(pm.TransportErrorsTotal)
}

// ObserveRequest observes a finished HTTP exchange with its status and duration.
func (pm *PrometheusMetrics) ObserveRequest(method string, statusCode int, elapsed time.Duration) {
	pm.RequestDurations.With(prometheus.Labels{
		"method": method,
		"status": strconv.Itoa(statusCode),
	}).Observe(elapsed.Seconds())
}

// IncThrottledRetries increments the total number of retries caused by 429 responses.
func (pm *PrometheusMetrics) IncThrottledRetries() {
	pm.ThrottledRetriesTotal.Inc()
}

// IncTransportErrors increments the total number of network-level failures.
func (pm *PrometheusMetrics) IncTransportErrors() {
	pm.TransportErrorsTotal.Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) ObserveRequest(string, int, time.Duration) {}
func (disabledMetrics) IncThrottledRetries()                      {}
func (disabledMetrics) IncTransportErrors()                       {}

var disabledMetricsCollector = disabledMetrics{}
