/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector represents a collector of metrics to analyze how often and
// for how long callers are blocked by the admission gate.
type MetricsCollector interface {
	// ObserveWaitTime observes how long a caller waited for admission.
	ObserveWaitTime(d time.Duration)

	// IncThrottledPauses increments the total number of server-mandated pauses
	// and accounts the pause duration.
	IncThrottledPauses(d time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for the limiter.
type PrometheusMetrics struct {
	WaitTime               prometheus.Histogram
	ThrottledPausesTotal   prometheus.Counter
	ThrottledPausedSeconds prometheus.Counter
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	waitTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   opts.Namespace,
		Name:        "rate_limiter_wait_time_seconds",
		Help:        "Time spent waiting for admission by all rate windows.",
		Buckets:     []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: opts.ConstLabels,
	})
	throttledPausesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "rate_limiter_throttled_pauses_total",
		Help:        "Number of server-mandated cool-down pauses.",
		ConstLabels: opts.ConstLabels,
	})
	throttledPausedSeconds := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "rate_limiter_throttled_paused_seconds_total",
		Help:        "Total duration of server-mandated cool-down pauses in seconds.",
		ConstLabels: opts.ConstLabels,
	})
	return &PrometheusMetrics{
		WaitTime:               waitTime,
		ThrottledPausesTotal:   throttledPausesTotal,
		ThrottledPausedSeconds: throttledPausedSeconds,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.WaitTime,
		pm.ThrottledPausesTotal,
		pm.ThrottledPausedSeconds,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.WaitTime)
	prometheus.Unregister(pm.ThrottledPausesTotal)
	prometheus.Unregister(pm.ThrottledPausedSeconds)
}

// ObserveWaitTime observes how long a caller waited for admission.
func (pm *PrometheusMetrics) ObserveWaitTime(d time.Duration) {
	pm.WaitTime.Observe(d.Seconds())
}

// IncThrottledPauses increments the total number of server-mandated pauses.
func (pm *PrometheusMetrics) IncThrottledPauses(d time.Duration) {
	pm.ThrottledPausesTotal.Inc()
	pm.ThrottledPausedSeconds.Add(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) ObserveWaitTime(time.Duration)    {}
func (disabledMetrics) IncThrottledPauses(time.Duration) {}

var disabledMetricsCollector = disabledMetrics{}
