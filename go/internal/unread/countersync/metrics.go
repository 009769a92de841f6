package countersync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting counter sync metrics
type MetricsCollector interface {
	RecordRefresh(success bool, duration time.Duration)
	RecordRefreshSkipped()
	RecordRealtimeBump()
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordRefresh(success bool, duration time.Duration) {}
func (NoOpMetricsCollector) RecordRefreshSkipped()                             {}
func (NoOpMetricsCollector) RecordRealtimeBump()                               {}

// PrometheusMetrics implements MetricsCollector using Prometheus. One instance
// is shared by every session in the process.
type PrometheusMetrics struct {
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	refreshSkipped  prometheus.Counter
	realtimeBumps   prometheus.Counter
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unread_refresh_total",
			Help: "Counter refreshes against the backend by outcome",
		}, []string{"status"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unread_refresh_duration_seconds",
			Help:    "Duration of counter refresh round trips",
			Buckets: prometheus.DefBuckets,
		}),
		refreshSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unread_refresh_skipped_total",
			Help: "Refreshes dropped because one was already in flight",
		}),
		realtimeBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unread_realtime_bumps_total",
			Help: "Optimistic increments applied from realtime events",
		}),
	}
	reg.MustRegister(m.refreshTotal, m.refreshDuration, m.refreshSkipped, m.realtimeBumps)
	return m
}

func (m *PrometheusMetrics) RecordRefresh(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.refreshTotal.WithLabelValues(status).Inc()
	m.refreshDuration.Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordRefreshSkipped() {
	m.refreshSkipped.Inc()
}

func (m *PrometheusMetrics) RecordRealtimeBump() {
	m.realtimeBumps.Inc()
}
