package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting outbox metrics
type MetricsCollector interface {
	RecordEventPublished(success bool, attempts int)
	RecordBatchProcessed(count int, duration time.Duration)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEventPublished(success bool, attempts int)       {}
func (NoOpMetricsCollector) RecordBatchProcessed(count int, duration time.Duration) {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	published     *prometheus.CounterVec
	retries       prometheus.Counter
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unread_outbox_events_total",
			Help: "Outbox events by publish outcome",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unread_outbox_publish_retries_total",
			Help: "Publish attempts beyond the first",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unread_outbox_batch_size",
			Help:    "Events fetched per outbox batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unread_outbox_batch_duration_seconds",
			Help:    "Time spent processing one outbox batch",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.published, m.retries, m.batchSize, m.batchDuration)
	return m
}

func (m *PrometheusMetrics) RecordEventPublished(success bool, attempts int) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.published.WithLabelValues(status).Inc()
	if attempts > 1 {
		m.retries.Add(float64(attempts - 1))
	}
}

func (m *PrometheusMetrics) RecordBatchProcessed(count int, duration time.Duration) {
	m.batchSize.Observe(float64(count))
	m.batchDuration.Observe(duration.Seconds())
}
