package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Queue metrics
	JobsEnqueued  prometheus.Counter
	JobsProcessed prometheus.Counter
	JobsFailed    *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	QueueDepth    *prometheus.GaugeVec

	// Lock metrics
	LockWaits    prometheus.Histogram
	LockTimeouts prometheus.Counter

	// Session metrics
	SessionsCached prometheus.Gauge
}

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	return &Metrics{
		JobsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gasforge_jobs_enqueued_total",
			Help: "Total number of generation jobs accepted into the queue",
		}),

		JobsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gasforge_jobs_processed_total",
			Help: "Total number of generation jobs completed successfully",
		}),

		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gasforge_jobs_failed_total",
			Help: "Total number of job failures by kind",
		}, []string{"kind"}), // "retry", "terminal", "duplicate"

		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gasforge_job_duration_seconds",
			Help:    "Generation job execution latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}, // LLM calls run minutes
		}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gasforge_queue_depth",
			Help: "Number of jobs in the queue by status",
		}, []string{"status"}),

		LockWaits: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gasforge_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a per-user lock",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		}),

		LockTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gasforge_lock_timeouts_total",
			Help: "Total number of lock acquisitions that timed out",
		}),

		SessionsCached: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gasforge_sessions_cached",
			Help: "Number of sessions currently held in the in-memory cache",
		}),
	}
}
