// ============================================================================
// dspy-jobsvc Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// Purpose: collect and expose Prometheus metrics for the job scheduler,
// adapted from the teacher's queue-depth/latency Collector to the
// scheduler's own job lifecycle (submitted/validating/running/terminal)
// and worker pool saturation.
//
// Metric Categories:
//
//   1. Job Counters - cumulative, monotonically increasing:
//      - jobsvc_jobs_submitted_total
//      - jobsvc_jobs_succeeded_total
//      - jobsvc_jobs_failed_total
//      - jobsvc_jobs_cancelled_total
//
//   2. Performance Metrics (Histogram):
//      - jobsvc_job_duration_seconds: time from started_at to a terminal
//        status, bucketed for SLA and optimizer-run-time analysis.
//
//   3. Status Metrics (Gauge) - instantaneous values:
//      - jobsvc_queue_pending_jobs
//      - jobsvc_queue_active_jobs
//      - jobsvc_worker_pool_size
//
// Exposed via GET /metrics, scraped by Prometheus in OpenMetrics/text
// format.
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Collector collects Prometheus metrics for one jobsvc process.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter

	jobDuration prometheus.Histogram

	pendingJobs prometheus.Gauge
	activeJobs  prometheus.Gauge
	poolSize    prometheus.Gauge
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobsvc_jobs_submitted_total",
			Help: "Total number of jobs submitted via the HTTP control surface",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobsvc_jobs_succeeded_total",
			Help: "Total number of jobs that reached status=success",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobsvc_jobs_failed_total",
			Help: "Total number of jobs that reached status=failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobsvc_jobs_cancelled_total",
			Help: "Total number of jobs that reached status=cancelled",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobsvc_job_duration_seconds",
			Help:    "Wall-clock duration from started_at to a terminal status",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobsvc_queue_pending_jobs",
			Help: "Current number of jobs waiting in the pending queue",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobsvc_queue_active_jobs",
			Help: "Current number of jobs being processed by a worker",
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobsvc_worker_pool_size",
			Help: "Configured worker pool concurrency",
		}),
	}

	prometheus.MustRegister(
		c.jobsSubmitted,
		c.jobsSucceeded,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobDuration,
		c.pendingJobs,
		c.activeJobs,
		c.poolSize,
	)

	return c
}

// RecordSubmit records a new job accepted via POST /run or /grid-search.
func (c *Collector) RecordSubmit() { c.jobsSubmitted.Inc() }

// RecordSuccess records a job reaching status=success, with the duration
// from started_at to completed_at.
func (c *Collector) RecordSuccess(durationSeconds float64) {
	c.jobsSucceeded.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed records a job reaching status=failed.
func (c *Collector) RecordFailed(durationSeconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordCancelled records a job reaching status=cancelled.
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// UpdateQueueStats reflects the worker pool's current Status onto the
// queue-depth gauges, called on a short interval from the HTTP server's
// background refresh loop.
func (c *Collector) UpdateQueueStats(pending, active, poolSize int) {
	c.pendingJobs.Set(float64(pending))
	c.activeJobs.Set(float64(active))
	c.poolSize.Set(float64(poolSize))
}

// Handler returns the promhttp handler to mount at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
