package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Document metrics
	DocumentsCreatedTotal   *prometheus.CounterVec
	DocumentVersionsTotal   prometheus.Counter
	DuplicateUploadsTotal   prometheus.Counter
	DocumentOperationsTotal *prometheus.CounterVec

	// Permission metrics
	PermissionChecksTotal  *prometheus.CounterVec
	PermissionCacheHits    prometheus.Counter
	PermissionCacheMisses  prometheus.Counter
	PermissionGrantsActive prometheus.Gauge

	// Processing job metrics
	JobsEnqueuedTotal    *prometheus.CounterVec
	JobsCompletedTotal   *prometheus.CounterVec
	JobClaimDuration     prometheus.Histogram
	JobExecutionDuration *prometheus.HistogramVec
	JobsReclaimedTotal   prometheus.Counter
	JobRetriesTotal      prometheus.Counter

	// Webhook metrics
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookDeliveryLatency prometheus.Histogram

	// Audit metrics
	AuditEntriesTotal     *prometheus.CounterVec
	AuditRetriesTotal     prometheus.Counter
	AuditRetryQueueDepth  prometheus.Gauge
	AuditWriteFailures    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DocumentsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docuvault_documents_created_total",
				Help: "Total number of documents created",
			},
			[]string{"organization"},
		),
		DocumentVersionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docuvault_document_versions_total",
				Help: "Total number of document versions created",
			},
		),
		DuplicateUploadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docuvault_duplicate_uploads_total",
				Help: "Total number of uploads rejected by content-hash dedup",
			},
		),
		DocumentOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docuvault_document_operations_total",
				Help: "Total number of document operations by type and outcome",
			},
			[]string{"operation", "status"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docuvault_permission_checks_total",
				Help: "Total number of permission resolutions",
			},
			[]string{"outcome"},
		),
		PermissionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docuvault_permission_cache_hits_total",
				Help: "Total number of permission cache hits",
			},
		),
		PermissionCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docuvault_permission_cache_misses_total",
				Help: "Total number of permission cache misses",
			},
		),
		PermissionGrantsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "docuvault_permission_grants_active",
				Help: "Current number of permission rows",
			},
		),

		JobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docuvault_jobs_enqueued_total",
				Help: "Total number of processing jobs enqueued",
			},
			[]string{"job_type"},
		),
		JobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docuvault_jobs_completed_total",
				Help: "Total number of processing jobs reaching a terminal state",
			},
			[]string{"job_type", "status"},
		),
		JobClaimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docuvault_job_claim_duration_seconds",
				Help:    "Time spent claiming the next eligible job",
				Buckets: prometheus.DefBuckets,
			},
		),
		JobExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docuvault_job_execution_duration_seconds",
				Help:    "Processing job execution duration",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"job_type"},
		),
		JobsReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docuvault_jobs_reclaimed_total",
				Help: "Total number of running jobs reclaimed after lease expiry",
			},
		),
		JobRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docuvault_job_retries_total",
				Help: "Total number of job retry transitions",
			},
		),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docuvault_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"status"},
		),
		WebhookDeliveryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docuvault_webhook_delivery_duration_seconds",
				Help:    "Webhook delivery duration",
				Buckets: prometheus.DefBuckets,
			},
		),

		AuditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docuvault_audit_entries_total",
				Help: "Total number of audit entries recorded",
			},
			[]string{"action"},
		),
		AuditRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docuvault_audit_retries_total",
				Help: "Total number of audit write retries",
			},
		),
		AuditRetryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "docuvault_audit_retry_queue_depth",
				Help: "Current number of audit entries awaiting retry",
			},
		),
		AuditWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docuvault_audit_write_failures_total",
				Help: "Total number of audit writes that exhausted retries",
			},
		),
	}

	registry.MustRegister(
		m.DocumentsCreatedTotal,
		m.DocumentVersionsTotal,
		m.DuplicateUploadsTotal,
		m.DocumentOperationsTotal,
		m.PermissionChecksTotal,
		m.PermissionCacheHits,
		m.PermissionCacheMisses,
		m.PermissionGrantsActive,
		m.JobsEnqueuedTotal,
		m.JobsCompletedTotal,
		m.JobClaimDuration,
		m.JobExecutionDuration,
		m.JobsReclaimedTotal,
		m.JobRetriesTotal,
		m.WebhookDeliveriesTotal,
		m.WebhookDeliveryLatency,
		m.AuditEntriesTotal,
		m.AuditRetriesTotal,
		m.AuditRetryQueueDepth,
		m.AuditWriteFailures,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveDuration records the elapsed time since start into a histogram
func ObserveDuration(h prometheus.Histogram, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
