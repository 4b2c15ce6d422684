package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lexfield/capture-engine/internal/config"
)

// Collector holds all metrics for the capture engine.
type Collector struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge

	fetchRetries  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	payloadsStored  prometheus.Counter
	payloadBytes    prometheus.Histogram
	casesReconciled prometheus.Counter
	entitiesCreated *prometheus.CounterVec
	entitiesMatched *prometheus.CounterVec
	partyErrors     prometheus.Counter
}

// NewCollector registers and returns the engine's metrics. Call once per
// process; promauto panics on duplicate registration.
func NewCollector(cfg config.MetricsConfig) *Collector {
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Collector{
		jobsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "jobs_started_total",
			Help:      "Total number of capture jobs started",
		}, []string{"capture_type", "target_code"}),
		jobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "jobs_completed_total",
			Help:      "Total number of capture jobs completed",
		}, []string{"capture_type", "target_code"}),
		jobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "jobs_failed_total",
			Help:      "Total number of capture jobs failed",
		}, []string{"capture_type", "target_code"}),
		jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "job_duration_seconds",
			Help:      "Duration of capture jobs",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"capture_type"}),
		activeJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active_jobs",
			Help:      "Number of capture jobs currently in progress",
		}),

		fetchRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "fetch_retries_total",
			Help:      "Total number of retried fetch attempts against court systems",
		}, []string{"target_code"}),
		fetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of fetch calls against court systems",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		}, []string{"target_code", "operation"}),

		payloadsStored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "payloads_stored_total",
			Help:      "Total number of raw payloads persisted",
		}),
		payloadBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "payload_size_bytes",
			Help:      "Size of persisted raw payloads in bytes",
			Buckets:   []float64{1024, 10240, 102400, 1048576, 10485760},
		}),
		casesReconciled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cases_reconciled_total",
			Help:      "Total number of cases whose parties were reconciled",
		}),
		entitiesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "entities_created_total",
			Help:      "Total number of entities created during reconciliation",
		}, []string{"entity_type"}),
		entitiesMatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "entities_matched_total",
			Help:      "Total number of parties matched to existing entities",
		}, []string{"entity_type", "match_level"}),
		partyErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "party_errors_total",
			Help:      "Total number of per-party reconciliation failures",
		}),
	}
}

func (c *Collector) JobStarted(captureType, targetCode string) {
	c.jobsStarted.WithLabelValues(captureType, targetCode).Inc()
	c.activeJobs.Inc()
}

func (c *Collector) JobCompleted(captureType, targetCode string, duration time.Duration) {
	c.jobsCompleted.WithLabelValues(captureType, targetCode).Inc()
	c.jobDuration.WithLabelValues(captureType).Observe(duration.Seconds())
	c.activeJobs.Dec()
}

func (c *Collector) JobFailed(captureType, targetCode string, duration time.Duration) {
	c.jobsFailed.WithLabelValues(captureType, targetCode).Inc()
	c.jobDuration.WithLabelValues(captureType).Observe(duration.Seconds())
	c.activeJobs.Dec()
}

func (c *Collector) FetchRetried(targetCode string) {
	c.fetchRetries.WithLabelValues(targetCode).Inc()
}

func (c *Collector) FetchObserved(targetCode, operation string, duration time.Duration) {
	c.fetchDuration.WithLabelValues(targetCode, operation).Observe(duration.Seconds())
}

func (c *Collector) PayloadStored(sizeBytes int) {
	c.payloadsStored.Inc()
	c.payloadBytes.Observe(float64(sizeBytes))
}

func (c *Collector) CaseReconciled() {
	c.casesReconciled.Inc()
}

func (c *Collector) EntityCreated(entityType string) {
	c.entitiesCreated.WithLabelValues(entityType).Inc()
}

func (c *Collector) EntityMatched(entityType, matchLevel string) {
	c.entitiesMatched.WithLabelValues(entityType, matchLevel).Inc()
}

func (c *Collector) PartyError() {
	c.partyErrors.Inc()
}
