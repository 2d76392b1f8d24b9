// Package metrics exposes Prometheus collectors for the analysis pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all collectors so subsystems share one registration.
type Metrics struct {
	JobsTotal          *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	RateLimitRejected  *prometheus.CounterVec
	ScorerAttempts     *prometheus.CounterVec
	WebhookDeliveries  *prometheus.CounterVec
	ActiveWorkers      prometheus.Gauge
	QueueRedeliveries  prometheus.Counter
	ReportCacheLookups *prometheus.CounterVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doorpost_jobs_total",
			Help: "Jobs finished by terminal status.",
		}, []string{"status"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doorpost_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		RateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doorpost_rate_limit_rejected_total",
			Help: "Submissions rejected by the rate limiter.",
		}, []string{"scope"}),
		ScorerAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doorpost_scorer_attempts_total",
			Help: "Model call attempts by outcome.",
		}, []string{"model", "outcome"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doorpost_webhook_deliveries_total",
			Help: "Webhook delivery outcomes.",
		}, []string{"outcome"}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "doorpost_active_workers",
			Help: "Workers currently processing a job.",
		}),
		QueueRedeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "doorpost_queue_redeliveries_total",
			Help: "Messages nacked for redelivery.",
		}),
		ReportCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doorpost_report_cache_lookups_total",
			Help: "Report cache lookups by result.",
		}, []string{"result"}),
	}
}
