// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_jobs_processed_total",
			Help: "Jobs finalized per batch pass, by resulting status",
		},
		[]string{"status"},
	)

	PlatformResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_results_total",
			Help: "Per-platform delivery outcomes (sent, skipped, failed)",
		},
		[]string{"platform", "result"},
	)

	TrustEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_evaluations_total",
			Help: "Trust verdicts by level",
		},
		[]string{"level"},
	)

	BatchFailureRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_failure_rate",
			Help: "Failure rate of the most recent batch pass",
		},
	)

	BatchDelaySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_delay_seconds",
			Help: "Current adaptive delay applied before each batch pass",
		},
	)

	PlatformSendSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "platform_send_seconds",
			Help:    "Wall time of individual platform send attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	WebhookDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_duplicates_total",
			Help: "Webhook deliveries short-circuited by the idempotency lock",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsProcessed,
		PlatformResults,
		TrustEvaluations,
		BatchFailureRate,
		BatchDelaySeconds,
		PlatformSendSeconds,
		WebhookDuplicates,
	)
}
