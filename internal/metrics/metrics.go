package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "axiom"

var (
	JobSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submitted_total",
			Help:      "Total number of jobs accepted by the dispatcher.",
		},
		[]string{"type", "variant"},
	)

	JobCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_completed_total",
			Help:      "Total number of jobs reaching a terminal state, labeled by final status.",
		},
		[]string{"type", "status"},
	)

	JobRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retried_total",
			Help:      "Total number of attempt retries scheduled after transient failures.",
		},
		[]string{"type"},
	)

	JobExecutionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execution_seconds",
			Help:      "Wall-clock duration of one job attempt (seconds).",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"type", "route", "status"},
	)

	CloudFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cloud_fallback_total",
			Help:      "Total number of jobs routed to the cloud provider instead of the local engine.",
		},
		[]string{"type", "provider"},
	)

	CallbackDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_deliveries_total",
			Help:      "Total number of status/asset callback deliveries, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	LeaseExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expired_total",
			Help:      "Total number of lease expirations detected during claim-time repair.",
		},
		[]string{"type"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{"scope", "operation"},
	)

	GPUMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_memory_bytes",
			Help:      "Device memory reported by the last resource snapshot.",
		},
		[]string{"device", "kind"},
	)
)

func init() {
	prometheus.MustRegister(
		JobSubmittedTotal,
		JobCompletedTotal,
		JobRetriedTotal,
		JobExecutionSeconds,
		CloudFallbackTotal,
		CallbackDeliveriesTotal,
		LeaseExpiredTotal,
		RateLimitHitsTotal,
		GPUMemoryBytes,
	)
}
