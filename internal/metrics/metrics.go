package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "podflow"

var (
	RouteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_total",
			Help:      "Total number of routed model calls, labeled by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	RouteLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_latency_seconds",
			Help:      "Latency of one outbound model call (seconds).",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	JobPollAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_poll_attempts_total",
			Help:      "Total number of generation job status polls, labeled by observed outcome.",
		},
		[]string{"outcome"},
	)

	JobTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_terminal_total",
			Help:      "Total number of generation jobs that reached a terminal state.",
		},
		[]string{"status"},
	)

	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submission to terminal state of a generation job (seconds).",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	PipelineStageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_total",
			Help:      "Total number of pipeline stages and chain tasks, labeled by outcome.",
		},
		[]string{"kind", "stage", "outcome"},
	)

	PipelineRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_run_total",
			Help:      "Total number of pipeline runs, labeled by kind and final status.",
		},
		[]string{"kind", "status"},
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of publish attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook deliveries, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of calls refused by a token bucket.",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		RouteTotal,
		RouteLatencySeconds,
		JobPollAttemptsTotal,
		JobTerminalTotal,
		JobDurationSeconds,
		PipelineStageTotal,
		PipelineRunTotal,
		PublishTotal,
		WebhookDeliveriesTotal,
		RateLimitHitsTotal,
	)
}
