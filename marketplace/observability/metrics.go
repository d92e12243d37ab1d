package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of queued jobs by priority.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node3_queue_depth",
		Help: "Current number of queued jobs",
	}, []string{"priority"})

	// RegisteredAgents tracks the number of registered agents by health.
	RegisteredAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node3_registered_agents",
		Help: "Current number of registered agents",
	}, []string{"healthy"})

	// ActiveJobs tracks jobs currently occupying agent slots.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node3_active_jobs",
		Help: "Jobs currently assigned or running",
	})

	// JobsAdmitted counts jobs accepted into the queue by priority.
	JobsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node3_jobs_admitted_total",
		Help: "Jobs admitted into the queue",
	}, []string{"priority"})

	// JobsAssigned counts successful assignments by mode (pull or push).
	JobsAssigned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node3_jobs_assigned_total",
		Help: "Jobs assigned to agents",
	}, []string{"mode"})

	// JobsRequeued counts jobs returned to the queue by reason.
	JobsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node3_jobs_requeued_total",
		Help: "Jobs requeued for retry",
	}, []string{"reason"}) // agent_unhealthy, timeout, agent_failure

	// JobsAbandoned counts jobs terminally abandoned after retry exhaustion.
	JobsAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node3_jobs_abandoned_total",
		Help: "Jobs abandoned after exhausting retries",
	}, []string{"reason"})

	// JobsCompleted counts completed jobs.
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node3_jobs_completed_total",
		Help: "Jobs completed successfully",
	})

	// JobRunSeconds tracks reported execution duration of completed jobs.
	JobRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "node3_job_run_seconds",
		Help:    "Reported execution time of completed jobs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// PaymentAttempts counts settlement attempts by outcome.
	PaymentAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node3_payment_attempts_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"}) // confirmed, failed, parked

	// PaymentsPending tracks payments awaiting settlement.
	PaymentsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node3_payments_pending",
		Help: "Payments not yet confirmed",
	})

	// MaintenancePassDuration tracks the duration of the maintenance loop.
	MaintenancePassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "node3_maintenance_pass_duration_seconds",
		Help:    "Duration of one maintenance pass",
		Buckets: prometheus.DefBuckets,
	})

	// APIRateLimited counts requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node3_api_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"endpoint"})

	// DegradedMode reports whether the store is unreachable (1 = degraded).
	DegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node3_degraded_mode",
		Help: "Whether the coordinator is in read-only degraded mode",
	})
)
