package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task outcome counters, labelled by task kind. Exposed on /metrics.
var (
	TasksSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_succeeded_total",
		Help: "Number of processing tasks that completed successfully.",
	}, []string{"kind"})

	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_failed_total",
		Help: "Number of processing tasks that failed terminally.",
	}, []string{"kind"})

	TasksRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_retried_total",
		Help: "Number of transient task failures re-enqueued with backoff.",
	}, []string{"kind"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_task_duration_seconds",
		Help:    "Wall-clock duration of task executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)
