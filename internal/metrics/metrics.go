package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts tasks accepted by the API, by task name.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskq_tasks_submitted_total",
		Help: "Total number of tasks accepted for execution by task name",
	}, []string{"task"})

	// TasksProcessed counts terminal outcomes written by workers.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskq_tasks_processed_total",
		Help: "Total number of tasks that reached a terminal status",
	}, []string{"task", "status"})

	TasksRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskq_tasks_retried_total",
		Help: "Total number of task retries scheduled by workers",
	}, []string{"task"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskq_task_duration_seconds",
		Help:    "Time spent executing task handlers",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"task"})

	DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_duplicate_deliveries_total",
		Help: "Deliveries of tasks that had already finished",
	})

	// Redelivered counts messages requeued after their visibility timeout lapsed.
	Redelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskq_redelivered_total",
		Help: "Messages requeued after the visibility timeout expired",
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskq_queue_depth",
		Help: "Messages per queue by state (ready, in_flight, delayed)",
	}, []string{"queue", "state"})

	ResultsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_results_purged_total",
		Help: "Expired task results removed from the result store",
	})
)
