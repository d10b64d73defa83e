// Package metrics exposes the Prometheus instruments the rest of groupq
// writes to. Grounded on the teacher's control_plane/observability/metrics.go
// — the same promauto.NewXVec idiom and label conventions (decision reasons,
// queue/group names, priorities) — retargeted from reconciliation-scheduler
// metrics to task-queue metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of waiting jobs per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupq_queue_depth",
		Help: "Current number of waiting jobs in a queue",
	}, []string{"queue"})

	// QueueOldestWaitingAge tracks the age of the oldest waiting job.
	QueueOldestWaitingAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupq_queue_oldest_waiting_age_seconds",
		Help: "Age in seconds of the oldest waiting job in a queue",
	}, []string{"queue"})

	// TasksProcessed counts completed attempts by outcome.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupq_tasks_processed_total",
		Help: "Total task attempts processed by a worker, by outcome",
	}, []string{"worker", "outcome"}) // outcome: succeeded, failed

	// TaskProcessingSeconds tracks handler execution duration.
	TaskProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupq_task_processing_seconds",
		Help:    "Task handler execution duration",
		Buckets: prometheus.DefBuckets,
	})

	// WorkerActiveTasks tracks how many attempts a worker currently holds.
	WorkerActiveTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupq_worker_active_tasks",
		Help: "Number of in-flight attempts for a worker",
	}, []string{"worker"})

	// GroupProcessingDepth tracks |processing(g)| for a group.
	GroupProcessingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupq_group_processing_depth",
		Help: "Number of tasks currently in-flight for a group",
	}, []string{"group"})

	// GroupOrderDepth tracks |order(g)| for a group.
	GroupOrderDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupq_group_order_depth",
		Help: "Number of tasks waiting to be selected for a group",
	}, []string{"group"})

	// GroupSelections counts selection outcomes by strategy and result.
	GroupSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupq_group_selections_total",
		Help: "Total selection attempts made by a group's scheduler",
	}, []string{"group", "strategy", "result"}) // result: dispatched, conflict

	// GroupRetries counts retry-vs-DLQ outcomes for group-owned tasks.
	GroupRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupq_group_task_outcomes_total",
		Help: "Total group task terminal/retry outcomes",
	}, []string{"group", "outcome"}) // outcome: completed, retried, dead_lettered

	// DLQDepth tracks the number of entries held in the dead-letter queue.
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupq_dlq_depth",
		Help: "Current number of entries in the dead-letter queue",
	})

	// DLQAlerts counts alert-threshold crossings.
	DLQAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupq_dlq_alerts_total",
		Help: "Total times the DLQ alert threshold was crossed",
	})

	// StoreOperationSeconds tracks backing-store latency.
	StoreOperationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupq_store_operation_seconds",
		Help:    "Backing store operation latency",
		Buckets: prometheus.DefBuckets,
	})

	// WorkerHeartbeatAge is reset to 0 by a worker each time it writes its
	// heartbeat; no other component updates it.
	WorkerHeartbeatAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupq_worker_heartbeat_age_seconds",
		Help: "Seconds since a worker's last recorded heartbeat",
	}, []string{"worker"})

	// StuckTasksRecovered counts tasks recovered by the group engine's
	// stuck-task sweep.
	StuckTasksRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupq_stuck_tasks_recovered_total",
		Help: "Total tasks recovered by the stuck-task sweep",
	}, []string{"group"})
)
