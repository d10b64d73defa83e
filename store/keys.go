package store

import "fmt"

// Key builders for the layout specified in spec.md §3/§6. Grounded on the
// teacher's control_plane/store/keys.go: small typed functions, one per
// resource shape, instead of ad hoc fmt.Sprintf calls scattered through the
// codebase.

// QueuesSetKey is the set of all known queue names.
func QueuesSetKey() string { return "queues:set" }

// QueueMetaKey holds createdAt/lastActivity/instanceId for a queue.
func QueueMetaKey(queue string) string { return fmt.Sprintf("queue:meta:%s", queue) }

// QueueConfigKey holds a queue's serialized options.
func QueueConfigKey(queue string) string { return fmt.Sprintf("queue:config:%s", queue) }

// QueueWaitingKey is the sorted set of waiting jobs (score = composite
// ordering / run-at epoch).
func QueueWaitingKey(queue string) string { return fmt.Sprintf("queue:waiting:%s", queue) }

// QueueDelayedKey is the sorted set of delayed/scheduled jobs, score =
// run-at epoch-ms.
func QueueDelayedKey(queue string) string { return fmt.Sprintf("queue:delayed:%s", queue) }

// QueueJobKey stores one job's serialized Task, keyed by jobId (== taskId).
func QueueJobKey(queue, jobID string) string { return fmt.Sprintf("queue:job:%s:%s", queue, jobID) }

// QueueStateSetKey is the set of job ids currently in the given state for a
// queue (waiting/active/completed/failed/delayed/paused).
func QueueStateSetKey(queue string, state string) string {
	return fmt.Sprintf("queue:state:%s:%s", queue, state)
}

// QueueScheduleKey stores a recurring job's cron schedule + payload.
func QueueScheduleKey(queue, id string) string { return fmt.Sprintf("queue:schedule:%s:%s", queue, id) }

// QueueMetricsKey is the sorted set of metrics snapshots for a queue, score
// = snapshot timestamp.
func QueueMetricsKey(queue string) string { return fmt.Sprintf("queue:metrics:%s", queue) }

// QueueWorkersKey is the set of worker ids attached to a queue.
func QueueWorkersKey(queue string) string { return fmt.Sprintf("queue:workers:%s", queue) }

// Group keys.

func GroupTasksKey(group string) string      { return fmt.Sprintf("group:%s:tasks", group) }
func GroupOrderKey(group string) string      { return fmt.Sprintf("group:%s:order", group) }
func GroupStateKey(group string) string      { return fmt.Sprintf("group:%s:state", group) }
func GroupProcessingKey(group string) string { return fmt.Sprintf("group:%s:processing", group) }
func GroupProcessingStartKey(group string) string {
	return fmt.Sprintf("group:%s:processing_start", group)
}
func GroupOptionsKey(group string) string   { return fmt.Sprintf("group:%s:options", group) }
func GroupDataKey(group string) string      { return fmt.Sprintf("group:%s:data", group) }
func GroupMethodKey(group string) string    { return fmt.Sprintf("group:%s:method", group) }
func GroupRetriesKey(group string) string   { return fmt.Sprintf("group:%s:retries", group) }
func GroupRateLimitKey(group string) string { return fmt.Sprintf("group:%s:rateLimit", group) }
func GroupLockKey(group string) string      { return fmt.Sprintf("group:%s:lock", group) }
func GroupStatsKey(group string) string     { return fmt.Sprintf("group:%s:stats", group) }
func GroupPrioritiesKey() string            { return "group:priorities" }

// Worker keys.

func WorkersSetKey() string                { return "workers:set" }
func WorkerStatusKey(id string) string     { return fmt.Sprintf("worker:%s:status", id) }
func WorkerMetricsKey(id string) string    { return fmt.Sprintf("worker:%s:metrics", id) }
func WorkerMetricsHistoryKey(id string) string {
	return fmt.Sprintf("worker:%s:metrics:history", id)
}
func WorkerActiveTasksKey(id string) string { return fmt.Sprintf("worker:%s:activeTasks", id) }
func WorkerTaskHistoryKey(id string) string { return fmt.Sprintf("worker:%s:task:history", id) }
func WorkerHeartbeatKey(id string) string   { return fmt.Sprintf("worker:%s:lastHeartbeat", id) }

// Task history keys, §6: per-worker/task/global/queue/group capped lists.

const taskHistoryPrefix = "history:"

func TaskHistoryWorkerKey(workerID string) string {
	return fmt.Sprintf("%sworker:%s", taskHistoryPrefix, workerID)
}
func TaskHistoryTaskKey(taskID string) string {
	return fmt.Sprintf("%stask:%s", taskHistoryPrefix, taskID)
}
func TaskHistoryGlobalKey() string { return taskHistoryPrefix + "global" }
func TaskHistoryQueueKey(queue string) string {
	return fmt.Sprintf("%squeue:%s", taskHistoryPrefix, queue)
}
func TaskHistoryGroupKey(group string) string {
	return fmt.Sprintf("%sgroup:%s", taskHistoryPrefix, group)
}

// Observer pub/sub channel.

func ObserverChannel(event string) string { return fmt.Sprintf("taskObserver:%s", event) }

// DLQ key, §4.C: a dedicated queue name.

const DeadLetterQueueName = "dead-letter-queue"
