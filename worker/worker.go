// Package worker implements the Worker component (spec §4.E): a named
// handler registry attached to exactly one queue, draining it at a
// configured concurrency, enforcing per-attempt timeouts, heartbeating, and
// writing metrics and capped task-history entries.
//
// Grounded on the teacher's scheduler.Scheduler: the outer loop is the same
// ticker-driven "freeze window, then poll" shape as Scheduler.worker
// (scheduler/scheduler.go), and the per-attempt dispatch is the same
// recover()-wrapped goroutine pattern as Scheduler.processNextTask, adapted
// from "reconcile a desired state" to "claim a job, run its handler".
// Heartbeating follows coordination/agent_monitor.go's liveness-threshold
// convention (interval/threshold pair, absence past 3x interval marks dead).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/groupq/groupq/dlq"
	"github.com/groupq/groupq/metrics"
	"github.com/groupq/groupq/observer"
	"github.com/groupq/groupq/queue"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

// HandlerFunc runs a task's handler. data is the task's Data field passed
// through unmodified — the one-level "data.data" unwrap mentioned in
// spec.md §9 is deliberately not performed here; if a caller wants that
// convention, their own handler can unwrap it explicitly.
type HandlerFunc func(ctx context.Context, data []byte) (any, error)

// heartbeatInterval and deadThreshold implement spec.md §4.E "every 5s ...
// absence of heartbeat > 15s to mark the worker inactive".
const (
	heartbeatInterval = 5 * time.Second
	deadThreshold     = 3 * heartbeatInterval
	freezeWindow      = 200 * time.Millisecond
	pollInterval      = 100 * time.Millisecond
)

// History caps, spec.md §6.
const (
	workerTaskHistoryCap    = 100
	workerMetricsHistoryCap = 50
	globalHistoryCap        = 1000
	queueHistoryCap         = 500
	groupHistoryCap         = 200
	historyTTL              = 7 * 24 * time.Hour
)

// GroupHandle is the two-method contract the Worker uses to notify a Group
// Engine of outcomes, per spec.md §9's prescribed break of the Worker/Group
// Engine cycle: Worker knows a group only through completeTask/failTask, not
// its internals. *group.Engine satisfies this interface directly.
type GroupHandle interface {
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, cause error) error
}

// GroupResolver hands the worker the group handle for a task's group name,
// so completion/failure can be routed back without the worker importing a
// concrete *group.Engine type.
type GroupResolver interface {
	Group(ctx context.Context, name string) (GroupHandle, error)
}

// historyEntry is one capped-list record, spec.md §6.
type historyEntry struct {
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Duration  float64   `json:"duration"`
	Error     string    `json:"error,omitempty"`
	WorkerID  string    `json:"workerId"`
	QueueName string    `json:"queueName"`
	Group     string    `json:"group,omitempty"`
}

// Worker drains one queue at up to Concurrency simultaneous attempts,
// dispatching to handlers registered by name.
type Worker struct {
	ID          string
	Concurrency int

	q          *queue.Queue
	queueName  string
	store      store.Store
	obs        *observer.Observer
	groups     GroupResolver
	deadLetter *dlq.DLQ
	logger     zerolog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	active   map[string]struct{} // "<id>:<name>" membership mirror of activeTasks
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Worker attached to q. deadLetter receives tasks that
// exhaust their retries (spec.md §4.E step 6: "enqueue to DLQ with the
// original queue name, and — if grouped — ask Group Engine failTask"); it
// may be nil only in tests that don't exercise exhaustion. Handlers must be
// registered via RegisterHandler before Start.
func New(id string, q *queue.Queue, s store.Store, obs *observer.Observer, groups GroupResolver, deadLetter *dlq.DLQ, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		ID:          id,
		Concurrency: concurrency,
		q:           q,
		queueName:   q.Name(),
		store:       s,
		obs:         obs,
		groups:      groups,
		deadLetter:  deadLetter,
		logger:      log.With().Str("component", "worker").Str("worker", id).Str("queue", q.Name()).Logger(),
		handlers:    make(map[string]HandlerFunc),
		active:      make(map[string]struct{}),
	}
}

// RegisterHandler registers fn under name. It may be called before or after
// Start; a task claimed before its handler is registered fails with
// handler_missing.
func (w *Worker) RegisterHandler(name string, fn HandlerFunc) {
	w.mu.Lock()
	w.handlers[name] = fn
	w.mu.Unlock()
}

// Start registers the worker in the store, marks it active, and launches
// the poll loop and heartbeat loop. Close must be called to shut both down.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.ctx = ctx
	w.cancel = cancel

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	background := context.Background()
	if err := w.store.SAdd(background, store.WorkersSetKey(), w.ID); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to register in workers:set")
	}
	if err := w.store.SAdd(background, store.QueueWorkersKey(w.queueName), w.ID); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to register in queue:workers")
	}
	if err := w.store.Set(background, store.WorkerStatusKey(w.ID), "active", 0); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to set status")
	}

	w.wg.Add(2)
	go w.loop(ctx)
	go w.heartbeatLoop(ctx)
}

// Pause flips the worker's reported status to paused without stopping the
// poll loop's bookkeeping goroutines; new claims are skipped while paused.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	if err := w.store.Set(context.Background(), store.WorkerStatusKey(w.ID), "paused", 0); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to set paused status")
	}
}

// Resume flips the worker back to active.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	if err := w.store.Set(context.Background(), store.WorkerStatusKey(w.ID), "active", 0); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to set active status")
	}
}

func (w *Worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// loop is the outer poll loop: a freeze window on startup, then a
// 100ms-ticker-driven claim attempt, up to Concurrency in flight at once.
// Grounded on the teacher's Scheduler.worker.
func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("worker: poll loop panicked")
		}
	}()

	select {
	case <-time.After(freezeWindow):
	case <-ctx.Done():
		return
	}

	sem := make(chan struct{}, w.Concurrency)
	var inFlight sync.WaitGroup

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			inFlight.Wait()
			return
		case <-ticker.C:
			if !w.isRunning() {
				continue
			}
			select {
			case sem <- struct{}{}:
			default:
				continue // at capacity this tick
			}
			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				defer func() { <-sem }()
				w.processNextTask(ctx)
			}()
		}
	}
}

// processNextTask claims one job, if available, and runs it to completion
// (success, failure, or timeout), per spec.md §4.E steps 1-6.
func (w *Worker) processNextTask(ctx context.Context) {
	t, ok, err := w.q.Claim(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("worker: claim failed")
		return
	}
	if !ok {
		return
	}

	member := fmt.Sprintf("%s:%s", t.ID, t.Name)
	w.mu.Lock()
	w.active[member] = struct{}{}
	w.mu.Unlock()
	if err := w.store.SAdd(ctx, store.WorkerActiveTasksKey(w.ID), member); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to index active task")
	}
	metrics.WorkerActiveTasks.WithLabelValues(w.ID).Inc()
	_ = w.q.Progress(ctx, t, 0)

	defer func() {
		w.mu.Lock()
		delete(w.active, member)
		w.mu.Unlock()
		if err := w.store.SRem(ctx, store.WorkerActiveTasksKey(w.ID), member); err != nil {
			w.logger.Warn().Err(err).Msg("worker: failed to unindex active task")
		}
		metrics.WorkerActiveTasks.WithLabelValues(w.ID).Dec()
	}()

	w.mu.Lock()
	handler, ok := w.handlers[t.Name]
	w.mu.Unlock()
	if !ok {
		w.finishFailed(ctx, t, 0, task.NewError(task.KindHandlerMissing, "worker: no handler registered for "+t.Name))
		return
	}

	timeout := t.Options.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := handler(attemptCtx, t.Data)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		dur := time.Since(start)
		if out.err != nil {
			w.finishFailed(ctx, t, dur, out.err)
			return
		}
		w.finishCompleted(ctx, t, dur, out.result)
	case <-attemptCtx.Done():
		dur := time.Since(start)
		_ = w.q.Stall(ctx, t)
		w.finishFailed(ctx, t, dur, task.NewError(task.KindTimeout, fmt.Sprintf("worker: attempt exceeded timeout of %s", timeout)))
	}
}

func (w *Worker) finishCompleted(ctx context.Context, t *task.Task, dur time.Duration, result any) {
	_ = w.q.Progress(ctx, t, 100)

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = nil
	}
	if err := w.q.Complete(ctx, t, resultJSON); err != nil {
		w.logger.Warn().Err(err).Str("task", t.ID).Msg("worker: failed to mark job completed")
	}

	w.recordMetrics(ctx, true, dur)
	w.appendHistory(ctx, historyEntry{
		TaskID: t.ID, Timestamp: time.Now(), Status: "completed",
		Duration: dur.Seconds(), WorkerID: w.ID, QueueName: w.queueName, Group: t.Group,
	})

	if t.Group != "" && w.groups != nil {
		g, err := w.groups.Group(ctx, t.Group)
		if err != nil {
			w.logger.Warn().Err(err).Str("group", t.Group).Msg("worker: could not resolve group for completion")
		} else if err := g.CompleteTask(ctx, t.ID); err != nil {
			w.logger.Warn().Err(err).Str("task", t.ID).Msg("worker: group CompleteTask failed")
		}
	}
}

func (w *Worker) finishFailed(ctx context.Context, t *task.Task, dur time.Duration, cause error) {
	w.recordMetrics(ctx, false, dur)
	w.appendHistory(ctx, historyEntry{
		TaskID: t.ID, Timestamp: time.Now(), Status: "failed",
		Duration: dur.Seconds(), Error: cause.Error(), WorkerID: w.ID, QueueName: w.queueName, Group: t.Group,
	})

	// handler_missing is permanent: no retry regardless of MaxRetries.
	permanent := task.Is(cause, task.KindHandlerMissing)

	if !permanent && t.RetryCount < t.Options.MaxRetries {
		t.RetryCount++
		delay := task.NextDelay(t.Options, t.RetryCount)
		if err := w.q.Fail(ctx, t, cause); err != nil {
			w.logger.Warn().Err(err).Str("task", t.ID).Msg("worker: failed to mark job failed before retry")
		}
		w.scheduleRequeue(t, delay)
		return
	}

	if err := w.q.Fail(ctx, t, cause); err != nil {
		w.logger.Warn().Err(err).Str("task", t.ID).Msg("worker: failed to mark job failed")
	}

	if t.Group != "" && w.groups != nil {
		g, err := w.groups.Group(ctx, t.Group)
		if err != nil {
			w.logger.Warn().Err(err).Str("group", t.Group).Msg("worker: could not resolve group for failure")
		} else if err := g.FailTask(ctx, t.ID, cause); err != nil {
			w.logger.Warn().Err(err).Str("task", t.ID).Msg("worker: group FailTask failed")
		}
		return
	}

	// Ungrouped exhaustion: the Group Engine isn't in the loop to
	// dead-letter on our behalf, so enqueue to the DLQ directly.
	if w.deadLetter != nil {
		if err := w.deadLetter.AddFailedTask(ctx, t, cause, w.queueName); err != nil {
			w.logger.Warn().Err(err).Str("task", t.ID).Msg("worker: failed to dead-letter exhausted task")
		}
	}
}

// scheduleRequeue re-adds t to its queue after delay, with RetryCount
// already incremented and state reset to waiting. Grounded on the teacher's
// ThreadSafeQueue.PushDelayed time.AfterFunc technique, adapted to a
// cancelable goroutine so Close doesn't leak a timer.
func (w *Worker) scheduleRequeue(t *task.Task, delay time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-time.After(delay):
		case <-w.ctx.Done():
			return
		}
		retried := task.New(t.Name, t.Data, t.Options)
		retried.ID = t.ID
		retried.Group = t.Group
		retried.RetryCount = t.RetryCount

		ctx := context.Background()
		// Fail (in finishFailed, before scheduling this requeue) left the
		// prior attempt's job record and failed-state index entry in place;
		// Add no-ops on an existing QueueJobKey, so the record must be
		// cleared first or the retry would silently never re-run.
		if err := w.q.RemoveJob(ctx, t.ID); err != nil {
			w.logger.Warn().Err(err).Str("task", t.ID).Msg("worker: failed to clear prior attempt before requeue")
			return
		}
		if err := w.q.Add(ctx, retried); err != nil {
			w.logger.Warn().Err(err).Str("task", t.ID).Msg("worker: failed to requeue after retry delay")
		}
	}()
}

func (w *Worker) recordMetrics(ctx context.Context, succeeded bool, dur time.Duration) {
	outcome := "succeeded"
	if !succeeded {
		outcome = "failed"
	}
	metrics.TasksProcessed.WithLabelValues(w.ID, outcome).Inc()
	metrics.TaskProcessingSeconds.Observe(dur.Seconds())

	field := "tasksSucceeded"
	if !succeeded {
		field = "tasksFailed"
	}
	if _, err := w.store.HIncrBy(ctx, store.WorkerMetricsKey(w.ID), "tasksProcessed", 1); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to increment tasksProcessed")
	}
	if _, err := w.store.HIncrBy(ctx, store.WorkerMetricsKey(w.ID), field, 1); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to increment outcome metric")
	}
	if _, err := w.store.HIncrBy(ctx, store.WorkerMetricsKey(w.ID), "totalProcessingTimeMs", dur.Milliseconds()); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to increment totalProcessingTime")
	}

	snapshot, err := w.store.HGetAll(ctx, store.WorkerMetricsKey(w.ID))
	if err == nil {
		raw, _ := json.Marshal(snapshot)
		w.pushCapped(ctx, store.WorkerMetricsHistoryKey(w.ID), string(raw), workerMetricsHistoryCap)
	}
}

func (w *Worker) appendHistory(ctx context.Context, entry historyEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to marshal history entry")
		return
	}
	s := string(raw)

	w.pushCapped(ctx, store.WorkerTaskHistoryKey(w.ID), s, workerTaskHistoryCap)
	w.pushCapped(ctx, store.TaskHistoryWorkerKey(w.ID), s, workerTaskHistoryCap)
	w.pushCapped(ctx, store.TaskHistoryTaskKey(entry.TaskID), s, 1)
	w.pushCapped(ctx, store.TaskHistoryGlobalKey(), s, globalHistoryCap)
	w.pushCapped(ctx, store.TaskHistoryQueueKey(w.queueName), s, queueHistoryCap)
	if entry.Group != "" {
		w.pushCapped(ctx, store.TaskHistoryGroupKey(entry.Group), s, groupHistoryCap)
	}

	if w.obs != nil {
		event := observer.EventTaskCompleted
		if entry.Status == "failed" {
			event = observer.EventTaskFailed
		}
		_ = w.obs.Notify(ctx, event, entry.TaskID, entry.Status, map[string]string{"queue": w.queueName, "group": entry.Group})
	}
}

func (w *Worker) pushCapped(ctx context.Context, key, value string, cap int) {
	if err := w.store.RPush(ctx, key, value); err != nil {
		w.logger.Warn().Err(err).Str("key", key).Msg("worker: failed to append history entry")
		return
	}
	if err := w.store.LTrim(ctx, key, -int64(cap), -1); err != nil {
		w.logger.Warn().Err(err).Str("key", key).Msg("worker: failed to trim history list")
	}
	if err := w.store.Expire(ctx, key, historyTTL); err != nil {
		w.logger.Warn().Err(err).Str("key", key).Msg("worker: failed to set history expiry")
	}
}

// heartbeatLoop writes a liveness timestamp every heartbeatInterval.
// Grounded on coordination/agent_monitor.go's interval/threshold pairing.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	now := time.Now()
	if err := w.store.Set(ctx, store.WorkerHeartbeatKey(w.ID), fmt.Sprintf("%d", now.UnixMilli()), 0); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to write heartbeat")
		return
	}
	status := "active"
	if !w.isRunning() {
		status = "paused"
	}
	if err := w.store.Set(ctx, store.WorkerStatusKey(w.ID), status, 0); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to write status")
	}
	metrics.WorkerHeartbeatAge.WithLabelValues(w.ID).Set(0)
}

// IsAlive reports whether id's last heartbeat is within deadThreshold,
// spec.md §4.E "absence of heartbeat > 15s ... inactive".
func IsAlive(ctx context.Context, s store.Store, id string) (bool, error) {
	raw, ok, err := s.Get(ctx, store.WorkerHeartbeatKey(id))
	if err != nil {
		return false, task.Wrap(task.KindTransientStore, "worker: read heartbeat", err)
	}
	if !ok {
		return false, nil
	}
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil {
		return false, nil
	}
	return time.Since(time.UnixMilli(ms)) < deadThreshold, nil
}

// ActiveTasks returns the worker's current "<id>:<name>" membership set.
func (w *Worker) ActiveTasks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.active))
	for m := range w.active {
		out = append(out, m)
	}
	return out
}

// Close stops the poll and heartbeat loops, marks the worker inactive, and
// waits for in-flight attempts and scheduled retries to settle.
func (w *Worker) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if err := w.store.Set(context.Background(), store.WorkerStatusKey(w.ID), "inactive", 0); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failed to set inactive status on close")
	}
	return nil
}
