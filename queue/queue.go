// Package queue implements the Queue component (spec §4.D): a named,
// store-backed holding area for task.Task jobs, with priority/delay ordering
// via a sorted set, per-state membership sets, and a cron-driven scheduler
// for recurring jobs.
//
// Grounded on the teacher's scheduler.ThreadSafeQueue (container/heap +
// mutex single-process ordering primitive) and scheduler.poller (ticker-
// driven background goroutine), both moved from in-process state into the
// shared store so multiple processes can share one queue (spec.md §5, "no
// in-process coordination").
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/groupq/groupq/observer"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

// scheduleCheckInterval is how often the scheduler goroutine evaluates
// recurring jobs for a crossed cron boundary.
const scheduleCheckInterval = time.Second

// scoreScale spaces priority tiers far enough apart that a task's enqueue
// timestamp (epoch-ms, below 1e13) never crosses into a neighboring
// priority's range, keeping a single sorted set both priority- and
// FIFO-ordered.
const scoreScale = 1e13

// Queue is one named holding area for jobs. jobId == taskId by construction:
// Add never mints its own id.
type Queue struct {
	name   string
	store  store.Store
	obs    *observer.Observer
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Queue backed by s and starts its scheduler goroutine. Close
// must be called to stop it.
func New(name string, s store.Store, obs *observer.Observer) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		store:  s,
		obs:    obs,
		logger: log.With().Str("component", "queue").Str("queue", name).Logger(),
		cancel: cancel,
	}
	if err := s.SAdd(context.Background(), store.QueuesSetKey(), name); err != nil {
		q.logger.Warn().Err(err).Msg("queue: failed to register queue name")
	}
	q.wg.Add(1)
	go q.runScheduler(ctx)
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// priorityScore orders tasks highest-priority-first, then FIFO within a
// priority tier, via one composite score used as the sorted-set member
// score. The enqueue time is subtracted, so under Claim's highest-score-first
// read an older task outranks a newer one of the same priority.
func priorityScore(t *task.Task) float64 {
	return float64(t.Options.Priority)*scoreScale - float64(t.CreatedAt.UnixMilli())
}

// Add enqueues t. If a job with t.ID already exists in this queue, Add is a
// no-op (idempotent enqueue, spec.md §4.F "Idempotent: if the queue already
// has a job with that id, do nothing").
func (q *Queue) Add(ctx context.Context, t *task.Task) error {
	exists, err := q.store.Exists(ctx, store.QueueJobKey(q.name, t.ID))
	if err != nil {
		return task.Wrap(task.KindTransientStore, "queue: check existing job", err)
	}
	if exists {
		return nil
	}

	data, err := json.Marshal(t)
	if err != nil {
		return task.Wrap(task.KindConfig, "queue: marshal task", err)
	}
	if err := q.store.Set(ctx, store.QueueJobKey(q.name, t.ID), string(data), 0); err != nil {
		return task.Wrap(task.KindTransientStore, "queue: persist job", err)
	}
	if err := q.store.ZAdd(ctx, store.QueueWaitingKey(q.name), t.ID, priorityScore(t)); err != nil {
		return task.Wrap(task.KindTransientStore, "queue: index waiting job", err)
	}
	if err := q.store.SAdd(ctx, store.QueueStateSetKey(q.name, string(task.StateWaiting)), t.ID); err != nil {
		return task.Wrap(task.KindTransientStore, "queue: index waiting state", err)
	}
	if q.obs != nil {
		_ = q.obs.Notify(ctx, observer.EventTaskAdded, t.ID, string(task.StateWaiting), map[string]string{"queue": q.name})
	}
	return nil
}

// Claim pops the highest-priority waiting job and marks it active. It
// returns (nil, false, nil) if the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*task.Task, bool, error) {
	members, err := q.store.ZRevRange(ctx, store.QueueWaitingKey(q.name), 0, 0)
	if err != nil {
		return nil, false, task.Wrap(task.KindTransientStore, "queue: claim", err)
	}
	if len(members) == 0 {
		return nil, false, nil
	}
	id := members[0].Member

	t, ok, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// Job was removed between the ZRevRange read and this lookup; treat
		// as empty rather than surfacing a transient race to the caller.
		_ = q.store.ZRem(ctx, store.QueueWaitingKey(q.name), id)
		return nil, false, nil
	}

	if err := q.transition(ctx, t, task.StateWaiting, task.StateActive); err != nil {
		return nil, false, err
	}
	if err := q.store.ZRem(ctx, store.QueueWaitingKey(q.name), id); err != nil {
		return nil, false, task.Wrap(task.KindTransientStore, "queue: unindex claimed job", err)
	}
	t.State = task.StateActive
	t.UpdatedAt = time.Now()
	if err := q.saveJob(ctx, t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// transition moves a job id between state-membership sets.
func (q *Queue) transition(ctx context.Context, t *task.Task, from, to task.State) error {
	if from != "" {
		if err := q.store.SRem(ctx, store.QueueStateSetKey(q.name, string(from)), t.ID); err != nil {
			return task.Wrap(task.KindTransientStore, "queue: unindex state", err)
		}
	}
	if err := q.store.SAdd(ctx, store.QueueStateSetKey(q.name, string(to)), t.ID); err != nil {
		return task.Wrap(task.KindTransientStore, "queue: index state", err)
	}
	return nil
}

func (q *Queue) saveJob(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return task.Wrap(task.KindConfig, "queue: marshal task", err)
	}
	if err := q.store.Set(ctx, store.QueueJobKey(q.name, t.ID), string(data), 0); err != nil {
		return task.Wrap(task.KindTransientStore, "queue: persist job", err)
	}
	return nil
}

// Complete marks a job completed and emits the corresponding event.
// Removed entirely if RemoveOnComplete is enabled with Count and Age both
// zero; a job whose RemoveOnComplete sets Count or Age is kept, as no age- or
// count-based trimming is done.
func (q *Queue) Complete(ctx context.Context, t *task.Task, result []byte) error {
	t.State = task.StateCompleted
	t.Result = result
	t.UpdatedAt = time.Now()

	if err := q.transition(ctx, t, task.StateActive, task.StateCompleted); err != nil {
		return err
	}
	if t.Options.RemoveOnComplete.Enabled && t.Options.RemoveOnComplete.Count == 0 && t.Options.RemoveOnComplete.Age == 0 {
		return q.RemoveJob(ctx, t.ID)
	}
	if err := q.saveJob(ctx, t); err != nil {
		return err
	}
	if q.obs != nil {
		_ = q.obs.Notify(ctx, observer.EventTaskCompleted, t.ID, string(task.StateCompleted), map[string]string{"queue": q.name, "group": t.Group})
	}
	return nil
}

// Fail marks a job failed (terminal — retry rescheduling is the caller's
// responsibility via Add/requeue) and emits the corresponding event.
func (q *Queue) Fail(ctx context.Context, t *task.Task, cause error) error {
	t.State = task.StateFailed
	if cause != nil {
		t.Error = cause.Error()
	}
	t.UpdatedAt = time.Now()

	if err := q.transition(ctx, t, task.StateActive, task.StateFailed); err != nil {
		return err
	}
	if err := q.saveJob(ctx, t); err != nil {
		return err
	}
	if q.obs != nil {
		_ = q.obs.Notify(ctx, observer.EventTaskFailed, t.ID, string(task.StateFailed), map[string]string{"queue": q.name, "group": t.Group, "error": t.Error})
	}
	return nil
}

// Stall reports a stuck in-flight job without changing its state set
// membership; callers use this for diagnostics before a retry/DLQ decision.
func (q *Queue) Stall(ctx context.Context, t *task.Task) error {
	if q.obs == nil {
		return nil
	}
	return q.obs.Notify(ctx, observer.EventTaskStalled, t.ID, "stalled", map[string]string{"queue": q.name, "group": t.Group})
}

// Progress reports handler progress, 0-100.
func (q *Queue) Progress(ctx context.Context, t *task.Task, percent int) error {
	if q.obs == nil {
		return nil
	}
	return q.obs.Notify(ctx, observer.EventTaskProgress, t.ID, "progress", map[string]any{"queue": q.name, "percent": percent})
}

// GetJob looks up one job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*task.Task, bool, error) {
	raw, ok, err := q.store.Get(ctx, store.QueueJobKey(q.name, id))
	if err != nil {
		return nil, false, task.Wrap(task.KindTransientStore, "queue: get job", err)
	}
	if !ok {
		return nil, false, nil
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, false, task.Wrap(task.KindConfig, "queue: unmarshal job", err)
	}
	return &t, true, nil
}

// GetJobs returns jobs across the given states, offset/limited, ordered
// oldest-created-first. An empty states slice matches every state.
func (q *Queue) GetJobs(ctx context.Context, states []task.State, offset, count int) ([]*task.Task, error) {
	if len(states) == 0 {
		states = []task.State{
			task.StateWaiting, task.StateActive, task.StateCompleted,
			task.StateFailed, task.StateDelayed, task.StatePaused,
		}
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, st := range states {
		members, err := q.store.SMembers(ctx, store.QueueStateSetKey(q.name, string(st)))
		if err != nil {
			return nil, task.Wrap(task.KindTransientStore, "queue: list state members", err)
		}
		for _, id := range members {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	jobs := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, ok, err := q.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			jobs = append(jobs, t)
		}
	}

	sortByCreatedAt(jobs)

	if offset >= len(jobs) {
		return nil, nil
	}
	end := offset + count
	if count <= 0 || end > len(jobs) {
		end = len(jobs)
	}
	return jobs[offset:end], nil
}

func sortByCreatedAt(jobs []*task.Task) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].CreatedAt.Before(jobs[j-1].CreatedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

// RemoveJob deletes a job's record and every state/ordering index entry.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	for _, st := range []task.State{
		task.StateWaiting, task.StateActive, task.StateCompleted,
		task.StateFailed, task.StateDelayed, task.StatePaused,
	} {
		if err := q.store.SRem(ctx, store.QueueStateSetKey(q.name, string(st)), id); err != nil {
			return task.Wrap(task.KindTransientStore, "queue: unindex job state", err)
		}
	}
	if err := q.store.ZRem(ctx, store.QueueWaitingKey(q.name), id); err != nil {
		return task.Wrap(task.KindTransientStore, "queue: unindex waiting job", err)
	}
	if err := q.store.ZRem(ctx, store.QueueDelayedKey(q.name), id); err != nil {
		return task.Wrap(task.KindTransientStore, "queue: unindex delayed job", err)
	}
	if err := q.store.Del(ctx, store.QueueJobKey(q.name, id)); err != nil {
		return task.Wrap(task.KindTransientStore, "queue: delete job", err)
	}
	return nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[task.State]int64, error) {
	states := []task.State{
		task.StateWaiting, task.StateActive, task.StateCompleted,
		task.StateFailed, task.StateDelayed, task.StatePaused,
	}
	out := make(map[task.State]int64, len(states))
	for _, st := range states {
		n, err := q.store.SCard(ctx, store.QueueStateSetKey(q.name, string(st)))
		if err != nil {
			return nil, task.Wrap(task.KindTransientStore, "queue: count state", err)
		}
		out[st] = n
	}
	return out, nil
}

// scheduledJob is the persisted template for a recurring job.
type scheduledJob struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Data    []byte       `json:"data"`
	Options task.Options `json:"options"`
	Pattern string       `json:"pattern"`
	StartAt time.Time    `json:"startAt"`
	EndAt   time.Time    `json:"endAt"`
	LastRun time.Time    `json:"lastRun"`
}

// UpsertScheduledJob registers or updates a recurring job. pattern is a
// standard five-field cron expression (robfig/cron/v3).
func (q *Queue) UpsertScheduledJob(ctx context.Context, id, pattern string, name string, data []byte, opts task.Options) error {
	if _, err := cron.ParseStandard(pattern); err != nil {
		return task.Wrap(task.KindConfig, "queue: invalid cron pattern", err)
	}
	var startAt, endAt time.Time
	if opts.Schedule != nil {
		startAt, endAt = opts.Schedule.StartAt, opts.Schedule.EndAt
	}
	sj := scheduledJob{
		ID: id, Name: name, Data: data, Options: opts,
		Pattern: pattern, StartAt: startAt, EndAt: endAt,
	}
	raw, err := json.Marshal(sj)
	if err != nil {
		return task.Wrap(task.KindConfig, "queue: marshal schedule", err)
	}
	return wrapStoreErr(q.store.Set(ctx, store.QueueScheduleKey(q.name, id), string(raw), 0), "upsert schedule")
}

func wrapStoreErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return task.Wrap(task.KindTransientStore, "queue: "+msg, err)
}

// runScheduler evaluates every registered recurring job once per tick and
// materializes a new task each time a cron boundary is crossed, bounded by
// StartAt/EndAt. Grounded on the teacher's Scheduler.poller ticker loop.
func (q *Queue) runScheduler(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(scheduleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tickSchedules(ctx)
		}
	}
}

func (q *Queue) tickSchedules(ctx context.Context) {
	keys, err := q.store.Keys(ctx, fmt.Sprintf("queue:schedule:%s:*", q.name))
	if err != nil {
		q.logger.Warn().Err(err).Msg("queue: scheduler failed to list schedules")
		return
	}
	now := time.Now()
	for _, key := range keys {
		raw, ok, err := q.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var sj scheduledJob
		if err := json.Unmarshal([]byte(raw), &sj); err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("queue: malformed schedule entry")
			continue
		}
		if !sj.StartAt.IsZero() && now.Before(sj.StartAt) {
			continue
		}
		if !sj.EndAt.IsZero() && now.After(sj.EndAt) {
			continue
		}
		sched, err := cron.ParseStandard(sj.Pattern)
		if err != nil {
			continue
		}
		from := sj.LastRun
		if from.IsZero() {
			from = now.Add(-scheduleCheckInterval)
		}
		next := sched.Next(from)
		if next.After(now) {
			continue
		}

		t := task.New(sj.Name, sj.Data, sj.Options)
		if err := q.Add(ctx, t); err != nil {
			q.logger.Warn().Err(err).Str("schedule", sj.ID).Msg("queue: failed to materialize scheduled job")
			continue
		}
		sj.LastRun = now
		raw2, err := json.Marshal(sj)
		if err != nil {
			continue
		}
		if err := q.store.Set(ctx, key, string(raw2), 0); err != nil {
			q.logger.Warn().Err(err).Str("schedule", sj.ID).Msg("queue: failed to persist schedule last-run")
		}
	}
}

// Close stops the scheduler goroutine.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
