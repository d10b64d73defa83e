// Package dlq implements the Dead-Letter Queue (spec §4.C): a durable
// holding area for terminally failed tasks, a manual retry-to-origin path,
// and summary stats.
//
// [EXPANSION] Rather than a bespoke list, the DLQ is itself a queue.Queue
// named store.DeadLetterQueueName — grounded on the teacher's habit of
// composing smaller store-backed primitives (idempotency.Store wraps the
// same store.Store the rest of control_plane uses) instead of inventing a
// parallel persistence mechanism.
package dlq

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/groupq/groupq/metrics"
	"github.com/groupq/groupq/observer"
	"github.com/groupq/groupq/queue"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

// Entry is one dead-lettered task, matching spec.md's DLQ Entry shape.
type Entry struct {
	Task          *task.Task `json:"task"`
	ErrorMessage  string     `json:"errorMessage"`
	OriginalQueue string     `json:"originalQueue"`
	FailedAt      time.Time  `json:"failedAt"`
	RetryCount    int        `json:"retryCount"`
}

// Stats summarizes the DLQ's current contents.
type Stats struct {
	TotalFailed    int64
	RecentFailures int64 // failures added within the last 24h
	OldestEntryAt  time.Time
	HasOldestEntry bool
}

// DLQ is the dead-letter queue. alertThreshold, when crossed (from below to
// at-or-above) by the running alert counter, emits one observer alert event;
// it re-arms once the counter drops back below the threshold via RetryTask
// or PurgeOldEntries.
type DLQ struct {
	q              *queue.Queue
	obs            *observer.Observer
	alertThreshold int64
	alertCount     int64
	armed          int32 // 1 once alertCount >= alertThreshold, until it drops back below
}

// New builds a DLQ backed by s, using alertThreshold as the crossing point
// for alert emission (0 disables alerting).
func New(s store.Store, obs *observer.Observer, alertThreshold int64) *DLQ {
	return &DLQ{
		q:              queue.New(store.DeadLetterQueueName, s, obs),
		obs:            obs,
		alertThreshold: alertThreshold,
	}
}

// AddFailedTask enqueues a terminally failed task with attempts=1 and
// removeOnComplete=false (spec.md §4.C), increments the alert counter, and
// emits an alert once it crosses alertThreshold.
func (d *DLQ) AddFailedTask(ctx context.Context, original *task.Task, cause error, originalQueue string) error {
	entry := Entry{
		Task:          original,
		FailedAt:      time.Now(),
		OriginalQueue: originalQueue,
		RetryCount:    original.RetryCount,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return task.Wrap(task.KindConfig, "dlq: marshal entry", err)
	}

	opts := task.DefaultOptions()
	opts.ID = original.ID
	opts.Queue = store.DeadLetterQueueName
	opts.MaxRetries = 1
	opts.RemoveOnComplete = task.Retention{Enabled: false}
	dlqTask := task.New(original.Name, payload, opts)

	if err := d.q.Add(ctx, dlqTask); err != nil {
		return err
	}

	n := atomic.AddInt64(&d.alertCount, 1)
	metrics.DLQDepth.Inc()
	if d.alertThreshold > 0 && n >= d.alertThreshold && atomic.CompareAndSwapInt32(&d.armed, 0, 1) {
		metrics.DLQAlerts.Inc()
		if d.obs != nil {
			_ = d.obs.Notify(ctx, "alert", original.ID, "dlq_threshold_crossed", map[string]any{
				"alertThreshold": d.alertThreshold,
				"totalFailed":    n,
			})
		}
	}
	return nil
}

// RetryTask reads a DLQ entry, reinjects the original task into its
// original queue with its configured attempts/backoff reset, and removes
// the entry from the DLQ.
func (d *DLQ) RetryTask(ctx context.Context, jobID string, queues map[string]*queue.Queue) error {
	entry, ok, err := d.getEntry(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return task.NewError(task.KindNotFound, "dlq: entry not found: "+jobID)
	}

	target, ok := queues[entry.OriginalQueue]
	if !ok {
		return task.NewError(task.KindNotFound, "dlq: original queue no longer registered: "+entry.OriginalQueue)
	}

	retried := *entry.Task
	retried.State = task.StateWaiting
	retried.RetryCount = 0
	retried.Error = ""
	retried.UpdatedAt = time.Now()

	// The exhausted attempt's own record is still sitting in the original
	// queue under this same job id (Fail never removes it) — Add no-ops on
	// an existing QueueJobKey, so clear it first or the retry never lands.
	if err := target.RemoveJob(ctx, jobID); err != nil {
		return err
	}
	if err := target.Add(ctx, &retried); err != nil {
		return err
	}
	if err := d.q.RemoveJob(ctx, jobID); err != nil {
		return err
	}
	d.decrementAlertCount()
	metrics.DLQDepth.Dec()
	return nil
}

// decrementAlertCount lowers the alert counter and re-arms the threshold
// once it drops back below alertThreshold.
func (d *DLQ) decrementAlertCount() {
	n := atomic.AddInt64(&d.alertCount, -1)
	if d.alertThreshold > 0 && n < d.alertThreshold {
		atomic.StoreInt32(&d.armed, 0)
	}
}

func (d *DLQ) getEntry(ctx context.Context, jobID string) (*Entry, bool, error) {
	t, ok, err := d.q.GetJob(ctx, jobID)
	if err != nil || !ok {
		return nil, ok, err
	}
	var entry Entry
	if err := json.Unmarshal(t.Data, &entry); err != nil {
		return nil, false, task.Wrap(task.KindConfig, "dlq: unmarshal entry", err)
	}
	return &entry, true, nil
}

// PurgeOldEntries removes entries older than maxAge.
func (d *DLQ) PurgeOldEntries(ctx context.Context, maxAge time.Duration) (int, error) {
	jobs, err := d.q.GetJobs(ctx, nil, 0, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	purged := 0
	for _, t := range jobs {
		var entry Entry
		if err := json.Unmarshal(t.Data, &entry); err != nil {
			continue
		}
		if entry.FailedAt.Before(cutoff) {
			if err := d.q.RemoveJob(ctx, t.ID); err != nil {
				return purged, err
			}
			d.decrementAlertCount()
			metrics.DLQDepth.Dec()
			purged++
		}
	}
	return purged, nil
}

// GetStats returns the DLQ's summary stats: total failed entries currently
// held, entries added within the last 24h, and the oldest entry's failedAt.
func (d *DLQ) GetStats(ctx context.Context) (Stats, error) {
	jobs, err := d.q.GetJobs(ctx, nil, 0, 0)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalFailed: int64(len(jobs))}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, t := range jobs {
		var entry Entry
		if err := json.Unmarshal(t.Data, &entry); err != nil {
			continue
		}
		if entry.FailedAt.After(cutoff) {
			stats.RecentFailures++
		}
		if !stats.HasOldestEntry || entry.FailedAt.Before(stats.OldestEntryAt) {
			stats.OldestEntryAt = entry.FailedAt
			stats.HasOldestEntry = true
		}
	}
	return stats, nil
}

// Close releases the underlying queue's resources.
func (d *DLQ) Close() error {
	return d.q.Close()
}
