package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/groupq/groupq/observer"
	"github.com/groupq/groupq/queue"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

func newTestQueue(t *testing.T) (*queue.Queue, *observer.Observer) {
	t.Helper()
	s := store.NewMemoryStore()
	obs := observer.New(s)
	q := queue.New("default", s, obs)
	t.Cleanup(func() {
		_ = q.Close()
		_ = obs.Close()
	})
	return q, obs
}

func TestQueue_AddIsIdempotentByJobID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "fixed-id"
	tk := task.New("send_email", []byte(`{"to":"a@b.com"}`), opts)

	if err := q.Add(ctx, tk); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tk2 := *tk
	tk2.Data = []byte(`{"to":"different@b.com"}`)
	if err := q.Add(ctx, &tk2); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[task.StateWaiting] != 1 {
		t.Fatalf("expected exactly one waiting job, got %d", counts[task.StateWaiting])
	}

	got, ok, err := q.GetJob(ctx, "fixed-id")
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if string(got.Data) != `{"to":"a@b.com"}` {
		t.Fatalf("expected original data to be kept, got %s", got.Data)
	}
}

func TestQueue_ClaimHighestPriorityFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low := task.DefaultOptions()
	low.ID, low.Priority = "low", 1
	high := task.DefaultOptions()
	high.ID, high.Priority = "high", 10

	if err := q.Add(ctx, task.New("job", nil, low)); err != nil {
		t.Fatalf("Add low: %v", err)
	}
	if err := q.Add(ctx, task.New("job", nil, high)); err != nil {
		t.Fatalf("Add high: %v", err)
	}

	claimed, ok, err := q.Claim(ctx)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if claimed.ID != "high" {
		t.Fatalf("expected high-priority job first, got %s", claimed.ID)
	}
	if claimed.State != task.StateActive {
		t.Fatalf("expected claimed job to be active, got %s", claimed.State)
	}
}

func TestQueue_ClaimOnEmptyQueueReturnsFalse(t *testing.T) {
	q, _ := newTestQueue(t)
	_, ok, err := q.Claim(context.Background())
	if err != nil || ok {
		t.Fatalf("expected empty claim: ok=%v err=%v", ok, err)
	}
}

func TestQueue_CompleteWithRemoveOnCompleteDeletesJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "t1"
	opts.RemoveOnComplete = task.Retention{Enabled: true}
	tk := task.New("job", nil, opts)
	if err := q.Add(ctx, tk); err != nil {
		t.Fatalf("Add: %v", err)
	}
	claimed, _, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := q.Complete(ctx, claimed, []byte("ok")); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, ok, err := q.GetJob(ctx, "t1")
	if err != nil || ok {
		t.Fatalf("expected job removed: ok=%v err=%v", ok, err)
	}
}

func TestQueue_FailTransitionsToFailedState(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "t2"
	tk := task.New("job", nil, opts)
	if err := q.Add(ctx, tk); err != nil {
		t.Fatalf("Add: %v", err)
	}
	claimed, _, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := q.Fail(ctx, claimed, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, ok, err := q.GetJob(ctx, "t2")
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if got.State != task.StateFailed || got.Error != "boom" {
		t.Fatalf("unexpected job after Fail: %+v", got)
	}
}

func TestQueue_GetJobsFiltersByStateAndPaginates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		opts := task.DefaultOptions()
		opts.ID = string(rune('a' + i))
		if err := q.Add(ctx, task.New("job", nil, opts)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	page, err := q.GetJobs(ctx, []task.State{task.StateWaiting}, 0, 2)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}

	all, err := q.GetJobs(ctx, []task.State{task.StateWaiting}, 0, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("GetJobs all: %d, %v", len(all), err)
	}
}

func TestQueue_RemoveJobClearsAllIndexes(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "rm"
	if err := q.Add(ctx, task.New("job", nil, opts)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.RemoveJob(ctx, "rm"); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	_, ok, err := q.GetJob(ctx, "rm")
	if err != nil || ok {
		t.Fatalf("expected job gone: ok=%v err=%v", ok, err)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[task.StateWaiting] != 0 {
		t.Fatalf("expected zero waiting after remove, got %d", counts[task.StateWaiting])
	}
}

func TestQueue_UpsertScheduledJobAcceptsValidPattern(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Even the finest standard pattern fires once a minute, too long to wait
	// out in a unit test, so this asserts only that the upsert of a valid
	// pattern returns no error; materialization is not exercised here.
	opts := task.DefaultOptions()
	if err := q.UpsertScheduledJob(ctx, "daily-report", "*/5 * * * *", "daily_report", []byte("{}"), opts); err != nil {
		t.Fatalf("UpsertScheduledJob: %v", err)
	}
}

func TestQueue_UpsertScheduledJobRejectsBadPattern(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.UpsertScheduledJob(context.Background(), "bad", "not a cron", "x", nil, task.DefaultOptions())
	if err == nil {
		t.Fatal("expected error for invalid cron pattern")
	}
}
