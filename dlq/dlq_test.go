package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/groupq/groupq/dlq"
	"github.com/groupq/groupq/observer"
	"github.com/groupq/groupq/queue"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

func newTestDLQ(t *testing.T) (*dlq.DLQ, *observer.Observer, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	obs := observer.New(s)
	d := dlq.New(s, obs, 3)
	t.Cleanup(func() {
		_ = d.Close()
		_ = obs.Close()
	})
	return d, obs, s
}

func TestDLQ_AddFailedTaskIncreasesStats(t *testing.T) {
	d, _, _ := newTestDLQ(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "job-1"
	original := task.New("send_email", nil, opts)
	original.RetryCount = 2

	if err := d.AddFailedTask(ctx, original, errors.New("smtp timeout"), "emails"); err != nil {
		t.Fatalf("AddFailedTask: %v", err)
	}

	stats, err := d.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalFailed != 1 || stats.RecentFailures != 1 || !stats.HasOldestEntry {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDLQ_RetryTaskReinjectsIntoOriginalQueue(t *testing.T) {
	d, obs, s := newTestDLQ(t)
	ctx := context.Background()

	emails := queue.New("emails", s, obs)
	defer emails.Close()

	opts := task.DefaultOptions()
	opts.ID = "job-2"
	original := task.New("send_email", []byte(`{"to":"x"}`), opts)
	original.RetryCount = 5

	if err := d.AddFailedTask(ctx, original, errors.New("boom"), "emails"); err != nil {
		t.Fatalf("AddFailedTask: %v", err)
	}

	queues := map[string]*queue.Queue{"emails": emails}
	if err := d.RetryTask(ctx, "job-2", queues); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	retried, ok, err := emails.GetJob(ctx, "job-2")
	if err != nil || !ok {
		t.Fatalf("expected retried job in original queue: ok=%v err=%v", ok, err)
	}
	if retried.RetryCount != 0 || retried.State != task.StateWaiting {
		t.Fatalf("expected reset retry state, got %+v", retried)
	}

	stats, err := d.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalFailed != 0 {
		t.Fatalf("expected DLQ drained after retry, got %d", stats.TotalFailed)
	}
}

func TestDLQ_RetryTaskUnknownJobReturnsNotFound(t *testing.T) {
	d, _, _ := newTestDLQ(t)
	err := d.RetryTask(context.Background(), "missing", nil)
	if !task.Is(err, task.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestDLQ_PurgeOldEntriesRemovesOnlyStaleOnes(t *testing.T) {
	d, _, _ := newTestDLQ(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "fresh"
	if err := d.AddFailedTask(ctx, task.New("job", nil, opts), errors.New("e"), "q"); err != nil {
		t.Fatalf("AddFailedTask: %v", err)
	}

	purged, err := d.PurgeOldEntries(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldEntries: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected no purge for a fresh entry, got %d", purged)
	}

	purged, err = d.PurgeOldEntries(ctx, -time.Second)
	if err != nil {
		t.Fatalf("PurgeOldEntries: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected the entry purged with a negative max age, got %d", purged)
	}
}

func TestDLQ_AlertThresholdFiresOnceThenRearms(t *testing.T) {
	d, obs, _ := newTestDLQ(t) // threshold = 3
	ctx := context.Background()

	alerts := make(chan struct{}, 10)
	unsubscribe, err := obs.Subscribe(ctx, "alert", func(observer.Event) { alerts <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		opts := task.DefaultOptions()
		opts.ID = string(rune('a' + i))
		if err := d.AddFailedTask(ctx, task.New("job", nil, opts), errors.New("e"), "q"); err != nil {
			t.Fatalf("AddFailedTask %d: %v", i, err)
		}
	}

	select {
	case <-alerts:
	case <-time.After(time.Second):
		t.Fatal("expected an alert once the threshold was crossed")
	}
	select {
	case <-alerts:
		t.Fatal("expected exactly one alert, got a second before re-arming")
	case <-time.After(100 * time.Millisecond):
	}
}
