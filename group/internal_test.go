package group

import (
	"context"
	"testing"
	"time"

	"github.com/groupq/groupq/dlq"
	"github.com/groupq/groupq/observer"
	"github.com/groupq/groupq/queue"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

type stubResolver struct {
	queues map[string]*queue.Queue
}

func (r *stubResolver) Queue(ctx context.Context, name string) (*queue.Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, task.NewError(task.KindNotFound, "no such queue: "+name)
	}
	return q, nil
}

// newTestEngine builds an Engine for driving selection directly via the
// unexported getNextTask/pickCandidate. Its background ticker still runs but
// first fires after one second, and it is stopped by Close in t.Cleanup.
func newTestEngine(t *testing.T, cfg Config) (*Engine, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	obs := observer.New(s)
	resolver := &stubResolver{queues: map[string]*queue.Queue{
		"default": queue.New("default", s, obs),
	}}
	d := dlq.New(s, obs, 0)
	e := New("g1", s, obs, resolver, d, cfg, "test-holder")
	t.Cleanup(func() {
		_ = e.Close()
		_ = resolver.queues["default"].Close()
		_ = d.Close()
		_ = obs.Close()
	})
	return e, s
}

func admit(t *testing.T, ctx context.Context, e *Engine, id string, priority, weight int) {
	t.Helper()
	opts := task.DefaultOptions()
	opts.ID = id
	opts.Priority = priority
	opts.Weight = weight
	if err := e.AddTask(ctx, "job", opts, []byte("{}")); err != nil {
		t.Fatalf("AddTask(%s): %v", id, err)
	}
}

func TestEngine_FIFOSelectsInsertionOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyFIFO
	cfg.MaxConcurrency = 10
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	admit(t, ctx, e, "first", 0, 0)
	time.Sleep(2 * time.Millisecond)
	admit(t, ctx, e, "second", 0, 0)

	id, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok {
		t.Fatalf("getNextTask: ok=%v err=%v", ok, err)
	}
	if id != "first" {
		t.Fatalf("expected FIFO to select 'first', got %q", id)
	}
}

func TestEngine_LIFOSelectsMostRecent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyLIFO
	cfg.MaxConcurrency = 10
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	admit(t, ctx, e, "first", 0, 0)
	time.Sleep(2 * time.Millisecond)
	admit(t, ctx, e, "second", 0, 0)

	id, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok {
		t.Fatalf("getNextTask: ok=%v err=%v", ok, err)
	}
	if id != "second" {
		t.Fatalf("expected LIFO to select 'second', got %q", id)
	}
}

func TestEngine_PrioritySelectsHighestPriorityFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyPriority
	cfg.MaxConcurrency = 10
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	admit(t, ctx, e, "low", 1, 0)
	admit(t, ctx, e, "high", 10, 0)

	id, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok {
		t.Fatalf("getNextTask: ok=%v err=%v", ok, err)
	}
	if id != "high" {
		t.Fatalf("expected priority strategy to select 'high', got %q", id)
	}
}

func TestEngine_RoundRobinRotatesAmongEqualPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyRoundRobin
	cfg.MaxConcurrency = 10
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	admit(t, ctx, e, "a", 0, 0)
	time.Sleep(2 * time.Millisecond)
	admit(t, ctx, e, "b", 0, 0)

	firstID, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok {
		t.Fatalf("first getNextTask: ok=%v err=%v", ok, err)
	}
	if firstID != "a" {
		t.Fatalf("expected 'a' (lowest score) selected first, got %q", firstID)
	}

	secondID, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok {
		t.Fatalf("second getNextTask: ok=%v err=%v", ok, err)
	}
	if secondID != "b" {
		t.Fatalf("expected 'b' selected after 'a', got %q", secondID)
	}
}

func TestEngine_MaxConcurrencyBlocksSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyFIFO
	cfg.MaxConcurrency = 1
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	admit(t, ctx, e, "only", 0, 0)
	admit(t, ctx, e, "second", 0, 0)

	_, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok {
		t.Fatalf("first getNextTask: ok=%v err=%v", ok, err)
	}

	_, _, ok, err = e.getNextTask(ctx)
	if err != nil {
		t.Fatalf("second getNextTask: %v", err)
	}
	if ok {
		t.Fatal("expected selection to be blocked once maxConcurrency is reached")
	}
}

func TestEngine_RateLimitRejectsOverCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = &task.RateLimit{Max: 1, Duration: time.Minute}
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "a"
	if err := e.AddTask(ctx, "job", opts, nil); err != nil {
		t.Fatalf("first AddTask: %v", err)
	}

	opts2 := task.DefaultOptions()
	opts2.ID = "b"
	err := e.AddTask(ctx, "job", opts2, nil)
	if !task.Is(err, task.KindRateLimited) {
		t.Fatalf("expected rate_limited, got %v", err)
	}
}

func TestEngine_CompleteTaskClearsMembership(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 10
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	admit(t, ctx, e, "t1", 0, 0)
	id, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok || id != "t1" {
		t.Fatalf("getNextTask: id=%q ok=%v err=%v", id, ok, err)
	}

	if err := e.CompleteTask(ctx, id); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	empty, err := e.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("expected group to be empty after completion")
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("expected completed=1, got %+v", stats)
	}
}

func TestEngine_FailTaskRetriesThenDeadLetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 10
	cfg.RetryLimit = 1
	cfg.RetryDelay = 5 * time.Millisecond
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	admit(t, ctx, e, "flaky", 0, 0)
	id, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok {
		t.Fatalf("getNextTask: ok=%v err=%v", ok, err)
	}

	if err := e.FailTask(ctx, id, errTest("boom")); err != nil {
		t.Fatalf("first FailTask: %v", err)
	}

	// Wait for the scheduled retry to reinsert into order, then select again.
	time.Sleep(30 * time.Millisecond)
	id2, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok || id2 != "flaky" {
		t.Fatalf("expected retried task reselected: id=%q ok=%v err=%v", id2, ok, err)
	}

	if err := e.FailTask(ctx, id2, errTest("boom again")); err != nil {
		t.Fatalf("second FailTask: %v", err)
	}

	empty, err := e.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("expected task removed from group membership after dead-lettering")
	}
	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected failed=1, got %+v", stats)
	}
}

func TestEngine_RecoverStuckTasks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 10
	cfg.Timeout = 10 * time.Millisecond
	cfg.RetryLimit = 0
	e, s := newTestEngine(t, cfg)
	ctx := context.Background()

	admit(t, ctx, e, "stuck", 0, 0)
	id, _, ok, err := e.getNextTask(ctx)
	if err != nil || !ok {
		t.Fatalf("getNextTask: ok=%v err=%v", ok, err)
	}

	// Simulate the owning worker having crashed: backdate processing_start.
	stale := time.Now().Add(-time.Hour).UnixMilli()
	if err := s.HSet(ctx, "group:g1:processing_start", id, itoa(stale)); err != nil {
		t.Fatalf("backdate processing_start: %v", err)
	}

	if err := e.RecoverStuckTasks(ctx, 0); err != nil {
		t.Fatalf("RecoverStuckTasks: %v", err)
	}

	empty, err := e.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("expected stuck task with no retry budget to be dead-lettered")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
