package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/groupq/groupq/manager"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

func newTestManager(t *testing.T) (*manager.Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	cfg := manager.DefaultConfig()
	cfg.InstanceID = "test-instance"
	cfg.MetricsInterval = time.Hour
	cfg.HealthCheckInterval = time.Hour
	m, err := manager.New(cfg, s)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, s
}

func TestManager_AddTaskEnqueuesToDefaultQueue(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "job-1"
	got, err := m.AddTask(ctx, "echo", []byte("hi"), opts)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	jobs, err := m.GetQueueTasks(ctx, "default", nil, 0, 0)
	if err != nil {
		t.Fatalf("GetQueueTasks: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != got.ID {
		t.Fatalf("expected the added task listed in the default queue, got %+v", jobs)
	}
}

func TestManager_AddTaskRejectsGroupedOptions(t *testing.T) {
	m, _ := newTestManager(t)
	opts := task.DefaultOptions()
	opts.Group = "g1"
	_, err := m.AddTask(context.Background(), "echo", nil, opts)
	if !task.Is(err, task.KindConfig) {
		t.Fatalf("expected config error steering grouped tasks to AddTaskToGroup, got %v", err)
	}
}

func TestManager_AddTaskToGroupRoutesThroughGroupEngine(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "job-2"
	opts.Group = "g1"
	opts.Queue = "default"
	if err := m.AddTaskToGroup(ctx, "echo", opts, []byte("x")); err != nil {
		t.Fatalf("AddTaskToGroup: %v", err)
	}

	stats, err := m.GetGroupStats(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroupStats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected total=1 in group stats, got %+v", stats)
	}
}

func TestManager_SetAndGetGroupPriority(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.SetGroupPriority(ctx, "g2", 7); err != nil {
		t.Fatalf("SetGroupPriority: %v", err)
	}
	p, err := m.GetGroupPriority(ctx, "g2")
	if err != nil {
		t.Fatalf("GetGroupPriority: %v", err)
	}
	if p != 7 {
		t.Fatalf("expected priority 7, got %d", p)
	}
}

func TestManager_ListQueuesAndWorkersReflectCreatedQueue(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateQueue(ctx, "emails", manager.DefaultQueueConfig()); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	queues, err := m.ListQueues(ctx)
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if !contains(queues, "emails") {
		t.Fatalf("expected 'emails' in %v", queues)
	}

	workers, err := m.ListWorkers(ctx, "emails")
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected one worker attached to 'emails', got %v", workers)
	}
}

func TestManager_PauseAndResumeWorker(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateQueue(ctx, "jobs", manager.DefaultQueueConfig()); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if err := m.PauseWorker("jobs"); err != nil {
		t.Fatalf("PauseWorker: %v", err)
	}
	workers, err := m.ListWorkers(ctx, "jobs")
	if err != nil || len(workers) != 1 {
		t.Fatalf("ListWorkers: %v %v", workers, err)
	}
	status, _, err := m.GetWorkerStatus(ctx, workers[0])
	if err != nil {
		t.Fatalf("GetWorkerStatus: %v", err)
	}
	if status != "paused" {
		t.Fatalf("expected status 'paused', got %q", status)
	}

	if err := m.ResumeWorker("jobs"); err != nil {
		t.Fatalf("ResumeWorker: %v", err)
	}
	status, _, err = m.GetWorkerStatus(ctx, workers[0])
	if err != nil {
		t.Fatalf("GetWorkerStatus: %v", err)
	}
	if status != "active" {
		t.Fatalf("expected status 'active' after resume, got %q", status)
	}
}

func TestManager_HealthCheckRecoversStuckGroupTasks(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	opts := task.DefaultOptions()
	opts.ID = "stuck-1"
	opts.Group = "g4"
	opts.Queue = "default"
	if err := m.AddTaskToGroup(ctx, "echo", opts, nil); err != nil {
		t.Fatalf("AddTaskToGroup: %v", err)
	}

	grp, err := m.Group(ctx, "g4")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	recoverer, ok := grp.(interface {
		RecoverStuckTasks(ctx context.Context, maxAge time.Duration) error
		IsEmpty(ctx context.Context) (bool, error)
	})
	if !ok {
		t.Fatal("expected the group handle to also satisfy the recovery surface used by the health check")
	}

	// Simulate the worker that claimed "stuck-1" via the group having
	// crashed: move it into processing with a stale start time directly.
	if err := s.SAdd(ctx, "group:g4:processing", "stuck-1"); err != nil {
		t.Fatalf("SAdd processing: %v", err)
	}
	if err := s.ZRem(ctx, "group:g4:order", "stuck-1"); err != nil {
		t.Fatalf("ZRem order: %v", err)
	}
	stale := time.Now().Add(-time.Hour).UnixMilli()
	if err := s.HSet(ctx, "group:g4:processing_start", "stuck-1", itoa(stale)); err != nil {
		t.Fatalf("HSet processing_start: %v", err)
	}

	if err := recoverer.RecoverStuckTasks(ctx, 0); err != nil {
		t.Fatalf("RecoverStuckTasks: %v", err)
	}
	empty, err := recoverer.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("expected the stuck task (no retry budget) to be dead-lettered and the group emptied")
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

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
