// Package manager implements the Queue Manager (spec §4.G): the top-level
// facade that creates queues/workers/groups on demand, admits tasks,
// collects per-queue metrics, runs a periodic health check, and persists
// queue metadata for cross-process discovery.
//
// Grounded on the teacher's main.go wiring (env-driven config,
// NewRedisStore, periodic goroutines via time.Ticker), generalized from a
// single hardcoded process into a reusable constructor — one *Manager per
// instanceId, explicitly constructed, no package-level singleton (spec.md
// §9's "globals/singletons" re-architecture note).
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/groupq/groupq/dlq"
	"github.com/groupq/groupq/group"
	"github.com/groupq/groupq/metrics"
	"github.com/groupq/groupq/observer"
	"github.com/groupq/groupq/queue"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
	"github.com/groupq/groupq/worker"
)

// Manager is a process-wide facade over the store, the observer, the DLQ,
// and lazily-created queues/workers/groups.
type Manager struct {
	cfg    Config
	store  store.Store
	obs    *observer.Observer
	dlq    *dlq.DLQ
	logger zerolog.Logger

	limiter *queueLimiter

	mu      sync.RWMutex
	queues  map[string]*queue.Queue
	workers map[string]*worker.Worker
	groups  map[string]*group.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager over an already-connected store. The caller owns
// the store's lifecycle except insofar as Close tears down everything
// Manager created on top of it (queues/workers/groups/observer/DLQ).
func New(cfg Config, s store.Store) (*Manager, error) {
	if cfg.InstanceID == "" {
		return nil, task.NewError(task.KindConfig, "manager: instanceId is required")
	}
	obs := observer.New(s)
	d := dlq.New(s, obs, cfg.DLQAlertThreshold)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		store:   s,
		obs:     obs,
		dlq:     d,
		logger:  cfg.Logger.With().Str("component", "manager").Str("instance", cfg.InstanceID).Logger(),
		limiter: newQueueLimiter(),
		queues:  make(map[string]*queue.Queue),
		workers: make(map[string]*worker.Worker),
		groups:  make(map[string]*group.Engine),
		ctx:     ctx,
		cancel:  cancel,
	}

	m.wg.Add(2)
	go m.runMetricsCollector()
	go m.runHealthCheck()

	return m, nil
}

// Queue implements group.QueueResolver: lazily creates the named queue (with
// its configured worker, if any) on first reference.
func (m *Manager) Queue(ctx context.Context, name string) (*queue.Queue, error) {
	return m.GetQueue(ctx, name)
}

// Group implements worker.GroupResolver: lazily creates the named group
// (hydrating priority from group:priorities) on first reference.
func (m *Manager) Group(ctx context.Context, name string) (worker.GroupHandle, error) {
	return m.getOrCreateGroup(ctx, name)
}

// CreateQueue writes the queue's metadata/config to the store and
// constructs its in-memory Queue, starting a Worker too unless
// cfg.CreateWorkers is false (scheduler-only / client mode, spec.md §4.G).
func (m *Manager) CreateQueue(ctx context.Context, name string, cfg QueueConfig) (*queue.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createQueueLocked(ctx, name, cfg)
}

func (m *Manager) createQueueLocked(ctx context.Context, name string, cfg QueueConfig) (*queue.Queue, error) {
	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	now := time.Now()
	meta := map[string]string{
		"createdAt":    now.Format(time.RFC3339Nano),
		"lastActivity": now.Format(time.RFC3339Nano),
		"instanceId":   m.cfg.InstanceID,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, task.Wrap(task.KindConfig, "manager: marshal queue meta", err)
	}
	if err := m.store.Set(ctx, store.QueueMetaKey(name), string(metaJSON), 0); err != nil {
		return nil, task.Wrap(task.KindTransientStore, "manager: persist queue meta", err)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, task.Wrap(task.KindConfig, "manager: marshal queue config", err)
	}
	if err := m.store.Set(ctx, store.QueueConfigKey(name), string(cfgJSON), 0); err != nil {
		return nil, task.Wrap(task.KindTransientStore, "manager: persist queue config", err)
	}

	q := queue.New(name, m.store, m.obs)
	m.queues[name] = q

	if cfg.CreateWorkers {
		id := fmt.Sprintf("%s-%s-worker", m.cfg.InstanceID, name)
		w := worker.New(id, q, m.store, m.obs, m, m.dlq, cfg.Concurrency)
		w.Start()
		m.workers[name] = w
	}

	return q, nil
}

// GetQueue returns the named queue, rehydrating its config from the store
// and constructing it on demand if this process hasn't seen it yet.
func (m *Manager) GetQueue(ctx context.Context, name string) (*queue.Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return q, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	cfg := DefaultQueueConfig()
	if raw, ok, err := m.store.Get(ctx, store.QueueConfigKey(name)); err == nil && ok {
		_ = json.Unmarshal([]byte(raw), &cfg)
	}
	return m.createQueueLocked(ctx, name, cfg)
}

func (m *Manager) getOrCreateGroup(ctx context.Context, name string) (*group.Engine, error) {
	m.mu.RLock()
	g, ok := m.groups[name]
	m.mu.RUnlock()
	if ok {
		return g, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[name]; ok {
		return g, nil
	}

	cfg, ok := m.cfg.Groups[name]
	if !ok {
		cfg = group.DefaultConfig()
	}
	if raw, ok, err := m.store.HGet(ctx, store.GroupPrioritiesKey(), name); err == nil && ok {
		var p int
		if _, scanErr := fmt.Sscanf(raw, "%d", &p); scanErr == nil {
			cfg.Priority = p
		}
	}

	g := group.New(name, m.store, m.obs, m, m.dlq, cfg, m.cfg.InstanceID)
	m.groups[name] = g
	return g, nil
}

// AddTask admits a task directly to its queue (spec.md §4.G addTask). If
// options.Group is set, use AddTaskToGroup instead.
func (m *Manager) AddTask(ctx context.Context, name string, data []byte, opts task.Options) (*task.Task, error) {
	if opts.Group != "" {
		return nil, task.NewError(task.KindConfig, "manager: use AddTaskToGroup for grouped tasks")
	}
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	qcfg, ok := m.cfg.Queues[opts.Queue]
	if !ok {
		qcfg = DefaultQueueConfig()
	}
	if !m.limiter.allow(opts.Queue, qcfg.RateLimitRPS, qcfg.RateLimitBurst) {
		return nil, task.NewError(task.KindRateLimited, "manager: queue "+opts.Queue+" rate limit exceeded")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = qcfg.Timeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = qcfg.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = qcfg.RetryDelay
	}

	q, err := m.GetQueue(ctx, opts.Queue)
	if err != nil {
		return nil, err
	}

	t := task.New(name, data, opts)

	if opts.Schedule != nil {
		if err := q.UpsertScheduledJob(ctx, t.ID, opts.Schedule.Pattern, name, data, opts); err != nil {
			return nil, err
		}
		return t, nil
	}

	if err := q.Add(ctx, t); err != nil {
		return nil, err
	}
	m.touchQueueActivity(ctx, opts.Queue)
	return t, nil
}

// AddTaskToGroup admits a task through the named group's admission gate
// (spec.md §4.G addTaskToGroup). Requires options.Group.
func (m *Manager) AddTaskToGroup(ctx context.Context, method string, opts task.Options, data []byte) error {
	if opts.Group == "" {
		return task.NewError(task.KindConfig, "manager: group is required")
	}
	if opts.ID == "" {
		opts.ID = task.NewID(method)
	}
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	g, err := m.getOrCreateGroup(ctx, opts.Group)
	if err != nil {
		return err
	}
	if err := g.AddTask(ctx, method, opts, data); err != nil {
		return err
	}
	m.touchQueueActivity(ctx, opts.Queue)
	return nil
}

func (m *Manager) touchQueueActivity(ctx context.Context, queueName string) {
	raw, ok, err := m.store.Get(ctx, store.QueueMetaKey(queueName))
	if err != nil || !ok {
		return
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return
	}
	meta["lastActivity"] = time.Now().Format(time.RFC3339Nano)
	updated, err := json.Marshal(meta)
	if err != nil {
		return
	}
	_ = m.store.Set(ctx, store.QueueMetaKey(queueName), string(updated), 0)
}

// GetTask looks up a task by id in the named queue.
func (m *Manager) GetTask(ctx context.Context, queueName, id string) (*task.Task, bool, error) {
	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return nil, false, err
	}
	return q.GetJob(ctx, id)
}

// RemoveTask deletes a task from the named queue.
func (m *Manager) RemoveTask(ctx context.Context, queueName, id string) error {
	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return err
	}
	return q.RemoveJob(ctx, id)
}

// GetQueueTasks lists tasks in the named queue across the given states,
// paginated.
func (m *Manager) GetQueueTasks(ctx context.Context, queueName string, states []task.State, offset, count int) ([]*task.Task, error) {
	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.GetJobs(ctx, states, offset, count)
}

// GetAllTasks lists every known queue's tasks, grouped by queue name.
func (m *Manager) GetAllTasks(ctx context.Context) (map[string][]*task.Task, error) {
	names, err := m.store.SMembers(ctx, store.QueuesSetKey())
	if err != nil {
		return nil, task.Wrap(task.KindTransientStore, "manager: list queue names", err)
	}
	out := make(map[string][]*task.Task, len(names))
	for _, name := range names {
		jobs, err := m.GetQueueTasks(ctx, name, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		out[name] = jobs
	}
	return out, nil
}

// ListQueues returns the names of every known queue.
func (m *Manager) ListQueues(ctx context.Context) ([]string, error) {
	names, err := m.store.SMembers(ctx, store.QueuesSetKey())
	if err != nil {
		return nil, task.Wrap(task.KindTransientStore, "manager: list queues", err)
	}
	return names, nil
}

// GetQueueCounts returns a queue's per-state job counts.
func (m *Manager) GetQueueCounts(ctx context.Context, queueName string) (map[task.State]int64, error) {
	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.Counts(ctx)
}

// ListGroups returns every group name this process has hydrated.
func (m *Manager) ListGroups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	return names
}

// GetGroupStats returns the named group's cached stats.
func (m *Manager) GetGroupStats(ctx context.Context, name string) (group.Stats, error) {
	g, err := m.getOrCreateGroup(ctx, name)
	if err != nil {
		return group.Stats{}, err
	}
	return g.Stats(ctx)
}

// SetGroupPriority persists a group's priority to the group:priorities hash
// and records it in the Manager's per-group config, which is used when the
// group's Engine is next constructed. An Engine that is already hydrated
// keeps the config it was built with.
func (m *Manager) SetGroupPriority(ctx context.Context, name string, priority int) error {
	if err := m.store.HSet(ctx, store.GroupPrioritiesKey(), name, fmt.Sprintf("%d", priority)); err != nil {
		return task.Wrap(task.KindTransientStore, "manager: persist group priority", err)
	}
	if cfg, ok := m.cfg.Groups[name]; ok {
		cfg.Priority = priority
		m.cfg.Groups[name] = cfg
	} else {
		cfg := group.DefaultConfig()
		cfg.Priority = priority
		if m.cfg.Groups == nil {
			m.cfg.Groups = make(map[string]group.Config)
		}
		m.cfg.Groups[name] = cfg
	}
	return nil
}

// GetGroupPriority returns a group's persisted priority, 0 if unset.
func (m *Manager) GetGroupPriority(ctx context.Context, name string) (int, error) {
	raw, ok, err := m.store.HGet(ctx, store.GroupPrioritiesKey(), name)
	if err != nil {
		return 0, task.Wrap(task.KindTransientStore, "manager: read group priority", err)
	}
	if !ok {
		return 0, nil
	}
	var p int
	_, _ = fmt.Sscanf(raw, "%d", &p)
	return p, nil
}

// ListWorkers returns the ids of every worker registered in this store,
// optionally filtered to those attached to queueName.
func (m *Manager) ListWorkers(ctx context.Context, queueName string) ([]string, error) {
	if queueName != "" {
		return m.store.SMembers(ctx, store.QueueWorkersKey(queueName))
	}
	return m.store.SMembers(ctx, store.WorkersSetKey())
}

// GetWorkerStatus returns a worker's reported status and liveness.
func (m *Manager) GetWorkerStatus(ctx context.Context, id string) (status string, alive bool, err error) {
	status, ok, err := m.store.Get(ctx, store.WorkerStatusKey(id))
	if err != nil {
		return "", false, task.Wrap(task.KindTransientStore, "manager: read worker status", err)
	}
	if !ok {
		return "", false, task.NewError(task.KindNotFound, "manager: unknown worker "+id)
	}
	alive, err = worker.IsAlive(ctx, m.store, id)
	if err != nil {
		return status, false, err
	}
	return status, alive, nil
}

// GetWorkerMetrics returns a worker's cumulative metrics hash.
func (m *Manager) GetWorkerMetrics(ctx context.Context, id string) (map[string]string, error) {
	raw, err := m.store.HGetAll(ctx, store.WorkerMetricsKey(id))
	if err != nil {
		return nil, task.Wrap(task.KindTransientStore, "manager: read worker metrics", err)
	}
	return raw, nil
}

// GetWorkerHistory returns a worker's capped task-history entries, most
// recent last.
func (m *Manager) GetWorkerHistory(ctx context.Context, id string) ([]string, error) {
	entries, err := m.store.LRange(ctx, store.WorkerTaskHistoryKey(id), 0, -1)
	if err != nil {
		return nil, task.Wrap(task.KindTransientStore, "manager: read worker history", err)
	}
	return entries, nil
}

// RegisterHandler attaches a task handler to the worker backing queueName.
// The queue must already have a locally-owned worker (CreateQueue with
// QueueConfig.CreateWorkers, the default) for this to find anything to
// register against.
func (m *Manager) RegisterHandler(queueName, taskName string, fn worker.HandlerFunc) error {
	m.mu.RLock()
	w, ok := m.workers[queueName]
	m.mu.RUnlock()
	if !ok {
		return task.NewError(task.KindNotFound, "manager: no local worker for queue "+queueName)
	}
	w.RegisterHandler(taskName, fn)
	return nil
}

// PauseWorker stops a locally-owned worker from claiming new work.
func (m *Manager) PauseWorker(queueName string) error {
	m.mu.RLock()
	w, ok := m.workers[queueName]
	m.mu.RUnlock()
	if !ok {
		return task.NewError(task.KindNotFound, "manager: no local worker for queue "+queueName)
	}
	w.Pause()
	return nil
}

// ResumeWorker resumes a locally-owned worker.
func (m *Manager) ResumeWorker(queueName string) error {
	m.mu.RLock()
	w, ok := m.workers[queueName]
	m.mu.RUnlock()
	if !ok {
		return task.NewError(task.KindNotFound, "manager: no local worker for queue "+queueName)
	}
	w.Resume()
	return nil
}

// runMetricsCollector persists a {waiting,active,completed,failed,delayed,
// paused,averageWaitingTime,timestamp} snapshot per queue every
// cfg.MetricsInterval, retaining 7 days (spec.md §4.G, §6). Grounded on the
// teacher's runMetricsCollector in main.go.
func (m *Manager) runMetricsCollector() {
	defer m.wg.Done()
	interval := m.cfg.MetricsInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.collectMetricsOnce()
		}
	}
}

func (m *Manager) collectMetricsOnce() {
	ctx := context.Background()
	names, err := m.store.SMembers(ctx, store.QueuesSetKey())
	if err != nil {
		m.logger.Warn().Err(err).Msg("manager: failed to list queues for metrics collection")
		return
	}
	now := time.Now()
	for _, name := range names {
		q, err := m.GetQueue(ctx, name)
		if err != nil {
			continue
		}
		counts, err := q.Counts(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("queue", name).Msg("manager: failed to count queue")
			continue
		}
		metrics.QueueDepth.WithLabelValues(name).Set(float64(counts[task.StateWaiting]))

		avgWait := m.averageWaitingTime(ctx, q)
		oldestWait := 0.0
		if oldest, err := q.GetJobs(ctx, []task.State{task.StateWaiting}, 0, 1); err == nil && len(oldest) > 0 {
			oldestWait = now.Sub(oldest[0].CreatedAt).Seconds()
		}
		metrics.QueueOldestWaitingAge.WithLabelValues(name).Set(oldestWait)

		snapshot := map[string]any{
			"waiting":            counts[task.StateWaiting],
			"active":             counts[task.StateActive],
			"completed":          counts[task.StateCompleted],
			"failed":             counts[task.StateFailed],
			"delayed":            counts[task.StateDelayed],
			"paused":             counts[task.StatePaused],
			"averageWaitingTime": avgWait,
			"timestamp":          now.Unix(),
		}
		raw, err := json.Marshal(snapshot)
		if err != nil {
			continue
		}
		if err := m.store.ZAdd(ctx, store.QueueMetricsKey(name), string(raw), float64(now.Unix())); err != nil {
			m.logger.Warn().Err(err).Str("queue", name).Msg("manager: failed to persist metrics snapshot")
			continue
		}
		cutoff := float64(now.Add(-7 * 24 * time.Hour).Unix())
		if _, err := m.store.ZRemRangeByScore(ctx, store.QueueMetricsKey(name), 0, cutoff); err != nil {
			m.logger.Warn().Err(err).Str("queue", name).Msg("manager: failed to trim old metrics snapshots")
		}
	}
}

// averageWaitingTime is the arithmetic mean of now-createdAt over up to the
// 10 oldest waiting jobs, spec.md §4.G. It approximates the queue-wide mean:
// waiting jobs beyond the 10 oldest are not sampled.
func (m *Manager) averageWaitingTime(ctx context.Context, q *queue.Queue) float64 {
	jobs, err := q.GetJobs(ctx, []task.State{task.StateWaiting}, 0, 10)
	if err != nil || len(jobs) == 0 {
		return 0
	}
	now := time.Now()
	var total float64
	for _, j := range jobs {
		total += now.Sub(j.CreatedAt).Seconds()
	}
	return total / float64(len(jobs))
}

// runHealthCheck runs stuck-task recovery for every hydrated group and
// evicts empty groups from the in-process registry every
// cfg.HealthCheckInterval (spec.md §4.G).
func (m *Manager) runHealthCheck() {
	defer m.wg.Done()
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.healthCheckOnce()
		}
	}
}

func (m *Manager) healthCheckOnce() {
	ctx := context.Background()
	m.mu.Lock()
	groups := make(map[string]*group.Engine, len(m.groups))
	for name, g := range m.groups {
		groups[name] = g
	}
	m.mu.Unlock()

	var toEvict []string
	for name, g := range groups {
		if err := g.RecoverStuckTasks(ctx, 0); err != nil {
			m.logger.Warn().Err(err).Str("group", name).Msg("manager: stuck-task recovery failed")
			continue
		}
		empty, err := g.IsEmpty(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("group", name).Msg("manager: failed to check group emptiness")
			continue
		}
		if empty {
			toEvict = append(toEvict, name)
		}
	}

	if len(toEvict) == 0 {
		return
	}
	m.mu.Lock()
	for _, name := range toEvict {
		if g, ok := m.groups[name]; ok {
			_ = g.Close()
			delete(m.groups, name)
		}
	}
	m.mu.Unlock()
}

// Close stops the metrics/health-check timers, closes every locally-owned
// worker/group/queue, the DLQ, and finally the observer — spec.md §5
// "Global shutdown quiesces timers, closes the observer ... closes every
// queue/events/DLQ".
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workers {
		_ = w.Close()
	}
	for _, g := range m.groups {
		_ = g.Close()
	}
	for _, q := range m.queues {
		_ = q.Close()
	}
	_ = m.dlq.Close()
	_ = m.obs.Close()
	return nil
}
