// Package group implements the Group Engine (spec §4.F): a cooperative
// scheduler layered on top of a queue, giving per-group ordering strategies,
// concurrency caps, sliding-window rate limiting, a distributed lock for its
// admission/completion critical sections, and optimistic-concurrency task
// selection.
//
// Grounded on the teacher's scheduler.Scheduler: both are "pull work under a
// cap, dispatch, track outcome" engines driven by a ticker
// (processBatch / the teacher's 100ms worker() ticker). The retry/backoff
// shape for the optimistic selection loop mirrors coordination/leader.go's
// loop() (exponential backoff on error, reset on success), applied here to
// the selection critical section instead of lease renewal.
package group

import (
	"context"
	"encoding/base64"
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

// Strategy selects which waiting task a group promotes next.
type Strategy string

const (
	StrategyFIFO       Strategy = "fifo"
	StrategyLIFO       Strategy = "lifo"
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
)

// priorityScale and weightScale weight a task's priority and weight in its
// composite order score, to which the enqueue epoch-ms is added. Epoch-ms
// values (about 1.7e12) exceed both scales, so a higher tier outranks a lower
// one only among tasks enqueued less than 1e10 ms (weight, about 115 days) or
// 1e12 ms (priority, about 31 years) apart.
const (
	priorityScale = 1e12
	weightScale   = 1e10
)

// Config is one group's operating parameters (spec.md §6 "for each group").
type Config struct {
	Strategy       Strategy
	Concurrency    int // parallel processNextTask invocations per tick
	MaxConcurrency int // |processing| cap
	Priority       int
	RetryLimit     int
	RetryDelay     time.Duration
	Timeout        time.Duration
	RateLimit      *task.RateLimit
	LockTTL        time.Duration
}

// DefaultConfig returns sane defaults: FIFO, concurrency 1, max concurrency
// 1, no retries, 5s lock TTL, 300s timeout.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyFIFO,
		Concurrency:    1,
		MaxConcurrency: 1,
		RetryLimit:     0,
		RetryDelay:     time.Second,
		Timeout:        300 * time.Second,
		LockTTL:        5 * time.Second,
	}
}

// QueueResolver hands the engine the target Queue for a task's
// options.Queue, so a group's admitted tasks can be routed to any queue the
// Queue Manager has created.
type QueueResolver interface {
	Queue(ctx context.Context, name string) (*queue.Queue, error)
}

// Stats is the group's cached counters (spec.md §4.F "Stats").
type Stats struct {
	Total     int64
	Active    int64
	Completed int64
	Failed    int64
	Paused    int64
}

// admittedTask is the persisted submission tuple (method, data, options)
// for one task currently owned by the group.
type admittedTask struct {
	Method  string
	Data    []byte
	Options task.Options
}

// Engine is one named group's scheduler.
type Engine struct {
	name       string
	store      store.Store
	obs        *observer.Observer
	resolver   QueueResolver
	deadLetter *dlq.DLQ
	cfg        Config
	holderID   string
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a group engine and starts its 1s concurrency-loop ticker
// (processBatch). Close stops it.
func New(name string, s store.Store, obs *observer.Observer, resolver QueueResolver, deadLetter *dlq.DLQ, cfg Config, holderID string) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		name:       name,
		store:      s,
		obs:        obs,
		resolver:   resolver,
		deadLetter: deadLetter,
		cfg:        cfg,
		holderID:   holderID,
		logger:     log.With().Str("component", "group").Str("group", name).Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.wg.Add(1)
	go e.runConcurrencyLoop()
	return e
}

// Name returns the group's name.
func (e *Engine) Name() string { return e.name }

func compositeScore(opts task.Options, at time.Time) float64 {
	return float64(opts.Priority)*priorityScale + float64(opts.Weight)*weightScale + float64(at.UnixMilli())
}

// withLock runs fn while holding the group's distributed lock, retrying
// acquisition a handful of times before surfacing lock_unavailable.
func (e *Engine) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	key := store.GroupLockKey(e.name)
	const attempts = 5
	const backoff = 20 * time.Millisecond

	var acquired bool
	for i := 0; i < attempts; i++ {
		ok, err := e.store.AcquireLock(ctx, key, e.holderID, e.cfg.LockTTL)
		if err != nil {
			return task.Wrap(task.KindTransientStore, "group: acquire lock", err)
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	if !acquired {
		return task.NewError(task.KindLockUnavailable, "group: could not acquire lock for "+e.name)
	}
	defer func() {
		if _, err := e.store.ReleaseLock(context.Background(), key, e.holderID); err != nil {
			e.logger.Warn().Err(err).Msg("group: failed to release lock")
		}
	}()
	return fn(ctx)
}

// checkRateLimit enforces the sliding-window admission cap: prune entries
// older than the window, then accept iff the remaining count is under the
// configured max.
func (e *Engine) checkRateLimit(ctx context.Context) error {
	if e.cfg.RateLimit == nil || e.cfg.RateLimit.Max <= 0 {
		return nil
	}
	now := time.Now()
	key := store.GroupRateLimitKey(e.name)
	cutoff := float64(now.Add(-e.cfg.RateLimit.Duration).UnixMilli())
	if _, err := e.store.ZRemRangeByScore(ctx, key, 0, cutoff-1); err != nil {
		return task.Wrap(task.KindTransientStore, "group: prune rate limit window", err)
	}
	count, err := e.store.ZCard(ctx, key)
	if err != nil {
		return task.Wrap(task.KindTransientStore, "group: count rate limit window", err)
	}
	if count >= int64(e.cfg.RateLimit.Max) {
		return task.NewError(task.KindRateLimited, "group: rate limit exceeded for "+e.name)
	}
	member := fmt.Sprintf("%d-%d", now.UnixNano(), count)
	if err := e.store.ZAdd(ctx, key, member, float64(now.UnixMilli())); err != nil {
		return task.Wrap(task.KindTransientStore, "group: record rate limit admission", err)
	}
	return nil
}

// AddTask admits a task into the group: rate limit check, then under the
// group lock, insert into tasks/order/state and persist the submission
// tuple.
func (e *Engine) AddTask(ctx context.Context, method string, opts task.Options, data []byte) error {
	if opts.ID == "" {
		return task.NewError(task.KindConfig, "group: task id is required")
	}
	if opts.Queue == "" {
		return task.NewError(task.KindConfig, "group: task queue is required")
	}
	opts.Group = e.name

	if err := e.checkRateLimit(ctx); err != nil {
		return err
	}

	err := e.withLock(ctx, func(ctx context.Context) error {
		now := time.Now()
		if err := e.store.SAdd(ctx, store.GroupTasksKey(e.name), opts.ID); err != nil {
			return task.Wrap(task.KindTransientStore, "group: index task", err)
		}
		if err := e.store.ZAdd(ctx, store.GroupOrderKey(e.name), opts.ID, compositeScore(opts, now)); err != nil {
			return task.Wrap(task.KindTransientStore, "group: index order", err)
		}
		if err := e.store.HSet(ctx, store.GroupStateKey(e.name), opts.ID, string(task.StateWaiting)); err != nil {
			return task.Wrap(task.KindTransientStore, "group: index state", err)
		}
		if err := e.persistSubmission(ctx, opts.ID, admittedTask{Method: method, Data: data, Options: opts}); err != nil {
			return err
		}
		return e.refreshStats(ctx)
	})
	if err != nil {
		return err
	}

	if e.obs != nil {
		_ = e.obs.Notify(ctx, observer.EventTaskAdded, opts.ID, string(task.StateWaiting), map[string]string{"group": e.name})
	}
	metrics.GroupOrderDepth.WithLabelValues(e.name).Inc()
	return nil
}

func (e *Engine) persistSubmission(ctx context.Context, id string, at admittedTask) error {
	optsJSON, err := json.Marshal(at.Options)
	if err != nil {
		return task.Wrap(task.KindConfig, "group: marshal options", err)
	}
	if err := e.store.HSet(ctx, store.GroupOptionsKey(e.name), id, string(optsJSON)); err != nil {
		return task.Wrap(task.KindTransientStore, "group: persist options", err)
	}
	if err := e.store.HSet(ctx, store.GroupDataKey(e.name), id, base64.StdEncoding.EncodeToString(at.Data)); err != nil {
		return task.Wrap(task.KindTransientStore, "group: persist data", err)
	}
	if err := e.store.HSet(ctx, store.GroupMethodKey(e.name), id, at.Method); err != nil {
		return task.Wrap(task.KindTransientStore, "group: persist method", err)
	}
	return nil
}

func (e *Engine) loadSubmission(ctx context.Context, id string) (admittedTask, bool, error) {
	optsRaw, ok, err := e.store.HGet(ctx, store.GroupOptionsKey(e.name), id)
	if err != nil {
		return admittedTask{}, false, task.Wrap(task.KindTransientStore, "group: load options", err)
	}
	if !ok {
		return admittedTask{}, false, nil
	}
	var opts task.Options
	if err := json.Unmarshal([]byte(optsRaw), &opts); err != nil {
		return admittedTask{}, false, task.Wrap(task.KindConfig, "group: unmarshal options", err)
	}
	dataRaw, _, err := e.store.HGet(ctx, store.GroupDataKey(e.name), id)
	if err != nil {
		return admittedTask{}, false, task.Wrap(task.KindTransientStore, "group: load data", err)
	}
	data, err := base64.StdEncoding.DecodeString(dataRaw)
	if err != nil {
		return admittedTask{}, false, task.Wrap(task.KindConfig, "group: decode data", err)
	}
	method, _, err := e.store.HGet(ctx, store.GroupMethodKey(e.name), id)
	if err != nil {
		return admittedTask{}, false, task.Wrap(task.KindTransientStore, "group: load method", err)
	}
	return admittedTask{Method: method, Data: data, Options: opts}, true, nil
}

func (e *Engine) forgetSubmission(ctx context.Context, id string) error {
	if err := e.store.HDel(ctx, store.GroupOptionsKey(e.name), id); err != nil {
		return task.Wrap(task.KindTransientStore, "group: forget options", err)
	}
	if err := e.store.HDel(ctx, store.GroupDataKey(e.name), id); err != nil {
		return task.Wrap(task.KindTransientStore, "group: forget data", err)
	}
	if err := e.store.HDel(ctx, store.GroupMethodKey(e.name), id); err != nil {
		return task.Wrap(task.KindTransientStore, "group: forget method", err)
	}
	if err := e.store.HDel(ctx, store.GroupRetriesKey(e.name), id); err != nil {
		return task.Wrap(task.KindTransientStore, "group: forget retries", err)
	}
	return nil
}

// pickCandidate chooses the next task id by strategy from a read snapshot
// of the order zset. Returns ok=false if order is empty.
func (e *Engine) pickCandidate(ctx context.Context) (id string, ok bool, err error) {
	switch e.cfg.Strategy {
	case StrategyLIFO:
		members, err := e.store.ZRevRange(ctx, store.GroupOrderKey(e.name), 0, 0)
		if err != nil || len(members) == 0 {
			return "", false, wrapTransient(err, "group: pick LIFO candidate")
		}
		return members[0].Member, true, nil
	case StrategyPriority:
		members, err := e.store.ZRevRange(ctx, store.GroupOrderKey(e.name), 0, 0)
		if err != nil || len(members) == 0 {
			return "", false, wrapTransient(err, "group: pick priority candidate")
		}
		return members[0].Member, true, nil
	case StrategyRoundRobin:
		all, err := e.store.ZRangeAll(ctx, store.GroupOrderKey(e.name))
		if err != nil {
			return "", false, task.Wrap(task.KindTransientStore, "group: pick round-robin candidate", err)
		}
		if len(all) == 0 {
			return "", false, nil
		}
		lowest := all[0]
		for _, m := range all[1:] {
			if m.Score < lowest.Score {
				lowest = m
			}
		}
		return lowest.Member, true, nil
	default: // FIFO
		members, err := e.store.ZRange(ctx, store.GroupOrderKey(e.name), 0, 0)
		if err != nil || len(members) == 0 {
			return "", false, wrapTransient(err, "group: pick FIFO candidate")
		}
		return members[0].Member, true, nil
	}
}

func wrapTransient(err error, msg string) error {
	if err == nil {
		return nil
	}
	return task.Wrap(task.KindTransientStore, msg, err)
}

// getNextTask selects and promotes one waiting task to processing, wrapped
// in watch+multi with up to 3 optimistic-concurrency attempts (100ms
// exponential base between them). Returns ok=false if the group is at capacity or has no candidate.
func (e *Engine) getNextTask(ctx context.Context) (id string, submission admittedTask, ok bool, err error) {
	processingCount, err := e.store.SCard(ctx, store.GroupProcessingKey(e.name))
	if err != nil {
		return "", admittedTask{}, false, task.Wrap(task.KindTransientStore, "group: count processing", err)
	}
	if processingCount >= int64(e.cfg.MaxConcurrency) {
		return "", admittedTask{}, false, nil
	}

	const maxAttempts = 3
	delay := 100 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, found, pickErr := e.pickCandidate(ctx)
		if pickErr != nil {
			return "", admittedTask{}, false, pickErr
		}
		if !found {
			return "", admittedTask{}, false, nil
		}

		now := time.Now()
		txErr := e.store.Watch(ctx, func(tx store.Tx) error {
			if e.cfg.Strategy == StrategyRoundRobin {
				if err := tx.ZAdd(ctx, store.GroupOrderKey(e.name), candidate, float64(now.UnixMilli())); err != nil {
					return err
				}
			}
			if err := tx.ZRem(ctx, store.GroupOrderKey(e.name), candidate); err != nil {
				return err
			}
			if err := tx.SAdd(ctx, store.GroupProcessingKey(e.name), candidate); err != nil {
				return err
			}
			if err := tx.HSet(ctx, store.GroupProcessingStartKey(e.name), candidate, fmt.Sprintf("%d", now.UnixMilli())); err != nil {
				return err
			}
			if err := tx.HSet(ctx, store.GroupStateKey(e.name), candidate, string(task.StateActive)); err != nil {
				return err
			}
			return nil
		}, store.GroupOrderKey(e.name), store.GroupProcessingKey(e.name))

		if txErr == nil {
			metrics.GroupOrderDepth.WithLabelValues(e.name).Dec()
			metrics.GroupProcessingDepth.WithLabelValues(e.name).Inc()
			sub, subOK, loadErr := e.loadSubmission(ctx, candidate)
			if loadErr != nil {
				return "", admittedTask{}, false, loadErr
			}
			if !subOK {
				// Submission data vanished concurrently (e.g. removed by an
				// admin action); treat as no candidate rather than error.
				continue
			}
			metrics.GroupSelections.WithLabelValues(e.name, string(e.cfg.Strategy), "dispatched").Inc()
			return candidate, sub, true, nil
		}
		if txErr == store.ErrTxConflict {
			metrics.GroupSelections.WithLabelValues(e.name, string(e.cfg.Strategy), "conflict").Inc()
			select {
			case <-ctx.Done():
				return "", admittedTask{}, false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}
		return "", admittedTask{}, false, task.Wrap(task.KindTransientStore, "group: selection transaction", txErr)
	}
	metrics.GroupSelections.WithLabelValues(e.name, string(e.cfg.Strategy), "conflict").Inc()
	return "", admittedTask{}, false, task.NewError(task.KindConflict, "group: selection retries exhausted for "+e.name)
}

// processNextTask selects one task, if any, and enqueues it to its target
// queue. It is idempotent: the underlying Queue.Add no-ops if the job id
// already exists there.
func (e *Engine) processNextTask(ctx context.Context) {
	id, sub, ok, err := e.getNextTask(ctx)
	if err != nil {
		if !task.Is(err, task.KindConflict) {
			e.logger.Warn().Err(err).Msg("group: selection failed")
		}
		return
	}
	if !ok {
		return
	}

	opts := sub.Options
	if opts.Timeout <= 0 {
		opts.Timeout = e.cfg.Timeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = e.cfg.RetryLimit
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = e.cfg.RetryDelay
	}
	opts.ID = id
	opts.Group = e.name

	target, err := e.resolver.Queue(ctx, opts.Queue)
	if err != nil {
		e.logger.Warn().Err(err).Str("queue", opts.Queue).Msg("group: could not resolve target queue")
		return
	}
	t := task.New(sub.Method, sub.Data, opts)
	t.ID = id
	t.Group = e.name
	if err := target.Add(ctx, t); err != nil {
		e.logger.Warn().Err(err).Str("task", id).Msg("group: failed to enqueue selected task")
	}
}

// runConcurrencyLoop ticks once a second and launches up to cfg.Concurrency
// parallel processNextTask attempts, grounded on the teacher's
// Scheduler.worker ticker loop.
func (e *Engine) runConcurrencyLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.processBatch()
		}
	}
}

func (e *Engine) processBatch() {
	var batch sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		batch.Add(1)
		go func() {
			defer batch.Done()
			e.processNextTask(e.ctx)
		}()
	}
	batch.Wait()
}

// CompleteTask marks a group-owned task completed: under the lock, removes
// it from order/tasks/processing and drops its persisted submission fields.
func (e *Engine) CompleteTask(ctx context.Context, id string) error {
	err := e.withLock(ctx, func(ctx context.Context) error {
		if err := e.store.HSet(ctx, store.GroupStateKey(e.name), id, string(task.StateCompleted)); err != nil {
			return task.Wrap(task.KindTransientStore, "group: mark completed", err)
		}
		if err := e.store.ZRem(ctx, store.GroupOrderKey(e.name), id); err != nil {
			return task.Wrap(task.KindTransientStore, "group: unindex order on complete", err)
		}
		if err := e.store.SRem(ctx, store.GroupProcessingKey(e.name), id); err != nil {
			return task.Wrap(task.KindTransientStore, "group: unindex processing on complete", err)
		}
		if err := e.store.HDel(ctx, store.GroupProcessingStartKey(e.name), id); err != nil {
			return task.Wrap(task.KindTransientStore, "group: clear processing start on complete", err)
		}
		if err := e.store.SRem(ctx, store.GroupTasksKey(e.name), id); err != nil {
			return task.Wrap(task.KindTransientStore, "group: unindex task on complete", err)
		}
		if err := e.forgetSubmission(ctx, id); err != nil {
			return err
		}
		if _, err := e.store.HIncrBy(ctx, store.GroupStatsKey(e.name), "completed", 1); err != nil {
			return task.Wrap(task.KindTransientStore, "group: increment completed stat", err)
		}
		return e.refreshStats(ctx)
	})
	if err != nil {
		return err
	}
	metrics.GroupRetries.WithLabelValues(e.name, "completed").Inc()
	metrics.GroupProcessingDepth.WithLabelValues(e.name).Dec()
	if e.obs != nil {
		_ = e.obs.Notify(ctx, observer.EventTaskCompleted, id, string(task.StateCompleted), map[string]string{"group": e.name})
	}
	return nil
}

// FailTask handles a group-owned task's failure: retries (with a sleeping
// reinsertion, grounded on the teacher's ThreadSafeQueue.PushDelayed
// time.AfterFunc technique) while within retryLimit, otherwise hands the
// task to the dead-letter queue with its original queue name.
func (e *Engine) FailTask(ctx context.Context, id string, cause error) error {
	sub, ok, err := e.loadSubmission(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return task.NewError(task.KindNotFound, "group: unknown task "+id)
	}

	retries, err := e.store.HIncrBy(ctx, store.GroupRetriesKey(e.name), id, 1)
	if err != nil {
		return task.Wrap(task.KindTransientStore, "group: increment retries", err)
	}

	if int(retries) <= e.cfg.RetryLimit {
		err := e.withLock(ctx, func(ctx context.Context) error {
			if err := e.store.SRem(ctx, store.GroupProcessingKey(e.name), id); err != nil {
				return task.Wrap(task.KindTransientStore, "group: unindex processing on retry", err)
			}
			if err := e.store.HDel(ctx, store.GroupProcessingStartKey(e.name), id); err != nil {
				return task.Wrap(task.KindTransientStore, "group: clear processing start on retry", err)
			}
			return e.refreshStats(ctx)
		})
		if err != nil {
			return err
		}
		metrics.GroupProcessingDepth.WithLabelValues(e.name).Dec()
		e.scheduleRetry(id, e.cfg.RetryDelay)
		metrics.GroupRetries.WithLabelValues(e.name, "retried").Inc()
		return nil
	}

	err = e.withLock(ctx, func(ctx context.Context) error {
		if err := e.store.SRem(ctx, store.GroupProcessingKey(e.name), id); err != nil {
			return task.Wrap(task.KindTransientStore, "group: unindex processing on dead-letter", err)
		}
		if err := e.store.HDel(ctx, store.GroupProcessingStartKey(e.name), id); err != nil {
			return task.Wrap(task.KindTransientStore, "group: clear processing start on dead-letter", err)
		}
		if err := e.store.HSet(ctx, store.GroupStateKey(e.name), id, string(task.StateFailed)); err != nil {
			return task.Wrap(task.KindTransientStore, "group: mark failed", err)
		}
		if err := e.store.SRem(ctx, store.GroupTasksKey(e.name), id); err != nil {
			return task.Wrap(task.KindTransientStore, "group: unindex task on dead-letter", err)
		}
		if _, err := e.store.HIncrBy(ctx, store.GroupStatsKey(e.name), "failed", 1); err != nil {
			return task.Wrap(task.KindTransientStore, "group: increment failed stat", err)
		}
		return e.refreshStats(ctx)
	})
	if err != nil {
		return err
	}

	original := task.New(sub.Method, sub.Data, sub.Options)
	original.ID = id
	original.Group = e.name
	original.RetryCount = int(retries)
	if e.deadLetter != nil {
		if dlqErr := e.deadLetter.AddFailedTask(ctx, original, cause, sub.Options.Queue); dlqErr != nil {
			e.logger.Warn().Err(dlqErr).Str("task", id).Msg("group: failed to dead-letter task")
		}
	}
	if err := e.forgetSubmission(ctx, id); err != nil {
		return err
	}
	metrics.GroupRetries.WithLabelValues(e.name, "dead_lettered").Inc()
	metrics.GroupProcessingDepth.WithLabelValues(e.name).Dec()
	if e.obs != nil {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		_ = e.obs.Notify(ctx, observer.EventTaskFailed, id, string(task.StateFailed), map[string]string{"group": e.name, "error": msg})
	}
	return nil
}

// scheduleRetry reinserts id into order after delay, unless the engine is
// closed first.
func (e *Engine) scheduleRetry(id string, delay time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(delay):
		case <-e.ctx.Done():
			return
		}
		ctx := context.Background()
		if err := e.store.ZAdd(ctx, store.GroupOrderKey(e.name), id, float64(time.Now().UnixMilli())); err != nil {
			e.logger.Warn().Err(err).Str("task", id).Msg("group: failed to reinsert task after retry delay")
			return
		}
		metrics.GroupOrderDepth.WithLabelValues(e.name).Inc()
		if err := e.store.HSet(ctx, store.GroupStateKey(e.name), id, string(task.StateWaiting)); err != nil {
			e.logger.Warn().Err(err).Str("task", id).Msg("group: failed to mark task waiting after retry delay")
		}
	}()
}

// RecoverStuckTasks fails any processing task whose processing_start is
// older than max(cfg.Timeout, maxAge), to recover from a worker that
// crashed mid-attempt.
func (e *Engine) RecoverStuckTasks(ctx context.Context, maxAge time.Duration) error {
	threshold := e.cfg.Timeout
	if maxAge > threshold {
		threshold = maxAge
	}
	ids, err := e.store.SMembers(ctx, store.GroupProcessingKey(e.name))
	if err != nil {
		return task.Wrap(task.KindTransientStore, "group: list processing for recovery", err)
	}
	now := time.Now()
	for _, id := range ids {
		startRaw, ok, err := e.store.HGet(ctx, store.GroupProcessingStartKey(e.name), id)
		if err != nil || !ok {
			continue
		}
		var startMs int64
		if _, scanErr := fmt.Sscanf(startRaw, "%d", &startMs); scanErr != nil {
			continue
		}
		start := time.UnixMilli(startMs)
		if now.Sub(start) > threshold {
			cause := fmt.Errorf("timed out after %dms", threshold.Milliseconds())
			if err := e.FailTask(ctx, id, cause); err != nil {
				e.logger.Warn().Err(err).Str("task", id).Msg("group: stuck recovery failed")
				continue
			}
			metrics.StuckTasksRecovered.WithLabelValues(e.name).Inc()
		}
	}
	return nil
}

// refreshStats recomputes the cached total/active counters from live set
// cardinalities. completed/failed are monotonic counters maintained by
// CompleteTask/FailTask directly. Must be called with the group lock held.
func (e *Engine) refreshStats(ctx context.Context) error {
	waiting, err := e.store.ZCard(ctx, store.GroupOrderKey(e.name))
	if err != nil {
		return task.Wrap(task.KindTransientStore, "group: count order for stats", err)
	}
	processing, err := e.store.SCard(ctx, store.GroupProcessingKey(e.name))
	if err != nil {
		return task.Wrap(task.KindTransientStore, "group: count processing for stats", err)
	}
	if err := e.store.HSet(ctx, store.GroupStatsKey(e.name), "active", fmt.Sprintf("%d", waiting+processing)); err != nil {
		return task.Wrap(task.KindTransientStore, "group: persist active stat", err)
	}
	tasks, err := e.store.SCard(ctx, store.GroupTasksKey(e.name))
	if err != nil {
		return task.Wrap(task.KindTransientStore, "group: count tasks for stats", err)
	}
	if err := e.store.HSet(ctx, store.GroupStatsKey(e.name), "total", fmt.Sprintf("%d", tasks)); err != nil {
		return task.Wrap(task.KindTransientStore, "group: persist total stat", err)
	}
	return nil
}

// Stats returns the group's cached counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	raw, err := e.store.HGetAll(ctx, store.GroupStatsKey(e.name))
	if err != nil {
		return Stats{}, task.Wrap(task.KindTransientStore, "group: read stats", err)
	}
	var s Stats
	s.Total = parseInt64(raw["total"])
	s.Active = parseInt64(raw["active"])
	s.Completed = parseInt64(raw["completed"])
	s.Failed = parseInt64(raw["failed"])
	s.Paused = parseInt64(raw["paused"])
	return s, nil
}

func parseInt64(s string) int64 {
	var n int64
	if s == "" {
		return 0
	}
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

// IsEmpty reports whether the group currently owns no tasks, used by the
// Queue Manager's health check to evict idle groups from its in-process
// registry.
func (e *Engine) IsEmpty(ctx context.Context) (bool, error) {
	n, err := e.store.SCard(ctx, store.GroupTasksKey(e.name))
	if err != nil {
		return false, task.Wrap(task.KindTransientStore, "group: check empty", err)
	}
	return n == 0, nil
}

// Close stops the concurrency loop and waits for in-flight retries to
// settle or be cancelled.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}
