// Package task defines the shared data model submitted by clients, persisted
// by the store, and mutated by workers and the group engine: Task,
// TaskOptions, task states, and the small error taxonomy every other package
// constructs against.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a Task's position in its lifecycle. State advances monotonically
// except for active->waiting on retry.
type State string

const (
	StateWaiting         State = "waiting"
	StateActive          State = "active"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateDelayed         State = "delayed"
	StatePaused          State = "paused"
	StateWaitingChildren State = "waiting_children"
	StateUnknown         State = "unknown"
)

// Backoff selects how retry delay grows across attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RateLimit is a sliding-window admission cap, usable as a group-level
// override of the engine's default.
type RateLimit struct {
	Max      int
	Duration time.Duration
}

// Retention controls whether a completed task's record is kept.
// A zero value with Count == 0 and Age == 0 is interpreted as "never remove".
type Retention struct {
	Enabled bool
	Age     time.Duration
	Count   int
}

// Schedule is a cron-driven recurrence, bounded by optional start/end dates.
// Pattern is parsed with robfig/cron/v3's standard five-field parser.
type Schedule struct {
	Pattern string
	StartAt time.Time
	EndAt   time.Time
}

// Options is the per-submission configuration recognized by addTask. Only
// Name/Data/Queue are required for an ungrouped task; Group routes admission
// through the group engine instead of straight to the queue.
type Options struct {
	ID               string
	Priority         int
	Queue            string
	Group            string
	Weight           int
	MaxRetries       int
	RetryDelay       time.Duration
	Backoff          Backoff
	Timeout          time.Duration
	Schedule         *Schedule
	RemoveOnComplete Retention
	RateLimit        *RateLimit
}

// DefaultOptions returns the spec's documented defaults: queue "default",
// 300s timeout, fixed backoff, no retries.
func DefaultOptions() Options {
	return Options{
		Queue:      "default",
		MaxRetries: 0,
		RetryDelay: time.Second,
		Backoff:    BackoffFixed,
		Timeout:    300 * time.Second,
	}
}

// Task is the unit of work: a named handler invocation with opaque Data and
// the Options it was submitted with. Only the Worker or Group Engine that
// currently owns a Task mutates it.
type Task struct {
	ID         string
	Name       string
	Data       []byte
	Options    Options
	State      State
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Result     []byte
	Error      string
	Group      string
}

// NewID mints the default task id: "<name>-<uuidv4>".
func NewID(name string) string {
	return fmt.Sprintf("%s-%s", name, uuid.NewString())
}

// New builds a Task from a handler name, opaque payload, and options,
// assigning a default id if Options.ID was left blank and filling in
// CreatedAt/UpdatedAt/State.
func New(name string, data []byte, opts Options) *Task {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	id := opts.ID
	if id == "" {
		id = NewID(name)
	}
	now := time.Now()
	return &Task{
		ID:        id,
		Name:      name,
		Data:      data,
		Options:   opts,
		State:     StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
		Group:     opts.Group,
	}
}

// NextDelay computes the retry delay for the given 1-based attempt number
// under the configured backoff strategy: retryDelay for fixed,
// retryDelay*2^(attempt-1) for exponential.
func NextDelay(o Options, attempt int) time.Duration {
	if o.RetryDelay <= 0 {
		return 0
	}
	if o.Backoff != BackoffExponential {
		return o.RetryDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	d := o.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
