// Package observer implements the Task Observer (spec §4.B): a topic-based
// pub/sub fan-out over the backing store, so queue/worker/group components
// can publish lifecycle events without knowing who, if anyone, is listening.
//
// Grounded on the teacher's control_plane/ws_hub.go fan-out-over-channels
// shape, adapted from websocket client registration to in-process callback
// registration, and on store.Store.Subscribe/Publish for the transport.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/groupq/groupq/store"
)

// Event names used across groupq. Components may also define their own.
const (
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskStalled   = "task_stalled"
	EventTaskProgress  = "task_progress"
	EventTaskAdded     = "task_added"
)

// Event is the payload delivered to subscribers.
type Event struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// ErrSubscribe wraps a store-level subscription failure so callers can
// distinguish "nobody is listening" (fine) from "the store connection for
// pub/sub could not be established" (a diagnostic worth surfacing).
type ErrSubscribe struct {
	Event string
	Cause error
}

func (e *ErrSubscribe) Error() string {
	return fmt.Sprintf("observer: subscribe to %q: %v", e.Event, e.Cause)
}

func (e *ErrSubscribe) Unwrap() error { return e.Cause }

// Observer fans out task lifecycle events to in-process subscribers, backed
// by the store's pub/sub so that events also reach other processes attached
// to the same store.
type Observer struct {
	store  store.Store
	logger zerolog.Logger

	mu          sync.Mutex
	subscribers map[string]map[int]func(Event)
	nextID      int

	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Observer. The returned Observer owns background goroutines
// per subscribed event name; call Close to stop them.
func New(s store.Store) *Observer {
	return &Observer{
		store:       s,
		logger:      log.With().Str("component", "observer").Logger(),
		subscribers: make(map[string]map[int]func(Event)),
	}
}

// Notify publishes an event under the given name. data is marshaled as-is
// into the Event.Data field.
func (o *Observer) Notify(ctx context.Context, event, taskID, status string, data any) error {
	payload, err := json.Marshal(Event{TaskID: taskID, Status: status, Data: data})
	if err != nil {
		return fmt.Errorf("observer: marshal event: %w", err)
	}
	if err := o.store.Publish(ctx, store.ObserverChannel(event), string(payload)); err != nil {
		return fmt.Errorf("observer: publish %q: %w", event, err)
	}
	return nil
}

// Subscribe registers fn to be called for every event published under the
// given name, including events published by other processes through the
// shared store. It returns an unsubscribe function.
//
// The first subscriber for a given event name opens the underlying store
// subscription; subsequent subscribers to the same event share it.
func (o *Observer) Subscribe(ctx context.Context, event string, fn func(Event)) (unsubscribe func(), err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++

	if _, ok := o.subscribers[event]; !ok {
		sub, subErr := o.store.Subscribe(ctx, store.ObserverChannel(event))
		if subErr != nil {
			return nil, &ErrSubscribe{Event: event, Cause: subErr}
		}
		o.subscribers[event] = make(map[int]func(Event))
		if o.cancel == nil {
			bgCtx, cancel := context.WithCancel(context.Background())
			o.bgCtx, o.cancel = bgCtx, cancel
		}
		o.startPump(event, sub, o.bgCtx)
	}
	o.subscribers[event][id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subscribers[event], id)
	}, nil
}

// startPump drains the store subscription for event and dispatches to every
// currently-registered callback. Must be called with o.mu held.
func (o *Observer) startPump(event string, sub store.Subscription, ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg), &evt); err != nil {
					o.logger.Warn().Err(err).Str("event", event).Msg("observer: dropping malformed message")
					continue
				}
				o.dispatch(event, evt)
			}
		}
	}()
}

func (o *Observer) dispatch(event string, evt Event) {
	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.subscribers[event]))
	for _, fn := range o.subscribers[event] {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

// Close stops all background subscription pumps and waits for them to exit.
func (o *Observer) Close() error {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	return nil
}
