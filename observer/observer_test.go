package observer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groupq/groupq/observer"
	"github.com/groupq/groupq/store"
)

func TestObserver_NotifyDeliversToSubscriber(t *testing.T) {
	s := store.NewMemoryStore()
	o := observer.New(s)
	defer o.Close()
	ctx := context.Background()

	received := make(chan observer.Event, 1)
	unsubscribe, err := o.Subscribe(ctx, observer.EventTaskCompleted, func(evt observer.Event) {
		received <- evt
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if err := o.Notify(ctx, observer.EventTaskCompleted, "task-1", "completed", map[string]any{"result": "ok"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case evt := <-received:
		if evt.TaskID != "task-1" || evt.Status != "completed" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestObserver_MultipleSubscribersShareChannel(t *testing.T) {
	s := store.NewMemoryStore()
	o := observer.New(s)
	defer o.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var calls int

	for i := 0; i < 3; i++ {
		if _, err := o.Subscribe(ctx, observer.EventTaskFailed, func(observer.Event) {
			mu.Lock()
			calls++
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Subscribe #%d: %v", i, err)
		}
	}

	if err := o.Notify(ctx, observer.EventTaskFailed, "task-2", "failed", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 3 calls, got %d", calls)
}

func TestObserver_UnsubscribeStopsDelivery(t *testing.T) {
	s := store.NewMemoryStore()
	o := observer.New(s)
	defer o.Close()
	ctx := context.Background()

	calls := make(chan struct{}, 10)
	unsubscribe, err := o.Subscribe(ctx, observer.EventTaskProgress, func(observer.Event) {
		calls <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsubscribe()

	if err := o.Notify(ctx, observer.EventTaskProgress, "task-3", "progress", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case <-calls:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

// errSubscribeStore fails every Subscribe call to exercise ErrSubscribe.
type errSubscribeStore struct {
	store.Store
}

func (errSubscribeStore) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestObserver_SubscribeWrapsStoreError(t *testing.T) {
	o := observer.New(errSubscribeStore{Store: store.NewMemoryStore()})
	_, err := o.Subscribe(context.Background(), observer.EventTaskAdded, func(observer.Event) {})
	if err == nil {
		t.Fatal("expected error")
	}
	var subErr *observer.ErrSubscribe
	if !errors.As(err, &subErr) {
		t.Fatalf("expected *observer.ErrSubscribe, got %T: %v", err, err)
	}
}
