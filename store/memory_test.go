package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/groupq/groupq/store"
)

func TestMemoryStore_ListOperations(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.RPush(ctx, "l", "a", "b", "c"); err != nil {
		t.Fatalf("RPush: %v", err)
	}
	vals, err := s.LRange(ctx, "l", 0, -1)
	if err != nil || len(vals) != 3 {
		t.Fatalf("LRange = %+v, err=%v", vals, err)
	}

	if err := s.LTrim(ctx, "l", -2, -1); err != nil {
		t.Fatalf("LTrim: %v", err)
	}
	vals, _ = s.LRange(ctx, "l", 0, -1)
	if len(vals) != 2 || vals[0] != "b" || vals[1] != "c" {
		t.Fatalf("after LTrim = %+v", vals)
	}
}

func TestMemoryStore_SetMembership(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	_ = s.SAdd(ctx, "s", "x", "y")
	ok, _ := s.SIsMember(ctx, "s", "x")
	if !ok {
		t.Fatal("expected x to be a member")
	}
	card, _ := s.SCard(ctx, "s")
	if card != 2 {
		t.Fatalf("SCard = %d", card)
	}
	_ = s.SRem(ctx, "s", "x")
	ok, _ = s.SIsMember(ctx, "s", "x")
	if ok {
		t.Fatal("expected x to be removed")
	}
}

func TestMemoryStore_PubSub(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "taskObserver:task_completed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := s.Publish(ctx, "taskObserver:task_completed", `{"taskId":"t1"}`); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg != `{"taskId":"t1"}` {
			t.Fatalf("unexpected message: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryStore_LockExclusivity(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "group:g:lock", "holder-1", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "group:g:lock", "holder-2", time.Second)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	released, err := s.ReleaseLock(ctx, "group:g:lock", "holder-2")
	if err != nil || released {
		t.Fatalf("wrong holder release should be a no-op: released=%v err=%v", released, err)
	}
	released, err = s.ReleaseLock(ctx, "group:g:lock", "holder-1")
	if err != nil || !released {
		t.Fatalf("holder release should succeed: released=%v err=%v", released, err)
	}
}

func TestMemoryStore_ZRemRangeByScore(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	_ = s.ZAdd(ctx, "zs", "old", 10)
	_ = s.ZAdd(ctx, "zs", "mid", 50)
	_ = s.ZAdd(ctx, "zs", "new", 100)

	removed, err := s.ZRemRangeByScore(ctx, "zs", 0, 60)
	if err != nil || removed != 2 {
		t.Fatalf("ZRemRangeByScore removed=%d err=%v", removed, err)
	}
	remaining, _ := s.ZRangeAll(ctx, "zs")
	if len(remaining) != 1 || remaining[0].Member != "new" {
		t.Fatalf("remaining = %+v", remaining)
	}
}
