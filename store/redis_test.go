package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/groupq/groupq/store"
)

// newTestRedisStore spins up an embedded miniredis instance and wraps it in
// a RedisStore, the same technique used by the pack's g-cesar-DistributedQ
// and flyingrobots-go-redis-work-queue to exercise real Redis semantics
// (including Lua scripts and WATCH) without a live server.
func newTestRedisStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedisStoreFromClient(client, "")
}

func TestRedisStore_StringRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("Get = %q, %v, %v", val, ok, err)
	}
}

func TestRedisStore_SetNX(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", "a", time.Second)
	if err != nil || !ok {
		t.Fatalf("first SetNX should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "lock", "b", time.Second)
	if err != nil || ok {
		t.Fatalf("second SetNX should fail: ok=%v err=%v", ok, err)
	}
}

func TestRedisStore_LockAcquireRenewRelease(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "group:g1:lock", "holder-a", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// A different holder cannot acquire while the lock is held.
	ok, err = s.AcquireLock(ctx, "group:g1:lock", "holder-b", 5*time.Second)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}

	// The wrong holder cannot release.
	released, err := s.ReleaseLock(ctx, "group:g1:lock", "holder-b")
	if err != nil || released {
		t.Fatalf("wrong-holder release should be a no-op: released=%v err=%v", released, err)
	}

	// The wrong holder cannot renew either.
	renewed, err := s.RenewLock(ctx, "group:g1:lock", "holder-b", 5*time.Second)
	if err != nil || renewed {
		t.Fatalf("wrong-holder renew should fail: renewed=%v err=%v", renewed, err)
	}

	// The real holder can renew and release.
	renewed, err = s.RenewLock(ctx, "group:g1:lock", "holder-a", 10*time.Second)
	if err != nil || !renewed {
		t.Fatalf("holder renew should succeed: renewed=%v err=%v", renewed, err)
	}
	released, err = s.ReleaseLock(ctx, "group:g1:lock", "holder-a")
	if err != nil || !released {
		t.Fatalf("holder release should succeed: released=%v err=%v", released, err)
	}

	// Now anyone can acquire again.
	ok, err = s.AcquireLock(ctx, "group:g1:lock", "holder-b", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisStore_SortedSetOrdering(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.ZAdd(ctx, "zs", "b", 2)
	_ = s.ZAdd(ctx, "zs", "a", 1)
	_ = s.ZAdd(ctx, "zs", "c", 3)

	asc, err := s.ZRange(ctx, "zs", 0, 0)
	if err != nil || len(asc) != 1 || asc[0].Member != "a" {
		t.Fatalf("ZRange 0 0 = %+v, err=%v", asc, err)
	}

	desc, err := s.ZRevRange(ctx, "zs", 0, 0)
	if err != nil || len(desc) != 1 || desc[0].Member != "c" {
		t.Fatalf("ZRevRange 0 0 = %+v, err=%v", desc, err)
	}

	all, err := s.ZRangeAll(ctx, "zs")
	if err != nil || len(all) != 3 {
		t.Fatalf("ZRangeAll = %+v, err=%v", all, err)
	}
}

func TestRedisStore_WatchDetectsConflict(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.ZAdd(ctx, "order", "task-1", 100)

	err := s.Watch(ctx, func(tx store.Tx) error {
		// Simulate a concurrent modifier changing the watched key between
		// the read and the transaction's exec by mutating it through a
		// second, unwatched path.
		if err := s.ZRem(ctx, "order", "task-1"); err != nil {
			return err
		}
		return tx.ZAdd(ctx, "order", "task-1", 200)
	}, "order")

	if err != store.ErrTxConflict {
		t.Fatalf("expected ErrTxConflict, got %v", err)
	}
}

func TestRedisStore_HashOperations(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.HSet(ctx, "h", "f1", "v1"); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	val, ok, err := s.HGet(ctx, "h", "f1")
	if err != nil || !ok || val != "v1" {
		t.Fatalf("HGet = %q, %v, %v", val, ok, err)
	}

	n, err := s.HIncrBy(ctx, "h", "counter", 3)
	if err != nil || n != 3 {
		t.Fatalf("HIncrBy = %d, %v", n, err)
	}
	n, err = s.HIncrBy(ctx, "h", "counter", 2)
	if err != nil || n != 5 {
		t.Fatalf("HIncrBy second call = %d, %v", n, err)
	}
}
