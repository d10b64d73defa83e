// Package store abstracts the typed operations the rest of groupq needs from
// a Redis-compatible key/value + pub/sub server: strings, hashes, lists,
// sets, sorted sets, expiring keys, publish/subscribe, optimistic
// watch+multi transactions, and scripted compare-and-delete/expire for
// locks. Every operation suspends on I/O; callers must tolerate transient
// disconnects (the caller, not this package, owns reconnect-with-backoff
// policy).
package store

import (
	"context"
	"time"
)

// ZMember is one entry of a sorted-set read: a member and its score.
type ZMember struct {
	Member string
	Score  float64
}

// Subscription is a live pub/sub subscription on a dedicated connection.
type Subscription interface {
	// Channel yields published messages as they arrive. Closed when the
	// subscription is torn down.
	Channel() <-chan string
	Close() error
}

// TxFunc runs inside an optimistic transaction. Returning an error aborts
// the transaction without applying queued writes.
type TxFunc func(tx Tx) error

// Tx is the subset of Store operations usable inside a watched transaction.
// Writes queued through Tx are only applied if none of the Watch keys
// changed between Watch and Exec; Store.Watch reports that as
// ErrTxConflict.
type Tx interface {
	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	HSet(ctx context.Context, key string, field string, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
}

// Store is the full typed surface the rest of groupq is built against.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	// Hashes
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HLen(ctx context.Context, key string) (int64, error)

	// Lists
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRem(ctx context.Context, key string, count int64, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRangeAll(ctx context.Context, key string) ([]ZMember, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// Keys
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pub/Sub
	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Optimistic transactions: Watch applies fn's queued writes only if no
	// watched key changed in the meantime; otherwise it returns ErrTxConflict
	// without re-running fn, and retrying is the caller's decision.
	Watch(ctx context.Context, fn TxFunc, keys ...string) error

	// Locks: scripted compare-and-delete/expire so only the current holder
	// can release or renew.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) (bool, error)

	Close() error
}

// ErrTxConflict is returned by Watch when the transaction's watched keys
// changed before Exec — the optimistic-concurrency "conflict" error kind
// from spec.md §7.
var ErrTxConflict = txConflictError{}

type txConflictError struct{}

func (txConflictError) Error() string { return "store: transaction conflict, watched key changed" }
