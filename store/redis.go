package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config is the backing-store connection configuration from spec.md §6:
// host/port, optional password, optional TLS, optional logical DB index,
// optional key prefix, optional named instance id for running several
// independent deployments inside one process.
type Config struct {
	Addr       string
	Password   string
	DB         int
	TLS        bool
	KeyPrefix  string
	InstanceID string
}

// RedisStore implements Store over github.com/redis/go-redis/v9. Lock
// acquire/renew/release use the same SetNX + scripted compare-and-delete /
// compare-and-expire shape as the teacher's control_plane/store/redis.go,
// retargeted from a single global leader lock to arbitrary caller-chosen
// keys (group locks, in this system).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies connectivity with a ping.
// It applies Addr, Password, DB and KeyPrefix; TLS and InstanceID are not
// read, so the connection is always plain TCP.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreFromClient wraps an already-constructed *redis.Client —
// used by tests to point at a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.client.Del(ctx, full...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	return n > 0, err
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.key(key), ttl).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, s.key(key)).Result()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, s.key(key), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return val, err == nil, err
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, s.key(key), field, value).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.key(key)).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, s.key(key), fields...).Err()
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, s.key(key), field, delta).Result()
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	return s.client.HLen(ctx, s.key(key)).Result()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	return s.client.RPush(ctx, s.key(key), toAny(values)...).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, s.key(key), start, stop).Result()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, s.key(key), start, stop).Err()
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) error {
	return s.client.LRem(ctx, s.key(key), count, value).Err()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, s.key(key)).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return s.client.SAdd(ctx, s.key(key), toAny(members)...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return s.client.SRem(ctx, s.key(key), toAny(members)...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, s.key(key)).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, s.key(key)).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, s.key(key), member).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err()
}

func toZMembers(zs []redis.Z) []ZMember {
	out := make([]ZMember, len(zs))
	for i, z := range zs {
		out[i] = ZMember{Member: z.Member.(string), Score: z.Score}
	}
	return out
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toZMembers(zs), nil
}

func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toZMembers(zs), nil
}

func (s *RedisStore) ZRangeAll(ctx context.Context, key string) ([]ZMember, error) {
	return s.ZRange(ctx, key, 0, -1)
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	return s.client.ZRem(ctx, s.key(key), toAny(members)...).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, s.key(key)).Result()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, s.key(key), formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, s.key(key), member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	return score, err == nil, err
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(pattern), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) Publish(ctx context.Context, channel string, message string) error {
	return s.client.Publish(ctx, s.key(channel), message).Err()
}

// Subscribe opens the subscription on a dedicated pub/sub connection
// (go-redis's PubSub type already multiplexes over its own connection,
// distinct from the client's command connection) so subscribe traffic never
// contends with publish traffic — the re-architecture note in spec.md §9.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, s.key(channel))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		ch := ps.Channel()
		for msg := range ch {
			out <- msg.Payload
		}
	}()
	return &redisSubscription{ps: ps, ch: out}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan string
}

func (r *redisSubscription) Channel() <-chan string { return r.ch }
func (r *redisSubscription) Close() error           { return r.ps.Close() }

// Watch implements the optimistic watch+multi+exec critical section used by
// the group engine's selection logic (spec.md §4.F): fn's queued writes are
// only applied if none of keys changed underneath; a concurrent modifier
// surfaces as ErrTxConflict so the caller can retry with backoff.
func (s *RedisStore) Watch(ctx context.Context, fn TxFunc, keys ...string) error {
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = s.key(k)
	}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return fn(&redisTx{pipe: pipe, prefix: s.prefix})
		})
		return err
	}, fullKeys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrTxConflict
	}
	return err
}

type redisTx struct {
	pipe   redis.Pipeliner
	prefix string
}

func (t *redisTx) key(k string) string {
	if t.prefix == "" {
		return k
	}
	return t.prefix + k
}

func (t *redisTx) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return t.pipe.ZAdd(ctx, t.key(key), redis.Z{Score: score, Member: member}).Err()
}

func (t *redisTx) ZRem(ctx context.Context, key string, members ...string) error {
	return t.pipe.ZRem(ctx, t.key(key), toAny(members)...).Err()
}

func (t *redisTx) SAdd(ctx context.Context, key string, members ...string) error {
	return t.pipe.SAdd(ctx, t.key(key), toAny(members)...).Err()
}

func (t *redisTx) SRem(ctx context.Context, key string, members ...string) error {
	return t.pipe.SRem(ctx, t.key(key), toAny(members)...).Err()
}

func (t *redisTx) HSet(ctx context.Context, key string, field string, value string) error {
	return t.pipe.HSet(ctx, t.key(key), field, value).Err()
}

func (t *redisTx) HDel(ctx context.Context, key string, fields ...string) error {
	return t.pipe.HDel(ctx, t.key(key), fields...).Err()
}

// lockReleaseScript and lockRenewScript are the teacher's own Lua from
// control_plane/store/redis.go, reused verbatim in technique (GET-then-DEL
// and GET-then-PEXPIRE compare scripts for release/renew; acquire is a plain
// SET NX in AcquireLock, with no script) and applied here to arbitrary lock
// keys instead of a single hardcoded leader key.
const lockReleaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

const lockRenewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

func (s *RedisStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), holder, ttl).Result()
}

func (s *RedisStore) RenewLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, lockRenewScript, []string{s.key(key)}, holder, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	res, err := s.client.Eval(ctx, lockReleaseScript, []string{s.key(key)}, holder).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
