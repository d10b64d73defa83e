package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by the group/worker
// packages' own unit tests that don't want a live Redis. Grounded on the
// teacher's control_plane/store/memory.go: one mutex guarding typed maps,
// generalized here from agent/job/state maps to one map per Redis container
// kind (string, hash, list, set, zset) since this Store models the generic
// key/value server rather than FluxForge's domain entities.
//
// It does not implement real pub/sub fan-out across processes (there's only
// one process); Subscribe/Publish are wired through an in-memory channel
// registry so the observer package's tests still exercise real fan-out
// semantics.
type MemoryStore struct {
	mu sync.Mutex

	strings map[string]stringEntry
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64

	subs map[string][]chan string
}

type stringEntry struct {
	value   string
	expires time.Time // zero means no TTL
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]stringEntry),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[string][]chan string),
	}
}

func (s *MemoryStore) expired(e stringEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = s.makeEntry(value, ttl)
	return nil
}

func (s *MemoryStore) makeEntry(value string, ttl time.Duration) stringEntry {
	if ttl <= 0 {
		return stringEntry{value: value}
	}
	return stringEntry{value: value, expires: time.Now().Add(ttl)}
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok && !s.expired(e) {
		return false, nil
	}
	s.strings[key] = s.makeEntry(value, ttl)
	return true, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.hashes, k)
		delete(s.lists, k)
		delete(s.sets, k)
		delete(s.zsets, k)
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok && !s.expired(e) {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.sets[key]; ok {
		return true, nil
	}
	if _, ok := s.zsets[key]; ok {
		return true, nil
	}
	if _, ok := s.lists[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok {
		return nil
	}
	e.expires = time.Now().Add(ttl)
	s.strings[key] = e
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.strings[key]
	var n int64
	if e.value != "" {
		n = parseInt(e.value)
	}
	n++
	s.strings[key] = stringEntry{value: formatInt(n)}
	return n, nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *MemoryStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	n := parseInt(h[field]) + delta
	h[field] = formatInt(n)
	return n, nil
}

func (s *MemoryStore) HLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.hashes[key])), nil
}

func (s *MemoryStore) RPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], values...)
	return nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	lo, hi := clampRange(len(l), start, stop)
	if lo > hi {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, l[lo:hi+1])
	return out, nil
}

func (s *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	lo, hi := clampRange(len(l), start, stop)
	if lo > hi {
		s.lists[key] = nil
		return nil
	}
	trimmed := make([]string, hi-lo+1)
	copy(trimmed, l[lo:hi+1])
	s.lists[key] = trimmed
	return nil
}

func (s *MemoryStore) LRem(ctx context.Context, key string, count int64, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	out := l[:0:0]
	removed := int64(0)
	for _, v := range l {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	s.lists[key] = out
	return nil
}

func (s *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) sortedMembers(key string) []ZMember {
	z := s.zsets[key]
	out := make([]ZMember, 0, len(z))
	for m, sc := range z {
		out = append(out, ZMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (s *MemoryStore) ZRange(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	lo, hi := clampRange(len(members), start, stop)
	if lo > hi {
		return nil, nil
	}
	out := make([]ZMember, hi-lo+1)
	copy(out, members[lo:hi+1])
	return out, nil
}

func (s *MemoryStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	lo, hi := clampRange(len(members), start, stop)
	if lo > hi {
		return nil, nil
	}
	out := make([]ZMember, hi-lo+1)
	copy(out, members[lo:hi+1])
	return out, nil
}

func (s *MemoryStore) ZRangeAll(ctx context.Context, key string) ([]ZMember, error) {
	return s.ZRange(ctx, key, 0, -1)
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(z, m)
	}
	return nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for m, sc := range z {
		if sc >= min && sc <= max {
			delete(z, m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.zsets[key][member]
	return sc, ok, nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if ok, _ := path.Match(pattern, k); ok {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	for k := range s.strings {
		add(k)
	}
	for k := range s.hashes {
		add(k)
	}
	for k := range s.sets {
		add(k)
	}
	for k := range s.zsets {
		add(k)
	}
	for k := range s.lists {
		add(k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, message string) error {
	s.mu.Lock()
	subs := append([]chan string(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()
	return &memorySubscription{store: s, channel: channel, ch: ch}, nil
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	ch      chan string
}

func (m *memorySubscription) Channel() <-chan string { return m.ch }

func (m *memorySubscription) Close() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	subs := m.store.subs[m.channel]
	for i, ch := range subs {
		if ch == m.ch {
			m.store.subs[m.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(m.ch)
	return nil
}

// Watch runs fn directly against the live store under the global mutex: a
// single process has no concurrent modifier to race against, so the
// optimistic-conflict path is exercised by the RedisStore tests instead.
func (s *MemoryStore) Watch(ctx context.Context, fn TxFunc, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryTx{store: s})
}

type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) ZAdd(ctx context.Context, key string, member string, score float64) error {
	z, ok := t.store.zsets[key]
	if !ok {
		z = make(map[string]float64)
		t.store.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (t *memoryTx) ZRem(ctx context.Context, key string, members ...string) error {
	z := t.store.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	return nil
}

func (t *memoryTx) SAdd(ctx context.Context, key string, members ...string) error {
	set, ok := t.store.sets[key]
	if !ok {
		set = make(map[string]struct{})
		t.store.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (t *memoryTx) SRem(ctx context.Context, key string, members ...string) error {
	set := t.store.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (t *memoryTx) HSet(ctx context.Context, key string, field string, value string) error {
	h, ok := t.store.hashes[key]
	if !ok {
		h = make(map[string]string)
		t.store.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (t *memoryTx) HDel(ctx context.Context, key string, fields ...string) error {
	h := t.store.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return s.SetNX(ctx, key, holder, ttl)
}

func (s *MemoryStore) RenewLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e) || e.value != holder {
		return false, nil
	}
	e.expires = time.Now().Add(ttl)
	s.strings[key] = e
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e) || e.value != holder {
		return false, nil
	}
	delete(s.strings, key)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

func clampRange(n int, start, stop int64) (int, int) {
	if n == 0 {
		return 0, -1
	}
	lo := normalizeIndex(start, n)
	hi := normalizeIndex(stop, n)
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}

func normalizeIndex(i int64, n int) int {
	if i < 0 {
		i = int64(n) + i
	}
	return int(i)
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	var n int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		return -n
	}
	return n
}

func formatInt(n int64) string {
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
