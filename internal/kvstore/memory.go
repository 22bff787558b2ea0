// Copyright 2025 James Ross
package kvstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store guarded by a single mutex. It satisfies the
// same contract as RedisStore and is suitable for unit tests that don't need
// a live Redis — spec §6 explicitly allows "an in-memory map with a mutex".
type Memory struct {
	mu      sync.Mutex
	zsets   map[string][]Member
	lists   map[string][]string
	strings map[string]string
	expiry  map[string]time.Time
	subs    map[string][]chan string
	now     func() time.Time
}

// NewMemory returns an empty in-process store. nowFn defaults to time.Now.
func NewMemory(nowFn func() time.Time) *Memory {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Memory{
		zsets:   map[string][]Member{},
		lists:   map[string][]string{},
		strings: map[string]string{},
		expiry:  map[string]time.Time{},
		subs:    map[string][]chan string{},
		now:     nowFn,
	}
}

func (m *Memory) expired(key string) bool {
	t, ok := m.expiry[key]
	return ok && !t.After(m.now())
}

func (m *Memory) purgeExpiredLocked(key string) {
	if m.expired(key) {
		delete(m.strings, key)
		delete(m.expiry, key)
	}
}

func (m *Memory) ZAdd(ctx context.Context, key string, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	for i, mm := range set {
		if mm.Value == member {
			set[i].Score = score
			m.sortZSetLocked(key)
			return nil
		}
	}
	m.zsets[key] = append(set, Member{Value: member, Score: score})
	m.sortZSetLocked(key)
	return nil
}

func (m *Memory) sortZSetLocked(key string) {
	set := m.zsets[key]
	sort.SliceStable(set, func(i, j int) bool { return set[i].Score < set[j].Score })
}

func (m *Memory) ZPopMin(ctx context.Context, key string) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	if len(set) == 0 {
		return Member{}, ErrNotFound
	}
	head := set[0]
	m.zsets[key] = set[1:]
	return head, nil
}

func (m *Memory) ZMoveDue(ctx context.Context, src, dst string, before float64, newScore func(member string) float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[src]
	remaining := set[:0]
	moved := 0
	var toMove []Member
	for _, mm := range set {
		if mm.Score <= before {
			toMove = append(toMove, mm)
		} else {
			remaining = append(remaining, mm)
		}
	}
	m.zsets[src] = remaining
	for _, mm := range toMove {
		// The delayed-set member encodes "<readyScore>|<job body>"; this
		// mirrors the Lua script used by RedisStore.
		sep := strings.IndexByte(mm.Value, '|')
		value := mm.Value
		score := mm.Score
		if sep >= 0 {
			if s, err := strconv.ParseFloat(mm.Value[:sep], 64); err == nil {
				score = s
			}
			value = mm.Value[sep+1:]
		}
		_ = newScore // kept for interface symmetry with RedisStore; memory store trusts the encoded score
		m.zsets[dst] = append(m.zsets[dst], Member{Value: value, Score: score})
		moved++
	}
	m.sortZSetLocked(dst)
	return moved, nil
}

func (m *Memory) ZRem(ctx context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	for i, mm := range set {
		if mm.Value == member {
			m.zsets[key] = append(set[:i], set[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) ZLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	return sliceRange(valuesOf(set), start, stop), nil
}

func valuesOf(set []Member) []string {
	out := make([]string, len(set))
	for i, mm := range set {
		out[i] = mm.Value
	}
	return out
}

func sliceRange(s []string, start, stop int64) []string {
	n := int64(len(s))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	out := make([]string, stop-start+1)
	copy(out, s[start:stop+1])
	return out
}

func (m *Memory) LPush(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *Memory) LTrim(ctx context.Context, key string, keep int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep <= 0 {
		return nil
	}
	l := m.lists[key]
	if int64(len(l)) > keep {
		m.lists[key] = l[:keep]
	}
	return nil
}

func (m *Memory) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sliceRange(m.lists[key], start, stop), nil
}

func (m *Memory) LRem(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	for i, v := range l {
		if v == value {
			m.lists[key] = append(l[:i], l[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeExpiredLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeExpiredLocked(key)
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	}
	return true, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.expiry, k)
		delete(m.lists, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeExpiredLocked(key)
	_, ok := m.strings[key]
	return ok, nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeExpiredLocked(key)
	n, _ := strconv.ParseInt(m.strings[key], 10, 64)
	n++
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strings[key]; ok {
		m.expiry[key] = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, message string) error {
	m.mu.Lock()
	subs := append([]chan string(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan string, func()) {
	ch := make(chan string, 32)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, unsubscribe
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }
