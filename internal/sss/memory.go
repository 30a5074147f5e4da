package sss

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process fake of Store used by unit tests and single-
// instance deployments. It never expires TTL'd entries on a timer; expiry
// is evaluated lazily on read, mirroring what callers actually observe from
// a real store closely enough for the broker's tests.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][]string
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	ttls   map[string]time.Time

	now func() time.Time

	subMu sync.Mutex
	subs  map[string][]*memorySubscription
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		ttls:   make(map[string]time.Time),
		now:    time.Now,
		subs:   make(map[string][]*memorySubscription),
	}
}

// WithClock overrides the time source used to evaluate TTL expiry, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) ListRemove(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	filtered := list[:0]
	for _, v := range list {
		if v != value {
			filtered = append(filtered, v)
		}
	}
	m.lists[key] = filtered
	return nil
}

func (m *Memory) ListPushTail(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *Memory) ListPopHead(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	head := list[0]
	m.lists[key] = list[1:]
	return head, true, nil
}

func (m *Memory) HashSetMany(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		m.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v
	}
	return nil
}

func (m *Memory) HashGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[key]
	if !ok {
		return "", false, nil
	}
	value, ok := hash[field]
	return value, ok, nil
}

func (m *Memory) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := m.hashes[key]
	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HashDeleteMany(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(hash, f)
	}
	return nil
}

func (m *Memory) SetAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *Memory) SetRemove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[key], member)
	return nil
}

func (m *Memory) SetIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) ListAppendTTL(_ context.Context, key, value string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.ttls[key]; ok && !m.now().Before(expiry) {
		m.lists[key] = nil
	}
	m.lists[key] = append(m.lists[key], value)
	m.ttls[key] = m.now().Add(ttl)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) ListAll(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.ttls[key]; ok && !m.now().Before(expiry) {
		return nil, nil
	}
	out := make([]string, len(m.lists[key]))
	copy(out, m.lists[key])
	return out, nil
}

func (m *Memory) ListClear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	delete(m.ttls, key)
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.Lock()
	subs := append([]*memorySubscription(nil), m.subs[channel]...)
	m.subMu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		store:   m,
		channel: channel,
		ch:      make(chan []byte, 64),
	}
	m.subMu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.subMu.Unlock()
	return sub, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

type memorySubscription struct {
	store   *Memory
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.subMu.Lock()
		defer s.store.subMu.Unlock()
		subs := s.store.subs[s.channel]
		for i, other := range subs {
			if other == s {
				s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

var _ Store = (*Memory)(nil)
