package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Memory implements Store inside one process. It backs the single-node
// profile, where leases and locks only need to coordinate goroutines.
type Memory struct {
	mu    sync.Mutex // serializes compare-and-act primitives
	items *cache.Cache

	subMu sync.RWMutex
	subs  map[string]map[*memorySubscription]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		items: cache.New(cache.NoExpiration, time.Minute),
		subs:  make(map[string]map[*memorySubscription]struct{}),
	}
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}

func (m *Memory) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Add(key, value, expiration(ttl)) == nil, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	v, ok := m.items.Get(key)
	if !ok {
		return "", ErrMiss
	}
	return v.(string), nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Set(key, value, expiration(ttl))
	return nil
}

func (m *Memory) ExtendIfOwner(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items.Get(key)
	if !ok || v.(string) != owner {
		return false, nil
	}
	m.items.Set(key, owner, expiration(ttl))
	return true, nil
}

func (m *Memory) DeleteIfOwner(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items.Get(key)
	if !ok || v.(string) != owner {
		return false, nil
	}
	m.items.Delete(key)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Delete(key)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if v, exp, ok := m.items.GetWithExpiration(key); ok {
		parsed, err := strconv.ParseInt(v.(string), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed + 1
		ttl := cache.NoExpiration
		if !exp.IsZero() {
			ttl = time.Until(exp)
		}
		m.items.Set(key, strconv.FormatInt(n, 10), ttl)
		return n, nil
	}
	n = 1
	m.items.Set(key, "1", cache.NoExpiration)
	return n, nil
}

func (m *Memory) Publish(_ context.Context, channel, message string) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for sub := range m.subs[channel] {
		sub.deliver(message)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		out:    make(chan string, 256),
		done:   make(chan struct{}),
		parent: m,
		ch:     channel,
	}
	m.subMu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	m.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type memorySubscription struct {
	out    chan string
	done   chan struct{}
	once   sync.Once
	parent *Memory
	ch     string
}

// deliver drops the message when the subscriber is not keeping up, like a
// Redis client whose output buffer overflowed.
func (s *memorySubscription) deliver(msg string) {
	select {
	case s.out <- msg:
	default:
	}
}

func (s *memorySubscription) Messages() <-chan string { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.parent.subMu.Lock()
		delete(s.parent.subs[s.ch], s)
		s.parent.subMu.Unlock()
		close(s.done)
		close(s.out)
	})
	return nil
}
