package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const memoryShards = 32

// Memory is a sharded in-memory Cache. Shards keep lock contention low when
// many evaluations hit the cache concurrently; each shard holds its own mutex
// so an increment on one actor never blocks a threat lookup for another.
type Memory struct {
	shards [memoryShards]*memoryShard
	stop   chan struct{}
	once   sync.Once
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	counter   int64
	isCounter bool
	expiresAt time.Time
}

// NewMemory creates an in-memory cache and starts its expiry janitor.
func NewMemory() *Memory {
	m := &Memory{stop: make(chan struct{})}
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	go m.janitor()
	return m
}

// Close stops the expiry janitor.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) shard(key string) *memoryShard {
	// FNV-1a, inlined; no need to pull in hash/fnv for one hash.
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return m.shards[h%memoryShards]
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			delete(s.entries, key)
		}
		recordMiss("get")
		return "", false, nil
	}
	recordHit("get")
	if e.isCounter {
		return strconv.FormatInt(e.counter, 10), true, nil
	}
	return e.value, true, nil
}

func (m *Memory) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		// First increment of a new window sets the expiry.
		e = memoryEntry{isCounter: true, expiresAt: now.Add(window)}
	}
	e.counter++
	s.entries[key] = e
	return e.counter, nil
}

// janitor sweeps expired entries so idle keys don't accumulate.
func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			for _, s := range m.shards {
				s.mu.Lock()
				for k, e := range s.entries {
					if now.After(e.expiresAt) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
