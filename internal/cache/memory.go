package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount           = 16
	defaultSweepInterval = 5 * time.Minute
)

type memItem struct {
	data      []byte
	expiresAt time.Time // zero: never expires
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

type shard struct {
	mu    sync.RWMutex
	items map[string]memItem
}

// MemoryCache is an in-process Cache split into fixed shards, each guarded
// by its own RWMutex, so keys on different shards never contend.
//
// Expired entries are dropped lazily on Get and by a background sweep.
type MemoryCache struct {
	shards [shardCount]*shard
	now    func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache. When sweep > 0 a goroutine removes
// expired entries on that interval until ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, sweep time.Duration) *MemoryCache {
	if ctx == nil {
		panic("cache: context must not be nil")
	}
	c := &MemoryCache{
		now:  time.Now,
		done: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]memItem)}
	}
	if sweep > 0 {
		go c.sweep(ctx, sweep)
	}
	return c
}

func (c *MemoryCache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the value for key, or (nil, false) on a miss or expiry.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	s := c.shardFor(key)

	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if item.expired(c.now()) {
		s.mu.Lock()
		// Re-check: a concurrent Set may have refreshed the entry.
		if cur, ok := s.items[key]; ok && cur.expired(c.now()) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key. ttl <= 0 keeps the entry until deleted.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memItem{data: value}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}

	s := c.shardFor(key)
	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Close stops the background sweep. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := c.now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if v.expired(now) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}
