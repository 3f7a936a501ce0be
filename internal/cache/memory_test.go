package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemory(t *testing.T) (*MemoryCache, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	c := NewMemoryCache(context.Background(), 0)
	c.now = clk.Now
	t.Cleanup(c.Close)
	return c, clk
}

func TestMemory_SetGetDelete(t *testing.T) {
	c, _ := newTestMemory(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty cache")
	}
	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	_ = c.Delete(ctx, "k")
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestMemory_LazyExpiry(t *testing.T) {
	c, clk := newTestMemory(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	clk.Advance(59 * time.Second)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("entry should still be live")
	}

	clk.Advance(2 * time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry must be removed on read, Len = %d", c.Len())
	}
}

func TestMemory_ZeroTTLNeverExpires(t *testing.T) {
	c, clk := newTestMemory(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	clk.Advance(365 * 24 * time.Hour)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("zero TTL entry must not expire")
	}
}

func TestMemory_EvictExpired(t *testing.T) {
	c, clk := newTestMemory(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		ttl := time.Minute
		if i%2 == 0 {
			ttl = time.Hour
		}
		_ = c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), ttl)
	}
	clk.Advance(2 * time.Minute)
	c.evictExpired()

	if c.Len() != 25 {
		t.Fatalf("Len = %d, want 25", c.Len())
	}
}

func TestMemory_Concurrent(t *testing.T) {
	c, _ := newTestMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				_ = c.Set(ctx, key, []byte(key), time.Minute)
				if got, ok := c.Get(ctx, key); !ok || string(got) != key {
					t.Errorf("Get(%s) = %q, %v", key, got, ok)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if c.Len() != 8*200 {
		t.Fatalf("Len = %d, want %d", c.Len(), 8*200)
	}
}

func TestMemory_CloseIdempotent(t *testing.T) {
	c := NewMemoryCache(context.Background(), time.Hour)
	c.Close()
	c.Close()
}
