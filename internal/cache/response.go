package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// Entry is the stored form of a cached completion.
type Entry struct {
	Key      string            `json:"key"`
	Result   *providers.Result `json:"result"`
	StoredAt time.Time         `json:"storedAt"`
}

// ResponseCache caches normalized completion results on top of a Cache
// backend. Entries older than the TTL are treated as absent and removed on
// read. A TTL of 0 keeps entries forever.
type ResponseCache struct {
	backend    Cache
	ttl        atomic.Int64
	exclusions *ExclusionList
	now        func() time.Time
	log        *slog.Logger
}

type ResponseOption func(*ResponseCache)

func WithExclusions(el *ExclusionList) ResponseOption {
	return func(c *ResponseCache) { c.exclusions = el }
}

func WithClock(now func() time.Time) ResponseOption {
	return func(c *ResponseCache) { c.now = now }
}

func WithLogger(l *slog.Logger) ResponseOption {
	return func(c *ResponseCache) { c.log = l }
}

func NewResponseCache(backend Cache, ttl time.Duration, opts ...ResponseOption) *ResponseCache {
	if backend == nil {
		panic("cache: backend must not be nil")
	}
	c := &ResponseCache{backend: backend, now: time.Now}
	c.SetTTL(ttl)
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// SetTTL changes the expiry applied to subsequent reads and writes.
// Negative values are treated as 0.
func (c *ResponseCache) SetTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	c.ttl.Store(int64(ttl))
}

func (c *ResponseCache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// Excluded reports whether results for model must not be cached.
func (c *ResponseCache) Excluded(model string) bool {
	return c.exclusions.Matches(model)
}

// Get returns the cached result for key. Expired or undecodable entries are
// deleted and reported as a miss.
func (c *ResponseCache) Get(ctx context.Context, key string) (*providers.Result, bool) {
	raw, ok := c.backend.Get(ctx, key)
	if !ok {
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Result == nil || e.Key != key {
		c.log.WarnContext(ctx, "cache_entry_corrupt", slog.String("key", key))
		c.evict(ctx, key)
		return nil, false
	}

	if ttl := c.TTL(); ttl > 0 && c.now().Sub(e.StoredAt) > ttl {
		c.evict(ctx, key)
		return nil, false
	}
	return e.Result, true
}

// Put stores res under key, stamped with the current time.
func (c *ResponseCache) Put(ctx context.Context, key string, res *providers.Result) error {
	if res == nil {
		return errors.New("cache: nil result")
	}
	raw, err := json.Marshal(Entry{Key: key, Result: res, StoredAt: c.now()})
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := c.backend.Set(ctx, key, raw, c.TTL()); err != nil {
		return fmt.Errorf("cache: store entry: %w", err)
	}
	return nil
}

func (c *ResponseCache) evict(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.log.WarnContext(ctx, "cache_evict_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// fingerprint is the canonical form hashed by Fingerprint. Field order is
// fixed. Profile and conversation ids are not part of the key.
type fingerprint struct {
	Messages    []providers.Message `json:"m"`
	Provider    string              `json:"p"`
	Model       string              `json:"mo"`
	Temperature *float64            `json:"t"`
	MaxTokens   int                 `json:"mt"`
	TopP        *float64            `json:"tp"`
	Stop        []string            `json:"s"`
	Tools       []providers.Tool    `json:"tl"`
}

// Fingerprint derives a deterministic cache key from the ordered messages
// and every option that changes the output. An explicit opts.CacheKey is
// used verbatim instead.
func Fingerprint(messages []providers.Message, opts providers.Options) (string, error) {
	if opts.CacheKey != "" {
		return "custom:" + opts.CacheKey, nil
	}

	raw, err := json.Marshal(fingerprint{
		Messages:    messages,
		Provider:    opts.Provider,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
		Tools:       opts.Tools,
	})
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "completion:" + hex.EncodeToString(sum[:]), nil
}
