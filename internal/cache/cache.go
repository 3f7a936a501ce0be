// Package cache stores completion results for repeated identical requests.
//
// ResponseCache sits on top of a byte-level Cache backend:
//   - MemoryCache: sharded in-process map, for single-instance deployments.
//   - RedisCache: shared across replicas, degrades to a miss when Redis is down.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-level key/value store with per-entry TTL.
// A ttl <= 0 means the entry does not expire.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
