// Package resolver implements C6: variant-dispatched field reads in front
// of the atom store, with an optional two-tier read-through cache.
//
// Grounded on original_source/src/fold_db_core/services/field_retrieval/
// service.rs and fold_node/src/fold_db_core/field_retrieval/base_retriever.rs
// for the resolution algorithm, and the teacher's pkg/storage/postgres/
// redis.go (Redis read-through) plus pkg/codegen/cache/cache.go
// (MultiLevelCache's L1-then-L2 shape) for the cache tiering.
package resolver

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/go-redis/redis/v8"
)

// CacheConfig mirrors the teacher's storage.Config cache knobs
// (L1CacheSize, RedisURL, CacheTTL), narrowed to what the resolver needs.
type CacheConfig struct {
	L1Size int
	TTL    time.Duration

	// Redis, if non-nil, backs the L2 tier. A nil Redis means the
	// resolver runs with L1 only (or no cache at all if L1Size <= 0).
	Redis *redis.Client
}

// Cache is the resolver's two-tier read-through cache: L1 is an
// in-process LRU, L2 is Redis. Either tier may be absent.
type Cache struct {
	l1  *lru.Cache[string, []byte]
	l2  *redis.Client
	ttl time.Duration
}

// NewCache builds a Cache from cfg. A zero-value CacheConfig yields a
// Cache that always misses, so callers can wire resolver.New without
// a cache unconditionally.
func NewCache(cfg CacheConfig) (*Cache, error) {
	c := &Cache{l2: cfg.Redis, ttl: cfg.TTL}
	if cfg.L1Size > 0 {
		l1, err := lru.New[string, []byte](cfg.L1Size)
		if err != nil {
			return nil, err
		}
		c.l1 = l1
	}
	return c, nil
}

// get looks up key, trying L1 then L2. A true bool return means hit.
func (c *Cache) get(ctx context.Context, key string, out interface{}) bool {
	if c == nil {
		return false
	}
	if c.l1 != nil {
		if data, ok := c.l1.Get(key); ok {
			if json.Unmarshal(data, out) == nil {
				return true
			}
			c.l1.Remove(key)
		}
	}
	if c.l2 != nil {
		data, err := c.l2.Get(ctx, key).Bytes()
		if err == nil {
			if json.Unmarshal(data, out) == nil {
				if c.l1 != nil {
					c.l1.Add(key, data)
				}
				return true
			}
		}
	}
	return false
}

// set populates both tiers with value, best-effort.
func (c *Cache) set(ctx context.Context, key string, value interface{}) {
	if c == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if c.l1 != nil {
		c.l1.Add(key, data)
	}
	if c.l2 != nil {
		ttl := c.ttl
		if ttl == 0 {
			ttl = 30 * time.Second
		}
		c.l2.Set(ctx, key, data, ttl)
	}
}

// invalidate drops key from both tiers, used by the mutation executor
// (C7) after a write so stale reads never outlive a fresh mutation.
func (c *Cache) invalidate(ctx context.Context, key string) {
	if c == nil {
		return
	}
	if c.l1 != nil {
		c.l1.Remove(key)
	}
	if c.l2 != nil {
		c.l2.Del(ctx, key)
	}
}
