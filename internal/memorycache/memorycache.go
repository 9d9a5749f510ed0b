// Package memorycache implements the bounded, cost-aware LRU described in
// spec.md §4.3 (C3): a mapping of memory-cache key to decoded
// ImageContainer with an optional per-entry TTL. spec.md §1 says the exact
// eviction structure is "standard LRU... summarized, not elaborated", so
// each shard is backed by hashicorp/golang-lru/v2's expirable.LRU (the same
// library internal/resumable uses for its store, and the teacher's
// imageapi.API.imageCache uses for its in-process cache), sharded by
// murmur3(key) % shardCount to spread lock contention across concurrent
// loadImage fan-out. Cost-limit enforcement and per-entry TTL sit on top of
// the LRU's own count-based eviction, since expirable.LRU only bounds entry
// count and applies a single cache-wide TTL.
package memorycache

import (
	"sync"
	"time"

	"github.com/DMarby/imagepipeline/internal/container"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/twmb/murmur3"
)

const defaultShardCount = 16

// Config bounds the cache. CostLimit and CountLimit are advisory: momentary
// overshoot between operations is permitted, but the cache converges back
// under the limits (spec.md §4.3).
type Config struct {
	CountLimit int
	CostLimit  int64
	// EntryCostLimitFraction bounds a single entry's share of CostLimit;
	// entries whose cost exceeds CostLimit*EntryCostLimitFraction are
	// rejected outright.
	EntryCostLimitFraction float64
	// DefaultTTL applies to entries that don't specify their own; zero
	// means no expiry.
	DefaultTTL time.Duration
	ShardCount int
}

// DefaultConfig mirrors common mobile-image-cache sizing: up to 1000
// images, bounded to ~256MB of decoded pixels.
func DefaultConfig() Config {
	return Config{
		CountLimit:             1000,
		CostLimit:              256 << 20,
		EntryCostLimitFraction: 0.2,
		ShardCount:             defaultShardCount,
	}
}

type entry struct {
	key       string
	container *container.ImageContainer
	cost      int64
	expiresAt time.Time // zero means no expiry
}

type shard struct {
	mu   sync.Mutex
	lru  *lru.LRU[string, *entry]
	cost int64
}

func (s *shard) onEvict(_ string, e *entry) {
	s.cost -= e.cost
}

// Cache is the sharded memory cache.
type Cache struct {
	cfg    Config
	shards []*shard
}

// New creates a Cache with cfg, filling in any zero-valued fields from
// DefaultConfig.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.CountLimit <= 0 {
		cfg.CountLimit = def.CountLimit
	}
	if cfg.CostLimit <= 0 {
		cfg.CostLimit = def.CostLimit
	}
	if cfg.EntryCostLimitFraction <= 0 {
		cfg.EntryCostLimitFraction = def.EntryCostLimitFraction
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = def.ShardCount
	}

	c := &Cache{cfg: cfg, shards: make([]*shard, cfg.ShardCount)}
	perShard := cfg.CountLimit / cfg.ShardCount
	if perShard < 1 {
		perShard = 1
	}
	for i := range c.shards {
		s := &shard{}
		// ttl is handled per-entry below, not by the LRU itself.
		s.lru = lru.NewLRU[string, *entry](perShard, s.onEvict, 0)
		c.shards[i] = s
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := murmur3.Sum32([]byte(key))
	return c.shards[int(h)%len(c.shards)]
}

func (c *Cache) perShardCountLimit() int {
	n := c.cfg.CountLimit / len(c.shards)
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Cache) perShardCostLimit() int64 {
	n := c.cfg.CostLimit / int64(len(c.shards))
	if n < 1 {
		n = 1
	}
	return n
}

// Get returns the container for key, touching it as most-recently-used. The
// second return is false if the key is absent or has expired.
func (c *Cache) Get(key string) (*container.ImageContainer, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.lru.Remove(key)
		return nil, false
	}

	return e.container, true
}

// Put inserts c for key with the given cost, evicting oldest entries until
// both the per-shard count and cost limits are satisfied. ttl of zero uses
// the cache's DefaultTTL (which may itself be zero, meaning no expiry).
// Returns false if the entry's cost exceeds EntryCostLimitFraction of the
// cost limit and was rejected.
func (c *Cache) Put(key string, img *container.ImageContainer, cost int64, ttl time.Duration) bool {
	if cost > int64(float64(c.cfg.CostLimit)*c.cfg.EntryCostLimitFraction) {
		return false
	}
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lru.Peek(key); ok {
		s.lru.Remove(key)
	}

	e := &entry{key: key, container: img, cost: cost}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.lru.Add(key, e)
	s.cost += cost

	costLimit := c.perShardCostLimit()
	for s.cost > costLimit && s.lru.Len() > 1 {
		s.lru.RemoveOldest()
	}

	return true
}

// Remove discards key if present.
func (c *Cache) Remove(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
}

// Trim evicts down to fraction of each shard's limits (e.g. 0.1 to drop to
// ~10%, the memory-pressure/background response described in spec.md §4.3
// and decided in SPEC_FULL.md's Open Question section).
func (c *Cache) Trim(fraction float64) {
	if fraction <= 0 {
		fraction = 0.1
	}
	countTarget := int(float64(c.perShardCountLimit()) * fraction)
	costTarget := int64(float64(c.perShardCostLimit()) * fraction)

	for _, s := range c.shards {
		s.mu.Lock()
		for (s.lru.Len() > countTarget || s.cost > costTarget) && s.lru.Len() > 0 {
			s.lru.RemoveOldest()
		}
		s.mu.Unlock()
	}
}

// Len returns the total number of entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}

// Cost returns the total cost across all shards.
func (c *Cache) Cost() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.cost
		s.mu.Unlock()
	}
	return total
}
