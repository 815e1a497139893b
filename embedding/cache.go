package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/internal/cache"
)

// VectorCache stores embedding vectors keyed by the embedded text.
type VectorCache interface {
	Get(ctx context.Context, text string) ([]float64, bool)
	Set(ctx context.Context, text string, vec []float64)
}

// TextKey returns the cache key for a text.
func TextKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MemoryVectorCache is a bounded LRU vector cache.
type MemoryVectorCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type memoryEntry struct {
	key string
	vec []float64
}

// NewMemoryVectorCache creates an LRU cache. capacity <= 0 means 4096.
func NewMemoryVectorCache(capacity int) *MemoryVectorCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryVectorCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get implements VectorCache.
func (c *MemoryVectorCache) Get(_ context.Context, text string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[TextKey(text)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*memoryEntry).vec, true
}

// Set implements VectorCache.
func (c *MemoryVectorCache) Set(_ context.Context, text string, vec []float64) {
	if len(vec) == 0 {
		return
	}
	key := TextKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*memoryEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, vec: vec})
	for c.order.Len() > c.capacity {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.entries, last.Value.(*memoryEntry).key)
	}
}

// Len returns the number of cached vectors.
func (c *MemoryVectorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// RedisVectorCache stores vectors in Redis so holons share embeddings.
// Redis failures are logged and reported as misses.
type RedisVectorCache struct {
	store  *cache.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisVectorCache creates a Redis-backed vector cache.
func NewRedisVectorCache(store *cache.Client, ttl time.Duration, logger *zap.Logger) *RedisVectorCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisVectorCache{
		store:  store,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "vector_cache")),
	}
}

// Get implements VectorCache.
func (c *RedisVectorCache) Get(ctx context.Context, text string) ([]float64, bool) {
	vec, err := c.store.GetVector(ctx, "vec:"+TextKey(text))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("vector cache read failed", zap.Error(err))
		}
		return nil, false
	}
	return vec, len(vec) > 0
}

// Set implements VectorCache.
func (c *RedisVectorCache) Set(ctx context.Context, text string, vec []float64) {
	if len(vec) == 0 {
		return
	}
	if err := c.store.SetVector(ctx, "vec:"+TextKey(text), vec, c.ttl); err != nil {
		c.logger.Warn("vector cache write failed", zap.Error(err))
	}
}

// TieredVectorCache reads the local LRU first, then Redis, and back-fills
// the local tier on a remote hit.
type TieredVectorCache struct {
	local  *MemoryVectorCache
	remote VectorCache
}

// NewTieredVectorCache combines a local LRU with a remote cache.
func NewTieredVectorCache(local *MemoryVectorCache, remote VectorCache) *TieredVectorCache {
	return &TieredVectorCache{local: local, remote: remote}
}

// Get implements VectorCache.
func (c *TieredVectorCache) Get(ctx context.Context, text string) ([]float64, bool) {
	if vec, ok := c.local.Get(ctx, text); ok {
		return vec, true
	}
	if c.remote == nil {
		return nil, false
	}
	vec, ok := c.remote.Get(ctx, text)
	if ok {
		c.local.Set(ctx, text, vec)
	}
	return vec, ok
}

// Set implements VectorCache.
func (c *TieredVectorCache) Set(ctx context.Context, text string, vec []float64) {
	c.local.Set(ctx, text, vec)
	if c.remote != nil {
		c.remote.Set(ctx, text, vec)
	}
}

var (
	_ VectorCache = (*MemoryVectorCache)(nil)
	_ VectorCache = (*RedisVectorCache)(nil)
	_ VectorCache = (*TieredVectorCache)(nil)
)
