package geoip

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores successful lookup results so repeat offenders do not cost a
// fresh external call per event. Cache errors are swallowed: a broken cache
// must never block or fail resolution.
type Cache interface {
	Get(ctx context.Context, addr string) (Record, bool)
	Set(ctx context.Context, addr string, rec Record)
}

// memoryCache is a process-local TTL cache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// NewMemoryCache creates an in-process cache with the given TTL.
func NewMemoryCache(ttl time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
	}
	go c.startCleanup()
	return c
}

func (c *memoryCache) Get(_ context.Context, addr string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[addr]
	if !exists || time.Now().After(entry.expiresAt) {
		return Record{}, false
	}
	return entry.record, true
}

func (c *memoryCache) Set(_ context.Context, addr string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[addr] = memoryEntry{
		record:    rec,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *memoryCache) startCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for addr, entry := range c.entries {
			if now.After(entry.expiresAt) {
				delete(c.entries, addr)
			}
		}
		c.mu.Unlock()
	}
}

// redisCache shares lookup results between instances via Redis.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) Cache {
	return &redisCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(addr string) string {
	return "honeytrail:geoip:" + addr
}

func (c *redisCache) Get(ctx context.Context, addr string) (Record, bool) {
	data, err := c.client.Get(ctx, cacheKey(addr)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("geo cache get failed", zap.String("addr", addr), zap.Error(err))
		}
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("geo cache entry malformed", zap.String("addr", addr), zap.Error(err))
		return Record{}, false
	}
	return rec, true
}

func (c *redisCache) Set(ctx context.Context, addr string, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(addr), data, c.ttl).Err(); err != nil {
		c.logger.Warn("geo cache set failed", zap.String("addr", addr), zap.Error(err))
	}
}
