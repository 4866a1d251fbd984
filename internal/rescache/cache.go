// Package rescache caches "does this domain resolve" answers for a short TTL.
package rescache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolution answers keyed by domain.
type Cache interface {
	// Get returns the cached answer and whether one was present.
	Get(ctx context.Context, domain string) (resolves bool, ok bool, err error)
	Set(ctx context.Context, domain string, resolves bool) error
	Invalidate(ctx context.Context, domain string) error
}

// New returns a Redis cache when client is non-nil and a Memory cache otherwise.
func New(client *redis.Client, ttl time.Duration) Cache {
	if client != nil {
		return NewRedis(client, ttl)
	}
	return NewMemory(ttl)
}

type entry struct {
	resolves  bool
	expiresAt time.Time
}

// Memory is a process-local Cache. Call Run to evict expired entries.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates a Memory cache.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements Cache.
func (c *Memory) Get(_ context.Context, domain string) (bool, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[domain]
	if !ok || c.now().After(e.expiresAt) {
		return false, false, nil
	}
	return e.resolves, true, nil
}

// Set implements Cache.
func (c *Memory) Set(_ context.Context, domain string, resolves bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[domain] = entry{resolves: resolves, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// Invalidate implements Cache.
func (c *Memory) Invalidate(_ context.Context, domain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, domain)
	return nil
}

// Evict removes all expired entries and returns how many were dropped.
func (c *Memory) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries, including expired ones.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run evicts expired entries every interval until ctx is done.
func (c *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evict()
		}
	}
}

// Redis is a Cache shared by every replica.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis cache.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKey(domain string) string {
	return "rescache:" + domain
}

// Get implements Cache.
func (c *Redis) Get(ctx context.Context, domain string) (bool, bool, error) {
	v, err := c.client.Get(ctx, redisKey(domain)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("rescache get %s: %w", domain, err)
	}
	return v == "1", true, nil
}

// Set implements Cache.
func (c *Redis) Set(ctx context.Context, domain string, resolves bool) error {
	v := "0"
	if resolves {
		v = "1"
	}
	if err := c.client.Set(ctx, redisKey(domain), v, c.ttl).Err(); err != nil {
		return fmt.Errorf("rescache set %s: %w", domain, err)
	}
	return nil
}

// Invalidate implements Cache.
func (c *Redis) Invalidate(ctx context.Context, domain string) error {
	if err := c.client.Del(ctx, redisKey(domain)).Err(); err != nil {
		return fmt.Errorf("rescache invalidate %s: %w", domain, err)
	}
	return nil
}
