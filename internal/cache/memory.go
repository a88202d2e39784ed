package cache

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/gateway/internal/models"
)

const memoryShardCount = 16

// memoryEntry carries its own lock so deadline refreshes on hot tokens do
// not serialize through the shard lock.
type memoryEntry struct {
	mu            sync.Mutex
	configs       []models.RouteConfig
	expiresAt     time.Time
	hardExpiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt) || now.After(e.hardExpiresAt)
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// MemoryCache is the in-process RouteCache backend.
type MemoryCache struct {
	opts       Options
	shards     [memoryShardCount]*memoryShard
	shardSize  int
	sweepEvery time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewMemoryCache builds a memory-backed cache and starts its sweeper.
func NewMemoryCache(opts Options) *MemoryCache {
	perShard := opts.MaxSize / memoryShardCount
	if perShard < 1 {
		perShard = 1
	}
	sweepEvery := opts.TTL
	if sweepEvery < time.Minute {
		sweepEvery = time.Minute
	}
	c := &MemoryCache{
		opts:       opts,
		shardSize:  perShard,
		sweepEvery: sweepEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	go c.sweep()
	return c
}

func (c *MemoryCache) shardFor(key string) *memoryShard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return c.shards[h%memoryShardCount]
}

// Get implements RouteCache. Expired entries are dropped on access; the
// entry lock is released before the shard map is touched.
func (c *MemoryCache) Get(_ context.Context, token, model string) ([]models.RouteConfig, bool) {
	key := cacheKey(token, model)
	s := c.shardFor(key)

	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return nil, false
	}

	now := time.Now()
	e.mu.Lock()
	if e.expired(now) {
		e.mu.Unlock()
		s.mu.Lock()
		if s.entries[key] == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	e.expiresAt = clampDeadline(now, c.opts.TTL, e.hardExpiresAt)
	snapshot := make([]models.RouteConfig, len(e.configs))
	copy(snapshot, e.configs)
	e.mu.Unlock()
	return snapshot, true
}

// Set implements RouteCache.
func (c *MemoryCache) Set(_ context.Context, token, model string, configs []models.RouteConfig) {
	key := cacheKey(token, model)
	now := time.Now()
	hard := now.Add(c.opts.MaxLifetime)
	e := &memoryEntry{
		configs:       append([]models.RouteConfig(nil), configs...),
		expiresAt:     clampDeadline(now, c.opts.TTL, hard),
		hardExpiresAt: hard,
	}

	s := c.shardFor(key)
	s.mu.Lock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= c.shardSize {
		c.evictLocked(s, now)
	}
	s.entries[key] = e
	s.mu.Unlock()
}

// evictLocked removes the entry closest to its hard deadline. Caller holds
// the shard write lock.
func (c *MemoryCache) evictLocked(s *memoryShard, now time.Time) {
	var victim string
	var victimHard time.Time
	for k, e := range s.entries {
		e.mu.Lock()
		hard := e.hardExpiresAt
		dead := e.expired(now)
		e.mu.Unlock()
		if dead {
			victim = k
			break
		}
		if victim == "" || hard.Before(victimHard) {
			victim = k
			victimHard = hard
		}
	}
	if victim != "" {
		delete(s.entries, victim)
	}
}

// RemoveConfig implements RouteCache.
func (c *MemoryCache) RemoveConfig(_ context.Context, token, model string, failed models.RouteConfig) {
	key := cacheKey(token, model)
	s := c.shardFor(key)

	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	kept := e.configs[:0]
	for _, rc := range e.configs {
		if !rc.SameEndpoint(failed) {
			kept = append(kept, rc)
		}
	}
	e.configs = kept
	empty := len(kept) == 0
	e.mu.Unlock()

	if empty {
		s.mu.Lock()
		if s.entries[key] == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
}

// Clear implements RouteCache.
func (c *MemoryCache) Clear(_ context.Context) {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]*memoryEntry)
		s.mu.Unlock()
	}
}

// Len reports the number of live entries, counting entries past their
// deadlines that the sweeper has not visited yet.
func (c *MemoryCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Close stops the sweeper.
func (c *MemoryCache) Close() error {
	close(c.stop)
	<-c.done
	return nil
}

func (c *MemoryCache) sweep() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweepOnce(now)
		}
	}
}

func (c *MemoryCache) sweepOnce(now time.Time) {
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			e.mu.Lock()
			dead := e.expired(now)
			e.mu.Unlock()
			if dead {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}
