package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/gateway/internal/models"
)

const redisKeyPrefix = "gateway:route:"

// redisValue is the stored shape. The hard deadline travels with the value
// because Redis key TTLs only express the sliding deadline.
type redisValue struct {
	Configs       []models.RouteConfig `json:"configs"`
	CreatedAt     time.Time            `json:"created_at"`
	HardExpiresAt time.Time            `json:"hard_expires_at"`
}

// RedisCache is the RouteCache backend for multi-instance deployments.
type RedisCache struct {
	client *redis.Client
	opts   Options
	logger *log.Logger
}

// NewRedisCache wraps an existing go-redis client.
func NewRedisCache(client *redis.Client, opts Options, logger *log.Logger) *RedisCache {
	return &RedisCache{client: client, opts: opts, logger: logger}
}

func (c *RedisCache) key(token, model string) string {
	return redisKeyPrefix + token + ":" + model
}

// redisTTL converts the hard deadline into the key TTL for the sliding
// refresh, clamped so the key never outlives the hard deadline.
func (c *RedisCache) redisTTL(now time.Time, hard time.Time) time.Duration {
	ttl := c.opts.TTL
	if remaining := hard.Sub(now); remaining < ttl {
		ttl = remaining
	}
	return ttl
}

// Get implements RouteCache.
func (c *RedisCache) Get(ctx context.Context, token, model string) ([]models.RouteConfig, bool) {
	key := c.key(token, model)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Printf("redis get %s: %v", key, err)
		}
		return nil, false
	}

	var val redisValue
	if err := json.Unmarshal(raw, &val); err != nil {
		c.logger.Printf("redis entry %s: corrupt value: %v", key, err)
		c.client.Del(ctx, key)
		return nil, false
	}

	now := time.Now()
	if now.After(val.HardExpiresAt) {
		c.client.Del(ctx, key)
		return nil, false
	}

	if err := c.client.Expire(ctx, key, c.redisTTL(now, val.HardExpiresAt)).Err(); err != nil {
		c.logger.Printf("redis expire %s: %v", key, err)
	}
	return val.Configs, true
}

// Set implements RouteCache.
func (c *RedisCache) Set(ctx context.Context, token, model string, configs []models.RouteConfig) {
	now := time.Now()
	val := redisValue{
		Configs:       configs,
		CreatedAt:     now,
		HardExpiresAt: now.Add(c.opts.MaxLifetime),
	}
	raw, err := json.Marshal(val)
	if err != nil {
		c.logger.Printf("redis set: marshal: %v", err)
		return
	}
	key := c.key(token, model)
	if err := c.client.Set(ctx, key, raw, c.redisTTL(now, val.HardExpiresAt)).Err(); err != nil {
		c.logger.Printf("redis set %s: %v", key, err)
	}
}

// RemoveConfig implements RouteCache.
func (c *RedisCache) RemoveConfig(ctx context.Context, token, model string, failed models.RouteConfig) {
	key := c.key(token, model)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Printf("redis get %s: %v", key, err)
		}
		return
	}

	var val redisValue
	if err := json.Unmarshal(raw, &val); err != nil {
		c.client.Del(ctx, key)
		return
	}

	kept := val.Configs[:0]
	for _, rc := range val.Configs {
		if !rc.SameEndpoint(failed) {
			kept = append(kept, rc)
		}
	}
	if len(kept) == 0 {
		c.client.Del(ctx, key)
		return
	}
	val.Configs = kept

	updated, err := json.Marshal(val)
	if err != nil {
		return
	}
	now := time.Now()
	if now.After(val.HardExpiresAt) {
		c.client.Del(ctx, key)
		return
	}
	if err := c.client.Set(ctx, key, updated, c.redisTTL(now, val.HardExpiresAt)).Err(); err != nil {
		c.logger.Printf("redis set %s: %v", key, err)
	}
}

// Clear implements RouteCache.
func (c *RedisCache) Clear(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 256 {
			c.client.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
	if err := iter.Err(); err != nil {
		c.logger.Printf("redis clear: %v", err)
	}
}

// Close implements RouteCache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
