package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bunker-saas/bunker/internal/models"
)

const cacheKeyPrefix = "bunker:tenant:"

// RedisCache caches host resolutions in Redis
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisCache creates a Redis backed tenant cache
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{redis: client, ttl: ttl}
}

func (c *RedisCache) key(host string) string {
	return cacheKeyPrefix + host
}

func (c *RedisCache) Get(ctx context.Context, host string) (*models.CompanyRef, error) {
	data, err := c.redis.Get(ctx, c.key(host)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	ref := &models.CompanyRef{}
	if err := json.Unmarshal(data, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

func (c *RedisCache) Set(ctx context.Context, host string, ref *models.CompanyRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, c.key(host), data, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, host string) error {
	return c.redis.Del(ctx, c.key(host)).Err()
}
