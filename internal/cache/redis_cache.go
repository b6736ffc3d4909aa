package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(addr string, password string, db int) *RedisStockCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func stockKey(productID string) string {
	return "stock:" + productID
}

func (c *RedisStockCache) Get(ctx context.Context, productID string) (map[string]int, bool, error) {
	val, err := c.client.Get(ctx, stockKey(productID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var levels map[string]int
	if err := json.Unmarshal([]byte(val), &levels); err != nil {
		return nil, false, err
	}
	return levels, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, productID string, levels map[string]int, ttl time.Duration) error {
	if levels == nil {
		return nil
	}
	payload, err := json.Marshal(levels)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, stockKey(productID), payload, ttl).Err()
}

func (c *RedisStockCache) Invalidate(ctx context.Context, productID string) error {
	return c.client.Del(ctx, stockKey(productID)).Err()
}
