package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type RedisSummaryCache struct {
	client *redis.Client
	prefix string
}

func NewRedisSummaryCache(addr string, password string, db int) *RedisSummaryCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSummaryCache{client: client, prefix: "medcash:summary:"}
}

func (c *RedisSummaryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSummaryCache) Close() error {
	return c.client.Close()
}

func (c *RedisSummaryCache) entryKey(scope string, key string) string {
	return c.prefix + scope + ":" + key
}

// indexKey names the set tracking every entry key written under scope.
func (c *RedisSummaryCache) indexKey(scope string) string {
	return c.prefix + "keys:" + scope
}

func (c *RedisSummaryCache) Get(ctx context.Context, scope string, key string, dst any) (bool, error) {
	val, err := c.client.Get(ctx, c.entryKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(val, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisSummaryCache) Set(ctx context.Context, scope string, key string, value any, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	entryKey := c.entryKey(scope, key)
	indexKey := c.indexKey(scope)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey, payload, ttl)
		pipe.SAdd(ctx, indexKey, entryKey)
		if ttl > 0 {
			pipe.Expire(ctx, indexKey, ttl)
		}
		return nil
	})
	return err
}

func (c *RedisSummaryCache) Invalidate(ctx context.Context, scope string) error {
	indexKey := c.indexKey(scope)
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return err
	}
	return c.client.Del(ctx, append(keys, indexKey)...).Err()
}
