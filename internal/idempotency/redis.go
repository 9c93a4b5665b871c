package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"openbooking/internal/models"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// RedisCache is a Cache shared by every instance of the service.
type RedisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisCache creates a redis-backed cache. Entries expire after ttl.
func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func redisKey(key Key) string {
	return fmt.Sprintf("idempotency:%s", key.String())
}

func (c *RedisCache) Get(ctx context.Context, key Key) (*models.Response, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	var resp models.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return &resp, true, nil
}

// Put stores the response unless an entry already exists, so two racing
// instances agree on the first stored response.
func (c *RedisCache) Put(ctx context.Context, key Key, resp *models.Response) error {
	if !resp.IsSuccess() {
		return ErrNotCacheable
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := c.rdb.SetNX(ctx, redisKey(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}
