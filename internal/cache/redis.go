package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Cache backed by a shared Redis instance.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis using a URL ("redis://host:port/db") and
// verifies the connection before returning.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		recordMiss("get")
		return "", false, nil
	}
	if err != nil {
		recordErr("get")
		return "", false, err
	}
	recordHit("get")
	return val, true, nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		recordErr("set")
		return err
	}
	return nil
}

// IncrementWithExpiry relies on INCR being atomic in Redis. The expiry is
// attached with NX so only the first increment of a window sets it; later
// increments inside the same window never extend it.
func (r *Redis) IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		recordErr("incr")
		return 0, err
	}
	return incr.Val(), nil
}
