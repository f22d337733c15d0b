package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and sets its expiry only when the
// increment created it, so a busy key cannot extend its own window.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server described by url.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{client: c}
}

func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) PushCapped(ctx context.Context, key string, value []byte, max int) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, value)
		if max > 0 {
			p.LTrim(ctx, key, 0, int64(max-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Range(ctx context.Context, key string, n int) ([][]byte, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	vals, err := r.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
