package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Lua keeps compare-and-swap and compare-and-delete single round trips; the
// comparison happens server-side, so two racing callers cannot both win.
var (
	casScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			if tonumber(ARGV[3]) > 0 then
				redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
			else
				redis.call("SET", KEYS[1], ARGV[2])
			end
			return 1
		end
		return 0
	`)

	cadScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			redis.call("DEL", KEYS[1])
			return 1
		end
		return 0
	`)

	incrScript = redis.NewScript(`
		local n = redis.call("INCR", KEYS[1])
		if n == 1 and tonumber(ARGV[1]) > 0 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return n
	`)
)

// RedisKV implements KV on a Redis keyspace. Expiry is delegated to Redis
// TTLs, so the periodic cleanup sweep is only needed by the in-memory
// implementation.
type RedisKV struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisKV(client *redis.Client, logger *logrus.Logger) *RedisKV {
	return &RedisKV{client: client, logger: logger}
}

func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisKV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (s *RedisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	return n, nil
}

func (s *RedisKV) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, s.client, []string{key}, old, next, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas %q: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisKV) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	n, err := cadScript.Run(ctx, s.client, []string{key}, old).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cad %q: %w", key, err)
	}
	return n == 1, nil
}
