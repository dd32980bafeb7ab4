package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
		return 1
	end
	local count = tonumber(current)
	if count >= tonumber(ARGV[1]) then
		return 0
	end
	redis.call("INCR", KEYS[1])
	return 1
`)

type RedisRateLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, keyPrefix string) *RedisRateLimiter {
	if keyPrefix == "" {
		keyPrefix = "dl-rate:"
	}
	return &RedisRateLimiter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisRateLimiter) key(k string) string {
	return fmt.Sprintf("%s%s", r.keyPrefix, k)
}

func (r *RedisRateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) error {
	result, err := rateLimitScript.Run(ctx, r.client, []string{r.key(key)}, limit, window.Milliseconds()).Int()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrRateLimitExceeded
	}

	return nil
}
