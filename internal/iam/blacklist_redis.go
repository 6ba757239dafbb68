package iam

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlacklist is a Blacklist shared across replicas. Redis expires keys
// itself, so no sweeping is needed.
type RedisBlacklist struct {
	rdb *redis.Client
}

// NewRedisBlacklist wraps an existing Redis client.
func NewRedisBlacklist(rdb *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{rdb: rdb}
}

func blacklistKey(jti string) string { return fmt.Sprintf("iam:blacklist:%s", jti) }

func (b *RedisBlacklist) Add(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" || ttl <= 0 {
		return nil
	}
	return b.rdb.Set(ctx, blacklistKey(jti), "1", ttl).Err()
}

func (b *RedisBlacklist) Contains(ctx context.Context, jti string) (bool, error) {
	n, err := b.rdb.Exists(ctx, blacklistKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
