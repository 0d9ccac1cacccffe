package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisIdempotencyPrefix = "idem:"

// RedisIdempotencyStore keeps cached results in Redis so every replica sees the same keys.
// Expiry is delegated to Redis TTLs, so no sweep is needed.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = defaultRedisIdempotencyPrefix
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

// Clear deletes only this store's keys, never the whole database.
func (s *RedisIdempotencyStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.client.Del(ctx, batch...).Err()
	}
	return nil
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)
