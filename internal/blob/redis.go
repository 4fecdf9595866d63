package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps blobs inline in Redis hashes with a uniform TTL, matching
// the TTL discipline of the job records they belong to.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "content_type", contentType)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	vals, err := s.client.HMGet(ctx, key, "data", "content_type").Result()
	if err != nil {
		return nil, "", fmt.Errorf("read blob %s: %w", key, err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, "", ErrNotFound
	}
	contentType, _ := vals[1].(string)
	return []byte(raw), contentType, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
