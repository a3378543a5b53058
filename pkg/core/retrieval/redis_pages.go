package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPageStore is a PageStore backed by Redis string keys.
type RedisPageStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisPageStore(rdb redis.UniversalClient, prefix string) *RedisPageStore {
	if prefix == "" {
		prefix = "evidence:page:"
	}
	return &RedisPageStore{rdb: rdb, prefix: prefix}
}

func (s *RedisPageStore) GetPage(ctx context.Context, key string) (*Page, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get page: %w", err)
	}
	var p Page
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &p, nil
}

func (s *RedisPageStore) PutPage(ctx context.Context, key string, p *Page, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+key, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis put page: %w", err)
	}
	return nil
}
