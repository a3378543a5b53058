// Package redisstore keeps session snapshots in Redis as JSON documents with
// a sorted-set index by creation time.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

const defaultPrefix = "evidence:"

type Options struct {
	// Prefix namespaces every key. Defaults to "evidence:".
	Prefix string

	// TTL expires idle sessions. Zero keeps them forever.
	TTL time.Duration
}

type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(rdb redis.UniversalClient, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: opts.TTL}
}

func (s *Store) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *Store) indexKey() string            { return s.prefix + "sessions:created" }

func (s *Store) Get(ctx context.Context, id string) (*types.Session, error) {
	b, err := s.rdb.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var out types.Session
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &out, nil
}

func (s *Store) Put(ctx context.Context, sess *types.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.SessionID), b, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(sess.CreatedAtMs), Member: sess.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, limit int) ([]*types.Session, error) {
	limit = store.ClampListLimit(limit)
	// Over-fetch ids: the index can outlive expired documents.
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, int64(limit*2-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(ids) == 0 {
		return []*types.Session{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]*types.Session, 0, limit)
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		if len(out) == limit {
			continue
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", ids[i], err)
		}
		out = append(out, &sess)
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, s.indexKey(), stale...).Err()
	}
	return out, nil
}
