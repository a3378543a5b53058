package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-evidence/pkg/core/store/storetest"
)

func TestStoreContract(t *testing.T) {
	addr := os.Getenv("EVIDENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EVIDENCE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	prefix := "evidence-test:" + t.Name() + ":"
	storetest.Run(t, New(rdb, Options{Prefix: prefix}), "redis-")
}
