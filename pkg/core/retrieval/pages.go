package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-evidence/pkg/core/cache"
)

// PageStore is the optional durable second cache level. GetPage returns
// (nil, nil) on a miss.
type PageStore interface {
	GetPage(ctx context.Context, key string) (*Page, error)
	PutPage(ctx context.Context, key string, p *Page, ttl time.Duration) error
}

// PageReader reads pages through L1 (in-memory TTL) -> L2 (durable, keyed by
// PageKey) -> L3 (live fetch). A fetched page is written back to L1 and, best
// effort, to L2; L2 failures are logged and never fail the read.
type PageReader struct {
	L1      *cache.TTL[*Page]
	L2      PageStore
	Fetcher PageFetcher
	Logger  *slog.Logger

	// TTL applies to L1; L2TTL to the durable level.
	TTL   time.Duration
	L2TTL time.Duration
}

// PageKey is the durable cache key for rawURL.
func PageKey(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])
}

func (r *PageReader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *PageReader) Read(ctx context.Context, rawURL string) (*Page, error) {
	key := PageKey(rawURL)
	if r.L1 != nil {
		if p, ok := r.L1.Get(key); ok {
			return p, nil
		}
	}
	if r.L2 != nil {
		p, err := r.L2.GetPage(ctx, key)
		if err != nil {
			r.logger().Warn("page cache read failed", "url", rawURL, "error", err)
		} else if p != nil {
			if r.L1 != nil {
				r.L1.Set(key, p, r.TTL)
			}
			return p, nil
		}
	}

	p, err := r.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if r.L1 != nil {
		r.L1.Set(key, p, r.TTL)
	}
	if r.L2 != nil {
		if err := r.L2.PutPage(ctx, key, p, r.L2TTL); err != nil {
			r.logger().Warn("page cache write failed", "url", rawURL, "error", err)
		}
	}
	return p, nil
}
