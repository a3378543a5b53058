package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vango-go/vai-evidence/pkg/core/bus"
	"github.com/vango-go/vai-evidence/pkg/core/cache"
	"github.com/vango-go/vai-evidence/pkg/core/ids"
	"github.com/vango-go/vai-evidence/pkg/core/inference/gemini"
	"github.com/vango-go/vai-evidence/pkg/core/live"
	"github.com/vango-go/vai-evidence/pkg/core/pipeline"
	"github.com/vango-go/vai-evidence/pkg/core/retrieval"
	"github.com/vango-go/vai-evidence/pkg/core/safety"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/store/memstore"
	"github.com/vango-go/vai-evidence/pkg/core/store/pgstore"
	"github.com/vango-go/vai-evidence/pkg/core/store/redisstore"
	"github.com/vango-go/vai-evidence/pkg/core/types"
	"github.com/vango-go/vai-evidence/pkg/gateway/config"
	"github.com/vango-go/vai-evidence/pkg/gateway/server"
)

const (
	cacheCleanupInterval = time.Minute
	redisPingTimeout     = 5 * time.Second
	tracerName           = "github.com/vango-go/vai-evidence"
)

type app struct {
	gateway *server.Server
	runner  *pipeline.Runner
	closers []func()
}

// Close releases backends in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Redis backs both the session store and the durable page cache.
	var rdb *redis.Client
	if cfg.StoreBackend == config.StoreRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	var st store.Store
	switch cfg.StoreBackend {
	case config.StoreRedis:
		st = redisstore.New(rdb, redisstore.Options{Prefix: cfg.RedisPrefix, TTL: cfg.SessionTTL})
	case config.StorePostgres:
		pg, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		st = pg
	default:
		st = memstore.New()
	}

	b := bus.New()
	guard := &safety.Guard{AllowHTTP: cfg.FetchAllowHTTP, Resolver: net.DefaultResolver}
	searchClient := safety.NewRestrictedHTTPClient(nil, guard)

	pages := &retrieval.PageReader{
		L1:      cache.New[*retrieval.Page](cfg.PageCacheTTL, cacheCleanupInterval),
		Fetcher: retrieval.NewFetcher(guard, cfg.FetchTimeout, cfg.FetchMaxBytes),
		Logger:  logger,
		TTL:     cfg.PageCacheTTL,
		L2TTL:   cfg.PageL2TTL,
	}
	if rdb != nil {
		pages.L2 = retrieval.NewRedisPageStore(rdb, cfg.RedisPrefix)
	}

	var gc *gemini.Client
	if cfg.GeminiAPIKey != "" {
		c, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:    cfg.GeminiAPIKey,
			TextModel: cfg.GeminiTextModel,
			LiveModel: cfg.GeminiLiveModel,
			Voice:     cfg.GeminiVoice,
		})
		if err != nil {
			return nil, err
		}
		gc = c
	}

	var searcher retrieval.Searcher = retrieval.NopSearcher{}
	switch cfg.SearchProvider {
	case config.SearchGemini:
		if gc != nil {
			searcher = gc.Searcher()
		}
	case config.SearchTavily:
		if t := retrieval.NewTavily(cfg.TavilyAPIKey, cfg.TavilyBaseURL, searchClient); t.Configured() {
			searcher = t
		}
	case config.SearchExa:
		if e := retrieval.NewExa(cfg.ExaAPIKey, cfg.ExaBaseURL, searchClient); e.Configured() {
			searcher = e
		}
	}
	if _, nop := searcher.(retrieval.NopSearcher); !nop {
		searcher = &retrieval.CachedSearcher{
			Next:  searcher,
			Cache: cache.New[[]types.SearchHit](cfg.SearchCacheTTL, cacheCleanupInterval),
			TTL:   cfg.SearchCacheTTL,
		}
	}

	var claims pipeline.ClaimExtractor = pipeline.HeuristicExtractor{}
	var dialer live.Dialer = live.DisabledDialer{}
	if gc != nil {
		claims = pipeline.FallbackExtractor{Primary: gc.ClaimExtractor(), Fallback: pipeline.HeuristicExtractor{}}
		dialer = gc.Dialer()
	}

	tracer := otel.Tracer(tracerName)
	runner := &pipeline.Runner{
		Orchestrator: &pipeline.Orchestrator{
			Store:     st,
			Publisher: b,
			Pages:     pages,
			Claims:    claims,
			Searcher:  searcher,
			Validator: guard,
			IDs:       &ids.Sequence{},
			Logger:    logger,
			Tracer:    tracer,
		},
		Logger:  logger,
		Timeout: cfg.PipelineTimeout,
	}

	gw, err := server.New(cfg, logger, server.Dependencies{
		Store:    st,
		Bus:      b,
		Pipeline: runner,
		Dialer:   dialer,
		Tracer:   tracer,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("backends ready",
		"store", cfg.StoreBackend,
		"search", searcher.Name(),
		"page_l2", pages.L2 != nil,
		"voice", gc != nil,
	)

	a.gateway = gw
	a.runner = runner
	ok = true
	return a, nil
}
