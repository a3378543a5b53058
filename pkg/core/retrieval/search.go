// Package retrieval holds the search and page-fetch side of the evidence
// pipeline: pluggable search backends, an SSRF-guarded fetcher and the
// layered page cache.
package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/vango-go/vai-evidence/pkg/core/cache"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// SearchOptions carry the active constraints into a search backend.
type SearchOptions struct {
	MaxResults        int
	PreferPrimary     bool
	Diversity         types.DiversityTarget
	SourcePreferences []types.SourcePreference
}

// Searcher is a grounded web search backend.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, opts SearchOptions) ([]types.SearchHit, error)
}

// NopSearcher returns no results. It backs deployments with no search
// provider configured; the pipeline still completes on fallbacks.
type NopSearcher struct{}

func (NopSearcher) Name() string { return "none" }

func (NopSearcher) Search(context.Context, string, SearchOptions) ([]types.SearchHit, error) {
	return nil, nil
}

// CachedSearcher memoizes a Searcher by backend, query and options.
type CachedSearcher struct {
	Next  Searcher
	Cache *cache.TTL[[]types.SearchHit]
	TTL   time.Duration
}

func (c *CachedSearcher) Name() string { return c.Next.Name() }

func (c *CachedSearcher) Search(ctx context.Context, query string, opts SearchOptions) ([]types.SearchHit, error) {
	key := searchCacheKey(c.Next.Name(), query, opts)
	if hits, ok := c.Cache.Get(key); ok {
		return slices.Clone(hits), nil
	}
	hits, err := c.Next.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	c.Cache.Set(key, slices.Clone(hits), c.TTL)
	return hits, nil
}

func searchCacheKey(backend, query string, opts SearchOptions) string {
	prefs := make([]string, len(opts.SourcePreferences))
	for i, p := range opts.SourcePreferences {
		prefs[i] = string(p)
	}
	return fmt.Sprintf("%s|%s|%d|%t|%s|%s", backend, strings.ToLower(strings.TrimSpace(query)),
		opts.MaxResults, opts.PreferPrimary, opts.Diversity, strings.Join(prefs, ","))
}

// NormalizeHits drops hits without a usable URL, fills Domain and removes
// duplicate URLs, keeping first occurrence order.
func NormalizeHits(hits []types.SearchHit, max int) []types.SearchHit {
	out := make([]types.SearchHit, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		h.URL = strings.TrimSpace(h.URL)
		if h.URL == "" {
			continue
		}
		if _, dup := seen[h.URL]; dup {
			continue
		}
		seen[h.URL] = struct{}{}
		if h.Domain == "" {
			h.Domain = types.DomainOf(h.URL)
		}
		h.Title = strings.TrimSpace(h.Title)
		h.Snippet = truncateString(strings.TrimSpace(h.Snippet), 600)
		out = append(out, h)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// SearchFallbackURL is the literal search-engine URL used when no real
// source exists for a query.
func SearchFallbackURL(query string) string {
	return "https://www.google.com/search?q=" + url.QueryEscape(strings.TrimSpace(query))
}

// IsSearchFallbackURL reports whether u was produced by SearchFallbackURL.
func IsSearchFallbackURL(u string) bool {
	return strings.HasPrefix(u, "https://www.google.com/search?")
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return types.TruncateUTF8(s, max)
}
