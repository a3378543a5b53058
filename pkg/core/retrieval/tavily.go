package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vango-go/vai-evidence/pkg/core/safety"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

const defaultTavilyBaseURL = "https://api.tavily.com"

// Tavily searches through the Tavily REST API.
type Tavily struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewTavily(apiKey, baseURL string, httpClient *http.Client) *Tavily {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultTavilyBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Tavily{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Tavily) Name() string { return "tavily" }

func (c *Tavily) Configured() bool {
	return c != nil && c.apiKey != ""
}

func (c *Tavily) Search(ctx context.Context, query string, opts SearchOptions) ([]types.SearchHit, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("tavily api key is not configured")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	depth := "basic"
	if opts.Diversity == types.DiversityHigh {
		depth = "advanced"
	}
	payload := map[string]any{
		"query":        query,
		"search_depth": depth,
		"max_results":  maxResults,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := safety.ReadResponseBodyLimited(resp, 8192)
		return nil, fmt.Errorf("tavily error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := safety.DecodeJSONBodyLimited(resp, safety.MaxDownloadedBytes, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	hits := make([]types.SearchHit, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		hits = append(hits, types.SearchHit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return NormalizeHits(hits, maxResults), nil
}
