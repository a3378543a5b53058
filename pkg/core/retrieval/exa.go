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

const defaultExaBaseURL = "https://api.exa.ai"

// Exa searches through the Exa REST API.
type Exa struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewExa(apiKey, baseURL string, httpClient *http.Client) *Exa {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultExaBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Exa{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Exa) Name() string { return "exa" }

func (c *Exa) Configured() bool {
	return c != nil && c.apiKey != ""
}

func (c *Exa) Search(ctx context.Context, query string, opts SearchOptions) ([]types.SearchHit, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("exa api key is not configured")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	payload := map[string]any{
		"query":      query,
		"numResults": maxResults,
		"contents": map[string]any{
			"highlights": map[string]any{"numSentences": 2},
		},
	}
	if opts.PreferPrimary {
		payload["category"] = "research paper"
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
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := safety.ReadResponseBodyLimited(resp, 8192)
		return nil, fmt.Errorf("exa error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Results []struct {
			Title      string   `json:"title"`
			URL        string   `json:"url"`
			Text       string   `json:"text,omitempty"`
			Highlights []string `json:"highlights,omitempty"`
			Summary    string   `json:"summary,omitempty"`
		} `json:"results"`
	}
	if err := safety.DecodeJSONBodyLimited(resp, safety.MaxDownloadedBytes, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	hits := make([]types.SearchHit, 0, len(decoded.Results))
	for _, result := range decoded.Results {
		snippet := strings.TrimSpace(result.Summary)
		if snippet == "" && len(result.Highlights) > 0 {
			snippet = strings.TrimSpace(result.Highlights[0])
		}
		if snippet == "" {
			snippet = strings.TrimSpace(result.Text)
		}
		hits = append(hits, types.SearchHit{Title: result.Title, URL: result.URL, Snippet: snippet})
	}
	return NormalizeHits(hits, maxResults), nil
}
