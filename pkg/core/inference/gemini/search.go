package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-evidence/pkg/core/retrieval"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// Searcher runs Google-Search-grounded generation and returns the grounding
// sources as hits.
type Searcher struct {
	c *Client
}

func (c *Client) Searcher() *Searcher { return &Searcher{c: c} }

func (s *Searcher) Name() string { return "gemini_google_search" }

func (s *Searcher) Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]types.SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	max := opts.MaxResults
	if max <= 0 {
		max = 5
	}
	resp, err := s.c.genai.Models.GenerateContent(ctx, s.c.cfg.TextModel, genai.Text(searchPrompt(query, opts)), &genai.GenerateContentConfig{
		Tools:       []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		Temperature: genai.Ptr[float32](0.1),
	})
	if err != nil {
		return nil, fmt.Errorf("grounded search: %w", err)
	}
	return NormalizeGrounding(resp, max), nil
}

func searchPrompt(query string, opts retrieval.SearchOptions) string {
	var b strings.Builder
	b.WriteString("Find sources for the following research query and summarize what each says in one sentence.\n")
	if opts.PreferPrimary {
		b.WriteString("Prefer primary sources: original studies, official statistics, government and academic publications.\n")
	}
	if opts.Diversity == types.DiversityHigh {
		b.WriteString("Include sources from clearly different perspectives and publishers.\n")
	}
	b.WriteString("Query: ")
	b.WriteString(query)
	return b.String()
}

// NormalizeGrounding converts grounding metadata into search hits. A hit's
// snippet is the first supported response segment citing it.
func NormalizeGrounding(resp *genai.GenerateContentResponse, max int) []types.SearchHit {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil {
		return nil
	}
	snippets := make(map[int]string)
	for _, support := range gm.GroundingSupports {
		if support == nil || support.Segment == nil {
			continue
		}
		for _, idx := range support.GroundingChunkIndices {
			if _, ok := snippets[int(idx)]; !ok {
				snippets[int(idx)] = strings.TrimSpace(support.Segment.Text)
			}
		}
	}
	hits := make([]types.SearchHit, 0, len(gm.GroundingChunks))
	for i, chunk := range gm.GroundingChunks {
		if chunk == nil || chunk.Web == nil {
			continue
		}
		hit := types.SearchHit{
			URL:     chunk.Web.URI,
			Title:   chunk.Web.Title,
			Domain:  chunk.Web.Domain,
			Snippet: snippets[i],
		}
		if hit.Domain == "" && looksLikeDomain(hit.Title) {
			hit.Domain = strings.ToLower(hit.Title)
		}
		hits = append(hits, hit)
	}
	return retrieval.NormalizeHits(hits, max)
}

func looksLikeDomain(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.ContainsAny(s, " /") && strings.Contains(s, ".")
}
