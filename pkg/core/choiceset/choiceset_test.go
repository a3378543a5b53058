package choiceset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-evidence/pkg/core/retrieval"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

func sampleInput() Input {
	return Input{
		Subject:     "school lunch study",
		Constraints: types.DefaultConstraints(),
		Cards: []types.EvidenceCard{
			{
				ID:        "card_1",
				ClaimText: "Free lunch raised test scores",
				Evidence: []types.EvidenceQuote{
					{URL: "https://news.example.com/a", Title: "Scores rise", Domain: "news.example.com"},
				},
				CounterEvidence: []types.EvidenceQuote{
					{URL: "https://critic.example.org/b", Title: "Not so fast", Domain: "critic.example.org"},
				},
			},
		},
		Hits: []types.SearchHit{
			{URL: "https://news.example.com/a", Title: "dup"},
			{URL: "https://ed.gov/report", Title: "Federal report", Domain: "ed.gov"},
			{URL: "https://blog.example.net/c", Title: "Blog", Domain: "blog.example.net"},
		},
	}
}

func TestOptimize_ReturnsThreeDistinctItems(t *testing.T) {
	items := Optimize(sampleInput())
	require.Len(t, items, Size)

	seen := map[string]bool{}
	for i, it := range items {
		assert.NotEmpty(t, it.URL)
		assert.False(t, seen[it.URL], "duplicate url %s", it.URL)
		seen[it.URL] = true
		assert.Equal(t, []string{"choice_1", "choice_2", "choice_3"}[i], it.ID)
	}
}

func TestOptimize_PrefersDistinctFrames(t *testing.T) {
	items := Optimize(sampleInput())
	frames := map[string]bool{}
	for _, it := range items {
		frames[it.FrameLabel] = true
	}
	assert.Len(t, frames, 3)

	// ed.gov is the first uncovered raw hit and a primary domain.
	var gov *types.ChoiceSetItem
	for i := range items {
		if items[i].Domain == "ed.gov" {
			gov = &items[i]
		}
	}
	require.NotNil(t, gov)
	assert.Equal(t, types.FrameMeasurement, gov.FrameLabel)
	assert.True(t, gov.IsPrimarySource)
	assert.True(t, gov.OpensMissingFrame)
}

func TestOptimize_Deterministic(t *testing.T) {
	in := sampleInput()
	first := Optimize(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Optimize(in))
	}
}

func TestOptimize_FallsBackToSearchLinks(t *testing.T) {
	items := Optimize(Input{Subject: "moon landing", Constraints: types.DefaultConstraints()})
	require.Len(t, items, Size)
	for _, it := range items {
		assert.True(t, retrieval.IsSearchFallbackURL(it.URL), it.URL)
	}
	assert.NotEqual(t, items[0].URL, items[1].URL)
	assert.NotEqual(t, items[1].URL, items[2].URL)
}

func TestOptimize_SkipsSearchFallbackCounterEvidence(t *testing.T) {
	fb := retrieval.SearchFallbackURL("x")
	in := Input{
		Subject:     "x",
		Constraints: types.DefaultConstraints(),
		Cards: []types.EvidenceCard{{
			ID:              "card_1",
			Evidence:        []types.EvidenceQuote{{URL: "https://a.example.com/1"}},
			CounterEvidence: []types.EvidenceQuote{{URL: fb}},
		}},
	}
	items := Optimize(in)
	require.Len(t, items, Size)
	assert.Equal(t, "https://a.example.com/1", items[0].URL)
	for _, it := range items {
		assert.NotEqual(t, fb, it.URL)
	}
}

func TestOptimize_HighDiversityRanksCounterFirst(t *testing.T) {
	in := sampleInput()
	in.Constraints.DiversityTarget = types.DiversityHigh
	items := Optimize(in)
	require.Len(t, items, Size)
	assert.Equal(t, types.FrameCounter, items[0].FrameLabel)
}

func TestInputFor_UsesLatestRun(t *testing.T) {
	in := sampleInput()
	s := &types.Session{
		Mode:          types.ModeClaimCheck,
		Claim:         "Free lunch raised test scores",
		Constraints:   in.Constraints,
		EvidenceCards: in.Cards,
		Trace: types.Trace{ToolCalls: []types.TraceQuery{
			{ID: "query_1", Results: []types.SearchHit{{URL: "https://old.example.gov/x"}}},
			{ID: "query_2", Results: []types.SearchHit{{URL: "https://old.example.org/y"}}},
			{ID: "query_3", Results: in.Hits[:2]},
			{ID: "query_4", Results: in.Hits[2:]},
		}},
	}

	got := InputFor(s)
	assert.Equal(t, "Free lunch raised test scores", got.Subject)
	assert.Len(t, got.Hits, 5)

	s.Trace.LastRun = &types.RunInputs{Topic: in.Subject, ToolCallIDs: []string{"query_3", "query_4"}}
	got = InputFor(s)
	assert.Equal(t, in.Subject, got.Subject)
	assert.Equal(t, in.Hits, got.Hits)
	assert.Equal(t, Optimize(in), Optimize(got))
}

func TestIsPrimaryDomain(t *testing.T) {
	assert.True(t, IsPrimaryDomain("cdc.gov"))
	assert.True(t, IsPrimaryDomain("stanford.edu"))
	assert.True(t, IsPrimaryDomain("ons.gov.uk"))
	assert.False(t, IsPrimaryDomain("govtrack.us"))
}
