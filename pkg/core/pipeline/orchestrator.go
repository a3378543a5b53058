// Package pipeline runs the evidence pipeline for a session: content
// extraction, claim extraction, retrieval, candidate fetch, card assembly,
// clustering and choice-set selection. Every stage writes the session back
// through store.Mutate so subscribers see each step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-evidence/pkg/core/choiceset"
	"github.com/vango-go/vai-evidence/pkg/core/extract"
	"github.com/vango-go/vai-evidence/pkg/core/ids"
	"github.com/vango-go/vai-evidence/pkg/core/retrieval"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

const (
	maxClaims     = 4
	perQueryCards = 4
	maxCandidates = 2 * perQueryCards
	fetchWorkers  = 4
	maxQuoteBytes = 320
)

const (
	purposeEvidence = "primary sources / methodology"
	purposeCounter  = "strongest counter-frame"
)

// PageSource reads cleaned page text. *retrieval.PageReader satisfies it.
type PageSource interface {
	Read(ctx context.Context, rawURL string) (*retrieval.Page, error)
}

// Orchestrator holds the collaborators of a pipeline run. It is safe for
// concurrent use across sessions; Runner keeps runs for one session apart.
type Orchestrator struct {
	Store     store.Store
	Publisher store.Publisher
	Pages     PageSource
	Claims    ClaimExtractor
	Searcher  retrieval.Searcher
	Validator retrieval.URLValidator
	IDs       *ids.Sequence
	Logger    *slog.Logger
	Now       func() time.Time
	Tracer    trace.Tracer

	ownIDs ids.Sequence
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return otel.Tracer("github.com/vango-go/vai-evidence/pkg/core/pipeline")
}

// seq falls back to a counter owned by this Orchestrator when IDs is unset.
func (o *Orchestrator) seq() *ids.Sequence {
	if o.IDs != nil {
		return o.IDs
	}
	return &o.ownIDs
}

func (o *Orchestrator) mutate(ctx context.Context, id string, fn store.MutateFunc) (*types.Session, error) {
	return store.Mutate(ctx, o.Store, o.Publisher, id, fn)
}

// errVanished stops a run whose session disappeared mid-flight.
var errVanished = errors.New("session vanished")

func (o *Orchestrator) step(ctx context.Context, id string, fn store.MutateFunc) (*types.Session, error) {
	s, err := o.mutate(ctx, id, fn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errVanished
	}
	return s, err
}

// Run executes the pipeline for sessionID and returns the final snapshot.
// It returns (nil, nil) when the session does not exist or vanished while
// running. Search, fetch and extraction failures degrade to empty results;
// only store failures are returned, and they leave the session at its last
// successful write.
func (o *Orchestrator) Run(ctx context.Context, sessionID, focus string) (*types.Session, error) {
	ctx, span := o.tracer().Start(ctx, "pipeline.Run", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	s, err := o.run(ctx, sessionID, strings.TrimSpace(focus))
	if errors.Is(err, errVanished) {
		o.logger().Info("pipeline session vanished", "session_id", sessionID)
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) run(ctx context.Context, id, focus string) (*types.Session, error) {
	start := o.now()
	s, err := o.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errVanished
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	log := o.logger().With("session_id", id)

	// 1. content
	page := o.extractContent(ctx, s, log)
	s, err = o.step(ctx, id, func(s *types.Session) error {
		s.Pipeline.ContentExtracted = true
		if s.Title == "" && page != nil && page.Title != "" {
			s.Title = page.Title
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 2. claims
	claims := o.extractClaims(ctx, s, page, focus, log)
	s, err = o.step(ctx, id, func(s *types.Session) error {
		s.Pipeline.ClaimsExtracted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 3. retrieval
	topic := focus
	if topic == "" && len(claims) > 0 {
		topic = claims[0].Text
	}
	if topic == "" {
		topic = s.Subject()
	}
	evidenceQ, counterQ := o.retrieve(ctx, s, topic)
	s, err = o.step(ctx, id, func(s *types.Session) error {
		s.Trace.ToolCalls = append(s.Trace.ToolCalls, evidenceQ, counterQ)
		s.Trace.LastRun = &types.RunInputs{Topic: topic, ToolCallIDs: []string{evidenceQ.ID, counterQ.ID}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 4. candidates
	pages := o.fetchCandidates(ctx, candidateURLs(evidenceQ.Results, counterQ.Results), log)

	// 5. cards
	cards, inputs := o.assembleCards(s, claims, evidenceQ, counterQ, pages)
	s, err = o.step(ctx, id, func(s *types.Session) error {
		s.EvidenceCards = cards
		if s.Trace.CardInputs == nil {
			s.Trace.CardInputs = map[string]types.CardInputs{}
		}
		for cardID, in := range inputs {
			s.Trace.CardInputs[cardID] = in
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 6. clusters
	clusters := o.buildClusters(cards)
	s, err = o.step(ctx, id, func(s *types.Session) error {
		s.Clusters = clusters
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 7. choice set
	s, err = o.step(ctx, id, func(s *types.Session) error {
		s.ChoiceSet = choiceset.Optimize(choiceset.InputFor(s))
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 8. finalize
	elapsed := o.now().Sub(start).Milliseconds()
	s, err = o.step(ctx, id, func(s *types.Session) error {
		s.Epistemic = Epistemic(s.EvidenceCards, elapsed)
		s.Pipeline.EvidenceBuilding = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("pipeline complete", "cards", len(s.EvidenceCards), "latency_ms", elapsed)
	return s, nil
}

func (o *Orchestrator) extractContent(ctx context.Context, s *types.Session, log *slog.Logger) *retrieval.Page {
	if s.Mode != types.ModeCoReading || s.URL == "" || o.Pages == nil {
		return nil
	}
	ctx, span := o.tracer().Start(ctx, "pipeline.content")
	defer span.End()
	page, err := o.Pages.Read(ctx, s.URL)
	if err != nil {
		span.RecordError(err)
		log.Warn("content extraction failed", "url", s.URL, "error", err)
		return nil
	}
	return page
}

func (o *Orchestrator) extractClaims(ctx context.Context, s *types.Session, page *retrieval.Page, focus string, log *slog.Logger) []Claim {
	ctx, span := o.tracer().Start(ctx, "pipeline.claims")
	defer span.End()

	text := ""
	if page != nil {
		text = page.Text
	}
	for _, v := range []string{s.Claim, s.Title, s.URL} {
		if strings.TrimSpace(text) != "" {
			break
		}
		text = v
	}

	var claims []Claim
	if o.Claims != nil && strings.TrimSpace(text) != "" {
		var err error
		claims, err = o.Claims.ExtractClaims(ctx, ClaimInput{
			Mode:    s.Mode,
			Subject: s.Subject(),
			Text:    text,
			Focus:   focus,
			Max:     maxClaims,
		})
		if err != nil {
			span.RecordError(err)
			log.Warn("claim extraction failed", "error", err)
			claims = nil
		}
	}

	out := claims[:0:0]
	for _, c := range claims {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			continue
		}
		if c.Type == "" {
			c.Type = ClassifyDisagreement(c.Text)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		switch {
		case s.URL != "":
			out = append(out, DefaultClaim(s.Subject()))
		case s.Claim != "":
			out = append(out, Claim{Text: s.Claim, Type: ClassifyDisagreement(s.Claim)})
		}
	}
	if len(out) > maxClaims {
		out = out[:maxClaims]
	}
	span.SetAttributes(attribute.Int("claims", len(out)))
	return out
}

func (o *Orchestrator) retrieve(ctx context.Context, s *types.Session, topic string) (types.TraceQuery, types.TraceQuery) {
	ctx, span := o.tracer().Start(ctx, "pipeline.retrieval")
	defer span.End()

	c := s.Constraints
	meta := types.TraceMetadata{
		DiversityTarget:      c.DiversityTarget,
		PreferPrimarySources: c.PrefersPrimary(),
		MaxCitations:         c.MaxCitations,
		SourcePreferences:    append([]types.SourcePreference{}, c.SourcePreferences...),
	}
	opts := retrieval.SearchOptions{
		MaxResults:        c.MaxCitations,
		PreferPrimary:     c.PrefersPrimary(),
		Diversity:         c.DiversityTarget,
		SourcePreferences: c.SourcePreferences,
	}
	if opts.MaxResults < perQueryCards {
		opts.MaxResults = perQueryCards
	}

	queries := []types.TraceQuery{
		{ID: o.seq().Next("query"), Purpose: purposeEvidence, Query: topic + " primary sources methodology data", Metadata: meta},
		{ID: o.seq().Next("query"), Purpose: purposeCounter, Query: topic + " strongest counter-argument criticism", Metadata: meta},
	}
	searcher := o.Searcher
	if searcher == nil {
		searcher = retrieval.NopSearcher{}
	}

	var g errgroup.Group
	for i := range queries {
		q := &queries[i]
		q.Tool = searcher.Name()
		g.Go(func() error {
			started := o.now()
			q.StartedAtMs = started.UnixMilli()
			hits, err := searcher.Search(ctx, q.Query, opts)
			q.DurationMs = o.now().Sub(started).Milliseconds()
			if err != nil {
				q.Error = err.Error()
				o.logger().Warn("search failed", "session_id", s.SessionID, "purpose", q.Purpose, "error", err)
				hits = nil
			}
			q.Results = retrieval.NormalizeHits(hits, perQueryCards)
			if q.Results == nil {
				q.Results = []types.SearchHit{}
			}
			return nil
		})
	}
	_ = g.Wait()
	return queries[0], queries[1]
}

// candidateURLs dedupes hits by URL across both result sets, evidence
// first, capped at maxCandidates.
func candidateURLs(sets ...[]types.SearchHit) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, hits := range sets {
		for _, h := range hits {
			if len(out) == maxCandidates {
				return out
			}
			if _, ok := seen[h.URL]; ok || h.URL == "" {
				continue
			}
			seen[h.URL] = struct{}{}
			out = append(out, h.URL)
		}
	}
	return out
}

// fetchCandidates validates every URL, then drains the survivors through a
// fixed pool of fetchWorkers.
func (o *Orchestrator) fetchCandidates(ctx context.Context, urls []string, log *slog.Logger) map[string]*retrieval.Page {
	ctx, span := o.tracer().Start(ctx, "pipeline.fetch", trace.WithAttributes(attribute.Int("candidates", len(urls))))
	defer span.End()

	pages := make(map[string]*retrieval.Page)
	if o.Pages == nil || len(urls) == 0 {
		return pages
	}

	queue := make(chan string, len(urls))
	for _, u := range urls {
		if o.Validator != nil {
			if _, err := o.Validator.Validate(ctx, u); err != nil {
				log.Warn("candidate rejected", "url", u, "error", err)
				continue
			}
		}
		queue <- u
	}
	close(queue)

	var mu sync.Mutex
	var g errgroup.Group
	for range fetchWorkers {
		g.Go(func() error {
			for u := range queue {
				p, err := o.Pages.Read(ctx, u)
				if err != nil {
					log.Debug("candidate fetch failed", "url", u, "error", err)
					continue
				}
				mu.Lock()
				pages[u] = p
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("fetched", len(pages)))
	return pages
}

func (o *Orchestrator) assembleCards(s *types.Session, claims []Claim, evidenceQ, counterQ types.TraceQuery, pages map[string]*retrieval.Page) ([]types.EvidenceCard, map[string]types.CardInputs) {
	cards := make([]types.EvidenceCard, 0, len(claims))
	inputs := make(map[string]types.CardInputs, len(claims))

	for i, claim := range claims {
		card := types.EvidenceCard{
			ID:               o.seq().Next("card"),
			ClaimText:        claim.Text,
			DisagreementType: claim.Type,
			Evidence:         []types.EvidenceQuote{},
			CounterEvidence:  []types.EvidenceQuote{},
			TraceRef:         evidenceQ.ID,
		}
		var used []string

		if i < len(evidenceQ.Results) {
			card.Evidence = append(card.Evidence, quoteFor(evidenceQ.Results[i], pages, claim.Text))
			used = append(used, evidenceQ.ID)
		} else {
			card.Evidence = append(card.Evidence, fallbackQuote(s, claim.Text))
		}
		if i < len(counterQ.Results) {
			card.CounterEvidence = append(card.CounterEvidence, quoteFor(counterQ.Results[i], pages, claim.Text))
			used = append(used, counterQ.ID)
		}
		if len(used) == 0 {
			used = []string{evidenceQ.ID}
		}

		if len(card.Evidence) > 0 && len(card.CounterEvidence) > 0 {
			card.Confidence = types.ConfidenceMedium
		} else {
			card.Confidence = types.ConfidenceLow
		}
		cards = append(cards, card)
		inputs[card.ID] = types.CardInputs{ToolCallIDs: used}
	}
	return cards, inputs
}

// fallbackQuote keeps the epistemic contract when no search hit exists:
// co-reading cites the article itself, claim-check cites a search link.
func fallbackQuote(s *types.Session, claim string) types.EvidenceQuote {
	if s.Mode == types.ModeCoReading && s.URL != "" {
		title := s.Title
		if title == "" {
			title = s.Domain
		}
		return types.EvidenceQuote{
			Quote:  "Source article; no independent source found yet.",
			URL:    s.URL,
			Title:  title,
			Domain: s.Domain,
		}
	}
	u := retrieval.SearchFallbackURL(claim)
	return types.EvidenceQuote{
		Quote:  "No direct source found; search for this claim.",
		URL:    u,
		Title:  "Search: " + extract.Truncate(claim, 120),
		Domain: types.DomainOf(u),
	}
}

// quoteFor picks the page sentence sharing the most words with the claim,
// else the search snippet, else the title.
func quoteFor(hit types.SearchHit, pages map[string]*retrieval.Page, claim string) types.EvidenceQuote {
	q := types.EvidenceQuote{URL: hit.URL, Title: hit.Title, Domain: hit.Domain}
	if q.Domain == "" {
		q.Domain = types.DomainOf(hit.URL)
	}
	if p := pages[hit.URL]; p != nil {
		if q.Title == "" {
			q.Title = p.Title
		}
		q.Quote = bestSentence(p.Text, claim)
	}
	if q.Quote == "" {
		q.Quote = hit.Snippet
	}
	if q.Quote == "" {
		q.Quote = q.Title
	}
	q.Quote = extract.Truncate(extract.Sanitize(q.Quote), maxQuoteBytes)
	return q
}

func bestSentence(text, claim string) string {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(claim)) {
		if len(w) > 3 {
			words[strings.Trim(w, ".,;:!?\"'()")] = struct{}{}
		}
	}
	best, bestScore := "", 0
	for _, sentence := range extract.Sentences(text) {
		score := 0
		for _, w := range strings.Fields(strings.ToLower(sentence)) {
			if _, ok := words[strings.Trim(w, ".,;:!?\"'()")]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = sentence, score
		}
	}
	return best
}

func (o *Orchestrator) buildClusters(cards []types.EvidenceCard) []types.DisagreementCluster {
	var order []types.DisagreementType
	byType := make(map[types.DisagreementType][]types.EvidenceCard)
	for _, c := range cards {
		if _, ok := byType[c.DisagreementType]; !ok {
			order = append(order, c.DisagreementType)
		}
		byType[c.DisagreementType] = append(byType[c.DisagreementType], c)
	}

	clusters := make([]types.DisagreementCluster, 0, len(order))
	for _, t := range order {
		group := byType[t]
		cl := types.DisagreementCluster{
			ID:               o.seq().Next("cluster"),
			DisagreementType: t,
			ClaimIDs:         make([]string, 0, len(group)),
			SourceDomains:    map[string]int{},
		}
		for _, c := range group {
			cl.ClaimIDs = append(cl.ClaimIDs, c.ID)
			for _, q := range append(append([]types.EvidenceQuote{}, c.Evidence...), c.CounterEvidence...) {
				if q.Domain == "" || retrieval.IsSearchFallbackURL(q.URL) {
					continue
				}
				cl.SourceDomains[q.Domain]++
			}
		}
		cl.WhatsMissing = WhatsMissing(group, cl.SourceDomains)
		clusters = append(clusters, cl)
	}
	return clusters
}

// WhatsMissing lists the gaps a reader should know about for one cluster.
func WhatsMissing(cards []types.EvidenceCard, domains map[string]int) []string {
	out := []string{}
	noCounter, searchOnly := 0, 0
	for _, c := range cards {
		if len(c.CounterEvidence) == 0 {
			noCounter++
		}
		if len(c.Evidence) > 0 && retrieval.IsSearchFallbackURL(c.Evidence[0].URL) {
			searchOnly++
		}
	}
	if noCounter > 0 {
		out = append(out, fmt.Sprintf("Opposing evidence for %d claim(s)", noCounter))
	}
	if searchOnly > 0 {
		out = append(out, fmt.Sprintf("A direct source for %d claim(s); only a search link was found", searchOnly))
	}
	primary := false
	for d := range domains {
		if choiceset.IsPrimaryDomain(d) {
			primary = true
			break
		}
	}
	if !primary {
		out = append(out, "A primary or official source (.gov / .edu)")
	}
	if len(domains) == 1 {
		for d := range domains {
			out = append(out, "Independent sources beyond "+d)
		}
	}
	return out
}

// Epistemic computes the finalize counters. Latency is a single sample, so
// current and p50 are equal.
func Epistemic(cards []types.EvidenceCard, elapsedMs int64) types.Epistemic {
	var e types.Epistemic
	for _, c := range cards {
		if len(c.Evidence) == 0 || len(c.CounterEvidence) == 0 {
			e.UnsupportedClaims++
		}
		e.CitationsUsed += len(c.Evidence) + len(c.CounterEvidence)
	}
	e.LatencyMs = types.LatencyMs{Current: elapsedMs, P50: elapsedMs}
	return e
}
