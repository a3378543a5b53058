// Package choiceset selects the three recommended next sources for a
// session. Selection is a pure function of its input.
package choiceset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vango-go/vai-evidence/pkg/core/retrieval"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// Size is the exact number of items Optimize returns.
const Size = 3

type Input struct {
	Cards       []types.EvidenceCard
	Hits        []types.SearchHit
	Constraints types.Constraints
	// Subject seeds the search-fallback entries.
	Subject string
}

// InputFor builds the optimizer input for s. Once a pipeline run has
// recorded its topic and queries, those are used so a later regenerate
// selects from the same pool the run did.
func InputFor(s *types.Session) Input {
	in := Input{Cards: s.EvidenceCards, Constraints: s.Constraints, Subject: s.Subject()}
	if last := s.Trace.LastRun; last != nil {
		in.Hits = s.Trace.HitsFor(last.ToolCallIDs)
		if last.Topic != "" {
			in.Subject = last.Topic
		}
		return in
	}
	in.Hits = s.Trace.Hits()
	return in
}

type candidate struct {
	url    string
	title  string
	domain string
	frame  string
	reason string
	score  int
}

// Optimize returns exactly Size items. Candidates are scored, stable-sorted
// by score, then chosen greedily: one per frame label, then one per unused
// domain, then best remaining. Deterministic search fallbacks fill any gap.
func Optimize(in Input) []types.ChoiceSetItem {
	pool := buildPool(in)
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].score > pool[j].score })

	chosen := make([]candidate, 0, Size)
	used := make(map[int]bool, Size)
	usedFrames := make(map[string]bool)
	usedDomains := make(map[string]bool)
	take := func(i int) {
		used[i] = true
		usedFrames[pool[i].frame] = true
		usedDomains[pool[i].domain] = true
		chosen = append(chosen, pool[i])
	}

	for i, c := range pool {
		if len(chosen) == Size {
			break
		}
		if !usedFrames[c.frame] {
			take(i)
		}
	}
	for i, c := range pool {
		if len(chosen) == Size {
			break
		}
		if !used[i] && !usedDomains[c.domain] {
			take(i)
		}
	}
	for i := range pool {
		if len(chosen) == Size {
			break
		}
		if !used[i] {
			take(i)
		}
	}

	if len(chosen) < Size {
		have := make(map[string]bool, len(chosen))
		for _, c := range chosen {
			have[c.url] = true
		}
		for _, fb := range fallbacks(in.Subject) {
			if len(chosen) == Size {
				break
			}
			if !have[fb.url] {
				have[fb.url] = true
				chosen = append(chosen, fb)
			}
		}
	}

	out := make([]types.ChoiceSetItem, 0, Size)
	for i, c := range chosen {
		title := c.title
		if title == "" {
			title = c.domain
		}
		out = append(out, types.ChoiceSetItem{
			ID:                fmt.Sprintf("choice_%d", i+1),
			Title:             title,
			URL:               c.url,
			Domain:            c.domain,
			FrameLabel:        c.frame,
			Reason:            c.reason,
			OpensMissingFrame: c.frame == types.FrameCounter || c.frame == types.FrameMeasurement,
			IsPrimarySource:   IsPrimaryDomain(c.domain),
		})
	}
	return out
}

func buildPool(in Input) []candidate {
	var pool []candidate
	seen := make(map[string]bool)
	add := func(c candidate) {
		c.url = strings.TrimSpace(c.url)
		if c.url == "" || seen[c.url] {
			return
		}
		seen[c.url] = true
		if c.domain == "" {
			c.domain = types.DomainOf(c.url)
		}
		if IsPrimaryDomain(c.domain) {
			c.score++
		}
		if c.frame == types.FrameCounter && in.Constraints.DiversityTarget == types.DiversityHigh {
			c.score++
		}
		pool = append(pool, c)
	}

	for _, card := range in.Cards {
		for _, q := range card.Evidence {
			add(candidate{
				url: q.URL, title: q.Title, domain: q.Domain, frame: types.FrameCorroboration, score: 2,
				reason: "Supporting evidence for: " + shorten(card.ClaimText),
			})
		}
	}
	for _, card := range in.Cards {
		for _, q := range card.CounterEvidence {
			if retrieval.IsSearchFallbackURL(q.URL) {
				continue
			}
			add(candidate{
				url: q.URL, title: q.Title, domain: q.Domain, frame: types.FrameCounter, score: 3,
				reason: "Strongest opposing source for: " + shorten(card.ClaimText),
			})
		}
	}
	raw := 0
	for _, h := range in.Hits {
		if strings.TrimSpace(h.URL) == "" || seen[strings.TrimSpace(h.URL)] {
			continue
		}
		c := candidate{url: h.URL, title: h.Title, domain: h.Domain, score: 1}
		switch raw {
		case 0:
			c.frame = types.FrameMeasurement
			c.reason = "Explains how the key terms are defined and measured"
		case 1:
			c.frame = types.FrameCounter
			c.reason = "Offers a frame the evidence cards do not cover"
		default:
			c.frame = types.FrameCorroboration
			c.reason = "Additional independent coverage"
		}
		raw++
		add(c)
	}
	return pool
}

func fallbacks(subject string) []candidate {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "this claim"
	}
	mk := func(suffix, frame, reason string) candidate {
		u := retrieval.SearchFallbackURL(subject + " " + suffix)
		return candidate{url: u, title: "Search: " + subject + " " + suffix, domain: types.DomainOf(u), frame: frame, reason: reason}
	}
	return []candidate{
		mk("primary source", types.FrameCorroboration, "No direct source found yet; search for the primary source"),
		mk("criticism", types.FrameCounter, "No opposing source found yet; search for the strongest critique"),
		mk("definition methodology", types.FrameMeasurement, "Search for how the key terms are defined and measured"),
	}
}

// IsPrimaryDomain reports .gov and .edu hosts.
func IsPrimaryDomain(domain string) bool {
	d := strings.ToLower(strings.TrimSuffix(domain, "."))
	return strings.HasSuffix(d, ".gov") || strings.HasSuffix(d, ".edu") || strings.Contains(d, ".gov.") || strings.Contains(d, ".edu.")
}

func shorten(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 120 {
		return s
	}
	return types.TruncateUTF8(s, 117) + "..."
}
