package types

import (
	"maps"
	"slices"
	"strings"
)

type DisagreementType string

const (
	DisagreementFactual    DisagreementType = "Factual"
	DisagreementCausal     DisagreementType = "Causal"
	DisagreementDefinition DisagreementType = "Definition"
	DisagreementValues     DisagreementType = "Values"
	DisagreementPrediction DisagreementType = "Prediction"
)

// ParseDisagreementType maps free-form labels onto the closed set, defaulting
// to Factual.
func ParseDisagreementType(s string) DisagreementType {
	switch DisagreementType(s) {
	case DisagreementFactual, DisagreementCausal, DisagreementDefinition, DisagreementValues, DisagreementPrediction:
		return DisagreementType(s)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "factual", "fact":
		return DisagreementFactual
	case "causal", "cause":
		return DisagreementCausal
	case "definition", "definitional":
		return DisagreementDefinition
	case "values", "value", "normative":
		return DisagreementValues
	case "prediction", "predictive", "forecast":
		return DisagreementPrediction
	}
	return DisagreementFactual
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

type EvidenceQuote struct {
	Quote  string `json:"quote"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// EvidenceCard pairs a claim with supporting and opposing quotes. A surfaced
// card always carries at least one Evidence quote with a non-empty URL.
type EvidenceCard struct {
	ID               string           `json:"id"`
	ClaimText        string           `json:"claimText"`
	DisagreementType DisagreementType `json:"disagreementType"`
	Confidence       Confidence       `json:"confidence"`
	Evidence         []EvidenceQuote  `json:"evidence"`
	CounterEvidence  []EvidenceQuote  `json:"counterEvidence"`
	Pinned           bool             `json:"pinned,omitempty"`
	TraceRef         string           `json:"traceRef"`
}

func (c EvidenceCard) clone() EvidenceCard {
	c.Evidence = slices.Clone(c.Evidence)
	c.CounterEvidence = slices.Clone(c.CounterEvidence)
	return c
}

type DisagreementCluster struct {
	ID               string           `json:"id"`
	DisagreementType DisagreementType `json:"disagreementType"`
	ClaimIDs         []string         `json:"claimIds"`
	SourceDomains    map[string]int   `json:"sourceDomains"`
	WhatsMissing     []string         `json:"whatsMissing"`
}

func (c DisagreementCluster) clone() DisagreementCluster {
	c.ClaimIDs = slices.Clone(c.ClaimIDs)
	c.SourceDomains = maps.Clone(c.SourceDomains)
	c.WhatsMissing = slices.Clone(c.WhatsMissing)
	return c
}

// Frame labels used by the choice set.
const (
	FrameCorroboration = "Corroboration"
	FrameCounter       = "Counter-frame"
	FrameMeasurement   = "Measurement/definitions"
)

type ChoiceSetItem struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	URL               string `json:"url"`
	Domain            string `json:"domain"`
	FrameLabel        string `json:"frameLabel"`
	Reason            string `json:"reason"`
	OpensMissingFrame bool   `json:"opensMissingFrame"`
	IsPrimarySource   bool   `json:"isPrimarySource,omitempty"`
}

// SearchHit is one normalized search result.
type SearchHit struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// TraceMetadata records the constraints a retrieval call ran under.
type TraceMetadata struct {
	DiversityTarget      DiversityTarget    `json:"diversityTarget"`
	PreferPrimarySources bool               `json:"preferPrimarySources"`
	MaxCitations         int                `json:"maxCitations"`
	SourcePreferences    []SourcePreference `json:"sourcePreferences,omitempty"`
}

// TraceQuery is one recorded retrieval call.
type TraceQuery struct {
	ID          string        `json:"id"`
	Tool        string        `json:"tool"`
	Purpose     string        `json:"purpose"`
	Query       string        `json:"query"`
	Metadata    TraceMetadata `json:"metadata"`
	Results     []SearchHit   `json:"results"`
	StartedAtMs int64         `json:"startedAtMs"`
	DurationMs  int64         `json:"durationMs"`
	Error       string        `json:"error,omitempty"`
}

type CardInputs struct {
	ToolCallIDs []string `json:"toolCallIds"`
}

// RunInputs records what the latest pipeline run fed the choice-set
// optimizer.
type RunInputs struct {
	Topic       string   `json:"topic"`
	ToolCallIDs []string `json:"toolCallIds"`
}

// Trace is the append-only audit log correlating cards with the retrieval
// calls that produced them.
type Trace struct {
	ToolCalls  []TraceQuery          `json:"toolCalls"`
	CardInputs map[string]CardInputs `json:"cardInputs"`
	LastRun    *RunInputs            `json:"lastRun,omitempty"`
}

func (t Trace) clone() Trace {
	out := Trace{
		ToolCalls:  make([]TraceQuery, len(t.ToolCalls)),
		CardInputs: make(map[string]CardInputs, len(t.CardInputs)),
	}
	for i, q := range t.ToolCalls {
		q.Results = slices.Clone(q.Results)
		q.Metadata.SourcePreferences = slices.Clone(q.Metadata.SourcePreferences)
		out.ToolCalls[i] = q
	}
	for k, v := range t.CardInputs {
		out.CardInputs[k] = CardInputs{ToolCallIDs: slices.Clone(v.ToolCallIDs)}
	}
	if t.LastRun != nil {
		out.LastRun = &RunInputs{Topic: t.LastRun.Topic, ToolCallIDs: slices.Clone(t.LastRun.ToolCallIDs)}
	}
	return out
}

// HitsFor returns the results of the named calls, in the order given.
func (t Trace) HitsFor(ids []string) []SearchHit {
	var out []SearchHit
	for _, id := range ids {
		for _, q := range t.ToolCalls {
			if q.ID == id {
				out = append(out, q.Results...)
				break
			}
		}
	}
	return out
}

// Hits returns every recorded search result in call order.
func (t Trace) Hits() []SearchHit {
	var out []SearchHit
	for _, q := range t.ToolCalls {
		out = append(out, q.Results...)
	}
	return out
}
