package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewSession_Defaults(t *testing.T) {
	s, err := NewSession(NewSessionParams{
		ID:          "s1",
		CreatedAtMs: 10,
		Mode:        ModeCoReading,
		URL:         "https://www.Example.com/article",
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if s.Domain != "example.com" {
		t.Fatalf("domain=%q", s.Domain)
	}
	if s.Pipeline != (PipelineState{}) {
		t.Fatalf("pipeline=%+v", s.Pipeline)
	}
	if s.Constraints.DiversityTarget != DiversityMedium || s.Constraints.MaxCitations != 5 || !s.Constraints.ShowLowConfidence {
		t.Fatalf("constraints=%+v", s.Constraints)
	}
	if len(s.Constraints.SourcePreferences) != 1 || s.Constraints.SourcePreferences[0] != SourcePrimary {
		t.Fatalf("sourcePreferences=%v", s.Constraints.SourcePreferences)
	}

	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"sessionId":"s1"`, `"evidenceCards":[]`, `"choiceSet":[]`, `"wsState":"offline"`} {
		if !strings.Contains(string(b), key) {
			t.Fatalf("json missing %s: %s", key, b)
		}
	}
}

func TestNewSession_Validation(t *testing.T) {
	cases := []struct {
		name  string
		p     NewSessionParams
		param string
	}{
		{name: "missing mode", p: NewSessionParams{URL: "https://example.com"}, param: "mode"},
		{name: "bad mode", p: NewSessionParams{Mode: "lecture"}, param: "mode"},
		{name: "co-reading without url", p: NewSessionParams{Mode: ModeCoReading}, param: "url"},
		{name: "bad url", p: NewSessionParams{Mode: ModeCoReading, URL: "file:///etc/passwd"}, param: "url"},
		{name: "empty claim-check", p: NewSessionParams{Mode: ModeClaimCheck}, param: "claim"},
		{
			name:  "bad constraints",
			p:     NewSessionParams{Mode: ModeClaimCheck, Claim: "x", Constraints: &Constraints{DiversityTarget: DiversityLow, MaxCitations: 4}},
			param: "constraints.maxCitations",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSession(tc.p)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err=%v, want ValidationError", err)
			}
			if ve.Param != tc.param {
				t.Fatalf("param=%q, want %q", ve.Param, tc.param)
			}
		})
	}
}

func TestConstraintsPatch_Apply(t *testing.T) {
	high := DiversityHigh
	eight := 8
	prefs := []SourcePreference{SourceAcademic, SourceNews}
	out, err := ConstraintsPatch{DiversityTarget: &high, MaxCitations: &eight, SourcePreferences: &prefs}.Apply(DefaultConstraints())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.DiversityTarget != DiversityHigh || out.MaxCitations != 8 || len(out.SourcePreferences) != 2 {
		t.Fatalf("out=%+v", out)
	}
	if out.PrefersPrimary() {
		t.Fatal("academic/news should not prefer primary")
	}

	bad := 7
	orig := DefaultConstraints()
	got, err := ConstraintsPatch{MaxCitations: &bad}.Apply(orig)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got.MaxCitations != orig.MaxCitations {
		t.Fatalf("failed patch changed constraints: %+v", got)
	}

	dup := []SourcePreference{SourcePrimary, SourcePrimary}
	if _, err := (ConstraintsPatch{SourcePreferences: &dup}).Apply(orig); err == nil {
		t.Fatal("expected duplicate preference error")
	}
}

func TestAppendTranscript_MergesSameTurnInPlace(t *testing.T) {
	s := &Session{}
	s.AppendTranscript(TranscriptChunk{Speaker: SpeakerUser, Text: "hel", TimestampMs: 100, IsPartial: true, TurnID: "t1"}, TranscriptLimits{})
	s.AppendTranscript(TranscriptChunk{Speaker: SpeakerAgent, Text: "hi", TimestampMs: 110, TurnID: "t0"}, TranscriptLimits{})
	got := s.AppendTranscript(TranscriptChunk{Speaker: SpeakerUser, Text: "hello", TimestampMs: 120, TurnID: "t1"}, TranscriptLimits{})

	if len(s.Transcript) != 2 {
		t.Fatalf("len=%d, want 2", len(s.Transcript))
	}
	first := s.Transcript[0]
	if first.Text != "hello" || first.IsPartial || first.TurnID != "t1" {
		t.Fatalf("first=%+v", first)
	}
	if got.ID != first.ID {
		t.Fatalf("merged id=%q, stored id=%q", got.ID, first.ID)
	}
}

func TestAppendTranscript_PartialDoesNotOverwriteFinal(t *testing.T) {
	s := &Session{}
	s.AppendTranscript(TranscriptChunk{Speaker: SpeakerAgent, Text: "done", TimestampMs: 200, TurnID: "t1"}, TranscriptLimits{})
	s.AppendTranscript(TranscriptChunk{Speaker: SpeakerAgent, Text: "do", TimestampMs: 300, IsPartial: true, TurnID: "t1"}, TranscriptLimits{})
	if len(s.Transcript) != 1 || s.Transcript[0].Text != "done" {
		t.Fatalf("transcript=%+v", s.Transcript)
	}
}

func TestAppendTranscript_TimestampsNonDecreasing(t *testing.T) {
	s := &Session{}
	s.AppendTranscript(TranscriptChunk{Speaker: SpeakerUser, Text: "a", TimestampMs: 500, IsPartial: true, TurnID: "t1"}, TranscriptLimits{})
	s.AppendTranscript(TranscriptChunk{Speaker: SpeakerUser, Text: "ab", TimestampMs: 400, TurnID: "t1"}, TranscriptLimits{})
	if s.Transcript[0].TimestampMs != 500 {
		t.Fatalf("timestamp=%d, want 500", s.Transcript[0].TimestampMs)
	}
}

func TestAppendTranscript_Caps(t *testing.T) {
	s := &Session{}
	limits := TranscriptLimits{MaxChunks: 3, MaxTextBytes: 2}
	for i, turn := range []string{"a", "b", "c", "d", "e"} {
		s.AppendTranscript(TranscriptChunk{Speaker: SpeakerUser, Text: "héllo", TimestampMs: int64(i), TurnID: turn}, limits)
	}
	if len(s.Transcript) != 3 {
		t.Fatalf("len=%d, want 3", len(s.Transcript))
	}
	if s.Transcript[0].TurnID != "c" || s.Transcript[2].TurnID != "e" {
		t.Fatalf("kept=%+v", s.Transcript)
	}
	if s.Transcript[0].Text != "h" {
		t.Fatalf("text=%q", s.Transcript[0].Text)
	}
}

func TestClone_IsDeep(t *testing.T) {
	s := &Session{
		EvidenceCards: []EvidenceCard{{ID: "c1", Evidence: []EvidenceQuote{{URL: "https://a"}}}},
		Clusters:      []DisagreementCluster{{ID: "k1", SourceDomains: map[string]int{"a": 1}}},
		Trace:         Trace{CardInputs: map[string]CardInputs{"c1": {ToolCallIDs: []string{"q1"}}}},
	}
	c := s.Clone()
	c.EvidenceCards[0].Evidence[0].URL = "changed"
	c.Clusters[0].SourceDomains["a"] = 9
	c.Trace.CardInputs["c1"].ToolCallIDs[0] = "changed"
	if !c.TogglePin("c1") {
		t.Fatal("toggle pin failed")
	}

	if s.EvidenceCards[0].Evidence[0].URL != "https://a" || s.EvidenceCards[0].Pinned {
		t.Fatalf("card mutated: %+v", s.EvidenceCards[0])
	}
	if s.Clusters[0].SourceDomains["a"] != 1 {
		t.Fatal("cluster mutated")
	}
	if s.Trace.CardInputs["c1"].ToolCallIDs[0] != "q1" {
		t.Fatal("trace mutated")
	}
}

func TestParseDisagreementType(t *testing.T) {
	cases := map[string]DisagreementType{
		"Causal":     DisagreementCausal,
		"predictive": DisagreementPrediction,
		" VALUES ":   DisagreementValues,
		"":           DisagreementFactual,
		"weird":      DisagreementFactual,
	}
	for in, want := range cases {
		if got := ParseDisagreementType(in); got != want {
			t.Fatalf("ParseDisagreementType(%q)=%q, want %q", in, got, want)
		}
	}
}
