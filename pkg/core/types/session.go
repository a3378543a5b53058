package types

import (
	"net/url"
	"strings"
)

// Mode selects what a session is about.
type Mode string

const (
	ModeCoReading  Mode = "co-reading"
	ModeClaimCheck Mode = "claim-check"
)

// WSState is the transport-liveness indicator for the live relay. It says
// nothing about pipeline progress.
type WSState string

const (
	WSStateConnected    WSState = "connected"
	WSStateReconnecting WSState = "reconnecting"
	WSStateOffline      WSState = "offline"
)

// PipelineState holds the three pipeline flags. ContentExtracted and
// ClaimsExtracted only move to true; EvidenceBuilding flips back to false
// when a run completes.
type PipelineState struct {
	ContentExtracted bool `json:"contentExtracted"`
	ClaimsExtracted  bool `json:"claimsExtracted"`
	EvidenceBuilding bool `json:"evidenceBuilding"`
}

// LatencyMs records pipeline wall time.
type LatencyMs struct {
	Current int64 `json:"current"`
	P50     int64 `json:"p50"`
}

// Epistemic holds the counters computed when a run finalizes.
type Epistemic struct {
	UnsupportedClaims int       `json:"unsupportedClaims"`
	CitationsUsed     int       `json:"citationsUsed"`
	LatencyMs         LatencyMs `json:"latencyMs"`
}

// Session is the root aggregate, one per analysis/conversation.
type Session struct {
	SessionID   string `json:"sessionId"`
	CreatedAtMs int64  `json:"createdAtMs"`
	// Revision counts successful writes through store.Mutate.
	Revision    int64  `json:"revision"`
	Mode        Mode   `json:"mode"`
	URL         string `json:"url,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Title       string `json:"title,omitempty"`
	Claim       string `json:"claim,omitempty"`

	Constraints Constraints       `json:"constraints"`
	Pipeline    PipelineState     `json:"pipeline"`
	WSState     WSState           `json:"wsState"`
	Transcript  []TranscriptChunk `json:"transcript"`

	EvidenceCards []EvidenceCard        `json:"evidenceCards"`
	Clusters      []DisagreementCluster `json:"clusters"`
	ChoiceSet     []ChoiceSetItem       `json:"choiceSet"`
	Trace         Trace                 `json:"trace"`
	Epistemic     Epistemic             `json:"epistemic"`
}

// SessionSummary is the list-view projection of a Session.
type SessionSummary struct {
	SessionID        string `json:"sessionId"`
	CreatedAtMs      int64  `json:"createdAtMs"`
	Mode             Mode   `json:"mode"`
	URL              string `json:"url,omitempty"`
	Domain           string `json:"domain,omitempty"`
	Title            string `json:"title,omitempty"`
	EvidenceBuilding bool   `json:"evidenceBuilding"`
	CardCount        int    `json:"cardCount"`
}

// NewSessionParams are the caller-supplied fields of a new session.
type NewSessionParams struct {
	ID          string
	CreatedAtMs int64
	Mode        Mode
	URL         string
	Claim       string
	Title       string
	Constraints *Constraints
}

// NewSession builds an empty session: all pipeline flags false, no cards.
func NewSession(p NewSessionParams) (*Session, error) {
	switch p.Mode {
	case ModeCoReading, ModeClaimCheck:
	case "":
		return nil, validationErr("mode", "mode is required")
	default:
		return nil, validationErr("mode", "mode must be one of co-reading, claim-check")
	}

	rawURL := strings.TrimSpace(p.URL)
	domain := ""
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, validationErr("url", "url must be an absolute http(s) url")
		}
		domain = DomainOf(rawURL)
	}
	claim := strings.TrimSpace(p.Claim)
	if p.Mode == ModeCoReading && rawURL == "" {
		return nil, validationErr("url", "url is required for co-reading sessions")
	}
	if p.Mode == ModeClaimCheck && claim == "" && rawURL == "" && strings.TrimSpace(p.Title) == "" {
		return nil, validationErr("claim", "claim-check sessions need a claim, title or url")
	}

	constraints := DefaultConstraints()
	if p.Constraints != nil {
		if err := p.Constraints.Validate(); err != nil {
			return nil, err
		}
		constraints = p.Constraints.Clone()
	}

	return &Session{
		SessionID:     p.ID,
		CreatedAtMs:   p.CreatedAtMs,
		Mode:          p.Mode,
		URL:           rawURL,
		Domain:        domain,
		Title:         strings.TrimSpace(p.Title),
		Claim:         claim,
		Constraints:   constraints,
		WSState:       WSStateOffline,
		Transcript:    []TranscriptChunk{},
		EvidenceCards: []EvidenceCard{},
		Clusters:      []DisagreementCluster{},
		ChoiceSet:     []ChoiceSetItem{},
		Trace:         Trace{ToolCalls: []TraceQuery{}, CardInputs: map[string]CardInputs{}},
	}, nil
}

// Summary projects the session for list responses.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		SessionID:        s.SessionID,
		CreatedAtMs:      s.CreatedAtMs,
		Mode:             s.Mode,
		URL:              s.URL,
		Domain:           s.Domain,
		Title:            s.Title,
		EvidenceBuilding: s.Pipeline.EvidenceBuilding,
		CardCount:        len(s.EvidenceCards),
	}
}

// Subject is the best human-readable handle for what the session is about.
func (s *Session) Subject() string {
	for _, v := range []string{s.Claim, s.Title, s.URL} {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return "this topic"
}

// TogglePin flips the pinned flag of a card. It reports false when no card
// has the given id.
func (s *Session) TogglePin(cardID string) bool {
	for i := range s.EvidenceCards {
		if s.EvidenceCards[i].ID == cardID {
			s.EvidenceCards[i].Pinned = !s.EvidenceCards[i].Pinned
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Snapshots handed to subscribers and stores are
// always clones so no two owners share slices.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Constraints = s.Constraints.Clone()
	out.Transcript = append([]TranscriptChunk{}, s.Transcript...)
	out.EvidenceCards = make([]EvidenceCard, len(s.EvidenceCards))
	for i, c := range s.EvidenceCards {
		out.EvidenceCards[i] = c.clone()
	}
	out.Clusters = make([]DisagreementCluster, len(s.Clusters))
	for i, c := range s.Clusters {
		out.Clusters[i] = c.clone()
	}
	out.ChoiceSet = append([]ChoiceSetItem{}, s.ChoiceSet...)
	out.Trace = s.Trace.clone()
	return &out
}

// DomainOf returns the lower-cased host of rawURL without a leading "www.".
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
