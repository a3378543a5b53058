package pipeline

import (
	"context"
	"regexp"
	"strings"

	"github.com/vango-go/vai-evidence/pkg/core/extract"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// Claim is one checkable assertion pulled from the session's source text.
type Claim struct {
	Text string                 `json:"text"`
	Type types.DisagreementType `json:"disagreementType"`
}

// ClaimInput is what a ClaimExtractor works from.
type ClaimInput struct {
	Mode    types.Mode
	Subject string
	Text    string
	Focus   string
	Max     int
}

// ClaimExtractor finds claims in text. Implementations may return fewer than
// Max claims, or none.
type ClaimExtractor interface {
	ExtractClaims(ctx context.Context, in ClaimInput) ([]Claim, error)
}

// HeuristicExtractor picks assertive sentences without a model. It is the
// extractor used when no inference credentials are configured.
type HeuristicExtractor struct{}

var (
	assertiveRe = regexp.MustCompile(`(?i)\b(is|are|was|were|will|would|causes?|caused|leads? to|increase[sd]?|decrease[sd]?|reduce[sd]?|shows?|found|means|should|must|percent|%|\d)\b`)
	hedgeRe     = regexp.MustCompile(`(?i)^(click|subscribe|sign up|cookie|advertisement|share this|read more|copyright)`)
)

var typeKeywords = []struct {
	t  types.DisagreementType
	re *regexp.Regexp
}{
	{types.DisagreementPrediction, regexp.MustCompile(`(?i)\b(will|would|forecast|predict\w*|expected to|by 20\d\d|likely to|projected)\b`)},
	{types.DisagreementCausal, regexp.MustCompile(`(?i)\b(caus\w*|leads? to|led to|because|due to|result\w* in|drives?|driven by|effect of)\b`)},
	{types.DisagreementValues, regexp.MustCompile(`(?i)\b(should|ought|must|fair|unfair|moral\w*|right to|wrong|better|worse|deserve\w*)\b`)},
	{types.DisagreementDefinition, regexp.MustCompile(`(?i)\b(defin\w*|means|counts? as|classif\w*|considered|so-called|what is)\b`)},
}

// ClassifyDisagreement assigns a disagreement type by keyword, defaulting to
// Factual.
func ClassifyDisagreement(text string) types.DisagreementType {
	for _, k := range typeKeywords {
		if k.re.MatchString(text) {
			return k.t
		}
	}
	return types.DisagreementFactual
}

func (HeuristicExtractor) ExtractClaims(_ context.Context, in ClaimInput) ([]Claim, error) {
	max := in.Max
	if max <= 0 {
		max = maxClaims
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, nil
	}

	focus := strings.ToLower(strings.TrimSpace(in.Focus))
	var focused, rest []Claim
	seen := make(map[string]struct{})
	for _, sentence := range extract.Sentences(text) {
		n := len(strings.Fields(sentence))
		if n < 6 || n > 60 || hedgeRe.MatchString(sentence) || !assertiveRe.MatchString(sentence) {
			continue
		}
		key := strings.ToLower(sentence)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		c := Claim{Text: sentence, Type: ClassifyDisagreement(sentence)}
		if focus != "" && strings.Contains(key, focus) {
			focused = append(focused, c)
		} else {
			rest = append(rest, c)
		}
	}
	out := append(focused, rest...)
	if len(out) > max {
		out = out[:max]
	}
	// Claim-check sessions are about one statement; a short claim without
	// sentence punctuation still counts.
	if len(out) == 0 && in.Mode == types.ModeClaimCheck && len(strings.Fields(text)) >= 3 {
		out = append(out, Claim{Text: extract.Truncate(text, 400), Type: ClassifyDisagreement(text)})
	}
	return out, nil
}

// DefaultClaim is synthesized when extraction yields nothing for a session
// that has a URL.
func DefaultClaim(subject string) Claim {
	return Claim{
		Text: "What is missing or contested in " + subject + "?",
		Type: types.DisagreementFactual,
	}
}

// FallbackExtractor tries Primary and uses Fallback when it errors or finds
// nothing.
type FallbackExtractor struct {
	Primary  ClaimExtractor
	Fallback ClaimExtractor
}

func (f FallbackExtractor) ExtractClaims(ctx context.Context, in ClaimInput) ([]Claim, error) {
	if f.Primary != nil {
		claims, err := f.Primary.ExtractClaims(ctx, in)
		if err == nil && len(claims) > 0 {
			return claims, nil
		}
		if f.Fallback == nil {
			return claims, err
		}
	}
	if f.Fallback == nil {
		return nil, nil
	}
	return f.Fallback.ExtractClaims(ctx, in)
}
