package types

import (
	"fmt"
	"slices"
)

// SourcePreference is one entry of the source-preference set.
type SourcePreference string

const (
	SourcePrimary     SourcePreference = "primary"
	SourceAcademic    SourcePreference = "academic"
	SourceNews        SourcePreference = "news"
	SourceGovernment  SourcePreference = "government"
	SourceIndependent SourcePreference = "independent"
)

// DiversityTarget controls how hard retrieval and selection push for
// opposing frames.
type DiversityTarget string

const (
	DiversityLow    DiversityTarget = "low"
	DiversityMedium DiversityTarget = "medium"
	DiversityHigh   DiversityTarget = "high"
)

var allowedMaxCitations = []int{3, 5, 8}

// Constraints is the user-tunable retrieval policy of a session. The shape is
// fixed; values change through ConstraintsPatch.
type Constraints struct {
	SourcePreferences []SourcePreference `json:"sourcePreferences"`
	DiversityTarget   DiversityTarget    `json:"diversityTarget"`
	MaxCitations      int                `json:"maxCitations"`
	ShowLowConfidence bool               `json:"showLowConfidence"`
	NoCommentary      bool               `json:"noCommentary"`
}

func DefaultConstraints() Constraints {
	return Constraints{
		SourcePreferences: []SourcePreference{SourcePrimary},
		DiversityTarget:   DiversityMedium,
		MaxCitations:      5,
		ShowLowConfidence: true,
	}
}

func (c Constraints) Clone() Constraints {
	c.SourcePreferences = slices.Clone(c.SourcePreferences)
	if c.SourcePreferences == nil {
		c.SourcePreferences = []SourcePreference{}
	}
	return c
}

// PrefersPrimary reports whether primary or government sources were asked for.
func (c Constraints) PrefersPrimary() bool {
	return slices.Contains(c.SourcePreferences, SourcePrimary) || slices.Contains(c.SourcePreferences, SourceGovernment)
}

func (c Constraints) Validate() error {
	seen := make(map[SourcePreference]struct{}, len(c.SourcePreferences))
	for _, p := range c.SourcePreferences {
		switch p {
		case SourcePrimary, SourceAcademic, SourceNews, SourceGovernment, SourceIndependent:
		default:
			return validationErr("constraints.sourcePreferences", fmt.Sprintf("unknown source preference %q", p))
		}
		if _, dup := seen[p]; dup {
			return validationErr("constraints.sourcePreferences", fmt.Sprintf("duplicate source preference %q", p))
		}
		seen[p] = struct{}{}
	}
	switch c.DiversityTarget {
	case DiversityLow, DiversityMedium, DiversityHigh:
	default:
		return validationErr("constraints.diversityTarget", "diversityTarget must be one of low, medium, high")
	}
	if !slices.Contains(allowedMaxCitations, c.MaxCitations) {
		return validationErr("constraints.maxCitations", "maxCitations must be one of 3, 5, 8")
	}
	return nil
}

// ConstraintsPatch is a partial constraints update. Nil fields are left as is.
type ConstraintsPatch struct {
	SourcePreferences *[]SourcePreference `json:"sourcePreferences,omitempty"`
	DiversityTarget   *DiversityTarget    `json:"diversityTarget,omitempty"`
	MaxCitations      *int                `json:"maxCitations,omitempty"`
	ShowLowConfidence *bool               `json:"showLowConfidence,omitempty"`
	NoCommentary      *bool               `json:"noCommentary,omitempty"`
}

// Apply returns c with the patch applied, or a *ValidationError.
func (p ConstraintsPatch) Apply(c Constraints) (Constraints, error) {
	out := c.Clone()
	if p.SourcePreferences != nil {
		out.SourcePreferences = slices.Clone(*p.SourcePreferences)
		if out.SourcePreferences == nil {
			out.SourcePreferences = []SourcePreference{}
		}
	}
	if p.DiversityTarget != nil {
		out.DiversityTarget = *p.DiversityTarget
	}
	if p.MaxCitations != nil {
		out.MaxCitations = *p.MaxCitations
	}
	if p.ShowLowConfidence != nil {
		out.ShowLowConfidence = *p.ShowLowConfidence
	}
	if p.NoCommentary != nil {
		out.NoCommentary = *p.NoCommentary
	}
	if err := out.Validate(); err != nil {
		return c, err
	}
	return out, nil
}

// ValidationError is returned for malformed caller input. Param names the
// offending field, suitable for API error reporting.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Param != "" {
		return fmt.Sprintf("%s: %s", e.Param, e.Message)
	}
	return e.Message
}

func validationErr(param, msg string) error {
	return &ValidationError{Param: param, Message: msg}
}
