package types

import (
	"strings"
	"unicode/utf8"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

const (
	DefaultTranscriptMaxChunks    = 200
	DefaultTranscriptMaxTextBytes = 4000
)

type TranscriptChunk struct {
	ID          string  `json:"id"`
	Speaker     Speaker `json:"speaker"`
	Text        string  `json:"text"`
	TimestampMs int64   `json:"timestampMs"`
	IsPartial   bool    `json:"isPartial,omitempty"`
	TurnID      string  `json:"turnId"`
}

func (c TranscriptChunk) Validate() error {
	switch c.Speaker {
	case SpeakerUser, SpeakerAgent:
	default:
		return validationErr("chunk.speaker", "speaker must be one of user, agent")
	}
	if strings.TrimSpace(c.TurnID) == "" {
		return validationErr("chunk.turnId", "turnId is required")
	}
	if c.TimestampMs < 0 {
		return validationErr("chunk.timestampMs", "timestampMs must be >= 0")
	}
	return nil
}

// TranscriptLimits bounds the transcript. Zero values fall back to defaults.
type TranscriptLimits struct {
	MaxChunks    int
	MaxTextBytes int
}

func (l TranscriptLimits) withDefaults() TranscriptLimits {
	if l.MaxChunks <= 0 {
		l.MaxChunks = DefaultTranscriptMaxChunks
	}
	if l.MaxTextBytes <= 0 {
		l.MaxTextBytes = DefaultTranscriptMaxTextBytes
	}
	return l
}

// AppendTranscript merges chunk into the transcript and returns the stored
// chunk.
//
// A chunk with the same (TurnID, Speaker) as an existing entry replaces that
// entry in place, keeping its position and id. A partial never overwrites a
// finalized entry. Timestamps within a turn never go backwards. The transcript
// keeps the MaxChunks most recent entries and text is truncated to
// MaxTextBytes.
func (s *Session) AppendTranscript(chunk TranscriptChunk, limits TranscriptLimits) TranscriptChunk {
	limits = limits.withDefaults()
	chunk.Text = TruncateUTF8(chunk.Text, limits.MaxTextBytes)

	for i := range s.Transcript {
		existing := &s.Transcript[i]
		if existing.TurnID != chunk.TurnID || existing.Speaker != chunk.Speaker {
			continue
		}
		if !existing.IsPartial && chunk.IsPartial {
			return *existing
		}
		if chunk.TimestampMs < existing.TimestampMs {
			chunk.TimestampMs = existing.TimestampMs
		}
		chunk.ID = existing.ID
		*existing = chunk
		return chunk
	}

	if chunk.ID == "" {
		chunk.ID = chunk.TurnID + "-" + string(chunk.Speaker)
	}
	s.Transcript = append(s.Transcript, chunk)
	if over := len(s.Transcript) - limits.MaxChunks; over > 0 {
		s.Transcript = append([]TranscriptChunk{}, s.Transcript[over:]...)
	}
	return chunk
}

// TruncateUTF8 cuts s to at most max bytes without splitting a rune.
func TruncateUTF8(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
