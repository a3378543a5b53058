// Package live defines the contract between the live relay and an upstream
// real-time inference service. Implementations translate a vendor stream into
// Events; the relay never sees vendor types.
package live

import (
	"context"
	"errors"
)

// ErrMissingCredentials is returned by Dial when no inference credentials are
// configured.
var ErrMissingCredentials = errors.New("voice disabled: missing inference credentials")

// ToolParam describes one string/number/boolean argument of a tool.
type ToolParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolSpec declares a tool the upstream model may call.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ToolParam
}

type DialRequest struct {
	SystemPrompt  string
	Tools         []ToolSpec
	InputMIMEType string
}

// Dialer opens upstream sessions.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Upstream, error)
}

// Upstream is one open real-time inference session. Receive blocks until the
// next event; Close unblocks it.
type Upstream interface {
	SendAudio(ctx context.Context, a Audio) error
	EndAudio(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	SendToolResults(ctx context.Context, results []ToolResult) error
	Receive(ctx context.Context) (*Event, error)
	Close() error
}

type Audio struct {
	MIMEType string
	Data     []byte
}

// Transcription is an incremental transcript fragment. Finished marks the
// last fragment of a turn.
type Transcription struct {
	Text     string
	Finished bool
}

type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// Event is one upstream message. Any combination of fields may be set.
type Event struct {
	InputTranscription  *Transcription
	OutputTranscription *Transcription
	Audio               []Audio
	ToolCalls           []ToolCall
	TurnComplete        bool
	Interrupted         bool
}

// DisabledDialer is the Dialer used when no credentials are configured.
type DisabledDialer struct{}

func (DisabledDialer) Dial(context.Context, DialRequest) (Upstream, error) {
	return nil, ErrMissingCredentials
}
