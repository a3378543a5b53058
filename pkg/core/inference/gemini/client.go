// Package gemini adapts Google's genai SDK to the evidence core: grounded
// search, structured claim extraction and the Live upstream dialer.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultTextModel = "gemini-2.5-flash"
	DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"
)

// Config selects credentials and models.
type Config struct {
	APIKey    string
	TextModel string
	LiveModel string
	Voice     string
}

// Client wraps one genai client shared by every adapter in this package.
type Client struct {
	genai *genai.Client
	cfg   Config
}

// NewClient builds a Gemini API client. An empty API key is an error; callers
// check Configured-style conditions before constructing.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.TextModel == "" {
		cfg.TextModel = DefaultTextModel
	}
	if cfg.LiveModel == "" {
		cfg.LiveModel = DefaultLiveModel
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{genai: gc, cfg: cfg}, nil
}
