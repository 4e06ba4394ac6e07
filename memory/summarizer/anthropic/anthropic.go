// Package anthropic provides a Claude-backed Summarizer for the memory
// engine. The engine already wraps every summarizer call with a timeout and
// falls back to storing the original text on failure, so this implementation
// just makes the API call and reports errors honestly.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024

	systemPrompt = "You condense agent memory. Summarize the given text into " +
		"a compact form that preserves decisions, facts, and constraints. " +
		"Reply with the summary only."
)

// Config configures the Claude summarizer.
type Config struct {
	// APIKey for the Anthropic API. Empty falls back to the SDK's
	// environment defaults (ANTHROPIC_API_KEY).
	APIKey string

	// Model to summarize with. Defaults to a fast, cheap model; summaries
	// run in the background and do not need frontier quality.
	Model string

	// MaxTokens caps summary length (default: 1024).
	MaxTokens int
}

// Summarizer condenses text via the Anthropic Messages API.
type Summarizer struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// New creates a Claude-backed summarizer.
func New(cfg Config) *Summarizer {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Summarizer{
		client:    sdk.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Summarize condenses text with one Messages API call.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: s.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(text)),
		},
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude api error: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(out.String()), nil
}
