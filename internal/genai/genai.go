// Package genai provides AI-assisted text suggestions using the OpenAI API.
package genai

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const suggestionSystemPrompt = "You write short, vivid descriptions for entries in a gaming community database. " +
	"Answer with the description text only, at most three sentences, no preamble."

// completer defines the minimal interface for chat completions.
type completer interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps the OpenAI chat completion service for generating
// description suggestions.
type Client struct {
	chat completer
}

// Opts holds GenAI configuration.
type Opts struct {
	APIKey string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not set by option.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions}, nil
}

// SuggestDescription generates a description suggestion for the named
// record. The current description, when present, is offered to the model
// as a starting point.
func (c *Client) SuggestDescription(ctx context.Context, label, name, current string) (string, error) {
	user := fmt.Sprintf("Suggest a description for the %s %q.", label, name)
	if current != "" {
		user += fmt.Sprintf(" The current description is: %q.", current)
	}
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModelGPT4oMini,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(suggestionSystemPrompt),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
