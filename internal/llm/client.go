// Package llm talks to OpenAI-compatible chat endpoints (OpenAI, Ollama's
// /v1 API) with an optional local fallback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"botfleet/internal/config"
)

// MaxReplyLength is the longest text Reply returns.
const MaxReplyLength = 280

// ErrEmptyResponse is returned when an endpoint answers without content.
var ErrEmptyResponse = errors.New("llm: empty response")

type endpoint struct {
	name   string
	model  string
	client *openai.Client
}

// Client sends chat completions to the primary endpoint and retries once
// against the fallback when one is configured.
type Client struct {
	endpoints []endpoint
	logger    zerolog.Logger
}

// Options configure a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	Model          string
	FallbackURL    string
	FallbackModel  string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// OptionsFromConfig maps runtime configuration onto client options.
func OptionsFromConfig(cfg config.LLMConfig) Options {
	return Options{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		FallbackURL:    cfg.FallbackURL,
		FallbackModel:  cfg.FallbackModel,
		RequestTimeout: cfg.RequestTimeout,
	}
}

// New builds a client. BaseURL is required.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("llm: base url is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	c := &Client{logger: logger.With().Str("component", "llm").Logger()}
	c.endpoints = append(c.endpoints, newEndpoint("primary", opts.BaseURL, opts.APIKey, opts.Model, httpClient))
	if opts.FallbackURL != "" && opts.FallbackURL != opts.BaseURL {
		model := opts.FallbackModel
		if model == "" {
			model = opts.Model
		}
		c.endpoints = append(c.endpoints, newEndpoint("fallback", opts.FallbackURL, opts.APIKey, model, httpClient))
	}
	return c, nil
}

func newEndpoint(name, baseURL, apiKey, model string, httpClient *http.Client) endpoint {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = httpClient
	return endpoint{name: name, model: model, client: openai.NewClientWithConfig(cfg)}
}

// Chat runs one completion over system and user prompts.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}

	var errs []error
	for _, ep := range c.endpoints {
		text, err := ep.complete(ctx, messages)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn().Err(err).Str("endpoint", ep.name).Str("model", ep.model).Msg("chat completion failed")
		errs = append(errs, fmt.Errorf("%s: %w", ep.name, err))
	}
	return "", fmt.Errorf("all llm endpoints failed: %w", errors.Join(errs...))
}

func (ep endpoint) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := ep.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    ep.model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Reply drafts a short in-character answer to what author said.
func (c *Client) Reply(ctx context.Context, persona, author, said string) (string, error) {
	system := persona + "\n\nKeep replies under 280 characters. No emojis, no hashtags. Respond to what they said."
	user := fmt.Sprintf("@%s said: %q\n\nWrite a reply to @%s. Just the reply text, nothing else.", author, said, author)
	text, err := c.Chat(ctx, system, user)
	if err != nil {
		return "", err
	}
	return Clean(text), nil
}

// Clean strips wrapping quotes and truncates to MaxReplyLength runes.
func Clean(text string) string {
	text = strings.TrimSpace(text)
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	runes := []rune(text)
	if len(runes) > MaxReplyLength {
		text = string(runes[:MaxReplyLength-3]) + "..."
	}
	return text
}
