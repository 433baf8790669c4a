// Package claude is a triage.Recommender backed by the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/deskmate/internal/llm"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

const maxTokens = 1024

// messagesAPI is the slice of the SDK client the recommender needs.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client implements triage.Recommender for Claude.
type Client struct {
	messages messagesAPI
	model    string
}

// New creates a Claude recommender with the given API key and model name.
// SDK retries are disabled; the orchestrator owns retry policy.
func New(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	c := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
	return &Client{messages: &c.Messages, model: model}
}

// Name implements triage.Recommender.
func (c *Client) Name() string { return "claude" }

// Recommend implements triage.Recommender.
func (c *Client) Recommend(ctx context.Context, req *triage.RecommendRequest) (*triage.Recommendation, error) {
	msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: llm.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(llm.BuildUserPrompt(req))),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("claude api error %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("claude request: %w", err)
	}

	text := responseText(msg)
	if text == "" {
		return nil, fmt.Errorf("%w: claude returned no text (stop reason %s)", triage.ErrMalformedRecommendation, msg.StopReason)
	}

	model := string(msg.Model)
	if model == "" {
		model = c.model
	}
	return llm.ParseRecommendation(text, model)
}

// responseText joins the text blocks of msg.
func responseText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
