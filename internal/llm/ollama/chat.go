package ollama

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/deskmate/internal/llm"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
}

// Recommender asks an Ollama chat model for a triage recommendation.
type Recommender struct {
	c     *client
	model string
}

// NewRecommender returns a Recommender for model at baseURL. The engine
// applies its own deadline; timeout only bounds a single HTTP exchange.
func NewRecommender(baseURL, model string, timeout time.Duration) *Recommender {
	if model == "" {
		model = DefaultModel
	}
	return &Recommender{c: newClient(baseURL, timeout), model: model}
}

// Name implements triage.Recommender.
func (r *Recommender) Name() string { return "ollama" }

// Recommend implements triage.Recommender.
func (r *Recommender) Recommend(ctx context.Context, req *triage.RecommendRequest) (*triage.Recommendation, error) {
	var resp chatResponse
	err := r.c.post(ctx, "/api/chat", chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: llm.SystemPrompt},
			{Role: "user", Content: llm.BuildUserPrompt(req)},
		},
		Format:  "json",
		Options: map[string]any{"temperature": 0.2},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Message.Content == "" {
		return nil, errors.New("ollama response missing message.content")
	}

	model := resp.Model
	if model == "" {
		model = r.model
	}
	return llm.ParseRecommendation(resp.Message.Content, model)
}
