package ollama

import (
	"context"
	"fmt"
	"time"
)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embedder implements knowledge.Embedder with Ollama's /api/embed. Vectors
// are zero-padded or truncated to the configured dimension so they stay
// comparable with the stored corpus.
type Embedder struct {
	c     *client
	model string
	dim   int
}

// NewEmbedder returns an Embedder producing dim-sized vectors.
func NewEmbedder(baseURL, model string, dim int, timeout time.Duration) *Embedder {
	if model == "" {
		model = DefaultEmbedModel
	}
	return &Embedder{c: newClient(baseURL, timeout), model: model, dim: dim}
}

// Dimensions implements knowledge.Embedder.
func (e *Embedder) Dimensions() int { return e.dim }

// Embed implements knowledge.Embedder.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var resp embedResponse
	if err := e.c.post(ctx, "/api/embed", embedRequest{Model: e.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, v := range resp.Embeddings {
		out[i] = fit(v, e.dim)
	}
	return out, nil
}

func fit(v []float32, dim int) []float32 {
	if dim <= 0 || len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}
