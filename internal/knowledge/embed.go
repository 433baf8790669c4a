package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"strings"
)

// DefaultDimensions matches the small sentence-embedding models the
// corpus is usually built with.
const DefaultDimensions = 384

// HashEmbedder produces deterministic pseudo-embeddings seeded from a
// SHA-256 of the text. Identical text always yields the identical vector,
// which is enough to exercise retrieval without a model.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a HashEmbedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &HashEmbedder{dim: dim}
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int { return h.dim }

// Embed implements Embedder. Blank text maps to the zero vector.
func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dim)
	text = strings.TrimSpace(text)
	if text == "" {
		return v
	}
	sum := sha256.Sum256([]byte(text))
	rng := rand.New(rand.NewPCG( //nolint:gosec // deterministic, not security sensitive
		binary.BigEndian.Uint64(sum[0:8]),
		binary.BigEndian.Uint64(sum[8:16]),
	))
	for j := range v {
		v[j] = float32(rng.Float64()*2 - 1)
	}
	return v
}
