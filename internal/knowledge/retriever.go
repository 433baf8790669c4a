package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/deskmate/internal/knowledge")

// Retriever ranks corpus chunks against a query by cosine distance.
type Retriever struct {
	corpus   Corpus
	embedder Embedder
	topK     int
}

// NewRetriever creates a Retriever. topK <= 0 falls back to DefaultTopK.
func NewRetriever(corpus Corpus, embedder Embedder, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{corpus: corpus, embedder: embedder, topK: topK}
}

// Retrieve returns at most topK chunks for orgID, closest first. Ties are
// broken by chunk ID so the order is stable. An empty query or corpus yields
// an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, orgID, query string, topK int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "knowledge.retrieve", trace.WithAttributes(
		attribute.String("deskmate.org.id", orgID),
	))
	defer span.End()

	if topK <= 0 {
		topK = r.topK
	}

	query = NormalizeText(query)
	if query == "" {
		return []Match{}, nil
	}

	chunks, err := r.corpus.Chunks(ctx, orgID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	span.SetAttributes(attribute.Int("deskmate.retrieval.corpus_size", len(chunks)))
	if len(chunks) == 0 {
		return []Match{}, nil
	}

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != 1 {
		err := fmt.Errorf("%w: embedder returned %d vectors for 1 input", ErrEmbeddingUnavailable, len(vecs))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	qv := vecs[0]

	matches := make([]Match, 0, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		d, ok := CosineDistance(qv, c.Embedding)
		if !ok {
			continue
		}
		matches = append(matches, Match{
			ChunkID:       c.ID,
			DocumentID:    c.DocumentID,
			DocumentTitle: c.DocumentTitle,
			ChunkIndex:    c.ChunkIndex,
			Text:          c.Text,
			Distance:      d,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	span.SetAttributes(attribute.Int("deskmate.retrieval.matches", len(matches)))
	return matches, nil
}

// CosineDistance returns 1 - cos(a, b). ok is false when the vectors differ
// in length or either has zero norm.
func CosineDistance(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), true
}

// NormalizeText folds line endings to \n and trims surrounding whitespace.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}
