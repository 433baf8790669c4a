package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Default sliding-window parameters, in characters.
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 200
)

// Span is one window produced by Split. Start and End are rune offsets.
type Span struct {
	Start int
	End   int
	Text  string
}

// Split cuts text into overlapping windows of size runes. Windows that are
// only whitespace are dropped. An overlap >= size is clamped to size-1.
func Split(text string, size, overlap int) []Span {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	step := max(1, size-overlap)

	runes := []rune(text)
	n := len(runes)
	var out []Span
	for i := 0; i < n; i += step {
		end := min(n, i+size)
		s := string(runes[i:end])
		if strings.TrimSpace(s) != "" {
			out = append(out, Span{Start: i, End: end, Text: s})
		}
		if end >= n {
			break
		}
	}
	return out
}

// Document is raw knowledge-base text to be chunked and embedded.
type Document struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Indexer chunks documents, embeds the chunks and writes them to storage.
type Indexer struct {
	embedder Embedder
	writer   Writer
	size     int
	overlap  int
}

// NewIndexer returns an Indexer using the default window parameters.
func NewIndexer(embedder Embedder, writer Writer) *Indexer {
	return &Indexer{
		embedder: embedder,
		writer:   writer,
		size:     DefaultChunkSize,
		overlap:  DefaultChunkOverlap,
	}
}

// IndexDocument splits doc into windows, embeds them and upserts the chunks
// by (document, index).
func (ix *Indexer) IndexDocument(ctx context.Context, doc Document) ([]Chunk, error) {
	if doc.ID == "" || doc.OrgID == "" {
		return nil, errors.New("document id and org id are required")
	}

	spans := Split(NormalizeText(doc.Text), ix.size, ix.overlap)
	if len(spans) == 0 {
		return []Chunk{}, nil
	}

	texts := make([]string, len(spans))
	for i, s := range spans {
		texts[i] = s.Text
	}
	vecs, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != len(spans) {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d inputs", ErrEmbeddingUnavailable, len(vecs), len(spans))
	}

	now := time.Now().UTC()
	chunks := make([]Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = Chunk{
			ID:            ulid.Make().String(),
			OrgID:         doc.OrgID,
			DocumentID:    doc.ID,
			DocumentTitle: doc.Title,
			ChunkIndex:    i,
			CharStart:     s.Start,
			CharEnd:       s.End,
			Text:          s.Text,
			Embedding:     vecs[i],
			CreatedAt:     now,
		}
	}

	if err := ix.writer.UpsertChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("upsert chunks: %w", err)
	}
	return chunks, nil
}
