// Package knowledge holds the document chunk corpus used to ground triage
// recommendations, plus the embedding and nearest-neighbour retrieval over it.
package knowledge

import (
	"context"
	"errors"
	"time"
)

// DefaultTopK is used when a caller asks for a non-positive number of matches.
const DefaultTopK = 5

// ErrEmbeddingUnavailable is returned when the embedder cannot produce a
// vector for the query. Callers treat it as a transient failure.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Chunk is a slice of a knowledge-base document with its embedding.
type Chunk struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	DocumentID    string    `json:"document_id"`
	DocumentTitle string    `json:"document_title"`
	ChunkIndex    int       `json:"chunk_index"`
	CharStart     int       `json:"char_start"`
	CharEnd       int       `json:"char_end"`
	Text          string    `json:"text"`
	Embedding     []float32 `json:"embedding,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Match is a retrieved chunk and its cosine distance to the query.
// Smaller distances are closer.
type Match struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	ChunkIndex    int     `json:"chunk_index"`
	Text          string  `json:"text"`
	Distance      float64 `json:"distance"`
}

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Corpus is the read side of chunk storage.
type Corpus interface {
	Chunks(ctx context.Context, orgID string) ([]Chunk, error)
}

// Writer is the write side of chunk storage. Chunks are upserted on
// (document_id, chunk_index); implementations set each chunk's ID and
// CreatedAt to the stored values.
type Writer interface {
	UpsertChunks(ctx context.Context, chunks []Chunk) error
}
