package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryCorpus is an in-process Corpus and Writer. Suitable for dev/testing.
type MemoryCorpus struct {
	mu     sync.RWMutex
	chunks map[string]Chunk // document_id/chunk_index -> chunk
}

// NewMemoryCorpus returns an empty MemoryCorpus.
func NewMemoryCorpus() *MemoryCorpus {
	return &MemoryCorpus{chunks: make(map[string]Chunk)}
}

func chunkKey(documentID string, index int) string {
	return fmt.Sprintf("%s/%d", documentID, index)
}

// UpsertChunks stores copies of chunks. An existing chunk at the same
// (document_id, chunk_index) keeps its ID; stored IDs are written back.
func (m *MemoryCorpus) UpsertChunks(_ context.Context, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range chunks {
		c := chunks[i]
		k := chunkKey(c.DocumentID, c.ChunkIndex)
		if prev, ok := m.chunks[k]; ok {
			c.ID = prev.ID
			c.CreatedAt = prev.CreatedAt
		}
		if c.ID == "" {
			c.ID = ulid.Make().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		chunks[i].ID, chunks[i].CreatedAt = c.ID, c.CreatedAt
		c.Embedding = append([]float32(nil), c.Embedding...)
		m.chunks[k] = c
	}
	return nil
}

// Chunks returns copies of every chunk owned by orgID, ordered by ID.
func (m *MemoryCorpus) Chunks(_ context.Context, orgID string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		if c.OrgID != orgID {
			continue
		}
		c.Embedding = append([]float32(nil), c.Embedding...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
