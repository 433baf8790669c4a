package triageapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
)

// maxChunksPerRequest bounds a single chunk upload.
const maxChunksPerRequest = 500

type putChunksRequest struct {
	Chunks []knowledge.Chunk `json:"chunks"`
}

type putChunksResponse struct {
	Upserted int      `json:"upserted"`
	IDs      []string `json:"ids"`
}

// handlePutChunks stores pre-embedded chunks. Chunks without an ID get one;
// an existing (document, index) keeps its stored ID.
func (a *API) handlePutChunks(w http.ResponseWriter, r *http.Request) {
	var in putChunksRequest
	if !decode(w, r, &in) {
		return
	}
	if len(in.Chunks) == 0 {
		writeMessage(w, http.StatusBadRequest, "chunks are required")
		return
	}
	if len(in.Chunks) > maxChunksPerRequest {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("at most %d chunks per request", maxChunksPerRequest))
		return
	}

	now := time.Now().UTC()
	for i := range in.Chunks {
		c := &in.Chunks[i]
		if err := validateChunk(c); err != nil {
			writeMessage(w, http.StatusBadRequest, fmt.Sprintf("chunk %d: %v", i, err))
			return
		}
		if c.ID == "" {
			c.ID = ulid.Make().String()
		}
		if c.CharEnd == 0 {
			c.CharEnd = len([]rune(c.Text))
		}
		c.CreatedAt = now
	}

	if err := a.kb.Writer.UpsertChunks(r.Context(), in.Chunks); err != nil {
		a.writeError(w, r, err, "failed to upsert chunks", "count", len(in.Chunks))
		return
	}
	ids := make([]string, len(in.Chunks))
	for i, c := range in.Chunks {
		ids[i] = c.ID
	}
	writeJSON(w, http.StatusOK, putChunksResponse{Upserted: len(in.Chunks), IDs: ids})
}

func validateChunk(c *knowledge.Chunk) error {
	switch {
	case strings.TrimSpace(c.OrgID) == "":
		return fmt.Errorf("org_id is required")
	case strings.TrimSpace(c.DocumentID) == "":
		return fmt.Errorf("document_id is required")
	case strings.TrimSpace(c.Text) == "":
		return fmt.Errorf("text is required")
	case c.ChunkIndex < 0:
		return fmt.Errorf("chunk_index must be >= 0")
	case len(c.Embedding) == 0:
		return fmt.Errorf("embedding is required")
	case c.CharStart < 0 || c.CharEnd < 0 || (c.CharEnd != 0 && c.CharEnd < c.CharStart):
		return fmt.Errorf("invalid character range")
	}
	return nil
}

type indexDocumentResponse struct {
	DocumentID string   `json:"document_id"`
	Chunks     int      `json:"chunks"`
	ChunkIDs   []string `json:"chunk_ids"`
}

func (a *API) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	var doc knowledge.Document
	if !decode(w, r, &doc) {
		return
	}
	if strings.TrimSpace(doc.ID) == "" || strings.TrimSpace(doc.OrgID) == "" {
		writeMessage(w, http.StatusBadRequest, "id and org_id are required")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("deskmate.document.id", doc.ID))

	chunks, err := a.kb.Indexer.IndexDocument(r.Context(), doc)
	if err != nil {
		a.writeError(w, r, err, "failed to index document", "document_id", doc.ID)
		return
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	writeJSON(w, http.StatusCreated, indexDocumentResponse{DocumentID: doc.ID, Chunks: len(chunks), ChunkIDs: ids})
}

type searchRequest struct {
	OrgID string `json:"org_id"`
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Matches []knowledge.Match `json:"matches"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var in searchRequest
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.OrgID) == "" {
		writeMessage(w, http.StatusBadRequest, "org_id is required")
		return
	}

	matches, err := a.kb.Searcher.Retrieve(r.Context(), in.OrgID, in.Query, in.TopK)
	if err != nil {
		a.writeError(w, r, err, "knowledge search failed", "org_id", in.OrgID)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("deskmate.retrieval.matches", len(matches)))
	writeJSON(w, http.StatusOK, searchResponse{Matches: matches})
}
