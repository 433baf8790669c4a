package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
)

const chunkColumns = `id, org_id, document_id, document_title, chunk_index, char_start, char_end, text, embedding, created_at`

// Chunks returns every chunk of an org's corpus. Similarity is computed in
// Go by knowledge.Retriever.
func (s *Store) Chunks(ctx context.Context, orgID string) ([]knowledge.Chunk, error) {
	ctx, span := startSpan(ctx, "pgstore.Chunks", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+chunkColumns+` FROM document_chunks WHERE org_id = $1 ORDER BY id`, orgID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query chunks: %w", err))
	}
	defer rows.Close()

	out := []knowledge.Chunk{}
	for rows.Next() {
		var c knowledge.Chunk
		if err := rows.Scan(&c.ID, &c.OrgID, &c.DocumentID, &c.DocumentTitle, &c.ChunkIndex,
			&c.CharStart, &c.CharEnd, &c.Text, &c.Embedding, &c.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan chunk: %w", err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate chunks: %w", err))
	}
	return out, nil
}

// UpsertChunks writes chunks in one batch. A chunk replaces the existing
// row at the same (document, index) and keeps that row's ID, which is
// written back into chunks.
func (s *Store) UpsertChunks(ctx context.Context, chunks []knowledge.Chunk) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertChunks", "UPSERT")
	defer span.End()

	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	b := &pgx.Batch{}
	for i := range chunks {
		c := &chunks[i]
		b.Queue(`INSERT INTO document_chunks (`+chunkColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (document_id, chunk_index) DO UPDATE SET
				org_id         = EXCLUDED.org_id,
				document_title = EXCLUDED.document_title,
				char_start     = EXCLUDED.char_start,
				char_end       = EXCLUDED.char_end,
				text           = EXCLUDED.text,
				embedding      = EXCLUDED.embedding
			RETURNING id, created_at`,
			c.ID, c.OrgID, c.DocumentID, c.DocumentTitle, c.ChunkIndex,
			c.CharStart, c.CharEnd, c.Text, c.Embedding, c.CreatedAt,
		)
	}
	br := tx.SendBatch(ctx, b)
	for i := range chunks {
		if err := br.QueryRow().Scan(&chunks[i].ID, &chunks[i].CreatedAt); err != nil {
			_ = br.Close()
			return fail(span, fmt.Errorf("upsert chunk %d: %w", i, err))
		}
	}
	if err := br.Close(); err != nil {
		return fail(span, fmt.Errorf("upsert chunks: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}
