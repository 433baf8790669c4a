package knowledge

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (s *stubEmbedder) Dimensions() int { return 2 }

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vecs[t]
	}
	return out, nil
}

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		text          string
		size, overlap int
		want          [][2]int
	}{
		{"empty", "", 10, 2, nil},
		{"shorter than window", "hello", 10, 2, [][2]int{{0, 5}}},
		{"default windows", strings.Repeat("a", 2500), DefaultChunkSize, DefaultChunkOverlap, [][2]int{{0, 1200}, {1000, 2200}, {2000, 2500}}},
		{"whitespace windows dropped", "ab" + strings.Repeat(" ", 10), 4, 0, [][2]int{{0, 4}}},
		{"overlap clamped", "abcd", 3, 5, [][2]int{{0, 3}, {1, 4}}},
		{"rune offsets", "ééé", 2, 0, [][2]int{{0, 2}, {2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Split(tt.text, tt.size, tt.overlap)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d (%+v)", len(got), len(tt.want), got)
			}
			for i, s := range got {
				if s.Start != tt.want[i][0] || s.End != tt.want[i][1] {
					t.Errorf("span %d = [%d,%d), want [%d,%d)", i, s.Start, s.End, tt.want[i][0], tt.want[i][1])
				}
				if want := string([]rune(tt.text)[s.Start:s.End]); s.Text != want {
					t.Errorf("span %d text = %q, want %q", i, s.Text, want)
				}
			}
		})
	}
}

func TestHashEmbedder(t *testing.T) {
	t.Parallel()

	h := NewHashEmbedder(16)
	vecs, err := h.Embed(context.Background(), []string{"reset password", "reset password", "billing", "   "})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 4 {
		t.Fatalf("len = %d, want 4", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 16 {
			t.Errorf("vec %d has %d dims, want 16", i, len(v))
		}
	}
	if d, _ := CosineDistance(vecs[0], vecs[1]); math.Abs(d) > 1e-9 {
		t.Errorf("identical text distance = %v, want 0", d)
	}
	if d, _ := CosineDistance(vecs[0], vecs[2]); d < 1e-6 {
		t.Errorf("different text distance = %v, want > 0", d)
	}
	for _, x := range vecs[3] {
		if x != 0 {
			t.Fatal("blank text should map to the zero vector")
		}
	}

	if got := NewHashEmbedder(0).Dimensions(); got != DefaultDimensions {
		t.Errorf("default Dimensions() = %d, want %d", got, DefaultDimensions)
	}
}

func TestCosineDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		a, b   []float32
		want   float64
		wantOK bool
	}{
		{"identical", []float32{1, 2}, []float32{2, 4}, 0, true},
		{"orthogonal", []float32{1, 0}, []float32{0, 3}, 1, true},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, 2, true},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0, false},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0, false},
		{"empty", nil, nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := CosineDistance(tt.a, tt.b)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("distance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryCorpus_UpsertKeepsID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemoryCorpus()
	if err := m.UpsertChunks(ctx, []Chunk{
		{ID: "c1", OrgID: "org-a", DocumentID: "doc", ChunkIndex: 0, Text: "v1", Embedding: []float32{1, 0}},
		{ID: "c2", OrgID: "org-b", DocumentID: "other", ChunkIndex: 0, Text: "b", Embedding: []float32{0, 1}},
	}); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}
	if err := m.UpsertChunks(ctx, []Chunk{
		{ID: "new-id", OrgID: "org-a", DocumentID: "doc", ChunkIndex: 0, Text: "v2", Embedding: []float32{1, 1}},
	}); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	got, err := m.Chunks(ctx, "org-a")
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID != "c1" {
		t.Errorf("ID = %q, want c1 (kept on upsert)", got[0].ID)
	}
	if got[0].Text != "v2" {
		t.Errorf("Text = %q, want v2", got[0].Text)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	// returned embeddings are copies
	got[0].Embedding[0] = 42
	again, _ := m.Chunks(ctx, "org-a")
	if again[0].Embedding[0] != 1 {
		t.Error("Chunks leaked internal embedding slice")
	}
}

func seedCorpus(t *testing.T) *MemoryCorpus {
	t.Helper()
	m := NewMemoryCorpus()
	err := m.UpsertChunks(context.Background(), []Chunk{
		{ID: "b", OrgID: "org", DocumentID: "d1", ChunkIndex: 0, Text: "near-b", Embedding: []float32{1, 0}},
		{ID: "a", OrgID: "org", DocumentID: "d2", ChunkIndex: 0, Text: "near-a", Embedding: []float32{2, 0}},
		{ID: "c", OrgID: "org", DocumentID: "d3", ChunkIndex: 0, Text: "far", Embedding: []float32{0, 1}},
		{ID: "d", OrgID: "org", DocumentID: "d4", ChunkIndex: 0, Text: "bad dims", Embedding: []float32{1, 0, 0}},
		{ID: "e", OrgID: "other", DocumentID: "d5", ChunkIndex: 0, Text: "other org", Embedding: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func TestRetriever_OrderAndTieBreak(t *testing.T) {
	t.Parallel()

	emb := &stubEmbedder{vecs: map[string][]float32{"login fails": {1, 0}}}
	r := NewRetriever(seedCorpus(t), emb, 5)

	got, err := r.Retrieve(context.Background(), "org", "  login fails\r\n", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	// a and b tie at distance 0 and sort by ID; d has the wrong dimension
	wantIDs := []string{"a", "b", "c"}
	if len(got) != len(wantIDs) {
		t.Fatalf("len = %d, want %d (%+v)", len(got), len(wantIDs), got)
	}
	for i, id := range wantIDs {
		if got[i].ChunkID != id {
			t.Errorf("match %d = %q, want %q", i, got[i].ChunkID, id)
		}
	}
	if math.Abs(got[2].Distance-1) > 1e-9 {
		t.Errorf("far distance = %v, want 1", got[2].Distance)
	}

	top1, err := r.Retrieve(context.Background(), "org", "login fails", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(top1) != 1 || top1[0].ChunkID != "a" {
		t.Errorf("top1 = %+v, want [a]", top1)
	}
}

func TestRetriever_EmptyInputs(t *testing.T) {
	t.Parallel()

	emb := &stubEmbedder{err: errors.New("should not be called")}
	r := NewRetriever(seedCorpus(t), emb, 5)

	got, err := r.Retrieve(context.Background(), "org", "   ", 5)
	if err != nil || len(got) != 0 {
		t.Errorf("blank query = %v, %v; want empty, nil", got, err)
	}
	got, err = r.Retrieve(context.Background(), "nobody", "query", 5)
	if err != nil || len(got) != 0 {
		t.Errorf("empty corpus = %v, %v; want empty, nil", got, err)
	}
}

func TestRetriever_EmbeddingUnavailable(t *testing.T) {
	t.Parallel()

	r := NewRetriever(seedCorpus(t), &stubEmbedder{err: errors.New("connection refused")}, 5)
	_, err := r.Retrieve(context.Background(), "org", "query", 5)
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestIndexer_IndexDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	corpus := NewMemoryCorpus()
	ix := NewIndexer(NewHashEmbedder(8), corpus)

	text := strings.Repeat("x", 1500)
	chunks, err := ix.IndexDocument(ctx, Document{ID: "doc-1", OrgID: "org", Title: "Runbook", Text: text})
	if err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i || c.DocumentTitle != "Runbook" || len(c.Embedding) != 8 {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}

	stored, _ := corpus.Chunks(ctx, "org")
	if len(stored) != 2 {
		t.Errorf("stored = %d, want 2", len(stored))
	}

	// reindexing keeps chunk IDs stable
	again, err := ix.IndexDocument(ctx, Document{ID: "doc-1", OrgID: "org", Title: "Runbook", Text: text})
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	stored2, _ := corpus.Chunks(ctx, "org")
	if len(again) != 2 || len(stored2) != 2 || stored2[0].ID != stored[0].ID {
		t.Errorf("reindex changed stored chunks: %+v -> %+v", stored, stored2)
	}
	if again[0].ID != chunks[0].ID {
		t.Errorf("reindex returned ID %q, want stored %q", again[0].ID, chunks[0].ID)
	}
}

func TestIndexer_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ix := NewIndexer(&stubEmbedder{err: errors.New("down")}, NewMemoryCorpus())
	if _, err := ix.IndexDocument(ctx, Document{OrgID: "org", Text: "x"}); err == nil {
		t.Error("expected error for missing document id")
	}
	if _, err := ix.IndexDocument(ctx, Document{ID: "d", OrgID: "org", Text: "text"}); !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
	}
	got, err := ix.IndexDocument(ctx, Document{ID: "d", OrgID: "org", Text: "  \n "})
	if err != nil || len(got) != 0 {
		t.Errorf("blank document = %v, %v; want empty, nil", got, err)
	}
}
