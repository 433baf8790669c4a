package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

func TestRecommend(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "llama3:8b",
			"message": map[string]string{
				"role":    "assistant",
				"content": "```json\n{\"priority\":\"urgent\",\"team\":\"Platform SRE\",\"draft_reply\":\"Looking into it.\",\"confidence\":0.7}\n```",
			},
		})
	}))
	defer srv.Close()

	r := NewRecommender(srv.URL, "", 5*time.Second)
	rec, err := r.Recommend(context.Background(), &triage.RecommendRequest{
		Subject: "Checkout 503",
		Body:    "All payments fail",
		Context: []knowledge.Match{{DocumentTitle: "Incident runbook", Text: "Page the SRE on-call."}},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}

	if got.Model != DefaultModel {
		t.Errorf("model = %q, want %q", got.Model, DefaultModel)
	}
	if got.Stream {
		t.Error("stream = true, want false")
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v, want system+user", got.Messages)
	}
	if !strings.Contains(got.Messages[1].Content, "[doc:Incident runbook]") {
		t.Errorf("user prompt missing snippet: %q", got.Messages[1].Content)
	}

	if rec.Priority != "urgent" {
		t.Errorf("Priority = %q, want %q", rec.Priority, "urgent")
	}
	if rec.Team != "Platform SRE" {
		t.Errorf("Team = %q, want %q", rec.Team, "Platform SRE")
	}
	if rec.Model != "llama3:8b" {
		t.Errorf("Model = %q, want %q", rec.Model, "llama3:8b")
	}
}

func TestRecommend_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		body          string
		wantMalformed bool
	}{
		{"server error", http.StatusInternalServerError, `model not loaded`, false},
		{"empty content", http.StatusOK, `{"message":{"role":"assistant","content":""}}`, false},
		{"not json", http.StatusOK, `<html>`, false},
		{"prose answer", http.StatusOK, `{"message":{"role":"assistant","content":"I cannot help"}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewRecommender(srv.URL, "m", time.Second).Recommend(context.Background(), &triage.RecommendRequest{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, triage.ErrMalformedRecommendation); got != tt.wantMalformed {
				t.Errorf("malformed = %v, want %v (err %v)", got, tt.wantMalformed, err)
			}
		})
	}
}

func TestRecommend_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewRecommender(url, "m", time.Second).Recommend(context.Background(), &triage.RecommendRequest{}); err == nil {
		t.Error("expected error for closed server")
	}
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q, want /api/embed", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 2}, {1, 2, 3, 4, 5}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL, "", 4, time.Second)
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got.Model != DefaultEmbedModel {
		t.Errorf("model = %q, want %q", got.Model, DefaultEmbedModel)
	}
	if len(got.Input) != 2 {
		t.Errorf("input len = %d, want 2", len(got.Input))
	}
	if e.Dimensions() != 4 {
		t.Errorf("Dimensions() = %d, want 4", e.Dimensions())
	}

	want := [][]float32{{1, 2, 0, 0}, {1, 2, 3, 4}}
	for i := range want {
		if len(vecs[i]) != 4 {
			t.Fatalf("vec[%d] len = %d, want 4", i, len(vecs[i]))
		}
		for j := range want[i] {
			if vecs[i][j] != want[i][j] {
				t.Errorf("vec[%d][%d] = %v, want %v", i, j, vecs[i][j], want[i][j])
			}
		}
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[1]]}`))
	}))
	defer srv.Close()

	if _, err := NewEmbedder(srv.URL, "m", 1, time.Second).Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error for count mismatch")
	}
}

func TestEmbed_Empty(t *testing.T) {
	t.Parallel()

	vecs, err := NewEmbedder("http://127.0.0.1:1", "m", 8, time.Second).Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("len = %d, want 0", len(vecs))
	}
}

func TestRetrieverMapsTransportErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	corpus := knowledge.NewMemoryCorpus()
	_ = corpus.UpsertChunks(context.Background(), []knowledge.Chunk{{ID: "c1", OrgID: "o", Text: "x", Embedding: []float32{1, 0}}})

	r := knowledge.NewRetriever(corpus, NewEmbedder(srv.URL, "m", 2, time.Second), 3)
	_, err := r.Retrieve(context.Background(), "o", "query", 0)
	if !errors.Is(err, knowledge.ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}
