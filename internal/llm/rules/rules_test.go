package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

func TestRecommend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		subject     string
		body        string
		wantTeam    string
		wantPrio    string
		wantCat     string
		wantConf    float64
		wantKeyword string
	}{
		{"login", "Can't LOGIN", "", "Auth Support", "high", "login_issue", 0.88, "login"},
		{"billing", "Question", "My invoice is wrong", "Billing Support", "high", "billing", 0.85, "invoice"},
		{"incident", "Site down", "Getting 503 on checkout", "Platform SRE", "urgent", "performance_incident", 0.9, "503"},
		{"first rule wins", "password and invoice", "", "Auth Support", "high", "login_issue", 0.88, "password"},
		{"fallback", "Feature request", "Dark mode please", "General Support", "medium", "general_support", 0.72, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, err := New().Recommend(context.Background(), &triage.RecommendRequest{Subject: tt.subject, Body: tt.body})
			if err != nil {
				t.Fatalf("Recommend: %v", err)
			}
			if rec.Team != tt.wantTeam {
				t.Errorf("Team = %q, want %q", rec.Team, tt.wantTeam)
			}
			if rec.Priority != tt.wantPrio {
				t.Errorf("Priority = %q, want %q", rec.Priority, tt.wantPrio)
			}
			if rec.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", rec.Category, tt.wantCat)
			}
			if rec.Confidence == nil || *rec.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", rec.Confidence, tt.wantConf)
			}
			if rec.DraftReply == "" {
				t.Error("DraftReply is empty")
			}

			var meta map[string]string
			if err := json.Unmarshal(rec.RawMetadata, &meta); err != nil {
				t.Fatalf("RawMetadata: %v", err)
			}
			if meta["matched_keyword"] != tt.wantKeyword {
				t.Errorf("matched_keyword = %q, want %q", meta["matched_keyword"], tt.wantKeyword)
			}
		})
	}
}

func TestRecommend_Citations(t *testing.T) {
	t.Parallel()

	rec, err := New().Recommend(context.Background(), &triage.RecommendRequest{
		Subject: "help",
		Context: []knowledge.Match{
			{DocumentID: "d1", DocumentTitle: "Refunds"},
			{DocumentID: "d1", DocumentTitle: "Refunds"},
			{DocumentID: "d2"},
		},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(rec.Citations) != 2 || rec.Citations[0] != "Refunds" || rec.Citations[1] != "d2" {
		t.Errorf("Citations = %v, want [Refunds d2]", rec.Citations)
	}
}

func TestRecommend_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Recommend(ctx, &triage.RecommendRequest{}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New().Name(); got != "rules" {
		t.Errorf("Name() = %q, want %q", got, "rules")
	}
}
