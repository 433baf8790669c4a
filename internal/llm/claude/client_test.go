package claude

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
	"github.com/linnemanlabs/deskmate/internal/llm"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

type fakeMessages struct {
	msg  *anthropic.Message
	err  error
	last anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.last = body
	return f.msg, f.err
}

func TestRecommend(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{msg: &anthropic.Message{
		Model: "claude-test",
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: `{"priority":"high","team":"Billing Support",`},
			{Type: "text", Text: `"draft_reply":"We will refund you.","category":"billing","confidence":0.9}`},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}}
	c := &Client{messages: fake, model: "configured-model"}

	rec, err := c.Recommend(context.Background(), &triage.RecommendRequest{
		Subject: "Double charge",
		Body:    "I was billed twice",
		Context: []knowledge.Match{{DocumentTitle: "Refund policy", Text: "Refunds within 30 days."}},
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}

	if string(fake.last.Model) != "configured-model" {
		t.Errorf("model = %q, want %q", fake.last.Model, "configured-model")
	}
	if fake.last.MaxTokens != maxTokens {
		t.Errorf("max tokens = %d, want %d", fake.last.MaxTokens, maxTokens)
	}
	if len(fake.last.System) != 1 || fake.last.System[0].Text != llm.SystemPrompt {
		t.Error("system prompt not set")
	}
	if len(fake.last.Messages) != 1 {
		t.Fatalf("messages len = %d, want 1", len(fake.last.Messages))
	}
	m := fake.last.Messages[0]
	if m.Role != anthropic.MessageParamRoleUser {
		t.Errorf("role = %q, want user", m.Role)
	}
	if len(m.Content) != 1 || m.Content[0].OfText == nil {
		t.Fatal("expected one text block")
	}
	if !strings.Contains(m.Content[0].OfText.Text, "[doc:Refund policy]") {
		t.Errorf("prompt missing snippet: %q", m.Content[0].OfText.Text)
	}

	if rec.Priority != "high" {
		t.Errorf("Priority = %q, want %q", rec.Priority, "high")
	}
	if rec.Team != "Billing Support" {
		t.Errorf("Team = %q, want %q", rec.Team, "Billing Support")
	}
	if rec.Model != "claude-test" {
		t.Errorf("Model = %q, want %q", rec.Model, "claude-test")
	}
}

func TestRecommend_APIError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	c := &Client{messages: &fakeMessages{err: boom}, model: "m"}

	_, err := c.Recommend(context.Background(), &triage.RecommendRequest{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
	if errors.Is(err, triage.ErrMalformedRecommendation) {
		t.Error("transport error should not be malformed")
	}
}

func TestRecommend_NoText(t *testing.T) {
	t.Parallel()

	c := &Client{messages: &fakeMessages{msg: &anthropic.Message{
		Content:    []anthropic.ContentBlockUnion{{Type: "tool_use", ID: "tu-1"}},
		StopReason: anthropic.StopReasonToolUse,
	}}, model: "m"}

	_, err := c.Recommend(context.Background(), &triage.RecommendRequest{})
	if !errors.Is(err, triage.ErrMalformedRecommendation) {
		t.Errorf("err = %v, want ErrMalformedRecommendation", err)
	}
}

func TestRecommend_ModelFallback(t *testing.T) {
	t.Parallel()

	c := &Client{messages: &fakeMessages{msg: &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: `{"priority":"low"}`}},
	}}, model: "configured"}

	rec, err := c.Recommend(context.Background(), &triage.RecommendRequest{})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec.Model != "configured" {
		t.Errorf("Model = %q, want %q", rec.Model, "configured")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	c := New("sk-test", "")
	if c.model != DefaultModel {
		t.Errorf("model = %q, want %q", c.model, DefaultModel)
	}
	if c.Name() != "claude" {
		t.Errorf("Name() = %q, want claude", c.Name())
	}
}
