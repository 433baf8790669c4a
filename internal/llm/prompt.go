// Package llm holds the prompt and response handling shared by the
// model-backed recommenders.
package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

// MaxSnippets caps how many retrieved chunks are quoted in a prompt.
const MaxSnippets = 5

// SystemPrompt instructs the model to answer with one JSON object.
const SystemPrompt = `You are an AI assistant helping a support team triage customer tickets.
You MUST respond with a single JSON object only, no explanation.
Schema:
{
  "category": string,     short category like "billing", "technical", "account"
  "team": string,         team to route to, e.g. "billing", "support", "engineering"
  "priority": string,     one of: "low", "medium", "high", "urgent"
  "draft_reply": string,  short 2-5 sentence reply to send the customer
  "confidence": number,   between 0 and 1
  "citations": [string]   document titles you relied on, may be empty
}
If you are unsure, guess reasonable defaults: category="general", team="support", priority="medium".`

// BuildUserPrompt renders the ticket and its retrieved context.
func BuildUserPrompt(req *triage.RecommendRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket subject:\n%s\n\n", req.Subject)
	fmt.Fprintf(&b, "Ticket body:\n%s\n\n", req.Body)
	if req.Priority != "" {
		fmt.Fprintf(&b, "Current priority: %s\n\n", req.Priority)
	}
	b.WriteString("Relevant knowledge base snippets:\n")
	b.WriteString(snippets(req.Context))
	b.WriteString("\n\nNow produce ONLY the JSON object as described in the schema.")
	return b.String()
}

func snippets(matches []knowledge.Match) string {
	if len(matches) == 0 {
		return "None found."
	}
	if len(matches) > MaxSnippets {
		matches = matches[:MaxSnippets]
	}
	lines := make([]string, len(matches))
	for i, m := range matches {
		title := m.DocumentTitle
		if title == "" {
			title = m.DocumentID
		}
		lines[i] = fmt.Sprintf("- [doc:%s] %s", title, strings.TrimSpace(m.Text))
	}
	return strings.Join(lines, "\n")
}

// ExtractJSON returns the span from the first '{' to the last '}' of text.
// Models often wrap their answer in prose or code fences.
func ExtractJSON(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in model output", triage.ErrMalformedRecommendation)
	}
	return []byte(text[start : end+1]), nil
}

type modelAnswer struct {
	Category   string   `json:"category"`
	Team       string   `json:"team"`
	Priority   string   `json:"priority"`
	DraftReply string   `json:"draft_reply"`
	Confidence *float64 `json:"confidence"`
	Citations  []string `json:"citations"`
}

// ParseRecommendation turns raw model output into a Recommendation. Blank
// category and team fall back to "general" and "support". The priority is
// passed through as given; the engine validates it.
func ParseRecommendation(text, model string) (*triage.Recommendation, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	var ans modelAnswer
	if err := json.Unmarshal(raw, &ans); err != nil {
		return nil, fmt.Errorf("%w: %w", triage.ErrMalformedRecommendation, err)
	}

	compact := &bytes.Buffer{}
	if err := json.Compact(compact, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", triage.ErrMalformedRecommendation, err)
	}

	rec := &triage.Recommendation{
		Priority:    strings.TrimSpace(ans.Priority),
		Team:        strings.TrimSpace(ans.Team),
		DraftReply:  strings.TrimSpace(ans.DraftReply),
		Category:    strings.TrimSpace(ans.Category),
		Confidence:  ans.Confidence,
		Citations:   ans.Citations,
		Model:       model,
		RawMetadata: compact.Bytes(),
	}
	if rec.Category == "" {
		rec.Category = "general"
	}
	if rec.Team == "" {
		rec.Team = "support"
	}
	return rec, nil
}
