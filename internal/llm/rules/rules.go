// Package rules is an offline keyword recommender. It needs no model and
// always answers, which makes it the default backend for development.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/deskmate/internal/triage"
)

type rule struct {
	category   string
	keywords   []string
	team       string
	priority   triage.Priority
	confidence float64
	reply      string
}

// Evaluated in order; the first rule with a matching keyword wins.
var ruleset = []rule{
	{
		category:   "login_issue",
		keywords:   []string{"password", "login", "2fa", "mfa", "auth"},
		team:       "Auth Support",
		priority:   triage.PriorityHigh,
		confidence: 0.88,
		reply: "Hi,\n\nIt looks like you're having trouble signing in. " +
			"Please try resetting your password using the 'Forgot password' link. " +
			"If 2FA is enabled, verify your authenticator app is in sync. " +
			"If the issue persists, reply with the exact error message so we can investigate.\n\n" +
			"Best,\nAuth Support",
	},
	{
		category:   "billing",
		keywords:   []string{"billing", "invoice", "payment", "card", "charge"},
		team:       "Billing Support",
		priority:   triage.PriorityHigh,
		confidence: 0.85,
		reply: "Hi,\n\nWe've received your request regarding billing. " +
			"Please confirm the last 4 digits of the card used and the invoice ID in question. " +
			"We'll review the recent transactions on your account and correct any discrepancies.\n\n" +
			"Best,\nBilling Support",
	},
	{
		category:   "performance_incident",
		keywords:   []string{"latency", "slow", "timeout", "500", "503", "error"},
		team:       "Platform SRE",
		priority:   triage.PriorityUrgent,
		confidence: 0.9,
		reply: "Hi,\n\nWe see you're experiencing performance issues. " +
			"We're checking the service health and logs for elevated latency or errors. " +
			"We'll update you with mitigation steps and an ETA as soon as we have more detail.\n\n" +
			"Best,\nPlatform Team",
	},
}

var fallback = rule{
	category:   "general_support",
	team:       "General Support",
	priority:   triage.PriorityMedium,
	confidence: 0.72,
	reply: "Hi,\n\nThanks for reaching out. We've logged your request and " +
		"assigned it to our support team for further investigation. " +
		"We'll get back to you with a detailed update soon.\n\n" +
		"Best,\nSupport Team",
}

// Recommender classifies tickets by keyword.
type Recommender struct{}

// New returns a keyword Recommender.
func New() *Recommender { return &Recommender{} }

// Name implements triage.Recommender.
func (*Recommender) Name() string { return "rules" }

// Recommend implements triage.Recommender.
func (*Recommender) Recommend(ctx context.Context, req *triage.RecommendRequest) (*triage.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.ToLower(req.Subject + "\n\n" + req.Body)
	r, keyword := classify(text)

	var citations []string
	seen := map[string]bool{}
	for _, m := range req.Context {
		title := m.DocumentTitle
		if title == "" {
			title = m.DocumentID
		}
		if !seen[title] {
			seen[title] = true
			citations = append(citations, title)
		}
	}

	raw, err := json.Marshal(map[string]string{
		"classification":  r.category,
		"matched_keyword": keyword,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rules metadata: %w", err)
	}

	confidence := r.confidence
	return &triage.Recommendation{
		Priority:    string(r.priority),
		Team:        r.team,
		DraftReply:  r.reply,
		Category:    r.category,
		Confidence:  &confidence,
		Citations:   citations,
		RawMetadata: raw,
	}, nil
}

func classify(text string) (rule, string) {
	for _, r := range ruleset {
		for _, k := range r.keywords {
			if strings.Contains(text, k) {
				return r, k
			}
		}
	}
	return fallback, ""
}
