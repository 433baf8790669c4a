// Package slack posts new triage suggestions to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/deskmate/internal/triage"
)

const (
	maxReplyLen = 3000
	httpTimeout = 10 * time.Second
)

// Notifier sends suggestion notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Send implements triage.Notifier.
func (n *Notifier) Send(ctx context.Context, note *triage.Notification) error {
	if n.webhookURL == "" {
		return nil
	}
	if note == nil || note.Ticket == nil || note.Suggestion == nil {
		return fmt.Errorf("slack: notification needs a ticket and a suggestion")
	}

	body, err := json.Marshal(buildMessage(note))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "ticket_id", note.Ticket.ID, "suggestion_id", note.Suggestion.ID)
	return nil
}

// suggestionMeta is the part of the suggestion metadata shown in Slack.
type suggestionMeta struct {
	Backend    string   `json:"backend"`
	Model      string   `json:"model"`
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
	Citations  []string `json:"citations"`
}

func parseMeta(raw json.RawMessage) suggestionMeta {
	var m suggestionMeta
	if len(raw) > 0 {
		// unknown shapes just render without the extra fields
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

func buildMessage(note *triage.Notification) map[string]any {
	meta := parseMeta(note.Suggestion.Metadata)
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(note),
			{"type": "divider"},
			fieldsBlock(note, meta),
			{"type": "divider"},
			replyBlock(note.Suggestion),
			{"type": "divider"},
			contextBlock(note),
		},
	}
}

func headerBlock(note *triage.Notification) map[string]any {
	prio := note.Suggestion.SuggestedPriority
	if prio == "" {
		prio = note.Ticket.Priority
	}
	text := fmt.Sprintf("%s Triage suggestion: %s", priorityEmoji(prio), truncate(note.Ticket.Subject, 120))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(note *triage.Notification, meta suggestionMeta) map[string]any {
	sg := note.Suggestion
	priority := string(note.Ticket.Priority)
	if sg.SuggestedPriority != "" && sg.SuggestedPriority != note.Ticket.Priority {
		priority = fmt.Sprintf("%s → %s", note.Ticket.Priority, sg.SuggestedPriority)
	}
	team := sg.SuggestedTeam
	if team == "" {
		team = "_unchanged_"
	}
	confidence := "n/a"
	if meta.Confidence != nil {
		confidence = fmt.Sprintf("%.0f%%", *meta.Confidence*100)
	}
	backend := meta.Backend
	if meta.Model != "" {
		backend = fmt.Sprintf("%s (%s)", meta.Backend, shortModel(meta.Model))
	}
	attempts := 0
	if note.JobRun != nil {
		attempts = note.JobRun.AttemptCount
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %s", priority)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Team:* %s", team)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Category:* %s", orNA(meta.Category))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %s", confidence)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Backend:* %s", orNA(backend))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Attempts:* %d", attempts)},
	}
	if len(meta.Citations) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Sources:* %s", truncate(strings.Join(meta.Citations, ", "), 200)),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func replyBlock(sg *triage.Suggestion) map[string]any {
	text := truncate(sg.DraftReply, maxReplyLen)
	if text == "" {
		text = "_No draft reply._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Draft reply*\n\n%s", text),
		},
	}
}

func contextBlock(note *triage.Notification) map[string]any {
	ts := note.Suggestion.CreatedAt
	text := fmt.Sprintf("deskmate • ticket %s • suggestion %s", note.Ticket.ID, note.Suggestion.ID)
	if note.JobRun != nil {
		text += " • job " + note.JobRun.ID
	}
	if !ts.IsZero() {
		text += " • " + ts.UTC().Format("2006-01-02 15:04 UTC")
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func priorityEmoji(p triage.Priority) string {
	switch p {
	case triage.PriorityUrgent:
		return "\U0001f534" // red circle
	case triage.PriorityHigh:
		return "\U0001f7e0" // orange circle
	case triage.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
