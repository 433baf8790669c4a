package triage

import (
	"encoding/json"
	"strings"
	"time"
)

// JobStatus tracks where a triage job is in its lifecycle.
type JobStatus string

const (
	// JobQueued means accepted and waiting for a worker
	JobQueued JobStatus = "queued"

	// JobRunning means a worker holds the job and its lease
	JobRunning JobStatus = "running"

	// JobSucceeded means a suggestion was recorded
	JobSucceeded JobStatus = "succeeded"

	// JobFailed means the last attempt failed and no retry is pending
	JobFailed JobStatus = "failed"
)

// TicketStatus is the support ticket lifecycle.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
)

// Priority is the ticket urgency scale.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority normalizes s and reports whether it names a known priority.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, true
	}
	return "", false
}

// SuggestionStatus tracks human review of a suggestion. It only moves
// forward from pending.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
)

// EventType names a ticket audit event.
type EventType string

const (
	EventJobEnqueued        EventType = "job_enqueued"
	EventSuggestionCreated  EventType = "suggestion_created"
	EventSuggestionApproved EventType = "suggestion_approved"
	EventSuggestionRejected EventType = "suggestion_rejected"
	EventJobFailed          EventType = "job_failed"
)

// ActorType says who caused an event.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAI     ActorType = "ai"
)

// Ticket is a customer support ticket.
type Ticket struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"org_id"`
	RequesterEmail string       `json:"requester_email,omitempty"`
	Subject        string       `json:"subject"`
	Body           string       `json:"body"`
	Status         TicketStatus `json:"status"`
	Priority       Priority     `json:"priority"`
	AssignedTeam   string       `json:"assigned_team,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// JobRun is one logical triage attempt for a ticket, keyed by the caller's
// idempotency key. Retries reuse the same JobRun.
type JobRun struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	OrgID          string     `json:"org_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Status         JobStatus  `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	TriggeredBy    string     `json:"triggered_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Suggestion is the reviewable output of a successful JobRun.
type Suggestion struct {
	ID                string           `json:"id"`
	TicketID          string           `json:"ticket_id"`
	JobRunID          string           `json:"job_run_id"`
	SuggestedPriority Priority         `json:"suggested_priority,omitempty"`
	SuggestedTeam     string           `json:"suggested_team,omitempty"`
	DraftReply        string           `json:"draft_reply"`
	Metadata          json.RawMessage  `json:"metadata,omitempty"`
	Status            SuggestionStatus `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	DecidedAt         *time.Time       `json:"decided_at,omitempty"`
	DecidedBy         string           `json:"decided_by,omitempty"`
}

// TicketEvent is an append-only audit record.
type TicketEvent struct {
	ID        string          `json:"id"`
	TicketID  string          `json:"ticket_id"`
	JobRunID  string          `json:"job_run_id,omitempty"`
	Type      EventType       `json:"event_type"`
	ActorType ActorType       `json:"actor_type"`
	ActorID   string          `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventPage is one page of a ticket's event log, newest first.
type EventPage struct {
	Events   []*TicketEvent `json:"events"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// Paging defaults for event listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page selects a slice of an event log. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps p to valid values.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// MaxIdempotencyKeyLen bounds caller-supplied idempotency keys.
const MaxIdempotencyKeyLen = 80
