package triage

import (
	"context"
	"encoding/json"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
)

// Recommender is any backend that can propose a triage decision for a
// ticket given retrieved knowledge. Implementations should honour ctx, but
// the Engine enforces its own deadline regardless.
type Recommender interface {
	Name() string
	Recommend(ctx context.Context, req *RecommendRequest) (*Recommendation, error)
}

// RecommendRequest is the input handed to a Recommender.
type RecommendRequest struct {
	TicketID string
	OrgID    string
	Subject  string
	Body     string
	Priority Priority
	Context  []knowledge.Match
}

// Recommendation is a backend's proposal. Backend-specific extras go in
// RawMetadata, which is stored verbatim inside the suggestion metadata.
type Recommendation struct {
	Priority    string
	Team        string
	DraftReply  string
	Category    string
	Confidence  *float64
	Citations   []string
	Model       string
	RawMetadata json.RawMessage
}

// Notification is sent to a Notifier when a suggestion is recorded.
type Notification struct {
	Ticket     *Ticket
	JobRun     *JobRun
	Suggestion *Suggestion
}

// Notifier delivers suggestion notifications to humans.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}

// Queue carries JobRun IDs to workers. It is only a wake-up signal; the
// Store is the source of truth, so duplicate or lost deliveries are safe.
type Queue interface {
	Push(ctx context.Context, jobID string) error
	// Pop blocks until an ID is available or ctx is done.
	Pop(ctx context.Context) (string, error)
}

// TicketLocker serializes work per ticket.
type TicketLocker interface {
	// TryLock acquires the ticket lock without blocking. ok is false when
	// another holder has it.
	TryLock(ctx context.Context, ticketID string) (unlock func(), ok bool, err error)
}

// LockRenewer is implemented by lockers whose locks expire on their own.
// The orchestrator renews the ticket lock on every lease heartbeat.
type LockRenewer interface {
	Renew(ctx context.Context, ticketID string) error
}
