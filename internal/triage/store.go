package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the persistence interface for tickets, job runs, suggestions and
// the ticket event log. Every mutating method is atomic: its state change and
// the event it carries are committed together or not at all, and are durable
// before the method returns.
type Store interface {
	GetTicket(ctx context.Context, id string) (*Ticket, bool, error)

	// PutTicket writes every field of t. It is for creating tickets; later
	// changes go through the targeted methods so they cannot overwrite
	// fields applied by DecideSuggestion.
	PutTicket(ctx context.Context, t *Ticket) error

	// SetTicketStatus changes only the status and updated_at of a ticket and
	// returns the stored ticket.
	SetTicketStatus(ctx context.Context, id string, status TicketStatus, at time.Time) (*Ticket, error)

	// Enqueue inserts run and its job_enqueued event unless a JobRun with the
	// same (ticket, idempotency key) exists, in which case that JobRun is
	// returned unchanged with created=false. Keys are scoped to a ticket:
	// two tickets may each have a JobRun with the same key.
	Enqueue(ctx context.Context, run *JobRun, ev *TicketEvent) (existing *JobRun, created bool, err error)
	GetJobRun(ctx context.Context, id string) (*JobRun, bool, error)

	// Transition moves a JobRun along one allowed edge. Moving to running
	// bumps AttemptCount and sets the lease, and fails with ErrTicketBusy if
	// another JobRun of the ticket is running.
	Transition(ctx context.Context, id string, t Transition) (*JobRun, error)

	// CompleteJobRun marks a running JobRun succeeded and records its
	// suggestion and event.
	CompleteJobRun(ctx context.Context, id string, s *Suggestion, ev *TicketEvent) (*JobRun, error)

	// FailJobRun marks a running JobRun failed and, when f.Retry is set,
	// immediately requeues it. One event is appended either way.
	FailJobRun(ctx context.Context, id string, f Failure) (*JobRun, error)

	ExtendLease(ctx context.Context, id string, until time.Time) error
	ExpiredLeases(ctx context.Context, now time.Time) ([]*JobRun, error)
	QueuedJobRuns(ctx context.Context) ([]*JobRun, error)

	GetSuggestion(ctx context.Context, id string) (*Suggestion, bool, error)
	LatestSuggestion(ctx context.Context, ticketID string) (*Suggestion, bool, error)

	// DecideSuggestion accepts or rejects a pending suggestion, applying it to
	// the ticket on accept, and appends the decision event.
	DecideSuggestion(ctx context.Context, id string, d Decision) (*Suggestion, *Ticket, error)

	ListEvents(ctx context.Context, ticketID string, p Page) (*EventPage, error)
}

// Transition describes a single JobRun status change.
type Transition struct {
	To     JobStatus
	Reason string

	// From, when set, must match the current status.
	From JobStatus

	// LeaseUntil is required when To is JobRunning.
	LeaseUntil time.Time

	// Event is appended with the change when non-nil.
	Event *TicketEvent
}

// Failure describes a failed attempt.
type Failure struct {
	Reason string
	Retry  bool
	Event  *TicketEvent
}

// Decision is a human verdict on a suggestion. Event carries the ID, actor
// and timestamp; the store fills in the ticket, job and payload.
type Decision struct {
	Accept  bool
	ActorID string
	Event   *TicketEvent
}

var transitions = map[JobStatus][]JobStatus{
	JobQueued:  {JobRunning, JobFailed},
	JobRunning: {JobSucceeded, JobFailed},
	JobFailed:  {JobQueued},
}

// CanTransition reports whether from -> to is an allowed JobRun edge.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidStateTransition for a disallowed edge.
func CheckTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}

// ApplyTransition mutates run in place for an allowed edge.
func ApplyTransition(run *JobRun, t Transition, now time.Time) error {
	if t.From != "" && run.Status != t.From {
		return fmt.Errorf("%w: job is %s, not %s", ErrInvalidStateTransition, run.Status, t.From)
	}
	if err := CheckTransition(run.Status, t.To); err != nil {
		return err
	}
	run.Status = t.To
	switch t.To {
	case JobRunning:
		lease := t.LeaseUntil
		run.AttemptCount++
		run.LastAttemptAt = &now
		run.LeaseExpiresAt = &lease
		run.FinishedAt = nil
	case JobSucceeded:
		run.LeaseExpiresAt = nil
		run.FinishedAt = &now
		run.FailureReason = ""
	case JobFailed:
		run.LeaseExpiresAt = nil
		run.FinishedAt = &now
		run.FailureReason = t.Reason
	case JobQueued:
		run.LeaseExpiresAt = nil
		run.FinishedAt = nil
	}
	return nil
}

// ApplyDecision moves s out of pending and, on accept, copies the suggested
// priority and team onto t. It returns the payload for the decision event.
func ApplyDecision(t *Ticket, s *Suggestion, d Decision, now time.Time) (json.RawMessage, error) {
	if s.Status != SuggestionPending {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSuggestionState, s.Status)
	}

	from := s.Status
	applied := map[string]string{}
	if d.Accept {
		s.Status = SuggestionAccepted
		if s.SuggestedPriority != "" && s.SuggestedPriority != t.Priority {
			applied["priority"] = string(s.SuggestedPriority)
			t.Priority = s.SuggestedPriority
		}
		if s.SuggestedTeam != "" && s.SuggestedTeam != t.AssignedTeam {
			applied["assigned_team"] = s.SuggestedTeam
			t.AssignedTeam = s.SuggestedTeam
		}
		if len(applied) > 0 {
			t.UpdatedAt = now
		}
	} else {
		s.Status = SuggestionRejected
	}
	s.DecidedAt = &now
	s.DecidedBy = d.ActorID

	return json.Marshal(map[string]any{
		"suggestion_id": s.ID,
		"from_status":   from,
		"to_status":     s.Status,
		"applied":       applied,
	})
}

// DecisionEventType maps a verdict to its audit event type.
func DecisionEventType(accept bool) EventType {
	if accept {
		return EventSuggestionApproved
	}
	return EventSuggestionRejected
}
