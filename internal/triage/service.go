package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// TriageRequest asks for a triage run on a ticket.
type TriageRequest struct {
	TicketID       string
	IdempotencyKey string
	ActorID        string
}

// NewTicket is the input for creating a ticket.
type NewTicket struct {
	OrgID          string
	RequesterEmail string
	Subject        string
	Body           string
	Priority       string
	AssignedTeam   string
}

// Service is the business boundary for triage operations.
type Service struct {
	store   Store
	queue   Queue
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewService creates a new triage service. metrics may be nil.
func NewService(store Store, queue Queue, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:   store,
		queue:   queue,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ValidateIdempotencyKey trims key and checks it is present and short enough.
func ValidateIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: key is required", ErrInvalidIdempotencyKey)
	}
	if len(key) > MaxIdempotencyKeyLen {
		return "", fmt.Errorf("%w: key longer than %d characters", ErrInvalidIdempotencyKey, MaxIdempotencyKeyLen)
	}
	return key, nil
}

// RequestTriage enqueues a triage job for a ticket exactly once per
// idempotency key. A repeated key returns the original JobRun with
// created=false. Pipeline failures never surface here.
func (s *Service) RequestTriage(ctx context.Context, req TriageRequest) (*JobRun, bool, error) {
	key, err := ValidateIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		s.metrics.enqueue("invalid")
		return nil, false, err
	}

	ticket, ok, err := s.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		s.metrics.enqueue("error")
		return nil, false, fmt.Errorf("get ticket: %w", err)
	}
	if !ok {
		s.metrics.enqueue("not_found")
		return nil, false, fmt.Errorf("ticket %s: %w", req.TicketID, ErrNotFound)
	}

	now := s.now()
	run := &JobRun{
		ID:             ulid.Make().String(),
		TicketID:       ticket.ID,
		OrgID:          ticket.OrgID,
		IdempotencyKey: key,
		Status:         JobQueued,
		TriggeredBy:    req.ActorID,
		CreatedAt:      now,
	}
	ev := newEvent(ticket.ID, run.ID, EventJobEnqueued, actorFor(req.ActorID), req.ActorID, map[string]any{
		"idempotency_key": key,
	}, now)

	got, created, err := s.store.Enqueue(ctx, run, ev)
	if err != nil {
		s.metrics.enqueue("error")
		return nil, false, fmt.Errorf("enqueue: %w", err)
	}

	L := s.logger.With("job_id", got.ID, "ticket_id", got.TicketID)
	if created {
		s.metrics.enqueue("created")
		L.Info(ctx, "triage job enqueued", "idempotency_key", key)
	} else {
		s.metrics.enqueue("existing")
		L.Info(ctx, "triage request matched existing job", "status", got.Status)
	}

	// a queued job that has never been attempted may have lost its wake-up
	if created || (got.Status == JobQueued && got.AttemptCount == 0) {
		if err := s.queue.Push(ctx, got.ID); err != nil {
			return got, created, fmt.Errorf("dispatch job %s: %w", got.ID, err)
		}
	}
	return got, created, nil
}

// JobRun returns a job run by ID.
func (s *Service) JobRun(ctx context.Context, id string) (*JobRun, bool, error) {
	return s.store.GetJobRun(ctx, id)
}

// Ticket returns a ticket by ID.
func (s *Service) Ticket(ctx context.Context, id string) (*Ticket, bool, error) {
	return s.store.GetTicket(ctx, id)
}

// CreateTicket stores a new open ticket.
func (s *Service) CreateTicket(ctx context.Context, nt NewTicket) (*Ticket, error) {
	if strings.TrimSpace(nt.OrgID) == "" {
		return nil, fmt.Errorf("%w: org id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(nt.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	prio := PriorityMedium
	if nt.Priority != "" {
		p, ok := ParsePriority(nt.Priority)
		if !ok {
			return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, nt.Priority)
		}
		prio = p
	}

	now := s.now()
	t := &Ticket{
		ID:             ulid.Make().String(),
		OrgID:          nt.OrgID,
		RequesterEmail: nt.RequesterEmail,
		Subject:        nt.Subject,
		Body:           nt.Body,
		Status:         TicketOpen,
		Priority:       prio,
		AssignedTeam:   nt.AssignedTeam,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.PutTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("put ticket: %w", err)
	}
	return t, nil
}

// SetTicketStatus updates a ticket's status. Resolving a ticket cancels any
// of its jobs that are still queued when a worker reaches them.
func (s *Service) SetTicketStatus(ctx context.Context, id string, status TicketStatus) (*Ticket, error) {
	switch status {
	case TicketOpen, TicketInProgress, TicketResolved:
	default:
		return nil, fmt.Errorf("%w: unknown ticket status %q", ErrInvalidInput, status)
	}
	t, err := s.store.SetTicketStatus(ctx, id, status, s.now())
	if err != nil {
		return nil, fmt.Errorf("set ticket status: %w", err)
	}
	return t, nil
}

// Suggestion returns a suggestion by ID.
func (s *Service) Suggestion(ctx context.Context, id string) (*Suggestion, bool, error) {
	return s.store.GetSuggestion(ctx, id)
}

// LatestSuggestion returns the newest suggestion for a ticket.
func (s *Service) LatestSuggestion(ctx context.Context, ticketID string) (*Suggestion, bool, error) {
	return s.store.LatestSuggestion(ctx, ticketID)
}

// Approve accepts a pending suggestion and applies it to its ticket.
func (s *Service) Approve(ctx context.Context, suggestionID, actorID string) (*Suggestion, *Ticket, error) {
	return s.decide(ctx, suggestionID, actorID, true)
}

// Reject rejects a pending suggestion. The ticket is not changed.
func (s *Service) Reject(ctx context.Context, suggestionID, actorID string) (*Suggestion, *Ticket, error) {
	return s.decide(ctx, suggestionID, actorID, false)
}

func (s *Service) decide(ctx context.Context, id, actorID string, accept bool) (*Suggestion, *Ticket, error) {
	now := s.now()
	sg, t, err := s.store.DecideSuggestion(ctx, id, Decision{
		Accept:  accept,
		ActorID: actorID,
		Event: &TicketEvent{
			ID:        ulid.Make().String(),
			Type:      DecisionEventType(accept),
			ActorType: ActorUser,
			ActorID:   actorID,
			CreatedAt: now,
		},
	})
	verdict := "rejected"
	if accept {
		verdict = "accepted"
	}
	if err != nil {
		s.metrics.decision("error")
		return nil, nil, err
	}
	s.metrics.decision(verdict)
	s.logger.Info(ctx, "suggestion decided",
		"suggestion_id", sg.ID,
		"ticket_id", sg.TicketID,
		"decision", verdict,
		"actor", actorID,
	)
	return sg, t, nil
}

// Cancel fails a job that has not started yet. Running jobs cannot be
// cancelled.
func (s *Service) Cancel(ctx context.Context, jobID, actorID string) (*JobRun, error) {
	run, ok, err := s.store.GetJobRun(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	now := s.now()
	out, err := s.store.Transition(ctx, jobID, Transition{
		To:     JobFailed,
		From:   JobQueued,
		Reason: "cancelled",
		Event: newEvent(run.TicketID, run.ID, EventJobFailed, actorFor(actorID), actorID, map[string]any{
			"reason":     "cancelled",
			"attempt":    run.AttemptCount,
			"will_retry": false,
		}, now),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.job("cancelled")
	s.logger.Info(ctx, "triage job cancelled", "job_id", jobID, "actor", actorID)
	return out, nil
}

// Events returns a page of a ticket's event log, newest first.
func (s *Service) Events(ctx context.Context, ticketID string, p Page) (*EventPage, error) {
	if _, ok, err := s.store.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	return s.store.ListEvents(ctx, ticketID, p.Normalize())
}

func actorFor(actorID string) ActorType {
	if actorID == "" {
		return ActorSystem
	}
	return ActorUser
}

func newEvent(ticketID, jobID string, typ EventType, actor ActorType, actorID string, payload map[string]any, at time.Time) *TicketEvent {
	raw, _ := json.Marshal(payload) // map[string]any of plain values always marshals
	return &TicketEvent{
		ID:        ulid.Make().String(),
		TicketID:  ticketID,
		JobRunID:  jobID,
		Type:      typ,
		ActorType: actor,
		ActorID:   actorID,
		Payload:   raw,
		CreatedAt: at,
	}
}
