// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/deskmate/internal/triage"
)

// Store holds triage state in memory. Suitable for dev/testing. A single
// mutex makes every method atomic.
type Store struct {
	mu          sync.RWMutex
	tickets     map[string]*triage.Ticket
	runs        map[string]*triage.JobRun
	keys        map[string]string // ticket ID + idempotency key -> job ID
	suggestions map[string]*triage.Suggestion
	byJob       map[string]string // job ID -> suggestion ID
	events      map[string][]*triage.TicketEvent
	now         func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		tickets:     make(map[string]*triage.Ticket),
		runs:        make(map[string]*triage.JobRun),
		keys:        make(map[string]string),
		suggestions: make(map[string]*triage.Suggestion),
		byJob:       make(map[string]string),
		events:      make(map[string][]*triage.TicketEvent),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func keyOf(ticketID, key string) string { return ticketID + "\x00" + key }

// GetTicket retrieves a ticket by ID. Returns a copy.
func (s *Store) GetTicket(_ context.Context, id string) (*triage.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

// PutTicket stores a copy of the ticket.
func (s *Store) PutTicket(_ context.Context, t *triage.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tickets[t.ID] = &cp
	return nil
}

// SetTicketStatus implements triage.Store.
func (s *Store) SetTicketStatus(_ context.Context, id string, status triage.TicketStatus, at time.Time) (*triage.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, triage.ErrNotFound)
	}
	t.Status = status
	t.UpdatedAt = at
	cp := *t
	return &cp, nil
}

// Enqueue implements triage.Store.
func (s *Store) Enqueue(_ context.Context, run *triage.JobRun, ev *triage.TicketEvent) (*triage.JobRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[run.TicketID]; !ok {
		return nil, false, fmt.Errorf("ticket %s: %w", run.TicketID, triage.ErrNotFound)
	}
	k := keyOf(run.TicketID, run.IdempotencyKey)
	if id, ok := s.keys[k]; ok {
		return copyRun(s.runs[id]), false, nil
	}

	cp := copyRun(run)
	s.runs[cp.ID] = cp
	s.keys[k] = cp.ID
	s.appendEvent(ev, cp.ID)
	return copyRun(cp), true, nil
}

// GetJobRun retrieves a job run by ID. Returns a copy.
func (s *Store) GetJobRun(_ context.Context, id string) (*triage.JobRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	return copyRun(r), true, nil
}

// Transition implements triage.Store.
func (s *Store) Transition(_ context.Context, id string, t triage.Transition) (*triage.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, triage.ErrNotFound)
	}
	if t.To == triage.JobRunning && triage.CanTransition(r.Status, t.To) {
		for _, other := range s.runs {
			if other.ID != id && other.TicketID == r.TicketID && other.Status == triage.JobRunning {
				return nil, fmt.Errorf("ticket %s: %w", r.TicketID, triage.ErrTicketBusy)
			}
		}
	}

	next := copyRun(r)
	if err := triage.ApplyTransition(next, t, s.now()); err != nil {
		return nil, err
	}
	s.runs[id] = next
	if t.Event != nil {
		s.appendEvent(t.Event, id)
	}
	return copyRun(next), nil
}

// CompleteJobRun implements triage.Store.
func (s *Store) CompleteJobRun(_ context.Context, id string, sg *triage.Suggestion, ev *triage.TicketEvent) (*triage.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, triage.ErrNotFound)
	}
	if _, dup := s.byJob[id]; dup {
		return nil, fmt.Errorf("job %s already has a suggestion: %w", id, triage.ErrInvalidStateTransition)
	}
	next := copyRun(r)
	if err := triage.ApplyTransition(next, triage.Transition{To: triage.JobSucceeded}, s.now()); err != nil {
		return nil, err
	}

	s.runs[id] = next
	cp := copySuggestion(sg)
	cp.JobRunID = id
	cp.TicketID = next.TicketID
	s.suggestions[cp.ID] = cp
	s.byJob[id] = cp.ID
	s.appendEvent(ev, id)
	return copyRun(next), nil
}

// FailJobRun implements triage.Store.
func (s *Store) FailJobRun(_ context.Context, id string, f triage.Failure) (*triage.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, triage.ErrNotFound)
	}
	if r.Status != triage.JobRunning {
		return nil, fmt.Errorf("%w: %s -> %s", triage.ErrInvalidStateTransition, r.Status, triage.JobFailed)
	}
	now := s.now()
	next := copyRun(r)
	if err := triage.ApplyTransition(next, triage.Transition{To: triage.JobFailed, Reason: f.Reason}, now); err != nil {
		return nil, err
	}
	if f.Retry {
		if err := triage.ApplyTransition(next, triage.Transition{To: triage.JobQueued}, now); err != nil {
			return nil, err
		}
	}
	s.runs[id] = next
	if f.Event != nil {
		s.appendEvent(f.Event, id)
	}
	return copyRun(next), nil
}

// ExtendLease pushes out the lease of a running job.
func (s *Store) ExtendLease(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, triage.ErrNotFound)
	}
	if r.Status != triage.JobRunning {
		return fmt.Errorf("%w: job %s is %s", triage.ErrInvalidStateTransition, id, r.Status)
	}
	next := copyRun(r)
	next.LeaseExpiresAt = &until
	s.runs[id] = next
	return nil
}

// ExpiredLeases returns running jobs whose lease ended before now.
func (s *Store) ExpiredLeases(_ context.Context, now time.Time) ([]*triage.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*triage.JobRun
	for _, r := range s.runs {
		if r.Status == triage.JobRunning && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now) {
			out = append(out, copyRun(r))
		}
	}
	sortRuns(out)
	return out, nil
}

// QueuedJobRuns returns every queued job, oldest first.
func (s *Store) QueuedJobRuns(_ context.Context) ([]*triage.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*triage.JobRun
	for _, r := range s.runs {
		if r.Status == triage.JobQueued {
			out = append(out, copyRun(r))
		}
	}
	sortRuns(out)
	return out, nil
}

// GetSuggestion retrieves a suggestion by ID. Returns a copy.
func (s *Store) GetSuggestion(_ context.Context, id string) (*triage.Suggestion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return nil, false, nil
	}
	return copySuggestion(sg), true, nil
}

// LatestSuggestion returns the newest suggestion for a ticket.
func (s *Store) LatestSuggestion(_ context.Context, ticketID string) (*triage.Suggestion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *triage.Suggestion
	for _, sg := range s.suggestions {
		if sg.TicketID != ticketID {
			continue
		}
		if latest == nil || sg.CreatedAt.After(latest.CreatedAt) ||
			(sg.CreatedAt.Equal(latest.CreatedAt) && sg.ID > latest.ID) {
			latest = sg
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	return copySuggestion(latest), true, nil
}

// DecideSuggestion implements triage.Store.
func (s *Store) DecideSuggestion(_ context.Context, id string, d triage.Decision) (*triage.Suggestion, *triage.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.suggestions[id]
	if !ok {
		return nil, nil, fmt.Errorf("suggestion %s: %w", id, triage.ErrNotFound)
	}
	t, ok := s.tickets[sg.TicketID]
	if !ok {
		return nil, nil, fmt.Errorf("ticket %s: %w", sg.TicketID, triage.ErrNotFound)
	}

	nextS := copySuggestion(sg)
	nextT := *t
	payload, err := triage.ApplyDecision(&nextT, nextS, d, s.now())
	if err != nil {
		return nil, nil, err
	}

	s.suggestions[id] = nextS
	s.tickets[nextT.ID] = &nextT
	if d.Event != nil {
		ev := *d.Event
		ev.TicketID = nextS.TicketID
		ev.Payload = payload
		s.appendEvent(&ev, nextS.JobRunID)
	}
	outT := nextT
	return copySuggestion(nextS), &outT, nil
}

// ListEvents returns a page of a ticket's events, newest first.
func (s *Store) ListEvents(_ context.Context, ticketID string, p triage.Page) (*triage.EventPage, error) {
	p = p.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[ticketID]
	page := &triage.EventPage{
		Events:   []*triage.TicketEvent{},
		Total:    len(all),
		Page:     p.Number,
		PageSize: p.Size,
	}
	// stored oldest first; walk backwards
	for i := len(all) - 1 - p.Offset(); i >= 0 && len(page.Events) < p.Size; i-- {
		ev := *all[i]
		page.Events = append(page.Events, &ev)
	}
	return page, nil
}

// appendEvent must be called with mu held.
func (s *Store) appendEvent(ev *triage.TicketEvent, jobID string) {
	if ev == nil {
		return
	}
	cp := *ev
	if cp.JobRunID == "" {
		cp.JobRunID = jobID
	}
	cp.Payload = append([]byte(nil), ev.Payload...)
	s.events[cp.TicketID] = append(s.events[cp.TicketID], &cp)
}

func copyRun(r *triage.JobRun) *triage.JobRun {
	cp := *r
	return &cp
}

func copySuggestion(sg *triage.Suggestion) *triage.Suggestion {
	cp := *sg
	cp.Metadata = append([]byte(nil), sg.Metadata...)
	return &cp
}

func sortRuns(runs []*triage.JobRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
