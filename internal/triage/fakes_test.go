package triage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
	"github.com/linnemanlabs/deskmate/internal/triage"
	"github.com/linnemanlabs/deskmate/internal/triage/memstore"
)

// chanQueue is an in-process queue that records every push.
type chanQueue struct {
	mu     sync.Mutex
	pushed []string
	ch     chan string
}

func newChanQueue() *chanQueue {
	return &chanQueue{ch: make(chan string, 256)}
}

func (q *chanQueue) Push(_ context.Context, id string) error {
	q.mu.Lock()
	q.pushed = append(q.pushed, id)
	q.mu.Unlock()
	q.ch <- id
	return nil
}

func (q *chanQueue) Pop(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case id := <-q.ch:
		return id, nil
	}
}

func (q *chanQueue) pushes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pushed...)
}

// mapLocker is a per-ticket try-lock. busy forces every TryLock to fail.
// renewed counts Renew calls per ticket.
type mapLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	busy    bool
	called  int
	renewed map[string]int
}

func (l *mapLocker) Renew(_ context.Context, ticketID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[ticketID] {
		return errors.New("not held")
	}
	l.renewed[ticketID]++
	return nil
}

func (l *mapLocker) renewals(ticketID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewed[ticketID]
}

func newMapLocker() *mapLocker {
	return &mapLocker{held: make(map[string]bool), renewed: make(map[string]int)}
}

func (l *mapLocker) TryLock(_ context.Context, ticketID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.called++
	if l.busy || l.held[ticketID] {
		return nil, false, nil
	}
	l.held[ticketID] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, ticketID)
	}, true, nil
}

// scriptedRecommender returns errs in order, then a fixed recommendation.
type scriptedRecommender struct {
	mu    sync.Mutex
	errs  []error
	rec   triage.Recommendation
	calls int
	hang  bool // block until ctx is done
}

func (r *scriptedRecommender) Name() string { return "scripted" }

func (r *scriptedRecommender) Recommend(ctx context.Context, _ *triage.RecommendRequest) (*triage.Recommendation, error) {
	r.mu.Lock()
	if r.hang {
		r.calls++
		r.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer r.mu.Unlock()
	idx := r.calls
	r.calls++
	if idx < len(r.errs) && r.errs[idx] != nil {
		return nil, r.errs[idx]
	}
	out := r.rec
	return &out, nil
}

func (r *scriptedRecommender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// recordingNotifier keeps every notification it is sent.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []*triage.Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg *triage.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type harness struct {
	store    *memstore.Store
	queue    *chanQueue
	locker   *mapLocker
	rec      *scriptedRecommender
	notifier *recordingNotifier
	svc      *triage.Service
	orch     *triage.Orchestrator
}

func newHarness(t *testing.T, cfg triage.OrchestratorConfig) *harness {
	t.Helper()

	h := &harness{
		store:    memstore.New(),
		queue:    newChanQueue(),
		locker:   newMapLocker(),
		rec:      &scriptedRecommender{rec: triage.Recommendation{Priority: "high", Team: "Auth Support", DraftReply: "Resetting your 2FA now."}},
		notifier: &recordingNotifier{},
	}

	corpus := knowledge.NewMemoryCorpus()
	embedder := knowledge.NewHashEmbedder(32)
	if _, err := knowledge.NewIndexer(embedder, corpus).IndexDocument(context.Background(), knowledge.Document{
		ID:    "doc-auth",
		OrgID: "org-1",
		Title: "2FA reset",
		Text:  "To reset two factor authentication, open the admin console and choose reset.",
	}); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	retriever := knowledge.NewRetriever(corpus, embedder, 3)

	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if cfg.BusyRequeueDelay == 0 {
		cfg.BusyRequeueDelay = time.Millisecond
	}

	engine := triage.NewEngine(retriever, h.rec, triage.EngineConfig{RecommendTimeout: time.Second}, log.Nop(), triage.EngineHooks{})
	h.svc = triage.NewService(h.store, h.queue, log.Nop(), nil)
	h.orch = triage.NewOrchestrator(h.store, engine, h.queue, h.locker, cfg, log.Nop(), nil, h.notifier)
	return h
}

func (h *harness) ticket(t *testing.T) *triage.Ticket {
	t.Helper()
	tk, err := h.svc.CreateTicket(context.Background(), triage.NewTicket{
		OrgID:          "org-1",
		RequesterEmail: "user@example.com",
		Subject:        "Cannot log in",
		Body:           "My 2FA code is rejected",
	})
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	return tk
}

func (h *harness) enqueue(t *testing.T, ticketID, key string) *triage.JobRun {
	t.Helper()
	run, _, err := h.svc.RequestTriage(context.Background(), triage.TriageRequest{TicketID: ticketID, IdempotencyKey: key, ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("RequestTriage: %v", err)
	}
	return run
}

func (h *harness) job(t *testing.T, id string) *triage.JobRun {
	t.Helper()
	run, ok, err := h.store.GetJobRun(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("GetJobRun(%s) ok=%v err=%v", id, ok, err)
	}
	return run
}

func (h *harness) events(t *testing.T, ticketID string) []*triage.TicketEvent {
	t.Helper()
	page, err := h.store.ListEvents(context.Background(), ticketID, triage.Page{Size: triage.MaxPageSize})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	return page.Events
}

func eventTypes(evs []*triage.TicketEvent) []triage.EventType {
	out := make([]triage.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
