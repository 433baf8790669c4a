package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// OrchestratorConfig tunes the worker pool.
type OrchestratorConfig struct {
	Workers          int
	MaxAttempts      int
	LeaseDuration    time.Duration
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
	BusyRequeueDelay time.Duration
	ReapInterval     time.Duration

	// RequeueAfter is how long a queued job may wait without a wake-up
	// before the reaper pushes it again.
	RequeueAfter time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 5 * time.Minute
	}
	if c.BusyRequeueDelay <= 0 {
		c.BusyRequeueDelay = 2 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.RequeueAfter <= 0 {
		c.RequeueAfter = time.Minute
	}
	return c
}

// Orchestrator pulls job IDs off the Queue and drives each JobRun through
// the pipeline, one running job per ticket at a time.
type Orchestrator struct {
	store    Store
	engine   *Engine
	queue    Queue
	locker   TicketLocker
	notifier Notifier
	cfg      OrchestratorConfig
	logger   log.Logger
	metrics  *Metrics
	now      func() time.Time

	pending sync.WaitGroup // delayed re-pushes
	mu      sync.Mutex
	waiting map[string]struct{} // job IDs with a delayed re-push scheduled
}

// NewOrchestrator wires the worker pool. notifier and metrics may be nil.
func NewOrchestrator(store Store, engine *Engine, queue Queue, locker TicketLocker, cfg OrchestratorConfig, logger log.Logger, metrics *Metrics, notifier Notifier) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Orchestrator{
		store:    store,
		engine:   engine,
		queue:    queue,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		waiting:  make(map[string]struct{}),
	}
}

// Run recovers queued jobs, then runs the workers and the lease reaper
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if n, err := o.Recover(ctx); err != nil {
		o.logger.Error(ctx, err, "failed to recover queued jobs")
	} else if n > 0 {
		o.logger.Info(ctx, "recovered queued jobs", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			o.work(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		o.reapLoop(gctx)
		return nil
	})

	err := g.Wait()
	o.pending.Wait()
	return err
}

// Recover re-pushes every queued JobRun, for wake-ups lost with a previous
// process or broker.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	runs, err := o.store.QueuedJobRuns(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		if err := o.queue.Push(ctx, r.ID); err != nil {
			return 0, fmt.Errorf("push %s: %w", r.ID, err)
		}
	}
	return len(runs), nil
}

func (o *Orchestrator) work(ctx context.Context, worker int) {
	L := o.logger.With("worker", worker)
	for {
		id, err := o.queue.Pop(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			L.Error(ctx, err, "queue pop failed")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if id == "" {
			continue
		}
		if err := o.Process(ctx, id); err != nil {
			L.Error(ctx, err, "job processing failed", "job_id", id)
		}
	}
}

// Process runs one delivery of a job ID. Deliveries for jobs that are not
// queued are dropped, so duplicate wake-ups are harmless.
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	ctx, span := tracer.Start(ctx, "triage.process", trace.WithAttributes(
		attribute.String("deskmate.job.id", jobID),
	))
	defer span.End()

	err := o.process(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) process(ctx context.Context, jobID string) error {
	run, ok, err := o.store.GetJobRun(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if !ok {
		o.logger.Warn(ctx, "dropping delivery for unknown job", "job_id", jobID)
		return nil
	}
	if run.Status != JobQueued {
		return nil
	}

	L := o.logger.With("job_id", run.ID, "ticket_id", run.TicketID)

	unlock, ok, err := o.locker.TryLock(ctx, run.TicketID)
	if err != nil {
		o.later(ctx, o.cfg.BusyRequeueDelay, run.ID)
		return fmt.Errorf("lock ticket: %w", err)
	}
	if !ok {
		o.postpone(ctx, L, run.ID)
		return nil
	}
	defer unlock()

	ticket, ok, err := o.store.GetTicket(ctx, run.TicketID)
	if err != nil {
		o.later(ctx, o.cfg.BusyRequeueDelay, run.ID)
		return fmt.Errorf("get ticket: %w", err)
	}
	if !ok || ticket.Status == TicketResolved {
		reason := "cancelled: ticket resolved"
		if !ok {
			reason = "cancelled: ticket not found"
		}
		return o.cancel(ctx, L, run, reason)
	}

	running, err := o.store.Transition(ctx, run.ID, Transition{
		To:         JobRunning,
		LeaseUntil: o.now().Add(o.cfg.LeaseDuration),
	})
	switch {
	case errors.Is(err, ErrTicketBusy):
		o.postpone(ctx, L, run.ID)
		return nil
	case errors.Is(err, ErrInvalidStateTransition):
		// picked up by another worker between our read and the transition
		return nil
	case err != nil:
		o.later(ctx, o.cfg.BusyRequeueDelay, run.ID)
		return fmt.Errorf("start job: %w", err)
	}

	L.Info(ctx, "triage job started", "attempt", running.AttemptCount)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		o.heartbeat(hbCtx, L, running)
	}()

	outcome, perr := o.engine.Run(ctx, ticket)

	stopHeartbeat()
	<-hbDone

	if ctx.Err() != nil {
		// shutting down: leave the job running so its lease expires and the
		// reaper hands it to another worker
		L.Warn(ctx, "abandoning job on shutdown", "attempt", running.AttemptCount)
		return nil
	}

	if perr != nil {
		return o.fail(ctx, L, running, perr.Error(), Retryable(perr))
	}
	return o.complete(ctx, L, running, ticket, outcome)
}

func (o *Orchestrator) complete(ctx context.Context, L log.Logger, run *JobRun, ticket *Ticket, out *Outcome) error {
	now := o.now()
	sg := &Suggestion{
		ID:                ulid.Make().String(),
		TicketID:          run.TicketID,
		JobRunID:          run.ID,
		SuggestedPriority: out.Priority,
		SuggestedTeam:     out.Team,
		DraftReply:        out.DraftReply,
		Metadata:          out.Metadata,
		Status:            SuggestionPending,
		CreatedAt:         now,
	}
	ev := newEvent(run.TicketID, run.ID, EventSuggestionCreated, ActorAI, out.Backend, map[string]any{
		"suggestion_id":      sg.ID,
		"backend":            out.Backend,
		"model":              out.Model,
		"suggested_priority": sg.SuggestedPriority,
		"suggested_team":     sg.SuggestedTeam,
		"attempt":            run.AttemptCount,
	}, now)

	done, err := o.store.CompleteJobRun(ctx, run.ID, sg, ev)
	if errors.Is(err, ErrInvalidStateTransition) {
		// the lease expired and the reaper already took the job back
		L.Warn(ctx, "discarding result for job that lost its lease", "attempt", run.AttemptCount)
		o.metrics.job("discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	o.metrics.job("succeeded")
	L.Info(ctx, "triage job succeeded",
		"suggestion_id", sg.ID,
		"attempt", done.AttemptCount,
		"duration", out.Duration,
	)

	if o.notifier != nil {
		if err := o.notifier.Send(ctx, &Notification{Ticket: ticket, JobRun: done, Suggestion: sg}); err != nil {
			o.metrics.notifyFailed()
			L.Error(ctx, err, "failed to send suggestion notification")
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, L log.Logger, run *JobRun, reason string, retryable bool) error {
	retry := retryable && run.AttemptCount < o.cfg.MaxAttempts
	now := o.now()
	ev := newEvent(run.TicketID, run.ID, EventJobFailed, ActorSystem, "", map[string]any{
		"reason":     reason,
		"attempt":    run.AttemptCount,
		"retryable":  retryable,
		"will_retry": retry,
	}, now)

	if _, err := o.store.FailJobRun(ctx, run.ID, Failure{Reason: reason, Retry: retry, Event: ev}); err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			L.Warn(ctx, "job no longer running, failure not recorded", "reason", reason)
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}

	if retry {
		delay := o.backoff(run.AttemptCount)
		o.metrics.job("retried")
		L.Warn(ctx, "triage attempt failed, retrying",
			"reason", reason,
			"attempt", run.AttemptCount,
			"max_attempts", o.cfg.MaxAttempts,
			"retry_in", delay,
		)
		o.later(ctx, delay, run.ID)
		return nil
	}

	o.metrics.job("failed")
	L.Warn(ctx, "triage job failed",
		"reason", reason,
		"attempt", run.AttemptCount,
		"retryable", retryable,
	)
	return nil
}

func (o *Orchestrator) cancel(ctx context.Context, L log.Logger, run *JobRun, reason string) error {
	now := o.now()
	_, err := o.store.Transition(ctx, run.ID, Transition{
		To:     JobFailed,
		From:   JobQueued,
		Reason: reason,
		Event: newEvent(run.TicketID, run.ID, EventJobFailed, ActorSystem, "", map[string]any{
			"reason":     reason,
			"attempt":    run.AttemptCount,
			"will_retry": false,
		}, now),
	})
	if errors.Is(err, ErrInvalidStateTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	o.metrics.job("cancelled")
	L.Info(ctx, "triage job cancelled", "reason", reason)
	return nil
}

// postpone re-queues a job whose ticket is busy without touching its state.
func (o *Orchestrator) postpone(ctx context.Context, L log.Logger, jobID string) {
	o.metrics.contention()
	o.metrics.job("deferred")
	L.Info(ctx, "ticket busy, deferring job", "retry_in", o.cfg.BusyRequeueDelay)
	o.later(ctx, o.cfg.BusyRequeueDelay, jobID)
}

// heartbeat extends the job lease and, for lockers that expire, the ticket
// lock every third of the lease. A lost lock is logged; the store still
// refuses a second running job for the ticket.
func (o *Orchestrator) heartbeat(ctx context.Context, L log.Logger, run *JobRun) {
	interval := o.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = o.cfg.LeaseDuration
	}
	renewer, _ := o.locker.(LockRenewer)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := o.store.ExtendLease(ctx, run.ID, o.now().Add(o.cfg.LeaseDuration)); err != nil {
				if ctx.Err() != nil {
					return
				}
				L.Error(ctx, err, "lease heartbeat failed")
			}
			if renewer == nil {
				continue
			}
			if err := renewer.Renew(ctx, run.TicketID); err != nil {
				if ctx.Err() != nil {
					return
				}
				L.Warn(ctx, "ticket lock renewal failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) reapLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := o.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error(ctx, err, "lease reap failed")
			}
			if n, err := o.RequeueStale(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error(ctx, err, "requeue of stale jobs failed")
			} else if n > 0 {
				o.logger.Warn(ctx, "re-pushed queued jobs that missed their wake-up", "count", n)
			}
		}
	}
}

// ReapExpired fails running jobs whose lease has lapsed, re-queuing those
// with attempts left. It returns the number of jobs reaped.
func (o *Orchestrator) ReapExpired(ctx context.Context) (int, error) {
	runs, err := o.store.ExpiredLeases(ctx, o.now())
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}
	reaped := 0
	for _, r := range runs {
		L := o.logger.With("job_id", r.ID, "ticket_id", r.TicketID)
		if err := o.fail(ctx, L, r, "lease expired", true); err != nil {
			return reaped, err
		}
		reaped++
	}
	o.metrics.reaped(reaped)
	return reaped, nil
}

// RequeueStale pushes queued jobs that have waited longer than RequeueAfter
// and have no re-push scheduled in this process. It covers wake-ups lost to
// a failed push while the process keeps running.
func (o *Orchestrator) RequeueStale(ctx context.Context) (int, error) {
	runs, err := o.store.QueuedJobRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	cutoff := o.now().Add(-o.cfg.RequeueAfter)
	pushed := 0
	for _, r := range runs {
		since := r.CreatedAt
		if r.LastAttemptAt != nil && r.LastAttemptAt.After(since) {
			since = *r.LastAttemptAt
		}
		if since.After(cutoff) || o.isWaiting(r.ID) {
			continue
		}
		if err := o.queue.Push(ctx, r.ID); err != nil {
			return pushed, fmt.Errorf("push %s: %w", r.ID, err)
		}
		pushed++
	}
	return pushed, nil
}

func (o *Orchestrator) isWaiting(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.waiting[jobID]
	return ok
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.RetryBackoff
	for i := 1; i < attempt && d < o.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, o.cfg.MaxRetryBackoff)
}

// later pushes jobID after delay unless ctx ends first. At most one delayed
// push per job is scheduled at a time. A lost push is picked up again by
// RequeueStale since the job stays queued in the store.
func (o *Orchestrator) later(ctx context.Context, delay time.Duration, jobID string) {
	o.mu.Lock()
	if _, ok := o.waiting[jobID]; ok {
		o.mu.Unlock()
		return
	}
	o.waiting[jobID] = struct{}{}
	o.mu.Unlock()

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ok := sleep(ctx, delay)
		o.mu.Lock()
		delete(o.waiting, jobID)
		o.mu.Unlock()
		if !ok {
			return
		}
		if err := o.queue.Push(ctx, jobID); err != nil && ctx.Err() == nil {
			o.logger.Error(ctx, err, "failed to re-queue job", "job_id", jobID)
		}
	}()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
