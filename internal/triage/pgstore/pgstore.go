// Package pgstore provides a PostgreSQL implementation of triage.Store and
// of the knowledge corpus.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/deskmate/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/deskmate/internal/triage/pgstore")

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	runningIndex          = "job_runs_one_running_idx"
)

// Store persists tickets, job runs, suggestions, events and knowledge
// chunks in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const ticketColumns = `id, org_id, requester_email, subject, body, status, priority, assigned_team, created_at, updated_at`

const jobColumns = `id, ticket_id, org_id, idempotency_key, status, attempt_count, last_attempt_at,
	lease_expires_at, failure_reason, triggered_by, created_at, finished_at`

const suggestionColumns = `id, ticket_id, job_run_id, suggested_priority, suggested_team, draft_reply,
	metadata, status, created_at, decided_at, decided_by`

const eventColumns = `id, ticket_id, job_run_id, event_type, actor_type, actor_id, payload, created_at`

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*triage.Ticket, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetTicket", "SELECT")
	defer span.End()

	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return t, t != nil, nil
}

// PutTicket inserts or updates a ticket.
func (s *Store) PutTicket(ctx context.Context, t *triage.Ticket) error {
	ctx, span := startSpan(ctx, "pgstore.PutTicket", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			requester_email = EXCLUDED.requester_email,
			subject         = EXCLUDED.subject,
			body            = EXCLUDED.body,
			status          = EXCLUDED.status,
			priority        = EXCLUDED.priority,
			assigned_team   = EXCLUDED.assigned_team,
			updated_at      = EXCLUDED.updated_at`,
		t.ID, t.OrgID, t.RequesterEmail, t.Subject, t.Body, string(t.Status), string(t.Priority),
		t.AssignedTeam, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert ticket: %w", err))
	}
	return nil
}

// SetTicketStatus updates only the status columns, leaving fields written by
// DecideSuggestion alone.
func (s *Store) SetTicketStatus(ctx context.Context, id string, status triage.TicketStatus, at time.Time) (*triage.Ticket, error) {
	ctx, span := startSpan(ctx, "pgstore.SetTicketStatus", "UPDATE")
	defer span.End()

	t, err := scanTicket(s.pool.QueryRow(ctx, `UPDATE tickets SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+ticketColumns, id, string(status), at))
	if err != nil {
		return nil, fail(span, fmt.Errorf("update ticket status: %w", err))
	}
	if t == nil {
		return nil, fail(span, fmt.Errorf("ticket %s: %w", id, triage.ErrNotFound))
	}
	return t, nil
}

// Enqueue inserts run unless its (ticket, idempotency key) pair exists, in
// which case the existing run is returned with created=false.
func (s *Store) Enqueue(ctx context.Context, run *triage.JobRun, ev *triage.TicketEvent) (*triage.JobRun, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Enqueue", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `INSERT INTO job_runs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (ticket_id, idempotency_key) DO NOTHING`,
		run.ID, run.TicketID, run.OrgID, run.IdempotencyKey, string(run.Status), run.AttemptCount,
		run.LastAttemptAt, run.LeaseExpiresAt, run.FailureReason, run.TriggeredBy, run.CreatedAt, run.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, false, fail(span, fmt.Errorf("ticket %s: %w", run.TicketID, triage.ErrNotFound))
		}
		return nil, false, fail(span, fmt.Errorf("insert job run: %w", err))
	}

	if tag.RowsAffected() == 0 {
		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM job_runs WHERE ticket_id = $1 AND idempotency_key = $2`,
			run.TicketID, run.IdempotencyKey,
		))
		if err != nil {
			return nil, false, fail(span, err)
		}
		if existing == nil {
			return nil, false, fail(span, fmt.Errorf("job run for key %q vanished", run.IdempotencyKey))
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fail(span, fmt.Errorf("commit: %w", err))
		}
		return existing, false, nil
	}

	if err := insertEvent(ctx, tx, ev, run.ID); err != nil {
		return nil, false, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fail(span, fmt.Errorf("commit: %w", err))
	}
	out := *run
	return &out, true, nil
}

// GetJobRun retrieves a job run by ID.
func (s *Store) GetJobRun(ctx context.Context, id string) (*triage.JobRun, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetJobRun", "SELECT")
	defer span.End()

	r, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Transition applies a status change under a row lock.
func (s *Store) Transition(ctx context.Context, id string, t triage.Transition) (*triage.JobRun, error) {
	ctx, span := startSpan(ctx, "pgstore.Transition", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("deskmate.job.to", string(t.To)))

	var out *triage.JobRun
	err := s.withJob(ctx, id, func(tx pgx.Tx, run *triage.JobRun) error {
		if err := triage.ApplyTransition(run, t, s.now()); err != nil {
			return err
		}
		if err := updateJob(ctx, tx, run); err != nil {
			return err
		}
		if t.Event != nil {
			if err := insertEvent(ctx, tx, t.Event, run.ID); err != nil {
				return err
			}
		}
		out = run
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// CompleteJobRun marks a running job succeeded and stores its suggestion and
// event in one transaction.
func (s *Store) CompleteJobRun(ctx context.Context, id string, sg *triage.Suggestion, ev *triage.TicketEvent) (*triage.JobRun, error) {
	ctx, span := startSpan(ctx, "pgstore.CompleteJobRun", "UPDATE")
	defer span.End()

	var out *triage.JobRun
	err := s.withJob(ctx, id, func(tx pgx.Tx, run *triage.JobRun) error {
		if err := triage.ApplyTransition(run, triage.Transition{To: triage.JobSucceeded}, s.now()); err != nil {
			return err
		}
		if err := updateJob(ctx, tx, run); err != nil {
			return err
		}

		metadata := sg.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}
		var prio *string
		if sg.SuggestedPriority != "" {
			p := string(sg.SuggestedPriority)
			prio = &p
		}
		_, err := tx.Exec(ctx, `INSERT INTO suggestions (`+suggestionColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			sg.ID, run.TicketID, run.ID, prio, sg.SuggestedTeam, sg.DraftReply,
			string(metadata), string(sg.Status), sg.CreatedAt, sg.DecidedAt, sg.DecidedBy,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("job %s already has a suggestion: %w", id, triage.ErrInvalidStateTransition)
			}
			return fmt.Errorf("insert suggestion: %w", err)
		}
		if err := insertEvent(ctx, tx, ev, run.ID); err != nil {
			return err
		}
		out = run
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// FailJobRun records a failed attempt, re-queuing the job when f.Retry.
func (s *Store) FailJobRun(ctx context.Context, id string, f triage.Failure) (*triage.JobRun, error) {
	ctx, span := startSpan(ctx, "pgstore.FailJobRun", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.Bool("deskmate.job.retry", f.Retry))

	var out *triage.JobRun
	err := s.withJob(ctx, id, func(tx pgx.Tx, run *triage.JobRun) error {
		now := s.now()
		err := triage.ApplyTransition(run, triage.Transition{To: triage.JobFailed, From: triage.JobRunning, Reason: f.Reason}, now)
		if err != nil {
			return err
		}
		if f.Retry {
			if err := triage.ApplyTransition(run, triage.Transition{To: triage.JobQueued}, now); err != nil {
				return err
			}
		}
		if err := updateJob(ctx, tx, run); err != nil {
			return err
		}
		if f.Event != nil {
			if err := insertEvent(ctx, tx, f.Event, run.ID); err != nil {
				return err
			}
		}
		out = run
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// ExtendLease pushes out the lease of a running job.
func (s *Store) ExtendLease(ctx context.Context, id string, until time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.ExtendLease", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET lease_expires_at = $2 WHERE id = $1 AND status = 'running'`, id, until)
	if err != nil {
		return fail(span, fmt.Errorf("extend lease: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM job_runs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fail(span, fmt.Errorf("job %s: %w", id, triage.ErrNotFound))
	}
	if err != nil {
		return fail(span, fmt.Errorf("extend lease: %w", err))
	}
	return fail(span, fmt.Errorf("%w: job %s is %s", triage.ErrInvalidStateTransition, id, status))
}

// ExpiredLeases returns running jobs whose lease ended before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]*triage.JobRun, error) {
	ctx, span := startSpan(ctx, "pgstore.ExpiredLeases", "SELECT")
	defer span.End()

	runs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM job_runs
		WHERE status = 'running' AND lease_expires_at < $1
		ORDER BY created_at, id`, now)
	if err != nil {
		return nil, fail(span, err)
	}
	return runs, nil
}

// QueuedJobRuns returns every queued job, oldest first.
func (s *Store) QueuedJobRuns(ctx context.Context) ([]*triage.JobRun, error) {
	ctx, span := startSpan(ctx, "pgstore.QueuedJobRuns", "SELECT")
	defer span.End()

	runs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM job_runs
		WHERE status = 'queued'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fail(span, err)
	}
	return runs, nil
}

// GetSuggestion retrieves a suggestion by ID.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*triage.Suggestion, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetSuggestion", "SELECT")
	defer span.End()

	sg, err := scanSuggestion(s.pool.QueryRow(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return sg, sg != nil, nil
}

// LatestSuggestion returns the newest suggestion for a ticket.
func (s *Store) LatestSuggestion(ctx context.Context, ticketID string) (*triage.Suggestion, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestSuggestion", "SELECT")
	defer span.End()

	sg, err := scanSuggestion(s.pool.QueryRow(ctx, `SELECT `+suggestionColumns+` FROM suggestions
		WHERE ticket_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, ticketID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return sg, sg != nil, nil
}

// DecideSuggestion applies a verdict to a pending suggestion and its ticket
// atomically, locking both rows.
func (s *Store) DecideSuggestion(ctx context.Context, id string, d triage.Decision) (*triage.Suggestion, *triage.Ticket, error) {
	ctx, span := startSpan(ctx, "pgstore.DecideSuggestion", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	sg, err := scanSuggestion(tx.QueryRow(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, fail(span, err)
	}
	if sg == nil {
		return nil, nil, fail(span, fmt.Errorf("suggestion %s: %w", id, triage.ErrNotFound))
	}
	t, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, sg.TicketID))
	if err != nil {
		return nil, nil, fail(span, err)
	}
	if t == nil {
		return nil, nil, fail(span, fmt.Errorf("ticket %s: %w", sg.TicketID, triage.ErrNotFound))
	}

	payload, err := triage.ApplyDecision(t, sg, d, s.now())
	if err != nil {
		return nil, nil, fail(span, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE suggestions SET status = $2, decided_at = $3, decided_by = $4 WHERE id = $1`,
		sg.ID, string(sg.Status), sg.DecidedAt, sg.DecidedBy,
	); err != nil {
		return nil, nil, fail(span, fmt.Errorf("update suggestion: %w", err))
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tickets SET priority = $2, assigned_team = $3, updated_at = $4 WHERE id = $1`,
		t.ID, string(t.Priority), t.AssignedTeam, t.UpdatedAt,
	); err != nil {
		return nil, nil, fail(span, fmt.Errorf("update ticket: %w", err))
	}
	if d.Event != nil {
		ev := *d.Event
		ev.TicketID = sg.TicketID
		ev.Payload = payload
		if err := insertEvent(ctx, tx, &ev, sg.JobRunID); err != nil {
			return nil, nil, fail(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return sg, t, nil
}

// ListEvents returns a page of a ticket's events, newest first.
func (s *Store) ListEvents(ctx context.Context, ticketID string, p triage.Page) (*triage.EventPage, error) {
	ctx, span := startSpan(ctx, "pgstore.ListEvents", "SELECT")
	defer span.End()

	p = p.Normalize()
	page := &triage.EventPage{Events: []*triage.TicketEvent{}, Page: p.Number, PageSize: p.Size}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ticket_events WHERE ticket_id = $1`, ticketID).Scan(&page.Total); err != nil {
		return nil, fail(span, fmt.Errorf("count events: %w", err))
	}

	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM ticket_events
		WHERE ticket_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		ticketID, p.Size, p.Offset())
	if err != nil {
		return nil, fail(span, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev        triage.TicketEvent
			typ       string
			actorType string
			payload   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TicketID, &ev.JobRunID, &typ, &actorType, &ev.ActorID, &payload, &ev.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan event: %w", err))
		}
		ev.Type = triage.EventType(typ)
		ev.ActorType = triage.ActorType(actorType)
		ev.Payload = payload
		page.Events = append(page.Events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate events: %w", err))
	}
	return page, nil
}

// withJob runs fn on a locked job row inside a transaction and commits if
// fn succeeds.
func (s *Store) withJob(ctx context.Context, id string, fn func(tx pgx.Tx, run *triage.JobRun) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	run, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("job %s: %w", id, triage.ErrNotFound)
	}
	if err := fn(tx, run); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*triage.JobRun, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var out []*triage.JobRun
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return out, nil
}

func updateJob(ctx context.Context, tx pgx.Tx, r *triage.JobRun) error {
	_, err := tx.Exec(ctx, `UPDATE job_runs SET
			status           = $2,
			attempt_count    = $3,
			last_attempt_at  = $4,
			lease_expires_at = $5,
			failure_reason   = $6,
			finished_at      = $7
		WHERE id = $1`,
		r.ID, string(r.Status), r.AttemptCount, r.LastAttemptAt, r.LeaseExpiresAt, r.FailureReason, r.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == runningIndex {
			return fmt.Errorf("ticket %s: %w", r.TicketID, triage.ErrTicketBusy)
		}
		return fmt.Errorf("update job run: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *triage.TicketEvent, jobID string) error {
	if ev == nil {
		return nil
	}
	if ev.JobRunID != "" {
		jobID = ev.JobRunID
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := tx.Exec(ctx, `INSERT INTO ticket_events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.ID, ev.TicketID, jobID, string(ev.Type), string(ev.ActorType), ev.ActorID, string(payload), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.Type, err)
	}
	return nil
}

// scanTicket returns (nil, nil) when no row is found.
func scanTicket(row pgx.Row) (*triage.Ticket, error) {
	var (
		t        triage.Ticket
		status   string
		priority string
	)
	err := row.Scan(&t.ID, &t.OrgID, &t.RequesterEmail, &t.Subject, &t.Body, &status, &priority,
		&t.AssignedTeam, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	t.Status = triage.TicketStatus(status)
	t.Priority = triage.Priority(priority)
	return &t, nil
}

// scanJob returns (nil, nil) when no row is found.
func scanJob(row pgx.Row) (*triage.JobRun, error) {
	var (
		r      triage.JobRun
		status string
	)
	err := row.Scan(&r.ID, &r.TicketID, &r.OrgID, &r.IdempotencyKey, &status, &r.AttemptCount,
		&r.LastAttemptAt, &r.LeaseExpiresAt, &r.FailureReason, &r.TriggeredBy, &r.CreatedAt, &r.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job run: %w", err)
	}
	r.Status = triage.JobStatus(status)
	return &r, nil
}

// scanSuggestion returns (nil, nil) when no row is found.
func scanSuggestion(row pgx.Row) (*triage.Suggestion, error) {
	var (
		sg       triage.Suggestion
		priority *string
		metadata []byte
		status   string
	)
	err := row.Scan(&sg.ID, &sg.TicketID, &sg.JobRunID, &priority, &sg.SuggestedTeam, &sg.DraftReply,
		&metadata, &status, &sg.CreatedAt, &sg.DecidedAt, &sg.DecidedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan suggestion: %w", err)
	}
	if priority != nil {
		sg.SuggestedPriority = triage.Priority(*priority)
	}
	sg.Metadata = metadata
	sg.Status = triage.SuggestionStatus(status)
	return &sg, nil
}
