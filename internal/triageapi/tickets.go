package triageapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/deskmate/internal/authmw"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

// IdempotencyKeyHeader carries the caller's key for triage requests.
const IdempotencyKeyHeader = "Idempotency-Key"

type createTicketRequest struct {
	OrgID          string `json:"org_id"`
	RequesterEmail string `json:"requester_email"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Priority       string `json:"priority"`
	AssignedTeam   string `json:"assigned_team"`
}

func (a *API) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var in createTicketRequest
	if !decode(w, r, &in) {
		return
	}

	t, err := a.svc.CreateTicket(r.Context(), triage.NewTicket{
		OrgID:          in.OrgID,
		RequesterEmail: in.RequesterEmail,
		Subject:        in.Subject,
		Body:           in.Body,
		Priority:       in.Priority,
		AssignedTeam:   in.AssignedTeam,
	})
	if err != nil {
		a.writeError(w, r, err, "failed to create ticket")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("deskmate.ticket.id", t.ID))
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("deskmate.ticket.id", id))

	t, ok, err := a.svc.Ticket(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get ticket", "ticket_id", id)
		return
	}
	if !ok {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleSetTicketStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		Status triage.TicketStatus `json:"status"`
	}
	if !decode(w, r, &in) {
		return
	}

	t, err := a.svc.SetTicketStatus(r.Context(), id, in.Status)
	if err != nil {
		a.writeError(w, r, err, "failed to set ticket status", "ticket_id", id)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type triageResponse struct {
	Job     *triage.JobRun `json:"job"`
	Created bool           `json:"created"`
}

// handleRequestTriage answers 202 for a new job and 200 when the key matched
// an existing one.
func (a *API) handleRequestTriage(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("deskmate.ticket.id", ticketID))

	run, created, err := a.svc.RequestTriage(r.Context(), triage.TriageRequest{
		TicketID:       ticketID,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		ActorID:        authmw.ActorFromContext(r.Context()),
	})
	if err != nil && run == nil {
		a.writeError(w, r, err, "failed to request triage", "ticket_id", ticketID)
		return
	}
	if err != nil {
		// the job is stored; a repeated request or a restart dispatches it again
		a.logger.Warn(r.Context(), "triage job stored but not dispatched",
			"ticket_id", ticketID, "job_id", run.ID, "error", err)
	}

	span.SetAttributes(
		attribute.String("deskmate.job.id", run.ID),
		attribute.Bool("deskmate.job.created", created),
	)
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	w.Header().Set("Location", "/api/v1/jobs/"+run.ID)
	writeJSON(w, status, triageResponse{Job: run, Created: created})
}

func (a *API) handleLatestSuggestion(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "id")

	sg, ok, err := a.svc.LatestSuggestion(r.Context(), ticketID)
	if err != nil {
		a.writeError(w, r, err, "failed to get suggestion", "ticket_id", ticketID)
		return
	}
	if !ok {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "id")

	var p triage.Page
	var err error
	if p.Number, err = queryInt(r, "page"); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid page")
		return
	}
	if p.Size, err = queryInt(r, "page_size"); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid page_size")
		return
	}

	page, err := a.svc.Events(r.Context(), ticketID, p)
	if err != nil {
		a.writeError(w, r, err, "failed to list events", "ticket_id", ticketID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// queryInt parses an optional integer query parameter. Absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
