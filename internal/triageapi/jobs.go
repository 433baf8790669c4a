package triageapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/deskmate/internal/authmw"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("deskmate.job.id", id))

	run, ok, err := a.svc.JobRun(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get job", "job_id", id)
		return
	}
	if !ok {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("deskmate.job.status", string(run.Status)))
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := a.svc.Cancel(r.Context(), id, authmw.ActorFromContext(r.Context()))
	if err != nil {
		a.writeError(w, r, err, "failed to cancel job", "job_id", id)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type decisionResponse struct {
	Suggestion *triage.Suggestion `json:"suggestion"`
	Ticket     *triage.Ticket     `json:"ticket"`
}

func (a *API) handleDecide(accept bool) http.HandlerFunc {
	decide := a.svc.Reject
	if accept {
		decide = a.svc.Approve
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("deskmate.suggestion.id", id),
			attribute.Bool("deskmate.suggestion.accept", accept),
		)

		sg, t, err := decide(r.Context(), id, authmw.ActorFromContext(r.Context()))
		if err != nil {
			a.writeError(w, r, err, "failed to decide suggestion", "suggestion_id", id)
			return
		}
		writeJSON(w, http.StatusOK, decisionResponse{Suggestion: sg, Ticket: t})
	}
}
