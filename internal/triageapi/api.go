// Package triageapi exposes tickets, triage jobs, suggestions and the
// knowledge base over HTTP.
package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
	"github.com/linnemanlabs/deskmate/internal/triage"
)

// maxBodyBytes bounds request bodies. Chunk uploads carry embeddings, so
// this is larger than a ticket needs.
const maxBodyBytes = 4 << 20

// TriageService defines the business operations the API needs.
type TriageService interface {
	CreateTicket(ctx context.Context, nt triage.NewTicket) (*triage.Ticket, error)
	Ticket(ctx context.Context, id string) (*triage.Ticket, bool, error)
	SetTicketStatus(ctx context.Context, id string, status triage.TicketStatus) (*triage.Ticket, error)
	RequestTriage(ctx context.Context, req triage.TriageRequest) (*triage.JobRun, bool, error)
	JobRun(ctx context.Context, id string) (*triage.JobRun, bool, error)
	Cancel(ctx context.Context, jobID, actorID string) (*triage.JobRun, error)
	LatestSuggestion(ctx context.Context, ticketID string) (*triage.Suggestion, bool, error)
	Approve(ctx context.Context, suggestionID, actorID string) (*triage.Suggestion, *triage.Ticket, error)
	Reject(ctx context.Context, suggestionID, actorID string) (*triage.Suggestion, *triage.Ticket, error)
	Events(ctx context.Context, ticketID string, p triage.Page) (*triage.EventPage, error)
}

// DocumentIndexer chunks and embeds raw documents.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, doc knowledge.Document) ([]knowledge.Chunk, error)
}

// Searcher ranks knowledge chunks for a query.
type Searcher interface {
	Retrieve(ctx context.Context, orgID, query string, topK int) ([]knowledge.Match, error)
}

// Knowledge groups the knowledge-base dependencies. Routes whose
// dependency is nil are not registered.
type Knowledge struct {
	Writer   knowledge.Writer
	Indexer  DocumentIndexer
	Searcher Searcher
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
	kb     Knowledge
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, kb Knowledge) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		kb:     kb,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tickets", a.handleCreateTicket)
		r.Route("/tickets/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetTicket)
			r.Put("/status", a.handleSetTicketStatus)
			r.Post("/triage", a.handleRequestTriage)
			r.Get("/suggestion", a.handleLatestSuggestion)
			r.Get("/events", a.handleListEvents)
		})

		r.Get("/jobs/{id}", a.handleGetJob)
		r.Post("/jobs/{id}/cancel", a.handleCancelJob)

		r.Post("/suggestions/{id}/approve", a.handleDecide(true))
		r.Post("/suggestions/{id}/reject", a.handleDecide(false))

		if a.kb.Writer != nil {
			r.Put("/knowledge/chunks", a.handlePutChunks)
		}
		if a.kb.Indexer != nil {
			r.Post("/knowledge/documents", a.handleIndexDocument)
		}
		if a.kb.Searcher != nil {
			r.Post("/knowledge/search", a.handleSearch)
		}
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with a write error
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, triage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, triage.ErrInvalidIdempotencyKey),
		errors.Is(err, triage.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, triage.ErrInvalidStateTransition),
		errors.Is(err, triage.ErrInvalidSuggestionState),
		errors.Is(err, triage.ErrTicketBusy):
		return http.StatusConflict
	case errors.Is(err, knowledge.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs unexpected failures and hides their detail from clients.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, kv...)
		writeMessage(w, status, "internal error")
		return
	}
	writeMessage(w, status, err.Error())
}

// decode reads a JSON body into v. It writes the error response itself and
// reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}
