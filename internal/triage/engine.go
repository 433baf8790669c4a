// internal/triage/engine.go
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
)

var tracer = otel.Tracer("github.com/linnemanlabs/deskmate/internal/triage")

// DefaultRecommendTimeout bounds a single recommendation call.
const DefaultRecommendTimeout = 60 * time.Second

// Retriever finds knowledge relevant to a ticket.
type Retriever interface {
	Retrieve(ctx context.Context, orgID, query string, topK int) ([]knowledge.Match, error)
}

// EngineHooks are optional callbacks for observability. Nil fields are skipped.
type EngineHooks struct {
	OnRetrieve  func(matches int, duration float64, err error)
	OnRecommend func(backend string, duration float64, err error)
	OnComplete  func(e *CompleteEvent)
}

// CompleteEvent summarizes a finished pipeline run.
type CompleteEvent struct {
	Status   JobStatus
	Backend  string
	Model    string
	Duration float64
	Matches  int
}

// EngineConfig tunes the pipeline.
type EngineConfig struct {
	TopK             int
	RecommendTimeout time.Duration
}

// Outcome is a validated pipeline result, ready to become a Suggestion.
type Outcome struct {
	Priority   Priority
	Team       string
	DraftReply string
	Metadata   json.RawMessage
	Backend    string
	Model      string
	Matches    int
	Duration   float64
}

// Engine runs the retrieval-augmented recommendation pipeline. It has no
// store dependency and no side effects beyond calling its collaborators.
type Engine struct {
	retriever   Retriever
	recommender Recommender
	cfg         EngineConfig
	logger      log.Logger
	hooks       EngineHooks
}

// NewEngine creates a new triage engine with the given dependencies.
func NewEngine(retriever Retriever, recommender Recommender, cfg EngineConfig, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = knowledge.DefaultTopK
	}
	if cfg.RecommendTimeout <= 0 {
		cfg.RecommendTimeout = DefaultRecommendTimeout
	}
	return &Engine{
		retriever:   retriever,
		recommender: recommender,
		cfg:         cfg,
		logger:      logger,
		hooks:       hooks,
	}
}

// Backend names the configured recommender.
func (e *Engine) Backend() string { return e.recommender.Name() }

// Run retrieves context for the ticket, asks the recommender for a proposal
// and validates its shape. Errors are one of knowledge.ErrEmbeddingUnavailable,
// ErrRecommendationFailed or ErrMalformedRecommendation, or a corpus error.
func (e *Engine) Run(ctx context.Context, t *Ticket) (*Outcome, error) {
	start := time.Now()
	backend := e.recommender.Name()

	ctx, span := tracer.Start(ctx, "triage.pipeline", trace.WithAttributes(
		attribute.String("deskmate.ticket.id", t.ID),
		attribute.String("deskmate.recommender", backend),
	))
	defer span.End()

	L := e.logger.With("ticket_id", t.ID, "recommender", backend)

	out, err := e.run(ctx, t, backend)

	ev := &CompleteEvent{
		Status:   JobSucceeded,
		Backend:  backend,
		Duration: time.Since(start).Seconds(),
	}
	if out != nil {
		out.Duration = ev.Duration
		ev.Model = out.Model
		ev.Matches = out.Matches
	}
	if err != nil {
		ev.Status = JobFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Warn(ctx, "triage pipeline failed", "error", err, "duration", ev.Duration)
	} else {
		L.Info(ctx, "triage pipeline complete",
			"duration", ev.Duration,
			"matches", out.Matches,
			"model", out.Model,
			"priority", out.Priority,
		)
	}
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(ev)
	}
	return out, err
}

func (e *Engine) run(ctx context.Context, t *Ticket, backend string) (*Outcome, error) {
	rstart := time.Now()
	matches, err := e.retriever.Retrieve(ctx, t.OrgID, QueryText(t), e.cfg.TopK)
	if e.hooks.OnRetrieve != nil {
		e.hooks.OnRetrieve(len(matches), time.Since(rstart).Seconds(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	rec, err := e.recommend(ctx, &RecommendRequest{
		TicketID: t.ID,
		OrgID:    t.OrgID,
		Subject:  t.Subject,
		Body:     t.Body,
		Priority: t.Priority,
		Context:  matches,
	}, backend)
	if err != nil {
		return nil, err
	}

	return buildOutcome(rec, matches, backend)
}

// recommend calls the backend under the engine's own deadline. The call runs
// in its own goroutine so a backend that ignores ctx cannot hold the worker.
func (e *Engine) recommend(ctx context.Context, req *RecommendRequest, backend string) (*Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RecommendTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "recommend.call", trace.WithAttributes(
		attribute.String("deskmate.recommender", backend),
		attribute.Int("deskmate.retrieval.matches", len(req.Context)),
	))
	defer span.End()

	type result struct {
		rec *Recommendation
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		rec, err := e.recommender.Recommend(ctx, req)
		ch <- result{rec, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}

	if e.hooks.OnRecommend != nil {
		e.hooks.OnRecommend(backend, time.Since(start).Seconds(), r.err)
	}

	if r.err != nil {
		if !errors.Is(r.err, ErrMalformedRecommendation) {
			r.err = &RecommendationError{Backend: backend, Cause: r.err}
		}
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		return nil, r.err
	}
	if r.rec == nil {
		err := fmt.Errorf("%w: backend returned no recommendation", ErrMalformedRecommendation)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if r.rec.Model != "" {
		span.SetAttributes(attribute.String("deskmate.model", r.rec.Model))
	}
	return r.rec, nil
}

type suggestionMetadata struct {
	Backend    string            `json:"backend"`
	Model      string            `json:"model,omitempty"`
	Category   string            `json:"category,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Citations  []string          `json:"citations,omitempty"`
	Retrieval  []retrievalRecord `json:"retrieval"`
	Raw        json.RawMessage   `json:"raw,omitempty"`
}

type retrievalRecord struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title,omitempty"`
	ChunkIndex    int     `json:"chunk_index"`
	Distance      float64 `json:"distance"`
}

// buildOutcome validates rec and packs the retrieval context and backend
// extras into the suggestion metadata.
func buildOutcome(rec *Recommendation, matches []knowledge.Match, backend string) (*Outcome, error) {
	var prio Priority
	if rec.Priority != "" {
		p, ok := ParsePriority(rec.Priority)
		if !ok {
			return nil, fmt.Errorf("%w: unknown priority %q", ErrMalformedRecommendation, rec.Priority)
		}
		prio = p
	}
	if len(rec.RawMetadata) > 0 && !json.Valid(rec.RawMetadata) {
		return nil, fmt.Errorf("%w: raw metadata is not valid JSON", ErrMalformedRecommendation)
	}
	if rec.Confidence != nil && (*rec.Confidence < 0 || *rec.Confidence > 1) {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedRecommendation, *rec.Confidence)
	}

	md := suggestionMetadata{
		Backend:    backend,
		Model:      rec.Model,
		Category:   rec.Category,
		Confidence: rec.Confidence,
		Citations:  rec.Citations,
		Retrieval:  make([]retrievalRecord, len(matches)),
		Raw:        rec.RawMetadata,
	}
	for i, m := range matches {
		md.Retrieval[i] = retrievalRecord{
			ChunkID:       m.ChunkID,
			DocumentID:    m.DocumentID,
			DocumentTitle: m.DocumentTitle,
			ChunkIndex:    m.ChunkIndex,
			Distance:      m.Distance,
		}
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecommendation, err)
	}

	return &Outcome{
		Priority:   prio,
		Team:       rec.Team,
		DraftReply: rec.DraftReply,
		Metadata:   raw,
		Backend:    backend,
		Model:      rec.Model,
		Matches:    len(matches),
	}, nil
}

// QueryText is the retrieval query for a ticket.
func QueryText(t *Ticket) string {
	if t.Body == "" {
		return t.Subject
	}
	return t.Subject + "\n\n" + t.Body
}
