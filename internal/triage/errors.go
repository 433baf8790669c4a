package triage

import (
	"errors"
	"fmt"

	"github.com/linnemanlabs/deskmate/internal/knowledge"
)

var (
	// ErrNotFound is returned when a referenced ticket, job or suggestion does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStateTransition is returned for a job status change outside the allowed edges.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrInvalidSuggestionState is returned when deciding a suggestion that is not pending.
	ErrInvalidSuggestionState = errors.New("suggestion is not pending")

	// ErrRecommendationFailed marks a timeout or transport failure of the recommendation backend.
	ErrRecommendationFailed = errors.New("recommendation failed")

	// ErrMalformedRecommendation marks backend output that fails shape validation.
	ErrMalformedRecommendation = errors.New("malformed recommendation")

	// ErrTicketBusy is returned when another job for the same ticket is running.
	ErrTicketBusy = errors.New("ticket has a running job")

	// ErrInvalidIdempotencyKey is returned for a missing or oversized idempotency key.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")

	// ErrInvalidInput is returned for malformed tickets and status updates.
	ErrInvalidInput = errors.New("invalid input")
)

// RecommendationError wraps a backend failure. It matches
// ErrRecommendationFailed under errors.Is.
type RecommendationError struct {
	Backend string
	Cause   error
}

func (e *RecommendationError) Error() string {
	return fmt.Sprintf("recommendation failed (%s): %v", e.Backend, e.Cause)
}

// Unwrap returns the backend error.
func (e *RecommendationError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrRecommendationFailed.
func (e *RecommendationError) Is(target error) bool { return target == ErrRecommendationFailed }

// Retryable reports whether a pipeline failure is transient.
func Retryable(err error) bool {
	return errors.Is(err, knowledge.ErrEmbeddingUnavailable) || errors.Is(err, ErrRecommendationFailed)
}
