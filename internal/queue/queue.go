// Package queue carries triage job IDs from the API to the worker pool.
// A delivery is only a wake-up: the store remains the source of truth, so
// duplicate or lost deliveries are tolerated by the orchestrator.
package queue

import (
	"context"
	"errors"
)

// ErrFull is returned by Local.Push when the buffer is full.
var ErrFull = errors.New("queue full")

// Local is an in-process queue backed by a buffered channel.
type Local struct {
	ch chan string
}

// NewLocal creates a Local queue holding up to size pending IDs.
func NewLocal(size int) *Local {
	if size <= 0 {
		size = 1024
	}
	return &Local{ch: make(chan string, size)}
}

// Push adds jobID without blocking.
func (q *Local) Push(ctx context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

// Pop blocks until an ID is available or ctx is done.
func (q *Local) Pop(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports the number of pending IDs.
func (q *Local) Len() int { return len(q.ch) }
