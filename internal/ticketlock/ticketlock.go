// Package ticketlock provides per-ticket try-locks so at most one triage job
// runs for a ticket at a time.
package ticketlock

import (
	"context"
	"sync"
)

// Local serializes tickets within one process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock takes the lock for ticketID if it is free. It never blocks.
func (l *Local) TryLock(_ context.Context, ticketID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[ticketID]; busy {
		return nil, false, nil
	}
	l.held[ticketID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, ticketID)
			l.mu.Unlock()
		})
	}, true, nil
}
