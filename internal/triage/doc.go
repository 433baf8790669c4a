// Package triage provides the business boundary for deskmate's ticket triage
// system. It defines the Service (idempotent requests, approvals, queries),
// the Orchestrator (worker pool, per-ticket serialization, leases and
// retries), the Engine (pure retrieval + recommendation pipeline), the Store
// interface (persistence) and the domain models.
package triage
