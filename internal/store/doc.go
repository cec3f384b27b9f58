// Package store provides SQLite-backed durable storage for rostersync.
//
// The store owns:
//   - Members: versioned member records with unique active identities
//   - Rank history: append-only, enforced by triggers
//   - Actions: the idempotency ledger (pending, applied, failed)
//   - Action attempts: one audit row per execution attempt
//   - Conflicts: every escalated anomaly, for human review
//   - Seen events: the ingestion dedupe log with a retention window
//   - Roster snapshots: the last polled roster, so restarts diff correctly
//
// # Concurrency
//
// Optimistic versioning is the only concurrency control. Every member
// mutation goes through CompareAndUpdate, which fails with ErrConflict when
// the stored version moved since the caller read it. No lock is held across
// a reconciliation.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
