package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rostersync/internal/ir"
)

// RejectedEvent is a malformed event kept for audit.
type RejectedEvent struct {
	ID         int64     `json:"id"`
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	Event      string    `json:"event"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// MarkSeen records the dedupe key of an ingested event and keeps the event
// in the inbox until RecordReconciliation marks it processed. It returns
// false when the key was already seen within retention, in which case the
// event is a duplicate. A key seen longer ago than retention counts as new
// again.
func (s *Store) MarkSeen(ctx context.Context, ev ir.CanonicalEvent, retention time.Duration) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("mark seen: marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("mark seen: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.nowMillis()
	var seenAt int64
	err = tx.QueryRowContext(ctx, `SELECT seen_at FROM seen_events WHERE dedupe_key = ?`, ev.DedupeKey).Scan(&seenAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("mark seen: %w", err)
	case now-seenAt < retention.Milliseconds():
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO seen_events (dedupe_key, source, kind, seq, event, processed, seen_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(dedupe_key) DO UPDATE SET
			seq = excluded.seq, event = excluded.event, processed = 0, seen_at = excluded.seen_at
	`, ev.DedupeKey, string(ev.Source), string(ev.Kind), ev.Seq, string(data), now)
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("mark seen: commit: %w", err)
	}
	return true, nil
}

// PruneSeen deletes processed dedupe keys last seen before cutoff and
// returns how many were removed. Unprocessed events are never pruned.
func (s *Store) PruneSeen(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_events WHERE seen_at < ? AND processed = 1`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune seen events: %w", err)
	}
	return res.RowsAffected()
}

// ListUnprocessed returns inbox events whose actions were never recorded,
// in sequence order. After a restart these are reconciled again.
func (s *Store) ListUnprocessed(ctx context.Context) ([]ir.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event FROM seen_events WHERE processed = 0 ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	defer rows.Close()

	events := []ir.CanonicalEvent{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan unprocessed event: %w", err)
		}
		var ev ir.CanonicalEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal unprocessed event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unprocessed events: %w", err)
	}
	return events, nil
}

// RecordRejected stores a malformed event with the reason it was rejected.
func (s *Store) RecordRejected(ctx context.Context, ev ir.CanonicalEvent, reason string) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("record rejected: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rejected_events (source, kind, event, reason, rejected_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(ev.Source), string(ev.Kind), string(data), reason, s.nowMillis())
	if err != nil {
		return fmt.Errorf("record rejected: %w", err)
	}
	return nil
}

// ListRejected returns rejected events, oldest first.
func (s *Store) ListRejected(ctx context.Context) ([]RejectedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, kind, event, reason, rejected_at
		FROM rejected_events
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rejected events: %w", err)
	}
	defer rows.Close()

	out := []RejectedEvent{}
	for rows.Next() {
		var (
			r  RejectedEvent
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.Kind, &r.Event, &r.Reason, &ms); err != nil {
			return nil, fmt.Errorf("scan rejected event: %w", err)
		}
		r.RejectedAt = fromMillis(ms)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejected events: %w", err)
	}
	return out, nil
}

// SaveSnapshot stores an encoded roster snapshot captured at capturedAt.
// Only the latest snapshot is read back; older rows are pruned.
func (s *Store) SaveSnapshot(ctx context.Context, capturedAt time.Time, members []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO roster_snapshots (captured_at, members, saved_at) VALUES (?, ?, ?)
	`, toMillis(capturedAt), string(members), s.nowMillis())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("save snapshot: last insert id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM roster_snapshots WHERE id < ?`, id); err != nil {
		return fmt.Errorf("save snapshot: prune: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently saved roster snapshot, or
// ErrNotFound when none was saved yet.
func (s *Store) LatestSnapshot(ctx context.Context) (time.Time, []byte, error) {
	var (
		capturedAt int64
		members    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT captured_at, members FROM roster_snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&capturedAt, &members)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil, fmt.Errorf("roster snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("roster snapshot: %w", err)
	}
	return fromMillis(capturedAt), []byte(members), nil
}

// MaxSeq returns the highest logical timestamp persisted anywhere, so the
// engine clock can resume past it after a restart.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			(SELECT COALESCE(MAX(seq), 0) FROM seen_events),
			(SELECT COALESCE(MAX(event_seq), 0) FROM actions),
			(SELECT COALESCE(MAX(last_reconciled_seq), 0) FROM members)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}
