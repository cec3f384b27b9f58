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

// AttemptOutcome classifies one execution attempt of an action.
type AttemptOutcome string

const (
	AttemptApplied   AttemptOutcome = "applied"
	AttemptTransient AttemptOutcome = "transient"
	AttemptConflict  AttemptOutcome = "conflict"
	AttemptFailed    AttemptOutcome = "failed"
)

// Attempt is one row of the action audit trail.
type Attempt struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Attempt        int            `json:"attempt"`
	Outcome        AttemptOutcome `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	AttemptedAt    time.Time      `json:"attempted_at"`
}

// Conflict is an anomaly escalated for human review.
type Conflict struct {
	ID             int64     `json:"id"`
	MemberID       int64     `json:"member_id,omitempty"`
	OtherMemberID  int64     `json:"other_member_id,omitempty"`
	ChatUserID     string    `json:"chat_user_id,omitempty"`
	GameAccountID  string    `json:"game_account_id,omitempty"`
	Reason         string    `json:"reason"`
	Detail         string    `json:"detail,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	EventKey       string    `json:"event_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordActions writes actions to the ledger as pending, in order.
// Keys already in the ledger are left untouched, whatever their state.
func (s *Store) RecordActions(ctx context.Context, actions []ir.Action) error {
	return s.RecordReconciliation(ctx, "", actions)
}

// RecordReconciliation records the actions derived from the event with
// dedupe key eventKey and marks that event processed in one transaction.
// An event with no actions is still marked processed.
func (s *Store) RecordReconciliation(ctx context.Context, eventKey string, actions []ir.Action) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record actions: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.recordActions(ctx, tx, actions); err != nil {
		return err
	}
	if eventKey != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE seen_events SET processed = 1 WHERE dedupe_key = ?
		`, eventKey); err != nil {
			return fmt.Errorf("mark event processed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record actions: commit: %w", err)
	}
	return nil
}

func (s *Store) recordActions(ctx context.Context, tx *sql.Tx, actions []ir.Action) error {
	now := s.nowMillis()
	for i, a := range actions {
		target, err := json.Marshal(a.Target)
		if err != nil {
			return fmt.Errorf("record actions: marshal target: %w", err)
		}
		payload, err := marshalPayload(a.Payload)
		if err != nil {
			return fmt.Errorf("record actions: %w", err)
		}
		deps, err := marshalStrings(a.DependsOn)
		if err != nil {
			return fmt.Errorf("record actions: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO actions
			(idempotency_key, kind, member_id, target, payload, basis, depends_on,
			 state, attempts, event_key, event_seq, position, correlation_id,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(idempotency_key) DO NOTHING
		`,
			a.IdempotencyKey, string(a.Kind), a.Target.MemberID, string(target), payload,
			a.Basis, deps, a.EventKey, a.EventSeq, i, a.CorrelationID, now, now,
		)
		if err != nil {
			return fmt.Errorf("record action %s: %w", a.IdempotencyKey, err)
		}
	}
	return nil
}

const actionColumns = `
	idempotency_key, kind, target, payload, basis, depends_on, state, attempts,
	last_error, event_key, event_seq, correlation_id`

// GetAction returns the ledger entry for key.
func (s *Store) GetAction(ctx context.Context, key string) (ir.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE idempotency_key = ?`, key)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Action{}, fmt.Errorf("action %s: %w", key, ErrNotFound)
	}
	return a, err
}

// ListActions returns ledger entries in the given state, ordered by the
// originating event and position within it. An empty state lists all.
func (s *Store) ListActions(ctx context.Context, state ir.ActionState) ([]ir.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE ? = '' OR state = ?
		ORDER BY event_seq ASC, position ASC, idempotency_key COLLATE BINARY ASC
	`, string(state), string(state))
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := []ir.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

func scanAction(row rowScanner) (ir.Action, error) {
	var (
		a                     ir.Action
		kind, state           string
		target, payload, deps string
	)
	err := row.Scan(
		&a.IdempotencyKey, &kind, &target, &payload, &a.Basis, &deps, &state,
		&a.Attempts, &a.LastError, &a.EventKey, &a.EventSeq, &a.CorrelationID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Action{}, err
		}
		return ir.Action{}, fmt.Errorf("scan action: %w", err)
	}
	a.Kind = ir.ActionKind(kind)
	a.State = ir.ActionState(state)
	if err := json.Unmarshal([]byte(target), &a.Target); err != nil {
		return ir.Action{}, fmt.Errorf("unmarshal action target: %w", err)
	}
	if a.Payload, err = unmarshalPayload(payload); err != nil {
		return ir.Action{}, err
	}
	if a.DependsOn, err = unmarshalStrings(deps); err != nil {
		return ir.Action{}, err
	}
	return a, nil
}

// RecordAttempt appends an audit row for the next attempt of key and
// returns its attempt number.
func (s *Store) RecordAttempt(ctx context.Context, key string, outcome AttemptOutcome, errMsg string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record attempt: begin tx: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM actions WHERE idempotency_key = ?`, key).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record attempt for %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	attempts++

	now := s.nowMillis()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO action_attempts (idempotency_key, attempt, outcome, error, attempted_at)
		VALUES (?, ?, ?, ?, ?)
	`, key, attempts, string(outcome), errMsg, now); err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE actions SET attempts = ?, last_error = ?, updated_at = ?
		WHERE idempotency_key = ?
	`, attempts, errMsg, now, key); err != nil {
		return 0, fmt.Errorf("update attempts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record attempt: commit: %w", err)
	}
	return attempts, nil
}

// ListAttempts returns the audit trail for key in attempt order.
func (s *Store) ListAttempts(ctx context.Context, key string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, attempt, outcome, error, attempted_at
		FROM action_attempts
		WHERE idempotency_key = ?
		ORDER BY attempt ASC, id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	attempts := []Attempt{}
	for rows.Next() {
		var (
			at      Attempt
			outcome string
			ms      int64
		)
		if err := rows.Scan(&at.IdempotencyKey, &at.Attempt, &outcome, &at.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		at.Outcome = AttemptOutcome(outcome)
		at.AttemptedAt = fromMillis(ms)
		attempts = append(attempts, at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

// MarkApplied transitions key to applied. Applied is terminal.
func (s *Store) MarkApplied(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark applied: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.markApplied(ctx, tx, key); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark applied: commit: %w", err)
	}
	return nil
}

func (s *Store) markApplied(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE actions SET state = 'applied', last_error = '', updated_at = ?
		WHERE idempotency_key = ? AND state != 'applied'
	`, s.nowMillis(), key)
	if err != nil {
		return fmt.Errorf("mark applied %s: %w", key, err)
	}
	return nil
}

// MarkFailed transitions a pending key to failed with reason. Returns false
// when the key was not pending.
func (s *Store) MarkFailed(ctx context.Context, key, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE actions SET state = 'failed', last_error = ?, updated_at = ?
		WHERE idempotency_key = ? AND state = 'pending'
	`, reason, s.nowMillis(), key)
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed %s: rows affected: %w", key, err)
	}
	return n > 0, nil
}

// RecordConflict stores c. A conflict is recorded at most once per
// idempotency key; the returned bool reports whether a row was inserted.
func (s *Store) RecordConflict(ctx context.Context, c Conflict) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("record conflict: begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.recordConflict(ctx, tx, c)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("record conflict: commit: %w", err)
	}
	return inserted, nil
}

func (s *Store) recordConflict(ctx context.Context, tx *sql.Tx, c Conflict) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conflicts
		(member_id, other_member_id, chat_user_id, game_account_id, reason, detail,
		 idempotency_key, event_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, c.MemberID, c.OtherMemberID, c.ChatUserID, c.GameAccountID, c.Reason, c.Detail,
		c.IdempotencyKey, c.EventKey, s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("record conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record conflict: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListConflicts returns all recorded conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, member_id, other_member_id, chat_user_id, game_account_id,
		       reason, detail, idempotency_key, event_key, created_at
		FROM conflicts
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []Conflict{}
	for rows.Next() {
		var (
			c  Conflict
			ms int64
		)
		if err := rows.Scan(&c.ID, &c.MemberID, &c.OtherMemberID, &c.ChatUserID, &c.GameAccountID,
			&c.Reason, &c.Detail, &c.IdempotencyKey, &c.EventKey, &ms); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.CreatedAt = fromMillis(ms)
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}
