package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/rostersync/internal/ir"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WriteOption attaches extra ledger writes to a member mutation so they
// commit in the same transaction.
type WriteOption func(*writeOptions)

type writeOptions struct {
	applied   []string
	conflicts []Conflict
}

// MarkingApplied marks the ledger entry for key applied in the same
// transaction as the member write.
func MarkingApplied(key string) WriteOption {
	return func(o *writeOptions) {
		o.applied = append(o.applied, key)
	}
}

// RecordingConflict records c in the same transaction as the member write.
func RecordingConflict(c Conflict) WriteOption {
	return func(o *writeOptions) {
		o.conflicts = append(o.conflicts, c)
	}
}

func (s *Store) applyWriteOptions(ctx context.Context, tx *sql.Tx, opts []WriteOption) error {
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}
	for _, c := range wo.conflicts {
		if _, err := s.recordConflict(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, key := range wo.applied {
		if err := s.markApplied(ctx, tx, key); err != nil {
			return err
		}
	}
	return nil
}

const memberColumns = `
	id, chat_user_id, game_account_id, game_name, current_rank, verification,
	last_reconciled_seq, override_rank, override_operator, override_until,
	corrections, archived, version, created_at, updated_at`

const (
	whereID     = "id = ?"
	whereChatID = "chat_user_id = ? AND archived = 0"
	whereGameID = "game_account_id = ? AND archived = 0"
)

// GetByID returns the record with the given id, archived or not.
func (s *Store) GetByID(ctx context.Context, id int64) (ir.MemberRecord, error) {
	return s.getMember(ctx, s.db, whereID, id)
}

// GetByChatID returns the active record linked to a chat user.
func (s *Store) GetByChatID(ctx context.Context, chatUserID string) (ir.MemberRecord, error) {
	return s.getMember(ctx, s.db, whereChatID, chatUserID)
}

// GetByGameAccountID returns the active record linked to a game account.
func (s *Store) GetByGameAccountID(ctx context.Context, gameAccountID string) (ir.MemberRecord, error) {
	return s.getMember(ctx, s.db, whereGameID, gameAccountID)
}

// ListMembers returns records ordered by id. Archived records are included
// only when includeArchived is set.
func (s *Store) ListMembers(ctx context.Context, includeArchived bool) ([]ir.MemberRecord, error) {
	query := `SELECT ` + memberColumns + ` FROM members`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	members := []ir.MemberRecord{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	// Release the single connection before the history queries.
	rows.Close()

	for i := range members {
		hist, err := s.readHistory(ctx, s.db, members[i].ID)
		if err != nil {
			return nil, err
		}
		members[i].RankHistory = hist
	}
	return members, nil
}

func (s *Store) getMember(ctx context.Context, q querier, where string, arg any) (ir.MemberRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE `+where, arg)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.MemberRecord{}, fmt.Errorf("member %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return ir.MemberRecord{}, err
	}
	hist, err := s.readHistory(ctx, q, m.ID)
	if err != nil {
		return ir.MemberRecord{}, err
	}
	m.RankHistory = hist
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (ir.MemberRecord, error) {
	var (
		m                         ir.MemberRecord
		chatID, gameID            sql.NullString
		overrideRank, overrideBy  sql.NullString
		overrideUntil             sql.NullInt64
		corrections               string
		archived                  int
		createdAt, updatedAt      int64
		currentRank, verification string
	)
	err := row.Scan(
		&m.ID, &chatID, &gameID, &m.GameName, &currentRank, &verification,
		&m.LastReconciledSeq, &overrideRank, &overrideBy, &overrideUntil,
		&corrections, &archived, &m.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.MemberRecord{}, err
		}
		return ir.MemberRecord{}, fmt.Errorf("scan member: %w", err)
	}

	m.ChatUserID = chatID.String
	m.GameAccountID = gameID.String
	m.CurrentRank = ir.Rank(currentRank)
	m.Verification = ir.VerificationStatus(verification)
	m.Archived = archived != 0
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	if overrideRank.Valid {
		m.Override = &ir.Override{
			Rank:     ir.Rank(overrideRank.String),
			Operator: overrideBy.String,
			Until:    fromMillis(overrideUntil.Int64),
		}
	}
	if m.Corrections, err = unmarshalCorrections(corrections); err != nil {
		return ir.MemberRecord{}, err
	}
	return m, nil
}

func (s *Store) readHistory(ctx context.Context, q querier, memberID int64) ([]ir.RankChange, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rank, effective_at, cause, seq
		FROM rank_history
		WHERE member_id = ?
		ORDER BY id ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query rank history: %w", err)
	}
	defer rows.Close()

	var hist []ir.RankChange
	for rows.Next() {
		var (
			rc          ir.RankChange
			rank, cause string
			effectiveAt int64
		)
		if err := rows.Scan(&rank, &effectiveAt, &cause, &rc.Seq); err != nil {
			return nil, fmt.Errorf("scan rank history: %w", err)
		}
		rc.Rank = ir.Rank(rank)
		rc.Cause = ir.RankCause(cause)
		rc.EffectiveAt = fromMillis(effectiveAt)
		hist = append(hist, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rank history: %w", err)
	}
	return hist, nil
}

// Create inserts a new record and returns it with its assigned id and
// version 1. Fails with ErrDuplicateIdentity when either identity is
// already claimed by an active record.
func (s *Store) Create(ctx context.Context, rec ir.MemberRecord, opts ...WriteOption) (ir.MemberRecord, error) {
	if !rec.HasIdentity() {
		return ir.MemberRecord{}, fmt.Errorf("create member: record has no identity")
	}
	if rec.CurrentRank == "" {
		rec.CurrentRank = ir.RankNone
	}
	if rec.Verification == "" {
		rec.Verification = ir.VerificationUnverified
	}
	now := s.nowMillis()
	rec.Version = 1
	rec.Archived = false
	rec.CreatedAt = fromMillis(now)
	rec.UpdatedAt = rec.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.MemberRecord{}, fmt.Errorf("create member: begin tx: %w", err)
	}
	defer tx.Rollback()

	corrections, err := marshalCorrections(rec.Corrections)
	if err != nil {
		return ir.MemberRecord{}, err
	}
	ovRank, ovBy, ovUntil := overrideColumns(rec.Override)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO members
		(chat_user_id, game_account_id, game_name, current_rank, verification,
		 last_reconciled_seq, override_rank, override_operator, override_until,
		 corrections, archived, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?)
	`,
		nullable(rec.ChatUserID), nullable(rec.GameAccountID), rec.GameName,
		string(rec.CurrentRank), string(rec.Verification), rec.LastReconciledSeq,
		ovRank, ovBy, ovUntil, corrections, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ir.MemberRecord{}, fmt.Errorf("create member (chat=%q game=%q): %w",
				rec.ChatUserID, rec.GameAccountID, ErrDuplicateIdentity)
		}
		return ir.MemberRecord{}, fmt.Errorf("create member: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return ir.MemberRecord{}, fmt.Errorf("create member: last insert id: %w", err)
	}

	for _, rc := range rec.RankHistory {
		if err := insertHistory(ctx, tx, rec.ID, rc); err != nil {
			return ir.MemberRecord{}, err
		}
	}
	if err := s.applyWriteOptions(ctx, tx, opts); err != nil {
		return ir.MemberRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return ir.MemberRecord{}, fmt.Errorf("create member: commit: %w", err)
	}
	return rec, nil
}

// CompareAndUpdate applies mutate to the record with the given id if its
// stored version still equals expectedVersion, and bumps the version.
//
// mutate receives a copy of the stored record. It may append rank history
// but may not edit or remove existing entries (ErrHistoryRewrite). Returns
// ErrConflict on a version mismatch and ErrDuplicateIdentity when the
// mutation would claim an identity held by another active record.
func (s *Store) CompareAndUpdate(
	ctx context.Context,
	id int64,
	expectedVersion int64,
	mutate func(*ir.MemberRecord) error,
	opts ...WriteOption,
) (ir.MemberRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.MemberRecord{}, fmt.Errorf("update member %d: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	cur, err := s.getMember(ctx, tx, whereID, id)
	if err != nil {
		return ir.MemberRecord{}, err
	}
	if cur.Version != expectedVersion {
		return ir.MemberRecord{}, fmt.Errorf("update member %d (stored v%d, expected v%d): %w",
			id, cur.Version, expectedVersion, ErrConflict)
	}

	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return ir.MemberRecord{}, err
	}
	if err := checkAppendOnly(cur.RankHistory, next.RankHistory); err != nil {
		return ir.MemberRecord{}, fmt.Errorf("update member %d: %w", id, err)
	}

	now := s.nowMillis()
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = fromMillis(now)
	if next.CurrentRank == "" {
		next.CurrentRank = ir.RankNone
	}

	corrections, err := marshalCorrections(next.Corrections)
	if err != nil {
		return ir.MemberRecord{}, err
	}
	ovRank, ovBy, ovUntil := overrideColumns(next.Override)

	res, err := tx.ExecContext(ctx, `
		UPDATE members SET
			chat_user_id = ?, game_account_id = ?, game_name = ?, current_rank = ?,
			verification = ?, last_reconciled_seq = ?, override_rank = ?,
			override_operator = ?, override_until = ?, corrections = ?,
			archived = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		nullable(next.ChatUserID), nullable(next.GameAccountID), next.GameName,
		string(next.CurrentRank), string(next.Verification), next.LastReconciledSeq,
		ovRank, ovBy, ovUntil, corrections, boolToInt(next.Archived),
		next.Version, now, id, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ir.MemberRecord{}, fmt.Errorf("update member %d (chat=%q game=%q): %w",
				id, next.ChatUserID, next.GameAccountID, ErrDuplicateIdentity)
		}
		return ir.MemberRecord{}, fmt.Errorf("update member %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return ir.MemberRecord{}, fmt.Errorf("update member %d: rows affected: %w", id, err)
	} else if n == 0 {
		return ir.MemberRecord{}, fmt.Errorf("update member %d: %w", id, ErrConflict)
	}

	for _, rc := range next.RankHistory[len(cur.RankHistory):] {
		if err := insertHistory(ctx, tx, id, rc); err != nil {
			return ir.MemberRecord{}, err
		}
	}
	if err := s.applyWriteOptions(ctx, tx, opts); err != nil {
		return ir.MemberRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return ir.MemberRecord{}, fmt.Errorf("update member %d: commit: %w", id, err)
	}

	// Round-trip timestamps through millisecond precision, as stored.
	for i := range next.RankHistory {
		next.RankHistory[i].EffectiveAt = fromMillis(toMillis(next.RankHistory[i].EffectiveAt))
	}
	return next, nil
}

// AppendRankHistory appends one entry to a record's history and bumps the
// record version. It never touches existing entries.
func (s *Store) AppendRankHistory(ctx context.Context, id int64, change ir.RankChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append rank history: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE members SET version = version + 1, updated_at = ? WHERE id = ?
	`, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("append rank history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("append rank history for member %d: %w", id, ErrNotFound)
	}
	if err := insertHistory(ctx, tx, id, change); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append rank history: commit: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, memberID int64, rc ir.RankChange) error {
	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(effective_at) FROM rank_history WHERE member_id = ?`, memberID,
	).Scan(&latest); err != nil {
		return fmt.Errorf("read latest rank history: %w", err)
	}
	at := toMillis(rc.EffectiveAt)
	if latest.Valid && at < latest.Int64 {
		return fmt.Errorf("member %d: entry at %d before %d: %w", memberID, at, latest.Int64, ErrHistoryOrder)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO rank_history (member_id, rank, effective_at, cause, seq)
		VALUES (?, ?, ?, ?, ?)
	`, memberID, string(rc.Rank), at, string(rc.Cause), rc.Seq)
	if err != nil {
		if isHistoryOrderViolation(err) {
			return fmt.Errorf("member %d: %w", memberID, ErrHistoryOrder)
		}
		return fmt.Errorf("insert rank history: %w", err)
	}
	return nil
}

func checkAppendOnly(before, after []ir.RankChange) error {
	if len(after) < len(before) {
		return ErrHistoryRewrite
	}
	for i := range before {
		a, b := before[i], after[i]
		if a.Rank != b.Rank || a.Cause != b.Cause || a.Seq != b.Seq ||
			toMillis(a.EffectiveAt) != toMillis(b.EffectiveAt) {
			return ErrHistoryRewrite
		}
	}
	return nil
}

func overrideColumns(o *ir.Override) (sql.NullString, sql.NullString, sql.NullInt64) {
	if o == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullInt64{}
	}
	return sql.NullString{String: string(o.Rank), Valid: true},
		sql.NullString{String: o.Operator, Valid: true},
		sql.NullInt64{Int64: toMillis(o.Until), Valid: true}
}
