package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
)

// maxCorrections bounds the correction timestamps kept on a record. Flap
// detection only looks at the recent window.
const maxCorrections = 16

// errUnchanged aborts a compare-and-update whose action is already
// reflected in the record.
var errUnchanged = errors.New("record already reflects action")

// actionStore is the part of *store.Store the executor writes through.
type actionStore interface {
	GetAction(ctx context.Context, key string) (ir.Action, error)
	RecordActions(ctx context.Context, actions []ir.Action) error
	RecordAttempt(ctx context.Context, key string, outcome store.AttemptOutcome, errMsg string) (int, error)
	MarkApplied(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key, reason string) (bool, error)
	RecordConflict(ctx context.Context, c store.Conflict) (bool, error)

	GetByID(ctx context.Context, id int64) (ir.MemberRecord, error)
	GetByChatID(ctx context.Context, chatUserID string) (ir.MemberRecord, error)
	GetByGameAccountID(ctx context.Context, gameAccountID string) (ir.MemberRecord, error)
	Create(ctx context.Context, rec ir.MemberRecord, opts ...store.WriteOption) (ir.MemberRecord, error)
	CompareAndUpdate(ctx context.Context, id int64, expectedVersion int64,
		mutate func(*ir.MemberRecord) error, opts ...store.WriteOption) (ir.MemberRecord, error)
}

// executor performs recorded ledger actions against the member store and
// the chat platform. It retries the exact recorded action; it never
// re-derives one.
type executor struct {
	store    actionStore
	platform chat.Platform
	now      func() time.Time
	cfg      *engineConfig
	metrics  *engineMetrics
}

// executeBatch runs actions in order. Cancelling ctx stops the batch
// between actions, or between retry attempts, and leaves the rest pending
// in the ledger. An action that has started talking to the platform always
// finishes its current call.
//
// The returned error is a store failure that left the action pending. It is
// a *RuntimeError naming that action.
func (x *executor) executeBatch(ctx context.Context, actions []ir.Action) error {
	states := make(map[string]ir.ActionState, len(actions))
	for _, a := range actions {
		if ctx.Err() != nil {
			slog.Info("shutdown before action, leaving pending",
				"idempotency_key", a.IdempotencyKey,
				"kind", a.Kind,
				"correlation_id", a.CorrelationID,
			)
			return nil
		}
		state, err := x.execute(ctx, a, states)
		if err != nil {
			return newRuntimeError(Classify(err), a, "action left pending", err)
		}
		states[a.IdempotencyKey] = state
	}
	return nil
}

// execute runs one action and returns its resulting ledger state.
func (x *executor) execute(ctx context.Context, a ir.Action, states map[string]ir.ActionState) (ir.ActionState, error) {
	actx := context.WithoutCancel(ctx)

	cur, err := x.store.GetAction(actx, a.IdempotencyKey)
	if err != nil {
		return ir.ActionPending, fmt.Errorf("load action %s: %w", a.IdempotencyKey, err)
	}
	if cur.State != ir.ActionPending {
		slog.Debug("action already settled, skipping",
			"idempotency_key", a.IdempotencyKey,
			"state", cur.State,
		)
		return cur.State, nil
	}

	for _, dep := range a.DependsOn {
		state, ok := states[dep]
		if !ok {
			prereq, err := x.store.GetAction(actx, dep)
			if err != nil {
				return ir.ActionPending, fmt.Errorf("load prerequisite %s: %w", dep, err)
			}
			state = prereq.State
		}
		switch state {
		case ir.ActionFailed:
			return x.fail(actx, a, fmt.Sprintf("prerequisite %s failed", dep))
		case ir.ActionPending:
			return ir.ActionPending, nil
		}
	}

	if a.Kind.External() {
		return x.executeExternal(ctx, actx, a)
	}
	return x.executeStore(actx, a, states)
}

func (x *executor) executeExternal(ctx, actx context.Context, a ir.Action) (ir.ActionState, error) {
	chatID := a.Target.ChatUserID
	if chatID == "" {
		if rec, err := x.resolve(actx, a.Target); err == nil {
			chatID = rec.ChatUserID
		}
	}
	if chatID == "" {
		x.recordAttempt(actx, a, store.AttemptFailed, "no chat identity")
		return x.fail(actx, a, "no chat identity")
	}
	role := a.Payload.String(ir.PayloadRole)

	var (
		succeeded bool
		permanent error
		lastErr   error
	)
	op := func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(actx, x.cfg.callTimeout)
		defer cancel()

		err := x.call(callCtx, a, chatID)
		if err == nil {
			succeeded = true
			return struct{}{}, nil
		}
		lastErr = err
		if !IsTransient(err) {
			permanent = err
			x.recordAttempt(actx, a, store.AttemptFailed, err.Error())
			return struct{}{}, backoff.Permanent(err)
		}
		x.recordAttempt(actx, a, store.AttemptTransient, err.Error())
		if d, ok := chat.RetryAfter(err); ok {
			return struct{}{}, backoff.RetryAfter(int(math.Ceil(d.Seconds())))
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.cfg.initialBackoff
	b.MaxInterval = x.cfg.maxBackoff
	_, _ = backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(x.cfg.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("transient chat failure, will retry",
				"idempotency_key", a.IdempotencyKey,
				"kind", a.Kind,
				"chat_user_id", chatID,
				"role", role,
				"retry_in", next,
				"error", err,
			)
		}),
	)

	switch {
	case succeeded:
		x.recordAttempt(actx, a, store.AttemptApplied, "")
		if err := x.confirmExternal(actx, a); err != nil {
			return ir.ActionPending, err
		}
		x.settled(a, ir.ActionApplied)
		return ir.ActionApplied, nil
	case permanent != nil:
		return x.fail(actx, a, permanent.Error())
	case ctx.Err() != nil:
		slog.Info("shutdown during retry backoff, leaving pending",
			"idempotency_key", a.IdempotencyKey,
			"correlation_id", a.CorrelationID,
		)
		return ir.ActionPending, nil
	default:
		return x.fail(actx, a, fmt.Sprintf("retry budget exhausted after %d attempts: %v", x.cfg.maxAttempts, lastErr))
	}
}

func (x *executor) call(ctx context.Context, a ir.Action, chatID string) error {
	switch a.Kind {
	case ir.ActionAssignRole:
		return x.platform.AssignRole(ctx, chatID, a.Payload.String(ir.PayloadRole))
	case ir.ActionRemoveRole:
		return x.platform.RemoveRole(ctx, chatID, a.Payload.String(ir.PayloadRole))
	case ir.ActionSetNickname:
		return x.platform.SetNickname(ctx, chatID, a.Payload.String(ir.PayloadNickname))
	default:
		return fmt.Errorf("%s is not a chat action", a.Kind)
	}
}

// confirmExternal marks a confirmed chat call applied. Corrections are also
// stamped on the record for flap detection, in the same transaction.
func (x *executor) confirmExternal(ctx context.Context, a ir.Action) error {
	if !a.Payload.Bool(ir.PayloadCorrection) {
		return x.store.MarkApplied(ctx, a.IdempotencyKey)
	}
	for try := 0; ; try++ {
		rec, err := x.resolve(ctx, a.Target)
		if err != nil {
			// The record is gone; the role change itself still happened.
			return x.store.MarkApplied(ctx, a.IdempotencyKey)
		}
		_, err = x.store.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
			m.Corrections = append(m.Corrections, x.now().UTC())
			if n := len(m.Corrections); n > maxCorrections {
				m.Corrections = m.Corrections[n-maxCorrections:]
			}
			return nil
		}, store.MarkingApplied(a.IdempotencyKey))
		if errors.Is(err, store.ErrConflict) && try < x.cfg.conflictRetries {
			continue
		}
		if err != nil {
			return fmt.Errorf("record correction for %s: %w", a.IdempotencyKey, err)
		}
		return nil
	}
}

func (x *executor) executeStore(ctx context.Context, a ir.Action, states map[string]ir.ActionState) (ir.ActionState, error) {
	for try := 0; ; try++ {
		err := x.applyStore(ctx, a)
		switch Classify(err) {
		case "":
			x.recordAttempt(ctx, a, store.AttemptApplied, "")
			x.settled(a, ir.ActionApplied)
			return ir.ActionApplied, nil

		case ErrCodeConflict:
			x.recordAttempt(ctx, a, store.AttemptConflict, err.Error())
			if try < x.cfg.conflictRetries {
				slog.Debug("version conflict, re-reading",
					"idempotency_key", a.IdempotencyKey,
					"member_id", a.Target.MemberID,
					"try", try+1,
				)
				continue
			}
			state, ferr := x.fail(ctx, a, err.Error())
			if ferr != nil || a.Kind == ir.ActionFlagConflict {
				return state, ferr
			}
			return state, x.escalate(ctx, a, ir.ReasonVersionConflict, err, states)

		case ErrCodeDuplicateIdentity:
			x.recordAttempt(ctx, a, store.AttemptFailed, err.Error())
			state, ferr := x.fail(ctx, a, err.Error())
			if ferr != nil || a.Kind == ir.ActionFlagConflict {
				return state, ferr
			}
			return state, x.escalate(ctx, a, ir.ReasonDuplicateIdentity, err, states)

		default:
			x.recordAttempt(ctx, a, store.AttemptFailed, err.Error())
			return x.fail(ctx, a, err.Error())
		}
	}
}

// applyStore performs one attempt of a store action. The ledger entry is
// marked applied in the same transaction as the effect.
func (x *executor) applyStore(ctx context.Context, a ir.Action) error {
	switch a.Kind {
	case ir.ActionCreateRecord:
		return x.create(ctx, a)
	case ir.ActionFlagConflict:
		return x.flag(ctx, a)
	}

	rec, err := x.resolve(ctx, a.Target)
	if err != nil {
		return err
	}
	now := x.now().UTC()
	_, err = x.store.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		if err := mutate(a, m, now); err != nil {
			return err
		}
		m.LastReconciledSeq = max(m.LastReconciledSeq, a.EventSeq)
		return nil
	}, store.MarkingApplied(a.IdempotencyKey))
	if errors.Is(err, errUnchanged) {
		return x.store.MarkApplied(ctx, a.IdempotencyKey)
	}
	return err
}

// mutate applies a store action to m. It returns errUnchanged when m
// already reflects the action.
func mutate(a ir.Action, m *ir.MemberRecord, now time.Time) error {
	p := a.Payload
	switch a.Kind {
	case ir.ActionSetRank:
		rank := ir.Rank(p.String(ir.PayloadRank))
		if m.CurrentRank == rank {
			return errUnchanged
		}
		effectiveAt := now
		if last, ok := m.LastRankChange(); ok && last.EffectiveAt.After(now) {
			effectiveAt = last.EffectiveAt
		}
		m.CurrentRank = rank
		m.RankHistory = append(m.RankHistory, ir.RankChange{
			Rank:        rank,
			EffectiveAt: effectiveAt,
			Cause:       ir.RankCause(p.String(ir.PayloadCause)),
			Seq:         a.EventSeq,
		})

	case ir.ActionSetVerification:
		status := ir.VerificationStatus(p.String(ir.PayloadStatus))
		if m.Verification == status {
			return errUnchanged
		}
		if m.Verification == ir.VerificationFlagged {
			// A human cleared the flag; flap counting starts over.
			m.Corrections = nil
		}
		m.Verification = status

	case ir.ActionSetOverride:
		m.Override = &ir.Override{
			Rank:     ir.Rank(p.String(ir.PayloadRank)),
			Operator: p.String(ir.PayloadOperator),
			Until:    time.UnixMilli(p.Int(ir.PayloadUntil)).UTC(),
		}

	case ir.ActionSetName:
		name := p.String(ir.PayloadName)
		if m.GameName == name {
			return errUnchanged
		}
		m.GameName = name

	case ir.ActionLinkAccounts:
		if chatID := p.String(ir.PayloadChatUserID); chatID != "" {
			if m.ChatUserID != "" && m.ChatUserID != chatID {
				return fmt.Errorf("member %d already linked to chat user %s: %w", m.ID, m.ChatUserID, store.ErrDuplicateIdentity)
			}
			m.ChatUserID = chatID
		}
		if gameID := p.String(ir.PayloadGameAccountID); gameID != "" {
			if m.GameAccountID != "" && m.GameAccountID != gameID {
				return fmt.Errorf("member %d already linked to game account %s: %w", m.ID, m.GameAccountID, store.ErrDuplicateIdentity)
			}
			m.GameAccountID = gameID
		}

	case ir.ActionUnlinkAccount:
		switch p.String(ir.PayloadIdentity) {
		case ir.IdentityChat:
			if m.ChatUserID == "" {
				return errUnchanged
			}
			m.ChatUserID = ""
		case ir.IdentityGame:
			if m.GameAccountID == "" {
				return errUnchanged
			}
			m.GameAccountID = ""
		default:
			return fmt.Errorf("unlink: unknown identity %q", p.String(ir.PayloadIdentity))
		}

	case ir.ActionArchiveRecord:
		// An identity that came back since reconcile keeps the record live.
		if m.Archived || m.HasIdentity() {
			return errUnchanged
		}
		m.Archived = true

	default:
		return fmt.Errorf("action kind %q is not a store action", a.Kind)
	}
	return nil
}

func (x *executor) create(ctx context.Context, a ir.Action) error {
	rec := ir.MemberRecord{
		ChatUserID:        a.Target.ChatUserID,
		GameAccountID:     a.Target.GameAccountID,
		GameName:          a.Payload.String(ir.PayloadName),
		Verification:      ir.VerificationStatus(a.Payload.String(ir.PayloadStatus)),
		LastReconciledSeq: a.EventSeq,
	}
	created, err := x.store.Create(ctx, rec, store.MarkingApplied(a.IdempotencyKey))
	if err != nil {
		return err
	}
	slog.Info("member record created",
		"member_id", created.ID,
		"chat_user_id", created.ChatUserID,
		"game_account_id", created.GameAccountID,
		"correlation_id", a.CorrelationID,
	)
	return nil
}

// flag records a conflict and marks the record flagged so chat corrections
// stop until an operator clears it.
func (x *executor) flag(ctx context.Context, a ir.Action) error {
	p := a.Payload
	c := store.Conflict{
		MemberID:       a.Target.MemberID,
		OtherMemberID:  p.Int(ir.PayloadOtherMember),
		ChatUserID:     firstNonEmpty(a.Target.ChatUserID, p.String(ir.PayloadChatUserID)),
		GameAccountID:  firstNonEmpty(a.Target.GameAccountID, p.String(ir.PayloadGameAccountID)),
		Reason:         p.String(ir.PayloadReason),
		Detail:         firstNonEmpty(p.String(ir.PayloadDetail), p.String(ir.PayloadRole)),
		IdempotencyKey: a.IdempotencyKey,
		EventKey:       a.EventKey,
	}

	rec, err := x.resolve(ctx, a.Target)
	if errors.Is(err, store.ErrNotFound) {
		return x.recordConflictOnly(ctx, a, c)
	}
	if err != nil {
		return err
	}
	c.MemberID = rec.ID
	if rec.Verification == ir.VerificationFlagged {
		return x.recordConflictOnly(ctx, a, c)
	}
	_, err = x.store.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.Verification = ir.VerificationFlagged
		m.LastReconciledSeq = max(m.LastReconciledSeq, a.EventSeq)
		return nil
	}, store.RecordingConflict(c), store.MarkingApplied(a.IdempotencyKey))
	if err == nil {
		x.conflictRecorded(a, c)
	}
	return err
}

func (x *executor) recordConflictOnly(ctx context.Context, a ir.Action, c store.Conflict) error {
	inserted, err := x.store.RecordConflict(ctx, c)
	if err != nil {
		return err
	}
	if inserted {
		x.conflictRecorded(a, c)
	}
	return x.store.MarkApplied(ctx, a.IdempotencyKey)
}

func (x *executor) conflictRecorded(a ir.Action, c store.Conflict) {
	x.metrics.conflicts.Inc()
	slog.Warn("conflict flagged for review",
		"reason", c.Reason,
		"member_id", c.MemberID,
		"other_member_id", c.OtherMemberID,
		"chat_user_id", c.ChatUserID,
		"game_account_id", c.GameAccountID,
		"idempotency_key", a.IdempotencyKey,
		"correlation_id", a.CorrelationID,
	)
}

// escalate records and runs a FlagConflict for an action that failed in a
// way only a human can resolve. A FlagConflict that fails is never
// escalated itself.
func (x *executor) escalate(ctx context.Context, a ir.Action, reason string, cause error, states map[string]ir.ActionState) error {
	payload := ir.Obj(
		ir.O(ir.PayloadReason, ir.IRString(reason)),
		ir.O(ir.PayloadDetail, ir.IRString(fmt.Sprintf("%s failed: %v", a.Kind, cause))),
	)
	for _, k := range []string{ir.PayloadChatUserID, ir.PayloadGameAccountID} {
		if v := a.Payload.String(k); v != "" {
			payload[k] = ir.IRString(v)
		}
	}
	if reason == ir.ReasonDuplicateIdentity {
		if other := x.identityHolder(ctx, a); other != 0 {
			payload[ir.PayloadOtherMember] = ir.IRInt(other)
		}
	}

	flag, err := ir.NewAction(ir.ActionFlagConflict, a.Target, payload, a.Basis, a.IdempotencyKey)
	if err != nil {
		return err
	}
	flag.EventKey = a.EventKey
	flag.EventSeq = a.EventSeq
	flag.CorrelationID = a.CorrelationID
	if err := x.store.RecordActions(ctx, []ir.Action{flag}); err != nil {
		return fmt.Errorf("record escalation for %s: %w", a.IdempotencyKey, err)
	}
	state, err := x.execute(ctx, flag, states)
	states[flag.IdempotencyKey] = state
	return err
}

// identityHolder returns the id of the active record already holding an
// identity the action tried to claim, or 0.
func (x *executor) identityHolder(ctx context.Context, a ir.Action) int64 {
	gameID := firstNonEmpty(a.Payload.String(ir.PayloadGameAccountID), a.Target.GameAccountID)
	if gameID != "" {
		if rec, err := x.store.GetByGameAccountID(ctx, gameID); err == nil && rec.ID != a.Target.MemberID {
			return rec.ID
		}
	}
	chatID := firstNonEmpty(a.Payload.String(ir.PayloadChatUserID), a.Target.ChatUserID)
	if chatID != "" {
		if rec, err := x.store.GetByChatID(ctx, chatID); err == nil && rec.ID != a.Target.MemberID {
			return rec.ID
		}
	}
	return 0
}

// resolve loads the record an action targets. Actions derived before the
// record existed carry only identities.
func (x *executor) resolve(ctx context.Context, t ir.ActionTarget) (ir.MemberRecord, error) {
	switch {
	case t.MemberID != 0:
		return x.store.GetByID(ctx, t.MemberID)
	case t.GameAccountID != "":
		return x.store.GetByGameAccountID(ctx, t.GameAccountID)
	case t.ChatUserID != "":
		return x.store.GetByChatID(ctx, t.ChatUserID)
	}
	return ir.MemberRecord{}, fmt.Errorf("action target has no reference: %w", store.ErrNotFound)
}

func (x *executor) fail(ctx context.Context, a ir.Action, reason string) (ir.ActionState, error) {
	changed, err := x.store.MarkFailed(ctx, a.IdempotencyKey, reason)
	if err != nil {
		return ir.ActionPending, err
	}
	if changed {
		x.settled(a, ir.ActionFailed)
		slog.Error("action failed",
			"idempotency_key", a.IdempotencyKey,
			"kind", a.Kind,
			"member_id", a.Target.MemberID,
			"correlation_id", a.CorrelationID,
			"reason", reason,
		)
	}
	return ir.ActionFailed, nil
}

func (x *executor) recordAttempt(ctx context.Context, a ir.Action, outcome store.AttemptOutcome, msg string) {
	x.metrics.attempts.WithLabelValues(string(outcome)).Inc()
	if _, err := x.store.RecordAttempt(ctx, a.IdempotencyKey, outcome, msg); err != nil {
		slog.Error("failed to record attempt",
			"idempotency_key", a.IdempotencyKey,
			"outcome", outcome,
			"error", err,
		)
	}
}

func (x *executor) settled(a ir.Action, state ir.ActionState) {
	x.metrics.actions.WithLabelValues(string(a.Kind), string(state)).Inc()
	if state == ir.ActionApplied {
		slog.Info("action applied",
			"idempotency_key", a.IdempotencyKey,
			"kind", a.Kind,
			"member_id", a.Target.MemberID,
			"correlation_id", a.CorrelationID,
		)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
