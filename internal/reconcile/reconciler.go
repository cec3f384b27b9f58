// Package reconcile derives the actions that bring the member store and the
// chat platform in line with one canonical event.
//
// Authority order: the roster is authoritative for rank, chat roles are a
// derived cache corrected toward the roster, and a manual force_rank beats
// the roster until its grace period lapses. Reconcile is pure: it reads the
// event and the records handed to it and returns actions, nothing else.
package reconcile

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/rostersync/internal/ir"
)

// State is the store view an event is reconciled against. ByChat and ByGame
// are the active records holding the event's chat and game identities; nil
// means no such record. Both may point to the same record.
type State struct {
	ByChat *ir.MemberRecord
	ByGame *ir.MemberRecord
	Now    time.Time
}

// Reconciler applies a Policy to events.
type Reconciler struct {
	policy Policy
}

// New returns a Reconciler for p. p should already be validated.
func New(p Policy) *Reconciler {
	return &Reconciler{policy: p}
}

// Reconcile returns the ordered actions for ev. Only a malformed event is an
// error; every policy anomaly becomes a FlagConflict action so a human sees
// it.
func (r *Reconciler) Reconcile(ev ir.CanonicalEvent, st State) ([]ir.Action, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	p := &plan{origin: ev.DedupeKey}

	switch ev.Source {
	case ir.SourceRoster:
		r.roster(p, ev, st)
	case ir.SourceChat:
		r.chat(p, ev, st)
	case ir.SourceManual:
		r.manual(p, ev, st)
	}

	if p.err != nil {
		return nil, fmt.Errorf("reconcile %s/%s: %w", ev.Source, ev.Kind, p.err)
	}
	return p.actions, nil
}

// plan accumulates actions. The first construction error sticks and later
// adds become no-ops.
type plan struct {
	origin  string
	actions []ir.Action
	err     error
}

func (p *plan) add(kind ir.ActionKind, target ir.ActionTarget, payload ir.IRObject, basis int64, deps ...ir.Action) ir.Action {
	if p.err != nil {
		return ir.Action{}
	}
	a, err := ir.NewAction(kind, target, payload, basis, p.origin)
	if err != nil {
		p.err = err
		return ir.Action{}
	}
	a = a.After(deps...)
	p.actions = append(p.actions, a)
	return a
}

func (p *plan) flag(target ir.ActionTarget, basis int64, reason string, extra ...ir.IRPair) ir.Action {
	payload := ir.Obj(append([]ir.IRPair{ir.O(ir.PayloadReason, ir.IRString(reason))}, extra...)...)
	return p.add(ir.ActionFlagConflict, target, payload, basis)
}

func targetOf(rec *ir.MemberRecord) ir.ActionTarget {
	return ir.ActionTarget{
		MemberID:      rec.ID,
		ChatUserID:    rec.ChatUserID,
		GameAccountID: rec.GameAccountID,
	}
}

func rankPayload(rank ir.Rank, cause ir.RankCause) ir.IRObject {
	return ir.Obj(
		ir.O(ir.PayloadRank, ir.IRString(rank)),
		ir.O(ir.PayloadCause, ir.IRString(cause)),
	)
}

func rolePayload(role string, correction bool) ir.IRObject {
	obj := ir.Obj(ir.O(ir.PayloadRole, ir.IRString(role)))
	if correction {
		obj[ir.PayloadCorrection] = ir.IRBool(true)
	}
	return obj
}

// roleFix moves a chat-linked record's roles from one rank to another,
// after the given prerequisites.
func (r *Reconciler) roleFix(p *plan, rec *ir.MemberRecord, from, to ir.Rank, deps ...ir.Action) {
	if rec.ChatUserID == "" {
		return
	}
	remove, assign := r.policy.RoleDiff(from, to)
	t := targetOf(rec)
	for _, role := range remove {
		p.add(ir.ActionRemoveRole, t, rolePayload(role, false), rec.Version, deps...)
	}
	for _, role := range assign {
		p.add(ir.ActionAssignRole, t, rolePayload(role, false), rec.Version, deps...)
	}
}

// nick sets the chat nickname shown for rank and name. It is a no-op unless
// nickname sync is on and the target has a chat identity.
func (r *Reconciler) nick(p *plan, t ir.ActionTarget, rank ir.Rank, name string, basis int64, deps ...ir.Action) {
	if !r.policy.Nicknames || t.ChatUserID == "" {
		return
	}
	if name == "" && rank != ir.RankNone {
		return
	}
	nickname := r.policy.Nickname(rank, name)
	p.add(ir.ActionSetNickname, t, ir.Obj(ir.O(ir.PayloadNickname, ir.IRString(nickname))), basis, deps...)
}

func (r *Reconciler) roster(p *plan, ev ir.CanonicalEvent, st State) {
	rec := st.ByGame
	game := ev.Subject.GameAccountID
	name := ev.Payload.String(ir.PayloadName)

	switch ev.Kind {
	case ir.KindAccountRenamed:
		if rec != nil && name != "" && name != rec.GameName {
			set := p.add(ir.ActionSetName, targetOf(rec), ir.Obj(ir.O(ir.PayloadName, ir.IRString(name))), rec.Version)
			r.nick(p, targetOf(rec), rec.EffectiveRank(st.Now), name, rec.Version, set)
		}
		return

	case ir.KindAccountRemoved:
		if rec == nil || rec.CurrentRank == ir.RankNone || rec.Override.ActiveAt(st.Now) {
			return
		}
		set := p.add(ir.ActionSetRank, targetOf(rec), rankPayload(ir.RankNone, ir.CauseRosterRemoval), rec.Version)
		r.roleFix(p, rec, rec.EffectiveRank(st.Now), ir.RankNone, set)
		r.nick(p, targetOf(rec), ir.RankNone, "", rec.Version, set)
		return
	}

	// account_added, rank_changed, account_present
	raw := ev.Payload.String(ir.PayloadRank)
	rank, ok := r.policy.Canonical(raw)
	if !ok {
		target := ir.ActionTarget{GameAccountID: game}
		var basis int64
		if rec != nil {
			target, basis = targetOf(rec), rec.Version
		}
		p.flag(target, basis, ir.ReasonUnknownRank, ir.O(ir.PayloadDetail, ir.IRString(raw)))
		return
	}

	if rec == nil {
		target := ir.ActionTarget{GameAccountID: game}
		payload := ir.Obj(ir.O(ir.PayloadStatus, ir.IRString(ir.VerificationPending)))
		if name != "" {
			payload[ir.PayloadName] = ir.IRString(name)
		}
		create := p.add(ir.ActionCreateRecord, target, payload, 0)
		if rank != ir.RankNone {
			p.add(ir.ActionSetRank, target, rankPayload(rank, ir.CauseRoster), 0, create)
		}
		return
	}

	t := targetOf(rec)
	finalName, finalRank := rec.GameName, rec.EffectiveRank(st.Now)
	var changed []ir.Action
	if name != "" && name != rec.GameName {
		finalName = name
		changed = append(changed, p.add(ir.ActionSetName, t, ir.Obj(ir.O(ir.PayloadName, ir.IRString(name))), rec.Version))
	}
	if rec.Verification == ir.VerificationUnverified {
		p.add(ir.ActionSetVerification, t, ir.Obj(ir.O(ir.PayloadStatus, ir.IRString(ir.VerificationPending))), rec.Version)
	}
	if !rec.Override.ActiveAt(st.Now) && rec.CurrentRank != rank {
		set := p.add(ir.ActionSetRank, t, rankPayload(rank, ir.CauseRoster), rec.Version)
		r.roleFix(p, rec, rec.EffectiveRank(st.Now), rank, set)
		finalRank = rank
		changed = append(changed, set)
	}
	if len(changed) > 0 {
		r.nick(p, t, finalRank, finalName, rec.Version, changed...)
	}
}

// authoritative reports whether the record carries a rank chat roles must
// follow: roster-linked, or under an active override.
func authoritative(rec *ir.MemberRecord, now time.Time) bool {
	return rec.GameAccountID != "" || rec.Override.ActiveAt(now)
}

func (r *Reconciler) chat(p *plan, ev ir.CanonicalEvent, st State) {
	rec := st.ByChat
	chatID := ev.Subject.ChatUserID

	switch ev.Kind {
	case ir.KindMemberJoined:
		if rec == nil {
			p.add(ir.ActionCreateRecord, ir.ActionTarget{ChatUserID: chatID},
				ir.Obj(ir.O(ir.PayloadStatus, ir.IRString(ir.VerificationUnverified))), 0)
			return
		}
		for _, role := range r.policy.RolesFor(rec.EffectiveRank(st.Now)) {
			p.add(ir.ActionAssignRole, targetOf(rec), rolePayload(role, false), rec.Version)
		}
		if rec.GameName != "" {
			r.nick(p, targetOf(rec), rec.EffectiveRank(st.Now), rec.GameName, rec.Version)
		}

	case ir.KindMemberLeft:
		if rec == nil {
			return
		}
		unlink := p.add(ir.ActionUnlinkAccount, targetOf(rec),
			ir.Obj(ir.O(ir.PayloadIdentity, ir.IRString(ir.IdentityChat))), rec.Version)
		if rec.GameAccountID == "" {
			p.add(ir.ActionArchiveRecord, targetOf(rec), ir.IRObject{}, rec.Version, unlink)
		}

	case ir.KindRoleRemoved, ir.KindRoleAdded:
		role := ev.Payload.String(ir.PayloadRole)
		if rec == nil || !r.policy.Managed(role) || rec.Verification == ir.VerificationFlagged {
			return
		}
		if !authoritative(rec, st.Now) {
			return
		}
		held := slices.Contains(r.policy.RolesFor(rec.EffectiveRank(st.Now)), role)
		removed := ev.Kind == ir.KindRoleRemoved
		if held != removed {
			// Chat already agrees with the effective rank.
			return
		}
		if r.flapping(rec, st.Now) {
			p.flag(targetOf(rec), rec.Version, ir.ReasonFlapping, ir.O(ir.PayloadRole, ir.IRString(role)))
			return
		}
		kind := ir.ActionAssignRole
		if !removed {
			kind = ir.ActionRemoveRole
		}
		p.add(kind, targetOf(rec), rolePayload(role, true), rec.Version)
	}
}

// flapping reports whether one more correction would reach the flap
// threshold inside the window.
func (r *Reconciler) flapping(rec *ir.MemberRecord, now time.Time) bool {
	return rec.CorrectionsSince(now.Add(-r.policy.FlapWindow))+1 >= r.policy.FlapThreshold
}

func (r *Reconciler) manual(p *plan, ev ir.CanonicalEvent, st State) {
	subj := ev.Subject
	operator := ev.Payload.String(ir.PayloadOperator)

	if ev.Kind == ir.KindForceLink {
		r.forceLink(p, subj, st)
		return
	}

	rec := st.ByChat
	if rec == nil {
		rec = st.ByGame
	}
	if st.ByChat != nil && st.ByGame != nil && st.ByChat.ID != st.ByGame.ID {
		p.flag(targetOf(st.ByChat), st.ByChat.Version, ir.ReasonAmbiguousSubject,
			ir.O(ir.PayloadOtherMember, ir.IRInt(st.ByGame.ID)),
			ir.O(ir.PayloadGameAccountID, ir.IRString(subj.GameAccountID)))
		return
	}

	switch ev.Kind {
	case ir.KindForceRank:
		raw := ev.Payload.String(ir.PayloadRank)
		rank, ok := r.policy.Canonical(raw)
		if !ok {
			target := subjectTarget(subj)
			var basis int64
			if rec != nil {
				target, basis = targetOf(rec), rec.Version
			}
			p.flag(target, basis, ir.ReasonUnknownRank, ir.O(ir.PayloadDetail, ir.IRString(raw)))
			return
		}
		override := ir.Obj(
			ir.O(ir.PayloadRank, ir.IRString(rank)),
			ir.O(ir.PayloadOperator, ir.IRString(operator)),
			ir.O(ir.PayloadUntil, ir.IRInt(st.Now.Add(r.policy.GracePeriod).UnixMilli())),
		)
		if rec == nil {
			target := subjectTarget(subj)
			create := p.add(ir.ActionCreateRecord, target,
				ir.Obj(ir.O(ir.PayloadStatus, ir.IRString(ir.VerificationPending))), 0)
			set := p.add(ir.ActionSetOverride, target, override, 0, create)
			p.add(ir.ActionSetRank, target, rankPayload(rank, ir.CauseManual), 0, set)
			if subj.ChatUserID != "" {
				for _, role := range r.policy.RolesFor(rank) {
					p.add(ir.ActionAssignRole, target, rolePayload(role, false), 0, set)
				}
			}
			return
		}
		t := targetOf(rec)
		set := p.add(ir.ActionSetOverride, t, override, rec.Version)
		deps := []ir.Action{set}
		if rec.CurrentRank != rank {
			deps = append(deps, p.add(ir.ActionSetRank, t, rankPayload(rank, ir.CauseManual), rec.Version, set))
		}
		r.roleFix(p, rec, rec.EffectiveRank(st.Now), rank, deps...)
		r.nick(p, t, rank, rec.GameName, rec.Version, deps...)

	case ir.KindForceVerify:
		if rec == nil {
			p.flag(subjectTarget(subj), 0, ir.ReasonUnknownSubject, ir.O(ir.PayloadDetail, ir.IRString(ev.Kind)))
			return
		}
		status := ev.Payload.String(ir.PayloadStatus)
		if ir.VerificationStatus(status) == rec.Verification {
			return
		}
		p.add(ir.ActionSetVerification, targetOf(rec), ir.Obj(ir.O(ir.PayloadStatus, ir.IRString(status))), rec.Version)

	case ir.KindForceUnlink:
		if rec == nil {
			return
		}
		identity := ev.Payload.String(ir.PayloadIdentity)
		var remaining string
		switch identity {
		case ir.IdentityChat:
			remaining = rec.GameAccountID
			if rec.ChatUserID == "" {
				return
			}
		case ir.IdentityGame:
			remaining = rec.ChatUserID
			if rec.GameAccountID == "" {
				return
			}
		default:
			p.flag(targetOf(rec), rec.Version, ir.ReasonUnknownSubject, ir.O(ir.PayloadDetail, ir.IRString(identity)))
			return
		}
		t := targetOf(rec)
		if identity == ir.IdentityChat {
			// Roles go before the link does; the chat user keeps nothing the
			// record granted.
			for _, role := range r.policy.RolesFor(rec.EffectiveRank(st.Now)) {
				p.add(ir.ActionRemoveRole, t, rolePayload(role, false), rec.Version)
			}
			r.nick(p, t, ir.RankNone, "", rec.Version)
		}
		unlink := p.add(ir.ActionUnlinkAccount, t, ir.Obj(ir.O(ir.PayloadIdentity, ir.IRString(identity))), rec.Version)
		if remaining == "" {
			p.add(ir.ActionArchiveRecord, t, ir.IRObject{}, rec.Version, unlink)
		}
	}
}

func subjectTarget(s ir.SubjectRef) ir.ActionTarget {
	return ir.ActionTarget{ChatUserID: s.ChatUserID, GameAccountID: s.GameAccountID}
}

// forceLink binds a chat identity and a game account. Records are never
// merged: a game account already held by another record is flagged.
func (r *Reconciler) forceLink(p *plan, subj ir.SubjectRef, st State) {
	byChat, byGame := st.ByChat, st.ByGame
	linked := ir.Obj(ir.O(ir.PayloadStatus, ir.IRString(ir.VerificationVerified)))

	switch {
	case byChat != nil && byGame != nil && byChat.ID == byGame.ID:
		return

	case byChat != nil && byGame != nil:
		p.flag(targetOf(byChat), byChat.Version, ir.ReasonDuplicateIdentity,
			ir.O(ir.PayloadOtherMember, ir.IRInt(byGame.ID)),
			ir.O(ir.PayloadGameAccountID, ir.IRString(subj.GameAccountID)))

	case byChat != nil:
		if byChat.GameAccountID != "" {
			p.flag(targetOf(byChat), byChat.Version, ir.ReasonLinkedElsewhere,
				ir.O(ir.PayloadGameAccountID, ir.IRString(subj.GameAccountID)))
			return
		}
		t := targetOf(byChat)
		link := p.add(ir.ActionLinkAccounts, t,
			ir.Obj(ir.O(ir.PayloadGameAccountID, ir.IRString(subj.GameAccountID))), byChat.Version)
		p.add(ir.ActionSetVerification, t, linked, byChat.Version, link)

	case byGame != nil:
		if byGame.ChatUserID != "" {
			p.flag(targetOf(byGame), byGame.Version, ir.ReasonLinkedElsewhere,
				ir.O(ir.PayloadChatUserID, ir.IRString(subj.ChatUserID)))
			return
		}
		t := targetOf(byGame)
		link := p.add(ir.ActionLinkAccounts, t,
			ir.Obj(ir.O(ir.PayloadChatUserID, ir.IRString(subj.ChatUserID))), byGame.Version)
		p.add(ir.ActionSetVerification, t, linked, byGame.Version, link)
		// The target now carries the chat id the roles are granted to.
		roleTarget := t
		roleTarget.ChatUserID = subj.ChatUserID
		for _, role := range r.policy.RolesFor(byGame.EffectiveRank(st.Now)) {
			p.add(ir.ActionAssignRole, roleTarget, rolePayload(role, false), byGame.Version, link)
		}
		r.nick(p, roleTarget, byGame.EffectiveRank(st.Now), byGame.GameName, byGame.Version, link)

	default:
		p.add(ir.ActionCreateRecord, subjectTarget(subj), linked, 0)
	}
}
