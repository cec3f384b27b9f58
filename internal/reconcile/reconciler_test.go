package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rostersync/internal/ir"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		Ranks: []RankRule{
			{Rank: "Chief", Roles: []string{"Chief"}},
			{Rank: "Strategist", Roles: []string{"Strategist", "Flight Captains"}},
			{Rank: "Captain", Roles: []string{"Captain", "Flight Captains"}},
			{Rank: "Recruit", Roles: []string{"Recruit"}},
		},
		GracePeriod:   72 * time.Hour,
		FlapThreshold: 3,
		FlapWindow:    30 * time.Minute,
	}
}

func event(source ir.Source, kind ir.EventKind, subject ir.SubjectRef, pairs ...ir.IRPair) ir.CanonicalEvent {
	payload := ir.Obj(pairs...)
	return ir.CanonicalEvent{
		Source:    source,
		Kind:      kind,
		Subject:   subject,
		Payload:   payload,
		Seq:       1,
		DedupeKey: ir.MustDedupeKey(source, kind, subject, payload),
	}
}

func rosterEvent(kind ir.EventKind, game string, pairs ...ir.IRPair) ir.CanonicalEvent {
	return event(ir.SourceRoster, kind, ir.SubjectRef{GameAccountID: game}, pairs...)
}

func chatEvent(kind ir.EventKind, chatID string, pairs ...ir.IRPair) ir.CanonicalEvent {
	return event(ir.SourceChat, kind, ir.SubjectRef{ChatUserID: chatID}, pairs...)
}

func manualEvent(kind ir.EventKind, subject ir.SubjectRef, pairs ...ir.IRPair) ir.CanonicalEvent {
	pairs = append(pairs, ir.O(ir.PayloadOperator, ir.IRString("op")), ir.O(ir.PayloadCommandID, ir.IRString("cmd-1")))
	return event(ir.SourceManual, kind, subject, pairs...)
}

func rank(r string) ir.IRPair { return ir.O(ir.PayloadRank, ir.IRString(r)) }
func role(r string) ir.IRPair { return ir.O(ir.PayloadRole, ir.IRString(r)) }

func member(id int64, chatID, gameID string, r ir.Rank) *ir.MemberRecord {
	return &ir.MemberRecord{
		ID:            id,
		ChatUserID:    chatID,
		GameAccountID: gameID,
		CurrentRank:   r,
		Verification:  ir.VerificationPending,
		Version:       4,
	}
}

func kinds(actions []ir.Action) []ir.ActionKind {
	out := make([]ir.ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func reconcile(t *testing.T, ev ir.CanonicalEvent, st State) []ir.Action {
	t.Helper()
	if st.Now.IsZero() {
		st.Now = now
	}
	actions, err := New(testPolicy()).Reconcile(ev, st)
	require.NoError(t, err)
	return actions
}

func TestRoster_NewAccountCreatesPendingRecord(t *testing.T) {
	ev := rosterEvent(ir.KindAccountAdded, "G1", rank("RECRUIT"), ir.O(ir.PayloadName, ir.IRString("Steve")))
	actions := reconcile(t, ev, State{})

	require.Equal(t, []ir.ActionKind{ir.ActionCreateRecord, ir.ActionSetRank}, kinds(actions))
	create, set := actions[0], actions[1]
	assert.Equal(t, ir.ActionTarget{GameAccountID: "G1"}, create.Target)
	assert.Equal(t, "pending", create.Payload.String(ir.PayloadStatus))
	assert.Equal(t, "Steve", create.Payload.String(ir.PayloadName))
	assert.Equal(t, "Recruit", set.Payload.String(ir.PayloadRank), "rank names are case-folded to the policy")
	assert.Equal(t, "roster", set.Payload.String(ir.PayloadCause))
	assert.Equal(t, []string{create.IdempotencyKey}, set.DependsOn)
}

func TestRoster_RankChangeMovesRolesKeepingGroupRole(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	actions := reconcile(t, rosterEvent(ir.KindRankChanged, "G1", rank("Strategist")), State{ByGame: rec})

	require.Equal(t, []ir.ActionKind{ir.ActionSetRank, ir.ActionRemoveRole, ir.ActionAssignRole}, kinds(actions))
	assert.Equal(t, "Captain", actions[1].Payload.String(ir.PayloadRole))
	assert.Equal(t, "Strategist", actions[2].Payload.String(ir.PayloadRole))
	for _, a := range actions[1:] {
		assert.Equal(t, "u1", a.Target.ChatUserID)
		assert.Equal(t, []string{actions[0].IdempotencyKey}, a.DependsOn)
		assert.False(t, a.Payload.Bool(ir.PayloadCorrection))
	}
}

func TestRoster_RankChangeWithoutChatLinkTouchesNoRoles(t *testing.T) {
	rec := member(7, "", "G1", "Recruit")
	actions := reconcile(t, rosterEvent(ir.KindRankChanged, "G1", rank("Captain")), State{ByGame: rec})
	assert.Equal(t, []ir.ActionKind{ir.ActionSetRank}, kinds(actions))
}

func TestRoster_UnverifiedRecordBecomesPending(t *testing.T) {
	rec := member(7, "u1", "G1", ir.RankNone)
	rec.Verification = ir.VerificationUnverified
	actions := reconcile(t, rosterEvent(ir.KindAccountPresent, "G1", rank("Recruit")), State{ByGame: rec})

	assert.Equal(t, []ir.ActionKind{ir.ActionSetVerification, ir.ActionSetRank, ir.ActionAssignRole}, kinds(actions))
	assert.Equal(t, "pending", actions[0].Payload.String(ir.PayloadStatus))
}

func TestRoster_SameRankIsNoop(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	actions := reconcile(t, rosterEvent(ir.KindAccountPresent, "G1", rank("captain")), State{ByGame: rec})
	assert.Empty(t, actions)
}

func TestRoster_RenameSetsName(t *testing.T) {
	rec := member(7, "", "G1", "Captain")
	rec.GameName = "Old"
	actions := reconcile(t, rosterEvent(ir.KindAccountRenamed, "G1", ir.O(ir.PayloadName, ir.IRString("New"))), State{ByGame: rec})

	require.Equal(t, []ir.ActionKind{ir.ActionSetName}, kinds(actions))
	assert.Equal(t, "New", actions[0].Payload.String(ir.PayloadName))
}

func TestRoster_ActiveOverrideSuppressesRank(t *testing.T) {
	rec := member(7, "u1", "G1", "Chief")
	rec.Override = &ir.Override{Rank: "Chief", Operator: "op", Until: now.Add(time.Hour)}

	assert.Empty(t, reconcile(t, rosterEvent(ir.KindRankChanged, "G1", rank("Recruit")), State{ByGame: rec}))
	assert.Empty(t, reconcile(t, rosterEvent(ir.KindAccountRemoved, "G1"), State{ByGame: rec}))

	// Once the grace period lapses the roster wins again.
	later := State{ByGame: rec, Now: now.Add(2 * time.Hour)}
	actions := reconcile(t, rosterEvent(ir.KindAccountPresent, "G1", rank("Recruit")), later)
	assert.Equal(t, []ir.ActionKind{ir.ActionSetRank, ir.ActionRemoveRole, ir.ActionAssignRole}, kinds(actions))
}

func TestRoster_UnknownRankFlags(t *testing.T) {
	actions := reconcile(t, rosterEvent(ir.KindAccountAdded, "G9", rank("Admiral")), State{})

	require.Equal(t, []ir.ActionKind{ir.ActionFlagConflict}, kinds(actions))
	assert.Equal(t, ir.ReasonUnknownRank, actions[0].Payload.String(ir.PayloadReason))
	assert.Equal(t, "Admiral", actions[0].Payload.String(ir.PayloadDetail))
}

func TestRoster_RemovalDemotesToNone(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	actions := reconcile(t, rosterEvent(ir.KindAccountRemoved, "G1"), State{ByGame: rec})

	require.Equal(t, []ir.ActionKind{ir.ActionSetRank, ir.ActionRemoveRole, ir.ActionRemoveRole}, kinds(actions))
	assert.Equal(t, "none", actions[0].Payload.String(ir.PayloadRank))
	assert.Equal(t, "roster_removal", actions[0].Payload.String(ir.PayloadCause))
	assert.Equal(t, int64(7), actions[0].Target.MemberID)

	rec.CurrentRank = ir.RankNone
	assert.Empty(t, reconcile(t, rosterEvent(ir.KindAccountRemoved, "G1"), State{ByGame: rec}),
		"a second removal derives nothing")
}

func TestRoster_RemovalOfUnknownAccountIsNoop(t *testing.T) {
	assert.Empty(t, reconcile(t, rosterEvent(ir.KindAccountRemoved, "G1"), State{}))
}

func TestChat_RoleRemovedIsCorrected(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	actions := reconcile(t, chatEvent(ir.KindRoleRemoved, "u1", role("Captain")), State{ByChat: rec})

	require.Equal(t, []ir.ActionKind{ir.ActionAssignRole}, kinds(actions))
	assert.Equal(t, "Captain", actions[0].Payload.String(ir.PayloadRole))
	assert.True(t, actions[0].Payload.Bool(ir.PayloadCorrection))
	assert.Equal(t, "u1", actions[0].Target.ChatUserID)
}

func TestChat_RoleAddedForOtherRankIsRemoved(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	actions := reconcile(t, chatEvent(ir.KindRoleAdded, "u1", role("Chief")), State{ByChat: rec})

	require.Equal(t, []ir.ActionKind{ir.ActionRemoveRole}, kinds(actions))
	assert.True(t, actions[0].Payload.Bool(ir.PayloadCorrection))
}

func TestChat_RoleChangesThatAgreeAreIgnored(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	tests := []struct {
		name string
		ev   ir.CanonicalEvent
	}{
		{"held role added", chatEvent(ir.KindRoleAdded, "u1", role("Flight Captains"))},
		{"foreign role removed", chatEvent(ir.KindRoleRemoved, "u1", role("Chief"))},
		{"unmanaged role", chatEvent(ir.KindRoleRemoved, "u1", role("Nitro Booster"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, reconcile(t, tt.ev, State{ByChat: rec}))
		})
	}
}

func TestChat_NoCorrectionWithoutAuthority(t *testing.T) {
	chatOnly := member(7, "u1", "", "Captain")
	assert.Empty(t, reconcile(t, chatEvent(ir.KindRoleRemoved, "u1", role("Captain")), State{ByChat: chatOnly}))

	flagged := member(8, "u2", "G2", "Captain")
	flagged.Verification = ir.VerificationFlagged
	assert.Empty(t, reconcile(t, chatEvent(ir.KindRoleRemoved, "u2", role("Captain")), State{ByChat: flagged}))
}

func TestChat_OverrideGivesAuthority(t *testing.T) {
	rec := member(7, "u1", "", "Chief")
	rec.Override = &ir.Override{Rank: "Chief", Operator: "op", Until: now.Add(time.Hour)}
	actions := reconcile(t, chatEvent(ir.KindRoleRemoved, "u1", role("Chief")), State{ByChat: rec})
	assert.Equal(t, []ir.ActionKind{ir.ActionAssignRole}, kinds(actions))
}

func TestChat_FlappingEscalates(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	rec.Corrections = []time.Time{now.Add(-20 * time.Minute), now.Add(-5 * time.Minute)}

	actions := reconcile(t, chatEvent(ir.KindRoleRemoved, "u1", role("Captain")), State{ByChat: rec})
	require.Equal(t, []ir.ActionKind{ir.ActionFlagConflict}, kinds(actions))
	assert.Equal(t, ir.ReasonFlapping, actions[0].Payload.String(ir.PayloadReason))
	assert.Equal(t, "Captain", actions[0].Payload.String(ir.PayloadRole))

	// Corrections outside the window do not count.
	rec.Corrections = []time.Time{now.Add(-2 * time.Hour), now.Add(-5 * time.Minute)}
	actions = reconcile(t, chatEvent(ir.KindRoleRemoved, "u1", role("Captain")), State{ByChat: rec})
	assert.Equal(t, []ir.ActionKind{ir.ActionAssignRole}, kinds(actions))
}

func TestChat_JoinAndLeave(t *testing.T) {
	actions := reconcile(t, chatEvent(ir.KindMemberJoined, "u1"), State{})
	require.Equal(t, []ir.ActionKind{ir.ActionCreateRecord}, kinds(actions))
	assert.Equal(t, "unverified", actions[0].Payload.String(ir.PayloadStatus))
	assert.Equal(t, ir.ActionTarget{ChatUserID: "u1"}, actions[0].Target)

	linked := member(7, "u1", "G1", "Captain")
	actions = reconcile(t, chatEvent(ir.KindMemberJoined, "u1"), State{ByChat: linked})
	assert.Equal(t, []ir.ActionKind{ir.ActionAssignRole, ir.ActionAssignRole}, kinds(actions))

	actions = reconcile(t, chatEvent(ir.KindMemberLeft, "u1"), State{ByChat: linked})
	require.Equal(t, []ir.ActionKind{ir.ActionUnlinkAccount}, kinds(actions))
	assert.Equal(t, ir.IdentityChat, actions[0].Payload.String(ir.PayloadIdentity))

	chatOnly := member(8, "u2", "", ir.RankNone)
	actions = reconcile(t, chatEvent(ir.KindMemberLeft, "u2"), State{ByChat: chatOnly})
	require.Equal(t, []ir.ActionKind{ir.ActionUnlinkAccount, ir.ActionArchiveRecord}, kinds(actions))
	assert.Equal(t, []string{actions[0].IdempotencyKey}, actions[1].DependsOn)
}

func TestManual_ForceRankSetsOverride(t *testing.T) {
	rec := member(7, "u1", "G1", "Recruit")
	ev := manualEvent(ir.KindForceRank, ir.SubjectRef{ChatUserID: "u1"}, rank("chief"))
	actions := reconcile(t, ev, State{ByChat: rec})

	require.Equal(t, []ir.ActionKind{
		ir.ActionSetOverride, ir.ActionSetRank, ir.ActionRemoveRole, ir.ActionAssignRole,
	}, kinds(actions))
	override := actions[0].Payload
	assert.Equal(t, "Chief", override.String(ir.PayloadRank))
	assert.Equal(t, "op", override.String(ir.PayloadOperator))
	assert.Equal(t, now.Add(72*time.Hour).UnixMilli(), override.Int(ir.PayloadUntil))
	assert.Equal(t, "manual", actions[1].Payload.String(ir.PayloadCause))
	assert.ElementsMatch(t, []string{actions[0].IdempotencyKey, actions[1].IdempotencyKey}, actions[3].DependsOn)
}

func TestManual_ForceRankWithoutRecord(t *testing.T) {
	ev := manualEvent(ir.KindForceRank, ir.SubjectRef{ChatUserID: "u1"}, rank("Captain"))
	actions := reconcile(t, ev, State{})
	assert.Equal(t, []ir.ActionKind{
		ir.ActionCreateRecord, ir.ActionSetOverride, ir.ActionSetRank, ir.ActionAssignRole, ir.ActionAssignRole,
	}, kinds(actions))
}

func TestManual_ForceLinkDuplicateFlags(t *testing.T) {
	first := member(1, "u1", "G2", "Captain")
	second := member(2, "u2", "", ir.RankNone)
	ev := manualEvent(ir.KindForceLink, ir.SubjectRef{ChatUserID: "u2", GameAccountID: "G2"})

	actions := reconcile(t, ev, State{ByChat: second, ByGame: first})
	require.Equal(t, []ir.ActionKind{ir.ActionFlagConflict}, kinds(actions))
	flag := actions[0]
	assert.Equal(t, int64(2), flag.Target.MemberID)
	assert.Equal(t, ir.ReasonDuplicateIdentity, flag.Payload.String(ir.PayloadReason))
	assert.Equal(t, int64(1), flag.Payload.Int(ir.PayloadOtherMember))
}

func TestManual_ForceLink(t *testing.T) {
	subject := ir.SubjectRef{ChatUserID: "u1", GameAccountID: "G1"}
	ev := manualEvent(ir.KindForceLink, subject)

	t.Run("already linked", func(t *testing.T) {
		rec := member(1, "u1", "G1", "Captain")
		assert.Empty(t, reconcile(t, ev, State{ByChat: rec, ByGame: rec}))
	})
	t.Run("chat record gains game account", func(t *testing.T) {
		rec := member(1, "u1", "", ir.RankNone)
		actions := reconcile(t, ev, State{ByChat: rec})
		require.Equal(t, []ir.ActionKind{ir.ActionLinkAccounts, ir.ActionSetVerification}, kinds(actions))
		assert.Equal(t, "G1", actions[0].Payload.String(ir.PayloadGameAccountID))
		assert.Equal(t, "verified", actions[1].Payload.String(ir.PayloadStatus))
	})
	t.Run("game record gains chat user and roles", func(t *testing.T) {
		rec := member(1, "", "G1", "Recruit")
		actions := reconcile(t, ev, State{ByGame: rec})
		require.Equal(t, []ir.ActionKind{ir.ActionLinkAccounts, ir.ActionSetVerification, ir.ActionAssignRole}, kinds(actions))
		assert.Equal(t, "u1", actions[2].Target.ChatUserID)
	})
	t.Run("chat record linked elsewhere", func(t *testing.T) {
		rec := member(1, "u1", "G7", "Recruit")
		actions := reconcile(t, ev, State{ByChat: rec})
		require.Equal(t, []ir.ActionKind{ir.ActionFlagConflict}, kinds(actions))
		assert.Equal(t, ir.ReasonLinkedElsewhere, actions[0].Payload.String(ir.PayloadReason))
	})
	t.Run("no records", func(t *testing.T) {
		actions := reconcile(t, ev, State{})
		require.Equal(t, []ir.ActionKind{ir.ActionCreateRecord}, kinds(actions))
		assert.Equal(t, ir.ActionTarget{ChatUserID: "u1", GameAccountID: "G1"}, actions[0].Target)
	})
}

func TestManual_ForceVerifyAndUnlink(t *testing.T) {
	rec := member(1, "", "G1", "Recruit")
	rec.Verification = ir.VerificationFlagged

	actions := reconcile(t, manualEvent(ir.KindForceVerify, ir.SubjectRef{GameAccountID: "G1"},
		ir.O(ir.PayloadStatus, ir.IRString("verified"))), State{ByGame: rec})
	require.Equal(t, []ir.ActionKind{ir.ActionSetVerification}, kinds(actions))

	actions = reconcile(t, manualEvent(ir.KindForceUnlink, ir.SubjectRef{GameAccountID: "G1"},
		ir.O(ir.PayloadIdentity, ir.IRString("game"))), State{ByGame: rec})
	assert.Equal(t, []ir.ActionKind{ir.ActionUnlinkAccount, ir.ActionArchiveRecord}, kinds(actions))

	actions = reconcile(t, manualEvent(ir.KindForceVerify, ir.SubjectRef{GameAccountID: "G9"},
		ir.O(ir.PayloadStatus, ir.IRString("verified"))), State{})
	require.Equal(t, []ir.ActionKind{ir.ActionFlagConflict}, kinds(actions))
	assert.Equal(t, ir.ReasonUnknownSubject, actions[0].Payload.String(ir.PayloadReason))
}

func TestManual_UnlinkChatRemovesRoles(t *testing.T) {
	rec := member(1, "u1", "G1", "Captain")
	ev := manualEvent(ir.KindForceUnlink, ir.SubjectRef{ChatUserID: "u1"},
		ir.O(ir.PayloadIdentity, ir.IRString("chat")))

	actions := reconcile(t, ev, State{ByChat: rec})
	require.Equal(t, []ir.ActionKind{ir.ActionRemoveRole, ir.ActionRemoveRole, ir.ActionUnlinkAccount}, kinds(actions))
	for i, want := range []string{"Captain", "Flight Captains"} {
		assert.Equal(t, want, actions[i].Payload.String(ir.PayloadRole))
		assert.Equal(t, "u1", actions[i].Target.ChatUserID, "roles come off the chat user being unlinked")
		assert.False(t, actions[i].Payload.Bool(ir.PayloadCorrection))
	}
	assert.Equal(t, "chat", actions[2].Payload.String(ir.PayloadIdentity))
	assert.Empty(t, actions[2].DependsOn, "a failed role removal does not block the unlink")

	t.Run("override rank", func(t *testing.T) {
		rec := member(1, "u1", "", "Captain")
		rec.Override = &ir.Override{Rank: "Chief", Operator: "op", Until: now.Add(time.Hour)}
		actions := reconcile(t, ev, State{ByChat: rec})
		require.Equal(t, []ir.ActionKind{ir.ActionRemoveRole, ir.ActionUnlinkAccount, ir.ActionArchiveRecord}, kinds(actions))
		assert.Equal(t, "Chief", actions[0].Payload.String(ir.PayloadRole))
	})

	t.Run("no rank", func(t *testing.T) {
		rec := member(1, "u1", "G1", ir.RankNone)
		actions := reconcile(t, ev, State{ByChat: rec})
		assert.Equal(t, []ir.ActionKind{ir.ActionUnlinkAccount}, kinds(actions))
	})
}

func TestManual_AmbiguousSubjectFlags(t *testing.T) {
	a := member(1, "u1", "", ir.RankNone)
	b := member(2, "", "G1", "Recruit")
	ev := manualEvent(ir.KindForceRank, ir.SubjectRef{ChatUserID: "u1", GameAccountID: "G1"}, rank("Chief"))

	actions := reconcile(t, ev, State{ByChat: a, ByGame: b})
	require.Equal(t, []ir.ActionKind{ir.ActionFlagConflict}, kinds(actions))
	assert.Equal(t, ir.ReasonAmbiguousSubject, actions[0].Payload.String(ir.PayloadReason))
}

func TestReconcile_MalformedEvent(t *testing.T) {
	ev := ir.CanonicalEvent{Source: ir.SourceRoster, Kind: ir.KindAccountRemoved}
	_, err := New(testPolicy()).Reconcile(ev, State{Now: now})
	assert.ErrorIs(t, err, ir.ErrMalformedEvent)
}

func TestReconcile_DeterministicKeys(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	ev := rosterEvent(ir.KindRankChanged, "G1", rank("Strategist"))

	first := reconcile(t, ev, State{ByGame: rec})
	second := reconcile(t, ev, State{ByGame: rec})
	assert.Equal(t, first, second)

	seen := map[string]bool{}
	for _, a := range first {
		assert.False(t, seen[a.IdempotencyKey], "duplicate key for %s", a.Kind)
		seen[a.IdempotencyKey] = true
	}

	// A new basis version yields new keys.
	rec.Version++
	third := reconcile(t, ev, State{ByGame: rec})
	assert.NotEqual(t, first[0].IdempotencyKey, third[0].IdempotencyKey)
}

func nicknamePolicy() Policy {
	p := testPolicy()
	p.Nicknames = true
	p.Ranks[0].Symbol = "★"
	return p
}

func nicknamesOf(actions []ir.Action) []string {
	var out []string
	for _, a := range actions {
		if a.Kind == ir.ActionSetNickname {
			out = append(out, a.Payload.String(ir.PayloadNickname))
		}
	}
	return out
}

func TestNicknames_OffByDefault(t *testing.T) {
	rec := member(7, "u1", "G1", "Captain")
	rec.GameName = "Vega"
	actions := reconcile(t, rosterEvent(ir.KindRankChanged, "G1", rank("Chief"), ir.O(ir.PayloadName, ir.IRString("Rigel"))), State{ByGame: rec})
	assert.Empty(t, nicknamesOf(actions))
}

func TestNicknames_FollowRosterRankAndName(t *testing.T) {
	r := New(nicknamePolicy())
	rec := member(7, "u1", "G1", "Captain")
	rec.GameName = "Vega"

	tests := []struct {
		name string
		ev   ir.CanonicalEvent
		rec  *ir.MemberRecord
		want []string
	}{
		{"promotion", rosterEvent(ir.KindRankChanged, "G1", rank("Chief")), rec, []string{"★ Vega"}},
		{"rename and promotion", rosterEvent(ir.KindRankChanged, "G1", rank("Chief"), ir.O(ir.PayloadName, ir.IRString("Rigel"))), rec, []string{"★ Rigel"}},
		{"rename", rosterEvent(ir.KindAccountRenamed, "G1", ir.O(ir.PayloadName, ir.IRString("Rigel"))), rec, []string{"Rigel"}},
		{"unchanged", rosterEvent(ir.KindAccountPresent, "G1", rank("Captain"), ir.O(ir.PayloadName, ir.IRString("Vega"))), rec, nil},
		{"removed", rosterEvent(ir.KindAccountRemoved, "G1"), rec, []string{""}},
		{"no chat link", rosterEvent(ir.KindRankChanged, "G1", rank("Chief")), member(8, "", "G1", "Captain"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions, err := r.Reconcile(tt.ev, State{ByGame: tt.rec, Now: now})
			require.NoError(t, err)
			assert.Equal(t, tt.want, nicknamesOf(actions))
			for _, a := range actions {
				if a.Kind == ir.ActionSetNickname {
					assert.NotEmpty(t, a.DependsOn, "the nickname follows the record change")
				}
			}
		})
	}
}

func TestNicknames_ManualCommands(t *testing.T) {
	r := New(nicknamePolicy())
	rec := member(7, "u1", "G1", "Captain")
	rec.GameName = "Vega"

	actions, err := r.Reconcile(manualEvent(ir.KindForceRank, ir.SubjectRef{ChatUserID: "u1"}, rank("Chief")), State{ByChat: rec, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"★ Vega"}, nicknamesOf(actions))

	unlink := manualEvent(ir.KindForceUnlink, ir.SubjectRef{ChatUserID: "u1"}, ir.O(ir.PayloadIdentity, ir.IRString(ir.IdentityChat)))
	actions, err = r.Reconcile(unlink, State{ByChat: rec, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, nicknamesOf(actions), "the unlinked chat user loses the nickname")

	unranked := member(9, "", "G2", "Captain")
	unranked.GameName = "Rigel"
	link := manualEvent(ir.KindForceLink, ir.SubjectRef{ChatUserID: "u2", GameAccountID: "G2"})
	actions, err = r.Reconcile(link, State{ByGame: unranked, Now: now})
	require.NoError(t, err)
	require.Equal(t, []string{"Rigel"}, nicknamesOf(actions))
	last := actions[len(actions)-1]
	assert.Equal(t, "u2", last.Target.ChatUserID)
	assert.Equal(t, []string{actions[0].IdempotencyKey}, last.DependsOn)
}

func TestNicknames_RejoinRestoresNickname(t *testing.T) {
	rec := member(7, "u1", "G1", "Chief")
	rec.GameName = "Vega"
	actions, err := New(nicknamePolicy()).Reconcile(chatEvent(ir.KindMemberJoined, "u1"), State{ByChat: rec, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []ir.ActionKind{ir.ActionAssignRole, ir.ActionSetNickname}, kinds(actions))
	assert.Equal(t, []string{"★ Vega"}, nicknamesOf(actions))
}
