package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rostersync/internal/ir"
)

func TestCreate_AssignsIDAndVersion(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, ir.MemberRecord{GameAccountID: "G1"})
	require.NoError(t, err)

	assert.NotZero(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, ir.RankNone, rec.CurrentRank)
	assert.Equal(t, ir.VerificationUnverified, rec.Verification)
	assert.Equal(t, testEpoch, rec.CreatedAt)

	got, err := s.GetByGameAccountID(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Empty(t, got.ChatUserID)
}

func TestCreate_RejectsEmptyIdentity(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.Create(context.Background(), ir.MemberRecord{})
	require.Error(t, err)
}

func TestCreate_DuplicateIdentity(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	createTestMember(t, s, "u1", "G1", "Recruit")

	_, err := s.Create(ctx, ir.MemberRecord{GameAccountID: "G1"})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	_, err = s.Create(ctx, ir.MemberRecord{ChatUserID: "u1"})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestCreate_IDsNeverReused(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	first := createTestMember(t, s, "", "G1", "Recruit")
	_, err := s.CompareAndUpdate(ctx, first.ID, first.Version, func(m *ir.MemberRecord) error {
		m.GameAccountID = ""
		m.Archived = true
		return nil
	})
	require.NoError(t, err)

	second := createTestMember(t, s, "", "G1", "Recruit")
	assert.Greater(t, second.ID, first.ID)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetByID(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByChatID(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByGameAccountID(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndUpdate_BumpsVersion(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	rec := createTestMember(t, s, "u1", "G1", "Recruit")
	clock.Advance(time.Minute)

	updated, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.CurrentRank = "Captain"
		m.RankHistory = append(m.RankHistory, ir.RankChange{
			Rank: "Captain", EffectiveAt: clock.Now(), Cause: ir.CauseRoster, Seq: 4,
		})
		m.LastReconciledSeq = 4
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, testEpoch.Add(time.Minute), updated.UpdatedAt)

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.Rank("Captain"), got.CurrentRank)
	assert.Equal(t, int64(4), got.LastReconciledSeq)
	require.Len(t, got.RankHistory, 1)
	assert.Equal(t, ir.CauseRoster, got.RankHistory[0].Cause)
	assert.Equal(t, updated, got)
}

func TestCompareAndUpdate_StaleVersionConflicts(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec := createTestMember(t, s, "u1", "G1", "Recruit")

	_, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.GameName = "first"
		return nil
	})
	require.NoError(t, err)

	_, err = s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.GameName = "second"
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.GameName)
}

func TestCompareAndUpdate_MutateErrorAborts(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec := createTestMember(t, s, "u1", "", "Recruit")
	boom := errors.New("boom")

	_, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.CurrentRank = "Chief"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.Rank("Recruit"), got.CurrentRank)
	assert.Equal(t, rec.Version, got.Version)
}

func TestCompareAndUpdate_DuplicateIdentity(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	createTestMember(t, s, "u1", "G2", "Recruit")
	other := createTestMember(t, s, "u2", "", "none")

	_, err := s.CompareAndUpdate(ctx, other.ID, other.Version, func(m *ir.MemberRecord) error {
		m.GameAccountID = "G2"
		return nil
	})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	first, err := s.GetByGameAccountID(ctx, "G2")
	require.NoError(t, err)
	assert.Equal(t, "u1", first.ChatUserID)
}

func TestCompareAndUpdate_HistoryIsAppendOnly(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, ir.MemberRecord{
		GameAccountID: "G1",
		CurrentRank:   "Recruit",
		RankHistory:   []ir.RankChange{{Rank: "Recruit", EffectiveAt: testEpoch, Cause: ir.CauseRoster, Seq: 1}},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(m *ir.MemberRecord) error
	}{
		{"edit entry", func(m *ir.MemberRecord) error {
			m.RankHistory[0].Rank = "Chief"
			return nil
		}},
		{"drop entry", func(m *ir.MemberRecord) error {
			m.RankHistory = nil
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, tt.mutate)
			assert.ErrorIs(t, err, ErrHistoryRewrite)
		})
	}
}

func TestCompareAndUpdate_HistoryMonotonic(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, ir.MemberRecord{
		GameAccountID: "G1",
		RankHistory:   []ir.RankChange{{Rank: "Recruit", EffectiveAt: testEpoch, Cause: ir.CauseRoster}},
	})
	require.NoError(t, err)

	_, err = s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.RankHistory = append(m.RankHistory, ir.RankChange{
			Rank: "Chief", EffectiveAt: testEpoch.Add(-time.Second), Cause: ir.CauseManual,
		})
		return nil
	})
	assert.ErrorIs(t, err, ErrHistoryOrder)

	// Equal timestamps are allowed.
	_, err = s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.RankHistory = append(m.RankHistory, ir.RankChange{
			Rank: "Chief", EffectiveAt: testEpoch, Cause: ir.CauseManual,
		})
		return nil
	})
	assert.NoError(t, err)
}

func TestAppendRankHistory(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec := createTestMember(t, s, "", "G1", "Recruit")

	require.NoError(t, s.AppendRankHistory(ctx, rec.ID, ir.RankChange{Rank: "Recruit", EffectiveAt: testEpoch, Cause: ir.CauseRoster}))
	require.NoError(t, s.AppendRankHistory(ctx, rec.ID, ir.RankChange{Rank: "Captain", EffectiveAt: testEpoch.Add(time.Hour), Cause: ir.CauseRoster}))

	err := s.AppendRankHistory(ctx, rec.ID, ir.RankChange{Rank: "Chief", EffectiveAt: testEpoch, Cause: ir.CauseManual})
	assert.ErrorIs(t, err, ErrHistoryOrder)

	err = s.AppendRankHistory(ctx, 999, ir.RankChange{Rank: "Chief", EffectiveAt: testEpoch})
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got.RankHistory, 2)
	assert.Equal(t, ir.Rank("Captain"), got.RankHistory[1].Rank)
	assert.Equal(t, int64(3), got.Version)
}

func TestRankHistory_TriggersBlockRewrites(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec := createTestMember(t, s, "", "G1", "Recruit")
	require.NoError(t, s.AppendRankHistory(ctx, rec.ID, ir.RankChange{Rank: "Recruit", EffectiveAt: testEpoch, Cause: ir.CauseRoster}))

	_, err := s.db.Exec(`UPDATE rank_history SET rank = 'Chief'`)
	assert.ErrorContains(t, err, "append-only")

	_, err = s.db.Exec(`DELETE FROM rank_history`)
	assert.ErrorContains(t, err, "append-only")
}

func TestArchive_FreesIdentity(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec := createTestMember(t, s, "u1", "", "none")

	_, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.Archived = true
		return nil
	})
	require.NoError(t, err)

	_, err = s.GetByChatID(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound, "archived records are not active")

	archived, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	_, err = s.Create(ctx, ir.MemberRecord{ChatUserID: "u1"})
	assert.NoError(t, err)
}

func TestOverrideAndCorrectionsRoundTrip(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec := createTestMember(t, s, "u1", "G1", "Recruit")

	updated, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.Override = &ir.Override{Rank: "Chief", Operator: "mod-1", Until: testEpoch.Add(72 * time.Hour)}
		m.Corrections = []time.Time{testEpoch, testEpoch.Add(time.Minute)}
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Override)
	assert.Equal(t, "mod-1", got.Override.Operator)
	assert.True(t, got.Override.Until.Equal(testEpoch.Add(72*time.Hour)))
	assert.Len(t, got.Corrections, 2)
	assert.Equal(t, updated.Version, got.Version)
}

func TestCompareAndUpdate_MarkingApplied(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec := createTestMember(t, s, "u1", "G1", "Recruit")
	action := createTestAction(t, ir.ActionSetRank, rec.ID, 1)
	require.NoError(t, s.RecordActions(ctx, []ir.Action{action}))

	_, err := s.CompareAndUpdate(ctx, rec.ID, rec.Version, func(m *ir.MemberRecord) error {
		m.CurrentRank = "Chief"
		return nil
	}, MarkingApplied(action.IdempotencyKey))
	require.NoError(t, err)

	got, err := s.GetAction(ctx, action.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionApplied, got.State)
}

func TestListMembers(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	a := createTestMember(t, s, "u1", "", "none")
	createTestMember(t, s, "", "G1", "Recruit")
	_, err := s.CompareAndUpdate(ctx, a.ID, a.Version, func(m *ir.MemberRecord) error {
		m.ChatUserID = ""
		m.Archived = true
		return nil
	})
	require.NoError(t, err)

	active, err := s.ListMembers(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "G1", active[0].GameAccountID)

	all, err := s.ListMembers(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
