package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rostersync/internal/ir"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable wall clock for store stamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// createTestStore creates a store in a temp directory with a fixed clock.
func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: testEpoch}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNowFunc(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// createTestMember inserts a record linked to the given identities.
func createTestMember(t *testing.T, s *Store, chatID, gameID string, rank ir.Rank) ir.MemberRecord {
	t.Helper()
	rec, err := s.Create(context.Background(), ir.MemberRecord{
		ChatUserID:    chatID,
		GameAccountID: gameID,
		CurrentRank:   rank,
		Verification:  ir.VerificationPending,
	})
	require.NoError(t, err)
	return rec
}

// createTestAction builds a pending action for ledger tests.
func createTestAction(t *testing.T, kind ir.ActionKind, memberID int64, seq int64) ir.Action {
	t.Helper()
	a, err := ir.NewAction(kind, ir.ActionTarget{MemberID: memberID}, ir.Obj(ir.O("seq", ir.IRInt(seq))), 1, "evt")
	require.NoError(t, err)
	a.EventKey = "evt"
	a.EventSeq = seq
	return a
}
