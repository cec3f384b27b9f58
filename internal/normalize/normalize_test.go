package normalize

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/roster"
	"github.com/roach88/rostersync/internal/store"
	"github.com/roach88/rostersync/internal/testutil"
)

type counter struct {
	mu sync.Mutex
	n  int64
}

func (c *counter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

type sliceSink struct {
	mu     sync.Mutex
	events []ir.CanonicalEvent
	closed bool
}

func (s *sliceSink) Enqueue(ev ir.CanonicalEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

type fixture struct {
	n     *Normalizer
	store *store.Store
	sink  *sliceSink
	clock *testutil.FakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(testutil.Epoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithNowFunc(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sink := &sliceSink{}
	opts = append([]Option{
		WithNowFunc(clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs("")),
	}, opts...)
	return &fixture{n: New(s, &counter{}, sink, opts...), store: s, sink: sink, clock: clock}
}

func TestFromChat(t *testing.T) {
	at := testutil.Epoch
	ev, err := FromChat(chat.Notification{Kind: chat.NotifyRoleRemove, UserID: "u1", Role: "Pilot", OccurredAt: at})
	require.NoError(t, err)

	assert.Equal(t, ir.SourceChat, ev.Source)
	assert.Equal(t, ir.KindRoleRemoved, ev.Kind)
	assert.Equal(t, ir.SubjectRef{ChatUserID: "u1"}, ev.Subject)
	assert.Equal(t, "Pilot", ev.Payload.String(ir.PayloadRole))
	assert.NotEmpty(t, ev.DedupeKey)

	again, err := FromChat(chat.Notification{Kind: chat.NotifyRoleRemove, UserID: "u1", Role: "Pilot", OccurredAt: at})
	require.NoError(t, err)
	assert.Equal(t, ev.DedupeKey, again.DedupeKey, "redelivery hashes to the same key")

	later, err := FromChat(chat.Notification{Kind: chat.NotifyRoleRemove, UserID: "u1", Role: "Pilot", OccurredAt: at.Add(time.Minute)})
	require.NoError(t, err)
	assert.NotEqual(t, ev.DedupeKey, later.DedupeKey, "a repeat change later is a new event")
}

func TestFromRoster(t *testing.T) {
	tests := []struct {
		delta roster.Delta
		kind  ir.EventKind
		rank  string
	}{
		{roster.Delta{Kind: roster.DeltaAdded, GameAccountID: "g1", Name: "Vega", Rank: "CHIEF"}, ir.KindAccountAdded, "CHIEF"},
		{roster.Delta{Kind: roster.DeltaRemoved, GameAccountID: "g1", Name: "Vega", PrevRank: "CHIEF"}, ir.KindAccountRemoved, ""},
		{roster.Delta{Kind: roster.DeltaRankChanged, GameAccountID: "g1", Rank: "OWNER", PrevRank: "CHIEF"}, ir.KindRankChanged, "OWNER"},
		{roster.Delta{Kind: roster.DeltaRenamed, GameAccountID: "g1", Name: "Vega2"}, ir.KindAccountRenamed, ""},
		{roster.Delta{Kind: roster.DeltaPresent, GameAccountID: "g1", Rank: "CHIEF"}, ir.KindAccountPresent, "CHIEF"},
	}
	for _, tt := range tests {
		t.Run(string(tt.delta.Kind), func(t *testing.T) {
			tt.delta.CapturedAt = testutil.Epoch
			ev, err := FromRoster(tt.delta)
			require.NoError(t, err)
			assert.Equal(t, ir.SourceRoster, ev.Source)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, "g1", ev.Subject.GameAccountID)
			assert.Equal(t, tt.rank, ev.Payload.String(ir.PayloadRank))
			assert.NoError(t, ev.Validate())
		})
	}
}

func TestFromManual(t *testing.T) {
	cmd := ir.ManualCommand{
		CommandID: "cmd-7",
		Operator:  "officer",
		Kind:      ir.KindForceRank,
		Subject:   ir.SubjectRef{ChatUserID: "u1"},
		Rank:      "Captain",
	}
	ev, err := FromManual(cmd)
	require.NoError(t, err)
	assert.Equal(t, ir.SourceManual, ev.Source)
	assert.Equal(t, "officer", ev.Payload.String(ir.PayloadOperator))
	assert.Equal(t, "cmd-7", ev.Payload.String(ir.PayloadCommandID))
	assert.Equal(t, "Captain", ev.Payload.String(ir.PayloadRank))

	cmd.CommandID = ""
	a, err := FromManual(cmd)
	require.NoError(t, err)
	b, err := FromManual(cmd)
	require.NoError(t, err)
	assert.NotEqual(t, a.DedupeKey, b.DedupeKey, "commands without ids never collapse")
}

func TestIngest_StampsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.n.IngestChat(ctx, chat.Notification{Kind: chat.NotifyJoin, UserID: "u1", OccurredAt: testutil.Epoch})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.n.IngestRoster(ctx, roster.Delta{Kind: roster.DeltaAdded, GameAccountID: "g1", Rank: "CHIEF", CapturedAt: testutil.Epoch})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.sink.events, 2)
	assert.Equal(t, int64(1), f.sink.events[0].Seq)
	assert.Equal(t, int64(2), f.sink.events[1].Seq)
	assert.Equal(t, "corr-0001", f.sink.events[0].CorrelationID)
	assert.Equal(t, testutil.Epoch, f.sink.events[0].ObservedAt)

	inbox, err := f.store.ListUnprocessed(ctx)
	require.NoError(t, err)
	assert.Len(t, inbox, 2)
}

func TestIngest_DropsDuplicatesWithinRetention(t *testing.T) {
	f := newFixture(t, WithRetention(time.Hour))
	ctx := context.Background()
	notif := chat.Notification{Kind: chat.NotifyRoleRemove, UserID: "u1", Role: "Pilot", OccurredAt: testutil.Epoch}

	ok, err := f.n.IngestChat(ctx, notif)
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock.Advance(30 * time.Minute)
	ok, err = f.n.IngestChat(ctx, notif)
	require.NoError(t, err)
	assert.False(t, ok, "redelivery inside the window is a duplicate")
	assert.Len(t, f.sink.events, 1)

	f.clock.Advance(2 * time.Hour)
	ok, err = f.n.IngestChat(ctx, notif)
	require.NoError(t, err)
	assert.True(t, ok, "past the window the key is forgotten")
}

func TestIngest_RejectsMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.n.IngestChat(ctx, chat.Notification{Kind: chat.NotifyJoin, OccurredAt: testutil.Epoch})
	require.ErrorIs(t, err, ir.ErrMalformedEvent)

	_, err = f.n.IngestChat(ctx, chat.Notification{Kind: "typing", UserID: "u1"})
	require.ErrorIs(t, err, ir.ErrMalformedEvent)

	_, err = f.n.IngestManual(ctx, ir.ManualCommand{Kind: ir.KindForceVerify, Subject: ir.SubjectRef{ChatUserID: "u1"}, Status: "verified"})
	require.ErrorIs(t, err, ir.ErrMalformedEvent, "manual commands need an operator")

	rejected, err := f.store.ListRejected(ctx)
	require.NoError(t, err)
	assert.Len(t, rejected, 3)
	assert.Empty(t, f.sink.events)
}

func TestIngest_StoppedSinkKeepsEventInInbox(t *testing.T) {
	f := newFixture(t)
	f.sink.closed = true
	ctx := context.Background()

	ok, err := f.n.IngestManual(ctx, ir.ManualCommand{
		CommandID: "c1",
		Operator:  "officer",
		Kind:      ir.KindForceLink,
		Subject:   ir.SubjectRef{ChatUserID: "u1", GameAccountID: "g1"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	inbox, err := f.store.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, ir.KindForceLink, inbox[0].Kind)
}

func TestPrune(t *testing.T) {
	f := newFixture(t, WithRetention(time.Hour))
	ctx := context.Background()

	_, err := f.n.IngestChat(ctx, chat.Notification{Kind: chat.NotifyJoin, UserID: "u1", OccurredAt: testutil.Epoch})
	require.NoError(t, err)
	ev := f.sink.events[0]
	require.NoError(t, f.store.RecordReconciliation(ctx, ev.DedupeKey, nil))

	f.clock.Advance(2 * time.Hour)
	removed, err := f.n.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestIngest_ConcurrentSeqOrder(t *testing.T) {
	f := newFixture(t, WithIDGenerator(UUIDv7Generator{}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.n.IngestChat(ctx, chat.Notification{
				Kind:       chat.NotifyJoin,
				UserID:     "u1",
				OccurredAt: testutil.Epoch.Add(time.Duration(i) * time.Second),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, f.sink.events, 20)
	for i := 1; i < len(f.sink.events); i++ {
		assert.Less(t, f.sink.events[i-1].Seq, f.sink.events[i].Seq, "queue order follows seq")
	}
}
