package roster

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
)

// scriptedFetcher returns its snapshots in order, then repeats the last.
type scriptedFetcher struct {
	mu    sync.Mutex
	snaps []Snapshot
	errs  []error
	i     int
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.i
	if i < len(f.snaps)-1 {
		f.i++
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return Snapshot{}, f.errs[i]
	}
	return f.snaps[i], nil
}

type recordingSink struct {
	mu     sync.Mutex
	deltas []Delta
	failOn string
}

func (s *recordingSink) IngestRoster(ctx context.Context, d Delta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.GameAccountID == s.failOn {
		return false, errors.New("store unavailable")
	}
	s.deltas = append(s.deltas, d)
	return true, nil
}

func (s *recordingSink) take() []Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.deltas
	s.deltas = nil
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "roster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func kinds(ds []Delta) []DeltaKind {
	out := make([]DeltaKind, len(ds))
	for i, d := range ds {
		out[i] = d.Kind
	}
	return out
}

func TestPoller_DiffsSuccessiveSnapshots(t *testing.T) {
	ctx := context.Background()
	f := &scriptedFetcher{snaps: []Snapshot{
		snap(t0, map[string]Member{"a1": {Name: "Vega", Rank: "CHIEF"}}),
		snap(t0.Add(time.Minute), map[string]Member{"a1": {Name: "Vega", Rank: "OWNER"}, "b2": {Name: "Rigel", Rank: "RECRUIT"}}),
	}}
	sink := &recordingSink{}
	p := NewPoller(f, sink, openStore(t), WithResyncEvery(0))
	require.NoError(t, p.Load(ctx))

	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollResult{Deltas: 1, Accepted: 1}, res)
	assert.Equal(t, []DeltaKind{DeltaAdded}, kinds(sink.take()))

	res, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deltas)
	assert.Equal(t, []DeltaKind{DeltaRankChanged, DeltaAdded}, kinds(sink.take()))
	assert.Len(t, p.Last().Members, 2)
}

func TestPoller_SkipsStaleResponses(t *testing.T) {
	ctx := context.Background()
	f := &scriptedFetcher{snaps: []Snapshot{
		snap(t0, map[string]Member{"a1": {Name: "Vega", Rank: "CHIEF"}}),
		snap(t0, map[string]Member{}),
		snap(t0.Add(-time.Minute), map[string]Member{}),
	}}
	sink := &recordingSink{}
	p := NewPoller(f, sink, openStore(t), WithResyncEvery(0))

	_, err := p.Poll(ctx)
	require.NoError(t, err)
	sink.take()

	for i := 0; i < 2; i++ {
		res, err := p.Poll(ctx)
		require.NoError(t, err)
		assert.True(t, res.Stale)
	}
	assert.Empty(t, sink.take(), "stale responses must not look like departures")
	assert.Len(t, p.Last().Members, 1)
}

func TestPoller_ResumesFromPersistedSnapshot(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	first := snap(t0, map[string]Member{"a1": {Name: "Vega", Rank: "CHIEF"}})

	p := NewPoller(&scriptedFetcher{snaps: []Snapshot{first}}, &recordingSink{}, st)
	_, err := p.Poll(ctx)
	require.NoError(t, err)

	// A restarted poller diffs against the saved roster, not an empty one.
	sink := &recordingSink{}
	next := snap(t0.Add(time.Minute), map[string]Member{})
	restarted := NewPoller(&scriptedFetcher{snaps: []Snapshot{next}}, sink, st, WithResyncEvery(0))
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, first.Members, restarted.Last().Members)

	_, err = restarted.Poll(ctx)
	require.NoError(t, err)
	got := sink.take()
	require.Len(t, got, 1)
	assert.Equal(t, DeltaRemoved, got[0].Kind)
	assert.Equal(t, "CHIEF", got[0].PrevRank)
}

func TestPoller_ResyncRestatesEveryone(t *testing.T) {
	ctx := context.Background()
	f := &scriptedFetcher{snaps: []Snapshot{
		snap(t0, map[string]Member{"a1": {Name: "Vega", Rank: "CHIEF"}, "b2": {Name: "Rigel", Rank: "CAPTAIN"}}),
		snap(t0.Add(time.Minute), map[string]Member{"a1": {Name: "Vega", Rank: "CHIEF"}}),
	}}
	sink := &recordingSink{}
	p := NewPoller(f, sink, openStore(t), WithResyncEvery(2))

	_, err := p.Poll(ctx)
	require.NoError(t, err)
	sink.take()

	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, res.Resync)
	assert.Equal(t, []DeltaKind{DeltaPresent, DeltaRemoved}, kinds(sink.take()))
}

func TestPoller_FailedIngestDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	cur := snap(t0, map[string]Member{"a1": {Name: "Vega", Rank: "CHIEF"}, "b2": {Name: "Rigel", Rank: "CAPTAIN"}})
	sink := &recordingSink{failOn: "b2"}
	p := NewPoller(&scriptedFetcher{snaps: []Snapshot{cur}}, sink, openStore(t), WithResyncEvery(0))

	_, err := p.Poll(ctx)
	require.Error(t, err)
	assert.True(t, p.Last().Empty())

	sink.failOn = ""
	sink.take()
	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deltas, "both deltas emitted again; the normalizer drops the repeat")
}

func TestPoller_RemovesRankedMembersOnceOverrideLapses(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.Create(ctx, ir.MemberRecord{
		ChatUserID: "u1", GameAccountID: "g1", GameName: "Vega", CurrentRank: "Chief",
		Override: &ir.Override{Rank: "Chief", Operator: "officer", Until: t0.Add(72 * time.Hour)},
	})
	require.NoError(t, err)
	_, err = st.Create(ctx, ir.MemberRecord{GameAccountID: "g2", CurrentRank: ir.RankNone})
	require.NoError(t, err)

	roster := map[string]Member{"a1": {Name: "Rigel", Rank: "CAPTAIN"}}
	f := &scriptedFetcher{snaps: []Snapshot{
		snap(t0, roster),
		snap(t0.Add(72*time.Hour+time.Minute), roster),
	}}
	sink := &recordingSink{}
	p := NewPoller(f, sink, st, WithResyncEvery(0))

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DeltaKind{DeltaAdded}, kinds(sink.take()), "override still protects g1")

	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deltas)
	got := sink.take()
	require.Len(t, got, 1)
	assert.Equal(t, DeltaRemoved, got[0].Kind)
	assert.Equal(t, "g1", got[0].GameAccountID)
	assert.Equal(t, "Chief", got[0].PrevRank)
	assert.Equal(t, t0.Add(72*time.Hour+time.Minute), got[0].CapturedAt)
}

func TestPoller_DiffRemovalIsNotRepeated(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.Create(ctx, ir.MemberRecord{GameAccountID: "a1", CurrentRank: "Chief"})
	require.NoError(t, err)

	f := &scriptedFetcher{snaps: []Snapshot{
		snap(t0, map[string]Member{"a1": {Name: "Vega", Rank: "CHIEF"}}),
		snap(t0.Add(time.Minute), map[string]Member{}),
	}}
	sink := &recordingSink{}
	p := NewPoller(f, sink, st, WithResyncEvery(0))

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	sink.take()

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DeltaKind{DeltaRemoved}, kinds(sink.take()))
}

func TestPoller_FetchError(t *testing.T) {
	f := &scriptedFetcher{
		snaps: []Snapshot{{}},
		errs:  []error{errors.New("connection refused")},
	}
	p := NewPoller(f, &recordingSink{}, openStore(t))
	_, err := p.Poll(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	f := &scriptedFetcher{snaps: []Snapshot{snap(t0, map[string]Member{"a1": {Name: "Vega", Rank: "CHIEF"}})}}
	sink := &recordingSink{}
	p := NewPoller(f, sink, openStore(t), WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(p.Last().Members) == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
