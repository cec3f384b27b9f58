package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
)

// Poller defaults.
const (
	DefaultInterval    = 10 * time.Second
	DefaultResyncEvery = 60
)

// Fetcher retrieves the current roster.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// DeltaSink receives deltas in emission order. Implemented by
// *normalize.Normalizer.
type DeltaSink interface {
	IngestRoster(ctx context.Context, d Delta) (bool, error)
}

// SnapshotStore persists the last snapshot so a restart diffs against the
// real previous roster, and lists the member records a poll checks for
// ranks the roster no longer backs. Implemented by *store.Store.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, capturedAt time.Time, members []byte) error
	LatestSnapshot(ctx context.Context) (time.Time, []byte, error)
	ListMembers(ctx context.Context, includeArchived bool) ([]ir.MemberRecord, error)
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the time between polls.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithResyncEvery makes every n-th poll emit DeltaPresent for the whole
// roster instead of a diff. Zero disables resyncs.
func WithResyncEvery(n int) PollerOption {
	return func(p *Poller) {
		p.resyncEvery = n
	}
}

// WithRegistry registers poller metrics with reg.
func WithRegistry(reg prometheus.Registerer) PollerOption {
	return func(p *Poller) {
		p.registry = reg
	}
}

// PollResult summarizes one poll.
type PollResult struct {
	Deltas   int
	Accepted int
	Stale    bool
	Resync   bool
}

// Poller turns periodic roster fetches into deltas.
//
// Thread-safety: Poll and Run must not be called concurrently; Last is safe
// from any goroutine.
type Poller struct {
	fetcher     Fetcher
	sink        DeltaSink
	snapshots   SnapshotStore
	interval    time.Duration
	resyncEvery int
	registry    prometheus.Registerer
	metrics     *pollerMetrics

	mu    sync.Mutex
	prev  Snapshot
	polls int
}

// NewPoller creates a poller. Call Load before the first poll to resume
// from the persisted snapshot.
func NewPoller(f Fetcher, sink DeltaSink, snapshots SnapshotStore, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher:     f,
		sink:        sink,
		snapshots:   snapshots,
		interval:    DefaultInterval,
		resyncEvery: DefaultResyncEvery,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.initMetrics(p.registry)
	return p
}

// Load restores the last persisted snapshot. With none saved, the first
// poll reports every listed account as added.
func (p *Poller) Load(ctx context.Context) error {
	capturedAt, data, err := p.snapshots.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no roster snapshot saved, first poll treats every member as joined")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load roster snapshot: %w", err)
	}
	members, err := decodeMembers(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.prev = Snapshot{CapturedAt: capturedAt, Members: members}
	slog.Info("roster snapshot loaded",
		"captured_at", capturedAt,
		"members", len(members),
	)
	return nil
}

// Last returns the most recent accepted snapshot.
func (p *Poller) Last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prev
}

// Poll fetches once, emits the deltas against the previous snapshot and
// persists the new one. A response not newer than the previous one is
// skipped. If a delta cannot be ingested the snapshot is not advanced, so
// the next poll emits the remaining changes again; already ingested ones
// are dropped as duplicates.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult

	cur, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.metrics.polls.WithLabelValues("error").Inc()
		return res, fmt.Errorf("fetch roster: %w", err)
	}

	p.mu.Lock()
	prev := p.prev
	p.polls++
	res.Resync = p.resyncEvery > 0 && p.polls%p.resyncEvery == 0
	p.mu.Unlock()

	if !prev.CapturedAt.IsZero() && !cur.CapturedAt.After(prev.CapturedAt) {
		p.metrics.polls.WithLabelValues("stale").Inc()
		slog.Debug("stale roster response skipped",
			"captured_at", cur.CapturedAt,
			"previous", prev.CapturedAt,
		)
		res.Stale = true
		return res, nil
	}

	deltas := Diff(prev, cur)
	if res.Resync {
		// Removals still come from the diff; everyone listed is restated.
		var removed []Delta
		for _, d := range deltas {
			if d.Kind == DeltaRemoved {
				removed = append(removed, d)
			}
		}
		deltas = append(Present(cur), removed...)
	}
	lingering, err := p.lingering(ctx, cur, deltas)
	if err != nil {
		p.metrics.polls.WithLabelValues("error").Inc()
		return res, err
	}
	deltas = append(deltas, lingering...)
	res.Deltas = len(deltas)

	for _, d := range deltas {
		ok, err := p.sink.IngestRoster(ctx, d)
		if err != nil {
			p.metrics.polls.WithLabelValues("error").Inc()
			return res, fmt.Errorf("ingest %s delta for %s: %w", d.Kind, d.GameAccountID, err)
		}
		if ok {
			res.Accepted++
		}
		p.metrics.deltas.WithLabelValues(string(d.Kind)).Inc()
	}

	data, err := encodeMembers(cur.Members)
	if err != nil {
		return res, err
	}
	if err := p.snapshots.SaveSnapshot(ctx, cur.CapturedAt, data); err != nil {
		return res, err
	}

	p.mu.Lock()
	p.prev = cur
	p.mu.Unlock()

	p.metrics.polls.WithLabelValues("ok").Inc()
	p.metrics.members.Set(float64(len(cur.Members)))
	if res.Deltas > 0 {
		slog.Info("roster polled",
			"captured_at", cur.CapturedAt,
			"members", len(cur.Members),
			"deltas", res.Deltas,
			"accepted", res.Accepted,
			"resync", res.Resync,
		)
	}
	return res, nil
}

// lingering returns a DeltaRemoved for every active record that still holds
// a rank for a game account cur does not list, once no override protects
// it. A removal dropped while an override was active is applied this way
// after the override lapses. Accounts the diff already removes are
// skipped.
func (p *Poller) lingering(ctx context.Context, cur Snapshot, deltas []Delta) ([]Delta, error) {
	members, err := p.snapshots.ListMembers(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	removing := make(map[string]bool)
	for _, d := range deltas {
		if d.Kind == DeltaRemoved {
			removing[d.GameAccountID] = true
		}
	}

	var out []Delta
	for _, rec := range members {
		id := rec.GameAccountID
		if id == "" || removing[id] {
			continue
		}
		if _, listed := cur.Members[id]; listed {
			continue
		}
		if rec.CurrentRank == "" || rec.CurrentRank == ir.RankNone || rec.Override.ActiveAt(cur.CapturedAt) {
			continue
		}
		slog.Info("roster no longer lists ranked member, removing",
			"member_id", rec.ID,
			"game_account_id", id,
			"rank", rec.CurrentRank,
		)
		out = append(out, Delta{Kind: DeltaRemoved, GameAccountID: id, Name: rec.GameName, PrevRank: string(rec.CurrentRank), CapturedAt: cur.CapturedAt})
	}
	sortDeltas(out)
	return out, nil
}

// Run polls every interval until ctx is cancelled. Poll errors are logged
// and the next tick tries again.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("roster poller starting", "interval", p.interval, "resync_every", p.resyncEvery)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("roster poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("roster poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}
