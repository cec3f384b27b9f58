package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/rostersync/internal/config"
	"github.com/roach88/rostersync/internal/engine"
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/normalize"
	"github.com/roach88/rostersync/internal/reconcile"
	"github.com/roach88/rostersync/internal/roster"
	"github.com/roach88/rostersync/internal/store"
	"github.com/roach88/rostersync/internal/testutil"
)

// stepTick is how far the scenario clock moves before every step, so
// events of different steps never share a timestamp.
const stepTick = time.Minute

// Harness runs one scenario against real components: the normalizer, the
// roster poller, the engine and a SQLite store, with only the chat platform
// and the roster source faked.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	norm     *normalize.Normalizer
	poller   *roster.Poller
	fetcher  *scriptedFetcher
	platform *testutil.FakePlatform
	clock    *testutil.FakeClock

	// events collects what the current step ingested.
	events []ingested
	// delivered keeps every step's events for redelivery.
	delivered map[int][]ir.CanonicalEvent
}

type ingested struct {
	ev       ir.CanonicalEvent
	accepted bool
}

// Run executes a scenario in a fresh database and evaluates its
// assertions. The error reports a broken scenario or harness; assertion
// failures land in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "rostersync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		trace, err := h.runStep(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		result.Steps = append(result.Steps, trace)
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, dbPath string) (*Harness, error) {
	policy := reconcile.DefaultPolicy()
	if scenario.Policy != "" {
		p, err := config.LoadPolicy(scenario.Policy)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		policy = p
	}

	clock := testutil.NewFakeClock(testutil.Epoch)
	st, err := store.Open(dbPath, store.WithNowFunc(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}

	platform := testutil.NewFakePlatform()
	for user, roles := range scenario.Platform.Roles {
		platform.SetRoles(user, roles...)
	}
	for _, f := range scenario.Platform.Failures {
		if f.Times == 0 {
			platform.FailAlways(f.Op, f.ChatUserID, f.arg(), f.cause())
			continue
		}
		errs := make([]error, f.Times)
		for i := range errs {
			errs[i] = f.cause()
		}
		platform.FailNext(f.Op, f.ChatUserID, f.arg(), errs...)
	}

	attempts := scenario.MaxAttempts
	if attempts == 0 {
		attempts = engine.DefaultMaxAttempts
	}
	eng := engine.New(st, reconcile.New(policy), platform, engine.NewClock(),
		engine.WithWorkers(1),
		engine.WithRetry(attempts, time.Millisecond, 2*time.Millisecond),
		engine.WithNowFunc(clock.Now),
	)

	h := &Harness{
		store:     st,
		engine:    eng,
		platform:  platform,
		clock:     clock,
		fetcher:   &scriptedFetcher{},
		delivered: make(map[int][]ir.CanonicalEvent),
	}
	h.norm = normalize.New(st, eng.Clock(), eng,
		normalize.WithNowFunc(clock.Now),
		normalize.WithIDGenerator(testutil.NewSequentialIDs("")),
	)
	// The poller reports through the harness so every delta is traced.
	h.poller = roster.NewPoller(h.fetcher, rosterSink{h}, st, roster.WithResyncEvery(0))
	return h, nil
}

func (h *Harness) runStep(ctx context.Context, n int, step Step) (StepTrace, error) {
	now := h.clock.Advance(stepTick)
	h.events = nil

	switch {
	case step.Chat != nil:
		notif := *step.Chat
		if notif.OccurredAt.IsZero() {
			notif.OccurredAt = now
		}
		ev, err := normalize.FromChat(notif)
		if err != nil {
			return StepTrace{}, err
		}
		if err := h.ingest(ctx, ev); err != nil {
			return StepTrace{}, err
		}

	case step.Roster != nil:
		snap := roster.Snapshot{CapturedAt: now, Members: make(map[string]roster.Member, len(step.Roster))}
		for id, m := range step.Roster {
			snap.Members[id] = roster.Member{Name: m.Name, Rank: m.Rank}
		}
		h.fetcher.set(snap)
		if _, err := h.poller.Poll(ctx); err != nil {
			return StepTrace{}, err
		}

	case step.Manual != nil:
		ev, err := normalize.FromManual(*step.Manual)
		if err != nil {
			return StepTrace{}, err
		}
		if err := h.ingest(ctx, ev); err != nil {
			return StepTrace{}, err
		}

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return StepTrace{}, err
		}
		h.clock.Advance(d)

	case step.Redeliver != 0:
		for _, ev := range h.delivered[step.Redeliver] {
			if err := h.ingest(ctx, ev); err != nil {
				return StepTrace{}, err
			}
		}
	}

	if err := h.engine.Drain(ctx); err != nil {
		return StepTrace{}, err
	}
	return h.trace(ctx, n)
}

// ingest hands ev to the normalizer the way a live source would. Rejected
// events are traced as not accepted.
func (h *Harness) ingest(ctx context.Context, ev ir.CanonicalEvent) error {
	accepted, err := h.norm.Ingest(ctx, ev)
	if err != nil && !errors.Is(err, ir.ErrMalformedEvent) {
		return err
	}
	h.events = append(h.events, ingested{ev: ev, accepted: accepted})
	return nil
}

// trace reads back the ledger for the events the step ingested.
func (h *Harness) trace(ctx context.Context, n int) (StepTrace, error) {
	out := StepTrace{Step: n}
	if len(h.events) == 0 {
		return out, nil
	}
	ledger, err := h.store.ListActions(ctx, "")
	if err != nil {
		return out, err
	}

	for _, in := range h.events {
		h.delivered[n] = append(h.delivered[n], in.ev)
		et := EventTrace{
			Source:   in.ev.Source,
			Kind:     in.ev.Kind,
			Subject:  in.ev.Subject,
			Accepted: in.accepted,
		}
		if in.accepted {
			for _, a := range ledger {
				if a.EventKey != in.ev.DedupeKey {
					continue
				}
				at, err := h.actionTrace(ctx, a)
				if err != nil {
					return out, err
				}
				et.Actions = append(et.Actions, at)
			}
		}
		out.Events = append(out.Events, et)
	}
	return out, nil
}

func (h *Harness) actionTrace(ctx context.Context, a ir.Action) (ActionTrace, error) {
	attempts, err := h.store.ListAttempts(ctx, a.IdempotencyKey)
	if err != nil {
		return ActionTrace{}, err
	}
	at := ActionTrace{Kind: a.Kind, Detail: actionDetail(a), State: a.State}
	for _, att := range attempts {
		at.Attempts = append(at.Attempts, att.Outcome)
	}
	return at, nil
}

// detailKeys are checked in order for the value that names an action.
var detailKeys = []string{
	ir.PayloadReason,
	ir.PayloadRole,
	ir.PayloadRank,
	ir.PayloadStatus,
	ir.PayloadChatUserID,
	ir.PayloadGameAccountID,
	ir.PayloadIdentity,
	ir.PayloadName,
	ir.PayloadNickname,
}

func actionDetail(a ir.Action) string {
	for _, k := range detailKeys {
		if v := a.Payload.String(k); v != "" {
			return v
		}
	}
	return ""
}

func (h *Harness) collect(ctx context.Context, result *Result) error {
	members, err := h.store.ListMembers(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	conflicts, err := h.store.ListConflicts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}
	result.Members = members
	result.Conflicts = conflicts
	result.Calls = h.platform.Calls()

	users := make(map[string]bool)
	for _, c := range result.Calls {
		users[c.ChatUserID] = true
	}
	for _, m := range members {
		if m.ChatUserID != "" {
			users[m.ChatUserID] = true
		}
	}
	names := make([]string, 0, len(users))
	for u := range users {
		names = append(names, u)
	}
	sort.Strings(names)
	for _, u := range names {
		result.Roles[u] = h.platform.Roles(u)
	}

	slog.Debug("scenario finished",
		"members", len(members),
		"conflicts", len(conflicts),
		"calls", len(result.Calls),
	)
	return nil
}

// rosterSink routes poller deltas through the harness ingest path.
type rosterSink struct{ h *Harness }

func (s rosterSink) IngestRoster(ctx context.Context, d roster.Delta) (bool, error) {
	ev, err := normalize.FromRoster(d)
	if err != nil {
		return false, err
	}
	n := len(s.h.events)
	if err := s.h.ingest(ctx, ev); err != nil {
		return false, err
	}
	return s.h.events[n].accepted, nil
}

// scriptedFetcher returns whatever roster the current step set.
type scriptedFetcher struct {
	mu   sync.Mutex
	snap roster.Snapshot
}

func (f *scriptedFetcher) set(s roster.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
}

func (f *scriptedFetcher) Fetch(context.Context) (roster.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}
