package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/reconcile"
	"github.com/roach88/rostersync/internal/store"
)

// Reconciler derives actions for one event. Implemented by
// *reconcile.Reconciler.
type Reconciler interface {
	Reconcile(ev ir.CanonicalEvent, st reconcile.State) ([]ir.Action, error)
}

// Defaults for engine options.
const (
	DefaultWorkers         = 4
	DefaultMaxAttempts     = 5
	DefaultConflictRetries = 3
	DefaultInitialBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff      = 30 * time.Second
	DefaultCallTimeout     = 10 * time.Second
)

type engineConfig struct {
	workers         int
	maxAttempts     int
	conflictRetries int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	callTimeout     time.Duration
	now             func() time.Time
	registry        prometheus.Registerer
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithWorkers sets how many events reconcile concurrently. Events about the
// same subject never overlap regardless.
func WithWorkers(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRetry sets the attempt budget and backoff bounds for chat calls.
func WithRetry(maxAttempts int, initial, maxInterval time.Duration) Option {
	return func(c *engineConfig) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		c.initialBackoff = initial
		c.maxBackoff = maxInterval
	}
}

// WithCallTimeout bounds each chat platform call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		c.callTimeout = d
	}
}

// WithConflictRetries sets how often a store action re-reads after a
// version conflict before escalating.
func WithConflictRetries(n int) Option {
	return func(c *engineConfig) {
		c.conflictRetries = n
	}
}

// WithNowFunc overrides the wall clock used for reconcile decisions, rank
// history and correction stamps.
func WithNowFunc(now func() time.Time) Option {
	return func(c *engineConfig) {
		c.now = now
	}
}

// WithRegistry registers engine metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *engineConfig) {
		c.registry = reg
	}
}

// Engine consumes canonical events, reconciles each against the member
// store and executes the resulting actions.
//
// One dispatcher goroutine pulls events in queue order and chains each
// behind the last in-flight event sharing a subject or member key. A pool of
// workers runs the chains, so different members reconcile concurrently while
// events about one member apply strictly in order.
//
// Thread-safety model:
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Process() and Drain(): for synchronous use when Run is not active
type Engine struct {
	store      *store.Store
	reconciler Reconciler
	clock      *Clock
	queue      *eventQueue
	exec       *executor
	seq        *sequencer
	cfg        engineConfig
	metrics    *engineMetrics

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an Engine. clock must already be past every persisted seq;
// see ResumeClock.
func New(s *store.Store, r Reconciler, p chat.Platform, clock *Clock, opts ...Option) *Engine {
	cfg := engineConfig{
		workers:         DefaultWorkers,
		maxAttempts:     DefaultMaxAttempts,
		conflictRetries: DefaultConflictRetries,
		initialBackoff:  DefaultInitialBackoff,
		maxBackoff:      DefaultMaxBackoff,
		callTimeout:     DefaultCallTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		store:      s,
		reconciler: r,
		clock:      clock,
		queue:      newEventQueue(),
		seq:        newSequencer(),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}
	e.initMetrics(cfg.registry)
	e.exec = &executor{
		store:    s,
		platform: p,
		now:      cfg.now,
		cfg:      &e.cfg,
		metrics:  e.metrics,
	}
	return e
}

// ResumeClock returns a clock positioned after the highest seq the store
// has persisted.
func ResumeClock(ctx context.Context, s *store.Store) (*Clock, error) {
	seq, err := s.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume clock: %w", err)
	}
	return NewClockAt(seq), nil
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// QueueLen returns the number of events waiting for dispatch.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Enqueue submits an ingested event. Returns false once the engine is
// stopping; the event stays in the store inbox for the next start.
func (e *Engine) Enqueue(ev ir.CanonicalEvent) bool {
	ok := e.queue.Enqueue(ev)
	e.metrics.queueDepth.Set(float64(e.queue.Len()))
	return ok
}

// Stop stops intake. Run returns once in-flight events reach a safe action
// boundary.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.queue.Close()
	})
}

// Run dispatches queued events to the worker pool until ctx is cancelled or
// Stop is called. Events still queued at that point remain unprocessed in
// the store inbox and are picked up by Recover on the next start.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "workers", e.cfg.workers)

	tasks := make(chan *task)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				e.runTask(ctx, t)
			}
		}()
	}

	err := e.dispatch(ctx, tasks)
	close(tasks)
	wg.Wait()
	slog.Info("engine stopped", "queued", e.queue.Len())
	return err
}

func (e *Engine) dispatch(ctx context.Context, tasks chan<- *task) error {
	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.metrics.queueDepth.Set(float64(e.queue.Len()))
			t := e.seq.admit(ev, e.subjectKeys(ctx, ev))
			e.metrics.inflightEvents.Inc()
			select {
			case tasks <- t:
				continue
			case <-ctx.Done():
			case <-e.stopCh:
			}
			// Never handed to a worker: stays in the inbox.
			e.finish(t)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-e.stopCh:
			slog.Info("engine stopping: stop requested")
			return nil
		case <-e.queue.Wait():
		}
	}
}

func (e *Engine) runTask(ctx context.Context, t *task) {
	defer e.finish(t)
	for _, prev := range t.prev {
		<-prev
	}
	if ctx.Err() != nil {
		return
	}
	select {
	case <-e.stopCh:
		return
	default:
	}
	if err := e.Process(ctx, t.ev); err != nil {
		logEventError(t.ev, err)
	}
}

func (e *Engine) finish(t *task) {
	e.seq.release(t)
	e.metrics.inflightEvents.Dec()
}

// subjectKeys returns the sequencing keys for ev: its identities plus the
// ids of the records they resolve to, so events reaching one record through
// different identities are ordered too.
func (e *Engine) subjectKeys(ctx context.Context, ev ir.CanonicalEvent) []string {
	keys := ev.Subject.Keys()
	st, err := e.loadState(ctx, ev.Subject)
	if err != nil {
		return keys
	}
	for _, rec := range []*ir.MemberRecord{st.ByChat, st.ByGame} {
		if rec != nil {
			keys = append(keys, fmt.Sprintf("member:%d", rec.ID))
		}
	}
	return keys
}

func (e *Engine) loadState(ctx context.Context, subj ir.SubjectRef) (reconcile.State, error) {
	st := reconcile.State{Now: e.cfg.now()}
	if subj.ChatUserID != "" {
		rec, err := e.store.GetByChatID(ctx, subj.ChatUserID)
		switch {
		case err == nil:
			st.ByChat = &rec
		case !errors.Is(err, store.ErrNotFound):
			return st, err
		}
	}
	if subj.GameAccountID != "" {
		rec, err := e.store.GetByGameAccountID(ctx, subj.GameAccountID)
		switch {
		case err == nil:
			st.ByGame = &rec
		case !errors.Is(err, store.ErrNotFound):
			return st, err
		}
	}
	return st, nil
}

// Process reconciles one event and executes its actions. The actions are
// recorded in the ledger, and the event marked processed, before the first
// effect runs. A malformed event is rejected and recorded, never retried.
func (e *Engine) Process(ctx context.Context, ev ir.CanonicalEvent) error {
	actx := context.WithoutCancel(ctx)

	st, err := e.loadState(actx, ev.Subject)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	actions, err := e.reconciler.Reconcile(ev, st)
	if err != nil {
		if !IsFatal(err) {
			return err
		}
		e.metrics.eventsRejected.Inc()
		slog.Error("event rejected",
			"source", ev.Source,
			"kind", ev.Kind,
			"seq", ev.Seq,
			"correlation_id", ev.CorrelationID,
			"error", err,
		)
		if rerr := e.store.RecordRejected(actx, ev, err.Error()); rerr != nil {
			return rerr
		}
		return e.store.RecordReconciliation(actx, ev.DedupeKey, nil)
	}

	for i := range actions {
		actions[i].EventKey = ev.DedupeKey
		actions[i].EventSeq = ev.Seq
		actions[i].CorrelationID = ev.CorrelationID
	}
	if err := e.store.RecordReconciliation(actx, ev.DedupeKey, actions); err != nil {
		return err
	}
	e.metrics.eventsProcessed.WithLabelValues(string(ev.Source)).Inc()
	slog.Debug("event reconciled",
		"source", ev.Source,
		"kind", ev.Kind,
		"seq", ev.Seq,
		"actions", len(actions),
		"correlation_id", ev.CorrelationID,
	)

	return e.exec.executeBatch(ctx, actions)
}

// Drain processes queued events one at a time on the calling goroutine
// until the queue is empty. For tests and one-shot runs; do not combine
// with Run.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, ok := e.queue.TryDequeue()
		if !ok {
			e.metrics.queueDepth.Set(0)
			return nil
		}
		if err := e.Process(ctx, ev); err != nil {
			logEventError(ev, err)
		}
	}
}

// RecoveryStats summarizes what Recover picked up.
type RecoveryStats struct {
	PendingActions    int
	UnprocessedEvents int
}

// Recover resumes work interrupted by a crash or shutdown: pending ledger
// actions are executed again in their original order, then inbox events
// that never got their actions recorded are queued for reconciliation.
// Call it before Run.
func (e *Engine) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats

	pending, err := e.store.ListActions(ctx, ir.ActionPending)
	if err != nil {
		return stats, fmt.Errorf("recover: %w", err)
	}
	stats.PendingActions = len(pending)
	for _, batch := range groupByEvent(pending) {
		slog.Info("re-executing pending actions",
			"event", batch[0].EventKey,
			"actions", len(batch),
			"correlation_id", batch[0].CorrelationID,
		)
		if err := e.exec.executeBatch(ctx, batch); err != nil {
			return stats, fmt.Errorf("recover: %w", err)
		}
	}

	events, err := e.store.ListUnprocessed(ctx)
	if err != nil {
		return stats, fmt.Errorf("recover: %w", err)
	}
	for _, ev := range events {
		if e.Enqueue(ev) {
			stats.UnprocessedEvents++
		}
	}
	if stats.PendingActions > 0 || stats.UnprocessedEvents > 0 {
		slog.Info("recovery complete",
			"pending_actions", stats.PendingActions,
			"unprocessed_events", stats.UnprocessedEvents,
		)
	}
	return stats, nil
}

// groupByEvent splits ledger-ordered actions into per-event batches.
func groupByEvent(actions []ir.Action) [][]ir.Action {
	var batches [][]ir.Action
	for _, a := range actions {
		n := len(batches)
		if n > 0 && batches[n-1][0].EventKey == a.EventKey {
			batches[n-1] = append(batches[n-1], a)
			continue
		}
		batches = append(batches, []ir.Action{a})
	}
	return batches
}

func logEventError(ev ir.CanonicalEvent, err error) {
	attrs := []any{
		"source", ev.Source,
		"kind", ev.Kind,
		"seq", ev.Seq,
		"chat_user_id", ev.Subject.ChatUserID,
		"game_account_id", ev.Subject.GameAccountID,
		"correlation_id", ev.CorrelationID,
		"code", Classify(err),
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		attrs = append(attrs, "idempotency_key", re.IdempotencyKey, "member_id", re.MemberID)
	}
	slog.Error("event processing failed", append(attrs, "error", err)...)
}
