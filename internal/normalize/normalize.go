// Package normalize converts raw chat notifications, roster deltas and
// manual commands into canonical events, drops duplicates and hands the
// rest to the engine.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/roster"
)

// DefaultRetention is how long a dedupe key suppresses redeliveries.
const DefaultRetention = 24 * time.Hour

// Sink receives accepted events. Implemented by *engine.Engine.
type Sink interface {
	Enqueue(ev ir.CanonicalEvent) bool
}

// Sequencer hands out logical timestamps. Implemented by *engine.Clock.
type Sequencer interface {
	Next() int64
}

// Store is the durable part of ingestion. Implemented by *store.Store.
type Store interface {
	MarkSeen(ctx context.Context, ev ir.CanonicalEvent, retention time.Duration) (bool, error)
	RecordRejected(ctx context.Context, ev ir.CanonicalEvent, reason string) error
	PruneSeen(ctx context.Context, cutoff time.Time) (int64, error)
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithRetention sets the dedupe window.
func WithRetention(d time.Duration) Option {
	return func(n *Normalizer) {
		if d > 0 {
			n.retention = d
		}
	}
}

// WithIDGenerator sets the correlation id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(n *Normalizer) {
		n.ids = g
	}
}

// WithNowFunc overrides the wall clock used for ObservedAt and pruning.
func WithNowFunc(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// WithRegistry registers normalizer metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(n *Normalizer) {
		n.registry = reg
	}
}

// Normalizer is the single entry point for every event source.
//
// Ingestion is serialized: seq stamping, the dedupe check and the hand-off
// happen under one lock, so events reach the engine queue in seq order.
type Normalizer struct {
	store     Store
	seq       Sequencer
	sink      Sink
	ids       IDGenerator
	retention time.Duration
	now       func() time.Time
	registry  prometheus.Registerer
	metrics   *normalizeMetrics

	mu sync.Mutex
}

// New creates a Normalizer.
func New(s Store, seq Sequencer, sink Sink, opts ...Option) *Normalizer {
	n := &Normalizer{
		store:     s,
		seq:       seq,
		sink:      sink,
		ids:       UUIDv7Generator{},
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.initMetrics(n.registry)
	return n
}

var chatKinds = map[chat.NotificationKind]ir.EventKind{
	chat.NotifyJoin:       ir.KindMemberJoined,
	chat.NotifyLeave:      ir.KindMemberLeft,
	chat.NotifyRoleAdd:    ir.KindRoleAdded,
	chat.NotifyRoleRemove: ir.KindRoleRemoved,
}

// FromChat converts one gateway notification. OccurredAt feeds the dedupe
// key, so a redelivered notification collapses while the same change made
// again later does not.
func FromChat(n chat.Notification) (ir.CanonicalEvent, error) {
	kind, ok := chatKinds[n.Kind]
	if !ok {
		kind = ir.EventKind(n.Kind)
	}
	payload := ir.Obj(ir.O(ir.PayloadOccurredAt, ir.IRInt(n.OccurredAt.UnixMilli())))
	if n.Role != "" {
		payload[ir.PayloadRole] = ir.IRString(n.Role)
	}
	return build(ir.SourceChat, kind, ir.SubjectRef{ChatUserID: n.UserID}, payload)
}

var rosterKinds = map[roster.DeltaKind]ir.EventKind{
	roster.DeltaAdded:       ir.KindAccountAdded,
	roster.DeltaRemoved:     ir.KindAccountRemoved,
	roster.DeltaRankChanged: ir.KindRankChanged,
	roster.DeltaRenamed:     ir.KindAccountRenamed,
	roster.DeltaPresent:     ir.KindAccountPresent,
}

// FromRoster converts one roster delta. The snapshot time feeds the dedupe
// key, so re-diffing the same pair of snapshots after a restart yields the
// same keys.
func FromRoster(d roster.Delta) (ir.CanonicalEvent, error) {
	kind, ok := rosterKinds[d.Kind]
	if !ok {
		kind = ir.EventKind(d.Kind)
	}
	payload := ir.Obj(ir.O(ir.PayloadCapturedAt, ir.IRInt(d.CapturedAt.UnixMilli())))
	if d.Name != "" {
		payload[ir.PayloadName] = ir.IRString(d.Name)
	}
	if d.Rank != "" {
		payload[ir.PayloadRank] = ir.IRString(d.Rank)
	}
	return build(ir.SourceRoster, kind, ir.SubjectRef{GameAccountID: d.GameAccountID}, payload)
}

// FromManual converts an operator command. A command without an id gets a
// fresh one, so it can never be mistaken for a redelivery.
func FromManual(cmd ir.ManualCommand) (ir.CanonicalEvent, error) {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	payload := ir.Obj(
		ir.O(ir.PayloadOperator, ir.IRString(cmd.Operator)),
		ir.O(ir.PayloadCommandID, ir.IRString(cmd.CommandID)),
	)
	if cmd.Rank != "" {
		payload[ir.PayloadRank] = ir.IRString(cmd.Rank)
	}
	if cmd.Status != "" {
		payload[ir.PayloadStatus] = ir.IRString(cmd.Status)
	}
	if cmd.Identity != "" {
		payload[ir.PayloadIdentity] = ir.IRString(cmd.Identity)
	}
	return build(ir.SourceManual, cmd.Kind, cmd.Subject, payload)
}

func build(source ir.Source, kind ir.EventKind, subject ir.SubjectRef, payload ir.IRObject) (ir.CanonicalEvent, error) {
	ev := ir.CanonicalEvent{Source: source, Kind: kind, Subject: subject, Payload: payload}
	key, err := ir.DedupeKey(source, kind, subject, payload)
	if err != nil {
		return ev, err
	}
	ev.DedupeKey = key
	return ev, nil
}

// Ingest validates, dedupes, stamps and enqueues ev. It returns true when
// the event was accepted, false for a duplicate. A malformed event is
// recorded as rejected and returned as an error wrapping
// ir.ErrMalformedEvent; it is never retried.
//
// An accepted event is durable in the store inbox before it is enqueued,
// so a stopping engine that refuses it still reconciles it after restart.
func (n *Normalizer) Ingest(ctx context.Context, ev ir.CanonicalEvent) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ev.ObservedAt = n.now().UTC()
	if err := ev.Validate(); err != nil {
		return false, n.reject(ctx, ev, err)
	}
	if ev.DedupeKey == "" {
		key, err := ir.DedupeKey(ev.Source, ev.Kind, ev.Subject, ev.Payload)
		if err != nil {
			return false, n.reject(ctx, ev, fmt.Errorf("%w: %v", ir.ErrMalformedEvent, err))
		}
		ev.DedupeKey = key
	}

	ev.Seq = n.seq.Next()
	ev.CorrelationID = n.ids.Generate()

	fresh, err := n.store.MarkSeen(ctx, ev, n.retention)
	if err != nil {
		return false, fmt.Errorf("ingest %s/%s: %w", ev.Source, ev.Kind, err)
	}
	if !fresh {
		n.metrics.events.WithLabelValues(string(ev.Source), "duplicate").Inc()
		slog.Debug("duplicate event dropped",
			"source", ev.Source,
			"kind", ev.Kind,
			"dedupe_key", ev.DedupeKey,
		)
		return false, nil
	}

	n.metrics.events.WithLabelValues(string(ev.Source), "accepted").Inc()
	if !n.sink.Enqueue(ev) {
		slog.Info("engine stopping, event kept in inbox",
			"source", ev.Source,
			"kind", ev.Kind,
			"seq", ev.Seq,
			"correlation_id", ev.CorrelationID,
		)
		return true, nil
	}
	slog.Debug("event ingested",
		"source", ev.Source,
		"kind", ev.Kind,
		"seq", ev.Seq,
		"chat_user_id", ev.Subject.ChatUserID,
		"game_account_id", ev.Subject.GameAccountID,
		"correlation_id", ev.CorrelationID,
	)
	return true, nil
}

func (n *Normalizer) reject(ctx context.Context, ev ir.CanonicalEvent, cause error) error {
	n.metrics.events.WithLabelValues(string(ev.Source), "rejected").Inc()
	slog.Warn("event rejected",
		"source", ev.Source,
		"kind", ev.Kind,
		"chat_user_id", ev.Subject.ChatUserID,
		"game_account_id", ev.Subject.GameAccountID,
		"error", cause,
	)
	if err := n.store.RecordRejected(ctx, ev, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// IngestChat converts and ingests a gateway notification.
func (n *Normalizer) IngestChat(ctx context.Context, notif chat.Notification) (bool, error) {
	ev, err := FromChat(notif)
	if err != nil {
		return false, err
	}
	return n.Ingest(ctx, ev)
}

// IngestRoster converts and ingests a roster delta.
func (n *Normalizer) IngestRoster(ctx context.Context, d roster.Delta) (bool, error) {
	ev, err := FromRoster(d)
	if err != nil {
		return false, err
	}
	return n.Ingest(ctx, ev)
}

// IngestManual converts and ingests an operator command.
func (n *Normalizer) IngestManual(ctx context.Context, cmd ir.ManualCommand) (bool, error) {
	ev, err := FromManual(cmd)
	if err != nil {
		return false, err
	}
	return n.Ingest(ctx, ev)
}

// Prune drops processed dedupe keys older than the retention window.
func (n *Normalizer) Prune(ctx context.Context) (int64, error) {
	removed, err := n.store.PruneSeen(ctx, n.now().Add(-n.retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Debug("pruned dedupe keys", "removed", removed)
	}
	return removed, nil
}

// RunPruner calls Prune every interval until ctx is cancelled.
func (n *Normalizer) RunPruner(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := n.Prune(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("dedupe prune failed", "error", err)
			}
		}
	}
}
