package ir

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent marks an event that can never be reconciled, such as one
// with no subject reference. Malformed events are rejected, never retried.
var ErrMalformedEvent = errors.New("malformed event")

// Source identifies which system of record produced an event.
type Source string

const (
	SourceChat   Source = "chat"
	SourceRoster Source = "roster"
	SourceManual Source = "manual"
)

// EventKind names what changed.
type EventKind string

// Chat platform notifications.
const (
	KindMemberJoined EventKind = "member_joined"
	KindMemberLeft   EventKind = "member_left"
	KindRoleAdded    EventKind = "role_added"
	KindRoleRemoved  EventKind = "role_removed"
)

// Roster deltas. KindAccountPresent is emitted on periodic full resyncs for
// every listed account, changed or not.
const (
	KindAccountAdded   EventKind = "account_added"
	KindAccountRemoved EventKind = "account_removed"
	KindRankChanged    EventKind = "rank_changed"
	KindAccountRenamed EventKind = "account_renamed"
	KindAccountPresent EventKind = "account_present"
)

// Manual override commands.
const (
	KindForceRank   EventKind = "force_rank"
	KindForceLink   EventKind = "force_link"
	KindForceVerify EventKind = "force_verify"
	KindForceUnlink EventKind = "force_unlink"
)

var sourceKinds = map[Source][]EventKind{
	SourceChat:   {KindMemberJoined, KindMemberLeft, KindRoleAdded, KindRoleRemoved},
	SourceRoster: {KindAccountAdded, KindAccountRemoved, KindRankChanged, KindAccountRenamed, KindAccountPresent},
	SourceManual: {KindForceRank, KindForceLink, KindForceVerify, KindForceUnlink},
}

// Payload keys shared by normalizer, reconciler and executor.
const (
	PayloadRank       = "rank"
	PayloadName       = "name"
	PayloadRole       = "role"
	PayloadStatus     = "status"
	PayloadOperator   = "operator"
	PayloadCommandID  = "command_id"
	PayloadIdentity   = "identity"
	PayloadOccurredAt = "occurred_at"
	PayloadCapturedAt = "captured_at"
	PayloadReason     = "reason"
	PayloadCause      = "cause"
	PayloadUntil      = "until"
	PayloadCorrection = "correction"
	PayloadNickname   = "nickname"

	PayloadChatUserID    = "chat_user_id"
	PayloadGameAccountID = "game_account_id"
	PayloadOtherMember   = "other_member_id"
	PayloadDetail        = "detail"
)

// Identity names accepted by force_unlink and UnlinkAccount.
const (
	IdentityChat = "chat"
	IdentityGame = "game"
)

// SubjectRef names the external identities an event is about.
type SubjectRef struct {
	ChatUserID    string `json:"chat_user_id,omitempty" yaml:"chat_user_id,omitempty"`
	GameAccountID string `json:"game_account_id,omitempty" yaml:"game_account_id,omitempty"`
}

// Empty reports whether no identity is set.
func (s SubjectRef) Empty() bool {
	return s.ChatUserID == "" && s.GameAccountID == ""
}

// Keys returns the serialization keys for the subject's identities.
func (s SubjectRef) Keys() []string {
	var keys []string
	if s.ChatUserID != "" {
		keys = append(keys, "chat:"+s.ChatUserID)
	}
	if s.GameAccountID != "" {
		keys = append(keys, "game:"+s.GameAccountID)
	}
	return keys
}

// CanonicalEvent is the single event shape consumed by the reconciler.
//
// Seq is the logical timestamp assigned at ingestion. DedupeKey is derived
// from Source, Kind, Subject and Payload only, so a redelivered change hashes
// to the same key regardless of when it was observed.
type CanonicalEvent struct {
	Source        Source     `json:"source"`
	Kind          EventKind  `json:"kind"`
	Subject       SubjectRef `json:"subject"`
	Payload       IRObject   `json:"payload"`
	Seq           int64      `json:"seq"`
	ObservedAt    time.Time  `json:"observed_at"`
	DedupeKey     string     `json:"dedupe_key"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// Validate checks the structural requirements every event must meet.
// Errors wrap ErrMalformedEvent.
func (e *CanonicalEvent) Validate() error {
	kinds, ok := sourceKinds[e.Source]
	if !ok {
		return fmt.Errorf("%w: unknown source %q", ErrMalformedEvent, e.Source)
	}
	known := false
	for _, k := range kinds {
		if k == e.Kind {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: kind %q is not a %s event", ErrMalformedEvent, e.Kind, e.Source)
	}
	if e.Subject.Empty() {
		return fmt.Errorf("%w: %s/%s has no subject reference", ErrMalformedEvent, e.Source, e.Kind)
	}

	switch e.Source {
	case SourceChat:
		if e.Subject.ChatUserID == "" {
			return fmt.Errorf("%w: chat event without chat user id", ErrMalformedEvent)
		}
	case SourceRoster:
		if e.Subject.GameAccountID == "" {
			return fmt.Errorf("%w: roster event without game account id", ErrMalformedEvent)
		}
	case SourceManual:
		if e.Payload.String(PayloadOperator) == "" {
			return fmt.Errorf("%w: manual %s without operator", ErrMalformedEvent, e.Kind)
		}
	}

	switch e.Kind {
	case KindRoleAdded, KindRoleRemoved:
		if e.Payload.String(PayloadRole) == "" {
			return fmt.Errorf("%w: %s without role", ErrMalformedEvent, e.Kind)
		}
	case KindAccountAdded, KindRankChanged, KindAccountPresent, KindForceRank:
		if e.Payload.String(PayloadRank) == "" {
			return fmt.Errorf("%w: %s without rank", ErrMalformedEvent, e.Kind)
		}
	case KindForceLink:
		if e.Subject.ChatUserID == "" || e.Subject.GameAccountID == "" {
			return fmt.Errorf("%w: force_link needs both identities", ErrMalformedEvent)
		}
	case KindForceVerify:
		if !VerificationStatus(e.Payload.String(PayloadStatus)).Valid() {
			return fmt.Errorf("%w: force_verify with status %q", ErrMalformedEvent, e.Payload.String(PayloadStatus))
		}
	}
	return nil
}

// ManualCommand is the shape accepted from the operator command surface.
type ManualCommand struct {
	CommandID string     `json:"command_id" yaml:"command_id"`
	Operator  string     `json:"operator" yaml:"operator"`
	Kind      EventKind  `json:"kind" yaml:"kind"`
	Subject   SubjectRef `json:"subject" yaml:"subject"`

	// Rank is used by force_rank, Status by force_verify and Identity
	// ("chat" or "game") by force_unlink.
	Rank     Rank               `json:"rank,omitempty" yaml:"rank,omitempty"`
	Status   VerificationStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Identity string             `json:"identity,omitempty" yaml:"identity,omitempty"`
}
