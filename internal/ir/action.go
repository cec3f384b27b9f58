package ir

import "fmt"

// ActionKind names a reconciliation action.
type ActionKind string

const (
	ActionAssignRole      ActionKind = "assign_role"
	ActionRemoveRole      ActionKind = "remove_role"
	ActionSetRank         ActionKind = "set_rank"
	ActionCreateRecord    ActionKind = "create_record"
	ActionLinkAccounts    ActionKind = "link_accounts"
	ActionFlagConflict    ActionKind = "flag_conflict"
	ActionArchiveRecord   ActionKind = "archive_record"
	ActionSetVerification ActionKind = "set_verification"
	ActionSetOverride     ActionKind = "set_override"
	ActionSetName         ActionKind = "set_name"
	ActionUnlinkAccount   ActionKind = "unlink_account"
	ActionSetNickname     ActionKind = "set_nickname"
)

// External reports whether the action's effect lands on the chat platform
// rather than the member store.
func (k ActionKind) External() bool {
	return k == ActionAssignRole || k == ActionRemoveRole || k == ActionSetNickname
}

// Conflict reasons carried by FlagConflict actions.
const (
	ReasonDuplicateIdentity = "duplicate_identity"
	ReasonLinkedElsewhere   = "linked_elsewhere"
	ReasonAmbiguousSubject  = "ambiguous_subject"
	ReasonUnknownSubject    = "unknown_subject"
	ReasonUnknownRank       = "unknown_rank"
	ReasonFlapping          = "flapping"
	ReasonVersionConflict   = "version_conflict"
)

// ActionState is the ledger state of an action.
type ActionState string

const (
	ActionPending ActionState = "pending"
	ActionApplied ActionState = "applied"
	ActionFailed  ActionState = "failed"
)

// ActionTarget identifies the record an action applies to. MemberID is zero
// when the record does not exist yet at reconcile time; the executor then
// resolves the record through the identities.
type ActionTarget struct {
	MemberID      int64  `json:"member_id,omitempty"`
	ChatUserID    string `json:"chat_user_id,omitempty"`
	GameAccountID string `json:"game_account_id,omitempty"`
}

func (t ActionTarget) irObject() IRObject {
	obj := IRObject{"member_id": IRInt(t.MemberID)}
	if t.ChatUserID != "" {
		obj["chat_user_id"] = IRString(t.ChatUserID)
	}
	if t.GameAccountID != "" {
		obj["game_account_id"] = IRString(t.GameAccountID)
	}
	return obj
}

// Action is one corrective step computed by the reconciler.
//
// Basis is the record version the action was derived from; it is part of the
// idempotency key so the same correction computed again later, against a
// newer record, is a distinct action.
type Action struct {
	Kind           ActionKind   `json:"kind"`
	Target         ActionTarget `json:"target"`
	Payload        IRObject     `json:"payload"`
	Basis          int64        `json:"basis"`
	IdempotencyKey string       `json:"idempotency_key"`
	DependsOn      []string     `json:"depends_on,omitempty"`
	State          ActionState  `json:"state"`
	Attempts       int          `json:"attempts"`

	// EventKey, EventSeq and CorrelationID tie the action back to the
	// event that produced it.
	EventKey      string `json:"event_key"`
	EventSeq      int64  `json:"event_seq"`
	CorrelationID string `json:"correlation_id,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// NewAction builds a pending action and derives its idempotency key.
// origin is the originating event's dedupe key; it only feeds the key when
// the target record does not exist yet.
func NewAction(kind ActionKind, target ActionTarget, payload IRObject, basis int64, origin string) (Action, error) {
	if payload == nil {
		payload = IRObject{}
	}
	key, err := IdempotencyKey(kind, target, payload, basis, origin)
	if err != nil {
		return Action{}, fmt.Errorf("new %s action: %w", kind, err)
	}
	return Action{
		Kind:           kind,
		Target:         target,
		Payload:        payload,
		Basis:          basis,
		IdempotencyKey: key,
		State:          ActionPending,
	}, nil
}

// After returns a copy of a that depends on the given actions.
func (a Action) After(prereqs ...Action) Action {
	for _, p := range prereqs {
		a.DependsOn = append(a.DependsOn, p.IdempotencyKey)
	}
	return a
}
