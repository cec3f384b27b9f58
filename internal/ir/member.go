package ir

import (
	"slices"
	"time"
)

// Rank is a guild rank name from the policy rank table, or RankNone.
type Rank string

// RankNone marks a member that holds no roster rank.
const RankNone Rank = "none"

// VerificationStatus tracks how far a member's identity linkage is trusted.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationPending    VerificationStatus = "pending"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFlagged    VerificationStatus = "flagged"
)

// Valid reports whether v is a known status.
func (v VerificationStatus) Valid() bool {
	switch v {
	case VerificationUnverified, VerificationPending, VerificationVerified, VerificationFlagged:
		return true
	}
	return false
}

// RankCause records why a rank history entry was appended.
type RankCause string

const (
	CauseRoster        RankCause = "roster"
	CauseRosterRemoval RankCause = "roster_removal"
	CauseManual        RankCause = "manual"
)

// RankChange is one append-only rank history entry.
type RankChange struct {
	Rank        Rank      `json:"rank"`
	EffectiveAt time.Time `json:"effective_at"`
	Cause       RankCause `json:"cause"`
	Seq         int64     `json:"seq"`
}

// Override is an operator-issued rank that outranks roster and chat input
// until Until.
type Override struct {
	Rank     Rank      `json:"rank"`
	Operator string    `json:"operator"`
	Until    time.Time `json:"until"`
}

// ActiveAt reports whether the override still holds authority at t.
func (o *Override) ActiveAt(t time.Time) bool {
	return o != nil && t.Before(o.Until)
}

// MemberRecord is the durable record of one real-world member.
//
// At most one active record claims a given ChatUserID or GameAccountID.
// A record with neither identity set is archived and no longer active.
type MemberRecord struct {
	ID            int64              `json:"member_id"`
	ChatUserID    string             `json:"chat_user_id,omitempty"`
	GameAccountID string             `json:"game_account_id,omitempty"`
	GameName      string             `json:"game_name,omitempty"`
	CurrentRank   Rank               `json:"current_rank"`
	Verification  VerificationStatus `json:"verification"`
	RankHistory   []RankChange       `json:"rank_history"`

	// LastReconciledSeq is the logical timestamp of the last event applied
	// to this record.
	LastReconciledSeq int64 `json:"last_reconciled_seq"`

	Override    *Override   `json:"override,omitempty"`
	Corrections []time.Time `json:"corrections,omitempty"`
	Archived    bool        `json:"archived"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// HasIdentity reports whether either external identity is still linked.
func (m *MemberRecord) HasIdentity() bool {
	return m.ChatUserID != "" || m.GameAccountID != ""
}

// EffectiveRank is the rank chat roles should reflect at now: the manual
// override while its grace period runs, the stored rank otherwise.
func (m *MemberRecord) EffectiveRank(now time.Time) Rank {
	if m.Override.ActiveAt(now) {
		return m.Override.Rank
	}
	if m.CurrentRank == "" {
		return RankNone
	}
	return m.CurrentRank
}

// CorrectionsSince counts recorded chat-role corrections at or after since.
func (m *MemberRecord) CorrectionsSince(since time.Time) int {
	n := 0
	for _, c := range m.Corrections {
		if !c.Before(since) {
			n++
		}
	}
	return n
}

// LastRankChange returns the newest history entry, if any.
func (m *MemberRecord) LastRankChange() (RankChange, bool) {
	if len(m.RankHistory) == 0 {
		return RankChange{}, false
	}
	return m.RankHistory[len(m.RankHistory)-1], true
}

// Clone returns a deep copy safe to mutate.
func (m MemberRecord) Clone() MemberRecord {
	m.RankHistory = slices.Clone(m.RankHistory)
	m.Corrections = slices.Clone(m.Corrections)
	if m.Override != nil {
		o := *m.Override
		m.Override = &o
	}
	return m
}
