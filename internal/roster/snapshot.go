// Package roster polls the game service's guild roster, diffs successive
// snapshots and emits one delta per observed change.
package roster

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Member is one roster entry. Rank is the raw string the game service
// reports; the reconciler maps it onto the rank table.
type Member struct {
	Name string `json:"name"`
	Rank string `json:"rank"`
}

// Snapshot is the roster as of CapturedAt, keyed by game account id.
// Snapshots are never mutated after construction.
type Snapshot struct {
	CapturedAt time.Time         `json:"captured_at"`
	Members    map[string]Member `json:"members"`
}

// Empty reports whether the snapshot holds no members.
func (s Snapshot) Empty() bool {
	return len(s.Members) == 0
}

// DeltaKind names a roster change.
type DeltaKind string

const (
	DeltaAdded       DeltaKind = "added"
	DeltaRemoved     DeltaKind = "removed"
	DeltaRankChanged DeltaKind = "rank_changed"
	DeltaRenamed     DeltaKind = "renamed"

	// DeltaPresent restates a listed account during a full resync.
	DeltaPresent DeltaKind = "present"
)

// deltaOrder fixes the emission order of deltas for one account.
var deltaOrder = map[DeltaKind]int{
	DeltaAdded:       0,
	DeltaRenamed:     1,
	DeltaRankChanged: 2,
	DeltaPresent:     3,
	DeltaRemoved:     4,
}

// Delta is one change between two snapshots.
type Delta struct {
	Kind          DeltaKind `json:"kind"`
	GameAccountID string    `json:"game_account_id"`
	Name          string    `json:"name,omitempty"`
	Rank          string    `json:"rank,omitempty"`
	PrevName      string    `json:"prev_name,omitempty"`
	PrevRank      string    `json:"prev_rank,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Diff returns the deltas that turn prev into cur, sorted by account id
// and then by kind. A member both renamed and re-ranked yields two deltas.
func Diff(prev, cur Snapshot) []Delta {
	var out []Delta
	for id, m := range cur.Members {
		old, ok := prev.Members[id]
		if !ok {
			out = append(out, Delta{Kind: DeltaAdded, GameAccountID: id, Name: m.Name, Rank: m.Rank, CapturedAt: cur.CapturedAt})
			continue
		}
		if old.Name != m.Name {
			out = append(out, Delta{Kind: DeltaRenamed, GameAccountID: id, Name: m.Name, PrevName: old.Name, CapturedAt: cur.CapturedAt})
		}
		if old.Rank != m.Rank {
			out = append(out, Delta{Kind: DeltaRankChanged, GameAccountID: id, Name: m.Name, Rank: m.Rank, PrevRank: old.Rank, CapturedAt: cur.CapturedAt})
		}
	}
	for id, old := range prev.Members {
		if _, ok := cur.Members[id]; !ok {
			out = append(out, Delta{Kind: DeltaRemoved, GameAccountID: id, Name: old.Name, PrevRank: old.Rank, CapturedAt: cur.CapturedAt})
		}
	}
	sortDeltas(out)
	return out
}

// Present returns a DeltaPresent for every member of cur, sorted by
// account id.
func Present(cur Snapshot) []Delta {
	out := make([]Delta, 0, len(cur.Members))
	for id, m := range cur.Members {
		out = append(out, Delta{Kind: DeltaPresent, GameAccountID: id, Name: m.Name, Rank: m.Rank, CapturedAt: cur.CapturedAt})
	}
	sortDeltas(out)
	return out
}

func sortDeltas(ds []Delta) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].GameAccountID != ds[j].GameAccountID {
			return ds[i].GameAccountID < ds[j].GameAccountID
		}
		return deltaOrder[ds[i].Kind] < deltaOrder[ds[j].Kind]
	})
}

func encodeMembers(members map[string]Member) ([]byte, error) {
	data, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeMembers(data []byte) (map[string]Member, error) {
	members := map[string]Member{}
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return members, nil
}
