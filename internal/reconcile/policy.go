package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/text/cases"

	"github.com/roach88/rostersync/internal/ir"
)

// Policy defaults.
const (
	DefaultGracePeriod   = 72 * time.Hour
	DefaultFlapThreshold = 3
	DefaultFlapWindow    = 30 * time.Minute
)

// RankRule maps a roster rank to the chat roles a member holding it gets.
// Roles shared by several ranks are group roles.
type RankRule struct {
	Rank  ir.Rank  `json:"rank"`
	Roles []string `json:"roles"`

	// Symbol prefixes the chat nickname of members holding the rank.
	Symbol string `json:"symbol,omitempty"`
}

// Policy is the reconciliation policy: the rank table, ordered from the
// highest rank down, plus the timing knobs for overrides and flap
// detection.
type Policy struct {
	Ranks []RankRule `json:"ranks"`

	// GracePeriod is how long a manual force_rank stays authoritative over
	// the roster.
	GracePeriod time.Duration `json:"grace_period"`

	// A record is flagged instead of corrected when this many chat-role
	// corrections would fall inside FlapWindow.
	FlapThreshold int           `json:"flap_threshold"`
	FlapWindow    time.Duration `json:"flap_window"`

	// Nicknames turns on chat nickname sync from the in-game name.
	Nicknames bool `json:"nicknames"`
}

// DefaultPolicy returns the built-in rank table: each in-game rank gets its
// own chat role plus the group role it shares with its neighbour.
func DefaultPolicy() Policy {
	return Policy{
		Ranks: []RankRule{
			{Rank: "Owner", Roles: []string{"Commander", "Mission Specialist"}},
			{Rank: "Chief", Roles: []string{"Cosmonaut", "Mission Specialist"}},
			{Rank: "Strategist", Roles: []string{"Architect", "Flight Captains"}},
			{Rank: "Captain", Roles: []string{"Pilot", "Flight Captains"}},
			{Rank: "Recruiter", Roles: []string{"Rocketeer", "Passengers"}},
			{Rank: "Recruit", Roles: []string{"Cadet", "Passengers"}},
		},
		GracePeriod:   DefaultGracePeriod,
		FlapThreshold: DefaultFlapThreshold,
		FlapWindow:    DefaultFlapWindow,
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	var errs []error
	if len(p.Ranks) == 0 {
		errs = append(errs, errors.New("rank table is empty"))
	}
	seen := make(map[string]bool, len(p.Ranks))
	for i, r := range p.Ranks {
		key := fold(string(r.Rank))
		switch {
		case r.Rank == "":
			errs = append(errs, fmt.Errorf("ranks[%d]: empty rank name", i))
		case key == fold(string(ir.RankNone)):
			errs = append(errs, fmt.Errorf("ranks[%d]: %q is reserved", i, r.Rank))
		case seen[key]:
			errs = append(errs, fmt.Errorf("ranks[%d]: duplicate rank %q", i, r.Rank))
		}
		seen[key] = true
		if len(r.Roles) == 0 {
			errs = append(errs, fmt.Errorf("ranks[%d]: rank %q has no roles", i, r.Rank))
		}
	}
	if p.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("grace period must be positive, got %s", p.GracePeriod))
	}
	if p.FlapThreshold < 1 {
		errs = append(errs, fmt.Errorf("flap threshold must be at least 1, got %d", p.FlapThreshold))
	}
	if p.FlapWindow <= 0 {
		errs = append(errs, fmt.Errorf("flap window must be positive, got %s", p.FlapWindow))
	}
	return errors.Join(errs...)
}

// fold case-folds s. A Caser holds state, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Canonical maps a raw rank string, in any letter case, to the rank name
// used by the policy. "none" is always known.
func (p Policy) Canonical(raw string) (ir.Rank, bool) {
	key := fold(raw)
	if key == fold(string(ir.RankNone)) {
		return ir.RankNone, true
	}
	for _, r := range p.Ranks {
		if fold(string(r.Rank)) == key {
			return r.Rank, true
		}
	}
	return "", false
}

// RolesFor returns the chat roles for rank, nil for none or an unknown rank.
func (p Policy) RolesFor(rank ir.Rank) []string {
	for _, r := range p.Ranks {
		if r.Rank == rank {
			return r.Roles
		}
	}
	return nil
}

// Nickname returns the chat nickname for a member holding rank under name.
// Members without a rank get an empty nickname, which clears it.
func (p Policy) Nickname(rank ir.Rank, name string) string {
	if rank == ir.RankNone || rank == "" {
		return ""
	}
	for _, r := range p.Ranks {
		if r.Rank == rank && r.Symbol != "" {
			return r.Symbol + " " + name
		}
	}
	return name
}

// Managed reports whether role appears anywhere in the rank table. Roles
// outside the table are never touched.
func (p Policy) Managed(role string) bool {
	for _, r := range p.Ranks {
		if slices.Contains(r.Roles, role) {
			return true
		}
	}
	return false
}

// RoleDiff returns the roles to drop and to grant when moving from one rank
// to another. Group roles shared by both ranks appear in neither list.
func (p Policy) RoleDiff(from, to ir.Rank) (remove, assign []string) {
	old, next := p.RolesFor(from), p.RolesFor(to)
	for _, r := range old {
		if !slices.Contains(next, r) {
			remove = append(remove, r)
		}
	}
	for _, r := range next {
		if !slices.Contains(old, r) {
			assign = append(assign, r)
		}
	}
	return remove, assign
}
