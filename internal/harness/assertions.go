package harness

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
	"github.com/roach88/rostersync/internal/testutil"
)

// AssertionError is returned when an assertion fails. It carries the step
// trace so the failure can be read without re-running the scenario.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Steps    []StepTrace
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nTrace:\n")
	for _, s := range e.Steps {
		for _, ev := range s.Events {
			fmt.Fprintf(&buf, "  [%d] %s\n", s.Step, eventLine(ev))
			for _, a := range ev.Actions {
				fmt.Fprintf(&buf, "      %s\n", actionLine(a))
			}
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns one
// message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertMember:
		return assertMember(result, a)
	case AssertActionCount:
		return assertActionCount(result, a)
	case AssertActionAttempts:
		return assertActionAttempts(result, a)
	case AssertPlatformCalls:
		return assertPlatformCalls(result, a)
	case AssertPlatformRoles:
		return assertPlatformRoles(result, a)
	case AssertConflicts:
		return assertConflicts(result, a)
	}
	return fmt.Errorf("unknown assertion type: %s", a.Type)
}

// findMember returns the active record holding the assertion's identity,
// falling back to archived records when no active one matches.
func findMember(members []ir.MemberRecord, chatID, gameID string) (ir.MemberRecord, bool) {
	var archived *ir.MemberRecord
	for i, m := range members {
		if chatID != "" && m.ChatUserID != chatID {
			continue
		}
		if gameID != "" && m.GameAccountID != gameID {
			continue
		}
		if !m.Archived {
			return m, true
		}
		if archived == nil {
			archived = &members[i]
		}
	}
	if archived != nil {
		return *archived, true
	}
	return ir.MemberRecord{}, false
}

func assertMember(result *Result, a Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: AssertMember, Expected: expected, Actual: actual, Steps: result.Steps}
	}
	who := subjectLine(ir.SubjectRef{ChatUserID: a.ChatUserID, GameAccountID: a.GameAccountID})

	m, ok := findMember(result.Members, a.ChatUserID, a.GameAccountID)
	if !ok {
		return fail("member "+who, "no such record")
	}
	if a.Rank != "" && string(m.CurrentRank) != a.Rank {
		return fail(fmt.Sprintf("member %s rank %s", who, a.Rank), string(m.CurrentRank))
	}
	if a.Verification != "" && string(m.Verification) != a.Verification {
		return fail(fmt.Sprintf("member %s verification %s", who, a.Verification), string(m.Verification))
	}
	if a.Name != "" && m.GameName != a.Name {
		return fail(fmt.Sprintf("member %s name %q", who, a.Name), fmt.Sprintf("%q", m.GameName))
	}
	if a.Archived != nil && m.Archived != *a.Archived {
		return fail(fmt.Sprintf("member %s archived=%t", who, *a.Archived), fmt.Sprintf("archived=%t", m.Archived))
	}
	if a.History != nil {
		got := historyLines(m.RankHistory)
		if !slices.Equal(got, a.History) {
			return fail(fmt.Sprintf("member %s history %v", who, a.History), fmt.Sprintf("%v", got))
		}
	}
	return nil
}

// matching returns the traced actions of the assertion's kind, narrowed by
// detail and state when given.
func matching(result *Result, a Assertion) []ActionTrace {
	var out []ActionTrace
	for _, at := range result.Actions() {
		if string(at.Kind) != a.Kind {
			continue
		}
		if a.Detail != "" && at.Detail != a.Detail {
			continue
		}
		if a.State != "" && string(at.State) != a.State {
			continue
		}
		out = append(out, at)
	}
	return out
}

func assertActionCount(result *Result, a Assertion) error {
	got := len(matching(result, a))
	if got != *a.Count {
		return &AssertionError{
			Type:     AssertActionCount,
			Expected: fmt.Sprintf("%d %s actions", *a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d", got),
			Steps:    result.Steps,
		}
	}
	return nil
}

func assertActionAttempts(result *Result, a Assertion) error {
	found := matching(result, a)
	if len(found) == 0 {
		return &AssertionError{
			Type:     AssertActionAttempts,
			Expected: describe(a) + " action",
			Actual:   "not found in trace",
			Steps:    result.Steps,
		}
	}
	got := make([]string, len(found[0].Attempts))
	for i, o := range found[0].Attempts {
		got[i] = string(o)
	}
	if !slices.Equal(got, a.Outcomes) {
		return &AssertionError{
			Type:     AssertActionAttempts,
			Expected: fmt.Sprintf("%s attempts %v", describe(a), a.Outcomes),
			Actual:   fmt.Sprintf("%v", got),
			Steps:    result.Steps,
		}
	}
	return nil
}

func assertPlatformCalls(result *Result, a Assertion) error {
	got := callLines(result.Calls)
	want := a.Calls
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertPlatformCalls,
			Expected: fmt.Sprintf("%q", want),
			Actual:   fmt.Sprintf("%q", got),
			Steps:    result.Steps,
		}
	}
	return nil
}

func assertPlatformRoles(result *Result, a Assertion) error {
	got := result.Roles[a.ChatUserID]
	if got == nil {
		got = []string{}
	}
	want := slices.Clone(a.Roles)
	if want == nil {
		want = []string{}
	}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertPlatformRoles,
			Expected: fmt.Sprintf("%s holds %q", a.ChatUserID, want),
			Actual:   fmt.Sprintf("%q", got),
			Steps:    result.Steps,
		}
	}
	return nil
}

func assertConflicts(result *Result, a Assertion) error {
	got := make([]string, len(result.Conflicts))
	for i, c := range result.Conflicts {
		got[i] = c.Reason
	}
	want := a.Reasons
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertConflicts,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
			Steps:    result.Steps,
		}
	}
	return nil
}

func describe(a Assertion) string {
	s := a.Kind
	if a.Detail != "" {
		s += ":" + a.Detail
	}
	if a.State != "" {
		s += " (" + a.State + ")"
	}
	return s
}

func subjectLine(s ir.SubjectRef) string {
	var parts []string
	if s.ChatUserID != "" {
		parts = append(parts, s.ChatUserID)
	}
	if s.GameAccountID != "" {
		parts = append(parts, s.GameAccountID)
	}
	return strings.Join(parts, " ")
}

func eventLine(ev EventTrace) string {
	line := fmt.Sprintf("%s/%s %s", ev.Source, ev.Kind, subjectLine(ev.Subject))
	if !ev.Accepted {
		line += " (dropped)"
	}
	return line
}

func actionLine(a ActionTrace) string {
	kind := string(a.Kind)
	if a.Detail != "" {
		kind += ":" + a.Detail
	}
	return kind + " " + string(a.State)
}

func historyLines(history []ir.RankChange) []string {
	out := make([]string, len(history))
	for i, h := range history {
		out[i] = fmt.Sprintf("%s (%s)", h.Rank, h.Cause)
	}
	return out
}

func callLines(calls []testutil.PlatformCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		arg := c.Role
		if c.Op == testutil.OpNick {
			arg = strconv.Quote(c.Nickname)
		}
		line := fmt.Sprintf("%s %s %s", c.Op, c.ChatUserID, arg)
		if c.Err != "" {
			line += ": " + c.Err
		}
		out[i] = line
	}
	return out
}

func conflictLine(c store.Conflict) string {
	line := fmt.Sprintf("%s member=%d", c.Reason, c.MemberID)
	if c.OtherMemberID != 0 {
		line += fmt.Sprintf(" other=%d", c.OtherMemberID)
	}
	return line
}
