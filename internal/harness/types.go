package harness

import (
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
	"github.com/roach88/rostersync/internal/testutil"
)

// EventTrace is one ingested event and, when accepted, the actions the
// engine recorded for it in ledger order.
type EventTrace struct {
	Source   ir.Source
	Kind     ir.EventKind
	Subject  ir.SubjectRef
	Accepted bool
	Actions  []ActionTrace
}

// ActionTrace is one ledger action after the step settled. Detail is the
// payload value that tells actions of one kind apart: a role, a rank, a
// status or a conflict reason.
type ActionTrace struct {
	Kind     ir.ActionKind
	Detail   string
	State    ir.ActionState
	Attempts []store.AttemptOutcome
}

// StepTrace groups the events one scenario step produced. A roster step
// may produce several; an advance step none.
type StepTrace struct {
	Step   int
	Events []EventTrace
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool

	Steps []StepTrace

	// Calls is the fake platform's call log in order.
	Calls []testutil.PlatformCall

	// Members lists every record, archived ones included, by id.
	Members []ir.MemberRecord

	// Conflicts lists flagged conflicts in the order recorded.
	Conflicts []store.Conflict

	// Roles is what each chat user holds on the fake platform at the end.
	Roles map[string][]string

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Roles: make(map[string][]string),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Actions returns every traced action in step order.
func (r *Result) Actions() []ActionTrace {
	var out []ActionTrace
	for _, s := range r.Steps {
		for _, ev := range s.Events {
			out = append(out, ev.Actions...)
		}
	}
	return out
}
