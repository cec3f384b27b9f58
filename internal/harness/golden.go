package harness

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/rostersync/internal/ir"
)

// Snapshot renders the deterministic part of a result: what each step
// ingested and the actions it settled, the platform call log, the final
// records and the conflicts. Timestamps, ids and hashes are left out so
// the snapshot only changes when behavior does.
//
// The encoding is canonical JSON, indented for review.
func Snapshot(name string, result *Result) ([]byte, error) {
	steps := make(ir.IRArray, 0, len(result.Steps))
	for _, s := range result.Steps {
		events := make(ir.IRArray, 0, len(s.Events))
		for _, ev := range s.Events {
			actions := make(ir.IRArray, 0, len(ev.Actions))
			for _, a := range ev.Actions {
				actions = append(actions, ir.IRString(actionLine(a)))
			}
			events = append(events, ir.Obj(
				ir.O("event", ir.IRString(eventLine(ev))),
				ir.O("accepted", ir.IRBool(ev.Accepted)),
				ir.O("actions", actions),
			))
		}
		steps = append(steps, ir.Obj(
			ir.O("step", ir.IRInt(s.Step)),
			ir.O("events", events),
		))
	}

	calls := make(ir.IRArray, 0, len(result.Calls))
	for _, c := range callLines(result.Calls) {
		calls = append(calls, ir.IRString(c))
	}

	members := make(ir.IRArray, 0, len(result.Members))
	for _, m := range result.Members {
		history := make(ir.IRArray, 0, len(m.RankHistory))
		for _, h := range historyLines(m.RankHistory) {
			history = append(history, ir.IRString(h))
		}
		members = append(members, ir.Obj(
			ir.O("chat", ir.IRString(m.ChatUserID)),
			ir.O("game", ir.IRString(m.GameAccountID)),
			ir.O("name", ir.IRString(m.GameName)),
			ir.O("rank", ir.IRString(m.CurrentRank)),
			ir.O("verification", ir.IRString(m.Verification)),
			ir.O("history", history),
			ir.O("corrections", ir.IRInt(len(m.Corrections))),
			ir.O("archived", ir.IRBool(m.Archived)),
		))
	}

	conflicts := make(ir.IRArray, 0, len(result.Conflicts))
	for _, c := range result.Conflicts {
		conflicts = append(conflicts, ir.IRString(conflictLine(c)))
	}

	raw, err := ir.MarshalCanonical(ir.Obj(
		ir.O("name", ir.IRString(name)),
		ir.O("steps", steps),
		ir.O("calls", calls),
		ir.O("members", members),
		ir.O("conflicts", conflicts),
	))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// goldenFixtureDir is where package tests keep snapshots: next to the
// scenario files, the same place RunSuite looks.
var goldenFixtureDir = filepath.Join("testdata", "scenarios", GoldenDir)

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/scenarios/golden/{scenario.Name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
//
// Assertion failures are reported through t as well.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snap, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(goldenFixtureDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snap)
	return nil
}
