// Package harness runs scripted scenarios through the real reconciliation
// stack and checks the outcome.
//
// A scenario drives the normalizer, the roster poller, the engine and a
// fresh SQLite store. Only the edges are faked: the chat platform is a
// testutil.FakePlatform with scriptable failures, and the roster source
// returns whatever the current step lists. Every step runs on a fake clock
// that moves one minute per step, and the engine drains after each step,
// so a run is deterministic.
//
// # Scenario Format
//
//	name: role_removal_reassigned
//	description: "What this scenario validates"
//	max_attempts: 5            # optional chat call budget
//	policy: policy.cue         # optional, relative to the scenario file
//	platform:
//	  roles: { u1: [Pilot] }
//	  failures:
//	    - { op: assign, chat_user_id: u1, role: Cadet, error: unavailable, times: 3 }
//	steps:
//	  - roster: { g1: { name: Vega, rank: CAPTAIN } }
//	  - manual: { command_id: c1, operator: officer, kind: force_link,
//	              subject: { chat_user_id: u1, game_account_id: g1 } }
//	  - chat: { kind: role_remove, user_id: u1, role: Pilot }
//	  - advance: 73h
//	  - redeliver: 3
//	assertions:
//	  - { type: member, chat_user_id: u1, rank: Captain, verification: verified }
//	  - { type: action_count, kind: assign_role, detail: Pilot, count: 2 }
//
// # Assertion Types
//
//   - member: fields of the record holding an identity
//   - action_count: how many ledger actions match kind, detail and state
//   - action_attempts: the attempt outcomes of the first matching action
//   - platform_calls: the exact chat call log
//   - platform_roles: the roles a chat user ends up holding
//   - conflicts: the reasons of flagged conflicts, in order
//
// # Golden Snapshots
//
// Snapshot renders a run without timestamps, ids or hashes. RunSuite and
// RunWithGolden compare it against golden/<name>.golden next to the
// scenario files.
package harness
