// Package ir provides the canonical types shared by every rostersync
// package: member records, canonical events, reconciliation actions, and the
// canonical JSON used to derive their keys.
//
// This package contains type definitions and key derivation only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - no float payload values, use int64
//   - all JSON tags use snake_case
//   - event ordering uses logical sequence numbers; wall-clock times are
//     only recorded for grace periods, flap windows and audit
package ir
