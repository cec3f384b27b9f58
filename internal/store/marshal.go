package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/rostersync/internal/ir"
)

// marshalPayload converts an IRObject to canonical JSON TEXT for storage.
func marshalPayload(payload ir.IRObject) (string, error) {
	if payload == nil {
		payload = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses stored JSON TEXT back to an IRObject.
// Integers decode through json.Number so values above 2^53 survive.
func unmarshalPayload(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

func marshalStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	return ss, nil
}

// marshalCorrections stores correction times as unix milliseconds.
func marshalCorrections(ts []time.Time) (string, error) {
	millis := make([]int64, len(ts))
	for i, t := range ts {
		millis[i] = t.UTC().UnixMilli()
	}
	data, err := json.Marshal(millis)
	if err != nil {
		return "", fmt.Errorf("marshal corrections: %w", err)
	}
	return string(data), nil
}

func unmarshalCorrections(data string) ([]time.Time, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var millis []int64
	if err := json.Unmarshal([]byte(data), &millis); err != nil {
		return nil, fmt.Errorf("unmarshal corrections: %w", err)
	}
	ts := make([]time.Time, len(millis))
	for i, ms := range millis {
		ts[i] = fromMillis(ms)
	}
	return ts, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// nullable maps "" to SQL NULL so partial unique indexes ignore unset
// identities.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure.
func isUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// isHistoryOrderViolation reports whether the monotonic rank history
// trigger aborted the statement.
func isHistoryOrderViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "effective_at must not decrease")
}
