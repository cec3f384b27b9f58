package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
)

// ErrorCode categorizes failures seen while reconciling and executing.
type ErrorCode string

const (
	// ErrCodeNotFound: a lookup found no active record. Expected for new
	// subjects; reconciliation treats it as "no record".
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeDuplicateIdentity: a write would give an identity to a second
	// record. Fails the action and escalates to FlagConflict.
	ErrCodeDuplicateIdentity ErrorCode = "DUPLICATE_IDENTITY"

	// ErrCodeConflict: the record changed since it was read. Re-read and
	// retry a bounded number of times, then escalate.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeTransient: network failure, timeout or rate limit. Retried
	// with backoff up to the attempt budget.
	ErrCodeTransient ErrorCode = "TRANSIENT"

	// ErrCodeFatal: can never succeed. Fails the action, or rejects a
	// malformed event.
	ErrCodeFatal ErrorCode = "FATAL"
)

// RuntimeError is a classified failure with the context needed to trace it
// back through the ledger.
type RuntimeError struct {
	Code           ErrorCode
	Message        string
	MemberID       int64
	IdempotencyKey string
	Err            error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.IdempotencyKey != "" {
		msg = fmt.Sprintf("%s (action=%s)", msg, e.IdempotencyKey)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Classify maps err onto an ErrorCode. Unknown errors are Fatal so they are
// never retried blindly.
func Classify(err error) ErrorCode {
	var re *RuntimeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return re.Code
	case errors.Is(err, store.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, store.ErrDuplicateIdentity):
		return ErrCodeDuplicateIdentity
	case errors.Is(err, store.ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, ir.ErrMalformedEvent):
		return ErrCodeFatal
	case errors.Is(err, context.Canceled):
		return ErrCodeFatal
	case chat.IsTransient(err):
		return ErrCodeTransient
	}
	return ErrCodeFatal
}

// IsTransient returns true if err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err) == ErrCodeTransient
}

// IsFatal returns true if err can never succeed on retry.
func IsFatal(err error) bool {
	return Classify(err) == ErrCodeFatal
}

func newRuntimeError(code ErrorCode, a ir.Action, message string, err error) *RuntimeError {
	return &RuntimeError{
		Code:           code,
		Message:        message,
		MemberID:       a.Target.MemberID,
		IdempotencyKey: a.IdempotencyKey,
		Err:            err,
	}
}
