package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"not found", fmt.Errorf("load: %w", store.ErrNotFound), ErrCodeNotFound},
		{"duplicate identity", store.ErrDuplicateIdentity, ErrCodeDuplicateIdentity},
		{"version conflict", fmt.Errorf("update: %w", store.ErrConflict), ErrCodeConflict},
		{"malformed event", ir.ErrMalformedEvent, ErrCodeFatal},
		{"cancelled", context.Canceled, ErrCodeFatal},
		{"chat unavailable", chat.ErrUnavailable, ErrCodeTransient},
		{"rate limited", &chat.RateLimitError{}, ErrCodeTransient},
		{"forbidden", chat.ErrForbidden, ErrCodeFatal},
		{"unknown", errors.New("boom"), ErrCodeFatal},
		{"runtime error keeps its code", &RuntimeError{Code: ErrCodeConflict, Err: errors.New("boom")}, ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRuntimeError(t *testing.T) {
	a := ir.Action{IdempotencyKey: "k1", Target: ir.ActionTarget{MemberID: 3}}
	err := newRuntimeError(ErrCodeTransient, a, "action left pending", chat.ErrUnavailable)

	assert.Equal(t, "TRANSIENT: action left pending (action=k1): chat platform unavailable", err.Error())
	assert.Equal(t, int64(3), err.MemberID)
	assert.ErrorIs(t, err, chat.ErrUnavailable)
	assert.True(t, IsTransient(fmt.Errorf("batch: %w", err)))
	assert.False(t, IsFatal(err))
}
