// Package chat defines the boundary to the chat platform: the role
// mutations the engine issues and the raw notifications it receives.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"
)

// Platform applies role and nickname changes on the chat platform. Every
// call must be idempotent: assigning a held role, removing an absent one or
// setting the current nickname succeeds.
type Platform interface {
	AssignRole(ctx context.Context, chatUserID, role string) error
	RemoveRole(ctx context.Context, chatUserID, role string) error

	// SetNickname replaces the member's guild nickname. An empty nickname
	// clears it.
	SetNickname(ctx context.Context, chatUserID, nickname string) error
}

// Permanent platform failures. Retrying them cannot succeed.
var (
	ErrUnknownMember = errors.New("unknown chat member")
	ErrUnknownRole   = errors.New("unknown chat role")
	ErrForbidden     = errors.New("missing chat permission")
)

// ErrUnavailable is a transient platform failure such as a 5xx response.
var ErrUnavailable = errors.New("chat platform unavailable")

// RateLimitError reports that the platform throttled a call.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("chat platform rate limited, retry after %s", e.RetryAfter)
}

// IsTransient reports whether err is worth retrying. Rate limits,
// unavailability, timeouts and transport failures such as a refused or
// reset connection all qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryAfter returns the platform-requested delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// NotificationKind is the gateway's name for a membership change.
type NotificationKind string

const (
	NotifyJoin       NotificationKind = "join"
	NotifyLeave      NotificationKind = "leave"
	NotifyRoleAdd    NotificationKind = "role_add"
	NotifyRoleRemove NotificationKind = "role_remove"
)

// Notification is a raw membership or role change pushed by the chat
// gateway. Redelivered notifications carry the same OccurredAt.
type Notification struct {
	Kind       NotificationKind `json:"kind" yaml:"kind"`
	UserID     string           `json:"user_id" yaml:"user_id"`
	Role       string           `json:"role,omitempty" yaml:"role,omitempty"`
	OccurredAt time.Time        `json:"occurred_at" yaml:"occurred_at"`
}
