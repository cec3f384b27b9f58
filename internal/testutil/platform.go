package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/rostersync/internal/chat"
)

// PlatformCall is one call observed by FakePlatform.
type PlatformCall struct {
	Op         string `json:"op" yaml:"op"`
	ChatUserID string `json:"chat_user_id" yaml:"chat_user_id"`
	Role       string `json:"role,omitempty" yaml:"role,omitempty"`
	Nickname   string `json:"nickname,omitempty" yaml:"nickname,omitempty"`
	Err        string `json:"err,omitempty" yaml:"err,omitempty"`
}

// Platform call names.
const (
	OpAssign = "assign"
	OpRemove = "remove"
	OpNick   = "nick"
)

// FakePlatform is an in-memory chat platform. Role calls are idempotent
// like the real one, and failures can be scripted per call.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakePlatform struct {
	mu      sync.Mutex
	roles   map[string]map[string]bool
	nicks   map[string]string
	calls   []PlatformCall
	script  map[string][]error
	always  map[string]error
	onApply func(op, chatUserID, role string)
}

var _ chat.Platform = (*FakePlatform)(nil)

// NewFakePlatform creates an empty platform.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		roles:  make(map[string]map[string]bool),
		nicks:  make(map[string]string),
		script: make(map[string][]error),
		always: make(map[string]error),
	}
}

func callKey(op, chatUserID, role string) string {
	return op + "\x00" + chatUserID + "\x00" + role
}

// FailNext makes the next len(errs) matching calls return errs in order.
// Later calls succeed. For OpNick, arg is the nickname; otherwise the role.
func (p *FakePlatform) FailNext(op, chatUserID, role string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := callKey(op, chatUserID, role)
	p.script[k] = append(p.script[k], errs...)
}

// FailAlways makes every matching call return err. A nil err clears it.
func (p *FakePlatform) FailAlways(op, chatUserID, role string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := callKey(op, chatUserID, role)
	if err == nil {
		delete(p.always, k)
		return
	}
	p.always[k] = err
}

// OnApply registers fn to run after every successful role change, outside
// the lock. Used to echo changes back as gateway notifications.
func (p *FakePlatform) OnApply(fn func(op, chatUserID, role string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onApply = fn
}

// SetRoles replaces the roles a user holds without recording calls.
func (p *FakePlatform) SetRoles(chatUserID string, roles ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := make(map[string]bool, len(roles))
	for _, r := range roles {
		held[r] = true
	}
	p.roles[chatUserID] = held
}

// Roles returns the roles a user holds, sorted.
func (p *FakePlatform) Roles(chatUserID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []string{}
	for r := range p.roles[chatUserID] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Nickname returns the user's current nickname, empty when unset.
func (p *FakePlatform) Nickname(chatUserID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nicks[chatUserID]
}

// Calls returns every call observed so far, in order.
func (p *FakePlatform) Calls() []PlatformCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlatformCall(nil), p.calls...)
}

// AssignRole implements chat.Platform.
func (p *FakePlatform) AssignRole(ctx context.Context, chatUserID, role string) error {
	return p.apply(ctx, OpAssign, chatUserID, role)
}

// RemoveRole implements chat.Platform.
func (p *FakePlatform) RemoveRole(ctx context.Context, chatUserID, role string) error {
	return p.apply(ctx, OpRemove, chatUserID, role)
}

// SetNickname implements chat.Platform.
func (p *FakePlatform) SetNickname(ctx context.Context, chatUserID, nickname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	call := PlatformCall{Op: OpNick, ChatUserID: chatUserID, Nickname: nickname}
	if err := p.scripted(OpNick, chatUserID, nickname); err != nil {
		call.Err = err.Error()
		p.calls = append(p.calls, call)
		return err
	}
	p.calls = append(p.calls, call)
	if nickname == "" {
		delete(p.nicks, chatUserID)
	} else {
		p.nicks[chatUserID] = nickname
	}
	return nil
}

// scripted returns the failure configured for the call, if any. Callers
// hold p.mu.
func (p *FakePlatform) scripted(op, chatUserID, arg string) error {
	k := callKey(op, chatUserID, arg)
	if err := p.always[k]; err != nil {
		return err
	}
	if errs := p.script[k]; len(errs) > 0 {
		p.script[k] = errs[1:]
		return errs[0]
	}
	return nil
}

func (p *FakePlatform) apply(ctx context.Context, op, chatUserID, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	err := p.scripted(op, chatUserID, role)
	call := PlatformCall{Op: op, ChatUserID: chatUserID, Role: role}
	if err != nil {
		call.Err = err.Error()
		p.calls = append(p.calls, call)
		p.mu.Unlock()
		return err
	}
	p.calls = append(p.calls, call)

	held := p.roles[chatUserID]
	if held == nil {
		held = make(map[string]bool)
		p.roles[chatUserID] = held
	}
	if op == OpAssign {
		held[role] = true
	} else {
		delete(held, role)
	}
	hook := p.onApply
	p.mu.Unlock()

	if hook != nil {
		hook(op, chatUserID, role)
	}
	return nil
}
