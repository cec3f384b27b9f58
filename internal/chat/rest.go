package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Platform error codes carried in 404 bodies.
const (
	codeUnknownMember = 10007
	codeUnknownRole   = 10011
)

// maxNickname is the platform's nickname limit, in characters.
const maxNickname = 32

// REST applies role and nickname changes through the platform's HTTP API.
// Role names from the policy are mapped to platform role ids.
//
// REST makes exactly one request per call. Retrying is the caller's job.
type REST struct {
	base    string
	token   string
	guildID string
	roleIDs map[string]string
	client  *http.Client
}

// RESTOption configures a REST platform.
type RESTOption func(*REST)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *REST) {
		r.client = c
	}
}

// NewREST creates a REST platform for one guild.
func NewREST(base, token, guildID string, roleIDs map[string]string, opts ...RESTOption) *REST {
	r := &REST{
		base:    base,
		token:   token,
		guildID: guildID,
		roleIDs: roleIDs,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AssignRole implements Platform.
func (r *REST) AssignRole(ctx context.Context, chatUserID, role string) error {
	return r.role(ctx, http.MethodPut, chatUserID, role)
}

// RemoveRole implements Platform.
func (r *REST) RemoveRole(ctx context.Context, chatUserID, role string) error {
	return r.role(ctx, http.MethodDelete, chatUserID, role)
}

// SetNickname implements Platform. Nicknames over the platform limit are
// cut to fit.
func (r *REST) SetNickname(ctx context.Context, chatUserID, nickname string) error {
	if runes := []rune(nickname); len(runes) > maxNickname {
		nickname = strings.TrimSpace(string(runes[:maxNickname]))
	}
	body, err := json.Marshal(map[string]string{"nick": nickname})
	if err != nil {
		return fmt.Errorf("encode nickname: %w", err)
	}
	u := fmt.Sprintf("%s/guilds/%s/members/%s",
		r.base, url.PathEscape(r.guildID), url.PathEscape(chatUserID))
	return r.do(ctx, http.MethodPatch, u, body, chatUserID, "nickname")
}

func (r *REST) role(ctx context.Context, method, chatUserID, role string) error {
	roleID, ok := r.roleIDs[role]
	if !ok {
		return fmt.Errorf("role %q has no platform id: %w", role, ErrUnknownRole)
	}
	u := fmt.Sprintf("%s/guilds/%s/members/%s/roles/%s",
		r.base, url.PathEscape(r.guildID), url.PathEscape(chatUserID), url.PathEscape(roleID))
	return r.do(ctx, method, u, nil, chatUserID, "role "+role)
}

// do sends one request. what names the change in errors and logs.
func (r *REST) do(ctx context.Context, method, u string, body []byte, chatUserID, what string) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build %s request: %w", what, err)
	}
	req.Header.Set("Authorization", "Bot "+r.token)
	req.Header.Set("X-Audit-Log-Reason", "rostersync")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s for %s: %w", method, what, chatUserID, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	err = classify(resp, respBody)
	if err != nil {
		slog.Debug("chat request failed",
			"method", method,
			"chat_user_id", chatUserID,
			"change", what,
			"status", resp.StatusCode,
			"error", err,
		)
	}
	return err
}

// classify maps a response onto the platform errors.
func classify(resp *http.Response, body []byte) error {
	switch status := resp.StatusCode; {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp, body)}
	case status == http.StatusForbidden, status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrForbidden, resp.Status)
	case status == http.StatusNotFound:
		switch gjson.GetBytes(body, "code").Int() {
		case codeUnknownRole:
			return ErrUnknownRole
		default:
			return ErrUnknownMember
		}
	case status >= 500:
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	default:
		return fmt.Errorf("unexpected status %s: %s", resp.Status, gjson.GetBytes(body, "message").String())
	}
}

// retryAfter prefers the body's fractional retry_after over the header.
func retryAfter(resp *http.Response, body []byte) time.Duration {
	if v := gjson.GetBytes(body, "retry_after"); v.Exists() {
		return time.Duration(v.Float() * float64(time.Second))
	}
	if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return time.Second
}
