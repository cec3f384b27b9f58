package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

// HTTPFetcher reads a guild stats document over HTTP.
//
// Two document shapes are understood. The legacy one lists members as an
// array of {name, uuid, rank} objects and stamps the response with
// request.timestamp (unix seconds). The newer one nests members by rank and
// then by name, {"members": {"chief": {"Vega": {"uuid": ...}}}}, and carries
// no timestamp, so the fetch time is used.
type HTTPFetcher struct {
	url    string
	client *retryablehttp.Client
	now    func() time.Time
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPRetries sets how often a failed request is retried and the bounds
// of the wait between tries.
func WithHTTPRetries(maxRetries int, waitMin, waitMax time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client.RetryMax = maxRetries
		f.client.RetryWaitMin = waitMin
		f.client.RetryWaitMax = waitMax
	}
}

// WithHTTPTimeout bounds each request.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client.HTTPClient.Timeout = d
	}
}

// WithFetchClock overrides the clock used for documents without a
// timestamp.
func WithFetchClock(now func() time.Time) HTTPOption {
	return func(f *HTTPFetcher) {
		f.now = now
	}
}

// NewHTTPFetcher creates a fetcher for url.
func NewHTTPFetcher(url string, opts ...HTTPOption) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.Logger = slog.Default()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second

	f := &HTTPFetcher{url: url, client: client, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build roster request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("roster request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("roster request: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read roster response: %w", err)
	}
	return ParseGuildStats(body, f.now())
}

// ParseGuildStats decodes a guild stats document. fetchedAt stamps
// documents that carry no timestamp of their own.
func ParseGuildStats(body []byte, fetchedAt time.Time) (Snapshot, error) {
	if !gjson.ValidBytes(body) {
		return Snapshot{}, errors.New("parse roster: invalid JSON")
	}
	doc := gjson.ParseBytes(body)
	if msg := doc.Get("error"); msg.Exists() {
		return Snapshot{}, fmt.Errorf("parse roster: service error: %s", msg.String())
	}

	members := doc.Get("members")
	if !members.Exists() {
		return Snapshot{}, errors.New("parse roster: no members field")
	}

	snap := Snapshot{CapturedAt: fetchedAt.UTC(), Members: map[string]Member{}}
	if ts := doc.Get("request.timestamp"); ts.Exists() {
		snap.CapturedAt = time.Unix(ts.Int(), 0).UTC()
	}

	var perr error
	add := func(id, name, rank string) bool {
		if id == "" {
			perr = fmt.Errorf("parse roster: member %q has no uuid", name)
			return false
		}
		snap.Members[id] = Member{Name: name, Rank: rank}
		return true
	}

	if members.IsArray() {
		members.ForEach(func(_, m gjson.Result) bool {
			return add(m.Get("uuid").String(), m.Get("name").String(), m.Get("rank").String())
		})
	} else {
		members.ForEach(func(rank, group gjson.Result) bool {
			if !group.IsObject() {
				// Scalar siblings such as "total".
				return true
			}
			ok := true
			group.ForEach(func(name, m gjson.Result) bool {
				ok = add(m.Get("uuid").String(), name.String(), rank.String())
				return ok
			})
			return ok
		})
	}
	if perr != nil {
		return Snapshot{}, perr
	}
	return snap, nil
}
