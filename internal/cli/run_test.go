package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/roster"
	"github.com/roach88/rostersync/internal/store"
	"github.com/roach88/rostersync/internal/testutil"
)

type staticFetcher struct {
	snap roster.Snapshot
}

func (f staticFetcher) Fetch(context.Context) (roster.Snapshot, error) {
	return f.snap, nil
}

func TestRunRequiresChatToken(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "state.db"), "--listen", ""})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "chat.token")
}

func TestRunBadConfigFile(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// TestRunServesIntakeAndStops runs the whole service: intake over HTTP,
// roster polling and reconciliation against a fake chat platform.
func TestRunServesIntakeAndStops(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.db")
	platform := testutil.NewFakePlatform()
	addr := make(chan string, 1)

	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Platform:    platform,
		Fetcher: staticFetcher{snap: roster.Snapshot{
			CapturedAt: testutil.Epoch,
			Members:    map[string]roster.Member{"g1": {Name: "Vega", Rank: "CAPTAIN"}},
		}},
		Ready: func(a string) { addr <- a },
	}
	cmd := newRunCommand(opts)
	logs := &bytes.Buffer{}
	cmd.SetOut(io.Discard)
	cmd.SetErr(logs)
	cmd.SetArgs([]string{"--db", db, "--listen", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	var base string
	select {
	case a := <-addr:
		base = "http://" + a
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server never became ready")
	}

	resp, err := http.Post(base+"/chat/notifications", "application/json",
		strings.NewReader(`{"kind":"join","user_id":"u1","occurred_at":"2026-03-01T12:00:00Z"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(base+"/chat/notifications", "application/json",
		strings.NewReader(`{"kind":"join","user_id":"u1","occurred_at":"2026-03-01T12:00:00Z"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "redelivery is a duplicate")

	reader, err := store.Open(db)
	require.NoError(t, err)
	defer reader.Close()
	require.Eventually(t, func() bool {
		ctx := context.Background()
		if _, err := reader.GetByChatID(ctx, "u1"); err != nil {
			return false
		}
		rec, err := reader.GetByGameAccountID(ctx, "g1")
		if err != nil || rec.CurrentRank != "Captain" {
			return false
		}
		inbox, err := reader.ListUnprocessed(ctx)
		if err != nil || len(inbox) > 0 {
			return false
		}
		pending, err := reader.ListActions(ctx, ir.ActionPending)
		return err == nil && len(pending) == 0
	}, 10*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `rostersync_normalize_events_total{outcome="duplicate",source="chat"} 1`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Contains(t, logs.String(), "service stopped")
}
