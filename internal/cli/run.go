package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/config"
	"github.com/roach88/rostersync/internal/engine"
	"github.com/roach88/rostersync/internal/normalize"
	"github.com/roach88/rostersync/internal/reconcile"
	"github.com/roach88/rostersync/internal/roster"
	"github.com/roach88/rostersync/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
	Listen     string

	// Platform and Fetcher replace the HTTP adapters built from the
	// configuration (for testing).
	Platform chat.Platform
	Fetcher  roster.Fetcher

	// Ready, if set, is called with the intake address once the server
	// is listening.
	Ready func(addr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the reconciliation service",
		Long: `Start the reconciliation service.

Opens the member store, loads the policy, re-executes actions left pending
by the previous run and then starts the engine workers, the roster poller
and the HTTP server for /metrics and event intake. SIGINT or SIGTERM stops
intake, lets in-flight actions finish and exits.

Example:
  rostersync run --config /etc/rostersync.yaml
  ROSTERSYNC_CHAT_TOKEN=... rostersync run --db ./state.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")

	return cmd
}

func runService(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = opts.Listen
	}
	setupLogging(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel, opts.Verbose)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid policy", err)
	}

	platform := opts.Platform
	if platform == nil {
		if cfg.Chat.Token == "" {
			return NewExitError(ExitCommandError, "chat.token is required")
		}
		platform = chat.NewREST(cfg.Chat.APIBase, cfg.Chat.Token, cfg.Chat.GuildID, cfg.Chat.Roles,
			chat.WithHTTPClient(&http.Client{Timeout: cfg.Engine.CallTimeout}))
	}

	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clock, err := engine.ResumeClock(ctx, st)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to resume clock", err)
	}
	eng := engine.New(st, reconcile.New(policy), platform, clock,
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithRetry(cfg.Engine.MaxAttempts, cfg.Engine.InitialBackoff, cfg.Engine.MaxBackoff),
		engine.WithCallTimeout(cfg.Engine.CallTimeout),
		engine.WithConflictRetries(cfg.Engine.ConflictRetries),
		engine.WithRegistry(reg),
	)
	norm := normalize.New(st, clock, eng,
		normalize.WithRetention(cfg.Dedupe.Retention),
		normalize.WithRegistry(reg),
	)

	if _, err := eng.Recover(ctx); err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}

	var poller *roster.Poller
	fetcher := opts.Fetcher
	if fetcher == nil && cfg.Roster.URL != "" {
		fetcher = roster.NewHTTPFetcher(cfg.Roster.URL,
			roster.WithHTTPRetries(cfg.Roster.HTTPRetries, 500*time.Millisecond, 5*time.Second),
			roster.WithHTTPTimeout(cfg.Roster.HTTPTimeout),
		)
	}
	if fetcher != nil {
		poller = roster.NewPoller(fetcher, norm, st,
			roster.WithInterval(cfg.Roster.Interval),
			roster.WithResyncEvery(cfg.Roster.ResyncEvery),
			roster.WithRegistry(reg),
		)
		if err := poller.Load(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to load roster snapshot", err)
		}
	} else {
		slog.Warn("roster polling disabled, no roster url configured")
	}

	var ln net.Listener
	if cfg.ListenAddr != "" {
		if ln, err = net.Listen("tcp", cfg.ListenAddr); err != nil {
			return WrapExitError(ExitCommandError, "failed to listen", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return norm.RunPruner(gctx, cfg.Dedupe.PruneInterval) })
	if poller != nil {
		g.Go(func() error { return poller.Run(gctx) })
	}
	if ln != nil {
		srv := &http.Server{
			Handler:           newServeMux(norm, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		slog.Info("http server listening", "addr", ln.Addr().String())
		if opts.Ready != nil {
			opts.Ready(ln.Addr().String())
		}
	}

	slog.Info("service started", "workers", cfg.Engine.Workers)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "service error", err)
	}
	slog.Info("service stopped", "queued", eng.QueueLen())
	return nil
}
