package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	Database string
	State    string
}

// AuditedAction is a ledger action with its attempt trail.
type AuditedAction struct {
	ir.Action
	Trail []store.Attempt `json:"attempt_trail"`
}

// AuditReport is the audit command's result.
type AuditReport struct {
	State     string                `json:"state"`
	Actions   []AuditedAction       `json:"actions"`
	Conflicts []store.Conflict      `json:"conflicts"`
	Rejected  []store.RejectedEvent `json:"rejected"`
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show failed actions, conflicts and rejected events",
		Long: `Show the reconciliation audit trail.

Lists ledger actions in the requested state together with every recorded
attempt, the conflicts escalated for review and the events rejected as
malformed.

Example:
  rostersync audit --db ./state.db
  rostersync audit --db ./state.db --state pending --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.State, "state", string(ir.ActionFailed), "action state to list (pending|applied|failed, empty for all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runAudit(opts *AuditOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	switch ir.ActionState(opts.State) {
	case "", ir.ActionPending, ir.ActionApplied, ir.ActionFailed:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid state %q", opts.State))
	}

	st, err := openExistingStore(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return err
	}
	defer st.Close()

	report, err := buildAudit(cmd.Context(), st, ir.ActionState(opts.State))
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "audit failed", err)
	}
	formatter.VerboseLog("%d action(s), %d conflict(s), %d rejected event(s)",
		len(report.Actions), len(report.Conflicts), len(report.Rejected))
	return formatter.Success(report)
}

func buildAudit(ctx context.Context, st *store.Store, state ir.ActionState) (*AuditReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	actions, err := st.ListActions(ctx, state)
	if err != nil {
		return nil, err
	}
	report := &AuditReport{State: string(state), Actions: []AuditedAction{}}
	for _, a := range actions {
		trail, err := st.ListAttempts(ctx, a.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		report.Actions = append(report.Actions, AuditedAction{Action: a, Trail: trail})
	}
	if report.Conflicts, err = st.ListConflicts(ctx); err != nil {
		return nil, err
	}
	if report.Rejected, err = st.ListRejected(ctx); err != nil {
		return nil, err
	}
	return report, nil
}

func (r *AuditReport) renderText(w io.Writer) error {
	label := r.State
	if label == "" {
		label = "all"
	}
	fmt.Fprintf(w, "Actions (%s): %d\n", label, len(r.Actions))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, a := range r.Actions {
		fmt.Fprintf(tw, "  %s\t%s\t%s\tmember=%d\tattempts=%d\t%s\n",
			short(a.IdempotencyKey), a.Kind, a.State, a.Target.MemberID, a.Attempts, a.LastError)
		for _, t := range a.Trail {
			fmt.Fprintf(tw, "    #%d\t%s\t%s\t%s\n",
				t.Attempt, t.Outcome, t.AttemptedAt.Format("2006-01-02T15:04:05Z07:00"), t.Error)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "Conflicts: %d\n", len(r.Conflicts))
	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  %s member=%d other=%d chat=%s game=%s %s\n",
			c.Reason, c.MemberID, c.OtherMemberID, c.ChatUserID, c.GameAccountID, c.Detail)
	}
	fmt.Fprintf(w, "Rejected events: %d\n", len(r.Rejected))
	for _, e := range r.Rejected {
		fmt.Fprintf(w, "  %s/%s: %s\n", e.Source, e.Kind, e.Reason)
	}
	return nil
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// openExistingStore opens a database that must already exist. store.Open
// would silently create an empty one.
func openExistingStore(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
