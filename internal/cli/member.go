package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/store"
)

// MemberOptions holds flags for the member command.
type MemberOptions struct {
	*RootOptions
	Database string
	ChatID   string
	GameID   string
	ID       int64
}

// memberView renders a member record with its rank history.
type memberView struct {
	ir.MemberRecord
}

// NewMemberCommand creates the member command.
func NewMemberCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MemberOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "member",
		Short: "Show one member record and its rank history",
		Long: `Show one member record and its rank history.

Exactly one of --chat, --game or --id selects the record.

Example:
  rostersync member --db ./state.db --chat 80351110224678912
  rostersync member --db ./state.db --game 5e1c...-uuid --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMember(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.ChatID, "chat", "", "chat user id")
	cmd.Flags().StringVar(&opts.GameID, "game", "", "game account id")
	cmd.Flags().Int64Var(&opts.ID, "id", 0, "member id")
	_ = cmd.MarkFlagRequired("db")
	cmd.MarkFlagsMutuallyExclusive("chat", "game", "id")
	cmd.MarkFlagsOneRequired("chat", "game", "id")

	return cmd
}

func runMember(opts *MemberOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := openExistingStore(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	var rec ir.MemberRecord
	switch {
	case opts.ChatID != "":
		rec, err = st.GetByChatID(ctx, opts.ChatID)
	case opts.GameID != "":
		rec, err = st.GetByGameAccountID(ctx, opts.GameID)
	default:
		rec, err = st.GetByID(ctx, opts.ID)
	}
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeNotFound, "no member matches", nil)
		return WrapExitError(ExitFailure, "member not found", err)
	}
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "lookup failed", err)
	}
	return formatter.Success(memberView{rec})
}

func (m memberView) renderText(w io.Writer) error {
	const ts = "2006-01-02T15:04:05Z07:00"
	var b strings.Builder
	fmt.Fprintf(&b, "Member %d (version %d)\n", m.ID, m.Version)
	fmt.Fprintf(&b, "  chat:         %s\n", orDash(m.ChatUserID))
	fmt.Fprintf(&b, "  game:         %s\n", orDash(m.GameAccountID))
	fmt.Fprintf(&b, "  name:         %s\n", orDash(m.GameName))
	fmt.Fprintf(&b, "  rank:         %s\n", orDash(string(m.CurrentRank)))
	fmt.Fprintf(&b, "  verification: %s\n", m.Verification)
	fmt.Fprintf(&b, "  last seq:     %d\n", m.LastReconciledSeq)
	if m.Override != nil {
		fmt.Fprintf(&b, "  override:     %s by %s until %s\n", m.Override.Rank, m.Override.Operator, m.Override.Until.Format(ts))
	}
	if m.Archived {
		b.WriteString("  archived\n")
	}
	fmt.Fprintf(&b, "Rank history: %d\n", len(m.RankHistory))
	for _, h := range m.RankHistory {
		fmt.Fprintf(&b, "  %s  %-12s %-8s seq=%d\n", h.EffectiveAt.Format(ts), h.Rank, h.Cause, h.Seq)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
