package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rostersync/internal/config"
	"github.com/roach88/rostersync/internal/reconcile"
)

// PolicyResult reports a validated policy.
type PolicyResult struct {
	File   string           `json:"file"`
	Valid  bool             `json:"valid"`
	Policy reconcile.Policy `json:"policy"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate reconciliation policies",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyDefaultCommand())
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a CUE policy file",
		Long: `Validate a CUE policy file against the policy schema.

Checks the rank table and timing knobs, reporting the file position of the
first problem.

Example:
  rostersync policy validate ./policy.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(rootOpts, args[0], cmd)
		},
	}
}

func newPolicyDefaultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Print the built-in policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(config.DefaultPolicySource())
			return err
		},
	}
}

func runPolicyValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	p, err := config.LoadPolicy(path)
	if err != nil {
		var pe *config.PolicyError
		if errors.As(err, &pe) {
			details := map[string]any{"field": pe.Field}
			if pe.Pos.IsValid() {
				details["line"] = pe.Pos.Line()
				details["column"] = pe.Pos.Column()
			}
			_ = formatter.Error(ErrCodePolicy, pe.Error(), details)
			return WrapExitError(ExitFailure, "invalid policy", err)
		}
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot read policy", err)
	}
	formatter.VerboseLog("%d rank(s), grace %s, flap %d in %s",
		len(p.Ranks), p.GracePeriod, p.FlapThreshold, p.FlapWindow)
	return formatter.Success(PolicyResult{File: path, Valid: true, Policy: p})
}

func (r PolicyResult) renderText(w io.Writer) error {
	fmt.Fprintf(w, "%s: valid\n", r.File)
	for _, rule := range r.Policy.Ranks {
		fmt.Fprintf(w, "  %-12s %v\n", rule.Rank, rule.Roles)
	}
	fmt.Fprintf(w, "  grace period %s, flag after %d corrections in %s\n",
		r.Policy.GracePeriod, r.Policy.FlapThreshold, r.Policy.FlapWindow)
	return nil
}
