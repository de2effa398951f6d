package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/policy"
	"github.com/modvault/modvault/pkg/registry"
)

func newVersionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{"versions"},
		Short:   "Approve, reject and check artifact versions",
	}

	cmd.AddCommand(newVersionsApproveCommand())
	cmd.AddCommand(newVersionsRejectCommand())
	cmd.AddCommand(newVersionsPublishedCommand())
	cmd.AddCommand(newVersionsCheckDownloadCommand())

	return cmd
}

func newVersionsApproveCommand() *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "approve VERSION_ID",
		Short: "Vote to approve a pending version",
		Long: `Record an approval vote and approve the version if the effective approval
policy allows it. The approved version becomes the artifact's latest.

A block-level policy failure leaves the version pending; the vote still counts
toward later attempts. Warn-level failures approve and record the override.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			approval, err := a.registry.ApproveVersion(cmd.Context(), args[0], actor, comment)
			if err != nil {
				var engErr *engine.EngineError
				if errors.As(err, &engErr) && engErr.Code == engine.ErrCodePolicyBlocked {
					if id, ok := engErr.Details["evaluation_id"].(string); ok {
						fmt.Fprintf(cmd.ErrOrStderr(), "see: modvault policy evaluations --version %s (evaluation %s)\n", args[0], id)
					}
				}
				return err
			}
			return output(cmd.OutOrStdout(), approval, func() error {
				printVersion(cmd.OutOrStdout(), approval.Version)
				printDecision(cmd.OutOrStdout(), approval.Decision)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&comment, "comment", "m", "", "approval comment")

	return cmd
}

func newVersionsRejectCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject VERSION_ID",
		Short: "Reject a pending version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			version, err := a.registry.RejectVersion(cmd.Context(), args[0], actor, reason)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), version, func() error {
				printVersion(cmd.OutOrStdout(), version)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func newVersionsPublishedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "published VERSION_ID",
		Short: "Evaluate the publish policy of a newly published version",
		Long: `Evaluate the publish policy of a version and approve it automatically when
it is a patch release of the artifact's latest version and the policy enables
auto_approve_patches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			pub, err := a.registry.OnPublished(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), pub, func() error {
				printVersion(cmd.OutOrStdout(), pub.Version)
				printDecision(cmd.OutOrStdout(), pub.Decision)
				if pub.AutoApproved {
					fmt.Fprintln(cmd.OutOrStdout(), "auto-approved as a patch release")
				}
				return nil
			})
		},
	}
}

func newVersionsCheckDownloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-download VERSION_ID",
		Short: "Evaluate the download policy of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			decision, err := a.registry.CheckDownload(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), decision, func() error {
				printDecision(cmd.OutOrStdout(), decision)
				if !decision.Allowed {
					return fmt.Errorf("download of %s is blocked by policy", args[0])
				}
				return nil
			})
		},
	}
}

func printVersion(w io.Writer, v *registry.Version) {
	if v == nil {
		return
	}
	fmt.Fprintf(w, "version %s (%s): %s", v.Version, v.ID, renderStatus(string(v.ApprovalStatus)))
	if v.IsLatest {
		fmt.Fprint(w, " [latest]")
	}
	fmt.Fprintln(w)
}

func printDecision(w io.Writer, d *policy.Decision) {
	if d == nil || d.Evaluation == nil {
		return
	}
	e := d.Evaluation
	fmt.Fprintf(w, "policy: %s at %s enforcement (evaluation %s)\n",
		renderStatus(string(e.Outcome)), e.EnforcementLevel, e.ID)
	for _, r := range e.Results {
		if r.Status == policy.RuleStatusSkip {
			continue
		}
		line := fmt.Sprintf("  %-26s %s", r.Rule, renderStatus(string(r.Status)))
		if r.Message != "" {
			line += "  " + r.Message
		}
		fmt.Fprintln(w, line)
	}
	if e.OverriddenBy != "" {
		fmt.Fprintf(w, "overridden by %s\n", e.OverriddenBy)
	}
}
