package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/modvault/modvault/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage approval policy templates and inspect evaluations",
	}

	cmd.AddCommand(newPolicySyncCommand())
	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyResolveCommand())
	cmd.AddCommand(newPolicyEvaluateCommand())
	cmd.AddCommand(newPolicyEvaluationsCommand())

	return cmd
}

func newPolicySyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync DIR",
		Short: "Load policy templates and their bindings from a directory",
		Long: `Load every *.yaml and *.yml template in DIR. A *.rego file next to a
template with the same base name becomes its custom Rego policy.

Templates are upserted by name and their bindings replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := policy.NewLoader(a.policies, a.logger).Sync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d templates synced from %s\n", n, args[0])
			return err
		},
	}
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policy templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			templates, err := a.policies.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), templates, func() error {
				rows := make([][]string, 0, len(templates))
				for _, t := range templates {
					rego := "no"
					if t.Rego != "" {
						rego = "yes"
					}
					rows = append(rows, []string{t.Name, string(t.EnforcementLevel), rego, t.Description})
				}
				return printTable(cmd.OutOrStdout(), []string{"NAME", "ENFORCEMENT", "REGO", "DESCRIPTION"}, rows)
			})
		},
	}
}

func newPolicyResolveCommand() *cobra.Command {
	var target policy.Target

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the effective policy for a team, namespace and artifact",
		Long: `Resolve the templates bound at global, team, namespace and artifact scope.

Each rule takes its value from the most specific scope that sets it; the
enforcement level comes from the most specific bound template.`,
		Example: `  modvault policy resolve --team team-1 --namespace platform --artifact 3b1e...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			eff, err := a.policies.Resolve(cmd.Context(), target)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), eff, func() error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "enforcement: %s", eff.EnforcementLevel)
				if eff.EnforcementScope != "" {
					fmt.Fprintf(w, " (from %s scope)", eff.EnforcementScope)
				}
				fmt.Fprintln(w)
				if len(eff.Templates) > 0 {
					fmt.Fprintf(w, "templates: %s\n", strings.Join(eff.Templates, ", "))
				}
				rules, err := yaml.Marshal(eff.Rules)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(w, "rules:\n%s", indent(string(rules)))
				return err
			})
		},
	}

	cmd.Flags().StringVar(&target.TeamID, "team", "", "team ID")
	cmd.Flags().StringVar(&target.Namespace, "namespace", "", "artifact namespace")
	cmd.Flags().StringVar(&target.ArtifactID, "artifact", "", "artifact ID")

	return cmd
}

func newPolicyEvaluateCommand() *cobra.Command {
	var (
		trigger   string
		target    policy.Target
		subject   policy.Subject
		testsPass bool
		patch     bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the effective policy against a hypothetical version",
		Long: `Resolve the effective policy for a target and evaluate it for a trigger.

The evaluation is recorded like any other, which makes this useful to check a
template change before it gates real approvals.`,
		Example: `  # Would two approvals of a grade C version pass?
  modvault policy evaluate --trigger approval --team team-1 --namespace platform \
    --approver alice --approver bob --scan-grade C`,
		RunE: func(cmd *cobra.Command, args []string) error {
			subject.Actor = actor
			subject.IsPatch = patch
			if cmd.Flags().Changed("tests-passed") {
				subject.TestsPassed = &testsPass
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			decision, err := a.policies.Evaluate(cmd.Context(), policy.Request{
				Trigger: policy.Trigger(trigger),
				Target:  target,
				Subject: subject,
			})
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), decision, func() error {
				printDecision(cmd.OutOrStdout(), decision)
				if !decision.Allowed {
					fmt.Fprintln(cmd.OutOrStdout(), renderStatus("fail")+": the action would be blocked")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&trigger, "trigger", string(policy.TriggerApproval), "approval, download or publish")
	cmd.Flags().StringVar(&target.TeamID, "team", "", "team ID")
	cmd.Flags().StringVar(&target.Namespace, "namespace", "", "artifact namespace")
	cmd.Flags().StringVar(&target.ArtifactID, "artifact", "", "artifact ID")
	cmd.Flags().StringVar(&subject.Version, "version", "", "version string")
	cmd.Flags().StringVar(&subject.PublishedBy, "published-by", "", "publisher of the version")
	cmd.Flags().StringArrayVar(&subject.Approvers, "approver", nil, "approver (repeatable)")
	cmd.Flags().StringVar(&subject.ScanGrade, "scan-grade", "", "security scan grade A-F")
	cmd.Flags().BoolVar(&testsPass, "tests-passed", false, "whether the version's tests passed")
	cmd.Flags().BoolVar(&patch, "patch", false, "treat the version as a patch of the latest")

	return cmd
}

func newPolicyEvaluationsCommand() *cobra.Command {
	var filter policy.EvaluationFilter

	cmd := &cobra.Command{
		Use:   "evaluations",
		Short: "List recorded policy evaluations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			evals, err := a.policies.ListEvaluations(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), evals, func() error {
				rows := make([][]string, 0, len(evals))
				for _, e := range evals {
					var failed []string
					for _, r := range e.Failed() {
						failed = append(failed, r.Rule)
					}
					rows = append(rows, []string{
						e.ID,
						string(e.Trigger),
						e.VersionID,
						renderStatus(string(e.Outcome)),
						string(e.EnforcementLevel),
						strings.Join(failed, ","),
						e.OverriddenBy,
					})
				}
				return printTable(cmd.OutOrStdout(),
					[]string{"ID", "TRIGGER", "VERSION", "OUTCOME", "ENFORCEMENT", "FAILED RULES", "OVERRIDDEN BY"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&filter.VersionID, "version", "", "filter by version ID")
	cmd.Flags().StringVar(&filter.ArtifactID, "artifact", "", "filter by artifact ID")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of evaluations to list")

	return cmd
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n") + "\n"
}
