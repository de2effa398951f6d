package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/modvault/modvault/pkg/engine"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Create, inspect and control module runs",
	}

	cmd.AddCommand(newRunsCreateCommand())
	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsGetCommand())
	cmd.AddCommand(newRunsActionCommand("confirm", "Confirm a planned run so it applies",
		func(a *app, cmd *cobra.Command, id string) (*engine.ModuleRun, error) {
			return a.runs.ConfirmPlan(cmd.Context(), id, actor)
		}))
	cmd.AddCommand(newRunsActionCommand("discard", "Discard the plan of a planned run",
		func(a *app, cmd *cobra.Command, id string) (*engine.ModuleRun, error) {
			return a.runs.DiscardPlan(cmd.Context(), id, actor)
		}))
	cmd.AddCommand(newRunsActionCommand("cancel", "Cancel a queued or executing run",
		func(a *app, cmd *cobra.Command, id string) (*engine.ModuleRun, error) {
			return a.runs.CancelRun(cmd.Context(), id, actor)
		}))

	return cmd
}

func newRunsCreateCommand() *cobra.Command {
	var (
		operation string
		mode      string
		vars      []string
	)

	cmd := &cobra.Command{
		Use:   "create MODULE_ID",
		Short: "Queue a run of a module",
		Long: `Queue a user-priority run of a module.

PeaaS runs start when the scheduler has capacity and the module has no other
run in flight. BYOC runs are reported by the consumer's CI with the callback
token printed here; it is shown only once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseVariables("", vars)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.runs.CreateModuleRun(cmd.Context(), engine.CreateRunRequest{
				ModuleID:          args[0],
				Operation:         engine.Operation(operation),
				Mode:              engine.RunMode(mode),
				Priority:          engine.PriorityUser,
				TriggerSource:     engine.TriggerUser,
				TriggeredBy:       actor,
				VariableOverrides: overrides,
			})
			if err != nil {
				return err
			}

			out := struct {
				*engine.ModuleRun
				CallbackToken string `json:"callback_token,omitempty"`
			}{result.Run, result.CallbackToken}
			return output(cmd.OutOrStdout(), out, func() error {
				if err := printRuns(cmd, []engine.ModuleRun{*result.Run}); err != nil {
					return err
				}
				if result.CallbackToken != "" {
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "\ncallback token: %s\n", result.CallbackToken)
					return err
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&operation, "operation", "o", string(engine.OperationPlan), "plan, apply, destroy, refresh or drift-check")
	cmd.Flags().StringVar(&mode, "mode", string(engine.RunModePeaaS), "peaas or byoc")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable override as KEY=VALUE (repeatable)")

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		moduleID      string
		environmentID string
		envRunID      string
		statuses      []string
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List module runs",
		Example: `  # Runs waiting for confirmation in an environment
  modvault runs list --env 7f9c... --status planned`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.RunFilter{
				ModuleID:         moduleID,
				EnvironmentID:    environmentID,
				EnvironmentRunID: envRunID,
				Limit:            limit,
			}
			for _, s := range statuses {
				status := engine.RunStatus(s)
				if err := status.Validate(); err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.runs.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), runs, func() error {
				return printRuns(cmd, runs)
			})
		},
	}

	cmd.Flags().StringVar(&moduleID, "module", "", "filter by module ID")
	cmd.Flags().StringVar(&environmentID, "env", "", "filter by environment ID")
	cmd.Flags().StringVar(&envRunID, "env-run", "", "filter by environment run ID")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs to list")

	return cmd
}

func newRunsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show a module run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.runs.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), run, func() error {
				if err := printRuns(cmd, []engine.ModuleRun{*run}); err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if run.PlanSummary != nil {
					fmt.Fprintf(w, "\nplan: %d to add, %d to change, %d to destroy\n",
						run.PlanSummary.Add, run.PlanSummary.Change, run.PlanSummary.Destroy)
				}
				if run.ErrorMessage != "" {
					fmt.Fprintf(w, "error: %s\n", run.ErrorMessage)
				}
				if run.SkipReason != "" {
					fmt.Fprintf(w, "skipped: %s\n", run.SkipReason)
				}
				if run.LogRef != "" {
					fmt.Fprintf(w, "logs: %s\n", run.LogRef)
				}
				return nil
			})
		},
	}
}

type runAction func(a *app, cmd *cobra.Command, id string) (*engine.ModuleRun, error)

func newRunsActionCommand(use, short string, action runAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " RUN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{backend: use == "cancel"})
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := action(a, cmd, args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), run, func() error {
				return printRuns(cmd, []engine.ModuleRun{*run})
			})
		},
	}
}

func printRuns(cmd *cobra.Command, runs []engine.ModuleRun) error {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		queue := "-"
		if r.QueuePosition != nil {
			queue = strconv.Itoa(*r.QueuePosition)
		}
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		rows = append(rows, []string{
			r.ID,
			r.ModuleID,
			string(r.Operation),
			string(r.Mode),
			renderStatus(string(r.Status)),
			queue,
			duration,
			r.CreatedAt.Format(time.RFC3339),
		})
	}
	return printTable(cmd.OutOrStdout(),
		[]string{"ID", "MODULE", "OPERATION", "MODE", "STATUS", "QUEUE", "DURATION", "CREATED"}, rows)
}
