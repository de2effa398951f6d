package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/modvault/modvault/pkg/engine"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage environments and environment-wide runs",
	}

	cmd.AddCommand(newEnvCreateCommand())
	cmd.AddCommand(newEnvRunCommand())
	cmd.AddCommand(newEnvStatusCommand())
	cmd.AddCommand(newEnvListCommand())
	cmd.AddCommand(newEnvCancelCommand())
	cmd.AddCommand(newEnvGraphCommand())

	return cmd
}

func newEnvCreateCommand() *cobra.Command {
	var teamID string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			env := &engine.Environment{TeamID: teamID, Name: args[0]}
			if err := a.runs.CreateEnvironment(cmd.Context(), env); err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), env, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "environment %s created (%s)\n", env.Name, env.ID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&teamID, "team", "", "owning team ID")
	_ = cmd.MarkFlagRequired("team")

	return cmd
}

func newEnvRunCommand() *cobra.Command {
	var (
		operation string
		mode      string
	)

	cmd := &cobra.Command{
		Use:   "run ENVIRONMENT_ID",
		Short: "Start an environment-wide run",
		Long: `Start a plan-all, apply-all or destroy-all run over every active module of
an environment.

Modules run in dependency order: a module is queued once all of its upstreams
succeeded, with their outputs mapped into its variables. destroy-all walks the
graph in reverse. Dependents of a failed module are skipped.`,
		Example: `  # Plan every module
  modvault env run 7f9c... --operation plan-all

  # Apply on the consumer's own CI
  modvault env run 7f9c... --operation apply-all --mode byoc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			envRun, err := a.runs.CreateEnvironmentRun(cmd.Context(), engine.CreateEnvironmentRunRequest{
				EnvironmentID: args[0],
				Operation:     engine.EnvironmentOperation(operation),
				Mode:          engine.RunMode(mode),
				TriggeredBy:   actor,
			})
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), envRun, func() error {
				return printEnvironmentRuns(cmd, []engine.EnvironmentRun{*envRun})
			})
		},
	}

	cmd.Flags().StringVarP(&operation, "operation", "o", string(engine.EnvOperationPlanAll), "plan-all, apply-all or destroy-all")
	cmd.Flags().StringVar(&mode, "mode", string(engine.RunModePeaaS), "peaas or byoc")

	return cmd
}

func newEnvStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status ENVIRONMENT_RUN_ID",
		Short: "Show an environment run and its module runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			envRun, err := a.runs.GetEnvironmentRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			runs, err := a.runs.ListRuns(cmd.Context(), engine.RunFilter{EnvironmentRunID: envRun.ID})
			if err != nil {
				return err
			}

			result := struct {
				*engine.EnvironmentRun
				Runs []engine.ModuleRun `json:"runs"`
			}{envRun, runs}
			return output(cmd.OutOrStdout(), result, func() error {
				if err := printEnvironmentRuns(cmd, []engine.EnvironmentRun{*envRun}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return printRuns(cmd, runs)
			})
		},
	}
}

func newEnvListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list ENVIRONMENT_ID",
		Short: "List the environment runs of an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			envRuns, err := a.runs.ListEnvironmentRuns(cmd.Context(), engine.EnvironmentRunFilter{
				EnvironmentID: args[0],
				Limit:         limit,
			})
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), envRuns, func() error {
				return printEnvironmentRuns(cmd, envRuns)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	return cmd
}

func newEnvCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ENVIRONMENT_RUN_ID",
		Short: "Cancel an environment run and its unfinished module runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{backend: true})
			if err != nil {
				return err
			}
			defer a.Close()

			envRun, err := a.runs.CancelEnvironmentRun(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), envRun, func() error {
				return printEnvironmentRuns(cmd, []engine.EnvironmentRun{*envRun})
			})
		},
	}
}

func newEnvGraphCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "graph ENVIRONMENT_RUN_ID",
		Short: "Show the execution graph of an environment run",
		Example: `  # Print the execution levels
  modvault env graph 1c2d...

  # Render with Graphviz
  modvault env graph 1c2d... --dot run.dot && dot -Tsvg run.dot > run.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			graph, statuses, err := a.runs.EnvironmentRunGraph(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT(statuses)), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				a.logger.Info().Str("file", dotFile).Msg("Execution graph written")
				return nil
			}

			rows := make([][]string, 0, len(graph.Nodes))
			for level, ids := range graph.Levels {
				for _, id := range ids {
					status := "-"
					if s, ok := statuses[id]; ok {
						status = renderStatus(string(s))
					}
					rows = append(rows, []string{strconv.Itoa(level), graph.Nodes[id].Name, id, status})
				}
			}
			return output(cmd.OutOrStdout(), graph, func() error {
				return printTable(cmd.OutOrStdout(), []string{"LEVEL", "MODULE", "ID", "STATUS"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the graph in Graphviz DOT format to this file")

	return cmd
}

func printEnvironmentRuns(cmd *cobra.Command, envRuns []engine.EnvironmentRun) error {
	rows := make([][]string, 0, len(envRuns))
	for _, r := range envRuns {
		rows = append(rows, []string{
			r.ID,
			string(r.Operation),
			renderStatus(string(r.Status)),
			fmt.Sprintf("%d/%d", r.CompletedModules, r.TotalModules),
			strconv.Itoa(r.FailedModules),
			strconv.Itoa(r.SkippedModules),
		})
	}
	return printTable(cmd.OutOrStdout(), []string{"ID", "OPERATION", "STATUS", "COMPLETED", "FAILED", "SKIPPED"}, rows)
}
