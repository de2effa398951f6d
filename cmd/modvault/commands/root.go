package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	actor      string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modvault",
		Short: "modvault - module registry and infrastructure run orchestration",
		Long: `modvault governs versioned infrastructure modules and executes them.

It provides:
  - Approval policies for module versions, resolved across scopes
  - Sandboxed plan, apply and destroy runs with a global concurrency ceiling
  - Environment-wide runs ordered by module dependencies
  - A callback API that sandbox jobs pull configuration from and report to`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "identity recorded on audit events")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newEnvCommand())
	rootCmd.AddCommand(newModuleCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newVersionsCommand())

	return rootCmd
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}
