package commands

import (
	"github.com/spf13/cobra"

	"github.com/modvault/modvault/pkg/callback"
	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/policy"
	"github.com/modvault/modvault/pkg/sandbox"
	"github.com/modvault/modvault/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var noMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the job callback API",
		Long: `Run the modvault server.

On startup the server:
  - Applies pending database migrations (unless --no-migrate)
  - Logs published run, policy and approval events at telemetry.events.log_level
  - Syncs policy templates from policy.templates_dir and optionally watches it
  - Reclassifies runs left over by a previous process
  - Starts the scheduler tick and sweep loops
  - Serves the callback API jobs pull configuration from and report results to

The server stops gracefully on SIGINT or SIGTERM.`,
		Example: `  # Serve with a config file
  modvault serve --config /etc/modvault/config.yaml

  # Override the concurrency ceiling from the environment
  MODVAULT_SCHEDULER_MAX_CONCURRENT_RUNS=10 modvault serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, appOptions{migrate: !noMigrate, backend: true})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.logger.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if level := a.cfg.Telemetry.Events.LogLevel; level != "" {
				sink := a.telemetry.Logger.NewComponentLogger("events").Zerolog()
				a.telemetry.Events.Subscribe(telemetry.LogSubscriber(sink), telemetry.FilterByLevel(level))
			}

			if dir := a.cfg.Policy.TemplatesDir; dir != "" {
				loader := policy.NewLoader(a.policies, a.logger)
				n, err := loader.Sync(ctx, dir)
				if err != nil {
					return err
				}
				a.logger.Info().Str("dir", dir).Int("templates", n).Msg("Policy templates synced")

				if a.cfg.Policy.WatchTemplates {
					if err := loader.Watch(ctx, dir); err != nil {
						return err
					}
					defer func() { _ = loader.StopWatching() }()
				}
			}

			scheduler := engine.NewScheduler(a.runs, sandbox.NewJobBuilder(a.cfg.Sandbox.Job), a.cfg.Scheduler,
				engine.WithEvaluationPurger(a.policies))
			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			defer scheduler.Stop()

			server := callback.NewServer(a.cfg.Server, a.runs,
				callback.WithHealthChecker(a.store),
				callback.WithMetrics(a.telemetry.Metrics),
				callback.WithLogger(a.logger),
			)
			return server.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "skip applying database migrations on startup")

	return cmd
}
