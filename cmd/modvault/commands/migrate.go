package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{migrate: true})
			if err != nil {
				return err
			}
			defer a.Close()

			version, dirty, err := a.store.MigrationVersion()
			if err != nil {
				return err
			}
			a.logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("Database migrated")
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (driver %s)\n", version, a.store.Driver())
			return nil
		},
	}
}
