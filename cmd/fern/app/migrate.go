package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
)

// NewMigrateCommand applies the PostgreSQL migrations and exits
func (a *App) NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.config.DatabaseDriver != config.DriverPostgres {
				return fmt.Errorf("migrate requires DB_DRIVER=%s, got %q", config.DriverPostgres, a.config.DatabaseDriver)
			}

			db, err := database.Connect(cmd.Context(), databaseConfig(a.config), a.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := a.migrationService().MigratePostgres(db); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
