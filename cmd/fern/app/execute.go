package app

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the fern CLI with the given arguments
func (a *App) Execute(ctx context.Context, args []string) error {
	rootCmd := a.createRootCommand()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func (a *App) createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "fern",
		Short:   "Contact identity reconciliation service",
		Version: a.version,
		Long: `fern links contact observations that share an email address or phone number
into clusters, keeping the oldest contact of each cluster as its primary.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetVersionTemplate("fern {{.Version}}\n")

	rootCmd.AddCommand(a.NewServeCommand())
	rootCmd.AddCommand(a.NewMigrateCommand())
	rootCmd.AddCommand(a.NewIdentifyCommand())

	return rootCmd
}
