package app

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
)

// NewIdentifyCommand reconciles one observation against the configured store and prints
// the consolidated contact
func (a *App) NewIdentifyCommand() *cobra.Command {
	var email, phone string

	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Reconcile one observation",
		Example: `  fern identify --email lorraine@hillvalley.edu --phone 123456
  DB_DRIVER=memory fern identify --phone 555`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()

			rt := a.newRuntime(runtimeOptions{})
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if stopErr := rt.startup.Stop(stopCtx); err == nil {
					err = stopErr
				}
			}()

			if err := rt.startup.Start(ctx); err != nil {
				return err
			}

			view, err := rt.engine.Reconcile(ctx, reconcile.Observation{Email: email, Phone: phone})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(models.IdentifyResponse{Contact: view})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "observed email address")
	cmd.Flags().StringVar(&phone, "phone", "", "observed phone number")

	return cmd
}
