package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openMigratedStore(ctx, a.cfg.DB, a.logger)
			if err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "database migrations completed successfully", "postgres", a.cfg.DB.IsPostgres())
			return store.Close()
		},
	}
}
