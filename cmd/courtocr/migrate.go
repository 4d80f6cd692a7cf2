package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdziat/court-ocr-jobs/pkg/stats"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStorage(cmd.Context(), a.cfg, storage.RoleWorker, true)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := stats.NewGormStorage(store.DB()).MigrateStats(cmd.Context()); err != nil {
				return fmt.Errorf("migrate stats: %w", err)
			}
			a.logger.Info("database migrated", "dialect", store.DB().Dialector.Name())
			return nil
		},
	}
}
