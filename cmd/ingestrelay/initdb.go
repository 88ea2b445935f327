package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ingestrelay/ingestrelay/internal/config"
	"github.com/ingestrelay/ingestrelay/internal/storage"
	"github.com/ingestrelay/ingestrelay/migrations"
)

func newInitDBCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := storage.LoadConfig()
			if err := cfg.Validate(); err != nil {
				return err
			}

			runner, err := migrations.NewRunner(cmd.Context(), cfg.DatabaseURL(),
				config.GetEnvStr("MIGRATION_TABLE", migrations.DefaultTable), opts.logger)
			if err != nil {
				return err
			}

			defer func() {
				_ = runner.Close()
			}()

			if err := runner.Up(); err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Database tables initialized")

			return err
		},
	}
}
