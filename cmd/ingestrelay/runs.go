package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

type runsOptions struct {
	*rootOptions
	ConnectorID string
	Limit       int
}

func newRunsCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runsOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs of a connector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, store, err := openStore(opts.logger)
			if err != nil {
				return err
			}

			defer func() {
				_ = conn.Close()
			}()

			runs, err := store.RecentRuns(cmd.Context(), opts.ConnectorID, opts.Limit)
			if err != nil {
				return err
			}

			data, err := json.Marshal(runs)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), data)
		},
	}

	cmd.Flags().StringVar(&opts.ConnectorID, "connector-id", "", "connector id (required)")
	_ = cmd.MarkFlagRequired("connector-id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of runs to show")

	return cmd
}
