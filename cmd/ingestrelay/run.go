package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/extract"
	"github.com/ingestrelay/ingestrelay/internal/notify"
	"github.com/ingestrelay/ingestrelay/internal/objectstore"
	"github.com/ingestrelay/ingestrelay/internal/pipeline"
	"github.com/ingestrelay/ingestrelay/internal/publish"
	"github.com/ingestrelay/ingestrelay/internal/secrets"
	"github.com/ingestrelay/ingestrelay/internal/sink"
)

type runOptions struct {
	*rootOptions
	Connector string
	PushRunID string
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync of a connector",
		Long: `Run one sync of the connector defined at --connector and print the result as JSON.

For rest_push connectors, --push-run-id processes a specific staged batch instead of the
oldest pending one. The batch id becomes the run id, so it can be used once: a batch whose
run failed stays pending and is retried by running without --push-run-id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnector(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Connector, "connector", "", "path to connector YAML (required)")
	_ = cmd.MarkFlagRequired("connector")
	cmd.Flags().StringVar(&opts.PushRunID, "push-run-id", "", "existing push run id to process")

	return cmd
}

func runConnector(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	logger := opts.logger

	notifyConfig := notify.LoadConfig()
	if err := notifyConfig.Validate(); err != nil {
		return err
	}

	transportConfig := extract.LoadConfig()
	if err := transportConfig.Validate(); err != nil {
		return err
	}

	conn, store, err := openStore(logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	notifier := notify.FromConfig(notifyConfig, logger)
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Warn("Failed to close notifier", slog.String("error", err.Error()))
		}
	}()

	resolver := secrets.NewEnvResolver()

	orchestrator := pipeline.New(store,
		publish.New(objectstore.NewRouter(), publish.WithLogger(logger)),
		pipeline.WithExtractor(connector.ModeSQLPull, extract.NewSQLExtractor(resolver)),
		pipeline.WithExtractor(connector.ModeRESTPull,
			extract.NewRESTExtractor(resolver, extract.NewHTTPClient(transportConfig, logger))),
		pipeline.WithExtractor(connector.ModeFilePull, extract.NewFileExtractor()),
		pipeline.WithSink(sink.NewClient(sink.LoadConfig(), logger)),
		pipeline.WithNotifier(notifier),
		pipeline.WithLogger(logger),
	)

	result, err := orchestrator.RunPath(ctx, opts.Connector, opts.PushRunID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), data)
}
