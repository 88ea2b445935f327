package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ingestrelay/ingestrelay/internal/config"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingestrelay"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigFile string
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           name,
		Short:         "IngestRelay incremental data sync engine",
		Long:          "Extracts records from connectors, publishes per-run artifacts and ingests the changes into the search index.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "",
		"TOML settings file seeding unset environment variables (default "+config.DefaultSettingsFile+" when present)")

	cmd.AddCommand(
		newInitDBCommand(opts),
		newRunCommand(opts),
		newServeCommand(opts),
		newReplayCommand(opts),
		newKeysCommand(opts),
		newRunsCommand(opts),
	)

	return cmd
}

// init loads the settings file and builds the logger. Logs go to stderr so stdout carries
// only command output.
func (o *rootOptions) init(cmd *cobra.Command) error {
	path, optional := o.ConfigFile, false
	if path == "" {
		path, optional = config.DefaultSettingsFile, true
	}

	applied, err := config.LoadSettingsFile(path, optional)
	if err != nil {
		return err
	}

	o.logger = newLogger(cmd.ErrOrStderr())

	if len(applied) > 0 {
		o.logger.Debug("Loaded settings file",
			slog.String("path", path),
			slog.Any("keys", applied))
	}

	return nil
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}

func printJSON(w io.Writer, data []byte) error {
	_, err := fmt.Fprintln(w, string(data))

	return err
}
