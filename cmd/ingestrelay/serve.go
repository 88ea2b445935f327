package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ingestrelay/ingestrelay/internal/api"
	"github.com/ingestrelay/ingestrelay/internal/api/middleware"
	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/push"
	"github.com/ingestrelay/ingestrelay/internal/storage"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the push API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Loaded here so values from the settings file apply.
			serverConfig := api.LoadServerConfig()

			if cmd.Flags().Changed("host") {
				serverConfig.Host = host
			}

			if cmd.Flags().Changed("port") {
				serverConfig.Port = port
			}

			return serve(opts.logger, serverConfig)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen address (overrides INGESTRELAY_SERVER_HOST)")
	cmd.Flags().IntVar(&port, "port", 8080, "listen port (overrides INGESTRELAY_SERVER_PORT)")

	return cmd
}

func serve(logger *slog.Logger, serverConfig *api.ServerConfig) error {
	if err := serverConfig.Validate(); err != nil {
		return err
	}

	conn, store, err := openStore(logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	rateLimitConfig := middleware.LoadConfig()

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", rateLimitConfig.GlobalRPS),
		slog.Int("client_rps", rateLimitConfig.ClientRPS),
		slog.Int("unauth_rps", rateLimitConfig.UnAuthRPS),
	)

	options := []api.Option{
		api.WithLogger(logger),
		api.WithRunHistory(store),
		api.WithHealthChecker(store),
		api.WithRateLimiter(middleware.NewInMemoryRateLimiter(rateLimitConfig, logger)),
	}

	if serverConfig.AuthEnabled {
		keyStore, err := storage.NewPersistentKeyStore(conn, logger)
		if err != nil {
			return err
		}

		options = append(options, api.WithAPIKeyStore(keyStore))
	} else {
		logger.Warn("API key authentication disabled",
			slog.String("note", "Set INGESTRELAY_AUTH_ENABLED=true to require API keys"),
		)
	}

	server := api.NewServer(serverConfig,
		push.NewService(store, push.WithLogger(logger)),
		connector.NewCatalog(),
		options...,
	)

	return server.Start()
}
