package main

import (
	"log/slog"

	"github.com/ingestrelay/ingestrelay/internal/storage"
)

// openStore connects to DATABASE_URL. The caller closes the returned connection.
func openStore(logger *slog.Logger) (*storage.Connection, *storage.SyncStore, error) {
	cfg := storage.LoadConfig()

	conn, err := storage.NewConnection(cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.NewSyncStore(conn, storage.WithSyncLogger(logger))
	if err != nil {
		_ = conn.Close()

		return nil, nil, err
	}

	logger.Debug("Connected to state database",
		slog.String("database_url", cfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", cfg.MaxOpenConns))

	return conn, store, nil
}
