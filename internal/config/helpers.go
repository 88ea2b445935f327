package config

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ingestrelay/ingestrelay/migrations"
)

const (
	testPostgresImage  = "postgres:16-alpine"
	readyLogOccurrence = 2
	testStartupTimeout = 2 * time.Minute
)

// TestDatabase is a migrated PostgreSQL instance for integration tests.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
	URL        string
}

// SetupTestDatabase starts PostgreSQL in a container and applies the embedded migrations, the
// same ones init-db runs. The container and connection are released when t finishes.
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	container, err := postgres.Run(ctx, testPostgresImage,
		postgres.WithDatabase("ingestrelay_test"),
		postgres.WithUsername("relay"),
		postgres.WithPassword("relay"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogOccurrence).
				WithStartupTimeout(testStartupTimeout),
		),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "failed to start postgres container")

	url, err := container.ConnectionString(ctx, "sslmode=disable", "timezone=UTC")
	require.NoError(t, err)

	runner, err := migrations.NewRunner(ctx, url, "", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, runner.Up(), "failed to migrate test database")
	require.NoError(t, runner.Close())

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return &TestDatabase{Container: container, Connection: db, URL: url}
}
