package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DefaultTable is the golang-migrate bookkeeping table.
const DefaultTable = "schema_migrations"

// Status reports the schema version of a database.
type Status struct {
	Version uint
	Dirty   bool
	Latest  int
}

// Pending reports whether the embedded source has migrations the database has not applied.
func (s Status) Pending() bool {
	return int(s.Version) < s.Latest // #nosec G115 - migration versions are small
}

// Runner applies migrations from a Source to a PostgreSQL database.
type Runner struct {
	source  *Source
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *slog.Logger
}

type migrateLogger struct {
	logger *slog.Logger
}

var _ migrate.Logger = (*migrateLogger)(nil)

// NewRunner validates the embedded schema and connects to databaseURL.
// An empty table selects DefaultTable.
func NewRunner(ctx context.Context, databaseURL, table string, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if table == "" {
		table = DefaultTable
	}

	source := NewSource(nil)
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(source.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{source: source, migrate: m, db: db, logger: logger}, nil
}

// Up applies all pending migrations. An up-to-date database is not an error.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied successfully")

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back successfully")

	return nil
}

// Status returns the applied version alongside the latest embedded version.
func (r *Runner) Status() (Status, error) {
	latest, err := r.source.LatestVersion()
	if err != nil {
		return Status{}, err
	}

	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, nil
	}

	if err != nil {
		return Status{}, fmt.Errorf("failed to get migration version: %w", err)
	}

	return Status{Version: version, Dirty: dirty, Latest: latest}, nil
}

// Drop removes every table in the database.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close releases the migrate instance and the database handle.
func (r *Runner) Close() error {
	var errs []error

	sourceErr, dbErr := r.migrate.Close()
	if sourceErr != nil {
		errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
	}

	if dbErr != nil {
		errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
	}

	if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, fmt.Errorf("database connection close error: %w", err))
	}

	return errors.Join(errs...)
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
