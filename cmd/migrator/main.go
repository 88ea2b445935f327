// Package main provides the standalone schema migrator for IngestRelay.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ingestrelay/ingestrelay/internal/config"
	"github.com/ingestrelay/ingestrelay/migrations"
)

const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		printUsage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting migrator", slog.String("config", cfg.String()))

	runner, err := migrations.NewRunner(context.Background(), cfg.DatabaseURL, cfg.MigrationTable, logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = execute(flag.Arg(0), runner)
	_ = runner.Close()

	if err != nil {
		logger.Error("Migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func execute(command string, runner *migrations.Runner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status", "version":
		status, err := runner.Status()
		if err != nil {
			return err
		}

		dirty := ""
		if status.Dirty {
			dirty = " (dirty)"
		}

		fmt.Printf("schema version %03d%s, embedded latest %03d\n", status.Version, dirty, status.Latest)

		return nil
	case "drop":
		fmt.Print("WARNING: This will drop all tables. Are you sure? (y/N): ")

		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.EqualFold(strings.TrimSpace(answer), "y") {
			return runner.Drop()
		}

		fmt.Println("Operation cancelled.")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s v%s - IngestRelay schema migrator

USAGE:
    %s [--version] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Show the applied and embedded schema versions
    version  Alias for status
    drop     Drop all tables (asks for confirmation)

ENVIRONMENT:
    DATABASE_URL     PostgreSQL connection string (required)
    MIGRATION_TABLE  Migration bookkeeping table (default: schema_migrations)
`, name, version, name)
}
