// Package main manages the postgres history schema with golang-migrate.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/welldanyogia/sse-gateway/internal/logger"
)

// Version is set at build time
var Version = "dev"

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultMigrationsPath   = "migrations"
	defaultDatabaseURL      = "postgres://postgres@localhost:5432/sse_gateway?sslmode=disable"
)

// Config holds migration configuration
type Config struct {
	DatabaseURL    string
	MigrationsPath string
	Timeout        time.Duration
	DryRun         bool
}

var log = logger.New(logger.DefaultConfig())

func main() {
	cfg := &Config{}

	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the event history schema",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.DatabaseURL, "database-url", getEnv("DATABASE_URL", defaultDatabaseURL), "Postgres connection URL")
	flags.StringVar(&cfg.MigrationsPath, "path", getEnv("MIGRATIONS_PATH", defaultMigrationsPath), "Path to migrations directory")
	flags.DurationVar(&cfg.Timeout, "timeout", defaultMigrationTimeout, "Timeout per migration")
	flags.BoolVar(&cfg.DryRun, "dry-run", false, "Show what would be done without executing")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up [N]",
			Short: "Apply all or N up migrations",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps, err := optionalSteps(args)
				if err != nil {
					return err
				}
				return migrateUp(cfg, steps)
			},
		},
		&cobra.Command{
			Use:   "down [N]",
			Short: "Roll back all or N migrations",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps, err := optionalSteps(args)
				if err != nil {
					return err
				}
				return migrateDown(cfg, steps)
			},
		},
		&cobra.Command{
			Use:   "goto V",
			Short: "Migrate to version V",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.ParseUint(args[0], 10, 0)
				if err != nil {
					return fmt.Errorf("invalid version: %s", args[0])
				}
				return migrateGoto(cfg, uint(version))
			},
		},
		&cobra.Command{
			Use:   "force V",
			Short: "Set version V without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %s", args[0])
				}
				return migrateForce(cfg, version)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return showVersion(cfg)
			},
		},
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create a new migration file pair",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return createMigration(cfg, args[0])
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error("Migration command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func optionalSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	steps, err := strconv.Atoi(args[0])
	if err != nil || steps < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return steps, nil
}

// createMigration creates a new migration file pair
func createMigration(cfg *Config, name string) error {
	nextNum, err := nextMigrationNumber(cfg.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to determine next migration number: %w", err)
	}

	upFile := filepath.Join(cfg.MigrationsPath, fmt.Sprintf("%03d_%s.up.sql", nextNum, name))
	downFile := filepath.Join(cfg.MigrationsPath, fmt.Sprintf("%03d_%s.down.sql", nextNum, name))

	if cfg.DryRun {
		log.Info("[DRY RUN] Would create migration files", slog.String("up", upFile), slog.String("down", downFile))
		return nil
	}

	if err := os.MkdirAll(cfg.MigrationsPath, 0755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	created := time.Now().Format(time.RFC3339)
	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, created)
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		return fmt.Errorf("failed to create up migration: %w", err)
	}
	downContent := fmt.Sprintf("-- Migration: %s (rollback)\n-- Created: %s\n\n", name, created)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		return fmt.Errorf("failed to create down migration: %w", err)
	}

	log.Info("Created migration files", slog.String("up", upFile), slog.String("down", downFile))
	return nil
}

// nextMigrationNumber finds the next available migration number
func nextMigrationNumber(migrationsPath string) (int, error) {
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}

	maxNum := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &num); err == nil && num > maxNum {
			maxNum = num
		}
	}
	return maxNum + 1, nil
}

func showVersion(cfg *Config) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info("No migrations have been applied yet")
			return nil
		}
		return fmt.Errorf("failed to get version: %w", err)
	}

	log.Info("Current migration version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

func migrateUp(cfg *Config, steps int) error {
	if cfg.DryRun {
		log.Info("[DRY RUN] Would apply up migrations", slog.Int("steps", steps))
		return nil
	}
	return step(cfg, "up", func(m *migrate.Migrate) error {
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	})
}

func migrateDown(cfg *Config, steps int) error {
	if cfg.DryRun {
		log.Info("[DRY RUN] Would apply down migrations", slog.Int("steps", steps))
		return nil
	}
	return step(cfg, "down", func(m *migrate.Migrate) error {
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	})
}

func migrateGoto(cfg *Config, version uint) error {
	if cfg.DryRun {
		log.Info("[DRY RUN] Would migrate to version", slog.Uint64("version", uint64(version)))
		return nil
	}
	return step(cfg, "goto", func(m *migrate.Migrate) error {
		return m.Migrate(version)
	})
}

// migrateForce sets the version without running migrations
func migrateForce(cfg *Config, version int) error {
	if cfg.DryRun {
		log.Info("[DRY RUN] Would force version", slog.Int("version", version))
		return nil
	}

	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	log.Info("Version forced", slog.Int("version", version))
	return nil
}

// step runs one migration action and logs the version change.
func step(cfg *Config, direction string, run func(*migrate.Migrate) error) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	currentVersion, _, _ := m.Version()
	log.Info("Starting migration", slog.String("direction", direction), slog.Uint64("from", uint64(currentVersion)))

	if err := run(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("No migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	newVersion, _, _ := m.Version()
	log.Info("Migration completed", slog.Uint64("from", uint64(currentVersion)), slog.Uint64("to", uint64(newVersion)))
	return nil
}

// newMigrate creates a new migrate instance with timeout context
func newMigrate(cfg *Config) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	migrationsPath, err := filepath.Abs(cfg.MigrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = cfg.Timeout

	return m, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
