// Command migrate manages the identity-core database schema using
// golang-migrate. Migrations live in the migrations/ directory and are
// tracked in the schema_migrations table.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultTimeout        = 5 * time.Minute
	defaultMigrationsPath = "migrations"
)

type migrateConfig struct {
	databaseURL    string
	migrationsPath string
	timeout        time.Duration
}

func main() {
	var (
		dbHost    = flag.String("db-host", getEnv("DB_HOST", "localhost"), "Database host")
		dbPort    = flag.String("db-port", getEnv("DB_PORT", "5432"), "Database port")
		dbUser    = flag.String("db-user", getEnv("DB_USER", "postgres"), "Database user")
		dbPass    = flag.String("db-password", getEnv("DB_PASSWORD", ""), "Database password")
		dbName    = flag.String("db-name", getEnv("DB_NAME", "identity_core"), "Database name")
		dbSSLMode = flag.String("db-sslmode", getEnv("DB_SSLMODE", "disable"), "Database SSL mode")
		migrPath  = flag.String("path", getEnv("MIGRATIONS_PATH", defaultMigrationsPath), "Path to migrations directory")
		timeout   = flag.Duration("timeout", defaultTimeout, "Timeout per migration")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]       Apply all or N up migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]     Apply all or N down migrations\n")
		fmt.Fprintf(os.Stderr, "  goto V       Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V      Set version V without running migrations\n")
		fmt.Fprintf(os.Stderr, "  version      Print current migration version\n")
		fmt.Fprintf(os.Stderr, "  create NAME  Create a new migration file pair\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := &migrateConfig{
		databaseURL: fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			*dbUser, *dbPass, *dbHost, *dbPort, *dbName, *dbSSLMode),
		migrationsPath: *migrPath,
		timeout:        *timeout,
	}

	if err := runCommand(cfg, args[0], args[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func runCommand(cfg *migrateConfig, cmd string, args []string) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return fmt.Errorf("create requires a migration name")
		}
		return createMigration(cfg, args[0])
	case "version":
		return showVersion(cfg)
	case "up", "down":
		steps := 0
		if len(args) > 0 {
			if _, err := fmt.Sscanf(args[0], "%d", &steps); err != nil {
				return fmt.Errorf("invalid number of steps: %s", args[0])
			}
		}
		if cmd == "down" {
			steps = -steps
		}
		return run(cfg, cmd, steps)
	case "goto":
		if len(args) < 1 {
			return fmt.Errorf("goto requires a version number")
		}
		var version uint
		if _, err := fmt.Sscanf(args[0], "%d", &version); err != nil {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		return migrateGoto(cfg, version)
	case "force":
		if len(args) < 1 {
			return fmt.Errorf("force requires a version number")
		}
		var version int
		if _, err := fmt.Sscanf(args[0], "%d", &version); err != nil {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		return migrateForce(cfg, version)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// run applies up or down migrations. steps == 0 means all; negative
// steps roll back.
func run(cfg *migrateConfig, direction string, steps int) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	currentVersion, _, _ := m.Version()
	log.Printf("Starting migration %s from version %d", direction, currentVersion)

	switch {
	case steps != 0:
		err = m.Steps(steps)
	case direction == "up":
		err = m.Up()
	default:
		err = m.Down()
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	newVersion, _, _ := m.Version()
	log.Printf("Migration completed: %d -> %d", currentVersion, newVersion)
	return nil
}

func migrateGoto(cfg *migrateConfig, version uint) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("Already at version %d", version)
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Printf("Migrated to version %d", version)
	return nil
}

func migrateForce(cfg *migrateConfig, version int) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}

	log.Printf("Version forced to %d", version)
	return nil
}

func showVersion(cfg *migrateConfig) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("No migrations have been applied yet")
			return nil
		}
		return fmt.Errorf("failed to get version: %w", err)
	}

	status := ""
	if dirty {
		status = " (dirty)"
	}
	log.Printf("Current migration version: %d%s", version, status)
	return nil
}

func createMigration(cfg *migrateConfig, name string) error {
	nextNum, err := nextMigrationNumber(cfg.migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to determine next migration number: %w", err)
	}

	if err := os.MkdirAll(cfg.migrationsPath, 0755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	for _, suffix := range []string{"up", "down"} {
		path := filepath.Join(cfg.migrationsPath,
			fmt.Sprintf("%06d_%s.%s.sql", nextNum, name, suffix))
		content := fmt.Sprintf("-- Migration: %s (%s)\n", name, suffix)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s migration: %w", suffix, err)
		}
		log.Printf("Created %s", path)
	}

	return nil
}

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

func newMigrate(cfg *migrateConfig) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	db, err := sql.Open("pgx", cfg.databaseURL)
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

	migrationsPath, err := filepath.Abs(cfg.migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = cfg.timeout

	return m, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
