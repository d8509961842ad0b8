package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type (
	// MigrationRunner runs schema migrations.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() error
		Version() error
		Drop() error
		Close() error
	}

	// Runner implements MigrationRunner with golang-migrate over the embedded SQL steps.
	Runner struct {
		config  *Config
		migrate *migrate.Migrate
		db      *sql.DB
		set     *MigrationSet
	}

	migrateLogger struct{}
)

var (
	_ MigrationRunner = (*Runner)(nil)
	_ migrate.Logger  = (*migrateLogger)(nil)
	_ io.Writer       = (*migrateLogger)(nil)
)

// NewMigrationRunner connects to the database and prepares the embedded migrations.
func NewMigrationRunner(config *Config) (*Runner, error) {
	return newRunner(config, NewMigrationSet(nil))
}

func newRunner(config *Config, set *MigrationSet) (*Runner, error) {
	log.Printf("Initializing migration runner with config: %s", config.String())

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: config.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(set.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}

	return &Runner{config: config, migrate: m, db: db, set: set}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := r.validate(); err != nil {
		return err
	}

	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	log.Println("All migrations applied successfully")

	return nil
}

// Down rolls back the last applied migration.
func (r *Runner) Down() error {
	if err := r.validate(); err != nil {
		return err
	}

	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	log.Println("Last migration rolled back successfully")

	return nil
}

// Status logs the applied version and how many embedded steps are pending.
func (r *Runner) Status() error {
	current, dirty, err := r.current()
	if err != nil {
		return err
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	latest := r.set.LatestVersion()

	log.Printf("Migration status: version %03d (%s), binary ships %03d", current, state, latest)

	switch {
	case current == latest:
		log.Println("Schema is up to date")
	case current < latest:
		log.Printf("%d migration(s) pending, run 'up' to apply", latest-current)
	default:
		log.Printf("Database schema v%03d is newer than this binary supports", current)
	}

	return nil
}

// Version logs the applied version.
func (r *Runner) Version() error {
	current, dirty, err := r.current()
	if err != nil {
		return err
	}

	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}

	log.Printf("Current version: %03d%s", current, suffix)

	return nil
}

// Drop drops every table in the database.
func (r *Runner) Drop() error {
	if err := r.validate(); err != nil {
		return err
	}

	log.Println("WARNING: dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	return nil
}

// Close releases the migrate instance and the database handle.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection close: %w", err))
		}
	}

	return errors.Join(errs...)
}

// validate checks the embedded steps before any state-changing operation.
func (r *Runner) validate() error {
	if err := r.set.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	return nil
}

func (r *Runner) current() (int, bool, error) {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}

	return int(ver), dirty, nil // #nosec G115 -- sequence numbers are three digits
}

func (l *migrateLogger) Printf(format string, v ...any) {
	log.Printf("[MIGRATE] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

func (l *migrateLogger) Write(p []byte) (int, error) {
	log.Printf("[MIGRATE] %s", string(p))

	return len(p), nil
}
