package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/urbanflux-io/urbanflux/internal/config"
	"github.com/urbanflux-io/urbanflux/internal/storage"
)

// DefaultMigrationsTable is the golang-migrate bookkeeping table.
const DefaultMigrationsTable = "schema_migrations"

var (
	// ErrDatabaseURLEmpty is returned when no database URL was configured.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")
	// ErrMigrationsTableEmpty is returned when the bookkeeping table name is blank.
	ErrMigrationsTableEmpty = errors.New("migrations table cannot be empty")
)

type (
	// Config selects the target database and bookkeeping table.
	Config struct {
		DatabaseURL     string
		MigrationsTable string
	}

	// Status is the schema state reported by Runner.Status.
	Status struct {
		Version   uint
		Dirty     bool
		Supported int
		Applied   bool
	}

	// Runner applies the embedded catalog with golang-migrate.
	Runner struct {
		catalog *Catalog
		migrate *migrate.Migrate
		db      *sql.DB
		logger  *slog.Logger
	}

	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// LoadConfig reads the target database the way the storage layer does and the
// bookkeeping table from MIGRATION_TABLE.
func LoadConfig() Config {
	return Config{
		DatabaseURL:     storage.LoadConfig().DatabaseURL(),
		MigrationsTable: config.GetEnvStr("MIGRATION_TABLE", DefaultMigrationsTable),
	}
}

// Validate checks that cfg names a database and a bookkeeping table.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if strings.TrimSpace(c.MigrationsTable) == "" {
		return ErrMigrationsTableEmpty
	}

	return nil
}

// NewRunner validates the embedded catalog, opens its own connection and
// prepares golang-migrate. The caller must Close the runner.
func NewRunner(ctx context.Context, cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalog := NewCatalog(nil)
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationsTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(catalog.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{catalog: catalog, migrate: m, db: db, logger: logger}, nil
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (r *Runner) Up() error {
	if err := r.catalog.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("Schema already up to date")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("Applied all pending migrations", slog.Int("schema_version", r.catalog.MaxSequence()))

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if err := r.catalog.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Rolled back last migration")

	return nil
}

// Status reports the applied version against what this binary embeds.
func (r *Runner) Status() (Status, error) {
	status := Status{Supported: r.catalog.MaxSequence()}

	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return status, nil
	}

	if err != nil {
		return status, fmt.Errorf("failed to get migration version: %w", err)
	}

	status.Version = version
	status.Dirty = dirty
	status.Applied = true

	return status, nil
}

// Drop removes every object in the target schema.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.logger.Warn("Dropped all schema objects")

	return nil
}

// Close releases the migrate instance and its connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
