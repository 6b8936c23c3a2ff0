package config

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// source for test migrations
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	readyLogOccurrences = 2
	containerStartup    = 120 * time.Second

	// TestMigrationsURL points at the repository migrations from any package two
	// levels below the module root (internal/storage, internal/pipeline, ...).
	TestMigrationsURL = "file://../../migrations"
)

// TestDatabase bundles a throwaway PostgreSQL container with an open connection.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
	URL        string
}

// SetupTestDatabase starts postgres:16-alpine, applies every migration and
// registers cleanup on t. Integration tests call it after skipping in -short mode:
//
//	func TestLoad(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		testDB := config.SetupTestDatabase(context.Background(), t)
//		...
//	}
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("urbanflux_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogOccurrences).
				WithStartupTimeout(containerStartup),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "failed to open database")

	if err := RunTestMigrations(conn, TestMigrationsURL); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)

		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	return &TestDatabase{
		Container:  pgContainer,
		Connection: conn,
		URL:        connStr,
	}
}

// RunTestMigrations applies all up migrations found at sourceURL.
// migrate.ErrNoChange is treated as success.
func RunTestMigrations(db *sql.DB, sourceURL string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
