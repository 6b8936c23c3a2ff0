package migrations

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRunnerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("urbanflux_migrations"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	runner, err := NewRunner(ctx, Config{DatabaseURL: connStr, MigrationsTable: DefaultMigrationsTable},
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = runner.Close()
	})

	t.Run("StatusBeforeUp", func(t *testing.T) {
		status, err := runner.Status()
		require.NoError(t, err)
		assert.False(t, status.Applied)
		assert.Equal(t, 3, status.Supported)
	})

	t.Run("UpIsIdempotent", func(t *testing.T) {
		require.NoError(t, runner.Up())
		require.NoError(t, runner.Up())

		status, err := runner.Status()
		require.NoError(t, err)
		assert.Equal(t, Status{Version: 3, Supported: 3, Applied: true}, status)

		for _, relation := range []string{"service_requests", "etl_watermarks", "mv_complaints_by_day_borough", "mv_complaints_by_type_month"} {
			var exists bool
			require.NoError(t, db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, relation).Scan(&exists))
			assert.True(t, exists, relation)
		}
	})

	t.Run("DownRollsBackOneStep", func(t *testing.T) {
		require.NoError(t, runner.Down())

		status, err := runner.Status()
		require.NoError(t, err)
		assert.Equal(t, uint(2), status.Version)

		var exists bool
		require.NoError(t, db.QueryRowContext(ctx, `SELECT to_regclass('mv_complaints_by_day_borough') IS NOT NULL`).Scan(&exists))
		assert.False(t, exists)

		require.NoError(t, runner.Up())
	})

	t.Run("Drop", func(t *testing.T) {
		require.NoError(t, runner.Drop())

		var exists bool
		require.NoError(t, db.QueryRowContext(ctx, `SELECT to_regclass('service_requests') IS NOT NULL`).Scan(&exists))
		assert.False(t, exists)
	})
}
