package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanflux-io/urbanflux/internal/pipeline"
	"github.com/urbanflux-io/urbanflux/internal/report"
)

func testApp() *app {
	return &app{ctx: context.Background(), logger: slog.New(slog.DiscardHandler)}
}

func clearDatabaseEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{"DATABASE_URL", "PGHOST", "ETL_PUSHGATEWAY_URL", "ETL_KAFKA_BROKERS", "ETL_RUNS_DIR"} {
		t.Setenv(key, "")
	}
}

func TestExecuteUsageErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	clearDatabaseEnv(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"help", []string{"--help"}, pipeline.ExitOK},
		{"no command", []string{}, pipeline.ExitUsage},
		{"unknown command", []string{"migrate"}, pipeline.ExitUsage},
		{"bad mode", []string{"run", "--mode", "weekly", "--input", "x.csv"}, pipeline.ExitUsage},
		{"missing run id", []string{"watermark", "resolve"}, pipeline.ExitUsage},
		{"invalid run id", []string{"watermark", "resolve", "not-a-uuid"}, pipeline.ExitUsage},
		{"no input", []string{"run", "--dry-run"}, pipeline.ExitUsage},
		{"no database", []string{"run", "--input", "x.csv"}, pipeline.ExitUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ETL_INPUT_PATH", "")

			assert.Equal(t, tt.want, execute(testApp(), tt.args))
		})
	}
}

func TestExecuteDryRun(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	clearDatabaseEnv(t)

	dir := t.TempDir()
	input := filepath.Join(dir, "311.csv")
	require.NoError(t, os.WriteFile(input, []byte(
		"unique_key,created_date,closed_date,complaint_type,descriptor,borough,latitude,longitude\n"+
			"100001,2025-01-15 09:30:00,2025-01-15 11:00:00,Noise,Loud Music,MANHATTAN,40.7580,-73.9855\n"+
			"100003,2025-01-15 10:05:00,,Noise,,NEW JERSEY,,\n"), 0o600))

	runs := filepath.Join(dir, "runs")

	code := execute(testApp(), []string{"run", "--dry-run", "--input", input, "--chunk-size", "1", "--runs-dir", runs})
	require.Equal(t, pipeline.ExitOK, code)

	entries, err := os.ReadDir(runs)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(runs, entries[0].Name()))
	require.NoError(t, err)

	var rep report.RunReport
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.True(t, rep.DryRun)
	assert.Equal(t, report.StatusSucceeded, rep.Status)
	assert.Equal(t, int64(1), rep.Counts.Accepted)
	assert.Equal(t, int64(1), rep.Counts.Rejected)
	assert.Zero(t, rep.Counts.Inserted)
}

func TestExecuteDryRunMissingInput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	clearDatabaseEnv(t)

	code := execute(testApp(), []string{"run", "--dry-run", "--input", filepath.Join(t.TempDir(), "none.csv")})
	assert.Equal(t, pipeline.ExitExtraction, code)
}

func TestExecuteModeFlagOverridesEnvironment(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	clearDatabaseEnv(t)
	t.Setenv("ETL_MODE", "weekly")

	input := filepath.Join(t.TempDir(), "311.csv")
	require.NoError(t, os.WriteFile(input, []byte(
		"unique_key,created_date,closed_date,complaint_type,descriptor,borough,latitude,longitude\n"+
			"100001,2025-01-15 09:30:00,,Noise,Loud Music,MANHATTAN,40.7580,-73.9855\n"), 0o600))

	assert.Equal(t, pipeline.ExitUsage, execute(testApp(), []string{"run", "--dry-run", "--input", input}))
	assert.Equal(t, pipeline.ExitOK, execute(testApp(), []string{"run", "--dry-run", "--mode", "full", "--input", input}))
}

func TestExecuteRejectsSingleConnectionPool(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	clearDatabaseEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost:1/urbanflux?sslmode=disable")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "1")

	code := execute(testApp(), []string{"run", "--input", filepath.Join(t.TempDir(), "311.csv")})
	assert.Equal(t, pipeline.ExitUsage, code)
}
