package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/urbanflux-io/urbanflux/internal/ingestion"
	"github.com/urbanflux-io/urbanflux/internal/pipeline"
	"github.com/urbanflux-io/urbanflux/internal/report"
	"github.com/urbanflux-io/urbanflux/internal/storage"
	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

// runCommand flags override the ETL_* environment.
type runCommand struct {
	app *app

	Mode       string `short:"m" long:"mode" choice:"full" choice:"incremental" description:"Run mode (default: ETL_MODE or full)"`
	Input      string `short:"i" long:"input" description:"Input CSV path (default: ETL_INPUT_PATH)"`
	ChunkSize  int    `long:"chunk-size" description:"Rows per chunk (default: ETL_CHUNK_SIZE or 100000)"`
	Workers    int    `long:"workers" description:"Decode and validation workers (default: ETL_WORKERS or CPU count)"`
	DryRun     bool   `long:"dry-run" description:"Compute counts without writing anything"`
	BadRowsDir string `long:"bad-rows-dir" description:"Directory for quarantined rows (default: ETL_BAD_ROWS_DIR)"`
	RunsDir    string `long:"runs-dir" description:"Directory for run report JSON files (default: ETL_RUNS_DIR)"`
}

func (c *runCommand) Execute([]string) error {
	logger := c.app.logger

	cfg, err := c.config()
	if err != nil {
		return err
	}

	reportCfg := report.LoadConfig()
	if c.RunsDir != "" {
		reportCfg.RunsDir = c.RunsDir
	}

	sinks, closer, err := reportCfg.Sinks(logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = closer.Close()
	}()

	rules, err := ingestion.LoadRulesFromEnv()
	if err != nil {
		return err
	}

	deps := pipeline.Dependencies{
		Rules:    rules,
		Reporter: report.NewReporter(logger, sinks...),
	}

	var conn *storage.Connection

	if cfg.DryRun {
		conn = c.dryRunDependencies(&deps)
	} else {
		conn, err = c.liveDependencies(&deps)
		if err != nil {
			return err
		}
	}

	if conn != nil {
		defer func() {
			_ = conn.Close()
		}()
	}

	logger.Info("Starting run",
		slog.String("mode", string(cfg.Mode)),
		slog.String("input", cfg.InputPath),
		slog.Int("chunk_size", cfg.ChunkSize),
		slog.Int("workers", cfg.Workers),
		slog.Bool("dry_run", cfg.DryRun),
		slog.Int("load_max_retries", cfg.LoadMaxRetries),
		slog.Bool("refresh_concurrently", cfg.RefreshConcurrently))

	runner, err := pipeline.NewRunner(cfg, deps, logger)
	if err != nil {
		return err
	}

	_, err = runner.Run(c.app.ctx)

	return err
}

func (c *runCommand) config() (*pipeline.Config, error) {
	cfg := pipeline.LoadConfig()

	if c.Mode != "" {
		mode, err := watermark.ParseMode(c.Mode)
		if err != nil {
			return nil, err
		}

		cfg.Mode = mode
	}

	if c.Input != "" {
		cfg.InputPath = c.Input
	}

	if c.ChunkSize != 0 {
		cfg.ChunkSize = c.ChunkSize
	}

	if c.Workers != 0 {
		cfg.Workers = c.Workers
	}

	if c.BadRowsDir != "" {
		cfg.BadRowsDir = c.BadRowsDir
	}

	cfg.DryRun = cfg.DryRun || c.DryRun

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// liveDependencies connects the loader, watermark store and view refresher.
// A database that cannot be reached is a watermark failure: no run can be recorded.
// Configuration mistakes are returned as they are.
func (c *runCommand) liveDependencies(deps *pipeline.Dependencies) (*storage.Connection, error) {
	logger := c.app.logger

	conn, _, err := c.app.openStore()
	if errors.Is(err, storage.ErrDatabaseURLEmpty) || errors.Is(err, storage.ErrPoolTooSmall) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", watermark.ErrWatermark, err)
	}

	loader, err := storage.NewServiceRequestStore(conn, logger)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	watermarks, err := storage.NewWatermarkStore(conn, logger)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	views, err := storage.NewViewRefresher(conn, logger)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	deps.Loader = loader
	deps.Watermarks = watermarks
	deps.Locker = watermarks
	deps.Views = views

	return conn, nil
}

// dryRunDependencies uses an in-memory watermark store, seeded from the database
// when one is configured and reachable.
func (c *runCommand) dryRunDependencies(deps *pipeline.Dependencies) *storage.Connection {
	logger := c.app.logger

	var (
		source watermark.Store
		conn   *storage.Connection
	)

	if storage.LoadConfig().IsSet() {
		var err error

		conn, _, err = c.app.openStore()
		if err != nil {
			logger.Warn("Dry run without database, incremental mode behaves as full",
				slog.String("error", err.Error()))
		} else if store, storeErr := storage.NewWatermarkStore(conn, logger); storeErr == nil {
			source = store
		}
	}

	memory, err := pipeline.DryRunWatermarks(c.app.ctx, source)
	if err != nil {
		logger.Warn("Could not read watermark for dry run, incremental mode behaves as full",
			slog.String("error", err.Error()))

		memory = watermark.NewMemoryStore()
	}

	deps.Watermarks = memory
	deps.Locker = memory

	return conn
}
