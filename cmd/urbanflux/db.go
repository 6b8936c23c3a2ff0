package main

import (
	"log/slog"

	"github.com/urbanflux-io/urbanflux/internal/storage"
	"github.com/urbanflux-io/urbanflux/migrations"
)

type dbInitCommand struct {
	app *app
}

func (c *dbInitCommand) Execute([]string) error {
	runner, err := migrations.NewRunner(c.app.ctx, migrations.LoadConfig(), c.app.logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := runner.Up(); err != nil {
		return err
	}

	status, err := runner.Status()
	if err != nil {
		return err
	}

	c.app.logger.Info("Schema initialized",
		slog.Uint64("version", uint64(status.Version)),
		slog.Int("supported", status.Supported),
		slog.Bool("dirty", status.Dirty))

	return nil
}

type refreshCommand struct {
	app *app

	Concurrently bool     `short:"c" long:"concurrently" description:"Refresh without blocking readers"`
	Views        []string `long:"view" description:"View to refresh; repeatable (default: all)"`
}

func (c *refreshCommand) Execute([]string) error {
	conn, _, err := c.app.openStore()
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	refresher, err := storage.NewViewRefresher(conn, c.app.logger)
	if err != nil {
		return err
	}

	results, err := refresher.Refresh(c.app.ctx, c.Concurrently, c.Views...)

	for _, res := range results {
		attrs := []any{
			slog.String("view", res.View),
			slog.Duration("duration", res.Duration),
			slog.Bool("concurrently", c.Concurrently),
		}

		if res.Err != nil {
			c.app.logger.Error("View refresh failed", append(attrs, slog.String("error", res.Err.Error()))...)

			continue
		}

		c.app.logger.Info("View refreshed", attrs...)
	}

	return err
}
