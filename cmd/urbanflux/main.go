// Package main provides the urbanflux operator CLI.
//
// It runs the 311 ETL pipeline and the maintenance commands around it: schema
// initialization, materialized view refresh and watermark inspection.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/urbanflux-io/urbanflux/internal/config"
	"github.com/urbanflux-io/urbanflux/internal/pipeline"
	"github.com/urbanflux-io/urbanflux/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "urbanflux"
)

// app carries what every subcommand shares.
type app struct {
	ctx    context.Context //nolint:containedctx // go-flags Execute takes no context
	logger *slog.Logger
}

type options struct {
	Version func() `short:"v" long:"version" description:"Show version information"`
}

func main() {
	logger := config.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := execute(&app{ctx: ctx, logger: logger}, os.Args[1:])

	stop()
	os.Exit(code)
}

func execute(a *app, args []string) int {
	opts := options{
		Version: func() {
			a.logger.Info("Version", slog.String("service", name), slog.String("version", version))
			os.Exit(pipeline.ExitOK)
		},
	}

	parser := newParser(a, &opts)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				return pipeline.ExitOK
			}

			return pipeline.ExitUsage
		}

		code := pipeline.ExitCode(err)

		a.logger.Error("Command failed",
			slog.String("command", commandName(parser)),
			slog.String("error", err.Error()),
			slog.Int("exit_code", code))

		return code
	}

	return pipeline.ExitOK
}

func newParser(a *app, opts *options) *flags.Parser {
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash|flags.PrintErrors)
	parser.Name = name

	mustAdd(parser.AddCommand("run", "Run the ETL pipeline",
		"Extract, validate, deduplicate and load a 311 export, then refresh the aggregate views.",
		&runCommand{app: a}))

	db := mustAdd(parser.AddCommand("db", "Database maintenance", "Schema and materialized view maintenance.", &struct{}{}))
	mustAdd(db.AddCommand("init", "Apply all pending schema migrations",
		"Apply all pending schema migrations embedded in this binary.", &dbInitCommand{app: a}))
	mustAdd(db.AddCommand("refresh-mv", "Refresh the aggregate materialized views",
		"Refresh every aggregate materialized view, or the ones named with --view.", &refreshCommand{app: a}))

	rep := mustAdd(parser.AddCommand("report", "Run reports", "Inspect past runs.", &struct{}{}))
	mustAdd(rep.AddCommand("last-run", "Show the most recent run",
		"Print the most recent watermark row, the stored row count and the saved run report.", &lastRunCommand{app: a}))

	wm := mustAdd(parser.AddCommand("watermark", "Watermark maintenance", "Inspect and resolve run watermarks.", &struct{}{}))
	mustAdd(wm.AddCommand("status", "Show the resume point and any running rows",
		"Print the last completed run and every row still in running state.", &watermarkStatusCommand{app: a}))
	mustAdd(wm.AddCommand("resolve", "Mark a crashed run as failed",
		"Move a run left in running state to failed so the next run can start. "+
			"Incremental runs resume from the last completed run.", &watermarkResolveCommand{app: a}))

	return parser
}

func mustAdd(cmd *flags.Command, err error) *flags.Command {
	if err != nil {
		panic(err)
	}

	return cmd
}

func commandName(parser *flags.Parser) string {
	name := ""

	for cmd := parser.Active; cmd != nil; cmd = cmd.Active {
		if name != "" {
			name += " "
		}

		name += cmd.Name
	}

	return name
}

// openStore connects to the configured database.
func (a *app) openStore() (*storage.Connection, *storage.Config, error) {
	cfg := storage.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	conn, err := storage.NewConnection(a.ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	a.logger.Debug("Connected to database", slog.String("database_url", cfg.MaskDatabaseURL()))

	return conn, cfg, nil
}
