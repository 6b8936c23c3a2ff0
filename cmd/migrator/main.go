// Package main provides the database migration CLI tool for urbanflux.
//
// Migrations are embedded in the binary, so the tool needs nothing but a
// database URL: DATABASE_URL, or the PGHOST family of variables.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/urbanflux-io/urbanflux/internal/config"
	"github.com/urbanflux-io/urbanflux/migrations"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

// migrationRunner is the subset of migrations.Runner the commands use.
type migrationRunner interface {
	Up() error
	Down() error
	Status() (migrations.Status, error)
	Drop() error
}

type options struct {
	Version bool `short:"v" long:"version" description:"Show version information"`
	Yes     bool `short:"y" long:"yes" description:"Do not ask for confirmation before drop"`

	Args struct {
		Command string `positional-arg-name:"COMMAND" description:"up | down | status | version | drop"`
	} `positional-args:"yes"`
}

func main() {
	logger := config.NewLogger()

	var opts options

	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = name
	parser.LongDescription = "Applies the embedded urbanflux schema migrations.\n\n" +
		"Commands: up (apply all pending), down (roll back one), status, version, drop (remove all objects)."

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if opts.Args.Command == "" {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	runner, err := migrations.NewRunner(context.Background(), migrations.LoadConfig(), logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = executeCommand(opts.Args.Command, runner, opts.Yes, os.Stdin, os.Stdout)

	_ = runner.Close()

	if err != nil {
		logger.Error("Migration failed",
			slog.String("command", opts.Args.Command),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand runs the specified migration command.
func executeCommand(command string, runner migrationRunner, assumeYes bool, in io.Reader, out io.Writer) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status", "version":
		status, err := runner.Status()
		if err != nil {
			return err
		}

		printStatus(out, command, status)

		return nil
	case "drop":
		if !assumeYes && !confirm(in, out, "WARNING: This will drop all tables. Are you sure? (y/N): ") {
			_, _ = fmt.Fprintln(out, "Operation cancelled.")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printStatus(out io.Writer, command string, s migrations.Status) {
	if !s.Applied {
		_, _ = fmt.Fprintf(out, "No migrations applied (binary supports version %d)\n", s.Supported)

		return
	}

	if command == "version" {
		_, _ = fmt.Fprintf(out, "%d\n", s.Version)

		return
	}

	state := "clean"
	if s.Dirty {
		state = "dirty"
	}

	_, _ = fmt.Fprintf(out, "Version %d of %d (%s)\n", s.Version, s.Supported, state)
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprint(out, prompt)

	answer, _ := bufio.NewReader(in).ReadString('\n')

	return strings.EqualFold(strings.TrimSpace(answer), "y")
}
