package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/urbanflux-io/urbanflux/internal/report"
	"github.com/urbanflux-io/urbanflux/internal/storage"
	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

type (
	// watermarkView is the printed form of a watermark row.
	watermarkView struct {
		ID              int64            `json:"id"`
		RunID           string           `json:"run_id"`
		Mode            watermark.Mode   `json:"mode"`
		Status          watermark.Status `json:"status"`
		InputDescriptor string           `json:"input_descriptor,omitempty"`
		LastCreatedAt   *time.Time       `json:"last_created_at,omitempty"`
		LastUniqueKey   *int64           `json:"last_unique_key,omitempty"`
		RowsProcessed   int64            `json:"rows_processed"`
		RowsInserted    int64            `json:"rows_inserted"`
		RowsDuplicated  int64            `json:"rows_duplicated"`
		RowsRejected    int64            `json:"rows_rejected"`
		ErrorMessage    string           `json:"error_message,omitempty"`
		StartedAt       time.Time        `json:"started_at"`
		CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	}

	lastRunView struct {
		Watermark       *watermarkView    `json:"watermark"`
		ServiceRequests int64             `json:"service_requests"`
		Report          *report.RunReport `json:"report,omitempty"`
	}

	watermarkStatusView struct {
		ResumePoint *watermarkView   `json:"resume_point"`
		Running     []*watermarkView `json:"running"`
	}
)

func newWatermarkView(w *watermark.Watermark) *watermarkView {
	if w == nil {
		return nil
	}

	v := &watermarkView{
		ID:              w.ID,
		RunID:           w.RunID.String(),
		Mode:            w.Mode,
		Status:          w.Status,
		InputDescriptor: w.InputDescriptor,
		RowsProcessed:   w.Counts.Processed,
		RowsInserted:    w.Counts.Inserted,
		RowsDuplicated:  w.Counts.Duplicated,
		RowsRejected:    w.Counts.Rejected,
		ErrorMessage:    w.ErrorMessage,
		StartedAt:       w.StartedAt,
		CompletedAt:     w.CompletedAt,
	}

	if w.Position != nil {
		created, key := w.Position.CreatedAt, w.Position.UniqueKey
		v.LastCreatedAt = &created
		v.LastUniqueKey = &key
	}

	return v
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to print output: %w", err)
	}

	return nil
}

type lastRunCommand struct {
	app *app

	RunsDir string `long:"runs-dir" env:"ETL_RUNS_DIR" description:"Directory holding run report JSON files"`
}

func (c *lastRunCommand) Execute([]string) error {
	conn, _, err := c.app.openStore()
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	watermarks, err := storage.NewWatermarkStore(conn, c.app.logger)
	if err != nil {
		return err
	}

	requests, err := storage.NewServiceRequestStore(conn, c.app.logger)
	if err != nil {
		return err
	}

	latest, err := watermarks.Latest(c.app.ctx)
	if err != nil && !errors.Is(err, watermark.ErrNotFound) {
		return err
	}

	count, err := requests.Count(c.app.ctx)
	if err != nil {
		return err
	}

	view := lastRunView{Watermark: newWatermarkView(latest), ServiceRequests: count}

	if latest != nil && c.RunsDir != "" {
		view.Report = c.readReport(latest.RunID)
	}

	return printJSON(os.Stdout, view)
}

func (c *lastRunCommand) readReport(runID uuid.UUID) *report.RunReport {
	r, err := report.ReadRunReport(c.RunsDir, runID.String())
	if err != nil {
		c.app.logger.Debug("No saved run report", slog.String("run_id", runID.String()), slog.String("error", err.Error()))

		return nil
	}

	return &r
}

type watermarkStatusCommand struct {
	app *app
}

func (c *watermarkStatusCommand) Execute([]string) error {
	conn, _, err := c.app.openStore()
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	watermarks, err := storage.NewWatermarkStore(conn, c.app.logger)
	if err != nil {
		return err
	}

	last, err := watermarks.LastCompleted(c.app.ctx)
	if err != nil && !errors.Is(err, watermark.ErrNotFound) {
		return err
	}

	running, err := watermarks.ListRunning(c.app.ctx)
	if err != nil {
		return err
	}

	view := watermarkStatusView{ResumePoint: newWatermarkView(last), Running: make([]*watermarkView, 0, len(running))}
	for _, w := range running {
		view.Running = append(view.Running, newWatermarkView(w))
	}

	if len(running) > 0 {
		c.app.logger.Warn("Runs left in running state; resolve them once no process is running",
			slog.Int("count", len(running)))
	}

	return printJSON(os.Stdout, view)
}

type watermarkResolveCommand struct {
	app *app

	Reason string `short:"r" long:"reason" default:"resolved by operator" description:"Error message recorded on the run"`

	Args struct {
		RunID string `positional-arg-name:"run_id" required:"yes"`
	} `positional-args:"yes"`
}

func (c *watermarkResolveCommand) Execute([]string) error {
	runID, err := uuid.Parse(strings.TrimSpace(c.Args.RunID))
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", c.Args.RunID, err)
	}

	conn, _, err := c.app.openStore()
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	watermarks, err := storage.NewWatermarkStore(conn, c.app.logger)
	if err != nil {
		return err
	}

	if err := watermarks.Resolve(c.app.ctx, runID, c.Reason); err != nil {
		return err
	}

	c.app.logger.Info("Run marked failed",
		slog.String("run_id", runID.String()),
		slog.String("reason", c.Reason))

	return nil
}
