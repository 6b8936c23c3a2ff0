package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const reportFileMode = 0o644

// ErrEmptyRunID is returned when a report without a run id is written to disk.
var ErrEmptyRunID = errors.New("report has no run id")

// FileSink writes each report as <dir>/<run_id>.json.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed and returns a sink writing into it.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:mnd
		return nil, fmt.Errorf("failed to create runs directory %s: %w", dir, err)
	}

	return &FileSink{dir: dir}, nil
}

// Name implements Sink.
func (s *FileSink) Name() string {
	return "file"
}

// Path returns where the report for runID is written.
func (s *FileSink) Path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Publish implements Sink. The file is written to a temporary name and renamed
// so readers never see a partial report.
func (s *FileSink) Publish(_ context.Context, r RunReport) error {
	if r.RunID == "" {
		return ErrEmptyRunID
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("failed to create run report: %w", err)
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to write run report: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close run report: %w", err)
	}

	if err := os.Chmod(tmp.Name(), reportFileMode); err != nil {
		return fmt.Errorf("failed to set run report permissions: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.Path(r.RunID)); err != nil {
		return fmt.Errorf("failed to move run report into place: %w", err)
	}

	return nil
}

// Read loads the report previously written for runID.
func (s *FileSink) Read(runID string) (RunReport, error) {
	return ReadRunReport(s.dir, runID)
}

// ReadRunReport loads <dir>/<run_id>.json without creating dir.
func ReadRunReport(dir, runID string) (RunReport, error) {
	data, err := os.ReadFile(filepath.Join(dir, runID+".json")) //nolint:gosec // operator-configured directory
	if err != nil {
		return RunReport{}, fmt.Errorf("failed to read run report: %w", err)
	}

	var r RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return RunReport{}, fmt.Errorf("failed to decode run report: %w", err)
	}

	return r, nil
}
