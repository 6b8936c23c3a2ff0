package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urbanflux-io/urbanflux/internal/ingestion"
)

var quarantineHeader = []string{"line", "reason", "detail", "raw"} //nolint:gochecknoglobals

// Quarantine appends rejected rows to <dir>/<run_id>.bad_rows.csv. Each record is
// the source line, reason code, detail, then the row's original fields.
type Quarantine struct {
	file *os.File
	w    *csv.Writer
	path string
	rows int
}

// OpenQuarantine creates the quarantine file for runID.
func OpenQuarantine(dir, runID string) (*Quarantine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:mnd
		return nil, fmt.Errorf("failed to create bad rows directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, runID+".bad_rows.csv")

	f, err := os.Create(path) //nolint:gosec // operator-configured directory
	if err != nil {
		return nil, fmt.Errorf("failed to create quarantine file: %w", err)
	}

	q := &Quarantine{file: f, w: csv.NewWriter(f), path: path}

	if err := q.w.Write(quarantineHeader); err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to write quarantine header: %w", err)
	}

	return q, nil
}

// Write records one rejected row.
func (q *Quarantine) Write(row ingestion.RawRow, rejection *ingestion.RowError) error {
	record := make([]string, 0, len(quarantineHeader)+len(row.Fields))
	record = append(record, strconv.Itoa(row.Line), string(rejection.Reason), rejection.Detail)
	record = append(record, row.Fields...)

	if err := q.w.Write(record); err != nil {
		return fmt.Errorf("failed to write quarantined row: %w", err)
	}

	q.rows++

	return nil
}

// Rows returns the number of rows written.
func (q *Quarantine) Rows() int {
	return q.rows
}

// Path returns the quarantine file location.
func (q *Quarantine) Path() string {
	return q.path
}

// Close flushes the file. A quarantine that received no rows is removed.
func (q *Quarantine) Close() error {
	q.w.Flush()

	if err := q.w.Error(); err != nil {
		_ = q.file.Close()

		return fmt.Errorf("failed to flush quarantine file: %w", err)
	}

	if err := q.file.Close(); err != nil {
		return fmt.Errorf("failed to close quarantine file: %w", err)
	}

	if q.rows == 0 {
		_ = os.Remove(q.path)
	}

	return nil
}
