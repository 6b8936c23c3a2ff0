// Package watermark models per-run ETL metadata and the progress marker that
// incremental runs resume from.
//
// Each run owns exactly one etl_watermarks row, written as running before any
// chunk is processed and moved once to completed or failed. History is append-only.
// The effective resume point is the most recent completed row.
package watermark

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Mode is the run mode.
	Mode string

	// Status is the run state: running → completed | failed.
	Status string

	// Position orders records by (created_at, unique_key).
	Position struct {
		CreatedAt time.Time
		UniqueKey int64
	}

	// Counts are the cumulative row counts persisted with a watermark.
	Counts struct {
		Processed  int64
		Inserted   int64
		Duplicated int64
		Rejected   int64
	}

	// Watermark is one run's metadata row.
	Watermark struct {
		ID              int64
		RunID           uuid.UUID
		Mode            Mode
		Status          Status
		InputDescriptor string
		// Position is the highest committed (created_at, unique_key); nil when the run loaded nothing
		// and no earlier completed run exists.
		Position     *Position
		Counts       Counts
		ErrorMessage string
		StartedAt    time.Time
		CompletedAt  *time.Time
	}
)

// Run modes.
const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Run states.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrWatermark wraps every watermark read/write failure. It is fatal to a run.
	ErrWatermark = errors.New("watermark store failure")
	// ErrRunInProgress is returned when another run holds the run lock or a running row exists.
	ErrRunInProgress = errors.New("another run is in progress")
	// ErrNotFound is returned when no matching watermark row exists.
	ErrNotFound = errors.New("watermark not found")
	// ErrInvalidMode is returned by ParseMode.
	ErrInvalidMode = errors.New("invalid run mode")
	// ErrInvalidTransition is returned when a tracker method is called out of order.
	ErrInvalidTransition = errors.New("invalid watermark transition")
	// ErrNotRunning is returned by Resolve for a run that is not in running state.
	ErrNotRunning = errors.New("run is not in running state")
)

// ParseMode parses "full" or "incremental", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFull, ModeIncremental:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: full, incremental)", ErrInvalidMode, s)
	}
}

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeFull || m == ModeIncremental
}

// IsTerminal reports whether s is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Before reports whether p sorts strictly before o.
func (p Position) Before(o Position) bool {
	if !p.CreatedAt.Equal(o.CreatedAt) {
		return p.CreatedAt.Before(o.CreatedAt)
	}

	return p.UniqueKey < o.UniqueKey
}

// String formats p for logs.
func (p Position) String() string {
	return fmt.Sprintf("%s/%d", p.CreatedAt.UTC().Format(time.RFC3339Nano), p.UniqueKey)
}

// Max returns the later of p and o, treating nil as absent.
func Max(p, o *Position) *Position {
	switch {
	case p == nil:
		return o
	case o == nil:
		return p
	case p.Before(*o):
		return o
	default:
		return p
	}
}

// Add accumulates c into n.
func (n *Counts) Add(c Counts) {
	n.Processed += c.Processed
	n.Inserted += c.Inserted
	n.Duplicated += c.Duplicated
	n.Rejected += c.Rejected
}
