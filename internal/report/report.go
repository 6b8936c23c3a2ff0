// Package report aggregates per-stage counts and timings into a single
// machine-readable RunReport and publishes it to the configured sinks.
package report

import (
	"time"

	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

type (
	// Status is the overall run outcome.
	Status string

	// Stage names a timed pipeline stage.
	Stage string

	// Counts are the row counts of a run.
	//
	// Extracted = Accepted + Rejected + Duplicated always holds, and
	// Inserted + SkippedExisting = Accepted for runs that loaded every chunk.
	Counts struct {
		Read               int64            `json:"read"`
		SkippedByWatermark int64            `json:"skipped_by_watermark"`
		Extracted          int64            `json:"extracted"`
		Accepted           int64            `json:"accepted"`
		Rejected           int64            `json:"rejected"`
		Duplicated         int64            `json:"duplicated"`
		Inserted           int64            `json:"inserted"`
		SkippedExisting    int64            `json:"skipped_existing"`
		Chunks             int64            `json:"chunks"`
		RejectedByReason   map[string]int64 `json:"rejected_by_reason,omitempty"`
	}

	// StageTiming is the wall time spent in one stage.
	StageTiming struct {
		Stage   Stage   `json:"stage"`
		Seconds float64 `json:"seconds"`
	}

	// WatermarkSnapshot is the final watermark as recorded in the report.
	WatermarkSnapshot struct {
		ID            int64      `json:"id,omitempty"`
		Status        string     `json:"status"`
		LastCreatedAt *time.Time `json:"last_created_at,omitempty"`
		LastUniqueKey *int64     `json:"last_unique_key,omitempty"`
		CompletedAt   *time.Time `json:"completed_at,omitempty"`
	}

	// RunReport is the structured summary emitted once per run.
	RunReport struct {
		RunID      string             `json:"run_id"`
		Mode       string             `json:"mode"`
		Input      string             `json:"input"`
		DryRun     bool               `json:"dry_run"`
		Status     Status             `json:"status"`
		Error      string             `json:"error,omitempty"`
		StartedAt  time.Time          `json:"started_at"`
		FinishedAt time.Time          `json:"finished_at"`
		Counts     Counts             `json:"counts"`
		Stages     []StageTiming      `json:"stages"`
		Watermark  *WatermarkSnapshot `json:"watermark,omitempty"`
		Views      []string           `json:"refreshed_views,omitempty"`
	}
)

// Run outcomes.
const (
	StatusSucceeded   Status = "succeeded"
	StatusPartial     Status = "partial"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Timed stages, in report order.
const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
	StageRefresh   Stage = "refresh"
)

// Stages lists the timed stages in report order.
func Stages() []Stage {
	return []Stage{StageExtract, StageTransform, StageLoad, StageRefresh}
}

// Snapshot converts a watermark for the report. It returns nil for a zero watermark.
func Snapshot(w watermark.Watermark) *WatermarkSnapshot {
	if w.Status == "" {
		return nil
	}

	s := &WatermarkSnapshot{ID: w.ID, Status: string(w.Status), CompletedAt: w.CompletedAt}

	if w.Position != nil {
		created := w.Position.CreatedAt
		key := w.Position.UniqueKey
		s.LastCreatedAt = &created
		s.LastUniqueKey = &key
	}

	return s
}

// Duration returns the recorded time for stage, or zero.
func (r RunReport) Duration(stage Stage) time.Duration {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return time.Duration(s.Seconds * float64(time.Second))
		}
	}

	return 0
}
