package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

type recordingSink struct {
	mu      sync.Mutex
	name    string
	err     error
	reports []RunReport
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, r RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports = append(s.reports, r)

	return s.err
}

func TestReporterFinishPublishesToEverySink(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	failing := &recordingSink{name: "failing", err: errors.New("unreachable")}
	ok := &recordingSink{name: "ok"}

	r := NewReporter(slog.New(slog.DiscardHandler), failing, ok)
	r.Start("run-1", "full", "file:311.csv size=10", false)

	r.UpdateCounts(func(c *Counts) {
		c.Extracted = 4
		c.Accepted = 3
		c.Rejected = 1
		c.Inserted = 3
		c.RejectedByReason = map[string]int64{"invalid_borough": 1}
	})

	r.AddStage(StageLoad, 1500*time.Millisecond)
	r.AddStage(StageLoad, 500*time.Millisecond)

	final := r.Finish(context.Background(), StatusSucceeded, nil, nil)

	require.Len(t, failing.reports, 1, "a failing sink still receives the report")
	require.Len(t, ok.reports, 1, "a failing sink must not stop later sinks")

	assert.Equal(t, "run-1", final.RunID)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Empty(t, final.Error)
	assert.Equal(t, 2*time.Second, final.Duration(StageLoad))
	assert.Zero(t, final.Duration(StageRefresh))
	assert.Len(t, final.Stages, len(Stages()), "every stage is reported, timed or not")
	assert.Equal(t, int64(1), ok.reports[0].Counts.RejectedByReason["invalid_borough"])
}

func TestReporterFinishRecordsErrorAndWatermark(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := NewReporter(slog.New(slog.DiscardHandler))
	r.Start("", "incremental", "file:311.csv", false)
	r.SetRunID("run-2")
	r.SetInput("file:311.csv size=1 blake2b=ab")
	r.SetViews([]string{"mv_a"})

	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := Snapshot(watermark.Watermark{
		ID:       7,
		Status:   watermark.StatusFailed,
		Position: &watermark.Position{CreatedAt: created, UniqueKey: 42},
	})

	final := r.Finish(context.Background(), StatusFailed, errors.New("load failed"), snap)

	assert.Equal(t, "run-2", final.RunID)
	assert.Equal(t, "file:311.csv size=1 blake2b=ab", final.Input)
	assert.Equal(t, "load failed", final.Error)
	assert.Equal(t, []string{"mv_a"}, final.Views)
	require.NotNil(t, final.Watermark)
	assert.Equal(t, "failed", final.Watermark.Status)
	assert.Equal(t, created, *final.Watermark.LastCreatedAt)
	assert.Equal(t, int64(42), *final.Watermark.LastUniqueKey)
}

func TestSnapshotOfZeroWatermark(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Nil(t, Snapshot(watermark.Watermark{}))

	snap := Snapshot(watermark.Watermark{Status: watermark.StatusRunning})
	require.NotNil(t, snap)
	assert.Nil(t, snap.LastCreatedAt)
	assert.Nil(t, snap.LastUniqueKey)
}

func TestReporterConcurrentCounts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := NewReporter(slog.New(slog.DiscardHandler))

	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			stop := r.Track(StageTransform)
			r.UpdateCounts(func(c *Counts) { c.Extracted++ })
			stop()
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(50), r.Counts().Extracted)
}
