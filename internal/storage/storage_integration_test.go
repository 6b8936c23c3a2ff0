package storage

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanflux-io/urbanflux/internal/config"
	"github.com/urbanflux-io/urbanflux/internal/ingestion"
	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

func TestStorageIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	conn := NewConnectionFromDB(testDB.Connection)
	logger := slog.New(slog.DiscardHandler)

	requests, err := NewServiceRequestStore(conn, logger)
	require.NoError(t, err)

	watermarks, err := NewWatermarkStore(conn, logger)
	require.NoError(t, err)

	views, err := NewViewRefresher(conn, logger)
	require.NoError(t, err)

	t.Run("LoadChunkIsIdempotent", testLoadChunkIsIdempotent(ctx, requests))
	t.Run("LoadChunkIsAllOrNothing", testLoadChunkIsAllOrNothing(ctx, requests))
	t.Run("RefreshViews", testRefreshViews(ctx, conn, views))
	t.Run("WatermarkLifecycle", testWatermarkLifecycle(ctx, watermarks, logger))
	t.Run("ResolveStaleRun", testResolveStaleRun(ctx, watermarks))
	t.Run("RunLock", testRunLock(ctx, watermarks))
}

func testLoadChunkIsIdempotent(ctx context.Context, store *ServiceRequestStore) func(*testing.T) {
	return func(t *testing.T) {
		first, err := store.LoadChunk(ctx, sampleRequests())
		require.NoError(t, err)
		assert.Equal(t, ingestion.LoadResult{Inserted: 3}, first)

		second, err := store.LoadChunk(ctx, sampleRequests())
		require.NoError(t, err)
		assert.Equal(t, ingestion.LoadResult{Skipped: 3}, second)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		var (
			borough  *string
			closedAt *time.Time
			latitude *float64
			ingested time.Time
		)

		err = store.conn.QueryRowContext(ctx,
			`SELECT borough, closed_at, latitude, ingested_at FROM service_requests WHERE unique_key = 100005`,
		).Scan(&borough, &closedAt, &latitude, &ingested)
		require.NoError(t, err)
		assert.Nil(t, borough)
		assert.Nil(t, closedAt)
		assert.Nil(t, latitude)
		assert.False(t, ingested.IsZero())
	}
}

func testLoadChunkIsAllOrNothing(ctx context.Context, store *ServiceRequestStore) func(*testing.T) {
	return func(t *testing.T) {
		before, err := store.Count(ctx)
		require.NoError(t, err)

		chunk := []ingestion.ServiceRequest{
			{UniqueKey: 200001, CreatedAt: time.Now().UTC(), ComplaintType: "Noise"},
			{UniqueKey: 200002, CreatedAt: time.Now().UTC(), ComplaintType: "Noise", Borough: "NEW JERSEY"},
		}

		_, err = store.LoadChunk(ctx, chunk)
		require.ErrorIs(t, err, ErrLoadFailed)
		assert.NotErrorIs(t, err, ErrTransientLoad)

		after, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after, "no row of a failed chunk may be committed")
	}
}

func testRefreshViews(ctx context.Context, conn *Connection, views *ViewRefresher) func(*testing.T) {
	return func(t *testing.T) {
		for _, concurrently := range []bool{false, true} {
			results, err := views.Refresh(ctx, concurrently)
			require.NoError(t, err)
			assert.Len(t, results, 2)
		}

		var count int64

		err := conn.QueryRowContext(ctx, `
			SELECT complaint_count FROM mv_complaints_by_day_borough
			WHERE day = DATE '2025-01-15' AND borough = 'MANHATTAN'`).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		err = conn.QueryRowContext(ctx, `
			SELECT complaint_count FROM mv_complaints_by_type_month
			WHERE month = DATE '2025-01-01' AND complaint_type = 'Noise'`).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	}
}

func testWatermarkLifecycle(ctx context.Context, store *WatermarkStore, logger *slog.Logger) func(*testing.T) {
	return func(t *testing.T) {
		_, err := store.LastCompleted(ctx)
		require.ErrorIs(t, err, watermark.ErrNotFound)

		tracker := watermark.NewTracker(store, logger)

		w, err := tracker.Begin(ctx, watermark.ModeFull, "file:requests.csv size=100")
		require.NoError(t, err)
		assert.NotZero(t, w.ID)

		_, err = watermark.NewTracker(store, logger).Begin(ctx, watermark.ModeFull, "")
		require.ErrorIs(t, err, watermark.ErrRunInProgress, "single running row is enforced by the schema")

		position := watermark.Position{CreatedAt: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), UniqueKey: 100002}
		require.NoError(t, tracker.Advance(&position, watermark.Counts{Processed: 4, Inserted: 2, Duplicated: 1, Rejected: 1}))
		require.NoError(t, tracker.Complete(ctx, "file:requests.csv size=100 blake2b=ab"))

		last, err := store.LastCompleted(ctx)
		require.NoError(t, err)
		assert.Equal(t, w.RunID, last.RunID)
		assert.Equal(t, watermark.StatusCompleted, last.Status)
		assert.Equal(t, watermark.ModeFull, last.Mode)
		assert.Equal(t, "file:requests.csv size=100 blake2b=ab", last.InputDescriptor)
		require.NotNil(t, last.Position)
		assert.True(t, position.CreatedAt.Equal(last.Position.CreatedAt))
		assert.Equal(t, int64(100002), last.Position.UniqueKey)
		assert.Equal(t, watermark.Counts{Processed: 4, Inserted: 2, Duplicated: 1, Rejected: 1}, last.Counts)
		require.NotNil(t, last.CompletedAt)

		failing := watermark.NewTracker(store, logger)
		_, err = failing.Begin(ctx, watermark.ModeIncremental, "")
		require.NoError(t, err)
		require.NotNil(t, failing.ResumePoint())
		assert.Equal(t, int64(100002), failing.ResumePoint().UniqueKey)
		require.NoError(t, failing.Fail(ctx, errors.New("load failed")))

		latest, err := store.Latest(ctx)
		require.NoError(t, err)
		assert.Equal(t, watermark.StatusFailed, latest.Status)
		assert.Equal(t, "load failed", latest.ErrorMessage)

		last, err = store.LastCompleted(ctx)
		require.NoError(t, err)
		assert.Equal(t, w.RunID, last.RunID, "a failed run never becomes the resume point")
	}
}

func testResolveStaleRun(ctx context.Context, store *WatermarkStore) func(*testing.T) {
	return func(t *testing.T) {
		crashed := &watermark.Watermark{
			RunID:     uuid.New(),
			Mode:      watermark.ModeIncremental,
			Status:    watermark.StatusRunning,
			StartedAt: time.Now().UTC().Add(-time.Hour),
		}
		require.NoError(t, store.Insert(ctx, crashed))

		running, err := store.ListRunning(ctx)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, crashed.RunID, running[0].RunID)

		assert.ErrorIs(t, store.Resolve(ctx, uuid.New(), "operator"), watermark.ErrNotFound)
		require.NoError(t, store.Resolve(ctx, crashed.RunID, "process killed"))
		assert.ErrorIs(t, store.Resolve(ctx, crashed.RunID, "again"), watermark.ErrNotRunning)

		running, err = store.ListRunning(ctx)
		require.NoError(t, err)
		assert.Empty(t, running)
	}
}

func testRunLock(ctx context.Context, store *WatermarkStore) func(*testing.T) {
	return func(t *testing.T) {
		release, err := store.AcquireRunLock(ctx)
		require.NoError(t, err)

		_, err = store.AcquireRunLock(ctx)
		require.ErrorIs(t, err, watermark.ErrRunInProgress)

		require.NoError(t, release())

		release, err = store.AcquireRunLock(ctx)
		require.NoError(t, err)
		require.NoError(t, release())
	}
}
