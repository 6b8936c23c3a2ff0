// Package pipeline runs one Extract→Transform→Load pass over a 311 export.
//
// Chunks are processed strictly in source order. Within a chunk, decode and
// validation fan out over a bounded worker pool; deduplication, load and
// watermark progress run on the calling goroutine. Chunk N commits (or the run
// fails) before chunk N+1 is read, and cancellation is only observed between
// chunks, so a chunk is never partially applied.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/urbanflux-io/urbanflux/internal/extract"
	"github.com/urbanflux-io/urbanflux/internal/ingestion"
	"github.com/urbanflux-io/urbanflux/internal/report"
	"github.com/urbanflux-io/urbanflux/internal/storage"
	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

var (
	// ErrInterrupted is returned when the run was cancelled between chunks.
	ErrInterrupted = errors.New("run interrupted")
	// ErrPartial is returned when every chunk loaded but a view refresh failed.
	ErrPartial = errors.New("run loaded but view refresh failed")
	// ErrNoLoader is returned when a non-dry run is built without a loader.
	ErrNoLoader = errors.New("a loader is required unless running dry")
	// ErrNoWatermarkStore is returned when a runner is built without a watermark store.
	ErrNoWatermarkStore = errors.New("a watermark store is required")
)

type (
	// ViewRefresher recomputes the aggregate views after a load.
	ViewRefresher interface {
		Refresh(ctx context.Context, concurrently bool, views ...string) ([]storage.RefreshResult, error)
	}

	// Dependencies are the collaborators of a Runner.
	Dependencies struct {
		// Loader writes accepted chunks. Unused, and may be nil, for dry runs.
		Loader ingestion.Store
		// Watermarks persists run rows. Dry runs pass a watermark.MemoryStore.
		Watermarks watermark.Store
		// Locker provides run exclusion. Optional.
		Locker watermark.Locker
		// Views is refreshed after a successful load. Optional.
		Views ViewRefresher
		// Rules carries borough aliases. Optional.
		Rules *ingestion.Rules
		// Reporter receives counts and timings. A log-only reporter is used when nil.
		Reporter *report.Reporter
	}

	// Runner executes a single run. It is not reusable.
	Runner struct {
		cfg       *Config
		deps      Dependencies
		tracker   *watermark.Tracker
		reporter  *report.Reporter
		rejectLog *rate.Limiter
		logger    *slog.Logger
	}

	// outcome is the decode+validate result for one row.
	outcome struct {
		request   ingestion.ServiceRequest
		rejection *ingestion.RowError
	}

	// batch is a chunk after validation and deduplication.
	batch struct {
		accepted   []ingestion.ServiceRequest
		rejected   int64
		duplicated int64
		byReason   map[string]int64
		highest    *watermark.Position
	}
)

// NewRunner validates cfg and wires a Runner.
func NewRunner(cfg *Config, deps Dependencies, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if deps.Watermarks == nil {
		return nil, ErrNoWatermarkStore
	}

	if deps.Loader == nil && !cfg.DryRun {
		return nil, ErrNoLoader
	}

	reporter := deps.Reporter
	if reporter == nil {
		reporter = report.NewReporter(logger)
	}

	burst := max(1, int(math.Ceil(cfg.RejectLogRPS)))
	if cfg.RejectLogRPS <= 0 {
		burst = 0
	}

	return &Runner{
		cfg:       cfg,
		deps:      deps,
		tracker:   watermark.NewTracker(deps.Watermarks, logger),
		reporter:  reporter,
		rejectLog: rate.NewLimiter(rate.Limit(cfg.RejectLogRPS), burst),
		logger:    logger,
	}, nil
}

// Run executes the pipeline and always emits a run report, whatever the outcome.
// The returned error maps to a process exit code through ExitCode.
func (r *Runner) Run(ctx context.Context) (report.RunReport, error) {
	r.reporter.Start("", string(r.cfg.Mode), initialDescriptor(r.cfg.InputPath), r.cfg.DryRun)

	status, err := r.run(ctx)

	snapshot := report.Snapshot(r.tracker.Snapshot())

	return r.reporter.Finish(context.WithoutCancel(ctx), status, err, snapshot), err
}

func (r *Runner) run(ctx context.Context) (report.Status, error) {
	if r.deps.Loader != nil && !r.cfg.DryRun {
		if err := r.deps.Loader.HealthCheck(ctx); err != nil {
			return report.StatusFailed, fmt.Errorf("%w: store unreachable: %w", watermark.ErrWatermark, err)
		}
	}

	release, err := r.acquireLock(ctx)
	if err != nil {
		return report.StatusFailed, err
	}

	defer func() {
		if err := release(); err != nil {
			r.logger.Warn("Failed to release run lock", slog.String("error", err.Error()))
		}
	}()

	wm, err := r.tracker.Begin(ctx, r.cfg.Mode, initialDescriptor(r.cfg.InputPath))
	if err != nil {
		return report.StatusFailed, err
	}

	runID := wm.RunID.String()
	r.reporter.SetRunID(runID)

	var since *watermark.Position
	if r.cfg.Mode == watermark.ModeIncremental {
		since = r.tracker.ResumePoint()
	}

	ext, err := extract.Open(r.cfg.InputPath, extract.Options{ChunkSize: r.cfg.ChunkSize, Since: since})
	if err != nil {
		return r.fail(ctx, report.StatusFailed, err)
	}

	defer func() {
		_ = ext.Close()
	}()

	quarantine := r.openQuarantine(runID)
	defer r.closeQuarantine(quarantine)

	if status, err := r.process(ctx, ext, quarantine); err != nil {
		return r.fail(ctx, status, err)
	}

	descriptor := ext.Descriptor().String()
	r.reporter.SetInput(descriptor)

	if err := r.tracker.Complete(context.WithoutCancel(ctx), descriptor); err != nil {
		return report.StatusFailed, err
	}

	if err := r.refresh(ctx); err != nil {
		return report.StatusPartial, fmt.Errorf("%w: %w", ErrPartial, err)
	}

	return report.StatusSucceeded, nil
}

// process drives the chunk loop until the source is exhausted.
func (r *Runner) process(ctx context.Context, ext *extract.Extractor, q *Quarantine) (report.Status, error) {
	decoder := ingestion.NewDecoder(ext.Header())
	validator := ingestion.NewValidator(r.deps.Rules)
	dedup := ingestion.NewDeduplicator()

	var totals watermark.Counts

	for {
		if ctx.Err() != nil {
			return report.StatusInterrupted, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		}

		stop := r.reporter.Track(report.StageExtract)
		chunk, err := ext.Next()
		stop()

		stats := ext.Stats()
		r.reporter.UpdateCounts(func(c *report.Counts) {
			c.Read = int64(stats.Read)
			c.SkippedByWatermark = int64(stats.SkippedByWatermark)
		})

		if errors.Is(err, io.EOF) {
			return report.StatusSucceeded, nil
		}

		if err != nil {
			return report.StatusFailed, err
		}

		stop = r.reporter.Track(report.StageTransform)
		b := r.partition(chunk, r.transform(decoder, validator, chunk.Rows), dedup, q)
		stop()

		stop = r.reporter.Track(report.StageLoad)
		result, err := r.load(ctx, chunk.Index, b.accepted)
		stop()

		if err != nil {
			return report.StatusFailed, err
		}

		totals.Add(watermark.Counts{
			Processed:  int64(len(chunk.Rows)),
			Inserted:   int64(result.Inserted),
			Duplicated: b.duplicated,
			Rejected:   b.rejected,
		})

		if err := r.tracker.Advance(b.highest, totals); err != nil {
			return report.StatusFailed, err
		}

		r.reporter.UpdateCounts(func(c *report.Counts) {
			c.Extracted += int64(len(chunk.Rows))
			c.Accepted += int64(len(b.accepted))
			c.Rejected += b.rejected
			c.Duplicated += b.duplicated
			c.Inserted += int64(result.Inserted)
			c.SkippedExisting += int64(result.Skipped)
			c.Chunks++

			if len(b.byReason) > 0 && c.RejectedByReason == nil {
				c.RejectedByReason = make(map[string]int64, len(b.byReason))
			}

			for reason, n := range b.byReason {
				c.RejectedByReason[reason] += n
			}
		})

		r.logger.Debug("Chunk committed",
			slog.Int("chunk", chunk.Index),
			slog.Int("rows", len(chunk.Rows)),
			slog.Int("accepted", len(b.accepted)),
			slog.Int64("rejected", b.rejected),
			slog.Int64("duplicated", b.duplicated),
			slog.Int("inserted", result.Inserted),
			slog.Int("skipped_existing", result.Skipped))
	}
}

// transform decodes and validates rows on up to cfg.Workers goroutines. Each
// worker owns a contiguous slice of the result, so no state is shared.
func (r *Runner) transform(decoder *ingestion.Decoder, validator *ingestion.Validator, rows []ingestion.RawRow) []outcome {
	out := make([]outcome, len(rows))
	span := (len(rows) + r.cfg.Workers - 1) / r.cfg.Workers

	var g errgroup.Group

	g.SetLimit(r.cfg.Workers)

	for start := 0; start < len(rows); start += span {
		end := min(start+span, len(rows))

		g.Go(func() error {
			for i := start; i < end; i++ {
				out[i] = evaluate(decoder, validator, rows[i])
			}

			return nil
		})
	}

	_ = g.Wait()

	return out
}

func evaluate(decoder *ingestion.Decoder, validator *ingestion.Validator, row ingestion.RawRow) outcome {
	candidate, err := decoder.Decode(row)
	if err != nil {
		return outcome{rejection: asRowError(err)}
	}

	req, err := validator.Validate(candidate)
	if err != nil {
		return outcome{rejection: asRowError(err)}
	}

	return outcome{request: req}
}

func asRowError(err error) *ingestion.RowError {
	var rowErr *ingestion.RowError
	if errors.As(err, &rowErr) {
		return rowErr
	}

	return &ingestion.RowError{Reason: ingestion.ReasonMalformedRow, Detail: err.Error()}
}

// partition walks outcomes in row order so the first occurrence of a key wins
// regardless of how rows were spread across workers or chunks.
func (r *Runner) partition(chunk extract.Chunk, outcomes []outcome, dedup *ingestion.Deduplicator, q *Quarantine) batch {
	b := batch{accepted: make([]ingestion.ServiceRequest, 0, len(outcomes))}

	for i, o := range outcomes {
		if o.rejection != nil {
			b.rejected++

			if b.byReason == nil {
				b.byReason = make(map[string]int64)
			}

			b.byReason[string(o.rejection.Reason)]++
			r.quarantineRow(q, chunk.Rows[i], o.rejection)

			continue
		}

		if !dedup.Admit(o.request.UniqueKey) {
			b.duplicated++

			continue
		}

		b.accepted = append(b.accepted, o.request)
		b.highest = watermark.Max(b.highest, &watermark.Position{
			CreatedAt: o.request.CreatedAt,
			UniqueKey: o.request.UniqueKey,
		})
	}

	return b
}

// load writes one chunk, retrying connectivity failures with exponential
// backoff. The write runs detached from ctx so an interrupt never cuts a
// chunk transaction short.
func (r *Runner) load(ctx context.Context, index int, requests []ingestion.ServiceRequest) (ingestion.LoadResult, error) {
	if len(requests) == 0 || r.cfg.DryRun {
		return ingestion.LoadResult{}, nil
	}

	loadCtx := context.WithoutCancel(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.LoadInitialBackoff
	policy.MaxInterval = r.cfg.LoadMaxBackoff
	policy.MaxElapsedTime = 0

	var (
		result   ingestion.LoadResult
		attempts int
	)

	err := backoff.RetryNotify(func() error {
		attempts++

		res, err := r.deps.Loader.LoadChunk(loadCtx, requests)
		if err != nil {
			if errors.Is(err, storage.ErrTransientLoad) {
				return err
			}

			return backoff.Permanent(err)
		}

		result = res

		return nil
	}, backoff.WithMaxRetries(policy, uint64(r.cfg.LoadMaxRetries)), func(err error, wait time.Duration) {
		r.logger.Warn("Chunk load failed, retrying",
			slog.Int("chunk", index),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))
	})
	if err != nil {
		return ingestion.LoadResult{}, fmt.Errorf("chunk %d (%d attempts): %w", index, attempts, err)
	}

	if attempts > 1 && result.Inserted == 0 {
		r.logger.Warn("Retried chunk inserted no rows, an earlier attempt may have committed",
			slog.Int("chunk", index),
			slog.Int("attempts", attempts),
			slog.Int("skipped_existing", result.Skipped))
	}

	return result, nil
}

func (r *Runner) refresh(ctx context.Context) error {
	if r.cfg.DryRun || r.deps.Views == nil {
		return nil
	}

	stop := r.reporter.Track(report.StageRefresh)
	defer stop()

	results, err := r.deps.Views.Refresh(ctx, r.cfg.RefreshConcurrently)

	refreshed := make([]string, 0, len(results))
	for _, res := range results {
		if res.Err == nil {
			refreshed = append(refreshed, res.View)
		}
	}

	r.reporter.SetViews(refreshed)

	return err
}

// fail persists the failed status. The tracker write is detached from ctx so an
// interrupted run still records where it stopped.
func (r *Runner) fail(ctx context.Context, status report.Status, cause error) (report.Status, error) {
	if err := r.tracker.Fail(context.WithoutCancel(ctx), cause); err != nil {
		return status, errors.Join(cause, err)
	}

	return status, cause
}

func (r *Runner) acquireLock(ctx context.Context) (func() error, error) {
	if r.deps.Locker == nil {
		return func() error { return nil }, nil
	}

	release, err := r.deps.Locker.AcquireRunLock(ctx)
	if err == nil {
		return release, nil
	}

	if errors.Is(err, watermark.ErrRunInProgress) {
		return nil, err
	}

	return nil, fmt.Errorf("%w: %w", watermark.ErrWatermark, err)
}

func (r *Runner) openQuarantine(runID string) *Quarantine {
	if r.cfg.BadRowsDir == "" || r.cfg.DryRun {
		return nil
	}

	q, err := OpenQuarantine(r.cfg.BadRowsDir, runID)
	if err != nil {
		r.logger.Warn("Quarantine disabled for this run", slog.String("error", err.Error()))

		return nil
	}

	return q
}

func (r *Runner) quarantineRow(q *Quarantine, row ingestion.RawRow, rejection *ingestion.RowError) {
	if r.rejectLog.Allow() {
		r.logger.Warn("Row rejected",
			slog.Int("line", row.Line),
			slog.String("reason", string(rejection.Reason)),
			slog.String("detail", rejection.Detail))
	}

	if q == nil {
		return
	}

	if err := q.Write(row, rejection); err != nil {
		r.logger.Warn("Failed to quarantine row",
			slog.Int("line", row.Line),
			slog.String("error", err.Error()))
	}
}

func (r *Runner) closeQuarantine(q *Quarantine) {
	if q == nil {
		return
	}

	if err := q.Close(); err != nil {
		r.logger.Warn("Failed to close quarantine file", slog.String("error", err.Error()))

		return
	}

	if q.Rows() > 0 {
		r.logger.Info("Rejected rows quarantined",
			slog.String("path", q.Path()),
			slog.Int("rows", q.Rows()))
	}
}

// initialDescriptor is recorded at Begin; Complete replaces it with the sized,
// fingerprinted descriptor.
func initialDescriptor(path string) string {
	return "file:" + path
}
