package report

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Sink receives the final report. Sink failures are logged and never change
// the run's outcome.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r RunReport) error
}

// Reporter accumulates a run's counts and stage timings. Its methods are safe
// for concurrent use.
type Reporter struct {
	mu      sync.Mutex
	report  RunReport
	elapsed map[Stage]time.Duration
	sinks   []Sink
	logger  *slog.Logger
	now     func() time.Time
}

// NewReporter creates a Reporter that publishes to sinks at Finish.
func NewReporter(logger *slog.Logger, sinks ...Sink) *Reporter {
	return &Reporter{
		elapsed: make(map[Stage]time.Duration),
		sinks:   sinks,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start records the run identity and start time.
func (r *Reporter) Start(runID, mode, input string, dryRun bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.RunID = runID
	r.report.Mode = mode
	r.report.Input = input
	r.report.DryRun = dryRun
	r.report.StartedAt = r.now()
}

// SetRunID records the run identifier once the watermark row exists.
func (r *Reporter) SetRunID(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.RunID = runID
}

// SetInput replaces the input descriptor, e.g. once its fingerprint is known.
func (r *Reporter) SetInput(input string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Input = input
}

// Track starts timing stage; the returned func stops it. Repeated calls accumulate.
func (r *Reporter) Track(stage Stage) func() {
	start := time.Now()

	return func() {
		r.AddStage(stage, time.Since(start))
	}
}

// AddStage adds d to stage's accumulated time.
func (r *Reporter) AddStage(stage Stage, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.elapsed[stage] += d
}

// UpdateCounts applies fn to the running counts under the reporter's lock.
func (r *Reporter) UpdateCounts(fn func(c *Counts)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(&r.report.Counts)
}

// Counts returns a copy of the counts so far.
func (r *Reporter) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.report.Counts
	c.RejectedByReason = maps.Clone(c.RejectedByReason)

	return c
}

// SetViews records the views refreshed by the run.
func (r *Reporter) SetViews(views []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Views = append([]string(nil), views...)
}

// Finish seals the report, logs the summary and publishes it to every sink.
// It is called exactly once per run, whatever the outcome.
func (r *Reporter) Finish(ctx context.Context, status Status, runErr error, wm *WatermarkSnapshot) RunReport {
	r.mu.Lock()
	r.report.Status = status
	r.report.FinishedAt = r.now()
	r.report.Watermark = wm

	if runErr != nil {
		r.report.Error = runErr.Error()
	}

	r.report.Stages = make([]StageTiming, 0, len(Stages()))
	for _, stage := range Stages() {
		r.report.Stages = append(r.report.Stages, StageTiming{Stage: stage, Seconds: r.elapsed[stage].Seconds()})
	}

	final := r.report
	final.Counts.RejectedByReason = maps.Clone(r.report.Counts.RejectedByReason)
	r.mu.Unlock()

	r.log(final)

	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, final); err != nil {
			r.logger.Warn("Failed to publish run report",
				slog.String("sink", sink.Name()),
				slog.String("run_id", final.RunID),
				slog.String("error", err.Error()))
		}
	}

	return final
}

func (r *Reporter) log(rep RunReport) {
	level := slog.LevelInfo
	if rep.Status != StatusSucceeded {
		level = slog.LevelWarn
	}

	stageAttrs := make([]any, 0, len(rep.Stages))
	for _, s := range rep.Stages {
		stageAttrs = append(stageAttrs, slog.Float64(string(s.Stage), s.Seconds))
	}

	r.logger.Log(context.Background(), level, "Run report",
		slog.String("run_id", rep.RunID),
		slog.String("mode", rep.Mode),
		slog.String("input", rep.Input),
		slog.Bool("dry_run", rep.DryRun),
		slog.String("status", string(rep.Status)),
		slog.String("error", rep.Error),
		slog.Group("counts",
			slog.Int64("read", rep.Counts.Read),
			slog.Int64("skipped_by_watermark", rep.Counts.SkippedByWatermark),
			slog.Int64("extracted", rep.Counts.Extracted),
			slog.Int64("accepted", rep.Counts.Accepted),
			slog.Int64("rejected", rep.Counts.Rejected),
			slog.Int64("duplicated", rep.Counts.Duplicated),
			slog.Int64("inserted", rep.Counts.Inserted),
			slog.Int64("skipped_existing", rep.Counts.SkippedExisting)),
		slog.Group("stage_seconds", stageAttrs...),
		slog.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)))
}
