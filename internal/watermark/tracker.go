package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Tracker owns the current run's Watermark and drives its state machine:
//
//	Begin → Advance* → Complete | Fail
//
// Progress is kept in memory after each committed chunk and persisted only by
// Complete or Fail. A Tracker is used by one goroutine and for one run.
type Tracker struct {
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	current *Watermark
	resume  *Position
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Begin reads the last completed watermark and writes this run's running row.
// Progress starts at the previous completed position so it never moves backwards.
func (t *Tracker) Begin(ctx context.Context, mode Mode, descriptor string) (Watermark, error) {
	if t.current != nil {
		return Watermark{}, fmt.Errorf("%w: run %s already begun", ErrInvalidTransition, t.current.RunID)
	}

	if !mode.IsValid() {
		return Watermark{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	last, err := t.store.LastCompleted(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Watermark{}, fmt.Errorf("%w: reading last completed run: %w", ErrWatermark, err)
	}

	if last != nil && last.Position != nil {
		p := *last.Position
		t.resume = &p
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return Watermark{}, fmt.Errorf("%w: generating run id: %w", ErrWatermark, err)
	}

	w := &Watermark{
		RunID:           runID,
		Mode:            mode,
		Status:          StatusRunning,
		InputDescriptor: descriptor,
		Position:        copyPosition(t.resume),
		StartedAt:       t.now(),
	}

	if err := t.store.Insert(ctx, w); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			return Watermark{}, err
		}

		return Watermark{}, fmt.Errorf("%w: writing running row: %w", ErrWatermark, err)
	}

	t.current = w

	t.logger.Info("Run started",
		slog.String("run_id", runID.String()),
		slog.String("mode", string(mode)),
		slog.String("resume_from", positionAttr(t.resume)))

	return *w, nil
}

// ResumePoint returns the last completed run's position, or nil.
func (t *Tracker) ResumePoint() *Position {
	return copyPosition(t.resume)
}

// Advance records a committed chunk: the run's counts so far and the highest
// position loaded. A nil or earlier position leaves progress unchanged.
func (t *Tracker) Advance(loaded *Position, counts Counts) error {
	if t.current == nil || t.current.Status != StatusRunning {
		return fmt.Errorf("%w: advance outside a running run", ErrInvalidTransition)
	}

	t.current.Position = copyPosition(Max(t.current.Position, loaded))
	t.current.Counts = counts

	return nil
}

// Complete persists the run as completed. descriptor replaces the input
// descriptor recorded at Begin when non-empty.
func (t *Tracker) Complete(ctx context.Context, descriptor string) error {
	return t.finish(ctx, StatusCompleted, descriptor, "")
}

// Fail persists the run as failed with cause. The position stored is the last
// committed chunk's; incremental runs still resume from the last completed run.
func (t *Tracker) Fail(ctx context.Context, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	return t.finish(ctx, StatusFailed, "", msg)
}

// Snapshot returns a copy of the current watermark.
func (t *Tracker) Snapshot() Watermark {
	if t.current == nil {
		return Watermark{}
	}

	w := *t.current
	w.Position = copyPosition(t.current.Position)

	return w
}

func (t *Tracker) finish(ctx context.Context, status Status, descriptor, errMsg string) error {
	if t.current == nil || t.current.Status != StatusRunning {
		return fmt.Errorf("%w: %s outside a running run", ErrInvalidTransition, status)
	}

	now := t.now()
	w := *t.current
	w.Status = status
	w.CompletedAt = &now
	w.ErrorMessage = errMsg

	if descriptor != "" {
		w.InputDescriptor = descriptor
	}

	if err := t.store.Finish(ctx, &w); err != nil {
		return fmt.Errorf("%w: persisting %s status: %w", ErrWatermark, status, err)
	}

	t.current = &w

	t.logger.Info("Run finished",
		slog.String("run_id", w.RunID.String()),
		slog.String("status", string(status)),
		slog.String("position", positionAttr(w.Position)),
		slog.Int64("processed", w.Counts.Processed),
		slog.Int64("inserted", w.Counts.Inserted),
		slog.Duration("elapsed", now.Sub(w.StartedAt)))

	return nil
}

func copyPosition(p *Position) *Position {
	if p == nil {
		return nil
	}

	c := *p

	return &c
}

func positionAttr(p *Position) string {
	if p == nil {
		return "none"
	}

	return p.String()
}
