package watermark

import (
	"context"

	"github.com/google/uuid"
)

// Store persists watermark rows. The PostgreSQL implementation lives in
// internal/storage; MemoryStore backs dry runs and tests.
type Store interface {
	// Insert writes w as a new running row and sets w.ID. It returns
	// ErrRunInProgress when another running row exists.
	Insert(ctx context.Context, w *Watermark) error

	// Finish persists w's terminal status, counts, position and completion time.
	Finish(ctx context.Context, w *Watermark) error

	// LastCompleted returns the most recent completed run, or ErrNotFound.
	LastCompleted(ctx context.Context) (*Watermark, error)

	// Latest returns the most recently started run of any status, or ErrNotFound.
	Latest(ctx context.Context) (*Watermark, error)

	// ListRunning returns every row still in running status, oldest first.
	ListRunning(ctx context.Context) ([]*Watermark, error)

	// Resolve marks a running row failed with reason. It returns ErrNotFound or
	// ErrNotRunning when runID does not name a running row.
	Resolve(ctx context.Context, runID uuid.UUID, reason string) error
}

// Locker provides run-level mutual exclusion.
type Locker interface {
	// AcquireRunLock takes the run lock without waiting, returning
	// ErrRunInProgress if it is already held. The returned func releases it.
	AcquireRunLock(ctx context.Context) (release func() error, err error)
}
