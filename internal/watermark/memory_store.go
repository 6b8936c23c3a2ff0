package watermark

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-process Store and Locker. Dry runs use it so
// the tracker's state machine runs without touching the database.
type MemoryStore struct {
	rows   []*Watermark
	locked bool
	mutex  sync.Mutex
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Locker = (*MemoryStore)(nil)
)

// NewMemoryStore creates a store holding copies of seed, e.g. the last completed
// row read from the database for an incremental dry run.
func NewMemoryStore(seed ...*Watermark) *MemoryStore {
	s := &MemoryStore{}

	for i, w := range seed {
		if w == nil {
			continue
		}

		c := *w
		c.ID = int64(i + 1)
		s.rows = append(s.rows, &c)
	}

	return s
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, w *Watermark) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, row := range s.rows {
		if row.Status == StatusRunning {
			return ErrRunInProgress
		}
	}

	c := *w
	c.ID = int64(len(s.rows) + 1)
	s.rows = append(s.rows, &c)
	w.ID = c.ID

	return nil
}

// Finish implements Store.
func (s *MemoryStore) Finish(_ context.Context, w *Watermark) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, row := range s.rows {
		if row.RunID == w.RunID {
			c := *w
			s.rows[i] = &c

			return nil
		}
	}

	return ErrNotFound
}

// LastCompleted implements Store.
func (s *MemoryStore) LastCompleted(_ context.Context) (*Watermark, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var last *Watermark

	for _, row := range s.rows {
		if row.Status != StatusCompleted || row.CompletedAt == nil {
			continue
		}

		if last == nil || !row.CompletedAt.Before(*last.CompletedAt) {
			last = row
		}
	}

	if last == nil {
		return nil, ErrNotFound
	}

	c := *last

	return &c, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context) (*Watermark, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.rows) == 0 {
		return nil, ErrNotFound
	}

	c := *s.rows[len(s.rows)-1]

	return &c, nil
}

// ListRunning implements Store.
func (s *MemoryStore) ListRunning(_ context.Context) ([]*Watermark, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var running []*Watermark

	for _, row := range s.rows {
		if row.Status == StatusRunning {
			c := *row
			running = append(running, &c)
		}
	}

	return running, nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(_ context.Context, runID uuid.UUID, reason string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, row := range s.rows {
		if row.RunID != runID {
			continue
		}

		if row.Status != StatusRunning {
			return ErrNotRunning
		}

		now := time.Now().UTC()
		row.Status = StatusFailed
		row.ErrorMessage = reason
		row.CompletedAt = &now

		return nil
	}

	return ErrNotFound
}

// AcquireRunLock implements Locker.
func (s *MemoryStore) AcquireRunLock(_ context.Context) (func() error, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.locked {
		return nil, ErrRunInProgress
	}

	s.locked = true

	return func() error {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		s.locked = false

		return nil
	}, nil
}
