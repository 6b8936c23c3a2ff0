package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

// runLockKey is the pg_advisory_lock key reserved for pipeline runs.
const runLockKey int64 = 0x75726266_6c757800 // "urbflux\0"

const watermarkColumns = `
	id, run_id, run_mode, status, input_descriptor,
	last_created_at, last_unique_key,
	rows_processed, rows_inserted, rows_duplicated, rows_rejected,
	COALESCE(error_message, ''), started_at, completed_at`

// WatermarkStore implements watermark.Store and watermark.Locker on etl_watermarks.
type WatermarkStore struct {
	conn   *Connection
	logger *slog.Logger
}

var (
	_ watermark.Store  = (*WatermarkStore)(nil)
	_ watermark.Locker = (*WatermarkStore)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

// NewWatermarkStore creates the watermark store. Returns ErrNoDatabaseConnection if conn is nil.
func NewWatermarkStore(conn *Connection, logger *slog.Logger) (*WatermarkStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &WatermarkStore{conn: conn, logger: logger}, nil
}

// Insert implements watermark.Store. The single-running partial unique index
// turns a second running row into watermark.ErrRunInProgress.
func (s *WatermarkStore) Insert(ctx context.Context, w *watermark.Watermark) error {
	lastCreated, lastKey := positionArgs(w.Position)

	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO etl_watermarks (
			run_id, run_mode, status, input_descriptor,
			last_created_at, last_unique_key, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		w.RunID, string(w.Mode), string(w.Status), w.InputDescriptor,
		lastCreated, lastKey, w.StartedAt,
	).Scan(&w.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: a running watermark row already exists", watermark.ErrRunInProgress)
		}

		return fmt.Errorf("failed to insert watermark: %w", err)
	}

	return nil
}

// Finish implements watermark.Store.
func (s *WatermarkStore) Finish(ctx context.Context, w *watermark.Watermark) error {
	lastCreated, lastKey := positionArgs(w.Position)

	result, err := s.conn.ExecContext(ctx, `
		UPDATE etl_watermarks SET
			status = $2,
			input_descriptor = $3,
			last_created_at = $4,
			last_unique_key = $5,
			rows_processed = $6,
			rows_inserted = $7,
			rows_duplicated = $8,
			rows_rejected = $9,
			error_message = NULLIF($10, ''),
			completed_at = $11
		WHERE run_id = $1 AND status = 'running'`,
		w.RunID, string(w.Status), w.InputDescriptor,
		lastCreated, lastKey,
		w.Counts.Processed, w.Counts.Inserted, w.Counts.Duplicated, w.Counts.Rejected,
		w.ErrorMessage, w.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update watermark: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", watermark.ErrNotRunning, w.RunID)
	}

	return nil
}

// LastCompleted implements watermark.Store.
func (s *WatermarkStore) LastCompleted(ctx context.Context) (*watermark.Watermark, error) {
	return s.queryOne(ctx, `
		SELECT `+watermarkColumns+`
		FROM etl_watermarks
		WHERE status = 'completed'
		ORDER BY completed_at DESC, id DESC
		LIMIT 1`)
}

// Latest implements watermark.Store.
func (s *WatermarkStore) Latest(ctx context.Context) (*watermark.Watermark, error) {
	return s.queryOne(ctx, `
		SELECT `+watermarkColumns+`
		FROM etl_watermarks
		ORDER BY started_at DESC, id DESC
		LIMIT 1`)
}

// ListRunning implements watermark.Store.
func (s *WatermarkStore) ListRunning(ctx context.Context) ([]*watermark.Watermark, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+watermarkColumns+`
		FROM etl_watermarks
		WHERE status = 'running'
		ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query running watermarks: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var running []*watermark.Watermark

	for rows.Next() {
		w, err := scanWatermark(rows)
		if err != nil {
			return nil, err
		}

		running = append(running, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate running watermarks: %w", err)
	}

	return running, nil
}

// Resolve implements watermark.Store. It is the operator transition for a run
// left running by a crash: the row becomes failed and the single-running claim is released.
func (s *WatermarkStore) Resolve(ctx context.Context, runID uuid.UUID, reason string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	var status string

	err = tx.QueryRowContext(ctx,
		`SELECT status FROM etl_watermarks WHERE run_id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", watermark.ErrNotFound, runID)
	}

	if err != nil {
		return fmt.Errorf("failed to read watermark %s: %w", runID, err)
	}

	if watermark.Status(status) != watermark.StatusRunning {
		return fmt.Errorf("%w: %s is %s", watermark.ErrNotRunning, runID, status)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE etl_watermarks
		SET status = 'failed', error_message = $2, completed_at = now()
		WHERE run_id = $1`, runID, reason); err != nil {
		return fmt.Errorf("failed to resolve watermark %s: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resolve: %w", err)
	}

	s.logger.Warn("Resolved stale running watermark",
		slog.String("run_id", runID.String()),
		slog.String("reason", reason))

	return nil
}

// AcquireRunLock implements watermark.Locker with a session-level advisory
// lock held on a dedicated connection until release is called. The lock is
// dropped by the server if the process dies, so it never outlives its holder.
func (s *WatermarkStore) AcquireRunLock(ctx context.Context) (func() error, error) {
	conn, err := s.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, runLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	if !acquired {
		_ = conn.Close()

		return nil, fmt.Errorf("%w: run lock is held by another process", watermark.ErrRunInProgress)
	}

	release := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()

		_, unlockErr := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, runLockKey)

		return errors.Join(unlockErr, conn.Close())
	}

	return release, nil
}

func (s *WatermarkStore) queryOne(ctx context.Context, query string) (*watermark.Watermark, error) {
	w, err := scanWatermark(s.conn.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, watermark.ErrNotFound
	}

	return w, err
}

func scanWatermark(row rowScanner) (*watermark.Watermark, error) {
	var (
		w           watermark.Watermark
		mode        string
		status      string
		lastCreated sql.NullTime
		lastKey     sql.NullInt64
		completedAt sql.NullTime
	)

	err := row.Scan(
		&w.ID, &w.RunID, &mode, &status, &w.InputDescriptor,
		&lastCreated, &lastKey,
		&w.Counts.Processed, &w.Counts.Inserted, &w.Counts.Duplicated, &w.Counts.Rejected,
		&w.ErrorMessage, &w.StartedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan watermark: %w", err)
	}

	w.Mode = watermark.Mode(mode)
	w.Status = watermark.Status(status)
	w.StartedAt = w.StartedAt.UTC()

	if lastCreated.Valid && lastKey.Valid {
		w.Position = &watermark.Position{CreatedAt: lastCreated.Time.UTC(), UniqueKey: lastKey.Int64}
	}

	if completedAt.Valid {
		t := completedAt.Time.UTC()
		w.CompletedAt = &t
	}

	return &w, nil
}

func positionArgs(p *watermark.Position) (sql.NullTime, sql.NullInt64) {
	if p == nil {
		return sql.NullTime{}, sql.NullInt64{}
	}

	return sql.NullTime{Time: p.CreatedAt, Valid: true}, sql.NullInt64{Int64: p.UniqueKey, Valid: true}
}
