package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/lib/pq"
)

// slowRefreshThreshold marks a refresh worth a warning.
const slowRefreshThreshold = 30 * time.Second

// Aggregate views maintained over service_requests, in refresh order.
const (
	ViewComplaintsByDayBorough = "mv_complaints_by_day_borough"
	ViewComplaintsByTypeMonth  = "mv_complaints_by_type_month"
)

// Views lists the managed materialized views.
func Views() []string {
	return []string{ViewComplaintsByDayBorough, ViewComplaintsByTypeMonth}
}

type (
	// ViewRefresher recomputes the aggregate materialized views.
	ViewRefresher struct {
		conn   *Connection
		logger *slog.Logger
	}

	// RefreshResult reports one view's refresh.
	RefreshResult struct {
		View     string
		Duration time.Duration
		Err      error
	}
)

// NewViewRefresher creates a refresher. Returns ErrNoDatabaseConnection if conn is nil.
func NewViewRefresher(conn *Connection, logger *slog.Logger) (*ViewRefresher, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ViewRefresher{conn: conn, logger: logger}, nil
}

// Refresh refreshes views, or every managed view when none are named.
//
// With concurrently set, REFRESH MATERIALIZED VIEW CONCURRENTLY is used so
// readers are never blocked; each view carries the unique index this requires.
// Every view is attempted even after a failure. The returned error wraps
// ErrViewRefreshFailed and joins the per-view causes.
func (r *ViewRefresher) Refresh(ctx context.Context, concurrently bool, views ...string) ([]RefreshResult, error) {
	if len(views) == 0 {
		views = Views()
	}

	for _, v := range views {
		if !slices.Contains(Views(), v) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownView, v)
		}
	}

	results := make([]RefreshResult, 0, len(views))

	var errs []error

	for _, view := range views {
		res := r.refreshOne(ctx, view, concurrently)
		results = append(results, res)

		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}

	if len(errs) > 0 {
		return results, fmt.Errorf("%w: %w", ErrViewRefreshFailed, errors.Join(errs...))
	}

	return results, nil
}

func (r *ViewRefresher) refreshOne(ctx context.Context, view string, concurrently bool) RefreshResult {
	stmt := "REFRESH MATERIALIZED VIEW "
	if concurrently {
		stmt += "CONCURRENTLY "
	}

	stmt += pq.QuoteIdentifier(view)

	start := time.Now()

	_, err := r.conn.ExecContext(ctx, stmt)

	duration := time.Since(start)
	if err != nil {
		r.logger.Error("Failed to refresh materialized view",
			slog.String("view", view),
			slog.Bool("concurrently", concurrently),
			slog.Any("error", err),
			slog.Duration("duration", duration))

		return RefreshResult{View: view, Duration: duration, Err: fmt.Errorf("%s: %w", view, err)}
	}

	r.logger.Info("Refreshed materialized view",
		slog.String("view", view),
		slog.Bool("concurrently", concurrently),
		slog.Duration("duration", duration))

	if duration > slowRefreshThreshold {
		r.logger.Warn("Slow materialized view refresh detected",
			slog.String("view", view),
			slog.Duration("duration", duration),
			slog.String("recommendation", "Consider a blocking refresh during off-hours"))
	}

	return RefreshResult{View: view, Duration: duration}
}
