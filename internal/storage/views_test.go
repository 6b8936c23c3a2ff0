package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewRefresher_Statements(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	d := &scriptedDriver{}
	refresher, err := NewViewRefresher(newScriptedConnection(t, d), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	results, err := refresher.Refresh(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []string{
		`REFRESH MATERIALIZED VIEW CONCURRENTLY "mv_complaints_by_day_borough"`,
		`REFRESH MATERIALIZED VIEW CONCURRENTLY "mv_complaints_by_type_month"`,
	}, d.executed())

	_, err = refresher.Refresh(context.Background(), false, ViewComplaintsByTypeMonth)
	require.NoError(t, err)
	assert.Equal(t, `REFRESH MATERIALIZED VIEW "mv_complaints_by_type_month"`, d.executed()[2])
}

func TestViewRefresher_ContinuesAfterFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	d := &scriptedDriver{exec: func(query string) (driver.Result, error) {
		if strings.Contains(query, ViewComplaintsByDayBorough) {
			return nil, &pq.Error{Code: "55000", Message: "cannot refresh materialized view concurrently"}
		}

		return driver.RowsAffected(0), nil
	}}

	refresher, err := NewViewRefresher(newScriptedConnection(t, d), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	results, err := refresher.Refresh(context.Background(), true)
	require.ErrorIs(t, err, ErrViewRefreshFailed)
	assert.Contains(t, err.Error(), ViewComplaintsByDayBorough)

	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Len(t, d.executed(), 2)
}

func TestViewRefresher_UnknownView(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	d := &scriptedDriver{}
	refresher, err := NewViewRefresher(newScriptedConnection(t, d), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, err = refresher.Refresh(context.Background(), false, "pg_catalog.pg_class; DROP TABLE x")
	assert.True(t, errors.Is(err, ErrUnknownView))
	assert.Empty(t, d.executed())
}
