package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/urbanflux-io/urbanflux/internal/ingestion"
)

// ServiceRequestStore implements ingestion.Store on the service_requests table.
type ServiceRequestStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ ingestion.Store = (*ServiceRequestStore)(nil)

// insertChunkSQL writes a whole chunk in one statement. Each column travels as
// one array parameter; timestamps are sent as RFC 3339 text and cast server-side.
// ingested_at takes its column default.
const insertChunkSQL = `
	INSERT INTO service_requests (
		unique_key, created_at, closed_at, complaint_type,
		descriptor, borough, latitude, longitude
	)
	SELECT * FROM unnest(
		$1::bigint[],
		$2::timestamptz[],
		$3::timestamptz[],
		$4::text[],
		$5::text[],
		$6::text[],
		$7::float8[],
		$8::float8[]
	)
	ON CONFLICT (unique_key) DO NOTHING`

// NewServiceRequestStore creates the loader store. Returns ErrNoDatabaseConnection if conn is nil.
func NewServiceRequestStore(conn *Connection, logger *slog.Logger) (*ServiceRequestStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ServiceRequestStore{conn: conn, logger: logger}, nil
}

// LoadChunk implements ingestion.Store.
//
// The chunk is inserted in a single transaction with ON CONFLICT (unique_key) DO
// NOTHING, so keys loaded by an earlier run are counted as skipped rather than
// failing the chunk. Connectivity failures wrap ErrTransientLoad; anything else,
// such as a CHECK violation, wraps ErrLoadFailed.
//
// A transient error from Commit does not prove the server rolled back. A retry
// after an applied commit reports those rows as skipped, so Inserted can
// undercount while the stored data stays correct.
func (s *ServiceRequestStore) LoadChunk(ctx context.Context, requests []ingestion.ServiceRequest) (ingestion.LoadResult, error) {
	if len(requests) == 0 {
		return ingestion.LoadResult{}, nil
	}

	start := time.Now()
	cols := newChunkColumns(requests)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return ingestion.LoadResult{}, classifyLoadError("failed to begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	result, err := tx.ExecContext(ctx, insertChunkSQL,
		pq.Array(cols.keys),
		pq.Array(cols.created),
		pq.Array(cols.closed),
		pq.Array(cols.complaintTypes),
		pq.Array(cols.descriptors),
		pq.Array(cols.boroughs),
		pq.Array(cols.latitudes),
		pq.Array(cols.longitudes),
	)
	if err != nil {
		return ingestion.LoadResult{}, classifyLoadError("failed to insert chunk", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return ingestion.LoadResult{}, classifyLoadError("failed to read affected rows", err)
	}

	if err := tx.Commit(); err != nil {
		return ingestion.LoadResult{}, classifyLoadError("failed to commit chunk", err)
	}

	res := ingestion.LoadResult{Inserted: int(inserted), Skipped: len(requests) - int(inserted)}

	s.logger.Debug("Chunk loaded",
		slog.Int("rows", len(requests)),
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped_existing", res.Skipped),
		slog.Duration("duration", time.Since(start)))

	return res, nil
}

// HealthCheck implements ingestion.Store.
func (s *ServiceRequestStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Count returns the number of rows in service_requests.
func (s *ServiceRequestStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count service requests: %w", err)
	}

	return n, nil
}

type chunkColumns struct {
	keys           []int64
	created        []string
	closed         []sql.NullString
	complaintTypes []string
	descriptors    []sql.NullString
	boroughs       []sql.NullString
	latitudes      []sql.NullFloat64
	longitudes     []sql.NullFloat64
}

func newChunkColumns(requests []ingestion.ServiceRequest) chunkColumns {
	n := len(requests)
	cols := chunkColumns{
		keys:           make([]int64, n),
		created:        make([]string, n),
		closed:         make([]sql.NullString, n),
		complaintTypes: make([]string, n),
		descriptors:    make([]sql.NullString, n),
		boroughs:       make([]sql.NullString, n),
		latitudes:      make([]sql.NullFloat64, n),
		longitudes:     make([]sql.NullFloat64, n),
	}

	for i, r := range requests {
		cols.keys[i] = r.UniqueKey
		cols.created[i] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
		cols.complaintTypes[i] = r.ComplaintType
		cols.descriptors[i] = nullString(r.Descriptor)
		cols.boroughs[i] = nullString(string(r.Borough))

		if r.ClosedAt != nil {
			cols.closed[i] = sql.NullString{String: r.ClosedAt.UTC().Format(time.RFC3339Nano), Valid: true}
		}

		if r.Coordinates != nil {
			cols.latitudes[i] = sql.NullFloat64{Float64: r.Coordinates.Latitude, Valid: true}
			cols.longitudes[i] = sql.NullFloat64{Float64: r.Coordinates.Longitude, Valid: true}
		}
	}

	return cols
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func classifyLoadError(op string, err error) error {
	if isDatabaseConnectionError(err) {
		return fmt.Errorf("%w: %s: %w", ErrTransientLoad, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrLoadFailed, op, err)
}
